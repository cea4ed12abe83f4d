package repository

import "errors"

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned by UpdateSnapshot when the stored
	// version no longer matches the one the caller read.
	ErrVersionConflict = errors.New("snapshot version conflict")
)
