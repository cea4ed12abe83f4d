package services

import (
	"context"
	"encoding/json"
	"time"

	"collab-editor/internal/models"
)

/*
Interfaces live with their consumers.

The session engine needs a handful of storage operations; it declares them
here and the repository package implements them without knowing these
interfaces exist. Tests swap in in-memory fakes with exactly these methods.
*/

// SnapshotStore is what the engine needs from document storage.
type SnapshotStore interface {
	GetByID(ctx context.Context, id string) (*models.Document, error)
	// UpdateSnapshot must fail with repository.ErrVersionConflict when the
	// stored version is no longer expectedVersion.
	UpdateSnapshot(ctx context.Context, id, content string, expectedVersion, newVersion int64, updatedAt time.Time) error
}

// ChangeLog is the append-only edit history.
type ChangeLog interface {
	Append(ctx context.Context, documentID, userID string, payload json.RawMessage) (*models.ChangeRecord, error)
}

// ChangeHistory reads the edit history back, for the HTTP history endpoint.
type ChangeHistory interface {
	ListByDocument(ctx context.Context, documentID string, afterSeq uint64, limit int) ([]*models.ChangeRecord, error)
}

// UserDirectory resolves display names for presence entries.
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// ChangePublisher forwards accepted changes to downstream consumers.
// Publish must not block the caller on a slow broker.
type ChangePublisher interface {
	Publish(ctx context.Context, evt ChangeEvent) error
}
