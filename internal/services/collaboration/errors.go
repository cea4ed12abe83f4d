package collaboration

import "errors"

// Failures surfaced to a single connection as an "error" event. None of them
// closes the connection.
var (
	ErrNotFound       = errors.New("document not found")
	ErrAccessDenied   = errors.New("access denied")
	ErrMalformedEvent = errors.New("malformed event")
	ErrPersistence    = errors.New("persistence failure")
)

// errorCode maps an error onto the code sent in the error event.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed_event"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	default:
		return "internal"
	}
}
