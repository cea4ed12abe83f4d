package api

import (
	"context"

	"collab-editor/internal/models"
)

/*
The HTTP layer only reads. Like the engine, it declares the few methods it
calls so handlers can be tested against in-memory fakes.
*/

// DocumentReader loads a document with its collaborators.
type DocumentReader interface {
	GetByID(ctx context.Context, id string) (*models.Document, error)
}

// ChangeHistory pages through a document's edit log in server order.
type ChangeHistory interface {
	ListByDocument(ctx context.Context, documentID string, afterSeq uint64, limit int) ([]*models.ChangeRecord, error)
	CountByDocument(ctx context.Context, documentID string) (int64, error)
}

// RoomDirectory exposes live room membership.
type RoomDirectory interface {
	MembersOf(documentID string) []models.Presence
	Rooms() int
}

// PresenceReader reads the shared presence mirror, which also covers
// connections held by other processes.
type PresenceReader interface {
	Members(ctx context.Context, documentID string) ([]models.Presence, error)
}

// SessionLister lists live websocket connections.
type SessionLister interface {
	Sessions() []models.SessionInfo
}
