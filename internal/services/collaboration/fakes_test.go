package collaboration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"collab-editor/internal/log"
	"collab-editor/internal/models"
	"collab-editor/internal/repository"
	"collab-editor/internal/services"
	"collab-editor/internal/telemetry"

	"github.com/stretchr/testify/require"
)

// memDocs is an in-memory SnapshotStore with the same version guard as the
// gorm repository.
type memDocs struct {
	mu            sync.Mutex
	docs          map[string]*models.Document
	failGet       error
	failUpdate    error
	conflictsLeft int // UpdateSnapshot calls that report a conflict first
	updates       int
}

func newMemDocs() *memDocs {
	return &memDocs{docs: make(map[string]*models.Document)}
}

func (m *memDocs) put(doc models.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.Version == 0 {
		doc.Version = 1
	}
	m.docs[doc.ID] = &doc
}

func (m *memDocs) snapshot(id string) models.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.docs[id]
	return models.Snapshot{Content: d.Content, Version: d.Version}
}

func (m *memDocs) setFailUpdate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUpdate = err
}

func (m *memDocs) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
}

func (m *memDocs) removeCollaborator(id, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.docs[id]
	kept := d.Collaborators[:0]
	for _, c := range d.Collaborators {
		if c.UserID != userID {
			kept = append(kept, c)
		}
	}
	d.Collaborators = kept
}

func (m *memDocs) GetByID(ctx context.Context, id string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return nil, m.failGet
	}
	d, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, repository.ErrNotFound)
	}
	cp := *d
	cp.Collaborators = append([]models.Collaborator(nil), d.Collaborators...)
	return &cp, nil
}

func (m *memDocs) UpdateSnapshot(ctx context.Context, id, content string, expectedVersion, newVersion int64, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.failUpdate != nil {
		return m.failUpdate
	}
	d, ok := m.docs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if m.conflictsLeft > 0 {
		m.conflictsLeft--
		return repository.ErrVersionConflict
	}
	if d.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	d.Content = content
	d.Version = newVersion
	d.UpdatedAt = updatedAt
	return nil
}

type memChanges struct {
	mu      sync.Mutex
	records []*models.ChangeRecord
	fail    error
}

func (m *memChanges) Append(ctx context.Context, documentID, userID string, payload json.RawMessage) (*models.ChangeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	r := &models.ChangeRecord{Seq: uint64(len(m.records) + 1), DocumentID: documentID, UserID: userID, Payload: payload, CreatedAt: time.Now()}
	m.records = append(m.records, r)
	return r, nil
}

func (m *memChanges) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type memUsers map[string]string // id -> username

func (m memUsers) GetByID(ctx context.Context, id string) (*models.User, error) {
	name, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, repository.ErrNotFound)
	}
	return &models.User{ID: id, Username: name}, nil
}

type memFeed struct {
	mu     sync.Mutex
	events []services.ChangeEvent
}

func (f *memFeed) Publish(ctx context.Context, evt services.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

// fakeMember records frames instead of writing to a socket.
type fakeMember struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newMember(id string) *fakeMember { return &fakeMember{id: id} }

func (m *fakeMember) ID() string { return m.id }

func (m *fakeMember) Send(frame []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.frames = append(m.frames, frame)
	return true
}

func (m *fakeMember) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *fakeMember) envelopes(t *testing.T) []Envelope {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Envelope, 0, len(m.frames))
	for _, f := range m.frames {
		var env Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, env)
	}
	return out
}

func (m *fakeMember) named(t *testing.T, event string) []Envelope {
	t.Helper()
	var out []Envelope
	for _, env := range m.envelopes(t) {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (m *fakeMember) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = nil
}

func presenceOf(userID string) models.Presence {
	return models.Presence{UserID: userID, Username: userID + "-name"}
}

func newTestRegistry() (*RoomRegistry, *telemetry.Metrics) {
	m := telemetry.NewNopMetrics()
	return NewRoomRegistry(m, log.Discard()), m
}
