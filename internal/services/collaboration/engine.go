package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"collab-editor/internal/middleware"
	"collab-editor/internal/repository"
	"collab-editor/internal/services"
	"collab-editor/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
)

// maxConflictRetries bounds how often one apply re-reads the snapshot after
// another process moved the version underneath it.
const maxConflictRetries = 3

/*
CHANGE PROPAGATION

ApplyChange is last-writer-wins at document granularity:

1. append the change to the log (never read back here)
2. load the snapshot
3. replace the content, version+1, guarded write
4. broadcast to the room, sender excluded

No base version is compared, so a change built on stale content still
overwrites newer content. Applies for one document run one at a time under
a per-document lock, so the version sequence has no gaps or duplicates and
"last writer" means "last to take the lock". The storage-level guard only
matters when several server processes share one database.

The work runs detached from the caller's context: a client that disconnects
mid-apply does not abort persistence or the peer broadcast.
*/

// ChangeResult describes an accepted change.
type ChangeResult struct {
	Version  int64
	Seq      uint64
	Delivery Delivery
}

// ChangeEngine persists and fans out document changes.
type ChangeEngine struct {
	docs     services.SnapshotStore
	changes  services.ChangeLog
	feed     services.ChangePublisher // optional
	registry *RoomRegistry
	locks    *docLocks
	timeout  time.Duration
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewChangeEngine(docs services.SnapshotStore, changes services.ChangeLog, registry *RoomRegistry, timeout time.Duration, metrics *telemetry.Metrics, l *slog.Logger) *ChangeEngine {
	return &ChangeEngine{
		docs:     docs,
		changes:  changes,
		registry: registry,
		locks:    newDocLocks(),
		timeout:  timeout,
		metrics:  metrics,
		logger:   l.With("component", "engine"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher mirrors accepted changes to a change feed.
func (e *ChangeEngine) SetPublisher(p services.ChangePublisher) {
	e.feed = p
}

// WithDocumentLock runs fn while no change for documentID is being applied.
// Joins use it so the snapshot a joiner receives and its room registration
// are not split by a concurrent apply.
func (e *ChangeEngine) WithDocumentLock(documentID string, fn func() error) error {
	unlock := e.locks.Lock(documentID)
	defer unlock()
	return fn()
}

// ApplyChange records change for documentID and broadcasts it to every room
// member except originID. Errors wrap ErrNotFound or ErrPersistence; in both
// cases nothing is broadcast.
func (e *ChangeEngine) ApplyChange(ctx context.Context, documentID, userID string, change json.RawMessage, originID string) (ChangeResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	ctx, span := middleware.StartSpan(ctx, "ChangeEngine.ApplyChange",
		attribute.String("document.id", documentID),
		attribute.String("user.id", userID),
		attribute.Int("change.size", len(change)),
	)
	defer span.End()

	start := time.Now()
	unlock := e.locks.Lock(documentID)
	defer unlock()

	record, err := e.changes.Append(ctx, documentID, userID, change)
	if err != nil {
		err = fmt.Errorf("%w: append change: %v", ErrPersistence, err)
		middleware.AddSpanError(ctx, err)
		return ChangeResult{}, err
	}

	version, err := e.writeSnapshot(ctx, documentID, change)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return ChangeResult{}, err
	}
	e.metrics.ApplyDuration.Observe(time.Since(start).Seconds())
	e.metrics.ChangesApplied.Inc()

	frame := encode(EventDocumentChange, ChangeBroadcast{Change: change, UserID: userID, Version: version})
	delivery := e.registry.Broadcast(documentID, originID, frame)
	span.SetAttributes(
		attribute.Int64("document.version", version),
		attribute.Int("broadcast.delivered", delivery.Delivered),
		attribute.Int("broadcast.skipped", delivery.Skipped),
	)

	if e.feed != nil {
		evt := services.ChangeEvent{
			DocumentID: documentID,
			UserID:     userID,
			Version:    version,
			Seq:        record.Seq,
			Change:     change,
			AppliedAt:  e.now(),
		}
		if err := e.feed.Publish(ctx, evt); err != nil {
			e.logger.Warn("change feed publish failed", "document", documentID, "version", version, "err", err)
		}
	}

	e.logger.Debug("change applied", "document", documentID, "user", userID, "version", version,
		"delivered", delivery.Delivered, "recipients", delivery.Recipients)
	return ChangeResult{Version: version, Seq: record.Seq, Delivery: delivery}, nil
}

func (e *ChangeEngine) writeSnapshot(ctx context.Context, documentID string, change json.RawMessage) (int64, error) {
	for attempt := 1; ; attempt++ {
		doc, err := e.docs.GetByID(ctx, documentID)
		if errors.Is(err, repository.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, documentID)
		}
		if err != nil {
			return 0, fmt.Errorf("%w: load document: %v", ErrPersistence, err)
		}

		content := doc.Content
		if c, ok := contentOf(change); ok {
			content = c
		}
		next := doc.Version + 1

		err = e.docs.UpdateSnapshot(ctx, documentID, content, doc.Version, next, e.now())
		switch {
		case err == nil:
			return next, nil
		case errors.Is(err, repository.ErrNotFound):
			return 0, fmt.Errorf("%w: %s", ErrNotFound, documentID)
		case errors.Is(err, repository.ErrVersionConflict) && attempt < maxConflictRetries:
			e.metrics.VersionConflicts.Inc()
			continue
		default:
			return 0, fmt.Errorf("%w: save document: %v", ErrPersistence, err)
		}
	}
}
