package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"collab-editor/internal/log"
	"collab-editor/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	docs     *memDocs
	changes  *memChanges
	registry *RoomRegistry
	engine   *ChangeEngine
	a, b     *fakeMember
}

// newEngineFixture seeds D1 at version 1 with "hello", with alice on
// connection a and bob on connection b joined to it.
func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	docs := newMemDocs()
	docs.put(models.Document{ID: "D1", Title: "D1", Content: "hello", OwnerID: "alice",
		Collaborators: []models.Collaborator{{UserID: "bob", Permission: models.PermissionWrite}}})
	changes := &memChanges{}
	registry, metrics := newTestRegistry()
	engine := NewChangeEngine(docs, changes, registry, time.Second, metrics, log.Discard())

	f := &engineFixture{docs: docs, changes: changes, registry: registry, engine: engine, a: newMember("a"), b: newMember("b")}
	registry.Join("D1", f.a, presenceOf("alice"), nil)
	registry.Join("D1", f.b, presenceOf("bob"), nil)
	f.a.reset()
	f.b.reset()
	return f
}

func change(content string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"content":%q}`, content))
}

func decodeChange(t *testing.T, env Envelope) ChangeBroadcast {
	t.Helper()
	var cb ChangeBroadcast
	require.NoError(t, json.Unmarshal(env.Data, &cb))
	return cb
}

func TestApplyChangeBroadcastsNextVersion(t *testing.T) {
	f := newEngineFixture(t)

	res, err := f.engine.ApplyChange(context.Background(), "D1", "alice", change("hello world"), "a")
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Version)
	require.Equal(t, Delivery{Recipients: 1, Delivered: 1}, res.Delivery)

	got := f.b.named(t, EventDocumentChange)
	require.Len(t, got, 1)
	cb := decodeChange(t, got[0])
	require.Equal(t, int64(2), cb.Version)
	require.Equal(t, "alice", cb.UserID)
	require.JSONEq(t, `{"content":"hello world"}`, string(cb.Change))

	require.Empty(t, f.a.named(t, EventDocumentChange), "no echo to the sender")
	require.Equal(t, models.Snapshot{Content: "hello world", Version: 2}, f.docs.snapshot("D1"))
	require.Equal(t, 1, f.changes.count())
}

func TestBackToBackChangesStepVersionByOne(t *testing.T) {
	f := newEngineFixture(t)
	for want := int64(2); want <= 6; want++ {
		res, err := f.engine.ApplyChange(context.Background(), "D1", "bob", change(fmt.Sprintf("v%d", want)), "b")
		require.NoError(t, err)
		require.Equal(t, want, res.Version)
	}
	require.Equal(t, models.Snapshot{Content: "v6", Version: 6}, f.docs.snapshot("D1"))
}

func TestConcurrentChangesGetUniqueVersions(t *testing.T) {
	f := newEngineFixture(t)
	const n = 40

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		versions []int64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			origin := "a"
			if i%2 == 0 {
				origin = "b"
			}
			res, err := f.engine.ApplyChange(context.Background(), "D1", "alice", change(fmt.Sprintf("c%d", i)), origin)
			require.NoError(t, err)
			mu.Lock()
			versions = append(versions, res.Version)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	for i, v := range versions {
		require.Equal(t, int64(i+2), v)
	}
	require.Equal(t, int64(n+1), f.docs.snapshot("D1").Version)
	require.Equal(t, n, f.changes.count())
	require.Equal(t, 0, f.engine.locks.len(), "idle documents hold no lock entry")
}

// Last writer wins: a change built on an old version is not rejected and
// silently replaces newer content.
func TestStaleChangeOverwritesNewerContent(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.ApplyChange(context.Background(), "D1", "alice", change("alice's edit"), "a")
	require.NoError(t, err)

	// bob still believes the document is at version 1
	stale := json.RawMessage(`{"content":"bob's edit","baseVersion":1}`)
	res, err := f.engine.ApplyChange(context.Background(), "D1", "bob", stale, "b")
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Version)
	require.Equal(t, "bob's edit", f.docs.snapshot("D1").Content)
}

func TestEmptyContentKeepsBodyButBumpsVersion(t *testing.T) {
	tests := []struct {
		name   string
		change string
	}{
		{name: "missing", change: `{"ops":[{"retain":5}]}`},
		{name: "empty string", change: `{"content":""}`},
		{name: "null", change: `{"content":null}`},
		{name: "not an object", change: `[1,2,3]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t)
			res, err := f.engine.ApplyChange(context.Background(), "D1", "alice", json.RawMessage(tt.change), "a")
			require.NoError(t, err)
			require.Equal(t, int64(2), res.Version)
			require.Equal(t, "hello", f.docs.snapshot("D1").Content)
		})
	}
}

func TestNonStringContentStoredAsJSON(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.ApplyChange(context.Background(), "D1", "alice", json.RawMessage(`{"content":{"ops":[{"insert":"hi"}]}}`), "a")
	require.NoError(t, err)
	require.JSONEq(t, `{"ops":[{"insert":"hi"}]}`, f.docs.snapshot("D1").Content)
}

func TestMissingDocumentIsNotFound(t *testing.T) {
	f := newEngineFixture(t)
	f.registry.Join("gone", f.a, presenceOf("alice"), nil)
	f.registry.Join("gone", f.b, presenceOf("bob"), nil)
	f.b.reset()

	_, err := f.engine.ApplyChange(context.Background(), "gone", "alice", change("x"), "a")
	require.ErrorIs(t, err, ErrNotFound)
	require.Empty(t, f.b.named(t, EventDocumentChange))
	// The log append happens before the lookup.
	require.Equal(t, 1, f.changes.count())
}

func TestPersistenceFailureIsNotBroadcast(t *testing.T) {
	t.Run("snapshot write", func(t *testing.T) {
		f := newEngineFixture(t)
		f.docs.failUpdate = errors.New("connection reset")

		_, err := f.engine.ApplyChange(context.Background(), "D1", "alice", change("x"), "a")
		require.ErrorIs(t, err, ErrPersistence)
		require.Empty(t, f.b.named(t, EventDocumentChange))
		require.Equal(t, int64(1), f.docs.snapshot("D1").Version)
	})

	t.Run("log append", func(t *testing.T) {
		f := newEngineFixture(t)
		f.changes.fail = errors.New("disk full")

		_, err := f.engine.ApplyChange(context.Background(), "D1", "alice", change("x"), "a")
		require.ErrorIs(t, err, ErrPersistence)
		require.Empty(t, f.b.named(t, EventDocumentChange))
		require.Equal(t, 0, f.docs.updates, "snapshot untouched when the log append fails")
	})
}

func TestVersionConflictIsRetried(t *testing.T) {
	f := newEngineFixture(t)
	f.docs.conflictsLeft = 2

	res, err := f.engine.ApplyChange(context.Background(), "D1", "alice", change("x"), "a")
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Version)
	require.Equal(t, 2.0, testutil.ToFloat64(f.engine.metrics.VersionConflicts))
}

func TestPersistentConflictGivesUp(t *testing.T) {
	f := newEngineFixture(t)
	f.docs.conflictsLeft = maxConflictRetries

	_, err := f.engine.ApplyChange(context.Background(), "D1", "alice", change("x"), "a")
	require.ErrorIs(t, err, ErrPersistence)
	require.Empty(t, f.b.named(t, EventDocumentChange))
}

func TestApplySurvivesCallerCancellation(t *testing.T) {
	f := newEngineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.engine.ApplyChange(ctx, "D1", "alice", change("after disconnect"), "a")
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Version)
	require.Len(t, f.b.named(t, EventDocumentChange), 1)
}

func TestOriginGoneStillDeliversToPeers(t *testing.T) {
	f := newEngineFixture(t)
	f.registry.Leave("D1", f.a)
	f.a.close()
	f.a.reset()

	res, err := f.engine.ApplyChange(context.Background(), "D1", "alice", change("x"), "a")
	require.NoError(t, err)
	require.Equal(t, 1, res.Delivery.Delivered)
	require.Empty(t, f.a.envelopes(t))
}

func TestAcceptedChangesReachFeed(t *testing.T) {
	f := newEngineFixture(t)
	feed := &memFeed{}
	f.engine.SetPublisher(feed)

	_, err := f.engine.ApplyChange(context.Background(), "D1", "alice", change("x"), "a")
	require.NoError(t, err)
	f.docs.failUpdate = errors.New("down")
	_, err = f.engine.ApplyChange(context.Background(), "D1", "alice", change("y"), "a")
	require.Error(t, err)

	require.Len(t, feed.events, 1)
	require.Equal(t, "D1", feed.events[0].DocumentID)
	require.Equal(t, int64(2), feed.events[0].Version)
	require.Equal(t, uint64(1), feed.events[0].Seq)
}
