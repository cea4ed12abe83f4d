package collaboration

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"collab-editor/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userIDs(ps []models.Presence) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.UserID
	}
	return out
}

func TestJoinNotifiesRoom(t *testing.T) {
	reg, _ := newTestRegistry()
	a, b := newMember("a"), newMember("b")

	members := reg.Join("D1", a, presenceOf("alice"), nil)
	require.Equal(t, []string{"alice"}, userIDs(members))
	require.Len(t, a.named(t, EventActiveUsers), 1)
	require.Empty(t, a.named(t, EventUserJoined))

	members = reg.Join("D1", b, presenceOf("bob"), []byte(`{"event":"document-content","data":{}}`))
	require.Equal(t, []string{"alice", "bob"}, userIDs(members))

	joined := a.named(t, EventUserJoined)
	require.Len(t, joined, 1)
	var p models.Presence
	require.NoError(t, json.Unmarshal(joined[0].Data, &p))
	require.Equal(t, "bob", p.UserID)
	require.Equal(t, "bob-name", p.Username)

	// The joiner sees its welcome first, then the full member list, and no
	// notice about itself.
	bEvents := b.envelopes(t)
	require.Len(t, bEvents, 2)
	require.Equal(t, EventDocumentContent, bEvents[0].Event)
	require.Equal(t, EventActiveUsers, bEvents[1].Event)
	var list []models.Presence
	require.NoError(t, json.Unmarshal(bEvents[1].Data, &list))
	require.Equal(t, []string{"alice", "bob"}, userIDs(list))
}

func TestRejoinReplacesPresence(t *testing.T) {
	reg, _ := newTestRegistry()
	a, b := newMember("a"), newMember("b")
	reg.Join("D1", a, presenceOf("alice"), nil)
	reg.Join("D1", b, presenceOf("bob"), nil)
	a.reset()

	members := reg.Join("D1", b, models.Presence{UserID: "bob", Username: "Bobby"}, nil)
	require.Len(t, members, 2)
	require.Equal(t, "Bobby", members[1].Username)
	require.Empty(t, a.named(t, EventUserJoined))
	require.Len(t, a.named(t, EventActiveUsers), 1)
}

func TestSameUserTwoConnections(t *testing.T) {
	reg, _ := newTestRegistry()
	tab1, tab2 := newMember("tab1"), newMember("tab2")
	reg.Join("D1", tab1, presenceOf("alice"), nil)
	reg.Join("D1", tab2, presenceOf("alice"), nil)

	require.Equal(t, []string{"alice", "alice"}, userIDs(reg.MembersOf("D1")))
}

func TestLeaveNotifiesRemainingAndEvicts(t *testing.T) {
	reg, m := newTestRegistry()
	a, b := newMember("a"), newMember("b")
	reg.Join("D1", a, presenceOf("alice"), nil)
	reg.Join("D1", b, presenceOf("bob"), nil)
	require.Equal(t, 1, reg.Rooms())
	require.Equal(t, 1.0, testutil.ToFloat64(m.Rooms))
	a.reset()

	remaining, ok := reg.Leave("D1", b)
	require.True(t, ok)
	require.Equal(t, []string{"alice"}, userIDs(remaining))
	require.Len(t, a.named(t, EventUserLeft), 1)
	require.Len(t, a.named(t, EventActiveUsers), 1)

	_, ok = reg.Leave("D1", b)
	require.False(t, ok, "second leave is a no-op")
	require.Len(t, a.named(t, EventUserLeft), 1)

	_, ok = reg.Leave("D1", a)
	require.True(t, ok)
	require.Equal(t, 0, reg.Rooms())
	require.Nil(t, reg.MembersOf("D1"))
	require.Equal(t, 0.0, testutil.ToFloat64(m.Rooms))
}

func TestBroadcastExcludesSenderAndSkipsClosed(t *testing.T) {
	reg, m := newTestRegistry()
	a, b, c := newMember("a"), newMember("b"), newMember("c")
	reg.Join("D1", a, presenceOf("alice"), nil)
	reg.Join("D1", b, presenceOf("bob"), nil)
	reg.Join("D1", c, presenceOf("carol"), nil)
	a.reset()
	b.reset()
	c.close()

	d := reg.Broadcast("D1", "a", []byte(`{"event":"x"}`))
	assert.Equal(t, Delivery{Recipients: 2, Delivered: 1, Skipped: 1}, d)
	assert.Empty(t, a.envelopes(t))
	assert.Len(t, b.named(t, "x"), 1)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.Broadcasts.WithLabelValues("skipped")), 1.0)

	assert.Equal(t, Delivery{}, reg.Broadcast("missing", "", []byte(`{}`)))
}

func TestRoomsAreIsolated(t *testing.T) {
	reg, _ := newTestRegistry()
	a, b := newMember("a"), newMember("b")
	reg.Join("D1", a, presenceOf("alice"), nil)
	reg.Join("D2", b, presenceOf("bob"), nil)
	reg.Join("D2", a, presenceOf("alice"), nil)
	b.reset()

	reg.Broadcast("D1", "", []byte(`{"event":"only-d1"}`))
	require.Empty(t, b.envelopes(t))

	snap := reg.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, []string{"alice", "bob"}, sortedIDs(snap["D2"]))
	require.True(t, reg.isMember("D2", "a"))
	require.False(t, reg.isMember("D1", "b"))
}

func sortedIDs(ps []models.Presence) []string {
	ids := userIDs(ps)
	sort.Strings(ids)
	return ids
}

// Membership after any join/leave sequence equals joined minus left.
func TestMembershipMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		reg, _ := newTestRegistry()
		members := make([]*fakeMember, 8)
		for i := range members {
			members[i] = newMember(fmt.Sprintf("c%d", i))
		}
		model := make(map[string]bool)

		for step := 0; step < 100; step++ {
			m := members[rng.Intn(len(members))]
			if rng.Intn(2) == 0 {
				reg.Join("D1", m, presenceOf(m.id), nil)
				model[m.id] = true
			} else {
				reg.Leave("D1", m)
				delete(model, m.id)
			}
		}

		var want []string
		for id := range model {
			want = append(want, id)
		}
		sort.Strings(want)
		got := sortedIDs(reg.MembersOf("D1"))
		if len(want) == 0 {
			require.Empty(t, got, "round %d", round)
			require.Equal(t, 0, reg.Rooms())
		} else {
			require.Equal(t, want, got, "round %d", round)
		}
	}
}

// Concurrent joins and leaves from many goroutines converge to the same
// result as each goroutine's own final action.
func TestConcurrentMembership(t *testing.T) {
	reg, _ := newTestRegistry()
	const n = 32

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := newMember(fmt.Sprintf("c%d", i))
			for j := 0; j < 50; j++ {
				reg.Join("D1", m, presenceOf(m.id), nil)
				reg.Leave("D1", m)
			}
			if i%2 == 0 {
				reg.Join("D1", m, presenceOf(m.id), nil)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, reg.MembersOf("D1"), n/2)
	require.Equal(t, 1, reg.Rooms())
}
