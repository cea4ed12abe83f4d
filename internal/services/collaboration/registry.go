package collaboration

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"collab-editor/internal/models"
	"collab-editor/internal/telemetry"
)

/*
ROOM REGISTRY

documentID -> room -> connectionID -> presence entry.

Locking is two-level:
- the registry RWMutex guards only the room map (lookup, create, evict)
- each room has its own mutex for membership and fan-out

Fan-out happens while holding the room mutex. Member.Send never blocks, so
the critical section stays short, and every member of a room observes that
room's events in one order.

A room is marked closed the moment its last member leaves. A Join that
raced with the eviction and picked up the closed room simply retries with
a fresh one.
*/

// Member is a room participant able to receive frames.
type Member interface {
	ID() string
	// Send queues a frame and reports whether it was accepted. It must not
	// block; a closing member returns false.
	Send(frame []byte) bool
}

// Delivery reports the outcome of one broadcast.
type Delivery struct {
	Recipients int `json:"recipients"` // members targeted (sender excluded)
	Delivered  int `json:"delivered"`
	Skipped    int `json:"skipped"` // closing or overflowing members
}

type roomEntry struct {
	member   Member
	presence models.Presence
	joinSeq  uint64
}

type room struct {
	mu      sync.Mutex
	members map[string]*roomEntry
	nextSeq uint64
	closed  atomic.Bool
}

// RoomRegistry tracks which connections are viewing which documents.
type RoomRegistry struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

func NewRoomRegistry(metrics *telemetry.Metrics, l *slog.Logger) *RoomRegistry {
	return &RoomRegistry{
		rooms:   make(map[string]*room),
		metrics: metrics,
		logger:  l.With("component", "registry"),
	}
}

func (r *RoomRegistry) lookup(documentID string) *room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[documentID]
}

func (r *RoomRegistry) getOrCreate(documentID string) *room {
	if rm := r.lookup(documentID); rm != nil && !rm.closed.Load() {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.rooms[documentID]
	if rm == nil || rm.closed.Load() {
		rm = &room{members: make(map[string]*roomEntry)}
		r.rooms[documentID] = rm
		r.metrics.Rooms.Set(float64(len(r.rooms)))
	}
	return rm
}

func (r *RoomRegistry) evict(documentID string, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[documentID] == rm {
		delete(r.rooms, documentID)
		r.metrics.Rooms.Set(float64(len(r.rooms)))
	}
}

// Join registers m in the document's room and returns the member list after
// the join. welcome, when non-nil, is queued to m before any room traffic.
//
// A first join sends "user-joined" to the existing members; every join sends
// "active-users" to the whole room including m. Joining again from the same
// connection replaces its presence entry.
func (r *RoomRegistry) Join(documentID string, m Member, p models.Presence, welcome []byte) []models.Presence {
	for {
		rm := r.getOrCreate(documentID)
		rm.mu.Lock()
		if rm.closed.Load() {
			rm.mu.Unlock()
			continue
		}

		existing, rejoin := rm.members[m.ID()]
		entry := &roomEntry{member: m, presence: p}
		if rejoin {
			entry.joinSeq = existing.joinSeq
		} else {
			rm.nextSeq++
			entry.joinSeq = rm.nextSeq
		}
		rm.members[m.ID()] = entry

		if welcome != nil {
			m.Send(welcome)
		}
		if !rejoin {
			r.fanoutLocked(rm, m.ID(), userJoinedFrame(p))
		}
		members := rm.presenceLocked()
		r.fanoutLocked(rm, "", activeUsersFrame(members))
		rm.mu.Unlock()

		r.logger.Debug("member joined", "document", documentID, "connection", m.ID(), "user", p.UserID, "members", len(members))
		return members
	}
}

// Leave removes m from the room and returns the remaining members. ok is
// false when m was not in the room. Remaining members get "user-left" and
// "active-users"; an emptied room is evicted.
func (r *RoomRegistry) Leave(documentID string, m Member) (remaining []models.Presence, ok bool) {
	rm := r.lookup(documentID)
	if rm == nil {
		return nil, false
	}

	rm.mu.Lock()
	entry, ok := rm.members[m.ID()]
	if !ok {
		rm.mu.Unlock()
		return nil, false
	}
	delete(rm.members, m.ID())

	empty := len(rm.members) == 0
	if empty {
		rm.closed.Store(true)
	} else {
		remaining = rm.presenceLocked()
		r.fanoutLocked(rm, "", userLeftFrame(entry.presence))
		r.fanoutLocked(rm, "", activeUsersFrame(remaining))
	}
	rm.mu.Unlock()

	if empty {
		r.evict(documentID, rm)
	}
	r.logger.Debug("member left", "document", documentID, "connection", m.ID(), "remaining", len(remaining))
	return remaining, true
}

// Broadcast sends frame to every member except excludeID. A missing room
// yields an empty Delivery.
func (r *RoomRegistry) Broadcast(documentID, excludeID string, frame []byte) Delivery {
	rm := r.lookup(documentID)
	if rm == nil {
		return Delivery{}
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return r.fanoutLocked(rm, excludeID, frame)
}

func (r *RoomRegistry) fanoutLocked(rm *room, excludeID string, frame []byte) Delivery {
	var d Delivery
	for id, e := range rm.members {
		if id == excludeID {
			continue
		}
		d.Recipients++
		if e.member.Send(frame) {
			d.Delivered++
		} else {
			d.Skipped++
		}
	}
	if d.Delivered > 0 {
		r.metrics.Broadcasts.WithLabelValues("delivered").Add(float64(d.Delivered))
	}
	if d.Skipped > 0 {
		r.metrics.Broadcasts.WithLabelValues("skipped").Add(float64(d.Skipped))
	}
	return d
}

// presenceLocked lists members in join order.
func (rm *room) presenceLocked() []models.Presence {
	entries := make([]*roomEntry, 0, len(rm.members))
	for _, e := range rm.members {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].joinSeq < entries[j].joinSeq })

	out := make([]models.Presence, len(entries))
	for i, e := range entries {
		out[i] = e.presence
	}
	return out
}

// MembersOf returns the document's presence list in join order.
func (r *RoomRegistry) MembersOf(documentID string) []models.Presence {
	rm := r.lookup(documentID)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.presenceLocked()
}

// isMember reports whether the connection is registered in the document's room.
func (r *RoomRegistry) isMember(documentID, connectionID string) bool {
	rm := r.lookup(documentID)
	if rm == nil {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, ok := rm.members[connectionID]
	return ok
}

// Rooms returns the number of live rooms.
func (r *RoomRegistry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Snapshot copies every room's presence list.
func (r *RoomRegistry) Snapshot() map[string][]models.Presence {
	r.mu.RLock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make(map[string][]models.Presence, len(ids))
	for _, id := range ids {
		if members := r.MembersOf(id); len(members) > 0 {
			out[id] = members
		}
	}
	return out
}

// Presences maps connection id to presence for one room.
func (r *RoomRegistry) Presences(documentID string) map[string]models.Presence {
	rm := r.lookup(documentID)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make(map[string]models.Presence, len(rm.members))
	for id, e := range rm.members {
		out[id] = e.presence
	}
	return out
}
