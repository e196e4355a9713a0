// Package room tracks which connections belong to which chat room and fans
// messages out to every member of a room.
//
// The package knows nothing about WebSockets. A Member is anything with a
// stable ID that can accept a payload within a bounded wait; the server
// package adapts live connections to it.
package room

import (
	"slices"
	"sync"
)

// Member is a participant that can be joined to at most one room.
//
// Deliver must return within a bounded time: implementations enqueue the
// payload, possibly waiting briefly for space, and return an error when the
// member can no longer accept it.
type Member interface {
	ID() string
	Deliver(payload []byte) error
}

// Snapshotter returns a point-in-time copy of a room's members.
type Snapshotter interface {
	Members(roomID string) []Member
}

// Directory is the membership contract the gateway depends on. Registry is
// the in-process implementation; a shared store could satisfy it as well.
type Directory interface {
	Snapshotter
	Join(roomID string, m Member)
	Leave(roomID string, m Member)
}

// Registry maps room ids to their members. Rooms are created on first join
// and deleted together with their last member.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string][]Member
	current map[string]string // member ID -> room ID
}

var _ Directory = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string][]Member),
		current: make(map[string]string),
	}
}

// Join adds m to roomID. A member already in another room is moved out of
// it first; joining the room it is already in does nothing.
func (r *Registry) Join(roomID string, m Member) {
	id := m.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.current[id]; ok {
		if prev == roomID {
			return
		}
		r.removeLocked(prev, id)
	}

	r.rooms[roomID] = append(r.rooms[roomID], m)
	r.current[id] = roomID
}

// Leave removes m from roomID. It is a no-op when m is not a member of
// roomID, so close paths can call it unconditionally.
func (r *Registry) Leave(roomID string, m Member) {
	id := m.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.current[id]; !ok || prev != roomID {
		return
	}
	r.removeLocked(roomID, id)
	delete(r.current, id)
}

// removeLocked drops memberID from roomID and deletes the room once it is
// empty. Callers hold r.mu for writing.
func (r *Registry) removeLocked(roomID, memberID string) {
	members := r.rooms[roomID]
	i := slices.IndexFunc(members, func(m Member) bool { return m.ID() == memberID })
	if i < 0 {
		return
	}

	members = slices.Delete(members, i, i+1)
	if len(members) == 0 {
		delete(r.rooms, roomID)
		return
	}
	r.rooms[roomID] = members
}

// Members returns the members of roomID in join order. The slice is a copy
// owned by the caller; it is empty when the room does not exist.
func (r *Registry) Members(roomID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.rooms[roomID])
}

// Count returns the number of members in roomID, zero for unknown rooms.
func (r *Registry) Count(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms[roomID])
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms)
}

// RoomOf reports the room memberID is currently joined to.
func (r *Registry) RoomOf(memberID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roomID, ok := r.current[memberID]
	return roomID, ok
}

// Rooms returns a snapshot of member counts keyed by room id.
func (r *Registry) Rooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.rooms))
	for roomID, members := range r.rooms {
		counts[roomID] = len(members)
	}
	return counts
}
