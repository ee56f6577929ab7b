// Package registry owns the mapping of rooms to member connections. It
// handles join/leave, broadcast fan-out, and disconnect cleanup. Rooms are
// created implicitly on first join and lazily reclaimed when the last member
// leaves. Each room carries its own lock so one hot room cannot stall others.
package registry

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/realcast/chatcore/internal/domain"
	"github.com/realcast/chatcore/internal/metrics"
	"github.com/realcast/chatcore/internal/protocol"
)

// Sink receives encoded frames bound for one connection. TrySend must never
// block: it reports false when the connection's outbound buffer is full.
type Sink interface {
	TrySend(data []byte) bool
	Close(reason string)
}

// Connection is one verified client connection. A connection may join many
// rooms; its Principal never changes after verification.
type Connection struct {
	ID        uuid.UUID
	Principal domain.Principal

	sink Sink

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

func NewConnection(principal domain.Principal, sink Sink) *Connection {
	return &Connection{
		ID:        uuid.New(),
		Principal: principal,
		sink:      sink,
		rooms:     make(map[string]struct{}),
	}
}

// Send delivers an encoded frame to this connection only. Best effort.
func (c *Connection) Send(data []byte) bool {
	if data == nil {
		return true
	}
	return c.sink.TrySend(data)
}

func (c *Connection) joinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

func (c *Connection) untrackRoom(roomID string) { c.mu.Lock(); delete(c.rooms, roomID); c.mu.Unlock() }

func (c *Connection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

type room struct {
	mu      sync.Mutex
	members map[uuid.UUID]*Connection
}

// RoomSnapshot is a point-in-time view used by the presence aggregator.
type RoomSnapshot struct {
	RoomID  string
	Members int
}

// Registry is the authoritative in-process room table.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

func New() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

// Join adds the connection to the room's member set and returns the member
// count. Idempotent: joining twice leaves the count unchanged. The room is
// created implicitly. A connection that has already been disconnected is
// refused (returns 0): membership insertion and room tracking happen under
// the connection's lock so a concurrent Disconnect either sees the new
// membership or prevents it, never leaving a stale member behind. Remaining
// members are notified of the newcomer.
func (r *Registry) Join(roomID string, c *Connection) int {
	rm := r.getOrCreateRoom(roomID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		r.reclaimIfEmpty(roomID, rm)
		return 0
	}

	rm.mu.Lock()
	if _, already := rm.members[c.ID]; already {
		count := len(rm.members)
		rm.mu.Unlock()
		c.mu.Unlock()
		return count
	}
	rm.members[c.ID] = c
	c.rooms[roomID] = struct{}{}
	count := len(rm.members)
	frame := protocol.Encode(protocol.UserJoined(roomID, c.Principal.UserID, c.Principal.DisplayName, count))
	slow := rm.fanOut(frame, c.ID)
	rm.mu.Unlock()
	c.mu.Unlock()

	r.evict(slow)

	metrics.BroadcastsTotal.WithLabelValues(protocol.TypeUserJoined).Inc()
	slog.Debug("Connection joined room", "room", roomID, "user", c.Principal.UserID, "members", count)
	return count
}

// Leave removes the connection's membership. If it was the last member the
// room is reclaimed. Remaining members are notified.
func (r *Registry) Leave(roomID string, c *Connection) {
	c.untrackRoom(roomID)
	r.removeMember(roomID, c, true)
}

// Broadcast fans an encoded frame out to every current member except the
// excluded connection (uuid.Nil excludes nobody). Delivery to an individual
// member is best-effort: a member whose buffer is full is forcibly
// disconnected rather than stalling the broadcast.
func (r *Registry) Broadcast(roomID string, data []byte, exclude uuid.UUID) {
	if data == nil {
		return
	}
	rm := r.getRoom(roomID)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	slow := rm.fanOut(data, exclude)
	rm.mu.Unlock()

	r.evict(slow)
}

// Disconnect removes the connection from every room it had joined, notifies
// each room's remaining members, and closes the connection's sink.
func (r *Registry) Disconnect(c *Connection, reason string) {
	if !c.markClosed() {
		return
	}
	for _, roomID := range c.joinedRooms() {
		c.untrackRoom(roomID)
		r.removeMember(roomID, c, true)
	}
	c.sink.Close(reason)
	slog.Debug("Connection disconnected", "user", c.Principal.UserID, "reason", reason)
}

// Kick forcibly removes every connection of the given user from the room.
// The kicked connections stay open; they are only evicted from the room.
func (r *Registry) Kick(roomID, userID string) {
	rm := r.getRoom(roomID)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	var targets []*Connection
	for _, member := range rm.members {
		if member.Principal.UserID == userID {
			targets = append(targets, member)
		}
	}
	rm.mu.Unlock()

	for _, c := range targets {
		c.untrackRoom(roomID)
		r.removeMember(roomID, c, true)
	}
}

// IsMember reports whether the connection currently belongs to the room.
func (r *Registry) IsMember(roomID string, c *Connection) bool {
	rm := r.getRoom(roomID)
	if rm == nil {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, ok := rm.members[c.ID]
	return ok
}

// MemberCount returns the current member count, 0 for unknown rooms.
func (r *Registry) MemberCount(roomID string) int {
	rm := r.getRoom(roomID)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Snapshot lists every room with at least one member.
func (r *Registry) Snapshot() []RoomSnapshot {
	r.mu.RLock()
	rooms := make(map[string]*room, len(r.rooms))
	for id, rm := range r.rooms {
		rooms[id] = rm
	}
	r.mu.RUnlock()

	out := make([]RoomSnapshot, 0, len(rooms))
	for id, rm := range rooms {
		rm.mu.Lock()
		n := len(rm.members)
		rm.mu.Unlock()
		if n > 0 {
			out = append(out, RoomSnapshot{RoomID: id, Members: n})
		}
	}
	return out
}

// --- internals ---

func (r *Registry) getRoom(roomID string) *room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

func (r *Registry) getOrCreateRoom(roomID string) *room {
	r.mu.RLock()
	rm := r.rooms[roomID]
	r.mu.RUnlock()
	if rm != nil {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm = r.rooms[roomID]; rm == nil {
		rm = &room{members: make(map[uuid.UUID]*Connection)}
		r.rooms[roomID] = rm
		metrics.ActiveRooms.Set(float64(len(r.rooms)))
	}
	return rm
}

// removeMember drops c from the room, optionally notifying the remaining
// members, and reclaims the room when empty.
func (r *Registry) removeMember(roomID string, c *Connection, notify bool) {
	rm := r.getRoom(roomID)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	if _, ok := rm.members[c.ID]; !ok {
		rm.mu.Unlock()
		return
	}
	delete(rm.members, c.ID)
	count := len(rm.members)
	var slow []*Connection
	if notify && count > 0 {
		frame := protocol.Encode(protocol.UserLeft(roomID, c.Principal.UserID, c.Principal.DisplayName, count))
		slow = rm.fanOut(frame, uuid.Nil)
		metrics.BroadcastsTotal.WithLabelValues(protocol.TypeUserLeft).Inc()
	}
	rm.mu.Unlock()

	if count == 0 {
		r.reclaimIfEmpty(roomID, rm)
	}
	r.evict(slow)
}

func (r *Registry) reclaimIfEmpty(roomID string, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.rooms[roomID]; ok && cur == rm {
		rm.mu.Lock()
		empty := len(rm.members) == 0
		rm.mu.Unlock()
		if empty {
			delete(r.rooms, roomID)
			metrics.ActiveRooms.Set(float64(len(r.rooms)))
			slog.Debug("Room reclaimed", "room", roomID)
		}
	}
}

// fanOut sends data to every member except exclude and returns the members
// whose buffers were full. Caller must hold rm.mu.
func (rm *room) fanOut(data []byte, exclude uuid.UUID) []*Connection {
	if data == nil {
		return nil
	}
	var slow []*Connection
	for id, member := range rm.members {
		if id == exclude {
			continue
		}
		if !member.sink.TrySend(data) {
			slow = append(slow, member)
		}
	}
	return slow
}

// evict force-disconnects slow consumers outside any room lock.
func (r *Registry) evict(slow []*Connection) {
	for _, c := range slow {
		slog.Warn("Disconnecting slow client", "user", c.Principal.UserID)
		metrics.SlowClientsEvicted.Inc()
		r.Disconnect(c, "send buffer overflow")
	}
}
