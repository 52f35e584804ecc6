package supportchat

import (
	"sort"
	"sync"
)

// ============================================================================
// Connection State Store
// ============================================================================

// ConnState is the single source of truth for "am I connected, and as
// what". It is mutated exclusively by the socket lifecycle handlers; every
// other component only reads it or observes its transitions. Reconnection
// policy lives in the transport — this store only reflects observed state.
type ConnState struct {
	mu           sync.Mutex
	connected    bool
	agent        bool
	onConnect    []func()
	onDisconnect []func()
}

// NewConnState creates an explicitly constructed connection state store.
// Create one per session and tear it down with the session; it is not a
// package-level singleton.
func NewConnState() *ConnState {
	return &ConnState{}
}

// Connected reports whether the socket is currently connected.
func (c *ConnState) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Agent reports whether the connected identity is a support agent. Always
// false while disconnected.
func (c *ConnState) Agent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent
}

// OnConnect registers a callback fired on each transition to connected.
func (c *ConnState) OnConnect(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, f)
}

// OnDisconnect registers a callback fired on each transition to disconnected.
func (c *ConnState) OnDisconnect(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, f)
}

// setConnected records a transition to connected. The role comes from the
// server's authenticated envelope, never from a client-supplied flag.
func (c *ConnState) setConnected(agent bool) {
	c.mu.Lock()
	was := c.connected
	c.connected = true
	c.agent = agent
	handlers := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	if was {
		return
	}
	for _, h := range handlers {
		go h()
	}
}

// setDisconnected records a transition to disconnected. The role flag is
// reset so a stale agent flag cannot outlive the connection that proved it.
func (c *ConnState) setDisconnected() {
	c.mu.Lock()
	was := c.connected
	c.connected = false
	c.agent = false
	handlers := append([]func(){}, c.onDisconnect...)
	c.mu.Unlock()

	if !was {
		return
	}
	for _, h := range handlers {
		go h()
	}
}

// ============================================================================
// Room Registry
// ============================================================================

// RoomRegistry holds the set of rooms visible to the current identity and
// which of them is focused. Mutations are driven by server push events;
// duplicate IDs are not deduplicated at this layer.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[int64]Room
	focus int64 // 0 = no focused room
}

// NewRoomRegistry creates an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{rooms: make(map[int64]Room)}
}

// SetAll replaces the full room set. Used on initial load. Focus is kept
// only if the focused room survives the replacement.
func (r *RoomRegistry) SetAll(rooms []Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = make(map[int64]Room, len(rooms))
	for _, room := range rooms {
		r.rooms[room.ID] = room
	}
	if r.focus != 0 {
		if _, ok := r.rooms[r.focus]; !ok {
			r.focus = 0
		}
	}
}

// Add appends a room. A room with the same ID overwrites the previous
// entry; callers that need idempotence check Get first.
func (r *RoomRegistry) Add(room Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[room.ID] = room
}

// Update merges a partial patch into an existing room. No-op if the room is
// absent.
func (r *RoomRegistry) Update(id int64, patch RoomPatch) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok {
		return false
	}
	patch.apply(&room)
	r.rooms[id] = room
	return true
}

// Remove deletes a room. If it was the focused room, focus is cleared so no
// dangling reference survives.
func (r *RoomRegistry) Remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, id)
	if r.focus == id {
		r.focus = 0
	}
}

// SetFocus changes which room is current. Passing 0 clears focus.
func (r *RoomRegistry) SetFocus(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.focus = id
}

// FocusID returns the focused room's ID, or 0 when none is focused.
func (r *RoomRegistry) FocusID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.focus
}

// Focused returns the focused room, if any.
func (r *RoomRegistry) Focused() (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[r.focus]
	return room, ok
}

// Get returns a room by ID.
func (r *RoomRegistry) Get(id int64) (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	return room, ok
}

// Rooms returns all rooms sorted by ID.
func (r *RoomRegistry) Rooms() []Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pending returns the rooms with no assigned agent, sorted by ID.
func (r *RoomRegistry) Pending() []Room {
	var out []Room
	for _, room := range r.Rooms() {
		if room.Pending() {
			out = append(out, room)
		}
	}
	return out
}

// Len returns the number of visible rooms.
func (r *RoomRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
