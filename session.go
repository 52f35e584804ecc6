package supportchat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// defaultTypingInterval is the minimum spacing between typing emissions per
// room.
const defaultTypingInterval = 300 * time.Millisecond

var (
	ErrNotConnected   = errors.New("not connected")
	ErrNoFocusedRoom  = errors.New("no focused room")
	ErrAlreadyInRoom  = errors.New("a support request is already open")
	ErrRoomNotPending = errors.New("room already has an agent")
	ErrNotAgent       = errors.New("agent role required")
)

// UserPhase is the user-side protocol state.
type UserPhase int

const (
	UserNoRoom UserPhase = iota
	UserPendingRequest
	UserInRoom
)

// AgentPhase is the agent-side protocol state.
type AgentPhase int

const (
	AgentIdle AgentPhase = iota
	AgentInRoom
)

// Session layers the support-chat event contracts over the socket, the
// connection state store and the room registry. It issues commands,
// registers the push listeners that keep the registry and history in sync,
// and routes sends through the offline queue while disconnected.
//
// All collaborators are injected; create one session per login and discard
// it at logout.
type Session struct {
	sock    *Socket
	conn    *ConnState
	rooms   *RoomRegistry
	history *HistoryLoader
	outbox  *Outbox
	log     zerolog.Logger

	mu             sync.Mutex
	identity       Identity
	userPhase      UserPhase
	agentPhase     AgentPhase
	typing         map[int64]*slotTimer
	typingInterval time.Duration
	onClosed       func(agent bool)
}

type SessionOption func(*Session)

// WithTypingInterval overrides the per-room typing emission spacing.
func WithTypingInterval(d time.Duration) SessionOption {
	return func(s *Session) { s.typingInterval = d }
}

// WithClosedHandler registers the landing redirect invoked when the focused
// room is closed by the server; the flag carries the session's role.
func WithClosedHandler(f func(agent bool)) SessionOption {
	return func(s *Session) { s.onClosed = f }
}

// WithSessionLogger attaches a logger.
func WithSessionLogger(log zerolog.Logger) SessionOption {
	return func(s *Session) { s.log = log }
}

// NewSession wires a session over its collaborators and registers all push
// listeners.
func NewSession(sock *Socket, conn *ConnState, rooms *RoomRegistry, history *HistoryLoader, outbox *Outbox, opts ...SessionOption) *Session {
	s := &Session{
		sock:           sock,
		conn:           conn,
		rooms:          rooms,
		history:        history,
		outbox:         outbox,
		log:            zerolog.Nop(),
		typing:         make(map[int64]*slotTimer),
		typingInterval: defaultTypingInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bind()
	return s
}

func (s *Session) bind() {
	s.sock.OnAuthenticated(func(id Identity) {
		s.mu.Lock()
		s.identity = id
		s.mu.Unlock()
		s.history.SetSelf(id.UserID)
		s.conn.setConnected(id.Agent())
	})
	s.sock.OnDisconnected(func(code int, reason string) {
		s.conn.setDisconnected()
	})
	s.sock.OnRoomEvent(s.handleRoomEvent)
	s.sock.OnMessage(func(event string, push MessagePush) {
		s.history.Append(push.Message)
	})
	s.sock.OnRead(func(push ReadPush) {
		s.history.ApplyRead(push.Messages)
	})
	s.sock.OnServerError(func(event string, push ErrorPush) {
		s.log.Warn().Str("event", event).Str("message", push.Message).Msg("server error push")
	})
	if s.outbox != nil {
		s.outbox.Bind(s.conn, s.emitQueued)
	}
}

// Identity returns the authenticated identity, zero until connected.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// UserPhase returns the user-side protocol state.
func (s *Session) UserPhase() UserPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userPhase
}

// AgentPhase returns the agent-side protocol state.
func (s *Session) AgentPhase() AgentPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentPhase
}

// OnPeerTyping registers a handler for the peer's typing notifications.
func (s *Session) OnPeerTyping(h func(TypingPush)) {
	s.sock.OnTyping(h)
}

// RefreshRooms replaces the registry with the identity's open rooms from
// the REST scope matching its role.
func (s *Session) RefreshRooms(ctx context.Context, client *Client) error {
	var (
		rooms []Room
		err   error
	)
	if s.conn.Agent() {
		rooms, err = client.PendingRooms(ctx)
	} else {
		rooms, err = client.UserRooms(ctx)
	}
	if err != nil {
		return err
	}
	s.rooms.SetAll(rooms)
	return nil
}

// ============================================================================
// User role
// ============================================================================

// RequestSupport opens a support room. Valid only with no room open; on a
// successful acknowledgment the returned room becomes focused. On rejection
// or timeout the state is unchanged and the failure is returned.
func (s *Session) RequestSupport(ctx context.Context, subject, description string) (Room, error) {
	if !s.conn.Connected() {
		return Room{}, ErrNotConnected
	}
	s.mu.Lock()
	if s.userPhase != UserNoRoom {
		s.mu.Unlock()
		return Room{}, ErrAlreadyInRoom
	}
	s.userPhase = UserPendingRequest
	s.mu.Unlock()

	fail := func() {
		s.mu.Lock()
		s.userPhase = UserNoRoom
		s.mu.Unlock()
	}

	ack, err := s.sock.Call(ctx, EventRequestSupport, map[string]string{
		"subject": subject, "description": description,
	})
	if err != nil {
		fail()
		return Room{}, err
	}
	if !ack.Success {
		fail()
		if ack.Error != nil {
			return Room{}, ack.Error
		}
		return Room{}, fmt.Errorf("support request rejected")
	}

	var room Room
	if err := ack.Decode(&room); err != nil {
		fail()
		return Room{}, err
	}

	s.rooms.Add(room)
	s.rooms.SetFocus(room.ID)
	s.mu.Lock()
	s.userPhase = UserInRoom
	s.mu.Unlock()
	return room, nil
}

// ============================================================================
// Agent role
// ============================================================================

// JoinRoom claims a pending room for the connected agent and focuses it.
func (s *Session) JoinRoom(ctx context.Context, roomID int64) (Room, error) {
	if !s.conn.Connected() {
		return Room{}, ErrNotConnected
	}
	if !s.conn.Agent() {
		return Room{}, ErrNotAgent
	}
	if room, ok := s.rooms.Get(roomID); ok && !room.Pending() {
		return Room{}, ErrRoomNotPending
	}

	ack, err := s.sock.Call(ctx, EventAgentJoin, map[string]int64{
		"support_chat_set_id": roomID,
	})
	if err != nil {
		return Room{}, err
	}
	if !ack.Success {
		if ack.Error != nil {
			return Room{}, ack.Error
		}
		return Room{}, fmt.Errorf("join rejected")
	}

	var room Room
	if err := ack.Decode(&room); err != nil {
		return Room{}, err
	}

	s.rooms.Add(room)
	s.rooms.SetFocus(room.ID)
	s.mu.Lock()
	s.agentPhase = AgentInRoom
	s.mu.Unlock()
	return room, nil
}

// ============================================================================
// Both roles
// ============================================================================

// SendMessage delivers chat text to the focused room. While connected it
// emits the role-appropriate send event; while disconnected (or if the
// emission fails) the text is queued durably and an optimistic placeholder
// is inserted so the sender sees it immediately.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	roomID := s.rooms.FocusID()
	if roomID == 0 {
		return ErrNoFocusedRoom
	}

	if !s.conn.Connected() {
		s.queueLocally(roomID, text)
		return nil
	}

	err := s.sock.Emit(ctx, s.sendEventName(), map[string]interface{}{
		"message": text, "support_chat_set_id": roomID,
	})
	if err != nil {
		s.queueLocally(roomID, text)
	}
	return nil
}

func (s *Session) queueLocally(roomID int64, text string) {
	if s.outbox == nil {
		return
	}
	qm := s.outbox.Enqueue(roomID, text)
	s.history.AppendLocal(Message{
		ID:        LocalID(qm.ID),
		Text:      text,
		RoomID:    roomID,
		SenderID:  s.Identity().UserID,
		CreatedAt: qm.QueuedAt,
	})
}

// sendEventName picks the send event by role; the server enforces separate
// authorization rules per event.
func (s *Session) sendEventName() string {
	if s.conn.Agent() {
		return EventAgentSend
	}
	return EventUserSend
}

// emitQueued is the outbox's emitter: queued messages replay with the same
// role-dependent event selection as live sends.
func (s *Session) emitQueued(roomID int64, text string) error {
	if !s.conn.Connected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.sock.Emit(ctx, s.sendEventName(), map[string]interface{}{
		"message": text, "support_chat_set_id": roomID,
	})
}

// EmitTyping notifies the peer that the identity is typing in the focused
// room. Emissions are spaced at least typingInterval apart per room; a call
// inside the quiet window is deferred to the window boundary, never
// dropped, so a keystroke burst always yields a trailing notification.
func (s *Session) EmitTyping() {
	roomID := s.rooms.FocusID()
	if roomID == 0 || !s.conn.Connected() {
		return
	}

	s.mu.Lock()
	st, ok := s.typing[roomID]
	if !ok {
		st = newSlotTimer(s.typingInterval)
		s.typing[roomID] = st
	}
	s.mu.Unlock()

	st.Trigger(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.sock.Emit(ctx, EventTyping, map[string]int64{"support_chat_set_id": roomID})
	})
}

// MarkRead reports that the given messages scrolled into view. Unread
// messages not authored by the identity are marked read locally at once and
// reported in a single read-receipt emission; the authoritative
// message_read push later replaces the local copies.
func (s *Session) MarkRead(ctx context.Context, ids []MessageID) {
	batch := s.history.MarkVisible(ids)
	if len(batch) == 0 || !s.conn.Connected() {
		return
	}
	s.sock.Emit(ctx, EventReadMessage, map[string]interface{}{
		"list_of_message_id": batch,
	})
}

// EndConversation asks the server to close the focused room. Removal is
// performed reactively when the closure push arrives, not optimistically,
// so client state cannot diverge from the server under races.
func (s *Session) EndConversation(ctx context.Context) error {
	roomID := s.rooms.FocusID()
	if roomID == 0 {
		return ErrNoFocusedRoom
	}
	if !s.conn.Connected() {
		return ErrNotConnected
	}
	return s.sock.Emit(ctx, EventCloseChat, map[string]int64{"support_chat_set_id": roomID})
}

// Close tears the session down: typing timers stopped, socket disconnected.
func (s *Session) Close() error {
	s.mu.Lock()
	for _, st := range s.typing {
		st.Stop()
	}
	s.typing = make(map[int64]*slotTimer)
	s.mu.Unlock()
	return s.sock.Disconnect()
}

// Resume focuses a room that was already open before this session started,
// for example after a process restart, and aligns the protocol phase with
// it.
func (s *Session) Resume(roomID int64) error {
	if _, ok := s.rooms.Get(roomID); !ok {
		return fmt.Errorf("unknown room %d", roomID)
	}
	s.rooms.SetFocus(roomID)
	s.mu.Lock()
	if s.conn.Agent() {
		s.agentPhase = AgentInRoom
	} else {
		s.userPhase = UserInRoom
	}
	s.mu.Unlock()
	return nil
}

// ============================================================================
// Push handling
// ============================================================================

func (s *Session) handleRoomEvent(event string, room Room) {
	switch event {
	case EventRoomCreated:
		// A different client session may have created the room; adopt it.
		if _, ok := s.rooms.Get(room.ID); !ok {
			s.rooms.Add(room)
		}
		if !s.conn.Agent() {
			s.mu.Lock()
			adopt := s.userPhase == UserNoRoom
			if adopt {
				s.userPhase = UserInRoom
			}
			s.mu.Unlock()
			if adopt {
				s.rooms.SetFocus(room.ID)
			}
		}
	case EventRoomAdded:
		if _, ok := s.rooms.Get(room.ID); !ok {
			s.rooms.Add(room)
		}
	case EventRoomUpdated:
		s.rooms.Update(room.ID, patchFrom(room))
	case EventRoomRemoved:
		s.dropRoom(room.ID, false)
	case EventRoomClosed:
		s.dropRoom(room.ID, true)
	}
}

func (s *Session) dropRoom(roomID int64, closed bool) {
	wasFocused := s.rooms.FocusID() == roomID
	s.rooms.Remove(roomID)
	if !wasFocused {
		return
	}
	s.mu.Lock()
	s.userPhase = UserNoRoom
	s.agentPhase = AgentIdle
	onClosed := s.onClosed
	s.mu.Unlock()
	if closed && onClosed != nil {
		onClosed(s.conn.Agent())
	}
}
