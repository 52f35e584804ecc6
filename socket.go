package supportchat

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Names
// ============================================================================

// Client-to-server events.
const (
	EventRequestSupport = "request_support_chat"
	EventAgentJoin      = "agent_join_support_chat"
	EventUserSend       = "user_send_message"
	EventAgentSend      = "agent_send_message"
	EventCloseChat      = "close_support_chat"
	EventTyping         = "typing_message"
	EventReadMessage    = "read_message"
)

// Server-to-client events.
const (
	EventAuthenticated    = "authenticated"
	EventRoomCreated      = "room_created"
	EventRoomAdded        = "room_added"
	EventRoomUpdated      = "room_updated"
	EventRoomRemoved      = "room_removed"
	EventRoomClosed       = "room_closed"
	EventUserMessage      = "user_message"
	EventAgentMessage     = "agent_message"
	EventMessageTyping    = "message_typing"
	EventMessageRead      = "message_read"
	EventError            = "error"
	EventValidationError  = "validation_error"
	EventPermissionDenied = "permission_denied"
	EventPing             = "ping"

	eventAck = "ack"
)

// ============================================================================
// Wire Format
// ============================================================================

// Envelope is the wire format for all socket events.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// command is a client-to-server emission. RequestID is set only for
// acknowledgment calls.
type command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// AckResult is the server's direct response to an acknowledgment call.
type AckResult struct {
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Error     *APIError       `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *AckResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Configuration
// ============================================================================

// SocketConfig configures the support-chat socket client.
type SocketConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	AckTimeout           time.Duration
	Logger               zerolog.Logger
	hasLogger            bool
}

// WithLogger attaches a logger to the config. Without one, transport
// diagnostics are discarded.
func (c *SocketConfig) WithLogger(log zerolog.Logger) *SocketConfig {
	c.Logger = log
	c.hasLogger = true
	return c
}

func (c *SocketConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if !c.hasLogger {
		c.Logger = zerolog.Nop()
	}
}

// SocketState represents the connection state of the transport.
type SocketState string

const (
	StateDisconnected SocketState = "disconnected"
	StateConnecting   SocketState = "connecting"
	StateConnected    SocketState = "connected"
	StateReconnecting SocketState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler is the generic event callback type.
type EventHandler func(eventType string, payload json.RawMessage)

type eventDispatcher struct {
	mu              sync.RWMutex
	generic         map[string][]EventHandler
	onAuthenticated []func(Identity)
	onRoom          []func(event string, room Room)
	onMessage       []func(event string, push MessagePush)
	onTyping        []func(TypingPush)
	onRead          []func(ReadPush)
	onServerError   []func(event string, push ErrorPush)
	onConnected     []func()
	onDisconnected  []func(code int, reason string)
	onReconnecting  []func(attempt int, delay time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]EventHandler),
	}
}

func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case EventAuthenticated:
		var p Identity
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onAuthenticated {
				h(p)
			}
		}
	case EventRoomCreated, EventRoomAdded, EventRoomUpdated, EventRoomRemoved, EventRoomClosed:
		var p Room
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onRoom {
				h(env.Type, p)
			}
		}
	case EventUserMessage, EventAgentMessage:
		var p MessagePush
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMessage {
				h(env.Type, p)
			}
		}
	case EventMessageTyping:
		var p TypingPush
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onTyping {
				h(p)
			}
		}
	case EventMessageRead:
		var p ReadPush
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onRead {
				h(p)
			}
		}
	case EventError, EventValidationError, EventPermissionDenied:
		var p ErrorPush
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onServerError {
				h(env.Type, p)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		handler := h // capture
		go handler(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *SocketConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Socket
// ============================================================================

// Socket is the support-chat channel client: a websocket connection with
// auto-reconnect, heartbeat, typed push dispatch, and acknowledgment calls.
type Socket struct {
	baseURL          string
	config           *SocketConfig
	log              zerolog.Logger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            SocketState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	reqCounter       int
	pendingAcks      map[string]chan AckResult
	pendingMu        sync.Mutex
}

func newSocket(baseURL string, cfg *SocketConfig) *Socket {
	return &Socket{
		baseURL:     baseURL,
		config:      cfg,
		log:         cfg.Logger,
		state:       StateDisconnected,
		dispatcher:  newEventDispatcher(),
		recon:       newReconnector(cfg),
		pendingAcks: make(map[string]chan AckResult),
	}
}

// OnAuthenticated registers a handler for the authenticated envelope.
func (s *Socket) OnAuthenticated(h func(Identity)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onAuthenticated = append(s.dispatcher.onAuthenticated, h)
	s.dispatcher.mu.Unlock()
}

// OnRoomEvent registers a handler for room lifecycle pushes
// (room_created, room_added, room_updated, room_removed, room_closed).
func (s *Socket) OnRoomEvent(h func(event string, room Room)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onRoom = append(s.dispatcher.onRoom, h)
	s.dispatcher.mu.Unlock()
}

// OnMessage registers a handler for live message pushes
// (user_message, agent_message).
func (s *Socket) OnMessage(h func(event string, push MessagePush)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onMessage = append(s.dispatcher.onMessage, h)
	s.dispatcher.mu.Unlock()
}

// OnTyping registers a handler for peer typing notifications.
func (s *Socket) OnTyping(h func(TypingPush)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onTyping = append(s.dispatcher.onTyping, h)
	s.dispatcher.mu.Unlock()
}

// OnRead registers a handler for read-receipt confirmations.
func (s *Socket) OnRead(h func(ReadPush)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onRead = append(s.dispatcher.onRead, h)
	s.dispatcher.mu.Unlock()
}

// OnServerError registers a handler for error, validation_error and
// permission_denied pushes.
func (s *Socket) OnServerError(h func(event string, push ErrorPush)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onServerError = append(s.dispatcher.onServerError, h)
	s.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (s *Socket) OnConnected(h func()) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onConnected = append(s.dispatcher.onConnected, h)
	s.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (s *Socket) OnDisconnected(h func(code int, reason string)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onDisconnected = append(s.dispatcher.onDisconnected, h)
	s.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (s *Socket) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onReconnecting = append(s.dispatcher.onReconnecting, h)
	s.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (s *Socket) On(eventType string, h EventHandler) {
	s.dispatcher.mu.Lock()
	s.dispatcher.generic[eventType] = append(s.dispatcher.generic[eventType], h)
	s.dispatcher.mu.Unlock()
}

// State returns the current transport state.
func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect establishes the socket connection and waits for the server's
// authenticated envelope before reporting success.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.intentionalClose = false
	s.mu.Unlock()

	wsURL := strings.Replace(s.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws/support-chat?token=" + s.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First envelope must be "authenticated"; the role flag everywhere in
	// the client derives from it.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("read auth envelope: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("expected %q envelope, got %q", EventAuthenticated, env.Type)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()
	s.recon.markConnected()

	s.dispatcher.dispatch(env)
	s.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancelFn = cancel
	s.mu.Unlock()

	go s.readLoop(connCtx)
	go s.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.clearPendingAcks()

	if conn != nil {
		err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
		s.dispatcher.emitDisconnected(1000, "client disconnect")
		return err
	}
	s.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// Emit sends a fire-and-forget event. Failures are logged; delivery
// resilience for chat text is the offline queue's job, not the transport's.
func (s *Socket) Emit(ctx context.Context, event string, payload interface{}) error {
	err := s.write(ctx, &command{Type: event, Payload: payload})
	if err != nil {
		s.log.Debug().Err(err).Str("event", event).Msg("emit failed")
	}
	return err
}

// Call sends an acknowledgment call and waits for the server's direct
// response. On rejection the returned AckResult carries the structured
// error; on timeout or transport failure state is left unchanged and an
// error is returned.
func (s *Socket) Call(ctx context.Context, event string, payload interface{}) (*AckResult, error) {
	s.mu.Lock()
	s.reqCounter++
	requestID := fmt.Sprintf("req-%d", s.reqCounter)
	s.mu.Unlock()

	ch := make(chan AckResult, 1)
	s.pendingMu.Lock()
	s.pendingAcks[requestID] = ch
	s.pendingMu.Unlock()

	err := s.write(ctx, &command{Type: event, Payload: payload, RequestID: requestID})
	if err != nil {
		s.dropPending(requestID)
		return nil, err
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: connection closed before ack", event)
		}
		return &ack, nil
	case <-time.After(s.config.AckTimeout):
		s.dropPending(requestID)
		return nil, fmt.Errorf("%s: ack timeout", event)
	case <-ctx.Done():
		s.dropPending(requestID)
		return nil, ctx.Err()
	}
}

func (s *Socket) write(ctx context.Context, cmd *command) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Socket) readLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			intentional := s.intentionalClose
			s.mu.Unlock()
			if intentional {
				return
			}

			s.mu.Lock()
			s.state = StateDisconnected
			s.conn = nil
			s.mu.Unlock()

			s.log.Warn().Err(err).Msg("socket read failed")
			s.clearPendingAcks()
			s.dispatcher.emitDisconnected(0, err.Error())

			if s.config.AutoReconnect && s.recon.shouldReconnect() {
				s.scheduleReconnect(ctx)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			s.log.Debug().Msg("dropping malformed envelope")
			continue
		}

		if env.Type == eventAck {
			var ack AckResult
			if json.Unmarshal(env.Payload, &ack) == nil && ack.RequestID != "" {
				s.pendingMu.Lock()
				ch, ok := s.pendingAcks[ack.RequestID]
				if ok {
					delete(s.pendingAcks, ack.RequestID)
				}
				s.pendingMu.Unlock()
				if ok {
					ch <- ack
				}
			}
			continue
		}

		s.dispatcher.dispatch(env)
	}
}

// heartbeatLoop emits a ping acknowledgment call on a fixed interval and
// forces a close when the server stops answering, so the read loop observes
// the failure and the reconnector takes over.
func (s *Socket) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			st := s.state
			s.mu.Unlock()
			if st != StateConnected {
				return
			}

			if _, err := s.Call(ctx, EventPing, nil); err != nil {
				s.mu.Lock()
				conn := s.conn
				s.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (s *Socket) scheduleReconnect(ctx context.Context) {
	delay := s.recon.nextDelay()
	s.mu.Lock()
	s.state = StateReconnecting
	s.mu.Unlock()

	s.dispatcher.emitReconnecting(s.recon.attempt, delay)
	s.log.Info().Int("attempt", s.recon.attempt).Dur("delay", delay).Msg("reconnecting")

	time.Sleep(delay)

	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()

	if err := s.Connect(ctx); err != nil {
		if s.config.AutoReconnect && s.recon.shouldReconnect() {
			s.scheduleReconnect(ctx)
		} else {
			s.log.Warn().Err(err).Msg("reconnect abandoned")
			s.mu.Lock()
			s.state = StateDisconnected
			s.mu.Unlock()
		}
	}
}

func (s *Socket) dropPending(requestID string) {
	s.pendingMu.Lock()
	delete(s.pendingAcks, requestID)
	s.pendingMu.Unlock()
}

func (s *Socket) clearPendingAcks() {
	s.pendingMu.Lock()
	for k, ch := range s.pendingAcks {
		close(ch)
		delete(s.pendingAcks, k)
	}
	s.pendingMu.Unlock()
}
