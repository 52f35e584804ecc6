package supportchat

import (
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// defaultSettleDelay keeps replay from racing the transport's own
	// post-connect setup.
	defaultSettleDelay = 1500 * time.Millisecond
	// defaultPace is the fixed delay between consecutive replayed messages.
	defaultPace = 250 * time.Millisecond
)

// EmitFunc delivers one queued message over the live connection. The
// session supplies it so replay uses the same role-dependent event
// selection as live sends.
type EmitFunc func(roomID int64, text string) error

/// Outbox is the offline message queue: a durable, per-room ordered buffer
// of outgoing messages, drained sequentially once connectivity returns.
// Every mutation is written through to the store, so a process restart
// reproduces the queue exactly.
type Outbox struct {
	store QueueStore
	log   zerolog.Logger

	settleDelay     time.Duration
	pace            time.Duration
	deadLetterAfter int

	mu        sync.Mutex
	queues    map[int64][]QueuedMessage
	dead      []QueuedMessage
	replaying bool
	emit      EmitFunc
}

type OutboxOption func(*Outbox)

// WithSettleDelay sets the grace period between observing a reconnect and
// starting replay.
func WithSettleDelay(d time.Duration) OutboxOption {
	return func(o *Outbox) { o.settleDelay = d }
}

// WithPace sets the fixed delay between consecutive replayed messages.
func WithPace(d time.Duration) OutboxOption {
	return func(o *Outbox) { o.pace = d }
}

// WithDeadLetterAfter caps delivery attempts per message: after k failed
// attempts the message moves to the dead-letter list instead of blocking
// the queue forever. 0 (the default) never discards.
func WithDeadLetterAfter(k int) OutboxOption {
	return func(o *Outbox) { o.deadLetterAfter = k }
}

// WithOutboxLogger attaches a logger for replay diagnostics.
func WithOutboxLogger(log zerolog.Logger) OutboxOption {
	return func(o *Outbox) { o.log = log }
}

// NewOutbox creates an outbox over a durable store. The persisted state is
// read once here; corrupt storage comes back as an empty queue from the
// store layer and the session continues.
func NewOutbox(store QueueStore, opts ...OutboxOption) (*Outbox, error) {
	state, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load queue store: %w", err)
	}
	o := &Outbox{
		store:       store,
		log:         zerolog.Nop(),
		settleDelay: defaultSettleDelay,
		pace:        defaultPace,
		queues:      state.Queues,
		dead:        state.Dead,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Bind wires the outbox to the connection state store and the session's
// emitter. Each observed transition to connected triggers a replay pass
// after the settle delay.
func (o *Outbox) Bind(conn *ConnState, emit EmitFunc) {
	o.mu.Lock()
	o.emit = emit
	o.mu.Unlock()
	conn.OnConnect(func() {
		time.Sleep(o.settleDelay)
		o.Replay()
	})
}

// Enqueue buffers an outgoing message and persists the queue before
// returning.
func (o *Outbox) Enqueue(roomID int64, text string) QueuedMessage {
	qm := QueuedMessage{
		ID:       generateClientID(),
		Text:     text,
		RoomID:   roomID,
		QueuedAt: time.Now().UTC(),
	}
	o.mu.Lock()
	o.queues[roomID] = append(o.queues[roomID], qm)
	o.persistLocked()
	o.mu.Unlock()
	o.log.Debug().Int64("room", roomID).Str("id", qm.ID).Msg("message queued")
	return qm
}

// Pending returns the queued messages for a room, oldest first.
func (o *Outbox) Pending(roomID int64) []QueuedMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]QueuedMessage{}, o.queues[roomID]...)
}

// Size returns the total number of queued messages across rooms.
func (o *Outbox) Size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, q := range o.queues {
		n += len(q)
	}
	return n
}

// DeadLetters returns messages retired after exceeding the attempt cap.
func (o *Outbox) DeadLetters() []QueuedMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]QueuedMessage{}, o.dead...)
}

// Clear drops the queue for one room.
func (o *Outbox) Clear(roomID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queues[roomID]) == 0 {
		return
	}
	delete(o.queues, roomID)
	o.persistLocked()
}

// ClearAll drops every queue and the dead-letter list. Used by explicit
// cache-reset flows such as logout.
func (o *Outbox) ClearAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queues = make(map[int64][]QueuedMessage)
	o.dead = nil
	o.persistLocked()
}

// Replaying reports whether a replay pass is in flight.
func (o *Outbox) Replaying() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.replaying
}

// Replay drains the queue, one room at a time, oldest message first,
// strictly sequential with a fixed pacing delay between messages. A second
// trigger while a pass is in flight is a no-op. A per-message delivery
// failure increments its attempt counter and the pass moves on — one bad
// message never stalls the pipeline.
func (o *Outbox) Replay() {
	o.mu.Lock()
	if o.replaying || o.emit == nil {
		o.mu.Unlock()
		return
	}
	o.replaying = true
	emit := o.emit
	roomIDs := make([]int64, 0, len(o.queues))
	for id := range o.queues {
		roomIDs = append(roomIDs, id)
	}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.replaying = false
		o.mu.Unlock()
	}()

	for _, roomID := range roomIDs {
		o.drainRoom(roomID, emit)
	}
}

func (o *Outbox) drainRoom(roomID int64, emit EmitFunc) {
	o.mu.Lock()
	batch := append([]QueuedMessage{}, o.queues[roomID]...)
	o.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].QueuedAt.Before(batch[j].QueuedAt)
	})

	for i, qm := range batch {
		if i > 0 {
			time.Sleep(o.pace)
		}
		if err := emit(qm.RoomID, qm.Text); err != nil {
			o.recordFailure(qm, err)
			continue
		}
		o.removeMessage(roomID, qm.ID)
		o.log.Debug().Int64("room", roomID).Str("id", qm.ID).Msg("queued message replayed")
	}
}

func (o *Outbox) recordFailure(qm QueuedMessage, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queues[qm.RoomID]
	for i := range q {
		if q[i].ID != qm.ID {
			continue
		}
		q[i].Attempts++
		o.log.Warn().Err(err).Int64("room", qm.RoomID).Str("id", qm.ID).
			Int("attempts", q[i].Attempts).Msg("replay delivery failed")
		if o.deadLetterAfter > 0 && q[i].Attempts >= o.deadLetterAfter {
			o.dead = append(o.dead, q[i])
			o.queues[qm.RoomID] = append(q[:i], q[i+1:]...)
			if len(o.queues[qm.RoomID]) == 0 {
				delete(o.queues, qm.RoomID)
			}
		}
		o.persistLocked()
		return
	}
}

func (o *Outbox) removeMessage(roomID int64, id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queues[roomID]
	for i := range q {
		if q[i].ID == id {
			o.queues[roomID] = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(o.queues[roomID]) == 0 {
		delete(o.queues, roomID)
	}
	o.persistLocked()
}

// persistLocked rewrites the whole structure through the store. Callers
// hold o.mu.
func (o *Outbox) persistLocked() {
	state := QueueState{Queues: o.queues, Dead: o.dead}
	if err := o.store.Save(state); err != nil {
		o.log.Error().Err(err).Msg("queue persist failed")
	}
}

// generateClientID returns a v4 UUID for the local identifier space.
func generateClientID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d-%d", time.Now().UnixNano(), time.Now().UnixMilli())
	}
	b[6] = (b[6] & 0x0f) | 0x40 // Version 4
	b[8] = (b[8] & 0x3f) | 0x80 // Variant 10
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
