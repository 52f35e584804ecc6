package supportchat

import (
	"context"
	"sync"
	"time"
)

// reconcileWindow bounds the timestamp-proximity fallback when matching a
// server echo against a local placeholder.
const defaultReconcileWindow = 10 * time.Second

// HistoryLoader holds the in-memory message list for one room at a time:
// paginated backward-infinite history over REST, merged live pushes, local
// placeholders, and read-state tracking.
type HistoryLoader struct {
	client *Client

	mu              sync.Mutex
	roomID          int64
	msgs            []Message
	page            int
	hasMore         bool
	loading         bool
	failed          bool
	selfID          string
	reconcileWindow time.Duration
}

// NewHistoryLoader creates a loader bound to a REST client. It starts empty;
// call Load to target a room.
func NewHistoryLoader(client *Client) *HistoryLoader {
	return &HistoryLoader{
		client:          client,
		reconcileWindow: defaultReconcileWindow,
	}
}

// SetSelf records the current identity so read tracking can skip messages
// the identity authored.
func (h *HistoryLoader) SetSelf(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.selfID = userID
}

// Load fetches one page of history for a room. Page 1 replaces the
// in-memory list and restarts the backward sequence; later pages prepend
// older messages. The fetch failure is surfaced as the Failed flag, never
// propagated into the reactive pipeline.
func (h *HistoryLoader) Load(ctx context.Context, roomID int64, page int) error {
	h.mu.Lock()
	if h.loading {
		h.mu.Unlock()
		return nil
	}
	h.loading = true
	h.mu.Unlock()

	result, err := h.client.History(ctx, roomID, page)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.loading = false
	if err != nil {
		h.failed = true
		return err
	}
	h.failed = false

	if page <= 1 || roomID != h.roomID {
		h.roomID = roomID
		h.page = 1
		h.msgs = append([]Message{}, result.Results...)
	} else {
		h.page = page
		h.msgs = append(append([]Message{}, result.Results...), h.msgs...)
	}
	h.hasMore = result.Next != nil
	return nil
}

// LoadMore fetches the next older page. It is a no-op while a fetch is in
// flight or once the server reported no further pages. Intended to fire
// when the oldest loaded message scrolls into view.
func (h *HistoryLoader) LoadMore(ctx context.Context) error {
	h.mu.Lock()
	if h.loading || !h.hasMore || h.roomID == 0 {
		h.mu.Unlock()
		return nil
	}
	roomID, next := h.roomID, h.page+1
	h.mu.Unlock()
	return h.Load(ctx, roomID, next)
}

// HasMore reports whether older pages remain.
func (h *HistoryLoader) HasMore() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasMore
}

// Loading reports whether a fetch is in flight.
func (h *HistoryLoader) Loading() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loading
}

// Failed reports whether the most recent fetch failed.
func (h *HistoryLoader) Failed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failed
}

// RoomID returns the room the loader currently targets.
func (h *HistoryLoader) RoomID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.roomID
}

// Messages returns a copy of the loaded message list, oldest first.
func (h *HistoryLoader) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message{}, h.msgs...)
}

// Len returns the number of loaded messages.
func (h *HistoryLoader) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// AppendLocal inserts a placeholder for an optimistic send. The placeholder
// stays visibly pending until a server echo retires it.
func (h *HistoryLoader) AppendLocal(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.RoomID != h.roomID {
		return
	}
	h.msgs = append(h.msgs, m)
}

// Append merges a server-confirmed message into the list. A message whose
// server ID is already present is dropped. A message matching a pending
// placeholder (exact text and room first, then exact text with a timestamp
// within the reconcile window) retires that placeholder in place. Returns
// false only for duplicates.
func (h *HistoryLoader) Append(m Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.RoomID != h.roomID || m.ID.IsLocal() {
		return false
	}
	for _, existing := range h.msgs {
		if existing.ID == m.ID {
			return false
		}
	}

	if idx := h.matchPlaceholder(m); idx >= 0 {
		h.msgs[idx] = m
		return true
	}
	h.msgs = append(h.msgs, m)
	return true
}

// matchPlaceholder finds the placeholder the echo confirms, or -1.
func (h *HistoryLoader) matchPlaceholder(m Message) int {
	for i, existing := range h.msgs {
		if existing.Pending() && existing.Text == m.Text && existing.RoomID == m.RoomID {
			return i
		}
	}
	for i, existing := range h.msgs {
		if !existing.Pending() || existing.Text != m.Text {
			continue
		}
		delta := m.CreatedAt.Sub(existing.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= h.reconcileWindow {
			return i
		}
	}
	return -1
}

// MarkVisible records that the given messages scrolled into view. Messages
// that are unread and not authored by the current identity are optimistically
// marked read locally; their server IDs are returned as one batch for a
// single read-receipt emission. Placeholders and own messages yield nothing.
func (h *HistoryLoader) MarkVisible(ids []MessageID) []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	var batch []int64
	for _, id := range ids {
		if id.IsLocal() {
			continue
		}
		for i := range h.msgs {
			if h.msgs[i].ID != id {
				continue
			}
			if h.msgs[i].Read || h.msgs[i].SenderID == h.selfID {
				break
			}
			h.msgs[i].Read = true
			batch = append(batch, id.Server())
			break
		}
	}
	return batch
}

// ApplyRead replaces local copies with the authoritative post-receipt state
// from a message_read push. Reapplying the same update is a no-op.
func (h *HistoryLoader) ApplyRead(msgs []Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, update := range msgs {
		for i := range h.msgs {
			if h.msgs[i].ID == update.ID {
				h.msgs[i] = update
				break
			}
		}
	}
}

// PendingCount returns how many placeholders await confirmation.
func (h *HistoryLoader) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.msgs {
		if m.Pending() {
			n++
		}
	}
	return n
}
