package supportchat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

func serverMsg(id int64, roomID int64, sender, text string, at time.Time) Message {
	return Message{
		ID:        ServerID(id),
		Text:      text,
		RoomID:    roomID,
		SenderID:  sender,
		CreatedAt: at,
	}
}

// historyServer serves /api/support-chat/messages out of a fixed set of
// pages keyed by page number.
func historyServer(t *testing.T, pages map[int]HistoryPage) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/support-chat/messages" {
			http.NotFound(w, r)
			return
		}
		page := 1
		if p := r.URL.Query().Get("page"); p != "" {
			fmt.Sscanf(p, "%d", &page)
		}
		result, ok := pages[page]
		if !ok {
			http.Error(w, `{"code":"not_found","message":"invalid page"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(result)
	}))
}

func newTestLoader(t *testing.T, srv *httptest.Server) *HistoryLoader {
	t.Helper()
	client := NewClient("test-token", WithBaseURL(srv.URL))
	return NewHistoryLoader(client)
}

// ============================================================================
// Pagination
// ============================================================================

func TestHistoryLoad(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	next := "?page=2"

	t.Run("page one replaces, later pages prepend older", func(t *testing.T) {
		srv := historyServer(t, map[int]HistoryPage{
			1: {Count: 4, Next: &next, Results: []Message{
				serverMsg(3, 7, "u1", "third", base.Add(2*time.Minute)),
				serverMsg(4, 7, "u2", "fourth", base.Add(3*time.Minute)),
			}},
			2: {Count: 4, Next: nil, Results: []Message{
				serverMsg(1, 7, "u1", "first", base),
				serverMsg(2, 7, "u2", "second", base.Add(time.Minute)),
			}},
		})
		defer srv.Close()
		h := newTestLoader(t, srv)

		if err := h.Load(context.Background(), 7, 1); err != nil {
			t.Fatalf("Load page 1: %v", err)
		}
		if h.Len() != 2 || !h.HasMore() {
			t.Fatalf("after page 1: len=%d hasMore=%v", h.Len(), h.HasMore())
		}

		if err := h.LoadMore(context.Background()); err != nil {
			t.Fatalf("LoadMore: %v", err)
		}
		msgs := h.Messages()
		if len(msgs) != 4 {
			t.Fatalf("expected 4 messages, got %d", len(msgs))
		}
		for i, want := range []string{"first", "second", "third", "fourth"} {
			if msgs[i].Text != want {
				t.Fatalf("position %d: want %q, got %q", i, want, msgs[i].Text)
			}
		}
		if h.HasMore() {
			t.Fatal("expected pagination exhausted")
		}
	})

	t.Run("load more after exhaustion is a no-op", func(t *testing.T) {
		srv := historyServer(t, map[int]HistoryPage{
			1: {Count: 1, Next: nil, Results: []Message{serverMsg(1, 7, "u1", "only", base)}},
		})
		defer srv.Close()
		h := newTestLoader(t, srv)

		if err := h.Load(context.Background(), 7, 1); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if err := h.LoadMore(context.Background()); err != nil {
			t.Fatalf("LoadMore after exhaustion: %v", err)
		}
		if h.Len() != 1 {
			t.Fatalf("expected list unchanged, got %d", h.Len())
		}
	})

	t.Run("switching rooms resets the list", func(t *testing.T) {
		srv := historyServer(t, map[int]HistoryPage{
			1: {Count: 1, Next: nil, Results: []Message{serverMsg(1, 9, "u1", "other room", base)}},
		})
		defer srv.Close()
		h := newTestLoader(t, srv)

		h.AppendLocal(Message{ID: LocalID("x"), RoomID: 0})
		if err := h.Load(context.Background(), 9, 1); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if h.RoomID() != 9 || h.Len() != 1 {
			t.Fatalf("room switch: roomID=%d len=%d", h.RoomID(), h.Len())
		}
	})

	t.Run("fetch failure sets the failed flag and keeps the list", func(t *testing.T) {
		srv := historyServer(t, map[int]HistoryPage{
			1: {Count: 1, Next: nil, Results: []Message{serverMsg(1, 7, "u1", "keep", base)}},
		})
		defer srv.Close()
		h := newTestLoader(t, srv)

		if err := h.Load(context.Background(), 7, 1); err != nil {
			t.Fatalf("Load: %v", err)
		}
		srv.Close()
		if err := h.Load(context.Background(), 7, 1); err == nil {
			t.Fatal("expected error from closed server")
		}
		if !h.Failed() {
			t.Fatal("expected failed flag set")
		}
	})
}

// ============================================================================
// Merging live pushes
// ============================================================================

func TestHistoryAppend(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	newLoaded := func(t *testing.T) *HistoryLoader {
		srv := historyServer(t, map[int]HistoryPage{
			1: {Count: 1, Next: nil, Results: []Message{serverMsg(1, 7, "peer", "hello", base)}},
		})
		t.Cleanup(srv.Close)
		h := newTestLoader(t, srv)
		if err := h.Load(context.Background(), 7, 1); err != nil {
			t.Fatalf("Load: %v", err)
		}
		return h
	}

	t.Run("duplicate server id is dropped", func(t *testing.T) {
		h := newLoaded(t)
		if h.Append(serverMsg(1, 7, "peer", "hello", base)) {
			t.Fatal("expected duplicate rejected")
		}
		if h.Len() != 1 {
			t.Fatalf("list grew on duplicate: %d", h.Len())
		}
	})

	t.Run("new message appends", func(t *testing.T) {
		h := newLoaded(t)
		if !h.Append(serverMsg(2, 7, "peer", "more", base.Add(time.Minute))) {
			t.Fatal("expected append accepted")
		}
		if h.Len() != 2 {
			t.Fatalf("expected 2 messages, got %d", h.Len())
		}
	})

	t.Run("other room is ignored", func(t *testing.T) {
		h := newLoaded(t)
		if h.Append(serverMsg(2, 9, "peer", "elsewhere", base)) {
			t.Fatal("expected other-room message rejected")
		}
	})

	t.Run("echo retires a matching placeholder in place", func(t *testing.T) {
		h := newLoaded(t)
		h.SetSelf("me")
		h.AppendLocal(Message{ID: LocalID("tmp-1"), Text: "on my way", RoomID: 7, SenderID: "me", CreatedAt: base.Add(time.Minute)})
		if h.PendingCount() != 1 {
			t.Fatal("placeholder not inserted")
		}

		if !h.Append(serverMsg(2, 7, "me", "on my way", base.Add(time.Minute+2*time.Second))) {
			t.Fatal("expected echo accepted")
		}
		if h.PendingCount() != 0 {
			t.Fatal("placeholder not retired")
		}
		msgs := h.Messages()
		if len(msgs) != 2 {
			t.Fatalf("expected in-place replacement, got %d messages", len(msgs))
		}
		if msgs[1].ID != ServerID(2) {
			t.Fatalf("placeholder slot not replaced: %v", msgs[1].ID)
		}
	})

	t.Run("non-matching echo leaves placeholders alone", func(t *testing.T) {
		h := newLoaded(t)
		h.AppendLocal(Message{ID: LocalID("tmp-1"), Text: "ping", RoomID: 7, CreatedAt: base})

		if !h.Append(serverMsg(3, 7, "me", "pong", base.Add(time.Hour))) {
			t.Fatal("expected append accepted")
		}
		if h.PendingCount() != 1 {
			t.Fatal("unrelated placeholder must survive")
		}
	})
}

// ============================================================================
// Read tracking
// ============================================================================

func TestHistoryReadTracking(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	setup := func(t *testing.T) *HistoryLoader {
		srv := historyServer(t, map[int]HistoryPage{
			1: {Count: 3, Next: nil, Results: []Message{
				serverMsg(1, 7, "peer", "hi", base),
				serverMsg(2, 7, "me", "hello", base.Add(time.Minute)),
				serverMsg(3, 7, "peer", "how can I help", base.Add(2*time.Minute)),
			}},
		})
		t.Cleanup(srv.Close)
		h := newTestLoader(t, srv)
		h.SetSelf("me")
		if err := h.Load(context.Background(), 7, 1); err != nil {
			t.Fatalf("Load: %v", err)
		}
		return h
	}

	t.Run("marks peer messages and batches their ids", func(t *testing.T) {
		h := setup(t)
		batch := h.MarkVisible([]MessageID{ServerID(1), ServerID(2), ServerID(3), LocalID("tmp")})
		if len(batch) != 2 || batch[0] != 1 || batch[1] != 3 {
			t.Fatalf("unexpected batch: %v", batch)
		}
	})

	t.Run("second pass yields nothing", func(t *testing.T) {
		h := setup(t)
		h.MarkVisible([]MessageID{ServerID(1)})
		if batch := h.MarkVisible([]MessageID{ServerID(1)}); len(batch) != 0 {
			t.Fatalf("expected empty batch on reread, got %v", batch)
		}
	})

	t.Run("authoritative read push replaces and is idempotent", func(t *testing.T) {
		h := setup(t)
		update := serverMsg(1, 7, "peer", "hi", base)
		update.Read = true

		h.ApplyRead([]Message{update})
		h.ApplyRead([]Message{update})

		msgs := h.Messages()
		if !msgs[0].Read {
			t.Fatal("read state not applied")
		}
		if len(msgs) != 3 {
			t.Fatalf("list changed size: %d", len(msgs))
		}
	})
}
