package supportchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Fake support-chat server
// ============================================================================

// fakeServer is an in-process websocket endpoint speaking the support-chat
// envelope protocol: authenticated handshake first, acks for calls, and
// arbitrary pushes on demand.
type fakeServer struct {
	t        *testing.T
	identity Identity
	srv      *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	received []Envelope
	ackFn    func(env Envelope) AckResult
}

func newFakeServer(t *testing.T, identity Identity) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, identity: identity}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()

	fs.write(ctx, conn, EventAuthenticated, fs.identity)
	fs.mu.Lock()
	fs.conn = conn
	fs.mu.Unlock()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		fs.mu.Lock()
		fs.received = append(fs.received, env)
		ackFn := fs.ackFn
		fs.mu.Unlock()

		if env.RequestID == "" {
			continue
		}
		ack := AckResult{RequestID: env.RequestID, Success: true}
		if ackFn != nil {
			ack = ackFn(env)
			if ack.RequestID == "" {
				ack.RequestID = env.RequestID
			}
		}
		fs.write(ctx, conn, eventAck, ack)
	}
}

func (fs *fakeServer) write(ctx context.Context, conn *websocket.Conn, typ string, payload interface{}) {
	p, _ := json.Marshal(payload)
	data, _ := json.Marshal(Envelope{Type: typ, Payload: p})
	conn.Write(ctx, websocket.MessageText, data)
}

// respond installs the ack responder for subsequent calls.
func (fs *fakeServer) respond(fn func(env Envelope) AckResult) {
	fs.mu.Lock()
	fs.ackFn = fn
	fs.mu.Unlock()
}

// push sends a server-initiated envelope down the live connection.
func (fs *fakeServer) push(typ string, payload interface{}) {
	fs.mu.Lock()
	conn := fs.conn
	fs.mu.Unlock()
	if conn == nil {
		fs.t.Fatal("push before a client connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	fs.write(ctx, conn, typ, payload)
}

// waitFor polls until the server has received an envelope of the given
// type, returning it.
func (fs *fakeServer) waitFor(typ string) Envelope {
	fs.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fs.mu.Lock()
		for _, env := range fs.received {
			if env.Type == typ {
				fs.mu.Unlock()
				return env
			}
		}
		fs.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	fs.t.Fatalf("server never received %q", typ)
	return Envelope{}
}

func (fs *fakeServer) countReceived(typ string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for _, env := range fs.received {
		if env.Type == typ {
			n++
		}
	}
	return n
}

// dialSocket connects a socket to the fake server and returns it.
func dialSocket(t *testing.T, fs *fakeServer, cfg *SocketConfig) *Socket {
	t.Helper()
	if cfg == nil {
		cfg = &SocketConfig{Token: "test-token"}
	}
	client := NewClient("test-token", WithBaseURL(fs.srv.URL))
	sock := client.Socket(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sock.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { sock.Disconnect() })
	return sock
}

// ============================================================================
// Handshake
// ============================================================================

func TestSocketConnect(t *testing.T) {
	t.Run("dispatches the authenticated identity", func(t *testing.T) {
		fs := newFakeServer(t, Identity{UserID: "u-1", Role: "user"})

		client := NewClient("test-token", WithBaseURL(fs.srv.URL))
		sock := client.Socket(&SocketConfig{Token: "test-token"})

		var got Identity
		done := make(chan struct{})
		sock.OnAuthenticated(func(id Identity) {
			got = id
			close(done)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sock.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		defer sock.Disconnect()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("authenticated handler never fired")
		}
		if got.UserID != "u-1" || got.Agent() {
			t.Fatalf("unexpected identity: %+v", got)
		}
		if sock.State() != StateConnected {
			t.Fatalf("expected connected state, got %v", sock.State())
		}
	})

	t.Run("second connect is a no-op", func(t *testing.T) {
		fs := newFakeServer(t, Identity{UserID: "u-1", Role: "user"})
		sock := dialSocket(t, fs, nil)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := sock.Connect(ctx); err != nil {
			t.Fatalf("second Connect: %v", err)
		}
	})
}

// ============================================================================
// Emit / Call
// ============================================================================

func TestSocketEmit(t *testing.T) {
	fs := newFakeServer(t, Identity{UserID: "u-1", Role: "user"})
	sock := dialSocket(t, fs, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sock.Emit(ctx, EventTyping, map[string]int64{"support_chat_set_id": 7}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	env := fs.waitFor(EventTyping)
	if env.RequestID != "" {
		t.Fatal("fire-and-forget emission must not carry a request id")
	}
	var payload struct {
		RoomID int64 `json:"support_chat_set_id"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.RoomID != 7 {
		t.Fatalf("unexpected payload: %s", env.Payload)
	}
}

func TestSocketCall(t *testing.T) {
	t.Run("resolves the matching ack", func(t *testing.T) {
		fs := newFakeServer(t, Identity{UserID: "u-1", Role: "user"})
		fs.respond(func(env Envelope) AckResult {
			data, _ := json.Marshal(map[string]string{"status": "ok"})
			return AckResult{Success: true, Data: data}
		})
		sock := dialSocket(t, fs, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ack, err := sock.Call(ctx, EventRequestSupport, map[string]string{"subject": "help"})
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
		if !ack.Success {
			t.Fatal("expected success ack")
		}
		var got map[string]string
		if err := ack.Decode(&got); err != nil || got["status"] != "ok" {
			t.Fatalf("unexpected ack data: %s", ack.Data)
		}
	})

	t.Run("carries the structured rejection", func(t *testing.T) {
		fs := newFakeServer(t, Identity{UserID: "u-1", Role: "user"})
		fs.respond(func(env Envelope) AckResult {
			return AckResult{Success: false, Error: &APIError{Code: "validation_error", Message: "subject required"}}
		})
		sock := dialSocket(t, fs, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ack, err := sock.Call(ctx, EventRequestSupport, nil)
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
		if ack.Success || ack.Error == nil || ack.Error.Code != "validation_error" {
			t.Fatalf("expected structured rejection, got %+v", ack)
		}
	})

	t.Run("times out when the server stays silent", func(t *testing.T) {
		fs := newFakeServer(t, Identity{UserID: "u-1", Role: "user"})
		sock := dialSocket(t, fs, &SocketConfig{Token: "test-token", AckTimeout: 50 * time.Millisecond})

		// Silence the default responder by answering with a mismatched id.
		fs.respond(func(env Envelope) AckResult {
			return AckResult{RequestID: "someone-else", Success: true}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := sock.Call(ctx, EventRequestSupport, nil); err == nil {
			t.Fatal("expected ack timeout")
		}
	})
}

// ============================================================================
// Push dispatch
// ============================================================================

func TestSocketPushDispatch(t *testing.T) {
	fs := newFakeServer(t, Identity{UserID: "u-1", Role: "user"})
	sock := dialSocket(t, fs, nil)

	rooms := make(chan Room, 1)
	msgs := make(chan MessagePush, 1)
	reads := make(chan ReadPush, 1)
	errs := make(chan ErrorPush, 1)
	sock.OnRoomEvent(func(event string, room Room) {
		if event == EventRoomCreated {
			rooms <- room
		}
	})
	sock.OnMessage(func(event string, push MessagePush) { msgs <- push })
	sock.OnRead(func(push ReadPush) { reads <- push })
	sock.OnServerError(func(event string, push ErrorPush) { errs <- push })

	fs.push(EventRoomCreated, Room{ID: 42, Subject: "vpn broken", ClientID: "u-1", Active: true})
	select {
	case room := <-rooms:
		if room.ID != 42 || !room.Pending() {
			t.Fatalf("unexpected room push: %+v", room)
		}
	case <-time.After(time.Second):
		t.Fatal("room push never dispatched")
	}

	fs.push(EventAgentMessage, MessagePush{RoomID: 42, Message: Message{ID: ServerID(5), Text: "hi", RoomID: 42}})
	select {
	case push := <-msgs:
		if push.Message.ID != ServerID(5) {
			t.Fatalf("unexpected message push: %+v", push)
		}
	case <-time.After(time.Second):
		t.Fatal("message push never dispatched")
	}

	read := Message{ID: ServerID(5), Text: "hi", RoomID: 42, Read: true}
	fs.push(EventMessageRead, ReadPush{Messages: []Message{read}})
	select {
	case push := <-reads:
		if len(push.Messages) != 1 || !push.Messages[0].Read {
			t.Fatalf("unexpected read push: %+v", push)
		}
	case <-time.After(time.Second):
		t.Fatal("read push never dispatched")
	}

	fs.push(EventPermissionDenied, ErrorPush{Message: "not your room"})
	select {
	case push := <-errs:
		if push.Message != "not your room" {
			t.Fatalf("unexpected error push: %+v", push)
		}
	case <-time.After(time.Second):
		t.Fatal("error push never dispatched")
	}
}
