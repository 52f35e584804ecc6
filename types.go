package supportchat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a structured server-side rejection.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Message Identifiers
// ============================================================================

// MessageID identifies a message. Server-confirmed messages carry an integer
// ID assigned by the server; messages composed locally and not yet confirmed
// carry a client-generated string ID. The two spaces are structurally
// separate so a placeholder can never collide with a server ID.
type MessageID struct {
	server int64
	local  string
}

// ServerID wraps a server-assigned integer identifier.
func ServerID(id int64) MessageID {
	return MessageID{server: id}
}

// LocalID wraps a client-generated placeholder identifier.
func LocalID(id string) MessageID {
	return MessageID{local: id}
}

// IsLocal reports whether the ID belongs to a not-yet-confirmed placeholder.
func (id MessageID) IsLocal() bool { return id.local != "" }

// Server returns the server-assigned integer, or 0 for placeholders.
func (id MessageID) Server() int64 { return id.server }

// Local returns the client-generated string, or "" for confirmed messages.
func (id MessageID) Local() string { return id.local }

func (id MessageID) String() string {
	if id.IsLocal() {
		return id.local
	}
	return strconv.FormatInt(id.server, 10)
}

// MarshalJSON encodes server IDs as JSON numbers and local IDs as strings.
func (id MessageID) MarshalJSON() ([]byte, error) {
	if id.IsLocal() {
		return json.Marshal(id.local)
	}
	return json.Marshal(id.server)
}

// UnmarshalJSON accepts a JSON number (server ID) or string (local ID).
func (id *MessageID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = LocalID(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("message id must be a number or string: %w", err)
	}
	*id = ServerID(n)
	return nil
}

// ============================================================================
// Rooms
// ============================================================================

// Room is one support conversation between a client and at most one agent.
// A room with no assigned agent is pending; one with an agent is active.
type Room struct {
	ID            int64      `json:"id"`
	Subject       string     `json:"subject"`
	ClientID      string     `json:"client_id"`
	AgentID       string     `json:"agent_id,omitempty"`
	Active        bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	AgentJoinedAt *time.Time `json:"agent_joined_at,omitempty"`
}

// Pending reports whether no agent has joined the room yet.
func (r Room) Pending() bool { return r.AgentID == "" }

// RoomPatch is a partial room update; nil fields are left untouched.
type RoomPatch struct {
	Subject       *string
	AgentID       *string
	Active        *bool
	AgentJoinedAt *time.Time
}

func (p RoomPatch) apply(r *Room) {
	if p.Subject != nil {
		r.Subject = *p.Subject
	}
	if p.AgentID != nil {
		r.AgentID = *p.AgentID
	}
	if p.Active != nil {
		r.Active = *p.Active
	}
	if p.AgentJoinedAt != nil {
		r.AgentJoinedAt = p.AgentJoinedAt
	}
}

// patchFrom builds a full patch out of a pushed room snapshot.
func patchFrom(r Room) RoomPatch {
	return RoomPatch{
		Subject:       &r.Subject,
		AgentID:       &r.AgentID,
		Active:        &r.Active,
		AgentJoinedAt: r.AgentJoinedAt,
	}
}

// ============================================================================
// Messages
// ============================================================================

// Message is a single chat utterance. Messages are created optimistically
// client-side on send (placeholder, local ID) or received via push/history
// fetch (confirmed, server ID). Deleted is a soft flag; messages are never
// hard-deleted client-side.
type Message struct {
	ID        MessageID `json:"id"`
	Text      string    `json:"message"`
	RoomID    int64     `json:"support_chat_set_id"`
	SenderID  string    `json:"sender_id"`
	Type      string    `json:"message_type,omitempty"`
	Read      bool      `json:"is_read"`
	Deleted   bool      `json:"is_deleted"`
	Edited    bool      `json:"is_edited"`
	CreatedAt time.Time `json:"created_at"`
}

// Pending reports whether the message is a local placeholder awaiting its
// server echo.
func (m Message) Pending() bool { return m.ID.IsLocal() }

// QueuedMessage is an outgoing message not yet delivered to the server,
// buffered in durable storage while disconnected.
type QueuedMessage struct {
	ID       string    `json:"id"`
	Text     string    `json:"text"`
	RoomID   int64     `json:"roomId"`
	QueuedAt time.Time `json:"timestamp"`
	Attempts int       `json:"attempts"`
}

// ============================================================================
// REST payloads
// ============================================================================

// HistoryPage is one page of message history, ordered newest-last within the
// page. Next is nil once the backward scroll is exhausted.
type HistoryPage struct {
	Count    int       `json:"count"`
	Next     *string   `json:"next"`
	Previous *string   `json:"previous"`
	Results  []Message `json:"results"`
}

// OTPVerifyResult is the response to a successful one-time-passcode check.
type OTPVerifyResult struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// ============================================================================
// Socket payloads
// ============================================================================

// Identity is the authenticated identity pushed by the server right after
// the socket handshake. Role is authoritative; the client never supplies it.
type Identity struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Agent reports whether the identity is a support agent.
func (i Identity) Agent() bool { return i.Role == "agent" }

// MessagePush is the payload of user_message / agent_message events.
type MessagePush struct {
	RoomID  int64   `json:"support_chat_set_id"`
	Message Message `json:"message"`
}

// TypingPush is the payload of message_typing events.
type TypingPush struct {
	RoomID int64  `json:"support_chat_set_id"`
	UserID string `json:"user_id"`
}

// ReadPush is the payload of message_read events: the authoritative state of
// every message affected by a read receipt.
type ReadPush struct {
	Messages []Message `json:"list_message_instance"`
}

// ErrorPush is the payload of error / validation_error / permission_denied
// events.
type ErrorPush struct {
	Message string `json:"message"`
}
