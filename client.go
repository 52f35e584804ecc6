// Package supportchat provides the Go client SDK for the support-chat
// service: mobile-OTP authentication, room listing, paginated message
// history over REST, and an offline-resilient real-time messaging core over
// a bidirectional socket connection.
//
// Example:
//
//	client := supportchat.NewClient(token)
//	sock := client.Socket(&supportchat.SocketConfig{Token: token, AutoReconnect: true})
//
//	conn := supportchat.NewConnState()
//	rooms := supportchat.NewRoomRegistry()
//	history := supportchat.NewHistoryLoader(client)
//	outbox, _ := supportchat.NewOutbox(store)
//	session := supportchat.NewSession(sock, conn, rooms, history, outbox)
//
//	sock.Connect(ctx)
//	room, _ := session.RequestSupport(ctx, "Billing", "Can't pay invoice")
//	session.SendMessage(ctx, "hi")
package supportchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://support.helpwire.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the support-chat service. The session
// credential is carried as a bearer token on every request; callers obtain
// it through the OTP login flow or inject an existing one.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new support-chat client.
// token is optional — pass "" before login and call SetToken afterwards.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the session credential.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured service base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, apiErrorFrom(resp.StatusCode, data)
	}
	return data, nil
}

// apiErrorFrom converts a non-2xx response body into an *APIError.
func apiErrorFrom(status int, data []byte) error {
	var e struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(data, &e) == nil {
		msg := e.Message
		if msg == "" {
			msg = e.Detail
		}
		if msg != "" {
			code := e.Code
			if code == "" {
				code = "HTTP_" + strconv.Itoa(status)
			}
			return &APIError{Code: code, Message: msg}
		}
	}
	return &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: http.StatusText(status)}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// OTP Authentication
// ============================================================================

// RequestOTP asks the server to send a one-time passcode to the given
// mobile number.
func (c *Client) RequestOTP(ctx context.Context, mobile string) error {
	_, err := c.doRequest(ctx, "POST", "/api/auth/otp/request", map[string]string{"mobile": mobile}, nil)
	return err
}

// VerifyOTP exchanges a mobile number and passcode for a session token and
// the identity's role.
func (c *Client) VerifyOTP(ctx context.Context, mobile, code string) (*OTPVerifyResult, error) {
	data, err := c.doRequest(ctx, "POST", "/api/auth/otp/verify", map[string]string{
		"mobile": mobile, "code": code,
	}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[OTPVerifyResult](data)
}

// ============================================================================
// Message History
// ============================================================================

// History fetches one page of message history for a room. Pages are ordered
// newest-last within the page; page 1 holds the most recent messages.
func (c *Client) History(ctx context.Context, roomID int64, page int) (*HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	data, err := c.doRequest(ctx, "GET", "/api/support-chat/messages", nil, map[string]string{
		"page":                strconv.Itoa(page),
		"support_chat_set_id": strconv.FormatInt(roomID, 10),
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON[HistoryPage](data)
}

// ============================================================================
// Rooms
// ============================================================================

// UserRooms lists the open rooms visible to the current user identity.
func (c *Client) UserRooms(ctx context.Context) ([]Room, error) {
	data, err := c.doRequest(ctx, "GET", "/api/support-chat/rooms", nil, nil)
	if err != nil {
		return nil, err
	}
	rooms, err := decodeJSON[[]Room](data)
	if err != nil {
		return nil, err
	}
	return *rooms, nil
}

// PendingRooms lists unassigned rooms awaiting an agent (agent scope).
func (c *Client) PendingRooms(ctx context.Context) ([]Room, error) {
	data, err := c.doRequest(ctx, "GET", "/api/support-chat/rooms/pending", nil, nil)
	if err != nil {
		return nil, err
	}
	rooms, err := decodeJSON[[]Room](data)
	if err != nil {
		return nil, err
	}
	return *rooms, nil
}

// ============================================================================
// Socket factory
// ============================================================================

// SocketURL returns the websocket URL for the support-chat channel.
func (c *Client) SocketURL(token string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws/support-chat?token=" + url.QueryEscape(token)
	}
	return base + "/ws/support-chat"
}

// Socket creates a support-chat socket client. Call Connect to establish
// the connection.
func (c *Client) Socket(config *SocketConfig) *Socket {
	cfg := *config
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	cfg.defaults()
	return newSocket(c.baseURL, &cfg)
}
