// Package client is the Go SDK for the outboxd loopback API.
//
// # Quick start
//
//	c := client.New("http://127.0.0.1:8787")
//
//	// Queue a message; it is delivered when the device is online.
//	id, err := c.Send(ctx, client.Message{
//	    ConversationID: "c-42",
//	    SenderID:       "u-1",
//	    Text:           "hello",
//	})
//
//	// Tell the daemon the platform regained connectivity.
//	_, err = c.ReportNetwork(ctx, true, "")
//
//	// Follow delivery progress.
//	err = c.Watch(ctx, func(f client.Frame) { ... })
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when outboxd responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("outboxq: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 from the server, e.g. retrying
// an entry that is not failed.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// IsUnavailable reports whether the server could not reach its local storage.
func IsUnavailable(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusServiceUnavailable
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the outboxd API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that talks to outboxd at baseURL.
//
//	c := client.New("http://127.0.0.1:8787")
//	c := client.New("http://127.0.0.1:8787", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// Message is a message to queue. Set ImageRef instead of Text to send an
// image reference. LocalID is optional; reusing one makes Send idempotent.
type Message struct {
	LocalID        string
	ConversationID string
	SenderID       string
	SenderName     string
	Text           string
	ImageRef       string
	Metadata       map[string]string
}

// Payload is the user-authored content of a queued entry.
type Payload struct {
	Kind     string            `json:"kind"`
	Text     string            `json:"text,omitempty"`
	ImageRef string            `json:"image_ref,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Entry is a live queue entry as reported by the server.
type Entry struct {
	LocalID        string  `json:"local_id"`
	ConversationID string  `json:"conversation_id"`
	SenderID       string  `json:"sender_id"`
	SenderName     string  `json:"sender_name,omitempty"`
	Payload        Payload `json:"payload"`
	CreatedAt      int64   `json:"created_at"`
	AttemptCount   int     `json:"attempt_count"`
	NextAttemptAt  int64   `json:"next_attempt_at"`
	State          string  `json:"state"`   // pending | in_flight | failed
	Failure        string  `json:"failure"` // none | permanent | exhausted
	LastError      string  `json:"last_error,omitempty"`
}

// Stats is the derived queue summary.
type Stats struct {
	TotalMessages int `json:"total_messages"`
	Pending       int `json:"pending"`
	InFlight      int `json:"in_flight"`
	FailedCount   int `json:"failed_count"`
	Exhausted     int `json:"exhausted"`
}

// NetworkState is the daemon's view of connectivity.
type NetworkState struct {
	Online        bool      `json:"online"`
	LastChangedAt time.Time `json:"last_changed_at"`
	Quality       string    `json:"quality,omitempty"`
}

// Event describes one queue change pushed over the event stream.
type Event struct {
	Kind           string `json:"kind"`
	LocalID        string `json:"local_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	RemoteID       string `json:"remote_id,omitempty"`
	Attempt        int    `json:"attempt,omitempty"`
	NextAttemptAt  int64  `json:"next_attempt_at,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Frame is one message of the event stream.
type Frame struct {
	Type    string        `json:"type"` // snapshot | event | network
	Event   *Event        `json:"event,omitempty"`
	Network *NetworkState `json:"network,omitempty"`
	Stats   *Stats        `json:"stats,omitempty"`
}

// Namespace describes a storage namespace on the device.
type Namespace struct {
	Name      string `json:"name"`
	Protected bool   `json:"protected"`
	Active    bool   `json:"active"`
	CreatedAt int64  `json:"created_at"`
}

// HealthInfo is the response from the /health endpoint.
type HealthInfo struct {
	Status   string
	DeviceID string
	Online   bool
	Uptime   time.Duration
	Version  string
}

// ListOption narrows List.
type ListOption func(url.Values)

// WithConversation keeps only entries of one conversation.
func WithConversation(id string) ListOption {
	return func(v url.Values) { v.Set("conversation_id", id) }
}

// WithState keeps only entries in state (pending, in_flight or failed).
func WithState(state string) ListOption {
	return func(v url.Values) { v.Set("state", state) }
}

// WithLimit caps the number of returned entries.
func WithLimit(n int) ListOption {
	return func(v url.Values) { v.Set("limit", strconv.Itoa(n)) }
}

// ─── Messages ─────────────────────────────────────────────────────────────────

// Send queues m and returns its local id once it is durable on the device.
func (c *Client) Send(ctx context.Context, m Message) (string, error) {
	p := sendPayload{
		LocalID:        m.LocalID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Payload:        Payload{Kind: "text", Text: m.Text, Metadata: m.Metadata},
	}
	if m.ImageRef != "" {
		p.Payload = Payload{Kind: "image", ImageRef: m.ImageRef, Metadata: m.Metadata}
	}
	var resp struct {
		LocalID string `json:"local_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/messages", p, &resp); err != nil {
		return "", err
	}
	return resp.LocalID, nil
}

// List returns live entries in delivery order.
func (c *Client) List(ctx context.Context, opts ...ListOption) ([]*Entry, error) {
	q := url.Values{}
	for _, o := range opts {
		o(q)
	}
	path := "/v1/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Entries []*Entry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Get returns one entry. Delivered entries are gone, so IsNotFound(err)
// after a successful Send means the message reached the server.
func (c *Client) Get(ctx context.Context, localID string) (*Entry, error) {
	var e Entry
	if err := c.do(ctx, http.MethodGet, "/v1/messages/"+url.PathEscape(localID), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Retry moves a failed entry back to pending with a fresh attempt budget.
func (c *Client) Retry(ctx context.Context, localID string) error {
	return c.do(ctx, http.MethodPost, "/v1/messages/"+url.PathEscape(localID)+"/retry", nil, nil)
}

// Discard deletes a failed entry.
func (c *Client) Discard(ctx context.Context, localID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/messages/"+url.PathEscape(localID), nil, nil)
}

// ─── Queue ────────────────────────────────────────────────────────────────────

// Stats returns the current queue summary.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Flush asks the daemon for an immediate delivery pass.
func (c *Client) Flush(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/flush", nil, nil)
}

// ─── Network ──────────────────────────────────────────────────────────────────

// Network returns the daemon's connectivity state.
func (c *Client) Network(ctx context.Context) (*NetworkState, error) {
	var s NetworkState
	if err := c.do(ctx, http.MethodGet, "/v1/network", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ReportNetwork forwards a platform connectivity signal. quality may be
// "", "full" or "degraded". It reports whether the signal changed the state.
func (c *Client) ReportNetwork(ctx context.Context, online bool, quality string) (bool, error) {
	req := map[string]any{"online": online}
	if quality != "" {
		req["quality"] = quality
	}
	var resp struct {
		Changed bool `json:"changed"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/network", req, &resp); err != nil {
		return false, err
	}
	return resp.Changed, nil
}

// ─── Failed entries ───────────────────────────────────────────────────────────

func failedPath(suffix, reason string, limit int) string {
	q := url.Values{}
	if reason != "" {
		q.Set("reason", reason)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	p := "/v1/failed" + suffix
	if len(q) > 0 {
		p += "?" + q.Encode()
	}
	return p
}

// Failed lists failed entries. reason is "", "permanent" or "exhausted".
// limit <= 0 means no limit.
func (c *Client) Failed(ctx context.Context, reason string, limit int) ([]*Entry, error) {
	var resp struct {
		Entries []*Entry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, failedPath("", reason, limit), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// ReplayFailed retries failed entries and returns how many were re-queued.
func (c *Client) ReplayFailed(ctx context.Context, reason string, limit int) (int, error) {
	var resp struct {
		Replayed int `json:"replayed"`
	}
	if err := c.do(ctx, http.MethodPost, failedPath("/replay", reason, limit), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Replayed, nil
}

// PurgeFailed discards failed entries and returns how many were removed.
func (c *Client) PurgeFailed(ctx context.Context, reason string, limit int) (int, error) {
	var resp struct {
		Discarded int `json:"discarded"`
	}
	if err := c.do(ctx, http.MethodDelete, failedPath("", reason, limit), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Discarded, nil
}

// ─── Namespaces ───────────────────────────────────────────────────────────────

// ListNamespaces returns every storage namespace on the device.
func (c *Client) ListNamespaces(ctx context.Context) ([]*Namespace, error) {
	var resp struct {
		Namespaces []*Namespace `json:"namespaces"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/namespaces", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Namespaces, nil
}

// WipeNamespace deletes a namespace. Protected namespaces need force.
func (c *Client) WipeNamespace(ctx context.Context, name string, force bool) error {
	path := "/v1/namespaces/" + url.PathEscape(name)
	if force {
		path += "?force=true"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ─── Observability ────────────────────────────────────────────────────────────

// Health checks the server's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		DeviceID string `json:"device_id"`
		Online   bool   `json:"online"`
		UptimeMs int64  `json:"uptime_ms"`
		Version  string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:   resp.Status,
		DeviceID: resp.DeviceID,
		Online:   resp.Online,
		Uptime:   time.Duration(resp.UptimeMs) * time.Millisecond,
		Version:  resp.Version,
	}, nil
}

// Watch streams event frames to fn until ctx is cancelled or the connection
// drops. The first frame is always a snapshot. It returns nil when ctx ends.
func (c *Client) Watch(ctx context.Context, fn func(Frame)) error {
	u, err := url.Parse(c.baseURL + "/v1/events")
	if err != nil {
		return fmt.Errorf("outboxq: parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	hdr := http.Header{}
	if c.apiKey != "" {
		hdr.Set("X-Api-Key", c.apiKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("outboxq: dial events: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("outboxq: read event: %w", err)
		}
		fn(f)
	}
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("outboxq: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("outboxq: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("outboxq: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	// Success without body
	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("outboxq: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("outboxq: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type sendPayload struct {
	LocalID        string  `json:"local_id,omitempty"`
	ConversationID string  `json:"conversation_id"`
	SenderID       string  `json:"sender_id"`
	SenderName     string  `json:"sender_name,omitempty"`
	Payload        Payload `json:"payload"`
}
