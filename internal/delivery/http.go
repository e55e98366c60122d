package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/snehjoshi/outboxq/internal/types"
)

// Header names sent with every HTTP delivery.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderDevice         = "X-Outbox-Device"
	HeaderSignature      = "X-Outbox-Signature"
)

// HTTPConfig configures an HTTPAdapter.
type HTTPConfig struct {
	// Endpoint is the API base; messages are POSTed to
	// {Endpoint}/conversations/{conversationId}/messages.
	Endpoint string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// SigningKey enables an HMAC-SHA256 signature of the request body.
	SigningKey string
	DeviceID   string
	Client     *http.Client
}

// HTTPAdapter delivers entries to a REST backend.
type HTTPAdapter struct {
	cfg    HTTPConfig
	client *http.Client
}

var _ Adapter = (*HTTPAdapter)(nil)

// NewHTTP returns an HTTPAdapter. A nil Client uses a client without its own
// timeout; the scheduler bounds every call through ctx.
func NewHTTP(cfg HTTPConfig) *HTTPAdapter {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &HTTPAdapter{cfg: cfg, client: client}
}

// wireMessage is the JSON body POSTed to the backend.
type wireMessage struct {
	LocalID        string            `json:"local_id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	SenderName     string            `json:"sender_name,omitempty"`
	Kind           types.PayloadKind `json:"kind"`
	Text           string            `json:"text,omitempty"`
	ImageRef       string            `json:"image_ref,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      int64             `json:"created_at"`
	Attempt        int               `json:"attempt"`
}

type wireAck struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
}

func (a wireAck) remoteID() string {
	if a.ID != "" {
		return a.ID
	}
	return a.MessageID
}

// Send POSTs e and classifies the response:
//
//	2xx                      → delivered
//	409 with an id           → delivered earlier (idempotent replay)
//	408, 425, 429, 5xx       → transient (Retry-After honoured)
//	other 4xx                → permanent
//	anything else            → unknown
func (a *HTTPAdapter) Send(ctx context.Context, e *types.Entry) (string, error) {
	kind := e.Payload.Kind
	if kind == "" {
		kind = types.PayloadText
	}
	body, err := json.Marshal(wireMessage{
		LocalID:        e.LocalID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		SenderName:     e.SenderName,
		Kind:           kind,
		Text:           e.Payload.Text,
		ImageRef:       e.Payload.ImageRef,
		Metadata:       e.Payload.Metadata,
		CreatedAt:      e.CreatedAt,
		Attempt:        e.AttemptCount,
	})
	if err != nil {
		return "", Permanent(fmt.Errorf("delivery: marshal %s: %w", e.LocalID, err))
	}

	target := a.cfg.Endpoint + "/conversations/" + url.PathEscape(e.ConversationID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return "", Permanent(fmt.Errorf("delivery: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, e.LocalID)
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	if a.cfg.DeviceID != "" {
		req.Header.Set(HeaderDevice, a.cfg.DeviceID)
	}
	if a.cfg.SigningKey != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(a.cfg.SigningKey, body))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		// Dial failures, resets and ctx deadlines all surface here.
		return "", fmt.Errorf("delivery: POST %s: %w", target, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var ack wireAck
	_ = json.Unmarshal(respBody, &ack)

	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return ack.remoteID(), nil
	case status == http.StatusConflict && ack.remoteID() != "":
		return ack.remoteID(), nil
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly,
		status == http.StatusTooManyRequests, status >= 500:
		return "", &Error{
			Kind:       KindTransient,
			Err:        statusError(status, respBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	case status >= 400:
		return "", Permanent(statusError(status, respBody))
	default:
		return "", statusError(status, respBody)
	}
}

// Sign returns the hex HMAC-SHA256 of body under key.
func Sign(key string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return fmt.Errorf("delivery: endpoint returned %d", status)
	}
	return fmt.Errorf("delivery: endpoint returned %d: %s", status, msg)
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
