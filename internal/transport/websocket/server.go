// Package websocket pushes live queue activity to local UI clients.
//
// Clients open a WebSocket connection to:
//
//	GET /v1/events
//
// The server first sends a snapshot frame, then one frame per queue event or
// network change. Frames are dropped for a client that cannot keep up; the
// next frame still carries fresh stats.
//
// Server → client frames:
//
//	{"type":"snapshot","stats":{...},"network":{...}}
//	{"type":"event","event":{...},"stats":{...}}
//	{"type":"network","network":{...}}
//
// Client → server control frame:
//
//	{"type":"flush"}
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/outboxq/internal/outbox"
	"github.com/snehjoshi/outboxq/internal/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

var upgrader = gorillaws.Upgrader{
	// Requests without an Origin header (native clients, curl) are allowed.
	// Browser requests must come from the same host.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the event stream for one Coordinator.
type Handler struct {
	Outbox *outbox.Coordinator
}

// Frame is the JSON structure the server sends to the client.
type Frame struct {
	Type    string              `json:"type"` // "snapshot" | "event" | "network"
	Event   *outbox.Event       `json:"event,omitempty"`
	Network *types.NetworkState `json:"network,omitempty"`
	Stats   *types.QueueStats   `json:"stats,omitempty"`
}

// clientFrame is the JSON structure the client sends to the server.
type clientFrame struct {
	Type string `json:"type"` // "flush"
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	out := make(chan Frame, sendBuffer)
	push := func(f Frame) {
		select {
		case out <- f:
		default:
			slog.Debug("ws frame dropped", "type", f.Type, "remote", r.RemoteAddr)
		}
	}

	evSub := h.Outbox.Subscribe(func(ev outbox.Event) {
		stats := ev.Stats
		push(Frame{Type: "event", Event: &ev, Stats: &stats})
	})
	defer evSub.Unsubscribe()
	netSub := h.Outbox.SubscribeNetwork(func(s types.NetworkState) {
		push(Frame{Type: "network", Network: &s})
	})
	defer netSub.Unsubscribe()

	snap := Frame{Type: "snapshot"}
	network := h.Outbox.Network()
	snap.Network = &network
	if stats, err := h.Outbox.Stats(); err == nil {
		snap.Stats = &stats
	}
	if err := writeFrame(conn, snap); err != nil {
		return
	}

	// Read control frames until the client goes away.
	controlCh := make(chan clientFrame, 8)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(controlCh)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf clientFrame
			if jsonErr := json.Unmarshal(raw, &cf); jsonErr != nil {
				continue
			}
			select {
			case controlCh <- cf:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case cf, ok := <-controlCh:
			if !ok {
				return // client disconnected
			}
			if cf.Type == "flush" {
				h.Outbox.Flush()
			}

		case f := <-out:
			if err := writeFrame(conn, f); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *gorillaws.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(gorillaws.TextMessage, data)
}
