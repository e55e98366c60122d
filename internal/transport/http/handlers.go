package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/snehjoshi/outboxq/internal/dlq"
	"github.com/snehjoshi/outboxq/internal/namespace"
	"github.com/snehjoshi/outboxq/internal/netmon"
	"github.com/snehjoshi/outboxq/internal/outbox"
	"github.com/snehjoshi/outboxq/internal/storage"
	"github.com/snehjoshi/outboxq/internal/types"
)

// Metadata limits, enforced on every enqueue.
const (
	metaMaxKeys     = 16  // max number of key/value pairs
	metaMaxKeyBytes = 64  // max bytes per key
	metaMaxValBytes = 512 // max bytes per value
)

// validateMetadata returns a non-nil error if m violates any metadata limit.
func validateMetadata(m map[string]string) error {
	if len(m) > metaMaxKeys {
		return fmt.Errorf("metadata: too many keys (max %d)", metaMaxKeys)
	}
	for k, v := range m {
		if len(k) == 0 {
			return errors.New("metadata: key must not be empty")
		}
		if len(k) > metaMaxKeyBytes {
			return fmt.Errorf("metadata: key too long (max %d bytes)", metaMaxKeyBytes)
		}
		if len(v) > metaMaxValBytes {
			return fmt.Errorf("metadata: value too long (max %d bytes)", metaMaxValBytes)
		}
	}
	return nil
}

// validName returns true when s is safe to use as a path component.
// It rejects strings that are empty, too long, or that could be used for
// path-traversal (e.g. "..", "../foo", leading "/" or "\").
func validName(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	if strings.ContainsAny(s, "/\\\x00") {
		return false
	}
	if s == "." || s == ".." {
		return false
	}
	return true
}

// Handler groups all HTTP request handlers around a Coordinator.
type Handler struct {
	outbox *outbox.Coordinator
	dlq    *dlq.Manager
	ns     *namespace.Registry // may be nil if namespaces are disabled

	// activeNS is the namespace holding the open store. It can never be
	// wiped through the API.
	activeNS string
	deviceID string
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type enqueueResp struct {
	LocalID string `json:"local_id"`
}

type entriesResp struct {
	Entries []*types.Entry `json:"entries"`
	Count   int            `json:"count"`
}

type networkReq struct {
	Online  bool          `json:"online"`
	Quality types.Quality `json:"quality,omitempty"`
}

type networkResp struct {
	Changed bool               `json:"changed"`
	State   types.NetworkState `json:"state"`
}

type replayResp struct {
	Replayed int `json:"replayed"`
}

type purgeResp struct {
	Discarded int `json:"discarded"`
}

type healthResp struct {
	Status   string `json:"status"`
	DeviceID string `json:"device_id"`
	Online   bool   `json:"online"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		DeviceID: h.deviceID,
		Online:   h.outbox.Network().Online,
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  "1.0.0",
	})
}

// ─── Messages ─────────────────────────────────────────────────────────────────

func (h *Handler) enqueueMessage(w http.ResponseWriter, r *http.Request) {
	var msg outbox.Message
	if !decodeJSON(w, r, &msg) {
		return
	}
	if err := validateMetadata(msg.Payload.Metadata); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id, err := h.outbox.Enqueue(r.Context(), msg)
	if err != nil {
		writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResp{LocalID: id})
}

// listMessages returns live entries in delivery order.
// Query params: conversation_id, state (pending | in_flight | failed), limit.
func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var state *types.State
	if s := q.Get("state"); s != "" {
		var st types.State
		if err := st.UnmarshalText([]byte(s)); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		state = &st
	}
	conv := q.Get("conversation_id")
	limit := parseIntParam(r, "limit", 0)

	all, err := h.outbox.Entries()
	if err != nil {
		writeOutboxError(w, err)
		return
	}
	out := make([]*types.Entry, 0, len(all))
	for _, e := range all {
		if conv != "" && e.ConversationID != conv {
			continue
		}
		if state != nil && e.State != *state {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, entriesResp{Entries: out, Count: len(out)})
}

func (h *Handler) getMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validName(id) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid local id"})
		return
	}
	e, err := h.outbox.Entry(id)
	if err != nil {
		writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) retryMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validName(id) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid local id"})
		return
	}
	if err := h.outbox.RetryFailed(id); err != nil {
		writeOutboxError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) discardMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validName(id) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid local id"})
		return
	}
	if err := h.outbox.Discard(id); err != nil {
		writeOutboxError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Queue ────────────────────────────────────────────────────────────────────

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.outbox.Stats()
	if err != nil {
		writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) flush(w http.ResponseWriter, r *http.Request) {
	h.outbox.Flush()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "flushing"})
}

// ─── Network ──────────────────────────────────────────────────────────────────

func (h *Handler) getNetwork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.outbox.Network())
}

// reportNetwork accepts a platform connectivity signal.
func (h *Handler) reportNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkReq
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Quality {
	case types.QualityUnknown, types.QualityFull, types.QualityDegraded:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "quality must be full, degraded or empty"})
		return
	}
	changed := h.outbox.Monitor().Report(netmon.Signal{Online: req.Online, Quality: req.Quality})
	writeJSON(w, http.StatusOK, networkResp{Changed: changed, State: h.outbox.Network()})
}

// ─── Failed entries ───────────────────────────────────────────────────────────

// reasonParam parses ?reason=permanent|exhausted. It writes a 400 and
// returns false when the value is unknown.
func reasonParam(w http.ResponseWriter, r *http.Request) (types.Failure, bool) {
	reason, err := dlq.ParseReason(r.URL.Query().Get("reason"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reason must be permanent or exhausted"})
		return 0, false
	}
	return reason, true
}

func (h *Handler) listFailed(w http.ResponseWriter, r *http.Request) {
	reason, ok := reasonParam(w, r)
	if !ok {
		return
	}
	entries, err := h.dlq.List(reason, parseIntParam(r, "limit", 0))
	if err != nil {
		writeOutboxError(w, err)
		return
	}
	if entries == nil {
		entries = []*types.Entry{}
	}
	writeJSON(w, http.StatusOK, entriesResp{Entries: entries, Count: len(entries)})
}

func (h *Handler) replayFailed(w http.ResponseWriter, r *http.Request) {
	reason, ok := reasonParam(w, r)
	if !ok {
		return
	}
	n, err := h.dlq.Replay(reason, parseIntParam(r, "limit", 0))
	if err != nil {
		writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, replayResp{Replayed: n})
}

func (h *Handler) purgeFailed(w http.ResponseWriter, r *http.Request) {
	reason, ok := reasonParam(w, r)
	if !ok {
		return
	}
	n, err := h.dlq.Purge(reason, parseIntParam(r, "limit", 0))
	if err != nil {
		writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purgeResp{Discarded: n})
}

// ─── Namespace management ─────────────────────────────────────────────────────

type nsItem struct {
	Name      string `json:"name"`
	Protected bool   `json:"protected"`
	Active    bool   `json:"active"`
	CreatedAt int64  `json:"created_at"`
}

type nsListResp struct {
	Namespaces []nsItem `json:"namespaces"`
}

func (h *Handler) listNamespaces(w http.ResponseWriter, r *http.Request) {
	if h.ns == nil {
		writeJSON(w, http.StatusOK, nsListResp{Namespaces: []nsItem{}})
		return
	}
	all := h.ns.List()
	items := make([]nsItem, 0, len(all))
	for _, ns := range all {
		items = append(items, nsItem{
			Name:      ns.Name,
			Protected: ns.Protected,
			Active:    ns.Name == h.activeNS,
			CreatedAt: ns.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, nsListResp{Namespaces: items})
}

// wipeNamespace deletes a namespace directory. Protected namespaces need
// ?force=true; the namespace backing the open store is always refused.
func (h *Handler) wipeNamespace(w http.ResponseWriter, r *http.Request) {
	if h.ns == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "namespace registry not configured"})
		return
	}
	name := r.PathValue("ns")
	if !namespace.ValidateName(name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid namespace name"})
		return
	}
	if name == h.activeNS {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "namespace is in use by the open queue"})
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := h.ns.Wipe(name, force); err != nil {
		switch {
		case errors.Is(err, namespace.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		case errors.Is(err, namespace.ErrProtected):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func parseIntParam(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

// writeOutboxError maps coordinator and storage errors to status codes.
func writeOutboxError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, outbox.ErrInvalidMessage):
		code = http.StatusBadRequest
	case errors.Is(err, outbox.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, outbox.ErrNotFailed):
		code = http.StatusConflict
	case errors.Is(err, storage.ErrUnavailable):
		code = http.StatusServiceUnavailable
	}
	writeError(w, code, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
