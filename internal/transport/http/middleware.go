package http

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/outboxq/internal/metrics"
)

// ─── CORS ────────────────────────────────────────────────────────────────────

// CORSMiddleware adds CORS headers. An empty allowed list reflects any
// origin, which suits a loopback-only listener; otherwise only origins in the
// comma-separated list are echoed back.
func CORSMiddleware(allowed string) func(http.Handler) http.Handler {
	origins := make(map[string]bool)
	for _, o := range strings.Split(allowed, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins[o] = true
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case origin == "":
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case len(origins) == 0 || origins[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Api-Key, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")

			// Respond immediately to preflight requests.
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ─── Logging ──────────────────────────────────────────────────────────────────

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// wrap reuses an existing responseWriter so nested middleware share one status.
func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

// LoggingMiddleware logs method, path, status, and duration for every request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := wrap(w)
		next.ServeHTTP(wrapped, r)
		slog.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// ─── Metrics ──────────────────────────────────────────────────────────────────

// MetricsMiddleware records request counts and durations. The route pattern
// is used as the path label so per-message URLs do not explode cardinality.
func MetricsMiddleware(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if reg == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrap(w)
			next.ServeHTTP(wrapped, r)

			path := r.Pattern
			if path == "" {
				path = "unmatched"
			} else if i := strings.IndexByte(path, ' '); i >= 0 {
				path = path[i+1:]
			}
			ms := time.Since(start).Milliseconds()
			reg.HTTPReqs.Inc(metrics.HTTPKey(r.Method, path, strconv.Itoa(wrapped.status)))
			reg.HTTPDurMs.Add(metrics.HTTPDurKey(r.Method, path), ms)
			reg.HTTPDurCnt.Inc(metrics.HTTPDurKey(r.Method, path))
		})
	}
}

// ─── Auth ─────────────────────────────────────────────────────────────────────

// AuthMiddleware checks for a static API key when auth is enabled.
// The key must be passed in the X-Api-Key header. GET /health stays open so
// supervisors can probe the daemon without credentials.
func AuthMiddleware(apiKey string, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled || apiKey == "" {
			return next
		}
		keyBytes := []byte(apiKey)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			provided := []byte(r.Header.Get("X-Api-Key"))
			// ConstantTimeCompare returns 1 only when lengths and contents match.
			if subtle.ConstantTimeCompare(provided, keyBytes) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ─── Rate limiting ────────────────────────────────────────────────────────────

// ipEntry holds a rate.Limiter and the time it was last used (for TTL eviction).
type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware applies per-IP token-bucket rate limiting.
// rps is the allowed requests per second; burst is the maximum burst size.
// A non-positive rps disables limiting.
//
// The IP is resolved from X-Forwarded-For when present (first hop),
// falling back to RemoteAddr.  The in-memory limiter map is pruned
// opportunistically (when it exceeds 5,000 entries) so it never grows
// without bound, even under attack from many unique source IPs.
func RateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*ipEntry)
	)

	getLimiter := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		if e, ok := limiters[ip]; ok {
			e.lastSeen = time.Now()
			return e.limiter
		}

		// Opportunistic TTL eviction: if the table is large, sweep out any entry
		// that hasn't been seen in the last 10 minutes.  This runs only when the
		// map is over the threshold, so it doesn't add overhead on small deploys.
		if len(limiters) >= 5000 {
			cutoff := time.Now().Add(-10 * time.Minute)
			for k, v := range limiters {
				if v.lastSeen.Before(cutoff) {
					delete(limiters, k)
				}
			}
		}

		l := rate.NewLimiter(rate.Limit(rps), burst)
		limiters[ip] = &ipEntry{limiter: l, lastSeen: time.Now()}
		return l
	}

	return func(next http.Handler) http.Handler {
		if rps <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !getLimiter(ip).Allow() {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the real client IP. It prefers the first address in
// X-Forwarded-For (set by reverse proxies such as nginx/Caddy) and falls
// back to RemoteAddr.
//
// X-Forwarded-For can be spoofed. The API is meant for loopback use where
// the header is absent.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ─── Body size limit ─────────────────────────────────────────────────────────

// MaxBodyMiddleware wraps every request body in an http.MaxBytesReader so
// decodeJSON can answer 413 instead of buffering an unbounded payload.
func MaxBodyMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// ─── Chain ────────────────────────────────────────────────────────────────────

// chain composes a slice of middleware around the given handler (first = outermost).
func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
