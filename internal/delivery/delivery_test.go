package delivery_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/snehjoshi/outboxq/internal/delivery"
	"github.com/snehjoshi/outboxq/internal/device"
	"github.com/snehjoshi/outboxq/internal/types"
)

func testEntry(id string) *types.Entry {
	return &types.Entry{
		LocalID:        id,
		ConversationID: "conv/1",
		SenderID:       "u1",
		SenderName:     "Ada",
		Payload:        types.Payload{Kind: types.PayloadText, Text: "hello"},
		CreatedAt:      1_700_000_000_000,
		AttemptCount:   1,
	}
}

// ─── Classify ────────────────────────────────────────────────────────────────

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want delivery.Kind
	}{
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), delivery.KindTransient},
		{"timeout sentinel", delivery.ErrTimeout, delivery.KindTransient},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, delivery.KindTransient},
		{"dns", &net.DNSError{Err: "no such host", Name: "x"}, delivery.KindTransient},
		{"eof", io.ErrUnexpectedEOF, delivery.KindTransient},
		{"explicit permanent", delivery.Permanent(errors.New("too large")), delivery.KindPermanent},
		{"wrapped permanent", fmt.Errorf("ctx: %w", delivery.Permanent(errors.New("x"))), delivery.KindPermanent},
		{"explicit transient", delivery.Transient(errors.New("x")), delivery.KindTransient},
		{"plain", errors.New("something odd"), delivery.KindUnknown},
	}
	for _, tc := range cases {
		if got := delivery.Classify(tc.err); got != tc.want {
			t.Errorf("%s: want %s, got %s", tc.name, tc.want, got)
		}
	}
}

// ─── HTTPAdapter ─────────────────────────────────────────────────────────────

func TestHTTPAdapter_SendsIdempotencyKeyAndSignature(t *testing.T) {
	var gotPath, gotKey, gotAuth, gotDevice, gotSig string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotKey = r.Header.Get(delivery.HeaderIdempotencyKey)
		gotAuth = r.Header.Get("Authorization")
		gotDevice = r.Header.Get(delivery.HeaderDevice)
		gotSig = r.Header.Get(delivery.HeaderSignature)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		if gotSig != "sha256="+delivery.Sign("s3cret", raw) {
			t.Errorf("signature does not match body")
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"remote-42"}`))
	}))
	defer srv.Close()

	a := delivery.NewHTTP(delivery.HTTPConfig{
		Endpoint:   srv.URL + "/",
		APIKey:     "k",
		SigningKey: "s3cret",
		DeviceID:   "dev-1",
	})
	id := device.MustNewID()
	rid, err := a.Send(context.Background(), testEntry(id))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rid != "remote-42" {
		t.Errorf("remote id: want remote-42, got %q", rid)
	}
	if gotPath != "/conversations/conv%2F1/messages" {
		t.Errorf("path: got %s", gotPath)
	}
	if gotKey != id || gotAuth != "Bearer k" || gotDevice != "dev-1" {
		t.Errorf("headers: key=%q auth=%q device=%q", gotKey, gotAuth, gotDevice)
	}
	if gotBody["local_id"] != id || gotBody["text"] != "hello" || gotBody["kind"] != "text" {
		t.Errorf("body: %v", gotBody)
	}
}

func TestHTTPAdapter_StatusClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   delivery.Kind
		ok     bool
	}{
		{http.StatusOK, `{"message_id":"m1"}`, 0, true},
		{http.StatusConflict, `{"id":"m1"}`, 0, true},
		{http.StatusConflict, ``, delivery.KindPermanent, false},
		{http.StatusBadRequest, `{"error":"empty"}`, delivery.KindPermanent, false},
		{http.StatusRequestEntityTooLarge, ``, delivery.KindPermanent, false},
		{http.StatusForbidden, ``, delivery.KindPermanent, false},
		{http.StatusRequestTimeout, ``, delivery.KindTransient, false},
		{http.StatusTooEarly, ``, delivery.KindTransient, false},
		{http.StatusTooManyRequests, ``, delivery.KindTransient, false},
		{http.StatusBadGateway, ``, delivery.KindTransient, false},
		{http.StatusServiceUnavailable, ``, delivery.KindTransient, false},
		{http.StatusNotModified, ``, delivery.KindUnknown, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		a := delivery.NewHTTP(delivery.HTTPConfig{Endpoint: srv.URL})
		_, err := a.Send(context.Background(), testEntry("x"))
		srv.Close()

		if tc.ok {
			if err != nil {
				t.Errorf("%d: want success, got %v", tc.status, err)
			}
			continue
		}
		if err == nil {
			t.Errorf("%d: want error", tc.status)
			continue
		}
		if got := delivery.Classify(err); got != tc.want {
			t.Errorf("%d: want %s, got %s (%v)", tc.status, tc.want, got, err)
		}
	}
}

func TestHTTPAdapter_RetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := delivery.NewHTTP(delivery.HTTPConfig{Endpoint: srv.URL}).Send(context.Background(), testEntry("x"))
	if got := delivery.RetryAfter(err); got != 7*time.Second {
		t.Errorf("RetryAfter: want 7s, got %v", got)
	}
}

func TestHTTPAdapter_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close() // nothing listens any more

	_, err := delivery.NewHTTP(delivery.HTTPConfig{Endpoint: url}).Send(context.Background(), testEntry("x"))
	if err == nil {
		t.Fatal("expected error")
	}
	if k := delivery.Classify(err); k != delivery.KindTransient {
		t.Errorf("want transient, got %s (%v)", k, err)
	}
}

func TestHTTPAdapter_HonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := delivery.NewHTTP(delivery.HTTPConfig{Endpoint: srv.URL}).Send(ctx, testEntry("x"))
	if delivery.Classify(err) != delivery.KindTransient {
		t.Errorf("deadline must be transient, got %v", err)
	}
}

// ─── Breaker ─────────────────────────────────────────────────────────────────

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	failing := delivery.AdapterFunc(func(ctx context.Context, e *types.Entry) (string, error) {
		calls.Add(1)
		return "", delivery.Transient(errors.New("503"))
	})
	var transitions atomic.Int32
	b := delivery.WithBreaker(failing, delivery.BreakerSettings{
		ConsecutiveFailures: 3,
		OpenTimeout:         time.Hour,
		OnStateChange:       func(string, string, string) { transitions.Add(1) },
	})

	for i := 0; i < 3; i++ {
		if _, err := b.Send(context.Background(), testEntry("x")); err == nil {
			t.Fatal("expected failure")
		}
	}
	if b.State() != "open" {
		t.Fatalf("state: want open, got %s", b.State())
	}

	_, err := b.Send(context.Background(), testEntry("x"))
	if delivery.Classify(err) != delivery.KindTransient {
		t.Errorf("open circuit must fail transient, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("open circuit must not call the adapter: %d calls", calls.Load())
	}
	if transitions.Load() != 1 {
		t.Errorf("want 1 state change, got %d", transitions.Load())
	}
}

func TestBreaker_PermanentDoesNotTrip(t *testing.T) {
	rejecting := delivery.AdapterFunc(func(ctx context.Context, e *types.Entry) (string, error) {
		return "", delivery.Permanent(errors.New("400 bad payload"))
	})
	b := delivery.WithBreaker(rejecting, delivery.BreakerSettings{ConsecutiveFailures: 2})

	for i := 0; i < 5; i++ {
		_, err := b.Send(context.Background(), testEntry("x"))
		if delivery.Classify(err) != delivery.KindPermanent {
			t.Fatalf("attempt %d: want permanent, got %v", i, err)
		}
	}
	if b.State() != "closed" {
		t.Errorf("permanent rejections tripped the breaker: %s", b.State())
	}
}

func TestBreaker_PassesSuccessThrough(t *testing.T) {
	ok := delivery.AdapterFunc(func(ctx context.Context, e *types.Entry) (string, error) {
		return "r-" + e.LocalID, nil
	})
	rid, err := delivery.WithBreaker(ok, delivery.BreakerSettings{}).Send(context.Background(), testEntry("a"))
	if err != nil || rid != "r-a" {
		t.Errorf("got %q, %v", rid, err)
	}
}

// ─── Redis ───────────────────────────────────────────────────────────────────

type fakeRedisReply string

func (e fakeRedisReply) Error() string { return string(e) }
func (fakeRedisReply) RedisError()     {}

func TestClassifyRedis(t *testing.T) {
	cases := []struct {
		err  error
		want delivery.Kind
	}{
		{fakeRedisReply("LOADING Redis is loading the dataset in memory"), delivery.KindTransient},
		{fakeRedisReply("READONLY You can't write against a read only replica."), delivery.KindTransient},
		{fakeRedisReply("CLUSTERDOWN The cluster is down"), delivery.KindTransient},
		{fakeRedisReply("NOAUTH Authentication required."), delivery.KindPermanent},
		{fakeRedisReply("WRONGTYPE Operation against a key holding the wrong kind of value"), delivery.KindPermanent},
		{fakeRedisReply("ERR unknown command"), delivery.KindUnknown},
		{fmt.Errorf("dial: %w", &net.OpError{Op: "dial", Err: errors.New("refused")}), delivery.KindTransient},
		{errors.New("redis: connection pool timeout"), delivery.KindTransient},
	}
	for _, tc := range cases {
		if got := delivery.Classify(delivery.ClassifyRedis(tc.err)); got != tc.want {
			t.Errorf("%v: want %s, got %s", tc.err, tc.want, got)
		}
	}
}

func TestRedisAdapter_Idempotent(t *testing.T) {
	addr := os.Getenv("OUTBOX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OUTBOX_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	prefix := "outboxtest-" + device.MustNewID()
	a := delivery.NewRedis(client, delivery.RedisConfig{KeyPrefix: prefix, IdempotencyTTL: time.Minute})
	ctx := context.Background()

	e1 := testEntry(device.MustNewID())
	e2 := testEntry(device.MustNewID())
	rid1, err := a.Send(ctx, e1)
	if err != nil {
		t.Fatalf("Send e1: %v", err)
	}
	again, err := a.Send(ctx, e1)
	if err != nil {
		t.Fatalf("resend e1: %v", err)
	}
	if again != rid1 {
		t.Errorf("resend must return the original remote id: %s != %s", again, rid1)
	}
	rid2, err := a.Send(ctx, e2)
	if err != nil {
		t.Fatalf("Send e2: %v", err)
	}

	idem, seq, messages, timeline := a.Keys(e1.ConversationID, e1.LocalID)
	t.Cleanup(func() {
		idem2, _, _, _ := a.Keys(e2.ConversationID, e2.LocalID)
		client.Del(context.Background(), idem, idem2, seq, messages, timeline)
	})

	ids, err := client.LRange(ctx, timeline, 0, -1).Result()
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	if len(ids) != 2 || ids[0] != rid1 || ids[1] != rid2 {
		t.Errorf("timeline: want [%s %s], got %v", rid1, rid2, ids)
	}
}
