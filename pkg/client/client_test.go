package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snehjoshi/outboxq/internal/config"
	"github.com/snehjoshi/outboxq/internal/delivery"
	"github.com/snehjoshi/outboxq/internal/metrics"
	"github.com/snehjoshi/outboxq/internal/namespace"
	"github.com/snehjoshi/outboxq/internal/netmon"
	"github.com/snehjoshi/outboxq/internal/outbox"
	"github.com/snehjoshi/outboxq/internal/scheduler"
	"github.com/snehjoshi/outboxq/internal/storage/local"
	transphttp "github.com/snehjoshi/outboxq/internal/transport/http"
	"github.com/snehjoshi/outboxq/internal/types"
	"github.com/snehjoshi/outboxq/pkg/client"
)

// ─── test server helpers ──────────────────────────────────────────────────────

// testEnv is a real outboxd stack (store + coordinator + HTTP) behind an
// httptest.Server. The device starts offline.
type testEnv struct {
	c      *client.Client
	reject *atomic.Bool
	sent   *atomic.Int64
}

func newTestEnv(t *testing.T, opts ...client.ClientOption) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Device.DataDir = t.TempDir()
	cfg.Server.RatePerSec = 0

	nsReg, err := namespace.New(cfg.Device.DataDir)
	if err != nil {
		t.Fatalf("namespace.New: %v", err)
	}
	dir, err := nsReg.Ensure(cfg.Storage.Namespace, true)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	st, err := local.Open(dir, local.Config{Fsync: local.FsyncNever})
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{reject: &atomic.Bool{}, sent: &atomic.Int64{}}
	adapter := delivery.AdapterFunc(func(ctx context.Context, e *types.Entry) (string, error) {
		if env.reject.Load() {
			return "", delivery.Permanent(errors.New("422 unprocessable"))
		}
		env.sent.Add(1)
		return "srv-" + e.LocalID, nil
	})

	mon := netmon.New(netmon.Options{})
	mon.Report(netmon.Signal{Online: false})
	t.Cleanup(mon.Close)

	ocfg := outbox.DefaultConfig()
	ocfg.Scheduler.Backoff = scheduler.Backoff{Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond}
	ocfg.Scheduler.RatePerSec = 0
	co := outbox.New(st, adapter, mon, ocfg, outbox.Options{})
	if err := co.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(co.Close)

	srv := transphttp.New(co, nsReg, cfg, &metrics.Registry{}, "dev-test")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	env.c = client.New(ts.URL, opts...)
	return env
}

// ctx is a convenience context for tests.
func ctx() context.Context { return context.Background() }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func msg(conv, text string) client.Message {
	return client.Message{ConversationID: conv, SenderID: "u1", Text: text}
}

// ─── Tests ────────────────────────────────────────────────────────────────────

func TestClient_Health(t *testing.T) {
	env := newTestEnv(t)
	h, err := env.c.Health(ctx())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.DeviceID != "dev-test" || h.Online {
		t.Errorf("unexpected health: %+v", h)
	}
}

func TestClient_SendListGet(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.c.Send(ctx(), msg("c1", "hello"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	img, err := env.c.Send(ctx(), client.Message{ConversationID: "c2", SenderID: "u1", ImageRef: "blob://1"})
	if err != nil {
		t.Fatalf("Send image: %v", err)
	}

	all, err := env.c.List(ctx())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].LocalID != id || all[1].LocalID != img {
		t.Fatalf("List order: %+v", all)
	}

	only, err := env.c.List(ctx(), client.WithConversation("c2"), client.WithState("pending"))
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if len(only) != 1 || only[0].Payload.Kind != "image" {
		t.Errorf("filtered list: %+v", only)
	}

	e, err := env.c.Get(ctx(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.State != "pending" || e.Payload.Text != "hello" {
		t.Errorf("Get: %+v", e)
	}
}

func TestClient_SendInvalid(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.c.Send(ctx(), msg("c1", ""))
	var ae *client.APIError
	if !errors.As(err, &ae) || ae.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400 APIError, got %v", err)
	}
}

func TestClient_ReportNetworkDelivers(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.c.Send(ctx(), msg("c1", "offline"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	changed, err := env.c.ReportNetwork(ctx(), true, "full")
	if err != nil {
		t.Fatalf("ReportNetwork: %v", err)
	}
	if !changed {
		t.Error("expected a transition")
	}
	waitFor(t, "delivery", func() bool {
		_, err := env.c.Get(ctx(), id)
		return client.IsNotFound(err)
	})

	n, err := env.c.Network(ctx())
	if err != nil {
		t.Fatalf("Network: %v", err)
	}
	if !n.Online || n.Quality != "full" {
		t.Errorf("network: %+v", n)
	}
	if err := env.c.Flush(ctx()); err != nil {
		t.Errorf("Flush: %v", err)
	}
}

func TestClient_FailedLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.reject.Store(true)

	id, err := env.c.Send(ctx(), msg("c1", "bad"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := env.c.Retry(ctx(), id); !client.IsConflict(err) {
		t.Errorf("Retry pending: want conflict, got %v", err)
	}
	if _, err := env.c.ReportNetwork(ctx(), true, ""); err != nil {
		t.Fatalf("ReportNetwork: %v", err)
	}
	waitFor(t, "failure", func() bool {
		s, err := env.c.Stats(ctx())
		return err == nil && s.FailedCount == 1
	})

	failed, err := env.c.Failed(ctx(), "permanent", 0)
	if err != nil {
		t.Fatalf("Failed: %v", err)
	}
	if len(failed) != 1 || failed[0].Failure != "permanent" || failed[0].LastError == "" {
		t.Fatalf("failed entries: %+v", failed)
	}

	env.reject.Store(false)
	if err := env.c.Retry(ctx(), id); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	waitFor(t, "redelivery", func() bool { return env.sent.Load() == 1 })
}

func TestClient_ReplayAndPurge(t *testing.T) {
	env := newTestEnv(t)
	env.reject.Store(true)
	for _, conv := range []string{"a", "b"} {
		if _, err := env.c.Send(ctx(), msg(conv, "x")); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if _, err := env.c.ReportNetwork(ctx(), true, ""); err != nil {
		t.Fatalf("ReportNetwork: %v", err)
	}
	waitFor(t, "both failed", func() bool {
		s, err := env.c.Stats(ctx())
		return err == nil && s.FailedCount == 2
	})
	if _, err := env.c.ReportNetwork(ctx(), false, ""); err != nil {
		t.Fatalf("ReportNetwork: %v", err)
	}

	n, err := env.c.ReplayFailed(ctx(), "", 1)
	if err != nil || n != 1 {
		t.Fatalf("ReplayFailed: n=%d err=%v", n, err)
	}
	n, err = env.c.PurgeFailed(ctx(), "exhausted", 0)
	if err != nil || n != 0 {
		t.Fatalf("PurgeFailed exhausted: n=%d err=%v", n, err)
	}
	n, err = env.c.PurgeFailed(ctx(), "", 0)
	if err != nil || n != 1 {
		t.Fatalf("PurgeFailed: n=%d err=%v", n, err)
	}
	s, err := env.c.Stats(ctx())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.TotalMessages != 1 || s.Pending != 1 {
		t.Errorf("stats: %+v", s)
	}
}

func TestClient_Namespaces(t *testing.T) {
	env := newTestEnv(t)
	list, err := env.c.ListNamespaces(ctx())
	if err != nil {
		t.Fatalf("ListNamespaces: %v", err)
	}
	if len(list) != 1 || list[0].Name != "outbox" || !list[0].Active || !list[0].Protected {
		t.Fatalf("namespaces: %+v", list)
	}
	if err := env.c.WipeNamespace(ctx(), "outbox", true); !client.IsConflict(err) {
		t.Errorf("wipe active: want conflict, got %v", err)
	}
	if err := env.c.WipeNamespace(ctx(), "ghost", false); !client.IsNotFound(err) {
		t.Errorf("wipe ghost: want not found, got %v", err)
	}
}

func TestClient_Watch(t *testing.T) {
	env := newTestEnv(t)
	wctx, cancel := context.WithCancel(ctx())
	defer cancel()

	frames := make(chan client.Frame, 16)
	done := make(chan error, 1)
	go func() { done <- env.c.Watch(wctx, func(f client.Frame) { frames <- f }) }()

	first := <-frames
	if first.Type != "snapshot" || first.Stats == nil {
		t.Fatalf("first frame: %+v", first)
	}

	id, err := env.c.Send(ctx(), msg("c1", "watched"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case f := <-frames:
		if f.Type != "event" || f.Event.Kind != "enqueued" || f.Event.LocalID != id {
			t.Errorf("event frame: %+v", f)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event frame")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestClient_APIKey(t *testing.T) {
	env := newTestEnv(t, client.WithAPIKey("ignored"))
	// Auth is disabled server-side, so a key is simply ignored.
	if _, err := env.c.Stats(ctx()); err != nil {
		t.Fatalf("Stats: %v", err)
	}
}
