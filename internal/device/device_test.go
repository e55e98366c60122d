package device_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/snehjoshi/outboxq/internal/clock"
	"github.com/snehjoshi/outboxq/internal/device"
)

func TestLoad_GeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	d1, err := device.Load(dir, "auto")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(d1.ID()) != 26 {
		t.Errorf("ULID should be 26 chars, got %q", d1.ID())
	}

	d2, err := device.Load(dir, "")
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if d1.ID() != d2.ID() {
		t.Errorf("device id changed across restarts: %s != %s", d1.ID(), d2.ID())
	}

	data, err := os.ReadFile(filepath.Join(dir, "device_id"))
	if err != nil {
		t.Fatalf("device_id file: %v", err)
	}
	if strings.TrimSpace(string(data)) != d1.ID() {
		t.Errorf("persisted %q != returned %q", data, d1.ID())
	}
}

func TestLoad_Override(t *testing.T) {
	override := device.MustNewID()
	d, err := device.Load(t.TempDir(), override)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.ID() != override {
		t.Errorf("want %s, got %s", override, d.ID())
	}

	if _, err := device.Load(t.TempDir(), "phone-1"); err == nil {
		t.Error("expected error for non-ULID override")
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := device.Load("", "auto"); err == nil {
		t.Error("expected error for empty data dir")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "device_id"), []byte("garbage\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := device.Load(dir, "auto"); err == nil {
		t.Error("expected error for corrupt device_id file")
	}
}

func TestMustNewID_UniqueAndOrdered(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := device.MustNewID()
		if seen[id] {
			t.Fatalf("duplicate ULID: %s", id)
		}
		if id <= prev {
			t.Fatalf("ULIDs not increasing: %s after %s", id, prev)
		}
		seen[id] = true
		prev = id
	}
}

func TestGenerator_UsesClock(t *testing.T) {
	clk := clock.NewFake(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	g := device.NewGenerator(clk)

	a, err := g.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	clk.Advance(time.Hour)
	b, _ := g.Next()
	if a >= b {
		t.Errorf("later clock must mint larger id: %s >= %s", a, b)
	}
	// A 2030 timestamp sorts after anything minted from the real clock today.
	if now := device.MustNewID(); now >= a {
		t.Errorf("generator ignored the clock: %s >= %s", now, a)
	}
	if err := device.Validate(a); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestGenerator_NextAtUsesGivenTime(t *testing.T) {
	clk := clock.NewFake(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	g := device.NewGenerator(clk)

	at := time.UnixMilli(1_600_000_000_000)
	id, err := g.NextAt(at)
	if err != nil {
		t.Fatalf("NextAt: %v", err)
	}
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		t.Fatalf("ParseStrict: %v", err)
	}
	if got := int64(parsed.Time()); got != at.UnixMilli() {
		t.Errorf("id timestamp = %d, want %d", got, at.UnixMilli())
	}
}
