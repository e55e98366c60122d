// Package device owns client-side identity: the persistent device id sent
// with every delivery, and the ULID generator behind message localIds.
//
// localIds are minted on the device before the message is ever persisted, so
// they must be unique without coordination and sortable by creation time.
// ULIDs from a shared monotonic entropy source satisfy both even when many
// ids are minted within the same millisecond.
package device

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/snehjoshi/outboxq/internal/clock"
)

const idFile = "device_id"

// Device is the persistent identity of this installation.
type Device struct {
	id      string
	dataDir string
}

// Load returns the Device whose id is stored in dataDir/device_id, creating
// the file with a fresh ULID on first start. A non-empty override other than
// "auto" replaces the file-based id and must itself be a ULID.
func Load(dataDir, override string) (*Device, error) {
	if dataDir == "" {
		return nil, errors.New("device: data dir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("device: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if err := Validate(override); err != nil {
			return nil, fmt.Errorf("device: invalid id override %q: %w", override, err)
		}
		return &Device{id: override, dataDir: dataDir}, nil
	}

	path := filepath.Join(dataDir, idFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(data))
		if err := Validate(id); err != nil {
			return nil, fmt.Errorf("device: persisted id %q is invalid: %w", id, err)
		}
		return &Device{id: id, dataDir: dataDir}, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("device: read id file: %w", err)
	}

	id, err := NewID()
	if err != nil {
		return nil, fmt.Errorf("device: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return nil, fmt.Errorf("device: persist id: %w", err)
	}
	return &Device{id: id, dataDir: dataDir}, nil
}

// ID returns the stable device id.
func (d *Device) ID() string { return d.id }

// DataDir returns the root data directory.
func (d *Device) DataDir() string { return d.dataDir }

// ─── ULIDs ───────────────────────────────────────────────────────────────────

var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

func newULID(t time.Time) (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewID returns a fresh ULID stamped with the wall clock.
func NewID() (string, error) { return newULID(time.Now()) }

// MustNewID is like NewID but panics on error. Use only in tests or init code.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("device.MustNewID: %v", err))
	}
	return id
}

// Validate returns an error if s is not a well-formed ULID.
func Validate(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// Generator mints localIds stamped with a Clock, so ids created under a fake
// clock in tests sort the same way their CreatedAt values do.
type Generator struct {
	clk clock.Clock
}

// NewGenerator returns a Generator reading time from clk (nil for real time).
func NewGenerator(clk clock.Clock) *Generator {
	return &Generator{clk: clock.Or(clk)}
}

// Next returns a new localId stamped with the generator's clock.
func (g *Generator) Next() (string, error) { return g.NextAt(g.clk.Now()) }

// NextAt returns a new localId stamped with t. Callers that assign their own
// ordering timestamp mint from it so the id and the timestamp agree.
func (g *Generator) NextAt(t time.Time) (string, error) {
	id, err := newULID(t)
	if err != nil {
		return "", fmt.Errorf("device: mint local id: %w", err)
	}
	return id, nil
}
