// Package namespace manages on-disk storage namespaces.
//
// A namespace is a directory under <dataDir>/namespaces/ owned by one
// component (the outbox store lives in "outbox"). The registry of known
// namespaces is persisted to <dataDir>/namespaces.json so it survives
// restarts.
//
// Protected namespaces hold data the user has not been able to send yet.
// A cache wipe (Wipe / WipeAll without force) skips them; only an explicit
// forced wipe removes them.
//
// Design rules:
//   - Namespace names must be 1-64 lowercase alphanumeric characters or hyphens.
//   - Once protected, a namespace stays protected; Ensure never downgrades it.
//   - All methods are safe for concurrent use.
package namespace

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

// nameRe validates namespace names: 1–64 chars, lowercase letters/digits/hyphens,
// must start with a letter or digit.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{0,63}$`)

// ErrNotFound is returned when a namespace that doesn't exist is requested.
var ErrNotFound = errors.New("namespace: not found")

// ErrInvalidName is returned when a namespace name fails validation.
var ErrInvalidName = errors.New("namespace: invalid name")

// ErrProtected is returned when a non-forced wipe targets a protected namespace.
var ErrProtected = errors.New("namespace: protected")

// Namespace is the metadata stored for each registered namespace.
type Namespace struct {
	Name      string `json:"name"`
	Protected bool   `json:"protected"`
	CreatedAt int64  `json:"created_at"` // UTC milliseconds
}

// Registry is the in-memory + on-disk record of all namespaces.
type Registry struct {
	mu         sync.RWMutex
	namespaces map[string]*Namespace
	root       string // <dataDir>/namespaces
	filePath   string // <dataDir>/namespaces.json
}

// New creates a Registry rooted at dataDir and loads any previously persisted
// namespaces. If the registry file doesn't exist the registry starts empty.
func New(dataDir string) (*Registry, error) {
	root := filepath.Join(dataDir, "namespaces")
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("namespace: create root: %w", err)
	}

	r := &Registry{
		namespaces: make(map[string]*Namespace),
		root:       root,
		filePath:   filepath.Join(dataDir, "namespaces.json"),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Ensure registers name if needed, creates its directory and returns the
// directory path. protected=true upgrades an existing unprotected namespace.
func (r *Registry) Ensure(name string, protected bool) (string, error) {
	if !nameRe.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dir := filepath.Join(r.root, name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("namespace: create %s: %w", dir, err)
	}

	ns, ok := r.namespaces[name]
	switch {
	case !ok:
		r.namespaces[name] = &Namespace{
			Name:      name,
			Protected: protected,
			CreatedAt: time.Now().UnixMilli(),
		}
	case protected && !ns.Protected:
		ns.Protected = true
	default:
		return dir, nil
	}
	if err := r.save(); err != nil {
		return "", err
	}
	return dir, nil
}

// Dir returns the directory of a registered namespace.
func (r *Registry) Dir(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.namespaces[name]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return filepath.Join(r.root, name), nil
}

// Wipe deletes the namespace directory and its registry record.
// Returns ErrProtected for a protected namespace unless force is set.
func (r *Registry) Wipe(name string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ns, ok := r.namespaces[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if ns.Protected && !force {
		return fmt.Errorf("%w: %s", ErrProtected, name)
	}
	if err := r.wipeLocked(name); err != nil {
		return err
	}
	return r.save()
}

// WipeAll wipes every namespace, skipping protected ones unless force is set.
// It returns the names that were wiped.
func (r *Registry) WipeAll(force bool) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var wiped []string
	for name, ns := range r.namespaces {
		if ns.Protected && !force {
			slog.Info("namespace: keeping protected namespace", "namespace", name)
			continue
		}
		if err := r.wipeLocked(name); err != nil {
			return wiped, err
		}
		wiped = append(wiped, name)
	}
	sort.Strings(wiped)
	if len(wiped) == 0 {
		return nil, nil
	}
	return wiped, r.save()
}

// Exists reports whether the given namespace is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.namespaces[name]
	return ok
}

// Get returns the Namespace record, or ErrNotFound.
func (r *Registry) Get(name string) (*Namespace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.namespaces[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	cp := *ns
	return &cp, nil
}

// List returns all registered namespaces sorted by name.
func (r *Registry) List() []*Namespace {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Namespace, 0, len(r.namespaces))
	for _, ns := range r.namespaces {
		cp := *ns
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateName reports whether name is a valid namespace name.
func ValidateName(name string) bool { return nameRe.MatchString(name) }

// wipeLocked removes the directory and the record. Must be called with mu held.
func (r *Registry) wipeLocked(name string) error {
	dir := filepath.Join(r.root, name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("namespace: remove %s: %w", dir, err)
	}
	delete(r.namespaces, name)
	slog.Info("namespace: wiped", "namespace", name)
	return nil
}

// ─── Persistence ──────────────────────────────────────────────────────────────

type fileModel struct {
	Namespaces []*Namespace `json:"namespaces"`
}

// load reads namespaces.json. A missing file is not an error.
func (r *Registry) load() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("namespace: read %s: %w", r.filePath, err)
	}

	var m fileModel
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("namespace: parse %s: %w", r.filePath, err)
	}
	for _, ns := range m.Namespaces {
		r.namespaces[ns.Name] = ns
	}
	return nil
}

// save writes the registry atomically (temp file + rename). Must be called
// with mu held.
func (r *Registry) save() error {
	nsList := make([]*Namespace, 0, len(r.namespaces))
	for _, ns := range r.namespaces {
		nsList = append(nsList, ns)
	}
	sort.Slice(nsList, func(i, j int) bool { return nsList[i].Name < nsList[j].Name })

	data, err := json.MarshalIndent(fileModel{Namespaces: nsList}, "", "  ")
	if err != nil {
		return fmt.Errorf("namespace: marshal: %w", err)
	}

	tmp := r.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("namespace: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.filePath); err != nil {
		return fmt.Errorf("namespace: rename to %s: %w", r.filePath, err)
	}
	return nil
}
