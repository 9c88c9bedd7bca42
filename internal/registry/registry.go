// Package registry implements the namespace registry: it maps namespace
// name to function catalog to worker handle, owns the tools-directory
// source-file watcher, and is the sole place that decides spawn vs.
// reload vs. drain in response to filesystem change, per spec
// component E.
package registry

import (
	"context"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jx-codes/lootbox/internal/brokerr"
	"github.com/jx-codes/lootbox/internal/obslog"
	"github.com/jx-codes/lootbox/internal/protocol"
)

var validStem = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Spawner is the subset of the supervisor the registry drives. An
// interface here keeps the registry testable without a real subprocess
// supervisor.
type Spawner interface {
	Load(ctx context.Context, namespace, sourcePath string) error
	Reload(ctx context.Context, namespace, sourcePath string) error
	Drain(namespace string)
}

type namespaceEntry struct {
	name       string
	sourcePath string
	hash       [32]byte
	functions  []string
	broken     bool
}

// Registry owns the tools directory scan, the fsnotify watcher with
// debounce, and the published catalog.
type Registry struct {
	toolsDir      string
	brokerVersion string
	spawner       Spawner
	debounce      time.Duration

	mu      sync.RWMutex
	entries map[string]*namespaceEntry // keyed by namespace name

	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	onChanged func()

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func New(toolsDir, brokerVersion string, spawner Spawner, debounce time.Duration) *Registry {
	return &Registry{
		toolsDir:       toolsDir,
		brokerVersion:  brokerVersion,
		spawner:        spawner,
		debounce:       debounce,
		entries:        make(map[string]*namespaceEntry),
		debounceTimers: make(map[string]*time.Timer),
		done:           make(chan struct{}),
	}
}

// OnChanged registers a callback invoked after any successful catalog
// mutation (load, reload, drain, broken). The gateway uses this to fan
// out functions_updated.
func (r *Registry) OnChanged(cb func()) { r.onChanged = cb }

// Catalog returns a snapshot of every (namespace, function) pair
// currently known, across all non-broken namespaces.
func (r *Registry) Catalog() []protocol.FunctionDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []protocol.FunctionDescriptor
	for _, e := range r.entries {
		if e.broken {
			continue
		}
		for _, fn := range e.functions {
			out = append(out, protocol.FunctionDescriptor{Namespace: e.name, Function: fn})
		}
	}
	return out
}

// Has reports whether (namespace, function) is in the current catalog.
func (r *Registry) Has(namespace, function string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[namespace]
	if !ok || e.broken {
		return false
	}
	for _, fn := range e.functions {
		if fn == function {
			return true
		}
	}
	return false
}

// Start scans the tools directory, spawns every valid namespace found,
// then begins watching for filesystem changes. It blocks only for the
// initial scan; the watch loop runs in a background goroutine.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.scanAndLoad(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return brokerr.Wrap(err, "creating filesystem watcher")
	}
	if err := watcher.Add(r.toolsDir); err != nil {
		_ = watcher.Close()
		return brokerr.Wrapf(err, "watching tools directory %q", r.toolsDir)
	}
	r.watcher = watcher

	go r.watchLoop()
	return nil
}

// Stop closes the watcher and stops the watch loop.
func (r *Registry) Stop() {
	if r.watcher != nil {
		_ = r.watcher.Close()
	}
	close(r.done)
}

func (r *Registry) scanAndLoad(ctx context.Context) error {
	files, err := os.ReadDir(r.toolsDir)
	if err != nil {
		return brokerr.Wrapf(err, "reading tools directory %q", r.toolsDir)
	}

	seenStems := make(map[string]string) // stem -> full path, to catch collisions
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		path := filepath.Join(r.toolsDir, f.Name())
		stem := stemOf(f.Name())
		if !validStem.MatchString(stem) {
			obslog.Warnw("skipping tools-dir entry with non-identifier name", obslog.FieldSourcePath, path)
			continue
		}
		if existing, dup := seenStems[stem]; dup {
			obslog.TagErrorw(obslog.EventNamespaceLoad, "duplicate namespace stem, rejecting second entry",
				obslog.FieldNamespace, stem, obslog.FieldSourcePath, path, "first", existing)
			continue
		}
		seenStems[stem] = path

		if err := r.loadOne(ctx, stem, path); err != nil {
			obslog.TagErrorw(obslog.EventNamespaceLoad, "failed to load namespace at startup",
				obslog.FieldNamespace, stem, "error", err)
		}
	}
	return nil
}

func (r *Registry) loadOne(ctx context.Context, stem, path string) error {
	hash, err := hashFile(path)
	if err != nil {
		return err
	}

	m, err := parseManifest(path)
	if err != nil {
		return err
	}
	name := stem
	if m.name != "" {
		name = m.name
	}
	if err := checkCompatible(m, r.brokerVersion); err != nil {
		return brokerr.Wrapf(err, "namespace %q incompatible", name)
	}

	if err := r.spawner.Load(ctx, name, path); err != nil {
		return err
	}

	r.mu.Lock()
	r.entries[name] = &namespaceEntry{name: name, sourcePath: path, hash: hash, functions: m.functions}
	r.mu.Unlock()

	r.fireChanged()
	return nil
}

func (r *Registry) watchLoop() {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			r.scheduleDebounced(event.Name)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			obslog.Warnw("tools directory watcher error", "error", err)
		}
	}
}

// scheduleDebounced coalesces rapid successive events for the same path
// (editor save storms) into a single evaluation after the debounce
// window, matching the pattern used for config file reload.
func (r *Registry) scheduleDebounced(path string) {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()

	if t, ok := r.debounceTimers[path]; ok {
		t.Stop()
	}
	r.debounceTimers[path] = time.AfterFunc(r.debounce, func() {
		r.handleFSEvent(path)
		r.debounceMu.Lock()
		delete(r.debounceTimers, path)
		r.debounceMu.Unlock()
	})
}

func (r *Registry) handleFSEvent(path string) {
	ctx := context.Background()
	stem := stemOf(filepath.Base(path))

	if _, err := os.Stat(path); err != nil {
		r.handleRemoved(path)
		return
	}

	if !validStem.MatchString(stem) {
		return
	}

	hash, err := hashFile(path)
	if err != nil {
		obslog.Warnw("failed to hash changed namespace file", obslog.FieldSourcePath, path, "error", err)
		return
	}

	m, err := parseManifest(path)
	if err != nil {
		obslog.Warnw("failed to parse namespace manifest", obslog.FieldSourcePath, path, "error", err)
		return
	}
	name := stem
	if m.name != "" {
		name = m.name
	}

	r.mu.RLock()
	existing, known := r.entries[name]
	r.mu.RUnlock()

	if known && existing.hash == hash {
		return // content unchanged, ignore (debounces editor save storms)
	}

	if err := checkCompatible(m, r.brokerVersion); err != nil {
		obslog.TagErrorw(obslog.EventNamespaceLoad, "namespace incompatible with broker version",
			obslog.FieldNamespace, name, "error", err)
		return
	}

	if known {
		if err := r.spawner.Reload(ctx, name, path); err != nil {
			obslog.TagErrorw(obslog.EventNamespaceLoad, "reload failed", obslog.FieldNamespace, name, "error", err)
			return
		}
	} else {
		if err := r.spawner.Load(ctx, name, path); err != nil {
			obslog.TagErrorw(obslog.EventNamespaceLoad, "load failed", obslog.FieldNamespace, name, "error", err)
			return
		}
	}

	r.mu.Lock()
	r.entries[name] = &namespaceEntry{name: name, sourcePath: path, hash: hash, functions: m.functions}
	r.mu.Unlock()

	r.fireChanged()
}

func (r *Registry) handleRemoved(path string) {
	r.mu.Lock()
	var name string
	for n, e := range r.entries {
		if e.sourcePath == path {
			name = n
			break
		}
	}
	if name != "" {
		delete(r.entries, name)
	}
	r.mu.Unlock()

	if name == "" {
		return
	}

	obslog.Tagw(obslog.EventNamespaceDrain, "namespace source removed, draining", obslog.FieldNamespace, name)
	r.spawner.Drain(name)
	r.fireChanged()
}

// MarkBroken removes a namespace from the catalog without touching its
// worker handle — used by the supervisor when restarts exceed the
// failure threshold (spec §4.D.3: "it simply disappears from the
// catalog").
func (r *Registry) MarkBroken(namespace string) {
	r.mu.Lock()
	if e, ok := r.entries[namespace]; ok {
		e.broken = true
	}
	r.mu.Unlock()
	r.fireChanged()
}

func (r *Registry) fireChanged() {
	if r.onChanged != nil {
		r.onChanged()
	}
}

func stemOf(filename string) string {
	ext := filepath.Ext(filename)
	return filename[:len(filename)-len(ext)]
}

func hashFile(path string) ([32]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, brokerr.Wrapf(err, "opening %q to hash", path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return [32]byte{}, brokerr.Wrapf(err, "hashing %q", path)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}
