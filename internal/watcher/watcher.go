// Package watcher reports source files changed outside the daemon so the
// documents synced to the semantic backend can be invalidated.
package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"hoho/internal/slogutil"
)

// EventType represents the type of file system event
type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
	EventRename
)

// Event represents a file system event
type Event struct {
	Type      EventType
	Path      string
	Timestamp time.Time
}

// String returns a string representation of the event type
func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	case EventRename:
		return "rename"
	default:
		return "unknown"
	}
}

// ChangeHandler is called with each debounced batch of changes under root.
type ChangeHandler func(root string, events []Event)

// Config contains watcher configuration
type Config struct {
	Enabled        bool     `json:"enabled"`
	DebounceMs     int      `json:"debounceMs"`
	IgnorePatterns []string `json:"ignorePatterns"`
}

// DefaultConfig returns the default watcher configuration
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		DebounceMs: 200,
		IgnorePatterns: []string{
			"*.log",
			"*.tmp",
			".git/**",
			".hoho/**",
			"node_modules/**",
			"**.backup.*",
			"**.migrated.*",
		},
	}
}

// Stats describes a running watcher.
type Stats struct {
	Enabled        bool   `json:"enabled"`
	Root           string `json:"root,omitempty"`
	WatchedDirs    int    `json:"watchedDirs"`
	DebounceMs     int    `json:"debounceMs"`
	IgnorePatterns int    `json:"ignorePatterns"`
	Batches        uint64 `json:"batches"`
}

// Watcher watches a workspace tree with fsnotify.
type Watcher struct {
	config  Config
	logger  *slog.Logger
	handler ChangeHandler
	ignore  []glob.Glob

	mu      sync.Mutex
	fs      *fsnotify.Watcher
	root    string
	dirs    map[string]bool
	batch   *BatchDebouncer
	batches uint64
	wg      sync.WaitGroup
}

// New creates a watcher. Ignore patterns are globs over slash-separated
// paths relative to the watched root; a pattern without a slash also matches
// the base name.
func New(config Config, logger *slog.Logger, handler ChangeHandler) (*Watcher, error) {
	w := &Watcher{
		config:  config,
		logger:  slogutil.OrDiscard(logger).With("component", "watcher"),
		handler: handler,
		dirs:    make(map[string]bool),
	}
	for _, p := range config.IgnorePatterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
		w.ignore = append(w.ignore, g)
	}
	return w, nil
}

// Start watches root and every directory below it that is not ignored.
func (w *Watcher) Start(root string) error {
	if !w.config.Enabled {
		w.logger.Info("file watcher is disabled")
		return nil
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}

	w.mu.Lock()
	if w.fs != nil {
		w.mu.Unlock()
		_ = fsw.Close()
		return fmt.Errorf("watcher already started for %s", w.root)
	}
	w.fs = fsw
	w.root = abs
	w.batch = NewBatchDebouncer(time.Duration(w.config.DebounceMs)*time.Millisecond, w.emit)
	w.mu.Unlock()

	if err := w.addTree(abs); err != nil {
		_ = w.Stop()
		return err
	}

	w.wg.Add(1)
	go w.run(fsw)

	w.logger.Info("watching workspace", "root", abs, "debounceMs", w.config.DebounceMs)
	return nil
}

// Stop stops watching and drops pending events. It is safe to call when the
// watcher was never started.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	fsw := w.fs
	batch := w.batch
	w.fs = nil
	w.dirs = make(map[string]bool)
	w.mu.Unlock()

	if fsw == nil {
		return nil
	}
	err := fsw.Close()
	w.wg.Wait()
	if batch != nil {
		batch.Cancel()
	}
	w.logger.Info("file watcher stopped")
	return err
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.logger.Debug("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.IsIgnored(path) {
			return filepath.SkipDir
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		if w.fs == nil || w.dirs[path] {
			return nil
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		w.dirs[path] = true
		return nil
	})
}

func (w *Watcher) run(fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if w.IsIgnored(ev.Name) {
		return
	}

	var typ EventType
	switch {
	case ev.Has(fsnotify.Create):
		typ = EventCreate
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
			return
		}
	case ev.Has(fsnotify.Write):
		typ = EventModify
	case ev.Has(fsnotify.Remove):
		typ = EventDelete
	case ev.Has(fsnotify.Rename):
		typ = EventRename
	default:
		return
	}

	w.mu.Lock()
	batch := w.batch
	w.mu.Unlock()
	if batch != nil {
		batch.Add(Event{Type: typ, Path: ev.Name, Timestamp: time.Now()})
	}
}

func (w *Watcher) emit(events []Event) {
	w.mu.Lock()
	w.batches++
	root := w.root
	w.mu.Unlock()

	w.logger.Debug("changes detected", "root", root, "eventCount", len(events))
	if w.handler != nil {
		w.handler(root, events)
	}
}

// IsIgnored checks if a path matches ignore patterns
func (w *Watcher) IsIgnored(path string) bool {
	w.mu.Lock()
	root := w.root
	w.mu.Unlock()

	rel := path
	if root != "" {
		if r, err := filepath.Rel(root, path); err == nil {
			rel = r
		}
	}
	rel = filepath.ToSlash(rel)
	base := filepath.Base(path)

	for i, g := range w.ignore {
		if g.Match(rel) {
			return true
		}
		// "vendor/**" also covers the vendor directory itself
		if g.Match(rel + "/") {
			return true
		}
		if !strings.Contains(w.config.IgnorePatterns[i], "/") && g.Match(base) {
			return true
		}
	}
	return false
}

// Stats returns watcher statistics
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return Stats{
		Enabled:        w.config.Enabled,
		Root:           w.root,
		WatchedDirs:    len(w.dirs),
		DebounceMs:     w.config.DebounceMs,
		IgnorePatterns: len(w.config.IgnorePatterns),
		Batches:        w.batches,
	}
}
