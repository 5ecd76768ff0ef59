package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestEventTypeString(t *testing.T) {
	tests := []struct {
		eventType EventType
		want      string
	}{
		{EventCreate, "create"},
		{EventModify, "modify"},
		{EventDelete, "delete"},
		{EventRename, "rename"},
		{EventType(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.eventType.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRejectsBadPattern(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IgnorePatterns = []string{"[oops"}
	if _, err := New(cfg, nil, nil); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestIsIgnored(t *testing.T) {
	w, err := New(DefaultConfig(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	w.root = root

	tests := []struct {
		path string
		want bool
	}{
		{filepath.Join(root, "app.js"), false},
		{filepath.Join(root, "src", "lib.ts"), false},
		{filepath.Join(root, "debug.log"), true},
		{filepath.Join(root, "src", "deep", "x.tmp"), true},
		{filepath.Join(root, "node_modules"), true},
		{filepath.Join(root, "node_modules", "pkg", "index.js"), true},
		{filepath.Join(root, ".hoho", "journal.db"), true},
		{filepath.Join(root, "mappings.bin.backup.20240101T000000.000000000"), true},
		{filepath.Join(root, "src", "node_modules_shim.js"), false},
	}
	for _, tt := range tests {
		if got := w.IsIgnored(tt.path); got != tt.want {
			t.Errorf("IsIgnored(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestStartDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	w, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(t.TempDir()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s := w.Stats(); s.WatchedDirs != 0 || s.Enabled {
		t.Errorf("Stats() = %+v, want nothing watched", s)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	w, err := New(DefaultConfig(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestWatcherReportsChanges(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "node_modules", "dep"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	seen := make(map[string]EventType)
	cfg := DefaultConfig()
	cfg.DebounceMs = 20
	w, err := New(cfg, nil, func(_ string, events []Event) {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			seen[e.Path] = e.Type
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(root); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if got := w.Stats().WatchedDirs; got != 2 {
		t.Errorf("WatchedDirs = %d, want 2 (root and src)", got)
	}

	target := filepath.Join(root, "src", "app.js")
	if err := os.WriteFile(target, []byte("var a;\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "node_modules", "dep", "x.js"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		_, ok := seen[target]
		mu.Unlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no event for %s", target)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for p := range seen {
		if w.IsIgnored(p) {
			t.Errorf("ignored path %s was reported", p)
		}
	}
	if w.Stats().Batches == 0 {
		t.Error("expected at least one batch")
	}
}

func TestBatchDebouncerCoalesces(t *testing.T) {
	var mu sync.Mutex
	var batches [][]Event
	b := NewBatchDebouncer(time.Hour, func(events []Event) {
		mu.Lock()
		batches = append(batches, events)
		mu.Unlock()
	})

	b.Add(Event{Type: EventCreate, Path: "a"})
	b.Add(Event{Type: EventModify, Path: "b"})
	b.Add(Event{Type: EventModify, Path: "a"})
	if got := b.EventCount(); got != 2 {
		t.Fatalf("EventCount() = %d, want 2", got)
	}

	b.Flush()
	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	got := batches[0]
	if len(got) != 2 || got[0].Path != "a" || got[0].Type != EventModify || got[1].Path != "b" {
		t.Errorf("batch = %+v, want [a(modify) b]", got)
	}
}

func TestBatchDebouncerTimer(t *testing.T) {
	done := make(chan []Event, 1)
	b := NewBatchDebouncer(10*time.Millisecond, func(events []Event) { done <- events })
	b.Add(Event{Path: "x"})

	select {
	case events := <-done:
		if len(events) != 1 {
			t.Errorf("got %d events, want 1", len(events))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("debouncer never fired")
	}
}

func TestBatchDebouncerCancel(t *testing.T) {
	fired := false
	b := NewBatchDebouncer(time.Hour, func([]Event) { fired = true })
	b.Add(Event{Path: "x"})
	b.Cancel()
	b.Flush()
	if fired {
		t.Error("cancelled events were emitted")
	}
	if b.EventCount() != 0 {
		t.Error("EventCount() should be 0 after Cancel")
	}
}
