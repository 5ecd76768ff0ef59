package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hoho/internal/backends/lsp"
	"hoho/internal/config"
	hohoerrors "hoho/internal/errors"
	"hoho/internal/locate"
	"hoho/internal/mapping"
)

// fileBackend renames every plain occurrence of the identifier in the file.
type fileBackend struct {
	mu      sync.Mutex
	docs    map[string]string
	initErr error
	closed  int
}

func newFileBackend() *fileBackend {
	return &fileBackend{docs: make(map[string]string)}
}

func (b *fileBackend) Initialize(context.Context, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initErr
}

func (b *fileBackend) DidOpen(_ context.Context, path, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[path] = text
	return nil
}

func (b *fileBackend) DidChange(ctx context.Context, path, text string) error {
	return b.DidOpen(ctx, path, text)
}

func (b *fileBackend) DidClose(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.docs, path)
	return nil
}

func (b *fileBackend) References(context.Context, string, lsp.Position, bool) ([]lsp.Location, error) {
	return nil, nil
}

func (b *fileBackend) Rename(ctx context.Context, path string, pos lsp.Position, newName string) (*lsp.WorkspaceEdit, error) {
	b.mu.Lock()
	src := []byte(b.docs[path])
	b.mu.Unlock()

	start, err := locate.ByteOffset(src, pos.Line, pos.Character)
	if err != nil {
		return nil, err
	}
	end := start
	for end < len(src) && (src[end] == '_' || src[end] >= 'a' && src[end] <= 'z' || src[end] >= 'A' && src[end] <= 'Z' || src[end] >= '0' && src[end] <= '9') {
		end++
	}
	name := string(src[start:end])
	occ, err := locate.Occurrences(ctx, src, locate.LanguageFromPath(path), name)
	if err != nil {
		return nil, err
	}
	var edits []lsp.TextEdit
	for _, o := range occ {
		if o.Property {
			continue
		}
		edits = append(edits, lsp.TextEdit{
			Range: lsp.Range{
				Start: lsp.Position{Line: o.Line, Character: o.Character},
				End:   lsp.Position{Line: o.Line, Character: o.Character + len(name)},
			},
			NewText: newName,
		})
	}
	if len(edits) == 0 {
		return nil, hohoerrors.New(hohoerrors.SymbolNotFound, "nothing to rename", nil)
	}
	return &lsp.WorkspaceEdit{Changes: map[string][]lsp.TextEdit{lsp.PathToURI(path): edits}}, nil
}

func (b *fileBackend) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

// socketDir returns a short directory; unix socket paths are length-limited.
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "hoho")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Daemon.SocketPath = filepath.Join(socketDir(t), "d.sock")
	cfg.Daemon.Watch.Enabled = false
	cfg.Daemon.ShutdownTimeoutMs = 5000
	return cfg
}

func startDaemon(t *testing.T, root string, cfg *config.Config, opts ...Option) *Daemon {
	t.Helper()
	d, err := New(root, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Stop(context.Background()) })
	return d
}

func TestLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon", "daemon.lock")

	first, err := AcquireLock(path)
	require.NoError(t, err)

	_, err = AcquireLock(path)
	require.Error(t, err)
	assert.Equal(t, hohoerrors.DaemonRunning, hohoerrors.CodeOf(err))

	pid, alive := HolderPID(path)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, alive)

	require.NoError(t, first.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	again, err := AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestLockReclaimsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o600))

	_, alive := HolderPID(path)
	assert.False(t, alive)

	l, err := AcquireLock(path)
	require.NoError(t, err)
	defer l.Release()

	pid, alive := HolderPID(path)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, alive)
}

func TestDaemonRenameEndToEnd(t *testing.T) {
	root := t.TempDir()
	app := filepath.Join(root, "app.js")
	require.NoError(t, os.WriteFile(app, []byte("var a = 1;\nconsole.log(a, a);\n"), 0o644))

	cfg := testConfig(t)
	backend := newFileBackend()
	d := startDaemon(t, root, cfg, WithBackend(backend))

	client := NewClient(d.SocketPath())
	require.True(t, client.IsRunning())
	ctx := context.Background()

	resp, err := client.Rename(ctx, RenameRequest{FilePath: app, Mappings: map[string]string{"a": "count", "zz": "q"}})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.SuccessfulRenames)
	assert.Equal(t, 0, resp.FailedRenames)
	assert.Equal(t, 1, resp.SkippedRenames)
	assert.Equal(t, 3, resp.TotalReferences)
	assert.Equal(t, 1, resp.Learned)
	assert.NotEmpty(t, resp.RequestID)

	data, err := os.ReadFile(app)
	require.NoError(t, err)
	assert.Equal(t, "var count = 1;\nconsole.log(count, count);\n", string(data))

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), status.PID)
	assert.Equal(t, 1, status.Store.Mappings)
	assert.GreaterOrEqual(t, status.Requests, uint64(2))

	// a second daemon for the same workspace is refused
	other, err := New(root, cfg, WithBackend(newFileBackend()))
	require.NoError(t, err)
	err = other.Start()
	assert.Equal(t, hohoerrors.DaemonRunning, hohoerrors.CodeOf(err))
	assert.True(t, client.IsRunning(), "refused daemon must not remove the live socket")

	require.NoError(t, d.Stop(ctx))
	assert.False(t, client.IsRunning())
	assert.Equal(t, 1, backend.closed)

	store, err := mapping.Open(filepath.Join(root, ".hoho", "mappings.bin"))
	require.NoError(t, err)
	m, ok := store.GetMapping("a", "")
	require.True(t, ok)
	assert.Equal(t, "count", m.Mapped)
}

func TestMalformedRequestKeepsServing(t *testing.T) {
	root := t.TempDir()
	app := filepath.Join(root, "app.js")
	require.NoError(t, os.WriteFile(app, []byte("var a;\n"), 0o644))
	d := startDaemon(t, root, testConfig(t), WithBackend(newFileBackend()))
	client := NewClient(d.SocketPath())

	req, err := http.NewRequest(http.MethodPost, "http://hoho/api/v1/rename", strings.NewReader("{not json"))
	require.NoError(t, err)
	res, err := client.http.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	resp, err := client.Rename(context.Background(), RenameRequest{FilePath: app, Mappings: map[string]string{"a": "b"}})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.SuccessfulRenames)
}

func TestRenameValidation(t *testing.T) {
	d, err := New(t.TempDir(), testConfig(t), WithBackend(newFileBackend()))
	require.NoError(t, err)
	h := d.routes()

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"malformed json", http.MethodPost, "{", http.StatusBadRequest},
		{"no mappings", http.MethodPost, `{"filePath":"a.js","mappings":{}}`, http.StatusBadRequest},
		{"no target", http.MethodPost, `{"mappings":{"a":"b"}}`, http.StatusBadRequest},
		{"empty new name", http.MethodPost, `{"filePath":"a.js","mappings":{"a":""}}`, http.StatusBadRequest},
		{"bad request id", http.MethodPost, `{"requestId":"nope","filePath":"a.js","mappings":{"a":"b"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, "/api/v1/rename", strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, rec.Body.String(), string(hohoerrors.InvalidRequest))
		})
	}
}

func TestBackendUnavailable(t *testing.T) {
	root := t.TempDir()
	backend := newFileBackend()
	backend.initErr = hohoerrors.New(hohoerrors.BackendUnavailable, "typescript-language-server not found", nil)
	d := startDaemon(t, root, testConfig(t), WithBackend(backend))

	resp, err := NewClient(d.SocketPath()).Rename(context.Background(), RenameRequest{
		FilePath: filepath.Join(root, "app.js"),
		Mappings: map[string]string{"a": "b"},
	})
	require.Error(t, err)
	assert.True(t, hohoerrors.IsUnavailable(err))
	assert.True(t, resp.BackendUnavailable)
	assert.False(t, resp.Success)
}

func TestShutdownRequest(t *testing.T) {
	d := startDaemon(t, t.TempDir(), testConfig(t), WithBackend(newFileBackend()))
	go func() {
		<-d.Done()
		_ = d.Stop(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := NewClient(d.SocketPath())
	require.NoError(t, client.Shutdown(ctx))
	assert.False(t, client.IsRunning())

	_, err := client.Status(context.Background())
	assert.Equal(t, hohoerrors.DaemonNotRunning, hohoerrors.CodeOf(err))
}

func TestIdleShutdown(t *testing.T) {
	d := startDaemon(t, t.TempDir(), testConfig(t), WithBackend(newFileBackend()), WithIdleTimeout(50*time.Millisecond))
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop when idle")
	}
}

func TestEnsureRunning(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t)
	client := NewClient(cfg.Daemon.SocketPath)
	assert.False(t, client.IsRunning())

	var d *Daemon
	spawn := func() error {
		var err error
		d, err = New(root, cfg, WithBackend(newFileBackend()))
		if err != nil {
			return err
		}
		return d.Start()
	}
	require.NoError(t, client.EnsureRunning(context.Background(), 5*time.Second, spawn))
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	calls := 0
	require.NoError(t, client.EnsureRunning(context.Background(), time.Second, func() error {
		calls++
		return nil
	}))
	assert.Zero(t, calls, "running daemon is reused")
}

func TestEnsureRunningTimeout(t *testing.T) {
	client := NewClient(filepath.Join(socketDir(t), "never.sock"))
	err := client.EnsureRunning(context.Background(), 100*time.Millisecond, func() error { return nil })
	assert.Equal(t, hohoerrors.Timeout, hohoerrors.CodeOf(err))
}

func TestMetricsAndHealth(t *testing.T) {
	d := startDaemon(t, t.TempDir(), testConfig(t), WithBackend(newFileBackend()))
	client := NewClient(d.SocketPath())

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, ProtocolVersion, health.Protocol)

	res, err := client.http.Get("http://hoho/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, float64(1), testutil.ToFloat64(d.metrics.requests.WithLabelValues("health", strconv.Itoa(http.StatusOK))))
}

func TestWatcherInvalidatesChangedFiles(t *testing.T) {
	root := t.TempDir()
	app := filepath.Join(root, "app.js")
	require.NoError(t, os.WriteFile(app, []byte("var a;\n"), 0o644))

	cfg := testConfig(t)
	cfg.Daemon.Watch.Enabled = true
	cfg.Daemon.Watch.DebounceMs = 10
	d := startDaemon(t, root, cfg, WithBackend(newFileBackend()))

	require.NoError(t, os.WriteFile(app, []byte("var b;\n"), 0o644))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(d.metrics.invalidations) > 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5s", formatDuration(5*time.Second))
	assert.Equal(t, "2m3s", formatDuration(2*time.Minute+3*time.Second))
	assert.Equal(t, "1h0m1s", formatDuration(time.Hour+time.Second))
}
