// Package daemon keeps one semantic backend warm per workspace behind a small
// HTTP API served on a unix socket, so short-lived CLI invocations skip the
// backend's startup cost.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"

	"hoho/internal/backends/lsp"
	"hoho/internal/config"
	"hoho/internal/journal"
	"hoho/internal/mapping"
	"hoho/internal/paths"
	"hoho/internal/rename"
	"hoho/internal/slogutil"
	"hoho/internal/version"
	"hoho/internal/watcher"
)

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the daemon's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) { d.baseLogger = l }
}

// WithBackend replaces the language server configured in backend.command.
func WithBackend(b rename.Backend) Option {
	return func(d *Daemon) { d.backend = b }
}

// WithIdleTimeout overrides daemon.idleTimeoutMinutes.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(d *Daemon) { d.idleTimeout = timeout }
}

// Daemon represents the hoho daemon process for one workspace
type Daemon struct {
	root        string
	cfg         *config.Config
	baseLogger  *slog.Logger
	logger      *slog.Logger
	socketPath  string
	lockPath    string
	storePath   string
	idleTimeout time.Duration

	backend  rename.Backend
	store    *mapping.Store
	journal  *journal.Journal
	orch     *rename.Orchestrator
	watcher  *watcher.Watcher
	metrics  *metrics
	validate *validator.Validate

	lock     *Lock
	listener net.Listener
	server   *http.Server

	// Shutdown coordination
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error

	startedAt    time.Time
	requests     atomic.Uint64
	inFlight     atomic.Int64
	lastActivity atomic.Int64
	dirty        atomic.Bool
	saveMu       sync.Mutex
}

// Endpoint returns the socket and lock paths of root's daemon.
func Endpoint(root string, cfg *config.Config) (socket, lock string, err error) {
	socket = cfg.Daemon.SocketPath
	if socket == "" {
		if socket, err = paths.GetDaemonSocketPath(root); err != nil {
			return "", "", err
		}
	}
	lock = cfg.Daemon.LockPath
	if lock == "" {
		if cfg.Daemon.SocketPath != "" {
			lock = socket + ".lock"
		} else if lock, err = paths.GetDaemonLockPath(root); err != nil {
			return "", "", err
		}
	}
	return socket, lock, nil
}

// New creates a daemon for root. Nothing is opened or bound until Start.
func New(root string, cfg *config.Config, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	d := &Daemon{
		root:        abs,
		cfg:         cfg,
		idleTimeout: time.Duration(cfg.Daemon.IdleTimeoutMinutes) * time.Minute,
		metrics:     newMetrics(),
		validate:    newValidator(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.baseLogger = slogutil.OrDiscard(d.baseLogger)
	d.logger = d.baseLogger.With("component", "daemon")

	if d.socketPath, d.lockPath, err = Endpoint(abs, cfg); err != nil {
		return nil, fmt.Errorf("failed to resolve daemon endpoint: %w", err)
	}
	d.storePath = paths.ResolveStorePath(abs, cfg.Store.Path)

	if d.backend == nil {
		argv, err := cfg.Backend.Argv()
		if err != nil {
			return nil, err
		}
		d.backend = lsp.NewClient(lsp.Options{
			Command:        argv,
			LanguageID:     cfg.Backend.LanguageID,
			StartupTimeout: cfg.Backend.StartupTimeout(),
			RequestTimeout: cfg.Backend.RequestTimeout(),
			Logger:         d.baseLogger.With("component", "lsp"),
		})
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// SocketPath returns the unix socket the daemon listens on.
func (d *Daemon) SocketPath() string {
	return d.socketPath
}

// Done is closed when the daemon was asked to stop (shutdown request, idle
// timeout, server failure or Stop).
func (d *Daemon) Done() <-chan struct{} {
	return d.ctx.Done()
}

// Start acquires the workspace lock, opens the store and journal, starts the
// watcher and begins serving. The backend is initialized in the background;
// rename requests retry it.
func (d *Daemon) Start() (err error) {
	d.logger.Info("starting daemon", "root", d.root, "socket", d.socketPath)

	if d.lock, err = AcquireLock(d.lockPath); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = d.cleanup(context.Background())
		}
	}()

	if d.store, err = mapping.Open(d.storePath, mapping.WithLogger(d.baseLogger)); err != nil {
		return fmt.Errorf("failed to open mapping store: %w", err)
	}

	ropts := rename.Options{
		Root:           d.root,
		Store:          d.store,
		Logger:         d.baseLogger,
		Parallelism:    d.cfg.Rename.Parallelism,
		RequestTimeout: d.cfg.Backend.RequestTimeout(),
		Learn:          LearnOptions(d.cfg.Rename),
		Include:        d.cfg.Rename.Include,
		Exclude:        d.cfg.Rename.Exclude,
	}
	if d.cfg.Rename.Journal {
		j, jerr := journal.Open(paths.GetJournalPath(d.root), d.baseLogger)
		if jerr != nil {
			d.logger.Warn("rename journal unavailable", "error", jerr)
		} else {
			d.journal = j
			ropts.Journal = j
		}
	}
	if d.orch, err = rename.New(d.backend, ropts); err != nil {
		return err
	}

	wcfg := watcher.DefaultConfig()
	wcfg.Enabled = d.cfg.Daemon.Watch.Enabled
	if d.cfg.Daemon.Watch.DebounceMs > 0 {
		wcfg.DebounceMs = d.cfg.Daemon.Watch.DebounceMs
	}
	if len(d.cfg.Daemon.Watch.IgnorePatterns) > 0 {
		wcfg.IgnorePatterns = d.cfg.Daemon.Watch.IgnorePatterns
	}
	if d.watcher, err = watcher.New(wcfg, d.baseLogger, d.onWatcherChange); err != nil {
		return err
	}
	if werr := d.watcher.Start(d.root); werr != nil {
		d.logger.Warn("failed to start watcher", "error", werr)
	}

	if err = os.MkdirAll(filepath.Dir(d.socketPath), 0o700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	// the lock is ours, so any socket file left here is stale
	_ = os.Remove(d.socketPath)
	if d.listener, err = net.Listen("unix", d.socketPath); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.socketPath, err)
	}
	if err = os.Chmod(d.socketPath, 0o600); err != nil {
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}

	d.server = &http.Server{
		Handler:           d.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	d.startedAt = time.Now()
	d.touch()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("HTTP server error", "error", err)
			d.cancel()
		}
	}()

	d.wg.Add(1)
	go d.warmUp()

	if d.idleTimeout > 0 {
		d.wg.Add(1)
		go d.idleLoop()
	}

	d.logger.Info("daemon started", "pid", os.Getpid())
	return nil
}

// LearnOptions derives the orchestrator's learning settings from config.
func LearnOptions(rc config.RenameConfig) rename.LearnOptions {
	learn := rename.DefaultLearnOptions()
	if rc.LearnContext != "" {
		learn.Context = rc.LearnContext
	}
	if rc.LearnConfidence > 0 {
		learn.Confidence = rc.LearnConfidence
	}
	return learn
}

func (d *Daemon) warmUp() {
	defer d.wg.Done()
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Backend.StartupTimeout())
	defer cancel()

	start := time.Now()
	if err := d.orch.Initialize(ctx, d.root); err != nil {
		d.logger.Warn("backend warm-up failed; will retry on first request", "error", err)
		return
	}
	d.metrics.backendReady.Set(1)
	d.logger.Info("backend ready", "duration", time.Since(start))
}

func (d *Daemon) idleLoop() {
	defer d.wg.Done()
	interval := d.idleTimeout / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval <= 0 {
		interval = d.idleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, d.lastActivity.Load()))
			if d.inFlight.Load() == 0 && idle >= d.idleTimeout {
				d.logger.Info("idle timeout reached, shutting down", "idle", idle.Round(time.Second))
				d.cancel()
				return
			}
		}
	}
}

func (d *Daemon) touch() {
	d.lastActivity.Store(time.Now().UnixNano())
}

// onWatcherChange forgets backend state for files changed on disk
func (d *Daemon) onWatcherChange(root string, events []watcher.Event) {
	d.logger.Debug("file changes detected", "root", root, "events", len(events))
	for _, e := range events {
		d.orch.Invalidate(e.Path)
		d.metrics.invalidations.Inc()
	}
}

// Stop gracefully stops the daemon: in-flight requests are drained within
// daemon.shutdownTimeoutMs, then the backend is shut down, learned mappings
// are saved and the socket and lock are removed. Safe to call more than once.
func (d *Daemon) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.stopErr = d.stop(ctx)
	})
	return d.stopErr
}

func (d *Daemon) stop(ctx context.Context) error {
	d.logger.Info("stopping daemon")
	d.cancel()

	timeout := time.Duration(d.cfg.Daemon.ShutdownTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	if d.server != nil {
		if err := d.server.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
			_ = d.server.Close()
		}
	}
	d.wg.Wait()

	if err := d.cleanup(sctx); err != nil {
		errs = append(errs, err)
	}
	d.logger.Info("daemon stopped")
	return errors.Join(errs...)
}

// cleanup releases whatever Start managed to acquire.
func (d *Daemon) cleanup(ctx context.Context) error {
	var errs []error
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.orch != nil {
		if err := d.orch.Dispose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("backend shutdown: %w", err))
		}
	} else if d.backend != nil {
		_ = d.backend.Close(ctx)
	}
	d.metrics.backendReady.Set(0)

	if d.store != nil {
		if err := d.saveStore(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.listener != nil {
		_ = os.Remove(d.socketPath)
	}
	if d.lock != nil {
		if err := d.lock.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// saveStore persists learned mappings when there are unsaved ones.
func (d *Daemon) saveStore(ctx context.Context) error {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()
	if !d.dirty.Load() {
		return nil
	}
	if err := d.store.Save(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to save mapping store: %w", err)
	}
	d.dirty.Store(false)
	return nil
}

// Wait blocks until the daemon receives a shutdown signal or is asked to stop.
func (d *Daemon) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info("received signal", "signal", sig.String())
	case <-d.ctx.Done():
		d.logger.Info("shutdown requested")
	}
}

// Status returns the current daemon state
func (d *Daemon) Status() StatusResponse {
	st := StatusResponse{
		PID:       os.Getpid(),
		Version:   version.Version,
		Protocol:  ProtocolVersion,
		Root:      d.root,
		Socket:    d.socketPath,
		StartedAt: d.startedAt,
		Uptime:    formatDuration(time.Since(d.startedAt)),
		Requests:  d.requests.Load(),
		InFlight:  d.inFlight.Load(),
	}
	if c, ok := d.backend.(*lsp.Client); ok {
		bs := c.Status()
		st.Backend = &bs
	}
	if d.orch != nil {
		st.Documents = d.orch.OpenDocuments()
	}
	if d.store != nil {
		st.Store = StoreStatus{Path: d.store.Path(), Mappings: d.store.Len()}
	}
	if d.watcher != nil {
		st.Watcher = d.watcher.Stats()
	}
	return st
}
