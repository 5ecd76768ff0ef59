package rename

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/minio/highwayhash"

	"hoho/internal/backends/lsp"
	hohoerrors "hoho/internal/errors"
	"hoho/internal/locate"
	"hoho/internal/slogutil"
)

var fingerprintKey = []byte("hoho-document-fingerprint-key-01")

func fingerprint(content []byte) uint64 {
	return highwayhash.Sum64(content, fingerprintKey)
}

// Orchestrator turns symbol → name intentions into applied, scope-correct edits.
type Orchestrator struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
	locks   *fileLocks
	include []glob.Glob
	exclude []glob.Glob

	mu          sync.Mutex
	root        string
	initialized bool
	synced      map[string]docState
}

// docState is what the backend was last sent for a document.
type docState struct {
	hash  uint64
	stale bool
}

// New builds an orchestrator over backend. Invalid glob patterns are errors.
func New(backend Backend, opts Options) (*Orchestrator, error) {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	o := &Orchestrator{
		backend: backend,
		opts:    opts,
		logger:  slogutil.OrDiscard(opts.Logger).With("component", "rename"),
		locks:   newFileLocks(),
		synced:  make(map[string]docState),
	}
	var err error
	if opts.Root != "" {
		if o.root, err = filepath.Abs(opts.Root); err != nil {
			return nil, fmt.Errorf("resolve workspace root: %w", err)
		}
	}
	if o.include, err = compileGlobs(opts.Include); err != nil {
		return nil, err
	}
	if o.exclude, err = compileGlobs(opts.Exclude); err != nil {
		return nil, err
	}
	return o, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Root returns the workspace root set by Initialize.
func (o *Orchestrator) Root() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.root
}

// Initialize opens the backend session for root. It may be retried after a
// failure and is a no-op once the backend is up for the same root.
func (o *Orchestrator) Initialize(ctx context.Context, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}

	start := time.Now()
	if err := o.backend.Initialize(ctx, abs); err != nil {
		o.logger.Warn("backend initialize failed", "root", abs, "error", err)
		return err
	}
	if caps, ok := o.backend.(capabilityReporter); ok && !caps.HasCapability("renameProvider") {
		_ = o.backend.Close(ctx)
		return hohoerrors.New(hohoerrors.BackendUnavailable, "backend does not support rename", nil)
	}

	o.mu.Lock()
	if o.root != abs {
		o.synced = make(map[string]docState)
	}
	o.root = abs
	o.initialized = true
	o.mu.Unlock()

	o.logger.Debug("backend initialized", "root", abs, "duration", time.Since(start))
	return nil
}

func (o *Orchestrator) requireInitialized() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.initialized {
		return hohoerrors.New(hohoerrors.BackendUnavailable, "rename orchestrator is not initialized", nil)
	}
	return nil
}

// resolve makes path absolute against the workspace root.
func (o *Orchestrator) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(o.Root(), path)
}

// OpenFile makes the current contents of path available to the backend.
func (o *Orchestrator) OpenFile(ctx context.Context, path string) error {
	if err := o.requireInitialized(); err != nil {
		return err
	}
	path = o.resolve(path)

	unlock := o.locks.lock(path)
	content, err := os.ReadFile(path)
	unlock()
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	return o.syncDocument(ctx, path, content)
}

// syncDocument sends content to the backend unless it is what the backend
// already has.
func (o *Orchestrator) syncDocument(ctx context.Context, path string, content []byte) error {
	fp := fingerprint(content)

	o.mu.Lock()
	prev, open := o.synced[path]
	o.mu.Unlock()
	if open && !prev.stale && prev.hash == fp {
		return nil
	}

	cctx, cancel := o.callContext(ctx)
	defer cancel()

	var err error
	if open {
		err = o.backend.DidChange(cctx, path, string(content))
	} else {
		err = o.backend.DidOpen(cctx, path, string(content))
	}
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.synced[path] = docState{hash: fp}
	o.mu.Unlock()
	return nil
}

// Invalidate forgets what the backend was sent for path, so the next use
// re-reads and re-sends it. Used when a file changes outside the orchestrator.
func (o *Orchestrator) Invalidate(path string) {
	path = o.resolve(path)
	o.mu.Lock()
	st, ok := o.synced[path]
	if ok {
		st.stale = true
		o.synced[path] = st
	}
	o.mu.Unlock()
	if ok {
		o.logger.Debug("document invalidated", "path", path)
	}
}

// OpenDocuments returns the number of documents synced to the backend.
func (o *Orchestrator) OpenDocuments() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.synced)
}

// FindReferences returns the definition and every use of the symbol at the
// zero-based line and UTF-16 column.
func (o *Orchestrator) FindReferences(ctx context.Context, path string, line, column int) ([]lsp.Location, error) {
	if err := o.OpenFile(ctx, path); err != nil {
		return nil, err
	}
	cctx, cancel := o.callContext(ctx)
	defer cancel()
	return o.backend.References(cctx, o.resolve(path), lsp.Position{Line: line, Character: column}, true)
}

// RenameSymbol asks the backend for the edit set renaming the symbol at the
// position. Nothing is written; see ApplyEdit.
func (o *Orchestrator) RenameSymbol(ctx context.Context, path string, line, column int, newName string) (*lsp.WorkspaceEdit, error) {
	if !locate.IsIdentifier(newName) {
		return nil, hohoerrors.New(hohoerrors.InvalidRequest, fmt.Sprintf("%q is not a valid identifier", newName), nil)
	}
	if err := o.OpenFile(ctx, path); err != nil {
		return nil, err
	}
	cctx, cancel := o.callContext(ctx)
	defer cancel()
	abs := o.resolve(path)
	pos := lsp.Position{Line: line, Character: column}
	if o.canPrepare() {
		r, err := o.backend.(renamePreparer).PrepareRename(cctx, abs, pos)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, hohoerrors.New(hohoerrors.SymbolNotFound,
				fmt.Sprintf("no renameable symbol at %s:%d:%d", path, line+1, column+1), nil)
		}
	}
	return o.backend.Rename(cctx, abs, pos, newName)
}

// canPrepare reports whether the backend can validate a position before a
// rename.
func (o *Orchestrator) canPrepare() bool {
	if _, ok := o.backend.(renamePreparer); !ok {
		return false
	}
	caps, ok := o.backend.(capabilityReporter)
	return ok && caps.HasCapability("renameProvider.prepareProvider")
}

// Dispose closes the backend session. It is safe after a failed or missing
// Initialize and may be called more than once.
func (o *Orchestrator) Dispose(ctx context.Context) error {
	o.mu.Lock()
	o.initialized = false
	o.synced = make(map[string]docState)
	o.mu.Unlock()
	return o.backend.Close(ctx)
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || o.opts.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.opts.RequestTimeout)
}
