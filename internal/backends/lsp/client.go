package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	hohoerrors "hoho/internal/errors"
	"hoho/internal/slogutil"
)

// Restart backoff after the server died.
const (
	BaseBackoff = time.Second
	MaxBackoff  = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	// Command is the server argv, e.g. ["typescript-language-server", "--stdio"].
	Command []string
	// LanguageID is used for documents whose extension is not recognised.
	LanguageID     string
	StartupTimeout time.Duration
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Client owns one language server session for a workspace root.
type Client struct {
	opts   Options
	logger *slog.Logger
	spawn  func(ctx context.Context, root string) (*Process, error)

	// initMu serializes Initialize; mu guards the fields below.
	initMu sync.Mutex

	mu            sync.Mutex
	proc          *Process
	starting      bool
	gen           int
	root          string
	caps          map[string]any
	docs          map[string]int
	restartCount  int
	nextRestartAt time.Time
	lastResponse  time.Time
	failures      int
}

// NewClient returns a client; no process is started until Initialize.
func NewClient(opts Options) *Client {
	c := &Client{
		opts:   opts,
		logger: slogutil.OrDiscard(opts.Logger),
		docs:   make(map[string]int),
	}
	c.spawn = func(_ context.Context, root string) (*Process, error) {
		return StartProcess(c.opts.Command, root, c.logger)
	}
	return c
}

// Status is a snapshot of the session.
type Status struct {
	State               ProcessState `json:"state"`
	PID                 int          `json:"pid,omitempty"`
	Root                string       `json:"root,omitempty"`
	OpenDocuments       int          `json:"openDocuments"`
	RestartCount        int          `json:"restartCount"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastResponse        time.Time    `json:"lastResponse,omitempty"`
}

// Status returns the current session state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:               StateDead,
		Root:                c.root,
		OpenDocuments:       len(c.docs),
		RestartCount:        c.restartCount,
		ConsecutiveFailures: c.failures,
		LastResponse:        c.lastResponse,
	}
	if c.proc != nil {
		st.State = c.proc.State()
		st.PID = c.proc.PID()
	} else if c.starting {
		st.State = StateStarting
	}
	return st
}

// Ready reports whether an initialized server is available.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc != nil && c.proc.Alive() && c.proc.State() == StateReady
}

// Initialize starts the server for root and performs the initialize
// handshake within the startup timeout. Calling it again for the same root
// while the server is alive is a no-op; a dead server is restarted subject to
// exponential backoff.
func (c *Client) Initialize(ctx context.Context, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}

	c.initMu.Lock()
	defer c.initMu.Unlock()

	// c.mu is held only around state changes so Status stays responsive
	// while the server warms up.
	c.mu.Lock()
	if c.proc != nil && c.proc.Alive() && c.proc.State() == StateReady && c.root == abs {
		c.mu.Unlock()
		return nil
	}
	old := c.proc
	if old != nil && old.Alive() && old.State() == StateReady {
		c.logger.Info("workspace root changed, restarting language server", "old", c.root, "new", abs)
	} else if old != nil {
		if now := time.Now(); now.Before(c.nextRestartAt) {
			c.mu.Unlock()
			return hohoerrors.New(hohoerrors.BackendUnavailable,
				fmt.Sprintf("language server in backoff, retry in %v", c.nextRestartAt.Sub(now).Round(time.Millisecond)), nil)
		}
		c.restartCount++
		backoff := computeBackoff(c.restartCount)
		c.nextRestartAt = time.Now().Add(backoff)
		c.logger.Warn("restarting language server", "restartCount", c.restartCount, "backoff", backoff.String())
	}
	c.proc = nil
	c.docs = make(map[string]int)
	c.starting = true
	gen := c.gen
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	if old != nil {
		_ = old.Shutdown(ctx)
	}

	ictx, cancel := withTimeout(ctx, c.opts.StartupTimeout)
	defer cancel()

	proc, err := c.spawn(ictx, abs)
	if err != nil {
		return err
	}
	proc.SetState(StateInitializing)

	params := InitializeParams{
		ProcessID:        os.Getpid(),
		RootURI:          PathToURI(abs),
		Capabilities:     clientCapabilities(),
		WorkspaceFolders: []WorkspaceFolder{{URI: PathToURI(abs), Name: filepath.Base(abs)}},
	}
	var result InitializeResult
	if err := proc.Call(ictx, "initialize", params, &result); err != nil {
		_ = proc.Shutdown(context.Background())
		return fmt.Errorf("initialize language server: %w", err)
	}
	if err := proc.Notify("initialized", struct{}{}); err != nil {
		_ = proc.Shutdown(context.Background())
		return hohoerrors.New(hohoerrors.BackendUnavailable, "send initialized notification", err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = proc.Shutdown(context.Background())
		return hohoerrors.New(hohoerrors.BackendUnavailable, "client closed during initialize", nil)
	}
	proc.SetState(StateReady)
	c.proc = proc
	c.root = abs
	c.caps = result.Capabilities
	c.failures = 0
	c.lastResponse = time.Now()
	c.mu.Unlock()

	name := ""
	if result.ServerInfo != nil {
		name = result.ServerInfo.Name
	}
	c.logger.Info("language server ready", "root", abs, "server", name, "pid", proc.PID())
	return nil
}

// HasCapability reports whether the server advertised a capability. Nested
// options are addressed with dots, as in "renameProvider.prepareProvider".
func (c *Client) HasCapability(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var v any = c.caps
	for _, key := range strings.Split(name, ".") {
		m, isMap := v.(map[string]any)
		if !isMap {
			return false
		}
		if v = m[key]; v == nil {
			return false
		}
	}
	if b, isBool := v.(bool); isBool {
		return b
	}
	return true
}

func (c *Client) ready() (*Process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil || !c.proc.Alive() || c.proc.State() != StateReady {
		return nil, hohoerrors.New(hohoerrors.BackendUnavailable, "language server not initialized", nil)
	}
	return c.proc, nil
}

func (c *Client) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failures++
		return
	}
	c.failures = 0
	c.lastResponse = time.Now()
}

func (c *Client) request(ctx context.Context, method string, params, result any) error {
	proc, err := c.ready()
	if err != nil {
		return err
	}
	rctx, cancel := withTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	start := time.Now()
	err = proc.Call(rctx, method, params, result)
	c.record(err)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "error", err)
		return err
	}
	c.logger.Debug("request done", "method", method, "duration", time.Since(start))
	return nil
}

// DidOpen sends textDocument/didOpen, or a full didChange when the document is
// already open.
func (c *Client) DidOpen(ctx context.Context, path, text string) error {
	return c.sync(ctx, path, text)
}

// DidChange sends the full new text of an open document, opening it first if needed.
func (c *Client) DidChange(ctx context.Context, path, text string) error {
	return c.sync(ctx, path, text)
}

func (c *Client) sync(ctx context.Context, path, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	proc, err := c.ready()
	if err != nil {
		return err
	}
	uri := PathToURI(path)

	c.mu.Lock()
	version, open := c.docs[uri]
	version++
	c.docs[uri] = version
	c.mu.Unlock()

	if !open {
		return proc.Notify("textDocument/didOpen", DidOpenTextDocumentParams{
			TextDocument: TextDocumentItem{
				URI:        uri,
				LanguageID: c.languageID(path),
				Version:    version,
				Text:       text,
			},
		})
	}
	return proc.Notify("textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument:   VersionedTextDocumentIdentifier{URI: uri, Version: &version},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: text}},
	})
}

// DidClose closes a document; closing an unknown document is a no-op.
func (c *Client) DidClose(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	uri := PathToURI(path)

	c.mu.Lock()
	_, open := c.docs[uri]
	delete(c.docs, uri)
	proc := c.proc
	c.mu.Unlock()

	if !open || proc == nil || !proc.Alive() {
		return nil
	}
	return proc.Notify("textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}

// References returns every location of the symbol at pos.
func (c *Client) References(ctx context.Context, path string, pos Position, includeDeclaration bool) ([]Location, error) {
	params := ReferenceParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: PathToURI(path)},
			Position:     pos,
		},
		Context: ReferenceContext{IncludeDeclaration: includeDeclaration},
	}
	var raw json.RawMessage
	if err := c.request(ctx, "textDocument/references", params, &raw); err != nil {
		return nil, err
	}
	return ParseLocations(raw)
}

// Rename asks the server for the edit set that renames the symbol at pos.
// A null result is reported as SYMBOL_NOT_FOUND.
func (c *Client) Rename(ctx context.Context, path string, pos Position, newName string) (*WorkspaceEdit, error) {
	params := RenameParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: PathToURI(path)},
			Position:     pos,
		},
		NewName: newName,
	}
	var edit *WorkspaceEdit
	if err := c.request(ctx, "textDocument/rename", params, &edit); err != nil {
		return nil, err
	}
	if edit == nil {
		return nil, hohoerrors.New(hohoerrors.SymbolNotFound,
			fmt.Sprintf("no renameable symbol at %s:%d:%d", path, pos.Line+1, pos.Character+1), nil)
	}
	return edit, nil
}

// PrepareRename returns the range of the renameable symbol at pos, or nil
// when the server says the position cannot be renamed.
func (c *Client) PrepareRename(ctx context.Context, path string, pos Position) (*Range, error) {
	params := TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: PathToURI(path)},
		Position:     pos,
	}
	var res *prepareRenameResult
	if err := c.request(ctx, "textDocument/prepareRename", params, &res); err != nil {
		return nil, err
	}
	switch {
	case res == nil:
		return nil, nil
	case res.Range != nil:
		return res.Range, nil
	case res.Start != nil && res.End != nil:
		return &Range{Start: *res.Start, End: *res.End}, nil
	}
	return nil, nil
}

// Close shuts the server down. It is safe on a client that never initialized.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	proc := c.proc
	c.proc = nil
	c.docs = make(map[string]int)
	c.gen++
	c.mu.Unlock()

	if proc == nil {
		return nil
	}
	c.logger.Debug("shutting down language server", "pid", proc.PID())
	return proc.Shutdown(ctx)
}

func (c *Client) languageID(path string) string {
	if id := LanguageIDForPath(path); id != "" {
		return id
	}
	if c.opts.LanguageID != "" {
		return c.opts.LanguageID
	}
	return "plaintext"
}

// LanguageIDForPath maps a file extension to an LSP language identifier.
func LanguageIDForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".jsx":
		return "javascriptreact"
	case ".ts", ".mts", ".cts":
		return "typescript"
	case ".tsx":
		return "typescriptreact"
	}
	return ""
}

func clientCapabilities() map[string]any {
	return map[string]any{
		"textDocument": map[string]any{
			"synchronization": map[string]any{"didSave": false},
			"references":      map[string]any{},
			"definition":      map[string]any{"linkSupport": true},
			"rename":          map[string]any{"prepareSupport": true},
		},
		"workspace": map[string]any{
			"workspaceEdit":    map[string]any{"documentChanges": true},
			"workspaceFolders": true,
		},
	}
}

// withTimeout applies d unless ctx already carries a deadline.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// computeBackoff doubles BaseBackoff per restart, capped at MaxBackoff.
func computeBackoff(restartCount int) time.Duration {
	backoff := BaseBackoff
	for i := 1; i < restartCount && backoff < MaxBackoff; i++ {
		backoff *= 2
	}
	if backoff > MaxBackoff {
		backoff = MaxBackoff
	}
	return backoff
}
