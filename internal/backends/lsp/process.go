package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	hohoerrors "hoho/internal/errors"
	"hoho/internal/slogutil"
)

// ProcessState is the lifecycle state of a language server process.
type ProcessState string

const (
	StateStarting     ProcessState = "starting"
	StateInitializing ProcessState = "initializing"
	StateReady        ProcessState = "ready"
	StateDead         ProcessState = "dead"
)

// shutdownGrace bounds how long Shutdown waits for a polite exit before killing.
const shutdownGrace = 2 * time.Second

// Process is one language server speaking JSON-RPC over stdio.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *slog.Logger

	mu    sync.RWMutex
	state ProcessState

	writeMu sync.Mutex

	requestsMu sync.Mutex
	nextID     int
	pending    map[int]chan *Message

	done      chan struct{}
	closeOnce sync.Once
	// exited is closed once the child has been reaped, or the read loop ended
	// for processes without a child.
	exited chan struct{}
}

// StartProcess resolves argv[0] on PATH, spawns it in dir and starts the
// read loops. A missing binary is reported as BACKEND_UNAVAILABLE.
func StartProcess(argv []string, dir string, logger *slog.Logger) (*Process, error) {
	if len(argv) == 0 {
		return nil, hohoerrors.New(hohoerrors.BackendUnavailable, "no language server command configured", nil)
	}
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, hohoerrors.New(hohoerrors.BackendUnavailable,
			fmt.Sprintf("language server %q not found", argv[0]), err)
	}

	cmd := exec.Command(bin, argv[1:]...)
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, hohoerrors.New(hohoerrors.BackendUnavailable,
			fmt.Sprintf("start language server %q", argv[0]), err)
	}

	p := newProcess(stdin, stdout, stderr, logger)
	p.cmd = cmd
	p.logger.Debug("language server started", "command", strings.Join(argv, " "), "pid", cmd.Process.Pid)

	go p.readLoop()
	go p.stderrLoop()
	go func() {
		err := cmd.Wait()
		p.logger.Debug("language server exited", "error", err)
		p.SetState(StateDead)
		p.closeDone()
		close(p.exited)
	}()
	return p, nil
}

// NewStreamProcess wraps an already connected stream pair, for servers
// reached over something other than a child process.
func NewStreamProcess(r io.ReadCloser, w io.WriteCloser, logger *slog.Logger) *Process {
	p := newProcess(w, r, nil, logger)
	go func() {
		p.readLoop()
		close(p.exited)
	}()
	return p
}

func newProcess(stdin io.WriteCloser, stdout, stderr io.ReadCloser, logger *slog.Logger) *Process {
	return &Process{
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		logger:  slogutil.OrDiscard(logger).With("component", "lsp"),
		state:   StateStarting,
		pending: make(map[int]chan *Message),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// State returns the current state.
func (p *Process) State() ProcessState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// SetState sets the current state.
func (p *Process) SetState(s ProcessState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateDead {
		return
	}
	p.state = s
}

// Alive reports whether the process can still serve requests.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return p.State() != StateDead
	}
}

// PID returns the child process id, or 0 for stream processes.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) closeDone() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Call sends a request and decodes the result into result (which may be nil).
// The call ends when ctx is done, reported as TIMEOUT for deadlines.
func (p *Process) Call(ctx context.Context, method string, params, result any) error {
	raw, err := p.call(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (p *Process) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !p.Alive() {
		return nil, hohoerrors.New(hohoerrors.BackendUnavailable, "language server is not running", nil)
	}
	data, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	p.requestsMu.Lock()
	id := p.nextID
	p.nextID++
	respChan := make(chan *Message, 1)
	p.pending[id] = respChan
	p.requestsMu.Unlock()

	forget := func() {
		p.requestsMu.Lock()
		delete(p.pending, id)
		p.requestsMu.Unlock()
	}

	msg := &Message{ID: json.RawMessage(fmt.Sprint(id)), Method: method, Params: data}
	if err := p.write(msg); err != nil {
		forget()
		return nil, hohoerrors.New(hohoerrors.BackendUnavailable, "send "+method, err)
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, hohoerrors.New(hohoerrors.BackendUnavailable, "language server exited during "+method, nil)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		forget()
		_ = p.Notify("$/cancelRequest", map[string]int{"id": id})
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, hohoerrors.New(hohoerrors.Timeout, method+" timed out", ctx.Err())
		}
		return nil, ctx.Err()
	case <-p.done:
		return nil, hohoerrors.New(hohoerrors.BackendUnavailable, "language server shutting down", nil)
	}
}

// Notify sends a notification; no response is expected.
func (p *Process) Notify(method string, params any) error {
	data, err := marshalParams(params)
	if err != nil {
		return err
	}
	return p.write(&Message{Method: method, Params: data})
}

func (p *Process) write(msg *Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.stdin == nil {
		return errors.New("stdin not available")
	}
	return writeMessage(p.stdin, msg)
}

func (p *Process) readLoop() {
	defer func() {
		p.SetState(StateDead)
		p.requestsMu.Lock()
		for id, ch := range p.pending {
			close(ch)
			delete(p.pending, id)
		}
		p.requestsMu.Unlock()
	}()

	reader := bufio.NewReader(p.stdout)
	for {
		msg, err := readMessage(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) || !p.Alive() {
				return
			}
			p.logger.Debug("skipping malformed message", "error", err)
			continue
		}
		p.handleMessage(msg)
	}
}

func (p *Process) handleMessage(msg *Message) {
	if msg.isResponse() {
		id, ok := msg.intID()
		if !ok {
			return
		}
		p.requestsMu.Lock()
		ch, found := p.pending[id]
		if found {
			delete(p.pending, id)
		}
		p.requestsMu.Unlock()
		if found {
			ch <- msg
		}
		return
	}
	if msg.Method != "" {
		p.handleServerMessage(msg)
	}
}

// handleServerMessage answers server-initiated requests with a null result so
// servers waiting on e.g. workspace/configuration do not stall.
func (p *Process) handleServerMessage(msg *Message) {
	switch msg.Method {
	case "window/logMessage", "window/showMessage":
		var params struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		p.logger.Debug("server message", "message", params.Message)
	case "textDocument/publishDiagnostics", "$/progress":
	}

	if len(msg.ID) > 0 {
		_ = p.write(&Message{ID: msg.ID, Result: json.RawMessage("null")})
	}
}

func (p *Process) stderrLoop() {
	if p.stderr == nil {
		return
	}
	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Debug("server stderr", "line", scanner.Text())
	}
}

// Shutdown asks the server to exit and waits for it, killing it after a grace
// period or when ctx ends. It is safe to call more than once.
func (p *Process) Shutdown(ctx context.Context) error {
	if p.Alive() {
		sctx, cancel := context.WithTimeout(ctx, shutdownGrace)
		if err := p.Call(sctx, "shutdown", nil, nil); err != nil {
			p.logger.Debug("shutdown request failed", "error", err)
		}
		cancel()
		_ = p.Notify("exit", nil)
	}
	p.SetState(StateDead)
	p.closeDone()
	if p.stdin != nil {
		_ = p.stdin.Close()
	}

	timer := time.NewTimer(shutdownGrace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		<-p.exited
		return nil
	}
	_ = p.stdout.Close()
	<-p.exited
	return nil
}
