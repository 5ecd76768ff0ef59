package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	hohoerrors "hoho/internal/errors"
)

// probeTimeout bounds IsRunning's dial.
const probeTimeout = 200 * time.Millisecond

// Client talks to a workspace daemon over its unix socket.
type Client struct {
	socketPath string
	http       *http.Client
}

// NewClient returns a client for the daemon listening on socketPath.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, "unix", socketPath)
		},
		MaxIdleConns:    2,
		IdleConnTimeout: 30 * time.Second,
	}
	return &Client{
		socketPath: socketPath,
		// no client-wide timeout: renames are bounded by the caller's context
		http: &http.Client{Transport: transport},
	}
}

// IsRunning reports whether a daemon accepts connections on the socket.
func (c *Client) IsRunning() bool {
	conn, err := net.DialTimeout("unix", c.socketPath, probeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Health fetches /health.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out)
	return out, err
}

// Rename sends a rename request. A response with Success false is returned
// together with an error carrying the daemon's error code.
func (c *Client) Rename(ctx context.Context, req RenameRequest) (RenameResponse, error) {
	var out RenameResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/rename", req, &out)
	if err != nil {
		return out, err
	}
	if !out.Success {
		code := hohoerrors.ErrorCode(out.Code)
		if code == "" {
			code = hohoerrors.InternalError
		}
		return out, hohoerrors.New(code, out.Error, nil)
	}
	return out, nil
}

// Shutdown asks the daemon to stop and waits until its socket stops
// accepting connections or ctx is done.
func (c *Client) Shutdown(ctx context.Context) error {
	var ack ShutdownResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/shutdown", nil, &ack); err != nil {
		return err
	}
	c.http.CloseIdleConnections()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for c.IsRunning() {
		select {
		case <-ctx.Done():
			return hohoerrors.New(hohoerrors.Timeout, "timeout waiting for daemon to stop", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// WaitReady polls /health until the daemon answers or ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		hctx, cancel := context.WithTimeout(ctx, time.Second)
		_, err := c.Health(hctx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return hohoerrors.New(hohoerrors.Timeout, "daemon did not become ready", err)
		case <-ticker.C:
		}
	}
}

// EnsureRunning connects to a running daemon, or calls spawn and waits up
// to startTimeout for the new daemon to answer.
func (c *Client) EnsureRunning(ctx context.Context, startTimeout time.Duration, spawn func() error) error {
	if c.IsRunning() {
		return nil
	}
	if err := spawn(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	return c.WaitReady(wctx)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://hoho"+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return hohoerrors.New(hohoerrors.Timeout, "daemon request timed out", err)
		}
		return hohoerrors.New(hohoerrors.DaemonNotRunning, "cannot reach daemon at "+c.socketPath, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read daemon response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var rr RenameResponse
		if json.Unmarshal(data, &rr) == nil && rr.Error != "" {
			if r, ok := out.(*RenameResponse); ok {
				*r = rr
				return nil
			}
			return hohoerrors.New(hohoerrors.ErrorCode(rr.Code), rr.Error, nil)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode daemon response: %w", err)
	}
	return nil
}
