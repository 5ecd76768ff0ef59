package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	hohoerrors "hoho/internal/errors"
	"hoho/internal/version"
)

// maxRequestBytes bounds a rename request body.
const maxRequestBytes = 8 << 20

// routes builds the daemon's HTTP handler
func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handle("health", d.handleHealth))
	mux.HandleFunc("/api/v1/status", d.handle("status", d.handleStatus))
	mux.HandleFunc("/api/v1/rename", d.handle("rename", d.handleRename))
	mux.HandleFunc("/api/v1/shutdown", d.handle("shutdown", d.handleShutdown))
	mux.Handle("/metrics", d.metrics.handler())
	return d.recoverPanics(mux)
}

func (d *Daemon) handle(route string, fn http.HandlerFunc) http.HandlerFunc {
	instrumented := d.metrics.instrument(route, fn)
	return func(w http.ResponseWriter, r *http.Request) {
		d.requests.Add(1)
		d.touch()
		instrumented(w, r)
	}
}

// recoverPanics turns a handler panic into a 500 so the daemon keeps serving.
func (d *Daemon) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("panic recovered",
					"error", fmt.Sprintf("%v", rec),
					"path", r.URL.Path,
					"stack", string(debug.Stack()))
				d.writeJSON(w, http.StatusInternalServerError, ErrorResponse{
					Error: "internal server error",
					Code:  string(hohoerrors.InternalError),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// handleHealth handles GET /health
func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		d.methodNotAllowed(w)
		return
	}
	d.writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "healthy",
		Version:  version.Version,
		Protocol: ProtocolVersion,
		Uptime:   formatDuration(time.Since(d.startedAt)),
	})
}

// handleStatus handles GET /api/v1/status
func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		d.methodNotAllowed(w)
		return
	}
	d.writeJSON(w, http.StatusOK, d.Status())
}

// handleShutdown handles POST /api/v1/shutdown. The reply is sent before the
// daemon stops; in-flight requests are drained by Stop.
func (d *Daemon) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		d.methodNotAllowed(w)
		return
	}
	d.logger.Info("shutdown requested over API")
	d.writeJSON(w, http.StatusOK, ShutdownResponse{Stopping: true})
	d.cancel()
}

// handleRename handles POST /api/v1/rename
func (d *Daemon) handleRename(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		d.methodNotAllowed(w)
		return
	}
	start := time.Now()

	var req RenameRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		d.writeRenameError(w, http.StatusBadRequest, "", hohoerrors.InvalidRequest, "malformed request: "+err.Error())
		return
	}
	if err := d.validate.Struct(req); err != nil {
		d.writeRenameError(w, http.StatusBadRequest, req.RequestID, hohoerrors.InvalidRequest, "invalid request: "+err.Error())
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	logger := d.logger.With("requestId", req.RequestID)

	d.inFlight.Add(1)
	d.metrics.inFlight.Inc()
	defer func() {
		d.inFlight.Add(-1)
		d.metrics.inFlight.Dec()
		d.touch()
	}()

	ctx := r.Context()
	if err := d.orch.Initialize(ctx, d.root); err != nil {
		d.metrics.backendReady.Set(0)
		code := hohoerrors.CodeOf(err)
		if code == "" {
			code = hohoerrors.BackendUnavailable
		}
		logger.Warn("backend unavailable for rename", "error", err)
		resp := RenameResponse{
			RequestID:          req.RequestID,
			BackendUnavailable: true,
			Error:              err.Error(),
			Code:               string(code),
			DurationMs:         time.Since(start).Milliseconds(),
		}
		d.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	d.metrics.backendReady.Set(1)

	targets := req.Files
	if req.FilePath != "" {
		targets = append([]string{req.FilePath}, targets...)
	}
	files, err := d.orch.CollectFiles(targets)
	if err != nil {
		d.writeRenameError(w, http.StatusBadRequest, req.RequestID, hohoerrors.InvalidRequest, err.Error())
		return
	}

	resp := NewRenameResponse(d.orch.RenameFiles(ctx, files, req.Mappings))
	resp.RequestID = req.RequestID
	if resp.Learned > 0 {
		d.dirty.Store(true)
		if err := d.saveStore(ctx); err != nil {
			logger.Warn("could not persist learned mappings", "error", err)
		}
	}
	resp.DurationMs = time.Since(start).Milliseconds()
	d.metrics.observeRename(resp)

	logger.Info("rename request finished",
		"files", len(files),
		"successful", resp.SuccessfulRenames,
		"failed", resp.FailedRenames,
		"skipped", resp.SkippedRenames,
		"references", resp.TotalReferences,
		"durationMs", resp.DurationMs)
	d.writeJSON(w, http.StatusOK, resp)
}

func (d *Daemon) writeRenameError(w http.ResponseWriter, status int, requestID string, code hohoerrors.ErrorCode, msg string) {
	d.writeJSON(w, status, RenameResponse{
		Success:   false,
		RequestID: requestID,
		Error:     msg,
		Code:      string(code),
	})
}

func (d *Daemon) methodNotAllowed(w http.ResponseWriter) {
	d.writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{
		Error: "method not allowed",
		Code:  string(hohoerrors.InvalidRequest),
	})
}

// writeJSON writes a JSON response
func (d *Daemon) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		d.logger.Warn("failed to encode JSON response", "error", err)
	}
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
