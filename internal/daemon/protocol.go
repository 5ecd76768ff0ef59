package daemon

import (
	"time"

	"github.com/go-playground/validator/v10"

	"hoho/internal/backends/lsp"
	"hoho/internal/rename"
	"hoho/internal/watcher"
)

// ProtocolVersion is bumped on incompatible wire changes.
const ProtocolVersion = 1

// RenameRequest asks the daemon to rename symbols in one or more files.
// FilePath is the single-file form; Files may also name directories, which
// are expanded with the workspace include/exclude globs.
type RenameRequest struct {
	RequestID string            `json:"requestId,omitempty" validate:"omitempty,uuid"`
	FilePath  string            `json:"filePath,omitempty" validate:"required_without=Files"`
	Files     []string          `json:"files,omitempty" validate:"omitempty,dive,required"`
	Mappings  map[string]string `json:"mappings" validate:"required,min=1,dive,keys,required,endkeys,required"`
}

// RenameResponse carries the batch report. Success is false only for
// request-level failures; per-symbol failures are counted in FailedRenames.
type RenameResponse struct {
	Success            bool              `json:"success"`
	RequestID          string            `json:"requestId,omitempty"`
	SuccessfulRenames  int               `json:"successfulRenames"`
	FailedRenames      int               `json:"failedRenames"`
	SkippedRenames     int               `json:"skippedRenames"`
	TotalReferences    int               `json:"totalReferences"`
	Learned            int               `json:"learned"`
	BackendUnavailable bool              `json:"backendUnavailable,omitempty"`
	Errors             map[string]string `json:"errors,omitempty"`
	Files              []FileResult      `json:"files,omitempty"`
	Error              string            `json:"error,omitempty"`
	Code               string            `json:"code,omitempty"`
	DurationMs         int64             `json:"durationMs"`
}

// FileResult is the per-file line of a multi-file RenameResponse.
type FileResult struct {
	Path            string `json:"path"`
	Successful      int    `json:"successful"`
	Failed          int    `json:"failed"`
	Skipped         int    `json:"skipped"`
	TotalReferences int    `json:"totalReferences"`
	Error           string `json:"error,omitempty"`
}

// NewRenameResponse sums per-file reports into a successful response.
func NewRenameResponse(files []rename.FileReport) RenameResponse {
	total := rename.Merge(files)
	resp := RenameResponse{
		Success:            true,
		SuccessfulRenames:  total.Successful,
		FailedRenames:      total.Failed,
		SkippedRenames:     total.Skipped,
		TotalReferences:    total.TotalReferences,
		Learned:            total.Learned,
		BackendUnavailable: total.Unavailable,
		Errors:             total.Errors,
	}
	for _, f := range files {
		resp.Files = append(resp.Files, FileResult{
			Path:            f.Path,
			Successful:      f.Report.Successful,
			Failed:          f.Report.Failed,
			Skipped:         f.Report.Skipped,
			TotalReferences: f.Report.TotalReferences,
			Error:           f.Error,
		})
		if f.Error != "" {
			if resp.Errors == nil {
				resp.Errors = make(map[string]string)
			}
			resp.Errors[f.Path] = f.Error
		}
	}
	return resp
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Protocol int    `json:"protocol"`
	Uptime   string `json:"uptime"`
}

// StatusResponse describes a running daemon.
type StatusResponse struct {
	PID       int           `json:"pid"`
	Version   string        `json:"version"`
	Protocol  int           `json:"protocol"`
	Root      string        `json:"root"`
	Socket    string        `json:"socket"`
	StartedAt time.Time     `json:"startedAt"`
	Uptime    string        `json:"uptime"`
	Requests  uint64        `json:"requests"`
	InFlight  int64         `json:"inFlight"`
	Backend   *lsp.Status   `json:"backend,omitempty"`
	Documents int           `json:"openDocuments"`
	Store     StoreStatus   `json:"store"`
	Watcher   watcher.Stats `json:"watcher"`
}

// StoreStatus summarizes the daemon's mapping store.
type StoreStatus struct {
	Path     string `json:"path"`
	Mappings int    `json:"mappings"`
}

// ShutdownResponse acknowledges a shutdown request.
type ShutdownResponse struct {
	Stopping bool `json:"stopping"`
}

// ErrorResponse is the body of non-rename error replies.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}
