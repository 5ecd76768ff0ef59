// Package errors defines the stable error codes surfaced by hoho.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// BackendUnavailable indicates the semantic backend is missing, dead or unreachable
	BackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	// Timeout indicates a backend or daemon call exceeded its deadline
	Timeout ErrorCode = "TIMEOUT"
	// SymbolNotFound indicates no renameable symbol at a position
	SymbolNotFound ErrorCode = "SYMBOL_NOT_FOUND"
	// InvalidRequest indicates a malformed wire message or argument
	InvalidRequest ErrorCode = "INVALID_REQUEST"
	// MigrationFailed indicates a legacy mapping file could not be parsed
	MigrationFailed ErrorCode = "MIGRATION_FAILED"
	// DaemonRunning indicates another daemon already owns the workspace
	DaemonRunning ErrorCode = "DAEMON_RUNNING"
	// DaemonNotRunning indicates no daemon is listening for the workspace
	DaemonNotRunning ErrorCode = "DAEMON_NOT_RUNNING"
	// StoreCorrupt indicates an unreadable mapping file
	StoreCorrupt ErrorCode = "STORE_CORRUPT"
	// InternalError indicates unexpected error
	InternalError ErrorCode = "INTERNAL_ERROR"
)

// FixActionType represents the type of fix action
type FixActionType string

const (
	// RunCommand suggests running a command
	RunCommand FixActionType = "run-command"
	// InstallTool suggests installing a tool
	InstallTool FixActionType = "install-tool"
)

// FixAction represents a suggested fix for an error
type FixAction struct {
	Type        FixActionType `json:"type"`
	Command     string        `json:"command,omitempty"`
	Safe        bool          `json:"safe,omitempty"`
	Description string        `json:"description,omitempty"`
	Tool        string        `json:"tool,omitempty"`
}

// HohoError carries a code, a message and optional fix suggestions.
type HohoError struct {
	Code           ErrorCode   `json:"code"`
	Message        string      `json:"message"`
	Details        interface{} `json:"details,omitempty"`
	SuggestedFixes []FixAction `json:"suggestedFixes,omitempty"`
	cause          error
}

// New creates a HohoError with the default suggestions for its code.
func New(code ErrorCode, message string, cause error) *HohoError {
	return &HohoError{
		Code:           code,
		Message:        message,
		cause:          cause,
		SuggestedFixes: GetSuggestedFixes(code),
	}
}

// Error implements the error interface
func (e *HohoError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *HohoError) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *HohoError) WithDetails(details interface{}) *HohoError {
	e.Details = details
	return e
}

// ErrorActions maps error codes to suggested fix actions
var ErrorActions = map[ErrorCode][]FixAction{
	BackendUnavailable: {
		{
			Type:        InstallTool,
			Tool:        "typescript-language-server",
			Description: "Install the semantic backend (npm i -g typescript-language-server typescript)",
		},
		{
			Type:        RunCommand,
			Command:     "hoho daemon status",
			Safe:        true,
			Description: "Check whether the analysis daemon is running",
		},
	},
	Timeout: {
		{
			Type:        RunCommand,
			Command:     "hoho daemon start",
			Safe:        true,
			Description: "Keep a warm backend to avoid cold-start timeouts",
		},
	},
	DaemonNotRunning: {
		{
			Type:        RunCommand,
			Command:     "hoho daemon start",
			Safe:        true,
			Description: "Start the analysis daemon",
		},
	},
	DaemonRunning: {
		{
			Type:        RunCommand,
			Command:     "hoho daemon stop",
			Safe:        true,
			Description: "Stop the running daemon first",
		},
	},
}

// GetSuggestedFixes returns suggested fixes for an error code
func GetSuggestedFixes(code ErrorCode) []FixAction {
	if fixes, ok := ErrorActions[code]; ok {
		return fixes
	}
	return nil
}

// CodeOf returns the code of the first HohoError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var he *HohoError
	if stderrors.As(err, &he) {
		return he.Code
	}
	return ""
}

// IsUnavailable reports whether err means the backend cannot be used right now.
// Callers may skip the semantic step instead of failing.
func IsUnavailable(err error) bool {
	switch CodeOf(err) {
	case BackendUnavailable, Timeout, DaemonNotRunning:
		return true
	}
	return false
}
