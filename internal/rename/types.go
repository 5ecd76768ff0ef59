// Package rename drives a semantic backend to perform scope-correct renames
// of obfuscated symbols, applies the resulting edits to disk and feeds
// confirmed renames back into the mapping store.
package rename

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"hoho/internal/backends/lsp"
	"hoho/internal/journal"
	"hoho/internal/mapping"
)

// Backend is the semantic analysis service. *lsp.Client implements it.
type Backend interface {
	Initialize(ctx context.Context, root string) error
	DidOpen(ctx context.Context, path, text string) error
	DidChange(ctx context.Context, path, text string) error
	DidClose(ctx context.Context, path string) error
	References(ctx context.Context, path string, pos lsp.Position, includeDeclaration bool) ([]lsp.Location, error)
	Rename(ctx context.Context, path string, pos lsp.Position, newName string) (*lsp.WorkspaceEdit, error)
	Close(ctx context.Context) error
}

// capabilityReporter is implemented by backends that advertise server
// capabilities, such as *lsp.Client.
type capabilityReporter interface {
	HasCapability(name string) bool
}

// renamePreparer is implemented by backends that can check a position before
// a rename is requested.
type renamePreparer interface {
	PrepareRename(ctx context.Context, path string, pos lsp.Position) (*lsp.Range, error)
}

var (
	_ Backend            = (*lsp.Client)(nil)
	_ capabilityReporter = (*lsp.Client)(nil)
	_ renamePreparer     = (*lsp.Client)(nil)
)

// Journal records the outcome of every attempted symbol rename.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
}

// LearnOptions control how confirmed renames are written to the store.
type LearnOptions struct {
	Enabled    bool
	Kind       mapping.Kind
	Context    string
	Confidence float64
}

// DefaultLearnOptions records renames as global variables with confidence 0.8.
func DefaultLearnOptions() LearnOptions {
	return LearnOptions{
		Enabled:    true,
		Kind:       mapping.KindVariable,
		Context:    mapping.GlobalContext,
		Confidence: 0.8,
	}
}

// Options configures an Orchestrator.
type Options struct {
	// Root is the workspace root globs are matched against until Initialize
	// sets it.
	Root    string
	Store   *mapping.Store
	Journal Journal
	Logger  *slog.Logger
	// Parallelism bounds how many files RenameFiles works on at once.
	Parallelism int
	// RequestTimeout applies to each backend call whose context has no deadline.
	RequestTimeout time.Duration
	Learn          LearnOptions
	// Include and Exclude are glob patterns over workspace-relative slash paths.
	Include []string
	Exclude []string
}

// Status of one symbol in a batch.
type Status string

const (
	StatusRenamed Status = "renamed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// SymbolResult is the outcome for one entry of a batch.
type SymbolResult struct {
	Symbol     string `json:"symbol"`
	NewName    string `json:"newName"`
	Status     Status `json:"status"`
	References int    `json:"references"`
	Error      string `json:"error,omitempty"`
}

// Report accounts for every entry of a batch: each lands in exactly one of
// Successful, Failed or Skipped. Skipped covers symbols absent from the file
// and identity mappings.
type Report struct {
	Successful      int               `json:"successful"`
	Failed          int               `json:"failed"`
	Skipped         int               `json:"skipped"`
	TotalReferences int               `json:"totalReferences"`
	Learned         int               `json:"learned"`
	Unavailable     bool              `json:"backendUnavailable,omitempty"`
	Errors          map[string]string `json:"errors,omitempty"`
	Symbols         []SymbolResult    `json:"symbols"`
}

func (r *Report) add(res SymbolResult) {
	switch res.Status {
	case StatusRenamed:
		r.Successful++
		r.TotalReferences += res.References
	case StatusFailed:
		r.Failed++
		if r.Errors == nil {
			r.Errors = make(map[string]string)
		}
		r.Errors[res.Symbol] = res.Error
	case StatusSkipped:
		r.Skipped++
	}
	r.Symbols = append(r.Symbols, res)
}

// FileReport is the Report for one file of RenameFiles.
type FileReport struct {
	Path   string `json:"path"`
	Report Report `json:"report"`
	Error  string `json:"error,omitempty"`
}

// Merge sums file reports into one Report; per-symbol errors are keyed by
// "path: symbol".
func Merge(files []FileReport) Report {
	var total Report
	for _, f := range files {
		total.Successful += f.Report.Successful
		total.Failed += f.Report.Failed
		total.Skipped += f.Report.Skipped
		total.TotalReferences += f.Report.TotalReferences
		total.Learned += f.Report.Learned
		total.Unavailable = total.Unavailable || f.Report.Unavailable
		for sym, msg := range f.Report.Errors {
			if total.Errors == nil {
				total.Errors = make(map[string]string)
			}
			total.Errors[f.Path+": "+sym] = msg
		}
		total.Symbols = append(total.Symbols, f.Report.Symbols...)
	}
	return total
}

// Candidate is a (symbol, context) pair produced by boundary extraction.
type Candidate struct {
	Symbol  string `json:"symbol"`
	Context string `json:"context,omitempty"`
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
