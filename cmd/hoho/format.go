package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"hoho/internal/daemon"
	"hoho/internal/journal"
	"hoho/internal/mapping"
)

// OutputFormat represents the output format type
type OutputFormat string

const (
	FormatJSON  OutputFormat = "json"
	FormatHuman OutputFormat = "human"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	mutedStyle = lipgloss.NewStyle().Faint(true)
)

// stdout receives command output.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// resolveFormat picks the output format: the flag when set, otherwise human
// output on a terminal and JSON when piped.
func resolveFormat(flag string, out io.Writer) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(flag)) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatHuman:
		return FormatHuman, nil
	case "":
		if f, ok := out.(*os.File); ok {
			fd := f.Fd()
			if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
				return FormatHuman, nil
			}
		}
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported format: %s", flag)
}

// printResponse writes resp to stdout in the format selected by --format.
func printResponse(resp interface{}) error {
	format, err := resolveFormat(formatFlag, stdout)
	if err != nil {
		return err
	}
	out, err := FormatResponse(resp, format)
	if err != nil {
		return err
	}
	_, err = io.WriteString(stdout, out)
	return err
}

// FormatResponse formats a response according to the specified format
func FormatResponse(resp interface{}, format OutputFormat) (string, error) {
	switch format {
	case FormatJSON:
		return formatJSON(resp)
	case FormatHuman:
		return formatHuman(resp)
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

func formatJSON(resp interface{}) (string, error) {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data) + "\n", nil
}

func formatHuman(resp interface{}) (string, error) {
	switch v := resp.(type) {
	case *mapping.SymbolMapping:
		return formatMappingHuman(v), nil
	case []*mapping.SymbolMapping:
		return formatMappingsHuman(v), nil
	case *mapping.Stats:
		return formatStatsHuman(v), nil
	case *mapping.MigrationResult:
		return formatMigrationHuman(v), nil
	case *daemon.RenameResponse:
		return formatRenameHuman(v), nil
	case *daemon.StatusResponse:
		return formatDaemonStatusHuman(v), nil
	case *historyResponse:
		return formatHistoryHuman(v), nil
	case *messageResponse:
		return v.Message + "\n", nil
	default:
		return formatJSON(resp)
	}
}

// messageResponse is a one-line result for commands with nothing else to report.
type messageResponse struct {
	Message string `json:"message"`
	Count   int    `json:"count,omitempty"`
	Path    string `json:"path,omitempty"`
}

func formatMappingHuman(m *mapping.SymbolMapping) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s → %s\n", m.Original, titleStyle.Render(m.Mapped))
	fmt.Fprintf(&b, "  Kind:       %s\n", m.Kind)
	fmt.Fprintf(&b, "  Context:    %s\n", m.Context)
	fmt.Fprintf(&b, "  Confidence: %.2f\n", m.Confidence)
	fmt.Fprintf(&b, "  Usage:      %d\n", m.UsageCount)
	fmt.Fprintf(&b, "  Updated:    %s\n", m.LastUpdated.Local().Format(time.RFC3339))
	if len(m.References) > 0 {
		fmt.Fprintf(&b, "  References: %s\n", strings.Join(m.References, ", "))
	}
	return b.String()
}

func formatMappingsHuman(ms []*mapping.SymbolMapping) string {
	if len(ms) == 0 {
		return mutedStyle.Render("No mappings") + "\n"
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORIGINAL\tMAPPED\tKIND\tCONTEXT\tCONFIDENCE\tUSAGE")
	for _, m := range ms {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%d\n", m.Original, m.Mapped, m.Kind, m.Context, m.Confidence, m.UsageCount)
	}
	_ = tw.Flush()
	fmt.Fprintf(&b, "\n%d mapping(s)\n", len(ms))
	return b.String()
}

func formatStatsHuman(s *mapping.Stats) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Mapping Store") + "\n")
	b.WriteString(strings.Repeat("=", 40) + "\n")
	fmt.Fprintf(&b, "Total mappings:     %d\n", s.TotalMappings)
	fmt.Fprintf(&b, "Average confidence: %.2f\n", s.AverageConfidence)
	fmt.Fprintf(&b, "High confidence:    %d\n", s.HighConfidence)
	fmt.Fprintf(&b, "Total usage:        %d\n", s.TotalUsage)
	writeCounts(&b, "By kind", s.ByKind)
	writeCounts(&b, "By context", s.ByContext)
	return b.String()
}

func writeCounts(b *strings.Builder, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(b, "  %-20s %d\n", k, counts[k])
	}
}

func formatMigrationHuman(r *mapping.MigrationResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Migrated %d mapping(s) from %s\n", okStyle.Render("✓"), r.Imported, r.Source)
	if r.Skipped > 0 {
		fmt.Fprintf(&b, "%s Skipped %d malformed entries\n", warnStyle.Render("⚠"), r.Skipped)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "    %s\n", mutedStyle.Render(w))
	}
	if r.Preserved != "" {
		fmt.Fprintf(&b, "  Original kept at %s\n", r.Preserved)
	}
	return b.String()
}

func formatRenameHuman(r *daemon.RenameResponse) string {
	var b strings.Builder
	icon := okStyle.Render("✓")
	switch {
	case r.BackendUnavailable || !r.Success:
		icon = errStyle.Render("✗")
	case r.FailedRenames > 0:
		icon = warnStyle.Render("⚠")
	}
	fmt.Fprintf(&b, "%s %d renamed, %d failed, %d skipped (%d references)\n",
		icon, r.SuccessfulRenames, r.FailedRenames, r.SkippedRenames, r.TotalReferences)
	if len(r.Files) > 1 {
		for _, f := range r.Files {
			fmt.Fprintf(&b, "  %s: %d renamed, %d failed, %d skipped\n", f.Path, f.Successful, f.Failed, f.Skipped)
		}
	}
	if r.Learned > 0 {
		fmt.Fprintf(&b, "  Learned %d mapping(s)\n", r.Learned)
	}
	if r.BackendUnavailable {
		b.WriteString(errStyle.Render("  Semantic backend unavailable") + "\n")
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "  Error: %s\n", r.Error)
	}
	keys := make([]string, 0, len(r.Errors))
	for k := range r.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s %s: %s\n", errStyle.Render("✗"), k, r.Errors[k])
	}
	if r.DurationMs > 0 {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("  %dms", r.DurationMs)) + "\n")
	}
	return b.String()
}

func formatDaemonStatusHuman(s *daemon.StatusResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Daemon running (PID %d, v%s, protocol %d)\n", okStyle.Render("✓"), s.PID, s.Version, s.Protocol)
	fmt.Fprintf(&b, "  Root:      %s\n", s.Root)
	fmt.Fprintf(&b, "  Socket:    %s\n", s.Socket)
	fmt.Fprintf(&b, "  Uptime:    %s\n", s.Uptime)
	fmt.Fprintf(&b, "  Requests:  %d (%d in flight)\n", s.Requests, s.InFlight)
	if s.Backend != nil {
		fmt.Fprintf(&b, "  Backend:   %s", s.Backend.State)
		if s.Backend.PID > 0 {
			fmt.Fprintf(&b, " (PID %d)", s.Backend.PID)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "  Documents: %d open\n", s.Documents)
	fmt.Fprintf(&b, "  Store:     %d mapping(s) in %s\n", s.Store.Mappings, s.Store.Path)
	if s.Watcher.Enabled {
		fmt.Fprintf(&b, "  Watcher:   %d dir(s), %d batch(es)\n", s.Watcher.WatchedDirs, s.Watcher.Batches)
	} else {
		b.WriteString("  Watcher:   disabled\n")
	}
	return b.String()
}

// historyResponse is the output of `hoho history`.
type historyResponse struct {
	Summary journal.Summary `json:"summary"`
	Entries []journal.Entry `json:"entries"`
}

func formatHistoryHuman(h *historyResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d rename(s) across %d file(s), %d references\n",
		titleStyle.Render("History:"), h.Summary.Total, h.Summary.Files, h.Summary.References)
	if len(h.Entries) == 0 {
		return b.String()
	}
	b.WriteString("\n")
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tFILE\tSYMBOL\tNEW NAME\tSTATUS\tREFS")
	for _, e := range h.Entries {
		status := e.Status
		if e.Error != "" {
			status += " (" + e.Error + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			e.At.Local().Format("2006-01-02 15:04:05"), e.File, e.Symbol, e.NewName, status, e.References)
	}
	_ = tw.Flush()
	return b.String()
}
