package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"hoho/internal/journal"
	"hoho/internal/paths"
)

var (
	historyFile        string
	historySymbol      string
	historyStatus      string
	historyLimit       int
	historyPruneBefore time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent renames from the journal",
	Long: `Show recent renames recorded in the workspace journal, newest first.

Examples:
  hoho history --limit 50
  hoho history --symbol a --status failed
  hoho history --prune 720h`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyFile, "file", "", "Only renames in this file")
	historyCmd.Flags().StringVar(&historySymbol, "symbol", "", "Only renames of this symbol")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Only renames with this status (renamed, failed, skipped)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum entries to show")
	historyCmd.Flags().DurationVar(&historyPruneBefore, "prune", 0, "Delete entries older than this duration first")
}

func runHistory(cmd *cobra.Command, args []string) error {
	root, _, err := workspace()
	if err != nil {
		return err
	}
	path := paths.GetJournalPath(root)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return printResponse(&messageResponse{Message: "No renames recorded yet"})
	}

	j, err := journal.Open(path, newLogger())
	if err != nil {
		return err
	}
	defer j.Close()

	ctx := cmd.Context()
	if historyPruneBefore > 0 {
		n, err := j.Prune(ctx, time.Now().Add(-historyPruneBefore))
		if err != nil {
			return fmt.Errorf("failed to prune journal: %w", err)
		}
		newLogger().Info("pruned journal", "deleted", n)
	}

	file := historyFile
	if file != "" {
		if file, err = journalFile(root, file); err != nil {
			return err
		}
	}
	entries, err := j.Recent(ctx, journal.Filter{
		File:   file,
		Symbol: historySymbol,
		Status: historyStatus,
		Limit:  historyLimit,
	})
	if err != nil {
		return err
	}
	summary, err := j.Summary(ctx)
	if err != nil {
		return err
	}
	return printResponse(&historyResponse{Summary: summary, Entries: entries})
}

// journalFile converts a path given on the command line to the
// workspace-relative form the journal stores.
func journalFile(root, file string) (string, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return "", err
	}
	return paths.CanonicalizePath(abs, root)
}
