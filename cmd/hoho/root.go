package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"hoho/internal/config"
	"hoho/internal/slogutil"
	"hoho/internal/version"
)

var (
	verbosity  int
	quiet      bool
	formatFlag string
	rootFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "hoho",
	Short: "hoho - scope-aware symbol renaming for deobfuscated code",
	Long: `hoho renames obfuscated identifiers through a language server so only the
binding you meant changes, and remembers every confirmed rename in a
context-aware mapping store that later batches can reuse.

A per-workspace daemon keeps the language server warm between invocations.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("hoho version {{.Version}}\n")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Silence logging")
	rootCmd.PersistentFlags().StringVar(&formatFlag, "format", "", "Output format: human or json (default: human on a terminal, json otherwise)")
	rootCmd.PersistentFlags().StringVar(&rootFlag, "root", ".", "Workspace root")
}

// workspace resolves --root and loads its configuration.
func workspace() (string, *config.Config, error) {
	root, err := filepath.Abs(rootFlag)
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	cfg, err := config.LoadConfig(root)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return "", nil, err
	}
	return root, cfg, nil
}

func newLogger() *slog.Logger {
	return slogutil.NewLogger(stderr, slogutil.LevelFromVerbosity(verbosity, quiet))
}
