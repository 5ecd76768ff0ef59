package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"hoho/internal/config"
	"hoho/internal/daemon"
	hohoerrors "hoho/internal/errors"
	"hoho/internal/mapping"
	"hoho/internal/paths"
)

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Inspect and edit the symbol mapping store",
	Long: `Inspect and edit the workspace's symbol mapping store.

Mappings are keyed by (original, context). Lookups try the exact context
first and fall back to "global".`,
}

var (
	mapKind       string
	mapContext    string
	mapConfidence float64
	mapRefs       []string
	mapAs         string
	mapOut        string
)

var mapAddCmd = &cobra.Command{
	Use:   "add <original> <mapped>",
	Short: "Record a mapping",
	Long: `Record a mapping. Adding an existing (original, context) pair replaces the
mapped name, keeps the highest confidence seen and bumps its usage count.

Examples:
  hoho map add a props --kind parameter --context Wu1.constructor --confidence 0.9
  hoho map add e event`,
	Args: cobra.ExactArgs(2),
	RunE: runMapAdd,
}

var mapGetCmd = &cobra.Command{
	Use:   "get <original>",
	Short: "Look up a mapping (exact context, then global)",
	Args:  cobra.ExactArgs(1),
	RunE:  runMapGet,
}

var mapSearchCmd = &cobra.Command{
	Use:   "search <pattern>",
	Short: "Search mappings by regular expression",
	Long: `Search original and mapped names with a regular expression. A pattern that
does not compile is matched as a plain substring.`,
	Args: cobra.ExactArgs(1),
	RunE: runMapSearch,
}

var mapListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mappings",
	Args:  cobra.NoArgs,
	RunE:  runMapList,
}

var mapStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics",
	Args:  cobra.NoArgs,
	RunE:  runMapStats,
}

var mapExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export mappings as JSON, YAML or TOML",
	Args:  cobra.NoArgs,
	RunE:  runMapExport,
}

var mapImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Merge mappings from an exported file",
	Long: `Merge mappings from a file written by 'hoho map export'. The format is taken
from --as or the file extension. Nothing is merged when any record is invalid.`,
	Args: cobra.ExactArgs(1),
	RunE: runMapImport,
}

var mapMigrateCmd = &cobra.Command{
	Use:   "migrate [legacy.json]",
	Short: "Import a legacy JSON mapping file",
	Long: `Import a legacy JSON mapping file of the form
  {"<original>": {"mapped": "...", "type": "...", "context": "...", "confidence": 0.9}}

Malformed entries are skipped with a warning; a document that is not valid JSON
fails the command. The legacy file is kept next to the original as *.migrated.*.
Without an argument store.legacyJson from the config is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMapMigrate,
}

func init() {
	rootCmd.AddCommand(mapCmd)
	mapCmd.AddCommand(mapAddCmd, mapGetCmd, mapSearchCmd, mapListCmd, mapStatsCmd,
		mapExportCmd, mapImportCmd, mapMigrateCmd)

	mapAddCmd.Flags().StringVar(&mapKind, "kind", "variable", "Symbol kind ("+kindList()+")")
	mapAddCmd.Flags().StringVar(&mapContext, "context", "", "Context the mapping applies to (default: global)")
	mapAddCmd.Flags().Float64Var(&mapConfidence, "confidence", 1.0, "Confidence of the mapping")
	mapAddCmd.Flags().StringSliceVar(&mapRefs, "ref", nil, "Reference location (repeatable)")

	mapGetCmd.Flags().StringVar(&mapContext, "context", "", "Context to look up")
	mapListCmd.Flags().StringVar(&mapContext, "context", "", "Only list mappings recorded in this context")

	mapExportCmd.Flags().StringVar(&mapAs, "as", "", "Export format: json, yaml or toml (default: from --out, else json)")
	mapExportCmd.Flags().StringVarP(&mapOut, "out", "o", "", "Write to file instead of stdout")
	mapImportCmd.Flags().StringVar(&mapAs, "as", "", "Import format: json, yaml or toml (default: from extension)")
}

// openStore opens the workspace mapping store. Commands that modify it are
// refused while a daemon owns the store.
func openStore(root string, cfg *config.Config, write bool) (*mapping.Store, error) {
	if write {
		socket, _, err := daemon.Endpoint(root, cfg)
		if err != nil {
			return nil, err
		}
		if daemon.NewClient(socket).IsRunning() {
			return nil, hohoerrors.New(hohoerrors.DaemonRunning,
				"the daemon owns the mapping store; run 'hoho daemon stop' first", nil)
		}
	}
	return mapping.Open(paths.ResolveStorePath(root, cfg.Store.Path), mapping.WithLogger(newLogger()))
}

func runMapAdd(cmd *cobra.Command, args []string) error {
	kind, err := mapping.ParseKind(mapKind)
	if err != nil {
		return err
	}
	root, cfg, err := workspace()
	if err != nil {
		return err
	}
	store, err := openStore(root, cfg, true)
	if err != nil {
		return err
	}

	store.AddMappingWithReferences(args[0], args[1], kind, mapContext, mapConfidence, mapRefs)
	if err := store.Save(cmd.Context()); err != nil {
		return err
	}
	m, _ := store.GetMapping(args[0], mapContext)
	return printResponse(m)
}

func runMapGet(cmd *cobra.Command, args []string) error {
	root, cfg, err := workspace()
	if err != nil {
		return err
	}
	store, err := openStore(root, cfg, false)
	if err != nil {
		return err
	}
	m, ok := store.GetMapping(args[0], mapContext)
	if !ok {
		return hohoerrors.New(hohoerrors.SymbolNotFound, fmt.Sprintf("no mapping for %q", args[0]), nil)
	}
	return printResponse(m)
}

func runMapSearch(cmd *cobra.Command, args []string) error {
	root, cfg, err := workspace()
	if err != nil {
		return err
	}
	store, err := openStore(root, cfg, false)
	if err != nil {
		return err
	}
	return printResponse(store.SearchMappings(args[0]))
}

func runMapList(cmd *cobra.Command, args []string) error {
	root, cfg, err := workspace()
	if err != nil {
		return err
	}
	store, err := openStore(root, cfg, false)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("context") {
		return printResponse(store.GetMappingsForContext(mapContext))
	}
	return printResponse(store.GetAllMappings())
}

func runMapStats(cmd *cobra.Command, args []string) error {
	root, cfg, err := workspace()
	if err != nil {
		return err
	}
	store, err := openStore(root, cfg, false)
	if err != nil {
		return err
	}
	stats := store.GetStatistics()
	return printResponse(&stats)
}

func runMapExport(cmd *cobra.Command, args []string) error {
	format, err := exchangeFormat(mapAs, mapOut)
	if err != nil {
		return err
	}
	root, cfg, err := workspace()
	if err != nil {
		return err
	}
	store, err := openStore(root, cfg, false)
	if err != nil {
		return err
	}

	w := stdout
	if mapOut != "" {
		f, err := os.Create(mapOut)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", mapOut, err)
		}
		defer f.Close()
		w = f
	}
	if err := store.Export(w, format); err != nil {
		return err
	}
	if mapOut != "" {
		return printResponse(&messageResponse{
			Message: fmt.Sprintf("Exported %d mapping(s) to %s", store.Len(), mapOut),
			Count:   store.Len(),
			Path:    mapOut,
		})
	}
	return nil
}

func runMapImport(cmd *cobra.Command, args []string) error {
	format, err := exchangeFormat(mapAs, args[0])
	if err != nil {
		return err
	}
	root, cfg, err := workspace()
	if err != nil {
		return err
	}
	store, err := openStore(root, cfg, true)
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := store.Import(f, format)
	if err != nil {
		return hohoerrors.New(hohoerrors.InvalidRequest, "import failed", err)
	}
	if err := store.Save(cmd.Context()); err != nil {
		return err
	}
	return printResponse(&messageResponse{
		Message: fmt.Sprintf("Imported %d mapping(s) from %s", n, args[0]),
		Count:   n,
		Path:    args[0],
	})
}

func runMapMigrate(cmd *cobra.Command, args []string) error {
	root, cfg, err := workspace()
	if err != nil {
		return err
	}
	source := cfg.Store.LegacyJSON
	if len(args) == 1 {
		source = args[0]
	}
	if source == "" {
		return hohoerrors.New(hohoerrors.InvalidRequest, "no legacy file given and store.legacyJson is not set", nil)
	}
	if !filepath.IsAbs(source) && len(args) == 0 {
		source = filepath.Join(root, source)
	}

	store, err := openStore(root, cfg, true)
	if err != nil {
		return err
	}
	return migrate(cmd.Context(), store, source)
}

func migrate(ctx context.Context, store *mapping.Store, source string) error {
	res, err := store.MigrateFromJSON(ctx, source)
	if err != nil {
		return err
	}
	if res.Imported > 0 {
		if err := store.Save(ctx); err != nil {
			return err
		}
	}
	return printResponse(&res)
}

// exchangeFormat returns the explicit format, or the one implied by path's
// extension, defaulting to JSON.
func exchangeFormat(explicit, path string) (mapping.Format, error) {
	if explicit != "" {
		return mapping.ParseFormat(explicit)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return mapping.FormatYAML, nil
	case ".toml":
		return mapping.FormatTOML, nil
	}
	return mapping.FormatJSON, nil
}

func kindList() string {
	kinds := mapping.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, ", ")
}
