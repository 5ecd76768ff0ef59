package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"hoho/internal/backends/lsp"
	"hoho/internal/config"
	"hoho/internal/daemon"
	hohoerrors "hoho/internal/errors"
	"hoho/internal/journal"
	"hoho/internal/mapping"
	"hoho/internal/paths"
	"hoho/internal/rename"
)

var (
	renameMaps      []string
	renameFromStore bool
	renameContext   string
	renameNoDaemon  bool
	renameInclude   []string
	renameExclude   []string
)

var renameCmd = &cobra.Command{
	Use:   "rename <file|dir>...",
	Short: "Rename symbols through the semantic backend",
	Long: `Rename symbols in files through the semantic backend. Only the binding at
each occurrence changes; unrelated symbols that share the name, and property
accesses like obj.a, are left alone. Confirmed renames are learned into the
mapping store.

Directories are expanded with the include and exclude globs. Requests go to
the workspace daemon, which is started on demand, unless --no-daemon is set.

Examples:
  hoho rename dist/app.js --map a=config --map b=handler
  hoho rename dist --from-store --context Wu1.constructor
  hoho rename src --map e=event --exclude 'vendor/**' --no-daemon`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRename,
}

func init() {
	rootCmd.AddCommand(renameCmd)
	renameCmd.Flags().StringArrayVarP(&renameMaps, "map", "m", nil, "Rename old=new (repeatable)")
	renameCmd.Flags().BoolVar(&renameFromStore, "from-store", false, "Rename every symbol that has a mapping in the store")
	renameCmd.Flags().StringVar(&renameContext, "context", "", "Context used to resolve --from-store mappings (falls back to global)")
	renameCmd.Flags().BoolVar(&renameNoDaemon, "no-daemon", false, "Run the backend in this process instead of the daemon")
	renameCmd.Flags().StringSliceVar(&renameInclude, "include", nil, "Include globs for directories (default from config)")
	renameCmd.Flags().StringSliceVar(&renameExclude, "exclude", nil, "Exclude globs for directories (default from config)")
}

func runRename(cmd *cobra.Command, args []string) error {
	root, cfg, err := workspace()
	if err != nil {
		return err
	}
	if len(renameInclude) > 0 {
		cfg.Rename.Include = renameInclude
	}
	if len(renameExclude) > 0 {
		cfg.Rename.Exclude = renameExclude
	}

	explicit, err := parseMappings(renameMaps)
	if err != nil {
		return err
	}
	var store *mapping.Store
	if renameFromStore {
		if store, err = openStore(root, cfg, false); err != nil {
			return err
		}
	}

	planner, err := rename.New(nil, rename.Options{
		Root:    root,
		Store:   store,
		Include: cfg.Rename.Include,
		Exclude: cfg.Rename.Exclude,
	})
	if err != nil {
		return hohoerrors.New(hohoerrors.InvalidRequest, "invalid glob", err)
	}
	mappings := explicit
	if renameFromStore {
		mappings = planner.PlanFromStore(storeCandidates(store, renameContext))
		for k, v := range explicit {
			mappings[k] = v
		}
	}
	if len(mappings) == 0 {
		return hohoerrors.New(hohoerrors.InvalidRequest, "nothing to rename: pass --map old=new or --from-store", nil)
	}

	files, err := planner.CollectFiles(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return hohoerrors.New(hohoerrors.InvalidRequest, "no files match the include and exclude globs", nil)
	}

	var resp daemon.RenameResponse
	if renameNoDaemon {
		resp, err = renameLocal(cmd.Context(), root, cfg, files, mappings)
	} else {
		resp, err = renameViaDaemon(cmd.Context(), root, cfg, files, mappings)
	}
	if err != nil && resp.RequestID == "" && !resp.BackendUnavailable {
		return err
	}
	if perr := printResponse(&resp); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	if resp.BackendUnavailable {
		return hohoerrors.New(hohoerrors.BackendUnavailable, "semantic backend became unavailable during the rename", nil)
	}
	return nil
}

// parseMappings parses old=new pairs. Both sides must be non-empty.
func parseMappings(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		old, name, ok := strings.Cut(p, "=")
		old, name = strings.TrimSpace(old), strings.TrimSpace(name)
		if !ok || old == "" || name == "" {
			return nil, hohoerrors.New(hohoerrors.InvalidRequest, fmt.Sprintf("invalid mapping %q, want old=new", p), nil)
		}
		out[old] = name
	}
	return out, nil
}

// storeCandidates lists every original name in the store once, resolved in ctx.
func storeCandidates(store *mapping.Store, ctx string) []rename.Candidate {
	seen := make(map[string]bool)
	var out []rename.Candidate
	for _, m := range store.GetAllMappings() {
		if seen[m.Original] {
			continue
		}
		seen[m.Original] = true
		out = append(out, rename.Candidate{Symbol: m.Original, Context: ctx})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func renameViaDaemon(ctx context.Context, root string, cfg *config.Config, files []string, mappings map[string]string) (daemon.RenameResponse, error) {
	socket, _, err := daemon.Endpoint(root, cfg)
	if err != nil {
		return daemon.RenameResponse{}, err
	}
	client := daemon.NewClient(socket)
	startTimeout := time.Duration(cfg.Daemon.StartTimeoutMs) * time.Millisecond
	if err := client.EnsureRunning(ctx, startTimeout, func() error {
		_, err := spawnDaemon(root)
		return err
	}); err != nil {
		return daemon.RenameResponse{}, err
	}
	return client.Rename(ctx, daemon.RenameRequest{Files: files, Mappings: mappings})
}

// renameLocal runs the whole batch in this process with its own backend.
func renameLocal(ctx context.Context, root string, cfg *config.Config, files []string, mappings map[string]string) (daemon.RenameResponse, error) {
	logger := newLogger()
	start := time.Now()

	store, err := openStore(root, cfg, true)
	if err != nil {
		return daemon.RenameResponse{}, err
	}
	argv, err := cfg.Backend.Argv()
	if err != nil {
		return daemon.RenameResponse{}, err
	}
	backend := lsp.NewClient(lsp.Options{
		Command:        argv,
		LanguageID:     cfg.Backend.LanguageID,
		StartupTimeout: cfg.Backend.StartupTimeout(),
		RequestTimeout: cfg.Backend.RequestTimeout(),
		Logger:         logger.With("component", "lsp"),
	})

	opts := rename.Options{
		Root:           root,
		Store:          store,
		Logger:         logger,
		Parallelism:    cfg.Rename.Parallelism,
		RequestTimeout: cfg.Backend.RequestTimeout(),
		Learn:          daemon.LearnOptions(cfg.Rename),
		Include:        cfg.Rename.Include,
		Exclude:        cfg.Rename.Exclude,
	}
	if cfg.Rename.Journal {
		j, err := journal.Open(paths.GetJournalPath(root), logger)
		if err != nil {
			logger.Warn("rename journal unavailable", "error", err)
		} else {
			defer j.Close()
			opts.Journal = j
		}
	}
	orch, err := rename.New(backend, opts)
	if err != nil {
		return daemon.RenameResponse{}, err
	}
	defer func() {
		disposeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := orch.Dispose(disposeCtx); err != nil {
			logger.Debug("backend shutdown", "error", err)
		}
	}()

	initCtx, cancel := context.WithTimeout(ctx, cfg.Backend.StartupTimeout())
	err = orch.Initialize(initCtx, root)
	cancel()
	if err != nil {
		code := hohoerrors.CodeOf(err)
		if code == "" {
			code = hohoerrors.BackendUnavailable
		}
		return daemon.RenameResponse{BackendUnavailable: true, Error: err.Error(), Code: string(code)},
			hohoerrors.New(code, "semantic backend unavailable", err)
	}

	resp := daemon.NewRenameResponse(orch.RenameFiles(ctx, files, mappings))
	if resp.Learned > 0 {
		if err := store.Save(ctx); err != nil {
			logger.Warn("could not persist learned mappings", "error", err)
		}
	}
	resp.DurationMs = time.Since(start).Milliseconds()
	return resp, nil
}
