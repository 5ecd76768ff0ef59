package rename

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"hoho/internal/backends/lsp"
	hohoerrors "hoho/internal/errors"
	"hoho/internal/journal"
	"hoho/internal/locate"
)

var errNoBinding = errors.New("no occurrence could be renamed by the backend")

// BatchRename renames every symbol in mappings within path. A symbol can be
// bound several times in one file (unrelated scopes), so each symbol is
// renamed binding by binding until no occurrence is left or no remaining
// occurrence can be renamed. One symbol failing never aborts the batch.
func (o *Orchestrator) BatchRename(ctx context.Context, path string, mappings map[string]string) Report {
	var report Report
	path = o.resolve(path)

	var unavailable error
	for _, symbol := range sortedKeys(mappings) {
		newName := mappings[symbol]
		res := SymbolResult{Symbol: symbol, NewName: newName}

		switch {
		case ctx.Err() != nil:
			res.Status, res.Error = StatusFailed, ctx.Err().Error()
		case symbol == newName:
			res.Status = StatusSkipped
		case !locate.IsIdentifier(newName):
			res.Status, res.Error = StatusFailed, fmt.Sprintf("%q is not a valid identifier", newName)
		case unavailable != nil:
			res.Status, res.Error = StatusFailed, unavailable.Error()
		default:
			refs, found, err := o.renameAll(ctx, path, symbol, newName)
			switch {
			case !found && err == nil:
				res.Status = StatusSkipped
			case refs > 0:
				res.Status, res.References = StatusRenamed, refs
				if err != nil {
					o.logger.Warn("symbol only partly renamed", "path", path, "symbol", symbol, "error", err)
				}
			default:
				if err == nil {
					err = errNoBinding
				}
				res.Status, res.Error = StatusFailed, err.Error()
				if hohoerrors.IsUnavailable(err) {
					unavailable = err
					report.Unavailable = true
				}
			}
		}

		if res.Status == StatusRenamed && o.learn(symbol, newName) {
			report.Learned++
		}
		o.record(ctx, path, res)
		report.add(res)
	}

	o.logger.Info("batch rename finished",
		"path", path,
		"successful", report.Successful,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"references", report.TotalReferences)
	return report
}

// renameAll renames each binding of symbol in path. found reports whether
// the symbol occurs in the file at all; refs counts applied edits.
func (o *Orchestrator) renameAll(ctx context.Context, path, symbol, newName string) (refs int, found bool, err error) {
	if err := o.requireInitialized(); err != nil {
		return 0, true, err
	}
	lang := locate.LanguageFromPath(path)

	var lastErr error
	cursor, prevCount := 0, -1
	maxAttempts := -1
	for attempt := 0; maxAttempts < 0 || attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return refs, true, err
		}

		unlock := o.locks.lock(path)
		content, rerr := os.ReadFile(path)
		unlock()
		if rerr != nil {
			return refs, found, fmt.Errorf("read %s: %w", path, rerr)
		}

		occ, lerr := locate.Occurrences(ctx, content, lang, symbol)
		if lerr != nil {
			return refs, found, lerr
		}
		occ = locate.Bindings(occ)
		if maxAttempts < 0 {
			if len(occ) == 0 {
				return 0, false, nil
			}
			found = true
			maxAttempts = 2*len(occ) + 1
		}
		if prevCount >= 0 && len(occ) >= prevCount {
			// last edit did not remove the occurrence at the cursor
			cursor++
		}
		prevCount = len(occ)
		if cursor >= len(occ) {
			break
		}

		if err := o.syncDocument(ctx, path, content); err != nil {
			return refs, found, err
		}

		pos := occ[cursor].Position
		cctx, cancel := o.callContext(ctx)
		edit, berr := o.backend.Rename(cctx, path, lsp.Position{Line: pos.Line, Character: pos.Character}, newName)
		cancel()
		if berr != nil {
			if hohoerrors.IsUnavailable(berr) {
				return refs, found, berr
			}
			lastErr = berr
			cursor++
			prevCount = -1
			continue
		}

		applied, aerr := o.applyEdit(ctx, edit, path, fingerprint(content))
		if aerr != nil {
			lastErr = aerr
			cursor++
			prevCount = -1
			continue
		}
		refs += applied.Edits
	}
	return refs, found, lastErr
}

func (o *Orchestrator) learn(symbol, newName string) bool {
	if o.opts.Store == nil || !o.opts.Learn.Enabled {
		return false
	}
	l := o.opts.Learn
	o.opts.Store.AddMapping(symbol, newName, l.Kind, l.Context, l.Confidence)
	return true
}

func (o *Orchestrator) record(ctx context.Context, path string, res SymbolResult) {
	if o.opts.Journal == nil {
		return
	}
	rel := path
	if root := o.Root(); root != "" {
		if r, err := filepath.Rel(root, path); err == nil {
			rel = filepath.ToSlash(r)
		}
	}
	err := o.opts.Journal.Record(context.WithoutCancel(ctx), journal.Entry{
		File:       rel,
		Symbol:     res.Symbol,
		NewName:    res.NewName,
		Status:     string(res.Status),
		References: res.References,
		Error:      res.Error,
	})
	if err != nil {
		o.logger.Warn("journal write failed", "error", err)
	}
}

// Matches reports whether path passes the include and exclude globs.
func (o *Orchestrator) Matches(path string) bool {
	rel := o.relSlash(path)
	for _, g := range o.exclude {
		if g.Match(rel) {
			return false
		}
	}
	if len(o.include) == 0 {
		return true
	}
	for _, g := range o.include {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) relSlash(path string) string {
	rel := path
	if root := o.Root(); root != "" {
		if r, err := filepath.Rel(root, o.resolve(path)); err == nil {
			rel = r
		}
	}
	return filepath.ToSlash(rel)
}

// excludedDir reports whether an exclude glob covers everything below dir.
func (o *Orchestrator) excludedDir(dir string) bool {
	rel := o.relSlash(dir) + "/"
	for _, g := range o.exclude {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// CollectFiles expands paths into the files to rename. Directories are
// walked and their files kept when they pass the include and exclude globs;
// excluded directories are not entered. Files named directly are always kept,
// even when they do not exist, so the caller sees the error per file.
func (o *Orchestrator) CollectFiles(paths []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, p := range paths {
		abs := o.resolve(p)
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			add(abs)
			continue
		}
		err = filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != abs && o.excludedDir(path) {
					return filepath.SkipDir
				}
				return nil
			}
			if o.Matches(path) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", abs, err)
		}
	}
	return out, nil
}

// RenameFiles runs BatchRename over files with bounded parallelism. Reports
// are in the order of files; a file that cannot be read gets an Error and an
// empty report.
func (o *Orchestrator) RenameFiles(ctx context.Context, files []string, mappings map[string]string) []FileReport {
	reports := make([]FileReport, len(files))
	var g errgroup.Group
	g.SetLimit(o.opts.Parallelism)
	for i, f := range files {
		i := i
		path := o.resolve(f)
		g.Go(func() error {
			reports[i] = FileReport{Path: path}
			if _, err := os.Stat(path); err != nil {
				reports[i].Error = err.Error()
				return nil
			}
			reports[i].Report = o.BatchRename(ctx, path, mappings)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// PlanFromStore resolves candidates against the store (exact context, then
// global) into a symbol → name map. Candidates without a mapping, or whose
// mapping is the identity, are left out. When one symbol has different
// mappings in different candidate contexts the first candidate wins.
func (o *Orchestrator) PlanFromStore(candidates []Candidate) map[string]string {
	plan := make(map[string]string)
	if o.opts.Store == nil {
		return plan
	}
	for _, c := range candidates {
		if _, done := plan[c.Symbol]; done {
			continue
		}
		m, ok := o.opts.Store.GetMapping(c.Symbol, c.Context)
		if !ok || m.Mapped == c.Symbol {
			continue
		}
		plan[c.Symbol] = m.Mapped
	}
	return plan
}
