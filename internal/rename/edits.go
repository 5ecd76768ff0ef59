package rename

import (
	"context"
	"fmt"
	"os"
	"sort"

	"hoho/internal/backends/lsp"
	hohoerrors "hoho/internal/errors"
	"hoho/internal/locate"
)

type byteEdit struct {
	start, end int
	text       string
}

// ApplyTextEdits applies LSP text edits to content. Positions are converted
// from UTF-16 columns to byte offsets, duplicate edits are collapsed,
// overlapping edits are rejected and replacements run from the highest offset
// to the lowest so earlier offsets stay valid.
func ApplyTextEdits(content []byte, edits []lsp.TextEdit) ([]byte, error) {
	resolved := make([]byteEdit, 0, len(edits))
	for _, e := range edits {
		start, err := locate.ByteOffset(content, e.Range.Start.Line, e.Range.Start.Character)
		if err != nil {
			return nil, fmt.Errorf("edit start: %w", err)
		}
		end, err := locate.ByteOffset(content, e.Range.End.Line, e.Range.End.Character)
		if err != nil {
			return nil, fmt.Errorf("edit end: %w", err)
		}
		if end < start {
			return nil, fmt.Errorf("edit range %d:%d-%d:%d is reversed",
				e.Range.Start.Line, e.Range.Start.Character, e.Range.End.Line, e.Range.End.Character)
		}
		resolved = append(resolved, byteEdit{start: start, end: end, text: e.NewText})
	}

	sort.SliceStable(resolved, func(i, j int) bool {
		if resolved[i].start != resolved[j].start {
			return resolved[i].start < resolved[j].start
		}
		return resolved[i].end < resolved[j].end
	})

	uniq := resolved[:0]
	for _, e := range resolved {
		if n := len(uniq); n > 0 {
			prev := uniq[n-1]
			if prev == e {
				continue
			}
			if e.start < prev.end || (e.start == prev.start && e.start == e.end && prev.start == prev.end) {
				return nil, fmt.Errorf("overlapping edits at byte %d", e.start)
			}
		}
		uniq = append(uniq, e)
	}

	out := append([]byte(nil), content...)
	for i := len(uniq) - 1; i >= 0; i-- {
		e := uniq[i]
		tail := append([]byte(e.text), out[e.end:]...)
		out = append(out[:e.start], tail...)
	}
	return out, nil
}

// ApplyResult summarizes a written WorkspaceEdit.
type ApplyResult struct {
	Files []string `json:"files"`
	Edits int      `json:"edits"`
}

// ApplyEdit writes a WorkspaceEdit to disk. All touched files are locked,
// every file's new content is computed before any is written, and the backend
// is told about the new text afterwards.
func (o *Orchestrator) ApplyEdit(ctx context.Context, edit *lsp.WorkspaceEdit) (ApplyResult, error) {
	return o.applyEdit(ctx, edit, "", 0)
}

// applyEdit optionally checks that guardPath still has the fingerprint the
// edit was computed against, so a concurrent writer cannot be overwritten.
func (o *Orchestrator) applyEdit(ctx context.Context, edit *lsp.WorkspaceEdit, guardPath string, guardPrint uint64) (ApplyResult, error) {
	var res ApplyResult
	byURI := edit.EditsByURI()
	if len(byURI) == 0 {
		return res, nil
	}

	paths := make(map[string][]lsp.TextEdit, len(byURI))
	order := make([]string, 0, len(byURI))
	for uri, edits := range byURI {
		path, err := lsp.URIToPath(uri)
		if err != nil {
			return res, hohoerrors.New(hohoerrors.InvalidRequest, "workspace edit", err)
		}
		if _, dup := paths[path]; !dup {
			order = append(order, path)
		}
		paths[path] = append(paths[path], edits...)
	}
	sort.Strings(order)

	unlock := o.locks.lockAll(order)
	defer unlock()

	type pending struct {
		path    string
		content []byte
		mode    os.FileMode
		edits   int
	}
	writes := make([]pending, 0, len(order))
	for _, path := range order {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return res, fmt.Errorf("stat %s: %w", path, err)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return res, fmt.Errorf("read %s: %w", path, err)
		}
		if path == guardPath && fingerprint(content) != guardPrint {
			return res, fmt.Errorf("%s changed while the rename was computed", path)
		}
		updated, err := ApplyTextEdits(content, paths[path])
		if err != nil {
			return res, fmt.Errorf("apply edits to %s: %w", path, err)
		}
		writes = append(writes, pending{path: path, content: updated, mode: info.Mode().Perm(), edits: len(paths[path])})
	}

	for _, w := range writes {
		if err := os.WriteFile(w.path, w.content, w.mode); err != nil {
			return res, fmt.Errorf("write %s: %w", w.path, err)
		}
		res.Files = append(res.Files, w.path)
		res.Edits += w.edits
		if err := o.syncDocument(ctx, w.path, w.content); err != nil {
			o.logger.Warn("could not resync document after edit", "path", w.path, "error", err)
		}
	}
	o.logger.Debug("workspace edit applied", "files", len(res.Files), "edits", res.Edits)
	return res, nil
}
