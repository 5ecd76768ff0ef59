package rename

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"hoho/internal/backends/lsp"
	hohoerrors "hoho/internal/errors"
	"hoho/internal/journal"
	"hoho/internal/locate"
)

// fakeBackend treats each blank-line separated paragraph of a document as one
// scope: renaming an identifier renames its plain (non-member) occurrences in
// that paragraph only.
type fakeBackend struct {
	mu        sync.Mutex
	root      string
	docs      map[string]string
	opens     int
	changes   int
	closes    int
	renames   int
	initErr   error
	renameErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{docs: make(map[string]string)}
}

func (f *fakeBackend) Initialize(_ context.Context, root string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	f.root = root
	return nil
}

func (f *fakeBackend) DidOpen(_ context.Context, path, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.docs[path] = text
	return nil
}

func (f *fakeBackend) DidChange(_ context.Context, path, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes++
	f.docs[path] = text
	return nil
}

func (f *fakeBackend) DidClose(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, path)
	return nil
}

func (f *fakeBackend) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.docs = make(map[string]string)
	return nil
}

func (f *fakeBackend) References(_ context.Context, path string, pos lsp.Position, _ bool) ([]lsp.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	occ, name, err := f.scope(path, pos)
	if err != nil {
		return nil, err
	}
	locs := make([]lsp.Location, 0, len(occ))
	for _, o := range occ {
		locs = append(locs, lsp.Location{URI: lsp.PathToURI(path), Range: tokenRange(o, name)})
	}
	return locs, nil
}

func (f *fakeBackend) Rename(_ context.Context, path string, pos lsp.Position, newName string) (*lsp.WorkspaceEdit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renames++
	if f.renameErr != nil {
		return nil, f.renameErr
	}
	occ, name, err := f.scope(path, pos)
	if err != nil {
		return nil, err
	}
	edits := make([]lsp.TextEdit, 0, len(occ))
	for _, o := range occ {
		edits = append(edits, lsp.TextEdit{Range: tokenRange(o, name), NewText: newName})
	}
	return &lsp.WorkspaceEdit{Changes: map[string][]lsp.TextEdit{lsp.PathToURI(path): edits}}, nil
}

func (f *fakeBackend) counts() (opens, changes, renames int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.changes, f.renames
}

func (f *fakeBackend) scope(path string, pos lsp.Position) ([]locate.Occurrence, string, error) {
	text, ok := f.docs[path]
	if !ok {
		return nil, "", fmt.Errorf("%s is not open", path)
	}
	src := []byte(text)
	start, err := locate.ByteOffset(src, pos.Line, pos.Character)
	if err != nil {
		return nil, "", err
	}
	end := start
	for end < len(src) && isIdentByte(src[end]) {
		end++
	}
	name := string(src[start:end])
	notFound := hohoerrors.New(hohoerrors.SymbolNotFound, "no renameable symbol at position", nil)
	if name == "" {
		return nil, "", notFound
	}

	occ, err := locate.Occurrences(context.Background(), src, locate.LanguageFromPath(path), name)
	if err != nil {
		return nil, "", err
	}
	var at *locate.Occurrence
	for i := range occ {
		if occ[i].Line == pos.Line && occ[i].Character == pos.Character {
			at = &occ[i]
		}
	}
	if at == nil || at.Property {
		return nil, "", notFound
	}

	lines := strings.Split(text, "\n")
	first, last := pos.Line, pos.Line
	for first > 0 && strings.TrimSpace(lines[first-1]) != "" {
		first--
	}
	for last < len(lines)-1 && strings.TrimSpace(lines[last+1]) != "" {
		last++
	}
	var out []locate.Occurrence
	for _, o := range occ {
		if !o.Property && o.Line >= first && o.Line <= last {
			out = append(out, o)
		}
	}
	return out, name, nil
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '$' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func tokenRange(o locate.Occurrence, name string) lsp.Range {
	return lsp.Range{
		Start: lsp.Position{Line: o.Line, Character: o.Character},
		End:   lsp.Position{Line: o.Line, Character: o.Character + len(name)},
	}
}

type recordingJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *recordingJournal) Record(_ context.Context, e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}
