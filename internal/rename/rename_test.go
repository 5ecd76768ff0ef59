package rename

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hoho/internal/backends/lsp"
	hohoerrors "hoho/internal/errors"
	"hoho/internal/mapping"
)

const scopedSource = `function f1(a) {
  return a + 1;
}

function f2() {
  var a = 2;
  return a * a;
}

const a = 3;
console.log(a, obj.a);
`

const simpleSource = "var a = 1;\nconsole.log(a);\n"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func newTestOrchestrator(t *testing.T, backend Backend, opts Options) (*Orchestrator, string) {
	t.Helper()
	root := t.TempDir()
	o, err := New(backend, opts)
	require.NoError(t, err)
	require.NoError(t, o.Initialize(context.Background(), root))
	return o, root
}

func TestBatchRenameEveryBinding(t *testing.T) {
	store := mapping.New(filepath.Join(t.TempDir(), "store.bin"))
	backend := newFakeBackend()
	o, root := newTestOrchestrator(t, backend, Options{Store: store, Learn: DefaultLearnOptions()})
	path := writeFile(t, root, "app.js", scopedSource)

	report := o.BatchRename(context.Background(), "app.js", map[string]string{"a": "count"})

	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, 7, report.TotalReferences)
	assert.Equal(t, 1, report.Learned)
	assert.Equal(t, `function f1(count) {
  return count + 1;
}

function f2() {
  var count = 2;
  return count * count;
}

const count = 3;
console.log(count, obj.a);
`, readFile(t, path))

	m, ok := store.GetMapping("a", "SomeClass")
	require.True(t, ok)
	assert.Equal(t, "count", m.Mapped)
	assert.Equal(t, mapping.GlobalContext, m.Context)
	assert.InDelta(t, 0.8, m.Confidence, 1e-9)
}

func TestBatchRenameAccountsForEveryEntry(t *testing.T) {
	o, root := newTestOrchestrator(t, newFakeBackend(), Options{})
	writeFile(t, root, "app.js", simpleSource)

	mappings := map[string]string{
		"a":       "value",
		"missing": "x",
		"console": "console",
		"log":     "1bad",
	}
	report := o.BatchRename(context.Background(), "app.js", mappings)

	assert.Equal(t, len(mappings), report.Successful+report.Failed+report.Skipped)
	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Skipped)
	assert.Contains(t, report.Errors["log"], "not a valid identifier")
	assert.Zero(t, report.Learned, "no store configured")
	require.Len(t, report.Symbols, 4)
	assert.Equal(t, "a", report.Symbols[0].Symbol, "symbols run in sorted order")
}

func TestBatchRenameStopsCallingUnavailableBackend(t *testing.T) {
	backend := newFakeBackend()
	o, root := newTestOrchestrator(t, backend, Options{})
	writeFile(t, root, "app.js", "var a = 1, b = 2;\n")
	backend.renameErr = hohoerrors.New(hohoerrors.BackendUnavailable, "server exited", nil)

	report := o.BatchRename(context.Background(), "app.js", map[string]string{"a": "x", "b": "y"})

	assert.True(t, report.Unavailable)
	assert.Equal(t, 2, report.Failed)
	_, _, renames := backend.counts()
	assert.Equal(t, 1, renames)
	assert.Equal(t, "var a = 1, b = 2;\n", readFile(t, filepath.Join(root, "app.js")))
}

func TestBatchRenameWithoutInitialize(t *testing.T) {
	o, err := New(newFakeBackend(), Options{})
	require.NoError(t, err)
	path := writeFile(t, t.TempDir(), "app.js", simpleSource)

	report := o.BatchRename(context.Background(), path, map[string]string{"a": "x"})
	assert.Equal(t, 1, report.Failed)
	assert.True(t, report.Unavailable)
}

func TestBatchRenameLearningDisabled(t *testing.T) {
	store := mapping.New(filepath.Join(t.TempDir(), "store.bin"))
	o, root := newTestOrchestrator(t, newFakeBackend(), Options{Store: store})
	writeFile(t, root, "app.js", simpleSource)

	report := o.BatchRename(context.Background(), "app.js", map[string]string{"a": "x"})
	assert.Equal(t, 1, report.Successful)
	assert.Zero(t, report.Learned)
	assert.Zero(t, store.Len())
}

func TestBatchRenameJournal(t *testing.T) {
	j := &recordingJournal{}
	o, root := newTestOrchestrator(t, newFakeBackend(), Options{Journal: j})
	writeFile(t, root, "src/app.js", simpleSource)

	o.BatchRename(context.Background(), "src/app.js", map[string]string{"a": "count", "zz": "q"})

	require.Len(t, j.entries, 2)
	assert.Equal(t, "src/app.js", j.entries[0].File)
	assert.Equal(t, "a", j.entries[0].Symbol)
	assert.Equal(t, "renamed", j.entries[0].Status)
	assert.Equal(t, 2, j.entries[0].References)
	assert.Equal(t, "skipped", j.entries[1].Status)
}

func TestCollectFiles(t *testing.T) {
	o, root := newTestOrchestrator(t, newFakeBackend(), Options{
		Include: []string{"**.js"},
		Exclude: []string{"vendor/**"},
	})
	writeFile(t, root, "a.js", simpleSource)
	writeFile(t, root, "lib/b.js", simpleSource)
	writeFile(t, root, "vendor/c.js", simpleSource)
	writeFile(t, root, "notes.txt", "a")

	files, err := o.CollectFiles([]string{".", "notes.txt", "a.js", "missing.js"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "a.js"),
		filepath.Join(root, "lib", "b.js"),
		filepath.Join(root, "notes.txt"),
		filepath.Join(root, "missing.js"),
	}, files)

	assert.True(t, o.Matches("lib/b.js"))
	assert.False(t, o.Matches("vendor/c.js"))
	assert.False(t, o.Matches(filepath.Join(root, "notes.txt")))
}

func TestCollectFilesBeforeInitialize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.js", simpleSource)
	writeFile(t, root, "node_modules/dep/index.js", simpleSource)

	o, err := New(nil, Options{
		Root:    root,
		Include: []string{"**.js"},
		Exclude: []string{"node_modules/**"},
	})
	require.NoError(t, err)
	assert.Equal(t, root, o.Root())

	files, err := o.CollectFiles([]string{root})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "a.js")}, files)
}

func TestRenameFiles(t *testing.T) {
	o, root := newTestOrchestrator(t, newFakeBackend(), Options{Parallelism: 2})
	writeFile(t, root, "a.js", simpleSource)
	writeFile(t, root, "b.js", simpleSource)
	untouched := writeFile(t, root, "c.js", simpleSource)

	files := []string{"a.js", "b.js", "missing.js"}
	reports := o.RenameFiles(context.Background(), files, map[string]string{"a": "value"})

	require.Len(t, reports, 3)
	assert.Equal(t, filepath.Join(root, "a.js"), reports[0].Path)
	assert.Equal(t, filepath.Join(root, "b.js"), reports[1].Path)
	assert.Equal(t, filepath.Join(root, "missing.js"), reports[2].Path)
	assert.NotEmpty(t, reports[2].Error)

	total := Merge(reports)
	assert.Equal(t, 2, total.Successful)
	assert.Equal(t, 4, total.TotalReferences)
	assert.Equal(t, "var value = 1;\nconsole.log(value);\n", readFile(t, filepath.Join(root, "a.js")))
	assert.Equal(t, simpleSource, readFile(t, untouched))
}

func TestInvalidGlob(t *testing.T) {
	_, err := New(newFakeBackend(), Options{Include: []string{"[unclosed"}})
	assert.Error(t, err)
}

func TestMergeKeysErrorsByPath(t *testing.T) {
	total := Merge([]FileReport{
		{Path: "a.js", Report: Report{Failed: 1, Errors: map[string]string{"x": "boom"}}},
		{Path: "b.js", Report: Report{Successful: 2, TotalReferences: 5, Unavailable: true}},
	})
	assert.Equal(t, 1, total.Failed)
	assert.Equal(t, 2, total.Successful)
	assert.Equal(t, 5, total.TotalReferences)
	assert.True(t, total.Unavailable)
	assert.Equal(t, map[string]string{"a.js: x": "boom"}, total.Errors)
}

func TestPlanFromStore(t *testing.T) {
	store := mapping.New(filepath.Join(t.TempDir(), "store.bin"))
	store.AddMapping("a", "user", mapping.KindVariable, "", 0.9)
	store.AddMapping("a", "item", mapping.KindVariable, "Foo", 0.9)
	store.AddMapping("b", "b", mapping.KindVariable, "", 0.9)
	o, err := New(newFakeBackend(), Options{Store: store})
	require.NoError(t, err)

	plan := o.PlanFromStore([]Candidate{
		{Symbol: "a", Context: "Foo"},
		{Symbol: "a"},
		{Symbol: "b"},
		{Symbol: "z"},
	})
	assert.Equal(t, map[string]string{"a": "item"}, plan)

	plan = o.PlanFromStore([]Candidate{{Symbol: "a", Context: "Bar"}})
	assert.Equal(t, map[string]string{"a": "user"}, plan)
}

func TestFindReferencesAndRenameSymbol(t *testing.T) {
	backend := newFakeBackend()
	o, root := newTestOrchestrator(t, backend, Options{})
	path := writeFile(t, root, "app.js", simpleSource)
	ctx := context.Background()

	locs, err := o.FindReferences(ctx, "app.js", 0, 4)
	require.NoError(t, err)
	require.Len(t, locs, 2)
	assert.Equal(t, lsp.PathToURI(path), locs[0].URI)
	assert.Equal(t, 1, locs[1].Range.Start.Line)

	_, err = o.RenameSymbol(ctx, "app.js", 0, 4, "not valid")
	assert.Equal(t, hohoerrors.InvalidRequest, hohoerrors.CodeOf(err))
	_, _, renames := backend.counts()
	assert.Zero(t, renames)

	edit, err := o.RenameSymbol(ctx, "app.js", 0, 4, "value")
	require.NoError(t, err)
	assert.Equal(t, 2, edit.EditCount())
	assert.Equal(t, simpleSource, readFile(t, path), "RenameSymbol does not write")

	res, err := o.ApplyEdit(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, res.Files)
	assert.Equal(t, 2, res.Edits)
	assert.Equal(t, "var value = 1;\nconsole.log(value);\n", readFile(t, path))
}

func TestApplyEditAcrossFiles(t *testing.T) {
	backend := newFakeBackend()
	o, root := newTestOrchestrator(t, backend, Options{})
	a := writeFile(t, root, "a.js", "export const a = 1;\n")
	b := writeFile(t, root, "b.js", "import { a } from './a';\n")

	res, err := o.ApplyEdit(context.Background(), &lsp.WorkspaceEdit{Changes: map[string][]lsp.TextEdit{
		lsp.PathToURI(b): {edit(0, 9, 0, 10, "limit")},
		lsp.PathToURI(a): {edit(0, 13, 0, 14, "limit")},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, res.Files)
	assert.Equal(t, "export const limit = 1;\n", readFile(t, a))
	assert.Equal(t, "import { limit } from './a';\n", readFile(t, b))
	opens, _, _ := backend.counts()
	assert.Equal(t, 2, opens, "written files are synced to the backend")
}

func TestApplyEditRejectsConcurrentChange(t *testing.T) {
	o, root := newTestOrchestrator(t, newFakeBackend(), Options{})
	path := writeFile(t, root, "app.js", simpleSource)

	e := &lsp.WorkspaceEdit{Changes: map[string][]lsp.TextEdit{
		lsp.PathToURI(path): {edit(0, 4, 0, 5, "x")},
	}}
	_, err := o.applyEdit(context.Background(), e, path, fingerprint([]byte("older content")))
	require.Error(t, err)
	assert.Equal(t, simpleSource, readFile(t, path))
}

func TestApplyEditAllOrNothing(t *testing.T) {
	o, root := newTestOrchestrator(t, newFakeBackend(), Options{})
	a := writeFile(t, root, "a.js", "var a;\n")
	b := writeFile(t, root, "b.js", "var b;\n")

	_, err := o.ApplyEdit(context.Background(), &lsp.WorkspaceEdit{Changes: map[string][]lsp.TextEdit{
		lsp.PathToURI(a): {edit(0, 4, 0, 5, "x")},
		lsp.PathToURI(b): {edit(9, 0, 9, 1, "y")},
	}})
	require.Error(t, err)
	assert.Equal(t, "var a;\n", readFile(t, a))
	assert.Equal(t, "var b;\n", readFile(t, b))
}

func TestDocumentSync(t *testing.T) {
	backend := newFakeBackend()
	o, root := newTestOrchestrator(t, backend, Options{})
	path := writeFile(t, root, "app.js", simpleSource)
	ctx := context.Background()

	require.NoError(t, o.OpenFile(ctx, "app.js"))
	require.NoError(t, o.OpenFile(ctx, "app.js"))
	opens, changes, _ := backend.counts()
	assert.Equal(t, 1, opens)
	assert.Zero(t, changes, "unchanged content is not resent")

	o.Invalidate("app.js")
	require.NoError(t, o.OpenFile(ctx, path))
	_, changes, _ = backend.counts()
	assert.Equal(t, 1, changes)

	require.NoError(t, os.WriteFile(path, []byte("var b;\n"), 0o644))
	require.NoError(t, o.OpenFile(ctx, "app.js"))
	_, changes, _ = backend.counts()
	assert.Equal(t, 2, changes)
	assert.Equal(t, 1, o.OpenDocuments())
}

func TestInitializeFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.initErr = hohoerrors.New(hohoerrors.BackendUnavailable, "not installed", nil)
	o, err := New(backend, Options{})
	require.NoError(t, err)

	require.Error(t, o.Initialize(context.Background(), t.TempDir()))
	err = o.OpenFile(context.Background(), "app.js")
	assert.Equal(t, hohoerrors.BackendUnavailable, hohoerrors.CodeOf(err))
}

func TestDispose(t *testing.T) {
	backend := newFakeBackend()
	o, err := New(backend, Options{})
	require.NoError(t, err)
	require.NoError(t, o.Dispose(context.Background()), "safe without Initialize")

	o, root := newTestOrchestrator(t, backend, Options{})
	writeFile(t, root, "app.js", simpleSource)
	require.NoError(t, o.OpenFile(context.Background(), "app.js"))
	require.NoError(t, o.Dispose(context.Background()))
	require.NoError(t, o.Dispose(context.Background()))
	assert.Zero(t, o.OpenDocuments())
	assert.Equal(t, 3, backend.closes)

	err = o.OpenFile(context.Background(), "app.js")
	assert.Equal(t, hohoerrors.BackendUnavailable, hohoerrors.CodeOf(err))
}

// preparingBackend adds capability reporting and prepareRename to fakeBackend.
type preparingBackend struct {
	*fakeBackend
	caps     map[string]bool
	prepared int
}

func (p *preparingBackend) HasCapability(name string) bool {
	return p.caps[name]
}

func (p *preparingBackend) PrepareRename(_ context.Context, path string, pos lsp.Position) (*lsp.Range, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prepared++
	occ, _, err := p.scope(path, pos)
	if err != nil || len(occ) == 0 {
		return nil, nil
	}
	return &lsp.Range{Start: pos, End: pos}, nil
}

func TestRenameSymbolPreparesWhenSupported(t *testing.T) {
	backend := &preparingBackend{
		fakeBackend: newFakeBackend(),
		caps:        map[string]bool{"renameProvider": true, "renameProvider.prepareProvider": true},
	}
	o, root := newTestOrchestrator(t, backend, Options{})
	writeFile(t, root, "app.js", simpleSource)
	ctx := context.Background()

	edit, err := o.RenameSymbol(ctx, "app.js", 0, 4, "value")
	require.NoError(t, err)
	assert.Equal(t, 2, edit.EditCount())
	assert.Equal(t, 1, backend.prepared)

	_, err = o.RenameSymbol(ctx, "app.js", 0, 3, "value")
	assert.Equal(t, hohoerrors.SymbolNotFound, hohoerrors.CodeOf(err))
	assert.Equal(t, 2, backend.prepared)
	_, _, renames := backend.counts()
	assert.Equal(t, 1, renames, "a position the backend cannot rename is never sent")
}

func TestInitializeRequiresRenameSupport(t *testing.T) {
	backend := &preparingBackend{fakeBackend: newFakeBackend(), caps: map[string]bool{}}
	o, err := New(backend, Options{})
	require.NoError(t, err)

	err = o.Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.True(t, hohoerrors.IsUnavailable(err))
	assert.Equal(t, 1, backend.closes)
}
