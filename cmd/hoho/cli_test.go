package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"hoho/internal/config"
	hohoerrors "hoho/internal/errors"
	"hoho/internal/journal"
	"hoho/internal/mapping"
	"hoho/internal/paths"
	"hoho/internal/version"
)

// runCLI executes the root command with args and returns what it printed.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(paths.HomeEnvVar, t.TempDir())

	var buf bytes.Buffer
	stdout = &buf
	t.Cleanup(func() { stdout = os.Stdout })

	verbosity, quiet, formatFlag, rootFlag = 0, true, "", "."
	mapKind, mapContext, mapConfidence, mapRefs, mapAs, mapOut = "variable", "", 1.0, nil, "", ""
	renameMaps, renameFromStore, renameContext, renameNoDaemon = nil, false, "", false
	renameInclude, renameExclude = nil, nil
	historyFile, historySymbol, historyStatus, historyLimit, historyPruneBefore = "", "", "", 20, 0

	rootCmd.SetArgs(append(args, "--quiet"))
	err := rootCmd.Execute()
	return buf.String(), err
}

func decodeMapping(t *testing.T, out string) mapping.SymbolMapping {
	t.Helper()
	var m mapping.SymbolMapping
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	return m
}

func TestParseMappings(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{"single", []string{"a=count"}, map[string]string{"a": "count"}, false},
		{"trimmed", []string{" a = count "}, map[string]string{"a": "count"}, false},
		{"last wins", []string{"a=x", "a=y"}, map[string]string{"a": "y"}, false},
		{"none", nil, map[string]string{}, false},
		{"missing separator", []string{"a"}, nil, true},
		{"empty new name", []string{"a="}, nil, true},
		{"empty old name", []string{"=b"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMappings(tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseMappings(%v) error = %v, wantErr %v", tt.pairs, err, tt.wantErr)
			}
			if err != nil {
				if hohoerrors.CodeOf(err) != hohoerrors.InvalidRequest {
					t.Errorf("error code = %q, want %q", hohoerrors.CodeOf(err), hohoerrors.InvalidRequest)
				}
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseMappings(%v) = %v, want %v", tt.pairs, got, tt.want)
			}
		})
	}
}

func TestExchangeFormat(t *testing.T) {
	tests := []struct {
		explicit string
		path     string
		want     mapping.Format
	}{
		{"", "maps.yaml", mapping.FormatYAML},
		{"", "maps.YML", mapping.FormatYAML},
		{"", "maps.toml", mapping.FormatTOML},
		{"", "maps.json", mapping.FormatJSON},
		{"", "", mapping.FormatJSON},
		{"toml", "maps.json", mapping.FormatTOML},
	}
	for _, tt := range tests {
		got, err := exchangeFormat(tt.explicit, tt.path)
		if err != nil {
			t.Fatalf("exchangeFormat(%q, %q): %v", tt.explicit, tt.path, err)
		}
		if got != tt.want {
			t.Errorf("exchangeFormat(%q, %q) = %q, want %q", tt.explicit, tt.path, got, tt.want)
		}
	}
	if _, err := exchangeFormat("xml", ""); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestStoreCandidates(t *testing.T) {
	store := mapping.New(filepath.Join(t.TempDir(), "m.bin"))
	store.AddMapping("b", "beta", mapping.KindVariable, "", 0.8)
	store.AddMapping("a", "props", mapping.KindParameter, "Wu1.constructor", 0.9)
	store.AddMapping("a", "data", mapping.KindParameter, "", 0.7)

	got := storeCandidates(store, "Wu1.constructor")
	if len(got) != 2 || got[0].Symbol != "a" || got[1].Symbol != "b" {
		t.Fatalf("storeCandidates = %+v", got)
	}
	for _, c := range got {
		if c.Context != "Wu1.constructor" {
			t.Errorf("candidate %s context = %q", c.Symbol, c.Context)
		}
	}
}

func TestMapCommands(t *testing.T) {
	root := t.TempDir()

	if _, err := runCLI(t, "map", "add", "A", "props", "--kind", "parameter",
		"--context", "Wu1.constructor", "--confidence", "0.9", "--root", root); err != nil {
		t.Fatalf("map add: %v", err)
	}
	if _, err := runCLI(t, "map", "add", "A", "data", "--kind", "param", "--confidence", "0.7", "--root", root); err != nil {
		t.Fatalf("map add: %v", err)
	}

	out, err := runCLI(t, "map", "get", "A", "--context", "Wu1.constructor", "--root", root)
	if err != nil {
		t.Fatalf("map get: %v", err)
	}
	if m := decodeMapping(t, out); m.Mapped != "props" || m.Confidence != 0.9 || m.Kind != mapping.KindParameter {
		t.Errorf("exact context lookup = %+v", m)
	}

	out, err = runCLI(t, "map", "get", "A", "--context", "Unknown", "--root", root)
	if err != nil {
		t.Fatalf("map get: %v", err)
	}
	if m := decodeMapping(t, out); m.Mapped != "data" || m.Confidence != 0.7 {
		t.Errorf("global fallback = %+v", m)
	}

	_, err = runCLI(t, "map", "get", "missing", "--root", root)
	if hohoerrors.CodeOf(err) != hohoerrors.SymbolNotFound {
		t.Errorf("missing mapping error = %v", err)
	}

	out, err = runCLI(t, "map", "search", "[invalid(regex", "--root", root)
	if err != nil {
		t.Fatalf("map search with invalid regex: %v", err)
	}
	if strings.TrimSpace(out) != "null" && strings.TrimSpace(out) != "[]" {
		t.Errorf("search output = %q", out)
	}

	out, err = runCLI(t, "map", "stats", "--root", root)
	if err != nil {
		t.Fatalf("map stats: %v", err)
	}
	var stats mapping.Stats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalMappings != 2 {
		t.Errorf("TotalMappings = %d, want 2", stats.TotalMappings)
	}
}

func TestMapExportImport(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	if _, err := runCLI(t, "map", "add", "e", "event", "--root", src); err != nil {
		t.Fatalf("map add: %v", err)
	}

	exported := filepath.Join(t.TempDir(), "maps.yaml")
	if _, err := runCLI(t, "map", "export", "--out", exported, "--root", src); err != nil {
		t.Fatalf("map export: %v", err)
	}
	if _, err := runCLI(t, "map", "import", exported, "--root", dst); err != nil {
		t.Fatalf("map import: %v", err)
	}

	store, err := mapping.Open(paths.GetStorePath(dst))
	if err != nil {
		t.Fatal(err)
	}
	m, ok := store.GetMapping("e", "")
	if !ok || m.Mapped != "event" {
		t.Errorf("imported mapping = %+v, %v", m, ok)
	}
}

func TestMapMigrate(t *testing.T) {
	root := t.TempDir()
	legacy := filepath.Join(root, "mappings.json")
	doc := `{"a": {"mapped": "config", "type": "variable"}, "b": {"type": "function"}}`
	if err := os.WriteFile(legacy, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "map", "migrate", legacy, "--root", root)
	if err != nil {
		t.Fatalf("map migrate: %v", err)
	}
	var res mapping.MigrationResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Imported != 1 || res.Skipped != 1 {
		t.Errorf("migration result = %+v", res)
	}

	if err := os.WriteFile(legacy, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = runCLI(t, "map", "migrate", legacy, "--root", root)
	if hohoerrors.CodeOf(err) != hohoerrors.MigrationFailed {
		t.Errorf("invalid legacy JSON error = %v", err)
	}
}

func TestRenameRejectsBadInput(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "app.js"), []byte("var a;\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := runCLI(t, "rename", filepath.Join(root, "app.js"), "--root", root)
	if hohoerrors.CodeOf(err) != hohoerrors.InvalidRequest {
		t.Errorf("rename without mappings error = %v", err)
	}

	_, err = runCLI(t, "rename", filepath.Join(root, "app.js"), "--map", "a", "--root", root)
	if hohoerrors.CodeOf(err) != hohoerrors.InvalidRequest {
		t.Errorf("rename with malformed --map error = %v", err)
	}

	// an empty store plans nothing
	_, err = runCLI(t, "rename", root, "--from-store", "--root", root)
	if hohoerrors.CodeOf(err) != hohoerrors.InvalidRequest {
		t.Errorf("rename --from-store on empty store error = %v", err)
	}

	_, err = runCLI(t, "rename", root, "--map", "a=b", "--include", "**.ts", "--root", root)
	if hohoerrors.CodeOf(err) != hohoerrors.InvalidRequest {
		t.Errorf("rename with no matching files error = %v", err)
	}
}

func TestHistory(t *testing.T) {
	root := t.TempDir()

	out, err := runCLI(t, "history", "--root", root)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "No renames recorded yet") {
		t.Errorf("empty history output = %q", out)
	}

	src := filepath.Join(root, "src")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "app.js"), []byte("var count;\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	j, err := journal.Open(paths.GetJournalPath(root), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, e := range []journal.Entry{
		{File: "src/app.js", Symbol: "a", NewName: "count", Status: "renamed", References: 3},
		{File: "src/app.js", Symbol: "b", NewName: "1bad", Status: "failed", Error: "invalid identifier"},
		{File: "lib.js", Symbol: "a", NewName: "count", Status: "renamed", References: 1},
	} {
		if err := j.Record(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	out, err = runCLI(t, "history", "--file", filepath.Join(root, "src", "app.js"), "--root", root)
	if err != nil {
		t.Fatalf("history --file: %v", err)
	}
	var h historyResponse
	if err := json.Unmarshal([]byte(out), &h); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if h.Summary.Total != 3 || len(h.Entries) != 2 {
		t.Errorf("history = %+v", h)
	}
	for _, e := range h.Entries {
		if e.File != "src/app.js" {
			t.Errorf("entry from %q leaked through the file filter", e.File)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, version.Version) {
		t.Errorf("version output = %q", out)
	}
}

func TestDaemonLoggerCopiesToStderrWhenVerbose(t *testing.T) {
	var errBuf bytes.Buffer
	stderr = &errBuf
	t.Cleanup(func() { stderr = os.Stderr })

	logPath := filepath.Join(t.TempDir(), "daemon.log")
	daemonLogFile = logPath
	t.Cleanup(func() { daemonLogFile = "" })

	for _, v := range []int{0, 1} {
		verbosity, quiet = v, false
		logger, closer, err := daemonLogger(config.DefaultConfig())
		if err != nil {
			t.Fatalf("daemonLogger: %v", err)
		}
		logger.Warn("daemon-line", "verbosity", v)
		_ = closer.Close()
	}
	verbosity, quiet = 0, false

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if got := strings.Count(string(data), "daemon-line"); got != 2 {
		t.Errorf("log file has %d lines, want 2:\n%s", got, data)
	}
	if got := strings.Count(errBuf.String(), "daemon-line"); got != 1 {
		t.Errorf("stderr has %d lines, want 1:\n%s", got, errBuf.String())
	}
	if !strings.Contains(errBuf.String(), "verbosity=1") {
		t.Errorf("stderr should carry the verbose run only, got %q", errBuf.String())
	}
}

func TestKindListMatchesParseKind(t *testing.T) {
	for _, name := range strings.Split(kindList(), ", ") {
		if _, err := mapping.ParseKind(name); err != nil {
			t.Errorf("listed kind %q does not parse: %v", name, err)
		}
	}
	if !strings.Contains(kindList(), "method") {
		t.Errorf("kindList() = %q, want every kind", kindList())
	}
}
