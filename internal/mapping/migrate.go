package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	hohoerrors "hoho/internal/errors"
)

// Defaults applied to legacy entries that omit the field.
const (
	LegacyDefaultConfidence = 0.8
	LegacyDefaultKind       = KindVariable
)

// MigrationResult summarizes one legacy import.
type MigrationResult struct {
	Source   string   `json:"source"`
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Warnings []string `json:"warnings,omitempty"`
	// Preserved is the copy of the legacy file left next to it, empty when
	// nothing was migrated.
	Preserved string `json:"preserved,omitempty"`
}

type legacyEntry struct {
	Mapped     *string  `json:"mapped"`
	Type       string   `json:"type"`
	Context    string   `json:"context"`
	Confidence *float64 `json:"confidence"`
	UsageCount *uint64  `json:"usageCount"`
}

// MigrateFromJSON imports the legacy JSON mapping file at path: an object from
// original name to {mapped, type, context?, confidence?, usageCount?}. A
// missing file is a no-op. Invalid JSON is a MIGRATION_FAILED error; entries
// that are individually malformed are skipped with a warning. After a
// successful import the source file is copied to "<path>.migrated.<timestamp>".
func (s *Store) MigrateFromJSON(ctx context.Context, path string) (MigrationResult, error) {
	res := MigrationResult{Source: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, hohoerrors.New(hohoerrors.MigrationFailed, "read legacy mappings", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return res, hohoerrors.New(hohoerrors.MigrationFailed,
			fmt.Sprintf("legacy mappings %s are not a JSON object", path), err)
	}
	if raw == nil {
		return res, hohoerrors.New(hohoerrors.MigrationFailed,
			fmt.Sprintf("legacy mappings %s are not a JSON object", path), nil)
	}

	for original, msg := range raw {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		entry, kind, err := parseLegacyEntry(msg)
		if err != nil {
			res.Skipped++
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", original, err))
			continue
		}
		confidence := LegacyDefaultConfidence
		if entry.Confidence != nil {
			confidence = *entry.Confidence
		}
		var usage uint64 = 1
		if entry.UsageCount != nil && *entry.UsageCount > 1 {
			usage = *entry.UsageCount
		}
		s.upsert(original, *entry.Mapped, kind, entry.Context, confidence, usage, nil)
		res.Imported++
	}

	if res.Imported > 0 {
		preserved := path + ".migrated." + timestampSuffix(s.now())
		if err := copyFile(path, preserved); err != nil {
			s.logger.Warn("could not preserve legacy mapping file", "path", path, "error", err)
		} else {
			res.Preserved = preserved
		}
	}

	s.logger.Info("legacy mappings migrated",
		"source", path, "imported", res.Imported, "skipped", res.Skipped)
	return res, nil
}

func parseLegacyEntry(msg json.RawMessage) (legacyEntry, Kind, error) {
	var e legacyEntry
	if err := json.Unmarshal(msg, &e); err != nil {
		return e, 0, fmt.Errorf("malformed entry: %w", err)
	}
	if e.Mapped == nil {
		return e, 0, errors.New("missing mapped name")
	}
	kind := LegacyDefaultKind
	if e.Type != "" {
		k, err := ParseKind(e.Type)
		if err != nil {
			return e, 0, err
		}
		kind = k
	}
	return e, kind, nil
}
