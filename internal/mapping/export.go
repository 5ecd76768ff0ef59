package mapping

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	burntoml "github.com/BurntSushi/toml"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format is a text interchange format for Export and Import.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ParseFormat parses a format name; "yml" is accepted for YAML.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unsupported format %q (want json, yaml or toml)", s)
}

const exportVersion = 1

type exportDocument struct {
	Version  int            `json:"version" yaml:"version" toml:"version"`
	Mappings []exportRecord `json:"mappings" yaml:"mappings" toml:"mappings"`
}

type exportRecord struct {
	Original    string   `json:"original" yaml:"original" toml:"original"`
	Mapped      string   `json:"mapped" yaml:"mapped" toml:"mapped"`
	Kind        string   `json:"kind" yaml:"kind" toml:"kind"`
	Context     string   `json:"context" yaml:"context" toml:"context"`
	Confidence  float64  `json:"confidence" yaml:"confidence" toml:"confidence"`
	UsageCount  uint64   `json:"usageCount" yaml:"usageCount" toml:"usageCount"`
	LastUpdated string   `json:"lastUpdated,omitempty" yaml:"lastUpdated,omitempty" toml:"lastUpdated,omitempty"`
	References  []string `json:"references,omitempty" yaml:"references,omitempty" toml:"references,omitempty"`
}

// Export writes every record to w in the given format, ordered like GetAllMappings.
func (s *Store) Export(w io.Writer, format Format) error {
	all := s.GetAllMappings()
	doc := exportDocument{Version: exportVersion, Mappings: make([]exportRecord, 0, len(all))}
	for _, m := range all {
		doc.Mappings = append(doc.Mappings, exportRecord{
			Original:    m.Original,
			Mapped:      m.Mapped,
			Kind:        m.Kind.String(),
			Context:     m.Context,
			Confidence:  m.Confidence,
			UsageCount:  m.UsageCount,
			LastUpdated: m.LastUpdated.UTC().Format(time.RFC3339Nano),
			References:  m.References,
		})
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case FormatTOML:
		return burntoml.NewEncoder(w).Encode(doc)
	}
	return fmt.Errorf("unsupported format %q", format)
}

// Import reads a document produced by Export and merges every record through
// the AddMapping rules, carrying over usage counts. Nothing is merged when any
// record is invalid. It returns the number of records merged.
func (s *Store) Import(r io.Reader, format Format) (int, error) {
	var doc exportDocument
	var err error
	switch format {
	case FormatJSON:
		err = json.NewDecoder(r).Decode(&doc)
	case FormatYAML:
		err = yaml.NewDecoder(r).Decode(&doc)
	case FormatTOML:
		err = toml.NewDecoder(r).Decode(&doc)
	default:
		return 0, fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return 0, fmt.Errorf("decode %s mappings: %w", format, err)
	}
	if doc.Version > exportVersion {
		return 0, fmt.Errorf("mapping document version %d is newer than supported version %d", doc.Version, exportVersion)
	}

	kinds := make([]Kind, len(doc.Mappings))
	for i, rec := range doc.Mappings {
		kind, err := ParseKind(rec.Kind)
		if err != nil {
			return 0, fmt.Errorf("mapping %d (%s): %w", i, rec.Original, err)
		}
		kinds[i] = kind
	}
	for i, rec := range doc.Mappings {
		s.upsert(rec.Original, rec.Mapped, kinds[i], rec.Context, rec.Confidence, rec.UsageCount, rec.References)
	}
	s.logger.Debug("mappings imported", "format", string(format), "count", len(doc.Mappings))
	return len(doc.Mappings), nil
}
