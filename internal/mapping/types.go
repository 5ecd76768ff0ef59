// Package mapping implements the context-indexed symbol mapping store: learned
// renames of obfuscated identifiers keyed by (original, context), with
// confidence and usage statistics, persisted to a compact binary file.
package mapping

import (
	"fmt"
	"strings"
	"time"
)

// GlobalContext is the context every empty context is normalized to, and the
// fallback level consulted by GetMapping.
const GlobalContext = "global"

// HighConfidenceThreshold is the confidence at or above which a mapping
// counts as high confidence in Stats.
const HighConfidenceThreshold = 0.9

// Kind is the syntactic role of a symbol.
type Kind uint8

const (
	KindFunction Kind = iota
	KindClass
	KindVariable
	KindParameter
	KindProperty
	KindMethod
)

var kindNames = [...]string{"function", "class", "variable", "parameter", "property", "method"}

var kindAliases = map[string]Kind{
	"func":  KindFunction,
	"fn":    KindFunction,
	"var":   KindVariable,
	"param": KindParameter,
	"arg":   KindParameter,
	"prop":  KindProperty,
	"field": KindProperty,
}

// String returns the lowercase kind name.
func (k Kind) String() string {
	if k.Valid() {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return int(k) < len(kindNames)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind parses a kind name case-insensitively, accepting common short forms.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range kindNames {
		if s == name {
			return Kind(i), nil
		}
	}
	if k, ok := kindAliases[s]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("unknown symbol kind %q", s)
}

// Kinds returns all declared kinds in order.
func Kinds() []Kind {
	out := make([]Kind, len(kindNames))
	for i := range kindNames {
		out[i] = Kind(i)
	}
	return out
}

// SymbolMapping is one learned rename. The pair (Original, Context) is unique
// within a store.
type SymbolMapping struct {
	Original string `json:"original"`
	Mapped   string `json:"mapped"`
	Kind     Kind   `json:"kind"`
	Context  string `json:"context"`
	// Confidence is caller supplied and deliberately not clamped to [0, 1].
	Confidence  float64   `json:"confidence"`
	LastUpdated time.Time `json:"lastUpdated"`
	UsageCount  uint64    `json:"usageCount"`
	References  []string  `json:"references,omitempty"`
}

// clone returns a deep copy so callers never alias store internals.
func (m *SymbolMapping) clone() *SymbolMapping {
	c := *m
	if m.References != nil {
		c.References = append(make([]string, 0, len(m.References)), m.References...)
	}
	return &c
}

// Stats are derived on demand from the current record set.
type Stats struct {
	TotalMappings     int            `json:"totalMappings"`
	ByKind            map[string]int `json:"byKind"`
	ByContext         map[string]int `json:"byContext"`
	AverageConfidence float64        `json:"averageConfidence"`
	HighConfidence    int            `json:"highConfidence"`
	TotalUsage        uint64         `json:"totalUsage"`
}

// NormalizeContext maps an empty or blank context to GlobalContext.
func NormalizeContext(context string) string {
	if strings.TrimSpace(context) == "" {
		return GlobalContext
	}
	return context
}

type key struct {
	original string
	context  string
}
