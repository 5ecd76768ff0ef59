// Package locate finds the positions of an identifier in source text so a
// semantic backend can be asked about each one. Strings, comments and regular
// expression literals never produce matches.
package locate

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
)

// Language is a source language the scanner understands.
type Language string

const (
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangTSX        Language = "tsx"
	LangUnknown    Language = ""
)

// ErrNoCGO is returned by the tree-sitter path in builds without cgo.
var ErrNoCGO = errors.New("syntax-aware scanning requires cgo (tree-sitter)")

// Position is a zero-based line and UTF-16 code unit column, the unit used by
// language servers.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Occurrence is one token equal to the searched name.
type Occurrence struct {
	Position
	// Offset is the byte offset of the token.
	Offset int `json:"offset"`
	// Property is set for member names such as the b in a.b, which usually
	// belong to a different binding than a plain b.
	Property bool `json:"property,omitempty"`
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// IsIdentifier reports whether name is a plain ASCII identifier.
func IsIdentifier(name string) bool {
	return identifierRe.MatchString(name)
}

// LanguageFromPath maps a file extension to a Language.
func LanguageFromPath(path string) Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".mjs", ".cjs", ".jsx":
		return LangJavaScript
	case ".ts", ".mts", ".cts":
		return LangTypeScript
	case ".tsx":
		return LangTSX
	}
	return LangUnknown
}

// Occurrences returns every identifier token in source equal to name, in
// document order. Known languages are parsed with tree-sitter when available;
// otherwise a lexical scanner is used.
func Occurrences(ctx context.Context, source []byte, lang Language, name string) ([]Occurrence, error) {
	if name == "" {
		return nil, nil
	}
	if treeSitterAvailable && lang != LangUnknown {
		occ, err := treeSitterOccurrences(ctx, source, lang, name)
		if err == nil {
			return occ, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return lexicalOccurrences(source, name), nil
}

// Bindings returns the non-property occurrences first, then property
// occurrences, which is the order positions should be tried in when looking
// for the binding of a plain name.
func Bindings(occ []Occurrence) []Occurrence {
	out := make([]Occurrence, 0, len(occ))
	for _, o := range occ {
		if !o.Property {
			out = append(out, o)
		}
	}
	for _, o := range occ {
		if o.Property {
			out = append(out, o)
		}
	}
	return out
}
