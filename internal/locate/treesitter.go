//go:build cgo

package locate

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

const treeSitterAvailable = true

// identifierNodeTypes are the leaf node types that spell a name. The value
// marks member-name types.
var identifierNodeTypes = map[string]bool{
	"identifier":                            false,
	"shorthand_property_identifier":         false,
	"shorthand_property_identifier_pattern": false,
	"type_identifier":                       false,
	"property_identifier":                   true,
	"private_property_identifier":           true,
}

func getLanguage(lang Language) (*sitter.Language, error) {
	switch lang {
	case LangJavaScript:
		return javascript.GetLanguage(), nil
	case LangTypeScript:
		return typescript.GetLanguage(), nil
	case LangTSX:
		return tsx.GetLanguage(), nil
	default:
		return nil, fmt.Errorf("unsupported language: %s", lang)
	}
}

func treeSitterOccurrences(ctx context.Context, source []byte, lang Language, name string) ([]Occurrence, error) {
	tsLang, err := getLanguage(lang)
	if err != nil {
		return nil, err
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(tsLang)

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	defer tree.Close()

	var out []Occurrence
	tracker := &lineTracker{src: source}
	stack := []*sitter.Node{tree.RootNode()}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		count := int(node.ChildCount())
		if count == 0 {
			property, ok := identifierNodeTypes[node.Type()]
			if ok && node.Content(source) == name {
				start := int(node.StartByte())
				out = append(out, Occurrence{
					Position: tracker.at(start),
					Offset:   start,
					Property: property,
				})
			}
			continue
		}
		// Push in reverse so children pop in document order.
		for i := count - 1; i >= 0; i-- {
			if child := node.Child(i); child != nil {
				stack = append(stack, child)
			}
		}
	}
	return out, nil
}
