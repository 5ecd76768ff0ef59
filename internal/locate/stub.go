//go:build !cgo

package locate

import "context"

const treeSitterAvailable = false

func treeSitterOccurrences(context.Context, []byte, Language, string) ([]Occurrence, error) {
	return nil, ErrNoCGO
}
