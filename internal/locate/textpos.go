package locate

import (
	"bytes"
	"fmt"
	"unicode/utf8"
)

// ByteOffset converts a (line, UTF-16 column) position into a byte offset in
// src. A column past the end of its line is an error; line may equal the
// number of lines only with column 0.
func ByteOffset(src []byte, line, character int) (int, error) {
	if line < 0 || character < 0 {
		return 0, fmt.Errorf("negative position %d:%d", line, character)
	}
	off := 0
	for l := 0; l < line; l++ {
		idx := bytes.IndexByte(src[off:], '\n')
		if idx < 0 {
			return 0, fmt.Errorf("line %d out of range", line)
		}
		off += idx + 1
	}

	units := 0
	for units < character {
		if off >= len(src) || src[off] == '\n' {
			return 0, fmt.Errorf("column %d out of range on line %d", character, line)
		}
		r, size := utf8.DecodeRune(src[off:])
		units += utf16Len(r)
		off += size
	}
	if units != character {
		return 0, fmt.Errorf("column %d splits a surrogate pair on line %d", character, line)
	}
	return off, nil
}

// PositionAt converts a byte offset into a (line, UTF-16 column) position.
func PositionAt(src []byte, offset int) Position {
	if offset > len(src) {
		offset = len(src)
	}
	line, lineStart := 0, 0
	for i := 0; i < offset; i++ {
		if src[i] == '\n' {
			line++
			lineStart = i + 1
		}
	}
	return Position{Line: line, Character: utf16Width(src[lineStart:offset])}
}

func utf16Width(b []byte) int {
	n := 0
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		n += utf16Len(r)
		b = b[size:]
	}
	return n
}

func utf16Len(r rune) int {
	if r >= 0x10000 {
		return 2
	}
	return 1
}

// lineTracker converts increasing byte offsets to positions without
// rescanning from the start of the file each time.
type lineTracker struct {
	src       []byte
	off       int
	line      int
	lineStart int
}

func (t *lineTracker) at(offset int) Position {
	if offset < t.off {
		t.off, t.line, t.lineStart = 0, 0, 0
	}
	if offset > len(t.src) {
		offset = len(t.src)
	}
	for ; t.off < offset; t.off++ {
		if t.src[t.off] == '\n' {
			t.line++
			t.lineStart = t.off + 1
		}
	}
	return Position{Line: t.line, Character: utf16Width(t.src[t.lineStart:offset])}
}
