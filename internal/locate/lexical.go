package locate

import (
	"unicode"
	"unicode/utf8"
)

// keywords after which a slash starts a regular expression literal.
var regexKeywords = map[string]bool{
	"return": true, "typeof": true, "instanceof": true, "in": true, "of": true,
	"new": true, "delete": true, "void": true, "throw": true, "case": true,
	"do": true, "else": true, "yield": true, "await": true,
}

// lexer is a JavaScript-shaped tokenizer that knows just enough to skip
// strings, template text, comments and regular expressions.
type lexer struct {
	src  []byte
	i    int
	name string
	out  []Occurrence
	pos  lineTracker

	regexAllowed bool
	afterDot     bool
	// templates holds the brace depth of each open ${ } substitution.
	templates []int
}

func lexicalOccurrences(src []byte, name string) []Occurrence {
	lx := &lexer{src: src, name: name, regexAllowed: true, pos: lineTracker{src: src}}
	lx.run()
	return lx.out
}

func (lx *lexer) peek(n int) byte {
	if lx.i+n < len(lx.src) {
		return lx.src[lx.i+n]
	}
	return 0
}

func (lx *lexer) run() {
	for lx.i < len(lx.src) {
		c := lx.src[lx.i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			lx.i++
		case c == '/' && lx.peek(1) == '/':
			lx.skipLineComment()
		case c == '/' && lx.peek(1) == '*':
			lx.skipBlockComment()
		case c == '\'' || c == '"':
			lx.skipString(c)
			lx.token(false)
		case c == '`':
			lx.i++
			lx.templateText()
		case c == '{':
			if n := len(lx.templates); n > 0 {
				lx.templates[n-1]++
			}
			lx.i++
			lx.token(true)
		case c == '}':
			lx.i++
			if n := len(lx.templates); n > 0 {
				if lx.templates[n-1] == 0 {
					lx.templates = lx.templates[:n-1]
					lx.templateText()
					continue
				}
				lx.templates[n-1]--
			}
			lx.token(true)
		case c == '/':
			if lx.regexAllowed {
				lx.skipRegex()
				lx.token(false)
			} else {
				lx.i++
				lx.token(true)
			}
		case c == '.':
			if lx.peek(1) == '.' && lx.peek(2) == '.' {
				lx.i += 3
				lx.token(true)
				continue
			}
			if d := lx.peek(1); d >= '0' && d <= '9' {
				lx.skipNumber()
				lx.token(false)
				continue
			}
			lx.i++
			lx.token(true)
			lx.afterDot = true
		case c >= '0' && c <= '9':
			lx.skipNumber()
			lx.token(false)
		case c == ')' || c == ']':
			lx.i++
			lx.token(false)
		default:
			r, size := utf8.DecodeRune(lx.src[lx.i:])
			if isIdentStart(r) {
				lx.identifier()
				continue
			}
			lx.i += size
			lx.token(true)
		}
	}
}

// token records that a token ended; regexNext says whether a following slash
// would start a regular expression.
func (lx *lexer) token(regexNext bool) {
	lx.regexAllowed = regexNext
	lx.afterDot = false
}

func (lx *lexer) identifier() {
	start := lx.i
	for lx.i < len(lx.src) {
		r, size := utf8.DecodeRune(lx.src[lx.i:])
		if !isIdentPart(r) {
			break
		}
		lx.i += size
	}
	word := string(lx.src[start:lx.i])
	if word == lx.name {
		lx.out = append(lx.out, Occurrence{
			Position: lx.pos.at(start),
			Offset:   start,
			Property: lx.afterDot,
		})
	}
	lx.token(regexKeywords[word])
}

func (lx *lexer) skipLineComment() {
	for lx.i < len(lx.src) && lx.src[lx.i] != '\n' {
		lx.i++
	}
}

func (lx *lexer) skipBlockComment() {
	lx.i += 2
	for lx.i < len(lx.src) {
		if lx.src[lx.i] == '*' && lx.peek(1) == '/' {
			lx.i += 2
			return
		}
		lx.i++
	}
}

func (lx *lexer) skipString(quote byte) {
	lx.i++
	for lx.i < len(lx.src) {
		switch lx.src[lx.i] {
		case '\\':
			lx.i += 2
			continue
		case quote, '\n':
			lx.i++
			return
		}
		lx.i++
	}
}

// templateText skips literal template text up to the closing backtick or the
// next ${, which opens a substitution scanned as code.
func (lx *lexer) templateText() {
	for lx.i < len(lx.src) {
		switch lx.src[lx.i] {
		case '\\':
			lx.i += 2
			continue
		case '`':
			lx.i++
			lx.token(false)
			return
		case '$':
			if lx.peek(1) == '{' {
				lx.i += 2
				lx.templates = append(lx.templates, 0)
				lx.token(true)
				return
			}
		}
		lx.i++
	}
}

func (lx *lexer) skipRegex() {
	lx.i++
	inClass := false
	for lx.i < len(lx.src) {
		c := lx.src[lx.i]
		switch {
		case c == '\\':
			lx.i += 2
			continue
		case c == '\n':
			return
		case c == '[':
			inClass = true
		case c == ']':
			inClass = false
		case c == '/' && !inClass:
			lx.i++
			for lx.i < len(lx.src) && isASCIIIdentPart(lx.src[lx.i]) {
				lx.i++
			}
			return
		}
		lx.i++
	}
}

func (lx *lexer) skipNumber() {
	for lx.i < len(lx.src) && (isASCIIIdentPart(lx.src[lx.i]) || lx.src[lx.i] == '.') {
		lx.i++
	}
}

func isIdentStart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r) || unicode.Is(unicode.Mc, r) || r == '\u200c' || r == '\u200d'
}

func isASCIIIdentPart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
