package fhirpath

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokDelimitedIdent
	tokInteger
	tokDecimal
	tokString
	tokDate
	tokDateTime
	tokTime
	tokSpecial  // $this, $index, $total
	tokExternal // %name
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace
	tokDot
	tokComma
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokAmp
	tokPipe
	tokLess
	tokLessEq
	tokGreater
	tokGreaterEq
	tokEq
	tokNotEq
	tokEquiv
	tokNotEquiv
)

type token struct {
	kind       tokenKind
	text       string // raw source text
	value      string // decoded value for strings and identifiers
	start, end int    // byte offsets
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) errorf(pos int, expected string, format string, args ...any) *ParseError {
	return &ParseError{Position: pos, Expected: expected, Found: fmt.Sprintf(format, args...)}
}

func (l *lexer) peek() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *lexer) peekAt(off int) byte {
	if l.pos+off >= len(l.src) {
		return 0
	}
	return l.src[l.pos+off]
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }

func (l *lexer) skipSpace() error {
	for l.pos < len(l.src) {
		switch c := l.src[l.pos]; {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			l.pos++
		case c == '/' && l.peekAt(1) == '/':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		case c == '/' && l.peekAt(1) == '*':
			end := strings.Index(l.src[l.pos+2:], "*/")
			if end < 0 {
				return l.errorf(len(l.src), "*/", "end of input")
			}
			l.pos += 2 + end + 2
		default:
			return nil
		}
	}
	return nil
}

func (l *lexer) next() (token, error) {
	if err := l.skipSpace(); err != nil {
		return token{}, err
	}
	start := l.pos
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, start: start, end: start}, nil
	}

	simple := func(kind tokenKind, n int) (token, error) {
		l.pos += n
		t := l.src[start:l.pos]
		return token{kind: kind, text: t, value: t, start: start, end: l.pos}, nil
	}

	switch c := l.src[l.pos]; {
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		t := l.src[start:l.pos]
		return token{kind: tokIdent, text: t, value: t, start: start, end: l.pos}, nil
	case isDigit(c):
		return l.scanNumber(start)
	case c == '\'':
		return l.scanString(start)
	case c == '`':
		return l.scanDelimitedIdent(start)
	case c == '@':
		return l.scanTemporal(start)
	case c == '$':
		l.pos++
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		name := l.src[start+1 : l.pos]
		if name != "this" && name != "index" && name != "total" {
			return token{}, l.errorf(start, "$this, $index or $total", "%s", l.src[start:l.pos])
		}
		return token{kind: tokSpecial, text: l.src[start:l.pos], value: name, start: start, end: l.pos}, nil
	case c == '%':
		return l.scanExternal(start)
	case c == '(':
		return simple(tokLParen, 1)
	case c == ')':
		return simple(tokRParen, 1)
	case c == '[':
		return simple(tokLBracket, 1)
	case c == ']':
		return simple(tokRBracket, 1)
	case c == '{':
		return simple(tokLBrace, 1)
	case c == '}':
		return simple(tokRBrace, 1)
	case c == '.':
		return simple(tokDot, 1)
	case c == ',':
		return simple(tokComma, 1)
	case c == '+':
		return simple(tokPlus, 1)
	case c == '-':
		return simple(tokMinus, 1)
	case c == '*':
		return simple(tokStar, 1)
	case c == '/':
		return simple(tokSlash, 1)
	case c == '&':
		return simple(tokAmp, 1)
	case c == '|':
		return simple(tokPipe, 1)
	case c == '<':
		if l.peekAt(1) == '=' {
			return simple(tokLessEq, 2)
		}
		return simple(tokLess, 1)
	case c == '>':
		if l.peekAt(1) == '=' {
			return simple(tokGreaterEq, 2)
		}
		return simple(tokGreater, 1)
	case c == '=':
		return simple(tokEq, 1)
	case c == '~':
		return simple(tokEquiv, 1)
	case c == '!':
		if l.peekAt(1) == '=' {
			return simple(tokNotEq, 2)
		}
		if l.peekAt(1) == '~' {
			return simple(tokNotEquiv, 2)
		}
		return token{}, l.errorf(start, "!= or !~", "%s", l.src[start:start+1])
	default:
		r, _ := utf8.DecodeRuneInString(l.src[l.pos:])
		return token{}, l.errorf(start, "token", "%s", string(r))
	}
}

func (l *lexer) scanNumber(start int) (token, error) {
	for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
		l.pos++
	}
	kind := tokInteger
	if l.peek() == '.' && isDigit(l.peekAt(1)) {
		kind = tokDecimal
		l.pos++
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
	}
	t := l.src[start:l.pos]
	return token{kind: kind, text: t, value: t, start: start, end: l.pos}, nil
}

func (l *lexer) scanString(start int) (token, error) {
	l.pos++ // opening quote
	raw, err := l.scanQuoted(start, '\'')
	if err != nil {
		return token{}, err
	}
	value, err := unescapeString(raw)
	if err != nil {
		return token{}, l.errorf(start, "valid escape sequence", "%s", raw)
	}
	return token{kind: tokString, text: l.src[start:l.pos], value: value, start: start, end: l.pos}, nil
}

func (l *lexer) scanDelimitedIdent(start int) (token, error) {
	l.pos++ // opening backtick
	raw, err := l.scanQuoted(start, '`')
	if err != nil {
		return token{}, err
	}
	value, err := unescapeString(raw)
	if err != nil {
		return token{}, l.errorf(start, "valid escape sequence", "%s", raw)
	}
	return token{kind: tokDelimitedIdent, text: l.src[start:l.pos], value: value, start: start, end: l.pos}, nil
}

// scanQuoted consumes up to and including the closing quote and returns the
// raw (still escaped) content between the quotes.
func (l *lexer) scanQuoted(start int, quote byte) (string, error) {
	contentStart := l.pos
	for l.pos < len(l.src) {
		switch l.src[l.pos] {
		case '\\':
			l.pos += 2
		case quote:
			raw := l.src[contentStart:l.pos]
			l.pos++
			return raw, nil
		default:
			l.pos++
		}
	}
	return "", l.errorf(len(l.src), fmt.Sprintf("closing %c", quote), "end of input")
}

func (l *lexer) scanExternal(start int) (token, error) {
	l.pos++ // %
	switch {
	case isIdentStart(l.peek()):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokExternal, text: l.src[start:l.pos], value: l.src[start+1 : l.pos], start: start, end: l.pos}, nil
	case l.peek() == '`':
		t, err := l.scanDelimitedIdent(l.pos)
		if err != nil {
			return token{}, err
		}
		return token{kind: tokExternal, text: l.src[start:l.pos], value: t.value, start: start, end: l.pos}, nil
	case l.peek() == '\'':
		t, err := l.scanString(l.pos)
		if err != nil {
			return token{}, err
		}
		return token{kind: tokExternal, text: l.src[start:l.pos], value: t.value, start: start, end: l.pos}, nil
	default:
		return token{}, l.errorf(start, "environment variable name", "%s", l.src[start:l.pos])
	}
}

// scanTemporal scans @date, @dateTime and @Ttime literals. The literal ends at
// the first character that cannot extend the format, so "@2012-01 - 3" stops
// before the subtraction.
func (l *lexer) scanTemporal(start int) (token, error) {
	l.pos++ // @
	if l.peek() == 'T' {
		l.pos++
		if !l.scanTimePart() {
			return token{}, l.errorf(start, "time literal", "%s", l.src[start:l.pos])
		}
		t := l.src[start+2 : l.pos]
		return token{kind: tokTime, text: l.src[start:l.pos], value: t, start: start, end: l.pos}, nil
	}

	// year
	for i := 0; i < 4; i++ {
		if !isDigit(l.peek()) {
			return token{}, l.errorf(start, "date literal", "%s", l.src[start:l.pos])
		}
		l.pos++
	}
	// -MM and -DD are only consumed when both digits follow
	for i := 0; i < 2; i++ {
		if l.peek() == '-' && isDigit(l.peekAt(1)) && isDigit(l.peekAt(2)) {
			l.pos += 3
		} else {
			break
		}
	}

	kind := tokDate
	if l.peek() == 'T' {
		kind = tokDateTime
		l.pos++
		if l.scanTimePart() {
			// optional timezone
			if l.peek() == 'Z' {
				l.pos++
			} else if (l.peek() == '+' || l.peek() == '-') &&
				isDigit(l.peekAt(1)) && isDigit(l.peekAt(2)) &&
				l.peekAt(3) == ':' && isDigit(l.peekAt(4)) && isDigit(l.peekAt(5)) {
				l.pos += 6
			}
		}
	}
	t := l.src[start+1 : l.pos]
	return token{kind: kind, text: l.src[start:l.pos], value: t, start: start, end: l.pos}, nil
}

// scanTimePart consumes hh[:mm[:ss[.fff]]] and reports whether an hour was
// present.
func (l *lexer) scanTimePart() bool {
	if !(isDigit(l.peek()) && isDigit(l.peekAt(1))) {
		return false
	}
	l.pos += 2
	for i := 0; i < 2; i++ {
		if l.peek() == ':' && isDigit(l.peekAt(1)) && isDigit(l.peekAt(2)) {
			l.pos += 3
		} else {
			return true
		}
	}
	if l.peek() == '.' && isDigit(l.peekAt(1)) {
		l.pos++
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
	}
	return true
}

// unescapeString decodes the escape sequences permitted in string literals and
// delimited identifiers.
func unescapeString(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("dangling backslash")
		}
		switch s[i] {
		case '\'', '"', '\\', '/', '`':
			b.WriteByte(s[i])
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'f':
			b.WriteByte('\f')
		case 'u':
			if i+4 >= len(s) {
				return "", fmt.Errorf("truncated unicode escape")
			}
			var code rune
			for _, c := range s[i+1 : i+5] {
				d, ok := hexDigit(c)
				if !ok {
					return "", fmt.Errorf("invalid unicode escape \\u%s", s[i+1:i+5])
				}
				code = code<<4 | rune(d)
			}
			b.WriteRune(code)
			i += 4
		default:
			return "", fmt.Errorf("unknown escape \\%c", s[i])
		}
	}
	return b.String(), nil
}

func hexDigit(c rune) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	}
	return 0, false
}
