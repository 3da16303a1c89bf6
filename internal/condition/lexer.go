package condition

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokBool
	tokCompare // ==, !=, >=, <=, >, <
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return fmt.Sprintf("%q at %d", t.text, t.pos)
}

// lexer splits an expression into tokens on demand.
type lexer struct {
	src string
	pos int
}

func (l *lexer) all() ([]token, error) {
	var out []token
	for {
		t, err := l.next()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		if t.kind == tokEOF {
			return out, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && isSpace(l.src[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]
	switch {
	case c == '(':
		return l.single(tokLParen), nil
	case c == ')':
		return l.single(tokRParen), nil
	case c == '[':
		return l.single(tokLBracket), nil
	case c == ']':
		return l.single(tokRBracket), nil
	case c == ',':
		return l.single(tokComma), nil
	case c == '=' || c == '!' || c == '<' || c == '>':
		return l.compare()
	case c == '"' || c == '\'':
		return l.quoted(c)
	case isDigit(c) || (c == '-' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1])):
		return l.number(), nil
	}

	r, _ := utf8.DecodeRuneInString(l.src[l.pos:])
	if r == '_' || unicode.IsLetter(r) {
		return l.word(), nil
	}
	return token{}, fmt.Errorf("unexpected character %q at %d", r, start)
}

func (l *lexer) single(kind tokenKind) token {
	t := token{kind: kind, text: l.src[l.pos : l.pos+1], pos: l.pos}
	l.pos++
	return t
}

func (l *lexer) compare() (token, error) {
	start := l.pos
	if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
		l.pos += 2
		return token{kind: tokCompare, text: l.src[start:l.pos], pos: start}, nil
	}
	c := l.src[l.pos]
	if c == '=' || c == '!' {
		return token{}, fmt.Errorf("incomplete operator %q at %d", c, start)
	}
	l.pos++
	return token{kind: tokCompare, text: string(c), pos: start}, nil
}

func (l *lexer) quoted(quote byte) (token, error) {
	start := l.pos
	var sb strings.Builder
	for i := l.pos + 1; i < len(l.src); i++ {
		c := l.src[i]
		switch {
		case c == '\\' && i+1 < len(l.src):
			i++
			sb.WriteByte(l.src[i])
		case c == quote:
			l.pos = i + 1
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		default:
			sb.WriteByte(c)
		}
	}
	return token{}, fmt.Errorf("unterminated string starting at %d", start)
}

func (l *lexer) number() token {
	start := l.pos
	l.pos++
	for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
		l.pos++
	}
	return token{kind: tokNumber, text: l.src[start:l.pos], pos: start}
}

// word scans an identifier, keyword or dotted field path.
func (l *lexer) word() token {
	start := l.pos
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if r != '_' && r != '.' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		l.pos += size
	}
	text := l.src[start:l.pos]
	if lower := strings.ToLower(text); lower == "true" || lower == "false" {
		return token{kind: tokBool, text: lower, pos: start}
	}
	return token{kind: tokIdent, text: text, pos: start}
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }
