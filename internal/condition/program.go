// Package condition compiles boolean filter expressions over event fields.
//
//	type == "TRANSACTION" AND data.amount >= 100
//	priority in ["HIGH", "CRITICAL"] OR NOT name matches "^debug\."
//
// Field paths are resolved through a Resolver. Literals are strings, numbers
// and booleans. Keywords (AND, OR, NOT, in, contains, matches) are
// case-insensitive.
package condition

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnknownField is returned by Match when a field path does not resolve.
var ErrUnknownField = errors.New("unknown field")

// Resolver looks up a dotted field path split into its segments.
type Resolver interface {
	Resolve(path []string) (interface{}, bool)
}

// Program is a compiled expression. It is immutable and safe for concurrent use.
type Program struct {
	src  string
	root node
}

// Compile parses expr. Regular expressions given as literals are compiled here.
func Compile(expr string) (*Program, error) {
	toks, err := (&lexer{src: expr}).all()
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", expr, err)
	}
	p := &parser{toks: toks}
	root, err := p.or()
	if err == nil && p.peek().kind != tokEOF {
		err = fmt.Errorf("unexpected %s", p.peek())
	}
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", expr, err)
	}
	return &Program{src: expr, root: root}, nil
}

// MustCompile is Compile for expressions known to be valid.
func MustCompile(expr string) *Program {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Match evaluates the program against r.
func (p *Program) Match(r Resolver) (bool, error) {
	return p.root.eval(r)
}

func (p *Program) String() string { return p.src }

// -----------------------------------------------------------------------
// Nodes
// -----------------------------------------------------------------------

type node interface {
	eval(r Resolver) (bool, error)
}

type andNode struct{ left, right node }

func (n andNode) eval(r Resolver) (bool, error) {
	ok, err := n.left.eval(r)
	if err != nil || !ok {
		return false, err
	}
	return n.right.eval(r)
}

type orNode struct{ left, right node }

func (n orNode) eval(r Resolver) (bool, error) {
	ok, err := n.left.eval(r)
	if err != nil || ok {
		return ok, err
	}
	return n.right.eval(r)
}

type notNode struct{ inner node }

func (n notNode) eval(r Resolver) (bool, error) {
	ok, err := n.inner.eval(r)
	return !ok && err == nil, err
}

type compareNode struct {
	left, right operand
	op          Operator
	re          *regexp.Regexp // precompiled when the pattern is a literal
}

func (n compareNode) eval(r Resolver) (bool, error) {
	lv, err := n.left.value(r)
	if err != nil {
		return false, err
	}
	if n.re != nil {
		s, ok := lv.(string)
		if !ok {
			return false, fmt.Errorf("matches: left operand must be a string, got %T", lv)
		}
		return n.re.MatchString(s), nil
	}
	rv, err := n.right.value(r)
	if err != nil {
		return false, err
	}
	return apply(n.op, lv, rv)
}

type inNode struct {
	left operand
	set  []interface{}
}

func (n inNode) eval(r Resolver) (bool, error) {
	v, err := n.left.value(r)
	if err != nil {
		return false, err
	}
	for _, candidate := range n.set {
		if equal(v, candidate) {
			return true, nil
		}
	}
	return false, nil
}

type operand interface {
	value(r Resolver) (interface{}, error)
}

type literal struct{ v interface{} }

func (l literal) value(Resolver) (interface{}, error) { return l.v, nil }

type field []string

func (f field) value(r Resolver) (interface{}, error) {
	v, ok := r.Resolve(f)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownField, strings.Join(f, "."))
	}
	return v, nil
}

// -----------------------------------------------------------------------
// Parser
//
//	or      = and { OR and }
//	and     = unary { AND unary }
//	unary   = NOT unary | "(" or ")" | cmp
//	cmp     = operand ( op operand | IN "[" literal { "," literal } "]" )
// -----------------------------------------------------------------------

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, kw) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expect(kind tokenKind, what string) error {
	if t := p.advance(); t.kind != kind {
		return fmt.Errorf("expected %s, got %s", what, t)
	}
	return nil
}

func (p *parser) or() (node, error) {
	left, err := p.and()
	for err == nil && p.keyword("OR") {
		var right node
		if right, err = p.and(); err == nil {
			left = orNode{left, right}
		}
	}
	return left, err
}

func (p *parser) and() (node, error) {
	left, err := p.unary()
	for err == nil && p.keyword("AND") {
		var right node
		if right, err = p.unary(); err == nil {
			left = andNode{left, right}
		}
	}
	return left, err
}

func (p *parser) unary() (node, error) {
	if p.keyword("NOT") {
		inner, err := p.unary()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	}
	if p.peek().kind == tokLParen {
		p.advance()
		inner, err := p.or()
		if err != nil {
			return nil, err
		}
		return inner, p.expect(tokRParen, `")"`)
	}
	return p.comparison()
}

func (p *parser) comparison() (node, error) {
	left, err := p.operand()
	if err != nil {
		return nil, err
	}

	if p.keyword("in") {
		set, err := p.list()
		if err != nil {
			return nil, err
		}
		return inNode{left: left, set: set}, nil
	}

	var op Operator
	switch t := p.peek(); {
	case t.kind == tokCompare:
		op = Operator(t.text)
	case t.kind == tokIdent && strings.EqualFold(t.text, string(OpContains)):
		op = OpContains
	case t.kind == tokIdent && strings.EqualFold(t.text, string(OpMatches)):
		op = OpMatches
	default:
		return nil, fmt.Errorf("expected comparison operator, got %s", t)
	}
	p.advance()

	right, err := p.operand()
	if err != nil {
		return nil, err
	}
	n := compareNode{left: left, op: op, right: right}
	if lit, ok := right.(literal); ok && op == OpMatches {
		pattern, ok := lit.v.(string)
		if !ok {
			return nil, fmt.Errorf("matches: pattern must be a string, got %T", lit.v)
		}
		if n.re, err = regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("matches: invalid pattern %q: %w", pattern, err)
		}
	}
	return n, nil
}

func (p *parser) list() ([]interface{}, error) {
	if err := p.expect(tokLBracket, `"["`); err != nil {
		return nil, err
	}
	var out []interface{}
	for {
		op, err := p.operand()
		if err != nil {
			return nil, err
		}
		lit, ok := op.(literal)
		if !ok {
			return nil, fmt.Errorf("in: list elements must be literals")
		}
		out = append(out, lit.v)
		if p.peek().kind != tokComma {
			break
		}
		p.advance()
	}
	return out, p.expect(tokRBracket, `"]"`)
}

func (p *parser) operand() (operand, error) {
	t := p.advance()
	switch t.kind {
	case tokString:
		return literal{t.text}, nil
	case tokBool:
		return literal{t.text == "true"}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %s", t)
		}
		return literal{f}, nil
	case tokIdent:
		if isKeyword(t.text) {
			return nil, fmt.Errorf("expected operand, got keyword %s", t)
		}
		return field(strings.Split(t.text, ".")), nil
	}
	return nil, fmt.Errorf("expected operand, got %s", t)
}

func isKeyword(s string) bool {
	switch strings.ToUpper(s) {
	case "AND", "OR", "NOT", "IN", "CONTAINS", "MATCHES":
		return true
	}
	return false
}
