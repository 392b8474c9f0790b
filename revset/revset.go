// Package revset implements the small revision-set query language of
// spec.md §4.4: set operators (+, -, &, not), the ::  ancestor/descendant
// range, and named predicates (heads(), roots(), ancestors(x),
// descendants(x), author(pattern), desc(pattern), date(spec)). A query
// compiles to a lazy Expr that is only evaluated against a Store when
// Eval is called, so a caller can build a query once and run it against
// different stores (e.g. a revlog vs. a pending overlay) without
// recompiling.
//
// Grounded on the teacher's BranchNameMapper (main.go), whose
// branchMaps []BranchRegex is itself a tiny named-predicate list matched
// against input text — generalized here to revisions with a hand-rolled
// recursive-descent parser in the same spirit as the teacher's own
// regex-compiling config validation.
package revset

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rcowham/vcscore/apperr"
	"github.com/rcowham/vcscore/dag"
)

// Store is everything a revset predicate needs from the repository.
// changelog.Changelog and the dag.Graph it wraps both satisfy the
// subset used here; callers pass an adapter in production code.
type Store interface {
	dag.Graph
	User(rev dag.Rev) string
	Desc(rev dag.Rev) string
	Time(rev dag.Rev) int64
}

// Expr is a compiled, lazily-evaluated revset query.
type Expr interface {
	Eval(s Store) dag.RevSet
}

// Parse compiles a revset query string into an Expr.
func Parse(query string) (Expr, error) {
	p := &parser{toks: lex(query), src: query}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, apperr.NewInputError(fmt.Sprintf("revset: unexpected trailing input at %q", p.src))
	}
	return expr, nil
}

// --- lexer ---

type tokKind int

const (
	tokEOF tokKind = iota
	tokNumber
	tokIdent
	tokString
	tokLParen
	tokRParen
	tokComma
	tokPlus
	tokMinus
	tokAmp
	tokRange
	tokNot
)

type token struct {
	kind tokKind
	text string
}

func lex(s string) []token {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '+':
			toks = append(toks, token{tokPlus, "+"})
			i++
		case c == '-':
			toks = append(toks, token{tokMinus, "-"})
			i++
		case c == '&':
			toks = append(toks, token{tokAmp, "&"})
			i++
		case c == ':' && i+1 < len(s) && s[i+1] == ':':
			toks = append(toks, token{tokRange, "::"})
			i += 2
		case c == '\'' || c == '"':
			j := i + 1
			for j < len(s) && s[j] != c {
				j++
			}
			toks = append(toks, token{tokString, s[i+1 : j]})
			i = j + 1
		case c >= '0' && c <= '9':
			j := i
			for j < len(s) && s[j] >= '0' && s[j] <= '9' {
				j++
			}
			toks = append(toks, token{tokNumber, s[i:j]})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			word := s[i:j]
			if word == "not" {
				toks = append(toks, token{tokNot, word})
			} else {
				toks = append(toks, token{tokIdent, word})
			}
			i = j
		default:
			i++ // skip unrecognized byte rather than abort the whole parse
		}
	}
	return toks
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// --- parser ---

type parser struct {
	toks []token
	pos  int
	src  string
}

func (p *parser) peek() token {
	if p.pos >= len(p.toks) {
		return token{kind: tokEOF}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	if p.pos < len(p.toks) {
		p.pos++
	}
	return t
}

// expr := term (('+' | '-') term)*
func (p *parser) parseExpr() (Expr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokPlus:
			p.next()
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			left = &unionExpr{left, right}
		case tokMinus:
			p.next()
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			left = &subtractExpr{left, right}
		default:
			return left, nil
		}
	}
}

// term := factor ('&' factor)*
func (p *parser) parseTerm() (Expr, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAmp {
		p.next()
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &intersectExpr{left, right}
	}
	return left, nil
}

// factor := 'not' factor | range
func (p *parser) parseFactor() (Expr, error) {
	if p.peek().kind == tokNot {
		p.next()
		inner, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return &notExpr{inner}, nil
	}
	return p.parseRange()
}

// range := atom ['::' atom]
func (p *parser) parseRange() (Expr, error) {
	left, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokRange {
		p.next()
		right, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		return &rangeExpr{left, right}, nil
	}
	return left, nil
}

// atom := NUMBER | IDENT ['(' args ')'] | '(' expr ')'
func (p *parser) parseAtom() (Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		n, _ := strconv.Atoi(t.text)
		return &revExpr{dag.Rev(n)}, nil
	case tokString:
		p.next()
		return &literalExpr{t.text}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, apperr.NewInputError("revset: expected ')'")
		}
		p.next()
		return inner, nil
	case tokIdent:
		p.next()
		name := t.text
		if p.peek().kind != tokLParen {
			return newPredicate(name, nil)
		}
		p.next()
		var args []Expr
		if p.peek().kind != tokRParen {
			for {
				arg, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.peek().kind == tokComma {
					p.next()
					continue
				}
				break
			}
		}
		if p.peek().kind != tokRParen {
			return nil, apperr.NewInputError(fmt.Sprintf("revset: expected ')' after args to %s(...)", name))
		}
		p.next()
		return newPredicate(name, args)
	default:
		return nil, apperr.NewInputError(fmt.Sprintf("revset: unexpected token near %q", p.src))
	}
}

// --- AST nodes ---

type revExpr struct{ rev dag.Rev }

func (e *revExpr) Eval(s Store) dag.RevSet { return dag.NewRevSet(e.rev) }

// literalExpr holds a bare string argument (a pattern), not itself a
// revset — only meaningful as an argument to author()/desc()/date().
type literalExpr struct{ text string }

func (e *literalExpr) Eval(s Store) dag.RevSet { return dag.RevSet{} }

type unionExpr struct{ a, b Expr }

func (e *unionExpr) Eval(s Store) dag.RevSet { return e.a.Eval(s).Union(e.b.Eval(s)) }

type intersectExpr struct{ a, b Expr }

func (e *intersectExpr) Eval(s Store) dag.RevSet { return e.a.Eval(s).Intersect(e.b.Eval(s)) }

type subtractExpr struct{ a, b Expr }

func (e *subtractExpr) Eval(s Store) dag.RevSet { return e.a.Eval(s).Subtract(e.b.Eval(s)) }

type notExpr struct{ inner Expr }

func (e *notExpr) Eval(s Store) dag.RevSet {
	all := allRevs(s)
	return all.Subtract(e.inner.Eval(s))
}

type rangeExpr struct{ from, to Expr }

func (e *rangeExpr) Eval(s Store) dag.RevSet {
	fromSet := e.from.Eval(s)
	toSet := e.to.Eval(s).Sorted()
	out := make(dag.RevSet)
	for _, t := range toSet {
		anc := dag.Ancestors(s, []dag.Rev{t})
		for _, f := range fromSet.Sorted() {
			if anc.Has(f) {
				desc := dag.Descendants(s, []dag.Rev{f})
				for r := range anc.Intersect(desc) {
					out.Add(r)
				}
			}
		}
	}
	return out
}

func allRevs(s Store) dag.RevSet {
	out := make(dag.RevSet, s.Len())
	for r := dag.Rev(0); int(r) < s.Len(); r++ {
		out.Add(r)
	}
	return out
}

// --- named predicates ---

func newPredicate(name string, args []Expr) (Expr, error) {
	switch name {
	case "all":
		requireArgs(name, args, 0)
		return &allExpr{}, nil
	case "heads":
		return &headsExpr{argOrAll(args)}, nil
	case "roots":
		return &rootsExpr{argOrAll(args)}, nil
	case "ancestors":
		if len(args) != 1 {
			return nil, argError(name, 1, len(args))
		}
		return &ancestorsExpr{args[0]}, nil
	case "descendants":
		if len(args) != 1 {
			return nil, argError(name, 1, len(args))
		}
		return &descendantsExpr{args[0]}, nil
	case "parents":
		if len(args) != 1 {
			return nil, argError(name, 1, len(args))
		}
		return &parentsExpr{args[0]}, nil
	case "author":
		if len(args) != 1 {
			return nil, argError(name, 1, len(args))
		}
		return &authorExpr{literalText(args[0])}, nil
	case "desc":
		if len(args) != 1 {
			return nil, argError(name, 1, len(args))
		}
		return &descExpr{literalText(args[0])}, nil
	case "date":
		if len(args) != 1 {
			return nil, argError(name, 1, len(args))
		}
		return &dateExpr{literalText(args[0])}, nil
	default:
		return nil, apperr.NewInputError(fmt.Sprintf("revset: unknown predicate %q", name))
	}
}

func requireArgs(name string, args []Expr, want int) {
	// predicates that ignore extra args simply don't reach here with a
	// mismatched count; kept as a documented no-op hook for stricter
	// validation if a future predicate needs it.
	_ = name
	_ = args
	_ = want
}

func argError(name string, want, got int) error {
	return apperr.NewInputError(fmt.Sprintf("revset: %s() takes %d argument(s), got %d", name, want, got))
}

func argOrAll(args []Expr) Expr {
	if len(args) == 0 {
		return &allExpr{}
	}
	return args[0]
}

func literalText(e Expr) string {
	if lit, ok := e.(*literalExpr); ok {
		return lit.text
	}
	return ""
}

type allExpr struct{}

func (e *allExpr) Eval(s Store) dag.RevSet { return allRevs(s) }

type headsExpr struct{ of Expr }

func (e *headsExpr) Eval(s Store) dag.RevSet {
	return dag.Heads(s, e.of.Eval(s).Sorted())
}

type rootsExpr struct{ of Expr }

func (e *rootsExpr) Eval(s Store) dag.RevSet {
	return dag.Roots(s, e.of.Eval(s).Sorted())
}

type ancestorsExpr struct{ of Expr }

func (e *ancestorsExpr) Eval(s Store) dag.RevSet {
	return dag.Ancestors(s, e.of.Eval(s).Sorted())
}

type descendantsExpr struct{ of Expr }

func (e *descendantsExpr) Eval(s Store) dag.RevSet {
	return dag.Descendants(s, e.of.Eval(s).Sorted())
}

type parentsExpr struct{ of Expr }

func (e *parentsExpr) Eval(s Store) dag.RevSet {
	out := make(dag.RevSet)
	for _, r := range e.of.Eval(s).Sorted() {
		p1, p2 := s.Parents(r)
		if p1 != dag.NullRev {
			out.Add(p1)
		}
		if p2 != dag.NullRev {
			out.Add(p2)
		}
	}
	return out
}

type authorExpr struct{ pattern string }

func (e *authorExpr) Eval(s Store) dag.RevSet {
	out := make(dag.RevSet)
	for r := range allRevs(s) {
		if strings.Contains(strings.ToLower(s.User(r)), strings.ToLower(e.pattern)) {
			out.Add(r)
		}
	}
	return out
}

type descExpr struct{ pattern string }

func (e *descExpr) Eval(s Store) dag.RevSet {
	out := make(dag.RevSet)
	for r := range allRevs(s) {
		if strings.Contains(strings.ToLower(s.Desc(r)), strings.ToLower(e.pattern)) {
			out.Add(r)
		}
	}
	return out
}

// dateExpr supports a single ">unixtime" or "<unixtime" comparison; a
// bare number matches an exact timestamp. Richer date-range grammar is
// left to the caller (pre-parse into a Go time.Time and format back to
// one of these three forms) rather than duplicated here.
type dateExpr struct{ spec string }

func (e *dateExpr) Eval(s Store) dag.RevSet {
	out := make(dag.RevSet)
	op := byte(0)
	numStr := e.spec
	if len(e.spec) > 0 && (e.spec[0] == '>' || e.spec[0] == '<') {
		op = e.spec[0]
		numStr = e.spec[1:]
	}
	want, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return out
	}
	for r := range allRevs(s) {
		t := s.Time(r)
		switch op {
		case '>':
			if t > want {
				out.Add(r)
			}
		case '<':
			if t < want {
				out.Add(r)
			}
		default:
			if t == want {
				out.Add(r)
			}
		}
	}
	return out
}
