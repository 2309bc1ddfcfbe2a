// Package formula evaluates the arithmetic expressions attached to calculated
// workflow fields. Only the four basic operators, parentheses and a fixed
// allow-list of numeric functions are interpretable; anything else is refused
// with a typed failure rather than a parse panic.
package formula

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Reason classifies an evaluation failure.
type Reason string

const (
	ReasonMissingVariable Reason = "missing_variable"
	ReasonSyntax          Reason = "syntax"
	ReasonDisallowed      Reason = "disallowed"
	ReasonDomain          Reason = "domain"
)

// Failure is the only error type Evaluate returns.
type Failure struct {
	Reason Reason
	Detail string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("formula %s: %s", f.Reason, f.Detail)
}

func fail(reason Reason, format string, args ...any) *Failure {
	return &Failure{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// functions is the allow-list. Arity is fixed per function.
var functions = map[string]struct {
	arity int
	apply func(args []float64) (float64, *Failure)
}{
	"pow": {2, func(a []float64) (float64, *Failure) {
		v := math.Pow(a[0], a[1])
		if math.IsNaN(v) {
			return 0, fail(ReasonDomain, "pow(%v, %v) is undefined", a[0], a[1])
		}
		return v, nil
	}},
	"min": {2, func(a []float64) (float64, *Failure) { return math.Min(a[0], a[1]), nil }},
	"max": {2, func(a []float64) (float64, *Failure) { return math.Max(a[0], a[1]), nil }},
	"abs": {1, func(a []float64) (float64, *Failure) { return math.Abs(a[0]), nil }},
	"round": {1, func(a []float64) (float64, *Failure) {
		return math.Round(a[0]), nil
	}},
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

func lex(expr string) ([]token, *Failure) {
	var toks []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma})
			i++
		case c == '+' || c == '-' || c == '*' || c == '/':
			toks = append(toks, token{kind: tokOp, text: string(c)})
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(expr) && (expr[j] >= '0' && expr[j] <= '9' || expr[j] == '.') {
				j++
			}
			n, err := strconv.ParseFloat(expr[i:j], 64)
			if err != nil {
				return nil, fail(ReasonSyntax, "invalid number %q", expr[i:j])
			}
			toks = append(toks, token{kind: tokNumber, num: n})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(expr) && isIdentPart(expr[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: expr[i:j]})
			i = j
		default:
			return nil, fail(ReasonDisallowed, "character %q is not allowed", string(c))
		}
	}
	toks = append(toks, token{kind: tokEOF})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

type parser struct {
	toks     []token
	pos      int
	bindings map[string]float64
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	p.pos++
	return t
}

// Evaluate computes expr over the given variable bindings. It is pure and
// deterministic; the returned error, if any, is always a *Failure.
func Evaluate(expr string, bindings map[string]float64) (float64, error) {
	if strings.TrimSpace(expr) == "" {
		return 0, fail(ReasonSyntax, "empty expression")
	}
	toks, ferr := lex(expr)
	if ferr != nil {
		return 0, ferr
	}
	p := &parser{toks: toks, bindings: bindings}
	v, ferr := p.parseExpr()
	if ferr != nil {
		return 0, ferr
	}
	if p.peek().kind != tokEOF {
		return 0, fail(ReasonSyntax, "unexpected trailing input")
	}
	return v, nil
}

func (p *parser) parseExpr() (float64, *Failure) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for p.peek().kind == tokOp && (p.peek().text == "+" || p.peek().text == "-") {
		op := p.next().text
		right, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if op == "+" {
			left += right
		} else {
			left -= right
		}
	}
	return left, nil
}

func (p *parser) parseTerm() (float64, *Failure) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for p.peek().kind == tokOp && (p.peek().text == "*" || p.peek().text == "/") {
		op := p.next().text
		right, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		if op == "*" {
			left *= right
		} else {
			if right == 0 {
				return 0, fail(ReasonDomain, "division by zero")
			}
			left /= right
		}
	}
	return left, nil
}

func (p *parser) parseUnary() (float64, *Failure) {
	if t := p.peek(); t.kind == tokOp && t.text == "-" {
		p.next()
		v, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return -v, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (float64, *Failure) {
	switch t := p.next(); t.kind {
	case tokNumber:
		return t.num, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(t.text)
		}
		v, ok := p.bindings[t.text]
		if !ok {
			return 0, fail(ReasonMissingVariable, "variable %q is not bound", t.text)
		}
		return v, nil
	case tokLParen:
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.next().kind != tokRParen {
			return 0, fail(ReasonSyntax, "missing closing parenthesis")
		}
		return v, nil
	case tokEOF:
		return 0, fail(ReasonSyntax, "unexpected end of expression")
	default:
		return 0, fail(ReasonSyntax, "unexpected token")
	}
}

func (p *parser) parseCall(name string) (float64, *Failure) {
	fn, ok := functions[name]
	if !ok {
		return 0, fail(ReasonDisallowed, "function %q is not allowed", name)
	}
	p.next() // consume '('
	var args []float64
	if p.peek().kind != tokRParen {
		for {
			v, err := p.parseExpr()
			if err != nil {
				return 0, err
			}
			args = append(args, v)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if p.next().kind != tokRParen {
		return 0, fail(ReasonSyntax, "missing closing parenthesis in call to %s", name)
	}
	if len(args) != fn.arity {
		return 0, fail(ReasonSyntax, "%s expects %d arguments, got %d", name, fn.arity, len(args))
	}
	return fn.apply(args)
}
