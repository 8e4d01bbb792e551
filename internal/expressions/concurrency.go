package expressions

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rendis/stepwise/pkg/schema"
)

// ConcurrencyExpr is a parsed concurrency expression: a pure function from
// the total number of targets to a (real-valued) width.
//
//	Expr := Term | Func "(" Expr "," Expr ")" | Expr ("+"|"-") Number
//	Term := ["-"] Number ["%"] | "all"
//	Func := "min" | "max"
//
// A negative integer means "all but N"; a negative percentage means "all but
// that share".
type ConcurrencyExpr interface {
	Apply(total int) float64
	String() string
}

type allTerm struct{}

func (allTerm) Apply(total int) float64 { return float64(total) }
func (allTerm) String() string          { return "all" }

type numberTerm struct{ n float64 }

func (t numberTerm) Apply(total int) float64 {
	if t.n < 0 {
		return float64(total) + t.n
	}
	return t.n
}
func (t numberTerm) String() string { return strconv.FormatFloat(t.n, 'f', -1, 64) }

type percentTerm struct{ p float64 }

func (t percentTerm) Apply(total int) float64 {
	share := float64(total) * t.p / 100
	if t.p < 0 {
		return float64(total) + share
	}
	return share
}
func (t percentTerm) String() string { return strconv.FormatFloat(t.p, 'f', -1, 64) + "%" }

type funcExpr struct {
	name        string
	left, right ConcurrencyExpr
}

func (f funcExpr) Apply(total int) float64 {
	a, b := f.left.Apply(total), f.right.Apply(total)
	if f.name == "min" {
		return math.Min(a, b)
	}
	return math.Max(a, b)
}
func (f funcExpr) String() string { return fmt.Sprintf("%s(%s,%s)", f.name, f.left, f.right) }

type offsetExpr struct {
	base  ConcurrencyExpr
	delta float64
}

func (o offsetExpr) Apply(total int) float64 { return o.base.Apply(total) + o.delta }
func (o offsetExpr) String() string {
	if o.delta < 0 {
		return fmt.Sprintf("%s-%s", o.base, strconv.FormatFloat(-o.delta, 'f', -1, 64))
	}
	return fmt.Sprintf("%s+%s", o.base, strconv.FormatFloat(o.delta, 'f', -1, 64))
}

// ParseConcurrency parses a concurrency expression.
func ParseConcurrency(text string) (ConcurrencyExpr, error) {
	p := &concurrencyParser{src: text, toks: tokenizeConcurrency(text)}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.toks) {
		return nil, p.errorf("unexpected %q", p.toks[p.pos])
	}
	return expr, nil
}

// ParseConcurrencyValue accepts a literal number or an expression string.
func ParseConcurrencyValue(v any) (ConcurrencyExpr, error) {
	switch t := v.(type) {
	case int:
		return numberTerm{float64(t)}, nil
	case int64:
		return numberTerm{float64(t)}, nil
	case float64:
		return numberTerm{t}, nil
	case string:
		return ParseConcurrency(t)
	}
	return nil, schema.NewErrorf(schema.ErrCodeDefinition, "invalid concurrency %v (%T)", v, v)
}

// Width turns an evaluated concurrency into a worker count: floored and
// clamped to [1, total]. A zero total yields zero.
func Width(value float64, total int) int {
	if total <= 0 {
		return 0
	}
	w := int(math.Floor(value))
	if w < 1 {
		w = 1
	}
	if w > total {
		w = total
	}
	return w
}

func tokenizeConcurrency(text string) []string {
	var toks []string
	i := 0
	for i < len(text) {
		c := text[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case strings.IndexByte("(),+-%", c) >= 0:
			toks = append(toks, string(c))
			i++
		default:
			start := i
			for i < len(text) && strings.IndexByte("(),+-% \t", text[i]) < 0 {
				i++
			}
			toks = append(toks, strings.ToLower(text[start:i]))
		}
	}
	return toks
}

type concurrencyParser struct {
	src  string
	toks []string
	pos  int
}

func (p *concurrencyParser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *concurrencyParser) next() string {
	t := p.peek()
	if t != "" {
		p.pos++
	}
	return t
}

func (p *concurrencyParser) expect(tok string) error {
	if got := p.next(); got != tok {
		if got == "" {
			return p.errorf("expected %q at end of input", tok)
		}
		return p.errorf("expected %q, got %q", tok, got)
	}
	return nil
}

func (p *concurrencyParser) errorf(format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeDefinition, "invalid concurrency expression %q: %s",
		p.src, fmt.Sprintf(format, args...))
}

func (p *concurrencyParser) parseExpr() (ConcurrencyExpr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.peek() == "+" || p.peek() == "-" {
		op := p.next()
		n, err := p.number()
		if err != nil {
			return nil, err
		}
		if op == "-" {
			n = -n
		}
		left = offsetExpr{base: left, delta: n}
	}
	return left, nil
}

func (p *concurrencyParser) parseTerm() (ConcurrencyExpr, error) {
	switch tok := p.peek(); tok {
	case "":
		return nil, p.errorf("empty expression")
	case "all":
		p.next()
		return allTerm{}, nil
	case "min", "max":
		p.next()
		if err := p.expect("("); err != nil {
			return nil, err
		}
		left, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		right, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return funcExpr{name: tok, left: left, right: right}, nil
	}

	negative := false
	if p.peek() == "-" {
		p.next()
		negative = true
	}
	n, err := p.number()
	if err != nil {
		return nil, err
	}
	if negative {
		n = -n
	}
	if p.peek() == "%" {
		p.next()
		return percentTerm{n}, nil
	}
	return numberTerm{n}, nil
}

func (p *concurrencyParser) number() (float64, error) {
	tok := p.next()
	if tok == "" {
		return 0, p.errorf("expected a number at end of input")
	}
	n, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, p.errorf("expected a number, got %q", tok)
	}
	return n, nil
}
