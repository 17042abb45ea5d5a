package mask

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
)

// Expr is a compiled per-pixel expression over the bands A and B.
//
// The grammar follows numpy band math: numbers, A, B, parentheses, the
// arithmetic operators + - * / % **, unary - and ~, comparisons
// == != < <= > >=, the logical operators & and |, and the functions
// where(c, a, b), abs(x), minimum(a, b) and maximum(a, b). Comparisons and
// logical operators yield 1 or 0. Precedence, lowest first: comparisons,
// |, &, + -, * / %, unary, **.
type Expr struct {
	src  string
	root node
}

// Eval evaluates the expression for one pixel.
func (e *Expr) Eval(a, b float64) float64 {
	return e.root.eval(a, b)
}

// String returns the source text.
func (e *Expr) String() string {
	return e.src
}

type node interface {
	eval(a, b float64) float64
}

type num float64

func (n num) eval(_, _ float64) float64 { return float64(n) }

type band byte

func (v band) eval(a, b float64) float64 {
	if v == 'A' {
		return a
	}
	return b
}

type unary struct {
	op string
	x  node
}

func (u unary) eval(a, b float64) float64 {
	x := u.x.eval(a, b)
	if u.op == "-" {
		return -x
	}
	return truth(x == 0)
}

type binary struct {
	op   string
	l, r node
}

func truth(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (n binary) eval(a, b float64) float64 {
	l, r := n.l.eval(a, b), n.r.eval(a, b)
	switch n.op {
	case "+":
		return l + r
	case "-":
		return l - r
	case "*":
		return l * r
	case "/":
		return l / r
	case "%":
		m := math.Mod(l, r)
		if m != 0 && (m < 0) != (r < 0) {
			m += r
		}
		return m
	case "**":
		return math.Pow(l, r)
	case "==":
		return truth(l == r)
	case "!=":
		return truth(l != r)
	case "<":
		return truth(l < r)
	case "<=":
		return truth(l <= r)
	case ">":
		return truth(l > r)
	case ">=":
		return truth(l >= r)
	case "&":
		return truth(l != 0 && r != 0)
	case "|":
		return truth(l != 0 || r != 0)
	}
	return math.NaN()
}

type call struct {
	fn   string
	args []node
}

var arity = map[string]int{"where": 3, "abs": 1, "minimum": 2, "maximum": 2}

func (c call) eval(a, b float64) float64 {
	switch c.fn {
	case "where":
		if c.args[0].eval(a, b) != 0 {
			return c.args[1].eval(a, b)
		}
		return c.args[2].eval(a, b)
	case "abs":
		return math.Abs(c.args[0].eval(a, b))
	case "minimum":
		return math.Min(c.args[0].eval(a, b), c.args[1].eval(a, b))
	default:
		return math.Max(c.args[0].eval(a, b), c.args[1].eval(a, b))
	}
}

// Compile parses src into an Expr.
func Compile(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.comparison()
	if err != nil {
		return nil, err
	}
	if p.peek() != "" {
		return nil, eris.Errorf("mask: unexpected %q in expression %q", p.peek(), src)
	}
	return &Expr{src: src, root: root}, nil
}

var operators = []string{"**", "==", "!=", "<=", ">=", "<", ">", "+", "-", "*", "/", "%", "&", "|", "~", "(", ")", ","}

func lex(src string) ([]string, error) {
	var toks []string
	for i := 0; i < len(src); {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case unicode.IsDigit(c) || c == '.':
			j := i
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			if j < len(src) && (src[j] == 'e' || src[j] == 'E') {
				k := j + 1
				if k < len(src) && (src[k] == '+' || src[k] == '-') {
					k++
				}
				if k < len(src) && unicode.IsDigit(rune(src[k])) {
					j = k
					for j < len(src) && unicode.IsDigit(rune(src[j])) {
						j++
					}
				}
			}
			toks = append(toks, src[i:j])
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_') {
				j++
			}
			toks = append(toks, src[i:j])
			i = j
		default:
			matched := false
			for _, op := range operators {
				if strings.HasPrefix(src[i:], op) {
					toks = append(toks, op)
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				return nil, eris.Errorf("mask: invalid character %q in expression %q", c, src)
			}
		}
	}
	return toks, nil
}

type parser struct {
	toks []string
	pos  int
}

func (p *parser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) expect(t string) error {
	if got := p.next(); got != t {
		return eris.Errorf("mask: expected %q, got %q", t, got)
	}
	return nil
}

// binaryLevel parses a left-associative chain of ops over operands from sub.
func (p *parser) binaryLevel(sub func() (node, error), ops ...string) (node, error) {
	l, err := sub()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		found := false
		for _, o := range ops {
			if op == o {
				found = true
				break
			}
		}
		if !found {
			return l, nil
		}
		p.next()
		r, err := sub()
		if err != nil {
			return nil, err
		}
		l = binary{op: op, l: l, r: r}
	}
}

func (p *parser) comparison() (node, error) {
	return p.binaryLevel(p.or, "==", "!=", "<", "<=", ">", ">=")
}

func (p *parser) or() (node, error) {
	return p.binaryLevel(p.and, "|")
}

func (p *parser) and() (node, error) {
	return p.binaryLevel(p.additive, "&")
}

func (p *parser) additive() (node, error) {
	return p.binaryLevel(p.multiplicative, "+", "-")
}

func (p *parser) multiplicative() (node, error) {
	return p.binaryLevel(p.unary, "*", "/", "%")
}

func (p *parser) unary() (node, error) {
	switch p.peek() {
	case "-", "~":
		op := p.next()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return unary{op: op, x: x}, nil
	case "+":
		p.next()
		return p.unary()
	}
	return p.power()
}

// power is right-associative and binds tighter than a unary operator on its
// left, so -2**2 is -4.
func (p *parser) power() (node, error) {
	base, err := p.primary()
	if err != nil {
		return nil, err
	}
	if p.peek() != "**" {
		return base, nil
	}
	p.next()
	exp, err := p.unary()
	if err != nil {
		return nil, err
	}
	return binary{op: "**", l: base, r: exp}, nil
}

func (p *parser) primary() (node, error) {
	t := p.next()
	switch {
	case t == "":
		return nil, eris.New("mask: unexpected end of expression")
	case t == "(":
		n, err := p.comparison()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return n, nil
	case t == "A" || t == "B":
		return band(t[0]), nil
	case unicode.IsDigit(rune(t[0])) || t[0] == '.':
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return nil, eris.Wrapf(err, "mask: invalid number %q", t)
		}
		return num(f), nil
	}

	n, ok := arity[t]
	if !ok {
		return nil, eris.Errorf("mask: unknown identifier %q", t)
	}
	if err := p.expect("("); err != nil {
		return nil, err
	}
	args := make([]node, 0, n)
	for i := range n {
		if i > 0 {
			if err := p.expect(","); err != nil {
				return nil, err
			}
		}
		arg, err := p.comparison()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return call{fn: t, args: args}, nil
}
