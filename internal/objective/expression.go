package objective

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"os"
	"strconv"

	"github.com/Knetic/govaluate"
	"gopkg.in/yaml.v3"

	"github.com/cwbudde/mpbfgs/internal/linalg"
)

// ExpressionFile is the YAML definition of a least-squares objective:
//
//	name: circle
//	dim: 2
//	params:
//	  r: 3
//	residuals:
//	  - x0**2 + x1**2 - r**2
//	  - x0 - x1
//
// The objective is the sum of squared residuals. Residuals may use the
// variables x0..x{dim-1}, named params, numeric literals, + - * /, unary
// minus, parentheses and ** with a constant integer exponent. Operator
// precedence follows govaluate. Literals and params are taken at double
// precision; write 1/10 rather than 0.1 for an exact rational.
type ExpressionFile struct {
	Name      string             `yaml:"name"`
	Dim       int                `yaml:"dim"`
	Params    map[string]float64 `yaml:"params"`
	Residuals []string           `yaml:"residuals"`
}

// Expression is a sum-of-squares objective compiled from residual
// expressions. Values and gradients are computed at the caller's precision by
// forward-mode differentiation, one pass per coordinate.
type Expression struct {
	name      string
	dim       int
	exprs     []*govaluate.EvaluableExpression
	programs  []program
	arguments map[string]interface{}
}

// LoadExpression reads and compiles an expression file.
func LoadExpression(path string) (*Expression, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read objective file: %w", err)
	}
	var def ExpressionFile
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse objective file %s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = path
	}
	return NewExpression(def)
}

// NewExpression compiles def.
func NewExpression(def ExpressionFile) (*Expression, error) {
	if def.Dim <= 0 {
		return nil, fmt.Errorf("objective %s: dim must be positive, got %d", def.Name, def.Dim)
	}
	if len(def.Residuals) == 0 {
		return nil, fmt.Errorf("objective %s: no residuals", def.Name)
	}
	e := &Expression{
		name:      def.Name,
		dim:       def.Dim,
		arguments: make(map[string]interface{}, def.Dim+len(def.Params)),
	}
	for k, v := range def.Params {
		if _, isVar := variableIndex(k, def.Dim); isVar {
			return nil, fmt.Errorf("objective %s: param %q shadows a coordinate", def.Name, k)
		}
		e.arguments[k] = v
	}
	for i, src := range def.Residuals {
		expr, err := govaluate.NewEvaluableExpression(src)
		if err != nil {
			return nil, fmt.Errorf("objective %s: residual %d: %w", def.Name, i, err)
		}
		prog, err := compile(expr.Tokens(), def.Dim, def.Params)
		if err != nil {
			return nil, fmt.Errorf("objective %s: residual %d %q: %w", def.Name, i, src, err)
		}
		e.exprs = append(e.exprs, expr)
		e.programs = append(e.programs, prog)
	}
	return e, nil
}

func (e *Expression) Name() string { return e.name }

func (e *Expression) Dim() int { return e.dim }

func (e *Expression) Value(c *linalg.Context, x linalg.Vector, dst *big.Float) {
	m := newMachine(c)
	dst.SetInt64(0)
	for _, p := range e.programs {
		r := m.run(p, x, -1)
		c.FMA(dst, r.v, r.v, dst)
	}
}

func (e *Expression) Gradient(c *linalg.Context, x linalg.Vector, dst linalg.Vector) {
	m := newMachine(c)
	two := c.NewInt(2)
	t := c.New()
	for i := range dst {
		dst[i].SetInt64(0)
		for _, p := range e.programs {
			r := m.run(p, x, i)
			t.Mul(two, r.v)
			c.FMA(dst[i], t, r.d, dst[i])
		}
	}
}

// Float64 evaluates the objective with govaluate in double precision.
// Evaluation errors map to +Inf.
func (e *Expression) Float64(x []float64) float64 {
	for i, v := range x {
		e.arguments["x"+strconv.Itoa(i)] = v
	}
	var sum float64
	for _, expr := range e.exprs {
		out, err := expr.Evaluate(e.arguments)
		if err != nil {
			return math.Inf(1)
		}
		r, ok := out.(float64)
		if !ok {
			return math.Inf(1)
		}
		sum += r * r
	}
	if math.IsNaN(sum) {
		return math.Inf(1)
	}
	return sum
}

type opcode uint8

const (
	opConst opcode = iota
	opVar
	opAdd
	opSub
	opMul
	opDiv
	opNeg
	opPow
)

type instr struct {
	op  opcode
	idx int     // variable index or integer exponent
	val float64 // constant
}

type program []instr

var errUnsupported = errors.New("unsupported token")

// compile turns govaluate's token stream into a postfix program by recursive
// descent. Precedence, loosest first: + -, * /, **, unary minus.
func compile(tokens []govaluate.ExpressionToken, dim int, params map[string]float64) (program, error) {
	p := &parser{tokens: tokens, dim: dim, params: params}
	if err := p.expr(); err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected trailing token %v", p.tokens[p.pos].Value)
	}
	return p.out, nil
}

type parser struct {
	tokens []govaluate.ExpressionToken
	pos    int
	dim    int
	params map[string]float64
	out    program
}

func (p *parser) peekModifier(symbols ...string) (string, bool) {
	if p.pos >= len(p.tokens) || p.tokens[p.pos].Kind != govaluate.MODIFIER {
		return "", false
	}
	s, _ := p.tokens[p.pos].Value.(string)
	for _, want := range symbols {
		if s == want {
			return s, true
		}
	}
	return "", false
}

func (p *parser) expr() error {
	if err := p.term(); err != nil {
		return err
	}
	for {
		sym, ok := p.peekModifier("+", "-")
		if !ok {
			return nil
		}
		p.pos++
		if err := p.term(); err != nil {
			return err
		}
		if sym == "+" {
			p.out = append(p.out, instr{op: opAdd})
		} else {
			p.out = append(p.out, instr{op: opSub})
		}
	}
}

func (p *parser) term() error {
	if err := p.power(); err != nil {
		return err
	}
	for {
		sym, ok := p.peekModifier("*", "/")
		if !ok {
			return nil
		}
		p.pos++
		if err := p.power(); err != nil {
			return err
		}
		if sym == "*" {
			p.out = append(p.out, instr{op: opMul})
		} else {
			p.out = append(p.out, instr{op: opDiv})
		}
	}
}

func (p *parser) power() error {
	if err := p.unary(); err != nil {
		return err
	}
	for {
		if _, ok := p.peekModifier("**"); !ok {
			return nil
		}
		p.pos++
		mark := len(p.out)
		if err := p.unary(); err != nil {
			return err
		}
		n, err := constantExponent(p.out[mark:])
		if err != nil {
			return err
		}
		p.out = append(p.out[:mark], instr{op: opPow, idx: n})
	}
}

func (p *parser) unary() error {
	if p.pos < len(p.tokens) && p.tokens[p.pos].Kind == govaluate.PREFIX {
		if s, _ := p.tokens[p.pos].Value.(string); s != "-" {
			return fmt.Errorf("%w: prefix %v", errUnsupported, p.tokens[p.pos].Value)
		}
		p.pos++
		if err := p.unary(); err != nil {
			return err
		}
		p.out = append(p.out, instr{op: opNeg})
		return nil
	}
	return p.primary()
}

func (p *parser) primary() error {
	if p.pos >= len(p.tokens) {
		return errors.New("unexpected end of expression")
	}
	tok := p.tokens[p.pos]
	p.pos++
	switch tok.Kind {
	case govaluate.NUMERIC:
		v, _ := tok.Value.(float64)
		p.out = append(p.out, instr{op: opConst, val: v})
	case govaluate.VARIABLE:
		name, _ := tok.Value.(string)
		if i, ok := variableIndex(name, p.dim); ok {
			p.out = append(p.out, instr{op: opVar, idx: i})
		} else if v, ok := p.params[name]; ok {
			p.out = append(p.out, instr{op: opConst, val: v})
		} else {
			return fmt.Errorf("unknown variable %q", name)
		}
	case govaluate.CLAUSE:
		if err := p.expr(); err != nil {
			return err
		}
		if p.pos >= len(p.tokens) || p.tokens[p.pos].Kind != govaluate.CLAUSE_CLOSE {
			return errors.New("missing closing parenthesis")
		}
		p.pos++
	default:
		return fmt.Errorf("%w: %v %v", errUnsupported, tok.Kind, tok.Value)
	}
	return nil
}

// variableIndex maps "x<i>" to i when 0 <= i < dim.
func variableIndex(name string, dim int) (int, bool) {
	if len(name) < 2 || name[0] != 'x' {
		return 0, false
	}
	i, err := strconv.Atoi(name[1:])
	if err != nil || i < 0 || i >= dim || strconv.Itoa(i) != name[1:] {
		return 0, false
	}
	return i, true
}

const maxExponent = 1 << 16

// constantExponent folds a variable-free exponent and checks it is an integer.
func constantExponent(code program) (int, error) {
	var stack []float64
	pop := func() float64 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	for _, in := range code {
		switch in.op {
		case opConst:
			stack = append(stack, in.val)
		case opVar:
			return 0, errors.New("exponent must not depend on the variables")
		case opNeg:
			stack = append(stack, -pop())
		case opPow:
			stack = append(stack, math.Pow(pop(), float64(in.idx)))
		case opAdd, opSub, opMul, opDiv:
			b, a := pop(), pop()
			switch in.op {
			case opAdd:
				stack = append(stack, a+b)
			case opSub:
				stack = append(stack, a-b)
			case opMul:
				stack = append(stack, a*b)
			default:
				stack = append(stack, a/b)
			}
		}
	}
	n := stack[len(stack)-1]
	if n != math.Trunc(n) || math.Abs(n) > maxExponent {
		return 0, fmt.Errorf("exponent %v is not an integer in [-%d, %d]", n, maxExponent, maxExponent)
	}
	return int(n), nil
}

// dual is a value with its derivative along one coordinate.
type dual struct {
	v, d *big.Float
}

type machine struct {
	c     *linalg.Context
	stack []dual
	top   int
}

func newMachine(c *linalg.Context) *machine {
	return &machine{c: c}
}

func (m *machine) push() dual {
	if m.top == len(m.stack) {
		m.stack = append(m.stack, dual{v: m.c.New(), d: m.c.New()})
	}
	m.top++
	return m.stack[m.top-1]
}

func (m *machine) pop() dual {
	m.top--
	return m.stack[m.top]
}

// run evaluates p at x with the derivative taken along coordinate wrt
// (no coordinate when wrt < 0). The result is valid until the next run.
func (m *machine) run(p program, x linalg.Vector, wrt int) dual {
	c := m.c
	m.top = 0
	for _, in := range p {
		switch in.op {
		case opConst:
			z := m.push()
			z.v.SetFloat64(in.val)
			z.d.SetInt64(0)
		case opVar:
			z := m.push()
			z.v.Set(x[in.idx])
			if in.idx == wrt {
				z.d.SetInt64(1)
			} else {
				z.d.SetInt64(0)
			}
		case opNeg:
			z := m.stack[m.top-1]
			z.v.Neg(z.v)
			z.d.Neg(z.d)
		case opAdd, opSub, opMul, opDiv:
			b := m.pop()
			a := m.stack[m.top-1]
			binary(c, in.op, a, b)
		case opPow:
			power(c, m.stack[m.top-1], in.idx)
		}
	}
	r := m.stack[0]
	linalg.Check("expression evaluation", r.v)
	linalg.Check("expression derivative", r.d)
	return r
}

// binary stores a op b into a.
func binary(c *linalg.Context, op opcode, a, b dual) {
	switch op {
	case opAdd:
		a.v.Add(a.v, b.v)
		a.d.Add(a.d, b.d)
	case opSub:
		a.v.Sub(a.v, b.v)
		a.d.Sub(a.d, b.d)
	case opMul:
		// (uv)' = u'v + uv'
		t := c.New().Mul(a.d, b.v)
		c.FMA(a.d, a.v, b.d, t)
		a.v.Mul(a.v, b.v)
	case opDiv:
		// (u/v)' = (u' - (u/v) v') / v
		a.v.Quo(a.v, b.v)
		c.FMS(a.d, a.v, b.d, a.d)
		a.d.Neg(a.d)
		a.d.Quo(a.d, b.v)
	}
}

// power stores u^n into u.
func power(c *linalg.Context, u dual, n int) {
	if n == 0 {
		u.v.SetInt64(1)
		u.d.SetInt64(0)
		return
	}
	m := n
	if m < 0 {
		m = -m
	}
	// p = u^(m-1) by square-and-multiply
	p := c.NewInt(1)
	base := c.New().Set(u.v)
	for e := m - 1; e > 0; e >>= 1 {
		if e&1 == 1 {
			p.Mul(p, base)
		}
		base.Mul(base, base)
	}
	// (u^m)' = m u^(m-1) u'
	d := c.NewInt(int64(m))
	d.Mul(d, p)
	d.Mul(d, u.d)
	p.Mul(p, u.v)
	if n > 0 {
		u.v.Set(p)
		u.d.Set(d)
		return
	}
	// (u^-m)' = -(u^m)' / u^2m
	u.v.Quo(c.NewInt(1), p)
	u.d.Quo(d, p)
	u.d.Quo(u.d, p)
	u.d.Neg(u.d)
}
