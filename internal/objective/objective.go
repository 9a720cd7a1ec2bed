// Package objective provides the scalar functions minimized by the optimizer.
package objective

import (
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"path/filepath"
	"strings"

	"github.com/cwbudde/mpbfgs/internal/linalg"
)

// Objective is a deterministic scalar function of a fixed-dimension point and
// its gradient. Implementations compute at the precision and rounding mode of
// the supplied context and write into caller-owned destinations.
type Objective interface {
	// Dim returns the number of coordinates.
	Dim() int
	// Value sets dst to f(x).
	Value(c *linalg.Context, x linalg.Vector, dst *big.Float)
	// Gradient sets dst[i] to the i-th partial derivative of f at x.
	Gradient(c *linalg.Context, x linalg.Vector, dst linalg.Vector)
}

// Float64Evaluator is implemented by objectives with a native double
// precision evaluator.
type Float64Evaluator interface {
	Float64(x []float64) float64
}

// Names lists the built-in objectives accepted by Lookup.
var Names = []string{"sphere", "rosenbrock"}

// Lookup resolves an objective by name. A name ending in .yaml or .yml is
// loaded as an expression file; dim must then be 0 or match the file.
func Lookup(name string, dim int) (Objective, error) {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".yaml", ".yml":
		e, err := LoadExpression(name)
		if err != nil {
			return nil, err
		}
		if dim != 0 && dim != e.Dim() {
			return nil, fmt.Errorf("objective %s has dimension %d, requested %d", name, e.Dim(), dim)
		}
		slog.Debug("Loaded expression objective", "name", e.Name(), "file", name, "dim", e.Dim())
		return e, nil
	}

	if dim <= 0 {
		return nil, fmt.Errorf("objective %q needs a positive dimension, got %d", name, dim)
	}
	switch strings.ToLower(name) {
	case "sphere":
		return NewSphere(make([]float64, dim)), nil
	case "rosenbrock":
		if dim < 2 {
			return nil, fmt.Errorf("rosenbrock needs at least 2 dimensions, got %d", dim)
		}
		return Rosenbrock{N: dim}, nil
	default:
		return nil, fmt.Errorf("unknown objective %q (want one of %s or a .yaml expression file)",
			name, strings.Join(Names, ", "))
	}
}

// Float64Func projects o onto double precision for derivative-free global
// search. Non-finite results map to +Inf.
func Float64Func(o Objective) func([]float64) float64 {
	if e, ok := o.(Float64Evaluator); ok {
		return e.Float64
	}
	c, err := linalg.NewContext(53, big.ToNearestEven)
	if err != nil {
		panic(err)
	}
	x := c.NewVector(o.Dim())
	dst := c.New()
	return func(p []float64) (f float64) {
		defer func() {
			if r := recover(); r != nil {
				f = math.Inf(1)
			}
		}()
		for i := range x {
			x[i].SetFloat64(p[i])
		}
		o.Value(c, x, dst)
		if dst.IsInf() {
			return math.Inf(1)
		}
		f, _ = dst.Float64()
		return f
	}
}

// Sphere is Σ (xᵢ − cᵢ)².
type Sphere struct {
	Center []float64
}

func NewSphere(center []float64) *Sphere {
	return &Sphere{Center: center}
}

func (s *Sphere) Dim() int { return len(s.Center) }

func (s *Sphere) Value(c *linalg.Context, x linalg.Vector, dst *big.Float) {
	r := c.New()
	dst.SetInt64(0)
	for i, xi := range x {
		r.Sub(xi, c.NewFloat(s.Center[i]))
		c.FMA(dst, r, r, dst)
	}
}

func (s *Sphere) Gradient(c *linalg.Context, x linalg.Vector, dst linalg.Vector) {
	for i, xi := range x {
		dst[i].Sub(xi, c.NewFloat(s.Center[i]))
		dst[i].Mul(dst[i], c.NewInt(2))
	}
}

func (s *Sphere) Float64(x []float64) float64 {
	var sum float64
	for i, v := range x {
		d := v - s.Center[i]
		sum += d * d
	}
	return sum
}

// Rosenbrock is the N-dimensional Rosenbrock valley
// Σ 100(xᵢ₊₁ − xᵢ²)² + (1 − xᵢ)², minimized at (1, …, 1).
type Rosenbrock struct {
	N int
}

func (r Rosenbrock) Dim() int { return r.N }

func (r Rosenbrock) Value(c *linalg.Context, x linalg.Vector, dst *big.Float) {
	hundred := c.NewInt(100)
	a, b := c.New(), c.New()
	dst.SetInt64(0)
	for i := 0; i+1 < len(x); i++ {
		// a = x[i+1] - x[i]^2, b = 1 - x[i]
		c.FMS(a, x[i], x[i], x[i+1])
		a.Neg(a)
		b.Sub(c.NewInt(1), x[i])
		c.FMA(dst, b, b, dst)
		a.Mul(a, a)
		c.FMA(dst, hundred, a, dst)
	}
}

func (r Rosenbrock) Gradient(c *linalg.Context, x linalg.Vector, dst linalg.Vector) {
	c.SetZero(dst)
	a, b, t := c.New(), c.New(), c.New()
	for i := 0; i+1 < len(x); i++ {
		c.FMS(a, x[i], x[i], x[i+1])
		a.Neg(a)
		b.Sub(c.NewInt(1), x[i])
		// ∂/∂x[i] += -400 x[i] a - 2 b
		t.Mul(x[i], a)
		t.Mul(t, c.NewInt(-400))
		c.FMA(dst[i], c.NewInt(-2), b, dst[i])
		dst[i].Add(dst[i], t)
		// ∂/∂x[i+1] += 200 a
		c.FMA(dst[i+1], c.NewInt(200), a, dst[i+1])
	}
}

func (r Rosenbrock) Float64(x []float64) float64 {
	var sum float64
	for i := 0; i+1 < len(x); i++ {
		a := x[i+1] - x[i]*x[i]
		b := 1 - x[i]
		sum += 100*a*a + b*b
	}
	return sum
}
