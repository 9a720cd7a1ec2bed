package objective

import (
	"errors"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/mpbfgs/internal/linalg"
)

func newContext(t *testing.T) *linalg.Context {
	t.Helper()
	c, err := linalg.NewContext(128, big.ToNearestEven)
	require.NoError(t, err)
	return c
}

func value(c *linalg.Context, o Objective, xs ...float64) float64 {
	dst := c.New()
	o.Value(c, c.VectorOf(xs...), dst)
	f, _ := dst.Float64()
	return f
}

func gradient(c *linalg.Context, o Objective, xs ...float64) []float64 {
	g := c.NewVector(len(xs))
	o.Gradient(c, c.VectorOf(xs...), g)
	return g.Float64s()
}

// numericGradient is a central difference in float64, good to ~1e-6.
func numericGradient(f func([]float64) float64, x []float64) []float64 {
	const h = 1e-6
	g := make([]float64, len(x))
	for i := range x {
		xp := append([]float64(nil), x...)
		xm := append([]float64(nil), x...)
		xp[i] += h
		xm[i] -= h
		g[i] = (f(xp) - f(xm)) / (2 * h)
	}
	return g
}

func TestSphere(t *testing.T) {
	c := newContext(t)
	s := NewSphere([]float64{1, 2})

	assert.Equal(t, 2, s.Dim())
	assert.Equal(t, 5.0, value(c, s, 0, 0))
	assert.Equal(t, 0.0, value(c, s, 1, 2))
	assert.Equal(t, []float64{-2, -4}, gradient(c, s, 0, 0))
	assert.Equal(t, 5.0, s.Float64([]float64{0, 0}))
}

func TestRosenbrock(t *testing.T) {
	c := newContext(t)
	r := Rosenbrock{N: 3}

	assert.Equal(t, 0.0, value(c, r, 1, 1, 1))
	assert.Equal(t, []float64{0, 0, 0}, gradient(c, r, 1, 1, 1))

	x := []float64{-1.2, 1, 0.5}
	assert.InDelta(t, r.Float64(x), value(c, r, x...), 1e-12)

	want := numericGradient(r.Float64, x)
	got := gradient(c, r, x...)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-4, "coordinate %d", i)
	}
}

func TestLookup(t *testing.T) {
	o, err := Lookup("sphere", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, o.Dim())

	o, err = Lookup("Rosenbrock", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, o.Dim())

	_, err = Lookup("rosenbrock", 1)
	assert.Error(t, err)
	_, err = Lookup("sphere", 0)
	assert.Error(t, err)
	_, err = Lookup("himmelblau", 2)
	assert.Error(t, err)
}

func TestFloat64Func(t *testing.T) {
	f := Float64Func(Rosenbrock{N: 2})
	assert.Equal(t, 0.0, f([]float64{1, 1}))
	assert.InDelta(t, 24.2, f([]float64{-1.2, 1}), 1e-12)

	// objectives without a native evaluator go through a 53-bit context
	f = Float64Func(wrapped{NewSphere([]float64{1})})
	assert.Equal(t, 4.0, f([]float64{3}))
}

// wrapped hides the Float64 method of its objective.
type wrapped struct{ o Objective }

func (w wrapped) Dim() int { return w.o.Dim() }
func (w wrapped) Value(c *linalg.Context, x linalg.Vector, dst *big.Float) {
	w.o.Value(c, x, dst)
}
func (w wrapped) Gradient(c *linalg.Context, x linalg.Vector, dst linalg.Vector) {
	w.o.Gradient(c, x, dst)
}

func TestExpressionMatchesSphere(t *testing.T) {
	c := newContext(t)
	e, err := NewExpression(ExpressionFile{
		Name:      "shifted",
		Dim:       2,
		Residuals: []string{"x0 - 1", "x1 - 2"},
	})
	require.NoError(t, err)

	assert.Equal(t, 5.0, value(c, e, 0, 0))
	assert.Equal(t, []float64{-2, -4}, gradient(c, e, 0, 0))
	assert.Equal(t, 5.0, e.Float64([]float64{0, 0}))
}

func TestExpressionOperators(t *testing.T) {
	c := newContext(t)
	e, err := NewExpression(ExpressionFile{
		Dim:    2,
		Params: map[string]float64{"r": 3},
		Residuals: []string{
			"x0**2 + x1**2 - r**2",
			"-(x0 - x1) / (1 + x1*x1)",
			"x0**(-1) + 2*x1**(1+2)",
		},
	})
	require.NoError(t, err)

	x := []float64{1.5, 0.75}
	assert.InDelta(t, e.Float64(x), value(c, e, x...), 1e-12)

	want := numericGradient(e.Float64, x)
	got := gradient(c, e, x...)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-4, "coordinate %d", i)
	}
}

func TestExpressionRejectsUnsupportedInput(t *testing.T) {
	tests := []struct {
		name     string
		residual string
	}{
		{"unknown variable", "x0 + y"},
		{"out of range coordinate", "x2"},
		{"comparison", "x0 > 1"},
		{"variable exponent", "x0 ** x1"},
		{"fractional exponent", "x0 ** 0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExpression(ExpressionFile{Dim: 2, Residuals: []string{tt.residual}})
			assert.Error(t, err)
		})
	}

	_, err := NewExpression(ExpressionFile{Dim: 2})
	assert.Error(t, err)
	_, err = NewExpression(ExpressionFile{Dim: 2, Params: map[string]float64{"x1": 1}, Residuals: []string{"x0"}})
	assert.Error(t, err)
}

func TestExpressionDivisionByZeroIsNonFinite(t *testing.T) {
	c := newContext(t)
	e, err := NewExpression(ExpressionFile{Dim: 1, Residuals: []string{"1 / x0"}})
	require.NoError(t, err)

	err = func() (err error) {
		defer linalg.Recover(&err, func() string { return "during objective evaluation" })
		e.Value(c, c.VectorOf(0), c.New())
		return nil
	}()
	assert.True(t, errors.Is(err, linalg.ErrNonFinite))
	assert.True(t, math.IsInf(e.Float64([]float64{0}), 1))
}

func TestLoadExpressionFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "circle.yaml")
	def := `name: circle
dim: 2
params:
  r: 2
residuals:
  - x0**2 + x1**2 - r**2
  - x0 - x1
`
	require.NoError(t, os.WriteFile(path, []byte(def), 0o644))

	o, err := Lookup(path, 0)
	require.NoError(t, err)
	e, ok := o.(*Expression)
	require.True(t, ok)
	assert.Equal(t, "circle", e.Name())
	assert.Equal(t, 2, e.Dim())

	c := newContext(t)
	assert.Equal(t, 16.0, value(c, e, 0, 0))

	_, err = Lookup(path, 3)
	assert.Error(t, err)
	_, err = Lookup(filepath.Join(dir, "missing.yml"), 0)
	assert.Error(t, err)
}
