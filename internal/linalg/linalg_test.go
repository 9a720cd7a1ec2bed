package linalg

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T, prec uint) *Context {
	t.Helper()
	c, err := NewContext(prec, big.ToNearestEven)
	require.NoError(t, err)
	return c
}

func f64(x *big.Float) float64 {
	v, _ := x.Float64()
	return v
}

func TestNewContextRejectsBadPrecision(t *testing.T) {
	_, err := NewContext(0, big.ToNearestEven)
	assert.Error(t, err)

	_, err = NewContext(64, big.RoundingMode(42))
	assert.Error(t, err)

	c, err := NewContext(256, big.ToZero)
	require.NoError(t, err)
	assert.Equal(t, uint(256), c.Prec())
	assert.Equal(t, big.ToZero, c.Mode())
	assert.Equal(t, uint(256), c.New().Prec())
}

func TestParseRoundingMode(t *testing.T) {
	tests := []struct {
		name string
		want big.RoundingMode
	}{
		{"", big.ToNearestEven},
		{"nearest", big.ToNearestEven},
		{"NEAREST", big.ToNearestEven},
		{"zero", big.ToZero},
		{"up", big.ToPositiveInf},
		{"down", big.ToNegativeInf},
		{"away", big.AwayFromZero},
	}
	for _, tt := range tests {
		got, err := ParseRoundingMode(tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}

	_, err := ParseRoundingMode("sideways")
	assert.Error(t, err)
}

func TestDigits(t *testing.T) {
	assert.Equal(t, 17, newTestContext(t, 53).Digits())
	assert.Equal(t, 79, newTestContext(t, 256).Digits())
}

func TestDotAndNorm(t *testing.T) {
	c := newTestContext(t, 64)
	v := c.VectorOf(1, 2, 3)
	w := c.VectorOf(4, -5, 6)

	assert.Equal(t, 12.0, f64(c.Dot(c.New(), v, w)))
	assert.Equal(t, 5.0, f64(c.Norm(c.New(), c.VectorOf(3, 4))))
	assert.Equal(t, 0.0, f64(c.Norm(c.New(), c.NewVector(0))))
}

func TestFMARoundsOnce(t *testing.T) {
	c := newTestContext(t, 53)
	// (1+2^-30)^2 - 1 = 2^-29 + 2^-60. A separately rounded product loses the
	// 2^-60 term; the fused form keeps it.
	a := c.NewInt(1)
	a.Add(a, c.Pow2(-30))
	got := c.FMS(c.New(), a, a, c.NewInt(1))

	want := c.Pow2(-29)
	want.Add(want, c.Pow2(-60))
	assert.Equal(t, 0, got.Cmp(want))
}

func TestAxpyAxmy(t *testing.T) {
	c := newTestContext(t, 64)
	x := c.VectorOf(1, 2)
	y := c.VectorOf(10, 20)
	a := c.NewFloat(0.5)

	z := c.NewVector(2)
	c.Axpy(z, a, x, y)
	assert.Equal(t, []float64{10.5, 21}, z.Float64s())

	c.Axmy(z, a, x, y)
	assert.Equal(t, []float64{-9.5, -19}, z.Float64s())

	// in place on y
	c.Axpy(y, a, x, y)
	assert.Equal(t, []float64{10.5, 21}, y.Float64s())
}

func TestAddSubScale(t *testing.T) {
	c := newTestContext(t, 64)
	x := c.VectorOf(1, 2)
	y := c.VectorOf(3, 5)
	z := c.NewVector(2)

	c.Add(z, x, y)
	assert.Equal(t, []float64{4, 7}, z.Float64s())
	c.Sub(z, x, y)
	assert.Equal(t, []float64{-2, -3}, z.Float64s())
	c.Scale(z, c.NewInt(-2))
	assert.Equal(t, []float64{4, 6}, z.Float64s())
}

func TestNegateAndNormalize(t *testing.T) {
	c := newTestContext(t, 64)
	v := c.VectorOf(3, 4)
	c.NegateAndNormalize(v)
	assert.InDelta(t, -0.6, f64(v[0]), 1e-15)
	assert.InDelta(t, -0.8, f64(v[1]), 1e-15)
}

func TestNegateAndNormalizeZeroVector(t *testing.T) {
	c := newTestContext(t, 64)

	err := func() (err error) {
		defer Recover(&err, func() string { return "during normalization of step direction" })
		c.NegateAndNormalize(c.NewVector(3))
		return nil
	}()

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNonFinite))
	var nf *NonFiniteError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "during normalization of step direction", nf.Phase)
	assert.Contains(t, err.Error(), "invalid calculation performed in")
}

func TestRecoverConvertsNaNPanic(t *testing.T) {
	c := newTestContext(t, 64)

	err := func() (err error) {
		defer Recover(&err, func() string { return "while dividing" })
		// 0/0 panics inside math/big
		c.New().Quo(c.New(), c.New())
		return nil
	}()

	assert.True(t, errors.Is(err, ErrNonFinite))
}

func TestRecoverPropagatesOtherPanics(t *testing.T) {
	assert.PanicsWithValue(t, "boom", func() {
		var err error
		defer Recover(&err, func() string { return "" })
		panic("boom")
	})
}

func TestInfinityIsDetected(t *testing.T) {
	c := newTestContext(t, 64)
	huge := c.New().SetMantExp(c.NewInt(1), 1<<30)

	err := func() (err error) {
		defer Recover(&err, func() string { return "computing dot product" })
		v := Vector{huge, huge}
		c.Dot(c.New(), v, v)
		return nil
	}()

	assert.True(t, errors.Is(err, ErrNonFinite))
}

func TestEqual(t *testing.T) {
	c := newTestContext(t, 64)
	assert.True(t, Equal(c.VectorOf(1, 2), c.VectorOf(1, 2)))
	assert.False(t, Equal(c.VectorOf(1, 2), c.VectorOf(1, 2.0000001)))
	assert.False(t, Equal(c.VectorOf(1), c.VectorOf(1, 2)))
}

func TestCloneIsDeep(t *testing.T) {
	c := newTestContext(t, 64)
	v := c.VectorOf(1, 2)
	w := c.Clone(v)
	w[0].SetInt64(7)
	assert.Equal(t, 1.0, f64(v[0]))
}

func TestMatrixIdentityAndMulVec(t *testing.T) {
	c := newTestContext(t, 64)
	m := c.NewMatrix(3)
	v := c.VectorOf(1, -2, 3)
	dst := c.NewVector(3)

	c.MulVec(dst, m, v)
	assert.True(t, Equal(dst, v))

	m.At(0, 1).SetInt64(2)
	m.At(2, 0).SetInt64(-1)
	c.MulVec(dst, m, v)
	assert.Equal(t, []float64{-3, -2, 2}, dst.Float64s())
	assert.False(t, m.IsSymmetric(c.New()))

	m.SetIdentity()
	assert.True(t, m.IsSymmetric(c.New()))
}

func TestParse(t *testing.T) {
	c := newTestContext(t, 128)

	x, err := c.Parse("+1.2500000000000000000e+00")
	require.NoError(t, err)
	assert.Equal(t, 1.25, f64(x))
	assert.Equal(t, uint(128), x.Prec())

	_, err = c.Parse("banana")
	assert.Error(t, err)

	_, err = c.Parse("+Inf")
	assert.True(t, errors.Is(err, ErrNonFinite))
}
