package linalg

import (
	"fmt"
	"math"
	"math/big"
	"strings"
)

// Context fixes the precision and rounding mode shared by every value of a run.
// All scalars, vectors and matrices of one run must be created by the same
// Context; mixing precisions is undefined.
//
// A Context owns a scratch value for fused operations and is therefore not
// safe for concurrent use.
type Context struct {
	prec uint
	mode big.RoundingMode
	prod *big.Float // exact product scratch for fused operations
}

// NewContext creates a context for the given precision in bits.
func NewContext(prec uint, mode big.RoundingMode) (*Context, error) {
	if prec == 0 || prec > big.MaxPrec/2 {
		return nil, fmt.Errorf("precision must be in [1, %d], got %d", uint(big.MaxPrec/2), prec)
	}
	if mode > big.ToPositiveInf {
		return nil, fmt.Errorf("unknown rounding mode %d", mode)
	}
	return &Context{
		prec: prec,
		mode: mode,
		prod: new(big.Float),
	}, nil
}

// ParseRoundingMode maps a rounding mode name to its big.RoundingMode.
func ParseRoundingMode(name string) (big.RoundingMode, error) {
	switch strings.ToLower(name) {
	case "", "nearest", "nearest-even":
		return big.ToNearestEven, nil
	case "nearest-away":
		return big.ToNearestAway, nil
	case "zero":
		return big.ToZero, nil
	case "away":
		return big.AwayFromZero, nil
	case "down":
		return big.ToNegativeInf, nil
	case "up":
		return big.ToPositiveInf, nil
	default:
		return 0, fmt.Errorf("unknown rounding mode %q (want nearest, nearest-away, zero, away, down or up)", name)
	}
}

// Prec returns the precision in bits.
func (c *Context) Prec() uint { return c.prec }

// Mode returns the rounding mode.
func (c *Context) Mode() big.RoundingMode { return c.mode }

// Digits is the number of digits after the decimal point needed to print a
// value of this precision in scientific notation without losing information.
func (c *Context) Digits() int {
	return int(float64(c.prec)*math.Log10(2)) + 2
}

// New returns a zero scalar at the context's precision and rounding mode.
func (c *Context) New() *big.Float {
	return new(big.Float).SetPrec(c.prec).SetMode(c.mode)
}

// NewInt returns the scalar v.
func (c *Context) NewInt(v int64) *big.Float {
	return c.New().SetInt64(v)
}

// NewFloat returns the scalar v rounded to the context's precision.
func (c *Context) NewFloat(v float64) *big.Float {
	return checked("set", c.New().SetFloat64(v))
}

// Parse reads a base-10 scalar.
func (c *Context) Parse(s string) (*big.Float, error) {
	z, _, err := c.New().Parse(s, 10)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	if z.IsInf() {
		return nil, fmt.Errorf("parse %q: %w", s, ErrNonFinite)
	}
	return z, nil
}

// Pow2 returns 2^e.
func (c *Context) Pow2(e int) *big.Float {
	z := c.NewInt(1)
	return z.SetMantExp(z, e)
}

// FMA sets z = a*b + acc with a single rounding and returns z.
// z may alias acc.
func (c *Context) FMA(z, a, b, acc *big.Float) *big.Float {
	c.prod.SetPrec(a.Prec() + b.Prec()).Mul(a, b)
	return z.Add(c.prod, acc)
}

// FMS sets z = a*b - acc with a single rounding and returns z.
// z may alias acc.
func (c *Context) FMS(z, a, b, acc *big.Float) *big.Float {
	c.prod.SetPrec(a.Prec() + b.Prec()).Mul(a, b)
	return z.Sub(c.prod, acc)
}
