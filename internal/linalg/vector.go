package linalg

import "math/big"

// Vector is a fixed-length sequence of scalars owned by whoever created it.
// Operations write into an explicit destination; unless stated otherwise the
// destination must not share entries with an operand.
type Vector []*big.Float

// NewVector returns a zero vector of length n.
func (c *Context) NewVector(n int) Vector {
	v := make(Vector, n)
	for i := range v {
		v[i] = c.New()
	}
	return v
}

// VectorOf returns a vector holding xs rounded to the context's precision.
func (c *Context) VectorOf(xs ...float64) Vector {
	v := c.NewVector(len(xs))
	for i, x := range xs {
		v[i].SetFloat64(x)
	}
	CheckVector("set", v)
	return v
}

// Clone returns a deep copy of v.
func (c *Context) Clone(v Vector) Vector {
	w := c.NewVector(len(v))
	c.Copy(w, v)
	return w
}

// Copy sets dst[i] = src[i]. dst keeps its own storage.
func (c *Context) Copy(dst, src Vector) {
	mustMatch(len(dst), len(src))
	for i, x := range src {
		dst[i].Set(x)
	}
}

// SetZero sets every entry of v to zero.
func (c *Context) SetZero(v Vector) {
	for _, x := range v {
		x.SetInt64(0)
	}
}

// Float64s returns v rounded to float64.
func (v Vector) Float64s() []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i], _ = x.Float64()
	}
	return out
}

// Equal reports exact elementwise equality of v and w.
func Equal(v, w Vector) bool {
	if len(v) != len(w) {
		return false
	}
	for i := range v {
		if v[i].Cmp(w[i]) != 0 {
			return false
		}
	}
	return true
}

// Dot sets dst to v·w and returns it. The first product is rounded, every
// further term is accumulated with a fused multiply-add in index order so
// results are reproducible at finite precision.
func (c *Context) Dot(dst *big.Float, v, w Vector) *big.Float {
	mustMatch(len(v), len(w))
	if len(v) == 0 {
		return dst.SetInt64(0)
	}
	dst.Mul(v[0], w[0])
	for i := 1; i < len(v); i++ {
		c.FMA(dst, v[i], w[i], dst)
	}
	return checked("dot product", dst)
}

// Norm sets dst to the Euclidean norm of v and returns it.
func (c *Context) Norm(dst *big.Float, v Vector) *big.Float {
	if len(v) == 0 {
		return dst.SetInt64(0)
	}
	dst.Mul(v[0], v[0])
	for i := 1; i < len(v); i++ {
		c.FMA(dst, v[i], v[i], dst)
	}
	checked("norm", dst)
	return dst.Sqrt(dst)
}

// Axpy sets dst = a*x + y elementwise with one fused operation per entry.
// dst may alias y.
func (c *Context) Axpy(dst Vector, a *big.Float, x, y Vector) {
	mustMatch(len(dst), len(x))
	mustMatch(len(x), len(y))
	for i := range dst {
		checked("axpy", c.FMA(dst[i], a, x[i], y[i]))
	}
}

// Axmy sets dst = a*x - y elementwise with one fused operation per entry.
// dst may alias y.
func (c *Context) Axmy(dst Vector, a *big.Float, x, y Vector) {
	mustMatch(len(dst), len(x))
	mustMatch(len(x), len(y))
	for i := range dst {
		checked("axmy", c.FMS(dst[i], a, x[i], y[i]))
	}
}

// Add sets dst = x + y. dst may alias x or y.
func (c *Context) Add(dst, x, y Vector) {
	mustMatch(len(dst), len(x))
	mustMatch(len(x), len(y))
	for i := range dst {
		checked("add", dst[i].Add(x[i], y[i]))
	}
}

// Sub sets dst = x - y. dst may alias x or y.
func (c *Context) Sub(dst, x, y Vector) {
	mustMatch(len(dst), len(x))
	mustMatch(len(x), len(y))
	for i := range dst {
		checked("subtract", dst[i].Sub(x[i], y[i]))
	}
}

// Scale multiplies v by a in place.
func (c *Context) Scale(v Vector, a *big.Float) {
	for _, x := range v {
		checked("scale", x.Mul(a, x))
	}
}

// NegateAndNormalize scales v by -1/‖v‖ in place. A zero vector has no
// direction and raises the non-finite condition.
func (c *Context) NegateAndNormalize(v Vector) {
	n := c.Norm(c.New(), v)
	if n.Sign() == 0 {
		fail("normalization of zero vector")
	}
	n.Quo(c.NewInt(-1), n)
	c.Scale(v, checked("normalization", n))
}

func mustMatch(n, m int) {
	if n != m {
		panic("linalg: dimension mismatch")
	}
}
