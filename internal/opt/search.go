package opt

import (
	"math/big"

	"github.com/cwbudde/mpbfgs/internal/linalg"
	"github.com/cwbudde/mpbfgs/internal/objective"
)

// maxDoublings bounds the downhill expansion of the line search.
const maxDoublings = 4

// LineSearcher finds an approximately optimal step length along a direction
// by bracketing and quadratic interpolation. Its scratch values are
// allocated once and reused by every search.
type LineSearcher struct {
	c   *linalg.Context
	obj objective.Objective

	x0 linalg.Vector
	f0 *big.Float
	d  linalg.Vector

	trial          linalg.Vector
	t, tNext       *big.Float
	f1, f2         *big.Float
	num, den, tmp  *big.Float
	bestT, bestF   *big.Float
	tPrev, fPrev   *big.Float
	tPrev2, fPrev2 *big.Float
}

// NewLineSearcher allocates a searcher for obj at the context's precision.
func NewLineSearcher(c *linalg.Context, obj objective.Objective) *LineSearcher {
	return &LineSearcher{
		c:      c,
		obj:    obj,
		trial:  c.NewVector(obj.Dim()),
		t:      c.New(),
		tNext:  c.New(),
		f1:     c.New(),
		f2:     c.New(),
		num:    c.New(),
		den:    c.New(),
		tmp:    c.New(),
		bestT:  c.New(),
		bestF:  c.New(),
		tPrev:  c.New(),
		fPrev:  c.New(),
		tPrev2: c.New(),
		fPrev2: c.New(),
	}
}

// Search minimizes t ↦ f(x0 + t·d) starting from the guess t0 and stores the
// best step and its objective value in tDst and fDst. The returned step is
// zero when no representable step along d improves on f0, otherwise
// f(x0 + tDst·d) = fDst < f0.
//
// Non-finite arithmetic raises the linalg non-finite condition.
func (s *LineSearcher) Search(x0 linalg.Vector, f0 *big.Float, d linalg.Vector, t0 *big.Float, tDst, fDst *big.Float) {
	s.x0, s.f0, s.d = x0, f0, d
	s.bestF.Set(f0)
	s.bestT.SetInt64(0)

	s.search(t0)

	tDst.Set(s.bestT)
	fDst.Set(s.bestF)
	s.x0, s.f0, s.d = nil, nil, nil
}

func (s *LineSearcher) search(t0 *big.Float) {
	s.t.Set(t0)
	s.evaluate(s.f1, s.t)
	if s.f1.Cmp(s.f0) < 0 {
		s.downhill()
	} else {
		s.uphill()
	}
}

// evaluate sets dst = f(x0 + t·d) and reports whether the trial point differs
// from x0. Strict improvements on the best value are recorded.
func (s *LineSearcher) evaluate(dst, t *big.Float) bool {
	s.c.Axpy(s.trial, t, s.d, s.x0)
	if linalg.Equal(s.trial, s.x0) {
		dst.Set(s.f0)
		return false
	}
	s.obj.Value(s.c, s.trial, dst)
	linalg.Check("objective function", dst)
	if dst.Cmp(s.bestF) < 0 {
		s.bestF.Set(dst)
		s.bestT.Set(t)
	}
	return true
}

// downhill expands the step while the objective keeps decreasing, then fits
// a parabola through (0, f0), (t, f1), (2t, f2).
func (s *LineSearcher) downhill() {
	s.tPrev.SetInt64(0)
	s.fPrev.Set(s.f0)
	for n := 0; ; {
		s.tNext.SetMantExp(s.t, 1)
		s.evaluate(s.f2, s.tNext)
		if s.f2.Cmp(s.f1) >= 0 {
			break
		}
		s.tPrev2.Set(s.tPrev)
		s.fPrev2.Set(s.fPrev)
		s.tPrev.Set(s.t)
		s.fPrev.Set(s.f1)
		s.t.Set(s.tNext)
		s.f1.Set(s.f2)
		if n++; n >= maxDoublings {
			// Still improving: take the vertex through the last three samples
			// if it is a minimum, otherwise keep the largest step.
			if s.vertex(s.tNext, s.tPrev2, s.fPrev2, s.tPrev, s.fPrev, s.t, s.f1) &&
				s.tNext.Sign() > 0 && s.tNext.Cmp(s.tmp.SetMantExp(s.t, 1)) < 0 {
				s.evaluate(s.f2, s.tNext)
			}
			return
		}
	}

	// t* = t/2 · (4f1 − f2 − 3f0) / (2f1 − f2 − f0)
	s.den.SetMantExp(s.f1, 1)
	s.den.Sub(s.den, s.f2)
	s.den.Sub(s.den, s.f0)
	s.num.SetMantExp(s.f1, 2)
	s.num.Sub(s.num, s.f2)
	s.tmp.Mul(s.f0, s.c.NewInt(3))
	s.num.Sub(s.num, s.tmp)
	if !s.quotient(s.tNext, 1) {
		return
	}
	if s.tNext.Cmp(s.tmp.SetMantExp(s.t, 1)) >= 0 {
		return
	}
	s.evaluate(s.f2, s.tNext)
}

// uphill halves the step until the objective drops below f0, then fits a
// parabola through (0, f0), (t/2, f2), (t, f1). It gives up as soon as a
// step no longer moves x0.
func (s *LineSearcher) uphill() {
	for {
		s.tNext.SetMantExp(s.t, -1)
		if s.tNext.Sign() == 0 {
			return
		}
		if !s.evaluate(s.f2, s.tNext) {
			return
		}
		if s.f2.Cmp(s.f0) < 0 {
			break
		}
		s.t.Set(s.tNext)
		s.f1.Set(s.f2)
	}

	// t* = t/4 · (f1 − 4f2 + 3f0) / (f1 − 2f2 + f0)
	s.tmp.SetMantExp(s.f2, 1)
	s.den.Sub(s.f1, s.tmp)
	s.den.Add(s.den, s.f0)
	s.tmp.SetMantExp(s.f2, 2)
	s.num.Sub(s.f1, s.tmp)
	s.tmp.Mul(s.f0, s.c.NewInt(3))
	s.num.Add(s.num, s.tmp)
	if !s.quotient(s.tNext, 2) {
		return
	}
	if s.tNext.Cmp(s.t) >= 0 {
		return
	}
	s.evaluate(s.f2, s.tNext)
}

// quotient sets dst = t/2^k · num/den and reports whether the result is a
// usable positive step.
func (s *LineSearcher) quotient(dst *big.Float, k int) bool {
	if s.den.Sign() == 0 {
		return false
	}
	dst.SetMantExp(s.t, -k)
	dst.Mul(dst, s.num)
	dst.Quo(dst, s.den)
	return !dst.IsInf() && dst.Sign() > 0
}

// vertex sets dst to the abscissa of the extremum of the parabola through
// three samples and reports whether that extremum is a minimum.
func (s *LineSearcher) vertex(dst, a, fa, b, fb, c, fc *big.Float) bool {
	// With p = (b−a)(fb−fc) and q = (b−c)(fb−fa):
	// vertex = b − ((b−a)p − (b−c)q) / (2(p − q)); convex iff (p − q)/(c−a) < 0
	ctx := s.c
	ba, bc := ctx.New().Sub(b, a), ctx.New().Sub(b, c)
	p := ctx.New().Sub(fb, fc)
	p.Mul(p, ba)
	q := ctx.New().Sub(fb, fa)
	q.Mul(q, bc)
	den := ctx.New().Sub(p, q)
	if den.Sign() >= 0 {
		// c > a, so a non-negative p − q means a concave or flat parabola
		return false
	}
	num := ctx.New().Mul(ba, p)
	num.Sub(num, ctx.New().Mul(bc, q))
	den.SetMantExp(den, 1)
	dst.Quo(num, den)
	dst.Sub(b, dst)
	return !dst.IsInf()
}
