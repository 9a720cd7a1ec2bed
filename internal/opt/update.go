package opt

import (
	"math/big"

	"github.com/cwbudde/mpbfgs/internal/linalg"
)

// hessianUpdater applies rank-two corrections to an inverse Hessian
// approximation. Scratch storage is sized once for the problem dimension.
type hessianUpdater struct {
	c *linalg.Context

	kappa                             linalg.Vector
	theta, lambda, sigma, beta, alpha *big.Float

	// damped variant
	s, yHat             linalg.Vector
	ss, sy, gs, mu, rho *big.Float
	tmp                 *big.Float
}

func newHessianUpdater(c *linalg.Context, n int) *hessianUpdater {
	return &hessianUpdater{
		c:      c,
		kappa:  c.NewVector(n),
		theta:  c.New(),
		lambda: c.New(),
		sigma:  c.New(),
		beta:   c.New(),
		alpha:  c.New(),
		s:      c.NewVector(n),
		yHat:   c.NewVector(n),
		ss:     c.New(),
		sy:     c.New(),
		gs:     c.New(),
		mu:     c.New(),
		rho:    c.New(),
		tmp:    c.New(),
	}
}

// update applies the BFGS inverse update for the step t·d with gradient
// change y:
//
//	κ = H·y, θ = y·κ, λ = t(y·d), σ = (λ+θ)/λ², β = tλσ/2
//	κ' = κ − βd, α = −t/λ, H' = H + α(κ'dᵀ + dκ'ᵀ)
//
// It reports false and leaves H untouched when λ is zero.
func (u *hessianUpdater) update(h *linalg.Matrix, y linalg.Vector, t *big.Float, d linalg.Vector) bool {
	c := u.c
	c.MulVec(u.kappa, h, y)
	c.Dot(u.theta, y, u.kappa)
	c.Dot(u.lambda, y, d)
	u.lambda.Mul(u.lambda, t)
	if u.lambda.Sign() == 0 {
		return false
	}

	u.beta.Mul(u.lambda, u.lambda)
	u.sigma.Add(u.lambda, u.theta)
	u.sigma.Quo(u.sigma, u.beta)
	linalg.Check("sigma", u.sigma)

	u.beta.Mul(t, u.lambda)
	u.beta.Mul(u.beta, u.sigma)
	u.beta.SetMantExp(u.beta, -1)
	linalg.Check("beta", u.beta)
	for i := range u.kappa {
		c.FMS(u.kappa[i], u.beta, d[i], u.kappa[i])
		u.kappa[i].Neg(u.kappa[i])
	}

	u.alpha.Quo(t, u.lambda)
	u.alpha.Neg(u.alpha)
	linalg.Check("alpha", u.alpha)

	n := h.Dim()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			u.beta.Mul(u.kappa[i], d[j])
			c.FMA(u.beta, d[i], u.kappa[j], u.beta)
			c.FMA(h.At(i, j), u.alpha, u.beta, h.At(i, j))
		}
		linalg.CheckVector("inverse Hessian row", h.Row(i))
	}
	return true
}

// updateDamped applies Powell's damped BFGS update. The curvature along the
// step s = t·d is estimated from the objective values as
// μ = 2(fNew − f − gradᵀs)/sᵀs, falling back to sᵀy/sᵀs. When sᵀy is below
// 0.2·μ·sᵀs the gradient change is replaced by ŷ = ρy + (1−ρ)μs with
// ρ = 0.8·μ·sᵀs/(μ·sᵀs − sᵀy), so that sᵀŷ = 0.2·μ·sᵀs > 0.
//
// It reports false and leaves H untouched when no positive curvature
// estimate exists.
func (u *hessianUpdater) updateDamped(h *linalg.Matrix, f, fNew *big.Float, grad, y linalg.Vector, t *big.Float, d linalg.Vector) bool {
	c := u.c
	for i := range u.s {
		u.s[i].Mul(t, d[i])
	}
	c.Dot(u.ss, u.s, u.s)
	if u.ss.Sign() == 0 {
		return false
	}
	c.Dot(u.sy, u.s, y)
	c.Dot(u.gs, grad, u.s)

	// μ = 2(fNew − f − gᵀs)/sᵀs
	u.mu.Sub(fNew, f)
	u.mu.Sub(u.mu, u.gs)
	u.mu.SetMantExp(u.mu, 1)
	u.mu.Quo(u.mu, u.ss)
	if u.mu.Sign() <= 0 {
		u.mu.Quo(u.sy, u.ss)
	}
	if u.mu.Sign() <= 0 {
		return false
	}
	linalg.Check("curvature estimate", u.mu)

	// tmp = μ·sᵀs; undamped when 5·sᵀy ≥ μ·sᵀs
	u.tmp.Mul(u.mu, u.ss)
	u.rho.Mul(u.sy, c.NewInt(5))
	if u.rho.Cmp(u.tmp) >= 0 {
		return u.update(h, y, t, d)
	}

	// ρ = 4·μsᵀs / (5·(μsᵀs − sᵀy))
	u.rho.Sub(u.tmp, u.sy)
	u.rho.Mul(u.rho, c.NewInt(5))
	u.rho.Quo(u.tmp, u.rho)
	u.rho.SetMantExp(u.rho, 2)
	linalg.Check("damping factor", u.rho)

	// ŷ = ρy + (1−ρ)μs
	u.tmp.Sub(c.NewInt(1), u.rho)
	u.tmp.Mul(u.tmp, u.mu)
	for i := range u.yHat {
		u.yHat[i].Mul(u.tmp, u.s[i])
	}
	c.Axpy(u.yHat, u.rho, y, u.yHat)
	return u.update(h, u.yHat, t, d)
}
