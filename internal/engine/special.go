package engine

import (
	"math"
)

// trigamma computes the second derivative of the log-gamma function.
// Recurrence pushes the argument above 6, then the asymptotic series applies.
// Needed for the sampling variance of a log dispersion estimate; gonum's
// mathext stops at the digamma.
func trigamma(x float64) float64 {
	if x <= 0 {
		return math.NaN()
	}
	result := 0.0
	for x < 6 {
		result += 1 / (x * x)
		x++
	}
	// Asymptotic expansion: 1/x + 1/(2x^2) + sum of Bernoulli terms
	inv := 1 / x
	inv2 := inv * inv
	series := inv + inv2/2 + inv2*inv*(1.0/6-inv2*(1.0/30-inv2*(1.0/42-inv2/30)))
	return result + series
}

// logNBLikelihood evaluates the negative-binomial log-likelihood of counts y
// given per-sample means mu and dispersion alpha (variance = mu + alpha*mu^2).
// Gamma-function form with size r = 1/alpha.
func logNBLikelihood(y []int64, mu []float64, alpha float64) float64 {
	r := 1 / alpha
	ll := 0.0
	for j, yj := range y {
		yf := float64(yj)
		m := mu[j]
		if m <= 0 {
			m = 1e-10
		}
		lg1, _ := math.Lgamma(yf + r)
		lg2, _ := math.Lgamma(r)
		lg3, _ := math.Lgamma(yf + 1)
		ll += lg1 - lg2 - lg3 + r*math.Log(r/(r+m)) + yf*math.Log(m/(r+m))
	}
	return ll
}

// maximizeScalar runs golden-section search for the maximum of f on [lo, hi],
// returning the argmax and whether the tolerance was reached within maxIter.
func maximizeScalar(f func(float64) float64, lo, hi, tol float64, maxIter int) (float64, bool) {
	const invPhi = 0.6180339887498949

	a, b := lo, hi
	c := b - invPhi*(b-a)
	d := a + invPhi*(b-a)
	fc, fd := f(c), f(d)

	converged := false
	for i := 0; i < maxIter; i++ {
		if b-a < tol {
			converged = true
			break
		}
		if fc > fd {
			b, d, fd = d, c, fc
			c = b - invPhi*(b-a)
			fc = f(c)
		} else {
			a, c, fc = c, d, fd
			d = a + invPhi*(b-a)
			fd = f(d)
		}
	}
	return (a + b) / 2, converged
}
