package engine

import (
	"math"

	"godiffex/domain/de"
	"godiffex/domain/matrix"

	"gonum.org/v1/gonum/mat"
)

const (
	// etaBound clips the linear predictor; exp(30) already exceeds any
	// realistic sequencing count, and the clip turns would-be overflow into
	// a recoverable flat gradient
	etaBound = 30.0
	// muFloor keeps the working weights and deviance defined at zero means
	muFloor = 1e-10
	// glmTolerance is the relative deviance change treated as converged
	glmTolerance = 1e-8
)

// GLMFitter fits per-gene negative-binomial generalized linear models with a
// log link, fixed size-factor offsets and fixed dispersion, by iteratively
// reweighted least squares. Dispersion is never updated here; decoupling the
// mean fit from dispersion estimation is what keeps both iterations stable.
type GLMFitter struct {
	design      *matrix.Design
	offsets     []float64 // log size factors
	ridgeLambda float64
	maxIters    int
}

// NewGLMFitter prepares a fitter for one design and one set of size factors
func NewGLMFitter(design *matrix.Design, sf de.SizeFactors, ridgeLambda float64, maxIters int) *GLMFitter {
	offsets := make([]float64, len(sf))
	for j, s := range sf {
		offsets[j] = math.Log(s)
	}
	return &GLMFitter{
		design:      design,
		offsets:     offsets,
		ridgeLambda: ridgeLambda,
		maxIters:    maxIters,
	}
}

// FitGene fits one gene's counts with the given fixed dispersion.
// Numeric trouble never escapes as an error: a gene that cannot be fit comes
// back with Converged=false, a note, and the best available iterate.
func (f *GLMFitter) FitGene(y []int64, dispersion float64) de.GeneFit {
	nSamples := f.design.SampleCount()
	p := f.design.CoefficientCount()

	beta := f.initialBeta(y)
	eta := make([]float64, nSamples)
	mu := make([]float64, nSamples)
	w := make([]float64, nSamples)
	z := make([]float64, nSamples)

	dev := math.Inf(1)
	converged := false
	iters := 0

	xtwx := mat.NewSymDense(p, nil)
	xtwz := mat.NewVecDense(p, nil)

	for iters = 1; iters <= f.maxIters; iters++ {
		f.linearPredictor(beta, eta)
		for j := range eta {
			mu[j] = math.Max(math.Exp(eta[j]), muFloor)
			w[j] = mu[j] / (1 + dispersion*mu[j])
			z[j] = eta[j] - f.offsets[j] + (float64(y[j])-mu[j])/mu[j]
		}

		f.normalEquations(w, z, xtwx, xtwz)
		next, ok := solveRidged(xtwx, xtwz, f.ridgeLambda)
		if !ok {
			return f.abandon(beta, iters, dev, "singular weighted system")
		}
		copy(beta, next)
		for _, b := range beta {
			if math.IsNaN(b) || math.IsInf(b, 0) {
				return f.abandon(make([]float64, p), iters, dev, "diverged coefficients")
			}
		}

		newDev := nbDeviance(y, mu, dispersion)
		if math.Abs(newDev-dev)/(math.Abs(newDev)+0.1) < glmTolerance {
			dev = newDev
			converged = true
			break
		}
		dev = newDev
	}

	// Final mean state for standard errors and influence
	f.linearPredictor(beta, eta)
	for j := range eta {
		mu[j] = math.Max(math.Exp(eta[j]), muFloor)
		w[j] = mu[j] / (1 + dispersion*mu[j])
	}
	se, hat := f.errorsAndLeverage(w)
	maxCooks := f.maxCooksDistance(y, mu, dispersion, hat)

	fit := de.GeneFit{
		Coefficients:   beta,
		StandardErrors: se,
		Converged:      converged,
		Iterations:     iters,
		Deviance:       dev,
		MaxCooks:       maxCooks,
	}
	if !converged {
		fit.FitNotes = "iteration cap reached"
	}
	return fit
}

// FittedMeans returns the model means for one gene at the given coefficients
func (f *GLMFitter) FittedMeans(beta []float64) []float64 {
	eta := make([]float64, f.design.SampleCount())
	f.linearPredictor(beta, eta)
	mu := make([]float64, len(eta))
	for j := range eta {
		mu[j] = math.Max(math.Exp(eta[j]), muFloor)
	}
	return mu
}

func (f *GLMFitter) initialBeta(y []int64) []float64 {
	beta := make([]float64, f.design.CoefficientCount())
	sum := 0.0
	for j, c := range y {
		sum += float64(c) * math.Exp(-f.offsets[j])
	}
	mean := sum / float64(len(y))
	beta[0] = math.Log(mean + 0.1)
	return beta
}

func (f *GLMFitter) linearPredictor(beta []float64, eta []float64) {
	for j, row := range f.design.X {
		e := f.offsets[j]
		for k, x := range row {
			e += x * beta[k]
		}
		if e > etaBound {
			e = etaBound
		} else if e < -etaBound {
			e = -etaBound
		}
		eta[j] = e
	}
}

func (f *GLMFitter) normalEquations(w, z []float64, xtwx *mat.SymDense, xtwz *mat.VecDense) {
	p := f.design.CoefficientCount()
	for a := 0; a < p; a++ {
		for b := a; b < p; b++ {
			s := 0.0
			for j, row := range f.design.X {
				s += w[j] * row[a] * row[b]
			}
			xtwx.SetSym(a, b, s)
		}
		s := 0.0
		for j, row := range f.design.X {
			s += w[j] * row[a] * z[j]
		}
		xtwz.SetVec(a, s)
	}
}

// errorsAndLeverage returns Wald standard errors from the inverse observed
// Fisher information and the per-sample leverages of the weighted hat matrix
func (f *GLMFitter) errorsAndLeverage(w []float64) ([]float64, []float64) {
	p := f.design.CoefficientCount()
	xtwx := mat.NewSymDense(p, nil)
	for a := 0; a < p; a++ {
		for b := a; b < p; b++ {
			s := 0.0
			for j, row := range f.design.X {
				s += w[j] * row[a] * row[b]
			}
			xtwx.SetSym(a, b, s)
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(xtwx) {
		// Ridge the diagonal until the information matrix factors; the
		// inflated SEs are still reported, just not trusted by the tester
		ridged := mat.NewSymDense(p, nil)
		ridged.CopySym(xtwx)
		for a := 0; a < p; a++ {
			ridged.SetSym(a, a, ridged.At(a, a)+1e-8)
		}
		if !chol.Factorize(ridged) {
			se := make([]float64, p)
			for a := range se {
				se[a] = math.Inf(1)
			}
			return se, make([]float64, f.design.SampleCount())
		}
	}

	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		se := make([]float64, p)
		for a := range se {
			se[a] = math.Inf(1)
		}
		return se, make([]float64, f.design.SampleCount())
	}

	se := make([]float64, p)
	for a := 0; a < p; a++ {
		se[a] = math.Sqrt(inv.At(a, a))
	}

	hat := make([]float64, f.design.SampleCount())
	for j, row := range f.design.X {
		h := 0.0
		for a := 0; a < p; a++ {
			for b := 0; b < p; b++ {
				h += row[a] * inv.At(a, b) * row[b]
			}
		}
		hat[j] = w[j] * h
	}
	return se, hat
}

// maxCooksDistance computes the largest per-sample Cook's distance, or NaN
// when there are too few residual degrees of freedom to judge influence
func (f *GLMFitter) maxCooksDistance(y []int64, mu []float64, dispersion float64, hat []float64) float64 {
	nSamples := f.design.SampleCount()
	p := f.design.CoefficientCount()
	if nSamples < p+3 {
		return math.NaN()
	}
	maxCooks := 0.0
	for j := range y {
		variance := mu[j] * (1 + dispersion*mu[j])
		if variance <= 0 {
			continue
		}
		r := (float64(y[j]) - mu[j]) / math.Sqrt(variance)
		h := hat[j]
		if h >= 1 {
			h = 1 - 1e-8
		}
		cooks := r * r / float64(p) * h / ((1 - h) * (1 - h))
		if cooks > maxCooks {
			maxCooks = cooks
		}
	}
	return maxCooks
}

func (f *GLMFitter) abandon(beta []float64, iters int, dev float64, note string) de.GeneFit {
	p := f.design.CoefficientCount()
	se := make([]float64, p)
	for a := range se {
		se[a] = math.Inf(1)
	}
	return de.GeneFit{
		Coefficients:   beta,
		StandardErrors: se,
		Converged:      false,
		Iterations:     iters,
		Deviance:       dev,
		MaxCooks:       math.NaN(),
		FitNotes:       note,
	}
}

// solveRidged solves (A + lambda*I) x = b, escalating lambda when the system
// will not factor. Returns false only when even a heavily ridged system fails.
func solveRidged(a *mat.SymDense, b *mat.VecDense, lambda float64) ([]float64, bool) {
	p, _ := a.Dims()
	for attempt := 0; attempt < 4; attempt++ {
		ridged := mat.NewSymDense(p, nil)
		ridged.CopySym(a)
		for i := 0; i < p; i++ {
			ridged.SetSym(i, i, ridged.At(i, i)+lambda)
		}
		var chol mat.Cholesky
		if chol.Factorize(ridged) {
			var x mat.VecDense
			if err := chol.SolveVecTo(&x, b); err == nil {
				out := make([]float64, p)
				for i := 0; i < p; i++ {
					out[i] = x.AtVec(i)
				}
				return out, true
			}
		}
		if lambda == 0 {
			lambda = 1e-6
		} else {
			lambda *= 1e3
		}
	}
	return nil, false
}

// nbDeviance computes the negative-binomial deviance of counts against means
func nbDeviance(y []int64, mu []float64, dispersion float64) float64 {
	dev := 0.0
	for j, yj := range y {
		yf := float64(yj)
		m := math.Max(mu[j], muFloor)
		if yf > 0 {
			dev += yf * math.Log(yf/m)
		}
		if dispersion > 0 {
			r := 1 / dispersion
			dev -= (yf + r) * math.Log((yf+r)/(m+r))
		} else {
			// Poisson limit
			dev -= yf - m
		}
	}
	return 2 * dev
}
