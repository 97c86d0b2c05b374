package engine

import (
	"math"

	"godiffex/domain/de"
	"godiffex/internal/errors"

	"github.com/montanaflynn/stats"
)

const (
	// minDisp bounds the gene-wise optimizer from below
	minDisp = 1e-8
	// minTrendGenes is the fewest usable genes a trend fit will accept
	minTrendGenes = 10
	// minPriorVar floors the shrinkage prior width so a perfectly tight
	// residual cloud still leaves each gene some of its own signal
	minPriorVar = 0.25
	// madToSD rescales a median absolute deviation to a normal SD
	madToSD = 1.4826
)

// DispersionEstimator produces per-gene dispersions in three passes:
// independent gene-wise likelihood maximization, a global mean-dispersion
// trend, and empirical-Bayes shrinkage of each gene toward the trend.
// Only the trend and prior fits see all genes at once; everything else is
// per-gene and parallel-safe.
type DispersionEstimator struct {
	fitter             *GLMFitter
	fallbackDispersion float64
	outlierSD          float64
}

// NewDispersionEstimator wires the estimator to a preliminary-fit GLM fitter
func NewDispersionEstimator(fitter *GLMFitter, fallbackDispersion, outlierSD float64) *DispersionEstimator {
	return &DispersionEstimator{
		fitter:             fitter,
		fallbackDispersion: fallbackDispersion,
		outlierSD:          outlierSD,
	}
}

// GeneWise estimates one gene's dispersion by bounded MLE, holding the mean
// model fixed at a preliminary GLM fit done with the fallback dispersion.
// Non-convergence is recorded, never fatal.
func (e *DispersionEstimator) GeneWise(y []int64, nSamples int) de.DispersionEstimate {
	prelim := e.fitter.FitGene(y, e.fallbackDispersion)
	if !prelim.Converged && prelim.FitNotes != "iteration cap reached" {
		// No usable mean model at all; keep the fallback
		return de.DispersionEstimate{GeneWise: e.fallbackDispersion, Converged: false}
	}
	mu := e.fitter.FittedMeans(prelim.Coefficients)

	maxDisp := math.Max(10, float64(nSamples))
	logLo, logHi := math.Log(minDisp), math.Log(maxDisp)
	objective := func(logAlpha float64) float64 {
		return logNBLikelihood(y, mu, math.Exp(logAlpha))
	}
	logAlpha, ok := maximizeScalar(objective, logLo, logHi, 1e-6, 200)
	alpha := math.Exp(logAlpha)
	if !ok || math.IsNaN(alpha) {
		return de.DispersionEstimate{GeneWise: e.fallbackDispersion, Converged: false}
	}
	// An optimum pinned to the upper bound is not a real MLE
	if logHi-logAlpha < 1e-4 {
		return de.DispersionEstimate{GeneWise: e.fallbackDispersion, Converged: false}
	}
	return de.DispersionEstimate{GeneWise: alpha, Converged: true}
}

// FitTrend fits dispersion = asymptDisp + extraPois/mean across genes by
// iteratively reweighted least squares with gamma-family weights. Both
// coefficients are clamped non-negative, which makes the curve monotonically
// non-increasing in mean by construction.
func (e *DispersionEstimator) FitTrend(estimates []de.DispersionEstimate, baseMeans []float64) (de.TrendCurve, error) {
	var disp, invMean []float64
	for i, est := range estimates {
		if !est.Converged || baseMeans[i] <= 0 || est.GeneWise < minDisp*10 {
			continue
		}
		disp = append(disp, est.GeneWise)
		invMean = append(invMean, 1/baseMeans[i])
	}
	if len(disp) < minTrendGenes {
		return de.TrendCurve{}, errors.Newf(errors.CodeTrendFit,
			"only %d genes usable for dispersion trend, need at least %d", len(disp), minTrendGenes)
	}

	a0, a1 := 0.1, 1.0
	for iter := 0; iter < 20; iter++ {
		// Weighted least squares of disp on (1, 1/mean); gamma variance
		// makes the weight the inverse squared fitted value
		var s00, s01, s11, t0, t1 float64
		for i := range disp {
			fitted := a0 + a1*invMean[i]
			if fitted < minDisp {
				fitted = minDisp
			}
			w := 1 / (fitted * fitted)
			s00 += w
			s01 += w * invMean[i]
			s11 += w * invMean[i] * invMean[i]
			t0 += w * disp[i]
			t1 += w * disp[i] * invMean[i]
		}
		det := s00*s11 - s01*s01
		if det == 0 || math.IsNaN(det) {
			return de.TrendCurve{}, errors.Newf(errors.CodeTrendFit,
				"dispersion trend system is singular")
		}
		newA0 := (s11*t0 - s01*t1) / det
		newA1 := (s00*t1 - s01*t0) / det
		if newA0 < minDisp {
			newA0 = minDisp
		}
		if newA1 < minDisp {
			newA1 = minDisp
		}
		if math.Abs(newA0-a0)/(a0+minDisp) < 1e-6 && math.Abs(newA1-a1)/(a1+minDisp) < 1e-6 {
			a0, a1 = newA0, newA1
			break
		}
		a0, a1 = newA0, newA1
	}
	if math.IsNaN(a0) || math.IsNaN(a1) {
		return de.TrendCurve{}, errors.Newf(errors.CodeTrendFit,
			"dispersion trend fit produced NaN coefficients")
	}

	curve := de.TrendCurve{AsymptDisp: a0, ExtraPois: a1}
	curve.PriorVar = e.priorVariance(estimates, baseMeans, curve)
	return curve, nil
}

// priorVariance estimates the spread of log gene-wise dispersions around the
// trend with a MAD, so dispersion outliers cannot inflate their own prior,
// then subtracts the expected sampling variance of a log dispersion estimate.
func (e *DispersionEstimator) priorVariance(estimates []de.DispersionEstimate, baseMeans []float64, curve de.TrendCurve) float64 {
	var residuals []float64
	for i, est := range estimates {
		if !est.Converged || baseMeans[i] <= 0 {
			continue
		}
		residuals = append(residuals, math.Log(est.GeneWise)-math.Log(curve.At(baseMeans[i])))
	}
	if len(residuals) == 0 {
		return minPriorVar
	}
	mad, err := stats.MedianAbsoluteDeviation(residuals)
	if err != nil {
		return minPriorVar
	}
	spread := mad * madToSD
	samplingVar := e.samplingVariance()
	return math.Max(spread*spread-samplingVar, minPriorVar)
}

// samplingVariance approximates the variance of a log dispersion MLE from
// the residual degrees of freedom
func (e *DispersionEstimator) samplingVariance() float64 {
	df := float64(e.fitter.design.SampleCount() - e.fitter.design.CoefficientCount())
	if df < 1 {
		df = 1
	}
	return trigamma(df / 2)
}

// Shrink derives each gene's final dispersion as the precision-weighted
// combination of its gene-wise estimate and the trend value in log space.
// Genes sitting more than outlierSD residual-SDs above the trend are flagged
// and keep their own estimate; genes without a converged gene-wise MLE take
// the trend value outright.
func (e *DispersionEstimator) Shrink(estimates []de.DispersionEstimate, baseMeans []float64, curve de.TrendCurve) []de.DispersionEstimate {
	samplingVar := e.samplingVariance()
	spreadSD := math.Sqrt(curve.PriorVar + samplingVar)

	out := make([]de.DispersionEstimate, len(estimates))
	for i, est := range estimates {
		est.FittedTrend = curve.At(baseMeans[i])
		if math.IsInf(est.FittedTrend, 1) {
			est.FittedTrend = e.fallbackDispersion
		}
		logTrend := math.Log(est.FittedTrend)

		if !est.Converged {
			est.Final = est.FittedTrend
			out[i] = est
			continue
		}

		logResidual := math.Log(est.GeneWise) - logTrend
		if logResidual > e.outlierSD*spreadSD {
			est.IsOutlier = true
			est.Final = est.GeneWise
			out[i] = est
			continue
		}

		wLik := 1 / samplingVar
		wPrior := 1 / curve.PriorVar
		logFinal := (wLik*math.Log(est.GeneWise) + wPrior*logTrend) / (wLik + wPrior)
		est.Final = math.Max(math.Exp(logFinal), minDisp)
		out[i] = est
	}
	return out
}
