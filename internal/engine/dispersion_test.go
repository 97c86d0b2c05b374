package engine

import (
	"math"
	"math/rand"
	"testing"

	"godiffex/domain/de"
	"godiffex/domain/matrix"
	"godiffex/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEstimator(t *testing.T, nSamples int) *DispersionEstimator {
	t.Helper()
	design := mustDesign(twoGroupMetadata(nSamples))
	fitter := NewGLMFitter(design, unitSizeFactors(nSamples), 1e-6, 100)
	return NewDispersionEstimator(fitter, 0.1, 2.0)
}

func TestGeneWise_RecoversOverdispersion(t *testing.T) {
	// Counts with strong within-group spread around a common mean; the MLE
	// must land well away from both optimizer bounds
	e := newTestEstimator(t, 6)
	y := []int64{60, 140, 95, 45, 160, 100}
	est := e.GeneWise(y, 6)
	require.True(t, est.Converged)
	assert.Greater(t, est.GeneWise, 1e-4)
	assert.Less(t, est.GeneWise, 5.0)
}

func TestGeneWise_NearPoissonGoesSmall(t *testing.T) {
	e := newTestEstimator(t, 6)
	y := []int64{100, 101, 99, 100, 102, 98}
	est := e.GeneWise(y, 6)
	require.True(t, est.Converged)
	assert.Less(t, est.GeneWise, 1e-2)
}

func TestTrendCurve_MonotoneNonIncreasing(t *testing.T) {
	curve := de.TrendCurve{AsymptDisp: 0.05, ExtraPois: 3}
	prev := curve.At(0.5)
	for mean := 1.0; mean < 1e6; mean *= 2 {
		cur := curve.At(mean)
		assert.LessOrEqual(t, cur, prev, "mean %g", mean)
		prev = cur
	}
}

func TestFitTrend_RecoversCurveShape(t *testing.T) {
	e := newTestEstimator(t, 4)

	// Gene-wise values generated from a known inverse-mean curve with mild
	// multiplicative noise
	truth := de.TrendCurve{AsymptDisp: 0.08, ExtraPois: 2.5}
	rng := rand.New(rand.NewSource(11))
	n := 200
	estimates := make([]de.DispersionEstimate, n)
	baseMeans := make([]float64, n)
	for i := 0; i < n; i++ {
		baseMeans[i] = 5 + rng.Float64()*500
		estimates[i] = de.DispersionEstimate{
			GeneWise:  truth.At(baseMeans[i]) * math.Exp(rng.NormFloat64()*0.2),
			Converged: true,
		}
	}

	curve, err := e.FitTrend(estimates, baseMeans)
	require.NoError(t, err)
	assert.InDelta(t, truth.AsymptDisp, curve.AsymptDisp, 0.04)
	assert.InDelta(t, truth.ExtraPois, curve.ExtraPois, 1.5)

	// Fitted curve must be non-increasing over the observed mean range
	prev := curve.At(5)
	for mean := 6.0; mean < 600; mean += 5 {
		cur := curve.At(mean)
		assert.LessOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestFitTrend_TooFewGenes(t *testing.T) {
	e := newTestEstimator(t, 4)
	estimates := []de.DispersionEstimate{
		{GeneWise: 0.2, Converged: true},
		{GeneWise: 0.1, Converged: true},
	}
	_, err := e.FitTrend(estimates, []float64{10, 20})
	require.Error(t, err)
	assert.Equal(t, errors.CodeTrendFit, errors.GetCode(err))
}

func TestShrink_FinalBetweenGeneWiseAndTrend(t *testing.T) {
	e := newTestEstimator(t, 4)
	curve := de.TrendCurve{AsymptDisp: 0.05, ExtraPois: 5, PriorVar: 0.5}

	estimates := []de.DispersionEstimate{
		{GeneWise: 0.02, Converged: true}, // below trend
		{GeneWise: 0.30, Converged: true}, // above trend, within spread
	}
	baseMeans := []float64{100, 100}
	final := e.Shrink(estimates, baseMeans, curve)

	for i, est := range final {
		require.False(t, est.IsOutlier, "gene %d", i)
		lo := math.Min(est.GeneWise, est.FittedTrend)
		hi := math.Max(est.GeneWise, est.FittedTrend)
		assert.Greater(t, est.Final, lo, "gene %d", i)
		assert.Less(t, est.Final, hi, "gene %d", i)
	}
}

func TestShrink_OutlierKeepsGeneWise(t *testing.T) {
	e := newTestEstimator(t, 4)
	curve := de.TrendCurve{AsymptDisp: 0.05, ExtraPois: 5, PriorVar: 0.25}

	estimates := []de.DispersionEstimate{
		{GeneWise: 50, Converged: true}, // far above the trend
	}
	final := e.Shrink(estimates, []float64{100}, curve)
	require.True(t, final[0].IsOutlier)
	assert.Equal(t, 50.0, final[0].Final)
}

func TestShrink_NonConvergedTakesTrend(t *testing.T) {
	e := newTestEstimator(t, 4)
	curve := de.TrendCurve{AsymptDisp: 0.05, ExtraPois: 5, PriorVar: 0.25}

	estimates := []de.DispersionEstimate{
		{GeneWise: 0.1, Converged: false},
	}
	final := e.Shrink(estimates, []float64{50}, curve)
	require.False(t, final[0].IsOutlier)
	assert.InDelta(t, curve.At(50), final[0].Final, 1e-12)
}

func TestShrink_ZeroVarianceLimitEqualsOneEnd(t *testing.T) {
	e := newTestEstimator(t, 4)
	// Gene-wise estimate sitting exactly on the trend stays there
	curve := de.TrendCurve{AsymptDisp: 0.05, ExtraPois: 5, PriorVar: 0.25}
	onTrend := curve.At(80)
	final := e.Shrink([]de.DispersionEstimate{{GeneWise: onTrend, Converged: true}}, []float64{80}, curve)
	assert.InDelta(t, onTrend, final[0].Final, 1e-9)
}

func TestDispersionEstimates_AreStrictlyPositive(t *testing.T) {
	m, md := scenarioMatrix(30)
	design, err := matrix.NewDesign(md, "", nil)
	require.NoError(t, err)
	sf := unitSizeFactors(4)
	fitter := NewGLMFitter(design, sf, 1e-6, 100)
	e := NewDispersionEstimator(fitter, 0.1, 2.0)

	keep := make([]bool, m.GeneCount())
	for i := range keep {
		keep[i] = m.RowTotal(i) >= 10
	}
	filtered := m.FilterRows(keep)
	baseMeans := BaseMeans(filtered, sf)

	estimates := make([]de.DispersionEstimate, filtered.GeneCount())
	for i := range estimates {
		estimates[i] = e.GeneWise(filtered.Row(i), 4)
	}
	curve, err := e.FitTrend(estimates, baseMeans)
	require.NoError(t, err)
	final := e.Shrink(estimates, baseMeans, curve)

	for i, est := range final {
		assert.Greater(t, est.Final, 0.0, "gene %s", filtered.GeneKeys[i])
		assert.Greater(t, est.FittedTrend, 0.0, "gene %s", filtered.GeneKeys[i])
	}
}
