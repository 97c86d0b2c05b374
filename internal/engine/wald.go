package engine

import (
	"math"
	"sort"

	"godiffex/domain/core"
	"godiffex/domain/de"
	"godiffex/domain/matrix"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat/distuv"
)

// ln2 converts natural-log coefficients to the reported log2 scale
var ln2 = math.Log(2)

// WaldTester turns per-gene coefficients into test results: Wald statistics
// against a point or threshold null, Cook's-distance outlier exclusion,
// independent filtering, and Benjamini-Hochberg adjustment over survivors.
type WaldTester struct {
	design *matrix.Design
	// coefficient is the design-matrix column under test
	coefficient int
	// lfcThreshold is tau in log2 units; zero tests coefficient != 0
	lfcThreshold float64
	// alpha is used only to steer the independent-filtering search
	alpha float64
}

// NewWaldTester validates the coefficient choice; -1 selects the default
// condition term.
func NewWaldTester(design *matrix.Design, coefficient int, lfcThreshold, alpha float64) *WaldTester {
	if coefficient < 0 || coefficient >= design.CoefficientCount() {
		coefficient = design.DefaultTestCoefficient()
	}
	return &WaldTester{
		design:       design,
		coefficient:  coefficient,
		lfcThreshold: lfcThreshold,
		alpha:        alpha,
	}
}

// Coefficient returns the design column index under test
func (t *WaldTester) Coefficient() int { return t.coefficient }

// Test computes one TestResult per gene from its fit. Cook's flagging uses
// the 99th percentile of F(p, n-p); genes with too few residual df carry a
// NaN MaxCooks and are never flagged.
func (t *WaldTester) Test(genes []core.GeneKey, baseMeans []float64, disps []de.DispersionEstimate, fits []de.GeneFit) []de.TestResult {
	n := t.design.SampleCount()
	p := t.design.CoefficientCount()
	var cooksCutoff float64 = math.Inf(1)
	if n-p > 0 {
		fDist := distuv.F{D1: float64(p), D2: float64(n - p)}
		cooksCutoff = fDist.Quantile(0.99)
	}

	results := make([]de.TestResult, len(fits))
	for i, fit := range fits {
		beta := fit.Coefficients[t.coefficient]
		se := fit.StandardErrors[t.coefficient]

		stat, pValue := t.waldPValue(beta, se)

		status := de.StatusNormal
		switch {
		case !math.IsNaN(fit.MaxCooks) && fit.MaxCooks > cooksCutoff:
			status = de.StatusCountOutlier
		case !fit.Converged:
			status = de.StatusNonConverged
		case disps[i].IsOutlier:
			status = de.StatusDispersionOutlier
		}

		results[i] = de.TestResult{
			Gene:           genes[i],
			BaseMean:       baseMeans[i],
			Log2FoldChange: beta / ln2,
			LfcSE:          se / ln2,
			WaldStatistic:  stat,
			PValue:         pValue,
			Status:         status,
		}
	}
	return results
}

// waldPValue computes the statistic and two-sided p-value on the natural-log
// scale. With a threshold tau the null becomes |beta| <= tau and the boundary
// shifts; the statistic keeps the coefficient's sign for reporting.
func (t *WaldTester) waldPValue(beta, se float64) (float64, float64) {
	if se <= 0 || math.IsInf(se, 0) || math.IsNaN(se) {
		return 0, 1
	}
	if t.lfcThreshold == 0 {
		stat := beta / se
		return stat, 2 * distuv.UnitNormal.CDF(-math.Abs(stat))
	}
	tau := t.lfcThreshold * ln2
	shifted := (math.Abs(beta) - tau) / se
	stat := shifted
	if beta < 0 {
		stat = -shifted
	}
	pValue := math.Min(1, 2*distuv.UnitNormal.Survival(shifted))
	return stat, pValue
}

// Adjust applies independent filtering and BH correction in place of the nil
// AdjustedPValue fields, and returns the chosen baseMean cutoff.
// Candidate cutoffs are quantiles of baseMean; the lowest cutoff achieving
// the maximal rejection count at alpha wins, so power never costs more genes
// than it buys.
func (t *WaldTester) Adjust(results []de.TestResult) float64 {
	baseMeans := make([]float64, 0, len(results))
	for _, r := range results {
		baseMeans = append(baseMeans, r.BaseMean)
	}

	cutoffs := []float64{0}
	for theta := 0.01; theta <= 0.951; theta += 0.01 {
		q, err := stats.Percentile(baseMeans, theta*100)
		if err != nil {
			continue
		}
		cutoffs = append(cutoffs, q)
	}

	bestCutoff, bestRejections := 0.0, -1
	for _, cutoff := range cutoffs {
		adj := t.adjustAtCutoff(results, cutoff)
		rejections := 0
		for _, a := range adj {
			if a != nil && *a < t.alpha {
				rejections++
			}
		}
		if rejections > bestRejections {
			bestRejections = rejections
			bestCutoff = cutoff
		}
	}

	adj := t.adjustAtCutoff(results, bestCutoff)
	for i := range results {
		results[i].AdjustedPValue = adj[i]
	}
	return bestCutoff
}

// adjustAtCutoff runs BH over genes at or above the baseMean cutoff that are
// not count outliers; everyone else gets a nil adjusted p-value.
func (t *WaldTester) adjustAtCutoff(results []de.TestResult, cutoff float64) []*float64 {
	type indexed struct {
		idx int
		p   float64
	}
	var survivors []indexed
	for i, r := range results {
		if r.BaseMean < cutoff || r.Status == de.StatusCountOutlier {
			continue
		}
		survivors = append(survivors, indexed{idx: i, p: r.PValue})
	}

	adjusted := make([]*float64, len(results))
	if len(survivors) == 0 {
		return adjusted
	}

	sort.Slice(survivors, func(a, b int) bool { return survivors[a].p < survivors[b].p })
	m := float64(len(survivors))
	running := 1.0
	for k := len(survivors) - 1; k >= 0; k-- {
		adj := survivors[k].p * m / float64(k+1)
		if adj > running {
			adj = running
		} else {
			running = adj
		}
		v := adj
		adjusted[survivors[k].idx] = &v
	}
	return adjusted
}
