package engine

import (
	"math"

	"godiffex/domain/de"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// priorQuantile of |LFC| anchors the prior width to the bulk of the
	// effect distribution, ignoring the extreme tail
	priorQuantile = 90.0
	// minPriorSD keeps the posterior defined when every effect is near zero
	minPriorSD = 1e-3
)

// EffectShrinker computes posterior log2 fold changes under a zero-centered
// normal prior whose width is fit once from all raw estimates. The posterior
// moves only the reported magnitude; significance calls are copied through
// untouched.
type EffectShrinker struct {
	priorSD float64
}

// FitPrior estimates the prior width from the bulk of the raw LFC
// distribution over well-estimated genes. This is one of the two global
// synchronization points of the pipeline; everything after it is per-gene.
func FitPrior(results []de.TestResult) *EffectShrinker {
	var absLFC []float64
	for _, r := range results {
		if math.IsInf(r.LfcSE, 0) || math.IsNaN(r.LfcSE) || r.LfcSE <= 0 {
			continue
		}
		absLFC = append(absLFC, math.Abs(r.Log2FoldChange))
	}
	priorSD := minPriorSD
	if len(absLFC) > 0 {
		q, err := stats.Percentile(absLFC, priorQuantile)
		if err == nil {
			// The chosen quantile of a half-normal pins down its scale
			z := distuv.UnitNormal.Quantile(0.5 + priorQuantile/200)
			priorSD = math.Max(q/z, minPriorSD)
		}
	}
	return &EffectShrinker{priorSD: priorSD}
}

// PriorSD returns the fitted prior width in log2 units
func (s *EffectShrinker) PriorSD() float64 { return s.priorSD }

// Shrink produces the posterior table. For a normal likelihood N(lfc, se^2)
// and prior N(0, priorSD^2) the posterior mean is the precision-weighted
// pull toward zero: genes with little information shrink hard, well-measured
// genes barely move, and |posterior| <= |raw| always.
func (s *EffectShrinker) Shrink(results []de.TestResult) []de.ShrunkenTestResult {
	priorVar := s.priorSD * s.priorSD
	out := make([]de.ShrunkenTestResult, len(results))
	for i, r := range results {
		shrunk := r // p-value, adjusted p-value and status carry over as-is
		se := r.LfcSE
		if math.IsInf(se, 0) || math.IsNaN(se) || se <= 0 {
			// No likelihood information; the posterior is the prior
			shrunk.Log2FoldChange = 0
			shrunk.LfcSE = s.priorSD
		} else {
			seVar := se * se
			k := priorVar / (priorVar + seVar)
			shrunk.Log2FoldChange = r.Log2FoldChange * k
			shrunk.LfcSE = math.Sqrt(priorVar * seVar / (priorVar + seVar))
		}
		out[i] = de.ShrunkenTestResult{TestResult: shrunk}
	}
	return out
}
