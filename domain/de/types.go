package de

import (
	"math"

	"godiffex/domain/core"
)

// ============================================================================
// PER-GENE PIPELINE ARTIFACTS
// Each stage produces exactly one of these; none is mutated after handoff.
// Slices are indexed by the stable gene index of the filtered count matrix.
// ============================================================================

// SizeFactors holds one strictly positive scalar per sample, estimated once
// from the full count matrix and never re-estimated downstream.
type SizeFactors []float64

// Normalize returns count/sizeFactor for one gene row
func (sf SizeFactors) Normalize(counts []int64) []float64 {
	out := make([]float64, len(counts))
	for j, c := range counts {
		out[j] = float64(c) / sf[j]
	}
	return out
}

// GeneStatus tags how a gene moved through estimation, carried into results
// instead of being encoded in sentinel values
type GeneStatus string

const (
	// StatusNormal marks a gene with a shrunk dispersion and converged fit
	StatusNormal GeneStatus = "ok"
	// StatusDispersionOutlier marks a gene whose gene-wise dispersion sat far
	// above the trend; its own estimate was kept unshrunk
	StatusDispersionOutlier GeneStatus = "dispersion_outlier"
	// StatusNonConverged marks a gene whose GLM hit the iteration cap; its
	// last iterate is still reported
	StatusNonConverged GeneStatus = "glm_not_converged"
	// StatusCountOutlier marks a gene with an extreme per-sample influence
	// (Cook's distance); its adjusted p-value is withheld
	StatusCountOutlier GeneStatus = "count_outlier"
)

// DispersionEstimate is the per-gene output of the dispersion stage.
// INVARIANTS:
// - Final equals GeneWise when IsOutlier, otherwise lies between GeneWise
//   and FittedTrend in log space
// - all three values are strictly positive
type DispersionEstimate struct {
	GeneWise    float64 `json:"gene_wise"`
	FittedTrend float64 `json:"fitted_trend"`
	Final       float64 `json:"final"`
	IsOutlier   bool    `json:"is_outlier"`
	// Converged reports the gene-wise likelihood optimization; a false value
	// means GeneWise is the bounded fallback default, not an MLE
	Converged bool `json:"converged"`
}

// TrendCurve is the fitted mean-dispersion relationship
// dispersion(mean) = AsymptDisp + ExtraPois/mean, with both coefficients
// non-negative so the curve is non-increasing in mean.
type TrendCurve struct {
	AsymptDisp float64 `json:"asympt_disp"`
	ExtraPois  float64 `json:"extra_pois"`
	// PriorVar is the estimated variance of log gene-wise dispersions around
	// the curve, used as the shrinkage prior width
	PriorVar float64 `json:"prior_var"`
}

// At evaluates the trend curve at a normalized mean count
func (t TrendCurve) At(mean float64) float64 {
	if mean <= 0 {
		return math.Inf(1)
	}
	return t.AsymptDisp + t.ExtraPois/mean
}

// GeneFit is the per-gene GLM result. Coefficients are on the natural-log
// scale used by the link function; conversion to log2 happens in the test
// stage. Owned by the fitter, read-only afterward.
type GeneFit struct {
	Coefficients   []float64 `json:"coefficients"`
	StandardErrors []float64 `json:"standard_errors"`
	Converged      bool      `json:"converged"`
	Iterations     int       `json:"iterations"`
	Deviance       float64   `json:"deviance"`
	// MaxCooks is the largest per-sample Cook's distance for this gene, NaN
	// when influence could not be assessed (too few residual df)
	MaxCooks float64 `json:"max_cooks"`
	FitNotes string  `json:"fit_notes,omitempty"`
}

// TestResult is one output row of the significance stage.
// AdjustedPValue is nil when the gene was excluded by independent filtering
// or flagged as a count outlier; nil is a first-class state distinct from
// "not significant".
type TestResult struct {
	Gene           core.GeneKey `json:"gene"`
	BaseMean       float64      `json:"base_mean"`
	Log2FoldChange float64      `json:"log2_fold_change"`
	LfcSE          float64      `json:"lfc_se"`
	WaldStatistic  float64      `json:"wald_statistic"`
	PValue         float64      `json:"p_value"`
	AdjustedPValue *float64     `json:"adjusted_p_value,omitempty"`
	Status         GeneStatus   `json:"status"`
}

// ShrunkenTestResult carries posterior effect sizes. Log2FoldChange and
// LfcSE are the posterior values; PValue/AdjustedPValue/Status are copied
// from the raw result unchanged. Shrinkage never moves the significance
// call, only the reported magnitude.
type ShrunkenTestResult struct {
	TestResult
}

// ResultTable is the assembled output: one row per gene surviving the
// total-count filter, in stable gene order. Shrunken is nil unless
// shrinkage was requested.
type ResultTable struct {
	Rows     []TestResult         `json:"rows"`
	Shrunken []ShrunkenTestResult `json:"shrunken,omitempty"`
	// FilterCutoff is the baseMean threshold chosen by independent filtering
	FilterCutoff float64 `json:"filter_cutoff"`
	// PriorSD is the shrinkage prior width, zero when shrinkage was skipped
	PriorSD float64 `json:"prior_sd,omitempty"`
}

// RunManifest captures audit metadata for one pipeline run
type RunManifest struct {
	ID                core.RunID      `json:"id"`
	CreatedAt         core.Timestamp  `json:"created_at"`
	ConfigHash        core.ConfigHash `json:"config_hash"`
	GeneCount         int             `json:"gene_count"`
	FilteredGeneCount int             `json:"filtered_gene_count"`
	SampleCount       int             `json:"sample_count"`
	MetadataReordered bool            `json:"metadata_reordered"`
}
