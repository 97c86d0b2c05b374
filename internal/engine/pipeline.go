package engine

import (
	"context"

	"godiffex/domain/core"
	"godiffex/domain/de"
	"godiffex/domain/matrix"
	"godiffex/internal"
	"godiffex/internal/config"
	"godiffex/internal/errors"

	"golang.org/x/sync/errgroup"
)

// Pipeline runs the full engine: size factors, dispersion estimation, GLM
// fitting, Wald testing and optional effect shrinkage, each stage producing
// an immutable artifact consumed by the next. Per-gene work is fanned out
// over a bounded worker pool writing to pre-allocated index-stable slices;
// the only barriers are the trend fit and the shrinkage prior fit.
type Pipeline struct {
	cfg config.Config
	log *internal.Logger
}

// NewPipeline creates a pipeline with the given configuration
func NewPipeline(cfg config.Config, logger *internal.Logger) *Pipeline {
	if logger == nil {
		logger = internal.DefaultLogger
	}
	return &Pipeline{cfg: cfg, log: logger.WithPrefix("engine")}
}

// Run executes the pipeline. Fatal errors abort before any table exists;
// per-gene trouble is annotated on the gene's row, never fatal.
func (p *Pipeline) Run(ctx context.Context, counts *matrix.CountMatrix, md *matrix.SampleMetadata) (*de.ResultTable, *de.RunManifest, error) {
	aligned, reordered, err := matrix.AlignMetadata(counts, md)
	if err != nil {
		return nil, nil, errors.WithCode(errors.CodeSchemaMismatch, err)
	}
	if reordered {
		p.log.Warn("sample metadata order differed from count matrix; records were reordered to match")
	}

	design, err := matrix.NewDesign(aligned, p.cfg.ReferenceLevel, p.cfg.Covariates)
	if err != nil {
		return nil, nil, errors.WithCode(errors.CodeSchemaMismatch, err)
	}
	p.log.Info("design: %d samples, %d coefficients, reference level %q",
		design.SampleCount(), design.CoefficientCount(), design.ReferenceLevel)

	sizeFactors, err := EstimateSizeFactors(counts)
	if err != nil {
		return nil, nil, err
	}

	// Total-count filter, applied once; every later stage sees only the
	// retained rows. Filtered-out genes are absent from the output entirely.
	keep := make([]bool, counts.GeneCount())
	kept := 0
	for i := range keep {
		if counts.RowTotal(i) >= p.cfg.MinTotalCount {
			keep[i] = true
			kept++
		}
	}
	filtered := counts.FilterRows(keep)
	p.log.Info("total-count filter (>= %d): %d of %d genes retained",
		p.cfg.MinTotalCount, kept, counts.GeneCount())
	if kept == 0 {
		return nil, nil, errors.Newf(errors.CodeInsufficientData,
			"no genes pass the total-count filter (>= %d)", p.cfg.MinTotalCount)
	}

	baseMeans := BaseMeans(filtered, sizeFactors)
	fitter := NewGLMFitter(design, sizeFactors, p.cfg.RidgeLambda, p.cfg.MaxGLMIters)
	dispEstimator := NewDispersionEstimator(fitter, p.cfg.FallbackDispersion, p.cfg.DispOutlierSD)

	// Stage: gene-wise dispersion MLEs, parallel across genes
	geneWise := make([]de.DispersionEstimate, kept)
	err = p.forEachGene(ctx, kept, func(i int) {
		geneWise[i] = dispEstimator.GeneWise(filtered.Row(i), design.SampleCount())
	})
	if err != nil {
		return nil, nil, err
	}

	// Barrier: the trend and prior need every gene-wise value
	trend, err := dispEstimator.FitTrend(geneWise, baseMeans)
	if err != nil {
		return nil, nil, err
	}
	p.log.Info("dispersion trend: asymptDisp=%.4g extraPois=%.4g priorVar=%.4g",
		trend.AsymptDisp, trend.ExtraPois, trend.PriorVar)
	dispersions := dispEstimator.Shrink(geneWise, baseMeans, trend)

	// Stage: final GLM fits with fixed dispersions, parallel across genes
	fits := make([]de.GeneFit, kept)
	err = p.forEachGene(ctx, kept, func(i int) {
		fits[i] = fitter.FitGene(filtered.Row(i), dispersions[i].Final)
	})
	if err != nil {
		return nil, nil, err
	}
	nonConverged := 0
	for _, f := range fits {
		if !f.Converged {
			nonConverged++
		}
	}
	if nonConverged > 0 {
		p.log.Warn("%d of %d GLM fits did not converge; their last iterates are reported with annotations", nonConverged, kept)
	}

	// Stage: Wald tests, then filtering and BH over the collected p-values
	tester := NewWaldTester(design, p.cfg.TestCoefficient, p.cfg.LFCThreshold, p.cfg.Alpha)
	p.log.Info("testing coefficient %q (tau=%.3g)",
		design.ColumnNames[tester.Coefficient()], p.cfg.LFCThreshold)
	results := tester.Test(filtered.GeneKeys, baseMeans, dispersions, fits)
	cutoff := tester.Adjust(results)
	p.log.Info("independent filtering chose baseMean cutoff %.4g", cutoff)

	table := &de.ResultTable{Rows: results, FilterCutoff: cutoff}

	if p.cfg.Shrink {
		// Barrier: the prior needs every raw coefficient
		shrinker := FitPrior(results)
		table.Shrunken = shrinker.Shrink(results)
		table.PriorSD = shrinker.PriorSD()
		p.log.Info("effect shrinkage prior SD %.4g (log2 units)", shrinker.PriorSD())
	}

	manifest := &de.RunManifest{
		ID:                core.RunID(core.NewID()),
		CreatedAt:         core.Now(),
		ConfigHash:        core.ComputeConfigHash(p.cfg.Settings()),
		GeneCount:         counts.GeneCount(),
		FilteredGeneCount: kept,
		SampleCount:       counts.SampleCount(),
		MetadataReordered: reordered,
	}
	return table, manifest, nil
}

// forEachGene partitions gene indices statically across the worker pool.
// Workers share only read-only inputs; each writes results at its own
// indices. Cancellation is checked at gene granularity, so an aborted run
// never leaves a partially overwritten artifact; the slice is simply
// discarded with the error.
func (p *Pipeline) forEachGene(ctx context.Context, n int, fn func(i int)) error {
	workers := p.cfg.WorkerCount()
	if workers > n {
		workers = n
	}
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		start := w
		g.Go(func() error {
			for i := start; i < n; i += workers {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				fn(i)
			}
			return nil
		})
	}
	return g.Wait()
}
