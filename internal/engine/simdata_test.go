package engine

import (
	"fmt"
	"math"
	"math/rand"

	"godiffex/domain/core"
	"godiffex/domain/matrix"
)

// twoGroupMetadata builds n/2 treated + n/2 control samples named s1..sn
func twoGroupMetadata(n int) *matrix.SampleMetadata {
	samples := make([]matrix.SampleRecord, n)
	for i := 0; i < n; i++ {
		condition := "control"
		if i < n/2 {
			condition = "treated"
		}
		samples[i] = matrix.SampleRecord{
			Key:       core.SampleKey(fmt.Sprintf("s%d", i+1)),
			Condition: condition,
		}
	}
	return &matrix.SampleMetadata{Samples: samples}
}

// simCounts generates a deterministic overdispersed count matrix: per gene a
// mean in [20,200] and per sample a log-normal multiplicative wobble, enough
// within-group variation for interior dispersion MLEs.
func simCounts(rng *rand.Rand, nGenes, nSamples int) ([][]int64, []core.GeneKey) {
	counts := make([][]int64, nGenes)
	genes := make([]core.GeneKey, nGenes)
	for i := 0; i < nGenes; i++ {
		mean := 20 + rng.Float64()*180
		row := make([]int64, nSamples)
		for j := 0; j < nSamples; j++ {
			v := mean * math.Exp(rng.NormFloat64()*0.3)
			row[j] = int64(math.Max(math.Round(v), 1))
		}
		counts[i] = row
		genes[i] = core.GeneKey(fmt.Sprintf("bg%d", i+1))
	}
	return counts, genes
}

// scenarioMatrix builds the canonical test matrix: geneA with a clear 2v2
// separation, geneB flat, geneZero all zeros, plus deterministic background
// genes so the dispersion trend has enough to work with.
func scenarioMatrix(nBackground int) (*matrix.CountMatrix, *matrix.SampleMetadata) {
	rng := rand.New(rand.NewSource(42))
	bg, bgKeys := simCounts(rng, nBackground, 4)

	counts := [][]int64{
		{100, 110, 10, 12}, // geneA: treated high, control low
		{50, 51, 50, 49},   // geneB: no separation
		{0, 0, 0, 0},       // geneZero: filtered out
	}
	genes := []core.GeneKey{"geneA", "geneB", "geneZero"}
	counts = append(counts, bg...)
	genes = append(genes, bgKeys...)

	md := twoGroupMetadata(4)
	m, err := matrix.NewCountMatrix(counts, genes, []core.SampleKey{"s1", "s2", "s3", "s4"})
	if err != nil {
		panic(err)
	}
	return m, md
}

// mustDesign builds a plain two-group design or panics
func mustDesign(md *matrix.SampleMetadata) *matrix.Design {
	d, err := matrix.NewDesign(md, "", nil)
	if err != nil {
		panic(err)
	}
	return d
}

// unitSizeFactors returns n factors of 1.0
func unitSizeFactors(n int) []float64 {
	sf := make([]float64, n)
	for i := range sf {
		sf[i] = 1
	}
	return sf
}
