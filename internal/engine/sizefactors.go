package engine

import (
	"math"

	"godiffex/domain/de"
	"godiffex/domain/matrix"
	"godiffex/internal/errors"

	"github.com/montanaflynn/stats"
)

// EstimateSizeFactors computes one depth/composition factor per sample by the
// median-of-ratios method: each gene's geometric mean across samples forms a
// pseudo-reference, and a sample's factor is the median of its count-to-
// reference ratios. Genes with a zero in any sample have no finite geometric
// mean on the log scale and drop out of every ratio set.
func EstimateSizeFactors(m *matrix.CountMatrix) (de.SizeFactors, error) {
	nGenes := m.GeneCount()
	nSamples := m.SampleCount()
	if nSamples < 2 {
		return nil, errors.Newf(errors.CodeInsufficientData,
			"size factor estimation needs at least 2 samples, got %d", nSamples)
	}

	// Log geometric mean per gene; NaN marks genes excluded from every
	// ratio set (any zero count makes the log mean -Inf).
	logGeoMeans := make([]float64, nGenes)
	for i := 0; i < nGenes; i++ {
		sum := 0.0
		usable := true
		for _, c := range m.Row(i) {
			if c == 0 {
				usable = false
				break
			}
			sum += math.Log(float64(c))
		}
		if usable {
			logGeoMeans[i] = sum / float64(nSamples)
		} else {
			logGeoMeans[i] = math.NaN()
		}
	}

	factors := make(de.SizeFactors, nSamples)
	logRatios := make([]float64, 0, nGenes)
	for j := 0; j < nSamples; j++ {
		logRatios = logRatios[:0]
		for i := 0; i < nGenes; i++ {
			if math.IsNaN(logGeoMeans[i]) {
				continue
			}
			c := m.Counts[i][j]
			if c == 0 {
				continue
			}
			logRatios = append(logRatios, math.Log(float64(c))-logGeoMeans[i])
		}
		if len(logRatios) == 0 {
			return nil, errors.Newf(errors.CodeInsufficientData,
				"sample %q has no genes usable for size factor estimation", m.SampleKeys[j])
		}
		med, err := stats.Median(logRatios)
		if err != nil {
			return nil, errors.WithCode(errors.CodeInsufficientData,
				errors.Wrapf(err, "median of ratios for sample %q", m.SampleKeys[j]))
		}
		sf := math.Exp(med)
		if sf <= 0 || math.IsInf(sf, 0) || math.IsNaN(sf) {
			return nil, errors.Newf(errors.CodeInsufficientData,
				"sample %q produced non-finite size factor %g", m.SampleKeys[j], sf)
		}
		factors[j] = sf
	}
	return factors, nil
}

// BaseMeans returns per-gene means of size-factor-normalized counts
func BaseMeans(m *matrix.CountMatrix, sf de.SizeFactors) []float64 {
	out := make([]float64, m.GeneCount())
	for i := range out {
		sum := 0.0
		for _, v := range sf.Normalize(m.Row(i)) {
			sum += v
		}
		out[i] = sum / float64(m.SampleCount())
	}
	return out
}
