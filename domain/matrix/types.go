package matrix

import (
	"fmt"
	"sort"

	"godiffex/domain/core"
)

// CountMatrix is the canonical input object for the whole pipeline:
// a dense genes x samples table of non-negative integer counts.
// It is immutable after construction; every stage reads, none writes.
type CountMatrix struct {
	Counts     [][]int64 // rows=genes, cols=samples
	GeneKeys   []core.GeneKey
	SampleKeys []core.SampleKey
}

// NewCountMatrix validates and wraps a raw count table.
// Labels must be unique and counts non-negative; the dimensions of
// counts must agree with the label slices.
func NewCountMatrix(counts [][]int64, genes []core.GeneKey, samples []core.SampleKey) (*CountMatrix, error) {
	if len(counts) != len(genes) {
		return nil, fmt.Errorf("count matrix has %d rows but %d gene keys", len(counts), len(genes))
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("count matrix has no samples")
	}
	seenGenes := make(map[core.GeneKey]bool, len(genes))
	for _, g := range genes {
		if seenGenes[g] {
			return nil, fmt.Errorf("duplicate gene key %q", g)
		}
		seenGenes[g] = true
	}
	seenSamples := make(map[core.SampleKey]bool, len(samples))
	for _, s := range samples {
		if seenSamples[s] {
			return nil, fmt.Errorf("duplicate sample key %q", s)
		}
		seenSamples[s] = true
	}
	for i, row := range counts {
		if len(row) != len(samples) {
			return nil, fmt.Errorf("gene %q has %d counts, expected %d", genes[i], len(row), len(samples))
		}
		for j, c := range row {
			if c < 0 {
				return nil, fmt.Errorf("negative count %d for gene %q, sample %q", c, genes[i], samples[j])
			}
		}
	}
	return &CountMatrix{Counts: counts, GeneKeys: genes, SampleKeys: samples}, nil
}

// GeneCount returns the number of genes (rows)
func (m *CountMatrix) GeneCount() int { return len(m.GeneKeys) }

// SampleCount returns the number of samples (columns)
func (m *CountMatrix) SampleCount() int { return len(m.SampleKeys) }

// Row returns the counts for one gene
func (m *CountMatrix) Row(i int) []int64 { return m.Counts[i] }

// RowTotal returns the total count for one gene across all samples
func (m *CountMatrix) RowTotal(i int) int64 {
	var total int64
	for _, c := range m.Counts[i] {
		total += c
	}
	return total
}

// FilterRows returns a new CountMatrix keeping rows where keep[i] is true.
// The sample axis is shared with the receiver; rows are shared slices, the
// matrix stays append-only.
func (m *CountMatrix) FilterRows(keep []bool) *CountMatrix {
	counts := make([][]int64, 0, len(m.Counts))
	genes := make([]core.GeneKey, 0, len(m.GeneKeys))
	for i := range m.Counts {
		if keep[i] {
			counts = append(counts, m.Counts[i])
			genes = append(genes, m.GeneKeys[i])
		}
	}
	return &CountMatrix{Counts: counts, GeneKeys: genes, SampleKeys: m.SampleKeys}
}

// SampleRecord is one row of the sample metadata table
type SampleRecord struct {
	Key        core.SampleKey
	Condition  string
	Covariates map[string]string // optional blocking covariates, e.g. batch
}

// SampleMetadata holds one record per sample, in count-matrix column order
// after alignment
type SampleMetadata struct {
	Samples []SampleRecord
}

// Conditions returns the per-sample condition labels in order
func (md *SampleMetadata) Conditions() []string {
	out := make([]string, len(md.Samples))
	for i, s := range md.Samples {
		out[i] = s.Condition
	}
	return out
}

// Levels returns the distinct condition levels sorted alphabetically
func (md *SampleMetadata) Levels() []string {
	seen := make(map[string]bool)
	var levels []string
	for _, s := range md.Samples {
		if !seen[s.Condition] {
			seen[s.Condition] = true
			levels = append(levels, s.Condition)
		}
	}
	sort.Strings(levels)
	return levels
}

// AlignMetadata reorders metadata records to match the count-matrix sample
// order. Identifiers must match as sets; a pure ordering difference is
// repaired here rather than failed, but never silently ignored: the second
// return reports whether reordering happened so callers can log it.
func AlignMetadata(m *CountMatrix, md *SampleMetadata) (*SampleMetadata, bool, error) {
	if len(md.Samples) != len(m.SampleKeys) {
		return nil, false, fmt.Errorf("metadata has %d samples, count matrix has %d", len(md.Samples), len(m.SampleKeys))
	}
	byKey := make(map[core.SampleKey]SampleRecord, len(md.Samples))
	for _, s := range md.Samples {
		if _, dup := byKey[s.Key]; dup {
			return nil, false, fmt.Errorf("duplicate sample key %q in metadata", s.Key)
		}
		byKey[s.Key] = s
	}
	aligned := make([]SampleRecord, len(m.SampleKeys))
	reordered := false
	for i, key := range m.SampleKeys {
		rec, ok := byKey[key]
		if !ok {
			return nil, false, fmt.Errorf("sample %q present in count matrix but missing from metadata", key)
		}
		if md.Samples[i].Key != key {
			reordered = true
		}
		aligned[i] = rec
	}
	return &SampleMetadata{Samples: aligned}, reordered, nil
}

// Design is the model matrix built from sample metadata: an intercept column
// plus one indicator column per non-reference condition level, plus indicator
// columns for any blocking covariates. Rows follow count-matrix sample order.
type Design struct {
	X              [][]float64 // rows=samples, cols=coefficients
	ColumnNames    []string
	ReferenceLevel string
	ConditionCols  []int // indices of condition indicator columns in X
}

// NewDesign builds the design matrix. An empty referenceLevel selects the
// alphabetically first condition level. Blocking covariates are expanded to
// indicators against their own alphabetically-first reference.
func NewDesign(md *SampleMetadata, referenceLevel string, covariates []string) (*Design, error) {
	levels := md.Levels()
	if len(levels) < 2 {
		return nil, fmt.Errorf("condition has %d level(s), need at least 2", len(levels))
	}
	if referenceLevel == "" {
		referenceLevel = levels[0]
	} else {
		found := false
		for _, l := range levels {
			if l == referenceLevel {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("reference level %q not among condition levels %v", referenceLevel, levels)
		}
	}

	// Non-reference levels in alphabetical order, reference first overall.
	nonRef := make([]string, 0, len(levels)-1)
	for _, l := range levels {
		if l != referenceLevel {
			nonRef = append(nonRef, l)
		}
	}

	names := []string{"intercept"}
	for _, l := range nonRef {
		names = append(names, fmt.Sprintf("condition_%s_vs_%s", l, referenceLevel))
	}

	type covLevel struct {
		name  string
		level string
	}
	var covCols []covLevel
	for _, cov := range covariates {
		seen := make(map[string]bool)
		var covLevels []string
		for _, s := range md.Samples {
			v, ok := s.Covariates[cov]
			if !ok {
				return nil, fmt.Errorf("sample %q missing covariate %q", s.Key, cov)
			}
			if !seen[v] {
				seen[v] = true
				covLevels = append(covLevels, v)
			}
		}
		sort.Strings(covLevels)
		if len(covLevels) < 2 {
			continue // constant covariate carries no information
		}
		for _, l := range covLevels[1:] {
			covCols = append(covCols, covLevel{name: cov, level: l})
			names = append(names, fmt.Sprintf("%s_%s", cov, l))
		}
	}

	conditionCols := make([]int, len(nonRef))
	for i := range nonRef {
		conditionCols[i] = 1 + i
	}

	x := make([][]float64, len(md.Samples))
	for i, s := range md.Samples {
		row := make([]float64, len(names))
		row[0] = 1
		for j, l := range nonRef {
			if s.Condition == l {
				row[1+j] = 1
			}
		}
		for k, cc := range covCols {
			if s.Covariates[cc.name] == cc.level {
				row[1+len(nonRef)+k] = 1
			}
		}
		x[i] = row
	}

	return &Design{
		X:              x,
		ColumnNames:    names,
		ReferenceLevel: referenceLevel,
		ConditionCols:  conditionCols,
	}, nil
}

// CoefficientCount returns the number of design-matrix columns
func (d *Design) CoefficientCount() int { return len(d.ColumnNames) }

// SampleCount returns the number of design-matrix rows
func (d *Design) SampleCount() int { return len(d.X) }

// DefaultTestCoefficient returns the index of the coefficient tested by
// default: the first condition term after the intercept.
func (d *Design) DefaultTestCoefficient() int {
	if len(d.ConditionCols) > 0 {
		return d.ConditionCols[0]
	}
	return 0
}
