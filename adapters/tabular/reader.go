package tabular

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"godiffex/domain/core"
	"godiffex/domain/matrix"
	"godiffex/internal/errors"
	"godiffex/ports"

	"github.com/xuri/excelize/v2"
)

// DataReader loads count matrices and sample metadata from CSV, TSV or XLSX
// files, keyed on file extension. It implements ports.MatrixReader.
type DataReader struct{}

// NewDataReader creates a reader handling csv/tsv/xlsx inputs
func NewDataReader() *DataReader {
	return &DataReader{}
}

var _ ports.MatrixReader = (*DataReader)(nil)

// ReadCounts reads a genes x samples table: header row of sample identifiers
// (first cell is the gene-id column label), one row per gene with
// non-negative integer counts.
func (r *DataReader) ReadCounts(path string) (*matrix.CountMatrix, error) {
	rows, err := r.readRows(path)
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, errors.Newf(errors.CodeReaderError,
			"%s must have a header row and at least one gene row", path)
	}

	header := rows[0]
	if len(header) < 2 {
		return nil, errors.Newf(errors.CodeReaderError,
			"%s header needs a gene column plus at least one sample column", path)
	}
	samples := make([]core.SampleKey, 0, len(header)-1)
	for _, h := range header[1:] {
		samples = append(samples, core.SampleKey(strings.TrimSpace(h)))
	}

	genes := make([]core.GeneKey, 0, len(rows)-1)
	counts := make([][]int64, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) != len(header) {
			return nil, errors.Newf(errors.CodeReaderError,
				"%s row %d has %d cells, expected %d", path, i+2, len(row), len(header))
		}
		gene := core.GeneKey(strings.TrimSpace(row[0]))
		values := make([]int64, len(row)-1)
		for j, cell := range row[1:] {
			v, err := strconv.ParseInt(strings.TrimSpace(cell), 10, 64)
			if err != nil {
				return nil, errors.Newf(errors.CodeReaderError,
					"%s row %d: count %q for gene %q is not an integer", path, i+2, cell, gene)
			}
			if v < 0 {
				return nil, errors.Newf(errors.CodeReaderError,
					"%s row %d: negative count %d for gene %q", path, i+2, v, gene)
			}
			values[j] = v
		}
		genes = append(genes, gene)
		counts = append(counts, values)
	}

	m, err := matrix.NewCountMatrix(counts, genes, samples)
	if err != nil {
		return nil, errors.WithCode(errors.CodeReaderError, err)
	}
	return m, nil
}

// ReadMetadata reads the sample table: header row of column names, first
// column holding the sample identifier. conditionColumn must exist;
// covariates columns are retained when named.
func (r *DataReader) ReadMetadata(path, conditionColumn string, covariates []string) (*matrix.SampleMetadata, error) {
	rows, err := r.readRows(path)
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, errors.Newf(errors.CodeReaderError,
			"%s must have a header row and at least one sample row", path)
	}

	header := rows[0]
	colIdx := make(map[string]int, len(header))
	for j, h := range header {
		colIdx[strings.TrimSpace(h)] = j
	}
	condIdx, ok := colIdx[conditionColumn]
	if !ok {
		return nil, errors.Newf(errors.CodeReaderError,
			"%s has no column %q (columns: %s)", path, conditionColumn, strings.Join(header, ", "))
	}
	covIdx := make(map[string]int, len(covariates))
	for _, cov := range covariates {
		idx, ok := colIdx[cov]
		if !ok {
			return nil, errors.Newf(errors.CodeReaderError,
				"%s has no covariate column %q", path, cov)
		}
		covIdx[cov] = idx
	}

	records := make([]matrix.SampleRecord, 0, len(rows)-1)
	seen := make(map[core.SampleKey]bool)
	for i, row := range rows[1:] {
		if len(row) <= condIdx {
			return nil, errors.Newf(errors.CodeReaderError,
				"%s row %d is missing the %q column", path, i+2, conditionColumn)
		}
		key := core.SampleKey(strings.TrimSpace(row[0]))
		if seen[key] {
			return nil, errors.Newf(errors.CodeReaderError,
				"%s has duplicate sample %q", path, key)
		}
		seen[key] = true
		condition := strings.TrimSpace(row[condIdx])
		if condition == "" {
			return nil, errors.Newf(errors.CodeReaderError,
				"%s row %d: sample %q has an empty condition", path, i+2, key)
		}
		covs := make(map[string]string, len(covIdx))
		for cov, idx := range covIdx {
			if len(row) <= idx {
				return nil, errors.Newf(errors.CodeReaderError,
					"%s row %d is missing the %q column", path, i+2, cov)
			}
			covs[cov] = strings.TrimSpace(row[idx])
		}
		records = append(records, matrix.SampleRecord{Key: key, Condition: condition, Covariates: covs})
	}
	return &matrix.SampleMetadata{Samples: records}, nil
}

// readRows dispatches on extension and returns raw string cells
func (r *DataReader) readRows(path string) ([][]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, errors.Newf(errors.CodeReaderError, "file not found: %s", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return r.readDelimited(path, ',')
	case ".tsv", ".txt":
		return r.readDelimited(path, '\t')
	case ".xlsx":
		return r.readExcel(path)
	default:
		return nil, errors.Newf(errors.CodeReaderError,
			"unsupported file type %q (want .csv, .tsv or .xlsx)", filepath.Ext(path))
	}
}

func (r *DataReader) readDelimited(path string, sep rune) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.WithCode(errors.CodeReaderError, errors.Wrapf(err, "opening %s", path))
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.Comma = sep
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, errors.WithCode(errors.CodeReaderError, errors.Wrapf(err, "parsing %s", path))
	}
	return rows, nil
}

func (r *DataReader) readExcel(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, errors.WithCode(errors.CodeReaderError, errors.Wrapf(err, "opening %s", path))
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.Newf(errors.CodeReaderError, "%s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, errors.WithCode(errors.CodeReaderError, errors.Wrapf(err, "reading sheet %q", sheets[0]))
	}
	return rows, nil
}
