package tabular

import (
	"encoding/csv"
	"math"
	"os"
	"strconv"

	"godiffex/domain/de"
	"godiffex/internal/errors"
)

var resultHeader = []string{
	"gene", "baseMean", "log2FoldChange", "lfcSE", "stat", "pvalue", "padj", "status",
}

// WriteResults writes one table of result rows as CSV. A nil adjusted
// p-value is written as the literal "NA" so the excluded state survives in
// the flat file.
func WriteResults(path string, rows []de.TestResult) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.WithCode(errors.CodeStorageError, errors.Wrapf(err, "creating %s", path))
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(resultHeader); err != nil {
		return errors.WithCode(errors.CodeStorageError, errors.Wrap(err, "writing header"))
	}
	for _, r := range rows {
		padj := "NA"
		if r.AdjustedPValue != nil {
			padj = formatFloat(*r.AdjustedPValue)
		}
		record := []string{
			r.Gene.String(),
			formatFloat(r.BaseMean),
			formatFloat(r.Log2FoldChange),
			formatFloat(r.LfcSE),
			formatFloat(r.WaldStatistic),
			formatFloat(r.PValue),
			padj,
			string(r.Status),
		}
		if err := w.Write(record); err != nil {
			return errors.WithCode(errors.CodeStorageError,
				errors.Wrapf(err, "writing row for gene %s", r.Gene))
		}
	}
	w.Flush()
	return errors.WithCode(errors.CodeStorageError, errors.Wrap(w.Error(), "flushing output"))
}

// WriteShrunkenResults writes the posterior table
func WriteShrunkenResults(path string, rows []de.ShrunkenTestResult) error {
	raw := make([]de.TestResult, len(rows))
	for i, r := range rows {
		raw[i] = r.TestResult
	}
	return WriteResults(path, raw)
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}
