package ports

import (
	"godiffex/domain/matrix"
)

// MatrixReader loads the two engine inputs from external storage.
// Implementations validate shape and labels; the engine re-validates the
// cross-table contract (matching sample sets) itself.
type MatrixReader interface {
	// ReadCounts loads the genes x samples count table
	ReadCounts(path string) (*matrix.CountMatrix, error)
	// ReadMetadata loads the sample metadata table; conditionColumn names
	// the categorical column of interest and covariates lists optional
	// blocking columns to retain
	ReadMetadata(path, conditionColumn string, covariates []string) (*matrix.SampleMetadata, error)
}
