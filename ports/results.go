package ports

import (
	"context"

	"godiffex/domain/de"
)

// ResultsRepository persists finished runs: the manifest plus the raw (and,
// when requested, shrunken) result rows. Persistence happens strictly after
// the pipeline returns, so a failed run never leaves partial output.
type ResultsRepository interface {
	// SaveRun stores the manifest and all result rows for one run
	SaveRun(ctx context.Context, manifest *de.RunManifest, table *de.ResultTable) error
	// GetRun loads a previously stored manifest
	GetRun(ctx context.Context, id string) (*de.RunManifest, error)
	// GetResults loads the raw result rows of a stored run
	GetResults(ctx context.Context, id string) ([]de.TestResult, error)
	// Close releases the underlying store
	Close() error
}
