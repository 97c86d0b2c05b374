package sqlite

import (
	"context"
	"database/sql"

	"godiffex/domain/core"
	"godiffex/domain/de"
	"godiffex/internal/errors"
	"godiffex/ports"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	config_hash TEXT NOT NULL,
	gene_count INTEGER NOT NULL,
	filtered_gene_count INTEGER NOT NULL,
	sample_count INTEGER NOT NULL,
	metadata_reordered INTEGER NOT NULL,
	filter_cutoff REAL NOT NULL,
	prior_sd REAL
);

CREATE TABLE IF NOT EXISTS results (
	run_id TEXT NOT NULL REFERENCES runs(id),
	gene TEXT NOT NULL,
	base_mean REAL NOT NULL,
	log2_fold_change REAL NOT NULL,
	lfc_se REAL NOT NULL,
	wald_statistic REAL NOT NULL,
	p_value REAL NOT NULL,
	adjusted_p_value REAL,
	status TEXT NOT NULL,
	PRIMARY KEY (run_id, gene)
);

CREATE TABLE IF NOT EXISTS shrunken_results (
	run_id TEXT NOT NULL REFERENCES runs(id),
	gene TEXT NOT NULL,
	base_mean REAL NOT NULL,
	log2_fold_change REAL NOT NULL,
	lfc_se REAL NOT NULL,
	wald_statistic REAL NOT NULL,
	p_value REAL NOT NULL,
	adjusted_p_value REAL,
	status TEXT NOT NULL,
	PRIMARY KEY (run_id, gene)
);
`

// resultsRepository implements ports.ResultsRepository over an embedded
// SQLite database. The NULL-able adjusted_p_value column preserves the
// "excluded from correction" state across round trips.
type resultsRepository struct {
	db *sqlx.DB
}

// NewResultsRepository opens (creating if needed) the database at path and
// ensures the schema exists. Use ":memory:" for an ephemeral store.
func NewResultsRepository(path string) (ports.ResultsRepository, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithCode(errors.CodeStorageError, errors.Wrapf(err, "opening results database %s", path))
	}
	// A single connection keeps :memory: databases alive across statements
	// and sidesteps SQLite write contention for file-backed ones
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.WithCode(errors.CodeStorageError, errors.Wrap(err, "creating results schema"))
	}
	return &resultsRepository{db: db}, nil
}

// SaveRun stores the manifest and all rows in one transaction
func (r *resultsRepository) SaveRun(ctx context.Context, manifest *de.RunManifest, table *de.ResultTable) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.WithCode(errors.CodeStorageError, errors.Wrap(err, "beginning transaction"))
	}
	defer tx.Rollback()

	var priorSD sql.NullFloat64
	if table.PriorSD > 0 {
		priorSD = sql.NullFloat64{Float64: table.PriorSD, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO runs (
		id, created_at, config_hash, gene_count, filtered_gene_count,
		sample_count, metadata_reordered, filter_cutoff, prior_sd
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		manifest.ID.String(), manifest.CreatedAt.Time(), manifest.ConfigHash.String(),
		manifest.GeneCount, manifest.FilteredGeneCount, manifest.SampleCount,
		manifest.MetadataReordered, table.FilterCutoff, priorSD,
	)
	if err != nil {
		return errors.WithCode(errors.CodeStorageError, errors.Wrap(err, "inserting run"))
	}

	if err := insertRows(ctx, tx, "results", manifest.ID, table.Rows); err != nil {
		return err
	}
	if table.Shrunken != nil {
		rows := make([]de.TestResult, len(table.Shrunken))
		for i, s := range table.Shrunken {
			rows[i] = s.TestResult
		}
		if err := insertRows(ctx, tx, "shrunken_results", manifest.ID, rows); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WithCode(errors.CodeStorageError, errors.Wrap(err, "committing run"))
	}
	return nil
}

func insertRows(ctx context.Context, tx *sqlx.Tx, tableName string, runID core.RunID, rows []de.TestResult) error {
	stmt, err := tx.PreparexContext(ctx, `INSERT INTO `+tableName+` (
		run_id, gene, base_mean, log2_fold_change, lfc_se,
		wald_statistic, p_value, adjusted_p_value, status
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.WithCode(errors.CodeStorageError, errors.Wrapf(err, "preparing %s insert", tableName))
	}
	defer stmt.Close()

	for _, row := range rows {
		var padj sql.NullFloat64
		if row.AdjustedPValue != nil {
			padj = sql.NullFloat64{Float64: *row.AdjustedPValue, Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			runID.String(), row.Gene.String(), row.BaseMean, row.Log2FoldChange,
			row.LfcSE, row.WaldStatistic, row.PValue, padj, string(row.Status),
		)
		if err != nil {
			return errors.WithCode(errors.CodeStorageError,
				errors.Wrapf(err, "inserting %s row for gene %s", tableName, row.Gene))
		}
	}
	return nil
}

// GetRun loads a stored run manifest
func (r *resultsRepository) GetRun(ctx context.Context, id string) (*de.RunManifest, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT
		id, created_at, config_hash, gene_count, filtered_gene_count,
		sample_count, metadata_reordered
	FROM runs WHERE id = ?`, id)

	var (
		manifest  de.RunManifest
		rawID     string
		createdAt sql.NullTime
		hash      string
	)
	err := row.Scan(&rawID, &createdAt, &hash, &manifest.GeneCount,
		&manifest.FilteredGeneCount, &manifest.SampleCount, &manifest.MetadataReordered)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.CodeStorageError, "run %s not found", id)
	}
	if err != nil {
		return nil, errors.WithCode(errors.CodeStorageError, errors.Wrapf(err, "loading run %s", id))
	}
	manifest.ID = core.RunID(rawID)
	manifest.ConfigHash = core.ConfigHash(hash)
	if createdAt.Valid {
		manifest.CreatedAt = core.NewTimestamp(createdAt.Time)
	}
	return &manifest, nil
}

// GetResults loads the raw rows of a stored run in gene order
func (r *resultsRepository) GetResults(ctx context.Context, id string) ([]de.TestResult, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT
		gene, base_mean, log2_fold_change, lfc_se,
		wald_statistic, p_value, adjusted_p_value, status
	FROM results WHERE run_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, errors.WithCode(errors.CodeStorageError, errors.Wrapf(err, "loading results for run %s", id))
	}
	defer rows.Close()

	var out []de.TestResult
	for rows.Next() {
		var (
			res    de.TestResult
			gene   string
			padj   sql.NullFloat64
			status string
		)
		if err := rows.Scan(&gene, &res.BaseMean, &res.Log2FoldChange, &res.LfcSE,
			&res.WaldStatistic, &res.PValue, &padj, &status); err != nil {
			return nil, errors.WithCode(errors.CodeStorageError, errors.Wrap(err, "scanning result row"))
		}
		res.Gene = core.GeneKey(gene)
		res.Status = de.GeneStatus(status)
		if padj.Valid {
			v := padj.Float64
			res.AdjustedPValue = &v
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// Close releases the database handle
func (r *resultsRepository) Close() error {
	return r.db.Close()
}
