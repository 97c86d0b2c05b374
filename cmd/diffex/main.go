package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"godiffex/adapters/sqlite"
	"godiffex/adapters/tabular"
	"godiffex/internal"
	"godiffex/internal/config"
	"godiffex/internal/engine"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "diffex",
		Short: "Negative-binomial differential expression analysis for count matrices",
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var (
		countsPath    string
		metadataPath  string
		conditionCol  string
		covariates    []string
		outputPath    string
		shrunkenPath  string
		sqlitePath    string
		configPath    string
		referenceFlag string
		lfcThreshold  float64
		alpha         float64
		minTotal      int64
		shrink        bool
		workers       int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the differential expression pipeline on a count matrix",
		Long: `Run size-factor estimation, dispersion estimation, NB GLM fitting,
Wald testing with independent filtering and BH correction, and optional
effect-size shrinkage.

Example: diffex run --counts counts.csv --metadata samples.csv --condition condition --output results.csv --shrink`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := internal.NewDefaultLogger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if configPath != "" {
				cfg, err = config.LoadFile(cfg, configPath)
				if err != nil {
					return err
				}
			}
			// Flags win over environment and file
			if cmd.Flags().Changed("reference") {
				cfg.ReferenceLevel = referenceFlag
			}
			if cmd.Flags().Changed("lfc-threshold") {
				cfg.LFCThreshold = lfcThreshold
			}
			if cmd.Flags().Changed("alpha") {
				cfg.Alpha = alpha
			}
			if cmd.Flags().Changed("min-total") {
				cfg.MinTotalCount = minTotal
			}
			if cmd.Flags().Changed("shrink") {
				cfg.Shrink = shrink
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}
			if len(covariates) > 0 {
				cfg.Covariates = covariates
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			reader := tabular.NewDataReader()
			counts, err := reader.ReadCounts(countsPath)
			if err != nil {
				return err
			}
			metadata, err := reader.ReadMetadata(metadataPath, conditionCol, covariates)
			if err != nil {
				return err
			}
			logger.Info("loaded %d genes x %d samples from %s",
				counts.GeneCount(), counts.SampleCount(), countsPath)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pipeline := engine.NewPipeline(cfg, logger)
			table, manifest, err := pipeline.Run(ctx, counts, metadata)
			if err != nil {
				return err
			}
			logger.Info("run %s finished: %d genes tested", manifest.ID, len(table.Rows))

			if outputPath != "" {
				if err := tabular.WriteResults(outputPath, table.Rows); err != nil {
					return err
				}
				logger.Info("results written to %s", outputPath)
			}
			if shrunkenPath != "" {
				if table.Shrunken == nil {
					return fmt.Errorf("--shrunken-output requires --shrink")
				}
				if err := tabular.WriteShrunkenResults(shrunkenPath, table.Shrunken); err != nil {
					return err
				}
				logger.Info("shrunken results written to %s", shrunkenPath)
			}
			if sqlitePath != "" {
				repo, err := sqlite.NewResultsRepository(sqlitePath)
				if err != nil {
					return err
				}
				defer repo.Close()
				if err := repo.SaveRun(ctx, manifest, table); err != nil {
					return err
				}
				logger.Info("run %s stored in %s", manifest.ID, sqlitePath)
			}
			if outputPath == "" && sqlitePath == "" {
				return fmt.Errorf("no output requested: provide --output and/or --sqlite")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&countsPath, "counts", "", "count matrix file (.csv/.tsv/.xlsx), genes x samples")
	cmd.Flags().StringVar(&metadataPath, "metadata", "", "sample metadata file keyed by sample identifier")
	cmd.Flags().StringVar(&conditionCol, "condition", "condition", "metadata column holding the condition factor")
	cmd.Flags().StringSliceVar(&covariates, "covariate", nil, "blocking covariate column(s) to include in the design")
	cmd.Flags().StringVar(&outputPath, "output", "", "CSV path for the raw result table")
	cmd.Flags().StringVar(&shrunkenPath, "shrunken-output", "", "CSV path for the posterior (shrunken) result table")
	cmd.Flags().StringVar(&sqlitePath, "sqlite", "", "SQLite path to persist the run")
	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file")
	cmd.Flags().StringVar(&referenceFlag, "reference", "", "reference level of the condition factor (default: alphabetically first)")
	cmd.Flags().Float64Var(&lfcThreshold, "lfc-threshold", 0, "log2 fold-change threshold tau for the Wald null")
	cmd.Flags().Float64Var(&alpha, "alpha", 0.05, "significance level steering independent filtering")
	cmd.Flags().Int64Var(&minTotal, "min-total", 10, "minimum total count for a gene to be analyzed")
	cmd.Flags().BoolVar(&shrink, "shrink", false, "compute posterior (shrunken) effect sizes")
	cmd.Flags().IntVar(&workers, "workers", 0, "per-gene parallelism (0 = all CPUs)")
	cmd.MarkFlagRequired("counts")
	cmd.MarkFlagRequired("metadata")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("diffex %s\n", strings.TrimSpace(version))
		},
	}
}
