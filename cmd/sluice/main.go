package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/sluicedev/sluice/internal/config"
	"github.com/sluicedev/sluice/internal/errs"
	"github.com/sluicedev/sluice/internal/metadata"
	"github.com/sluicedev/sluice/internal/models"
	"github.com/sluicedev/sluice/internal/observability"
	"github.com/sluicedev/sluice/internal/pipeline"
	"github.com/sluicedev/sluice/internal/storage"
	"github.com/spf13/cobra"

	_ "github.com/lib/pq" // PostgreSQL driver
	_ "github.com/sluicedev/sluice/internal/storage/memstore"
	_ "github.com/sluicedev/sluice/internal/storage/postgres"
)

var (
	flagSource         string
	flagTarget         string
	flagMetadata       string
	flagTable          string
	flagTargetSchema   string
	flagSampleSize     int
	flagCanaryFraction float64
	flagForce          bool
	flagMetricsAddr    string
	flagVerbose        bool
)

func main() {
	root := &cobra.Command{
		Use:           "sluice",
		Short:         "Quality-gated table migration between storage engines",
		Long:          "sluice profiles a source table, cleans it under an audit trail, and migrates it through a canary-validated blue-green cutover.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline: backup, profile, clean, migrate",
		RunE:  runPipeline,
	}
	runCmd.Flags().StringVar(&flagSource, "source", "", "source DSN (postgres:// or mem://)")
	runCmd.Flags().StringVar(&flagTarget, "target", "", "target DSN (postgres:// or mem://)")
	runCmd.Flags().StringVar(&flagMetadata, "metadata", "", "metadata store DSN; defaults to in-memory")
	runCmd.Flags().StringVar(&flagTable, "table", "", "source table to migrate")
	runCmd.Flags().StringVar(&flagTargetSchema, "target-schema", "", "serving schema on the target engine")
	runCmd.Flags().IntVar(&flagSampleSize, "sample-size", 0, "profiler sample size")
	runCmd.Flags().Float64Var(&flagCanaryFraction, "canary-fraction", 0, "fraction of rows migrated as the canary")
	runCmd.Flags().BoolVar(&flagForce, "force", false, "override a held schema lease (operator recovery)")
	runCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "address for the Prometheus /metrics endpoint")
	runCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(pipeline.ExitCode(err))
	}
}

func runPipeline(cmd *cobra.Command, args []string) error {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if flagVerbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.SetFlags(0)
	log.SetOutput(logger)

	cfg, err := config.Load()
	if err != nil {
		return &errs.OperationalError{Op: "load configuration", Err: err}
	}
	applyFlags(cfg)

	if cfg.SourceDSN == "" || cfg.TargetDSN == "" {
		return fmt.Errorf("both --source and --target are required")
	}
	if cfg.TableName == "" {
		return fmt.Errorf("--table is required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openMetadataStore(ctx, cfg.MetadataDSN, logger)
	if err != nil {
		return &errs.OperationalError{Op: "open metadata store", Err: err}
	}
	defer closeStore()

	src, err := storage.OpenSource(ctx, cfg.SourceDSN, cfg.TableName)
	if err != nil {
		return &errs.OperationalError{Op: "open source", Err: err}
	}
	target, err := storage.OpenTarget(ctx, cfg.TargetDSN)
	if err != nil {
		return &errs.OperationalError{Op: "open target", Err: err}
	}

	metrics := observability.NewMetrics()
	if cfg.MetricsAddr != "" {
		go metrics.Serve(ctx, cfg.MetricsAddr, logger)
	}

	p := pipeline.New(cfg, store, metrics, logger, flagForce)
	result, err := p.Run(ctx, src, target)
	if err != nil {
		logger.Error().Err(err).Str("status", string(result.Status)).Msg("Pipeline failed")
		return err
	}

	logger.Info().
		Str("status", string(result.Status)).
		Int64("rows_migrated", result.RowsMigrated).
		Dur("duration", result.Duration).
		Msg("Pipeline finished")
	if result.Status != models.StatusComplete {
		return fmt.Errorf("migration ended in status %s: %s", result.Status, result.Reason)
	}
	return nil
}

// applyFlags lets flags override anything the config file set.
func applyFlags(cfg *config.Config) {
	if flagSource != "" {
		cfg.SourceDSN = flagSource
	}
	if flagTarget != "" {
		cfg.TargetDSN = flagTarget
	}
	if flagMetadata != "" {
		cfg.MetadataDSN = flagMetadata
	}
	if flagTable != "" {
		cfg.TableName = flagTable
	}
	if flagTargetSchema != "" {
		cfg.TargetSchema = flagTargetSchema
	}
	if flagSampleSize > 0 {
		cfg.Profiler.SampleSize = flagSampleSize
	}
	if flagCanaryFraction > 0 {
		cfg.Migrator.CanaryFraction = flagCanaryFraction
	}
	if flagMetricsAddr != "" {
		cfg.MetricsAddr = flagMetricsAddr
	}
}

// openMetadataStore connects the run-state store. A postgres DSN gets the
// durable store with schema migrations applied; anything else falls back
// to the in-memory store, which is enough for one-shot runs.
func openMetadataStore(ctx context.Context, dsn string, logger zerolog.Logger) (metadata.Store, func(), error) {
	if dsn == "" {
		return metadata.NewMemStore(), func() {}, nil
	}
	u, err := url.Parse(dsn)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return metadata.NewMemStore(), func() {}, nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := metadata.RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, nil, err
	}
	return metadata.NewPostgresStore(db), func() { db.Close() }, nil
}
