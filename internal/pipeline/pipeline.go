// Package pipeline is the single coordinator driving the three stages in
// strict order: backup snapshot, profile, clean, migrate. No stage starts
// before its predecessor's artifact commits and its input checksum
// matches; an immutable RunState record is passed between stages and
// persisted at every transition.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sluicedev/sluice/internal/backup"
	"github.com/sluicedev/sluice/internal/clean"
	"github.com/sluicedev/sluice/internal/config"
	"github.com/sluicedev/sluice/internal/errs"
	"github.com/sluicedev/sluice/internal/lease"
	"github.com/sluicedev/sluice/internal/metadata"
	"github.com/sluicedev/sluice/internal/migrate"
	"github.com/sluicedev/sluice/internal/models"
	"github.com/sluicedev/sluice/internal/observability"
	"github.com/sluicedev/sluice/internal/profile"
	"github.com/sluicedev/sluice/internal/storage"
)

// Pipeline wires the stages together for one table.
type Pipeline struct {
	cfg      *config.Config
	store    metadata.Store
	recorder *backup.Recorder
	profiler *profile.Profiler
	cleaner  *clean.Cleaner
	metrics  *observability.Metrics
	logger   zerolog.Logger
	force    bool
}

// New assembles a Pipeline from configuration.
func New(cfg *config.Config, store metadata.Store, metrics *observability.Metrics, logger zerolog.Logger, force bool) *Pipeline {
	profCfg := profile.Config{
		SampleFloor:        cfg.Profiler.SampleFloor,
		MismatchThreshold:  cfg.Profiler.MismatchThreshold,
		CorruptThreshold:   cfg.Profiler.CorruptThreshold,
		OffendingSampleCap: cfg.Profiler.OffendingSampleCap,
		KeyWeight:          cfg.Profiler.KeyWeight,
	}
	return &Pipeline{
		cfg:      cfg,
		store:    store,
		recorder: backup.NewRecorder(store),
		profiler: profile.New(profCfg, logger),
		cleaner:  clean.New(clean.Config{DeadLetterThreshold: cfg.Cleaner.DeadLetterThreshold}, metrics, logger),
		metrics:  metrics,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		force:    force,
	}
}

// Run executes the full pipeline against an opened source and target.
func (p *Pipeline) Run(ctx context.Context, src storage.Source, target storage.Target) (models.MigrationResult, error) {
	contract, err := src.Contract(ctx)
	if err != nil {
		return models.MigrationResult{}, &errs.OperationalError{Op: "read source contract", Err: err}
	}

	state := models.RunState{
		RunID:     uuid.NewString(),
		TableName: contract.Name,
		Stage:     models.StageBackup,
		StartedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	events := observability.NewEventLog(p.logger, state.RunID, state.TableName)

	ds, err := p.prepareDataset(ctx, src, &state, events)
	if err != nil {
		return models.MigrationResult{}, err
	}

	state = state.WithStage(models.StageMigrate).WithCleanedChecksum(ds.Checksum)
	p.saveState(ctx, state)
	events.StageStarted(string(models.StageMigrate))
	migrateStart := time.Now()

	migrator := migrate.New(migrate.Config{
		BatchSize:          p.cfg.Migrator.BatchSize,
		Workers:            p.cfg.Migrator.Workers,
		RowCountTolerance:  p.cfg.Migrator.RowCountTolerance,
		AggregateTolerance: p.cfg.Migrator.AggregateTolerance,
		RetentionWindow:    p.cfg.Migrator.RetentionWindow,
		Force:              p.force,
	}, target, p.store, lease.NewManager(p.store, []byte(p.cfg.LeaseSecret), p.cfg.Migrator.LeaseTTL), p.metrics, p.logger)

	plan := migrator.NewPlan(state.RunID, p.cfg.TargetSchema, ds, p.cfg.Migrator.CanaryFraction)
	result, err := migrator.Migrate(ctx, ds, plan)
	if err != nil {
		events.StageFailed(string(models.StageMigrate), err)
		return result, err
	}
	events.StageCompleted(string(models.StageMigrate), time.Since(migrateStart))
	return result, nil
}

// prepareDataset runs backup, profile, and clean. A drifted source during
// cleaning is retried once end to end (fresh snapshot, re-profile,
// re-clean) before escalating.
func (p *Pipeline) prepareDataset(ctx context.Context, src storage.Source, state *models.RunState, events *observability.EventLog) (*models.Dataset, error) {
	ds, err := p.snapshotProfileClean(ctx, src, state, events)
	if err == nil {
		return ds, nil
	}
	var drift *errs.TransactionIntegrityError
	if !errors.As(err, &drift) {
		return nil, err
	}

	p.logger.Warn().
		Str("run_id", state.RunID).
		Str("expected", drift.Expected).
		Str("actual", drift.Actual).
		Msg("Source drifted mid-clean; retrying once with a fresh snapshot")

	ds, err = p.snapshotProfileClean(ctx, src, state, events)
	if err == nil {
		return ds, nil
	}
	if errors.As(err, &drift) {
		return nil, &errs.OperationalError{Op: "re-clean after source drift", Err: err}
	}
	return nil, err
}

func (p *Pipeline) snapshotProfileClean(ctx context.Context, src storage.Source, state *models.RunState, events *observability.EventLog) (*models.Dataset, error) {
	// Backup: checksummed snapshot before anything mutates.
	events.StageStarted(string(models.StageBackup))
	backupStart := time.Now()
	snap, err := p.recorder.Take(ctx, src, state.RunID)
	if err != nil {
		events.StageFailed(string(models.StageBackup), err)
		return nil, &errs.OperationalError{Op: "take source snapshot", Err: err}
	}
	*state = state.WithSourceChecksum(snap.Checksum)
	p.saveState(ctx, *state)
	events.StageCompleted(string(models.StageBackup), time.Since(backupStart))

	// Profile.
	*state = state.WithStage(models.StageProfile)
	p.saveState(ctx, *state)
	events.StageStarted(string(models.StageProfile))
	profileStart := time.Now()
	report, err := p.profiler.Profile(ctx, src, state.RunID, p.cfg.Profiler.SampleSize, p.cfg.Profiler.Seed)
	if err != nil {
		events.StageFailed(string(models.StageProfile), err)
		return nil, err
	}
	if err := p.store.SaveReport(ctx, report); err != nil {
		return nil, &errs.OperationalError{Op: "persist profile report", Err: err}
	}
	*state = state.WithVerdict(report.Verdict)
	p.saveState(ctx, *state)
	events.StageCompleted(string(models.StageProfile), time.Since(profileStart))

	// Circuit breaker: HALT stops the pipeline before any mutation.
	if report.Verdict == models.VerdictHalt {
		err := p.profiler.BreakerError(report)
		events.StageFailed(string(models.StageProfile), err)
		return nil, err
	}

	// Clean.
	*state = state.WithStage(models.StageClean)
	p.saveState(ctx, *state)
	events.StageStarted(string(models.StageClean))
	cleanStart := time.Now()
	res, err := p.cleaner.Clean(ctx, src, report, snap)
	if err != nil {
		events.StageFailed(string(models.StageClean), err)
		return nil, err
	}
	if err := p.store.AppendTrail(ctx, res.Trail); err != nil {
		return nil, &errs.OperationalError{Op: "persist audit trail", Err: err}
	}
	events.StageCompleted(string(models.StageClean), time.Since(cleanStart))

	if len(res.DeadLetter) > 0 {
		p.logger.Warn().
			Str("run_id", state.RunID).
			Int("rows", len(res.DeadLetter)).
			Msg("Rows excluded to dead-letter set")
	}
	return res.Dataset, nil
}

func (p *Pipeline) saveState(ctx context.Context, state models.RunState) {
	if err := p.store.SaveRun(ctx, state); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to persist run state")
	}
}

// ExitCode maps the failure taxonomy to the process exit code contract:
// 0 COMPLETE, 1 circuit-breaker HALT, 2 rollback on validation failure,
// 3 operational error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var quality *errs.DataQualityError
	if errors.As(err, &quality) {
		return 1
	}
	var validation *errs.ValidationFailure
	if errors.As(err, &validation) {
		return 2
	}
	return 3
}
