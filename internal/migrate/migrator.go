// Package migrate drives the deployment state machine: canary migration
// into an additive shadow schema, fixed invariant validation, parallel
// batched full migration with per-batch verification, and the blue-green
// cutover. Any failure before COMPLETE rolls back with zero impact on the
// serving schema.
package migrate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/sluicedev/sluice/internal/errs"
	"github.com/sluicedev/sluice/internal/lease"
	"github.com/sluicedev/sluice/internal/metadata"
	"github.com/sluicedev/sluice/internal/models"
	"github.com/sluicedev/sluice/internal/observability"
	"github.com/sluicedev/sluice/internal/storage"
)

// Config holds batching, validation, and retention knobs.
type Config struct {
	// BatchSize is the number of rows per full-migration batch.
	BatchSize int
	// Workers is the parallel batch transfer width. Each worker owns
	// disjoint batches as independent transactions.
	Workers int
	// RowCountTolerance bounds how far the canary row count may deviate
	// from the expected fraction of the dataset.
	RowCountTolerance float64
	// AggregateTolerance bounds the relative deviation of canary numeric
	// aggregates from the full dataset.
	AggregateTolerance float64
	// RetentionWindow is how long the displaced blue schema stays
	// read-only and restorable after cutover.
	RetentionWindow time.Duration
	// Force overrides a held schema lease (operator recovery only).
	Force bool
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:          500,
		Workers:            4,
		RowCountTolerance:  0.02,
		AggregateTolerance: 0.02,
		RetentionWindow:    24 * time.Hour,
	}
}

// Migrator executes MigrationPlans against a target engine.
type Migrator struct {
	cfg     Config
	target  storage.Target
	store   metadata.Store
	leases  *lease.Manager
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// New returns a Migrator.
func New(cfg Config, target storage.Target, store metadata.Store, leases *lease.Manager, metrics *observability.Metrics, logger zerolog.Logger) *Migrator {
	return &Migrator{
		cfg:     cfg,
		target:  target,
		store:   store,
		leases:  leases,
		metrics: metrics,
		logger:  logger.With().Str("component", "migrator").Logger(),
	}
}

// NewPlan builds the migration plan for a cleaned dataset.
func (m *Migrator) NewPlan(runID, targetSchema string, ds *models.Dataset, canaryFraction float64) models.MigrationPlan {
	now := time.Now().UTC()
	return models.MigrationPlan{
		RunID:              runID,
		TableName:          ds.Table.Name,
		SourceChecksum:     ds.Checksum,
		CanaryFraction:     canaryFraction,
		TargetSchema:       targetSchema,
		CutoverStrategy:    models.CutoverStrategyBlueGreen,
		RollbackCheckpoint: models.StatusPreparing,
		RetentionUntil:     now.Add(m.cfg.RetentionWindow),
		CreatedAt:          now,
	}
}

// Migrate runs the state machine to COMPLETE or ROLLED_BACK. The cleaned
// dataset checksum must match plan.SourceChecksum; everything up to
// CUTOVER operates only on the shadow schema.
func (m *Migrator) Migrate(ctx context.Context, ds *models.Dataset, plan models.MigrationPlan) (models.MigrationResult, error) {
	started := time.Now()
	result := models.MigrationResult{Status: models.StatusPreparing}

	if ds.Checksum != plan.SourceChecksum {
		result.Status = models.StatusRolledBack
		result.Reason = "dataset checksum does not match plan"
		return result, &errs.ValidationFailure{
			Stage:  string(models.StatusPreparing),
			Check:  "input checksum",
			Detail: "cleaned dataset checksum " + ds.Checksum + " != plan " + plan.SourceChecksum,
		}
	}

	held, err := m.leases.Acquire(ctx, ds.Table.Name, plan.RunID, m.cfg.Force)
	if err != nil {
		result.Status = models.StatusRolledBack
		result.Reason = "schema lease unavailable"
		return result, &errs.OperationalError{Op: "acquire schema lease", Err: err}
	}
	defer func() {
		if err := m.leases.Release(context.WithoutCancel(ctx), held); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to release schema lease")
		}
	}()

	if err := m.prepare(ctx, ds, plan); err != nil {
		return m.rollback(ctx, plan, result, "prepare failed: "+err.Error(), err)
	}

	canaryRows, restRows := splitCanary(ds, plan.CanaryFraction)

	result.Status = m.transition(ctx, plan, models.StatusPreparing, models.StatusCanaryRunning)
	migrated, err := m.transfer(ctx, ds.Table, plan.ShadowSchema(), canaryRows)
	result.RowsMigrated += migrated
	if err != nil {
		return m.rollback(ctx, plan, result, "canary transfer failed: "+err.Error(), err)
	}

	result.Status = m.transition(ctx, plan, models.StatusCanaryRunning, models.StatusCanaryValid)
	if err := m.validateCanary(ctx, ds, plan, canaryRows); err != nil {
		return m.rollback(ctx, plan, result, err.Error(), err)
	}

	result.Status = m.transition(ctx, plan, models.StatusCanaryValid, models.StatusFullMigration)
	migrated, err = m.transferParallel(ctx, ds.Table, plan.ShadowSchema(), restRows)
	result.RowsMigrated += migrated
	if err != nil {
		return m.rollback(ctx, plan, result, "full migration failed: "+err.Error(), err)
	}

	// Cancellation is honored up to this line. The cutover itself is
	// atomic: once entered it completes or auto-rolls-back.
	if err := ctx.Err(); err != nil {
		return m.rollback(ctx, plan, result, "cancelled before cutover", err)
	}

	result.Status = m.transition(ctx, plan, models.StatusFullMigration, models.StatusCutover)
	if err := m.cutover(context.WithoutCancel(ctx), plan); err != nil {
		return m.rollback(ctx, plan, result, "cutover failed: "+err.Error(), err)
	}

	result.Status = m.transition(ctx, plan, models.StatusCutover, models.StatusComplete)
	result.Duration = time.Since(started)
	m.logger.Info().
		Str("table", ds.Table.Name).
		Int64("rows_migrated", result.RowsMigrated).
		Dur("duration", result.Duration).
		Msg("Migration complete")
	return result, nil
}

// prepare verifies target reachability with bounded backoff, creates the
// additive shadow schema, and persists the plan.
func (m *Migrator) prepare(ctx context.Context, ds *models.Dataset, plan models.MigrationPlan) error {
	backoff := retry.WithMaxRetries(4, retry.NewFibonacci(250*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := m.target.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return &errs.OperationalError{Op: "verify target reachability", Err: err}
	}

	if err := m.target.EnsureShadowSchema(ctx, plan.ShadowSchema(), ds.Table); err != nil {
		return &errs.OperationalError{Op: "create shadow schema", Err: err}
	}
	if err := m.store.SavePlan(ctx, plan); err != nil {
		return &errs.OperationalError{Op: "persist migration plan", Err: err}
	}
	return nil
}

// cutover swaps the shadow schema over the serving one and freezes the
// displaced blue schema for the retention window.
func (m *Migrator) cutover(ctx context.Context, plan models.MigrationPlan) error {
	if err := m.target.SwapSchemas(ctx, plan.TargetSchema, plan.ShadowSchema(), plan.ArchivedBlueSchema()); err != nil {
		return &errs.OperationalError{Op: "atomic schema swap", Err: err}
	}
	if err := m.target.SetReadOnly(ctx, plan.ArchivedBlueSchema()); err != nil {
		// The swap committed; a freeze failure is not worth a rollback.
		m.logger.Warn().Err(err).Str("schema", plan.ArchivedBlueSchema()).Msg("Failed to freeze displaced blue schema")
	}
	return nil
}

// rollback drops the shadow schema (pre-cutover this leaves production
// untouched; post-cutover it restores the archived blue), discards the
// plan, and reports ROLLED_BACK with the reason.
func (m *Migrator) rollback(ctx context.Context, plan models.MigrationPlan, result models.MigrationResult, reason string, cause error) (models.MigrationResult, error) {
	cleanupCtx := context.WithoutCancel(ctx)

	if result.Status == models.StatusCutover {
		// The swap may have committed; restore blue by swapping back.
		if err := m.target.SwapSchemas(cleanupCtx, plan.TargetSchema, plan.ArchivedBlueSchema(), plan.ShadowSchema()); err != nil {
			m.logger.Error().Err(err).Msg("Failed to restore blue schema after cutover failure")
		}
	}
	if err := m.target.DropSchema(cleanupCtx, plan.ShadowSchema()); err != nil {
		m.logger.Error().Err(err).Str("schema", plan.ShadowSchema()).Msg("Failed to drop shadow schema during rollback")
	}
	if err := m.store.DiscardPlan(cleanupCtx, plan.RunID); err != nil {
		m.logger.Error().Err(err).Msg("Failed to discard migration plan during rollback")
	}

	m.logger.Warn().
		Str("table", plan.TableName).
		Str("reason", reason).
		Msg("Migration rolled back")

	result.Status = models.StatusRolledBack
	result.Reason = reason
	return result, cause
}

// transition advances the state machine, recording the committed stage as
// the rollback checkpoint.
func (m *Migrator) transition(ctx context.Context, plan models.MigrationPlan, from, to models.MigrationStatus) models.MigrationStatus {
	m.logger.Info().Str("from", string(from)).Str("to", string(to)).Str("table", plan.TableName).Msg("Migration state transition")
	if err := m.store.UpdateCheckpoint(ctx, plan.RunID, from); err != nil && err != metadata.ErrNotFound {
		m.logger.Warn().Err(err).Msg("Failed to persist rollback checkpoint")
	}
	return to
}

// Retire archives the displaced blue schema after the retention window.
// Calling it earlier is refused: the window exists to keep instant
// rollback possible.
func (m *Migrator) Retire(ctx context.Context, plan models.MigrationPlan) error {
	if time.Now().Before(plan.RetentionUntil) {
		return &errs.OperationalError{
			Op:  "retire blue schema",
			Err: errors.Errorf("retention window open until %s", plan.RetentionUntil.Format(time.RFC3339)),
		}
	}
	return m.target.DropSchema(ctx, plan.ArchivedBlueSchema())
}

var newBatchID = uuid.NewString
