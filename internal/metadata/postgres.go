package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sluicedev/sluice/internal/models"
)

// PostgresStore implements Store on the sluice metadata schema.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open metadata database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) SaveRun(ctx context.Context, state models.RunState) error {
	const query = `
		INSERT INTO sluice.runs (run_id, table_name, stage, verdict, source_checksum, cleaned_checksum, started_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8)
		ON CONFLICT (run_id) DO UPDATE
		SET stage = EXCLUDED.stage,
		    verdict = EXCLUDED.verdict,
		    source_checksum = EXCLUDED.source_checksum,
		    cleaned_checksum = EXCLUDED.cleaned_checksum,
		    updated_at = EXCLUDED.updated_at;
	`
	_, err := s.db.ExecContext(ctx, query,
		state.RunID, state.TableName, state.Stage, string(state.Verdict),
		state.SourceChecksum, state.CleanedChecksum, state.StartedAt, state.UpdatedAt)
	return errors.Wrap(err, "save run state")
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (models.RunState, error) {
	const query = `
		SELECT run_id, table_name, stage, COALESCE(verdict, ''), COALESCE(source_checksum, ''), COALESCE(cleaned_checksum, ''), started_at, updated_at
		FROM sluice.runs
		WHERE run_id = $1;
	`
	var state models.RunState
	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&state.RunID, &state.TableName, &state.Stage, &state.Verdict,
		&state.SourceChecksum, &state.CleanedChecksum, &state.StartedAt, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return state, ErrNotFound
	}
	return state, errors.Wrap(err, "get run state")
}

func (s *PostgresStore) SaveReport(ctx context.Context, report models.ProfileReport) error {
	perColumn, err := json.Marshal(report.Columns)
	if err != nil {
		return errors.Wrap(err, "marshal per-column profiles")
	}
	const query = `
		INSERT INTO sluice.profile_reports (run_id, table_name, rows_sampled, seed, overall_confidence, verdict, per_column, profiled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
	_, err = s.db.ExecContext(ctx, query,
		report.RunID, report.TableName, report.RowsSampled, report.Seed,
		report.OverallConfidence, report.Verdict, perColumn, report.ProfiledAt)
	return errors.Wrap(err, "save profile report")
}

func (s *PostgresStore) AppendTrail(ctx context.Context, entries []models.Transformation) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin audit append")
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO sluice.audit_trail (id, run_id, row_id, column_name, operation, before_value, after_value, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, query,
			e.ID, e.RunID, e.RowID, e.Column, e.Op, e.Before, e.After, e.AppliedAt); err != nil {
			return errors.Wrapf(err, "append audit entry %s", e.ID)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) TrailForRun(ctx context.Context, runID string) ([]models.Transformation, error) {
	const query = `
		SELECT id, run_id, row_id, column_name, operation, before_value, after_value, applied_at
		FROM sluice.audit_trail
		WHERE run_id = $1
		ORDER BY applied_at, id;
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query audit trail")
	}
	defer rows.Close()

	var out []models.Transformation
	for rows.Next() {
		var t models.Transformation
		if err := rows.Scan(&t.ID, &t.RunID, &t.RowID, &t.Column, &t.Op, &t.Before, &t.After, &t.AppliedAt); err != nil {
			return nil, errors.Wrap(err, "scan audit entry")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap models.Snapshot) error {
	const query = `
		INSERT INTO sluice.snapshots (id, run_id, table_name, checksum, row_count, taken_at)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	_, err := s.db.ExecContext(ctx, query,
		snap.ID, snap.RunID, snap.TableName, snap.Checksum, snap.RowCount, snap.TakenAt)
	return errors.Wrap(err, "save snapshot")
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, table string) (models.Snapshot, error) {
	const query = `
		SELECT id, run_id, table_name, checksum, row_count, taken_at
		FROM sluice.snapshots
		WHERE table_name = $1
		ORDER BY taken_at DESC
		LIMIT 1;
	`
	var snap models.Snapshot
	err := s.db.QueryRowContext(ctx, query, table).Scan(
		&snap.ID, &snap.RunID, &snap.TableName, &snap.Checksum, &snap.RowCount, &snap.TakenAt)
	if err == sql.ErrNoRows {
		return snap, ErrNotFound
	}
	return snap, errors.Wrap(err, "get latest snapshot")
}

func (s *PostgresStore) SavePlan(ctx context.Context, plan models.MigrationPlan) error {
	const query = `
		INSERT INTO sluice.migration_plans (run_id, table_name, source_checksum, canary_sample_fraction, target_schema_name, cutover_strategy, rollback_checkpoint, retention_until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	_, err := s.db.ExecContext(ctx, query,
		plan.RunID, plan.TableName, plan.SourceChecksum, plan.CanaryFraction,
		plan.TargetSchema, plan.CutoverStrategy, plan.RollbackCheckpoint,
		plan.RetentionUntil, plan.CreatedAt)
	return errors.Wrap(err, "save migration plan")
}

func (s *PostgresStore) UpdateCheckpoint(ctx context.Context, runID string, checkpoint models.MigrationStatus) error {
	const query = `
		UPDATE sluice.migration_plans
		SET rollback_checkpoint = $1
		WHERE run_id = $2;
	`
	res, err := s.db.ExecContext(ctx, query, checkpoint, runID)
	if err != nil {
		return errors.Wrap(err, "update rollback checkpoint")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DiscardPlan(ctx context.Context, runID string) error {
	const query = `DELETE FROM sluice.migration_plans WHERE run_id = $1;`
	_, err := s.db.ExecContext(ctx, query, runID)
	return errors.Wrap(err, "discard migration plan")
}

func (s *PostgresStore) InsertLease(ctx context.Context, lease models.SchemaLease) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin lease transaction")
	}
	defer tx.Rollback()

	var held models.SchemaLease
	const holderQuery = `
		SELECT id, table_name, run_id, token, expires_at, created_at
		FROM sluice.schema_leases
		WHERE table_name = $1
		FOR UPDATE;
	`
	err = tx.QueryRowContext(ctx, holderQuery, lease.TableName).Scan(
		&held.ID, &held.TableName, &held.RunID, &held.Token, &held.ExpiresAt, &held.CreatedAt)
	switch {
	case err == sql.ErrNoRows:
		// free
	case err != nil:
		return errors.Wrap(err, "check existing lease")
	case !held.Expired(time.Now()):
		return LeaseHeld(held)
	}

	const upsert = `
		INSERT INTO sluice.schema_leases (table_name, id, run_id, token, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (table_name) DO UPDATE
		SET id = EXCLUDED.id,
		    run_id = EXCLUDED.run_id,
		    token = EXCLUDED.token,
		    expires_at = EXCLUDED.expires_at,
		    created_at = EXCLUDED.created_at;
	`
	if _, err := tx.ExecContext(ctx, upsert,
		lease.TableName, lease.ID, lease.RunID, lease.Token, lease.ExpiresAt, lease.CreatedAt); err != nil {
		return errors.Wrap(err, "insert lease")
	}
	return tx.Commit()
}

func (s *PostgresStore) DeleteLease(ctx context.Context, table, runID string) error {
	const query = `DELETE FROM sluice.schema_leases WHERE table_name = $1 AND run_id = $2;`
	_, err := s.db.ExecContext(ctx, query, table, runID)
	return errors.Wrap(err, "delete lease")
}

var _ Store = (*PostgresStore)(nil)
