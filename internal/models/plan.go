package models

import "time"

// MigrationStatus is the migrator state machine position.
type MigrationStatus string

const (
	StatusPreparing     MigrationStatus = "PREPARING"
	StatusCanaryRunning MigrationStatus = "CANARY_RUNNING"
	StatusCanaryValid   MigrationStatus = "CANARY_VALIDATED"
	StatusFullMigration MigrationStatus = "FULL_MIGRATION"
	StatusCutover       MigrationStatus = "CUTOVER"
	StatusComplete      MigrationStatus = "COMPLETE"
	StatusRolledBack    MigrationStatus = "ROLLED_BACK"
)

// CutoverStrategyBlueGreen is the only supported cutover strategy.
const CutoverStrategyBlueGreen = "blue_green"

// Terminal reports whether the status ends the run.
func (s MigrationStatus) Terminal() bool {
	return s == StatusComplete || s == StatusRolledBack
}

// MigrationPlan is created at migration start. CanaryFraction is fixed for
// the run; RollbackCheckpoint advances as stages complete.
type MigrationPlan struct {
	RunID           string    `json:"run_id" db:"run_id"`
	TableName       string    `json:"table_name" db:"table_name"`
	SourceChecksum  string    `json:"source_checksum" db:"source_checksum"`
	CanaryFraction  float64   `json:"canary_sample_fraction" db:"canary_sample_fraction"`
	TargetSchema    string    `json:"target_schema_name" db:"target_schema_name"`
	CutoverStrategy string    `json:"cutover_strategy" db:"cutover_strategy"`
	// RollbackCheckpoint records the last stage whose artifact committed,
	// so a retried run can resume validation from there.
	RollbackCheckpoint MigrationStatus `json:"rollback_checkpoint" db:"rollback_checkpoint"`
	// RetentionUntil guards the blue schema: it stays read-only and
	// restorable until this instant.
	RetentionUntil time.Time `json:"retention_until" db:"retention_until"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ShadowSchema is the additive green schema name for the plan.
func (p MigrationPlan) ShadowSchema() string {
	return p.TargetSchema + "_green"
}

// ArchivedBlueSchema is where the displaced serving schema lands at
// cutover, kept read-only for the retention window.
func (p MigrationPlan) ArchivedBlueSchema() string {
	suffix := p.RunID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return p.TargetSchema + "_blue_" + suffix
}

// MigrationResult is the terminal outcome of a Migrate call.
type MigrationResult struct {
	Status       MigrationStatus `json:"status" db:"status"`
	RowsMigrated int64           `json:"rows_migrated" db:"rows_migrated"`
	Duration     time.Duration   `json:"duration" db:"duration"`
	// Reason explains a ROLLED_BACK status: the failed check, the batch
	// checksum mismatch, or the operator cancellation.
	Reason string `json:"reason,omitempty" db:"reason"`
}
