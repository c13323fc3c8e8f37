package models

import "time"

// Stage names one pipeline stage.
type Stage string

const (
	StageBackup  Stage = "backup"
	StageProfile Stage = "profile"
	StageClean   Stage = "clean"
	StageMigrate Stage = "migrate"
)

// RunState is the immutable state-transition record passed between stages.
// Each stage derives a new RunState with With* instead of mutating shared
// state; the metadata store persists every transition.
type RunState struct {
	RunID           string    `json:"run_id" db:"run_id"`
	TableName       string    `json:"table_name" db:"table_name"`
	Stage           Stage     `json:"stage" db:"stage"`
	Verdict         Verdict   `json:"verdict,omitempty" db:"verdict"`
	SourceChecksum  string    `json:"source_checksum,omitempty" db:"source_checksum"`
	CleanedChecksum string    `json:"cleaned_checksum,omitempty" db:"cleaned_checksum"`
	StartedAt       time.Time `json:"started_at" db:"started_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// WithStage returns a copy advanced to the given stage.
func (s RunState) WithStage(stage Stage) RunState {
	s.Stage = stage
	s.UpdatedAt = time.Now().UTC()
	return s
}

// WithVerdict returns a copy carrying the profiler verdict.
func (s RunState) WithVerdict(v Verdict) RunState {
	s.Verdict = v
	s.UpdatedAt = time.Now().UTC()
	return s
}

// WithSourceChecksum returns a copy recording the backup snapshot checksum.
func (s RunState) WithSourceChecksum(sum string) RunState {
	s.SourceChecksum = sum
	s.UpdatedAt = time.Now().UTC()
	return s
}

// WithCleanedChecksum returns a copy recording the cleaned dataset checksum.
func (s RunState) WithCleanedChecksum(sum string) RunState {
	s.CleanedChecksum = sum
	s.UpdatedAt = time.Now().UTC()
	return s
}
