package models

import "time"

// Verdict is the circuit-breaker outcome of a profiling run.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictWarn Verdict = "WARN"
	VerdictHalt Verdict = "HALT"
)

// ColumnProfile holds per-column quality rates observed in the sample.
type ColumnProfile struct {
	Name             string     `json:"name" db:"name"`
	DeclaredType     ColumnKind `json:"declared_type" db:"declared_type"`
	Key              bool       `json:"key" db:"key"`
	NullRate         float64    `json:"null_rate" db:"null_rate"`
	TypeMismatchRate float64    `json:"type_mismatch_rate" db:"type_mismatch_rate"`
	CorruptValueRate float64    `json:"corrupt_value_rate" db:"corrupt_value_rate"`
	// ActualTypes is the inferred distribution of kinds that actually
	// parsed, keyed by kind. The declared schema label is never trusted.
	ActualTypes map[ColumnKind]int `json:"actual_types"`
	// DistinctValues counts distinct non-null values seen in the sample.
	DistinctValues int `json:"distinct_values" db:"distinct_values"`
	// OffendingSamples holds up to the configured cap of raw values that
	// failed every parse, for operator triage after a HALT.
	OffendingSamples []string `json:"offending_samples,omitempty"`
}

// ProfileReport is the immutable artifact emitted by the profiler and
// consumed by the cleaner as a machine-checked precondition.
type ProfileReport struct {
	RunID             string          `json:"run_id" db:"run_id"`
	TableName         string          `json:"table_name" db:"table_name"`
	RowsSampled       int             `json:"rows_sampled" db:"rows_sampled"`
	Seed              int64           `json:"seed" db:"seed"`
	Columns           []ColumnProfile `json:"per_column"`
	OverallConfidence float64         `json:"overall_confidence" db:"overall_confidence"`
	Verdict           Verdict         `json:"verdict" db:"verdict"`
	ProfiledAt        time.Time       `json:"profiled_at" db:"profiled_at"`
}

// Column returns the profile for the named column, or nil.
func (r ProfileReport) Column(name string) *ColumnProfile {
	for i := range r.Columns {
		if r.Columns[i].Name == name {
			return &r.Columns[i]
		}
	}
	return nil
}
