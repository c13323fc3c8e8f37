package models

import "time"

// TransformOp identifies the cleaning rule that mutated a cell.
type TransformOp string

const (
	OpCoerceType       TransformOp = "coerce_type"
	OpNormalizeNull    TransformOp = "normalize_null"
	OpCanonicalizeDate TransformOp = "canonicalize_date"
	OpImputeDefault    TransformOp = "impute_default"
	OpReject           TransformOp = "reject"
)

// Transformation is one append-only audit record: a single mutated cell
// (or a rejected row, for OpReject) with its before/after values.
type Transformation struct {
	ID        string      `json:"id" db:"id"`
	RunID     string      `json:"run_id" db:"run_id"`
	RowID     string      `json:"row_id" db:"row_id"`
	Column    string      `json:"column" db:"column_name"`
	Op        TransformOp `json:"operation" db:"operation"`
	Before    *string     `json:"before_value" db:"before_value"`
	After     *string     `json:"after_value" db:"after_value"`
	AppliedAt time.Time   `json:"timestamp" db:"applied_at"`
}
