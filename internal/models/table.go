package models

import "fmt"

// ColumnKind is the declared (or inferred) logical type of a column.
type ColumnKind string

const (
	KindString    ColumnKind = "string"
	KindInteger   ColumnKind = "integer"
	KindFloat     ColumnKind = "float"
	KindBoolean   ColumnKind = "boolean"
	KindDate      ColumnKind = "date"
	KindTimestamp ColumnKind = "timestamp"
)

// IsDateLike reports whether the kind carries calendar semantics.
func (k ColumnKind) IsDateLike() bool {
	return k == KindDate || k == KindTimestamp
}

// IsNumeric reports whether the kind is integer or float.
func (k ColumnKind) IsNumeric() bool {
	return k == KindInteger || k == KindFloat
}

// Column describes one column of a source table contract.
type Column struct {
	Name         string     `json:"name" db:"name"`
	DeclaredType ColumnKind `json:"declared_type" db:"declared_type"`
	// Key marks primary/foreign key columns. Key columns get double weight
	// in the profiler confidence score and drive canary stratification.
	Key bool `json:"key" db:"key"`
}

// Table is the declared per-entity contract rows are validated against.
type Table struct {
	Name    string   `json:"name" db:"name"`
	Columns []Column `json:"columns"`
}

// ColumnIndex returns the positional index of the named column, or -1.
func (t Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Value is a single cell. NULL is represented by Valid=false.
type Value struct {
	Valid bool   `json:"valid"`
	Raw   string `json:"raw"`
}

// Null returns the NULL cell value.
func Null() Value { return Value{} }

// NewValue returns a non-null cell holding raw.
func NewValue(raw string) Value { return Value{Valid: true, Raw: raw} }

// Row is one record, positional with Table.Columns.
type Row struct {
	ID     string  `json:"id"`
	Values []Value `json:"values"`
}

// Validate checks that a row matches the table contract arity.
func (t Table) Validate(r Row) error {
	if len(r.Values) != len(t.Columns) {
		return fmt.Errorf("row %s has %d values, contract %s declares %d columns",
			r.ID, len(r.Values), t.Name, len(t.Columns))
	}
	return nil
}
