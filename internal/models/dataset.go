package models

// Dataset is a fully materialized, cleaned table: the cleaner's output
// artifact and the migrator's input. Checksum is the order-insensitive
// dataset digest recorded when the cleaning transaction committed.
type Dataset struct {
	Table    Table  `json:"table"`
	Rows     []Row  `json:"rows"`
	Checksum string `json:"checksum"`
}

// RowCount returns the number of rows in the dataset.
func (d *Dataset) RowCount() int64 { return int64(len(d.Rows)) }
