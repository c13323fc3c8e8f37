package models

import "time"

// Snapshot is the pre-migration checksummed record of the source table,
// taken before the cleaner mutates anything. The cleaner and migrator
// compare against it to detect concurrent writers.
type Snapshot struct {
	ID        string    `json:"id" db:"id"`
	RunID     string    `json:"run_id" db:"run_id"`
	TableName string    `json:"table_name" db:"table_name"`
	Checksum  string    `json:"checksum" db:"checksum"`
	RowCount  int64     `json:"row_count" db:"row_count"`
	TakenAt   time.Time `json:"taken_at" db:"taken_at"`
}

// SchemaLease grants one migrator exclusive use of a table's shadow schema.
// Token is an HS256-signed claim set; release requires presenting it.
type SchemaLease struct {
	ID        string    `json:"id" db:"id"`
	TableName string    `json:"table_name" db:"table_name"`
	RunID     string    `json:"run_id" db:"run_id"`
	Token     string    `json:"token" db:"token"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (l SchemaLease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
