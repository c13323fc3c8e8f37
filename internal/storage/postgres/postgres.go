// Package postgres implements the storage contracts on PostgreSQL via
// database/sql and lib/pq. Rows are keyed by the table's `id` column and
// transferred as text; the shadow schema carries typed columns derived
// from the contract.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sluicedev/sluice/internal/models"
	"github.com/sluicedev/sluice/internal/storage"
)

type opener struct{}

func (opener) OpenSource(ctx context.Context, dsn, table string) (storage.Source, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open source database")
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, "ping source database")
	}
	return &Source{db: db, schema: "public", table: table}, nil
}

func (opener) OpenTarget(ctx context.Context, dsn string) (storage.Target, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open target database")
	}
	return &Target{db: db}, nil
}

func init() {
	storage.Register("postgres", opener{})
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func kindForDataType(dataType string) models.ColumnKind {
	switch strings.ToLower(dataType) {
	case "smallint", "integer", "bigint":
		return models.KindInteger
	case "real", "double precision", "numeric", "decimal":
		return models.KindFloat
	case "boolean":
		return models.KindBoolean
	case "date":
		return models.KindDate
	case "timestamp without time zone", "timestamp with time zone":
		return models.KindTimestamp
	default:
		return models.KindString
	}
}

func sqlTypeForKind(kind models.ColumnKind) string {
	// The shadow schema stores cleaned values as text alongside the typed
	// declaration; cleaned canonical forms always cast losslessly.
	switch kind {
	case models.KindInteger:
		return "BIGINT"
	case models.KindFloat:
		return "DOUBLE PRECISION"
	case models.KindBoolean:
		return "BOOLEAN"
	case models.KindDate:
		return "DATE"
	case models.KindTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// Source reads one table, always ordered by id so sampling positions and
// scans are stable across calls.
type Source struct {
	db     *sql.DB
	schema string
	table  string
}

func (s *Source) Contract(ctx context.Context) (models.Table, error) {
	const colQuery = `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position;
	`
	rows, err := s.db.QueryContext(ctx, colQuery, s.schema, s.table)
	if err != nil {
		return models.Table{}, errors.Wrap(err, "query column metadata")
	}
	defer rows.Close()

	table := models.Table{Name: s.table}
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return models.Table{}, errors.Wrap(err, "scan column metadata")
		}
		table.Columns = append(table.Columns, models.Column{
			Name:         name,
			DeclaredType: kindForDataType(dataType),
		})
	}
	if err := rows.Err(); err != nil {
		return models.Table{}, err
	}
	if len(table.Columns) == 0 {
		return models.Table{}, fmt.Errorf("table %s.%s not found or has no columns", s.schema, s.table)
	}

	const keyQuery = `
		SELECT DISTINCT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = $1 AND tc.table_name = $2
		  AND tc.constraint_type IN ('PRIMARY KEY', 'FOREIGN KEY');
	`
	keyRows, err := s.db.QueryContext(ctx, keyQuery, s.schema, s.table)
	if err != nil {
		return models.Table{}, errors.Wrap(err, "query key columns")
	}
	defer keyRows.Close()

	keys := map[string]bool{}
	for keyRows.Next() {
		var name string
		if err := keyRows.Scan(&name); err != nil {
			return models.Table{}, errors.Wrap(err, "scan key column")
		}
		keys[name] = true
	}
	if err := keyRows.Err(); err != nil {
		return models.Table{}, err
	}
	for i := range table.Columns {
		table.Columns[i].Key = keys[table.Columns[i].Name]
	}
	return table, nil
}

func (s *Source) RowCount(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s.%s;`, quoteIdent(s.schema), quoteIdent(s.table))
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count source rows")
	}
	return n, nil
}

func (s *Source) selectList(contract models.Table) string {
	parts := make([]string, 0, len(contract.Columns))
	for _, c := range contract.Columns {
		parts = append(parts, quoteIdent(c.Name)+"::text")
	}
	return strings.Join(parts, ", ")
}

func scanRow(rows *sql.Rows, width int) (models.Row, error) {
	var r models.Row
	cells := make([]sql.NullString, width)
	dest := make([]interface{}, 0, width+1)
	dest = append(dest, &r.ID)
	for i := range cells {
		dest = append(dest, &cells[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return r, err
	}
	r.Values = make([]models.Value, width)
	for i, c := range cells {
		if c.Valid {
			r.Values[i] = models.NewValue(c.String)
		}
	}
	return r, nil
}

func (s *Source) SampleRows(ctx context.Context, positions []int64) ([]models.Row, error) {
	contract, err := s.Contract(ctx)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		WITH ordered AS (
			SELECT id::text AS row_id, %s,
			       ROW_NUMBER() OVER (ORDER BY id) - 1 AS pos
			FROM %s.%s
		)
		SELECT * FROM ordered WHERE pos = ANY($1) ORDER BY pos;
	`, s.selectList(contract), quoteIdent(s.schema), quoteIdent(s.table))

	rows, err := s.db.QueryContext(ctx, query, pq.Array(positions))
	if err != nil {
		return nil, errors.Wrap(err, "sample source rows")
	}
	defer rows.Close()

	var out []models.Row
	for rows.Next() {
		var pos int64
		r := models.Row{}
		cells := make([]sql.NullString, len(contract.Columns))
		dest := make([]interface{}, 0, len(cells)+2)
		dest = append(dest, &r.ID)
		for i := range cells {
			dest = append(dest, &cells[i])
		}
		dest = append(dest, &pos)
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrap(err, "scan sampled row")
		}
		r.Values = make([]models.Value, len(cells))
		for i, c := range cells {
			if c.Valid {
				r.Values[i] = models.NewValue(c.String)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Source) ScanAll(ctx context.Context, fn func(models.Row) error) error {
	contract, err := s.Contract(ctx)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`SELECT id::text, %s FROM %s.%s ORDER BY id;`,
		s.selectList(contract), quoteIdent(s.schema), quoteIdent(s.table))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return errors.Wrap(err, "scan source table")
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRow(rows, len(contract.Columns))
		if err != nil {
			return errors.Wrap(err, "scan source row")
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Target writes into named schemas and performs the blue-green swap.
type Target struct {
	db *sql.DB
}

func (t *Target) Ping(ctx context.Context) error {
	return t.db.PingContext(ctx)
}

func (t *Target) EnsureShadowSchema(ctx context.Context, schema string, contract models.Table) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin shadow schema transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, quoteIdent(schema))); err != nil {
		return errors.Wrapf(err, "create schema %s", schema)
	}

	cols := []string{`id TEXT PRIMARY KEY`}
	for _, c := range contract.Columns {
		if c.Name == "id" {
			continue
		}
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(c.Name), sqlTypeForKind(c.DeclaredType)))
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (%s);`,
		quoteIdent(schema), quoteIdent(contract.Name), strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return errors.Wrapf(err, "create shadow table %s.%s", schema, contract.Name)
	}
	return tx.Commit()
}

func (t *Target) WriteBatch(ctx context.Context, schema string, contract models.Table, batch []models.Row) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin batch transaction")
	}
	defer tx.Rollback()

	colNames := []string{"id"}
	for _, c := range contract.Columns {
		if c.Name == "id" {
			continue
		}
		colNames = append(colNames, c.Name)
	}
	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema(schema, contract.Name, colNames...))
	if err != nil {
		return errors.Wrap(err, "prepare batch copy")
	}

	for _, r := range batch {
		args := make([]interface{}, 0, len(colNames))
		args = append(args, r.ID)
		for i, c := range contract.Columns {
			if c.Name == "id" {
				continue
			}
			if r.Values[i].Valid {
				args = append(args, r.Values[i].Raw)
			} else {
				args = append(args, nil)
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			stmt.Close()
			return errors.Wrapf(err, "copy row %s", r.ID)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return errors.Wrap(err, "flush batch copy")
	}
	if err := stmt.Close(); err != nil {
		return errors.Wrap(err, "close batch copy")
	}
	return tx.Commit()
}

func (t *Target) ReadBatch(ctx context.Context, schema string, contract models.Table, ids []string) ([]models.Row, error) {
	parts := make([]string, 0, len(contract.Columns))
	for _, c := range contract.Columns {
		parts = append(parts, quoteIdent(c.Name)+"::text")
	}
	query := fmt.Sprintf(`SELECT id::text, %s FROM %s.%s WHERE id = ANY($1) ORDER BY id;`,
		strings.Join(parts, ", "), quoteIdent(schema), quoteIdent(contract.Name))

	rows, err := t.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, errors.Wrap(err, "read back batch")
	}
	defer rows.Close()

	var out []models.Row
	for rows.Next() {
		r, err := scanRow(rows, len(contract.Columns))
		if err != nil {
			return nil, errors.Wrap(err, "scan read-back row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *Target) CountRows(ctx context.Context, schema string) (int64, error) {
	const tableQuery = `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 LIMIT 1;
	`
	var table string
	if err := t.db.QueryRowContext(ctx, tableQuery, schema).Scan(&table); err != nil {
		return 0, errors.Wrapf(err, "locate table in schema %s", schema)
	}
	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s.%s;`, quoteIdent(schema), quoteIdent(table))
	if err := t.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count rows in schema %s", schema)
	}
	return n, nil
}

// SwapSchemas performs the atomic blue-green rename pair inside a single
// transaction. This is the only moment the serving schema is touched.
func (t *Target) SwapSchemas(ctx context.Context, blue, green, oldName string) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin cutover transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1));`, blue); err != nil {
		return errors.Wrap(err, "acquire cutover lock")
	}
	// A first migration may find no serving schema on the target; archive
	// an empty blue in that case, matching the in-memory engine.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, quoteIdent(blue))); err != nil {
		return errors.Wrapf(err, "ensure serving schema %s", blue)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER SCHEMA %s RENAME TO %s;`, quoteIdent(blue), quoteIdent(oldName))); err != nil {
		return errors.Wrapf(err, "rename serving schema %s", blue)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER SCHEMA %s RENAME TO %s;`, quoteIdent(green), quoteIdent(blue))); err != nil {
		return errors.Wrapf(err, "promote shadow schema %s", green)
	}
	return tx.Commit()
}

func (t *Target) DropSchema(ctx context.Context, schema string) error {
	query := fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE;`, quoteIdent(schema))
	_, err := t.db.ExecContext(ctx, query)
	return errors.Wrapf(err, "drop schema %s", schema)
}

func (t *Target) SetReadOnly(ctx context.Context, schema string) error {
	query := fmt.Sprintf(`REVOKE INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA %s FROM PUBLIC;`, quoteIdent(schema))
	_, err := t.db.ExecContext(ctx, query)
	return errors.Wrapf(err, "freeze schema %s", schema)
}

var _ storage.Source = (*Source)(nil)
var _ storage.Target = (*Target)(nil)
