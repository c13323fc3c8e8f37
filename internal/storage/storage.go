// Package storage defines the engine-neutral source and target contracts
// the pipeline runs against. Implementations live in subpackages; callers
// go through Open so the pipeline never depends on a concrete engine.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/sluicedev/sluice/internal/models"
)

// Source is a read-only view of the table being migrated. The profiler and
// cleaner both open the source read-only; neither ever writes to it.
type Source interface {
	// Contract returns the declared per-entity column contract.
	Contract(ctx context.Context) (models.Table, error)

	// RowCount returns the total number of rows.
	RowCount(ctx context.Context) (int64, error)

	// SampleRows returns the rows at the given zero-based positions in the
	// source's stable iteration order. Positions must be distinct.
	SampleRows(ctx context.Context, positions []int64) ([]models.Row, error)

	// ScanAll streams every row in stable order. Returning an error from
	// fn stops the scan and surfaces that error.
	ScanAll(ctx context.Context, fn func(models.Row) error) error
}

// Aggregate summarizes one numeric column for validation spot checks.
type Aggregate struct {
	NonNull int64
	Sum     float64
}

// Mean returns Sum/NonNull, or 0 for an empty aggregate.
func (a Aggregate) Mean() float64 {
	if a.NonNull == 0 {
		return 0
	}
	return a.Sum / float64(a.NonNull)
}

// Target is the destination engine. All writes land in a named schema; the
// serving (blue) schema is only ever touched by SwapSchemas.
type Target interface {
	// Ping verifies reachability.
	Ping(ctx context.Context) error

	// EnsureShadowSchema creates the additive green schema and its table.
	// It must not touch any other schema.
	EnsureShadowSchema(ctx context.Context, schema string, contract models.Table) error

	// WriteBatch inserts rows into the schema's table.
	WriteBatch(ctx context.Context, schema string, contract models.Table, rows []models.Row) error

	// ReadBatch returns the stored rows for the given row IDs, for
	// write-and-verify round trips. Missing IDs are simply absent.
	ReadBatch(ctx context.Context, schema string, contract models.Table, ids []string) ([]models.Row, error)

	// CountRows returns the row count of the schema's table.
	CountRows(ctx context.Context, schema string) (int64, error)

	// SwapSchemas atomically renames green over blue, directing traffic to
	// the migrated data. The displaced blue schema survives under oldName.
	SwapSchemas(ctx context.Context, blue, green, oldName string) error

	// DropSchema removes a schema and its contents.
	DropSchema(ctx context.Context, schema string) error

	// SetReadOnly freezes a schema for the retention window.
	SetReadOnly(ctx context.Context, schema string) error
}

// Opener constructs a source or target from a DSN. Engines register by
// scheme; postgres:// and mem:// ship in this repo.
type Opener interface {
	OpenSource(ctx context.Context, dsn, table string) (Source, error)
	OpenTarget(ctx context.Context, dsn string) (Target, error)
}

var openers = map[string]Opener{}

// Register installs an Opener for a DSN scheme. Called from engine
// package init functions.
func Register(scheme string, o Opener) {
	openers[scheme] = o
}

func openerFor(dsn string) (Opener, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN %q: %w", dsn, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "postgresql" {
		scheme = "postgres"
	}
	o, ok := openers[scheme]
	if !ok {
		return nil, fmt.Errorf("no storage engine registered for scheme %q", u.Scheme)
	}
	return o, nil
}

// OpenSource opens a read-only source for the named table.
func OpenSource(ctx context.Context, dsn, table string) (Source, error) {
	o, err := openerFor(dsn)
	if err != nil {
		return nil, err
	}
	return o.OpenSource(ctx, dsn, table)
}

// OpenTarget opens a target engine.
func OpenTarget(ctx context.Context, dsn string) (Target, error) {
	o, err := openerFor(dsn)
	if err != nil {
		return nil, err
	}
	return o.OpenTarget(ctx, dsn)
}
