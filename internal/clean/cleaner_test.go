package clean

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sluicedev/sluice/internal/backup"
	"github.com/sluicedev/sluice/internal/errs"
	"github.com/sluicedev/sluice/internal/models"
	"github.com/sluicedev/sluice/internal/observability"
	"github.com/sluicedev/sluice/internal/storage"
	"github.com/sluicedev/sluice/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usersContract() models.Table {
	return models.Table{
		Name: "users",
		Columns: []models.Column{
			{Name: "id", DeclaredType: models.KindString, Key: true},
			{Name: "signup_date", DeclaredType: models.KindDate},
			{Name: "age", DeclaredType: models.KindInteger},
		},
	}
}

func engineWith(t *testing.T, rows []models.Row) *memstore.Engine {
	t.Helper()
	e := memstore.NewEngine()
	e.CreateTable(memstore.DefaultSchema, usersContract())
	require.NoError(t, e.Load(memstore.DefaultSchema, "users", rows))
	return e
}

func userRow(i int, date, age string) models.Row {
	id := fmt.Sprintf("u%04d", i)
	return models.Row{ID: id, Values: []models.Value{
		models.NewValue(id), models.NewValue(date), models.NewValue(age),
	}}
}

func snapshotFor(t *testing.T, src storage.Source) models.Snapshot {
	t.Helper()
	sum, rows, err := backup.Checksum(context.Background(), src)
	require.NoError(t, err)
	return models.Snapshot{ID: "snap", RunID: "run-1", TableName: "users", Checksum: sum, RowCount: rows}
}

func report(verdict models.Verdict) models.ProfileReport {
	return models.ProfileReport{RunID: "run-1", TableName: "users", Verdict: verdict}
}

func testCleaner() *Cleaner {
	return New(DefaultConfig(), observability.NewMetrics(), zerolog.Nop())
}

func TestDayFirstDatesAreCanonicalizedWithExactAuditTrail(t *testing.T) {
	rows := make([]models.Row, 1000)
	for i := range rows {
		date := "2024-01-15"
		if i < 50 {
			date = "15/01/2024"
		}
		rows[i] = userRow(i, date, "30")
	}
	e := engineWith(t, rows)
	src := e.Source("users")

	res, err := testCleaner().Clean(context.Background(), src, report(models.VerdictWarn), snapshotFor(t, src))
	require.NoError(t, err)

	assert.Len(t, res.Dataset.Rows, 1000)
	assert.Empty(t, res.DeadLetter)

	// Exactly one audit entry per converted cell, nothing else.
	require.Len(t, res.Trail, 50)
	for _, entry := range res.Trail {
		assert.Equal(t, models.OpCanonicalizeDate, entry.Op)
		assert.Equal(t, "signup_date", entry.Column)
		require.NotNil(t, entry.Before)
		require.NotNil(t, entry.After)
		assert.Equal(t, "15/01/2024", *entry.Before)
		assert.Equal(t, "2024-01-15", *entry.After)
		assert.Equal(t, "run-1", entry.RunID)
	}
}

func TestCleaningIsIdempotent(t *testing.T) {
	rows := make([]models.Row, 200)
	for i := range rows {
		date := "2024-01-15"
		if i%4 == 0 {
			date = "15/01/2024"
		}
		rows[i] = userRow(i, date, "007")
	}
	e := engineWith(t, rows)
	src := e.Source("users")

	first, err := testCleaner().Clean(context.Background(), src, report(models.VerdictPass), snapshotFor(t, src))
	require.NoError(t, err)
	assert.NotEmpty(t, first.Trail)

	// Re-clean the cleaned output: byte-for-byte identical, empty trail.
	e2 := engineWith(t, first.Dataset.Rows)
	src2 := e2.Source("users")

	second, err := testCleaner().Clean(context.Background(), src2, report(models.VerdictPass), snapshotFor(t, src2))
	require.NoError(t, err)

	assert.Empty(t, second.Trail)
	assert.Equal(t, first.Dataset.Checksum, second.Dataset.Checksum)
	assert.Equal(t, first.Dataset.Rows, second.Dataset.Rows)
}

func TestConservativeModeRejectsUnparsableCells(t *testing.T) {
	rows := []models.Row{
		userRow(0, "2024-01-15", "30"),
		userRow(1, "not-a-date", "30"),
		userRow(2, "2024-01-15", "30"),
	}
	e := engineWith(t, rows)
	src := e.Source("users")

	c := New(Config{DeadLetterThreshold: 0.5}, observability.NewMetrics(), zerolog.Nop())
	res, err := c.Clean(context.Background(), src, report(models.VerdictWarn), snapshotFor(t, src))
	require.NoError(t, err)

	assert.Len(t, res.Dataset.Rows, 2)
	require.Len(t, res.DeadLetter, 1)
	assert.Equal(t, "u0001", res.DeadLetter[0].ID)

	var rejects int
	for _, entry := range res.Trail {
		if entry.Op == models.OpReject {
			rejects++
			assert.Equal(t, "u0001", entry.RowID)
		}
	}
	assert.Equal(t, 1, rejects)
}

func TestPermissiveModeImputesDefaults(t *testing.T) {
	rows := []models.Row{
		userRow(0, "not-a-date", "thirty"),
		userRow(1, "2024-01-15", "30"),
	}
	e := engineWith(t, rows)
	src := e.Source("users")

	res, err := testCleaner().Clean(context.Background(), src, report(models.VerdictPass), snapshotFor(t, src))
	require.NoError(t, err)

	assert.Len(t, res.Dataset.Rows, 2)
	assert.Empty(t, res.DeadLetter)

	cleaned := res.Dataset.Rows[0]
	// An unparsable calendar value becomes NULL, never a guessed date.
	assert.False(t, cleaned.Values[1].Valid)
	assert.Equal(t, "0", cleaned.Values[2].Raw)

	var ops []models.TransformOp
	for _, entry := range res.Trail {
		ops = append(ops, entry.Op)
	}
	assert.ElementsMatch(t, []models.TransformOp{models.OpImputeDefault, models.OpImputeDefault}, ops)
}

func TestEmptyStringsNormalizeToNull(t *testing.T) {
	rows := []models.Row{
		{ID: "u0000", Values: []models.Value{models.NewValue("u0000"), models.NewValue(""), models.NewValue("  ")}},
	}
	e := engineWith(t, rows)
	src := e.Source("users")

	res, err := testCleaner().Clean(context.Background(), src, report(models.VerdictPass), snapshotFor(t, src))
	require.NoError(t, err)

	cleaned := res.Dataset.Rows[0]
	assert.False(t, cleaned.Values[1].Valid)
	assert.False(t, cleaned.Values[2].Valid)
	require.Len(t, res.Trail, 2)
	for _, entry := range res.Trail {
		assert.Equal(t, models.OpNormalizeNull, entry.Op)
		assert.Nil(t, entry.After)
	}
}

func TestDeadLetterRateEscalates(t *testing.T) {
	// 8 unparsable rows out of 100 exceeds the 5% threshold.
	rows := make([]models.Row, 100)
	for i := range rows {
		date := "2024-01-15"
		if i < 8 {
			date = "garbage"
		}
		rows[i] = userRow(i, date, "30")
	}
	e := engineWith(t, rows)
	src := e.Source("users")

	_, err := testCleaner().Clean(context.Background(), src, report(models.VerdictWarn), snapshotFor(t, src))
	require.Error(t, err)

	var quality *errs.DataQualityError
	require.ErrorAs(t, err, &quality)
	assert.InDelta(t, 0.08, quality.Rate, 1e-9)
}

func TestHaltVerdictRefusesToClean(t *testing.T) {
	e := engineWith(t, []models.Row{userRow(0, "2024-01-15", "30")})
	src := e.Source("users")

	_, err := testCleaner().Clean(context.Background(), src, report(models.VerdictHalt), snapshotFor(t, src))
	assert.ErrorContains(t, err, "HALT")
}

func TestSourceDriftAbortsBeforeCleaning(t *testing.T) {
	rows := []models.Row{userRow(0, "2024-01-15", "30")}
	e := engineWith(t, rows)
	src := e.Source("users")
	snap := snapshotFor(t, src)

	// A concurrent writer lands between snapshot and clean.
	require.NoError(t, e.Load(memstore.DefaultSchema, "users", []models.Row{userRow(1, "2024-01-16", "31")}))

	_, err := testCleaner().Clean(context.Background(), src, report(models.VerdictPass), snap)
	require.Error(t, err)

	var drift *errs.TransactionIntegrityError
	require.ErrorAs(t, err, &drift)
	assert.Equal(t, snap.Checksum, drift.Expected)
}
