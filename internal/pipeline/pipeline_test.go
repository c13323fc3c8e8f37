package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sluicedev/sluice/internal/config"
	"github.com/sluicedev/sluice/internal/errs"
	"github.com/sluicedev/sluice/internal/metadata"
	"github.com/sluicedev/sluice/internal/models"
	"github.com/sluicedev/sluice/internal/observability"
	"github.com/sluicedev/sluice/internal/parse"
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

// seedSource loads n user rows where the first dayFirst have recoverable
// day-first dates and the next corrupt have unparsable ones.
func seedSource(t *testing.T, n, dayFirst, corrupt int) *memstore.Engine {
	t.Helper()
	e := memstore.NewEngine()
	e.CreateTable(memstore.DefaultSchema, usersContract())

	rows := make([]models.Row, n)
	for i := range rows {
		date := "2024-01-15"
		if i < dayFirst {
			date = "15/01/2024"
		} else if i < dayFirst+corrupt {
			date = "not-a-date"
		}
		id := fmt.Sprintf("u%04d", i)
		rows[i] = models.Row{ID: id, Values: []models.Value{
			models.NewValue(id), models.NewValue(date), models.NewValue("30"),
		}}
	}
	require.NoError(t, e.Load(memstore.DefaultSchema, "users", rows))
	return e
}

func testPipeline(store metadata.Store) *Pipeline {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	return New(cfg, store, observability.NewMetrics(), zerolog.Nop(), false)
}

func TestCleanSourceMigratesEndToEnd(t *testing.T) {
	src := seedSource(t, 200, 0, 0)
	target := memstore.NewEngine()
	store := metadata.NewMemStore()

	result, err := testPipeline(store).Run(context.Background(), src.Source("users"), target)
	require.NoError(t, err)

	assert.Equal(t, models.StatusComplete, result.Status)
	assert.Equal(t, int64(200), result.RowsMigrated)
	assert.Equal(t, 0, ExitCode(err))

	serving, err := target.Snapshot("public")
	require.NoError(t, err)
	assert.Len(t, serving, 200)
}

func TestRecoverableDatesAreCanonicalizedBeforeMigration(t *testing.T) {
	src := seedSource(t, 200, 10, 0)
	target := memstore.NewEngine()
	store := metadata.NewMemStore()

	result, err := testPipeline(store).Run(context.Background(), src.Source("users"), target)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, result.Status)

	serving, err := target.Snapshot("public")
	require.NoError(t, err)
	dateIdx := usersContract().ColumnIndex("signup_date")
	require.GreaterOrEqual(t, dateIdx, 0)
	for _, row := range serving {
		date := row.Values[dateIdx]
		require.True(t, date.Valid)
		assert.True(t, parse.Fits(models.KindDate, date.Raw), "date %q not canonical", date.Raw)
	}
}

func TestCircuitBreakerHaltsBeforeAnyMutation(t *testing.T) {
	src := seedSource(t, 200, 0, 60)
	target := memstore.NewEngine()
	store := metadata.NewMemStore()

	_, err := testPipeline(store).Run(context.Background(), src.Source("users"), target)
	require.Error(t, err)

	var quality *errs.DataQualityError
	require.ErrorAs(t, err, &quality)
	assert.Equal(t, "signup_date", quality.Column)
	assert.Equal(t, 1, ExitCode(err))

	// The migrator never ran: no shadow schema was ever created.
	assert.False(t, target.SchemaExists("public"))
	assert.False(t, target.SchemaExists("public_green"))
}

func TestProfileReportIsPersistedEvenOnHalt(t *testing.T) {
	src := seedSource(t, 200, 0, 60)
	store := metadata.NewMemStore()

	_, err := testPipeline(store).Run(context.Background(), src.Source("users"), memstore.NewEngine())
	require.Error(t, err)

	// The snapshot recorder ran before the breaker tripped.
	snap, err := store.LatestSnapshot(context.Background(), "users")
	require.NoError(t, err)
	assert.Equal(t, int64(200), snap.RowCount)
	assert.NotEmpty(t, snap.Checksum)
}

func TestExitCodeMapsFailureTaxonomy(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(&errs.DataQualityError{TableName: "users", Column: "signup_date"}))
	assert.Equal(t, 2, ExitCode(&errs.ValidationFailure{Stage: "CANARY_VALIDATED", Check: "row count"}))
	assert.Equal(t, 3, ExitCode(&errs.OperationalError{Op: "ping", Err: errors.New("refused")}))
	assert.Equal(t, 3, ExitCode(errors.New("anything else")))

	// Wrapped errors still map by type.
	wrapped := &errs.OperationalError{Op: "clean", Err: &errs.DataQualityError{TableName: "users"}}
	assert.Equal(t, 1, ExitCode(wrapped))
}
