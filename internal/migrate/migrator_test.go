package migrate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sluicedev/sluice/internal/checksum"
	"github.com/sluicedev/sluice/internal/errs"
	"github.com/sluicedev/sluice/internal/lease"
	"github.com/sluicedev/sluice/internal/metadata"
	"github.com/sluicedev/sluice/internal/models"
	"github.com/sluicedev/sluice/internal/observability"
	"github.com/sluicedev/sluice/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accountsContract() models.Table {
	return models.Table{
		Name: "accounts",
		Columns: []models.Column{
			{Name: "id", DeclaredType: models.KindString, Key: true},
			{Name: "owner", DeclaredType: models.KindString},
			{Name: "balance", DeclaredType: models.KindFloat},
		},
	}
}

func accountRows(n int) []models.Row {
	rows := make([]models.Row, n)
	for i := range rows {
		id := fmt.Sprintf("a%05d", i)
		rows[i] = models.Row{ID: id, Values: []models.Value{
			models.NewValue(id),
			models.NewValue(fmt.Sprintf("owner-%d", i)),
			models.NewValue(fmt.Sprintf("%d.5", 100+i%3)),
		}}
	}
	return rows
}

func dataset(rows []models.Row) *models.Dataset {
	return &models.Dataset{Table: accountsContract(), Rows: rows, Checksum: checksum.Dataset(rows)}
}

type harness struct {
	engine *memstore.Engine
	store  *metadata.MemStore
	m      *Migrator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	engine := memstore.NewEngine()
	store := metadata.NewMemStore()
	leases := lease.NewManager(store, []byte("test-key"), time.Hour)
	return &harness{
		engine: engine,
		store:  store,
		m:      New(cfg, engine, store, leases, observability.NewMetrics(), zerolog.Nop()),
	}
}

// seedBlue puts pre-migration data in the serving schema so tests can
// assert it survives rollbacks and is archived by cutover.
func (h *harness) seedBlue(t *testing.T, rows []models.Row) {
	t.Helper()
	h.engine.CreateTable("public", accountsContract())
	require.NoError(t, h.engine.Load("public", "accounts", rows))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 100
	return cfg
}

func TestMigrateCompletesThroughCutover(t *testing.T) {
	h := newHarness(t, testConfig())
	oldRows := accountRows(10)
	h.seedBlue(t, oldRows)

	ds := dataset(accountRows(1000))
	plan := h.m.NewPlan("run-11112222", "public", ds, 0.10)

	result, err := h.m.Migrate(context.Background(), ds, plan)
	require.NoError(t, err)

	assert.Equal(t, models.StatusComplete, result.Status)
	assert.Equal(t, int64(1000), result.RowsMigrated)

	// Serving schema now holds the migrated dataset.
	serving, err := h.engine.Snapshot("public")
	require.NoError(t, err)
	require.Len(t, serving, 1000)
	assert.Equal(t, ds.Checksum, checksum.Dataset(serving))

	// The displaced blue schema is archived intact and frozen.
	archived, err := h.engine.Snapshot(plan.ArchivedBlueSchema())
	require.NoError(t, err)
	assert.Equal(t, checksum.Dataset(oldRows), checksum.Dataset(archived))
	err = h.engine.WriteBatch(context.Background(), plan.ArchivedBlueSchema(), ds.Table, accountRows(1))
	assert.ErrorContains(t, err, "read-only")

	// The shadow schema name is free again.
	assert.False(t, h.engine.SchemaExists(plan.ShadowSchema()))
}

func TestChecksumGateRefusesStaleDataset(t *testing.T) {
	h := newHarness(t, testConfig())
	ds := dataset(accountRows(200))
	plan := h.m.NewPlan("run-11112222", "public", ds, 0.10)
	plan.SourceChecksum = "something-else"

	result, err := h.m.Migrate(context.Background(), ds, plan)
	require.Error(t, err)

	var vf *errs.ValidationFailure
	require.ErrorAs(t, err, &vf)
	assert.Equal(t, "input checksum", vf.Check)
	assert.Equal(t, models.StatusRolledBack, result.Status)
}

func TestNullKeyRollsBackWithBlueUntouched(t *testing.T) {
	h := newHarness(t, testConfig())
	oldRows := accountRows(10)
	h.seedBlue(t, oldRows)
	blueBefore := checksum.Dataset(oldRows)

	rows := accountRows(300)
	rows[17].Values[0] = models.Null()
	ds := dataset(rows)

	// Canary fraction 1.0 forces every row through canary validation.
	plan := h.m.NewPlan("run-33334444", "public", ds, 1.0)

	result, err := h.m.Migrate(context.Background(), ds, plan)
	require.Error(t, err)

	var vf *errs.ValidationFailure
	require.ErrorAs(t, err, &vf)
	assert.Equal(t, "referential integrity", vf.Check)
	assert.Equal(t, models.StatusRolledBack, result.Status)

	serving, snapErr := h.engine.Snapshot("public")
	require.NoError(t, snapErr)
	assert.Equal(t, blueBefore, checksum.Dataset(serving))
	assert.False(t, h.engine.SchemaExists(plan.ShadowSchema()))

	// The plan is discarded on rollback.
	assert.ErrorIs(t, h.store.UpdateCheckpoint(context.Background(), plan.RunID, models.StatusCutover), metadata.ErrNotFound)
}

func TestUnrepresentativeCanaryFailsAggregateCheck(t *testing.T) {
	// A tolerance this tight rejects any canary whose balance mean is not
	// exactly the dataset mean, which the stratified split never produces
	// on this fixture.
	cfg := testConfig()
	cfg.AggregateTolerance = 1e-12
	h := newHarness(t, cfg)
	oldRows := accountRows(10)
	h.seedBlue(t, oldRows)
	blueBefore := checksum.Dataset(oldRows)

	ds := dataset(accountRows(500))
	plan := h.m.NewPlan("run-12123434", "public", ds, 0.10)

	result, err := h.m.Migrate(context.Background(), ds, plan)
	require.Error(t, err)

	var vf *errs.ValidationFailure
	require.ErrorAs(t, err, &vf)
	assert.Equal(t, "aggregate spot check", vf.Check)
	assert.Equal(t, models.StatusRolledBack, result.Status)

	serving, snapErr := h.engine.Snapshot("public")
	require.NoError(t, snapErr)
	assert.Equal(t, blueBefore, checksum.Dataset(serving))
	assert.False(t, h.engine.SchemaExists(plan.ShadowSchema()))
}

func TestCorruptedWriteFailsBatchVerification(t *testing.T) {
	h := newHarness(t, testConfig())
	h.engine.ReadBackMutator = func(r models.Row) models.Row {
		if r.ID == "a00042" {
			mutated := models.Row{ID: r.ID, Values: make([]models.Value, len(r.Values))}
			copy(mutated.Values, r.Values)
			mutated.Values[2] = models.NewValue("999999.99")
			return mutated
		}
		return r
	}

	ds := dataset(accountRows(300))
	plan := h.m.NewPlan("run-55556666", "public", ds, 0.10)

	result, err := h.m.Migrate(context.Background(), ds, plan)
	require.Error(t, err)

	var vf *errs.ValidationFailure
	require.ErrorAs(t, err, &vf)
	assert.Equal(t, "batch checksum", vf.Check)
	assert.Equal(t, models.StatusRolledBack, result.Status)
}

func TestHeldLeaseExcludesSecondMigrator(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.store.InsertLease(context.Background(), models.SchemaLease{
		ID: "l1", TableName: "accounts", RunID: "other-run", ExpiresAt: time.Now().Add(time.Hour),
	}))

	ds := dataset(accountRows(200))
	plan := h.m.NewPlan("run-77778888", "public", ds, 0.10)

	result, err := h.m.Migrate(context.Background(), ds, plan)
	require.Error(t, err)

	var op *errs.OperationalError
	require.ErrorAs(t, err, &op)
	assert.Equal(t, models.StatusRolledBack, result.Status)
}

func TestForceOverridesHeldLease(t *testing.T) {
	cfg := testConfig()
	cfg.Force = true
	h := newHarness(t, cfg)
	require.NoError(t, h.store.InsertLease(context.Background(), models.SchemaLease{
		ID: "l1", TableName: "accounts", RunID: "crashed-run", ExpiresAt: time.Now().Add(time.Hour),
	}))

	ds := dataset(accountRows(200))
	plan := h.m.NewPlan("run-99990000", "public", ds, 0.10)

	result, err := h.m.Migrate(context.Background(), ds, plan)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, result.Status)
}

func TestCancellationRollsBackBeforeCutover(t *testing.T) {
	h := newHarness(t, testConfig())
	oldRows := accountRows(5)
	h.seedBlue(t, oldRows)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ds := dataset(accountRows(200))
	plan := h.m.NewPlan("run-aaaabbbb", "public", ds, 0.10)

	result, err := h.m.Migrate(ctx, ds, plan)
	require.Error(t, err)
	assert.Equal(t, models.StatusRolledBack, result.Status)

	serving, snapErr := h.engine.Snapshot("public")
	require.NoError(t, snapErr)
	assert.Equal(t, checksum.Dataset(oldRows), checksum.Dataset(serving))
}

// cutoverCanceller cancels the run's context the moment the swap begins,
// simulating an operator interrupt landing mid-cutover.
type cutoverCanceller struct {
	*memstore.Engine
	cancel    context.CancelFunc
	swapCtxOK bool
}

func (c *cutoverCanceller) SwapSchemas(ctx context.Context, blue, green, oldName string) error {
	c.cancel()
	c.swapCtxOK = ctx.Err() == nil
	return c.Engine.SwapSchemas(ctx, blue, green, oldName)
}

func TestCutoverCompletesDespiteCancellation(t *testing.T) {
	engine := memstore.NewEngine()
	store := metadata.NewMemStore()
	leases := lease.NewManager(store, []byte("test-key"), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	target := &cutoverCanceller{Engine: engine, cancel: cancel}
	m := New(testConfig(), target, store, leases, observability.NewMetrics(), zerolog.Nop())

	oldRows := accountRows(10)
	engine.CreateTable("public", accountsContract())
	require.NoError(t, engine.Load("public", "accounts", oldRows))

	ds := dataset(accountRows(300))
	plan := m.NewPlan("run-eeeeffff", "public", ds, 0.10)

	result, err := m.Migrate(ctx, ds, plan)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, result.Status)

	// The swap saw an uncancellable context and ran to completion.
	assert.True(t, target.swapCtxOK)
	serving, snapErr := engine.Snapshot("public")
	require.NoError(t, snapErr)
	assert.Equal(t, ds.Checksum, checksum.Dataset(serving))
	assert.False(t, engine.SchemaExists(plan.ShadowSchema()))
}

func TestRetireRespectsRetentionWindow(t *testing.T) {
	h := newHarness(t, testConfig())
	plan := h.m.NewPlan("run-ccccdddd", "public", dataset(accountRows(10)), 0.10)

	err := h.m.Retire(context.Background(), plan)
	require.Error(t, err)
	assert.ErrorContains(t, err, "retention window open")

	plan.RetentionUntil = time.Now().Add(-time.Minute)
	assert.NoError(t, h.m.Retire(context.Background(), plan))
}

func TestSplitCanaryIsAPartition(t *testing.T) {
	ds := dataset(accountRows(500))

	canary, rest := splitCanary(ds, 0.10)
	assert.Len(t, canary, 50)
	assert.Len(t, rest, 450)

	seen := map[string]int{}
	for _, r := range canary {
		seen[r.ID]++
	}
	for _, r := range rest {
		seen[r.ID]++
	}
	assert.Len(t, seen, 500)
	for id, n := range seen {
		assert.Equal(t, 1, n, "row %s appears %d times", id, n)
	}
}

func TestSplitCanaryEdgeFractions(t *testing.T) {
	ds := dataset(accountRows(20))

	canary, rest := splitCanary(ds, 0)
	assert.Empty(t, canary)
	assert.Len(t, rest, 20)

	canary, rest = splitCanary(ds, 1.0)
	assert.Len(t, canary, 20)
	assert.Empty(t, rest)
}

func TestSplitCanaryIsDeterministic(t *testing.T) {
	ds := dataset(accountRows(300))

	first, _ := splitCanary(ds, 0.25)
	second, _ := splitCanary(ds, 0.25)
	assert.Equal(t, first, second)
}
