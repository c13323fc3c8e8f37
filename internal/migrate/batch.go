package migrate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sluicedev/sluice/internal/checksum"
	"github.com/sluicedev/sluice/internal/errs"
	"github.com/sluicedev/sluice/internal/models"
	"github.com/sluicedev/sluice/internal/parse"
	"github.com/sluicedev/sluice/internal/storage"
)

// transfer moves rows sequentially in batches, verifying each batch
// before it counts. Used for the canary stage.
func (m *Migrator) transfer(ctx context.Context, table models.Table, schema string, rows []models.Row) (int64, error) {
	var migrated int64
	for _, batch := range splitBatches(rows, m.cfg.BatchSize) {
		if err := ctx.Err(); err != nil {
			return migrated, err
		}
		if err := m.writeAndVerify(ctx, table, schema, batch); err != nil {
			return migrated, err
		}
		migrated += int64(len(batch))
	}
	return migrated, nil
}

// transferParallel fans batches out across the configured worker count.
// Each worker owns disjoint batches as independent transactions; batch
// order is irrelevant because the dataset checksum is order-insensitive.
// Cancellation is cooperative: in-flight batches finish, no new batch
// starts once the context is done.
func (m *Migrator) transferParallel(ctx context.Context, table models.Table, schema string, rows []models.Row) (int64, error) {
	batches := splitBatches(rows, m.cfg.BatchSize)
	if len(batches) == 0 {
		return 0, nil
	}

	var migrated atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)

	for _, batch := range batches {
		batch := batch
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := m.writeAndVerify(gctx, table, schema, batch); err != nil {
				return err
			}
			migrated.Add(int64(len(batch)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return migrated.Load(), err
	}
	if err := ctx.Err(); err != nil {
		return migrated.Load(), err
	}
	return migrated.Load(), nil
}

// writeAndVerify is one batch round trip: write, read back, compare
// order-insensitive checksums. A batch only counts once verified.
func (m *Migrator) writeAndVerify(ctx context.Context, table models.Table, schema string, batch []models.Row) error {
	batchID := newBatchID()
	started := time.Now()

	if err := m.target.WriteBatch(ctx, schema, table, batch); err != nil {
		return &errs.OperationalError{Op: "write batch " + batchID, Err: err}
	}

	ids := make([]string, len(batch))
	for i, r := range batch {
		ids[i] = r.ID
	}
	stored, err := m.target.ReadBatch(ctx, schema, table, ids)
	if err != nil {
		return &errs.OperationalError{Op: "read back batch " + batchID, Err: err}
	}

	want := canonicalChecksum(table, batch)
	got := canonicalChecksum(table, stored)
	if want != got {
		return &errs.ValidationFailure{
			Stage:  string(models.StatusFullMigration),
			Check:  "batch checksum",
			Detail: fmt.Sprintf("batch %s wrote checksum %s, read back %s (%d rows)", batchID, want, got, len(batch)),
		}
	}

	m.metrics.BatchDuration.WithLabelValues(table.Name).Observe(time.Since(started).Seconds())
	m.metrics.RowsProcessed.WithLabelValues("migrate", table.Name).Add(float64(len(batch)))
	return nil
}

func splitBatches(rows []models.Row, size int) [][]models.Row {
	if size <= 0 {
		size = 1
	}
	var batches [][]models.Row
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		batches = append(batches, rows[start:end])
	}
	return batches
}

// canonicalChecksum hashes rows after canonicalizing each cell for its
// column kind, so the comparison is independent of how the target engine
// renders stored values as text.
func canonicalChecksum(table models.Table, rows []models.Row) string {
	var acc checksum.Accumulator
	for _, r := range rows {
		cr := models.Row{ID: r.ID, Values: make([]models.Value, len(r.Values))}
		for i, v := range r.Values {
			if !v.Valid {
				continue
			}
			if s, ok := parse.CanonicalValue(table.Columns[i].DeclaredType, v.Raw); ok {
				cr.Values[i] = models.NewValue(s)
			} else {
				cr.Values[i] = v
			}
		}
		acc.Add(cr)
	}
	return acc.Sum()
}

// aggregateColumn sums a numeric column over rows, skipping NULLs and
// values that fail to parse.
func aggregateColumn(rows []models.Row, idx int) storage.Aggregate {
	var agg storage.Aggregate
	for _, r := range rows {
		v := r.Values[idx]
		if !v.Valid {
			continue
		}
		f, ok := parse.Float(v.Raw)
		if !ok {
			continue
		}
		agg.NonNull++
		agg.Sum += f
	}
	return agg
}
