package migrate

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/sluicedev/sluice/internal/errs"
	"github.com/sluicedev/sluice/internal/models"
)

const strataCount = 16

// splitCanary partitions the dataset into a stratified canary sample and
// the remainder. Strata are keyed by a hash of the key-column values —
// the same columns the profiler weighted as critical — so the canary
// surfaces edge cases a purely random sample could miss.
func splitCanary(ds *models.Dataset, fraction float64) (canary, rest []models.Row) {
	want := int(math.Ceil(fraction * float64(len(ds.Rows))))
	if want <= 0 {
		return nil, ds.Rows
	}
	if want >= len(ds.Rows) {
		return ds.Rows, nil
	}

	keyIdx := keyColumnIndices(ds.Table)
	strata := make([][]int, strataCount)
	for i, row := range ds.Rows {
		s := stratumOf(row, keyIdx)
		strata[s] = append(strata[s], i)
	}

	picked := make(map[int]bool, want)
	// Round-robin across strata so every stratum is represented in
	// proportion before any is exhausted.
	for cursor := 0; len(picked) < want; cursor++ {
		progressed := false
		for _, stratum := range strata {
			if cursor < len(stratum) {
				progressed = true
				picked[stratum[cursor]] = true
				if len(picked) == want {
					break
				}
			}
		}
		if !progressed {
			break
		}
	}

	canary = make([]models.Row, 0, want)
	rest = make([]models.Row, 0, len(ds.Rows)-want)
	for i, row := range ds.Rows {
		if picked[i] {
			canary = append(canary, row)
		} else {
			rest = append(rest, row)
		}
	}
	return canary, rest
}

func keyColumnIndices(table models.Table) []int {
	var idx []int
	for i, c := range table.Columns {
		if c.Key {
			idx = append(idx, i)
		}
	}
	return idx
}

func stratumOf(row models.Row, keyIdx []int) int {
	h := fnv.New32a()
	if len(keyIdx) == 0 {
		h.Write([]byte(row.ID))
	}
	for _, i := range keyIdx {
		if row.Values[i].Valid {
			h.Write([]byte(row.Values[i].Raw))
		}
		h.Write([]byte{0})
	}
	return int(h.Sum32() % strataCount)
}

// validateCanary runs the fixed invariant checks against the shadow
// schema. Any failure rolls the run back with production untouched.
func (m *Migrator) validateCanary(ctx context.Context, ds *models.Dataset, plan models.MigrationPlan, canary []models.Row) error {
	stage := string(models.StatusCanaryValid)

	// Row count within tolerance of the expected fraction.
	count, err := m.target.CountRows(ctx, plan.ShadowSchema())
	if err != nil {
		return &errs.OperationalError{Op: "count canary rows", Err: err}
	}
	expected := plan.CanaryFraction * float64(ds.RowCount())
	slack := m.cfg.RowCountTolerance*float64(ds.RowCount()) + 1
	if math.Abs(float64(count)-expected) > slack {
		return &errs.ValidationFailure{
			Stage:  stage,
			Check:  "canary row count",
			Detail: fmt.Sprintf("shadow has %d rows, expected %.0f±%.0f", count, expected, slack),
		}
	}

	// Referential integrity: key cells must be non-null, and row IDs
	// unique, in the data actually stored in the shadow schema.
	ids := make([]string, len(canary))
	for i, r := range canary {
		ids[i] = r.ID
	}
	stored, err := m.target.ReadBatch(ctx, plan.ShadowSchema(), ds.Table, ids)
	if err != nil {
		return &errs.OperationalError{Op: "read back canary rows", Err: err}
	}
	if len(stored) != len(canary) {
		return &errs.ValidationFailure{
			Stage:  stage,
			Check:  "canary completeness",
			Detail: fmt.Sprintf("read back %d of %d canary rows", len(stored), len(canary)),
		}
	}
	keyIdx := keyColumnIndices(ds.Table)
	seen := make(map[string]bool, len(stored))
	for _, r := range stored {
		if seen[r.ID] {
			return &errs.ValidationFailure{
				Stage:  stage,
				Check:  "referential integrity",
				Detail: "duplicate row id " + r.ID,
			}
		}
		seen[r.ID] = true
		for _, i := range keyIdx {
			if !r.Values[i].Valid {
				return &errs.ValidationFailure{
					Stage:  stage,
					Check:  "referential integrity",
					Detail: fmt.Sprintf("row %s has NULL key column %s", r.ID, ds.Table.Columns[i].Name),
				}
			}
		}
	}

	// Aggregate spot checks: canary numeric means must sit within ε of
	// the full dataset, or the canary is not representative.
	for i, col := range ds.Table.Columns {
		if !col.DeclaredType.IsNumeric() {
			continue
		}
		full := aggregateColumn(ds.Rows, i)
		sample := aggregateColumn(stored, i)
		if full.NonNull == 0 || sample.NonNull == 0 {
			continue
		}
		if relativeDelta(sample.Mean(), full.Mean()) > m.cfg.AggregateTolerance {
			return &errs.ValidationFailure{
				Stage: stage,
				Check: "aggregate spot check",
				Detail: fmt.Sprintf("column %s canary mean %.4f vs dataset mean %.4f exceeds tolerance %.4f",
					col.Name, sample.Mean(), full.Mean(), m.cfg.AggregateTolerance),
			}
		}
	}
	return nil
}

func relativeDelta(a, b float64) float64 {
	if b == 0 {
		return math.Abs(a)
	}
	return math.Abs(a-b) / math.Abs(b)
}
