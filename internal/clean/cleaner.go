// Package clean applies deterministic cell transformations to the source
// dataset under a single all-or-nothing pass, producing the cleaned
// dataset and its append-only audit trail. Rule order per cell is fixed:
// empty-string normalization, date canonicalization, type coercion.
package clean

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sluicedev/sluice/internal/backup"
	"github.com/sluicedev/sluice/internal/checksum"
	"github.com/sluicedev/sluice/internal/errs"
	"github.com/sluicedev/sluice/internal/models"
	"github.com/sluicedev/sluice/internal/observability"
	"github.com/sluicedev/sluice/internal/parse"
	"github.com/sluicedev/sluice/internal/storage"
)

// Config holds the cleaner's escalation threshold.
type Config struct {
	// DeadLetterThreshold aborts the run when the rejected-row fraction
	// exceeds it: a dataset shedding that many rows is a quality problem,
	// not a cleaning problem.
	DeadLetterThreshold float64
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{DeadLetterThreshold: 0.05}
}

// Result is the cleaner's committed output.
type Result struct {
	Dataset *models.Dataset
	// Trail holds one entry per mutated cell (or rejected row), in
	// application order. Append-only; persisted immutable after the run.
	Trail []models.Transformation
	// DeadLetter holds rows excluded because no confident transformation
	// was possible in conservative mode.
	DeadLetter []models.Row
}

// Cleaner runs the transactional cleaning pass.
type Cleaner struct {
	cfg     Config
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// New returns a Cleaner.
func New(cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Cleaner {
	return &Cleaner{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "cleaner").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Clean transforms every row of the source according to the fixed rule
// order. The profiler verdict is a machine-checked precondition: HALT
// refuses to run, WARN forces conservative mode. The snapshot checksum is
// recomputed first; drift aborts with TransactionIntegrityError before
// anything is produced.
func (c *Cleaner) Clean(ctx context.Context, src storage.Source, report models.ProfileReport, snap models.Snapshot) (*Result, error) {
	if report.Verdict == models.VerdictHalt {
		return nil, errors.New("clean precondition violated: profile verdict is HALT")
	}
	conservative := report.Verdict == models.VerdictWarn

	sum, total, err := backup.Checksum(ctx, src)
	if err != nil {
		return nil, &errs.OperationalError{Op: "recompute source checksum", Err: err}
	}
	if sum != snap.Checksum {
		return nil, &errs.TransactionIntegrityError{
			TableName: snap.TableName,
			Expected:  snap.Checksum,
			Actual:    sum,
		}
	}

	contract, err := src.Contract(ctx)
	if err != nil {
		return nil, &errs.OperationalError{Op: "read source contract", Err: err}
	}

	res := &Result{Dataset: &models.Dataset{Table: contract}}
	var acc checksum.Accumulator

	err = src.ScanAll(ctx, func(row models.Row) error {
		cleaned, entries, rejected := c.cleanRow(contract, report.RunID, row, conservative)
		if rejected {
			res.DeadLetter = append(res.DeadLetter, row)
			res.Trail = append(res.Trail, entries...)
			c.metrics.RowsRejected.WithLabelValues(contract.Name).Inc()
			return nil
		}
		res.Trail = append(res.Trail, entries...)
		res.Dataset.Rows = append(res.Dataset.Rows, cleaned)
		acc.Add(cleaned)
		c.metrics.RowsProcessed.WithLabelValues("clean", contract.Name).Inc()
		return nil
	})
	if err != nil {
		return nil, &errs.OperationalError{Op: "scan source for cleaning", Err: err}
	}

	if total > 0 {
		deadRate := float64(len(res.DeadLetter)) / float64(total)
		if deadRate > c.cfg.DeadLetterThreshold {
			return nil, &errs.DataQualityError{
				TableName: contract.Name,
				Column:    "(dead-letter set)",
				Rate:      deadRate,
				Threshold: c.cfg.DeadLetterThreshold,
			}
		}
	}

	res.Dataset.Checksum = acc.Sum()
	c.logger.Info().
		Str("table", contract.Name).
		Int("rows", len(res.Dataset.Rows)).
		Int("rejected", len(res.DeadLetter)).
		Int("transformations", len(res.Trail)).
		Bool("conservative", conservative).
		Msg("Cleaning pass committed")
	return res, nil
}

// cleanRow applies the per-cell rules. In conservative mode an unparsable
// cell rejects the whole row; in permissive mode the documented default is
// imputed and audited. Cells already in canonical form are left untouched
// so cleaning is idempotent.
func (c *Cleaner) cleanRow(contract models.Table, runID string, row models.Row, conservative bool) (models.Row, []models.Transformation, bool) {
	out := models.Row{ID: row.ID, Values: make([]models.Value, len(row.Values))}
	copy(out.Values, row.Values)
	var entries []models.Transformation

	for i, col := range contract.Columns {
		v := out.Values[i]
		if !v.Valid {
			continue
		}

		// Rule 1: empty string means NULL for typed columns.
		if isBlank(v.Raw) && col.DeclaredType != models.KindString {
			out.Values[i] = models.Null()
			entries = append(entries, c.entry(runID, row.ID, col.Name, models.OpNormalizeNull, strptr(v.Raw), nil))
			continue
		}

		switch {
		case col.DeclaredType.IsDateLike():
			t, _, ok := parse.Date(v.Raw)
			if !ok {
				if conservative {
					entries = append(entries, c.entry(runID, row.ID, col.Name, models.OpReject, strptr(v.Raw), nil))
					return models.Row{}, entries, true
				}
				// Permissive default for an unparsable calendar value is
				// NULL: imputing a concrete date would be a silent guess.
				out.Values[i] = models.Null()
				entries = append(entries, c.entry(runID, row.ID, col.Name, models.OpImputeDefault, strptr(v.Raw), nil))
				continue
			}
			canonical := parse.Canonical(t, col.DeclaredType)
			if canonical != v.Raw {
				out.Values[i] = models.NewValue(canonical)
				entries = append(entries, c.entry(runID, row.ID, col.Name, models.OpCanonicalizeDate, strptr(v.Raw), strptr(canonical)))
			}

		case col.DeclaredType.IsNumeric(), col.DeclaredType == models.KindBoolean:
			canonical, ok := parse.CanonicalValue(col.DeclaredType, v.Raw)
			if !ok {
				if conservative {
					entries = append(entries, c.entry(runID, row.ID, col.Name, models.OpReject, strptr(v.Raw), nil))
					return models.Row{}, entries, true
				}
				def := defaultFor(col.DeclaredType)
				out.Values[i] = models.NewValue(def)
				entries = append(entries, c.entry(runID, row.ID, col.Name, models.OpImputeDefault, strptr(v.Raw), strptr(def)))
				continue
			}
			if canonical != v.Raw {
				out.Values[i] = models.NewValue(canonical)
				entries = append(entries, c.entry(runID, row.ID, col.Name, models.OpCoerceType, strptr(v.Raw), strptr(canonical)))
			}
		}
	}
	return out, entries, false
}

func (c *Cleaner) entry(runID, rowID, column string, op models.TransformOp, before, after *string) models.Transformation {
	return models.Transformation{
		ID:        uuid.NewString(),
		RunID:     runID,
		RowID:     rowID,
		Column:    column,
		Op:        op,
		Before:    before,
		After:     after,
		AppliedAt: c.now(),
	}
}

// defaultFor is the documented permissive-mode default per kind.
func defaultFor(kind models.ColumnKind) string {
	switch kind {
	case models.KindInteger:
		return "0"
	case models.KindFloat:
		return "0"
	case models.KindBoolean:
		return "false"
	}
	return ""
}

func isBlank(raw string) bool {
	return strings.TrimSpace(raw) == ""
}

func strptr(s string) *string { return &s }
