// Package profile samples the source table and derives a PASS/WARN/HALT
// verdict via circuit-breaker thresholds. Column types are inferred from
// typed parse attempts, never from the declared schema label.
package profile

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sluicedev/sluice/internal/errs"
	"github.com/sluicedev/sluice/internal/models"
	"github.com/sluicedev/sluice/internal/parse"
	"github.com/sluicedev/sluice/internal/storage"
)

// Config holds the circuit-breaker thresholds and sampling limits.
type Config struct {
	// SampleFloor is the minimum statistically meaningful sample size.
	// Profiling a smaller sample is fatal rather than misleading.
	SampleFloor int
	// MismatchThreshold halts the pipeline when any column's
	// type_mismatch_rate exceeds it.
	MismatchThreshold float64
	// CorruptThreshold halts the pipeline when any date-like column's
	// corrupt_value_rate exceeds it.
	CorruptThreshold float64
	// OffendingSampleCap bounds how many offending raw values are kept
	// per column, to bound log volume on a HALT.
	OffendingSampleCap int
	// KeyWeight is the confidence weight of primary/foreign key columns.
	KeyWeight float64
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		SampleFloor:        100,
		MismatchThreshold:  0.10,
		CorruptThreshold:   0.20,
		OffendingSampleCap: 10,
		KeyWeight:          2.0,
	}
}

// Profiler produces ProfileReports.
type Profiler struct {
	cfg    Config
	logger zerolog.Logger
}

// New returns a Profiler.
func New(cfg Config, logger zerolog.Logger) *Profiler {
	return &Profiler{cfg: cfg, logger: logger.With().Str("component", "profiler").Logger()}
}

// Profile samples sampleSize rows uniformly without replacement, seeded
// for reproducibility, and computes per-column quality rates and the
// overall verdict. The source is only ever read.
func (p *Profiler) Profile(ctx context.Context, src storage.Source, runID string, sampleSize int, seed int64) (models.ProfileReport, error) {
	contract, err := src.Contract(ctx)
	if err != nil {
		return models.ProfileReport{}, &errs.OperationalError{Op: "read source contract", Err: err}
	}
	total, err := src.RowCount(ctx)
	if err != nil {
		return models.ProfileReport{}, &errs.OperationalError{Op: "count source rows", Err: err}
	}

	if int64(sampleSize) > total {
		sampleSize = int(total)
	}
	if sampleSize < p.cfg.SampleFloor {
		return models.ProfileReport{}, &errs.OperationalError{
			Op:  "sample source",
			Err: errors.Errorf("sample size %d below configured floor %d; confidence would not be meaningful", sampleSize, p.cfg.SampleFloor),
		}
	}

	positions := samplePositions(total, sampleSize, seed)
	rows, err := src.SampleRows(ctx, positions)
	if err != nil {
		return models.ProfileReport{}, &errs.OperationalError{Op: "sample source rows", Err: err}
	}

	report := models.ProfileReport{
		RunID:       runID,
		TableName:   contract.Name,
		RowsSampled: len(rows),
		Seed:        seed,
		ProfiledAt:  time.Now().UTC(),
	}

	for i, col := range contract.Columns {
		report.Columns = append(report.Columns, p.profileColumn(col, rows, i))
	}

	report.OverallConfidence = p.confidence(report.Columns)
	report.Verdict = p.verdict(report.Columns)

	p.logger.Info().
		Str("table", report.TableName).
		Int("rows_sampled", report.RowsSampled).
		Float64("confidence", report.OverallConfidence).
		Str("verdict", string(report.Verdict)).
		Msg("Profiling complete")

	if report.Verdict == models.VerdictHalt {
		p.logOffenders(report)
	}
	return report, nil
}

// samplePositions draws n distinct positions in [0, total) from a seeded
// generator, returned sorted so storage engines can scan forward. The
// first n steps of a Fisher-Yates shuffle over a sparse index map keep
// memory proportional to the sample, not the table.
func samplePositions(total int64, n int, seed int64) []int64 {
	rng := rand.New(rand.NewSource(seed))
	swapped := make(map[int64]int64, n)
	at := func(i int64) int64 {
		if v, ok := swapped[i]; ok {
			return v
		}
		return i
	}
	positions := make([]int64, n)
	for i := int64(0); i < int64(n); i++ {
		j := i + rng.Int63n(total-i)
		positions[i] = at(j)
		swapped[j] = at(i)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	return positions
}

func (p *Profiler) profileColumn(col models.Column, rows []models.Row, idx int) models.ColumnProfile {
	prof := models.ColumnProfile{
		Name:         col.Name,
		DeclaredType: col.DeclaredType,
		Key:          col.Key,
		ActualTypes:  map[models.ColumnKind]int{},
	}

	var nulls, mismatches, corrupt int
	distinct := map[string]struct{}{}
	for _, row := range rows {
		v := row.Values[idx]
		if !v.Valid {
			nulls++
			continue
		}
		distinct[v.Raw] = struct{}{}
		prof.ActualTypes[parse.Infer(v.Raw)]++

		if !parse.Fits(col.DeclaredType, v.Raw) {
			mismatches++
			if col.DeclaredType.IsDateLike() {
				if _, _, ok := parse.Date(v.Raw); !ok {
					corrupt++
				}
			}
			if len(prof.OffendingSamples) < p.cfg.OffendingSampleCap {
				prof.OffendingSamples = append(prof.OffendingSamples, v.Raw)
			}
		}
	}

	prof.DistinctValues = len(distinct)
	n := float64(len(rows))
	if n > 0 {
		prof.NullRate = float64(nulls) / n
		prof.TypeMismatchRate = float64(mismatches) / n
		prof.CorruptValueRate = float64(corrupt) / n
	}
	return prof
}

// confidence is the key-weighted mean of (1 - rate) across columns, where
// rate is the worse of mismatch and corruption. Nullability is not
// corruption and does not reduce confidence.
func (p *Profiler) confidence(cols []models.ColumnProfile) float64 {
	var weighted, weights float64
	for _, c := range cols {
		w := 1.0
		if c.Key {
			w = p.cfg.KeyWeight
		}
		rate := c.TypeMismatchRate
		if c.CorruptValueRate > rate {
			rate = c.CorruptValueRate
		}
		weighted += w * (1 - rate)
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return weighted / weights
}

// verdict applies the circuit breaker: HALT iff any date-like column's
// corruption exceeds CorruptThreshold or any column's mismatch exceeds
// MismatchThreshold; WARN once any rate reaches half its threshold.
func (p *Profiler) verdict(cols []models.ColumnProfile) models.Verdict {
	verdict := models.VerdictPass
	for _, c := range cols {
		if c.DeclaredType.IsDateLike() && c.CorruptValueRate > p.cfg.CorruptThreshold {
			return models.VerdictHalt
		}
		if c.TypeMismatchRate > p.cfg.MismatchThreshold {
			return models.VerdictHalt
		}
		if c.DeclaredType.IsDateLike() && c.CorruptValueRate >= p.cfg.CorruptThreshold/2 {
			verdict = models.VerdictWarn
		}
		if c.TypeMismatchRate >= p.cfg.MismatchThreshold/2 {
			verdict = models.VerdictWarn
		}
	}
	return verdict
}

// logOffenders reports the sampled offending values per column so an
// operator can triage a HALT without re-querying the source.
func (p *Profiler) logOffenders(report models.ProfileReport) {
	for _, c := range report.Columns {
		if len(c.OffendingSamples) == 0 {
			continue
		}
		p.logger.Warn().
			Str("table", report.TableName).
			Str("column", c.Name).
			Float64("type_mismatch_rate", c.TypeMismatchRate).
			Float64("corrupt_value_rate", c.CorruptValueRate).
			Strs("samples", c.OffendingSamples).
			Msg("Circuit breaker offenders")
	}
}

// BreakerError translates a HALT report into the DataQualityError carried
// to the exit code, naming the worst offending column.
func (p *Profiler) BreakerError(report models.ProfileReport) *errs.DataQualityError {
	for _, c := range report.Columns {
		if c.DeclaredType.IsDateLike() && c.CorruptValueRate > p.cfg.CorruptThreshold {
			return &errs.DataQualityError{
				TableName: report.TableName,
				Column:    c.Name,
				Rate:      c.CorruptValueRate,
				Threshold: p.cfg.CorruptThreshold,
				Samples:   c.OffendingSamples,
			}
		}
		if c.TypeMismatchRate > p.cfg.MismatchThreshold {
			return &errs.DataQualityError{
				TableName: report.TableName,
				Column:    c.Name,
				Rate:      c.TypeMismatchRate,
				Threshold: p.cfg.MismatchThreshold,
				Samples:   c.OffendingSamples,
			}
		}
	}
	return nil
}
