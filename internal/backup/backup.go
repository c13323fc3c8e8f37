// Package backup records the pre-migration checksummed snapshot of the
// source table. The snapshot is taken before the cleaner mutates anything;
// the cleaner and migrator compare against it to detect drift from
// concurrent writers.
package backup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sluicedev/sluice/internal/checksum"
	"github.com/sluicedev/sluice/internal/metadata"
	"github.com/sluicedev/sluice/internal/models"
	"github.com/sluicedev/sluice/internal/storage"
)

// Recorder takes and persists source snapshots.
type Recorder struct {
	store metadata.Store
}

// NewRecorder returns a snapshot recorder backed by the metadata store.
func NewRecorder(store metadata.Store) *Recorder {
	return &Recorder{store: store}
}

// Take scans the source read-only, computes the order-insensitive MD5
// checksum and row count, and persists the snapshot.
func (r *Recorder) Take(ctx context.Context, src storage.Source, runID string) (models.Snapshot, error) {
	contract, err := src.Contract(ctx)
	if err != nil {
		return models.Snapshot{}, errors.Wrap(err, "read source contract")
	}

	sum, rows, err := Checksum(ctx, src)
	if err != nil {
		return models.Snapshot{}, err
	}

	snap := models.Snapshot{
		ID:        uuid.NewString(),
		RunID:     runID,
		TableName: contract.Name,
		Checksum:  sum,
		RowCount:  rows,
		TakenAt:   time.Now().UTC(),
	}
	if err := r.store.SaveSnapshot(ctx, snap); err != nil {
		return models.Snapshot{}, errors.Wrap(err, "persist snapshot")
	}
	return snap, nil
}

// Checksum recomputes the source checksum and row count without
// persisting anything. The cleaner uses it for drift detection.
func Checksum(ctx context.Context, src storage.Source) (string, int64, error) {
	var acc checksum.Accumulator
	err := src.ScanAll(ctx, func(row models.Row) error {
		acc.Add(row)
		return nil
	})
	if err != nil {
		return "", 0, errors.Wrap(err, "scan source for checksum")
	}
	return acc.Sum(), acc.Rows(), nil
}
