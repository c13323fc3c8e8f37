// Package metadata persists the pipeline's own bookkeeping: run states,
// profile reports, the append-only audit trail, source snapshots,
// migration plans, and schema leases.
package metadata

import (
	"context"

	"github.com/sluicedev/sluice/internal/models"
)

// ErrLeaseHeld is returned by InsertLease when an unexpired lease exists.
type leaseHeldError struct{ holder models.SchemaLease }

func (e leaseHeldError) Error() string {
	return "schema lease for table " + e.holder.TableName + " held by run " + e.holder.RunID
}

// LeaseHeld wraps the current holder so callers can report it.
func LeaseHeld(holder models.SchemaLease) error { return leaseHeldError{holder: holder} }

// IsLeaseHeld reports whether err is a lease conflict.
func IsLeaseHeld(err error) bool {
	_, ok := err.(leaseHeldError)
	return ok
}

// LeaseHolder extracts the conflicting lease from a lease conflict error.
func LeaseHolder(err error) (models.SchemaLease, bool) {
	e, ok := err.(leaseHeldError)
	if !ok {
		return models.SchemaLease{}, false
	}
	return e.holder, true
}

// Store is the metadata persistence contract. The Postgres implementation
// backs production runs; MemStore backs tests and mem:// runs.
type Store interface {
	SaveRun(ctx context.Context, state models.RunState) error
	GetRun(ctx context.Context, runID string) (models.RunState, error)

	SaveReport(ctx context.Context, report models.ProfileReport) error

	// AppendTrail persists audit records. The trail is append-only; no
	// update or delete operations exist on it.
	AppendTrail(ctx context.Context, entries []models.Transformation) error
	TrailForRun(ctx context.Context, runID string) ([]models.Transformation, error)

	SaveSnapshot(ctx context.Context, snap models.Snapshot) error
	LatestSnapshot(ctx context.Context, table string) (models.Snapshot, error)

	SavePlan(ctx context.Context, plan models.MigrationPlan) error
	UpdateCheckpoint(ctx context.Context, runID string, checkpoint models.MigrationStatus) error
	// DiscardPlan removes a plan after ROLLED_BACK; archived COMPLETE
	// plans simply stay.
	DiscardPlan(ctx context.Context, runID string) error

	// InsertLease records a new lease, failing with a LeaseHeld error when
	// an unexpired lease for the table exists.
	InsertLease(ctx context.Context, lease models.SchemaLease) error
	DeleteLease(ctx context.Context, table, runID string) error
}
