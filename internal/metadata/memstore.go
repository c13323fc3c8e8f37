package metadata

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sluicedev/sluice/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("metadata: record not found")

// MemStore is the in-memory Store used by tests and mem:// runs.
type MemStore struct {
	mu        sync.Mutex
	runs      map[string]models.RunState
	reports   map[string]models.ProfileReport
	trail     []models.Transformation
	snapshots map[string][]models.Snapshot
	plans     map[string]models.MigrationPlan
	leases    map[string]models.SchemaLease
}

// NewMemStore returns an empty in-memory metadata store.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:      map[string]models.RunState{},
		reports:   map[string]models.ProfileReport{},
		snapshots: map[string][]models.Snapshot{},
		plans:     map[string]models.MigrationPlan{},
		leases:    map[string]models.SchemaLease{},
	}
}

func (m *MemStore) SaveRun(ctx context.Context, state models.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[state.RunID] = state
	return nil
}

func (m *MemStore) GetRun(ctx context.Context, runID string) (models.RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.runs[runID]
	if !ok {
		return models.RunState{}, ErrNotFound
	}
	return state, nil
}

func (m *MemStore) SaveReport(ctx context.Context, report models.ProfileReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[report.RunID] = report
	return nil
}

func (m *MemStore) AppendTrail(ctx context.Context, entries []models.Transformation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trail = append(m.trail, entries...)
	return nil
}

func (m *MemStore) TrailForRun(ctx context.Context, runID string) ([]models.Transformation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transformation
	for _, t := range m.trail {
		if t.RunID == runID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemStore) SaveSnapshot(ctx context.Context, snap models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.TableName] = append(m.snapshots[snap.TableName], snap)
	return nil
}

func (m *MemStore) LatestSnapshot(ctx context.Context, table string) (models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps := m.snapshots[table]
	if len(snaps) == 0 {
		return models.Snapshot{}, ErrNotFound
	}
	return snaps[len(snaps)-1], nil
}

func (m *MemStore) SavePlan(ctx context.Context, plan models.MigrationPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[plan.RunID] = plan
	return nil
}

func (m *MemStore) UpdateCheckpoint(ctx context.Context, runID string, checkpoint models.MigrationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[runID]
	if !ok {
		return ErrNotFound
	}
	plan.RollbackCheckpoint = checkpoint
	m.plans[runID] = plan
	return nil
}

func (m *MemStore) DiscardPlan(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.plans, runID)
	return nil
}

func (m *MemStore) InsertLease(ctx context.Context, lease models.SchemaLease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.leases[lease.TableName]; ok && !held.Expired(time.Now()) {
		return LeaseHeld(held)
	}
	m.leases[lease.TableName] = lease
	return nil
}

func (m *MemStore) DeleteLease(ctx context.Context, table, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.leases[table]; ok && held.RunID == runID {
		delete(m.leases, table)
	}
	return nil
}

var _ Store = (*MemStore)(nil)
