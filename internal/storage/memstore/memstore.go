// Package memstore is an in-memory storage engine. It backs unit tests and
// mem:// smoke runs, and is the reference implementation of the storage
// contracts: deterministic iteration order, schema-level read-only flags,
// and an atomic schema swap.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sluicedev/sluice/internal/models"
	"github.com/sluicedev/sluice/internal/storage"
)

// DefaultSchema is where source fixtures live.
const DefaultSchema = "public"

type memTable struct {
	contract models.Table
	rows     []models.Row
	index    map[string]int
}

func (t *memTable) clone() *memTable {
	c := &memTable{
		contract: t.contract,
		rows:     make([]models.Row, len(t.rows)),
		index:    make(map[string]int, len(t.index)),
	}
	for i, r := range t.rows {
		vals := make([]models.Value, len(r.Values))
		copy(vals, r.Values)
		c.rows[i] = models.Row{ID: r.ID, Values: vals}
	}
	for k, v := range t.index {
		c.index[k] = v
	}
	return c
}

// Engine is a process-local storage engine holding named schemas.
type Engine struct {
	mu       sync.RWMutex
	schemas  map[string]map[string]*memTable
	readOnly map[string]bool

	// WriteErr, when set, is consulted before every WriteBatch. Tests use
	// it to inject batch failures at a chosen point.
	WriteErr func(schema string, batch []models.Row) error

	// ReadBackMutator, when set, rewrites rows returned by ReadBatch.
	// Tests use it to simulate a corrupted write-and-verify round trip.
	ReadBackMutator func(r models.Row) models.Row
}

// NewEngine returns an empty engine.
func NewEngine() *Engine {
	return &Engine{
		schemas:  map[string]map[string]*memTable{},
		readOnly: map[string]bool{},
	}
}

// CreateTable declares a table under the given schema.
func (e *Engine) CreateTable(schema string, contract models.Table) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensureSchema(schema)[contract.Name] = &memTable{
		contract: contract,
		index:    map[string]int{},
	}
}

func (e *Engine) ensureSchema(schema string) map[string]*memTable {
	if e.schemas[schema] == nil {
		e.schemas[schema] = map[string]*memTable{}
	}
	return e.schemas[schema]
}

// Load appends fixture rows to a table, bypassing read-only checks.
func (e *Engine) Load(schema, table string, rows []models.Row) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.table(schema, table)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := t.contract.Validate(r); err != nil {
			return err
		}
		t.index[r.ID] = len(t.rows)
		t.rows = append(t.rows, r)
	}
	return nil
}

func (e *Engine) table(schema, table string) (*memTable, error) {
	tables, ok := e.schemas[schema]
	if !ok {
		return nil, fmt.Errorf("memstore: schema %q does not exist", schema)
	}
	t, ok := tables[table]
	if !ok {
		return nil, fmt.Errorf("memstore: table %q.%q does not exist", schema, table)
	}
	return t, nil
}

// SchemaExists reports whether the schema is present.
func (e *Engine) SchemaExists(schema string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.schemas[schema]
	return ok
}

// Snapshot deep-copies every row of a schema's single table, sorted by row
// ID. Tests compare snapshots to assert the blue schema was untouched.
func (e *Engine) Snapshot(schema string) ([]models.Row, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tables, ok := e.schemas[schema]
	if !ok {
		return nil, fmt.Errorf("memstore: schema %q does not exist", schema)
	}
	var out []models.Row
	for _, t := range tables {
		c := t.clone()
		out = append(out, c.rows...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- storage.Source ---

type source struct {
	engine *Engine
	schema string
	table  string
}

// Source returns a read-only view of a table in the default schema.
func (e *Engine) Source(table string) storage.Source {
	return &source{engine: e, schema: DefaultSchema, table: table}
}

func (s *source) Contract(ctx context.Context) (models.Table, error) {
	s.engine.mu.RLock()
	defer s.engine.mu.RUnlock()
	t, err := s.engine.table(s.schema, s.table)
	if err != nil {
		return models.Table{}, err
	}
	return t.contract, nil
}

func (s *source) RowCount(ctx context.Context) (int64, error) {
	s.engine.mu.RLock()
	defer s.engine.mu.RUnlock()
	t, err := s.engine.table(s.schema, s.table)
	if err != nil {
		return 0, err
	}
	return int64(len(t.rows)), nil
}

func (s *source) SampleRows(ctx context.Context, positions []int64) ([]models.Row, error) {
	s.engine.mu.RLock()
	defer s.engine.mu.RUnlock()
	t, err := s.engine.table(s.schema, s.table)
	if err != nil {
		return nil, err
	}
	out := make([]models.Row, 0, len(positions))
	for _, p := range positions {
		if p < 0 || p >= int64(len(t.rows)) {
			return nil, fmt.Errorf("memstore: sample position %d out of range", p)
		}
		out = append(out, t.rows[p])
	}
	return out, nil
}

func (s *source) ScanAll(ctx context.Context, fn func(models.Row) error) error {
	s.engine.mu.RLock()
	t, err := s.engine.table(s.schema, s.table)
	if err != nil {
		s.engine.mu.RUnlock()
		return err
	}
	rows := t.rows
	s.engine.mu.RUnlock()

	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// --- storage.Target ---

func (e *Engine) Ping(ctx context.Context) error { return nil }

func (e *Engine) EnsureShadowSchema(ctx context.Context, schema string, contract models.Table) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tables := e.ensureSchema(schema)
	if _, ok := tables[contract.Name]; !ok {
		tables[contract.Name] = &memTable{contract: contract, index: map[string]int{}}
	}
	return nil
}

func (e *Engine) WriteBatch(ctx context.Context, schema string, contract models.Table, rows []models.Row) error {
	if e.WriteErr != nil {
		if err := e.WriteErr(schema, rows); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readOnly[schema] {
		return fmt.Errorf("memstore: schema %q is read-only", schema)
	}
	t, err := e.table(schema, contract.Name)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := contract.Validate(r); err != nil {
			return err
		}
		if _, dup := t.index[r.ID]; dup {
			return fmt.Errorf("memstore: duplicate row id %q in %q.%q", r.ID, schema, contract.Name)
		}
		t.index[r.ID] = len(t.rows)
		t.rows = append(t.rows, r)
	}
	return nil
}

func (e *Engine) ReadBatch(ctx context.Context, schema string, contract models.Table, ids []string) ([]models.Row, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, err := e.table(schema, contract.Name)
	if err != nil {
		return nil, err
	}
	out := make([]models.Row, 0, len(ids))
	for _, id := range ids {
		i, ok := t.index[id]
		if !ok {
			continue
		}
		r := t.rows[i]
		if e.ReadBackMutator != nil {
			r = e.ReadBackMutator(r)
		}
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) CountRows(ctx context.Context, schema string) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tables, ok := e.schemas[schema]
	if !ok {
		return 0, fmt.Errorf("memstore: schema %q does not exist", schema)
	}
	var n int64
	for _, t := range tables {
		n += int64(len(t.rows))
	}
	return n, nil
}

func (e *Engine) SwapSchemas(ctx context.Context, blue, green, oldName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.schemas[green]; !ok {
		return fmt.Errorf("memstore: green schema %q does not exist", green)
	}
	if _, ok := e.schemas[oldName]; ok {
		return fmt.Errorf("memstore: schema %q already exists", oldName)
	}
	if blueTables, ok := e.schemas[blue]; ok {
		e.schemas[oldName] = blueTables
	} else {
		e.schemas[oldName] = map[string]*memTable{}
	}
	e.schemas[blue] = e.schemas[green]
	delete(e.schemas, green)
	e.readOnly[blue] = false
	return nil
}

func (e *Engine) DropSchema(ctx context.Context, schema string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.schemas, schema)
	delete(e.readOnly, schema)
	return nil
}

func (e *Engine) SetReadOnly(ctx context.Context, schema string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.schemas[schema]; !ok {
		return fmt.Errorf("memstore: schema %q does not exist", schema)
	}
	e.readOnly[schema] = true
	return nil
}

var _ storage.Target = (*Engine)(nil)
var _ storage.Source = (*source)(nil)
