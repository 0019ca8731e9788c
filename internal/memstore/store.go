// Package memstore is an in-memory records.Store with copy-on-transaction semantics
// and fault injection for exercising rollback paths.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/rigging/internal/records"
)

// ErrUnknownTable indicates a write to a table that was never created.
var ErrUnknownTable = errors.New("memstore: unknown table")

// Operation names a store call for recording and fault injection.
type Operation string

const (
	OpFetch       Operation = "fetch"
	OpFetchWhere  Operation = "fetch_where"
	OpFetchJoined Operation = "fetch_joined"
	OpInsert      Operation = "insert"
	OpUpdate      Operation = "update"
	OpDelete      Operation = "delete"
	OpLink        Operation = "link"
	OpUnlink      Operation = "unlink"
)

// Call is one recorded store invocation.
type Call struct {
	Op    Operation
	Table string
	ID    int64
	IDs   []int64
}

type fault struct {
	op        Operation
	table     string
	remaining int
	err       error
}

type linkKey struct {
	owner  int64
	target int64
}

type state struct {
	tables map[string]map[int64]records.Row
	nextID map[string]int64
	links  map[string]map[linkKey]struct{}
}

func newState() state {
	return state{
		tables: make(map[string]map[int64]records.Row),
		nextID: make(map[string]int64),
		links:  make(map[string]map[linkKey]struct{}),
	}
}

func (s state) clone() state {
	copied := newState()
	for name, rows := range s.tables {
		table := make(map[int64]records.Row, len(rows))
		for id, row := range rows {
			table[id] = cloneRow(row)
		}
		copied.tables[name] = table
	}
	for name, next := range s.nextID {
		copied.nextID[name] = next
	}
	for name, pairs := range s.links {
		table := make(map[linkKey]struct{}, len(pairs))
		for key := range pairs {
			table[key] = struct{}{}
		}
		copied.links[name] = table
	}
	return copied
}

// Store keeps rows in maps. Transactions work on a cloned state that replaces the
// committed one only when the callback returns nil.
type Store struct {
	mu    sync.RWMutex
	state state

	callMu sync.Mutex
	calls  []Call
	faults []*fault
}

// New returns an empty store.
func New() *Store {
	return &Store{state: newState()}
}

// CreateTable registers a table. Creating an existing table is a no-op.
func (s *Store) CreateTable(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.tables[name]; !ok {
		s.state.tables[name] = make(map[int64]records.Row)
	}
}

// CreateJoinTable registers a link table.
func (s *Store) CreateJoinTable(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.links[name]; !ok {
		s.state.links[name] = make(map[linkKey]struct{})
	}
}

// CreateSchema creates the tables and join tables of every registered record type.
func (s *Store) CreateSchema(registry *records.Registry) {
	for _, schema := range registry.Schemas() {
		s.CreateTable(schema.Table())
		for _, def := range schema.Associations() {
			if def.Kind() == records.HasAndBelongsToMany {
				s.CreateJoinTable(def.JoinTable().Name)
			}
		}
	}
}

// FailOn makes the nth matching call (1-based) fail with err. An empty table
// matches every table.
func (s *Store) FailOn(op Operation, table string, nth int, err error) {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	s.faults = append(s.faults, &fault{op: op, table: table, remaining: nth, err: err})
}

// Calls returns the recorded calls in order.
func (s *Store) Calls() []Call {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	return append([]Call(nil), s.calls...)
}

// ResetCalls clears the call log.
func (s *Store) ResetCalls() {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	s.calls = nil
}

// Rows returns a copy of every committed row of table ordered by primary key.
func (s *Store) Rows(table string) []records.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRows(s.state.tables[table], nil)
}

// Links returns the committed (owner, target) pairs of a join table, sorted.
func (s *Store) Links(join string) [][2]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pairs := make([][2]int64, 0, len(s.state.links[join]))
	for key := range s.state.links[join] {
		pairs = append(pairs, [2]int64{key.owner, key.target})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	return pairs
}

func (s *Store) record(call Call) error {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	s.calls = append(s.calls, call)
	for _, f := range s.faults {
		if f.remaining <= 0 || f.op != call.Op {
			continue
		}
		if f.table != "" && f.table != call.Table {
			continue
		}
		f.remaining--
		if f.remaining == 0 {
			return f.err
		}
	}
	return nil
}

// Fetch implements records.Store.
func (s *Store) Fetch(ctx context.Context, table records.Table, id int64, columns []string) (records.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{store: s, state: &s.state}).Fetch(ctx, table, id, columns)
}

// FetchWhere implements records.Store.
func (s *Store) FetchWhere(ctx context.Context, query records.Query) ([]records.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{store: s, state: &s.state}).FetchWhere(ctx, query)
}

// FetchJoined implements records.Store.
func (s *Store) FetchJoined(ctx context.Context, query records.JoinQuery) ([]records.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{store: s, state: &s.state}).FetchJoined(ctx, query)
}

// Insert implements records.Store as a single-statement transaction.
func (s *Store) Insert(ctx context.Context, table records.Table, values records.Row) (int64, error) {
	var id int64
	err := s.Transaction(ctx, func(tx records.Store) error {
		inserted, err := tx.Insert(ctx, table, values)
		id = inserted
		return err
	})
	return id, err
}

// Update implements records.Store.
func (s *Store) Update(ctx context.Context, table records.Table, id int64, changes records.Row) error {
	return s.Transaction(ctx, func(tx records.Store) error {
		return tx.Update(ctx, table, id, changes)
	})
}

// Delete implements records.Store.
func (s *Store) Delete(ctx context.Context, table records.Table, id int64) error {
	return s.Transaction(ctx, func(tx records.Store) error {
		return tx.Delete(ctx, table, id)
	})
}

// Link implements records.Store.
func (s *Store) Link(ctx context.Context, join records.JoinTable, ownerID, targetID int64) error {
	return s.Transaction(ctx, func(tx records.Store) error {
		return tx.Link(ctx, join, ownerID, targetID)
	})
}

// Unlink implements records.Store.
func (s *Store) Unlink(ctx context.Context, join records.JoinTable, ownerID, targetID int64) error {
	return s.Transaction(ctx, func(tx records.Store) error {
		return tx.Unlink(ctx, join, ownerID, targetID)
	})
}

// Transaction runs fn against a clone of the committed state and publishes the
// clone only when fn returns nil.
func (s *Store) Transaction(ctx context.Context, fn func(tx records.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	working := s.state.clone()
	tx := &view{store: s, state: &working, writable: true}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = working
	return nil
}

// view reads and, when writable, writes one state without locking.
type view struct {
	store    *Store
	state    *state
	writable bool
}

func (v *view) Fetch(ctx context.Context, table records.Table, id int64, columns []string) (records.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := v.store.record(Call{Op: OpFetch, Table: table.Name, ID: id}); err != nil {
		return nil, err
	}
	row, ok := v.state.tables[table.Name][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s#%d", records.ErrRecordNotFound, table.Name, id)
	}
	return project(row, table.PrimaryKey, columns), nil
}

func (v *view) FetchWhere(ctx context.Context, query records.Query) ([]records.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := v.store.record(Call{Op: OpFetchWhere, Table: query.Table.Name, ID: query.Value, IDs: append([]int64(nil), query.IDs...)}); err != nil {
		return nil, err
	}
	matching := make(map[int64]records.Row)
	for id, row := range v.state.tables[query.Table.Name] {
		if key, ok := row[query.Column].(int64); ok && key == query.Value {
			matching[id] = row
		}
	}
	rows := sortedRows(matching, query.IDs)
	for index, row := range rows {
		rows[index] = project(row, query.Table.PrimaryKey, query.Columns)
	}
	return rows, nil
}

func (v *view) FetchJoined(ctx context.Context, query records.JoinQuery) ([]records.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := v.store.record(Call{Op: OpFetchJoined, Table: query.Table.Name, ID: query.OwnerID, IDs: append([]int64(nil), query.IDs...)}); err != nil {
		return nil, err
	}
	matching := make(map[int64]records.Row)
	for key := range v.state.links[query.Join.Name] {
		if key.owner != query.OwnerID {
			continue
		}
		if row, ok := v.state.tables[query.Table.Name][key.target]; ok {
			matching[key.target] = row
		}
	}
	return sortedRows(matching, query.IDs), nil
}

func (v *view) Insert(ctx context.Context, table records.Table, values records.Row) (int64, error) {
	if err := v.writeCall(ctx, Call{Op: OpInsert, Table: table.Name}); err != nil {
		return 0, err
	}
	rows, ok := v.state.tables[table.Name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTable, table.Name)
	}
	v.state.nextID[table.Name]++
	id := v.state.nextID[table.Name]
	row := cloneRow(values)
	row[table.PrimaryKey] = id
	rows[id] = row
	return id, nil
}

func (v *view) Update(ctx context.Context, table records.Table, id int64, changes records.Row) error {
	if err := v.writeCall(ctx, Call{Op: OpUpdate, Table: table.Name, ID: id}); err != nil {
		return err
	}
	row, ok := v.state.tables[table.Name][id]
	if !ok {
		return fmt.Errorf("%w: %s#%d", records.ErrRecordNotFound, table.Name, id)
	}
	for column, value := range changes {
		row[column] = cloneValue(value)
	}
	return nil
}

func (v *view) Delete(ctx context.Context, table records.Table, id int64) error {
	if err := v.writeCall(ctx, Call{Op: OpDelete, Table: table.Name, ID: id}); err != nil {
		return err
	}
	delete(v.state.tables[table.Name], id)
	return nil
}

func (v *view) Link(ctx context.Context, join records.JoinTable, ownerID, targetID int64) error {
	if err := v.writeCall(ctx, Call{Op: OpLink, Table: join.Name, ID: ownerID, IDs: []int64{targetID}}); err != nil {
		return err
	}
	pairs, ok := v.state.links[join.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, join.Name)
	}
	pairs[linkKey{owner: ownerID, target: targetID}] = struct{}{}
	return nil
}

func (v *view) Unlink(ctx context.Context, join records.JoinTable, ownerID, targetID int64) error {
	if err := v.writeCall(ctx, Call{Op: OpUnlink, Table: join.Name, ID: ownerID, IDs: []int64{targetID}}); err != nil {
		return err
	}
	delete(v.state.links[join.Name], linkKey{owner: ownerID, target: targetID})
	return nil
}

// Transaction inside a transaction joins the outer one.
func (v *view) Transaction(_ context.Context, fn func(tx records.Store) error) error {
	return fn(v)
}

func (v *view) writeCall(ctx context.Context, call Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !v.writable {
		return errors.New("memstore: write outside transaction")
	}
	return v.store.record(call)
}

func sortedRows(rows map[int64]records.Row, ids []int64) []records.Row {
	var wanted map[int64]struct{}
	if len(ids) > 0 {
		wanted = make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			wanted[id] = struct{}{}
		}
	}
	keys := make([]int64, 0, len(rows))
	for id := range rows {
		if wanted != nil {
			if _, ok := wanted[id]; !ok {
				continue
			}
		}
		keys = append(keys, id)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	result := make([]records.Row, 0, len(keys))
	for _, id := range keys {
		result = append(result, cloneRow(rows[id]))
	}
	return result
}

func project(row records.Row, primaryKey string, columns []string) records.Row {
	if len(columns) == 0 {
		return cloneRow(row)
	}
	projected := records.Row{primaryKey: row[primaryKey]}
	for _, column := range columns {
		if value, ok := row[column]; ok {
			projected[column] = cloneValue(value)
		}
	}
	return projected
}

func cloneRow(row records.Row) records.Row {
	copied := make(records.Row, len(row))
	for column, value := range row {
		copied[column] = cloneValue(value)
	}
	return copied
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case []byte:
		return append([]byte(nil), typed...)
	case time.Time:
		return typed
	default:
		return value
	}
}
