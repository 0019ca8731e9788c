package records

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	errMissingRegistry = errors.New("records: registry is required")
	errMissingStore    = errors.New("records: store is required")
	noOpLogger         = zap.NewNop()
)

// SessionConfig wires a Session.
type SessionConfig struct {
	Registry *Registry
	Store    Store
	Logger   *zap.Logger
}

// Session instantiates and loads records against one store.
type Session struct {
	registry *Registry
	store    Store
	logger   *zap.Logger
}

// NewSession validates cfg and returns a Session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Session{registry: cfg.Registry, store: cfg.Store, logger: logger}, nil
}

// Registry returns the record type registry.
func (s *Session) Registry() *Registry {
	return s.registry
}

// Store returns the backing store.
func (s *Session) Store() Store {
	return s.store
}

// New returns an unsaved record of recordType with declared defaults applied.
func (s *Session) New(recordType string) (*Record, error) {
	schema, err := s.schema(recordType)
	if err != nil {
		return nil, err
	}
	record := newRecord(schema, s)
	if err := record.applyDefaults(); err != nil {
		return nil, err
	}
	return record, nil
}

// Find loads every attribute of the record with id.
func (s *Session) Find(ctx context.Context, recordType string, id int64) (*Record, error) {
	return s.FindSelect(ctx, recordType, id)
}

// FindSelect loads only columns. Attributes that were not selected read as missing
// and are never reported as changed unless assigned.
func (s *Session) FindSelect(ctx context.Context, recordType string, id int64, columns ...string) (*Record, error) {
	schema, err := s.schema(recordType)
	if err != nil {
		return nil, err
	}
	for _, column := range columns {
		if _, ok := schema.Attribute(column); !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownAttribute, schema.name, column)
		}
	}
	row, err := s.store.Fetch(ctx, TableOf(schema), id, columns)
	if err != nil {
		return nil, err
	}
	return s.instantiate(schema, row)
}

// Reload replaces the attributes of record with the stored row and drops pending
// changes, destruction marks and loaded associations.
func (s *Session) Reload(ctx context.Context, record *Record) error {
	if record.IsNew() {
		return fmt.Errorf("%w: %s", ErrNewRecord, record)
	}
	row, err := s.store.Fetch(ctx, TableOf(record.schema), record.id, nil)
	if err != nil {
		return err
	}
	return record.load(row)
}

func (s *Session) schema(recordType string) (*Schema, error) {
	schema, ok := s.registry.Schema(recordType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRecordType, recordType)
	}
	return schema, nil
}

func (s *Session) instantiate(schema *Schema, row Row) (*Record, error) {
	record := newRecord(schema, s)
	if err := record.load(row); err != nil {
		return nil, err
	}
	return record, nil
}

// loadAssociation fetches the stored targets of node, limited to ids when given.
func (s *Session) loadAssociation(ctx context.Context, node *Association, ids []int64) ([]*Record, error) {
	def := node.def
	owner := node.owner
	var (
		rows []Row
		err  error
	)
	switch def.kind {
	case BelongsTo:
		key := owner.Value(def.foreignKey)
		if key.IsNull() {
			return nil, nil
		}
		row, fetchErr := s.store.Fetch(ctx, TableOf(def.target), key.Int(), nil)
		if errors.Is(fetchErr, ErrRecordNotFound) {
			return nil, nil
		}
		if fetchErr != nil {
			return nil, fetchErr
		}
		rows = []Row{row}
	case HasOne, HasMany:
		rows, err = s.store.FetchWhere(ctx, Query{
			Table:  TableOf(def.target),
			Column: def.foreignKey,
			Value:  owner.id,
			IDs:    ids,
		})
	case HasAndBelongsToMany:
		rows, err = s.store.FetchJoined(ctx, JoinQuery{
			Table:   TableOf(def.target),
			Join:    def.JoinTable(),
			OwnerID: owner.id,
			IDs:     ids,
		})
	}
	if err != nil {
		return nil, err
	}
	if def.kind == HasOne && len(rows) > 1 {
		rows = rows[:1]
	}

	records := make([]*Record, 0, len(rows))
	for _, row := range rows {
		record, err := s.instantiate(def.target, row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	s.logger.Debug(
		"association loaded",
		zap.String("owner", owner.String()),
		zap.String("association", def.name),
		zap.Int("rows", len(records)),
		zap.Bool("targeted", len(ids) > 0),
	)
	return records, nil
}
