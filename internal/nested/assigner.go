// Package nested applies nested attribute payloads to a record's associations
// before the record is saved.
package nested

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/rigging/internal/records"
)

const (
	keyID      = "id"
	keyDestroy = "_destroy"
	// AttributesSuffix marks a payload key routed to an association, as in "ship_attributes".
	AttributesSuffix = "_attributes"
)

var (
	// ErrTooManyRecords indicates a payload with more new entries than the association limit.
	ErrTooManyRecords = errors.New("nested: too many records")
	// ErrNestedNotAccepted indicates an association without nested attribute options.
	ErrNestedNotAccepted = errors.New("nested: association does not accept nested attributes")
	// ErrInvalidPayload indicates a payload that is neither a hash nor a list of hashes.
	ErrInvalidPayload = errors.New("nested: invalid payload")
	noOpLogger        = zap.NewNop()
)

// Assigner applies nested attribute payloads.
type Assigner struct {
	logger *zap.Logger
}

// NewAssigner returns an Assigner logging to logger, or nowhere when nil.
func NewAssigner(logger *zap.Logger) *Assigner {
	if logger == nil {
		logger = noOpLogger
	}
	return &Assigner{logger: logger}
}

// AssignAttributes assigns plain attributes first, then routes every
// "<association>_attributes" key to Assign in association declaration order.
func (a *Assigner) AssignAttributes(ctx context.Context, record *records.Record, attributes map[string]any) error {
	plain := make(map[string]any, len(attributes))
	for key, value := range attributes {
		if name, ok := strings.CutSuffix(key, AttributesSuffix); ok {
			if _, declared := record.Schema().Association(name); declared {
				continue
			}
		}
		plain[key] = value
	}
	if err := record.Assign(plain); err != nil {
		return err
	}
	for _, def := range record.Schema().Associations() {
		payload, ok := attributes[def.Name()+AttributesSuffix]
		if !ok {
			continue
		}
		if err := a.Assign(ctx, record, def.Name(), payload); err != nil {
			return err
		}
	}
	return nil
}

// Assign applies payload to the association name of record. One-cardinality
// associations take a single hash; collections take a list of hashes or a hash of
// hashes processed in lexicographic key order.
func (a *Assigner) Assign(ctx context.Context, record *records.Record, name string, payload any) error {
	node, err := record.Association(name)
	if err != nil {
		return err
	}
	def := node.Def()
	if def.Nested() == nil {
		return fmt.Errorf("%w: %s.%s", ErrNestedNotAccepted, record.Type(), name)
	}
	if def.Collection() {
		entries, err := collectionEntries(payload)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", record.Type(), name, err)
		}
		return a.assignCollection(ctx, node, entries)
	}
	attributes, ok := asHash(payload)
	if !ok {
		return fmt.Errorf("%w: %s.%s expects a hash, got %T", ErrInvalidPayload, record.Type(), name, payload)
	}
	return a.assignOne(ctx, node, attributes)
}

func (a *Assigner) assignOne(ctx context.Context, node *records.Association, attributes map[string]any) error {
	def := node.Def()
	options := def.Nested()
	existing, err := currentTarget(ctx, node)
	if err != nil {
		return err
	}
	id, hasID, err := entryID(attributes)
	if err != nil {
		return err
	}

	if existing != nil && (options.UpdateOnly || (hasID && !existing.IsNew() && existing.ID() == id)) {
		if rejected(def, attributes) {
			return nil
		}
		return a.assignOrMark(ctx, node, existing, attributes)
	}
	if hasID {
		return &records.NotFoundError{Type: def.Target().Name(), ID: id, Association: def.Name()}
	}
	if destroyFlag(def, attributes) {
		if existing != nil && !existing.IsNew() {
			existing.MarkForDestruction()
		}
		return nil
	}
	if rejected(def, attributes) {
		return nil
	}
	if existing != nil && existing.IsNew() {
		return a.AssignAttributes(ctx, existing, assignable(attributes))
	}
	child, err := node.Build(nil)
	if err != nil {
		return err
	}
	return a.AssignAttributes(ctx, child, assignable(attributes))
}

func (a *Assigner) assignCollection(ctx context.Context, node *records.Association, entries []map[string]any) error {
	def := node.Def()
	options := def.Nested()

	ids := make([]int64, 0, len(entries))
	newEntries := 0
	for _, attributes := range entries {
		id, hasID, err := entryID(attributes)
		if err != nil {
			return err
		}
		if hasID {
			ids = append(ids, id)
			continue
		}
		newEntries++
	}
	if options.Limit > 0 && newEntries > options.Limit {
		return fmt.Errorf("%w: %s accepts at most %d new records, got %d", ErrTooManyRecords, def.Name(), options.Limit, newEntries)
	}

	found, err := node.FindMany(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return &records.NotFoundError{Type: def.Target().Name(), ID: id, Association: def.Name()}
		}
	}
	a.logger.Debug(
		"nested collection assignment",
		zap.String("owner", node.Owner().String()),
		zap.String("association", def.Name()),
		zap.Int("entries", len(entries)),
		zap.Int("existing", len(ids)),
		zap.Bool("loaded", node.Loaded()),
	)

	for _, attributes := range entries {
		id, hasID, _ := entryID(attributes)
		if !hasID {
			if destroyFlag(def, attributes) || rejected(def, attributes) {
				continue
			}
			child, err := node.Build(nil)
			if err != nil {
				return err
			}
			if err := a.AssignAttributes(ctx, child, assignable(attributes)); err != nil {
				return err
			}
			continue
		}
		if rejected(def, attributes) {
			continue
		}
		if err := a.assignOrMark(ctx, node, found[id], attributes); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assigner) assignOrMark(ctx context.Context, node *records.Association, child *records.Record, attributes map[string]any) error {
	if err := a.AssignAttributes(ctx, child, assignable(attributes)); err != nil {
		return err
	}
	if destroyFlag(node.Def(), attributes) {
		child.MarkForDestruction()
	}
	return nil
}

// currentTarget returns the in-memory target of a one-cardinality association,
// loading it for persisted owners.
func currentTarget(ctx context.Context, node *records.Association) (*records.Record, error) {
	if current := node.Reader(); current != nil || node.Loaded() {
		return current, nil
	}
	children, err := node.Children(ctx)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, nil
	}
	return children[0], nil
}

// rejected applies RejectIf, which never vetoes an entry that will be destroyed.
func rejected(def *records.AssociationDef, attributes map[string]any) bool {
	if destroyFlag(def, attributes) {
		return false
	}
	rejectIf := def.Nested().RejectIf
	return rejectIf != nil && rejectIf(attributes)
}

func destroyFlag(def *records.AssociationDef, attributes map[string]any) bool {
	if !def.AllowDestroy() {
		return false
	}
	raw, ok := attributes[keyDestroy]
	if !ok {
		return false
	}
	value, err := records.Cast(records.AttributeDef{Name: keyDestroy, Kind: records.KindBoolean}, raw)
	return err == nil && !value.IsNull() && value.Bool()
}

func assignable(attributes map[string]any) map[string]any {
	copied := make(map[string]any, len(attributes))
	for key, value := range attributes {
		if key == keyID || key == keyDestroy {
			continue
		}
		copied[key] = value
	}
	return copied
}

func entryID(attributes map[string]any) (int64, bool, error) {
	raw, ok := attributes[keyID]
	if !ok {
		return 0, false, nil
	}
	value, err := records.Cast(records.AttributeDef{Name: keyID, Kind: records.KindInteger}, raw)
	if err != nil {
		return 0, false, err
	}
	if value.IsNull() {
		return 0, false, nil
	}
	return value.Int(), true, nil
}

func asHash(payload any) (map[string]any, bool) {
	switch typed := payload.(type) {
	case map[string]any:
		return typed, true
	case map[string]string:
		converted := make(map[string]any, len(typed))
		for key, value := range typed {
			converted[key] = value
		}
		return converted, true
	default:
		return nil, false
	}
}

// collectionEntries normalizes a collection payload. A hash carrying an "id" key is
// a single entry; any other hash is keyed by arbitrary strings sorted lexicographically.
func collectionEntries(payload any) ([]map[string]any, error) {
	switch typed := payload.(type) {
	case []map[string]any:
		return typed, nil
	case []any:
		entries := make([]map[string]any, 0, len(typed))
		for index, item := range typed {
			attributes, ok := asHash(item)
			if !ok {
				return nil, fmt.Errorf("%w: entry %d is %T", ErrInvalidPayload, index, item)
			}
			entries = append(entries, attributes)
		}
		return entries, nil
	case map[string]any:
		if _, single := typed[keyID]; single {
			return []map[string]any{typed}, nil
		}
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		entries := make([]map[string]any, 0, len(keys))
		for _, key := range keys {
			attributes, ok := asHash(typed[key])
			if !ok {
				return nil, fmt.Errorf("%w: entry %q is %T", ErrInvalidPayload, key, typed[key])
			}
			entries = append(entries, attributes)
		}
		return entries, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidPayload, payload)
	}
}
