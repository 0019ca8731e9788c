package records

import (
	"fmt"
)

// State is the lifecycle position of a record.
type State uint8

const (
	// StateNew records have no primary key yet.
	StateNew State = iota
	// StatePersisted records have been inserted or loaded.
	StatePersisted
	// StateDestroyed records were deleted and reject further mutation.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StatePersisted:
		return "persisted"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Record is a live entity: attribute values, their snapshot, and its associations.
// Records are not safe for concurrent use.
type Record struct {
	schema       *Schema
	session      *Session
	id           int64
	state        State
	values       map[string]Value
	tracker      tracker
	previous     ChangeSet
	marked       bool
	errors       Errors
	associations map[string]*Association
}

func newRecord(schema *Schema, session *Session) *Record {
	return &Record{
		schema:       schema,
		session:      session,
		values:       make(map[string]Value, len(schema.attributes)),
		tracker:      newTracker(),
		previous:     ChangeSet{},
		associations: make(map[string]*Association, len(schema.associations)),
	}
}

// Schema returns the record type description.
func (r *Record) Schema() *Schema {
	return r.schema
}

// Type returns the record type name.
func (r *Record) Type() string {
	return r.schema.name
}

// ID returns the primary key, or zero for new records.
func (r *Record) ID() int64 {
	return r.id
}

// State returns the lifecycle state.
func (r *Record) State() State {
	return r.state
}

// IsNew reports whether the record has never been inserted.
func (r *Record) IsNew() bool {
	return r.state == StateNew
}

// IsPersisted reports whether the record is backed by a stored row.
func (r *Record) IsPersisted() bool {
	return r.state == StatePersisted
}

// IsDestroyed reports whether the record was deleted.
func (r *Record) IsDestroyed() bool {
	return r.state == StateDestroyed
}

// Errors returns the validation errors recorded by the last validation run.
func (r *Record) Errors() *Errors {
	return &r.errors
}

// Has reports whether the attribute holds a loaded or assigned value.
func (r *Record) Has(name string) bool {
	_, ok := r.values[name]
	return ok
}

// Attribute returns the current value of name.
func (r *Record) Attribute(name string) (Value, error) {
	if _, ok := r.schema.Attribute(name); !ok {
		return Null(), fmt.Errorf("%w: %s.%s", ErrUnknownAttribute, r.schema.name, name)
	}
	value, ok := r.values[name]
	if !ok {
		return Null(), fmt.Errorf("%w: %s.%s", ErrMissingAttribute, r.schema.name, name)
	}
	return value, nil
}

// Value returns the current value of name, or null when it is unknown or not loaded.
func (r *Record) Value(name string) Value {
	return r.values[name]
}

// Set casts raw to the declared kind and assigns it.
func (r *Record) Set(name string, raw any) error {
	if r.state == StateDestroyed {
		return fmt.Errorf("%w: %s#%d", ErrDestroyedRecord, r.schema.name, r.id)
	}
	def, ok := r.schema.Attribute(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownAttribute, r.schema.name, name)
	}
	value, err := Cast(def, raw)
	if err != nil {
		return err
	}
	r.values[name] = value
	r.tracker.assigned[name] = struct{}{}
	return nil
}

// Assign sets every entry of attributes in declaration order. Unknown names are
// rejected before anything is assigned; a failing cast stops at that entry.
func (r *Record) Assign(attributes map[string]any) error {
	for name := range attributes {
		if _, ok := r.schema.Attribute(name); !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownAttribute, r.schema.name, name)
		}
	}
	for _, def := range r.schema.attributes {
		raw, ok := attributes[def.Name]
		if !ok {
			continue
		}
		if err := r.Set(def.Name, raw); err != nil {
			return err
		}
	}
	return nil
}

// AttributeChanged reports whether name differs from its snapshot.
func (r *Record) AttributeChanged(name string) bool {
	current, present := r.values[name]
	return r.tracker.changed(name, current, present)
}

// Changed reports whether any attribute differs from its snapshot.
func (r *Record) Changed() bool {
	for _, def := range r.schema.attributes {
		if r.AttributeChanged(def.Name) {
			return true
		}
	}
	return false
}

// ChangedAttributes returns the names of changed attributes in declaration order.
func (r *Record) ChangedAttributes() []string {
	var names []string
	for _, def := range r.schema.attributes {
		if r.AttributeChanged(def.Name) {
			names = append(names, def.Name)
		}
	}
	return names
}

// Changes returns the pending change set. It never touches storage.
func (r *Record) Changes() ChangeSet {
	changes := ChangeSet{}
	for _, def := range r.schema.attributes {
		if !r.AttributeChanged(def.Name) {
			continue
		}
		old, known := r.tracker.original(def.Name)
		changes[def.Name] = Change{Old: old, New: r.values[def.Name].clone(), OldKnown: known}
	}
	return changes
}

// AttributeWas returns the snapshot value of name and whether it is known.
func (r *Record) AttributeWas(name string) (Value, bool) {
	return r.tracker.original(name)
}

// WillChange forces name into the change set even if its value compares equal,
// remembering a copy of the current value as the old side.
func (r *Record) WillChange(name string) error {
	if _, ok := r.schema.Attribute(name); !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownAttribute, r.schema.name, name)
	}
	r.tracker.willChange(name, r.values[name])
	return nil
}

// Restore resets name to its snapshot value and drops it from the change set.
func (r *Record) Restore(name string) error {
	if r.state == StateDestroyed {
		return fmt.Errorf("%w: %s#%d", ErrDestroyedRecord, r.schema.name, r.id)
	}
	if _, ok := r.schema.Attribute(name); !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownAttribute, r.schema.name, name)
	}
	entry := r.tracker.snapshot[name]
	if entry.known {
		r.values[name] = entry.value.clone()
	} else {
		delete(r.values, name)
	}
	r.tracker.forget(name)
	return nil
}

// RestoreAll restores every changed attribute.
func (r *Record) RestoreAll() error {
	for _, name := range r.ChangedAttributes() {
		if err := r.Restore(name); err != nil {
			return err
		}
	}
	return nil
}

// PreviousChanges returns the change set captured by the last successful save.
func (r *Record) PreviousChanges() ChangeSet {
	copied := make(ChangeSet, len(r.previous))
	for name, change := range r.previous {
		copied[name] = Change{Old: change.Old.clone(), New: change.New.clone(), OldKnown: change.OldKnown}
	}
	return copied
}

// MarkForDestruction flags the record to be destroyed by the next save of its owner.
func (r *Record) MarkForDestruction() {
	r.marked = true
}

// MarkedForDestruction reports the destruction flag.
func (r *Record) MarkedForDestruction() bool {
	return r.marked
}

// Association returns the runtime association node declared as name.
func (r *Record) Association(name string) (*Association, error) {
	if existing, ok := r.associations[name]; ok {
		return existing, nil
	}
	def, ok := r.schema.Association(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownAssociation, r.schema.name, name)
	}
	association := newAssociation(def, r)
	r.associations[name] = association
	return association, nil
}

// AttachedAssociations returns association nodes that have been touched, in declaration order.
// Untouched associations have neither loaded nor attached children.
func (r *Record) AttachedAssociations() []*Association {
	nodes := make([]*Association, 0, len(r.associations))
	for _, def := range r.schema.associations {
		if node, ok := r.associations[def.name]; ok {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// String identifies the record for logs.
func (r *Record) String() string {
	if r.state == StateNew {
		return r.schema.name + "#new"
	}
	return fmt.Sprintf("%s#%d", r.schema.name, r.id)
}

func (r *Record) applyDefaults() error {
	for _, def := range r.schema.attributes {
		value := Null()
		if def.Default != nil {
			cast, err := Cast(def, def.Default)
			if err != nil {
				return err
			}
			value = cast
		}
		r.values[def.Name] = value
	}
	r.tracker.reset(r.schema, r.values)
	return nil
}

func (r *Record) load(row Row) error {
	id, err := Cast(AttributeDef{Name: r.schema.primaryKey, Kind: KindInteger}, row[r.schema.primaryKey])
	if err != nil {
		return err
	}
	if id.IsNull() {
		return fmt.Errorf("%w: %s row without primary key", ErrInvalidValue, r.schema.name)
	}
	values := make(map[string]Value, len(row))
	for _, def := range r.schema.attributes {
		raw, ok := row[def.Name]
		if !ok {
			continue
		}
		value, err := Cast(def, raw)
		if err != nil {
			return err
		}
		values[def.Name] = value
	}

	r.id = id.Int()
	r.state = StatePersisted
	r.values = values
	r.tracker.reset(r.schema, values)
	r.previous = ChangeSet{}
	r.marked = false
	r.errors.Clear()
	r.associations = make(map[string]*Association, len(r.schema.associations))
	return nil
}
