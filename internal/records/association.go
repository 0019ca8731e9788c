package records

import (
	"context"
	"fmt"
	"sort"
)

// AssociationKind is the declared relationship type.
type AssociationKind uint8

const (
	// HasOne: the target row holds a foreign key to the owner; at most one target.
	HasOne AssociationKind = iota + 1
	// BelongsTo: the owner row holds a foreign key to the target.
	BelongsTo
	// HasMany: target rows hold a foreign key to the owner.
	HasMany
	// HasAndBelongsToMany: a join table pairs owner and target keys.
	HasAndBelongsToMany
)

func (k AssociationKind) String() string {
	switch k {
	case HasOne:
		return "has_one"
	case BelongsTo:
		return "belongs_to"
	case HasMany:
		return "has_many"
	case HasAndBelongsToMany:
		return "has_and_belongs_to_many"
	default:
		return fmt.Sprintf("association(%d)", uint8(k))
	}
}

// Ownership names which side stores the key linking owner and target.
type Ownership uint8

const (
	// OwnerHoldsKey: the owner is written after its target so the key is known.
	OwnerHoldsKey Ownership = iota + 1
	// TargetHoldsKey: targets are written after the owner.
	TargetHoldsKey
	// JoinTableHoldsKey: owner, then targets, then join rows.
	JoinTableHoldsKey
)

// AutosaveMode is the tri-state autosave flag.
type AutosaveMode uint8

const (
	// AutosaveUnset saves only new children.
	AutosaveUnset AutosaveMode = iota
	// AutosaveOn saves new and changed children and honors destruction marks.
	AutosaveOn
	// AutosaveOff never cascades saves.
	AutosaveOff
)

// NestedOptions enables nested attribute assignment on an association.
type NestedOptions struct {
	// RejectIf drops incoming new-record hashes for which it returns true.
	RejectIf func(attributes map[string]any) bool
	// Limit caps the number of new entries in one payload; zero disables the cap.
	Limit int
	// UpdateOnly makes one-cardinality payloads update the existing child regardless of id.
	UpdateOnly bool
}

// RejectAllBlank rejects hashes whose values, ignoring _destroy, are all blank.
func RejectAllBlank(attributes map[string]any) bool {
	for key, value := range attributes {
		if key == "_destroy" {
			continue
		}
		if value == nil {
			continue
		}
		if text, ok := value.(string); ok && isBlank(text) {
			continue
		}
		return false
	}
	return true
}

// AssociationConfig declares an association at registration time.
type AssociationConfig struct {
	Name   string
	Kind   AssociationKind
	Target string
	// ForeignKey defaults to "<name>_id" for BelongsTo and "<owner type>_id" otherwise.
	ForeignKey string
	// JoinTable and AssociationForeignKey are used by HasAndBelongsToMany only.
	JoinTable             string
	AssociationForeignKey string
	Autosave              AutosaveMode
	// Validate overrides the default of validating when autosave is on or for collections.
	Validate     *bool
	AllowDestroy bool
	Nested       *NestedOptions
}

// AssociationDef is the static description of one association edge.
type AssociationDef struct {
	name         string
	kind         AssociationKind
	owner        *Schema
	target       *Schema
	foreignKey   string
	joinTable    string
	targetKey    string
	autosave     AutosaveMode
	validate     *bool
	allowDestroy bool
	nested       *NestedOptions
}

func (d *AssociationDef) resolveKeys() error {
	switch d.kind {
	case BelongsTo:
		if d.foreignKey == "" {
			d.foreignKey = d.name + "_id"
		}
		return requireIntegerColumn(d.owner, d.foreignKey)
	case HasOne, HasMany:
		if d.foreignKey == "" {
			d.foreignKey = d.owner.name + "_id"
		}
		return requireIntegerColumn(d.target, d.foreignKey)
	case HasAndBelongsToMany:
		if d.foreignKey == "" {
			d.foreignKey = d.owner.name + "_id"
		}
		if d.targetKey == "" {
			d.targetKey = d.target.name + "_id"
		}
		if d.joinTable == "" {
			tables := []string{d.owner.table, d.target.table}
			sort.Strings(tables)
			d.joinTable = tables[0] + "_" + tables[1]
		}
		return nil
	default:
		return fmt.Errorf("%w: %s.%s: unknown association kind", ErrInvalidSchema, d.owner.name, d.name)
	}
}

// Name returns the association name.
func (d *AssociationDef) Name() string { return d.name }

// Kind returns the declared relationship type.
func (d *AssociationDef) Kind() AssociationKind { return d.kind }

// Owner returns the declaring record type.
func (d *AssociationDef) Owner() *Schema { return d.owner }

// Target returns the associated record type.
func (d *AssociationDef) Target() *Schema { return d.target }

// ForeignKey returns the key column; see AssociationConfig for which table holds it.
func (d *AssociationDef) ForeignKey() string { return d.foreignKey }

// Autosave returns the tri-state autosave flag.
func (d *AssociationDef) Autosave() AutosaveMode { return d.autosave }

// AllowDestroy reports whether destruction marks are honored.
func (d *AssociationDef) AllowDestroy() bool { return d.allowDestroy }

// Nested returns the nested attribute options, or nil when not accepted.
func (d *AssociationDef) Nested() *NestedOptions { return d.nested }

// Collection reports whether the association holds many targets.
func (d *AssociationDef) Collection() bool {
	return d.kind == HasMany || d.kind == HasAndBelongsToMany
}

// Ownership reports which side stores the linking key.
func (d *AssociationDef) Ownership() Ownership {
	switch d.kind {
	case BelongsTo:
		return OwnerHoldsKey
	case HasAndBelongsToMany:
		return JoinTableHoldsKey
	default:
		return TargetHoldsKey
	}
}

// Validates reports whether children are validated with the owner.
func (d *AssociationDef) Validates() bool {
	if d.validate != nil {
		return *d.validate
	}
	return d.autosave == AutosaveOn || d.Collection()
}

// JoinTable returns the join table description for HasAndBelongsToMany.
func (d *AssociationDef) JoinTable() JoinTable {
	return JoinTable{Name: d.joinTable, OwnerColumn: d.foreignKey, TargetColumn: d.targetKey}
}

// Association is the runtime node connecting one owner record to its targets.
type Association struct {
	def      *AssociationDef
	owner    *Record
	loaded   bool
	target   []*Record
	byID     map[int64]*Record
	detached []*Record
	linked   map[*Record]struct{}

	// unresolved is set when a has-one target was replaced before the stored one
	// was fetched. The stored target is detached on save.
	unresolved bool
}

func newAssociation(def *AssociationDef, owner *Record) *Association {
	return &Association{
		def:    def,
		owner:  owner,
		byID:   make(map[int64]*Record),
		linked: make(map[*Record]struct{}),
	}
}

// Def returns the static description.
func (a *Association) Def() *AssociationDef {
	return a.def
}

// Owner returns the record the association belongs to.
func (a *Association) Owner() *Record {
	return a.owner
}

// Loaded reports whether the stored targets have been fetched.
func (a *Association) Loaded() bool {
	return a.loaded
}

// Target returns the in-memory targets without fetching.
func (a *Association) Target() []*Record {
	return append([]*Record(nil), a.target...)
}

// Reader returns the single in-memory target of a one-cardinality association.
func (a *Association) Reader() *Record {
	if len(a.target) == 0 {
		return nil
	}
	return a.target[0]
}

// Detached returns previously attached persisted targets replaced by Attach.
func (a *Association) Detached() []*Record {
	return append([]*Record(nil), a.detached...)
}

// Unresolved reports whether a replaced has-one target was never fetched and may
// still hold the owner key in storage.
func (a *Association) Unresolved() bool {
	return a.unresolved
}

// ResolveDetached fetches stored targets through store that still reference the
// owner after an unloaded has-one replacement and adds them to Detached. The current
// target is never detached.
func (a *Association) ResolveDetached(ctx context.Context, store Store) error {
	if !a.unresolved {
		return nil
	}
	rows, err := store.FetchWhere(ctx, Query{
		Table:  TableOf(a.def.target),
		Column: a.def.foreignKey,
		Value:  a.owner.id,
	})
	if err != nil {
		return err
	}
	current := a.Reader()
	for _, row := range rows {
		stored := newRecord(a.def.target, a.owner.session)
		if err := stored.load(row); err != nil {
			return err
		}
		if current != nil && current.id == stored.id {
			continue
		}
		a.detached = append(a.detached, stored)
	}
	a.unresolved = false
	return nil
}

// Linked reports whether a join row is known to exist for child.
func (a *Association) Linked(child *Record) bool {
	_, ok := a.linked[child]
	return ok
}

// Attach adds child to the association. One-cardinality associations replace their
// current target; a replaced persisted target is detached, never destroyed.
func (a *Association) Attach(child *Record) error {
	if child == nil {
		if a.def.Collection() {
			return fmt.Errorf("%w: nil child for %s", ErrTargetMismatch, a.def.name)
		}
		a.replace(nil)
		return nil
	}
	if child.schema != a.def.target {
		return fmt.Errorf("%w: %s.%s expects %s, got %s", ErrTargetMismatch, a.def.owner.name, a.def.name, a.def.target.name, child.schema.name)
	}
	if !a.def.Collection() {
		a.replace(child)
		return nil
	}
	if a.contains(child) {
		return nil
	}
	a.add(child)
	return nil
}

// Build instantiates a new target with attributes and attaches it.
func (a *Association) Build(attributes map[string]any) (*Record, error) {
	child := newRecord(a.def.target, a.owner.session)
	if err := child.applyDefaults(); err != nil {
		return nil, err
	}
	if err := child.Assign(attributes); err != nil {
		return nil, err
	}
	if err := a.Attach(child); err != nil {
		return nil, err
	}
	return child, nil
}

// MarkForDestruction flags child; the next save of the owner destroys it.
func (a *Association) MarkForDestruction(child *Record) error {
	if !a.contains(child) {
		return fmt.Errorf("%w: %s is not attached to %s.%s", ErrTargetMismatch, child, a.owner, a.def.name)
	}
	child.MarkForDestruction()
	return nil
}

// Children returns every target, fetching stored targets on first use for persisted
// owners. Targets attached before the fetch keep their in-memory instances.
func (a *Association) Children(ctx context.Context) ([]*Record, error) {
	if a.loaded || a.owner.IsNew() {
		return a.Target(), nil
	}
	if a.owner.session == nil {
		return nil, fmt.Errorf("%w: %s has no session", ErrNewRecord, a.owner)
	}
	fetched, err := a.owner.session.loadAssociation(ctx, a, nil)
	if err != nil {
		return nil, err
	}
	a.merge(fetched, true)
	a.loaded = true
	return a.Target(), nil
}

// Find returns the target with id. Attached targets are consulted first; an unloaded
// collection is then queried for that id only, never loaded in full.
func (a *Association) Find(ctx context.Context, id int64) (*Record, error) {
	if child, ok := a.byID[id]; ok {
		return child, nil
	}
	if a.loaded || a.owner.IsNew() {
		return nil, a.notFound(id)
	}
	if !a.def.Collection() {
		if _, err := a.Children(ctx); err != nil {
			return nil, err
		}
		if child, ok := a.byID[id]; ok {
			return child, nil
		}
		return nil, a.notFound(id)
	}
	if a.owner.session == nil {
		return nil, a.notFound(id)
	}
	fetched, err := a.owner.session.loadAssociation(ctx, a, []int64{id})
	if err != nil {
		return nil, err
	}
	a.merge(fetched, false)
	if child, ok := a.byID[id]; ok {
		return child, nil
	}
	return nil, a.notFound(id)
}

// FindMany resolves several ids with a single targeted query for the ones not attached.
func (a *Association) FindMany(ctx context.Context, ids []int64) (map[int64]*Record, error) {
	found := make(map[int64]*Record, len(ids))
	var missing []int64
	for _, id := range ids {
		if child, ok := a.byID[id]; ok {
			found[id] = child
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 || a.loaded || a.owner.IsNew() {
		return found, nil
	}
	if !a.def.Collection() {
		if _, err := a.Children(ctx); err != nil {
			return nil, err
		}
	} else if a.owner.session != nil {
		fetched, err := a.owner.session.loadAssociation(ctx, a, missing)
		if err != nil {
			return nil, err
		}
		a.merge(fetched, false)
	}
	for _, id := range missing {
		if child, ok := a.byID[id]; ok {
			found[id] = child
		}
	}
	return found, nil
}

// Remove drops child from the in-memory targets.
func (a *Association) Remove(child *Record) {
	kept := a.target[:0]
	for _, existing := range a.target {
		if existing != child {
			kept = append(kept, existing)
		}
	}
	a.target = kept
	if child.id != 0 && a.byID[child.id] == child {
		delete(a.byID, child.id)
	}
	delete(a.linked, child)
}

// Link records that a join row now exists for child.
func (a *Association) Link(child *Record) {
	a.linked[child] = struct{}{}
	if child.id != 0 {
		a.byID[child.id] = child
	}
}

// Index registers child under its primary key after it was inserted.
func (a *Association) Index(child *Record) {
	if child.id != 0 && a.contains(child) {
		a.byID[child.id] = child
	}
}

// ClearDetached forgets detached targets once their keys were nullified.
func (a *Association) ClearDetached() {
	a.detached = nil
}

func (a *Association) notFound(id int64) error {
	return &NotFoundError{Type: a.def.target.name, ID: id, Association: a.def.name}
}

func (a *Association) contains(child *Record) bool {
	for _, existing := range a.target {
		if existing == child {
			return true
		}
	}
	return false
}

func (a *Association) add(child *Record) {
	a.target = append(a.target, child)
	if child.id != 0 {
		a.byID[child.id] = child
	}
}

func (a *Association) replace(child *Record) {
	if a.def.kind == HasOne && !a.loaded && a.owner.IsPersisted() {
		a.unresolved = true
	}
	if current := a.Reader(); current != nil && current != child {
		if current.IsPersisted() && a.def.kind == HasOne {
			a.detached = append(a.detached, current)
		}
		a.Remove(current)
	}
	if child != nil && !a.contains(child) {
		a.add(child)
	}
	if a.def.kind == BelongsTo {
		a.syncOwnerKey(child)
	}
	// An explicit replacement counts as the loaded state for one-cardinality nodes.
	a.loaded = true
}

func (a *Association) syncOwnerKey(child *Record) {
	if child == nil {
		_ = a.owner.Set(a.def.foreignKey, nil)
		return
	}
	if child.id != 0 {
		_ = a.owner.Set(a.def.foreignKey, child.id)
	}
}

func (a *Association) merge(fetched []*Record, includeAll bool) {
	for _, child := range fetched {
		if _, exists := a.byID[child.id]; exists {
			continue
		}
		if !includeAll && a.loaded {
			continue
		}
		a.add(child)
		if a.def.kind == HasAndBelongsToMany {
			a.linked[child] = struct{}{}
		}
	}
}

// NotFoundError reports a target id that could not be resolved under its owner.
type NotFoundError struct {
	Type        string
	ID          int64
	Association string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("records: couldn't find %s with id %d for association %s", e.Type, e.ID, e.Association)
}

// Is lets errors.Is match ErrRecordNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrRecordNotFound
}
