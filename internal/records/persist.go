package records

import (
	"fmt"
)

// InsertRow returns the driver values for inserting record. Attributes that were
// never loaded are omitted so the store applies its own defaults.
func (r *Record) InsertRow() (Row, error) {
	row := make(Row, len(r.values))
	for _, def := range r.schema.attributes {
		value, ok := r.values[def.Name]
		if !ok {
			continue
		}
		encoded, err := encodeDriverValue(value)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", r.schema.name, def.Name, err)
		}
		row[def.Name] = encoded
	}
	return row, nil
}

// UpdateRow returns the driver values of changed attributes only.
func (r *Record) UpdateRow() (Row, error) {
	row := Row{}
	for _, name := range r.ChangedAttributes() {
		encoded, err := encodeDriverValue(r.values[name])
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", r.schema.name, name, err)
		}
		row[name] = encoded
	}
	return row, nil
}

// MarkInserted records the primary key assigned by the store.
func (r *Record) MarkInserted(id int64) {
	r.id = id
	r.state = StatePersisted
}

// CommitChanges moves the pending change set to PreviousChanges and snapshots the
// current values. It is called once the enclosing transaction has committed.
func (r *Record) CommitChanges() {
	r.previous = r.Changes()
	r.tracker.reset(r.schema, r.values)
}

// MarkDestroyed freezes the record after its row was deleted.
func (r *Record) MarkDestroyed() {
	r.state = StateDestroyed
	r.marked = false
}

// Checkpoint is the in-memory pre-image of a record and its association nodes.
type Checkpoint struct {
	record       *Record
	id           int64
	state        State
	values       map[string]Value
	tracker      tracker
	previous     ChangeSet
	marked       bool
	associations map[string]*Association
	nodes        map[*Association]associationImage
}

type associationImage struct {
	loaded     bool
	target     []*Record
	byID       map[int64]*Record
	detached   []*Record
	linked     map[*Record]struct{}
	unresolved bool
}

// Checkpoint captures the current in-memory state of r.
func (r *Record) Checkpoint() *Checkpoint {
	values := make(map[string]Value, len(r.values))
	for name, value := range r.values {
		values[name] = value.clone()
	}
	associations := make(map[string]*Association, len(r.associations))
	nodes := make(map[*Association]associationImage, len(r.associations))
	for name, node := range r.associations {
		associations[name] = node
		nodes[node] = node.image()
	}
	return &Checkpoint{
		record:       r,
		id:           r.id,
		state:        r.state,
		values:       values,
		tracker:      r.tracker.clone(),
		previous:     r.previous,
		marked:       r.marked,
		associations: associations,
		nodes:        nodes,
	}
}

// Restore puts the record back into the captured state. Validation errors gathered
// after the checkpoint are kept.
func (c *Checkpoint) Restore() {
	r := c.record
	r.id = c.id
	r.state = c.state
	r.values = make(map[string]Value, len(c.values))
	for name, value := range c.values {
		r.values[name] = value.clone()
	}
	r.tracker = c.tracker.clone()
	r.previous = c.previous
	r.marked = c.marked
	r.associations = make(map[string]*Association, len(c.associations))
	for name, node := range c.associations {
		r.associations[name] = node
		node.restore(c.nodes[node])
	}
}

func (a *Association) image() associationImage {
	byID := make(map[int64]*Record, len(a.byID))
	for id, child := range a.byID {
		byID[id] = child
	}
	linked := make(map[*Record]struct{}, len(a.linked))
	for child := range a.linked {
		linked[child] = struct{}{}
	}
	return associationImage{
		loaded:     a.loaded,
		target:     append([]*Record(nil), a.target...),
		byID:       byID,
		detached:   append([]*Record(nil), a.detached...),
		linked:     linked,
		unresolved: a.unresolved,
	}
}

func (a *Association) restore(image associationImage) {
	a.loaded = image.loaded
	a.target = image.target
	a.byID = image.byID
	a.detached = image.detached
	a.linked = image.linked
	a.unresolved = image.unresolved
}
