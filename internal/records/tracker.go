package records

// Change pairs the snapshot value of an attribute with its current value.
// OldKnown is false when the attribute was never loaded.
type Change struct {
	Old      Value
	New      Value
	OldKnown bool
}

// ChangeSet maps attribute names to their pending or committed change.
type ChangeSet map[string]Change

// Has reports whether name is part of the change set.
func (c ChangeSet) Has(name string) bool {
	_, ok := c[name]
	return ok
}

// Empty reports whether the change set has no entries.
func (c ChangeSet) Empty() bool {
	return len(c) == 0
}

type snapshotEntry struct {
	value Value
	known bool
}

// tracker holds the attribute snapshot and answers dirty questions against it.
// Snapshot values of mutable kinds are deep copies, so comparing them with the
// live value also detects in-place mutation.
type tracker struct {
	snapshot map[string]snapshotEntry
	forced   map[string]snapshotEntry
	assigned map[string]struct{}
}

func newTracker() tracker {
	return tracker{
		snapshot: make(map[string]snapshotEntry),
		forced:   make(map[string]snapshotEntry),
		assigned: make(map[string]struct{}),
	}
}

// reset replaces the snapshot with copies of values. Attributes of schema that are
// not present in values are recorded as unknown.
func (t *tracker) reset(schema *Schema, values map[string]Value) {
	t.snapshot = make(map[string]snapshotEntry, len(schema.attributes))
	for _, def := range schema.attributes {
		current, ok := values[def.Name]
		if !ok {
			t.snapshot[def.Name] = snapshotEntry{known: false}
			continue
		}
		t.snapshot[def.Name] = snapshotEntry{value: current.clone(), known: true}
	}
	t.forced = make(map[string]snapshotEntry)
	t.assigned = make(map[string]struct{})
}

func (t *tracker) changed(name string, current Value, present bool) bool {
	if _, forced := t.forced[name]; forced {
		return true
	}
	entry := t.snapshot[name]
	if !entry.known {
		_, assigned := t.assigned[name]
		return assigned && present
	}
	if !present {
		return false
	}
	return !Equal(entry.value, current)
}

func (t *tracker) original(name string) (Value, bool) {
	if forced, ok := t.forced[name]; ok {
		if !forced.known {
			return Null(), false
		}
		return forced.value.clone(), true
	}
	entry := t.snapshot[name]
	if !entry.known {
		return Null(), false
	}
	return entry.value.clone(), true
}

func (t *tracker) willChange(name string, current Value) {
	if _, already := t.forced[name]; already {
		return
	}
	t.forced[name] = snapshotEntry{value: current.clone(), known: t.snapshot[name].known}
}

func (t *tracker) forget(name string) {
	delete(t.forced, name)
	delete(t.assigned, name)
}

func (t *tracker) clone() tracker {
	copied := tracker{
		snapshot: make(map[string]snapshotEntry, len(t.snapshot)),
		forced:   make(map[string]snapshotEntry, len(t.forced)),
		assigned: make(map[string]struct{}, len(t.assigned)),
	}
	for name, entry := range t.snapshot {
		copied.snapshot[name] = snapshotEntry{value: entry.value.clone(), known: entry.known}
	}
	for name, entry := range t.forced {
		copied.forced[name] = snapshotEntry{value: entry.value.clone(), known: entry.known}
	}
	for name := range t.assigned {
		copied.assigned[name] = struct{}{}
	}
	return copied
}
