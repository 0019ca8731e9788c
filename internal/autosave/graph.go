package autosave

import (
	"github.com/MarcoPoloResearchLab/rigging/internal/records"
)

// candidates returns the in-memory children of node that take part in the save of
// its owner. Stored children that were never loaded are not considered.
func candidates(node *records.Association, ownerNew bool) []*records.Record {
	def := node.Def()
	if def.Autosave() == records.AutosaveOff {
		return nil
	}
	var selected []*records.Record
	for _, child := range node.Target() {
		if child.IsDestroyed() {
			continue
		}
		switch {
		case child.MarkedForDestruction():
			if def.AllowDestroy() {
				selected = append(selected, child)
			}
		case def.Autosave() == records.AutosaveOn:
			if changedForAutosave(child) || needsKey(node, child) {
				selected = append(selected, child)
			}
		case ownerNew || child.IsNew() || needsKey(node, child):
			selected = append(selected, child)
		}
	}
	return selected
}

// needsKey reports whether child is attached but does not yet carry the linking key.
func needsKey(node *records.Association, child *records.Record) bool {
	def := node.Def()
	owner := node.Owner()
	switch def.Ownership() {
	case records.TargetHoldsKey:
		if owner.IsNew() {
			return true
		}
		key := child.Value(def.ForeignKey())
		return key.IsNull() || key.Int() != owner.ID()
	case records.JoinTableHoldsKey:
		return !node.Linked(child)
	default:
		return false
	}
}

// changedForAutosave reports whether saving record would write anything.
func changedForAutosave(record *records.Record) bool {
	return hasChanges(record, make(map[*records.Record]struct{}))
}

func hasChanges(record *records.Record, visited map[*records.Record]struct{}) bool {
	if _, seen := visited[record]; seen {
		return false
	}
	visited[record] = struct{}{}
	if record.IsNew() || record.Changed() || record.MarkedForDestruction() {
		return true
	}
	return nestedChanges(record, visited)
}

// nestedChanges inspects attached association nodes only; unloaded nodes contribute
// nothing and are never fetched.
func nestedChanges(record *records.Record, visited map[*records.Record]struct{}) bool {
	for _, node := range record.AttachedAssociations() {
		def := node.Def()
		if def.Autosave() == records.AutosaveOff {
			continue
		}
		if len(node.Detached()) > 0 || node.Unresolved() {
			return true
		}
		for _, child := range node.Target() {
			if child.IsDestroyed() {
				continue
			}
			if child.MarkedForDestruction() {
				if def.AllowDestroy() {
					return true
				}
				continue
			}
			if needsKey(node, child) {
				return true
			}
			if def.Autosave() != records.AutosaveOn && !child.IsNew() {
				continue
			}
			if hasChanges(child, visited) {
				return true
			}
		}
	}
	return false
}

// reachable returns record and every in-memory record reachable from it through
// attached association nodes, including detached targets.
func reachable(record *records.Record) []*records.Record {
	visited := make(map[*records.Record]struct{})
	var ordered []*records.Record
	var walk func(*records.Record)
	walk = func(current *records.Record) {
		if _, seen := visited[current]; seen {
			return
		}
		visited[current] = struct{}{}
		ordered = append(ordered, current)
		for _, node := range current.AttachedAssociations() {
			for _, child := range node.Target() {
				walk(child)
			}
			for _, child := range node.Detached() {
				walk(child)
			}
		}
	}
	walk(record)
	return ordered
}
