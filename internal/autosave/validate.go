package autosave

import (
	"context"

	"github.com/MarcoPoloResearchLab/rigging/internal/records"
)

// Validator reports attribute failures for a single record.
type Validator interface {
	Validate(ctx context.Context, record *records.Record) []records.FieldError
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, record *records.Record) []records.FieldError

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, record *records.Record) []records.FieldError {
	return f(ctx, record)
}

// validateGraph validates record and every child that would be saved with it.
// Children marked for destruction are never validated. Child failures are merged
// into the owner under "<association>.<path>".
func (e *Engine) validateGraph(ctx context.Context, record *records.Record) bool {
	return e.validateRecord(ctx, record, make(map[*records.Record]struct{}))
}

func (e *Engine) validateRecord(ctx context.Context, record *records.Record, visited map[*records.Record]struct{}) bool {
	visited[record] = struct{}{}
	errs := record.Errors()
	errs.Clear()
	if e.validator != nil {
		for _, failure := range e.validator.Validate(ctx, record) {
			errs.Add(failure.Path, failure.Kind)
		}
	}
	for _, node := range record.AttachedAssociations() {
		def := node.Def()
		if !def.Validates() {
			continue
		}
		for _, child := range candidates(node, record.IsNew()) {
			if child.MarkedForDestruction() {
				continue
			}
			if _, seen := visited[child]; seen {
				continue
			}
			if !e.validateRecord(ctx, child, visited) {
				errs.Merge(def.Name(), child.Errors().All())
			}
		}
	}
	return errs.Empty()
}
