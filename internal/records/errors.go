package records

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidSchema indicates a record type or association declaration is inconsistent.
	ErrInvalidSchema = errors.New("records: invalid schema")
	// ErrUnknownRecordType indicates a lookup for an unregistered record type.
	ErrUnknownRecordType = errors.New("records: unknown record type")
	// ErrUnknownAttribute indicates an assignment or read of an undeclared attribute.
	ErrUnknownAttribute = errors.New("records: unknown attribute")
	// ErrUnknownAssociation indicates a lookup of an undeclared association.
	ErrUnknownAssociation = errors.New("records: unknown association")
	// ErrMissingAttribute indicates a read of an attribute that was not selected at load time.
	ErrMissingAttribute = errors.New("records: attribute not loaded")
	// ErrInvalidValue indicates input that cannot be cast to the attribute kind.
	ErrInvalidValue = errors.New("records: invalid value")
	// ErrDestroyedRecord indicates a mutation of a destroyed record.
	ErrDestroyedRecord = errors.New("records: record destroyed")
	// ErrRecordNotFound indicates a primary key lookup without a matching row.
	ErrRecordNotFound = errors.New("records: record not found")
	// ErrTargetMismatch indicates a child of the wrong record type was attached.
	ErrTargetMismatch = errors.New("records: association target type mismatch")
	// ErrNewRecord indicates an operation that requires a persisted record.
	ErrNewRecord = errors.New("records: record not persisted")
)

// Error kinds produced by validators. They name the failure, not the message.
const (
	ErrorKindBlank     = "blank"
	ErrorKindInvalid   = "invalid"
	ErrorKindTooLong   = "too_long"
	ErrorKindTooShort  = "too_short"
	ErrorKindInclusion = "inclusion"
	ErrorKindTaken     = "taken"
)

// FieldError is one validation failure keyed by an attribute path such as "ship.name".
type FieldError struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

func (e FieldError) String() string {
	return e.Path + " " + e.Kind
}

// Errors is the ordered validation error list attached to a record.
type Errors struct {
	items []FieldError
}

// Add appends a failure unless the same path and kind is already present.
func (e *Errors) Add(path, kind string) {
	for _, item := range e.items {
		if item.Path == path && item.Kind == kind {
			return
		}
	}
	e.items = append(e.items, FieldError{Path: path, Kind: kind})
}

// Merge appends every failure of other with each path prefixed by prefix and a dot.
func (e *Errors) Merge(prefix string, other []FieldError) {
	for _, item := range other {
		path := item.Path
		if prefix != "" {
			path = prefix + "." + path
		}
		e.Add(path, item.Kind)
	}
}

// Clear drops every failure.
func (e *Errors) Clear() {
	e.items = nil
}

// Empty reports whether no failure is recorded.
func (e *Errors) Empty() bool {
	return len(e.items) == 0
}

// Len returns the number of failures.
func (e *Errors) Len() int {
	return len(e.items)
}

// All returns a copy of the failures in insertion order.
func (e *Errors) All() []FieldError {
	return append([]FieldError(nil), e.items...)
}

// On returns the kinds recorded for path.
func (e *Errors) On(path string) []string {
	var kinds []string
	for _, item := range e.items {
		if item.Path == path {
			kinds = append(kinds, item.Kind)
		}
	}
	return kinds
}

// Paths returns the distinct paths carrying failures, sorted.
func (e *Errors) Paths() []string {
	seen := make(map[string]struct{}, len(e.items))
	paths := make([]string, 0, len(e.items))
	for _, item := range e.items {
		if _, ok := seen[item.Path]; ok {
			continue
		}
		seen[item.Path] = struct{}{}
		paths = append(paths, item.Path)
	}
	sort.Strings(paths)
	return paths
}

// Error renders the list so Errors can be wrapped as an error value.
func (e *Errors) Error() string {
	parts := make([]string, 0, len(e.items))
	for _, item := range e.items {
		parts = append(parts, item.String())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(parts, ", "))
}
