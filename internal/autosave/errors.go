package autosave

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/rigging/internal/records"
)

var (
	errMissingSession    = errors.New("autosave: session is required")
	errMissingIDProvider = errors.New("autosave: id provider is required")
)

const (
	opEngineNew = "autosave.engine.new"
	opSave      = "autosave.save"
	opDestroy   = "autosave.destroy"
)

// ServiceError carries a stable code of the form "<operation>.<reason>".
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StorageError wraps a store failure raised while writing. The transaction has been
// rolled back and every record restored to its state before the call.
type StorageError struct {
	Op     string
	Record string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("autosave: %s %s: %v", e.Op, e.Record, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ValidationFailedError is returned by SaveStrict when the record graph is invalid.
type ValidationFailedError struct {
	Record string
	Errors []records.FieldError
}

func (e *ValidationFailedError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, item := range e.Errors {
		parts = append(parts, item.String())
	}
	return fmt.Sprintf("autosave: %s is invalid: %s", e.Record, strings.Join(parts, ", "))
}
