// Package validation evaluates per-record-type attribute rules expressed as
// go-playground/validator tags plus custom checks.
package validation

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/MarcoPoloResearchLab/rigging/internal/records"
)

// CheckFunc adds failures for rules a tag cannot express.
type CheckFunc func(ctx context.Context, record *records.Record, errs *records.Errors)

type attributeRule struct {
	attribute string
	tag       string
	required  bool
}

// RuleSet holds the rules of every record type. It is safe for concurrent use once
// configured.
type RuleSet struct {
	mu       sync.RWMutex
	validate *validator.Validate
	rules    map[string][]attributeRule
	checks   map[string][]CheckFunc
}

// NewRuleSet returns an empty rule set.
func NewRuleSet() *RuleSet {
	return &RuleSet{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		rules:    make(map[string][]attributeRule),
		checks:   make(map[string][]CheckFunc),
	}
}

// Attribute adds a validator tag such as "required,max=40" for an attribute.
func (s *RuleSet) Attribute(recordType, attribute, tag string) *RuleSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[recordType] = append(s.rules[recordType], attributeRule{
		attribute: attribute,
		tag:       tag,
		required:  hasTag(tag, "required"),
	})
	return s
}

// Check adds a custom check for a record type.
func (s *RuleSet) Check(recordType string, fn CheckFunc) *RuleSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[recordType] = append(s.checks[recordType], fn)
	return s
}

// Validate evaluates the rules of record's type. Attributes that were not loaded
// are skipped; null values only fail "required".
func (s *RuleSet) Validate(ctx context.Context, record *records.Record) []records.FieldError {
	s.mu.RLock()
	rules := s.rules[record.Type()]
	checks := s.checks[record.Type()]
	s.mu.RUnlock()

	var errs records.Errors
	for _, rule := range rules {
		if !record.Has(rule.attribute) {
			continue
		}
		value := record.Value(rule.attribute)
		if value.IsNull() {
			if rule.required {
				errs.Add(rule.attribute, records.ErrorKindBlank)
			}
			continue
		}
		input, ok := validatorInput(value)
		if !ok {
			continue
		}
		if err := s.validate.VarCtx(ctx, input, rule.tag); err != nil {
			errs.Add(rule.attribute, errorKind(err))
		}
	}
	for _, check := range checks {
		check(ctx, record, &errs)
	}
	return errs.All()
}

func validatorInput(value records.Value) (any, bool) {
	switch value.Kind() {
	case records.KindText:
		return value.Text(), true
	case records.KindInteger:
		return value.Int(), true
	case records.KindBoolean:
		return value.Bool(), true
	case records.KindDecimal:
		converted, _ := value.Decimal().Float64()
		return converted, true
	case records.KindTimestamp, records.KindDate:
		return value.Time(), true
	default:
		return nil, false
	}
}

func errorKind(err error) string {
	var failures validator.ValidationErrors
	if !errors.As(err, &failures) || len(failures) == 0 {
		return records.ErrorKindInvalid
	}
	switch failures[0].Tag() {
	case "required":
		return records.ErrorKindBlank
	case "max", "lte", "lt":
		return records.ErrorKindTooLong
	case "min", "gte", "gt":
		return records.ErrorKindTooShort
	case "oneof":
		return records.ErrorKindInclusion
	default:
		return records.ErrorKindInvalid
	}
}

func hasTag(tag, name string) bool {
	for _, part := range strings.Split(tag, ",") {
		if strings.TrimSpace(part) == name {
			return true
		}
	}
	return false
}
