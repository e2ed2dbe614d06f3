package engine

import (
	"fmt"
	"strings"
)

// Validation error codes.
const (
	// CodeRequired marks a required field that is absent or null.
	CodeRequired = "required"
	// CodeTypeMismatch marks a value that failed type coercion.
	CodeTypeMismatch = "type_mismatch"
	// CodeCustomRule marks a value rejected by the field's validator.
	CodeCustomRule = "custom_rule"
	// CodeUnique marks a value already used by another record.
	CodeUnique = "unique"
	// CodeUnknownField marks a field not declared on the model.
	CodeUnknownField = "unknown_field"
)

// FieldError is one field-level validation problem.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError carries the complete list of field problems for a write.
// All fields are checked before returning so the caller can present every
// problem at once. The write is fully rejected; nothing is partially applied.
type ValidationError struct {
	Model  string       `json:"model"`
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fmt.Sprintf("%s: %s", fe.Field, fe.Message)
	}
	return fmt.Sprintf("validation of %s failed: %s", e.Model, strings.Join(parts, "; "))
}

// Has reports whether the error list contains the given field/code pair.
func (e *ValidationError) Has(field, code string) bool {
	for _, fe := range e.Errors {
		if fe.Field == field && fe.Code == code {
			return true
		}
	}
	return false
}

func (e *ValidationError) add(field, code, format string, args ...any) {
	e.Errors = append(e.Errors, FieldError{
		Field:   field,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	})
}

// NotFoundError reports a missing record.
type NotFoundError struct {
	Model string
	ID    int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Model, e.ID)
}

// IntegrityError reports a relation pointing at a nonexistent record. The
// offending write is fully rejected; no partial mutation reaches the store.
type IntegrityError struct {
	Model    string
	Relation string
	Target   string
	TargetID int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s.%s: dangling reference to %s %d", e.Model, e.Relation, e.Target, e.TargetID)
}
