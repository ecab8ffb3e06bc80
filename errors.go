package documap

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrDuplicateConditions is returned when two query leaves in the same
// conjunction constrain the same raw key and cannot be merged.
var ErrDuplicateConditions = errors.New("documap: duplicate query conditions")

// ErrNotRegistered is returned when a class tag has no schema in the registry.
var ErrNotRegistered = errors.New("documap: schema not registered")

// InvalidSchemaError reports a schema that cannot be constructed.
type InvalidSchemaError struct {
	TypeName string
	Reason   string
}

func (e *InvalidSchemaError) Error() string {
	return fmt.Sprintf("documap: invalid schema %q: %s", e.TypeName, e.Reason)
}

// FieldDoesNotExistError reports access to a field the schema does not define.
type FieldDoesNotExistError struct {
	TypeName string
	Name     string
}

func (e *FieldDoesNotExistError) Error() string {
	return fmt.Sprintf("documap: field %q does not exist on %q", e.Name, e.TypeName)
}

// LookupError reports a query path that cannot be resolved against a schema.
type LookupError struct {
	Segment string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("documap: cannot resolve field %q", e.Segment)
}

// EncodingError reports a value that cannot be converted to its storage form.
type EncodingError struct {
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("documap: cannot encode value: %s", e.Reason)
	}
	return fmt.Sprintf("documap: cannot encode field %q: %s", e.Field, e.Reason)
}

// InvalidQueryError reports a filter or update spec that cannot be compiled.
type InvalidQueryError struct {
	Msg string
	Err error
}

func (e *InvalidQueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("documap: invalid query: %s", e.Err)
	}
	return fmt.Sprintf("documap: invalid query: %s", e.Msg)
}

func (e *InvalidQueryError) Unwrap() error { return e.Err }

// NotUniqueError wraps a unique index violation reported by the server.
type NotUniqueError struct {
	Err error
}

func (e *NotUniqueError) Error() string {
	return fmt.Sprintf("documap: not unique: %s", e.Err)
}

func (e *NotUniqueError) Unwrap() error { return e.Err }

// OperationError wraps a server side failure of a write or read.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("documap: %s failed: %s", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// DoesNotExistError is returned by Get when no document matches.
type DoesNotExistError struct {
	TypeName string
}

func (e *DoesNotExistError) Error() string {
	return fmt.Sprintf("documap: %s matching query does not exist", e.TypeName)
}

// MultipleObjectsReturnedError is returned by Get when more than one
// document matches.
type MultipleObjectsReturnedError struct {
	TypeName string
}

func (e *MultipleObjectsReturnedError) Error() string {
	return fmt.Sprintf("documap: multiple %s objects returned instead of one", e.TypeName)
}

// ValidationError reports an invalid field value. Compound and document
// level validation aggregate the per-member errors under Errors.
type ValidationError struct {
	FieldName string
	Msg       string
	Errors    map[string]error
}

func (e *ValidationError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = "validation failed"
	}
	if e.FieldName != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.FieldName)
	}
	if len(e.Errors) == 0 {
		return "documap: " + msg
	}
	keys := make([]string, 0, len(e.Errors))
	for k := range e.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Errors[k]))
	}
	return fmt.Sprintf("documap: %s: [%s]", msg, strings.Join(parts, ", "))
}

// ToMap flattens nested validation errors into a path keyed map.
func (e *ValidationError) ToMap() map[string]any {
	if len(e.Errors) == 0 {
		return map[string]any{e.FieldName: e.Msg}
	}
	out := make(map[string]any, len(e.Errors))
	for k, v := range e.Errors {
		var nested *ValidationError
		if errors.As(v, &nested) && len(nested.Errors) > 0 {
			out[k] = nested.ToMap()
		} else {
			out[k] = v.Error()
		}
	}
	return out
}

func newValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{FieldName: field, Msg: fmt.Sprintf(format, args...)}
}
