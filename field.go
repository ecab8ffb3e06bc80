package documap

import (
	"reflect"
	"strings"
	"sync/atomic"
)

// FieldKind is the closed set of field categories the engine dispatches on.
type FieldKind int

const (
	KindScalar FieldKind = iota
	KindCompound
	KindReference
)

// Field is the per-field accessor table. Decode is best effort and never
// fails, Encode and Validate are strict, PrepareQueryValue coerces a value
// for use inside a compiled filter or update.
type Field interface {
	Descriptor() *FieldBase
	Kind() FieldKind
	Decode(v any) any
	Encode(v any) (any, error)
	Validate(v any) error
	PrepareQueryValue(op string, v any) (any, error)
}

// fieldOrder is the global creation counter. Explicit fields draw
// increasing positive values, synthesized primary keys draw decreasing
// negative ones so they always sort first.
var (
	fieldOrder     atomic.Int64
	autoFieldOrder atomic.Int64
)

func nextFieldOrder() int64     { return fieldOrder.Add(1) }
func nextAutoFieldOrder() int64 { return autoFieldOrder.Add(-1) }

// FieldBase carries the configuration shared by every field kind.
// DBName defaults to Name; the synthesized primary key stores under "_id".
type FieldBase struct {
	Name       string
	DBName     string
	Required   bool
	PrimaryKey bool
	Nullable   bool
	Default    any
	Choices    []any
	Validator  func(v any) error

	order int64
}

func (b *FieldBase) Descriptor() *FieldBase { return b }

// Order returns the creation order used to sort the schema's field list.
func (b *FieldBase) Order() int64 { return b.order }

// DefaultValue resolves the configured default, calling it when it is a
// func() any factory.
func (b *FieldBase) DefaultValue() any {
	if fn, ok := b.Default.(func() any); ok {
		return fn()
	}
	return b.Default
}

// HasDefault reports whether a default was configured at all.
func (b *FieldBase) HasDefault() bool { return b.Default != nil }

// prepare assigns the db name and creation order. Called once when the
// field is added to a builder.
func (b *FieldBase) prepare(typeName string) error {
	if b.Name == "" {
		return &InvalidSchemaError{TypeName: typeName, Reason: "field with empty name"}
	}
	if b.DBName == "" {
		if b.PrimaryKey {
			b.DBName = "_id"
		} else {
			b.DBName = b.Name
		}
	}
	if err := checkDBName(typeName, b.DBName); err != nil {
		return err
	}
	if b.order == 0 {
		if b.PrimaryKey && b.DBName == "_id" && b.Name == "id" {
			b.order = nextAutoFieldOrder()
		} else {
			b.order = nextFieldOrder()
		}
	}
	return nil
}

func checkDBName(typeName, name string) error {
	switch {
	case strings.ContainsAny(name, ".\x00"):
		return &InvalidSchemaError{TypeName: typeName,
			Reason: "db name " + name + " contains an illegal character"}
	case strings.HasPrefix(name, "$") && name != "_id":
		return &InvalidSchemaError{TypeName: typeName,
			Reason: "db name " + name + " must not start with a dollar sign"}
	}
	return nil
}

// validateCommon applies the choice list and the custom validator. Field
// specific checks run before this.
func (b *FieldBase) validateCommon(v any) error {
	if len(b.Choices) > 0 {
		found := false
		for _, c := range b.Choices {
			if equalValues(c, v) {
				found = true
				break
			}
		}
		if !found {
			return newValidationError(b.Name, "value %v is not an allowed choice", v)
		}
	}
	if b.Validator != nil {
		if err := b.Validator(v); err != nil {
			if ve, ok := err.(*ValidationError); ok {
				if ve.FieldName == "" {
					ve.FieldName = b.Name
				}
				return ve
			}
			return &ValidationError{FieldName: b.Name, Msg: err.Error()}
		}
	}
	return nil
}

// mutatingUpdateOp reports whether a prepare_query_value call comes from an
// update operator that writes the value into the document, in which case
// validation applies on top of coercion.
func mutatingUpdateOp(op string) bool {
	switch op {
	case "", "set", "setOnInsert", "push", "pushAll", "addToSet":
		return true
	}
	return false
}

// equalValues compares two decoded values, treating incomparable values as
// unequal so callers err on the side of marking a change.
func equalValues(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	// Numeric values compare across widths.
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Ptr returns a pointer to v. Used for the optional bounds on the numeric
// and string fields.
func Ptr[T any](v T) *T { return &v }
