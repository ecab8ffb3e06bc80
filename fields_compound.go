package documap

import (
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// MemberLookup is implemented by fields whose members can be addressed by
// a path segment in a filter or update key.
type MemberLookup interface {
	LookupMember(name string) Field
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case bson.A:
		return s, true
	case *TrackedList:
		return s.elems, true
	}
	return nil, false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case bson.M:
		return m, true
	case *TrackedMap:
		return m.elems, true
	}
	return nil, false
}

// ListField wraps an inner field, storing multiple instances of it as an
// array. A nil Inner makes the elements opaque.
type ListField struct {
	FieldBase
	Inner     Field
	MaxLength *int
}

func (f *ListField) Kind() FieldKind { return KindCompound }

func (f *ListField) Decode(v any) any {
	elems, ok := asSlice(v)
	if !ok {
		return v
	}
	out := make([]any, len(elems))
	for i, e := range elems {
		if f.Inner != nil && e != nil {
			out[i] = f.Inner.Decode(e)
		} else {
			out[i] = e
		}
	}
	return out
}

func (f *ListField) Encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	elems, ok := asSlice(v)
	if !ok {
		return nil, &EncodingError{Field: f.Name, Reason: "value is not a list"}
	}
	out := make([]any, len(elems))
	for i, e := range elems {
		if f.Inner == nil || e == nil {
			out[i] = e
			continue
		}
		enc, err := f.Inner.Encode(e)
		if err != nil {
			return nil, err
		}
		out[i] = enc
	}
	return out, nil
}

func (f *ListField) Validate(v any) error {
	elems, ok := asSlice(v)
	if !ok {
		return newValidationError(f.Name, "only lists may be used in a list field")
	}
	if f.Required && len(elems) == 0 {
		return newValidationError(f.Name, "required list cannot be empty")
	}
	if f.MaxLength != nil && len(elems) > *f.MaxLength {
		return newValidationError(f.Name, "list is too long")
	}
	if f.Inner != nil {
		errs := map[string]error{}
		for i, e := range elems {
			if e == nil {
				continue
			}
			if err := f.Inner.Validate(e); err != nil {
				errs[strconv.Itoa(i)] = err
			}
		}
		if len(errs) > 0 {
			return &ValidationError{FieldName: f.Name, Msg: "invalid list member", Errors: errs}
		}
	}
	return f.validateCommon(v)
}

func (f *ListField) PrepareQueryValue(op string, v any) (any, error) {
	if op == "set" && f.MaxLength != nil {
		if elems, ok := asSlice(v); ok && len(elems) > *f.MaxLength {
			return nil, newValidationError(f.Name, "list is too long")
		}
	}
	if f.Inner == nil {
		return v, nil
	}
	if op == "" || op == "set" || op == "unset" {
		if elems, ok := asSlice(v); ok {
			out := make([]any, len(elems))
			for i, e := range elems {
				prepared, err := f.Inner.PrepareQueryValue(op, e)
				if err != nil {
					return nil, err
				}
				out[i] = prepared
			}
			return out, nil
		}
	}
	return f.Inner.PrepareQueryValue(op, v)
}

func (f *ListField) LookupMember(name string) Field {
	if inner, ok := f.Inner.(MemberLookup); ok {
		return inner.LookupMember(name)
	}
	return nil
}

// MapField wraps an inner field keyed by strings, similar to an embedded
// document with no declared structure. Keys must be strings without dots
// and must not start with a dollar sign.
type MapField struct {
	FieldBase
	Inner Field
}

func (f *MapField) Kind() FieldKind { return KindCompound }

func (f *MapField) Decode(v any) any {
	m, ok := asMap(v)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, e := range m {
		if f.Inner != nil && e != nil {
			out[k] = f.Inner.Decode(e)
		} else {
			out[k] = e
		}
	}
	return out
}

func (f *MapField) Encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := asMap(v)
	if !ok {
		return nil, &EncodingError{Field: f.Name, Reason: "value is not a map"}
	}
	out := make(map[string]any, len(m))
	for k, e := range m {
		if f.Inner == nil || e == nil {
			out[k] = e
			continue
		}
		enc, err := f.Inner.Encode(e)
		if err != nil {
			return nil, err
		}
		out[k] = enc
	}
	return out, nil
}

func badMapKey(k string) bool {
	return strings.ContainsAny(k, ".\x00") || strings.HasPrefix(k, "$")
}

func (f *MapField) Validate(v any) error {
	m, ok := asMap(v)
	if !ok {
		return newValidationError(f.Name, "only maps may be used in a map field")
	}
	if f.Required && len(m) == 0 {
		return newValidationError(f.Name, "required map cannot be empty")
	}
	errs := map[string]error{}
	for k, e := range m {
		if badMapKey(k) {
			errs[k] = newValidationError(f.Name, "invalid map key %q", k)
			continue
		}
		if f.Inner != nil && e != nil {
			if err := f.Inner.Validate(e); err != nil {
				errs[k] = err
			}
		}
	}
	if len(errs) > 0 {
		return &ValidationError{FieldName: f.Name, Msg: "invalid map member", Errors: errs}
	}
	return f.validateCommon(v)
}

func (f *MapField) PrepareQueryValue(op string, v any) (any, error) {
	if isStringOperator(op) {
		if s, ok := v.(string); ok {
			sf := StringField{}
			return sf.PrepareQueryValue(op, s)
		}
	}
	if f.Inner == nil {
		return v, nil
	}
	if op == "set" || op == "unset" {
		if m, ok := asMap(v); ok {
			out := make(map[string]any, len(m))
			for k, e := range m {
				prepared, err := f.Inner.PrepareQueryValue(op, e)
				if err != nil {
					return nil, err
				}
				out[k] = prepared
			}
			return out, nil
		}
	}
	return f.Inner.PrepareQueryValue(op, v)
}

// LookupMember resolves any member name to an untyped map member stored
// under that exact key.
func (f *MapField) LookupMember(name string) Field {
	return &MapField{FieldBase: FieldBase{Name: name, DBName: name}}
}

// EmbeddedField nests a document with a declared schema inline.
type EmbeddedField struct {
	FieldBase
	Schema *Schema
}

func (f *EmbeddedField) Kind() FieldKind { return KindCompound }

func (f *EmbeddedField) Decode(v any) any {
	switch d := v.(type) {
	case *Document:
		return d
	case map[string]any:
		if doc, err := fromStorageData(f.Schema, d); err == nil {
			return doc
		}
	case bson.M:
		if doc, err := fromStorageData(f.Schema, d); err == nil {
			return doc
		}
	}
	return v
}

func (f *EmbeddedField) Encode(v any) (any, error) {
	doc, ok := v.(*Document)
	if !ok {
		return nil, &EncodingError{Field: f.Name,
			Reason: fmt.Sprintf("expected an embedded %s document", f.Schema.Name())}
	}
	if !doc.schema.isKindOf(f.Schema) {
		return nil, &EncodingError{Field: f.Name,
			Reason: fmt.Sprintf("embedded document must be a %s", f.Schema.Name())}
	}
	return doc.encode()
}

func (f *EmbeddedField) Validate(v any) error {
	doc, ok := v.(*Document)
	if !ok {
		return newValidationError(f.Name, "expected an embedded %s document", f.Schema.Name())
	}
	if err := doc.Validate(); err != nil {
		if ve, ok := err.(*ValidationError); ok {
			return &ValidationError{FieldName: f.Name, Msg: "invalid embedded document", Errors: map[string]error{f.Name: ve}}
		}
		return err
	}
	return f.validateCommon(v)
}

func (f *EmbeddedField) PrepareQueryValue(op string, v any) (any, error) {
	if doc, ok := v.(*Document); ok {
		return doc.encode()
	}
	return v, nil
}

func (f *EmbeddedField) LookupMember(name string) Field {
	if f.Schema == nil {
		return nil
	}
	if fld, ok := f.Schema.Field(name); ok {
		return fld
	}
	return nil
}
