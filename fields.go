package documap

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ObjectIDField wraps MongoDB object ids. The synthesized primary key is
// one of these.
type ObjectIDField struct {
	FieldBase
}

func (f *ObjectIDField) Kind() FieldKind { return KindScalar }

func (f *ObjectIDField) Decode(v any) any {
	switch id := v.(type) {
	case bson.ObjectID:
		return id
	case string:
		if oid, err := bson.ObjectIDFromHex(id); err == nil {
			return oid
		}
	}
	return v
}

func (f *ObjectIDField) Encode(v any) (any, error) {
	switch id := v.(type) {
	case bson.ObjectID:
		return id, nil
	case string:
		oid, err := bson.ObjectIDFromHex(id)
		if err != nil {
			return nil, &EncodingError{Field: f.Name, Reason: err.Error()}
		}
		return oid, nil
	case fmt.Stringer:
		return f.Encode(id.String())
	}
	return nil, &EncodingError{Field: f.Name, Reason: fmt.Sprintf("%v is not an object id", v)}
}

func (f *ObjectIDField) Validate(v any) error {
	if _, err := f.Encode(v); err != nil {
		return newValidationError(f.Name, "invalid object id %v", v)
	}
	return f.validateCommon(v)
}

func (f *ObjectIDField) PrepareQueryValue(op string, v any) (any, error) {
	return f.Encode(v)
}

// StringField is a unicode string field with optional length bounds and a
// validation pattern. It also rewrites the string query operators into
// anchored regular expressions evaluated by the server.
type StringField struct {
	FieldBase
	MinLength *int
	MaxLength *int
	Pattern   string

	compileOnce sync.Once
	pattern     *regexp.Regexp
	patternErr  error
}

func (f *StringField) Kind() FieldKind { return KindScalar }

func (f *StringField) Decode(v any) any {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return v
}

func (f *StringField) Encode(v any) (any, error) {
	s, ok := f.Decode(v).(string)
	if !ok {
		return nil, &EncodingError{Field: f.Name, Reason: fmt.Sprintf("%v is not a string", v)}
	}
	return s, nil
}

func (f *StringField) Validate(v any) error {
	s, ok := v.(string)
	if !ok {
		return newValidationError(f.Name, "only string values are accepted")
	}
	if f.MaxLength != nil && len(s) > *f.MaxLength {
		return newValidationError(f.Name, "string value is too long")
	}
	if f.MinLength != nil && len(s) < *f.MinLength {
		return newValidationError(f.Name, "string value is too short")
	}
	if f.Pattern != "" {
		re, err := f.compiledPattern()
		if err != nil {
			return newValidationError(f.Name, "invalid validation pattern: %v", err)
		}
		if !re.MatchString(s) {
			return newValidationError(f.Name, "string value did not match validation regex")
		}
	}
	return f.validateCommon(v)
}

func (f *StringField) compiledPattern() (*regexp.Regexp, error) {
	f.compileOnce.Do(func() {
		f.pattern, f.patternErr = regexp.Compile(f.Pattern)
	})
	return f.pattern, f.patternErr
}

// anchors applied per string operator, the value is spliced in as an
// escaped literal except for the raw regex operators.
var stringOpAnchors = map[string]string{
	"contains":   "%s",
	"startswith": "^%s",
	"endswith":   "%s$",
	"exact":      "^%s$",
	"wholeword":  `\b%s\b`,
}

func isStringOperator(op string) bool {
	switch op {
	case "contains", "icontains", "startswith", "istartswith",
		"endswith", "iendswith", "exact", "iexact",
		"regex", "iregex", "wholeword", "iwholeword":
		return true
	}
	return false
}

func (f *StringField) PrepareQueryValue(op string, v any) (any, error) {
	if isStringOperator(op) {
		s, ok := f.Decode(v).(string)
		if !ok {
			return nil, &InvalidQueryError{Msg: fmt.Sprintf("string operator %s needs a string value", op)}
		}
		options := ""
		if strings.HasPrefix(op, "i") {
			options = "i"
			op = op[1:]
		}
		if op == "regex" {
			return bson.Regex{Pattern: s, Options: options}, nil
		}
		anchor, ok := stringOpAnchors[op]
		if !ok {
			anchor = "%s"
		}
		return bson.Regex{Pattern: fmt.Sprintf(anchor, regexp.QuoteMeta(s)), Options: options}, nil
	}
	out, err := f.Encode(v)
	if err != nil {
		return nil, err
	}
	if mutatingUpdateOp(op) {
		if err := f.Validate(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// IntField is a 64-bit integer field with optional bounds.
type IntField struct {
	FieldBase
	Min *int64
	Max *int64
}

func (f *IntField) Kind() FieldKind { return KindScalar }

func (f *IntField) Decode(v any) any {
	if n, ok := toInt64(v); ok {
		return n
	}
	if s, ok := v.(string); ok {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return v
}

func (f *IntField) Encode(v any) (any, error) {
	n, ok := f.Decode(v).(int64)
	if !ok {
		return nil, &EncodingError{Field: f.Name, Reason: fmt.Sprintf("%v could not be converted to int", v)}
	}
	return n, nil
}

func (f *IntField) Validate(v any) error {
	n, ok := toInt64(v)
	if !ok {
		return newValidationError(f.Name, "%v could not be converted to int", v)
	}
	if f.Min != nil && n < *f.Min {
		return newValidationError(f.Name, "integer value is too small")
	}
	if f.Max != nil && n > *f.Max {
		return newValidationError(f.Name, "integer value is too large")
	}
	return f.validateCommon(v)
}

func (f *IntField) PrepareQueryValue(op string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	out, err := f.Encode(v)
	if err != nil {
		return nil, err
	}
	if mutatingUpdateOp(op) {
		if err := f.Validate(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case float32:
		if float64(n) == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

// FloatField is a floating point field with optional bounds.
type FloatField struct {
	FieldBase
	Min *float64
	Max *float64
}

func (f *FloatField) Kind() FieldKind { return KindScalar }

func (f *FloatField) Decode(v any) any {
	if n, ok := toFloat(v); ok {
		return n
	}
	if s, ok := v.(string); ok {
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n
		}
	}
	return v
}

func (f *FloatField) Encode(v any) (any, error) {
	n, ok := f.Decode(v).(float64)
	if !ok {
		return nil, &EncodingError{Field: f.Name, Reason: fmt.Sprintf("%v could not be converted to float", v)}
	}
	return n, nil
}

func (f *FloatField) Validate(v any) error {
	n, ok := toFloat(v)
	if !ok {
		return newValidationError(f.Name, "only float and integer values are accepted")
	}
	if f.Min != nil && n < *f.Min {
		return newValidationError(f.Name, "float value is too small")
	}
	if f.Max != nil && n > *f.Max {
		return newValidationError(f.Name, "float value is too large")
	}
	return f.validateCommon(v)
}

func (f *FloatField) PrepareQueryValue(op string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	out, err := f.Encode(v)
	if err != nil {
		return nil, err
	}
	if mutatingUpdateOp(op) {
		if err := f.Validate(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// BoolField is a boolean field.
type BoolField struct {
	FieldBase
}

func (f *BoolField) Kind() FieldKind { return KindScalar }

func (f *BoolField) Decode(v any) any { return v }

func (f *BoolField) Encode(v any) (any, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, &EncodingError{Field: f.Name, Reason: fmt.Sprintf("%v is not a boolean", v)}
	}
	return b, nil
}

func (f *BoolField) Validate(v any) error {
	if _, ok := v.(bool); !ok {
		return newValidationError(f.Name, "only boolean values are accepted")
	}
	return f.validateCommon(v)
}

func (f *BoolField) PrepareQueryValue(op string, v any) (any, error) {
	return f.Encode(v)
}

// dateTimeLayouts tried in order when decoding a string value.
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// DateTimeField stores timestamps. String input is parsed best effort,
// dates without a time component are promoted to midnight UTC.
type DateTimeField struct {
	FieldBase
}

func (f *DateTimeField) Kind() FieldKind { return KindScalar }

func (f *DateTimeField) Decode(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t
	case bson.DateTime:
		return t.Time().UTC()
	case string:
		if parsed, ok := parseDateTime(t); ok {
			return parsed
		}
	}
	return v
}

func parseDateTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (f *DateTimeField) Encode(v any) (any, error) {
	t, ok := f.Decode(v).(time.Time)
	if !ok {
		return nil, &EncodingError{Field: f.Name, Reason: fmt.Sprintf("cannot parse date %v", v)}
	}
	return t, nil
}

func (f *DateTimeField) Validate(v any) error {
	if _, err := f.Encode(v); err != nil {
		return newValidationError(f.Name, "cannot parse date %v", v)
	}
	return f.validateCommon(v)
}

func (f *DateTimeField) PrepareQueryValue(op string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return f.Encode(v)
}

// Ref is the storage form of a cross-collection reference.
type Ref struct {
	Collection string `bson:"$ref"`
	ID         any    `bson:"$id"`
}

// LazyRef is a reference the engine never resolves on its own. Fetch loads
// the target exactly once and caches it on the token.
type LazyRef struct {
	Ref
	doc *Document
}

// Fetch resolves the reference through db, caching the result.
func (l *LazyRef) Fetch(ctx context.Context, db *DB) (*Document, error) {
	if l.doc != nil {
		return l.doc, nil
	}
	doc, err := db.fetchRef(ctx, l.Ref, nil)
	if err != nil {
		return nil, err
	}
	l.doc = doc
	return doc, nil
}

// ReferenceField stores a pointer to a document in another collection as a
// Ref token. The referenced document must have been persisted before the
// referencing one is encoded.
type ReferenceField struct {
	FieldBase
	To *Schema
}

func (f *ReferenceField) Kind() FieldKind { return KindReference }

func (f *ReferenceField) Decode(v any) any {
	switch r := v.(type) {
	case Ref, *LazyRef, *Document:
		return v
	case bson.ObjectID:
		if f.To != nil {
			return Ref{Collection: f.To.Collection(), ID: r}
		}
	case map[string]any:
		if ref, ok := refFromMap(r); ok {
			return ref
		}
	case bson.M:
		if ref, ok := refFromMap(r); ok {
			return ref
		}
	}
	return v
}

func refFromMap(m map[string]any) (Ref, bool) {
	col, okc := m["$ref"].(string)
	id, oki := m["$id"]
	if okc && oki {
		return Ref{Collection: col, ID: id}, true
	}
	return Ref{}, false
}

func (f *ReferenceField) Encode(v any) (any, error) {
	switch r := v.(type) {
	case Ref:
		return r, nil
	case *LazyRef:
		return r.Ref, nil
	case *Document:
		if r.IsNew() {
			return nil, &EncodingError{Field: f.Name,
				Reason: "referenced document has not been saved"}
		}
		id, err := r.schema.PrimaryKey().Encode(r.ID())
		if err != nil {
			return nil, err
		}
		return Ref{Collection: r.schema.Collection(), ID: id}, nil
	case bson.ObjectID:
		if f.To == nil {
			return nil, &EncodingError{Field: f.Name,
				Reason: "bare id reference needs a target schema"}
		}
		return Ref{Collection: f.To.Collection(), ID: r}, nil
	}
	return nil, &EncodingError{Field: f.Name, Reason: fmt.Sprintf("%v is not a reference", v)}
}

func (f *ReferenceField) Validate(v any) error {
	switch r := v.(type) {
	case Ref, *LazyRef:
		return f.validateCommon(v)
	case *Document:
		if r.IsNew() {
			return newValidationError(f.Name, "referenced document has not been saved")
		}
		if f.To != nil && !r.schema.isKindOf(f.To) {
			return newValidationError(f.Name, "reference must point at a %s document", f.To.Name())
		}
		return f.validateCommon(v)
	case bson.ObjectID:
		return f.validateCommon(v)
	}
	return newValidationError(f.Name, "%v is not a reference", v)
}

// PrepareQueryValue renders references for filters as their id when the
// target collection is unambiguous, matching documents stored either way.
func (f *ReferenceField) PrepareQueryValue(op string, v any) (any, error) {
	switch r := v.(type) {
	case *Document:
		if r.IsNew() {
			return nil, &InvalidQueryError{Msg: "cannot query by an unsaved document"}
		}
		return r.schema.PrimaryKey().Encode(r.ID())
	case Ref:
		return r.ID, nil
	case *LazyRef:
		return r.Ref.ID, nil
	}
	if f.To != nil {
		return f.To.PrimaryKey().PrepareQueryValue(op, v)
	}
	return v, nil
}
