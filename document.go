package documap

import (
	"sort"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dosco/documap/internal/util"
)

type initState int

const (
	stateUninitialised initState = iota
	stateInitialising
	stateInitialised
)

// Document is one record of a schema: a value table plus the bookkeeping
// needed to compute a minimal update on save. Values are keyed by
// attribute name, changed paths by storage name.
type Document struct {
	schema  *Schema
	values  map[string]any
	changed map[string]struct{}
	isNew   bool
	state   initState

	// set on embedded documents so their changes surface on the root
	owner     *Document
	ownerPath string
}

// NewDocument builds a fresh unsaved record, applying field defaults for
// anything data does not provide. Unknown keys are rejected on strict
// schemas.
func NewDocument(s *Schema, data map[string]any) (*Document, error) {
	if s.abstract {
		return nil, &InvalidSchemaError{TypeName: s.name,
			Reason: "cannot instantiate an abstract schema"}
	}
	d := &Document{
		schema:  s,
		values:  make(map[string]any, len(s.fields)),
		changed: map[string]struct{}{},
		isNew:   true,
		state:   stateInitialising,
	}
	for k, v := range data {
		if err := d.Set(k, v); err != nil {
			return nil, err
		}
	}
	for _, name := range s.ordered {
		if _, ok := d.values[name]; ok {
			continue
		}
		f := s.fields[name]
		if f.Descriptor().HasDefault() {
			d.storeValue(name, f, f.Decode(f.Descriptor().DefaultValue()))
		}
	}
	d.state = stateInitialised
	return d, nil
}

// FromStorage decodes a stored document. A _cls tag naming a registered
// subtype switches to that subtype's schema. Decoding is best effort, no
// changed paths are recorded and the record is not considered new.
func FromStorage(s *Schema, raw bson.M) (*Document, error) {
	return fromStorageData(s, raw)
}

func fromStorageData(s *Schema, raw map[string]any) (*Document, error) {
	if tag, ok := raw["_cls"].(string); ok && tag != s.classTag && s.registry != nil {
		sub, err := s.registry.Get(tag)
		if err != nil {
			return nil, err
		}
		s = sub
	}
	d := &Document{
		schema:  s,
		values:  make(map[string]any, len(s.fields)),
		changed: map[string]struct{}{},
		state:   stateInitialising,
	}
	for dbName, v := range raw {
		if dbName == "_cls" {
			continue
		}
		f, ok := s.byDBName[dbName]
		if !ok {
			if !s.strict {
				d.values[dbName] = v
			}
			continue
		}
		if v == nil {
			d.values[f.Descriptor().Name] = nil
			continue
		}
		d.storeValue(f.Descriptor().Name, f, f.Decode(v))
	}
	d.state = stateInitialised
	return d, nil
}

func (d *Document) Schema() *Schema { return d.schema }
func (d *Document) IsNew() bool     { return d.isNew }

// ID returns the primary key value, nil when unset.
func (d *Document) ID() any {
	if d.schema.pkName == "" {
		return nil
	}
	return d.values[d.schema.pkName]
}

// Get returns the decoded value of a field. Compound values come back as
// tracked containers bound to this document.
func (d *Document) Get(name string) (any, bool) {
	f, ok := d.schema.fields[name]
	if !ok {
		v, ok := d.values[name]
		return v, ok
	}
	v, ok := d.values[name]
	if !ok || v == nil {
		return v, ok
	}
	return wrapTracked(d, f.Descriptor().DBName, v,
		func(nv any) { d.values[name] = nv }), true
}

// MustGet is Get for fields known to exist, it returns nil otherwise.
func (d *Document) MustGet(name string) any {
	v, _ := d.Get(name)
	return v
}

// Set writes a field value. On an initialised document an actual change
// (old and new differ, or are incomparable) marks the field's path. A nil
// value on a field with a default re-applies the default. Setting the
// primary key of a new document marks the record as persisted.
func (d *Document) Set(name string, v any) error {
	f, ok := d.schema.fields[name]
	if !ok {
		if d.schema.strict {
			return &FieldDoesNotExistError{TypeName: d.schema.name, Name: name}
		}
		old, had := d.values[name]
		d.values[name] = v
		if d.state == stateInitialised && (!had || !equalValues(old, v)) {
			d.markChanged(name)
		}
		return nil
	}

	base := f.Descriptor()
	if v == nil && base.HasDefault() {
		v = base.DefaultValue()
	}
	var decoded any
	if v != nil {
		decoded = f.Decode(v)
	}

	if d.state == stateInitialised {
		old := unwrapTracked(d.values[base.Name])
		if !equalValues(old, unwrapTracked(decoded)) {
			d.markChanged(base.DBName)
		}
		if base.PrimaryKey && d.isNew && decoded != nil {
			d.isNew = false
		}
	}
	d.storeValue(base.Name, f, decoded)
	return nil
}

func (d *Document) storeValue(name string, f Field, v any) {
	if child, ok := v.(*Document); ok && f.Kind() == KindCompound {
		child.owner = d
		child.ownerPath = f.Descriptor().DBName
	}
	d.values[name] = unwrapTracked(v)
}

// Unset resets a field to its default (or clears it) through the same
// change tracking path as Set.
func (d *Document) Unset(name string) error {
	f, ok := d.schema.fields[name]
	if !ok {
		if d.schema.strict {
			return &FieldDoesNotExistError{TypeName: d.schema.name, Name: name}
		}
		delete(d.values, name)
		d.markChanged(name)
		return nil
	}
	base := f.Descriptor()
	if base.HasDefault() {
		d.storeValue(base.Name, f, f.Decode(base.DefaultValue()))
	} else {
		d.values[base.Name] = nil
	}
	if d.state == stateInitialised {
		d.markChanged(base.DBName)
	}
	return nil
}

func unwrapTracked(v any) any {
	switch c := v.(type) {
	case *TrackedList:
		return c.elems
	case *TrackedMap:
		return c.elems
	}
	return v
}

// markChanged records a dotted storage path as changed, keeping the set
// canonical: a recorded ancestor absorbs the new path, recording a path
// drops any recorded descendants. Embedded documents forward to the root.
func (d *Document) markChanged(path string) {
	if path == "" || d.state != stateInitialised {
		return
	}
	// Translate a leading attribute name left over from non-field paths.
	if head, rest, found := strings.Cut(path, "."); found {
		path = d.schema.DBNameOf(d.schema.NameOfDB(head)) + "." + rest
	} else {
		path = d.schema.DBNameOf(d.schema.NameOfDB(path))
	}
	if d.owner != nil {
		d.owner.markChanged(d.ownerPath + "." + path)
		return
	}
	if _, ok := d.changed[path]; ok {
		return
	}
	levels := util.SplitPath(path)
	for i := 1; i < len(levels); i++ {
		if _, ok := d.changed[strings.Join(levels[:i], ".")]; ok {
			return
		}
	}
	for p := range d.changed {
		if p != path && util.IsPathPrefix(path, p) {
			delete(d.changed, p)
		}
	}
	d.changed[path] = struct{}{}
}

// ChangedPaths returns the canonical changed paths in sorted order.
func (d *Document) ChangedPaths() []string {
	out := make([]string, 0, len(d.changed))
	for p := range d.changed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ClearChanged drops all recorded changes, including those of embedded
// documents.
func (d *Document) ClearChanged() {
	d.changed = map[string]struct{}{}
	for _, v := range d.values {
		if child, ok := v.(*Document); ok {
			child.ClearChanged()
		}
	}
}

// encode renders the full storage form of the document. Nil values on
// non-nullable fields are omitted, inheriting schemas carry their _cls.
func (d *Document) encode() (bson.M, error) {
	out := bson.M{}
	for _, name := range d.schema.ordered {
		f := d.schema.fields[name]
		base := f.Descriptor()
		v := unwrapTracked(d.values[name])
		if v == nil {
			if base.Nullable {
				out[base.DBName] = nil
			}
			continue
		}
		enc, err := f.Encode(v)
		if err != nil {
			return nil, err
		}
		out[base.DBName] = enc
	}
	if !d.schema.strict {
		for k, v := range d.values {
			if _, ok := d.schema.fields[k]; !ok {
				out[k] = v
			}
		}
	}
	if d.schema.Inherited() {
		out["_cls"] = d.schema.classTag
	}
	return out, nil
}

// ToStorage encodes the document, restricted to the named fields when any
// are given.
func (d *Document) ToStorage(only ...string) (bson.M, error) {
	doc, err := d.encode()
	if err != nil {
		return nil, err
	}
	if len(only) == 0 {
		return doc, nil
	}
	out := bson.M{}
	for _, name := range only {
		db := d.schema.DBNameOf(name)
		if v, ok := doc[db]; ok {
			out[db] = v
		}
	}
	if cls, ok := doc["_cls"]; ok {
		out["_cls"] = cls
	}
	return out, nil
}

// Validate checks every field value, aggregating failures per field.
func (d *Document) Validate() error {
	errs := map[string]error{}
	for _, name := range d.schema.ordered {
		f := d.schema.fields[name]
		base := f.Descriptor()
		v := unwrapTracked(d.values[name])
		if v == nil {
			if base.Required {
				errs[name] = newValidationError(name, "field is required")
			}
			continue
		}
		if base.PrimaryKey && d.isNew {
			continue
		}
		if err := f.Validate(v); err != nil {
			errs[name] = err
		}
	}
	if len(errs) > 0 {
		return &ValidationError{FieldName: d.schema.name, Msg: "validation failed", Errors: errs}
	}
	return nil
}

// Delta computes the minimal ($set, $unset) pair for the recorded
// changes. New documents set their full storage form minus the id.
func (d *Document) Delta() (bson.M, bson.M, error) {
	doc, err := d.encode()
	if err != nil {
		return nil, nil, err
	}
	setData := bson.M{}
	unsetData := bson.M{}

	if d.isNew {
		for k, v := range doc {
			if k == "_id" {
				continue
			}
			setData[k] = v
		}
	} else {
		for _, path := range d.ChangedPaths() {
			resolved, v := walkEncoded(doc, path)
			setData[resolved] = v
		}
	}

	stripNulls(d.schema, "", setData, unsetData)

	// a stored value falling back to the field default becomes an unset;
	// a first save writes the defaults out instead
	if !d.isNew {
		for path, v := range setData {
			if !isFalsy(v) {
				continue
			}
			f := resolveFieldByDBPath(d.schema, path)
			var def any
			if f != nil && f.Descriptor().HasDefault() {
				def = f.Descriptor().DefaultValue()
			}
			if !equalValues(unwrapTracked(v), def) {
				continue
			}
			delete(setData, path)
			unsetData[path] = 1
		}
	}
	return setData, unsetData, nil
}

// walkEncoded follows a dotted path into the encoded document, stopping
// early at references. Returns the path actually consumed and the value
// found, nil when a segment is missing.
func walkEncoded(doc bson.M, path string) (string, any) {
	var cur any = doc
	consumed := make([]string, 0, 4)
	for _, p := range util.SplitPath(path) {
		switch node := cur.(type) {
		case bson.ObjectID, Ref:
			return strings.Join(consumed, "."), cur
		case bson.M:
			cur = node[p]
		case map[string]any:
			cur = node[p]
		case []any:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(node) {
				return path, nil
			}
			cur = node[i]
		default:
			return path, nil
		}
		consumed = append(consumed, p)
	}
	return strings.Join(consumed, "."), cur
}

// stripNulls removes nil values from the pending set map. A nil whose
// field default is also nil is dropped outright, otherwise it becomes an
// unset.
func stripNulls(s *Schema, prefix string, setData bson.M, unsetData bson.M) {
	for key, v := range setData {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if v == nil {
			delete(setData, key)
			f := resolveFieldByDBPath(s, path)
			if f != nil && f.Descriptor().HasDefault() && f.Descriptor().DefaultValue() != nil {
				unsetData[path] = 1
			}
			continue
		}
		switch nested := v.(type) {
		case bson.M:
			stripNulls(s, path, nested, unsetData)
		case []any:
			for i, item := range nested {
				if m, ok := item.(bson.M); ok {
					stripNulls(s, path+"."+strconv.Itoa(i), m, unsetData)
				}
			}
		}
	}
}

func isFalsy(v any) bool {
	switch c := v.(type) {
	case nil:
		return true
	case string:
		return c == ""
	case []any:
		return len(c) == 0
	case map[string]any:
		return len(c) == 0
	case bson.M:
		return len(c) == 0
	}
	return false
}

// resolveFieldByDBPath walks a dotted storage path down the schema,
// returning the field it lands on or nil.
func resolveFieldByDBPath(s *Schema, path string) Field {
	var cur Field
	for _, p := range util.SplitPath(path) {
		if util.IsDigits(p) {
			continue
		}
		if cur == nil {
			f, ok := s.byDBName[p]
			if !ok {
				return nil
			}
			cur = f
			continue
		}
		switch f := cur.(type) {
		case *ListField:
			if f.Inner == nil {
				return nil
			}
			cur = memberOf(f.Inner, p)
		case *MapField:
			cur = f.Inner
		case *EmbeddedField:
			cur = memberOf(f, p)
		default:
			return nil
		}
		if cur == nil {
			return nil
		}
	}
	return cur
}

func memberOf(f Field, name string) Field {
	if ml, ok := f.(MemberLookup); ok {
		return ml.LookupMember(name)
	}
	return nil
}

// setPersisted records the id assigned by the store and resets tracking.
func (d *Document) setPersisted(id any) {
	if id != nil && d.schema.pkName != "" {
		pk := d.schema.fields[d.schema.pkName]
		d.values[d.schema.pkName] = pk.Decode(id)
	}
	d.isNew = false
	d.ClearChanged()
}

// Equal reports whether two documents identify the same stored record.
func (d *Document) Equal(other *Document) bool {
	if other == nil || d.schema.collection != other.schema.collection {
		return false
	}
	id, oid := d.ID(), other.ID()
	if id == nil || oid == nil {
		return d == other
	}
	return equalValues(id, oid)
}
