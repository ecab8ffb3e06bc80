package documap

import (
	"fmt"
	"sort"

	"github.com/gobuffalo/flect"
)

// IndexSpec describes a single index to ensure on a schema's collection.
// Keys use attribute names with an optional leading dash for descending.
type IndexSpec struct {
	Keys   []string
	Unique bool
	Sparse bool
	Name   string
}

// Schema is the immutable description of one document type: its fields,
// name translation tables, collection and place in the inheritance tree.
type Schema struct {
	name         string
	collection   string
	fields       map[string]Field
	byDBName     map[string]Field
	ordered      []string
	dbNameOf     map[string]string
	nameOfDB     map[string]string
	pkName       string
	abstract     bool
	embedded     bool
	strict       bool
	classTag     string
	subclasses   []string
	ordering     []string
	indexes      []IndexSpec
	parent       *Schema
	registry     *Registry
	allowInherit bool
}

func (s *Schema) Name() string       { return s.name }
func (s *Schema) Collection() string { return s.collection }
func (s *Schema) Abstract() bool     { return s.abstract }
func (s *Schema) Embedded() bool     { return s.embedded }
func (s *Schema) Strict() bool       { return s.strict }
func (s *Schema) Parent() *Schema    { return s.parent }
func (s *Schema) Registry() *Registry { return s.registry }

// ClassTag returns the dotted discriminator stored under _cls, empty for
// schemas outside an inheritance tree.
func (s *Schema) ClassTag() string { return s.classTag }

// Inherited reports whether documents of this schema carry a _cls tag.
func (s *Schema) Inherited() bool { return s.classTag != "" }

// Subclasses returns the class tags of this schema and every registered
// descendant.
func (s *Schema) Subclasses() []string {
	out := make([]string, len(s.subclasses))
	copy(out, s.subclasses)
	return out
}

func (s *Schema) Field(name string) (Field, bool) {
	f, ok := s.fields[name]
	return f, ok
}

func (s *Schema) FieldByDBName(dbName string) (Field, bool) {
	f, ok := s.byDBName[dbName]
	return f, ok
}

// FieldNames returns the attribute names in creation order, the primary
// key first.
func (s *Schema) FieldNames() []string {
	out := make([]string, len(s.ordered))
	copy(out, s.ordered)
	return out
}

func (s *Schema) PrimaryKeyName() string { return s.pkName }

func (s *Schema) PrimaryKey() Field {
	if s.pkName == "" {
		return nil
	}
	return s.fields[s.pkName]
}

// DBNameOf translates an attribute name to its storage name, returning
// the input unchanged when the name is unknown.
func (s *Schema) DBNameOf(name string) string {
	if db, ok := s.dbNameOf[name]; ok {
		return db
	}
	return name
}

// NameOfDB is the reverse translation of DBNameOf.
func (s *Schema) NameOfDB(dbName string) string {
	if name, ok := s.nameOfDB[dbName]; ok {
		return name
	}
	return dbName
}

func (s *Schema) DefaultOrdering() []string {
	out := make([]string, len(s.ordering))
	copy(out, s.ordering)
	return out
}

func (s *Schema) Indexes() []IndexSpec {
	out := make([]IndexSpec, len(s.indexes))
	copy(out, s.indexes)
	return out
}

// isKindOf reports whether s is other or one of its descendants.
func (s *Schema) isKindOf(other *Schema) bool {
	for cur := s; cur != nil; cur = cur.parent {
		if cur == other {
			return true
		}
	}
	return false
}

func (s *Schema) addSubclass(tag string) {
	for _, t := range s.subclasses {
		if t == tag {
			return
		}
	}
	s.subclasses = append(s.subclasses, tag)
}

// SchemaBuilder assembles a Schema in two phases: collect the type's own
// configuration, then Build flattens the ancestor chain, assigns ordering
// and synthesizes the primary key.
type SchemaBuilder struct {
	name         string
	collection   string
	parent       *Schema
	abstract     bool
	embedded     bool
	strict       bool
	allowInherit bool
	ordering     []string
	indexes      []IndexSpec
	fields       []Field
	err          error
}

func NewSchemaBuilder(name string) *SchemaBuilder {
	return &SchemaBuilder{name: name, strict: true}
}

func (b *SchemaBuilder) Collection(name string) *SchemaBuilder {
	b.collection = name
	return b
}

// Extends sets the parent schema, inheriting its fields and collection.
func (b *SchemaBuilder) Extends(parent *Schema) *SchemaBuilder {
	b.parent = parent
	return b
}

// Abstract marks the schema as a field carrier only, with no collection
// of its own.
func (b *SchemaBuilder) Abstract() *SchemaBuilder {
	b.abstract = true
	return b
}

// Embedded marks the schema as an inline document type: no collection and
// no synthesized primary key.
func (b *SchemaBuilder) Embedded() *SchemaBuilder {
	b.embedded = true
	return b
}

// AllowInheritance opts the schema into the _cls discriminator so concrete
// subtypes can share its collection.
func (b *SchemaBuilder) AllowInheritance() *SchemaBuilder {
	b.allowInherit = true
	return b
}

// Strict controls whether unknown keys are rejected (the default) or kept.
func (b *SchemaBuilder) Strict(strict bool) *SchemaBuilder {
	b.strict = strict
	return b
}

func (b *SchemaBuilder) Ordering(keys ...string) *SchemaBuilder {
	b.ordering = keys
	return b
}

func (b *SchemaBuilder) Index(spec IndexSpec) *SchemaBuilder {
	b.indexes = append(b.indexes, spec)
	return b
}

func (b *SchemaBuilder) AddField(f Field) *SchemaBuilder {
	if b.err != nil {
		return b
	}
	base := f.Descriptor()
	if err := base.prepare(b.name); err != nil {
		b.err = err
		return b
	}
	// Compound fields default to an empty container so change tracking
	// has something to wrap.
	switch cf := f.(type) {
	case *ListField:
		if cf.Default == nil {
			cf.Default = func() any { return []any{} }
		}
	case *MapField:
		if cf.Default == nil {
			cf.Default = func() any { return map[string]any{} }
		}
	}
	b.fields = append(b.fields, f)
	return b
}

func (b *SchemaBuilder) Fields(fs ...Field) *SchemaBuilder {
	for _, f := range fs {
		b.AddField(f)
	}
	return b
}

// Build assembles the schema and registers its class tag with reg when it
// participates in inheritance. reg may be nil for standalone schemas.
func (b *SchemaBuilder) Build(reg *Registry) (*Schema, error) {
	if b.err != nil {
		return nil, b.err
	}
	s := &Schema{
		name:         b.name,
		fields:       map[string]Field{},
		byDBName:     map[string]Field{},
		dbNameOf:     map[string]string{},
		nameOfDB:     map[string]string{},
		strict:       b.strict,
		abstract:     b.abstract,
		embedded:     b.embedded,
		ordering:     b.ordering,
		indexes:      b.indexes,
		parent:       b.parent,
		registry:     reg,
		allowInherit: b.allowInherit,
	}

	inheritedPK := ""
	if b.parent != nil {
		if !b.parent.allowInherit && !b.parent.abstract && !b.parent.embedded {
			return nil, &InvalidSchemaError{TypeName: b.name,
				Reason: fmt.Sprintf("parent %s does not allow inheritance", b.parent.name)}
		}
		for name, f := range b.parent.fields {
			s.fields[name] = f
		}
		s.ordering = mergeOrdering(b.parent.ordering, b.ordering)
		s.indexes = append(b.parent.Indexes(), b.indexes...)
		inheritedPK = b.parent.pkName
		s.allowInherit = true
	}

	for _, f := range b.fields {
		base := f.Descriptor()
		if prev, ok := s.fields[base.Name]; ok && prev.Descriptor().PrimaryKey && !base.PrimaryKey {
			return nil, &InvalidSchemaError{TypeName: b.name,
				Reason: "cannot shadow the primary key field " + base.Name}
		}
		s.fields[base.Name] = f
	}

	if err := s.resolvePrimaryKey(b, inheritedPK); err != nil {
		return nil, err
	}
	if err := s.buildNameTables(); err != nil {
		return nil, err
	}
	s.resolveCollection(b)
	if err := s.resolveClassTag(b, reg); err != nil {
		return nil, err
	}
	return s, nil
}

func mergeOrdering(parent, own []string) []string {
	if len(own) > 0 {
		return own
	}
	return parent
}

func (s *Schema) resolvePrimaryKey(b *SchemaBuilder, inheritedPK string) error {
	for _, name := range sortedFieldNames(s.fields) {
		f := s.fields[name]
		if !f.Descriptor().PrimaryKey {
			continue
		}
		if inheritedPK != "" && inheritedPK != name {
			return &InvalidSchemaError{TypeName: s.name,
				Reason: "cannot override primary key field"}
		}
		if s.pkName != "" && s.pkName != name {
			return &InvalidSchemaError{TypeName: s.name,
				Reason: "multiple primary key fields defined"}
		}
		s.pkName = name
	}
	if s.pkName == "" && !s.abstract && !s.embedded {
		idName, idDBName := s.autoIDNames()
		pk := &ObjectIDField{FieldBase: FieldBase{
			Name:       idName,
			DBName:     idDBName,
			PrimaryKey: true,
			order:      nextAutoFieldOrder(),
		}}
		s.fields[idName] = pk
		s.pkName = idName
	}
	return nil
}

// autoIDNames picks a non-clashing name pair for the synthesized primary
// key, ("id", "_id") unless either is taken.
func (s *Schema) autoIDNames() (string, string) {
	taken := map[string]bool{}
	takenDB := map[string]bool{}
	for name, f := range s.fields {
		taken[name] = true
		takenDB[f.Descriptor().DBName] = true
	}
	if !taken["id"] && !takenDB["_id"] {
		return "id", "_id"
	}
	for i := 0; ; i++ {
		name := fmt.Sprintf("auto_id_%d", i)
		dbName := fmt.Sprintf("_auto_id_%d", i)
		if !taken[name] && !takenDB[dbName] {
			return name, dbName
		}
	}
}

func (s *Schema) buildNameTables() error {
	dupCheck := map[string]string{}
	for name, f := range s.fields {
		db := f.Descriptor().DBName
		if prev, ok := dupCheck[db]; ok {
			return &InvalidSchemaError{TypeName: s.name,
				Reason: fmt.Sprintf("fields %s and %s share db name %q", prev, name, db)}
		}
		dupCheck[db] = name
		s.byDBName[db] = f
		s.dbNameOf[name] = db
		s.nameOfDB[db] = name
	}

	s.ordered = sortedFieldNames(s.fields)
	return nil
}

func sortedFieldNames(fields map[string]Field) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		oi, oj := fields[names[i]].Descriptor().order, fields[names[j]].Descriptor().order
		if oi != oj {
			return oi < oj
		}
		return names[i] < names[j]
	})
	return names
}

func (s *Schema) resolveCollection(b *SchemaBuilder) {
	if s.abstract || s.embedded {
		return
	}
	// Concrete subtypes always share the root collection.
	if s.parent != nil && !s.parent.abstract && !s.parent.embedded {
		s.collection = s.parent.collection
		return
	}
	if b.collection != "" {
		s.collection = b.collection
		return
	}
	s.collection = flect.Underscore(s.name)
}

func (s *Schema) resolveClassTag(b *SchemaBuilder, reg *Registry) error {
	parentTag := ""
	if s.parent != nil {
		parentTag = s.parent.classTag
	}
	switch {
	case parentTag != "":
		s.classTag = parentTag + "." + s.name
	case s.allowInherit:
		s.classTag = s.name
	default:
		return nil
	}
	s.subclasses = []string{s.classTag}
	for p := s.parent; p != nil; p = p.parent {
		p.addSubclass(s.classTag)
	}
	if reg != nil {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}
