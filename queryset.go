package documap

import (
	"context"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

// QuerySet is a lazily executed query against one schema's collection.
// Every shaping method returns a modified clone, the receiver is never
// mutated, so querysets are safe to share across goroutines.
type QuerySet struct {
	db     *DB
	schema *Schema
	col    Collection

	node        QNode
	excluded    QNode
	noClsFilter bool
	ordering    []string
	orderingSet bool
	limit       *int64
	skip        int64
	batchSize   int32
	noTimeout   bool
	diskUse     bool
	none        bool
	projection  map[string]any
}

func newQuerySet(db *DB, s *Schema, col Collection) *QuerySet {
	return &QuerySet{db: db, schema: s, col: col}
}

func (qs *QuerySet) clone() *QuerySet {
	out := *qs
	if qs.limit != nil {
		l := *qs.limit
		out.limit = &l
	}
	out.ordering = append([]string(nil), qs.ordering...)
	if qs.projection != nil {
		out.projection = make(map[string]any, len(qs.projection))
		for k, v := range qs.projection {
			out.projection[k] = v
		}
	}
	return &out
}

// Filter restricts the queryset with additional conditions, combined
// conjunctively with anything already applied.
func (qs *QuerySet) Filter(node QNode) *QuerySet {
	out := qs.clone()
	if out.node == nil {
		out.node = node
	} else {
		out.node = out.node.And(node)
	}
	return out
}

// Exclude removes documents matching the conditions, compiled under $nor.
func (qs *QuerySet) Exclude(node QNode) *QuerySet {
	out := qs.clone()
	if out.excluded == nil {
		out.excluded = node
	} else {
		out.excluded = out.excluded.Or(node)
	}
	return out
}

// OrderBy sets the sort keys, "-" prefixed for descending and double
// underscores standing in for dots. Calling it with no keys clears any
// ordering, including the schema default.
func (qs *QuerySet) OrderBy(keys ...string) *QuerySet {
	out := qs.clone()
	out.ordering = keys
	out.orderingSet = true
	return out
}

// Limit caps the number of returned documents, 0 meaning no cap for
// reads but an empty result for Count.
func (qs *QuerySet) Limit(n int64) *QuerySet {
	out := qs.clone()
	out.limit = &n
	return out
}

func (qs *QuerySet) Skip(n int64) *QuerySet {
	out := qs.clone()
	out.skip = n
	return out
}

func (qs *QuerySet) BatchSize(n int32) *QuerySet {
	out := qs.clone()
	out.batchSize = n
	return out
}

// NoCursorTimeout disables the server side idle cursor timeout.
func (qs *QuerySet) NoCursorTimeout() *QuerySet {
	out := qs.clone()
	out.noTimeout = true
	return out
}

// AllowDiskUse lets the server spill blocking sorts to disk.
func (qs *QuerySet) AllowDiskUse() *QuerySet {
	out := qs.clone()
	out.diskUse = true
	return out
}

// None short-circuits the queryset to an always empty result.
func (qs *QuerySet) None() *QuerySet {
	out := qs.clone()
	out.none = true
	return out
}

// ClearClassFilter drops the implicit _cls clause added for schemas in
// an inheritance tree.
func (qs *QuerySet) ClearClassFilter() *QuerySet {
	out := qs.clone()
	out.noClsFilter = true
	return out
}

// Only restricts the loaded fields to the given ones.
func (qs *QuerySet) Only(fields ...string) *QuerySet {
	spec := Q{}
	for _, f := range fields {
		spec[f] = 1
	}
	return qs.Fields(spec)
}

// ExcludeFields drops the given fields from loaded documents.
func (qs *QuerySet) ExcludeFields(fields ...string) *QuerySet {
	spec := Q{}
	for _, f := range fields {
		spec[f] = 0
	}
	return qs.Fields(spec)
}

// Fields manipulates the projection directly. Keys use the double
// underscore syntax and may carry a leading slice or elemMatch operator:
//
//	qs.Fields(documap.Q{"slice__comments": 5})
func (qs *QuerySet) Fields(spec Q) *QuerySet {
	out := qs.clone()
	if out.projection == nil {
		out.projection = map[string]any{}
	}
	for key, value := range spec {
		parts := strings.Split(key, "__")
		if parts[0] == "slice" || parts[0] == "elemMatch" {
			value = bson.M{"$" + parts[0]: value}
			parts = parts[1:]
		}
		out.projection[out.translatePath(strings.Join(parts, "."))] = value
	}
	return out
}

// AllFields resets any projection applied by Only, ExcludeFields or
// Fields.
func (qs *QuerySet) AllFields() *QuerySet {
	out := qs.clone()
	out.projection = nil
	return out
}

// translatePath converts a dotted attribute path to storage names,
// leaving unresolvable paths untouched.
func (qs *QuerySet) translatePath(path string) string {
	chain, err := lookupFieldPath(qs.schema, strings.Split(path, "."))
	if err != nil {
		return path
	}
	parts := make([]string, 0, len(chain))
	for _, el := range chain {
		if el.field == nil {
			parts = append(parts, el.literal)
			continue
		}
		parts = append(parts, el.field.Descriptor().DBName)
	}
	return strings.Join(parts, ".")
}

// buildFilter compiles the accumulated filter tree, the implicit class
// filter and the exclusions into one native query document.
func (qs *QuerySet) buildFilter() (bson.M, error) {
	query, err := compileNode(qs.schema, qs.node)
	if err != nil {
		return nil, err
	}
	if qs.schema.Inherited() && !qs.noClsFilter {
		clsQuery := bson.M{"_cls": bson.M{"$in": qs.schema.Subclasses()}}
		if _, ok := query["_cls"]; ok {
			query = bson.M{"$and": bson.A{clsQuery, query}}
		} else {
			query["_cls"] = clsQuery["_cls"]
		}
	}
	if qs.excluded != nil {
		norQuery, err := compileNode(qs.schema, qs.excluded)
		if err != nil {
			return nil, err
		}
		query["$nor"] = bson.A{norQuery}
	}
	return query, nil
}

// sortDoc resolves the effective ordering: an explicit OrderBy wins, an
// unset ordering falls back to the schema default.
func (qs *QuerySet) sortDoc() bson.D {
	keys := qs.ordering
	if !qs.orderingSet {
		keys = qs.schema.DefaultOrdering()
	}
	if len(keys) == 0 {
		return nil
	}
	out := make(bson.D, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		direction := int32(1)
		if key[0] == '-' {
			direction = -1
		}
		if key[0] == '-' || key[0] == '+' {
			key = key[1:]
		}
		key = strings.ReplaceAll(key, "__", ".")
		out = append(out, bson.E{Key: qs.translatePath(key), Value: direction})
	}
	return out
}

func (qs *QuerySet) findOpts() *FindOpts {
	opts := &FindOpts{
		Sort:            qs.sortDoc(),
		Skip:            qs.skip,
		BatchSize:       qs.batchSize,
		NoCursorTimeout: qs.noTimeout,
		AllowDiskUse:    qs.diskUse,
	}
	if qs.limit != nil {
		opts.Limit = *qs.limit
	}
	if len(qs.projection) > 0 {
		proj := make(bson.D, 0, len(qs.projection))
		for _, k := range sortedKeys(qs.projection) {
			proj = append(proj, bson.E{Key: k, Value: qs.projection[k]})
		}
		opts.Projection = proj
	}
	return opts
}

// Raw runs the query and returns the undecoded documents.
func (qs *QuerySet) Raw(ctx context.Context) ([]bson.M, error) {
	if qs.none {
		return nil, nil
	}
	filter, err := qs.buildFilter()
	if err != nil {
		return nil, err
	}
	qs.db.log.Debug("find",
		zap.String("collection", qs.col.Name()),
		zap.Any("filter", filter))
	return qs.col.Find(ctx, filter, qs.findOpts())
}

// All runs the query and decodes every result.
func (qs *QuerySet) All(ctx context.Context) ([]*Document, error) {
	raws, err := qs.Raw(ctx)
	if err != nil {
		return nil, err
	}
	docs := make([]*Document, 0, len(raws))
	for _, raw := range raws {
		doc, err := FromStorage(qs.schema, raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// First returns the first matching document, nil when nothing matches.
func (qs *QuerySet) First(ctx context.Context) (*Document, error) {
	docs, err := qs.Limit(1).All(ctx)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// Exists reports whether the query matches anything.
func (qs *QuerySet) Exists(ctx context.Context) (bool, error) {
	doc, err := qs.OrderBy().First(ctx)
	return doc != nil, err
}

// Get returns exactly one matching document. It reads at most two
// documents: none raises DoesNotExistError, two raises
// MultipleObjectsReturnedError.
func (qs *QuerySet) Get(ctx context.Context, node QNode) (*Document, error) {
	scoped := qs.OrderBy().Limit(2)
	if node != nil {
		scoped = scoped.Filter(node)
	}
	docs, err := scoped.All(ctx)
	if err != nil {
		return nil, err
	}
	switch len(docs) {
	case 0:
		return nil, &DoesNotExistError{TypeName: qs.schema.name}
	case 1:
		return docs[0], nil
	}
	return nil, &MultipleObjectsReturnedError{TypeName: qs.schema.name}
}

// WithID looks a document up by primary key. Any previously applied
// filter is an error.
func (qs *QuerySet) WithID(ctx context.Context, id any) (*Document, error) {
	if qs.node != nil || qs.excluded != nil {
		return nil, &InvalidQueryError{Msg: "cannot use a filter whilst using WithID"}
	}
	return qs.Filter(Q{"pk": id}).First(ctx)
}

// Count returns the number of matching documents, short-circuiting to
// zero for a None queryset or an explicit zero limit.
func (qs *QuerySet) Count(ctx context.Context) (int64, error) {
	if qs.none || (qs.limit != nil && *qs.limit == 0) {
		return 0, nil
	}
	filter, err := qs.buildFilter()
	if err != nil {
		return 0, err
	}
	return qs.col.Count(ctx, filter, 0, 0)
}

// Insert validates and inserts the given documents, writing the
// store-assigned ids back and clearing their change state. Documents
// that already carry a persisted id are rejected, updates go through
// Update or Save.
func (qs *QuerySet) Insert(ctx context.Context, docs ...*Document) ([]*Document, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	raws := make([]bson.M, len(docs))
	for i, doc := range docs {
		if !doc.schema.isKindOf(qs.schema) {
			return nil, &OperationError{Op: "insert",
				Err: &InvalidQueryError{Msg: "document is not a " + qs.schema.name}}
		}
		if doc.ID() != nil && !doc.IsNew() {
			return nil, &OperationError{Op: "insert",
				Err: &InvalidQueryError{Msg: "document already persisted, use update instead"}}
		}
		if err := doc.Validate(); err != nil {
			return nil, err
		}
		raw, err := doc.encode()
		if err != nil {
			return nil, err
		}
		delete(raw, "_id")
		raws[i] = raw
	}

	qs.db.log.Debug("insert",
		zap.String("collection", qs.col.Name()),
		zap.Int("count", len(raws)))

	var ids []any
	if len(raws) == 1 {
		id, err := qs.col.InsertOne(ctx, raws[0])
		if err != nil {
			return nil, err
		}
		ids = []any{id}
	} else {
		inserted, err := qs.col.InsertMany(ctx, raws, true)
		if err != nil {
			return nil, err
		}
		ids = inserted
	}
	for i, doc := range docs {
		doc.setPersisted(ids[i])
	}
	return docs, nil
}

// Update applies the update instructions to every matching document,
// returning the number of documents matched.
func (qs *QuerySet) Update(ctx context.Context, upd Q) (int64, error) {
	return qs.runUpdate(ctx, upd, true, false)
}

// UpdateOne applies the update to the first matching document.
func (qs *QuerySet) UpdateOne(ctx context.Context, upd Q) (int64, error) {
	return qs.runUpdate(ctx, upd, false, false)
}

// Upsert applies the update to the first match, inserting when nothing
// matches.
func (qs *QuerySet) Upsert(ctx context.Context, upd Q) (int64, error) {
	return qs.runUpdate(ctx, upd, false, true)
}

func (qs *QuerySet) runUpdate(ctx context.Context, upd Q, multi, upsert bool) (int64, error) {
	if len(upd) == 0 && !upsert {
		return 0, &OperationError{Op: "update",
			Err: &InvalidQueryError{Msg: "no update parameters, would remove data"}}
	}
	filter, err := qs.buildFilter()
	if err != nil {
		return 0, err
	}
	update, err := transformUpdate(qs.schema, upd)
	if err != nil {
		return 0, err
	}
	// an upsert on an inheriting schema must materialize the class tag
	if upsert && qs.schema.Inherited() && !qs.noClsFilter {
		if set, ok := update["$set"].(bson.M); ok {
			set["_cls"] = qs.schema.classTag
		} else {
			update["$set"] = bson.M{"_cls": qs.schema.classTag}
		}
	}
	qs.db.log.Debug("update",
		zap.String("collection", qs.col.Name()),
		zap.Any("filter", filter),
		zap.Bool("multi", multi),
		zap.Bool("upsert", upsert))

	var res *UpdateResult
	if multi {
		res, err = qs.col.UpdateMany(ctx, filter, update, upsert)
	} else {
		res, err = qs.col.UpdateOne(ctx, filter, update, upsert)
	}
	if err != nil {
		return 0, err
	}
	n := res.Matched
	if res.UpsertedID != nil {
		n++
	}
	return n, nil
}

// ModifyOptions tunes a find-and-modify call.
type ModifyOptions struct {
	Upsert    bool
	Remove    bool
	ReturnNew bool
}

// Modify atomically updates (or removes) the first matching document and
// returns it, nil when nothing matched and nothing was upserted.
func (qs *QuerySet) Modify(ctx context.Context, upd Q, opts ModifyOptions) (*Document, error) {
	if opts.Remove && opts.ReturnNew {
		return nil, &OperationError{Op: "modify",
			Err: &InvalidQueryError{Msg: "conflicting parameters: remove and new"}}
	}
	if len(upd) == 0 && !opts.Upsert && !opts.Remove {
		return nil, &OperationError{Op: "modify",
			Err: &InvalidQueryError{Msg: "no update parameters, must either update or remove"}}
	}
	filter, err := qs.buildFilter()
	if err != nil {
		return nil, err
	}
	modOpts := &ModifyOpts{
		Sort:      qs.sortDoc(),
		Upsert:    opts.Upsert,
		ReturnNew: opts.ReturnNew,
		Remove:    opts.Remove,
	}
	var raw bson.M
	if opts.Remove {
		raw, err = qs.col.FindOneAndDelete(ctx, filter, modOpts)
	} else {
		update, uerr := transformUpdate(qs.schema, upd)
		if uerr != nil {
			return nil, uerr
		}
		raw, err = qs.col.FindOneAndUpdate(ctx, filter, update, modOpts)
	}
	if err != nil || raw == nil {
		return nil, err
	}
	return FromStorage(qs.schema, raw)
}

// Delete removes every matching document and returns how many went. A
// queryset with limit or skip deletes its documents one by one so the
// window is honored.
func (qs *QuerySet) Delete(ctx context.Context) (int64, error) {
	if qs.none {
		return 0, nil
	}
	if qs.skip > 0 || (qs.limit != nil && *qs.limit > 0) {
		docs, err := qs.All(ctx)
		if err != nil {
			return 0, err
		}
		var n int64
		for _, doc := range docs {
			deleted, err := qs.col.DeleteOne(ctx, bson.M{"_id": doc.ID()})
			if err != nil {
				return n, err
			}
			n += deleted
		}
		return n, nil
	}
	filter, err := qs.buildFilter()
	if err != nil {
		return 0, err
	}
	qs.db.log.Debug("delete",
		zap.String("collection", qs.col.Name()),
		zap.Any("filter", filter))
	return qs.col.DeleteMany(ctx, filter)
}

// Distinct returns the distinct values of a field among the matches,
// dereferencing one level of references in the result.
func (qs *QuerySet) Distinct(ctx context.Context, field string) ([]any, error) {
	filter, err := qs.buildFilter()
	if err != nil {
		return nil, err
	}
	dbField := qs.translatePath(strings.ReplaceAll(field, "__", "."))
	values, err := qs.col.Distinct(ctx, dbField, filter)
	if err != nil {
		return nil, err
	}
	resolved, err := qs.db.Dereference(ctx, values, 1, qs.expectedSchemaOf(field))
	if err != nil {
		return nil, err
	}
	if out, ok := resolved.([]any); ok {
		return out, nil
	}
	return values, nil
}

// expectedSchemaOf resolves the target schema a field's references point
// at, nil when the field is untyped.
func (qs *QuerySet) expectedSchemaOf(field string) *Schema {
	chain, err := lookupFieldPath(qs.schema, strings.Split(strings.ReplaceAll(field, "__", "."), "."))
	if err != nil || len(chain) == 0 {
		return nil
	}
	f := chain[len(chain)-1].field
	for {
		switch cf := f.(type) {
		case *ReferenceField:
			return cf.To
		case *ListField:
			f = cf.Inner
		case *MapField:
			f = cf.Inner
		default:
			return nil
		}
		if f == nil {
			return nil
		}
	}
}

// Aggregate runs an aggregation pipeline, prepending the queryset's
// accumulated filter, ordering and window as initial stages.
func (qs *QuerySet) Aggregate(ctx context.Context, stages ...bson.M) ([]bson.M, error) {
	var pipeline []bson.M
	filter, err := qs.buildFilter()
	if err != nil {
		return nil, err
	}
	if len(filter) > 0 {
		pipeline = append(pipeline, bson.M{"$match": filter})
	}
	if sortDoc := qs.sortDoc(); len(sortDoc) > 0 {
		sortSpec := bson.M{}
		for _, e := range sortDoc {
			sortSpec[e.Key] = e.Value
		}
		pipeline = append(pipeline, bson.M{"$sort": sortSpec})
	}
	if qs.limit != nil && *qs.limit > 0 {
		pipeline = append(pipeline, bson.M{"$limit": *qs.limit + qs.skip})
	}
	if qs.skip > 0 {
		pipeline = append(pipeline, bson.M{"$skip": qs.skip})
	}
	pipeline = append(pipeline, stages...)
	qs.db.log.Debug("aggregate",
		zap.String("collection", qs.col.Name()),
		zap.Int("stages", len(pipeline)))
	return qs.col.Aggregate(ctx, pipeline)
}

// InBulk fetches documents by primary key, returning a map keyed by id.
func (qs *QuerySet) InBulk(ctx context.Context, ids []any) (map[any]*Document, error) {
	raws, err := qs.col.Find(ctx, bson.M{"_id": bson.M{"$in": ids}}, qs.findOpts())
	if err != nil {
		return nil, err
	}
	out := make(map[any]*Document, len(raws))
	for _, raw := range raws {
		doc, err := FromStorage(qs.schema, raw)
		if err != nil {
			return nil, err
		}
		out[raw["_id"]] = doc
	}
	return out, nil
}

// Values returns only the named fields of each match as maps keyed by
// attribute name.
func (qs *QuerySet) Values(ctx context.Context, fields ...string) ([]map[string]any, error) {
	docs, err := qs.Only(fields...).All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(docs))
	for i, doc := range docs {
		row := make(map[string]any, len(fields))
		for _, f := range fields {
			row[f], _ = doc.Get(f)
		}
		out[i] = row
	}
	return out, nil
}

// ValuesList returns the named field values of each match as positional
// rows.
func (qs *QuerySet) ValuesList(ctx context.Context, fields ...string) ([][]any, error) {
	docs, err := qs.Only(fields...).All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([][]any, len(docs))
	for i, doc := range docs {
		row := make([]any, len(fields))
		for j, f := range fields {
			row[j], _ = doc.Get(f)
		}
		out[i] = row
	}
	return out, nil
}

// SelectRelated runs the query and resolves references in the results to
// the given depth.
func (qs *QuerySet) SelectRelated(ctx context.Context, maxDepth int) ([]*Document, error) {
	docs, err := qs.All(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := qs.db.Dereference(ctx, docs, maxDepth, nil); err != nil {
		return nil, err
	}
	return docs, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
