package documap

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

// Dereference resolves Ref tokens inside items into loaded documents, up
// to maxDepth structural levels. Tokens sitting directly in items are at
// depth 0 and every container or document level below adds one; tokens
// deeper than maxDepth stay unresolved, as do LazyRef tokens and tokens
// whose target is missing. The expected schema is used to decode targets
// whose raw document carries no class tag; nil falls back to a registry
// lookup by collection name.
//
// items may be a single value, a slice of values or documents, or a map.
// The same structure is returned with references spliced in place;
// documents are mutated directly and their change state is not touched.
func (db *DB) Dereference(ctx context.Context, items any, maxDepth int, expected *Schema) (any, error) {
	if maxDepth < 0 {
		maxDepth = 0
	}
	d := &dereferencer{db: db, expected: expected, maxDepth: maxDepth}

	// one fetch generation per pass, resolving refs uncovered by the
	// documents the previous pass spliced in
	for pass := 0; pass <= maxDepth; pass++ {
		d.refs = map[string]map[any]struct{}{}
		d.seen = map[*Document]struct{}{}
		d.collectMembers(items, 0)
		if len(d.refs) == 0 {
			break
		}
		if err := d.fetch(ctx); err != nil {
			return nil, err
		}
		d.seen = map[*Document]struct{}{}
		items = d.attachMembers(items, 0)
	}
	return items, nil
}

type dereferencer struct {
	db       *DB
	expected *Schema
	maxDepth int
	refs     map[string]map[any]struct{}
	fetched  map[string]map[any]*Document
	seen     map[*Document]struct{}
}

func (d *dereferencer) addRef(ref Ref) {
	if ref.Collection == "" || ref.ID == nil {
		return
	}
	ids, ok := d.refs[ref.Collection]
	if !ok {
		ids = map[any]struct{}{}
		d.refs[ref.Collection] = ids
	}
	ids[ref.ID] = struct{}{}
}

// collectMembers walks the members of a container or of a document field
// value, all of which sit at the given depth. The one level of container
// directly under a field (or at the top) is transparent, so a list of
// references on a document costs the same depth as a single reference.
func (d *dereferencer) collectMembers(v any, depth int) {
	switch item := v.(type) {
	case *TrackedList:
		for _, e := range item.Values() {
			d.collect(e, depth)
		}
	case *TrackedMap:
		for _, e := range item.Values() {
			d.collect(e, depth)
		}
	case []any:
		for _, e := range item {
			d.collect(e, depth)
		}
	case bson.A:
		for _, e := range item {
			d.collect(e, depth)
		}
	case []*Document:
		for _, e := range item {
			d.collect(e, depth)
		}
	case map[string]any:
		if ref, ok := refFromMap(item); ok {
			d.collect(ref, depth)
			return
		}
		for _, e := range item {
			d.collect(e, depth)
		}
	case bson.M:
		if ref, ok := refFromMap(item); ok {
			d.collect(ref, depth)
			return
		}
		for _, e := range item {
			d.collect(e, depth)
		}
	default:
		d.collect(v, depth)
	}
}

// collect gathers unresolved references from one member at the given
// depth, grouped by collection. Members past maxDepth are not visited.
func (d *dereferencer) collect(v any, depth int) {
	if depth > d.maxDepth {
		return
	}
	switch item := v.(type) {
	case Ref:
		d.addRef(item)
	case *LazyRef:
	case *Document:
		if _, ok := d.seen[item]; ok {
			return
		}
		d.seen[item] = struct{}{}
		for _, fv := range item.values {
			d.collectMembers(fv, depth+1)
		}
	case *TrackedList:
		for _, e := range item.Values() {
			d.collect(e, depth+1)
		}
	case *TrackedMap:
		for _, e := range item.Values() {
			d.collect(e, depth+1)
		}
	case []any:
		for _, e := range item {
			d.collect(e, depth+1)
		}
	case bson.A:
		for _, e := range item {
			d.collect(e, depth+1)
		}
	case []*Document:
		for _, e := range item {
			d.collect(e, depth+1)
		}
	case map[string]any:
		if ref, ok := refFromMap(item); ok {
			d.addRef(ref)
			return
		}
		for _, e := range item {
			d.collect(e, depth+1)
		}
	case bson.M:
		if ref, ok := refFromMap(item); ok {
			d.addRef(ref)
			return
		}
		for _, e := range item {
			d.collect(e, depth+1)
		}
	}
}

// fetch loads every collected reference target with one query per
// collection.
func (d *dereferencer) fetch(ctx context.Context) error {
	if d.fetched == nil {
		d.fetched = map[string]map[any]*Document{}
	}
	for collection, idSet := range d.refs {
		byID, ok := d.fetched[collection]
		if !ok {
			byID = map[any]*Document{}
			d.fetched[collection] = byID
		}
		ids := make(bson.A, 0, len(idSet))
		for id := range idSet {
			if _, done := byID[id]; done {
				continue
			}
			if d.db.derefCache != nil {
				key := fmt.Sprintf("%s/%v", collection, id)
				if raw, hit := d.db.derefCache.Get(key); hit {
					doc, err := d.decode(collection, raw)
					if err != nil {
						return err
					}
					byID[id] = doc
					continue
				}
			}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			continue
		}
		d.db.log.Debug("dereference",
			zap.String("collection", collection),
			zap.Int("ids", len(ids)))
		raws, err := d.db.Collection(collection).Find(ctx,
			bson.M{"_id": bson.M{"$in": ids}}, nil)
		if err != nil {
			return err
		}
		for _, raw := range raws {
			doc, err := d.decode(collection, raw)
			if err != nil {
				return err
			}
			byID[raw["_id"]] = doc
			if d.db.derefCache != nil {
				d.db.derefCache.Add(fmt.Sprintf("%s/%v", collection, raw["_id"]), raw)
			}
		}
	}
	return nil
}

func (d *dereferencer) decode(collection string, raw bson.M) (*Document, error) {
	var expected *Schema
	if d.expected != nil && d.expected.Collection() == collection {
		expected = d.expected
	}
	schema := d.db.schemaForRaw(raw, expected, collection)
	if schema == nil {
		return nil, &InvalidQueryError{
			Msg: "no schema registered for collection " + collection}
	}
	return FromStorage(schema, raw)
}

// attachMembers mirrors collectMembers: the members of a container or
// document field value are spliced at the given depth.
func (d *dereferencer) attachMembers(v any, depth int) any {
	switch item := v.(type) {
	case *TrackedList:
		elems := item.Values()
		for i, e := range elems {
			elems[i] = d.attach(e, depth)
		}
		return item
	case *TrackedMap:
		elems := item.Values()
		for k, e := range elems {
			elems[k] = d.attach(e, depth)
		}
		return item
	case []any:
		for i, e := range item {
			item[i] = d.attach(e, depth)
		}
		return item
	case bson.A:
		for i, e := range item {
			item[i] = d.attach(e, depth)
		}
		return item
	case []*Document:
		for _, e := range item {
			d.attach(e, depth)
		}
		return item
	case map[string]any:
		if ref, ok := refFromMap(item); ok {
			return d.attach(ref, depth)
		}
		for k, e := range item {
			item[k] = d.attach(e, depth)
		}
		return item
	case bson.M:
		if ref, ok := refFromMap(item); ok {
			return d.attach(ref, depth)
		}
		for k, e := range item {
			item[k] = d.attach(e, depth)
		}
		return item
	}
	return d.attach(v, depth)
}

// attach splices fetched documents back into one member, mutating
// containers and document values in place. Members past maxDepth and
// unresolvable references stay as they are.
func (d *dereferencer) attach(v any, depth int) any {
	if depth > d.maxDepth {
		return v
	}
	switch item := v.(type) {
	case Ref:
		if doc, ok := d.fetched[item.Collection][item.ID]; ok {
			return doc
		}
		return item
	case *LazyRef:
		return item
	case *Document:
		if _, ok := d.seen[item]; ok {
			return item
		}
		d.seen[item] = struct{}{}
		for name, fv := range item.values {
			item.values[name] = d.attachMembers(fv, depth+1)
		}
		return item
	case *TrackedList:
		elems := item.Values()
		for i, e := range elems {
			elems[i] = d.attach(e, depth+1)
		}
		return item
	case *TrackedMap:
		elems := item.Values()
		for k, e := range elems {
			elems[k] = d.attach(e, depth+1)
		}
		return item
	case []any:
		for i, e := range item {
			item[i] = d.attach(e, depth+1)
		}
		return item
	case bson.A:
		for i, e := range item {
			item[i] = d.attach(e, depth+1)
		}
		return item
	case []*Document:
		for _, e := range item {
			d.attach(e, depth+1)
		}
		return item
	case map[string]any:
		if ref, ok := refFromMap(item); ok {
			return d.attach(ref, depth)
		}
		for k, e := range item {
			item[k] = d.attach(e, depth+1)
		}
		return item
	case bson.M:
		if ref, ok := refFromMap(item); ok {
			return d.attach(ref, depth)
		}
		for k, e := range item {
			item[k] = d.attach(e, depth+1)
		}
		return item
	}
	return v
}
