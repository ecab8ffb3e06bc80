package documap

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// fakeCollection is an in-memory stand-in for the wire driver. It records
// the last call of each kind and replays canned results.
type fakeCollection struct {
	name string

	results      []bson.M
	distinctVals []any
	countResult  int64
	updateResult *UpdateResult
	modifyResult bson.M
	aggResult    []bson.M
	deleteResult int64
	insertErr    error

	lastFilter   bson.M
	lastUpdate   bson.M
	lastFindOpts *FindOpts
	lastModify   *ModifyOpts
	lastPipeline []bson.M
	lastUpsert   bool
	countCalls   int
	inserted     []bson.M
	indexed      []bson.D
}

func (c *fakeCollection) Name() string { return c.name }

func (c *fakeCollection) Find(ctx context.Context, filter bson.M, opts *FindOpts) ([]bson.M, error) {
	c.lastFilter = filter
	c.lastFindOpts = opts
	out := c.results
	if opts != nil {
		if opts.Skip > 0 {
			if opts.Skip >= int64(len(out)) {
				return nil, nil
			}
			out = out[opts.Skip:]
		}
		if opts.Limit > 0 && opts.Limit < int64(len(out)) {
			out = out[:opts.Limit]
		}
	}
	return out, nil
}

func (c *fakeCollection) Count(ctx context.Context, filter bson.M, limit, skip int64) (int64, error) {
	c.lastFilter = filter
	c.countCalls++
	return c.countResult, nil
}

func (c *fakeCollection) Distinct(ctx context.Context, key string, filter bson.M) ([]any, error) {
	c.lastFilter = filter
	return c.distinctVals, nil
}

func (c *fakeCollection) InsertOne(ctx context.Context, doc bson.M) (any, error) {
	if c.insertErr != nil {
		return nil, c.insertErr
	}
	c.inserted = append(c.inserted, doc)
	return bson.NewObjectID(), nil
}

func (c *fakeCollection) InsertMany(ctx context.Context, docs []bson.M, ordered bool) ([]any, error) {
	if c.insertErr != nil {
		return nil, c.insertErr
	}
	ids := make([]any, len(docs))
	for i, d := range docs {
		c.inserted = append(c.inserted, d)
		ids[i] = bson.NewObjectID()
	}
	return ids, nil
}

func (c *fakeCollection) UpdateOne(ctx context.Context, filter, update bson.M, upsert bool) (*UpdateResult, error) {
	c.lastFilter = filter
	c.lastUpdate = update
	c.lastUpsert = upsert
	if c.updateResult != nil {
		return c.updateResult, nil
	}
	return &UpdateResult{Matched: 1, Modified: 1}, nil
}

func (c *fakeCollection) UpdateMany(ctx context.Context, filter, update bson.M, upsert bool) (*UpdateResult, error) {
	return c.UpdateOne(ctx, filter, update, upsert)
}

func (c *fakeCollection) FindOneAndUpdate(ctx context.Context, filter, update bson.M, opts *ModifyOpts) (bson.M, error) {
	c.lastFilter = filter
	c.lastUpdate = update
	c.lastModify = opts
	return c.modifyResult, nil
}

func (c *fakeCollection) FindOneAndDelete(ctx context.Context, filter bson.M, opts *ModifyOpts) (bson.M, error) {
	c.lastFilter = filter
	c.lastModify = opts
	return c.modifyResult, nil
}

func (c *fakeCollection) DeleteOne(ctx context.Context, filter bson.M) (int64, error) {
	c.lastFilter = filter
	return c.deleteResult, nil
}

func (c *fakeCollection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	c.lastFilter = filter
	return c.deleteResult, nil
}

func (c *fakeCollection) Aggregate(ctx context.Context, pipeline []bson.M) ([]bson.M, error) {
	c.lastPipeline = pipeline
	return c.aggResult, nil
}

func (c *fakeCollection) EnsureIndex(ctx context.Context, keys bson.D, spec IndexSpec) error {
	c.indexed = append(c.indexed, keys)
	return nil
}

// newAddressSchema is the embedded fixture used by most tests.
func newAddressSchema() *Schema {
	s, err := NewSchemaBuilder("Address").
		Embedded().
		Fields(
			&StringField{FieldBase: FieldBase{Name: "city"}},
			&StringField{FieldBase: FieldBase{Name: "zip"}},
			&ListField{FieldBase: FieldBase{Name: "tags"},
				Inner: &StringField{FieldBase: FieldBase{Name: "tags"}}},
		).
		Build(nil)
	if err != nil {
		panic(err)
	}
	return s
}

func newPersonSchema() *Schema {
	address := newAddressSchema()
	s, err := NewSchemaBuilder("Person").
		Fields(
			&StringField{FieldBase: FieldBase{Name: "name", Required: true}},
			&IntField{FieldBase: FieldBase{Name: "age"}},
			&ListField{FieldBase: FieldBase{Name: "tags"},
				Inner: &StringField{FieldBase: FieldBase{Name: "tags"}}},
			&MapField{FieldBase: FieldBase{Name: "scores"},
				Inner: &IntField{FieldBase: FieldBase{Name: "scores"}}},
			&EmbeddedField{FieldBase: FieldBase{Name: "address"}, Schema: address},
			&ListField{FieldBase: FieldBase{Name: "addresses"},
				Inner: &EmbeddedField{FieldBase: FieldBase{Name: "addresses"}, Schema: address}},
		).
		Build(nil)
	if err != nil {
		panic(err)
	}
	return s
}

func newFakeDB(reg *Registry, cols map[string]*fakeCollection) *DB {
	return NewDB(nil, reg, WithCollectionFactory(func(name string) Collection {
		if col, ok := cols[name]; ok {
			return col
		}
		col := &fakeCollection{name: name}
		cols[name] = col
		return col
	}))
}
