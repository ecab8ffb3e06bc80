package documap

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// FindOpts carries the cursor shaping a QuerySet has accumulated.
type FindOpts struct {
	Sort            bson.D
	Limit           int64
	Skip            int64
	BatchSize       int32
	Projection      bson.D
	NoCursorTimeout bool
	AllowDiskUse    bool
}

// ModifyOpts shapes a find-and-modify call.
type ModifyOpts struct {
	Sort       bson.D
	Upsert     bool
	ReturnNew  bool
	Projection bson.D
	Remove     bool
}

// UpdateResult reports the outcome of an update call.
type UpdateResult struct {
	Matched    int64
	Modified   int64
	UpsertedID any
}

// Collection is the narrow capability the engine needs from the wire
// driver. The engine never touches connection pooling, retry or
// transactions, those stay behind this interface.
type Collection interface {
	Name() string
	Find(ctx context.Context, filter bson.M, opts *FindOpts) ([]bson.M, error)
	Count(ctx context.Context, filter bson.M, limit, skip int64) (int64, error)
	Distinct(ctx context.Context, key string, filter bson.M) ([]any, error)
	InsertOne(ctx context.Context, doc bson.M) (any, error)
	InsertMany(ctx context.Context, docs []bson.M, ordered bool) ([]any, error)
	UpdateOne(ctx context.Context, filter, update bson.M, upsert bool) (*UpdateResult, error)
	UpdateMany(ctx context.Context, filter, update bson.M, upsert bool) (*UpdateResult, error)
	FindOneAndUpdate(ctx context.Context, filter, update bson.M, opts *ModifyOpts) (bson.M, error)
	FindOneAndDelete(ctx context.Context, filter bson.M, opts *ModifyOpts) (bson.M, error)
	DeleteOne(ctx context.Context, filter bson.M) (int64, error)
	DeleteMany(ctx context.Context, filter bson.M) (int64, error)
	Aggregate(ctx context.Context, pipeline []bson.M) ([]bson.M, error)
	EnsureIndex(ctx context.Context, keys bson.D, spec IndexSpec) error
}

// mongoCollection adapts a driver collection to the Collection capability.
type mongoCollection struct {
	coll *mongo.Collection
}

// WrapCollection exposes a driver collection through the engine's
// capability interface.
func WrapCollection(coll *mongo.Collection) Collection {
	return &mongoCollection{coll: coll}
}

func (c *mongoCollection) Name() string { return c.coll.Name() }

func (c *mongoCollection) Find(ctx context.Context, filter bson.M, opts *FindOpts) ([]bson.M, error) {
	findOpts := options.Find()
	if opts != nil {
		if len(opts.Sort) > 0 {
			findOpts.SetSort(opts.Sort)
		}
		if opts.Limit > 0 {
			findOpts.SetLimit(opts.Limit)
		}
		if opts.Skip > 0 {
			findOpts.SetSkip(opts.Skip)
		}
		if opts.BatchSize > 0 {
			findOpts.SetBatchSize(opts.BatchSize)
		}
		if len(opts.Projection) > 0 {
			findOpts.SetProjection(opts.Projection)
		}
		if opts.NoCursorTimeout {
			findOpts.SetNoCursorTimeout(true)
		}
		if opts.AllowDiskUse {
			findOpts.SetAllowDiskUse(true)
		}
	}
	cursor, err := c.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("documap: find: %w", err)
	}
	var results []bson.M
	if err := cursor.All(ctx, &results); err != nil {
		cursor.Close(ctx)
		return nil, fmt.Errorf("documap: find results: %w", err)
	}
	cursor.Close(ctx)
	return results, nil
}

func (c *mongoCollection) Count(ctx context.Context, filter bson.M, limit, skip int64) (int64, error) {
	countOpts := options.Count()
	if limit > 0 {
		countOpts.SetLimit(limit)
	}
	if skip > 0 {
		countOpts.SetSkip(skip)
	}
	n, err := c.coll.CountDocuments(ctx, filter, countOpts)
	if err != nil {
		return 0, fmt.Errorf("documap: count: %w", err)
	}
	return n, nil
}

func (c *mongoCollection) Distinct(ctx context.Context, key string, filter bson.M) ([]any, error) {
	var out []any
	if err := c.coll.Distinct(ctx, key, filter).Decode(&out); err != nil {
		return nil, fmt.Errorf("documap: distinct: %w", err)
	}
	return out, nil
}

func (c *mongoCollection) InsertOne(ctx context.Context, doc bson.M) (any, error) {
	res, err := c.coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, translateWriteError("insert", err)
	}
	return res.InsertedID, nil
}

func (c *mongoCollection) InsertMany(ctx context.Context, docs []bson.M, ordered bool) ([]any, error) {
	payload := make([]any, len(docs))
	for i, d := range docs {
		payload[i] = d
	}
	res, err := c.coll.InsertMany(ctx, payload, options.InsertMany().SetOrdered(ordered))
	if err != nil {
		return nil, translateWriteError("insert", err)
	}
	return res.InsertedIDs, nil
}

func (c *mongoCollection) UpdateOne(ctx context.Context, filter, update bson.M, upsert bool) (*UpdateResult, error) {
	opts := options.UpdateOne()
	if upsert {
		opts.SetUpsert(true)
	}
	res, err := c.coll.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return nil, translateWriteError("update", err)
	}
	return &UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount, UpsertedID: res.UpsertedID}, nil
}

func (c *mongoCollection) UpdateMany(ctx context.Context, filter, update bson.M, upsert bool) (*UpdateResult, error) {
	opts := options.UpdateMany()
	if upsert {
		opts.SetUpsert(true)
	}
	res, err := c.coll.UpdateMany(ctx, filter, update, opts)
	if err != nil {
		return nil, translateWriteError("update", err)
	}
	return &UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount, UpsertedID: res.UpsertedID}, nil
}

func (c *mongoCollection) FindOneAndUpdate(ctx context.Context, filter, update bson.M, opts *ModifyOpts) (bson.M, error) {
	modOpts := options.FindOneAndUpdate()
	if opts != nil {
		if len(opts.Sort) > 0 {
			modOpts.SetSort(opts.Sort)
		}
		if len(opts.Projection) > 0 {
			modOpts.SetProjection(opts.Projection)
		}
		if opts.Upsert {
			modOpts.SetUpsert(true)
		}
		if opts.ReturnNew {
			modOpts.SetReturnDocument(options.After)
		} else {
			modOpts.SetReturnDocument(options.Before)
		}
	}
	var doc bson.M
	err := c.coll.FindOneAndUpdate(ctx, filter, update, modOpts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, translateWriteError("modify", err)
	}
	return doc, nil
}

func (c *mongoCollection) FindOneAndDelete(ctx context.Context, filter bson.M, opts *ModifyOpts) (bson.M, error) {
	modOpts := options.FindOneAndDelete()
	if opts != nil {
		if len(opts.Sort) > 0 {
			modOpts.SetSort(opts.Sort)
		}
		if len(opts.Projection) > 0 {
			modOpts.SetProjection(opts.Projection)
		}
	}
	var doc bson.M
	err := c.coll.FindOneAndDelete(ctx, filter, modOpts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, translateWriteError("modify", err)
	}
	return doc, nil
}

func (c *mongoCollection) DeleteOne(ctx context.Context, filter bson.M) (int64, error) {
	res, err := c.coll.DeleteOne(ctx, filter)
	if err != nil {
		return 0, translateWriteError("delete", err)
	}
	return res.DeletedCount, nil
}

func (c *mongoCollection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, translateWriteError("delete", err)
	}
	return res.DeletedCount, nil
}

func (c *mongoCollection) Aggregate(ctx context.Context, pipeline []bson.M) ([]bson.M, error) {
	cursor, err := c.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("documap: aggregate: %w", err)
	}
	var results []bson.M
	if err := cursor.All(ctx, &results); err != nil {
		cursor.Close(ctx)
		return nil, fmt.Errorf("documap: aggregate results: %w", err)
	}
	cursor.Close(ctx)
	return results, nil
}

func (c *mongoCollection) EnsureIndex(ctx context.Context, keys bson.D, spec IndexSpec) error {
	model := mongo.IndexModel{Keys: keys}
	idxOpts := options.Index()
	if spec.Unique {
		idxOpts.SetUnique(true)
	}
	if spec.Sparse {
		idxOpts.SetSparse(true)
	}
	if spec.Name != "" {
		idxOpts.SetName(spec.Name)
	}
	model.Options = idxOpts
	if _, err := c.coll.Indexes().CreateOne(ctx, model); err != nil {
		return fmt.Errorf("documap: ensure index: %w", err)
	}
	return nil
}

// translateWriteError maps server errors to the engine's taxonomy:
// duplicate keys become NotUniqueError, everything else an
// OperationError.
func translateWriteError(op string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return &NotUniqueError{Err: err}
	}
	return &OperationError{Op: op, Err: err}
}
