package documap

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DB binds a registry of schemas to a database and hands out querysets
// and document lifecycle operations.
type DB struct {
	client   *mongo.Client
	database *mongo.Database
	reg      *Registry
	log      *zap.Logger
	colFn    func(name string) Collection

	derefCache *lru.TwoQueueCache[string, bson.M]
}

// Option tunes a DB handle.
type Option func(*DB)

// WithLogger replaces the default no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(db *DB) { db.log = log }
}

// WithCollectionFactory swaps the backing store, mostly for tests.
func WithCollectionFactory(fn func(name string) Collection) Option {
	return func(db *DB) { db.colFn = fn }
}

// WithDerefCacheSize enables an in-process cache of dereferenced
// documents, keyed by collection and id.
func WithDerefCacheSize(size int) Option {
	return func(db *DB) {
		cache, err := lru.New2Q[string, bson.M](size)
		if err == nil {
			db.derefCache = cache
		}
	}
}

// NewDB wraps an already connected driver database.
func NewDB(database *mongo.Database, reg *Registry, opts ...Option) *DB {
	db := &DB{database: database, reg: reg, log: zap.NewNop()}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Open connects to the deployment described by the config and returns a
// ready DB handle.
func Open(ctx context.Context, cfg *Config, reg *Registry, opts ...Option) (*DB, error) {
	clientOpts := options.Client().ApplyURI(cfg.URI)
	if cfg.AppName != "" {
		clientOpts.SetAppName(cfg.AppName)
	}
	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("documap: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("documap: ping: %w", err)
	}
	if cfg.Debug {
		opts = append([]Option{WithLogger(NewLogger(cfg.LogFormat == "json"))}, opts...)
	}
	db := NewDB(client.Database(cfg.Database), reg, opts...)
	db.client = client
	if cfg.DerefCacheSize > 0 && db.derefCache == nil {
		WithDerefCacheSize(cfg.DerefCacheSize)(db)
	}
	return db, nil
}

// Close disconnects the underlying client when this handle owns one.
func (db *DB) Close(ctx context.Context) error {
	if db.client == nil {
		return nil
	}
	return db.client.Disconnect(ctx)
}

// Registry returns the schema registry backing this handle.
func (db *DB) Registry() *Registry { return db.reg }

// Collection returns the store handle for a collection name.
func (db *DB) Collection(name string) Collection {
	if db.colFn != nil {
		return db.colFn(name)
	}
	return WrapCollection(db.database.Collection(name))
}

// Query starts a queryset over the schema's collection.
func (db *DB) Query(s *Schema) *QuerySet {
	return newQuerySet(db, s, db.Collection(s.Collection()))
}

// Save persists a document: an insert when it has never been stored, an
// update of only the changed paths otherwise. The change state is
// cleared on success.
func (db *DB) Save(ctx context.Context, doc *Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	col := db.Collection(doc.schema.Collection())

	if doc.IsNew() {
		raw, err := doc.encode()
		if err != nil {
			return err
		}
		if id, ok := raw["_id"]; ok && id == nil {
			delete(raw, "_id")
		}
		db.log.Debug("save insert", zap.String("collection", col.Name()))
		id, err := col.InsertOne(ctx, raw)
		if err != nil {
			return err
		}
		doc.setPersisted(id)
		return nil
	}

	sets, unsets, err := doc.Delta()
	if err != nil {
		return err
	}
	if len(sets) == 0 && len(unsets) == 0 {
		return nil
	}
	update := bson.M{}
	if len(sets) > 0 {
		update["$set"] = sets
	}
	if len(unsets) > 0 {
		update["$unset"] = unsets
	}
	pk, err := doc.schema.PrimaryKey().Encode(doc.ID())
	if err != nil {
		return err
	}
	db.log.Debug("save update",
		zap.String("collection", col.Name()),
		zap.Int("sets", len(sets)),
		zap.Int("unsets", len(unsets)))
	if _, err := col.UpdateOne(ctx, bson.M{"_id": pk}, update, true); err != nil {
		return err
	}
	doc.ClearChanged()
	return nil
}

// Delete removes the document from its collection. Deleting a document
// that was never saved is an error.
func (db *DB) Delete(ctx context.Context, doc *Document) error {
	if doc.IsNew() || doc.ID() == nil {
		return &OperationError{Op: "delete",
			Err: &InvalidQueryError{Msg: "document has not been saved"}}
	}
	pk, err := doc.schema.PrimaryKey().Encode(doc.ID())
	if err != nil {
		return err
	}
	col := db.Collection(doc.schema.Collection())
	n, err := col.DeleteOne(ctx, bson.M{"_id": pk})
	if err != nil {
		return err
	}
	if n == 0 {
		return &DoesNotExistError{TypeName: doc.schema.name}
	}
	return nil
}

// Reload refreshes the document from the store, discarding unsaved
// changes.
func (db *DB) Reload(ctx context.Context, doc *Document) error {
	if doc.ID() == nil {
		return &OperationError{Op: "reload",
			Err: &InvalidQueryError{Msg: "document has no primary key"}}
	}
	pk, err := doc.schema.PrimaryKey().Encode(doc.ID())
	if err != nil {
		return err
	}
	col := db.Collection(doc.schema.Collection())
	raws, err := col.Find(ctx, bson.M{"_id": pk}, &FindOpts{Limit: 1})
	if err != nil {
		return err
	}
	if len(raws) == 0 {
		return &DoesNotExistError{TypeName: doc.schema.name}
	}
	fresh, err := FromStorage(doc.schema, raws[0])
	if err != nil {
		return err
	}
	doc.values = fresh.values
	doc.changed = map[string]struct{}{}
	doc.isNew = false
	return nil
}

// fetchRef loads the document a reference points at, consulting the
// dereference cache when one is configured.
func (db *DB) fetchRef(ctx context.Context, ref Ref, expected *Schema) (*Document, error) {
	if ref.Collection == "" || ref.ID == nil {
		return nil, &InvalidQueryError{Msg: "reference has no target"}
	}
	cacheKey := fmt.Sprintf("%s/%v", ref.Collection, ref.ID)
	var raw bson.M
	if db.derefCache != nil {
		if hit, ok := db.derefCache.Get(cacheKey); ok {
			raw = hit
		}
	}
	if raw == nil {
		raws, err := db.Collection(ref.Collection).Find(ctx,
			bson.M{"_id": ref.ID}, &FindOpts{Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(raws) == 0 {
			return nil, nil
		}
		raw = raws[0]
		if db.derefCache != nil {
			db.derefCache.Add(cacheKey, raw)
		}
	}
	schema := db.schemaForRaw(raw, expected, ref.Collection)
	if schema == nil {
		return nil, &InvalidQueryError{
			Msg: "no schema registered for collection " + ref.Collection}
	}
	return FromStorage(schema, raw)
}

// schemaForRaw picks the schema to decode a raw document with: its _cls
// tag first, then the expected schema, then a registry guess from the
// collection name.
func (db *DB) schemaForRaw(raw bson.M, expected *Schema, collection string) *Schema {
	if tag, ok := raw["_cls"].(string); ok {
		if s, err := db.reg.Get(tag); err == nil {
			return s
		}
	}
	if expected != nil {
		return expected
	}
	s, _ := db.reg.ByCollection(collection)
	return s
}

// EnsureIndexes creates the declared indexes of every given schema,
// fanning out one goroutine per schema.
func (db *DB) EnsureIndexes(ctx context.Context, schemas ...*Schema) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range schemas {
		g.Go(func() error {
			col := db.Collection(s.Collection())
			for _, spec := range s.Indexes() {
				keys, err := indexKeys(s, spec)
				if err != nil {
					return err
				}
				db.log.Debug("ensure index",
					zap.String("collection", col.Name()),
					zap.Any("keys", keys))
				if err := col.EnsureIndex(ctx, keys, spec); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// indexKeys translates an index declaration's attribute names, with
// their optional +/- direction prefix, to storage names.
func indexKeys(s *Schema, spec IndexSpec) (bson.D, error) {
	keys := make(bson.D, 0, len(spec.Keys))
	for _, key := range spec.Keys {
		direction := int32(1)
		if strings.HasPrefix(key, "-") {
			direction = -1
		}
		key = strings.TrimLeft(key, "+-")
		chain, err := lookupFieldPath(s, strings.Split(key, "."))
		if err != nil {
			return nil, fmt.Errorf("documap: index on %s: %w", s.name, err)
		}
		parts := make([]string, 0, len(chain))
		for _, el := range chain {
			if el.field == nil {
				parts = append(parts, el.literal)
			} else {
				parts = append(parts, el.field.Descriptor().DBName)
			}
		}
		keys = append(keys, bson.E{Key: strings.Join(parts, "."), Value: direction})
	}
	return keys, nil
}
