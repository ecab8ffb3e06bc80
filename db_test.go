package documap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestDBSaveInsert(t *testing.T) {
	s := newPersonSchema()
	cols := map[string]*fakeCollection{}
	db := newFakeDB(nil, cols)

	doc, err := NewDocument(s, map[string]any{"name": "ann", "age": 30})
	require.NoError(t, err)

	require.NoError(t, db.Save(context.Background(), doc))
	assert.False(t, doc.IsNew())
	assert.NotNil(t, doc.ID())

	col := cols["person"]
	require.Len(t, col.inserted, 1)
	assert.Equal(t, "ann", col.inserted[0]["name"])
	_, hasID := col.inserted[0]["_id"]
	assert.False(t, hasID)
}

func TestDBSaveUpdateDelta(t *testing.T) {
	s := newPersonSchema()
	cols := map[string]*fakeCollection{}
	db := newFakeDB(nil, cols)

	oid := bson.NewObjectID()
	doc, err := FromStorage(s, bson.M{"_id": oid, "name": "ann", "age": int64(30)})
	require.NoError(t, err)

	require.NoError(t, doc.Set("age", 31))
	require.NoError(t, db.Save(context.Background(), doc))

	col := cols["person"]
	assert.Empty(t, col.inserted)
	assert.Equal(t, bson.M{"_id": oid}, col.lastFilter)
	assert.Equal(t, bson.M{"$set": bson.M{"age": int64(31)}}, col.lastUpdate)
	assert.Empty(t, doc.ChangedPaths())

	// a clean save is a no-op
	col.lastUpdate = nil
	require.NoError(t, db.Save(context.Background(), doc))
	assert.Nil(t, col.lastUpdate)
}

func TestDBSaveValidates(t *testing.T) {
	s := newPersonSchema()
	db := newFakeDB(nil, map[string]*fakeCollection{})

	doc, err := NewDocument(s, nil)
	require.NoError(t, err)

	err = db.Save(context.Background(), doc)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestDBDelete(t *testing.T) {
	s := newPersonSchema()
	cols := map[string]*fakeCollection{}
	db := newFakeDB(nil, cols)

	fresh, err := NewDocument(s, map[string]any{"name": "ann"})
	require.NoError(t, err)
	err = db.Delete(context.Background(), fresh)
	var oe *OperationError
	require.ErrorAs(t, err, &oe)

	oid := bson.NewObjectID()
	doc, err := FromStorage(s, bson.M{"_id": oid, "name": "ann"})
	require.NoError(t, err)

	cols["person"] = &fakeCollection{name: "person", deleteResult: 1}
	require.NoError(t, db.Delete(context.Background(), doc))
	assert.Equal(t, bson.M{"_id": oid}, cols["person"].lastFilter)

	cols["person"].deleteResult = 0
	err = db.Delete(context.Background(), doc)
	var dne *DoesNotExistError
	require.ErrorAs(t, err, &dne)
}

func TestDBReload(t *testing.T) {
	s := newPersonSchema()
	cols := map[string]*fakeCollection{}
	db := newFakeDB(nil, cols)

	oid := bson.NewObjectID()
	doc, err := FromStorage(s, bson.M{"_id": oid, "name": "ann", "age": int64(30)})
	require.NoError(t, err)
	require.NoError(t, doc.Set("age", 99))

	cols["person"] = &fakeCollection{name: "person", results: []bson.M{
		{"_id": oid, "name": "ann", "age": int64(31)},
	}}

	require.NoError(t, db.Reload(context.Background(), doc))
	assert.Equal(t, int64(31), doc.MustGet("age"))
	assert.Empty(t, doc.ChangedPaths())
	assert.False(t, doc.IsNew())
}

func TestDBReloadMissing(t *testing.T) {
	s := newPersonSchema()
	cols := map[string]*fakeCollection{}
	db := newFakeDB(nil, cols)

	doc, err := FromStorage(s, bson.M{"_id": bson.NewObjectID(), "name": "ann"})
	require.NoError(t, err)

	err = db.Reload(context.Background(), doc)
	var dne *DoesNotExistError
	require.ErrorAs(t, err, &dne)
}

func TestDBEnsureIndexes(t *testing.T) {
	s, err := NewSchemaBuilder("Account").
		Index(IndexSpec{Keys: []string{"email"}, Unique: true}).
		Index(IndexSpec{Keys: []string{"-created_at", "email"}}).
		Fields(
			&StringField{FieldBase: FieldBase{Name: "email", DBName: "email_addr"}},
			&DateTimeField{FieldBase: FieldBase{Name: "created_at"}},
		).
		Build(nil)
	require.NoError(t, err)

	cols := map[string]*fakeCollection{}
	db := newFakeDB(nil, cols)

	require.NoError(t, db.EnsureIndexes(context.Background(), s))

	col := cols["account"]
	require.Len(t, col.indexed, 2)
	assert.Equal(t, bson.D{{Key: "email_addr", Value: int32(1)}}, col.indexed[0])
	assert.Equal(t, bson.D{
		{Key: "created_at", Value: int32(-1)},
		{Key: "email_addr", Value: int32(1)},
	}, col.indexed[1])
}

func TestLazyRefFetch(t *testing.T) {
	reg := NewRegistry()
	author, err := NewSchemaBuilder("Author").
		AllowInheritance().
		Fields(&StringField{FieldBase: FieldBase{Name: "name"}}).
		Build(reg)
	require.NoError(t, err)

	oid := bson.NewObjectID()
	cols := map[string]*fakeCollection{
		"author": {name: "author", results: []bson.M{
			{"_id": oid, "name": "ann", "_cls": "Author"},
		}},
	}
	db := newFakeDB(reg, cols)

	ref := &LazyRef{Ref: Ref{Collection: "author", ID: oid}}
	doc, err := ref.Fetch(context.Background(), db)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Same(t, author, doc.Schema())
	assert.Equal(t, "ann", doc.MustGet("name"))

	// the second fetch is served from the token
	cols["author"].results = nil
	again, err := ref.Fetch(context.Background(), db)
	require.NoError(t, err)
	assert.Same(t, doc, again)
}
