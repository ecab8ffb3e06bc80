package documap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestTransformQueryBasics(t *testing.T) {
	s := newPersonSchema()

	got, err := transformQuery(s, Q{"name": "ann"})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"name": "ann"}, got)

	got, err = transformQuery(s, Q{"age__gte": 18})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"age": bson.M{"$gte": int64(18)}}, got)

	got, err = transformQuery(s, Q{"age__gte": 18, "age__lte": 30})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"age": bson.M{"$gte": int64(18), "$lte": int64(30)}}, got)
}

func TestTransformQueryPrimaryKeyAlias(t *testing.T) {
	s := newPersonSchema()
	oid := bson.NewObjectID()

	got, err := transformQuery(s, Q{"pk": oid.Hex()})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"_id": oid}, got)
}

func TestTransformQueryStringOperators(t *testing.T) {
	s := newPersonSchema()

	got, err := transformQuery(s, Q{"name__istartswith": "jo"})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"name": bson.Regex{Pattern: "^jo", Options: "i"}}, got)
}

func TestTransformQueryEmbeddedPath(t *testing.T) {
	s := newPersonSchema()

	got, err := transformQuery(s, Q{"address__city": "oslo"})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"address.city": "oslo"}, got)

	// unknown members of a strict embedded schema are rejected
	_, err = transformQuery(s, Q{"address__nope": 1})
	require.Error(t, err)
	var iqe *InvalidQueryError
	assert.ErrorAs(t, err, &iqe)
}

func TestTransformQueryListIndex(t *testing.T) {
	s := newPersonSchema()

	got, err := transformQuery(s, Q{"tags__0": "a"})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"tags.0": "a"}, got)
}

func TestTransformQueryIn(t *testing.T) {
	s := newPersonSchema()

	got, err := transformQuery(s, Q{"tags__in": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"tags": bson.M{"$in": []any{"a", "b"}}}, got)

	_, err = transformQuery(s, Q{"tags__in": "a"})
	require.Error(t, err)
}

func TestTransformQueryNegation(t *testing.T) {
	s := newPersonSchema()

	got, err := transformQuery(s, Q{"age__not__gte": 40})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"age": bson.M{"$not": bson.M{"$gte": int64(40)}}}, got)
}

func TestTransformQueryElemMatch(t *testing.T) {
	s := newPersonSchema()

	got, err := transformQuery(s, Q{"addresses__match": Q{"city": "rome"}})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"addresses": bson.M{"$elemMatch": bson.M{"city": "rome"}}}, got)
}

func TestTransformQueryRaw(t *testing.T) {
	s := newPersonSchema()

	got, err := transformQuery(s, Q{"__raw__": bson.M{"age": bson.M{"$mod": bson.A{2, 0}}}})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"age": bson.M{"$mod": bson.A{2, 0}}}, got)
}

func TestTransformQueryUnmergeableConditions(t *testing.T) {
	s := newPersonSchema()

	got, err := transformQuery(s, Q{"age": 30, "age__gte": 18})
	require.NoError(t, err)
	and, ok := got["$and"].(bson.A)
	require.True(t, ok)
	assert.Len(t, and, 2)
}

func TestTransformQueryUnknownField(t *testing.T) {
	s := newPersonSchema()

	_, err := transformQuery(s, Q{"bogus": 1})
	require.Error(t, err)
	var le *LookupError
	assert.ErrorAs(t, err, &le)
}

func TestCompileNodeCombinations(t *testing.T) {
	s := newPersonSchema()

	got, err := compileNode(s, Or(Q{"name": "a"}, Q{"name": "b"}))
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$or": bson.A{bson.M{"name": "a"}, bson.M{"name": "b"}}}, got)

	// a conjunction of leaves merges into one document
	got, err = compileNode(s, And(Q{"name": "a"}, Q{"age__gte": 18}))
	require.NoError(t, err)
	assert.Equal(t, bson.M{"name": "a", "age": bson.M{"$gte": int64(18)}}, got)

	_, err = compileNode(s, And(Q{"name": "a"}, Q{"name": "b"}))
	assert.ErrorIs(t, err, ErrDuplicateConditions)
}

func TestTransformUpdateSetDefault(t *testing.T) {
	s := newPersonSchema()

	got, err := transformUpdate(s, Q{"name": "bob"})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$set": bson.M{"name": "bob"}}, got)

	got, err = transformUpdate(s, Q{"set__age": 30})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$set": bson.M{"age": int64(30)}}, got)

	// deep keys default to set as well
	got, err = transformUpdate(s, Q{"address__city": "oslo"})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$set": bson.M{"address.city": "oslo"}}, got)
}

func TestTransformUpdateIncDec(t *testing.T) {
	s := newPersonSchema()

	got, err := transformUpdate(s, Q{"inc__age": 5})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$inc": bson.M{"age": int64(5)}}, got)

	got, err = transformUpdate(s, Q{"dec__age": 5})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$inc": bson.M{"age": int64(-5)}}, got)

	_, err = transformUpdate(s, Q{"dec__age": "five"})
	require.Error(t, err)
}

func TestTransformUpdatePush(t *testing.T) {
	s := newPersonSchema()

	got, err := transformUpdate(s, Q{"push__tags": "x"})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$push": bson.M{"tags": "x"}}, got)

	got, err = transformUpdate(s, Q{"push_all__tags": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$push": bson.M{"tags": bson.M{"$each": []any{"a", "b"}}}}, got)

	// a trailing index becomes a positional insert
	got, err = transformUpdate(s, Q{"push__tags__0": "x"})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$push": bson.M{"tags": bson.M{"$each": []any{"x"}, "$position": 0}}}, got)
}

func TestTransformUpdateAddToSet(t *testing.T) {
	s := newPersonSchema()

	got, err := transformUpdate(s, Q{"add_to_set__tags": "x"})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$addToSet": bson.M{"tags": "x"}}, got)

	got, err = transformUpdate(s, Q{"add_to_set__tags": []any{"x", "y"}})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$addToSet": bson.M{"tags": bson.M{"$each": []any{"x", "y"}}}}, got)
}

func TestTransformUpdatePull(t *testing.T) {
	s := newPersonSchema()

	got, err := transformUpdate(s, Q{"pull__tags": "x"})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$pull": bson.M{"tags": "x"}}, got)

	// pulling by a nested member nests below the last list segment
	got, err = transformUpdate(s, Q{"pull__addresses__city": "rome"})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$pull": bson.M{"addresses": bson.M{"city": "rome"}}}, got)

	got, err = transformUpdate(s, Q{"pull__tags__in": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$pull": bson.M{"tags": bson.M{"$in": []any{"a", "b"}}}}, got)

	_, err = transformUpdate(s, Q{"pull_all__addresses__city": []any{"x"}})
	require.Error(t, err)
}

func TestTransformUpdateUnsetAndRaw(t *testing.T) {
	s := newPersonSchema()

	got, err := transformUpdate(s, Q{"unset__age": true})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$unset": bson.M{"age": 1}}, got)

	got, err = transformUpdate(s, Q{"__raw__": bson.M{"$rename": bson.M{"age": "years"}}})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$rename": bson.M{"age": "years"}}, got)
}

func TestTransformUpdatePositional(t *testing.T) {
	s := newPersonSchema()

	got, err := transformUpdate(s, Q{"set__addresses__S__city": "rome"})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$set": bson.M{"addresses.$.city": "rome"}}, got)
}

func TestTransformUpdateMergesSameOperator(t *testing.T) {
	s := newPersonSchema()

	got, err := transformUpdate(s, Q{"set__name": "bob", "set__age": 40})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$set": bson.M{"name": "bob", "age": int64(40)}}, got)
}
