package documap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestObjectIDField(t *testing.T) {
	f := &ObjectIDField{FieldBase: FieldBase{Name: "id"}}
	oid := bson.NewObjectID()

	assert.Equal(t, oid, f.Decode(oid))
	assert.Equal(t, oid, f.Decode(oid.Hex()))

	enc, err := f.Encode(oid.Hex())
	require.NoError(t, err)
	assert.Equal(t, oid, enc)

	_, err = f.Encode("not-an-id")
	require.Error(t, err)
	var ee *EncodingError
	assert.ErrorAs(t, err, &ee)
}

func TestStringFieldBounds(t *testing.T) {
	f := &StringField{
		FieldBase: FieldBase{Name: "name"},
		MinLength: Ptr(2),
		MaxLength: Ptr(5),
	}

	assert.NoError(t, f.Validate("abc"))
	assert.Error(t, f.Validate("a"))
	assert.Error(t, f.Validate("abcdef"))
	assert.Error(t, f.Validate(42))
}

func TestStringFieldPattern(t *testing.T) {
	f := &StringField{FieldBase: FieldBase{Name: "slug"}, Pattern: `^[a-z-]+$`}
	assert.NoError(t, f.Validate("hello-world"))
	assert.Error(t, f.Validate("Hello World"))
}

func TestStringFieldQueryOperators(t *testing.T) {
	f := &StringField{FieldBase: FieldBase{Name: "name"}}

	cases := []struct {
		op      string
		value   string
		pattern string
		options string
	}{
		{"startswith", "jo", "^jo", ""},
		{"istartswith", "jo", "^jo", "i"},
		{"endswith", "hn", "hn$", ""},
		{"iendswith", "hn", "hn$", "i"},
		{"exact", "john", "^john$", ""},
		{"iexact", "john", "^john$", "i"},
		{"contains", "oh", "oh", ""},
		{"icontains", "oh", "oh", "i"},
		{"wholeword", "john", `\bjohn\b`, ""},
	}
	for _, tc := range cases {
		got, err := f.PrepareQueryValue(tc.op, tc.value)
		require.NoError(t, err, tc.op)
		assert.Equal(t, bson.Regex{Pattern: tc.pattern, Options: tc.options}, got, tc.op)
	}

	// metacharacters in the value are escaped
	got, err := f.PrepareQueryValue("startswith", "a.b")
	require.NoError(t, err)
	assert.Equal(t, bson.Regex{Pattern: `^a\.b`, Options: ""}, got)

	// the raw regex operator passes the pattern through untouched
	got, err = f.PrepareQueryValue("iregex", "^j.*n$")
	require.NoError(t, err)
	assert.Equal(t, bson.Regex{Pattern: "^j.*n$", Options: "i"}, got)
}

func TestIntFieldCoercion(t *testing.T) {
	f := &IntField{FieldBase: FieldBase{Name: "age"}, Min: Ptr(int64(0)), Max: Ptr(int64(150))}

	assert.Equal(t, int64(7), f.Decode(7))
	assert.Equal(t, int64(7), f.Decode(int32(7)))
	assert.Equal(t, int64(7), f.Decode(7.0))
	assert.Equal(t, int64(7), f.Decode("7"))
	// a fractional float stays untouched for Encode to reject
	assert.Equal(t, 7.5, f.Decode(7.5))

	_, err := f.Encode(7.5)
	require.Error(t, err)

	assert.NoError(t, f.Validate(int64(30)))
	assert.Error(t, f.Validate(int64(-1)))
	assert.Error(t, f.Validate(int64(200)))
}

func TestFloatField(t *testing.T) {
	f := &FloatField{FieldBase: FieldBase{Name: "score"}, Min: Ptr(0.0)}

	assert.Equal(t, 1.5, f.Decode(1.5))
	assert.Equal(t, 2.0, f.Decode(2))
	assert.NoError(t, f.Validate(0.5))
	assert.Error(t, f.Validate(-0.5))
	assert.Error(t, f.Validate("zero"))
}

func TestDateTimeFieldParsing(t *testing.T) {
	f := &DateTimeField{FieldBase: FieldBase{Name: "at"}}

	want := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	got := f.Decode("2024-05-01T12:30:00Z")
	assert.Equal(t, want, got)

	got = f.Decode("2024-05-01")
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), got)

	// unparseable strings stay as is, Encode rejects them
	assert.Equal(t, "yesterday", f.Decode("yesterday"))
	_, err := f.Encode("yesterday")
	require.Error(t, err)
}

func TestFieldChoices(t *testing.T) {
	f := &StringField{FieldBase: FieldBase{
		Name:    "state",
		Choices: []any{"open", "closed"},
	}}

	assert.NoError(t, f.Validate("open"))
	err := f.Validate("pending")
	require.Error(t, err)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestFieldCustomValidator(t *testing.T) {
	f := &IntField{FieldBase: FieldBase{
		Name: "even",
		Validator: func(v any) error {
			if n, ok := toInt64(v); ok && n%2 != 0 {
				return newValidationError("", "value must be even")
			}
			return nil
		},
	}}

	assert.NoError(t, f.Validate(int64(4)))
	assert.Error(t, f.Validate(int64(3)))
}

func TestListFieldValidation(t *testing.T) {
	f := &ListField{
		FieldBase: FieldBase{Name: "tags", Required: true},
		Inner:     &StringField{FieldBase: FieldBase{Name: "tags"}, MaxLength: Ptr(3)},
		MaxLength: Ptr(2),
	}

	assert.NoError(t, f.Validate([]any{"ab", "cd"}))
	assert.Error(t, f.Validate([]any{}))
	assert.Error(t, f.Validate([]any{"ab", "cd", "ef"}))
	assert.Error(t, f.Validate("nope"))

	err := f.Validate([]any{"ab", "toolong"})
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Errors, "1")
}

func TestMapFieldValidation(t *testing.T) {
	f := &MapField{
		FieldBase: FieldBase{Name: "scores"},
		Inner:     &IntField{FieldBase: FieldBase{Name: "scores"}},
	}

	assert.NoError(t, f.Validate(map[string]any{"a": int64(1)}))
	assert.Error(t, f.Validate(map[string]any{"bad.key": int64(1)}))
	assert.Error(t, f.Validate(map[string]any{"$bad": int64(1)}))
	assert.Error(t, f.Validate("nope"))
}

func TestEmbeddedFieldEncode(t *testing.T) {
	address := newAddressSchema()
	f := &EmbeddedField{FieldBase: FieldBase{Name: "address"}, Schema: address}

	doc, err := NewDocument(address, map[string]any{"city": "berlin"})
	require.NoError(t, err)

	enc, err := f.Encode(doc)
	require.NoError(t, err)
	assert.Equal(t, "berlin", enc.(bson.M)["city"])

	_, err = f.Encode("not a doc")
	require.Error(t, err)

	other := newPersonSchema()
	stranger, err := NewDocument(other, map[string]any{"name": "x"})
	require.NoError(t, err)
	_, err = f.Encode(stranger)
	require.Error(t, err)
}

func TestReferenceFieldRoundTrip(t *testing.T) {
	person := newPersonSchema()
	f := &ReferenceField{FieldBase: FieldBase{Name: "boss"}, To: person}

	oid := bson.NewObjectID()
	decoded := f.Decode(oid)
	require.IsType(t, Ref{}, decoded)
	ref := decoded.(Ref)
	assert.Equal(t, "person", ref.Collection)
	assert.Equal(t, oid, ref.ID)

	decoded = f.Decode(bson.M{"$ref": "person", "$id": oid})
	require.IsType(t, Ref{}, decoded)

	enc, err := f.Encode(ref)
	require.NoError(t, err)
	assert.Equal(t, ref, enc)

	// the prepared filter value is the bare id
	prepared, err := f.PrepareQueryValue("", ref)
	require.NoError(t, err)
	assert.Equal(t, oid, prepared)
}
