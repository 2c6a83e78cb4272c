package model_test

import (
	"math"
	"testing"

	"github.com/serroba/docsync/internal/model"
	"github.com/stretchr/testify/require"
)

func TestDocumentKey_Ordering(t *testing.T) {
	t.Parallel()

	a1 := model.KeyOf("a/1")
	a2 := model.KeyOf("a/2")
	a1b := model.KeyOf("a/1/b/1")
	b1 := model.KeyOf("b/1")

	if model.EmptyKey.Compare(a1) >= 0 {
		t.Error("expected EmptyKey to sort before every key")
	}

	if a1.Compare(a1b) >= 0 {
		t.Error("expected a parent document to sort before its subcollection documents")
	}

	if a1b.Compare(a2) >= 0 {
		t.Error("expected a/1/b/1 to sort before a/2")
	}

	if a2.Compare(b1) >= 0 {
		t.Error("expected a/2 to sort before b/1")
	}

	if !a1.Equal(model.KeyFromSegments("a", "1")) {
		t.Error("expected equal keys")
	}
}

func TestDocumentKey_RejectsCollectionPath(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() { model.KeyOf("a") })
}

func TestResourcePath_Prefix(t *testing.T) {
	t.Parallel()

	coll := model.ParseResourcePath("/rooms/")
	doc := model.ParseResourcePath("rooms/abc")
	nested := model.ParseResourcePath("rooms/abc/messages/x")

	if !coll.IsPrefixOf(doc) || !coll.IsImmediateParentOf(doc) {
		t.Error("expected rooms to be the immediate parent of rooms/abc")
	}

	if coll.IsImmediateParentOf(nested) {
		t.Error("expected rooms not to be the immediate parent of a nested document")
	}

	require.Equal(t, "rooms/abc/x", doc.Child("x").CanonicalString())
	require.Equal(t, "abc", doc.PopFirst(1).CanonicalString())
}

func TestValue_CrossTypeOrder(t *testing.T) {
	t.Parallel()

	ordered := []model.Value{
		model.Null,
		model.BooleanValue(false),
		model.BooleanValue(true),
		model.DoubleValue(math.NaN()),
		model.DoubleValue(math.Inf(-1)),
		model.IntegerValue(-1),
		model.DoubleValue(0.5),
		model.IntegerValue(1),
		model.DoubleValue(math.Inf(1)),
		model.TimestampValue{Timestamp: model.Timestamp{Seconds: 1}},
		model.ServerTimestampValue{LocalWriteTime: model.Timestamp{Seconds: 0}},
		model.StringValue("a"),
		model.StringValue("b"),
		model.BlobValue([]byte{1}),
		model.ReferenceValue{Key: model.KeyOf("a/1")},
		model.GeoPointValue{Latitude: 1, Longitude: 2},
		model.ArrayValue{model.IntegerValue(1)},
		model.ArrayValue{model.IntegerValue(1), model.IntegerValue(2)},
		model.MustObject(map[string]any{"a": 1}),
	}

	for i := range len(ordered) - 1 {
		if c := ordered[i].Compare(ordered[i+1]); c >= 0 {
			t.Errorf("expected %s < %s, got %d", ordered[i], ordered[i+1], c)
		}

		if c := ordered[i+1].Compare(ordered[i]); c <= 0 {
			t.Errorf("expected %s > %s, got %d", ordered[i+1], ordered[i], c)
		}
	}
}

func TestValue_Equality(t *testing.T) {
	t.Parallel()

	nan := model.DoubleValue(math.NaN())
	if !nan.Equal(model.DoubleValue(math.NaN())) {
		t.Error("expected NaN to equal NaN")
	}

	if model.IntegerValue(1).Equal(model.DoubleValue(1)) {
		t.Error("expected integer and double to be different values")
	}

	if model.IntegerValue(1).Compare(model.DoubleValue(1)) != 0 {
		t.Error("expected integer and double to compare numerically equal")
	}

	if model.DoubleValue(0).Equal(model.DoubleValue(math.Copysign(0, -1))) {
		t.Error("expected 0.0 and -0.0 to differ")
	}

	a := model.MustObject(map[string]any{"x": []any{1, "y"}, "z": map[string]any{"w": nil}})
	b := model.MustObject(map[string]any{"z": map[string]any{"w": nil}, "x": []any{1, "y"}})

	if !a.Equal(b) || a.Compare(b) != 0 {
		t.Error("expected structurally equal objects to be equal")
	}
}

func TestObjectValue_SetAndDelete(t *testing.T) {
	t.Parallel()

	obj := model.MustObject(map[string]any{"a": map[string]any{"b": 1, "c": 2}})

	updated := obj.Set(model.ParseFieldPath("a.d.e"), model.StringValue("x"))

	v, ok := updated.Field(model.ParseFieldPath("a.d.e"))
	require.True(t, ok)
	require.True(t, v.Equal(model.StringValue("x")))

	if _, ok := obj.Field(model.ParseFieldPath("a.d")); ok {
		t.Error("expected original object to be unchanged")
	}

	deleted := updated.Delete(model.ParseFieldPath("a.b"))
	if _, ok := deleted.Field(model.ParseFieldPath("a.b")); ok {
		t.Error("expected a.b to be deleted")
	}

	if _, ok := deleted.Field(model.ParseFieldPath("a.c")); !ok {
		t.Error("expected a.c to survive")
	}

	replaced := obj.Set(model.ParseFieldPath("a.b.c"), model.IntegerValue(3))
	v, ok = replaced.Field(model.ParseFieldPath("a.b.c"))
	require.True(t, ok)
	require.True(t, v.Equal(model.IntegerValue(3)))
}

func TestValueOf_Unsupported(t *testing.T) {
	t.Parallel()

	_, err := model.ValueOf(struct{}{})
	require.Error(t, err)

	_, err = model.ObjectOf(map[string]any{"bad": make(chan int)})
	require.Error(t, err)
}

func TestInterface_RoundTrip(t *testing.T) {
	t.Parallel()

	in := map[string]any{"n": int64(1), "s": "x", "list": []any{true, nil, 1.5}}
	obj := model.MustObject(in)

	require.Equal(t, in, model.Interface(obj))
}

func TestSnapshotVersion(t *testing.T) {
	t.Parallel()

	v := model.VersionFromMicros(1_500_000)

	require.Equal(t, int64(1), v.Timestamp().Seconds)
	require.Equal(t, int32(500_000_000), v.Timestamp().Nanos)
	require.Equal(t, int64(1_500_000), v.Micros())

	if !model.ForDeletedDoc().IsMin() {
		t.Error("expected deleted document version to be the minimum")
	}

	if model.MinVersion.Compare(v) >= 0 {
		t.Error("expected MinVersion to sort first")
	}
}
