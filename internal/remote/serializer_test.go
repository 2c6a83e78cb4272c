package remote_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"github.com/serroba/docsync/internal/remote"
	"github.com/stretchr/testify/require"
)

var testDB = model.NewDatabaseID("test-project")

func newSerializer() *remote.Serializer {
	return remote.NewSerializer(testDB, true)
}

func allKindsObject() model.ObjectValue {
	ts := model.Timestamp{Seconds: 1_700_000_000, Nanos: 123_456_789}

	return model.MustObject(map[string]any{
		"null":   nil,
		"bool":   true,
		"int":    int64(math.MaxInt64),
		"double": 1.5,
		"nan":    math.NaN(),
		"inf":    math.Inf(1),
		"ninf":   math.Inf(-1),
		"str":    "hello",
		"bytes":  []byte{0, 1, 2},
		"empty":  []byte{},
		"ts":     ts,
		"geo":    model.GeoPointValue{Latitude: 1.5, Longitude: -2.25},
		"ref":    model.ReferenceValue{DatabaseID: testDB, Key: model.KeyOf("docs/a")},
		"array":  []any{int64(1), "two", []any{false}},
		"nested": map[string]any{"a": map[string]any{"b": int64(2)}},
	})
}

// jsonRoundTrip pushes v through encoding/json like the wire does.
func jsonRoundTrip[T any](t *testing.T, v T) T {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)

	var out T
	require.NoError(t, json.Unmarshal(data, &out))

	return out
}

func TestSerializer_ValuesRoundTripThroughJSON(t *testing.T) {
	t.Parallel()

	s := newSerializer()
	obj := allKindsObject()

	fields := jsonRoundTrip(t, s.ToFields(obj))

	got, err := s.FromFields(fields)
	require.NoError(t, err)

	if !got.Equal(obj) {
		t.Errorf("round trip changed the object:\nwant %s\ngot  %s", obj, got)
	}
}

func TestSerializer_SpecialDoublesAsStrings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want any
	}{
		{math.NaN(), "NaN"},
		{math.Inf(1), "Infinity"},
		{math.Inf(-1), "-Infinity"},
		{2.5, 2.5},
	}

	for _, tt := range tests {
		w := remote.NewSerializer(testDB, true).ToValue(model.DoubleValue(tt.in))
		if w.DoubleValue != tt.want {
			t.Errorf("ToValue(%v): expected %v, got %v", tt.in, tt.want, w.DoubleValue)
		}
	}

	raw := remote.NewSerializer(testDB, false).ToValue(model.DoubleValue(math.NaN()))
	if f, ok := raw.DoubleValue.(float64); !ok || !math.IsNaN(f) {
		t.Errorf("expected raw NaN without proto3 JSON, got %v", raw.DoubleValue)
	}
}

func TestSerializer_FromValueRejectsEmpty(t *testing.T) {
	t.Parallel()

	_, err := newSerializer().FromValue(remote.Value{})
	if !errors.Is(err, remote.ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestSerializer_ServerTimestampCannotBeSent(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() {
		newSerializer().ToValue(model.ServerTimestampValue{LocalWriteTime: model.Now()})
	})
}

func TestSerializer_Names(t *testing.T) {
	t.Parallel()

	s := newSerializer()
	key := model.KeyOf("rooms/abc/messages/x")

	name := s.ToName(key)
	require.Equal(t, "projects/test-project/databases/(default)/documents/rooms/abc/messages/x", name)

	got, err := s.FromName(name)
	require.NoError(t, err)
	require.True(t, got.Equal(key))

	_, err = s.FromName("projects/other/databases/(default)/documents/rooms/abc")
	if !errors.Is(err, remote.ErrInvalidMessage) {
		t.Errorf("expected other database to be rejected, got %v", err)
	}

	_, err = s.FromName("projects/test-project/databases/(default)/documents/rooms")
	if !errors.Is(err, remote.ErrInvalidMessage) {
		t.Errorf("expected collection name to be rejected, got %v", err)
	}
}

func TestSerializer_Document(t *testing.T) {
	t.Parallel()

	s := newSerializer()
	doc := model.NewDocument(model.KeyOf("docs/a"), model.VersionFromMicros(1_000_001), allKindsObject(), false)

	got, err := s.FromDocument(jsonRoundTrip(t, s.ToDocument(doc)))
	require.NoError(t, err)

	if !got.Equal(doc) {
		t.Errorf("expected %s, got %s", doc, got)
	}

	_, err = s.FromDocument(remote.Document{Name: s.ToName(doc.Key())})
	if !errors.Is(err, remote.ErrInvalidMessage) {
		t.Errorf("expected document without update time to be rejected, got %v", err)
	}
}

func TestSerializer_BatchGetResult(t *testing.T) {
	t.Parallel()

	s := newSerializer()
	version := model.VersionFromMicros(5_000_000)

	missing, err := s.FromBatchGetResult(remote.BatchGetResult{
		Missing:  s.ToName(model.KeyOf("docs/gone")),
		ReadTime: s.ToVersion(version),
	})
	require.NoError(t, err)
	require.True(t, missing.Equal(model.NewNoDocument(model.KeyOf("docs/gone"), version)))

	_, err = s.FromBatchGetResult(remote.BatchGetResult{})
	if !errors.Is(err, remote.ErrInvalidMessage) {
		t.Errorf("expected empty result to be rejected, got %v", err)
	}
}

func TestSerializer_Mutations(t *testing.T) {
	t.Parallel()

	s := newSerializer()
	key := model.KeyOf("docs/a")
	value := model.MustObject(map[string]any{"a": int64(1), "b": map[string]any{"c": "x"}})

	mutations := []model.Mutation{
		model.NewSetMutation(key, value, model.PreconditionNone),
		model.NewSetMutation(key, value, model.PreconditionUpdateTime(model.VersionFromMicros(42))),
		model.NewPatchMutation(key, value, model.NewFieldMask("a", "b.c"), model.PreconditionExists(true)),
		model.NewDeleteMutation(key, model.PreconditionNone),
		model.NewDeleteMutation(key, model.PreconditionExists(false)),
		model.NewTransformMutation(key, []model.FieldTransform{{Field: model.ParseFieldPath("updated.at")}}),
	}

	for _, m := range mutations {
		got, err := s.FromMutation(jsonRoundTrip(t, s.ToMutation(m)))
		require.NoError(t, err)

		if !got.Equal(m) {
			t.Errorf("expected %s, got %s", m, got)
		}
	}
}

func TestSerializer_WriteResult(t *testing.T) {
	t.Parallel()

	s := newSerializer()
	version := model.VersionFromMicros(7)

	result, err := s.FromWriteResult(remote.WriteResult{UpdateTime: s.ToVersion(version)})
	require.NoError(t, err)
	require.NotNil(t, result.Version)
	require.True(t, result.Version.Equal(version))
	require.Nil(t, result.TransformResults)

	deleted, err := s.FromWriteResult(remote.WriteResult{})
	require.NoError(t, err)
	require.Nil(t, deleted.Version)
}

func TestSerializer_QueryTarget(t *testing.T) {
	t.Parallel()

	s := newSerializer()

	q := query.Collection("rooms/abc/messages").
		MustWhere("n", query.GreaterThan, 1).
		MustWhere("tag", query.Equal, "x").
		OrderByField("n", query.Descending).
		WithLimit(3)

	target := s.ToTarget(query.NewTargetData(q, 2, query.PurposeListen))
	require.Equal(t, 2, target.TargetID)
	require.NotNil(t, target.Query)
	require.Equal(t, "projects/test-project/databases/(default)/documents/rooms/abc", target.Query.Parent)
	require.Equal(t, "messages", target.Query.StructuredQuery.From[0].CollectionID)
	require.NotNil(t, target.Query.StructuredQuery.Where.CompositeFilter)

	got, err := s.FromTarget(jsonRoundTrip(t, target))
	require.NoError(t, err)

	if !got.Equal(q) {
		t.Errorf("expected %s, got %s", q, got)
	}
}

func TestSerializer_TopLevelCollectionTarget(t *testing.T) {
	t.Parallel()

	s := newSerializer()
	q := query.Collection("docs")

	target := s.ToQueryTarget(q)
	require.Equal(t, "projects/test-project/databases/(default)/documents", target.Parent)
	require.Nil(t, target.StructuredQuery.Where)

	got, err := s.FromQueryTarget(*target)
	require.NoError(t, err)
	require.True(t, got.Equal(q))
}

func TestSerializer_DocumentsTarget(t *testing.T) {
	t.Parallel()

	s := newSerializer()
	q := query.Collection("docs/a")

	data := query.NewTargetData(q, 4, query.PurposeListen).Update(model.VersionFromMicros(1), []byte("token"))
	target := s.ToTarget(data)

	require.Nil(t, target.Query)
	require.NotNil(t, target.Documents)
	require.Equal(t, []byte("token"), target.ResumeToken)

	got, err := s.FromTarget(jsonRoundTrip(t, target))
	require.NoError(t, err)
	require.True(t, got.Equal(q))
}
