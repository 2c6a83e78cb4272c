package emulator_test

import (
	"testing"

	"github.com/serroba/docsync/internal/emulator"
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"github.com/serroba/docsync/internal/remote"
	"github.com/stretchr/testify/require"
)

func set(path string, fields map[string]any) model.Mutation {
	return model.NewSetMutation(model.KeyOf(path), model.MustObject(fields), model.PreconditionNone)
}

func patch(path string, fields map[string]any, mask ...string) model.Mutation {
	return model.NewPatchMutation(model.KeyOf(path), model.MustObject(fields),
		model.NewFieldMask(mask...), model.PreconditionExists(true))
}

func del(path string) model.Mutation {
	return model.NewDeleteMutation(model.KeyOf(path), model.PreconditionNone)
}

func TestBackend_CommitAssignsIncreasingVersions(t *testing.T) {
	t.Parallel()

	b := emulator.NewBackend()
	_, start := b.Snapshot()
	require.False(t, start.IsMin())

	v1, results, err := b.Commit([]model.Mutation{set("rooms/a", map[string]any{"n": 1})})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, v1, *results[0].Version)

	v2, _, err := b.Commit([]model.Mutation{patch("rooms/a", map[string]any{"m": 2}, "m")})
	require.NoError(t, err)

	if v2.Compare(v1) <= 0 || v1.Compare(start) <= 0 {
		t.Errorf("versions not increasing: %s, %s, %s", start, v1, v2)
	}

	docs, version := b.Snapshot()
	require.Equal(t, v2, version)

	d, ok := docs.Get(model.KeyOf("rooms/a"))
	require.True(t, ok)
	require.Equal(t, v2, d.Version())
	require.True(t, d.Data().Equal(model.MustObject(map[string]any{"n": 1, "m": 2})))
	require.False(t, d.HasLocalMutations())
}

func TestBackend_CommitIsAtomic(t *testing.T) {
	t.Parallel()

	b := emulator.NewBackend()
	_, before := b.Snapshot()

	_, _, err := b.Commit([]model.Mutation{
		set("rooms/a", map[string]any{"n": 1}),
		patch("rooms/missing", map[string]any{"n": 2}, "n"),
	})
	require.Equal(t, remote.NotFound, remote.CodeOf(err))

	docs, version := b.Snapshot()
	require.True(t, docs.IsEmpty())
	require.Equal(t, before, version)
}

func TestBackend_Preconditions(t *testing.T) {
	t.Parallel()

	b := emulator.NewBackend()
	v, _, err := b.Commit([]model.Mutation{set("rooms/a", map[string]any{})})
	require.NoError(t, err)

	key := model.KeyOf("rooms/a")

	tests := []struct {
		name     string
		mutation model.Mutation
		code     remote.Code
	}{
		{"create existing", model.NewSetMutation(key, model.EmptyObject(), model.PreconditionExists(false)), remote.AlreadyExists},
		{"stale update time", model.NewDeleteMutation(key, model.PreconditionUpdateTime(model.VersionFromMicros(v.Micros()-1))), remote.FailedPrecondition},
		{"matching update time", model.NewDeleteMutation(key, model.PreconditionUpdateTime(v)), remote.OK},
	}

	for _, tt := range tests {
		_, _, err := b.Commit([]model.Mutation{tt.mutation})

		if got := remote.CodeOf(err); got != tt.code {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.code, got)
		}
	}
}

func TestBackend_TransformUsesCommitTime(t *testing.T) {
	t.Parallel()

	b := emulator.NewBackend()
	key := model.KeyOf("rooms/a")

	v, results, err := b.Commit([]model.Mutation{
		set("rooms/a", map[string]any{"n": 1}),
		model.NewTransformMutation(key, []model.FieldTransform{{Field: model.ParseFieldPath("at")}}),
	})
	require.NoError(t, err)

	want := model.TimestampValue{Timestamp: v.Timestamp()}
	require.Equal(t, []model.Value{want}, results[1].TransformResults)

	docs, _ := b.Snapshot()
	d, _ := docs.Get(key)

	at, ok := d.Field(model.ParseFieldPath("at"))
	require.True(t, ok)
	require.True(t, at.Equal(want))
}

func TestBackend_LookupAndRunQuery(t *testing.T) {
	t.Parallel()

	b := emulator.NewBackend()
	_, _, err := b.Commit([]model.Mutation{
		set("rooms/a", map[string]any{"n": 3}),
		set("rooms/b", map[string]any{"n": 1}),
		set("rooms/c", map[string]any{"n": 2}),
		set("rooms/a/messages/m", map[string]any{"n": 0}),
		set("halls/h", map[string]any{"n": 0}),
	})
	require.NoError(t, err)

	_, _, err = b.Commit([]model.Mutation{del("rooms/c")})
	require.NoError(t, err)

	found, version := b.Lookup([]model.DocumentKey{model.KeyOf("rooms/c"), model.KeyOf("rooms/a")})
	require.Equal(t, model.NewNoDocument(model.KeyOf("rooms/c"), version), found[0])
	require.True(t, found[1].Exists())

	q := query.Collection("rooms").OrderByField("n", query.Ascending).WithLimit(5)
	docs, _ := b.RunQuery(q)

	paths := make([]string, len(docs))
	for i, d := range docs {
		paths[i] = d.Key().String()
	}

	require.Equal(t, []string{"rooms/b", "rooms/a"}, paths)

	docs, _ = b.RunQuery(query.Collection("rooms").WithLimit(1))
	require.Len(t, docs, 1)

	docs, _ = b.RunQuery(query.AtPath(model.KeyOf("rooms/a/messages/m").Path()))
	require.Len(t, docs, 1)
}
