package model_test

import (
	"testing"

	"github.com/serroba/docsync/internal/model"
	"github.com/stretchr/testify/require"
)

var (
	docKey    = model.KeyOf("docs/x")
	writeTime = model.Timestamp{Seconds: 100}
)

func doc(version int64, fields map[string]any, local bool) *model.Document {
	return model.NewDocument(docKey, model.VersionFromMicros(version), model.MustObject(fields), local)
}

func ptr[T any](v T) *T { return &v }

func TestSetMutation_LocalView(t *testing.T) {
	t.Parallel()

	set := model.NewSetMutation(docKey, model.MustObject(map[string]any{"n": 1}), model.PreconditionNone)

	got := set.ApplyToLocalView(nil, writeTime)
	require.True(t, got.Equal(doc(0, map[string]any{"n": 1}, true)), "got %s", got)

	got = set.ApplyToLocalView(doc(7, map[string]any{"old": true}, false), writeTime)
	require.True(t, got.Equal(doc(7, map[string]any{"n": 1}, true)), "got %s", got)
}

func TestSetMutation_RemoteDocument(t *testing.T) {
	t.Parallel()

	set := model.NewSetMutation(docKey, model.MustObject(map[string]any{"n": 1}), model.PreconditionNone)
	version := model.VersionFromMicros(9)

	got := set.ApplyToRemoteDocument(nil, model.MutationResult{Version: &version})
	require.True(t, got.Equal(doc(9, map[string]any{"n": 1}, false)), "got %s", got)
}

func TestPatchMutation_MergesMaskedFields(t *testing.T) {
	t.Parallel()

	patch := model.NewPatchMutation(docKey,
		model.MustObject(map[string]any{"a": 2}),
		model.NewFieldMask("a", "gone"),
		model.PreconditionExists(true))

	base := doc(3, map[string]any{"a": 1, "b": 1, "gone": true}, false)

	got := patch.ApplyToLocalView(base, writeTime)
	require.True(t, got.Equal(doc(3, map[string]any{"a": 2, "b": 1}, true)), "got %s", got)
}

func TestPatchMutation_PreconditionFails(t *testing.T) {
	t.Parallel()

	patch := model.NewPatchMutation(docKey,
		model.MustObject(map[string]any{"a": 2}),
		model.NewFieldMask("a"),
		model.PreconditionExists(true))

	if got := patch.ApplyToLocalView(nil, writeTime); got != nil {
		t.Errorf("expected patch on a missing document to be a no-op, got %s", got)
	}

	tombstone := model.NewNoDocument(docKey, model.VersionFromMicros(4))
	if got := patch.ApplyToLocalView(tombstone, writeTime); got != tombstone {
		t.Errorf("expected tombstone to be returned unchanged, got %s", got)
	}
}

func TestDeleteMutation(t *testing.T) {
	t.Parallel()

	del := model.NewDeleteMutation(docKey, model.PreconditionNone)

	got := del.ApplyToLocalView(doc(3, map[string]any{"a": 1}, false), writeTime)
	require.True(t, got.Equal(model.NewNoDocument(docKey, model.ForDeletedDoc())), "got %s", got)

	got = del.ApplyToRemoteDocument(nil, model.MutationResult{})
	require.True(t, got.Equal(model.NewNoDocument(docKey, model.MinVersion)), "got %s", got)
}

func TestTransformMutation(t *testing.T) {
	t.Parallel()

	tr := model.NewTransformMutation(docKey, []model.FieldTransform{{Field: model.ParseFieldPath("at")}})
	base := doc(3, map[string]any{"a": 1}, false)

	local := tr.ApplyToLocalView(base, writeTime).(*model.Document)
	v, ok := local.Field(model.ParseFieldPath("at"))
	require.True(t, ok)
	require.True(t, v.Equal(model.ServerTimestampValue{LocalWriteTime: writeTime}))
	require.True(t, local.HasLocalMutations())

	server := model.TimestampValue{Timestamp: model.Timestamp{Seconds: 200}}
	remote := tr.ApplyToRemoteDocument(base, model.MutationResult{
		Version:          ptr(model.VersionFromMicros(5)),
		TransformResults: []model.Value{server},
	})
	require.True(t, remote.Equal(doc(3, map[string]any{"a": 1, "at": server}, false)), "got %s", remote)

	if got := tr.ApplyToLocalView(nil, writeTime); got != nil {
		t.Errorf("expected transform of a missing document to be a no-op, got %s", got)
	}
}

func TestPrecondition_IsValidFor(t *testing.T) {
	t.Parallel()

	existing := doc(5, nil, false)
	missing := model.NewNoDocument(docKey, model.VersionFromMicros(5))

	tests := []struct {
		name string
		p    model.Precondition
		doc  model.MaybeDocument
		want bool
	}{
		{"none on nil", model.PreconditionNone, nil, true},
		{"exists on document", model.PreconditionExists(true), existing, true},
		{"exists on tombstone", model.PreconditionExists(true), missing, false},
		{"not exists on nil", model.PreconditionExists(false), nil, true},
		{"not exists on tombstone", model.PreconditionExists(false), missing, true},
		{"not exists on document", model.PreconditionExists(false), existing, false},
		{"update time match", model.PreconditionUpdateTime(model.VersionFromMicros(5)), existing, true},
		{"update time mismatch", model.PreconditionUpdateTime(model.VersionFromMicros(6)), existing, false},
		{"update time on tombstone", model.PreconditionUpdateTime(model.VersionFromMicros(5)), missing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.p.IsValidFor(tt.doc); got != tt.want {
				t.Errorf("IsValidFor = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMutationBatch_FoldsInOrder(t *testing.T) {
	t.Parallel()

	other := model.KeyOf("docs/other")
	batch := model.NewMutationBatch(1, writeTime, []model.Mutation{
		model.NewSetMutation(docKey, model.MustObject(map[string]any{"n": 1}), model.PreconditionNone),
		model.NewSetMutation(other, model.MustObject(map[string]any{"ignored": true}), model.PreconditionNone),
		model.NewPatchMutation(docKey, model.MustObject(map[string]any{"m": 2}), model.NewFieldMask("m"),
			model.PreconditionExists(true)),
	})

	got := batch.ApplyToLocalView(docKey, nil)
	require.True(t, got.Equal(doc(0, map[string]any{"n": 1, "m": 2}, true)), "got %s", got)

	require.Equal(t, []model.DocumentKey{other, docKey}, batch.Keys().Slice())
}

func TestMutationBatch_LeavesUntouchedDocumentsAlone(t *testing.T) {
	t.Parallel()

	other := model.KeyOf("docs/other")
	bases := map[string]model.MaybeDocument{
		"document":    doc(3, map[string]any{"n": 1}, false),
		"no document": model.NewNoDocument(docKey, model.VersionFromMicros(3)),
	}

	batches := []*model.MutationBatch{
		model.NewMutationBatch(1, writeTime, nil),
		model.NewMutationBatch(2, writeTime, []model.Mutation{
			model.NewSetMutation(other, model.MustObject(map[string]any{"n": 2}), model.PreconditionNone),
		}),
	}

	for name, base := range bases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got := base
			for _, b := range batches {
				got = b.ApplyToLocalView(docKey, got)
			}

			require.True(t, got.Equal(base), "got %s", got)
		})
	}
}

func TestMutationBatchResult_DocVersions(t *testing.T) {
	t.Parallel()

	deleted := model.KeyOf("docs/deleted")
	batch := model.NewMutationBatch(1, writeTime, []model.Mutation{
		model.NewSetMutation(docKey, model.EmptyObject(), model.PreconditionNone),
		model.NewDeleteMutation(deleted, model.PreconditionNone),
	})

	commit := model.VersionFromMicros(10)
	result := model.NewMutationBatchResult(batch, commit, []model.MutationResult{
		{Version: ptr(model.VersionFromMicros(8))},
		{},
	}, nil)

	v, ok := result.DocVersion(docKey)
	require.True(t, ok)
	require.Equal(t, model.VersionFromMicros(8), v)

	v, ok = result.DocVersion(deleted)
	require.True(t, ok)
	require.Equal(t, commit, v)

	got := batch.ApplyToRemoteDocument(docKey, nil, result)
	require.True(t, got.Equal(model.NewDocument(docKey, model.VersionFromMicros(8), model.EmptyObject(), false)))
}

func TestMutationBatch_Tombstone(t *testing.T) {
	t.Parallel()

	batch := model.NewMutationBatch(3, writeTime, []model.Mutation{model.NewDeleteMutation(docKey, model.PreconditionNone)})
	tomb := batch.ToTombstone()

	if !tomb.IsTombstone() || batch.IsTombstone() {
		t.Error("expected only the tombstone copy to be a tombstone")
	}

	require.Equal(t, 3, tomb.BatchID)
}

func TestFail_PanicsWithInvariantError(t *testing.T) {
	t.Parallel()

	defer func() {
		r := recover()

		err, ok := r.(*model.InvariantError)
		require.True(t, ok, "expected *InvariantError, got %T", r)
		require.Contains(t, err.Error(), "boom 1")
	}()

	model.Fail("boom %d", 1)
}
