package local_test

import (
	"math"
	"testing"

	"github.com/serroba/docsync/internal/local"
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"github.com/stretchr/testify/require"
)

func TestLocalSerializer_MaybeDocuments(t *testing.T) {
	t.Parallel()

	s := local.NewLocalSerializer(newTestSerializer())

	tests := []model.MaybeDocument{
		doc("docs/a", 42, map[string]any{
			"nan":    math.NaN(),
			"inf":    math.Inf(-1),
			"nested": map[string]any{"list": []any{int64(1), "two"}},
			"bytes":  []byte{0, 1},
		}),
		model.NewNoDocument(model.KeyOf("docs/b"), model.VersionFromMicros(7)),
	}

	for _, want := range tests {
		data, err := s.EncodeMaybeDocument(want)
		require.NoError(t, err)

		got, err := s.DecodeMaybeDocument(data)
		require.NoError(t, err)

		if !model.EqualMaybeDocuments(want, got) {
			t.Errorf("round trip changed the document:\nwant %s\ngot  %s", want, got)
		}
	}
}

func TestLocalSerializer_MutationBatch(t *testing.T) {
	t.Parallel()

	s := local.NewLocalSerializer(newTestSerializer())
	want := model.NewMutationBatch(3, model.Timestamp{Seconds: 1_700_000_000, Nanos: 5000}, []model.Mutation{
		setMutation("docs/a", map[string]any{"v": int64(1)}),
		model.NewPatchMutation(model.KeyOf("docs/b"), model.MustObject(map[string]any{"x": true}),
			model.NewFieldMask("x", "y"), model.PreconditionExists(true)),
		model.NewDeleteMutation(model.KeyOf("docs/c"), model.PreconditionUpdateTime(model.VersionFromMicros(9))),
	})

	data, err := s.EncodeMutationBatch("alice", want)
	require.NoError(t, err)

	got, err := s.DecodeMutationBatch(data)
	require.NoError(t, err)

	if !got.Equal(want) {
		t.Errorf("round trip changed the batch:\nwant %s\ngot  %s", want, got)
	}
}

func TestLocalSerializer_TargetData(t *testing.T) {
	t.Parallel()

	s := local.NewLocalSerializer(newTestSerializer())
	q := query.Collection("docs").MustWhere("n", query.GreaterThan, int64(2)).OrderByField("n", query.Descending).WithLimit(5)
	want := query.NewTargetData(q, 6, query.PurposeListen).Update(model.VersionFromMicros(11), []byte("resume"))

	data, err := s.EncodeTargetData(want)
	require.NoError(t, err)

	got, err := s.DecodeTargetData(data)
	require.NoError(t, err)

	if got.TargetID != want.TargetID || !got.Query.Equal(want.Query) ||
		!got.SnapshotVersion.Equal(want.SnapshotVersion) || string(got.ResumeToken) != "resume" {
		t.Errorf("round trip changed the target:\nwant %+v\ngot  %+v", want, got)
	}
}
