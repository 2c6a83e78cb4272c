package remote_test

import (
	"testing"

	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"github.com/serroba/docsync/internal/remote"
	"github.com/stretchr/testify/require"
)

func listenTargets(ids ...int) map[int]*query.TargetData {
	targets := make(map[int]*query.TargetData, len(ids))
	for _, id := range ids {
		targets[id] = query.NewTargetData(query.Collection("docs"), id, query.PurposeListen)
	}

	return targets
}

func testDoc(path string, micros int64) *model.Document {
	return model.NewDocument(model.KeyOf(path), model.VersionFromMicros(micros),
		model.MustObject(map[string]any{"v": micros}), false)
}

func TestWatchChangeAggregator_DocumentChanges(t *testing.T) {
	t.Parallel()

	version := model.VersionFromMicros(10)
	a := remote.NewWatchChangeAggregator(version, listenTargets(2, 4), nil)

	docA := testDoc("docs/a", 5)
	a.AddChanges([]remote.WatchChange{
		&remote.DocumentWatchChange{UpdatedTargetIDs: []int{2}, Key: docA.Key(), NewDoc: docA},
		&remote.DocumentWatchChange{RemovedTargetIDs: []int{4}, Key: model.KeyOf("docs/b")},
		&remote.WatchTargetChange{State: remote.WatchTargetCurrent, TargetIDs: []int{2}, ResumeToken: []byte("r")},
	})

	event := a.CreateRemoteEvent()
	require.True(t, event.SnapshotVersion.Equal(version))
	require.Equal(t, 1, event.DocumentUpdates.Len())

	got, ok := event.DocumentUpdates.Get(docA.Key())
	require.True(t, ok)
	require.True(t, got.Equal(docA))

	change2 := event.TargetChanges[2]
	require.NotNil(t, change2)
	require.Equal(t, model.CurrentStatusMarkCurrent, change2.CurrentStatusUpdate)
	require.Equal(t, []byte("r"), change2.ResumeToken)

	update, ok := change2.Mapping.(*model.UpdateMapping)
	require.True(t, ok)
	require.True(t, update.AddedDocuments.Has(docA.Key()))

	change4 := event.TargetChanges[4]
	require.NotNil(t, change4)
	require.True(t, change4.Mapping.(*model.UpdateMapping).RemovedDocuments.Has(model.KeyOf("docs/b")))
}

func TestWatchChangeAggregator_IgnoresPendingAndUnknownTargets(t *testing.T) {
	t.Parallel()

	pending := map[int]int{2: 1}
	a := remote.NewWatchChangeAggregator(model.VersionFromMicros(10), listenTargets(2), pending)

	docA := testDoc("docs/a", 5)
	a.Add(&remote.DocumentWatchChange{UpdatedTargetIDs: []int{2, 6}, Key: docA.Key(), NewDoc: docA})

	event := a.CreateRemoteEvent()

	if event.DocumentUpdates.Len() != 0 {
		t.Errorf("expected changes for inactive targets to be dropped, got %d", event.DocumentUpdates.Len())
	}

	if len(event.TargetChanges) != 0 {
		t.Errorf("expected no target changes, got %d", len(event.TargetChanges))
	}

	if pending[2] != 1 {
		t.Error("expected the input pending counts to be left untouched")
	}
}

func TestWatchChangeAggregator_AckActivatesTarget(t *testing.T) {
	t.Parallel()

	a := remote.NewWatchChangeAggregator(model.VersionFromMicros(10), listenTargets(2), map[int]int{2: 1})

	docA := testDoc("docs/a", 5)
	a.AddChanges([]remote.WatchChange{
		&remote.WatchTargetChange{State: remote.WatchTargetAdded, TargetIDs: []int{2}},
		&remote.DocumentWatchChange{UpdatedTargetIDs: []int{2}, Key: docA.Key(), NewDoc: docA},
	})

	event := a.CreateRemoteEvent()

	require.Empty(t, a.PendingTargetResponses)
	require.Equal(t, 1, event.DocumentUpdates.Len())
	require.Contains(t, event.TargetChanges, 2)
}

func TestWatchChangeAggregator_Reset(t *testing.T) {
	t.Parallel()

	a := remote.NewWatchChangeAggregator(model.VersionFromMicros(10), listenTargets(2), nil)

	docA := testDoc("docs/a", 5)
	a.AddChanges([]remote.WatchChange{
		&remote.DocumentWatchChange{UpdatedTargetIDs: []int{2}, Key: model.KeyOf("docs/old"), NewDoc: testDoc("docs/old", 1)},
		&remote.WatchTargetChange{State: remote.WatchTargetReset, TargetIDs: []int{2}},
		&remote.DocumentWatchChange{UpdatedTargetIDs: []int{2}, Key: docA.Key(), NewDoc: docA},
	})

	event := a.CreateRemoteEvent()

	reset, ok := event.TargetChanges[2].Mapping.(*model.ResetMapping)
	require.True(t, ok)
	require.Equal(t, []model.DocumentKey{docA.Key()}, reset.Documents.Slice())
}

func TestWatchChangeAggregator_ExistenceFilter(t *testing.T) {
	t.Parallel()

	a := remote.NewWatchChangeAggregator(model.VersionFromMicros(10), listenTargets(2), nil)
	a.AddChanges([]remote.WatchChange{
		&remote.ExistenceFilterChange{TargetID: 2, Count: 3},
		&remote.ExistenceFilterChange{TargetID: 8, Count: 1},
	})

	require.Len(t, a.ExistenceFilters, 1)
	require.Equal(t, 3, a.ExistenceFilters[2].Count)
}

func TestWatchChangeAggregator_FrozenAfterEvent(t *testing.T) {
	t.Parallel()

	a := remote.NewWatchChangeAggregator(model.VersionFromMicros(10), listenTargets(2), nil)
	a.CreateRemoteEvent()

	require.Panics(t, func() {
		a.Add(&remote.ExistenceFilterChange{TargetID: 2, Count: 1})
	})
}

func TestSerializer_FromWatchChange(t *testing.T) {
	t.Parallel()

	s := newSerializer()
	readTime := model.VersionFromMicros(9)

	change, err := s.FromWatchChange(remote.ListenResponse{
		DocumentDelete: &remote.DocumentDeleteWire{
			Document:         s.ToName(model.KeyOf("docs/a")),
			RemovedTargetIDs: []int{2},
			ReadTime:         s.ToVersion(readTime),
		},
	})
	require.NoError(t, err)

	del, ok := change.(*remote.DocumentWatchChange)
	require.True(t, ok)
	require.True(t, del.NewDoc.Equal(model.NewNoDocument(model.KeyOf("docs/a"), readTime)))

	change, err = s.FromWatchChange(remote.ListenResponse{
		TargetChange: &remote.TargetChangeWire{
			TargetChangeType: remote.TargetChangeRemove,
			TargetIDs:        []int{2},
			Cause:            &remote.Status{Code: int(remote.PermissionDenied), Message: "no"},
		},
	})
	require.NoError(t, err)

	removed, ok := change.(*remote.WatchTargetChange)
	require.True(t, ok)
	require.Equal(t, remote.WatchTargetRemoved, removed.State)
	require.Equal(t, remote.PermissionDenied, remote.CodeOf(removed.Cause))

	global := remote.ListenResponse{TargetChange: &remote.TargetChangeWire{ReadTime: s.ToVersion(readTime)}}

	v, err := s.VersionFromListenResponse(global)
	require.NoError(t, err)
	require.True(t, v.Equal(readTime))

	v, err = s.VersionFromListenResponse(remote.ListenResponse{TargetChange: &remote.TargetChangeWire{
		TargetIDs: []int{2}, ReadTime: s.ToVersion(readTime),
	}})
	require.NoError(t, err)
	require.True(t, v.IsMin())

	_, err = s.FromWatchChange(remote.ListenResponse{TargetChange: &remote.TargetChangeWire{TargetChangeType: "BOGUS"}})
	require.ErrorIs(t, err, remote.ErrInvalidMessage)
}
