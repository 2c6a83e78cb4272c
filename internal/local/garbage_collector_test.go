package local_test

import (
	"slices"
	"testing"

	"github.com/serroba/docsync/internal/local"
	"github.com/serroba/docsync/internal/model"
	"github.com/stretchr/testify/require"
)

func TestEagerGarbageCollector_KeepsKeysAnySourceHolds(t *testing.T) {
	t.Parallel()

	views := local.NewReferenceSet()
	targets := local.NewReferenceSet()

	gc := local.NewEagerGarbageCollector()
	gc.AddGarbageSource(views)
	gc.AddGarbageSource(targets)

	views.AddReferences(keys("docs/a", "docs/b"), 2)
	targets.AddReference(model.KeyOf("docs/a"), 2)
	views.RemoveReferencesForID(2)

	garbage, err := gc.CollectGarbage(nil)
	require.NoError(t, err)

	if got := keyStrings(garbage); !slices.Equal(got, []string{"docs/b"}) {
		t.Errorf("expected docs/b, got %v", got)
	}
}

func TestEagerGarbageCollector_RemovedSourceNoLongerCounts(t *testing.T) {
	t.Parallel()

	held := local.NewReferenceSet()
	held.AddReference(model.KeyOf("docs/a"), 1)

	gc := local.NewEagerGarbageCollector()
	gc.AddGarbageSource(held)
	gc.RemoveGarbageSource(held)
	gc.AddPotentialGarbageKey(model.KeyOf("docs/a"))

	garbage, err := gc.CollectGarbage(nil)
	require.NoError(t, err)

	if !garbage.Has(model.KeyOf("docs/a")) {
		t.Error("expected docs/a to be collected once its source was removed")
	}

	// A detached source no longer reports removals.
	held.RemoveReference(model.KeyOf("docs/a"), 1)

	garbage, err = gc.CollectGarbage(nil)
	require.NoError(t, err)

	if !garbage.IsEmpty() {
		t.Errorf("expected nothing to collect, got %v", keyStrings(garbage))
	}
}

func TestNoOpGarbageCollector_NeverCollects(t *testing.T) {
	t.Parallel()

	gc := local.NoOpGarbageCollector{}
	s := local.NewReferenceSet()
	gc.AddGarbageSource(s)

	s.AddReference(model.KeyOf("docs/a"), 1)
	s.RemoveReference(model.KeyOf("docs/a"), 1)
	gc.AddPotentialGarbageKey(model.KeyOf("docs/a"))

	garbage, err := gc.CollectGarbage(nil)
	require.NoError(t, err)

	if gc.IsEager() || !garbage.IsEmpty() {
		t.Errorf("expected a lazy collector that collects nothing, got %v", keyStrings(garbage))
	}
}
