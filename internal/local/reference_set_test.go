package local_test

import (
	"slices"
	"testing"

	"github.com/serroba/docsync/internal/local"
	"github.com/serroba/docsync/internal/model"
	"github.com/stretchr/testify/require"
)

func TestReferenceSet_AddAndRemove(t *testing.T) {
	t.Parallel()

	s := local.NewReferenceSet()
	if !s.IsEmpty() {
		t.Fatal("expected a new set to be empty")
	}

	s.AddReferences(keys("docs/a", "docs/b"), 2)
	s.AddReference(model.KeyOf("docs/b"), 4)

	if got := keyStrings(s.ReferencesForID(2)); !slices.Equal(got, []string{"docs/a", "docs/b"}) {
		t.Errorf("unexpected references for 2: %v", got)
	}

	s.RemoveReference(model.KeyOf("docs/b"), 2)

	if got := keyStrings(s.ReferencesForID(2)); !slices.Equal(got, []string{"docs/a"}) {
		t.Errorf("unexpected references for 2: %v", got)
	}

	if !s.HasKey(model.KeyOf("docs/b")) {
		t.Error("expected docs/b to be held by 4")
	}

	s.RemoveReferencesForID(4)

	if s.HasKey(model.KeyOf("docs/b")) {
		t.Error("expected docs/b to be released")
	}

	s.RemoveAllReferences()

	if !s.IsEmpty() {
		t.Error("expected the set to be empty")
	}
}

func TestReferenceSet_ByIDScanStaysWithinID(t *testing.T) {
	t.Parallel()

	s := local.NewReferenceSet()
	s.AddReferences(keys("a/1", "z/9"), 1)
	s.AddReferences(keys("b/1"), 2)
	s.AddReferences(keys("c/1"), 3)

	if got := keyStrings(s.ReferencesForID(2)); !slices.Equal(got, []string{"b/1"}) {
		t.Errorf("expected only b/1, got %v", got)
	}

	if got := s.ReferencesForID(5); !got.IsEmpty() {
		t.Errorf("expected no references for 5, got %v", keyStrings(got))
	}
}

func TestReferenceSet_RemovalsReachTheCollector(t *testing.T) {
	t.Parallel()

	s := local.NewReferenceSet()
	gc := local.NewEagerGarbageCollector()
	gc.AddGarbageSource(s)

	s.AddReferences(keys("docs/a", "docs/b"), 1)
	s.AddReference(model.KeyOf("docs/b"), 2)
	s.RemoveReferencesForID(1)

	garbage, err := gc.CollectGarbage(nil)
	require.NoError(t, err)

	if got := keyStrings(garbage); !slices.Equal(got, []string{"docs/a"}) {
		t.Errorf("expected only docs/a to be collected, got %v", got)
	}

	// The flags were cleared by the collection.
	garbage, err = gc.CollectGarbage(nil)
	require.NoError(t, err)

	if !garbage.IsEmpty() {
		t.Errorf("expected nothing left to collect, got %v", keyStrings(garbage))
	}
}
