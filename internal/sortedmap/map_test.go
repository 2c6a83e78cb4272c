package sortedmap_test

import (
	"cmp"
	"strings"
	"testing"

	"github.com/serroba/docsync/internal/sortedmap"
	"github.com/stretchr/testify/require"
)

func collectKeys(m sortedmap.Map[string, int]) []string {
	var keys []string
	for k := range m.Keys() {
		keys = append(keys, k)
	}

	return keys
}

func TestMap_InsertIsPersistent(t *testing.T) {
	t.Parallel()

	empty := sortedmap.New[string, int](strings.Compare)
	one := empty.Insert("b", 2)
	two := one.Insert("a", 1)

	if empty.Len() != 0 {
		t.Errorf("expected empty map to stay empty, got %d", empty.Len())
	}

	if one.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", one.Len())
	}

	require.Equal(t, []string{"a", "b"}, collectKeys(two))
}

func TestMap_InsertReplaces(t *testing.T) {
	t.Parallel()

	m := sortedmap.New[string, int](strings.Compare).Insert("a", 1)
	updated := m.Insert("a", 5)

	v, ok := updated.Get("a")
	require.True(t, ok)

	if v != 5 {
		t.Errorf("expected 5, got %d", v)
	}

	old, _ := m.Get("a")
	if old != 1 {
		t.Errorf("expected original map to keep 1, got %d", old)
	}
}

func TestMap_Remove(t *testing.T) {
	t.Parallel()

	m := sortedmap.New[string, int](strings.Compare).Insert("a", 1).Insert("b", 2)
	removed := m.Remove("a")

	if removed.Contains("a") {
		t.Error("expected a to be removed")
	}

	if !m.Contains("a") {
		t.Error("expected original map to still contain a")
	}

	same := m.Remove("missing")
	if same.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", same.Len())
	}
}

func TestMap_FromAndRange(t *testing.T) {
	t.Parallel()

	m := sortedmap.New[int, string](cmp.Compare[int])
	for i := range 10 {
		m = m.Insert(i*10, "")
	}

	var from []int
	for k := range m.From(35) {
		from = append(from, k)
	}

	require.Equal(t, []int{40, 50, 60, 70, 80, 90}, from)

	var ranged []int
	for k := range m.Range(20, 50) {
		ranged = append(ranged, k)
	}

	require.Equal(t, []int{20, 30, 40}, ranged)
}

func TestMap_EarlyStop(t *testing.T) {
	t.Parallel()

	m := sortedmap.New[int, int](cmp.Compare[int])
	for i := range 100 {
		m = m.Insert(i, i)
	}

	count := 0

	for range m.All() {
		count++
		if count == 3 {
			break
		}
	}

	if count != 3 {
		t.Errorf("expected iteration to stop at 3, got %d", count)
	}
}

func TestMap_FirstAfterOrEqual(t *testing.T) {
	t.Parallel()

	m := sortedmap.New[int, string](cmp.Compare[int]).Insert(10, "x").Insert(20, "y")

	k, v, ok := m.FirstAfterOrEqual(11)
	require.True(t, ok)

	if k != 20 || v != "y" {
		t.Errorf("expected (20, y), got (%d, %s)", k, v)
	}

	_, _, ok = m.FirstAfterOrEqual(21)
	if ok {
		t.Error("expected no key after 21")
	}
}

func TestSet_AddDeleteUnion(t *testing.T) {
	t.Parallel()

	a := sortedmap.NewSet[string](strings.Compare).Add("x").Add("y")
	b := sortedmap.NewSet[string](strings.Compare).Add("y").Add("z")

	union := a.Union(b)
	require.Equal(t, []string{"x", "y", "z"}, union.Slice())

	without := union.Delete("y")
	if without.Has("y") {
		t.Error("expected y to be deleted")
	}

	if !union.Has("y") {
		t.Error("expected union to keep y")
	}
}
