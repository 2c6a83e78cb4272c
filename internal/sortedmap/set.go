package sortedmap

import "iter"

// Set is an immutable sorted set backed by Map.
type Set[K any] struct {
	m Map[K, struct{}]
}

// NewSet creates an empty set ordered by cmp.
func NewSet[K any](cmp func(a, b K) int) Set[K] {
	return Set[K]{m: New[K, struct{}](cmp)}
}

// Add returns a set containing k.
func (s Set[K]) Add(k K) Set[K] {
	if s.m.Contains(k) {
		return s
	}

	return Set[K]{m: s.m.Insert(k, struct{}{})}
}

// Delete returns a set without k.
func (s Set[K]) Delete(k K) Set[K] {
	return Set[K]{m: s.m.Remove(k)}
}

// Has reports whether k is in the set.
func (s Set[K]) Has(k K) bool {
	return s.m.Contains(k)
}

// Len returns the number of elements.
func (s Set[K]) Len() int {
	return s.m.Len()
}

// IsEmpty reports whether the set has no elements.
func (s Set[K]) IsEmpty() bool {
	return s.m.IsEmpty()
}

// Max returns the largest element.
func (s Set[K]) Max() (K, bool) {
	k, _, ok := s.m.Max()

	return k, ok
}

// FirstAfterOrEqual returns the first element that is >= k.
func (s Set[K]) FirstAfterOrEqual(k K) (K, bool) {
	key, _, ok := s.m.FirstAfterOrEqual(k)

	return key, ok
}

// All iterates over the elements in order.
func (s Set[K]) All() iter.Seq[K] {
	return s.m.Keys()
}

// From iterates over the elements >= k in order.
func (s Set[K]) From(k K) iter.Seq[K] {
	return func(yield func(K) bool) {
		for key := range s.m.From(k) {
			if !yield(key) {
				return
			}
		}
	}
}

// Range iterates over elements in the half-open interval [lo, hi).
func (s Set[K]) Range(lo, hi K) iter.Seq[K] {
	return func(yield func(K) bool) {
		for k := range s.m.Range(lo, hi) {
			if !yield(k) {
				return
			}
		}
	}
}

// Union returns a set containing the elements of both sets.
func (s Set[K]) Union(other Set[K]) Set[K] {
	result := s
	for k := range other.All() {
		result = result.Add(k)
	}

	return result
}

// Slice returns the elements in order.
func (s Set[K]) Slice() []K {
	out := make([]K, 0, s.Len())
	for k := range s.All() {
		out = append(out, k)
	}

	return out
}
