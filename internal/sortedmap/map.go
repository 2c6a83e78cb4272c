// Package sortedmap provides immutable sorted maps and sets with structural sharing.
//
// Every update returns a new value and leaves the receiver untouched. Updates copy
// only the B-Tree path they touch, so keeping old versions around is cheap.
package sortedmap

import (
	"iter"

	"github.com/tidwall/btree"
)

const degree = 16

type entry[K, V any] struct {
	key   K
	value V
}

// Map is an immutable sorted map ordered by a caller-supplied comparator.
// The zero value is not usable; create maps with New.
type Map[K, V any] struct {
	tr  *btree.BTreeG[entry[K, V]]
	cmp func(K, K) int
}

// New creates an empty map ordered by cmp.
func New[K, V any](cmp func(a, b K) int) Map[K, V] {
	return Map[K, V]{
		tr:  newTree[K, V](cmp),
		cmp: cmp,
	}
}

func newTree[K, V any](cmp func(a, b K) int) *btree.BTreeG[entry[K, V]] {
	return btree.NewBTreeGOptions(
		func(a, b entry[K, V]) bool {
			return cmp(a.key, b.key) < 0
		},
		btree.Options{Degree: degree},
	)
}

// Comparator returns the key ordering of the map.
func (m Map[K, V]) Comparator() func(a, b K) int {
	return m.cmp
}

// Insert returns a map with k set to v.
func (m Map[K, V]) Insert(k K, v V) Map[K, V] {
	tr := m.tr.Copy()
	tr.Set(entry[K, V]{key: k, value: v})

	return Map[K, V]{tr: tr, cmp: m.cmp}
}

// Remove returns a map without k. If k is absent the receiver is returned as is.
func (m Map[K, V]) Remove(k K) Map[K, V] {
	if _, ok := m.Get(k); !ok {
		return m
	}

	tr := m.tr.Copy()
	tr.Delete(entry[K, V]{key: k})

	return Map[K, V]{tr: tr, cmp: m.cmp}
}

// Get returns the value stored for k.
func (m Map[K, V]) Get(k K) (V, bool) {
	if m.tr == nil {
		var zero V

		return zero, false
	}

	e, ok := m.tr.Get(entry[K, V]{key: k})

	return e.value, ok
}

// Contains reports whether k is present.
func (m Map[K, V]) Contains(k K) bool {
	_, ok := m.Get(k)

	return ok
}

// Len returns the number of entries.
func (m Map[K, V]) Len() int {
	if m.tr == nil {
		return 0
	}

	return m.tr.Len()
}

// IsEmpty reports whether the map has no entries.
func (m Map[K, V]) IsEmpty() bool {
	return m.Len() == 0
}

// Min returns the smallest key and its value.
func (m Map[K, V]) Min() (K, V, bool) {
	if m.tr == nil {
		var (
			k K
			v V
		)

		return k, v, false
	}

	e, ok := m.tr.Min()

	return e.key, e.value, ok
}

// Max returns the largest key and its value.
func (m Map[K, V]) Max() (K, V, bool) {
	if m.tr == nil {
		var (
			k K
			v V
		)

		return k, v, false
	}

	e, ok := m.tr.Max()

	return e.key, e.value, ok
}

// FirstAfterOrEqual returns the first key that is >= k.
func (m Map[K, V]) FirstAfterOrEqual(k K) (K, V, bool) {
	for key, value := range m.From(k) {
		return key, value, true
	}

	var (
		key   K
		value V
	)

	return key, value, false
}

// All iterates over all entries in key order.
func (m Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		if m.tr == nil {
			return
		}

		m.tr.Scan(func(e entry[K, V]) bool {
			return yield(e.key, e.value)
		})
	}
}

// Keys iterates over all keys in order.
func (m Map[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		for k := range m.All() {
			if !yield(k) {
				return
			}
		}
	}
}

// From iterates in key order starting at the first key >= k.
func (m Map[K, V]) From(k K) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		if m.tr == nil {
			return
		}

		m.tr.Ascend(entry[K, V]{key: k}, func(e entry[K, V]) bool {
			return yield(e.key, e.value)
		})
	}
}

// Range iterates over keys in the half-open interval [lo, hi).
func (m Map[K, V]) Range(lo, hi K) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for k, v := range m.From(lo) {
			if m.cmp(k, hi) >= 0 {
				return
			}

			if !yield(k, v) {
				return
			}
		}
	}
}
