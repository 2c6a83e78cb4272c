package local

import (
	"cmp"
	"math"

	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/sortedmap"
)

// docReference records that the target or batch id needs key.
type docReference struct {
	key model.DocumentKey
	id  int
}

func compareByKey(a, b docReference) int {
	if c := a.key.Compare(b.key); c != 0 {
		return c
	}

	return cmp.Compare(a.id, b.id)
}

func compareByID(a, b docReference) int {
	if c := cmp.Compare(a.id, b.id); c != 0 {
		return c
	}

	return a.key.Compare(b.key)
}

// ReferenceSet is a set of (key, id) references, where id is a target id or
// a batch id. One set only ever holds ids of one kind. References are
// indexed by key and by id; removing one reports the key to the attached
// garbage collector.
type ReferenceSet struct {
	refsByKey sortedmap.Set[docReference]
	refsByID  sortedmap.Set[docReference]
	gc        GarbageCollector
}

// Ensure ReferenceSet implements GarbageSource.
var _ GarbageSource = (*ReferenceSet)(nil)

// NewReferenceSet creates an empty set.
func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{
		refsByKey: sortedmap.NewSet(compareByKey),
		refsByID:  sortedmap.NewSet(compareByID),
	}
}

// IsEmpty reports whether the set holds no references.
func (s *ReferenceSet) IsEmpty() bool {
	return s.refsByKey.IsEmpty()
}

// AddReference records that id references key.
func (s *ReferenceSet) AddReference(key model.DocumentKey, id int) {
	ref := docReference{key: key, id: id}
	s.refsByKey = s.refsByKey.Add(ref)
	s.refsByID = s.refsByID.Add(ref)
}

// AddReferences records that id references every key.
func (s *ReferenceSet) AddReferences(keys model.DocumentKeySet, id int) {
	for key := range keys.All() {
		s.AddReference(key, id)
	}
}

// RemoveReference drops the reference of id to key.
func (s *ReferenceSet) RemoveReference(key model.DocumentKey, id int) {
	s.removeRef(docReference{key: key, id: id})
}

// RemoveReferences drops the references of id to every key.
func (s *ReferenceSet) RemoveReferences(keys model.DocumentKeySet, id int) {
	for key := range keys.All() {
		s.RemoveReference(key, id)
	}
}

// RemoveReferencesForID drops every reference held by id.
func (s *ReferenceSet) RemoveReferencesForID(id int) {
	for _, ref := range s.refsForID(id) {
		s.removeRef(ref)
	}
}

// RemoveAllReferences empties the set.
func (s *ReferenceSet) RemoveAllReferences() {
	for _, ref := range s.refsByKey.Slice() {
		s.removeRef(ref)
	}
}

// ReferencesForID returns the keys referenced by id.
func (s *ReferenceSet) ReferencesForID(id int) model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	for _, ref := range s.refsForID(id) {
		keys = keys.Add(ref.key)
	}

	return keys
}

// refsForID scans [(EmptyKey, id), (EmptyKey, id+1)) on the id index.
func (s *ReferenceSet) refsForID(id int) []docReference {
	model.Assert(id < math.MaxInt, "reference id out of range")

	var refs []docReference
	for ref := range s.refsByID.Range(docReference{key: model.EmptyKey, id: id}, docReference{key: model.EmptyKey, id: id + 1}) {
		refs = append(refs, ref)
	}

	return refs
}

func (s *ReferenceSet) removeRef(ref docReference) {
	s.refsByKey = s.refsByKey.Delete(ref)
	s.refsByID = s.refsByID.Delete(ref)

	if s.gc != nil {
		s.gc.AddPotentialGarbageKey(ref.key)
	}
}

// SetGarbageCollector implements GarbageSource.
func (s *ReferenceSet) SetGarbageCollector(gc GarbageCollector) {
	s.gc = gc
}

// ContainsKey implements GarbageSource. The set needs no transaction.
func (s *ReferenceSet) ContainsKey(_ *Txn, key model.DocumentKey) (bool, error) {
	return s.HasKey(key), nil
}

// HasKey reports whether any id references key.
func (s *ReferenceSet) HasKey(key model.DocumentKey) bool {
	first, ok := s.refsByKey.FirstAfterOrEqual(docReference{key: key, id: math.MinInt})

	return ok && first.key.Equal(key)
}
