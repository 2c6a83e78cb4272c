package syncengine

import (
	"iter"

	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"github.com/serroba/docsync/internal/sortedmap"
)

// DocumentSet is an immutable set of documents ordered by a query's
// comparator and indexed by key.
type DocumentSet struct {
	byKey   model.DocumentMap
	ordered sortedmap.Set[*model.Document]
}

// NewDocumentSet creates an empty set ordered like q's results.
func NewDocumentSet(q *query.Query) DocumentSet {
	return DocumentSet{
		byKey: model.NewDocumentMap(),
		ordered: sortedmap.NewSet(func(a, b *model.Document) int {
			if c := q.Compare(a, b); c != 0 {
				return c
			}

			return a.Key().Compare(b.Key())
		}),
	}
}

// Len returns the number of documents.
func (s DocumentSet) Len() int {
	return s.byKey.Len()
}

// Has reports whether a document with key is in the set.
func (s DocumentSet) Has(key model.DocumentKey) bool {
	return s.byKey.Contains(key)
}

// Get returns the document with key.
func (s DocumentSet) Get(key model.DocumentKey) (*model.Document, bool) {
	return s.byKey.Get(key)
}

// Last returns the last document in query order.
func (s DocumentSet) Last() (*model.Document, bool) {
	return s.ordered.Max()
}

// Add returns a set containing doc, replacing the document with its key.
func (s DocumentSet) Add(doc *model.Document) DocumentSet {
	s = s.Delete(doc.Key())
	s.byKey = s.byKey.Insert(doc.Key(), doc)
	s.ordered = s.ordered.Add(doc)

	return s
}

// Delete returns a set without the document with key.
func (s DocumentSet) Delete(key model.DocumentKey) DocumentSet {
	old, ok := s.byKey.Get(key)
	if !ok {
		return s
	}

	s.byKey = s.byKey.Remove(key)
	s.ordered = s.ordered.Delete(old)

	return s
}

// All iterates over the documents in query order.
func (s DocumentSet) All() iter.Seq[*model.Document] {
	return s.ordered.All()
}

// Slice returns the documents in query order.
func (s DocumentSet) Slice() []*model.Document {
	return s.ordered.Slice()
}
