package local

import (
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
)

// MemoryRemoteDocumentCache keeps documents in a sorted map.
type MemoryRemoteDocumentCache struct {
	docs model.MaybeDocumentMap
}

// Ensure MemoryRemoteDocumentCache implements RemoteDocumentCache.
var _ RemoteDocumentCache = (*MemoryRemoteDocumentCache)(nil)

// NewMemoryRemoteDocumentCache creates an empty cache.
func NewMemoryRemoteDocumentCache() *MemoryRemoteDocumentCache {
	return &MemoryRemoteDocumentCache{docs: model.NewMaybeDocumentMap()}
}

// AddEntry implements RemoteDocumentCache.
func (c *MemoryRemoteDocumentCache) AddEntry(_ *Txn, doc model.MaybeDocument) error {
	c.docs = c.docs.Insert(doc.Key(), doc)

	return nil
}

// RemoveEntry implements RemoteDocumentCache.
func (c *MemoryRemoteDocumentCache) RemoveEntry(_ *Txn, key model.DocumentKey) error {
	c.docs = c.docs.Remove(key)

	return nil
}

// GetEntry implements RemoteDocumentCache.
func (c *MemoryRemoteDocumentCache) GetEntry(_ *Txn, key model.DocumentKey) (model.MaybeDocument, error) {
	doc, ok := c.docs.Get(key)
	if !ok {
		return nil, nil
	}

	return doc, nil
}

// GetDocumentsMatchingQuery implements RemoteDocumentCache. The scan starts
// at the first possible child of the collection and stops at the first key
// outside of it.
func (c *MemoryRemoteDocumentCache) GetDocumentsMatchingQuery(_ *Txn, q *query.Query) (model.DocumentMap, error) {
	results := model.NewDocumentMap()

	if model.IsDocumentKey(q.Path) {
		if doc, ok := c.docs.Get(model.NewDocumentKey(q.Path)); ok {
			if d, ok := doc.(*model.Document); ok && q.Matches(d) {
				results = results.Insert(d.Key(), d)
			}
		}

		return results, nil
	}

	start := model.NewDocumentKey(q.Path.Child(""))

	for key, maybeDoc := range c.docs.From(start) {
		if !q.Path.IsPrefixOf(key.Path()) {
			break
		}

		if doc, ok := maybeDoc.(*model.Document); ok && q.Matches(doc) {
			results = results.Insert(key, doc)
		}
	}

	return results, nil
}

// Len returns the number of cached entries.
func (c *MemoryRemoteDocumentCache) Len() int {
	return c.docs.Len()
}
