package local

import (
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
)

type kvRemoteDocumentCache struct {
	serializer *LocalSerializer
}

// Ensure kvRemoteDocumentCache implements RemoteDocumentCache.
var _ RemoteDocumentCache = (*kvRemoteDocumentCache)(nil)

func (c *kvRemoteDocumentCache) AddEntry(txn *Txn, doc model.MaybeDocument) error {
	data, err := c.serializer.EncodeMaybeDocument(doc)
	if err != nil {
		return err
	}

	return txn.kv().Put(remoteDocumentKey(doc.Key()), data)
}

func (c *kvRemoteDocumentCache) RemoveEntry(txn *Txn, key model.DocumentKey) error {
	return txn.kv().Delete(remoteDocumentKey(key))
}

func (c *kvRemoteDocumentCache) GetEntry(txn *Txn, key model.DocumentKey) (model.MaybeDocument, error) {
	data, err := txn.kv().Get(remoteDocumentKey(key))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}

		return nil, err
	}

	return c.serializer.DecodeMaybeDocument(data)
}

// GetDocumentsMatchingQuery scans every key below the collection. Entries of
// nested collections share the prefix and are dropped by the path check in
// Matches.
func (c *kvRemoteDocumentCache) GetDocumentsMatchingQuery(txn *Txn, q *query.Query) (model.DocumentMap, error) {
	results := model.NewDocumentMap()

	if model.IsDocumentKey(q.Path) {
		maybeDoc, err := c.GetEntry(txn, model.NewDocumentKey(q.Path))
		if err != nil {
			return results, err
		}

		if doc, ok := maybeDoc.(*model.Document); ok && q.Matches(doc) {
			results = results.Insert(doc.Key(), doc)
		}

		return results, nil
	}

	err := scanPrefix(txn.kv(), remoteDocumentsPrefix(q.Path), func(_, value []byte) (bool, error) {
		maybeDoc, err := c.serializer.DecodeMaybeDocument(value)
		if err != nil {
			return true, err
		}

		if doc, ok := maybeDoc.(*model.Document); ok && q.Matches(doc) {
			results = results.Insert(doc.Key(), doc)
		}

		return false, nil
	})

	return results, err
}
