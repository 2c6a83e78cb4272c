package local

import "github.com/serroba/docsync/internal/model"

// remoteDocumentChangeBuffer collects changes to the remote document cache
// so they are written in one go. Reads see the buffered changes first.
type remoteDocumentChangeBuffer struct {
	cache   RemoteDocumentCache
	changes model.MaybeDocumentMap
	applied bool
}

func newRemoteDocumentChangeBuffer(cache RemoteDocumentCache) *remoteDocumentChangeBuffer {
	return &remoteDocumentChangeBuffer{cache: cache, changes: model.NewMaybeDocumentMap()}
}

// addEntry buffers doc, replacing any earlier change for its key.
func (b *remoteDocumentChangeBuffer) addEntry(doc model.MaybeDocument) {
	b.assertNotApplied()
	b.changes = b.changes.Insert(doc.Key(), doc)
}

// getEntry returns the buffered change for key, or the cached entry.
func (b *remoteDocumentChangeBuffer) getEntry(txn *Txn, key model.DocumentKey) (model.MaybeDocument, error) {
	b.assertNotApplied()

	if doc, ok := b.changes.Get(key); ok {
		return doc, nil
	}

	return b.cache.GetEntry(txn, key)
}

// apply writes the buffered changes. The buffer cannot be used afterwards.
func (b *remoteDocumentChangeBuffer) apply(txn *Txn) error {
	b.assertNotApplied()
	b.applied = true

	for _, doc := range b.changes.All() {
		if err := b.cache.AddEntry(txn, doc); err != nil {
			return err
		}
	}

	return nil
}

func (b *remoteDocumentChangeBuffer) assertNotApplied() {
	model.Assert(!b.applied, "remote document change buffer already applied")
}
