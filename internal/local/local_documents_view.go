package local

import (
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
)

// LocalDocumentsView computes the documents the user sees: the cached
// server state with the user's pending mutations applied on top.
type LocalDocumentsView struct {
	remoteDocuments RemoteDocumentCache
	mutationQueue   MutationQueue
}

// NewLocalDocumentsView creates a view over the cache and queue.
func NewLocalDocumentsView(remoteDocuments RemoteDocumentCache, mutationQueue MutationQueue) *LocalDocumentsView {
	return &LocalDocumentsView{remoteDocuments: remoteDocuments, mutationQueue: mutationQueue}
}

// GetDocument returns the local view of key. A document that is neither
// cached nor written locally is returned as a NoDocument.
func (v *LocalDocumentsView) GetDocument(txn *Txn, key model.DocumentKey) (model.MaybeDocument, error) {
	batches, err := v.mutationQueue.GetAllMutationBatchesAffectingDocumentKey(txn, key)
	if err != nil {
		return nil, err
	}

	doc, err := v.getDocument(txn, key, batches)
	if err != nil {
		return nil, err
	}

	if doc == nil {
		return model.NewNoDocument(key, model.ForDeletedDoc()), nil
	}

	return doc, nil
}

// getDocument applies batches to the cached entry of key. The result is nil
// when there is neither an entry nor a mutation creating the document.
func (v *LocalDocumentsView) getDocument(txn *Txn, key model.DocumentKey,
	batches []*model.MutationBatch,
) (model.MaybeDocument, error) {
	doc, err := v.remoteDocuments.GetEntry(txn, key)
	if err != nil {
		return nil, err
	}

	for _, batch := range batches {
		doc = batch.ApplyToLocalView(key, doc)
	}

	return doc, nil
}

// GetDocuments returns the local view of every key.
func (v *LocalDocumentsView) GetDocuments(txn *Txn, keys model.DocumentKeySet) (model.MaybeDocumentMap, error) {
	results := model.NewMaybeDocumentMap()

	for key := range keys.All() {
		doc, err := v.GetDocument(txn, key)
		if err != nil {
			return results, err
		}

		results = results.Insert(key, doc)
	}

	return results, nil
}

// GetDocumentsMatchingQuery returns the documents of the local view that
// match q. A query on a document path reads that single document even when
// it carries filters.
func (v *LocalDocumentsView) GetDocumentsMatchingQuery(txn *Txn, q *query.Query) (model.DocumentMap, error) {
	if model.IsDocumentKey(q.Path) {
		return v.getDocumentsMatchingDocumentQuery(txn, q)
	}

	return v.getDocumentsMatchingCollectionQuery(txn, q)
}

func (v *LocalDocumentsView) getDocumentsMatchingDocumentQuery(txn *Txn, q *query.Query) (model.DocumentMap, error) {
	results := model.NewDocumentMap()

	doc, err := v.GetDocument(txn, model.NewDocumentKey(q.Path))
	if err != nil {
		return results, err
	}

	if d, ok := doc.(*model.Document); ok && q.Matches(d) {
		results = results.Insert(d.Key(), d)
	}

	return results, nil
}

// getDocumentsMatchingCollectionQuery scans the cached collection and adds
// the documents that only exist because of a local write. Every candidate
// is matched again after the mutations are applied.
func (v *LocalDocumentsView) getDocumentsMatchingCollectionQuery(txn *Txn, q *query.Query) (model.DocumentMap, error) {
	cached, err := v.remoteDocuments.GetDocumentsMatchingQuery(txn, q)
	if err != nil {
		return nil, err
	}

	results, err := v.computeLocalDocuments(txn, cached)
	if err != nil {
		return nil, err
	}

	batches, err := v.mutationQueue.GetAllMutationBatchesAffectingQuery(txn, q)
	if err != nil {
		return nil, err
	}

	for _, batch := range batches {
		for _, m := range batch.Mutations {
			key := m.Key()

			// The key was already folded with all its batches.
			if results.Contains(key) || !q.Path.IsImmediateParentOf(key.Path()) {
				continue
			}

			doc, err := v.GetDocument(txn, key)
			if err != nil {
				return nil, err
			}

			if d, ok := doc.(*model.Document); ok {
				results = results.Insert(key, d)
			}
		}
	}

	// A mutation can make a cached match stop matching, or delete it.
	for key, doc := range results.All() {
		if !q.Matches(doc) {
			results = results.Remove(key)
		}
	}

	return results, nil
}

// computeLocalDocuments applies the pending mutations to each document and
// drops the ones a mutation deleted.
func (v *LocalDocumentsView) computeLocalDocuments(txn *Txn, docs model.DocumentMap) (model.DocumentMap, error) {
	results := docs

	for key, base := range docs.All() {
		batches, err := v.mutationQueue.GetAllMutationBatchesAffectingDocumentKey(txn, key)
		if err != nil {
			return nil, err
		}

		var doc model.MaybeDocument = base
		for _, batch := range batches {
			doc = batch.ApplyToLocalView(key, doc)
		}

		if d, ok := doc.(*model.Document); ok {
			results = results.Insert(key, d)
		} else {
			results = results.Remove(key)
		}
	}

	return results, nil
}
