package model

import "fmt"

// BatchIDUnknown marks the absence of a batch id, e.g. when nothing has
// been acknowledged yet.
const BatchIDUnknown = -1

// MutationBatch is an immutable group of mutations written together.
type MutationBatch struct {
	BatchID        int
	LocalWriteTime Timestamp
	Mutations      []Mutation
}

// NewMutationBatch creates a batch.
func NewMutationBatch(batchID int, localWriteTime Timestamp, mutations []Mutation) *MutationBatch {
	return &MutationBatch{BatchID: batchID, LocalWriteTime: localWriteTime, Mutations: mutations}
}

// ApplyToRemoteDocument applies the acknowledged mutations for key, in batch
// order, to doc.
func (b *MutationBatch) ApplyToRemoteDocument(key DocumentKey, doc MaybeDocument, result *MutationBatchResult) MaybeDocument {
	if doc != nil {
		Assert(doc.Key().Equal(key), "applyToRemoteDocument: key %s doesn't match document key %s", key, doc.Key())
	}

	Assert(len(result.MutationResults) == len(b.Mutations),
		"mismatch between mutations length (%d) and results length (%d)", len(b.Mutations), len(result.MutationResults))

	for i, m := range b.Mutations {
		if m.Key().Equal(key) {
			doc = m.ApplyToRemoteDocument(doc, result.MutationResults[i])
		}
	}

	return doc
}

// ApplyToLocalView applies the pending mutations for key, in batch order, to doc.
func (b *MutationBatch) ApplyToLocalView(key DocumentKey, doc MaybeDocument) MaybeDocument {
	if doc != nil {
		Assert(doc.Key().Equal(key), "applyToLocalView: key %s doesn't match document key %s", key, doc.Key())
	}

	for _, m := range b.Mutations {
		if m.Key().Equal(key) {
			doc = m.ApplyToLocalView(doc, b.LocalWriteTime)
		}
	}

	return doc
}

// Keys returns the set of document keys the batch touches.
func (b *MutationBatch) Keys() DocumentKeySet {
	keys := NewDocumentKeySet()
	for _, m := range b.Mutations {
		keys = keys.Add(m.Key())
	}

	return keys
}

// Equal reports whether both batches are identical.
func (b *MutationBatch) Equal(other *MutationBatch) bool {
	if b.BatchID != other.BatchID || b.LocalWriteTime != other.LocalWriteTime ||
		len(b.Mutations) != len(other.Mutations) {
		return false
	}

	for i := range b.Mutations {
		if !b.Mutations[i].Equal(other.Mutations[i]) {
			return false
		}
	}

	return true
}

// IsTombstone reports whether the batch was removed but kept as a
// placeholder to preserve queue positions.
func (b *MutationBatch) IsTombstone() bool {
	return len(b.Mutations) == 0
}

// ToTombstone returns an empty batch with the same id.
func (b *MutationBatch) ToTombstone() *MutationBatch {
	return &MutationBatch{BatchID: b.BatchID, LocalWriteTime: b.LocalWriteTime}
}

func (b *MutationBatch) String() string {
	return fmt.Sprintf("MutationBatch(id=%d, %d mutations)", b.BatchID, len(b.Mutations))
}

// MutationBatchResult is the server acknowledgment of a batch.
type MutationBatchResult struct {
	Batch           *MutationBatch
	CommitVersion   SnapshotVersion
	MutationResults []MutationResult
	StreamToken     []byte
	docVersions     map[string]SnapshotVersion
}

// NewMutationBatchResult pairs a batch with its results. Each document
// version is the result's version, or the commit version for deletes.
func NewMutationBatchResult(batch *MutationBatch, commitVersion SnapshotVersion,
	results []MutationResult, streamToken []byte,
) *MutationBatchResult {
	Assert(len(batch.Mutations) == len(results),
		"mutations sent %d must equal results received %d", len(batch.Mutations), len(results))

	versions := make(map[string]SnapshotVersion, len(results))

	for i, m := range batch.Mutations {
		version := commitVersion
		if results[i].Version != nil {
			version = *results[i].Version
		}

		versions[m.Key().String()] = version
	}

	return &MutationBatchResult{
		Batch:           batch,
		CommitVersion:   commitVersion,
		MutationResults: results,
		StreamToken:     streamToken,
		docVersions:     versions,
	}
}

// DocVersion returns the acknowledged version for key.
func (r *MutationBatchResult) DocVersion(key DocumentKey) (SnapshotVersion, bool) {
	v, ok := r.docVersions[key.String()]

	return v, ok
}
