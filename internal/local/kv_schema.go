package local

import (
	"bytes"
	"errors"
	"slices"

	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/storage"
	"rsc.io/ordered"
)

// schemaVersion is the layout version kv persistence reads and writes.
const schemaVersion = 1

// Keyspaces. Every storage key is an ordered tuple starting with one of
// these tags, so the tuples of a keyspace are contiguous and sorted by
// their remaining elements. Document paths are spread over one element per
// segment, which keeps documents sorted as their keys are.
const (
	// (tag) -> dbSchema
	tagSchema = "schema"
	// (tag, segments...) -> dbRemoteDocument
	tagRemoteDocuments = "remoteDocuments"
	// (tag, userID) -> dbMutationQueue
	tagMutationQueues = "mutationQueues"
	// (tag, userID, batchID) -> dbMutationBatch
	tagMutations = "mutations"
	// (tag, userID, segments..., batchID) -> empty
	tagDocumentMutations = "documentMutations"
	// (tag, targetID) -> dbTarget
	tagTargets = "targets"
	// (tag, canonicalID, targetID) -> empty
	tagQueryTargets = "queryTargets"
	// (tag, targetID, segments...) -> segments
	tagTargetDocuments = "targetDocuments"
	// (tag, segments..., targetID) -> empty
	tagDocumentTargets = "documentTargets"
	// (tag) -> dbTargetGlobal
	tagTargetGlobal = "targetGlobal"
)

func appendPath(enc []byte, path model.ResourcePath) []byte {
	for _, seg := range path.Segments() {
		enc = ordered.Append(enc, seg)
	}

	return enc
}

func schemaKey() []byte {
	return ordered.Encode(tagSchema)
}

func remoteDocumentKey(key model.DocumentKey) []byte {
	return appendPath(ordered.Encode(tagRemoteDocuments), key.Path())
}

func remoteDocumentsPrefix(path model.ResourcePath) []byte {
	return appendPath(ordered.Encode(tagRemoteDocuments), path)
}

func mutationQueueKey(userID string) []byte {
	return ordered.Encode(tagMutationQueues, userID)
}

func mutationKey(userID string, batchID int) []byte {
	return ordered.Encode(tagMutations, userID, int64(batchID))
}

func mutationsPrefix(userID string) []byte {
	return ordered.Encode(tagMutations, userID)
}

func documentMutationKey(userID string, key model.DocumentKey, batchID int) []byte {
	return ordered.Append(documentMutationsPrefix(userID, key.Path()), int64(batchID))
}

func documentMutationsPrefix(userID string, path model.ResourcePath) []byte {
	return appendPath(ordered.Encode(tagDocumentMutations, userID), path)
}

func targetKey(targetID int) []byte {
	return ordered.Encode(tagTargets, int64(targetID))
}

func queryTargetKey(canonicalID string, targetID int) []byte {
	return ordered.Encode(tagQueryTargets, canonicalID, int64(targetID))
}

func queryTargetsPrefix(canonicalID string) []byte {
	return ordered.Encode(tagQueryTargets, canonicalID)
}

func targetDocumentKey(targetID int, key model.DocumentKey) []byte {
	return appendPath(targetDocumentsPrefix(targetID), key.Path())
}

func targetDocumentsPrefix(targetID int) []byte {
	return ordered.Encode(tagTargetDocuments, int64(targetID))
}

func documentTargetKey(key model.DocumentKey, targetID int) []byte {
	return ordered.Append(documentTargetsPrefix(key), int64(targetID))
}

func documentTargetsPrefix(key model.DocumentKey) []byte {
	return appendPath(ordered.Encode(tagDocumentTargets), key.Path())
}

func targetGlobalKey() []byte {
	return ordered.Encode(tagTargetGlobal)
}

// decodeID decodes rest as a single id, reporting false when rest holds
// anything else, e.g. the segments of a nested document.
func decodeID(rest []byte) (int, bool) {
	var id int64
	if err := ordered.Decode(rest, &id); err != nil {
		return 0, false
	}

	return int(id), true
}

// scanPrefix visits the entries whose key starts with prefix, in key order.
// rest is the part of the key after prefix. Keys and values are copied, so
// fn may keep them, but it must not modify tx.
func scanPrefix(tx storage.Tx, prefix []byte, fn func(rest, value []byte) (stop bool, err error)) error {
	return tx.Iterate(prefix, func(key, value []byte) (bool, error) {
		if !bytes.HasPrefix(key, prefix) {
			return true, nil
		}

		return fn(slices.Clone(key[len(prefix):]), slices.Clone(value))
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrKeyNotFound)
}

func getRecord(tx storage.Tx, key []byte, v any) (bool, error) {
	data, err := tx.Get(key)
	if isNotFound(err) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, unmarshal(data, v)
}

func putRecord(tx storage.Tx, key []byte, v any) error {
	data, err := marshal(v)
	if err != nil {
		return err
	}

	return tx.Put(key, data)
}

// sentinel is the value of pure index entries.
var sentinel = []byte{}
