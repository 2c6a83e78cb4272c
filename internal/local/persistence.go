// Package local holds the client's local state: the remote document cache,
// the per-user mutation queue, the query cache, the views computed from
// them and the garbage collector that keeps the cache bounded. Every
// operation runs inside a persistence transaction on the async queue.
package local

import (
	"errors"

	"github.com/serroba/docsync/internal/auth"
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"github.com/serroba/docsync/internal/storage"
)

// Common errors.
var (
	// ErrUnsupported is returned when durable persistence cannot be used,
	// e.g. because the data was written by a newer schema.
	ErrUnsupported = errors.New("persistence unsupported")
	ErrNotStarted  = errors.New("persistence not started")
)

// Txn is a persistence transaction. Memory persistence carries no state in
// it; kv persistence wraps a storage transaction.
type Txn struct {
	action string
	tx     storage.Tx
}

// Action names what the transaction is for.
func (t *Txn) Action() string {
	return t.action
}

func (t *Txn) kv() storage.Tx {
	model.Assert(t.tx != nil, "transaction %q has no storage transaction", t.action)

	return t.tx
}

// Persistence owns the caches and queues of one database. Transactions are
// committed when fn succeeds and rolled back on an error or a panic.
type Persistence interface {
	Start() error
	Shutdown() error
	// GetMutationQueue returns the queue of user's pending writes.
	GetMutationQueue(user auth.User) MutationQueue
	GetQueryCache() QueryCache
	GetRemoteDocumentCache() RemoteDocumentCache
	RunTransaction(action string, fn func(txn *Txn) error) error
}

func runTransaction[T any](p Persistence, action string, fn func(txn *Txn) (T, error)) (T, error) {
	var out T

	err := p.RunTransaction(action, func(txn *Txn) error {
		var err error
		out, err = fn(txn)

		return err
	})

	return out, err
}

// RemoteDocumentCache holds the last known server state of documents.
type RemoteDocumentCache interface {
	// AddEntry stores doc, replacing any previous entry for its key.
	AddEntry(txn *Txn, doc model.MaybeDocument) error
	RemoveEntry(txn *Txn, key model.DocumentKey) error
	// GetEntry returns the cached entry, or nil when there is none.
	GetEntry(txn *Txn, key model.DocumentKey) (model.MaybeDocument, error)
	// GetDocumentsMatchingQuery scans the collection of the collection
	// query q and returns the documents matching it.
	GetDocumentsMatchingQuery(txn *Txn, q *query.Query) (model.DocumentMap, error)
}

// MutationQueue is the ordered log of one user's pending writes. Batch ids
// increase strictly and batches are removed in order.
type MutationQueue interface {
	GarbageSource

	// Start loads the queue's state. It must be called before any other
	// method.
	Start(txn *Txn) error
	CheckEmpty(txn *Txn) (bool, error)
	// AcknowledgeBatch records batch as acknowledged by the server. The
	// batch stays queued until it is removed.
	AcknowledgeBatch(txn *Txn, batch *model.MutationBatch, streamToken []byte) error
	HighestAcknowledgedBatchID(txn *Txn) (int, error)
	GetLastStreamToken(txn *Txn) ([]byte, error)
	SetLastStreamToken(txn *Txn, token []byte) error
	AddMutationBatch(txn *Txn, localWriteTime model.Timestamp, mutations []model.Mutation) (*model.MutationBatch, error)
	// LookupMutationBatch returns the batch with batchID, or nil.
	LookupMutationBatch(txn *Txn, batchID int) (*model.MutationBatch, error)
	// GetNextMutationBatchAfterBatchID returns the first unacknowledged
	// batch with an id greater than batchID, or nil.
	GetNextMutationBatchAfterBatchID(txn *Txn, batchID int) (*model.MutationBatch, error)
	GetAllMutationBatches(txn *Txn) ([]*model.MutationBatch, error)
	GetAllMutationBatchesThroughBatchID(txn *Txn, batchID int) ([]*model.MutationBatch, error)
	// GetAllMutationBatchesAffectingDocumentKey returns, by ascending id,
	// the batches that write key.
	GetAllMutationBatchesAffectingDocumentKey(txn *Txn, key model.DocumentKey) ([]*model.MutationBatch, error)
	// GetAllMutationBatchesAffectingQuery returns, by ascending id, the
	// batches that write a document directly inside the query's
	// collection.
	GetAllMutationBatchesAffectingQuery(txn *Txn, q *query.Query) ([]*model.MutationBatch, error)
	RemoveMutationBatches(txn *Txn, batches []*model.MutationBatch) error
	PerformConsistencyCheck(txn *Txn) error
}

// QueryCache tracks the targets the client listens to and the keys the
// server reported as matching each of them.
type QueryCache interface {
	GarbageSource

	Start(txn *Txn) error
	// HighestTargetID is the largest target id ever allocated.
	HighestTargetID() int
	LastRemoteSnapshotVersion() model.SnapshotVersion
	SetLastRemoteSnapshotVersion(txn *Txn, version model.SnapshotVersion) error
	AddTargetData(txn *Txn, data *query.TargetData) error
	UpdateTargetData(txn *Txn, data *query.TargetData) error
	// RemoveTargetData removes the target and its matching keys.
	RemoveTargetData(txn *Txn, data *query.TargetData) error
	// GetTargetData returns the target for q, or nil.
	GetTargetData(txn *Txn, q *query.Query) (*query.TargetData, error)
	AddMatchingKeys(txn *Txn, keys model.DocumentKeySet, targetID int) error
	RemoveMatchingKeys(txn *Txn, keys model.DocumentKeySet, targetID int) error
	RemoveMatchingKeysForTargetID(txn *Txn, targetID int) error
	GetMatchingKeysForTargetID(txn *Txn, targetID int) (model.DocumentKeySet, error)
}
