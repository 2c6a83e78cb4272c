package local

import (
	"cmp"
	"slices"

	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"rsc.io/ordered"
)

// kvMutationQueue stores one user's batches under (userID, batchID) and
// indexes them under (userID, document path, batchID).
type kvMutationQueue struct {
	userID     string
	serializer *LocalSerializer
	gc         GarbageCollector

	// nextBatchID is loaded by Start.
	nextBatchID int
	metadata    dbMutationQueue
}

// Ensure kvMutationQueue implements MutationQueue.
var _ MutationQueue = (*kvMutationQueue)(nil)

func newKvMutationQueue(userID string, serializer *LocalSerializer) *kvMutationQueue {
	return &kvMutationQueue{userID: userID, serializer: serializer}
}

func (q *kvMutationQueue) Start(txn *Txn) error {
	tx := txn.kv()

	maxBatchID := model.BatchIDUnknown

	err := scanPrefix(tx, mutationsPrefix(q.userID), func(rest, _ []byte) (bool, error) {
		if id, ok := decodeID(rest); ok {
			maxBatchID = max(maxBatchID, id)
		}

		return false, nil
	})
	if err != nil {
		return err
	}

	q.nextBatchID = max(maxBatchID+1, 1)

	found, err := getRecord(tx, mutationQueueKey(q.userID), &q.metadata)
	if err != nil {
		return err
	}

	if !found {
		q.metadata = dbMutationQueue{UserID: q.userID, LastAcknowledgedBatchID: model.BatchIDUnknown}
	}

	// The next id is derived from the queued batches, so it falls behind
	// the acknowledged id once the queue drains. The acknowledged id can
	// then be reset.
	if q.metadata.LastAcknowledgedBatchID >= q.nextBatchID {
		empty, err := q.CheckEmpty(txn)
		if err != nil {
			return err
		}

		model.Assert(empty, "reset the acknowledged batch id on a non-empty queue")
		q.metadata.LastAcknowledgedBatchID = model.BatchIDUnknown
	}

	return putRecord(tx, mutationQueueKey(q.userID), q.metadata)
}

func (q *kvMutationQueue) CheckEmpty(txn *Txn) (bool, error) {
	empty := true

	err := scanPrefix(txn.kv(), mutationsPrefix(q.userID), func(_, _ []byte) (bool, error) {
		empty = false

		return true, nil
	})

	return empty, err
}

func (q *kvMutationQueue) HighestAcknowledgedBatchID(*Txn) (int, error) {
	return q.metadata.LastAcknowledgedBatchID, nil
}

func (q *kvMutationQueue) AcknowledgeBatch(txn *Txn, batch *model.MutationBatch, streamToken []byte) error {
	model.Assert(batch.BatchID > q.metadata.LastAcknowledgedBatchID, "mutation batch ids must be acknowledged in order")

	q.metadata.LastAcknowledgedBatchID = batch.BatchID
	q.metadata.LastStreamToken = streamToken

	return putRecord(txn.kv(), mutationQueueKey(q.userID), q.metadata)
}

func (q *kvMutationQueue) GetLastStreamToken(*Txn) ([]byte, error) {
	return q.metadata.LastStreamToken, nil
}

func (q *kvMutationQueue) SetLastStreamToken(txn *Txn, token []byte) error {
	q.metadata.LastStreamToken = token

	return putRecord(txn.kv(), mutationQueueKey(q.userID), q.metadata)
}

func (q *kvMutationQueue) AddMutationBatch(txn *Txn, localWriteTime model.Timestamp,
	mutations []model.Mutation,
) (*model.MutationBatch, error) {
	model.Assert(len(mutations) > 0, "mutation batches should not be empty")

	batchID := q.nextBatchID
	q.nextBatchID++

	batch := model.NewMutationBatch(batchID, localWriteTime, mutations)

	data, err := q.serializer.EncodeMutationBatch(q.userID, batch)
	if err != nil {
		return nil, err
	}

	tx := txn.kv()
	if err := tx.Put(mutationKey(q.userID, batchID), data); err != nil {
		return nil, err
	}

	for _, m := range mutations {
		if err := tx.Put(documentMutationKey(q.userID, m.Key(), batchID), sentinel); err != nil {
			return nil, err
		}
	}

	return batch, nil
}

func (q *kvMutationQueue) LookupMutationBatch(txn *Txn, batchID int) (*model.MutationBatch, error) {
	data, err := txn.kv().Get(mutationKey(q.userID, batchID))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}

		return nil, err
	}

	return q.serializer.DecodeMutationBatch(data)
}

func (q *kvMutationQueue) GetNextMutationBatchAfterBatchID(txn *Txn, batchID int) (*model.MutationBatch, error) {
	nextBatchID := max(batchID, q.metadata.LastAcknowledgedBatchID) + 1

	var found *model.MutationBatch

	err := scanPrefix(txn.kv(), mutationsPrefix(q.userID), func(rest, value []byte) (bool, error) {
		id, ok := decodeID(rest)
		if !ok || id < nextBatchID {
			return false, nil
		}

		batch, err := q.serializer.DecodeMutationBatch(value)
		if err != nil {
			return true, err
		}

		found = batch

		return true, nil
	})

	return found, err
}

func (q *kvMutationQueue) GetAllMutationBatches(txn *Txn) ([]*model.MutationBatch, error) {
	return q.scanBatches(txn, func(int) bool { return true })
}

func (q *kvMutationQueue) GetAllMutationBatchesThroughBatchID(txn *Txn, batchID int) ([]*model.MutationBatch, error) {
	return q.scanBatches(txn, func(id int) bool { return id <= batchID })
}

// scanBatches returns the batches in id order while include accepts their
// ids.
func (q *kvMutationQueue) scanBatches(txn *Txn, include func(id int) bool) ([]*model.MutationBatch, error) {
	var batches []*model.MutationBatch

	err := scanPrefix(txn.kv(), mutationsPrefix(q.userID), func(rest, value []byte) (bool, error) {
		id, ok := decodeID(rest)
		if !ok {
			return false, nil
		}

		if !include(id) {
			return true, nil
		}

		batch, err := q.serializer.DecodeMutationBatch(value)
		if err != nil {
			return true, err
		}

		batches = append(batches, batch)

		return false, nil
	})

	return batches, err
}

func (q *kvMutationQueue) GetAllMutationBatchesAffectingDocumentKey(txn *Txn,
	key model.DocumentKey,
) ([]*model.MutationBatch, error) {
	var ids []int

	// Index entries of nested documents share the prefix; only a lone
	// batch id after it belongs to key.
	err := scanPrefix(txn.kv(), documentMutationsPrefix(q.userID, key.Path()), func(rest, _ []byte) (bool, error) {
		if id, ok := decodeID(rest); ok {
			ids = append(ids, id)
		}

		return false, nil
	})
	if err != nil {
		return nil, err
	}

	return q.lookupAll(txn, ids)
}

func (q *kvMutationQueue) GetAllMutationBatchesAffectingQuery(txn *Txn, qry *query.Query) ([]*model.MutationBatch, error) {
	if model.IsDocumentKey(qry.Path) {
		return q.GetAllMutationBatchesAffectingDocumentKey(txn, model.NewDocumentKey(qry.Path))
	}

	var ids []int

	// Immediate children decode as (document id, batch id); deeper
	// entries have more elements and fail to decode.
	err := scanPrefix(txn.kv(), documentMutationsPrefix(q.userID, qry.Path), func(rest, _ []byte) (bool, error) {
		var (
			docID   string
			batchID int64
		)

		if ordered.Decode(rest, &docID, &batchID) == nil {
			ids = append(ids, int(batchID))
		}

		return false, nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(ids, cmp.Compare[int])

	return q.lookupAll(txn, slices.Compact(ids))
}

func (q *kvMutationQueue) lookupAll(txn *Txn, ids []int) ([]*model.MutationBatch, error) {
	batches := make([]*model.MutationBatch, 0, len(ids))

	for _, id := range ids {
		batch, err := q.LookupMutationBatch(txn, id)
		if err != nil {
			return nil, err
		}

		model.Assert(batch != nil, "dangling document-mutation reference to batch %d", id)

		batches = append(batches, batch)
	}

	return batches, nil
}

func (q *kvMutationQueue) RemoveMutationBatches(txn *Txn, batches []*model.MutationBatch) error {
	tx := txn.kv()

	for _, batch := range batches {
		if err := tx.Delete(mutationKey(q.userID, batch.BatchID)); err != nil {
			return err
		}

		for _, m := range batch.Mutations {
			if err := tx.Delete(documentMutationKey(q.userID, m.Key(), batch.BatchID)); err != nil {
				return err
			}

			if q.gc != nil {
				q.gc.AddPotentialGarbageKey(m.Key())
			}
		}
	}

	return nil
}

// PerformConsistencyCheck verifies that an empty queue left no index
// entries behind.
func (q *kvMutationQueue) PerformConsistencyCheck(txn *Txn) error {
	empty, err := q.CheckEmpty(txn)
	if err != nil || !empty {
		return err
	}

	var dangling []byte

	prefix := ordered.Encode(tagDocumentMutations, q.userID)

	err = scanPrefix(txn.kv(), prefix, func(rest, _ []byte) (bool, error) {
		dangling = rest

		return true, nil
	})
	if err != nil {
		return err
	}

	model.Assert(dangling == nil, "document leak: mutation queue is empty but the index is not")

	return nil
}

func (q *kvMutationQueue) SetGarbageCollector(gc GarbageCollector) {
	q.gc = gc
}

func (q *kvMutationQueue) ContainsKey(txn *Txn, key model.DocumentKey) (bool, error) {
	found := false

	err := scanPrefix(txn.kv(), documentMutationsPrefix(q.userID, key.Path()), func(rest, _ []byte) (bool, error) {
		_, found = decodeID(rest)

		return found, nil
	})

	return found, err
}
