package local

import (
	"cmp"
	"math"
	"slices"

	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"github.com/serroba/docsync/internal/sortedmap"
)

// MemoryMutationQueue keeps one user's batches in a slice ordered by id.
// Batch ids are contiguous, so a batch is found by its offset from the
// head. Batches removed out of order are replaced by tombstones until
// everything before them is gone.
type MemoryMutationQueue struct {
	queue                      []*model.MutationBatch
	nextBatchID                int
	highestAcknowledgedBatchID int
	lastStreamToken            []byte

	// batchesByDocumentKey indexes (key, batch id) for every queued
	// mutation.
	batchesByDocumentKey sortedmap.Set[docReference]
	gc                   GarbageCollector
}

// Ensure MemoryMutationQueue implements MutationQueue.
var _ MutationQueue = (*MemoryMutationQueue)(nil)

// NewMemoryMutationQueue creates an empty queue.
func NewMemoryMutationQueue() *MemoryMutationQueue {
	return &MemoryMutationQueue{
		nextBatchID:                1,
		highestAcknowledgedBatchID: model.BatchIDUnknown,
		batchesByDocumentKey:       sortedmap.NewSet(compareByKey),
	}
}

// Start implements MutationQueue.
func (q *MemoryMutationQueue) Start(*Txn) error {
	// A queue that drained restarts its ids, since nothing refers to the
	// old ones any more.
	if len(q.queue) == 0 {
		q.nextBatchID = 1
		q.highestAcknowledgedBatchID = model.BatchIDUnknown
	}

	model.Assert(q.highestAcknowledgedBatchID < q.nextBatchID, "highestAcknowledgedBatchID must be less than the nextBatchID")

	return nil
}

// CheckEmpty implements MutationQueue.
func (q *MemoryMutationQueue) CheckEmpty(*Txn) (bool, error) {
	return len(q.queue) == 0, nil
}

// HighestAcknowledgedBatchID implements MutationQueue.
func (q *MemoryMutationQueue) HighestAcknowledgedBatchID(*Txn) (int, error) {
	return q.highestAcknowledgedBatchID, nil
}

// AcknowledgeBatch implements MutationQueue.
func (q *MemoryMutationQueue) AcknowledgeBatch(_ *Txn, batch *model.MutationBatch, streamToken []byte) error {
	batchID := batch.BatchID
	model.Assert(batchID > q.highestAcknowledgedBatchID, "mutation batch ids must be acknowledged in order")

	index := q.indexOfExistingBatchID(batchID)
	check := q.queue[index]
	model.Assert(batchID == check.BatchID, "queue ordering failure: expected batch %d, got batch %d", batchID, check.BatchID)
	model.Assert(!check.IsTombstone(), "can't acknowledge a previously removed batch")

	q.highestAcknowledgedBatchID = batchID
	q.lastStreamToken = streamToken

	return nil
}

// GetLastStreamToken implements MutationQueue.
func (q *MemoryMutationQueue) GetLastStreamToken(*Txn) ([]byte, error) {
	return q.lastStreamToken, nil
}

// SetLastStreamToken implements MutationQueue.
func (q *MemoryMutationQueue) SetLastStreamToken(_ *Txn, token []byte) error {
	q.lastStreamToken = token

	return nil
}

// AddMutationBatch implements MutationQueue.
func (q *MemoryMutationQueue) AddMutationBatch(_ *Txn, localWriteTime model.Timestamp,
	mutations []model.Mutation,
) (*model.MutationBatch, error) {
	model.Assert(len(mutations) > 0, "mutation batches should not be empty")

	batchID := q.nextBatchID
	q.nextBatchID++

	if n := len(q.queue); n > 0 {
		model.Assert(q.queue[n-1].BatchID < batchID, "mutation batch ids must be monotonically increasing")
	}

	batch := model.NewMutationBatch(batchID, localWriteTime, mutations)
	q.queue = append(q.queue, batch)

	for _, m := range mutations {
		q.batchesByDocumentKey = q.batchesByDocumentKey.Add(docReference{key: m.Key(), id: batchID})
	}

	return batch, nil
}

// LookupMutationBatch implements MutationQueue.
func (q *MemoryMutationQueue) LookupMutationBatch(_ *Txn, batchID int) (*model.MutationBatch, error) {
	return q.findMutationBatch(batchID), nil
}

// GetNextMutationBatchAfterBatchID implements MutationQueue.
func (q *MemoryMutationQueue) GetNextMutationBatchAfterBatchID(_ *Txn, batchID int) (*model.MutationBatch, error) {
	// Acknowledged batches are still queued but never sent again.
	nextBatchID := max(batchID, q.highestAcknowledgedBatchID) + 1

	// The id may be before the head; start there.
	index := max(q.indexOfBatchID(nextBatchID), 0)

	for ; index < len(q.queue); index++ {
		if batch := q.queue[index]; !batch.IsTombstone() {
			return batch, nil
		}
	}

	return nil, nil
}

// GetAllMutationBatches implements MutationQueue.
func (q *MemoryMutationQueue) GetAllMutationBatches(*Txn) ([]*model.MutationBatch, error) {
	return q.collect(len(q.queue)), nil
}

// GetAllMutationBatchesThroughBatchID implements MutationQueue.
func (q *MemoryMutationQueue) GetAllMutationBatchesThroughBatchID(_ *Txn, batchID int) ([]*model.MutationBatch, error) {
	end := min(q.indexOfBatchID(batchID)+1, len(q.queue))

	return q.collect(end), nil
}

func (q *MemoryMutationQueue) collect(end int) []*model.MutationBatch {
	var batches []*model.MutationBatch

	for _, batch := range q.queue[:max(end, 0)] {
		if !batch.IsTombstone() {
			batches = append(batches, batch)
		}
	}

	return batches
}

// GetAllMutationBatchesAffectingDocumentKey implements MutationQueue.
func (q *MemoryMutationQueue) GetAllMutationBatchesAffectingDocumentKey(_ *Txn,
	key model.DocumentKey,
) ([]*model.MutationBatch, error) {
	var batches []*model.MutationBatch

	start := docReference{key: key, id: math.MinInt}
	end := docReference{key: key, id: math.MaxInt}

	for ref := range q.batchesByDocumentKey.Range(start, end) {
		batch := q.findMutationBatch(ref.id)
		model.Assert(batch != nil, "batches in the index must exist in the main table")

		batches = append(batches, batch)
	}

	return batches, nil
}

// GetAllMutationBatchesAffectingQuery implements MutationQueue. Only
// documents directly inside the query's collection are considered.
func (q *MemoryMutationQueue) GetAllMutationBatchesAffectingQuery(txn *Txn, qry *query.Query) ([]*model.MutationBatch, error) {
	if model.IsDocumentKey(qry.Path) {
		return q.GetAllMutationBatchesAffectingDocumentKey(txn, model.NewDocumentKey(qry.Path))
	}

	prefix := qry.Path
	immediateChildrenLength := prefix.Len() + 1

	// Start at the first possible child of the collection.
	start := docReference{key: model.NewDocumentKey(prefix.Child("")), id: math.MinInt}

	var ids []int

	for ref := range q.batchesByDocumentKey.From(start) {
		path := ref.key.Path()
		if !prefix.IsPrefixOf(path) {
			break
		}

		// Rows with document keys more than one segment longer than the
		// query path can't be matches.
		if path.Len() == immediateChildrenLength {
			ids = append(ids, ref.id)
		}
	}

	slices.SortFunc(ids, cmp.Compare[int])
	ids = slices.Compact(ids)

	batches := make([]*model.MutationBatch, 0, len(ids))

	for _, id := range ids {
		if batch := q.findMutationBatch(id); batch != nil {
			batches = append(batches, batch)
		}
	}

	return batches, nil
}

// RemoveMutationBatches implements MutationQueue. Batches must be given in
// queue order. Removing from the head shrinks the queue; removing further
// back leaves tombstones.
func (q *MemoryMutationQueue) RemoveMutationBatches(_ *Txn, batches []*model.MutationBatch) error {
	batchCount := len(batches)
	model.Assert(batchCount > 0, "should not remove mutations when none exist")

	startIndex := q.indexOfExistingBatchID(batches[0].BatchID)

	// Check the batches are contiguous in the queue, skipping tombstones.
	queueIndex := startIndex
	batchIndex := 0

	for ; queueIndex < len(q.queue) && batchIndex < batchCount; queueIndex++ {
		batch := q.queue[queueIndex]
		if batch.IsTombstone() {
			continue
		}

		model.Assert(batch.BatchID == batches[batchIndex].BatchID, "removed batches must be contiguous in the queue")

		batchIndex++
	}

	if startIndex == 0 {
		// Drop any tombstones that are now at the head.
		for ; queueIndex < len(q.queue); queueIndex++ {
			if !q.queue[queueIndex].IsTombstone() {
				break
			}
		}

		q.queue = slices.Delete(q.queue, startIndex, queueIndex)
	} else {
		for i := startIndex; i < queueIndex; i++ {
			q.queue[i] = q.queue[i].ToTombstone()
		}
	}

	for _, batch := range batches {
		for _, m := range batch.Mutations {
			key := m.Key()
			if q.gc != nil {
				q.gc.AddPotentialGarbageKey(key)
			}

			q.batchesByDocumentKey = q.batchesByDocumentKey.Delete(docReference{key: key, id: batch.BatchID})
		}
	}

	return nil
}

// PerformConsistencyCheck implements MutationQueue.
func (q *MemoryMutationQueue) PerformConsistencyCheck(*Txn) error {
	if len(q.queue) == 0 {
		model.Assert(q.batchesByDocumentKey.IsEmpty(), "document leak: mutation queue is empty but the index is not")
	}

	return nil
}

// SetGarbageCollector implements GarbageSource.
func (q *MemoryMutationQueue) SetGarbageCollector(gc GarbageCollector) {
	q.gc = gc
}

// ContainsKey implements GarbageSource.
func (q *MemoryMutationQueue) ContainsKey(_ *Txn, key model.DocumentKey) (bool, error) {
	first, ok := q.batchesByDocumentKey.FirstAfterOrEqual(docReference{key: key, id: math.MinInt})

	return ok && first.key.Equal(key), nil
}

// indexOfBatchID returns where batchID is or would be in the queue. The
// result may be out of bounds.
func (q *MemoryMutationQueue) indexOfBatchID(batchID int) int {
	if len(q.queue) == 0 {
		// Any index is out of bounds.
		return 0
	}

	return batchID - q.queue[0].BatchID
}

func (q *MemoryMutationQueue) indexOfExistingBatchID(batchID int) int {
	index := q.indexOfBatchID(batchID)
	model.Assert(index >= 0 && index < len(q.queue), "batches must exist to be acknowledged or removed")

	return index
}

// findMutationBatch returns the live batch with batchID, or nil.
func (q *MemoryMutationQueue) findMutationBatch(batchID int) *model.MutationBatch {
	index := q.indexOfBatchID(batchID)
	if index < 0 || index >= len(q.queue) {
		return nil
	}

	batch := q.queue[index]
	model.Assert(batch.BatchID == batchID, "if found, the batch must have the requested id")

	if batch.IsTombstone() {
		return nil
	}

	return batch
}
