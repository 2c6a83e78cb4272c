package local

import (
	"github.com/serroba/docsync/internal/auth"
	"github.com/serroba/docsync/internal/logging"
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"github.com/serroba/docsync/internal/remote"
	"go.uber.org/zap"
)

// LocalStoreConfig holds configuration for a LocalStore.
type LocalStoreConfig struct {
	Persistence      Persistence
	GarbageCollector GarbageCollector
	// InitialUser owns the mutation queue until HandleUserChange.
	InitialUser auth.User
	// Metrics defaults to unregistered metrics.
	Metrics *Metrics
	Logger  *zap.Logger
}

// LocalWriteResult is the outcome of LocalWrite.
type LocalWriteResult struct {
	BatchID int
	// Changes is the local view of every document the batch writes.
	Changes model.MaybeDocumentMap
}

// LocalViewChanges lists the documents a view started or stopped showing.
// They are kept alive while the view shows them.
type LocalViewChanges struct {
	Query       *query.Query
	AddedKeys   model.DocumentKeySet
	RemovedKeys model.DocumentKeySet
}

// LocalStore is the local half of the sync engine. It accepts writes,
// applies remote events and acknowledgments, and answers queries from the
// local view.
//
// Acknowledged writes are held back while the watch stream is behind their
// commit version, so a document never reverts to an older watch snapshot.
//
// LocalStore is not safe for concurrent use; callers run it on the async
// queue.
type LocalStore struct {
	persistence Persistence
	gc          GarbageCollector
	metrics     *Metrics
	log         *zap.Logger

	mutationQueue   MutationQueue
	remoteDocuments RemoteDocumentCache
	queryCache      QueryCache
	localDocuments  *LocalDocumentsView

	// localViewReferences keeps the documents shown by views alive.
	localViewReferences *ReferenceSet
	// targetIDs holds the targets that are currently allocated.
	targetIDs         map[int]*query.TargetData
	targetIDGenerator *query.IDGenerator
	heldBatchResults  []*model.MutationBatchResult
}

// Ensure LocalStore implements remote.LocalStore.
var _ remote.LocalStore = (*LocalStore)(nil)

// NewLocalStore creates a local store. Start must be called before use.
func NewLocalStore(cfg LocalStoreConfig) *LocalStore {
	if cfg.GarbageCollector == nil {
		cfg.GarbageCollector = NoOpGarbageCollector{}
	}

	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}

	s := &LocalStore{
		persistence:         cfg.Persistence,
		gc:                  cfg.GarbageCollector,
		metrics:             cfg.Metrics,
		log:                 logging.OrNop(cfg.Logger),
		mutationQueue:       cfg.Persistence.GetMutationQueue(cfg.InitialUser),
		remoteDocuments:     cfg.Persistence.GetRemoteDocumentCache(),
		queryCache:          cfg.Persistence.GetQueryCache(),
		localViewReferences: NewReferenceSet(),
		targetIDs:           make(map[int]*query.TargetData),
	}
	s.localDocuments = NewLocalDocumentsView(s.remoteDocuments, s.mutationQueue)

	s.gc.AddGarbageSource(s.localViewReferences)
	s.gc.AddGarbageSource(s.queryCache)
	s.gc.AddGarbageSource(s.mutationQueue)

	return s
}

// Start loads the mutation queue and the query cache.
func (s *LocalStore) Start() error {
	if err := s.persistence.RunTransaction("Start mutation queue", s.startMutationQueue); err != nil {
		return err
	}

	return s.persistence.RunTransaction("Start query cache", func(txn *Txn) error {
		if err := s.queryCache.Start(txn); err != nil {
			return err
		}

		s.targetIDGenerator = query.LocalStoreIDGenerator(s.queryCache.HighestTargetID())

		return nil
	})
}

// startMutationQueue starts the current queue and drops the batches that
// were acknowledged before a restart. Their results are lost, but the
// watch stream delivers the documents again.
func (s *LocalStore) startMutationQueue(txn *Txn) error {
	if err := s.mutationQueue.Start(txn); err != nil {
		return err
	}

	s.heldBatchResults = nil

	highestAck, err := s.mutationQueue.HighestAcknowledgedBatchID(txn)
	if err != nil {
		return err
	}

	if highestAck != model.BatchIDUnknown {
		acked, err := s.mutationQueue.GetAllMutationBatchesThroughBatchID(txn, highestAck)
		if err != nil {
			return err
		}

		if len(acked) > 0 {
			if err := s.mutationQueue.RemoveMutationBatches(txn, acked); err != nil {
				return err
			}
		}
	}

	pending, err := s.mutationQueue.GetAllMutationBatches(txn)
	if err != nil {
		return err
	}

	s.metrics.PendingBatches.Set(float64(len(pending)))

	return nil
}

// HandleUserChange switches to user's mutation queue. It returns the local
// view of every document written by either user's pending batches.
func (s *LocalStore) HandleUserChange(user auth.User) (model.MaybeDocumentMap, error) {
	return runTransaction(s.persistence, "Handle user change", func(txn *Txn) (model.MaybeDocumentMap, error) {
		oldBatches, err := s.mutationQueue.GetAllMutationBatches(txn)
		if err != nil {
			return model.MaybeDocumentMap{}, err
		}

		s.log.Debug("UserChanged", zap.String("user", user.Key()))

		s.gc.RemoveGarbageSource(s.mutationQueue)
		s.mutationQueue = s.persistence.GetMutationQueue(user)
		s.gc.AddGarbageSource(s.mutationQueue)

		if err := s.startMutationQueue(txn); err != nil {
			return model.MaybeDocumentMap{}, err
		}

		s.localDocuments = NewLocalDocumentsView(s.remoteDocuments, s.mutationQueue)

		newBatches, err := s.mutationQueue.GetAllMutationBatches(txn)
		if err != nil {
			return model.MaybeDocumentMap{}, err
		}

		changed := model.NewDocumentKeySet()

		for _, batches := range [][]*model.MutationBatch{oldBatches, newBatches} {
			for _, batch := range batches {
				changed = changed.Union(batch.Keys())
			}
		}

		return s.localDocuments.GetDocuments(txn, changed)
	})
}

// LocalWrite queues mutations as a new batch and returns the resulting
// local view of the documents they write.
func (s *LocalStore) LocalWrite(mutations []model.Mutation) (*LocalWriteResult, error) {
	return runTransaction(s.persistence, "Locally write mutations", func(txn *Txn) (*LocalWriteResult, error) {
		batch, err := s.mutationQueue.AddMutationBatch(txn, model.Now(), mutations)
		if err != nil {
			return nil, err
		}

		changes, err := s.localDocuments.GetDocuments(txn, batch.Keys())
		if err != nil {
			return nil, err
		}

		s.metrics.BatchesEnqueued.Inc()
		s.metrics.PendingBatches.Inc()

		return &LocalWriteResult{BatchID: batch.BatchID, Changes: changes}, nil
	})
}

// AcknowledgeBatch records the server's acknowledgment of a batch. Unless
// the result is held back, the acknowledged documents are written to the
// cache and the batch is removed. It returns the affected documents.
func (s *LocalStore) AcknowledgeBatch(result *model.MutationBatchResult) (model.MaybeDocumentMap, error) {
	return runTransaction(s.persistence, "Acknowledge batch", func(txn *Txn) (model.MaybeDocumentMap, error) {
		err := s.mutationQueue.AcknowledgeBatch(txn, result.Batch, result.StreamToken)
		if err != nil {
			return model.MaybeDocumentMap{}, err
		}

		s.metrics.BatchesAcknowledged.Inc()

		affected := model.NewDocumentKeySet()

		if s.shouldHoldBatchResult(result.CommitVersion) {
			s.heldBatchResults = append(s.heldBatchResults, result)
		} else {
			buffer := newRemoteDocumentChangeBuffer(s.remoteDocuments)

			if affected, err = s.releaseBatchResults(txn, []*model.MutationBatchResult{result}, buffer); err != nil {
				return model.MaybeDocumentMap{}, err
			}

			if err := buffer.apply(txn); err != nil {
				return model.MaybeDocumentMap{}, err
			}
		}

		if err := s.mutationQueue.PerformConsistencyCheck(txn); err != nil {
			return model.MaybeDocumentMap{}, err
		}

		return s.localDocuments.GetDocuments(txn, affected)
	})
}

// RejectBatch removes a batch the server refused and returns the local view
// of the documents it wrote.
func (s *LocalStore) RejectBatch(batchID int) (model.MaybeDocumentMap, error) {
	return runTransaction(s.persistence, "Reject batch", func(txn *Txn) (model.MaybeDocumentMap, error) {
		batch, err := s.mutationQueue.LookupMutationBatch(txn, batchID)
		if err != nil {
			return model.MaybeDocumentMap{}, err
		}

		model.Assert(batch != nil, "attempt to reject nonexistent batch %d", batchID)

		lastAcked, err := s.mutationQueue.HighestAcknowledgedBatchID(txn)
		if err != nil {
			return model.MaybeDocumentMap{}, err
		}

		model.Assert(batchID > lastAcked, "acknowledged batch %d cannot be rejected", batchID)

		affected, err := s.removeMutationBatches(txn, []*model.MutationBatch{batch})
		if err != nil {
			return model.MaybeDocumentMap{}, err
		}

		s.metrics.BatchesRejected.Inc()

		if err := s.mutationQueue.PerformConsistencyCheck(txn); err != nil {
			return model.MaybeDocumentMap{}, err
		}

		return s.localDocuments.GetDocuments(txn, affected)
	})
}

// GetLastStreamToken returns the write stream token of the current user.
func (s *LocalStore) GetLastStreamToken() ([]byte, error) {
	return runTransaction(s.persistence, "Get last stream token", s.mutationQueue.GetLastStreamToken)
}

// SetLastStreamToken stores the write stream token of the current user.
func (s *LocalStore) SetLastStreamToken(token []byte) error {
	return s.persistence.RunTransaction("Set last stream token", func(txn *Txn) error {
		return s.mutationQueue.SetLastStreamToken(txn, token)
	})
}

// GetLastRemoteSnapshotVersion returns the version of the last consistent
// snapshot received from the watch stream.
func (s *LocalStore) GetLastRemoteSnapshotVersion() model.SnapshotVersion {
	return s.queryCache.LastRemoteSnapshotVersion()
}

// ApplyRemoteEvent writes a consistent watch snapshot to the cache and
// returns the local view of the documents it changed, including those of
// held acknowledgments it released.
func (s *LocalStore) ApplyRemoteEvent(event *model.RemoteEvent) (model.MaybeDocumentMap, error) {
	return runTransaction(s.persistence, "Apply remote event", func(txn *Txn) (model.MaybeDocumentMap, error) {
		buffer := newRemoteDocumentChangeBuffer(s.remoteDocuments)

		for targetID, change := range event.TargetChanges {
			if err := s.applyTargetChange(txn, targetID, change); err != nil {
				return model.MaybeDocumentMap{}, err
			}
		}

		changed := model.NewDocumentKeySet()

		for key, doc := range event.DocumentUpdates.All() {
			changed = changed.Add(key)

			existing, err := buffer.getEntry(txn, key)
			if err != nil {
				return model.MaybeDocumentMap{}, err
			}

			// Unknown versions come from existence filter mismatches and
			// always replace the cached state.
			if existing == nil || doc.Version().IsMin() || doc.Version().Compare(existing.Version()) >= 0 {
				buffer.addEntry(doc)
			} else {
				s.log.Debug("IgnoringOutdatedWatchUpdate",
					zap.Stringer("key", key),
					zap.Stringer("current", existing.Version()),
					zap.Stringer("update", doc.Version()))
			}

			s.gc.AddPotentialGarbageKey(key)
		}

		if version := event.SnapshotVersion; !version.IsMin() {
			last := s.queryCache.LastRemoteSnapshotVersion()
			model.Assert(version.Compare(last) >= 0,
				"watch stream reverted to an earlier snapshot (%s < %s)", version, last)

			if err := s.queryCache.SetLastRemoteSnapshotVersion(txn, version); err != nil {
				return model.MaybeDocumentMap{}, err
			}
		}

		released, err := s.releaseHeldBatchResults(txn, buffer)
		if err != nil {
			return model.MaybeDocumentMap{}, err
		}

		if err := buffer.apply(txn); err != nil {
			return model.MaybeDocumentMap{}, err
		}

		return s.localDocuments.GetDocuments(txn, changed.Union(released))
	})
}

// applyTargetChange updates the matching keys and resume state of an
// allocated target. Changes to released targets are dropped.
func (s *LocalStore) applyTargetChange(txn *Txn, targetID int, change *model.TargetChange) error {
	data, ok := s.targetIDs[targetID]
	if !ok {
		return nil
	}

	switch mapping := change.Mapping.(type) {
	case nil:
	case *model.ResetMapping:
		if err := s.queryCache.RemoveMatchingKeysForTargetID(txn, targetID); err != nil {
			return err
		}

		if err := s.queryCache.AddMatchingKeys(txn, mapping.Documents, targetID); err != nil {
			return err
		}
	case *model.UpdateMapping:
		if err := s.queryCache.RemoveMatchingKeys(txn, mapping.RemovedDocuments, targetID); err != nil {
			return err
		}

		if err := s.queryCache.AddMatchingKeys(txn, mapping.AddedDocuments, targetID); err != nil {
			return err
		}
	default:
		model.Fail("unknown target mapping %T", change.Mapping)
	}

	if len(change.ResumeToken) == 0 {
		return nil
	}

	data = data.Update(change.SnapshotVersion, change.ResumeToken)
	s.targetIDs[targetID] = data

	return s.queryCache.UpdateTargetData(txn, data)
}

// NotifyLocalViewChanges records which documents the views show.
func (s *LocalStore) NotifyLocalViewChanges(changes []LocalViewChanges) error {
	return s.persistence.RunTransaction("Notify local view changes", func(txn *Txn) error {
		for _, c := range changes {
			data, err := s.queryCache.GetTargetData(txn, c.Query)
			if err != nil {
				return err
			}

			model.Assert(data != nil, "local view changes contain unallocated query %s", c.Query)

			s.localViewReferences.AddReferences(c.AddedKeys, data.TargetID)
			s.localViewReferences.RemoveReferences(c.RemovedKeys, data.TargetID)
		}

		return nil
	})
}

// NextMutationBatch returns the first pending batch after afterBatchID, or
// nil.
func (s *LocalStore) NextMutationBatch(afterBatchID int) (*model.MutationBatch, error) {
	return runTransaction(s.persistence, "Get next mutation batch", func(txn *Txn) (*model.MutationBatch, error) {
		return s.mutationQueue.GetNextMutationBatchAfterBatchID(txn, afterBatchID)
	})
}

// ReadDocument returns the local view of key.
func (s *LocalStore) ReadDocument(key model.DocumentKey) (model.MaybeDocument, error) {
	return runTransaction(s.persistence, "Read document", func(txn *Txn) (model.MaybeDocument, error) {
		return s.localDocuments.GetDocument(txn, key)
	})
}

// AllocateQuery assigns a target id to q, reusing the cached target when
// the query was listened to before.
func (s *LocalStore) AllocateQuery(q *query.Query) (*query.TargetData, error) {
	return runTransaction(s.persistence, "Allocate query", func(txn *Txn) (*query.TargetData, error) {
		data, err := s.queryCache.GetTargetData(txn, q)
		if err != nil {
			return nil, err
		}

		if data == nil {
			data = query.NewTargetData(q, s.targetIDGenerator.Next(), query.PurposeListen)
			if err := s.queryCache.AddTargetData(txn, data); err != nil {
				return nil, err
			}
		}

		_, allocated := s.targetIDs[data.TargetID]
		model.Assert(!allocated, "tried to allocate an already allocated query: %s", q)

		s.targetIDs[data.TargetID] = data

		return data, nil
	})
}

// ReleaseQuery stops tracking q. With an eager collector the target and its
// keys are dropped too.
func (s *LocalStore) ReleaseQuery(q *query.Query) error {
	return s.persistence.RunTransaction("Release query", func(txn *Txn) error {
		data, err := s.queryCache.GetTargetData(txn, q)
		if err != nil {
			return err
		}

		model.Assert(data != nil, "tried to release nonexistent query: %s", q)

		s.localViewReferences.RemoveReferencesForID(data.TargetID)
		delete(s.targetIDs, data.TargetID)

		if s.gc.IsEager() {
			if err := s.queryCache.RemoveTargetData(txn, data); err != nil {
				return err
			}
		}

		// Without targets no watch snapshot is awaited.
		if len(s.targetIDs) > 0 {
			return nil
		}

		buffer := newRemoteDocumentChangeBuffer(s.remoteDocuments)
		if _, err := s.releaseHeldBatchResults(txn, buffer); err != nil {
			return err
		}

		return buffer.apply(txn)
	})
}

// ExecuteQuery runs q against the local view.
func (s *LocalStore) ExecuteQuery(q *query.Query) (model.DocumentMap, error) {
	return runTransaction(s.persistence, "Execute query", func(txn *Txn) (model.DocumentMap, error) {
		return s.localDocuments.GetDocumentsMatchingQuery(txn, q)
	})
}

// RemoteDocumentKeys returns the keys the server last reported as matching
// targetID.
func (s *LocalStore) RemoteDocumentKeys(targetID int) (model.DocumentKeySet, error) {
	return runTransaction(s.persistence, "Remote document keys", func(txn *Txn) (model.DocumentKeySet, error) {
		return s.queryCache.GetMatchingKeysForTargetID(txn, targetID)
	})
}

// CollectGarbage removes the cached documents nothing references and
// returns their keys.
func (s *LocalStore) CollectGarbage() (model.DocumentKeySet, error) {
	return runTransaction(s.persistence, "Garbage collection", func(txn *Txn) (model.DocumentKeySet, error) {
		garbage, err := s.gc.CollectGarbage(txn)
		if err != nil {
			return garbage, err
		}

		for key := range garbage.All() {
			if err := s.remoteDocuments.RemoveEntry(txn, key); err != nil {
				return garbage, err
			}
		}

		if n := garbage.Len(); n > 0 {
			s.metrics.DocumentsCollected.Add(float64(n))
			s.log.Debug("CollectedGarbage", zap.Int("documents", n))
		}

		return garbage, nil
	})
}

// isRemoteUpToVersion reports whether the cache reflects the server state at
// version. With no targets the watch stream never catches up, so any
// version counts.
func (s *LocalStore) isRemoteUpToVersion(version model.SnapshotVersion) bool {
	return version.Compare(s.queryCache.LastRemoteSnapshotVersion()) <= 0 || len(s.targetIDs) == 0
}

// shouldHoldBatchResult keeps acknowledgments in order behind held ones.
func (s *LocalStore) shouldHoldBatchResult(version model.SnapshotVersion) bool {
	return !s.isRemoteUpToVersion(version) || len(s.heldBatchResults) > 0
}

// releaseHeldBatchResults releases the held acknowledgments the cache has
// caught up with, in order.
func (s *LocalStore) releaseHeldBatchResults(txn *Txn, buffer *remoteDocumentChangeBuffer) (model.DocumentKeySet, error) {
	n := 0

	for _, result := range s.heldBatchResults {
		if !s.isRemoteUpToVersion(result.CommitVersion) {
			break
		}

		n++
	}

	if n == 0 {
		return model.NewDocumentKeySet(), nil
	}

	toRelease := s.heldBatchResults[:n]
	s.heldBatchResults = s.heldBatchResults[n:]

	return s.releaseBatchResults(txn, toRelease, buffer)
}

func (s *LocalStore) releaseBatchResults(txn *Txn, results []*model.MutationBatchResult,
	buffer *remoteDocumentChangeBuffer,
) (model.DocumentKeySet, error) {
	batches := make([]*model.MutationBatch, len(results))

	for i, result := range results {
		if err := s.applyWriteToRemoteDocuments(txn, result, buffer); err != nil {
			return model.DocumentKeySet{}, err
		}

		batches[i] = result.Batch
	}

	return s.removeMutationBatches(txn, batches)
}

// applyWriteToRemoteDocuments writes the acknowledged state of each
// document of the batch, unless the cache already holds a newer one.
func (s *LocalStore) applyWriteToRemoteDocuments(txn *Txn, result *model.MutationBatchResult,
	buffer *remoteDocumentChangeBuffer,
) error {
	batch := result.Batch

	for key := range batch.Keys().All() {
		remoteDoc, err := buffer.getEntry(txn, key)
		if err != nil {
			return err
		}

		ackVersion, ok := result.DocVersion(key)
		model.Assert(ok, "ack versions should contain every document in the write")

		if remoteDoc != nil && remoteDoc.Version().Compare(ackVersion) >= 0 {
			continue
		}

		doc := batch.ApplyToRemoteDocument(key, remoteDoc, result)
		if doc == nil {
			model.Assert(remoteDoc == nil, "mutation batch %s applied to document %s resulted in nil", batch, remoteDoc)

			continue
		}

		buffer.addEntry(doc)
	}

	return nil
}

// removeMutationBatches removes batches from the queue and returns the keys
// they wrote.
func (s *LocalStore) removeMutationBatches(txn *Txn, batches []*model.MutationBatch) (model.DocumentKeySet, error) {
	affected := model.NewDocumentKeySet()
	for _, batch := range batches {
		affected = affected.Union(batch.Keys())
	}

	if err := s.mutationQueue.RemoveMutationBatches(txn, batches); err != nil {
		return affected, err
	}

	s.metrics.PendingBatches.Sub(float64(len(batches)))

	return affected, nil
}
