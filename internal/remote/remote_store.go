package remote

import (
	"github.com/serroba/docsync/internal/asyncqueue"
	"github.com/serroba/docsync/internal/logging"
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"go.uber.org/zap"
)

// MaxPendingWrites caps the batches in flight on the write stream.
const MaxPendingWrites = 10

// LocalStore is the part of the local store the remote store reads from.
type LocalStore interface {
	// NextMutationBatch returns the first pending batch after batchID, or nil.
	NextMutationBatch(afterBatchID int) (*model.MutationBatch, error)
	GetLastStreamToken() ([]byte, error)
	SetLastStreamToken(token []byte) error
	GetLastRemoteSnapshotVersion() model.SnapshotVersion
}

// Syncer receives the results of the remote store. All calls happen on the
// async queue.
type Syncer interface {
	ApplyRemoteEvent(event *model.RemoteEvent) error
	// RejectListen reports that the server stopped listening to a target.
	RejectListen(targetID int, cause error) error
	ApplySuccessfulWrite(result *model.MutationBatchResult) error
	RejectFailedWrite(batchID int, cause error) error
	// GetRemoteKeysForTarget returns the keys the server last reported as
	// matching targetID.
	GetRemoteKeysForTarget(targetID int) (model.DocumentKeySet, error)
}

// RemoteStoreConfig holds configuration for a RemoteStore.
type RemoteStoreConfig struct {
	LocalStore LocalStore
	Datastore  *Datastore
	Queue      *asyncqueue.Queue
	Logger     *zap.Logger
}

// RemoteStore keeps the watch stream listening to the active targets and
// drains the mutation queue through the write stream. It restarts failed
// streams after a backoff for as long as there is work for them.
type RemoteStore struct {
	local     LocalStore
	datastore *Datastore
	queue     *asyncqueue.Queue
	log       *zap.Logger
	syncer    Syncer

	watchStream *WatchStream
	writeStream *WriteStream

	// listenTargets are the targets the user wants to listen to, by id.
	listenTargets map[int]*query.TargetData
	// pendingTargetResponses counts the watch acks still owed per target.
	pendingTargetResponses  map[int]int
	accumulatedWatchChanges []WatchChange

	// pendingWrites are the batches sent to the server and not yet
	// acknowledged, oldest first.
	pendingWrites []*model.MutationBatch
	lastBatchSeen int
}

// NewRemoteStore creates a RemoteStore. SetSyncer must be called before
// Start.
func NewRemoteStore(cfg RemoteStoreConfig) *RemoteStore {
	return &RemoteStore{
		local:                  cfg.LocalStore,
		datastore:              cfg.Datastore,
		queue:                  cfg.Queue,
		log:                    logging.OrNop(cfg.Logger),
		listenTargets:          make(map[int]*query.TargetData),
		pendingTargetResponses: make(map[int]int),
		lastBatchSeen:          model.BatchIDUnknown,
	}
}

// SetSyncer wires the consumer of remote results.
func (r *RemoteStore) SetSyncer(s Syncer) {
	r.syncer = s
}

// Start enables the network.
func (r *RemoteStore) Start() error {
	return r.enableNetwork()
}

// Shutdown stops both streams.
func (r *RemoteStore) Shutdown() {
	r.log.Debug("RemoteStoreShutdown")
	r.disableNetwork()
}

func (r *RemoteStore) isNetworkEnabled() bool {
	return r.watchStream != nil
}

func (r *RemoteStore) enableNetwork() error {
	model.Assert(r.watchStream == nil && r.writeStream == nil, "enableNetwork called with streams already present")

	r.watchStream = r.datastore.NewWatchStream(watchListener{r})
	r.writeStream = r.datastore.NewWriteStream(writeListener{r})

	token, err := r.local.GetLastStreamToken()
	if err != nil {
		return err
	}

	r.writeStream.LastStreamToken = token

	if r.shouldStartWatchStream() {
		r.watchStream.Start()
	}

	return r.FillWritePipeline()
}

func (r *RemoteStore) disableNetwork() {
	if !r.isNetworkEnabled() {
		return
	}

	r.writeStream.Stop()
	r.watchStream.Stop()
	r.cleanUpWriteStreamState()
	r.cleanUpWatchStreamState()
	r.writeStream = nil
	r.watchStream = nil
}

// HandleUserChange restarts both streams so that they use the new user's
// token and mutation queue.
func (r *RemoteStore) HandleUserChange() error {
	r.log.Debug("RemoteStoreUserChange")
	r.disableNetwork()

	return r.enableNetwork()
}

// Listen starts listening to data. The target must not be listened to yet.
func (r *RemoteStore) Listen(data *query.TargetData) {
	r.queue.VerifyOperationInProgress()

	_, exists := r.listenTargets[data.TargetID]
	model.Assert(!exists, "listen called with duplicate target id %d", data.TargetID)

	r.listenTargets[data.TargetID] = data

	switch {
	case r.shouldStartWatchStream():
		r.watchStream.Start()
	case r.isNetworkEnabled() && r.watchStream.IsOpen():
		r.sendWatchRequest(data)
	}
}

// Unlisten stops listening to targetID.
func (r *RemoteStore) Unlisten(targetID int) {
	r.queue.VerifyOperationInProgress()

	_, exists := r.listenTargets[targetID]
	model.Assert(exists, "unlisten called without assigned target id %d", targetID)

	delete(r.listenTargets, targetID)

	if r.isNetworkEnabled() && r.watchStream.IsOpen() {
		r.sendUnwatchRequest(targetID)
	}
}

func (r *RemoteStore) sendWatchRequest(data *query.TargetData) {
	r.recordPendingTargetRequest(data.TargetID)
	r.watchStream.Watch(data)
}

func (r *RemoteStore) sendUnwatchRequest(targetID int) {
	r.recordPendingTargetRequest(targetID)
	r.watchStream.Unwatch(targetID)
}

// recordPendingTargetRequest expects one more ack for targetID. Changes
// to a target are ignored until all its acks arrived.
func (r *RemoteStore) recordPendingTargetRequest(targetID int) {
	r.pendingTargetResponses[targetID]++
}

func (r *RemoteStore) shouldStartWatchStream() bool {
	return r.isNetworkEnabled() && !r.watchStream.IsStarted() && len(r.listenTargets) > 0
}

func (r *RemoteStore) cleanUpWatchStreamState() {
	r.accumulatedWatchChanges = nil
	r.pendingTargetResponses = make(map[int]int)
}

func (r *RemoteStore) onWatchStreamOpen() error {
	for _, data := range r.listenTargets {
		r.sendWatchRequest(data)
	}

	return nil
}

func (r *RemoteStore) onWatchStreamChange(change WatchChange, version model.SnapshotVersion) error {
	if tc, ok := change.(*WatchTargetChange); ok && tc.State == WatchTargetRemoved && tc.Cause != nil {
		// Errors don't wait for a consistency point.
		return r.handleTargetError(tc)
	}

	r.accumulatedWatchChanges = append(r.accumulatedWatchChanges, change)

	// Changes older than what was already applied can arrive after a
	// target was resumed with a resume token.
	if version.IsMin() || version.Compare(r.local.GetLastRemoteSnapshotVersion()) < 0 {
		return nil
	}

	changes := r.accumulatedWatchChanges
	r.accumulatedWatchChanges = nil

	return r.handleWatchChangeBatch(version, changes)
}

func (r *RemoteStore) handleWatchChangeBatch(version model.SnapshotVersion, changes []WatchChange) error {
	aggregator := NewWatchChangeAggregator(version, r.listenTargets, r.pendingTargetResponses)
	aggregator.AddChanges(changes)

	event := aggregator.CreateRemoteEvent()
	r.pendingTargetResponses = aggregator.PendingTargetResponses

	for targetID, filter := range aggregator.ExistenceFilters {
		if err := r.handleExistenceFilter(event, targetID, filter, version); err != nil {
			return err
		}
	}

	// Keep the in-memory resume tokens current. The local store persists
	// them when it applies the event.
	for targetID, change := range event.TargetChanges {
		if len(change.ResumeToken) == 0 {
			continue
		}

		if data, ok := r.listenTargets[targetID]; ok {
			r.listenTargets[targetID] = data.Update(change.SnapshotVersion, change.ResumeToken)
		}
	}

	return r.syncer.ApplyRemoteEvent(event)
}

func (r *RemoteStore) handleExistenceFilter(event *model.RemoteEvent, targetID int,
	filter *ExistenceFilterChange, version model.SnapshotVersion,
) error {
	data, ok := r.listenTargets[targetID]
	if !ok {
		// The target was removed in the meantime.
		return nil
	}

	if data.Query.IsDocumentQuery() {
		if filter.Count == 0 {
			// The document does not exist any more.
			key := model.NewDocumentKey(data.Query.Path)
			event.AddDocumentUpdate(model.NewNoDocument(key, version))
		} else {
			model.Assert(filter.Count == 1, "single document existence filter with count: %d", filter.Count)
		}

		return nil
	}

	tracked, err := r.syncer.GetRemoteKeysForTarget(targetID)
	if err != nil {
		return err
	}

	if change, ok := event.TargetChanges[targetID]; ok && change.Mapping != nil {
		tracked = change.Mapping.ApplyTo(tracked)
	}

	if tracked.Len() == filter.Count {
		return nil
	}

	r.log.Debug("ExistenceFilterMismatch", zap.Int("target", targetID),
		zap.Int("local", tracked.Len()), zap.Int("remote", filter.Count))

	event.HandleExistenceFilterMismatch(targetID)

	// Listen again without a resume token to get a full update. Only
	// this request is flagged as a mismatch recovery.
	r.listenTargets[targetID] = query.NewTargetData(data.Query, targetID, data.Purpose)
	r.sendUnwatchRequest(targetID)
	r.sendWatchRequest(query.NewTargetData(data.Query, targetID, query.PurposeExistenceFilterMismatch))

	return nil
}

func (r *RemoteStore) handleTargetError(change *WatchTargetChange) error {
	for _, targetID := range change.TargetIDs {
		if _, ok := r.listenTargets[targetID]; !ok {
			continue
		}

		delete(r.listenTargets, targetID)

		if err := r.syncer.RejectListen(targetID, change.Cause); err != nil {
			return err
		}
	}

	return nil
}

func (r *RemoteStore) onWatchStreamClose(err error) error {
	model.Assert(r.isNetworkEnabled(), "onWatchStreamClose should only be called when the network is enabled")
	r.cleanUpWatchStreamState()

	if r.shouldStartWatchStream() {
		r.log.Debug("WatchStreamRestart", zap.Error(err))
		r.watchStream.Start()
	}

	return nil
}

func (r *RemoteStore) canWriteMutations() bool {
	return r.isNetworkEnabled() && len(r.pendingWrites) < MaxPendingWrites
}

func (r *RemoteStore) cleanUpWriteStreamState() {
	r.lastBatchSeen = model.BatchIDUnknown
	r.pendingWrites = nil
}

// FillWritePipeline sends pending batches until the pipeline is full or
// the mutation queue is drained.
func (r *RemoteStore) FillWritePipeline() error {
	r.queue.VerifyOperationInProgress()

	for r.canWriteMutations() {
		batch, err := r.local.NextMutationBatch(r.lastBatchSeen)
		if err != nil {
			return err
		}

		if batch == nil {
			return nil
		}

		r.commit(batch)
	}

	return nil
}

func (r *RemoteStore) commit(batch *model.MutationBatch) {
	r.lastBatchSeen = batch.BatchID
	r.pendingWrites = append(r.pendingWrites, batch)

	switch {
	case r.shouldStartWriteStream():
		r.writeStream.Start()
	case r.isNetworkEnabled() && r.writeStream.HandshakeComplete():
		r.writeStream.WriteMutations(batch.Mutations)
	}
}

func (r *RemoteStore) shouldStartWriteStream() bool {
	return r.isNetworkEnabled() && !r.writeStream.IsStarted() && len(r.pendingWrites) > 0
}

func (r *RemoteStore) onWriteStreamOpen() error {
	r.writeStream.WriteHandshake()

	return nil
}

func (r *RemoteStore) onWriteHandshakeComplete() error {
	if err := r.local.SetLastStreamToken(r.writeStream.LastStreamToken); err != nil {
		return err
	}

	for _, batch := range r.pendingWrites {
		r.writeStream.WriteMutations(batch.Mutations)
	}

	return nil
}

func (r *RemoteStore) onMutationResult(commitVersion model.SnapshotVersion, results []model.MutationResult) error {
	model.Assert(len(r.pendingWrites) > 0, "got result for empty pending writes")

	batch := r.pendingWrites[0]
	r.pendingWrites = r.pendingWrites[1:]

	result := model.NewMutationBatchResult(batch, commitVersion, results, r.writeStream.LastStreamToken)
	r.log.Debug("BatchAcknowledged", zap.Int("batch", batch.BatchID))

	if err := r.syncer.ApplySuccessfulWrite(result); err != nil {
		return err
	}

	return r.FillWritePipeline()
}

func (r *RemoteStore) onWriteStreamClose(err error) error {
	model.Assert(r.isNetworkEnabled(), "onWriteStreamClose should only be called when the network is enabled")

	if err == nil || len(r.pendingWrites) == 0 {
		return nil
	}

	var handleErr error
	if r.writeStream.HandshakeComplete() {
		handleErr = r.handleWriteError(err)
	} else {
		handleErr = r.handleHandshakeError(err)
	}

	if handleErr != nil {
		return handleErr
	}

	if r.shouldStartWriteStream() {
		r.writeStream.Start()
	}

	return nil
}

// handleHandshakeError drops the stream token when the server rejected it.
func (r *RemoteStore) handleHandshakeError(err error) error {
	code := CodeOf(err)
	if !IsPermanentError(code) && code != Aborted {
		return nil
	}

	r.log.Debug("HandshakeFailed", zap.Error(err))
	r.writeStream.LastStreamToken = nil

	return r.local.SetLastStreamToken(nil)
}

// handleWriteError rejects the oldest batch on a permanent error. Other
// errors are retried when the stream restarts.
func (r *RemoteStore) handleWriteError(err error) error {
	if !IsPermanentWriteError(err) {
		return nil
	}

	batch := r.pendingWrites[0]
	r.pendingWrites = r.pendingWrites[1:]

	// The request was bad, the server is fine: restart right away.
	r.writeStream.InhibitBackoff()
	r.log.Debug("BatchRejected", zap.Int("batch", batch.BatchID), zap.Error(err))

	if rejectErr := r.syncer.RejectFailedWrite(batch.BatchID, err); rejectErr != nil {
		return rejectErr
	}

	return r.FillWritePipeline()
}

// watchListener and writeListener keep the stream callbacks off the
// RemoteStore's exported method set.
type watchListener struct{ r *RemoteStore }

func (l watchListener) OnWatchStreamOpen() error { return l.r.onWatchStreamOpen() }

func (l watchListener) OnWatchStreamChange(c WatchChange, v model.SnapshotVersion) error {
	return l.r.onWatchStreamChange(c, v)
}

func (l watchListener) OnWatchStreamClose(err error) error { return l.r.onWatchStreamClose(err) }

type writeListener struct{ r *RemoteStore }

func (l writeListener) OnWriteStreamOpen() error { return l.r.onWriteStreamOpen() }

func (l writeListener) OnWriteHandshakeComplete() error { return l.r.onWriteHandshakeComplete() }

func (l writeListener) OnMutationResult(v model.SnapshotVersion, results []model.MutationResult) error {
	return l.r.onMutationResult(v, results)
}

func (l writeListener) OnWriteStreamClose(err error) error { return l.r.onWriteStreamClose(err) }
