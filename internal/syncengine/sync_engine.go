// Package syncengine ties the local store and the remote store together.
// It owns the views of active queries, raises snapshots for them, resolves
// documents in limbo and reports the outcome of writes.
package syncengine

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/serroba/docsync/internal/auth"
	"github.com/serroba/docsync/internal/local"
	"github.com/serroba/docsync/internal/logging"
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"github.com/serroba/docsync/internal/remote"
	"go.uber.org/zap"
)

// Common errors.
var (
	ErrAlreadyListening = errors.New("query is already being listened to")
	ErrNotListening     = errors.New("query is not being listened to")
)

// RemoteStore is the part of *remote.RemoteStore the engine drives.
type RemoteStore interface {
	Listen(data *query.TargetData)
	Unlisten(targetID int)
	FillWritePipeline() error
	HandleUserChange() error
}

// ViewHandler receives the engine's output. Calls happen on the async queue.
type ViewHandler interface {
	// OnViewSnapshots receives the snapshots raised by one operation.
	OnViewSnapshots(snapshots []*ViewSnapshot)
	// OnListenError reports that the server rejected q. The query is no
	// longer listened to.
	OnListenError(q *query.Query, err error)
}

// Config holds configuration for a SyncEngine.
type Config struct {
	LocalStore  *local.LocalStore
	RemoteStore RemoteStore
	Handler     ViewHandler
	InitialUser auth.User
	Logger      *zap.Logger
}

type queryView struct {
	query    *query.Query
	targetID int
	view     *View
}

// SyncEngine implements remote.Syncer. Every method must be called from the
// async queue the remote store runs on.
type SyncEngine struct {
	local   *local.LocalStore
	remote  RemoteStore
	handler ViewHandler
	log     *zap.Logger

	currentUser auth.User

	viewsByQuery  map[string][]*queryView
	viewsByTarget map[int]*queryView

	limboTargetsByKey map[string]int
	limboKeysByTarget map[int]model.DocumentKey
	limboRefs         *local.ReferenceSet
	limboCollector    *local.EagerGarbageCollector
	limboTargetIDs    *query.IDGenerator

	// Write outcomes by user key, then batch id.
	writeCallbacks map[string]map[int]chan error
}

// Ensure SyncEngine implements remote.Syncer.
var _ remote.Syncer = (*SyncEngine)(nil)

// Ensure remote.RemoteStore satisfies RemoteStore.
var _ RemoteStore = (*remote.RemoteStore)(nil)

// New creates an engine. The caller attaches it to the remote store with
// SetSyncer before starting the remote store.
func New(cfg Config) *SyncEngine {
	e := &SyncEngine{
		local:             cfg.LocalStore,
		remote:            cfg.RemoteStore,
		handler:           cfg.Handler,
		log:               logging.OrNop(cfg.Logger),
		currentUser:       cfg.InitialUser,
		viewsByQuery:      make(map[string][]*queryView),
		viewsByTarget:     make(map[int]*queryView),
		limboTargetsByKey: make(map[string]int),
		limboKeysByTarget: make(map[int]model.DocumentKey),
		limboRefs:         local.NewReferenceSet(),
		limboCollector:    local.NewEagerGarbageCollector(),
		limboTargetIDs:    query.SyncEngineIDGenerator(),
		writeCallbacks:    make(map[string]map[int]chan error),
	}
	e.limboCollector.AddGarbageSource(e.limboRefs)

	return e
}

// Listen starts listening to q. The initial snapshot from the local cache
// is raised before Listen returns.
func (e *SyncEngine) Listen(q *query.Query) (int, error) {
	if e.lookupView(q) != nil {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyListening, q)
	}

	targetData, err := e.local.AllocateQuery(q)
	if err != nil {
		return 0, err
	}

	docs, err := e.local.ExecuteQuery(q)
	if err != nil {
		return 0, err
	}

	remoteKeys, err := e.local.RemoteDocumentKeys(targetData.TargetID)
	if err != nil {
		return 0, err
	}

	view := NewView(q, remoteKeys)
	change := view.ApplyChanges(view.ComputeDocChanges(asMaybeDocuments(docs), nil), nil)
	model.Assert(len(change.LimboChanges) == 0, "view returned limbo docs before target ack from the server")

	qv := &queryView{query: q, targetID: targetData.TargetID, view: view}
	canonical := q.CanonicalID()
	e.viewsByQuery[canonical] = append(e.viewsByQuery[canonical], qv)
	e.viewsByTarget[qv.targetID] = qv

	if change.Snapshot != nil {
		e.handler.OnViewSnapshots([]*ViewSnapshot{change.Snapshot})
	}

	e.remote.Listen(targetData)
	e.log.Debug("Listening", zap.Stringer("query", q), zap.Int("targetID", qv.targetID))

	return qv.targetID, nil
}

// Unlisten stops listening to q and releases its target.
func (e *SyncEngine) Unlisten(q *query.Query) error {
	qv := e.lookupView(q)
	if qv == nil {
		return fmt.Errorf("%w: %s", ErrNotListening, q)
	}

	if err := e.local.ReleaseQuery(q); err != nil {
		return err
	}

	e.remote.Unlisten(qv.targetID)
	e.removeAndCleanupQuery(qv)

	_, err := e.local.CollectGarbage()

	return err
}

// Write applies mutations locally, raises the resulting snapshots and
// queues the batch for the server. The returned channel receives nil once
// the server accepted the batch, or the rejection.
func (e *SyncEngine) Write(mutations []model.Mutation) (<-chan error, error) {
	result, err := e.local.LocalWrite(mutations)
	if err != nil {
		return nil, err
	}

	done := make(chan error, 1)

	userKey := e.currentUser.Key()
	if e.writeCallbacks[userKey] == nil {
		e.writeCallbacks[userKey] = make(map[int]chan error)
	}

	e.writeCallbacks[userKey][result.BatchID] = done

	if err := e.emitNewSnapshots(result.Changes, nil); err != nil {
		return nil, err
	}

	if err := e.remote.FillWritePipeline(); err != nil {
		return nil, err
	}

	return done, nil
}

// ApplyRemoteEvent implements remote.Syncer.
func (e *SyncEngine) ApplyRemoteEvent(event *model.RemoteEvent) error {
	for targetID, change := range event.TargetChanges {
		key, ok := e.limboKeysByTarget[targetID]
		if !ok || change.CurrentStatusUpdate != model.CurrentStatusMarkCurrent {
			continue
		}

		if !event.DocumentUpdates.Contains(key) {
			// A current limbo target without the document means the
			// document does not exist on the server.
			event.AddDocumentUpdate(model.NewNoDocument(key, event.SnapshotVersion))
		}
	}

	changes, err := e.local.ApplyRemoteEvent(event)
	if err != nil {
		return err
	}

	return e.emitNewSnapshots(changes, event)
}

// RejectListen implements remote.Syncer.
func (e *SyncEngine) RejectListen(targetID int, cause error) error {
	if key, ok := e.limboKeysByTarget[targetID]; ok {
		// The limbo listen was rejected, most likely for permissions.
		// Treat the document as deleted so the view drops it.
		delete(e.limboKeysByTarget, targetID)
		delete(e.limboTargetsByKey, key.String())

		e.log.Debug("LimboResolutionRejected", zap.Stringer("key", key), zap.Error(cause))

		event := model.NewRemoteEvent(model.MinVersion)
		event.AddDocumentUpdate(model.NewNoDocument(key, model.MinVersion))

		return e.ApplyRemoteEvent(event)
	}

	qv, ok := e.viewsByTarget[targetID]
	model.Assert(ok, "unknown target %d rejected", targetID)

	if err := e.local.ReleaseQuery(qv.query); err != nil {
		return err
	}

	e.removeAndCleanupQuery(qv)
	e.log.Debug("ListenRejected", zap.Stringer("query", qv.query), zap.Error(cause))
	e.handler.OnListenError(qv.query, cause)

	return nil
}

// ApplySuccessfulWrite implements remote.Syncer.
func (e *SyncEngine) ApplySuccessfulWrite(result *model.MutationBatchResult) error {
	e.resolveWrite(result.Batch.BatchID, nil)

	changes, err := e.local.AcknowledgeBatch(result)
	if err != nil {
		return err
	}

	return e.emitNewSnapshots(changes, nil)
}

// RejectFailedWrite implements remote.Syncer.
func (e *SyncEngine) RejectFailedWrite(batchID int, cause error) error {
	e.resolveWrite(batchID, cause)

	changes, err := e.local.RejectBatch(batchID)
	if err != nil {
		return err
	}

	return e.emitNewSnapshots(changes, nil)
}

// GetRemoteKeysForTarget implements remote.Syncer.
func (e *SyncEngine) GetRemoteKeysForTarget(targetID int) (model.DocumentKeySet, error) {
	if key, ok := e.limboKeysByTarget[targetID]; ok {
		return model.NewDocumentKeySet(key), nil
	}

	if qv, ok := e.viewsByTarget[targetID]; ok {
		return qv.view.SyncedDocuments(), nil
	}

	return model.NewDocumentKeySet(), nil
}

// HandleUserChange switches the engine to user's pending writes and
// restarts the streams that depend on the credentials.
func (e *SyncEngine) HandleUserChange(user auth.User) error {
	e.currentUser = user

	changes, err := e.local.HandleUserChange(user)
	if err != nil {
		return err
	}

	if err := e.emitNewSnapshots(changes, nil); err != nil {
		return err
	}

	return e.remote.HandleUserChange()
}

// LimboTargets returns the keys currently being resolved, by target id.
func (e *SyncEngine) LimboTargets() map[int]model.DocumentKey {
	return maps.Clone(e.limboKeysByTarget)
}

func (e *SyncEngine) lookupView(q *query.Query) *queryView {
	for _, qv := range e.viewsByQuery[q.CanonicalID()] {
		if qv.query.Equal(q) {
			return qv
		}
	}

	return nil
}

func (e *SyncEngine) resolveWrite(batchID int, err error) {
	callbacks := e.writeCallbacks[e.currentUser.Key()]

	done, ok := callbacks[batchID]
	if !ok {
		return
	}

	done <- err
	delete(callbacks, batchID)
}

func (e *SyncEngine) removeAndCleanupQuery(qv *queryView) {
	canonical := qv.query.CanonicalID()

	views := slices.DeleteFunc(e.viewsByQuery[canonical], func(other *queryView) bool { return other == qv })

	if len(views) == 0 {
		delete(e.viewsByQuery, canonical)
	} else {
		e.viewsByQuery[canonical] = views
	}

	delete(e.viewsByTarget, qv.targetID)

	e.limboRefs.RemoveReferencesForID(qv.targetID)
	e.gcLimboDocuments()
}

// emitNewSnapshots feeds changes to every view, raises the resulting
// snapshots and tells the local store which documents the views show.
func (e *SyncEngine) emitNewSnapshots(changes model.MaybeDocumentMap, event *model.RemoteEvent) error {
	var (
		snapshots   []*ViewSnapshot
		viewChanges []local.LocalViewChanges
	)

	for _, targetID := range slices.Sorted(maps.Keys(e.viewsByTarget)) {
		qv := e.viewsByTarget[targetID]
		docChanges := qv.view.ComputeDocChanges(changes, nil)

		if docChanges.NeedsRefill {
			docs, err := e.local.ExecuteQuery(qv.query)
			if err != nil {
				return err
			}

			docChanges = qv.view.ComputeDocChanges(asMaybeDocuments(docs), docChanges)
		}

		var targetChange *model.TargetChange
		if event != nil {
			targetChange = event.TargetChanges[qv.targetID]
		}

		change := qv.view.ApplyChanges(docChanges, targetChange)
		e.updateTrackedLimbos(qv.targetID, change.LimboChanges)

		if change.Snapshot != nil {
			snapshots = append(snapshots, change.Snapshot)

			added, removed := localViewChangesFromSnapshot(change.Snapshot)
			viewChanges = append(viewChanges, local.LocalViewChanges{
				Query:       qv.query,
				AddedKeys:   added,
				RemovedKeys: removed,
			})
		}
	}

	if len(snapshots) > 0 {
		e.handler.OnViewSnapshots(snapshots)
	}

	if err := e.local.NotifyLocalViewChanges(viewChanges); err != nil {
		return err
	}

	_, err := e.local.CollectGarbage()

	return err
}

func (e *SyncEngine) updateTrackedLimbos(targetID int, changes []LimboChange) {
	for _, c := range changes {
		if c.Added {
			e.limboRefs.AddReference(c.Key, targetID)
			e.trackLimbo(c.Key)
		} else {
			e.limboRefs.RemoveReference(c.Key, targetID)
		}
	}

	e.gcLimboDocuments()
}

// trackLimbo starts a document query for key unless one is running.
func (e *SyncEngine) trackLimbo(key model.DocumentKey) {
	if _, ok := e.limboTargetsByKey[key.String()]; ok {
		return
	}

	targetID := e.limboTargetIDs.Next()
	e.limboKeysByTarget[targetID] = key
	e.limboTargetsByKey[key.String()] = targetID

	e.log.Debug("LimboResolutionStarted", zap.Stringer("key", key), zap.Int("targetID", targetID))
	e.remote.Listen(query.NewTargetData(query.AtPath(key.Path()), targetID, query.PurposeLimboResolution))
}

// gcLimboDocuments stops resolving documents no view holds in limbo.
func (e *SyncEngine) gcLimboDocuments() {
	// The reference set never fails to answer.
	keys, _ := e.limboCollector.CollectGarbage(nil)

	for key := range keys.All() {
		targetID, ok := e.limboTargetsByKey[key.String()]
		if !ok {
			// The resolution was rejected and already removed.
			continue
		}

		e.remote.Unlisten(targetID)
		delete(e.limboTargetsByKey, key.String())
		delete(e.limboKeysByTarget, targetID)
		e.log.Debug("LimboResolutionStopped", zap.Stringer("key", key), zap.Int("targetID", targetID))
	}
}

func asMaybeDocuments(docs model.DocumentMap) model.MaybeDocumentMap {
	out := model.NewMaybeDocumentMap()
	for key, doc := range docs.All() {
		out = out.Insert(key, doc)
	}

	return out
}
