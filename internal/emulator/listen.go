package emulator

import (
	"maps"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/serroba/docsync/internal/acl"
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"github.com/serroba/docsync/internal/remote"
	"github.com/serroba/docsync/internal/ws"
	"go.uber.org/zap"
)

// listenTarget is one target of a listen stream and the documents last
// sent for it.
type listenTarget struct {
	id    int
	query *query.Query
	topic string
	sent  map[string]sentDocument
}

type sentDocument struct {
	key     model.DocumentKey
	version model.SnapshotVersion
}

// listenStream serves the targets of one listen connection. Updates are
// computed from the latest backend snapshot, so refreshes may coalesce
// several commits.
type listenStream struct {
	server *Server
	client *ws.Client

	mu      sync.Mutex
	targets map[int]*listenTarget
}

// handleListen handles GET /listen.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	client, cleanup, err := s.setupStreamClient(w, r)
	if err != nil {
		return
	}

	defer cleanup()

	l := &listenStream{server: s, client: client, targets: make(map[int]*listenTarget)}

	s.mu.Lock()
	s.listeners[client.ID] = l
	s.mu.Unlock()

	s.metrics.ListenStreams.Inc()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, client.ID)
		s.mu.Unlock()

		s.metrics.ListenStreams.Dec()
		s.metrics.ListenTargets.Sub(float64(l.targetCount()))
	}()

	s.log.Debug("ListenStreamOpened", zap.String("stream", client.ID), zap.String("user", client.UserID))

	for {
		msg, err := client.Receive()
		if err != nil {
			return
		}

		if msg.Type != ws.MessageTypeRequest {
			sendStatus(client, remote.NewError(remote.InvalidArgument, "unexpected frame type %q", msg.Type))

			return
		}

		var req remote.ListenRequest
		if err := msg.Decode(&req); err != nil {
			sendStatus(client, remote.NewError(remote.InvalidArgument, "invalid listen request: %v", err))

			return
		}

		switch {
		case req.AddTarget != nil:
			l.addTarget(*req.AddTarget)
		case req.RemoveTarget != 0:
			l.removeTarget(req.RemoveTarget)
		default:
			sendStatus(client, remote.NewError(remote.InvalidArgument, "listen request without target"))

			return
		}
	}
}

func (l *listenStream) targetCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.targets)
}

func (l *listenStream) send(resp remote.ListenResponse) {
	if err := l.client.Send(ws.MessageTypeResponse, resp); err != nil {
		l.server.log.Debug("ListenSendFailed", zap.String("stream", l.client.ID), zap.Error(err))
	}
}

func (l *listenStream) sendTargetChange(state string, ids []int, token []byte, cause *remote.Status, readTime string) {
	l.send(remote.ListenResponse{TargetChange: &remote.TargetChangeWire{
		TargetChangeType: state,
		TargetIDs:        ids,
		Cause:            cause,
		ResumeToken:      token,
		ReadTime:         readTime,
	}})
}

// collectionOf returns the collection whose permissions govern q.
func collectionOf(q *query.Query) string {
	if q.IsDocumentQuery() {
		return q.Path.Parent().CanonicalString()
	}

	return q.Path.CanonicalString()
}

// resumeToken encodes the version a target was last brought up to date at.
func resumeToken(version model.SnapshotVersion) []byte {
	return []byte(strconv.FormatInt(version.Micros(), 10))
}

func (l *listenStream) addTarget(t remote.Target) {
	s := l.server

	q, err := s.serializer.FromTarget(t)
	if err == nil {
		err = s.authorize(collectionOf(q), l.client.UserID, acl.ActionRead)
	}

	if err != nil {
		status := remote.StatusOf(err)
		s.log.Debug("ListenRejected", zap.Int("target", t.TargetID), zap.Error(err))
		l.sendTargetChange(remote.TargetChangeRemove, []int{t.TargetID}, nil, &status, "")

		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if old, ok := l.targets[t.TargetID]; ok {
		// Re-adding a target replaces it.
		l.dropTargetLocked(old)
	}

	target := &listenTarget{
		id:    t.TargetID,
		query: q,
		topic: collectionOf(q),
		sent:  make(map[string]sentDocument),
	}

	// Subscribe before reading the snapshot so no commit is missed. A
	// refresh triggered meanwhile waits for mu.
	l.targets[target.id] = target
	s.hub.Subscribe(l.client, target.topic)
	s.metrics.ListenTargets.Inc()

	docs, version := s.backend.Snapshot()
	ids := []int{target.id}

	l.sendTargetChange(remote.TargetChangeAdd, ids, nil, nil, "")

	if len(t.ResumeToken) > 0 {
		// Resumed targets get the full result set again.
		l.sendTargetChange(remote.TargetChangeReset, ids, nil, nil, "")
	}

	l.diffLocked(target, docs, version)
	l.sendTargetChange(remote.TargetChangeCurrent, ids, resumeToken(version), nil, "")
	l.sendTargetChange(remote.TargetChangeNoChange, nil, nil, nil, s.serializer.ToVersion(version))

	s.log.Debug("ListenTargetAdded", zap.String("stream", l.client.ID),
		zap.Int("target", target.id), zap.Stringer("query", q), zap.Int("documents", len(target.sent)))
}

func (l *listenStream) removeTarget(targetID int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.targets[targetID]; ok {
		l.dropTargetLocked(t)
	}

	l.sendTargetChange(remote.TargetChangeRemove, []int{targetID}, nil, nil, "")
}

func (l *listenStream) dropTargetLocked(t *listenTarget) {
	delete(l.targets, t.id)
	l.server.metrics.ListenTargets.Dec()

	for _, other := range l.targets {
		if other.topic == t.topic {
			return
		}
	}

	l.server.hub.Unsubscribe(l.client, t.topic)
}

// refresh sends what changed for every target since the last update,
// followed by a consistent snapshot marker.
func (l *listenStream) refresh() {
	l.mu.Lock()
	defer l.mu.Unlock()

	docs, version := l.server.backend.Snapshot()

	var changed []int

	for _, id := range slices.Sorted(maps.Keys(l.targets)) {
		if l.diffLocked(l.targets[id], docs, version) {
			changed = append(changed, id)
		}
	}

	if len(changed) == 0 {
		return
	}

	l.sendTargetChange(remote.TargetChangeNoChange, changed, resumeToken(version), nil, "")
	l.sendTargetChange(remote.TargetChangeNoChange, nil, nil, nil, l.server.serializer.ToVersion(version))
}

// diffLocked sends the documents of t that changed in docs and reports
// whether anything was sent.
func (l *listenStream) diffLocked(t *listenTarget, docs model.DocumentMap, version model.SnapshotVersion) bool {
	ser := l.server.serializer
	results := runQuery(docs, t.query)
	matched := make(map[string]struct{}, len(results))
	changed := false

	for _, d := range results {
		k := d.Key().String()
		matched[k] = struct{}{}

		if prev, ok := t.sent[k]; ok && prev.version.Equal(d.Version()) {
			continue
		}

		t.sent[k] = sentDocument{key: d.Key(), version: d.Version()}
		changed = true

		l.send(remote.ListenResponse{DocumentChange: &remote.DocumentChangeWire{
			Document:  ser.ToDocument(d),
			TargetIDs: []int{t.id},
		}})
	}

	readTime := ser.ToVersion(version)

	for _, k := range slices.Sorted(maps.Keys(t.sent)) {
		if _, ok := matched[k]; ok {
			continue
		}

		key := t.sent[k].key
		delete(t.sent, k)
		changed = true

		if _, exists := docs.Get(key); exists {
			l.send(remote.ListenResponse{DocumentRemove: &remote.DocumentRemoveWire{
				Document:         ser.ToName(key),
				RemovedTargetIDs: []int{t.id},
				ReadTime:         readTime,
			}})
		} else {
			l.send(remote.ListenResponse{DocumentDelete: &remote.DocumentDeleteWire{
				Document:         ser.ToName(key),
				RemovedTargetIDs: []int{t.id},
				ReadTime:         readTime,
			}})
		}
	}

	return changed
}
