package client

import (
	"maps"
	"slices"

	"github.com/serroba/docsync/internal/query"
	"github.com/serroba/docsync/internal/syncengine"
)

// Listener receives the snapshots of a query, or the error that ended the
// listen. After an error no further calls are made.
type Listener func(snapshot *syncengine.ViewSnapshot, err error)

type queryListeners struct {
	query     *query.Query
	listeners map[int]Listener
	last      *syncengine.ViewSnapshot
}

// eventManager fans the engine's snapshots out to every listener of a
// query, so that a query is listened to once regardless of how many
// callers observe it. It lives on the async queue.
type eventManager struct {
	engine  *syncengine.SyncEngine
	queries map[string]*queryListeners
	nextID  int
}

// Ensure eventManager implements syncengine.ViewHandler.
var _ syncengine.ViewHandler = (*eventManager)(nil)

func newEventManager() *eventManager {
	return &eventManager{queries: make(map[string]*queryListeners)}
}

func (m *eventManager) listen(q *query.Query, fn Listener) (int, error) {
	m.nextID++
	id := m.nextID

	canonical := q.CanonicalID()
	if ql, ok := m.queries[canonical]; ok {
		ql.listeners[id] = fn
		if ql.last != nil {
			fn(initialSnapshot(ql.last), nil)
		}

		return id, nil
	}

	ql := &queryListeners{query: q, listeners: map[int]Listener{id: fn}}
	m.queries[canonical] = ql

	if _, err := m.engine.Listen(q); err != nil {
		delete(m.queries, canonical)

		return 0, err
	}

	return id, nil
}

// unlisten removes a listener. The last listener of a query stops the
// listen in the engine.
func (m *eventManager) unlisten(q *query.Query, id int) error {
	canonical := q.CanonicalID()

	ql, ok := m.queries[canonical]
	if !ok {
		return nil
	}

	delete(ql.listeners, id)

	if len(ql.listeners) > 0 {
		return nil
	}

	delete(m.queries, canonical)

	return m.engine.Unlisten(q)
}

// OnViewSnapshots implements syncengine.ViewHandler.
func (m *eventManager) OnViewSnapshots(snapshots []*syncengine.ViewSnapshot) {
	for _, s := range snapshots {
		ql, ok := m.queries[s.Query.CanonicalID()]
		if !ok {
			continue
		}

		ql.last = s

		for _, id := range slices.Sorted(maps.Keys(ql.listeners)) {
			ql.listeners[id](s, nil)
		}
	}
}

// OnListenError implements syncengine.ViewHandler.
func (m *eventManager) OnListenError(q *query.Query, err error) {
	canonical := q.CanonicalID()

	ql, ok := m.queries[canonical]
	if !ok {
		return
	}

	delete(m.queries, canonical)

	for _, id := range slices.Sorted(maps.Keys(ql.listeners)) {
		ql.listeners[id](nil, err)
	}
}

// initialSnapshot presents the current state of a view to a listener that
// joined after the view was created: every document is an addition.
func initialSnapshot(s *syncengine.ViewSnapshot) *syncengine.ViewSnapshot {
	changes := make([]syncengine.DocumentViewChange, len(s.Docs))
	for i, doc := range s.Docs {
		changes[i] = syncengine.DocumentViewChange{Type: syncengine.ChangeAdded, Doc: doc}
	}

	return &syncengine.ViewSnapshot{
		Query:            s.Query,
		Docs:             s.Docs,
		Changes:          changes,
		FromCache:        s.FromCache,
		SyncStateChanged: true,
		HasPendingWrites: s.HasPendingWrites,
	}
}
