package syncengine

import (
	"cmp"
	"slices"

	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
)

// ChangeType is the kind of change a document went through in a view.
type ChangeType int

// Change types, in the order they are reported within a snapshot.
const (
	ChangeRemoved ChangeType = iota
	ChangeAdded
	ChangeModified
	// ChangeMetadata means only HasLocalMutations changed.
	ChangeMetadata
)

func (t ChangeType) String() string {
	switch t {
	case ChangeRemoved:
		return "removed"
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// order sorts modifications and metadata changes together.
func (t ChangeType) order() int {
	if t == ChangeMetadata {
		return int(ChangeModified)
	}

	return int(t)
}

// DocumentViewChange is one document change in a snapshot.
type DocumentViewChange struct {
	Type ChangeType
	Doc  *model.Document
}

// documentChangeSet merges the changes to a view computed in one pass.
type documentChangeSet struct {
	changes map[string]DocumentViewChange
}

func newDocumentChangeSet() *documentChangeSet {
	return &documentChangeSet{changes: make(map[string]DocumentViewChange)}
}

func (s *documentChangeSet) track(change DocumentViewChange) {
	key := change.Doc.Key().String()

	old, ok := s.changes[key]
	if !ok {
		s.changes[key] = change

		return
	}

	switch {
	case change.Type != ChangeAdded && old.Type == ChangeMetadata:
		s.changes[key] = change
	case change.Type == ChangeMetadata && old.Type != ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: old.Type, Doc: change.Doc}
	case change.Type == ChangeModified && old.Type == ChangeModified:
		s.changes[key] = DocumentViewChange{Type: ChangeModified, Doc: change.Doc}
	case change.Type == ChangeModified && old.Type == ChangeAdded:
		s.changes[key] = DocumentViewChange{Type: ChangeAdded, Doc: change.Doc}
	case change.Type == ChangeRemoved && old.Type == ChangeAdded:
		delete(s.changes, key)
	case change.Type == ChangeRemoved && old.Type == ChangeModified:
		s.changes[key] = DocumentViewChange{Type: ChangeRemoved, Doc: old.Doc}
	case change.Type == ChangeAdded && old.Type == ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: ChangeModified, Doc: change.Doc}
	default:
		model.Fail("unsupported combination of changes: %v after %v", change.Type, old.Type)
	}
}

func (s *documentChangeSet) list() []DocumentViewChange {
	out := make([]DocumentViewChange, 0, len(s.changes))
	for _, c := range s.changes {
		out = append(out, c)
	}

	return out
}

// ViewSnapshot is the state of a query's results delivered to listeners.
type ViewSnapshot struct {
	Query *query.Query
	// Docs are the matching documents in query order.
	Docs    []*model.Document
	OldDocs []*model.Document
	// Changes are ordered removals first, then additions, then
	// modifications, each group in query order.
	Changes []DocumentViewChange
	// FromCache is set until the server marked the query current and no
	// document is in limbo.
	FromCache        bool
	SyncStateChanged bool
	HasPendingWrites bool
}

// LimboChange reports that a document entered or left limbo.
type LimboChange struct {
	Key   model.DocumentKey
	Added bool
}

// ViewChange is the result of applying changes to a View.
type ViewChange struct {
	// Snapshot is nil when nothing visible changed.
	Snapshot     *ViewSnapshot
	LimboChanges []LimboChange
}

// ViewDocumentChanges are computed but not yet applied view changes.
type ViewDocumentChanges struct {
	documentSet DocumentSet
	changeSet   *documentChangeSet
	mutatedKeys model.DocumentKeySet
	// NeedsRefill is set when a limited view lost documents and must be
	// recomputed from the full local result set.
	NeedsRefill bool
}

type syncState int

const (
	syncStateNone syncState = iota
	syncStateLocal
	syncStateSynced
)

// View computes the snapshots of one query from document changes and
// tracks which of its documents are in limbo: present locally but not
// confirmed by the server for this target.
type View struct {
	query           *query.Query
	syncState       syncState
	current         bool
	documentSet     DocumentSet
	limboDocuments  model.DocumentKeySet
	mutatedKeys     model.DocumentKeySet
	syncedDocuments model.DocumentKeySet
}

// NewView creates a view of q. syncedDocuments are the keys the server
// reported for the query's target.
func NewView(q *query.Query, syncedDocuments model.DocumentKeySet) *View {
	return &View{
		query:           q,
		documentSet:     NewDocumentSet(q),
		limboDocuments:  model.NewDocumentKeySet(),
		mutatedKeys:     model.NewDocumentKeySet(),
		syncedDocuments: syncedDocuments,
	}
}

// Query returns the query of the view.
func (v *View) Query() *query.Query {
	return v.query
}

// SyncedDocuments returns the keys the server reported for the target.
func (v *View) SyncedDocuments() model.DocumentKeySet {
	return v.syncedDocuments
}

// ComputeDocChanges computes the effect of docChanges on the view without
// applying it. previous continues a computation that needed a refill.
func (v *View) ComputeDocChanges(docChanges model.MaybeDocumentMap, previous *ViewDocumentChanges) *ViewDocumentChanges {
	changeSet := newDocumentChangeSet()
	oldDocumentSet := v.documentSet
	newMutatedKeys := v.mutatedKeys

	if previous != nil {
		changeSet = previous.changeSet
		oldDocumentSet = previous.documentSet
		newMutatedKeys = previous.mutatedKeys
	}

	newDocumentSet := oldDocumentSet
	needsRefill := false

	var lastDocInLimit *model.Document
	if v.query.Limit > 0 && oldDocumentSet.Len() == v.query.Limit {
		lastDocInLimit, _ = oldDocumentSet.Last()
	}

	for key, maybeDoc := range docChanges.All() {
		oldDoc, hadOld := oldDocumentSet.Get(key)

		newDoc, _ := maybeDoc.(*model.Document)
		if newDoc != nil {
			model.Assert(key.Equal(newDoc.Key()), "mismatching keys %s and %s", key, newDoc.Key())

			if !v.query.Matches(newDoc) {
				newDoc = nil
			}
		}

		if newDoc != nil {
			newDocumentSet = newDocumentSet.Add(newDoc)

			if newDoc.HasLocalMutations() {
				newMutatedKeys = newMutatedKeys.Add(key)
			} else {
				newMutatedKeys = newMutatedKeys.Delete(key)
			}
		} else {
			newDocumentSet = newDocumentSet.Delete(key)
			newMutatedKeys = newMutatedKeys.Delete(key)
		}

		switch {
		case hadOld && newDoc != nil:
			dataEqual := oldDoc.Data().Equal(newDoc.Data())
			if !dataEqual || oldDoc.HasLocalMutations() != newDoc.HasLocalMutations() {
				if dataEqual {
					changeSet.track(DocumentViewChange{Type: ChangeMetadata, Doc: newDoc})
				} else {
					changeSet.track(DocumentViewChange{Type: ChangeModified, Doc: newDoc})
				}

				if lastDocInLimit != nil && v.query.Compare(newDoc, lastDocInLimit) > 0 {
					// The document moved past the limit; something else may
					// belong in the view now.
					needsRefill = true
				}
			}
		case !hadOld && newDoc != nil:
			changeSet.track(DocumentViewChange{Type: ChangeAdded, Doc: newDoc})
		case hadOld && newDoc == nil:
			changeSet.track(DocumentViewChange{Type: ChangeRemoved, Doc: oldDoc})

			if lastDocInLimit != nil {
				needsRefill = true
			}
		}
	}

	if v.query.Limit > 0 {
		for newDocumentSet.Len() > v.query.Limit {
			last, _ := newDocumentSet.Last()
			newDocumentSet = newDocumentSet.Delete(last.Key())
			changeSet.track(DocumentViewChange{Type: ChangeRemoved, Doc: last})
		}
	}

	model.Assert(!needsRefill || previous == nil, "view was refilled using docs that themselves needed refilling")

	return &ViewDocumentChanges{
		documentSet: newDocumentSet,
		changeSet:   changeSet,
		mutatedKeys: newMutatedKeys,
		NeedsRefill: needsRefill,
	}
}

// ApplyChanges updates the view with changes computed by ComputeDocChanges
// and with the target change of a remote event, if any.
func (v *View) ApplyChanges(docChanges *ViewDocumentChanges, targetChange *model.TargetChange) ViewChange {
	model.Assert(!docChanges.NeedsRefill, "cannot apply changes that need a refill")

	oldDocs := v.documentSet
	v.documentSet = docChanges.documentSet
	v.mutatedKeys = docChanges.mutatedKeys

	changes := docChanges.changeSet.list()
	slices.SortFunc(changes, func(a, b DocumentViewChange) int {
		return cmp.Or(
			cmp.Compare(a.Type.order(), b.Type.order()),
			v.query.Compare(a.Doc, b.Doc),
			a.Doc.Key().Compare(b.Doc.Key()),
		)
	})

	limboChanges := v.applyTargetChange(targetChange)

	newState := syncStateLocal
	if v.limboDocuments.IsEmpty() && v.current {
		newState = syncStateSynced
	}

	stateChanged := newState != v.syncState
	v.syncState = newState

	if len(changes) == 0 && !stateChanged {
		return ViewChange{LimboChanges: limboChanges}
	}

	return ViewChange{
		Snapshot: &ViewSnapshot{
			Query:            v.query,
			Docs:             docChanges.documentSet.Slice(),
			OldDocs:          oldDocs.Slice(),
			Changes:          changes,
			FromCache:        newState == syncStateLocal,
			SyncStateChanged: stateChanged,
			HasPendingWrites: !docChanges.mutatedKeys.IsEmpty(),
		},
		LimboChanges: limboChanges,
	}
}

func (v *View) applyTargetChange(targetChange *model.TargetChange) []LimboChange {
	if targetChange != nil {
		if targetChange.Mapping != nil {
			v.syncedDocuments = targetChange.Mapping.ApplyTo(v.syncedDocuments)
		}

		switch targetChange.CurrentStatusUpdate {
		case model.CurrentStatusMarkCurrent:
			v.current = true
		case model.CurrentStatusMarkNotCurrent:
			v.current = false
		case model.CurrentStatusNone:
		}
	}

	if !v.current {
		return nil
	}

	oldLimbo := v.limboDocuments
	v.limboDocuments = model.NewDocumentKeySet()

	for doc := range v.documentSet.All() {
		if v.shouldBeInLimbo(doc) {
			v.limboDocuments = v.limboDocuments.Add(doc.Key())
		}
	}

	var changes []LimboChange

	for key := range oldLimbo.All() {
		if !v.limboDocuments.Has(key) {
			changes = append(changes, LimboChange{Key: key})
		}
	}

	for key := range v.limboDocuments.All() {
		if !oldLimbo.Has(key) {
			changes = append(changes, LimboChange{Key: key, Added: true})
		}
	}

	return changes
}

// shouldBeInLimbo reports whether doc is shown only because of the local
// cache. Documents with pending writes are never in limbo.
func (v *View) shouldBeInLimbo(doc *model.Document) bool {
	return !v.syncedDocuments.Has(doc.Key()) && !doc.HasLocalMutations()
}

// localViewChangesFromSnapshot returns the keys a snapshot added to and
// removed from its view.
func localViewChangesFromSnapshot(s *ViewSnapshot) (added, removed model.DocumentKeySet) {
	added = model.NewDocumentKeySet()
	removed = model.NewDocumentKeySet()

	for _, c := range s.Changes {
		switch c.Type {
		case ChangeAdded:
			added = added.Add(c.Doc.Key())
		case ChangeRemoved:
			removed = removed.Add(c.Doc.Key())
		case ChangeModified, ChangeMetadata:
		}
	}

	return added, removed
}
