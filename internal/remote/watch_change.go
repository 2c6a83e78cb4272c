package remote

import (
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
)

// WatchChange is one decoded message of the watch stream. It is a
// *DocumentWatchChange, *WatchTargetChange or *ExistenceFilterChange.
type WatchChange interface {
	isWatchChange()
}

// DocumentWatchChange reports that a document changed, or that it started
// or stopped matching some targets.
type DocumentWatchChange struct {
	UpdatedTargetIDs []int
	RemovedTargetIDs []int
	Key              model.DocumentKey
	// NewDoc is nil when the document only left targets.
	NewDoc model.MaybeDocument
}

// WatchTargetChangeState is the kind of a target change.
type WatchTargetChangeState int

// Target change kinds.
const (
	WatchTargetNoChange WatchTargetChangeState = iota
	WatchTargetAdded
	WatchTargetRemoved
	WatchTargetCurrent
	WatchTargetReset
)

// WatchTargetChange reports a state change of some targets.
type WatchTargetChange struct {
	State     WatchTargetChangeState
	TargetIDs []int
	// ResumeToken may be empty.
	ResumeToken []byte
	// Cause is set when a target was removed because of an error.
	Cause error
}

// ExistenceFilterChange carries the number of documents the server
// believes match a target.
type ExistenceFilterChange struct {
	TargetID int
	Count    int
}

func (*DocumentWatchChange) isWatchChange()   {}
func (*WatchTargetChange) isWatchChange()     {}
func (*ExistenceFilterChange) isWatchChange() {}

var targetChangeStates = map[string]WatchTargetChangeState{
	"":                   WatchTargetNoChange,
	TargetChangeNoChange: WatchTargetNoChange,
	TargetChangeAdd:      WatchTargetAdded,
	TargetChangeRemove:   WatchTargetRemoved,
	TargetChangeCurrent:  WatchTargetCurrent,
	TargetChangeReset:    WatchTargetReset,
}

// FromWatchChange decodes a listen response.
func (s *Serializer) FromWatchChange(r ListenResponse) (WatchChange, error) {
	switch {
	case r.TargetChange != nil:
		tc := r.TargetChange

		state, ok := targetChangeStates[tc.TargetChangeType]
		if !ok {
			return nil, invalid("unknown target change type %q", tc.TargetChangeType)
		}

		change := &WatchTargetChange{State: state, TargetIDs: tc.TargetIDs, ResumeToken: tc.ResumeToken}
		if tc.Cause != nil {
			change.Cause = tc.Cause.Err()
		}

		return change, nil
	case r.DocumentChange != nil:
		doc, err := s.FromDocument(r.DocumentChange.Document)
		if err != nil {
			return nil, err
		}

		return &DocumentWatchChange{
			UpdatedTargetIDs: r.DocumentChange.TargetIDs,
			RemovedTargetIDs: r.DocumentChange.RemovedTargetIDs,
			Key:              doc.Key(),
			NewDoc:           doc,
		}, nil
	case r.DocumentDelete != nil:
		key, err := s.FromName(r.DocumentDelete.Document)
		if err != nil {
			return nil, err
		}

		version, err := s.FromVersion(r.DocumentDelete.ReadTime)
		if err != nil {
			return nil, err
		}

		return &DocumentWatchChange{
			RemovedTargetIDs: r.DocumentDelete.RemovedTargetIDs,
			Key:              key,
			NewDoc:           model.NewNoDocument(key, version),
		}, nil
	case r.DocumentRemove != nil:
		key, err := s.FromName(r.DocumentRemove.Document)
		if err != nil {
			return nil, err
		}

		return &DocumentWatchChange{RemovedTargetIDs: r.DocumentRemove.RemovedTargetIDs, Key: key}, nil
	case r.Filter != nil:
		return &ExistenceFilterChange{TargetID: r.Filter.TargetID, Count: r.Filter.Count}, nil
	default:
		return nil, invalid("listen response has no change set")
	}
}

// VersionFromListenResponse returns the global snapshot version a response
// marks, or MinVersion. Only target changes that name no targets carry one.
func (s *Serializer) VersionFromListenResponse(r ListenResponse) (model.SnapshotVersion, error) {
	if r.TargetChange == nil || len(r.TargetChange.TargetIDs) > 0 {
		return model.MinVersion, nil
	}

	return s.FromVersion(r.TargetChange.ReadTime)
}

// WatchChangeAggregator folds the watch changes received up to a
// consistency point into one RemoteEvent.
type WatchChangeAggregator struct {
	snapshotVersion model.SnapshotVersion
	listenTargets   map[int]*query.TargetData

	// PendingTargetResponses counts the acks still owed per target. It is a
	// copy of the input and must be read back once all changes are added.
	PendingTargetResponses map[int]int
	// ExistenceFilters holds the last filter received per active target.
	ExistenceFilters map[int]*ExistenceFilterChange

	targetChanges   map[int]*model.TargetChange
	documentUpdates model.MaybeDocumentMap
	frozen          bool
}

// NewWatchChangeAggregator creates an aggregator for a batch ending at
// snapshotVersion.
func NewWatchChangeAggregator(snapshotVersion model.SnapshotVersion,
	listenTargets map[int]*query.TargetData, pendingTargetResponses map[int]int,
) *WatchChangeAggregator {
	pending := make(map[int]int, len(pendingTargetResponses))
	for id, n := range pendingTargetResponses {
		pending[id] = n
	}

	return &WatchChangeAggregator{
		snapshotVersion:        snapshotVersion,
		listenTargets:          listenTargets,
		PendingTargetResponses: pending,
		ExistenceFilters:       make(map[int]*ExistenceFilterChange),
		targetChanges:          make(map[int]*model.TargetChange),
		documentUpdates:        model.NewMaybeDocumentMap(),
	}
}

// Add folds one change.
func (a *WatchChangeAggregator) Add(change WatchChange) {
	model.Assert(!a.frozen, "trying to modify frozen WatchChangeAggregator")

	switch c := change.(type) {
	case *DocumentWatchChange:
		a.addDocumentChange(c)
	case *WatchTargetChange:
		a.addTargetChange(c)
	case *ExistenceFilterChange:
		if a.isActiveTarget(c.TargetID) {
			a.ExistenceFilters[c.TargetID] = c
		}
	default:
		model.Fail("unknown watch change: %T", change)
	}
}

// AddChanges folds changes in order.
func (a *WatchChangeAggregator) AddChanges(changes []WatchChange) {
	for _, c := range changes {
		a.Add(c)
	}
}

// CreateRemoteEvent returns the aggregated event. Changes to targets that
// are no longer active are dropped. The aggregator is frozen afterwards.
func (a *WatchChangeAggregator) CreateRemoteEvent() *model.RemoteEvent {
	for id := range a.targetChanges {
		if !a.isActiveTarget(id) {
			delete(a.targetChanges, id)
		}
	}

	a.frozen = true

	event := model.NewRemoteEvent(a.snapshotVersion)
	event.TargetChanges = a.targetChanges
	event.DocumentUpdates = a.documentUpdates

	return event
}

// isActiveTarget reports whether target is listened to and has no acks
// outstanding.
func (a *WatchChangeAggregator) isActiveTarget(targetID int) bool {
	_, pending := a.PendingTargetResponses[targetID]
	_, listening := a.listenTargets[targetID]

	return !pending && listening
}

func (a *WatchChangeAggregator) ensureTargetChange(targetID int) *model.TargetChange {
	change, ok := a.targetChanges[targetID]
	if !ok {
		// Resets are always explicit, so start from an update mapping.
		change = &model.TargetChange{
			Mapping:         model.NewUpdateMapping(),
			SnapshotVersion: a.snapshotVersion,
		}
		a.targetChanges[targetID] = change
	}

	return change
}

func (a *WatchChangeAggregator) addDocumentChange(c *DocumentWatchChange) {
	relevant := false

	for _, id := range c.UpdatedTargetIDs {
		if a.isActiveTarget(id) {
			addToMapping(a.ensureTargetChange(id).Mapping, c.Key)

			relevant = true
		}
	}

	for _, id := range c.RemovedTargetIDs {
		if a.isActiveTarget(id) {
			deleteFromMapping(a.ensureTargetChange(id).Mapping, c.Key)

			relevant = true
		}
	}

	// A change that only touches inactive targets carries nothing to apply.
	if c.NewDoc != nil && relevant {
		a.documentUpdates = a.documentUpdates.Insert(c.Key, c.NewDoc)
	}
}

func addToMapping(m model.TargetMapping, key model.DocumentKey) {
	switch t := m.(type) {
	case *model.UpdateMapping:
		t.Add(key)
	case *model.ResetMapping:
		t.Add(key)
	}
}

func deleteFromMapping(m model.TargetMapping, key model.DocumentKey) {
	switch t := m.(type) {
	case *model.UpdateMapping:
		t.Delete(key)
	case *model.ResetMapping:
		t.Delete(key)
	}
}

func applyResumeToken(change *model.TargetChange, token []byte) {
	if len(token) > 0 {
		change.ResumeToken = token
	}
}

func (a *WatchChangeAggregator) addTargetChange(c *WatchTargetChange) {
	for _, id := range c.TargetIDs {
		change := a.ensureTargetChange(id)

		switch c.State {
		case WatchTargetNoChange:
			if a.isActiveTarget(id) {
				applyResumeToken(change, c.ResumeToken)
			}
		case WatchTargetAdded:
			a.recordTargetResponse(id)

			if _, pending := a.PendingTargetResponses[id]; !pending {
				// A re-added target starts over, e.g. after an existence
				// filter mismatch.
				change.Mapping = model.NewUpdateMapping()
				change.CurrentStatusUpdate = model.CurrentStatusNone
				delete(a.ExistenceFilters, id)
			}

			applyResumeToken(change, c.ResumeToken)
		case WatchTargetRemoved:
			a.recordTargetResponse(id)
			model.Assert(c.Cause == nil, "WatchChangeAggregator does not handle errored targets")
		case WatchTargetCurrent:
			if a.isActiveTarget(id) {
				change.CurrentStatusUpdate = model.CurrentStatusMarkCurrent
				applyResumeToken(change, c.ResumeToken)
			}
		case WatchTargetReset:
			if a.isActiveTarget(id) {
				change.Mapping = model.NewResetMapping()
				applyResumeToken(change, c.ResumeToken)
			}
		default:
			model.Fail("invalid target change state %d", int(c.State))
		}
	}
}

func (a *WatchChangeAggregator) recordTargetResponse(targetID int) {
	n := a.PendingTargetResponses[targetID] - 1
	if n == 0 {
		delete(a.PendingTargetResponses, targetID)
	} else {
		a.PendingTargetResponses[targetID] = n
	}
}
