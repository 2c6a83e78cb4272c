package model

// TargetMapping describes how the set of keys matching a target changed.
// It is either a *ResetMapping or an *UpdateMapping.
type TargetMapping interface {
	// ApplyTo returns keys after the mapping.
	ApplyTo(keys DocumentKeySet) DocumentKeySet

	isTargetMapping()
}

// ResetMapping replaces the target's keys entirely.
type ResetMapping struct {
	Documents DocumentKeySet
}

// UpdateMapping adds and removes individual keys.
type UpdateMapping struct {
	AddedDocuments   DocumentKeySet
	RemovedDocuments DocumentKeySet
}

// NewResetMapping creates an empty reset mapping.
func NewResetMapping() *ResetMapping {
	return &ResetMapping{Documents: NewDocumentKeySet()}
}

// NewUpdateMapping creates an empty update mapping.
func NewUpdateMapping() *UpdateMapping {
	return &UpdateMapping{AddedDocuments: NewDocumentKeySet(), RemovedDocuments: NewDocumentKeySet()}
}

func (*ResetMapping) isTargetMapping()  {}
func (*UpdateMapping) isTargetMapping() {}

// Add records key as matching.
func (m *ResetMapping) Add(key DocumentKey) {
	m.Documents = m.Documents.Add(key)
}

// Delete records key as not matching.
func (m *ResetMapping) Delete(key DocumentKey) {
	m.Documents = m.Documents.Delete(key)
}

// ApplyTo implements TargetMapping.
func (m *ResetMapping) ApplyTo(DocumentKeySet) DocumentKeySet {
	return m.Documents
}

// Add records key as newly matching.
func (m *UpdateMapping) Add(key DocumentKey) {
	m.AddedDocuments = m.AddedDocuments.Add(key)
	m.RemovedDocuments = m.RemovedDocuments.Delete(key)
}

// Delete records key as no longer matching.
func (m *UpdateMapping) Delete(key DocumentKey) {
	m.AddedDocuments = m.AddedDocuments.Delete(key)
	m.RemovedDocuments = m.RemovedDocuments.Add(key)
}

// ApplyTo implements TargetMapping.
func (m *UpdateMapping) ApplyTo(keys DocumentKeySet) DocumentKeySet {
	for k := range m.AddedDocuments.All() {
		keys = keys.Add(k)
	}

	for k := range m.RemovedDocuments.All() {
		keys = keys.Delete(k)
	}

	return keys
}

// CurrentStatusUpdate signals whether a target became current or was reset.
type CurrentStatusUpdate int

// Current status updates.
const (
	CurrentStatusNone CurrentStatusUpdate = iota
	CurrentStatusMarkNotCurrent
	CurrentStatusMarkCurrent
)

// TargetChange is the change to one target in a RemoteEvent.
type TargetChange struct {
	Mapping             TargetMapping
	SnapshotVersion     SnapshotVersion
	CurrentStatusUpdate CurrentStatusUpdate
	ResumeToken         []byte
}

// RemoteEvent aggregates watch changes up to a consistent snapshot.
type RemoteEvent struct {
	SnapshotVersion SnapshotVersion
	TargetChanges   map[int]*TargetChange
	DocumentUpdates MaybeDocumentMap
}

// NewRemoteEvent creates an empty event at version.
func NewRemoteEvent(version SnapshotVersion) *RemoteEvent {
	return &RemoteEvent{
		SnapshotVersion: version,
		TargetChanges:   make(map[int]*TargetChange),
		DocumentUpdates: NewMaybeDocumentMap(),
	}
}

// AddDocumentUpdate records doc in the event.
func (e *RemoteEvent) AddDocumentUpdate(doc MaybeDocument) {
	e.DocumentUpdates = e.DocumentUpdates.Insert(doc.Key(), doc)
}

// HandleExistenceFilterMismatch resets target so the next snapshot resends
// every matching key.
func (e *RemoteEvent) HandleExistenceFilterMismatch(targetID int) {
	e.TargetChanges[targetID] = &TargetChange{
		Mapping:             NewResetMapping(),
		SnapshotVersion:     MinVersion,
		CurrentStatusUpdate: CurrentStatusMarkNotCurrent,
	}
}
