package model

import "fmt"

// MaybeDocument is either a *Document or a *NoDocument.
type MaybeDocument interface {
	Key() DocumentKey
	Version() SnapshotVersion
	// Exists reports whether this is a *Document.
	Exists() bool
	// HasLocalMutations reports whether pending writes shaped this state.
	HasLocalMutations() bool
	Equal(other MaybeDocument) bool
	String() string

	isMaybeDocument()
}

// Document is a document known to exist at a version.
type Document struct {
	key               DocumentKey
	version           SnapshotVersion
	data              ObjectValue
	hasLocalMutations bool
}

// NewDocument creates a document.
func NewDocument(key DocumentKey, version SnapshotVersion, data ObjectValue, hasLocalMutations bool) *Document {
	return &Document{
		key:               key,
		version:           version,
		data:              data.ensure(),
		hasLocalMutations: hasLocalMutations,
	}
}

func (*Document) isMaybeDocument() {}

// Key implements MaybeDocument.
func (d *Document) Key() DocumentKey { return d.key }

// Version implements MaybeDocument.
func (d *Document) Version() SnapshotVersion { return d.version }

// Exists implements MaybeDocument.
func (d *Document) Exists() bool { return true }

// HasLocalMutations implements MaybeDocument.
func (d *Document) HasLocalMutations() bool { return d.hasLocalMutations }

// Data returns the document fields.
func (d *Document) Data() ObjectValue { return d.data }

// Field returns the value at path.
func (d *Document) Field(path FieldPath) (Value, bool) {
	return d.data.Field(path)
}

// Equal implements MaybeDocument.
func (d *Document) Equal(other MaybeDocument) bool {
	o, ok := other.(*Document)
	if !ok || o == nil {
		return false
	}

	return d.key.Equal(o.key) &&
		d.version.Equal(o.version) &&
		d.hasLocalMutations == o.hasLocalMutations &&
		d.data.Equal(o.data)
}

func (d *Document) String() string {
	return fmt.Sprintf("Document(%s, %s, %s, {hasLocalMutations: %t})",
		d.key, d.version, d.data, d.hasLocalMutations)
}

// NoDocument records that a document does not exist at a version.
type NoDocument struct {
	key     DocumentKey
	version SnapshotVersion
}

// NewNoDocument creates a tombstone.
func NewNoDocument(key DocumentKey, version SnapshotVersion) *NoDocument {
	return &NoDocument{key: key, version: version}
}

func (*NoDocument) isMaybeDocument() {}

// Key implements MaybeDocument.
func (d *NoDocument) Key() DocumentKey { return d.key }

// Version implements MaybeDocument.
func (d *NoDocument) Version() SnapshotVersion { return d.version }

// Exists implements MaybeDocument.
func (d *NoDocument) Exists() bool { return false }

// HasLocalMutations implements MaybeDocument.
func (d *NoDocument) HasLocalMutations() bool { return false }

// Equal implements MaybeDocument.
func (d *NoDocument) Equal(other MaybeDocument) bool {
	o, ok := other.(*NoDocument)
	if !ok || o == nil {
		return false
	}

	return d.key.Equal(o.key) && d.version.Equal(o.version)
}

func (d *NoDocument) String() string {
	return fmt.Sprintf("NoDocument(%s, %s)", d.key, d.version)
}

// Ensure both variants implement MaybeDocument.
var (
	_ MaybeDocument = (*Document)(nil)
	_ MaybeDocument = (*NoDocument)(nil)
)

// EqualMaybeDocuments compares two possibly nil documents.
func EqualMaybeDocuments(a, b MaybeDocument) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return a.Equal(b)
}
