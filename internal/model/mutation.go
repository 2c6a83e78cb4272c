package model

import (
	"fmt"
	"slices"
	"strings"
)

// Precondition guards a mutation on the state of its target document.
// The zero value is PreconditionNone.
type Precondition struct {
	updateTime *SnapshotVersion
	exists     *bool
}

// PreconditionNone places no requirement on the document.
var PreconditionNone = Precondition{}

// PreconditionExists requires the document to exist (or not).
func PreconditionExists(exists bool) Precondition {
	return Precondition{exists: &exists}
}

// PreconditionUpdateTime requires the document to be at version.
func PreconditionUpdateTime(version SnapshotVersion) Precondition {
	return Precondition{updateTime: &version}
}

// IsNone reports whether the precondition is empty.
func (p Precondition) IsNone() bool {
	return p.updateTime == nil && p.exists == nil
}

// UpdateTime returns the required version, if any.
func (p Precondition) UpdateTime() (SnapshotVersion, bool) {
	if p.updateTime == nil {
		return SnapshotVersion{}, false
	}

	return *p.updateTime, true
}

// Exists returns the required existence, if any.
func (p Precondition) Exists() (exists, ok bool) {
	if p.exists == nil {
		return false, false
	}

	return *p.exists, true
}

// IsValidFor reports whether doc satisfies the precondition. A nil doc is
// treated as absent.
func (p Precondition) IsValidFor(doc MaybeDocument) bool {
	switch {
	case p.updateTime != nil:
		d, ok := doc.(*Document)

		return ok && d.Version().Equal(*p.updateTime)
	case p.exists != nil:
		if *p.exists {
			_, ok := doc.(*Document)

			return ok
		}

		return doc == nil || !doc.Exists()
	default:
		return true
	}
}

// Equal reports whether both preconditions are identical.
func (p Precondition) Equal(other Precondition) bool {
	switch {
	case p.updateTime != nil || other.updateTime != nil:
		return p.updateTime != nil && other.updateTime != nil && p.updateTime.Equal(*other.updateTime)
	case p.exists != nil || other.exists != nil:
		return p.exists != nil && other.exists != nil && *p.exists == *other.exists
	default:
		return true
	}
}

func (p Precondition) String() string {
	switch {
	case p.updateTime != nil:
		return "Precondition(updateTime=" + p.updateTime.String() + ")"
	case p.exists != nil:
		return fmt.Sprintf("Precondition(exists=%t)", *p.exists)
	default:
		return "Precondition(none)"
	}
}

// FieldMask lists the fields a patch touches.
type FieldMask struct {
	Fields []FieldPath
}

// NewFieldMask creates a mask over the dotted field paths.
func NewFieldMask(paths ...string) FieldMask {
	fields := make([]FieldPath, len(paths))
	for i, p := range paths {
		fields[i] = ParseFieldPath(p)
	}

	return FieldMask{Fields: fields}
}

// Equal reports whether both masks list the same fields in the same order.
func (m FieldMask) Equal(other FieldMask) bool {
	return slices.EqualFunc(m.Fields, other.Fields, FieldPath.Equal)
}

// FieldTransform applies a server side transformation to one field.
// The only supported transformation is setting the server request time.
type FieldTransform struct {
	Field FieldPath
}

// MutationResult is the server's answer for one mutation.
type MutationResult struct {
	// Version is the commit version of the document. Nil for deletes.
	Version *SnapshotVersion
	// TransformResults holds one value per field transform.
	TransformResults []Value
}

// Mutation is an intended write against a single document. Variants are
// *SetMutation, *PatchMutation, *DeleteMutation and *TransformMutation.
type Mutation interface {
	Key() DocumentKey
	Precondition() Precondition

	// ApplyToRemoteDocument applies the acknowledged mutation to doc, which
	// may be nil if the document is unknown.
	ApplyToRemoteDocument(doc MaybeDocument, result MutationResult) MaybeDocument

	// ApplyToLocalView applies the pending mutation to doc for the local
	// view. The result may be nil when doc was nil and the mutation did not
	// apply.
	ApplyToLocalView(doc MaybeDocument, localWriteTime Timestamp) MaybeDocument

	Equal(other Mutation) bool
	String() string

	isMutation()
}

func verifyKey(m Mutation, doc MaybeDocument) {
	if doc != nil {
		Assert(doc.Key().Equal(m.Key()), "can only apply a mutation to a document with the same key")
	}
}

// postMutationVersion is the version a document gets after a local write:
// the existing version for documents, MinVersion otherwise.
func postMutationVersion(doc MaybeDocument) SnapshotVersion {
	if d, ok := doc.(*Document); ok {
		return d.Version()
	}

	return MinVersion
}

// SetMutation replaces the whole document.
type SetMutation struct {
	key          DocumentKey
	value        ObjectValue
	precondition Precondition
}

// NewSetMutation creates a set of value at key.
func NewSetMutation(key DocumentKey, value ObjectValue, precondition Precondition) *SetMutation {
	return &SetMutation{key: key, value: value.ensure(), precondition: precondition}
}

func (*SetMutation) isMutation() {}

// Key implements Mutation.
func (m *SetMutation) Key() DocumentKey { return m.key }

// Precondition implements Mutation.
func (m *SetMutation) Precondition() Precondition { return m.precondition }

// Value returns the new document contents.
func (m *SetMutation) Value() ObjectValue { return m.value }

// ApplyToRemoteDocument implements Mutation.
func (m *SetMutation) ApplyToRemoteDocument(doc MaybeDocument, result MutationResult) MaybeDocument {
	verifyKey(m, doc)
	Assert(result.TransformResults == nil, "transform results received by SetMutation")
	Assert(result.Version != nil, "set acknowledged without a version")

	return NewDocument(m.key, *result.Version, m.value, false)
}

// ApplyToLocalView implements Mutation.
func (m *SetMutation) ApplyToLocalView(doc MaybeDocument, _ Timestamp) MaybeDocument {
	verifyKey(m, doc)

	if !m.precondition.IsValidFor(doc) {
		return doc
	}

	return NewDocument(m.key, postMutationVersion(doc), m.value, true)
}

// Equal implements Mutation.
func (m *SetMutation) Equal(other Mutation) bool {
	o, ok := other.(*SetMutation)

	return ok && m.key.Equal(o.key) && m.value.Equal(o.value) && m.precondition.Equal(o.precondition)
}

func (m *SetMutation) String() string {
	return fmt.Sprintf("SetMutation(%s, %s, %s)", m.key, m.value, m.precondition)
}

// PatchMutation merges the masked fields of value into the document. Fields
// in the mask but absent from value are deleted.
type PatchMutation struct {
	key          DocumentKey
	value        ObjectValue
	mask         FieldMask
	precondition Precondition
}

// NewPatchMutation creates a patch of the masked fields at key.
func NewPatchMutation(key DocumentKey, value ObjectValue, mask FieldMask, precondition Precondition) *PatchMutation {
	return &PatchMutation{key: key, value: value.ensure(), mask: mask, precondition: precondition}
}

func (*PatchMutation) isMutation() {}

// Key implements Mutation.
func (m *PatchMutation) Key() DocumentKey { return m.key }

// Precondition implements Mutation.
func (m *PatchMutation) Precondition() Precondition { return m.precondition }

// Value returns the patch contents.
func (m *PatchMutation) Value() ObjectValue { return m.value }

// Mask returns the fields the patch touches.
func (m *PatchMutation) Mask() FieldMask { return m.mask }

// ApplyToRemoteDocument implements Mutation.
func (m *PatchMutation) ApplyToRemoteDocument(doc MaybeDocument, result MutationResult) MaybeDocument {
	verifyKey(m, doc)
	Assert(result.TransformResults == nil, "transform results received by PatchMutation")

	// The patch was applied on the server but the precondition does not
	// hold locally, so keep the unmodified document.
	if !m.precondition.IsValidFor(doc) {
		return doc
	}

	Assert(result.Version != nil, "patch acknowledged without a version")

	return NewDocument(m.key, *result.Version, m.patchDocument(doc), false)
}

// ApplyToLocalView implements Mutation.
func (m *PatchMutation) ApplyToLocalView(doc MaybeDocument, _ Timestamp) MaybeDocument {
	verifyKey(m, doc)

	if !m.precondition.IsValidFor(doc) {
		return doc
	}

	return NewDocument(m.key, postMutationVersion(doc), m.patchDocument(doc), true)
}

func (m *PatchMutation) patchDocument(doc MaybeDocument) ObjectValue {
	data := EmptyObject()
	if d, ok := doc.(*Document); ok {
		data = d.Data()
	}

	for _, path := range m.mask.Fields {
		if v, ok := m.value.Field(path); ok {
			data = data.Set(path, v)
		} else {
			data = data.Delete(path)
		}
	}

	return data
}

// Equal implements Mutation.
func (m *PatchMutation) Equal(other Mutation) bool {
	o, ok := other.(*PatchMutation)

	return ok && m.key.Equal(o.key) && m.value.Equal(o.value) &&
		m.mask.Equal(o.mask) && m.precondition.Equal(o.precondition)
}

func (m *PatchMutation) String() string {
	fields := make([]string, len(m.mask.Fields))
	for i, f := range m.mask.Fields {
		fields[i] = f.CanonicalString()
	}

	return fmt.Sprintf("PatchMutation(%s, %s, mask=[%s], %s)",
		m.key, m.value, strings.Join(fields, ","), m.precondition)
}

// TransformMutation replaces fields with server computed values. Locally the
// fields hold ServerTimestampValue placeholders until acknowledgment.
type TransformMutation struct {
	key        DocumentKey
	transforms []FieldTransform
}

// NewTransformMutation creates a server timestamp transform at key. The
// document must exist.
func NewTransformMutation(key DocumentKey, transforms []FieldTransform) *TransformMutation {
	return &TransformMutation{key: key, transforms: slices.Clone(transforms)}
}

func (*TransformMutation) isMutation() {}

// Key implements Mutation.
func (m *TransformMutation) Key() DocumentKey { return m.key }

// Precondition implements Mutation. Transforms always require existence.
func (m *TransformMutation) Precondition() Precondition { return PreconditionExists(true) }

// FieldTransforms returns the transformed fields.
func (m *TransformMutation) FieldTransforms() []FieldTransform {
	return slices.Clone(m.transforms)
}

// ApplyToRemoteDocument implements Mutation.
func (m *TransformMutation) ApplyToRemoteDocument(doc MaybeDocument, result MutationResult) MaybeDocument {
	verifyKey(m, doc)
	Assert(result.TransformResults != nil, "transform results missing for TransformMutation")

	if !m.Precondition().IsValidFor(doc) {
		return doc
	}

	d := requireDocument(doc)
	Assert(len(result.TransformResults) == len(m.transforms),
		"server returned %d transform results for %d transforms", len(result.TransformResults), len(m.transforms))

	return NewDocument(m.key, d.Version(), m.transformObject(d.Data(), result.TransformResults), false)
}

// ApplyToLocalView implements Mutation.
func (m *TransformMutation) ApplyToLocalView(doc MaybeDocument, localWriteTime Timestamp) MaybeDocument {
	verifyKey(m, doc)

	if !m.Precondition().IsValidFor(doc) {
		return doc
	}

	d := requireDocument(doc)

	results := make([]Value, len(m.transforms))
	for i := range m.transforms {
		results[i] = ServerTimestampValue{LocalWriteTime: localWriteTime}
	}

	return NewDocument(m.key, d.Version(), m.transformObject(d.Data(), results), true)
}

func (m *TransformMutation) transformObject(data ObjectValue, results []Value) ObjectValue {
	for i, t := range m.transforms {
		data = data.Set(t.Field, results[i])
	}

	return data
}

func requireDocument(doc MaybeDocument) *Document {
	d, ok := doc.(*Document)
	Assert(ok, "unknown MaybeDocument type %T", doc)

	return d
}

// Equal implements Mutation.
func (m *TransformMutation) Equal(other Mutation) bool {
	o, ok := other.(*TransformMutation)

	return ok && m.key.Equal(o.key) && slices.EqualFunc(m.transforms, o.transforms,
		func(a, b FieldTransform) bool { return a.Field.Equal(b.Field) })
}

func (m *TransformMutation) String() string {
	return fmt.Sprintf("TransformMutation(%s, %d transforms)", m.key, len(m.transforms))
}

// DeleteMutation deletes the document.
type DeleteMutation struct {
	key          DocumentKey
	precondition Precondition
}

// NewDeleteMutation creates a delete of key.
func NewDeleteMutation(key DocumentKey, precondition Precondition) *DeleteMutation {
	return &DeleteMutation{key: key, precondition: precondition}
}

func (*DeleteMutation) isMutation() {}

// Key implements Mutation.
func (m *DeleteMutation) Key() DocumentKey { return m.key }

// Precondition implements Mutation.
func (m *DeleteMutation) Precondition() Precondition { return m.precondition }

// ApplyToRemoteDocument implements Mutation.
func (m *DeleteMutation) ApplyToRemoteDocument(doc MaybeDocument, result MutationResult) MaybeDocument {
	verifyKey(m, doc)
	Assert(result.TransformResults == nil, "transform results received by DeleteMutation")

	// The server accepted the delete, so its precondition held.
	return NewNoDocument(m.key, MinVersion)
}

// ApplyToLocalView implements Mutation.
func (m *DeleteMutation) ApplyToLocalView(doc MaybeDocument, _ Timestamp) MaybeDocument {
	verifyKey(m, doc)

	if !m.precondition.IsValidFor(doc) {
		return doc
	}

	return NewNoDocument(m.key, ForDeletedDoc())
}

// Equal implements Mutation.
func (m *DeleteMutation) Equal(other Mutation) bool {
	o, ok := other.(*DeleteMutation)

	return ok && m.key.Equal(o.key) && m.precondition.Equal(o.precondition)
}

func (m *DeleteMutation) String() string {
	return fmt.Sprintf("DeleteMutation(%s, %s)", m.key, m.precondition)
}

// Ensure all variants implement Mutation.
var (
	_ Mutation = (*SetMutation)(nil)
	_ Mutation = (*PatchMutation)(nil)
	_ Mutation = (*TransformMutation)(nil)
	_ Mutation = (*DeleteMutation)(nil)
)
