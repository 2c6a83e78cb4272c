// Package emulator is an in-process stand-in for the document backend. It
// serves the commit and batchGet RPCs and the listen and write streams the
// remote package speaks, over HTTP and WebSockets.
package emulator

import (
	"slices"
	"sync"
	"time"

	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"github.com/serroba/docsync/internal/remote"
)

// Backend holds the authoritative documents. Commits are atomic and every
// commit gets a version later than all versions handed out before.
type Backend struct {
	mu      sync.RWMutex
	docs    model.DocumentMap
	version model.SnapshotVersion
	clock   func() time.Time
}

// NewBackend creates an empty backend.
func NewBackend() *Backend {
	return newBackend(time.Now)
}

func newBackend(clock func() time.Time) *Backend {
	return &Backend{
		docs:    model.NewDocumentMap(),
		version: model.VersionFromMicros(clock().UnixMicro()),
		clock:   clock,
	}
}

// nextVersion must be called with mu held.
func (b *Backend) nextVersion() model.SnapshotVersion {
	micros := b.clock().UnixMicro()
	if last := b.version.Micros(); micros <= last {
		micros = last + 1
	}

	return model.VersionFromMicros(micros)
}

// Snapshot returns the current documents and the version they reflect.
func (b *Backend) Snapshot() (model.DocumentMap, model.SnapshotVersion) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.docs, b.version
}

// Commit applies mutations atomically. Either all of them are applied at
// the returned commit version or none is.
func (b *Backend) Commit(mutations []model.Mutation) (model.SnapshotVersion, []model.MutationResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	commitVersion := b.nextVersion()
	docs := b.docs
	results := make([]model.MutationResult, len(mutations))

	for i, m := range mutations {
		key := m.Key()

		var current model.MaybeDocument
		if d, ok := docs.Get(key); ok {
			current = d
		}

		if err := checkPrecondition(m.Precondition(), key, current); err != nil {
			return model.SnapshotVersion{}, nil, err
		}

		if _, ok := m.(*model.DeleteMutation); ok {
			docs = docs.Remove(key)

			continue
		}

		var result model.MutationResult

		if t, ok := m.(*model.TransformMutation); ok {
			result.TransformResults = make([]model.Value, len(t.FieldTransforms()))
			for j := range result.TransformResults {
				result.TransformResults[j] = model.TimestampValue{Timestamp: commitVersion.Timestamp()}
			}
		} else {
			result.Version = &commitVersion
		}

		applied, ok := m.ApplyToRemoteDocument(current, result).(*model.Document)
		model.Assert(ok, "mutation %s did not produce a document", m)

		docs = docs.Insert(key, model.NewDocument(key, commitVersion, applied.Data(), false))
		result.Version = &commitVersion
		results[i] = result
	}

	b.docs = docs
	b.version = commitVersion

	return commitVersion, results, nil
}

func checkPrecondition(p model.Precondition, key model.DocumentKey, current model.MaybeDocument) error {
	if p.IsValidFor(current) {
		return nil
	}

	if exists, ok := p.Exists(); ok {
		if exists {
			return remote.NewError(remote.NotFound, "no document to update: %s", key)
		}

		return remote.NewError(remote.AlreadyExists, "document already exists: %s", key)
	}

	return remote.NewError(remote.FailedPrecondition, "document %s was modified", key)
}

// Lookup returns the state of keys in the order given. Missing documents
// are NoDocuments at the read version.
func (b *Backend) Lookup(keys []model.DocumentKey) ([]model.MaybeDocument, model.SnapshotVersion) {
	docs, version := b.Snapshot()

	out := make([]model.MaybeDocument, len(keys))

	for i, key := range keys {
		if d, ok := docs.Get(key); ok {
			out[i] = d
		} else {
			out[i] = model.NewNoDocument(key, version)
		}
	}

	return out, version
}

// RunQuery returns the documents matching q in query order.
func (b *Backend) RunQuery(q *query.Query) ([]*model.Document, model.SnapshotVersion) {
	docs, version := b.Snapshot()

	return runQuery(docs, q), version
}

func runQuery(docs model.DocumentMap, q *query.Query) []*model.Document {
	if q.IsDocumentQuery() {
		if d, ok := docs.Get(model.NewDocumentKey(q.Path)); ok {
			return []*model.Document{d}
		}

		return nil
	}

	var out []*model.Document

	for _, d := range docs.All() {
		if q.Matches(d) {
			out = append(out, d)
		}
	}

	slices.SortFunc(out, q.Compare)

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}

	return out
}
