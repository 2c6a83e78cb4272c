package local

import (
	"slices"

	"github.com/serroba/docsync/internal/model"
)

// GarbageSource is a holder of document references that can keep a
// document alive.
type GarbageSource interface {
	// SetGarbageCollector attaches gc, which is told about keys whose last
	// reference from this source went away. nil detaches.
	SetGarbageCollector(gc GarbageCollector)
	// ContainsKey reports whether the source references key.
	ContainsKey(txn *Txn, key model.DocumentKey) (bool, error)
}

// GarbageCollector decides which cached documents can be dropped.
type GarbageCollector interface {
	// IsEager reports whether collected documents are removed right away.
	// Query data of released targets is only dropped by eager collectors.
	IsEager() bool
	AddGarbageSource(s GarbageSource)
	RemoveGarbageSource(s GarbageSource)
	// AddPotentialGarbageKey flags key for the next collection.
	AddPotentialGarbageKey(key model.DocumentKey)
	// CollectGarbage returns the flagged keys that no source references
	// and clears the flags.
	CollectGarbage(txn *Txn) (model.DocumentKeySet, error)
}

// EagerGarbageCollector collects a document as soon as nothing references
// it. It is used when the cache is not durable.
type EagerGarbageCollector struct {
	sources          []GarbageSource
	potentialGarbage model.DocumentKeySet
}

// Ensure EagerGarbageCollector implements GarbageCollector.
var _ GarbageCollector = (*EagerGarbageCollector)(nil)

// NewEagerGarbageCollector creates a collector with no sources.
func NewEagerGarbageCollector() *EagerGarbageCollector {
	return &EagerGarbageCollector{potentialGarbage: model.NewDocumentKeySet()}
}

// IsEager implements GarbageCollector.
func (*EagerGarbageCollector) IsEager() bool { return true }

// AddGarbageSource implements GarbageCollector.
func (c *EagerGarbageCollector) AddGarbageSource(s GarbageSource) {
	c.sources = append(c.sources, s)
	s.SetGarbageCollector(c)
}

// RemoveGarbageSource implements GarbageCollector.
func (c *EagerGarbageCollector) RemoveGarbageSource(s GarbageSource) {
	c.sources = slices.DeleteFunc(c.sources, func(other GarbageSource) bool { return other == s })
	s.SetGarbageCollector(nil)
}

// AddPotentialGarbageKey implements GarbageCollector.
func (c *EagerGarbageCollector) AddPotentialGarbageKey(key model.DocumentKey) {
	c.potentialGarbage = c.potentialGarbage.Add(key)
}

// CollectGarbage implements GarbageCollector.
func (c *EagerGarbageCollector) CollectGarbage(txn *Txn) (model.DocumentKeySet, error) {
	garbage := model.NewDocumentKeySet()

	for key := range c.potentialGarbage.All() {
		referenced, err := c.hasAnyReferences(txn, key)
		if err != nil {
			return garbage, err
		}

		if !referenced {
			garbage = garbage.Add(key)
		}
	}

	c.potentialGarbage = model.NewDocumentKeySet()

	return garbage, nil
}

func (c *EagerGarbageCollector) hasAnyReferences(txn *Txn, key model.DocumentKey) (bool, error) {
	for _, s := range c.sources {
		ok, err := s.ContainsKey(txn, key)
		if err != nil || ok {
			return ok, err
		}
	}

	return false, nil
}

// NoOpGarbageCollector never collects. It is used with durable
// persistence, whose size is bounded by other means.
type NoOpGarbageCollector struct{}

// Ensure NoOpGarbageCollector implements GarbageCollector.
var _ GarbageCollector = NoOpGarbageCollector{}

// IsEager implements GarbageCollector.
func (NoOpGarbageCollector) IsEager() bool { return false }

// AddGarbageSource implements GarbageCollector.
func (NoOpGarbageCollector) AddGarbageSource(GarbageSource) {}

// RemoveGarbageSource implements GarbageCollector.
func (NoOpGarbageCollector) RemoveGarbageSource(GarbageSource) {}

// AddPotentialGarbageKey implements GarbageCollector.
func (NoOpGarbageCollector) AddPotentialGarbageKey(model.DocumentKey) {}

// CollectGarbage implements GarbageCollector.
func (NoOpGarbageCollector) CollectGarbage(*Txn) (model.DocumentKeySet, error) {
	return model.NewDocumentKeySet(), nil
}
