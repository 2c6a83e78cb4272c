package local

import (
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
)

// MemoryQueryCache keeps targets in a map keyed by canonical query id and
// matching keys in a ReferenceSet.
type MemoryQueryCache struct {
	targets                   map[string]*query.TargetData
	lastRemoteSnapshotVersion model.SnapshotVersion
	highestTargetID           int
	references                *ReferenceSet
}

// Ensure MemoryQueryCache implements QueryCache.
var _ QueryCache = (*MemoryQueryCache)(nil)

// NewMemoryQueryCache creates an empty cache.
func NewMemoryQueryCache() *MemoryQueryCache {
	return &MemoryQueryCache{
		targets:                   make(map[string]*query.TargetData),
		lastRemoteSnapshotVersion: model.MinVersion,
		references:                NewReferenceSet(),
	}
}

// Start implements QueryCache.
func (c *MemoryQueryCache) Start(*Txn) error {
	return nil
}

// HighestTargetID implements QueryCache.
func (c *MemoryQueryCache) HighestTargetID() int {
	return c.highestTargetID
}

// LastRemoteSnapshotVersion implements QueryCache.
func (c *MemoryQueryCache) LastRemoteSnapshotVersion() model.SnapshotVersion {
	return c.lastRemoteSnapshotVersion
}

// SetLastRemoteSnapshotVersion implements QueryCache.
func (c *MemoryQueryCache) SetLastRemoteSnapshotVersion(_ *Txn, version model.SnapshotVersion) error {
	c.lastRemoteSnapshotVersion = version

	return nil
}

// AddTargetData implements QueryCache.
func (c *MemoryQueryCache) AddTargetData(_ *Txn, data *query.TargetData) error {
	c.targets[data.Query.CanonicalID()] = data
	c.highestTargetID = max(c.highestTargetID, data.TargetID)

	return nil
}

// UpdateTargetData implements QueryCache.
func (c *MemoryQueryCache) UpdateTargetData(txn *Txn, data *query.TargetData) error {
	return c.AddTargetData(txn, data)
}

// RemoveTargetData implements QueryCache.
func (c *MemoryQueryCache) RemoveTargetData(_ *Txn, data *query.TargetData) error {
	delete(c.targets, data.Query.CanonicalID())
	c.references.RemoveReferencesForID(data.TargetID)

	return nil
}

// GetTargetData implements QueryCache.
func (c *MemoryQueryCache) GetTargetData(_ *Txn, q *query.Query) (*query.TargetData, error) {
	return c.targets[q.CanonicalID()], nil
}

// Count returns the number of cached targets.
func (c *MemoryQueryCache) Count() int {
	return len(c.targets)
}

// AddMatchingKeys implements QueryCache.
func (c *MemoryQueryCache) AddMatchingKeys(_ *Txn, keys model.DocumentKeySet, targetID int) error {
	c.references.AddReferences(keys, targetID)

	return nil
}

// RemoveMatchingKeys implements QueryCache.
func (c *MemoryQueryCache) RemoveMatchingKeys(_ *Txn, keys model.DocumentKeySet, targetID int) error {
	c.references.RemoveReferences(keys, targetID)

	return nil
}

// RemoveMatchingKeysForTargetID implements QueryCache.
func (c *MemoryQueryCache) RemoveMatchingKeysForTargetID(_ *Txn, targetID int) error {
	c.references.RemoveReferencesForID(targetID)

	return nil
}

// GetMatchingKeysForTargetID implements QueryCache.
func (c *MemoryQueryCache) GetMatchingKeysForTargetID(_ *Txn, targetID int) (model.DocumentKeySet, error) {
	return c.references.ReferencesForID(targetID), nil
}

// SetGarbageCollector implements GarbageSource.
func (c *MemoryQueryCache) SetGarbageCollector(gc GarbageCollector) {
	c.references.SetGarbageCollector(gc)
}

// ContainsKey implements GarbageSource.
func (c *MemoryQueryCache) ContainsKey(txn *Txn, key model.DocumentKey) (bool, error) {
	return c.references.ContainsKey(txn, key)
}
