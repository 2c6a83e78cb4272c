package local

import (
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
)

// kvQueryCache stores targets under their id, indexed by canonical id, and
// their matching keys in both directions: (targetID, key) to list a
// target's keys and (key, targetID) to find whether any target holds a key.
type kvQueryCache struct {
	serializer *LocalSerializer
	gc         GarbageCollector

	// global is loaded by Start and written through.
	global                    dbTargetGlobal
	lastRemoteSnapshotVersion model.SnapshotVersion
}

// Ensure kvQueryCache implements QueryCache.
var _ QueryCache = (*kvQueryCache)(nil)

func newKvQueryCache(serializer *LocalSerializer) *kvQueryCache {
	return &kvQueryCache{serializer: serializer, lastRemoteSnapshotVersion: model.MinVersion}
}

func (c *kvQueryCache) Start(txn *Txn) error {
	found, err := getRecord(txn.kv(), targetGlobalKey(), &c.global)
	if err != nil {
		return err
	}

	if !found {
		c.global = dbTargetGlobal{LastRemoteSnapshotVersion: c.serializer.remote.ToVersion(model.MinVersion)}

		return putRecord(txn.kv(), targetGlobalKey(), c.global)
	}

	c.lastRemoteSnapshotVersion, err = c.serializer.remote.FromVersion(c.global.LastRemoteSnapshotVersion)

	return err
}

func (c *kvQueryCache) HighestTargetID() int {
	return c.global.HighestTargetID
}

func (c *kvQueryCache) LastRemoteSnapshotVersion() model.SnapshotVersion {
	return c.lastRemoteSnapshotVersion
}

func (c *kvQueryCache) SetLastRemoteSnapshotVersion(txn *Txn, version model.SnapshotVersion) error {
	c.lastRemoteSnapshotVersion = version
	c.global.LastRemoteSnapshotVersion = c.serializer.remote.ToVersion(version)

	return putRecord(txn.kv(), targetGlobalKey(), c.global)
}

func (c *kvQueryCache) AddTargetData(txn *Txn, data *query.TargetData) error {
	if err := c.saveTargetData(txn, data); err != nil {
		return err
	}

	if data.TargetID <= c.global.HighestTargetID {
		return nil
	}

	c.global.HighestTargetID = data.TargetID

	return putRecord(txn.kv(), targetGlobalKey(), c.global)
}

func (c *kvQueryCache) UpdateTargetData(txn *Txn, data *query.TargetData) error {
	return c.saveTargetData(txn, data)
}

func (c *kvQueryCache) saveTargetData(txn *Txn, data *query.TargetData) error {
	record, err := c.serializer.EncodeTargetData(data)
	if err != nil {
		return err
	}

	tx := txn.kv()
	if err := tx.Put(targetKey(data.TargetID), record); err != nil {
		return err
	}

	return tx.Put(queryTargetKey(data.Query.CanonicalID(), data.TargetID), sentinel)
}

func (c *kvQueryCache) RemoveTargetData(txn *Txn, data *query.TargetData) error {
	if err := c.RemoveMatchingKeysForTargetID(txn, data.TargetID); err != nil {
		return err
	}

	tx := txn.kv()
	if err := tx.Delete(targetKey(data.TargetID)); err != nil {
		return err
	}

	return tx.Delete(queryTargetKey(data.Query.CanonicalID(), data.TargetID))
}

// GetTargetData looks up the targets sharing q's canonical id and returns
// the one whose query equals q.
func (c *kvQueryCache) GetTargetData(txn *Txn, q *query.Query) (*query.TargetData, error) {
	var ids []int

	err := scanPrefix(txn.kv(), queryTargetsPrefix(q.CanonicalID()), func(rest, _ []byte) (bool, error) {
		if id, ok := decodeID(rest); ok {
			ids = append(ids, id)
		}

		return false, nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		record, err := txn.kv().Get(targetKey(id))
		if err != nil {
			return nil, err
		}

		data, err := c.serializer.DecodeTargetData(record)
		if err != nil {
			return nil, err
		}

		if data.Query.Equal(q) {
			return data, nil
		}
	}

	return nil, nil
}

func (c *kvQueryCache) AddMatchingKeys(txn *Txn, keys model.DocumentKeySet, targetID int) error {
	tx := txn.kv()

	for key := range keys.All() {
		segments, err := marshal(key.Path().Segments())
		if err != nil {
			return err
		}

		if err := tx.Put(targetDocumentKey(targetID, key), segments); err != nil {
			return err
		}

		if err := tx.Put(documentTargetKey(key, targetID), sentinel); err != nil {
			return err
		}
	}

	return nil
}

func (c *kvQueryCache) RemoveMatchingKeys(txn *Txn, keys model.DocumentKeySet, targetID int) error {
	tx := txn.kv()

	for key := range keys.All() {
		if err := tx.Delete(targetDocumentKey(targetID, key)); err != nil {
			return err
		}

		if err := tx.Delete(documentTargetKey(key, targetID)); err != nil {
			return err
		}

		if c.gc != nil {
			c.gc.AddPotentialGarbageKey(key)
		}
	}

	return nil
}

func (c *kvQueryCache) RemoveMatchingKeysForTargetID(txn *Txn, targetID int) error {
	keys, err := c.GetMatchingKeysForTargetID(txn, targetID)
	if err != nil {
		return err
	}

	return c.RemoveMatchingKeys(txn, keys, targetID)
}

func (c *kvQueryCache) GetMatchingKeysForTargetID(txn *Txn, targetID int) (model.DocumentKeySet, error) {
	keys := model.NewDocumentKeySet()

	err := scanPrefix(txn.kv(), targetDocumentsPrefix(targetID), func(_, value []byte) (bool, error) {
		var segments []string
		if err := unmarshal(value, &segments); err != nil {
			return true, err
		}

		keys = keys.Add(model.KeyFromSegments(segments...))

		return false, nil
	})

	return keys, err
}

func (c *kvQueryCache) SetGarbageCollector(gc GarbageCollector) {
	c.gc = gc
}

func (c *kvQueryCache) ContainsKey(txn *Txn, key model.DocumentKey) (bool, error) {
	found := false

	err := scanPrefix(txn.kv(), documentTargetsPrefix(key), func(rest, _ []byte) (bool, error) {
		_, found = decodeID(rest)

		return found, nil
	})

	return found, err
}
