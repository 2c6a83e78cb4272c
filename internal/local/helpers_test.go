package local_test

import (
	"path/filepath"
	"testing"

	"github.com/serroba/docsync/internal/local"
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/remote"
	"github.com/serroba/docsync/internal/storage"
	"github.com/stretchr/testify/require"
)

var testDB = model.NewDatabaseID("test-project")

// persistences returns a started persistence of every kind.
func persistences(t *testing.T) map[string]local.Persistence {
	t.Helper()

	return map[string]local.Persistence{
		"memory":    startMemoryPersistence(t),
		"kv-memory": startKvPersistence(t, storage.NewMemoryStore()),
		"kv-bolt":   startKvPersistence(t, openBolt(t, filepath.Join(t.TempDir(), "local.db"))),
	}
}

func startMemoryPersistence(t *testing.T) *local.MemoryPersistence {
	t.Helper()

	p := local.NewMemoryPersistence(nil)
	require.NoError(t, p.Start())

	return p
}

func openBolt(t *testing.T, path string) *storage.BoltStore {
	t.Helper()

	s, err := storage.OpenBolt(path, storage.BoltConfig{NoSync: true})
	require.NoError(t, err)

	return s
}

// startKvPersistence starts a persistence on store and shuts it down when
// the test ends.
func startKvPersistence(t *testing.T, store storage.Store) *local.KvPersistence {
	t.Helper()

	p := local.NewKvPersistence(local.KvPersistenceConfig{
		Store:      store,
		Serializer: newTestSerializer(),
	})
	require.NoError(t, p.Start())

	t.Cleanup(func() { _ = p.Shutdown() })

	return p
}

func newTestSerializer() *remote.Serializer {
	return remote.NewSerializer(testDB, false)
}

// garbageCollectorFor returns the collector a client would pair with p.
func garbageCollectorFor(p local.Persistence) local.GarbageCollector {
	if _, ok := p.(*local.MemoryPersistence); ok {
		return local.NewEagerGarbageCollector()
	}

	return local.NoOpGarbageCollector{}
}

func run(t *testing.T, p local.Persistence, fn func(txn *local.Txn) error) {
	t.Helper()

	require.NoError(t, p.RunTransaction("test", fn))
}

func doc(path string, micros int64, fields map[string]any) *model.Document {
	return model.NewDocument(model.KeyOf(path), model.VersionFromMicros(micros), model.MustObject(fields), false)
}

func setMutation(path string, fields map[string]any) model.Mutation {
	return model.NewSetMutation(model.KeyOf(path), model.MustObject(fields), model.PreconditionNone)
}

func keys(paths ...string) model.DocumentKeySet {
	ks := model.NewDocumentKeySet()
	for _, p := range paths {
		ks = ks.Add(model.KeyOf(p))
	}

	return ks
}

func keyStrings(ks model.DocumentKeySet) []string {
	out := make([]string, 0, ks.Len())
	for k := range ks.All() {
		out = append(out, k.String())
	}

	return out
}

func docKeyStrings(docs model.DocumentMap) []string {
	out := make([]string, 0, docs.Len())
	for k := range docs.Keys() {
		out = append(out, k.String())
	}

	return out
}

func batchIDs(batches []*model.MutationBatch) []int {
	out := make([]int, len(batches))
	for i, b := range batches {
		out[i] = b.BatchID
	}

	return out
}
