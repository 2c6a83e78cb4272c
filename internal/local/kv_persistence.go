package local

import (
	"fmt"

	"github.com/serroba/docsync/internal/auth"
	"github.com/serroba/docsync/internal/logging"
	"github.com/serroba/docsync/internal/remote"
	"github.com/serroba/docsync/internal/storage"
	"go.uber.org/zap"
)

// KvPersistenceConfig holds configuration for KvPersistence.
type KvPersistenceConfig struct {
	// Store is owned by the persistence and closed on Shutdown.
	Store      storage.Store
	Serializer *remote.Serializer
	Logger     *zap.Logger
}

// KvPersistence keeps all state in an ordered key-value store, so pending
// writes and cached documents survive restarts.
type KvPersistence struct {
	store      storage.Store
	serializer *LocalSerializer
	log        *zap.Logger

	remoteDocuments *kvRemoteDocumentCache
	queryCache      *kvQueryCache
	started         bool
}

// Ensure KvPersistence implements Persistence.
var _ Persistence = (*KvPersistence)(nil)

// NewKvPersistence creates a persistence on cfg.Store.
func NewKvPersistence(cfg KvPersistenceConfig) *KvPersistence {
	serializer := NewLocalSerializer(cfg.Serializer)

	return &KvPersistence{
		store:           cfg.Store,
		serializer:      serializer,
		log:             logging.OrNop(cfg.Logger),
		remoteDocuments: &kvRemoteDocumentCache{serializer: serializer},
		queryCache:      newKvQueryCache(serializer),
	}
}

// Start checks the schema version of the store, writing it on first use.
// Data written by a newer schema yields ErrUnsupported.
func (p *KvPersistence) Start() error {
	tx, err := p.store.Begin(true)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var schema dbSchema

	found, err := getRecord(tx, schemaKey(), &schema)
	if err != nil {
		return err
	}

	switch {
	case !found:
		p.log.Info("CreatingSchema", zap.Int("version", schemaVersion))

		if err := putRecord(tx, schemaKey(), dbSchema{Version: schemaVersion}); err != nil {
			return err
		}
	case schema.Version > schemaVersion:
		return fmt.Errorf("%w: schema version %d is newer than %d", ErrUnsupported, schema.Version, schemaVersion)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	p.started = true

	return nil
}

// Shutdown closes the store.
func (p *KvPersistence) Shutdown() error {
	p.started = false

	return p.store.Close()
}

// GetMutationQueue implements Persistence.
func (p *KvPersistence) GetMutationQueue(user auth.User) MutationQueue {
	return newKvMutationQueue(user.Key(), p.serializer)
}

// GetQueryCache implements Persistence.
func (p *KvPersistence) GetQueryCache() QueryCache {
	return p.queryCache
}

// GetRemoteDocumentCache implements Persistence.
func (p *KvPersistence) GetRemoteDocumentCache() RemoteDocumentCache {
	return p.remoteDocuments
}

// RunTransaction runs fn in a writable storage transaction.
func (p *KvPersistence) RunTransaction(action string, fn func(txn *Txn) error) error {
	if !p.started {
		return ErrNotStarted
	}

	p.log.Debug("StartingTransaction", zap.String("action", action))

	tx, err := p.store.Begin(true)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Txn{action: action, tx: tx}); err != nil {
		return err
	}

	return tx.Commit()
}
