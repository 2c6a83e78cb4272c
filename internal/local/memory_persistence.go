package local

import (
	"github.com/serroba/docsync/internal/auth"
	"github.com/serroba/docsync/internal/logging"
	"go.uber.org/zap"
)

// MemoryPersistence keeps all state in memory. Nothing survives a restart
// and transactions are not isolated; the async queue runs them one at a
// time.
type MemoryPersistence struct {
	log             *zap.Logger
	mutationQueues  map[string]*MemoryMutationQueue
	remoteDocuments *MemoryRemoteDocumentCache
	queryCache      *MemoryQueryCache
	started         bool
}

// Ensure MemoryPersistence implements Persistence.
var _ Persistence = (*MemoryPersistence)(nil)

// NewMemoryPersistence creates an empty persistence.
func NewMemoryPersistence(logger *zap.Logger) *MemoryPersistence {
	return &MemoryPersistence{
		log:             logging.OrNop(logger),
		mutationQueues:  make(map[string]*MemoryMutationQueue),
		remoteDocuments: NewMemoryRemoteDocumentCache(),
		queryCache:      NewMemoryQueryCache(),
	}
}

// Start implements Persistence.
func (p *MemoryPersistence) Start() error {
	p.started = true

	return nil
}

// Shutdown implements Persistence.
func (p *MemoryPersistence) Shutdown() error {
	p.started = false

	return nil
}

// GetMutationQueue implements Persistence. Each user has their own queue.
func (p *MemoryPersistence) GetMutationQueue(user auth.User) MutationQueue {
	q, ok := p.mutationQueues[user.Key()]
	if !ok {
		q = NewMemoryMutationQueue()
		p.mutationQueues[user.Key()] = q
	}

	return q
}

// GetQueryCache implements Persistence.
func (p *MemoryPersistence) GetQueryCache() QueryCache {
	return p.queryCache
}

// GetRemoteDocumentCache implements Persistence.
func (p *MemoryPersistence) GetRemoteDocumentCache() RemoteDocumentCache {
	return p.remoteDocuments
}

// RunTransaction implements Persistence.
func (p *MemoryPersistence) RunTransaction(action string, fn func(txn *Txn) error) error {
	if !p.started {
		return ErrNotStarted
	}

	p.log.Debug("StartingTransaction", zap.String("action", action))

	return fn(&Txn{action: action})
}
