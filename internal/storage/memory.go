package storage

import (
	"bytes"
	"sync"

	"github.com/tidwall/btree"
)

type item struct {
	key   []byte
	value []byte
}

func lessItem(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// MemoryStore is an in-memory implementation of the Store interface.
// Transactions work on copy-on-write snapshots of the tree.
// Useful for testing and development.
type MemoryStore struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tree   *btree.BTreeG[item]
	writer bool
	closed bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		tree: btree.NewBTreeG(lessItem),
	}
	s.cond = sync.NewCond(&s.mu)

	return s
}

// Begin starts a transaction on a snapshot of the current state.
func (s *MemoryStore) Begin(writable bool) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}

		if s.closed {
			return nil, ErrStoreClosed
		}

		s.writer = true
	}

	return &memoryTx{
		store:    s,
		tree:     s.tree.Copy(),
		writable: writable,
	}, nil
}

// Close closes the store and wakes any pending writers.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.cond.Broadcast()

	return nil
}

type memoryTx struct {
	store    *MemoryStore
	tree     *btree.BTreeG[item]
	writable bool
	done     bool
}

func (tx *memoryTx) Get(key []byte) ([]byte, error) {
	if tx.done {
		return nil, ErrTxClosed
	}

	it, ok := tx.tree.Get(item{key: key})
	if !ok {
		return nil, ErrKeyNotFound
	}

	return bytes.Clone(it.value), nil
}

func (tx *memoryTx) Put(key, value []byte) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}

	tx.tree.Set(item{key: bytes.Clone(key), value: bytes.Clone(value)})

	return nil
}

func (tx *memoryTx) Delete(key []byte) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}

	tx.tree.Delete(item{key: key})

	return nil
}

func (tx *memoryTx) Iterate(lowerBound []byte, fn IterateFunc) error {
	if tx.done {
		return ErrTxClosed
	}

	var iterErr error

	tx.tree.Ascend(item{key: lowerBound}, func(it item) bool {
		stop, err := fn(bytes.Clone(it.key), bytes.Clone(it.value))
		if err != nil {
			iterErr = err

			return false
		}

		return !stop
	})

	return iterErr
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return ErrTxClosed
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	tx.done = true

	if !tx.writable {
		return nil
	}

	if tx.store.closed {
		tx.releaseLocked()

		return ErrStoreClosed
	}

	tx.store.tree = tx.tree
	tx.releaseLocked()

	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	tx.done = true

	if tx.writable {
		tx.releaseLocked()
	}

	return nil
}

func (tx *memoryTx) releaseLocked() {
	tx.store.writer = false
	tx.store.cond.Broadcast()
}

func (tx *memoryTx) checkWritable() error {
	if tx.done {
		return ErrTxClosed
	}

	if !tx.writable {
		return ErrTxNotWritable
	}

	return nil
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
