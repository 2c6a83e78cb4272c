package storage

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var rootBucket = []byte("docsync")

// BoltConfig holds configuration for a BoltStore.
type BoltConfig struct {
	// Timeout bounds how long Open waits for the file lock held by another
	// process before failing with ErrLocked.
	Timeout time.Duration

	// NoSync skips fsync after each commit. Only for tests.
	NoSync bool
}

// DefaultBoltConfig returns sensible defaults.
func DefaultBoltConfig() BoltConfig {
	return BoltConfig{
		Timeout: time.Second,
	}
}

// BoltStore is a Store backed by a single bbolt file.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the store file at path.
// If another process has the file open, OpenBolt returns ErrLocked.
func OpenBolt(path string, cfg BoltConfig) (*BoltStore, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultBoltConfig().Timeout
	}

	opts := *bbolt.DefaultOptions
	opts.Timeout = cfg.Timeout
	opts.NoSync = cfg.NoSync

	db, err := bbolt.Open(path, 0o600, &opts)
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}

		return nil, fmt.Errorf("storage: opening %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)

		return err
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("storage: preparing %s: %w", path, err)
	}

	return &BoltStore{db: db}, nil
}

// Begin starts a bbolt transaction.
func (s *BoltStore) Begin(writable bool) (Tx, error) {
	btx, err := s.db.Begin(writable)
	if err != nil {
		if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
			return nil, ErrStoreClosed
		}

		return nil, fmt.Errorf("storage: begin: %w", err)
	}

	return &boltTx{tx: btx, bucket: btx.Bucket(rootBucket), writable: writable}, nil
}

// Close closes the underlying file and releases its lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

type boltTx struct {
	tx       *bbolt.Tx
	bucket   *bbolt.Bucket
	writable bool
	done     bool
}

func (t *boltTx) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxClosed
	}

	v := t.bucket.Get(key)
	if v == nil {
		return nil, ErrKeyNotFound
	}

	return bytes.Clone(v), nil
}

func (t *boltTx) Put(key, value []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}

	// bbolt treats a nil value as absent on Get.
	if value == nil {
		value = []byte{}
	}

	return t.bucket.Put(key, value)
}

func (t *boltTx) Delete(key []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}

	return t.bucket.Delete(key)
}

func (t *boltTx) Iterate(lowerBound []byte, fn IterateFunc) error {
	if t.done {
		return ErrTxClosed
	}

	c := t.bucket.Cursor()

	for k, v := c.Seek(lowerBound); k != nil; k, v = c.Next() {
		stop, err := fn(bytes.Clone(k), bytes.Clone(v))
		if err != nil {
			return err
		}

		if stop {
			return nil
		}
	}

	return nil
}

func (t *boltTx) Commit() error {
	if t.done {
		return ErrTxClosed
	}

	t.done = true

	if !t.writable {
		return t.tx.Rollback()
	}

	return t.tx.Commit()
}

func (t *boltTx) Rollback() error {
	if t.done {
		return nil
	}

	t.done = true

	return t.tx.Rollback()
}

func (t *boltTx) checkWritable() error {
	if t.done {
		return ErrTxClosed
	}

	if !t.writable {
		return ErrTxNotWritable
	}

	return nil
}

// Ensure BoltStore implements Store.
var _ Store = (*BoltStore)(nil)
