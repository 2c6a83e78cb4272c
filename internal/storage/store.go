// Package storage provides the ordered key-value substrate that durable
// persistence is built on: point reads and writes plus forward range
// iteration, all inside transactions.
package storage

import (
	"errors"
)

// Common errors.
var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrTxClosed      = errors.New("transaction closed")
	ErrTxNotWritable = errors.New("transaction not writable")
	ErrStoreClosed   = errors.New("store closed")
	// ErrLocked is returned when another process holds the store open.
	ErrLocked = errors.New("store locked by another instance")
)

// Store defines an ordered key-value store with transactions.
// Keys are compared bytewise.
type Store interface {
	// Begin starts a transaction. Only one writable transaction may be
	// open at a time; Begin blocks until the previous one finishes.
	Begin(writable bool) (Tx, error)

	// Close releases the store. Open transactions must be finished first.
	Close() error
}

// IterateFunc receives each key-value pair during iteration.
// Returning stop=true ends the iteration early.
type IterateFunc func(key, value []byte) (stop bool, err error)

// Tx is a storage transaction. Reads observe a consistent snapshot.
type Tx interface {
	// Get returns the value stored at key.
	// Returns ErrKeyNotFound if the key doesn't exist.
	Get(key []byte) ([]byte, error)

	// Put stores value at key.
	Put(key, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key []byte) error

	// Iterate visits keys >= lowerBound in ascending order until fn asks to stop.
	// fn must not modify the transaction.
	Iterate(lowerBound []byte, fn IterateFunc) error

	// Commit makes the writes visible to later transactions.
	Commit() error

	// Rollback discards the transaction. Safe to call after Commit.
	Rollback() error
}
