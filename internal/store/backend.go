package store

import "errors"

// ErrTxnConflict is returned by a backend when an optimistic transaction
// lost a write race. The Store retries these with bounded attempts; seeing
// one escape Transaction means the retry budget ran out under sustained
// contention.
var ErrTxnConflict = errors.New("transaction conflict")

// Backend is the raw tree storage under the Store facade.
//
// Get returns (nil, nil) for absent paths: a missing node and an explicit
// null are indistinguishable, matching the schemaless data model. Returned
// values must not alias backend-internal state.
//
// Put with a nil value removes the subtree; empty interior nodes are
// pruned (a node with no children does not exist).
//
// Txn applies a read-modify-write at one path. Backends with real
// concurrent writers (Badger) surface lost races as ErrTxnConflict;
// single-writer backends may run fn under their write lock.
type Backend interface {
	Get(path string) (any, error)
	Put(path string, value any) error
	Update(path string, fields map[string]any) error
	Delete(path string) error
	Txn(path string, fn func(cur any) (any, error)) error
	Close() error
}
