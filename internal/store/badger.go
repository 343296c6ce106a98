package store

import (
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerBackend persists the tree in a Badger key-value store. Each leaf is
// one key (the full slash path) holding its canonical-JSON scalar; interior
// nodes exist only implicitly as key prefixes. Subtree reads assemble a
// nested map by prefix iteration, so a one-shot read of groupsUsers/p/g
// sees exactly the membership keys present at snapshot time.
//
// Badger runs real optimistic concurrency: a transaction that read keys
// written by a concurrently committed transaction fails with ErrConflict.
// That surfaces here as ErrTxnConflict, which the Store facade retries.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a Badger tree at dir.
func OpenBadger(dir string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // badger's own logger is noisy; slog covers the store
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &BadgerBackend{db: db}, nil
}

// OpenBadgerInMemory opens an ephemeral Badger tree, used by tests that
// need conflict semantics without a disk footprint.
func OpenBadgerInMemory() (*BadgerBackend, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

// Close releases the database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// Get reads the value at path: the scalar leaf if one exists, otherwise
// the subtree assembled from all keys under path/.
func (b *BadgerBackend) Get(path string) (any, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	var out any
	err := b.db.View(func(txn *badger.Txn) error {
		v, err := readTree(txn, path)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", path, err)
	}
	return out, nil
}

// Put replaces the subtree at path. Runs as one Badger transaction with
// conflict retry; Put callers (Set semantics) are last-writer-wins.
func (b *BadgerBackend) Put(path string, value any) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	norm, err := Normalize(value)
	if err != nil {
		return fmt.Errorf("badger put %s: %w", path, err)
	}
	return b.retryUpdate(func(txn *badger.Txn) error {
		return writeTree(txn, path, norm)
	})
}

// Update merges fields at path, one subtree replacement per field.
func (b *BadgerBackend) Update(path string, fields map[string]any) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	normalized := make(map[string]any, len(fields))
	for k, v := range fields {
		norm, err := Normalize(v)
		if err != nil {
			return fmt.Errorf("badger update %s field %q: %w", path, k, err)
		}
		normalized[k] = norm
	}
	return b.retryUpdate(func(txn *badger.Txn) error {
		for k, v := range normalized {
			if err := writeTree(txn, Join(path, k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes the subtree at path.
func (b *BadgerBackend) Delete(path string) error {
	return b.Put(path, nil)
}

// Txn applies a read-modify-write at path. Unlike Put, a lost race is NOT
// retried here: it is reported as ErrTxnConflict so the Store facade can
// re-run the caller's function against the fresh value.
func (b *BadgerBackend) Txn(path string, fn func(cur any) (any, error)) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	cur, err := readTree(txn, path)
	if err != nil {
		return fmt.Errorf("badger txn %s: read: %w", path, err)
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	norm, err := Normalize(next)
	if err != nil {
		return fmt.Errorf("badger txn %s: %w", path, err)
	}
	if err := writeTree(txn, path, norm); err != nil {
		return fmt.Errorf("badger txn %s: write: %w", path, err)
	}
	if err := txn.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return ErrTxnConflict
		}
		return fmt.Errorf("badger txn %s: commit: %w", path, err)
	}
	return nil
}

// retryUpdate runs fn in a write transaction, retrying blind-write
// conflicts internally (the caller's value does not depend on prior state).
func (b *BadgerBackend) retryUpdate(fn func(*badger.Txn) error) error {
	for attempt := 1; ; attempt++ {
		txn := b.db.NewTransaction(true)
		err := fn(txn)
		if err == nil {
			err = txn.Commit()
		}
		txn.Discard()
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) || attempt >= txnMaxAttempts {
			return err
		}
	}
}

// readTree returns the value rooted at path inside txn.
func readTree(txn *badger.Txn, path string) (any, error) {
	item, err := txn.Get([]byte(path))
	switch {
	case err == nil:
		var out any
		err := item.Value(func(val []byte) error {
			v, err := UnmarshalValue(val)
			if err != nil {
				return err
			}
			out = v
			return nil
		})
		return out, err
	case !errors.Is(err, badger.ErrKeyNotFound):
		return nil, err
	}

	// No scalar leaf; assemble the subtree from prefix keys.
	prefix := []byte(path + "/")
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
	defer it.Close()

	tree := make(map[string]any)
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		rel := strings.TrimPrefix(string(item.Key()), path+"/")
		var leaf any
		err := item.Value(func(val []byte) error {
			v, err := UnmarshalValue(val)
			if err != nil {
				return err
			}
			leaf = v
			return nil
		})
		if err != nil {
			return nil, err
		}
		insertLeaf(tree, Split(rel), leaf)
	}
	if len(tree) == 0 {
		return nil, nil
	}
	return tree, nil
}

// writeTree replaces the subtree at path with value inside txn.
func writeTree(txn *badger.Txn, path string, value any) error {
	// Clear the old subtree (scalar leaf and all descendants).
	if err := txn.Delete([]byte(path)); err != nil {
		return err
	}
	prefix := []byte(path + "/")
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	var stale [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		stale = append(stale, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, key := range stale {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}

	if value == nil {
		return nil
	}
	for leafPath, leaf := range flatten(path, value) {
		data, err := MarshalCanonical(leaf)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(leafPath), data); err != nil {
			return err
		}
	}
	return nil
}

// flatten maps a value to its leaf paths: scalars map to path itself, maps
// recurse one key per child.
func flatten(path string, value any) map[string]any {
	leaves := make(map[string]any)
	var walk func(p string, v any)
	walk = func(p string, v any) {
		if m, ok := v.(map[string]any); ok {
			for k, child := range m {
				walk(Join(p, k), child)
			}
			return
		}
		leaves[p] = v
	}
	walk(path, value)
	return leaves
}

// insertLeaf places a scalar into a nested map along segs.
func insertLeaf(tree map[string]any, segs []string, leaf any) {
	for len(segs) > 1 {
		child, ok := tree[segs[0]].(map[string]any)
		if !ok {
			child = make(map[string]any)
			tree[segs[0]] = child
		}
		tree = child
		segs = segs[1:]
	}
	tree[segs[0]] = leaf
}
