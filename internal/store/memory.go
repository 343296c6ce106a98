package store

import (
	"fmt"
	"sync"
)

// Memory is the in-memory tree backend. A single RWMutex guards the whole
// tree; per-path transactions therefore never conflict, but the Txn
// contract (fresh read inside fn) is identical to the durable backend so
// handler code cannot tell them apart.
type Memory struct {
	mu   sync.RWMutex
	root map[string]any
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{root: make(map[string]any)}
}

// Get returns a deep copy of the value at path, or (nil, nil) if absent.
func (m *Memory) Get(path string) (any, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return DeepCopy(m.get(path)), nil
}

// Put replaces the subtree at path. A nil value deletes it.
func (m *Memory) Put(path string, value any) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	norm, err := Normalize(value)
	if err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(path, norm)
	return nil
}

// Update merges fields into the map at path. Nil field values delete the
// corresponding children; scalar nodes at path are replaced by a map.
func (m *Memory) Update(path string, fields map[string]any) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range fields {
		norm, err := Normalize(v)
		if err != nil {
			return fmt.Errorf("update %s field %q: %w", path, k, err)
		}
		m.put(Join(path, k), norm)
	}
	return nil
}

// Delete removes the subtree at path. Deleting an absent path is a no-op.
func (m *Memory) Delete(path string) error {
	return m.Put(path, nil)
}

// Txn runs fn against the current value at path and commits its result,
// all under the tree's write lock. fn must be pure apart from its inputs.
func (m *Memory) Txn(path string, fn func(cur any) (any, error)) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := fn(DeepCopy(m.get(path)))
	if err != nil {
		return err
	}
	norm, err := Normalize(next)
	if err != nil {
		return fmt.Errorf("txn %s: %w", path, err)
	}
	m.put(path, norm)
	return nil
}

// Close is a no-op for the memory backend.
func (m *Memory) Close() error {
	return nil
}

// get walks the tree; callers hold at least the read lock.
func (m *Memory) get(path string) any {
	var cur any = m.root
	for _, seg := range Split(path) {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = node[seg]
	}
	if node, ok := cur.(map[string]any); ok && len(node) == 0 {
		return nil
	}
	return cur
}

// put writes value at path, creating interior maps on the way down and
// pruning empty interior maps after a delete. Callers hold the write lock.
func (m *Memory) put(path string, value any) {
	segs := Split(path)
	m.putAt(m.root, segs, value)
}

func (m *Memory) putAt(node map[string]any, segs []string, value any) {
	head := segs[0]
	if len(segs) == 1 {
		if value == nil {
			delete(node, head)
		} else {
			node[head] = DeepCopy(value)
		}
		return
	}
	child, ok := node[head].(map[string]any)
	if !ok {
		if value == nil {
			return
		}
		// Writing below a scalar replaces the scalar with a map.
		child = make(map[string]any)
		node[head] = child
	}
	m.putAt(child, segs[1:], value)
	if len(child) == 0 {
		delete(node, head)
	}
}
