package store

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
)

// txnMaxAttempts bounds optimistic-concurrency retries before a conflict
// escapes to the caller.
const txnMaxAttempts = 25

// Store is the facade the workers and services write through. It wraps a
// Backend, stamps every committed mutation with a sequence number, and
// notifies the observer (the trigger dispatcher) with before/after
// snapshots. One-shot reads never notify.
type Store struct {
	backend  Backend
	clock    *Clock
	ids      IDGenerator
	observer Observer
}

// Option configures a Store.
type Option func(*Store)

// WithClock installs a pre-positioned clock (replay resumes sequence
// numbering after the last journaled event).
func WithClock(c *Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithIDGenerator overrides event ID generation; tests use NewSeqIDs for
// deterministic golden traces.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// New wraps a backend. The observer may be set later with SetObserver;
// mutations committed before that are not reported.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		clock:   NewClock(),
		ids:     UUIDv7IDs{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetObserver registers the change-event consumer. At most one observer is
// supported; the dispatcher fans out from there.
func (s *Store) SetObserver(o Observer) {
	s.observer = o
}

// Clock exposes the store's sequence clock for checkpointing.
func (s *Store) Clock() *Clock {
	return s.clock
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Read returns the value at path, or nil if the path does not exist.
func (s *Store) Read(ctx context.Context, path string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := s.backend.Get(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return v, nil
}

// Set unconditionally replaces the value at path. Setting nil deletes.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	before, err := s.backend.Get(path)
	if err != nil {
		return fmt.Errorf("set %s: read before: %w", path, err)
	}
	if err := s.backend.Put(path, value); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	after, err := s.backend.Get(path)
	if err != nil {
		return fmt.Errorf("set %s: read after: %w", path, err)
	}
	s.emit(path, before, after)
	return nil
}

// Update merges fields into the map at path. One event is emitted per
// written field at path/field, so field-level triggers (requiredCount,
// resultCount) fire exactly as they would for individual sets.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	type change struct {
		path   string
		before any
	}
	changes := make([]change, 0, len(fields))
	for k := range fields {
		fieldPath := Join(path, k)
		before, err := s.backend.Get(fieldPath)
		if err != nil {
			return fmt.Errorf("update %s: read before %q: %w", path, k, err)
		}
		changes = append(changes, change{path: fieldPath, before: before})
	}
	if err := s.backend.Update(path, fields); err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	for _, ch := range changes {
		after, err := s.backend.Get(ch.path)
		if err != nil {
			return fmt.Errorf("update %s: read after %q: %w", path, ch.path, err)
		}
		s.emit(ch.path, ch.before, after)
	}
	return nil
}

// Delete removes the subtree at path.
func (s *Store) Delete(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

// Transaction atomically applies a read-modify-write at path, retrying on
// optimistic-concurrency conflicts. This is the only mutation discipline
// allowed for numeric counters: concurrent increments at the same path
// must not be lost.
func (s *Store) Transaction(ctx context.Context, path string, fn func(cur any) (any, error)) error {
	var before, after any
	commit := func() error {
		return s.backend.Txn(path, func(cur any) (any, error) {
			before = cur
			next, err := fn(cur)
			if err != nil {
				return nil, err
			}
			norm, err := Normalize(next)
			if err != nil {
				return nil, err
			}
			after = norm
			return norm, nil
		})
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := commit()
		if err == nil {
			break
		}
		if err != ErrTxnConflict || attempt >= txnMaxAttempts {
			return fmt.Errorf("transaction %s: %w", path, err)
		}
		slog.Debug("transaction conflict, retrying",
			"path", path,
			"attempt", attempt,
		)
	}
	s.emit(path, before, after)
	return nil
}

// emit reports a committed mutation to the observer. Writes that leave the
// value untouched produce no event, matching trigger semantics: a no-op
// write is not a change.
func (s *Store) emit(path string, before, after any) {
	if s.observer == nil {
		return
	}
	var kind Kind
	switch {
	case before == nil && after == nil:
		return
	case before == nil:
		kind = KindCreate
	case after == nil:
		kind = KindDelete
	case reflect.DeepEqual(before, after):
		return
	default:
		kind = KindUpdate
	}
	s.observer.Notify(Event{
		ID:     s.ids.NewID(),
		Kind:   kind,
		Path:   path,
		Before: before,
		After:  after,
		Seq:    s.clock.Next(),
	})
}
