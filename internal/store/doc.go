// Package store implements the hierarchical path-keyed data store the
// aggregation workers run against.
//
// Every node is addressable by a slash-delimited path. The store supports
// one-shot reads, unconditional sets and multi-field updates, deletes, and
// atomic per-path read-modify-write transactions with retry on write
// conflict. Numeric counters must only be mutated through Transaction;
// sets and recomputed fields use Set/Update (idempotent or fully rewritten
// from a fresh read, so last-writer-wins is safe).
//
// Each committed mutation is stamped with a monotonic sequence number and
// reported to a registered observer as a change Event (create, update or
// delete). The dispatcher subscribes as the observer and routes events to
// handlers; the store itself knows nothing about handler semantics.
//
// Two backends are provided: an in-memory tree for tests and single-process
// deployments, and a Badger-backed tree for durable deployments. Both
// present the same schemaless value model: nil, bool, int64, float64,
// string and map[string]any.
package store
