// Package dispatch routes store change events to registered handlers.
//
// A route binds a path pattern with {wildcard} segments to a handler and
// the event kinds it cares about. Delivery is at-least-once: a handler
// error requeues the invocation up to the attempt budget, after which the
// event is logged and dropped (handler anomalies never propagate to a
// human-facing surface). Deliveries across different paths are unordered
// once the worker pool fans out, so handlers must re-read whatever state
// they derive from; the single-threaded Drain mode exists for tests that
// need a deterministic cascade.
package dispatch
