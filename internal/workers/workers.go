package workers

import (
	"fmt"

	"github.com/mapswipe/mapswipe-workers/internal/dispatch"
	"github.com/mapswipe/mapswipe-workers/internal/metrics"
	"github.com/mapswipe/mapswipe-workers/internal/store"
)

// DefaultMinSecondsPerTask is the anti-abuse floor for mapping speed:
// results averaging fewer seconds per task than this are implausibly fast
// (about 8x faster than an expected average) and are discarded.
const DefaultMinSecondsPerTask = 0.125

// Set wires the handler chain to one store. All handlers are methods so
// they share the store handle, the blocklist and the collectors; no other
// state crosses invocations.
type Set struct {
	store             *store.Store
	blocklist         Blocklist
	minSecondsPerTask float64
	metrics           *metrics.Ingestion
}

// Option configures a Set.
type Option func(*Set)

// WithBlocklist injects the abusive-identity lookup.
func WithBlocklist(bl Blocklist) Option {
	return func(s *Set) { s.blocklist = bl }
}

// WithMinSecondsPerTask overrides the mapping-speed floor.
func WithMinSecondsPerTask(v float64) Option {
	return func(s *Set) { s.minSecondsPerTask = v }
}

// WithIngestionMetrics installs the ingestion collectors.
func WithIngestionMetrics(m *metrics.Ingestion) Option {
	return func(s *Set) { s.metrics = m }
}

// NewSet builds the handler set for a store.
func NewSet(st *store.Store, opts ...Option) *Set {
	s := &Set{
		store:             st,
		blocklist:         StaticBlocklist{},
		minSecondsPerTask: DefaultMinSecondsPerTask,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register installs all routes on the dispatcher. Route names match the
// deployed trigger names so operational runbooks carry over.
func (s *Set) Register(d *dispatch.Dispatcher) error {
	regs := []error{
		d.OnCreate("groupUsersCounter", resultPattern, s.IngestResult),
		d.OnWrite("groupFinishedCountUpdater", membershipPattern, s.UpdateGroupCounts),
		d.OnUpdate("projectCounter", requiredCountPattern, s.PropagateRequiredCount),
		d.OnUpdate("calcGroupProgress", requiredCountPattern, s.CalcGroupProgress),
		d.OnUpdate("incProjectProgress", resultCountPattern, s.RecalcProjectProgressFromResults),
		d.OnUpdate("decProjectProgress", requiredResultsPattern, s.RecalcProjectProgressFromRequired),
		d.OnWriteUnder("userGroupWrite", userGroupPattern, s.MarkUserGroupDirty),
		d.OnWriteUnder("userGroupMembershipWrite", membershipLogPattern, s.MarkMembershipLogDirty),
	}
	for _, err := range regs {
		if err != nil {
			return fmt.Errorf("register workers: %w", err)
		}
	}
	return nil
}
