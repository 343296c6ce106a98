package store

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Kind classifies a committed mutation by what existed before and after.
type Kind int

const (
	// KindCreate means the path did not exist before the write.
	KindCreate Kind = iota + 1
	// KindUpdate means the path existed and its value changed.
	KindUpdate
	// KindDelete means the path existed and no longer does.
	KindDelete
)

// String returns the kind's wire name.
func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event describes one committed mutation at one path.
//
// Before and After are deep-copied snapshots: handlers may inspect them
// freely without racing later writes. Seq is a store-wide monotonic stamp;
// it orders events from a single store instance but carries no cross-path
// causality guarantee once the dispatcher fans deliveries out to workers.
type Event struct {
	ID     string
	Kind   Kind
	Path   string
	Before any
	After  any
	Seq    int64
}

// Observer receives every committed mutation. Notify is called after the
// mutation is visible to readers; implementations must not block the
// calling writer for long (the dispatcher just enqueues).
type Observer interface {
	Notify(Event)
}

// Clock issues the monotonic sequence numbers stamped onto events.
// Safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock returns a clock starting at zero.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt returns a clock resuming from a specific sequence number.
// Used by replay to continue after the last journaled event.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without advancing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// IDGenerator produces event IDs. Production uses UUIDv7 (time-sortable);
// tests use SeqIDs for deterministic golden traces.
type IDGenerator interface {
	NewID() string
}

// UUIDv7IDs generates RFC 4122 UUIDv7 event IDs.
type UUIDv7IDs struct{}

// NewID returns a fresh UUIDv7 string.
func (UUIDv7IDs) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SeqIDs generates "prefix-1", "prefix-2", ... for deterministic tests.
type SeqIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSeqIDs returns a sequential generator with the given prefix.
func NewSeqIDs(prefix string) *SeqIDs {
	return &SeqIDs{prefix: prefix}
}

// NewID returns the next sequential ID.
func (g *SeqIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return g.prefix + "-" + strconv.Itoa(g.n)
}
