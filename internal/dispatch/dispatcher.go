package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mapswipe/mapswipe-workers/internal/metrics"
	"github.com/mapswipe/mapswipe-workers/internal/store"
)

// Defaults for the delivery loop. Overridable per Dispatcher via options.
const (
	DefaultWorkers        = 8
	DefaultMaxAttempts    = 3
	DefaultHandlerTimeout = 30 * time.Second
)

// Invocation is what a handler receives: the triggering event plus the
// wildcard parameters bound by the matched route's pattern.
type Invocation struct {
	store.Event
	Params  map[string]string
	Route   string
	Attempt int
}

// Handler processes one invocation. A nil return acknowledges the event;
// an error requeues it until the attempt budget is spent. Handlers must be
// idempotent: at-least-once delivery means the same event can arrive twice
// even without an error.
type Handler func(ctx context.Context, inv Invocation) error

// Journal durably records events before handlers run, so a crashed
// dispatcher can be replayed. Implemented by the sqlite journal.
type Journal interface {
	Append(ctx context.Context, ev store.Event) error
}

type route struct {
	name    string
	pattern Pattern
	kinds   map[store.Kind]bool
	subtree bool
	handler Handler
}

func (r *route) match(path string) (map[string]string, bool) {
	if r.subtree {
		return r.pattern.MatchUnder(path)
	}
	return r.pattern.Match(path)
}

// Dispatcher matches store events against a route table and delivers them
// through a worker pool. It implements store.Observer; register it with
// Store.SetObserver before the first write.
type Dispatcher struct {
	routes      []*route
	queue       *deliveryQueue
	workers     int
	maxAttempts int
	timeout     time.Duration
	journal     Journal
	metrics     *metrics.Dispatch
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers sets the delivery pool width.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) { d.workers = n }
}

// WithMaxAttempts sets the at-least-once retry budget per invocation.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxAttempts = n }
}

// WithHandlerTimeout sets the per-invocation wall-clock budget.
func WithHandlerTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithJournal records every matched event before delivery.
func WithJournal(j Journal) DispatcherOption {
	return func(d *Dispatcher) { d.journal = j }
}

// WithMetrics installs prometheus collectors for deliveries.
func WithMetrics(m *metrics.Dispatch) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates an empty dispatcher.
func New(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:       newDeliveryQueue(),
		workers:     DefaultWorkers,
		maxAttempts: DefaultMaxAttempts,
		timeout:     DefaultHandlerTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnCreate registers a handler for create events at pattern.
func (d *Dispatcher) OnCreate(name, pattern string, h Handler) error {
	return d.register(name, pattern, h, store.KindCreate)
}

// OnUpdate registers a handler for update events at pattern.
func (d *Dispatcher) OnUpdate(name, pattern string, h Handler) error {
	return d.register(name, pattern, h, store.KindUpdate)
}

// OnDelete registers a handler for delete events at pattern.
func (d *Dispatcher) OnDelete(name, pattern string, h Handler) error {
	return d.register(name, pattern, h, store.KindDelete)
}

// OnWrite registers a handler for create, update and delete events.
func (d *Dispatcher) OnWrite(name, pattern string, h Handler) error {
	return d.register(name, pattern, h, store.KindCreate, store.KindUpdate, store.KindDelete)
}

// OnWriteUnder registers a handler for any write at or below pattern.
// Parameters are bound from the pattern's own depth.
func (d *Dispatcher) OnWriteUnder(name, pattern string, h Handler) error {
	if err := d.register(name, pattern, h, store.KindCreate, store.KindUpdate, store.KindDelete); err != nil {
		return err
	}
	d.routes[len(d.routes)-1].subtree = true
	return nil
}

func (d *Dispatcher) register(name, pattern string, h Handler, kinds ...store.Kind) error {
	if name == "" {
		return fmt.Errorf("route needs a name")
	}
	for _, r := range d.routes {
		if r.name == name {
			return fmt.Errorf("duplicate route name %q", name)
		}
	}
	p, err := ParsePattern(pattern)
	if err != nil {
		return fmt.Errorf("route %q: %w", name, err)
	}
	kindSet := make(map[store.Kind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}
	d.routes = append(d.routes, &route{name: name, pattern: p, kinds: kindSet, handler: h})
	return nil
}

// Routes returns the registered route names in declaration order.
func (d *Dispatcher) Routes() []string {
	names := make([]string, len(d.routes))
	for i, r := range d.routes {
		names[i] = r.name
	}
	return names
}

// Notify implements store.Observer: journal the event, then enqueue one
// invocation per matching route. Never blocks the writer.
func (d *Dispatcher) Notify(ev store.Event) {
	if d.journal != nil {
		// Journal failures must not stall the write path; replay just
		// loses this event.
		if err := d.journal.Append(context.Background(), ev); err != nil {
			slog.Error("journal append failed",
				"event_id", ev.ID,
				"path", ev.Path,
				"error", err,
			)
		}
	}
	for _, r := range d.routes {
		if !r.kinds[ev.Kind] {
			continue
		}
		params, ok := r.match(ev.Path)
		if !ok {
			continue
		}
		d.queue.enqueue(invocation{route: r, event: ev, params: params, attempt: 1})
		if d.metrics != nil {
			d.metrics.Dispatched.WithLabelValues(r.name).Inc()
		}
	}
}

// QueueLen returns the number of pending deliveries.
func (d *Dispatcher) QueueLen() int {
	return d.queue.length()
}

// Run starts the worker pool and blocks until ctx is cancelled. Deliveries
// on different paths run concurrently, so no ordering is guaranteed across
// paths, even causally related ones; handlers re-read fresh state instead
// of trusting delivery order.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("dispatcher starting", "workers", d.workers, "routes", len(d.routes))

	done := make(chan struct{})
	for i := 0; i < d.workers; i++ {
		go d.worker(ctx, done)
	}

	<-ctx.Done()
	d.queue.close()
	for i := 0; i < d.workers; i++ {
		<-done
	}
	slog.Info("dispatcher stopped")
	return ctx.Err()
}

func (d *Dispatcher) worker(ctx context.Context, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		inv, ok := d.queue.tryDequeue()
		if ok {
			d.deliver(ctx, inv)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-d.queue.wait():
		}
	}
}

// Drain processes the queue single-threaded until it is empty, following
// cascades as handler writes enqueue further events. Tests and the replay
// command use this for deterministic delivery.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		inv, ok := d.queue.tryDequeue()
		if !ok {
			return nil
		}
		d.deliver(ctx, inv)
	}
}

// deliver runs one invocation under the handler timeout and applies the
// at-least-once retry policy on error.
func (d *Dispatcher) deliver(ctx context.Context, inv invocation) {
	hctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := inv.route.handler(hctx, Invocation{
		Event:   inv.event,
		Params:  inv.params,
		Route:   inv.route.name,
		Attempt: inv.attempt,
	})
	if d.metrics != nil {
		d.metrics.Duration.WithLabelValues(inv.route.name).Observe(time.Since(start).Seconds())
	}
	if err == nil {
		return
	}

	if inv.attempt < d.maxAttempts {
		slog.Warn("handler failed, requeueing",
			"route", inv.route.name,
			"event_id", inv.event.ID,
			"path", inv.event.Path,
			"attempt", inv.attempt,
			"error", err,
		)
		if d.metrics != nil {
			d.metrics.Retried.WithLabelValues(inv.route.name).Inc()
		}
		inv.attempt++
		d.queue.enqueue(inv)
		return
	}

	// Attempt budget spent. Per the error-propagation policy everything
	// degrades to "no-op, logged" - there is no human surface to fail.
	slog.Error("handler failed permanently, dropping event",
		"route", inv.route.name,
		"event_id", inv.event.ID,
		"path", inv.event.Path,
		"attempts", inv.attempt,
		"error", err,
	)
	if d.metrics != nil {
		d.metrics.Failed.WithLabelValues(inv.route.name).Inc()
	}
}
