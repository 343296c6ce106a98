package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapswipe/mapswipe-workers/internal/store"
)

func event(kind store.Kind, path string, seq int64) store.Event {
	return store.Event{
		ID:   "ev-test",
		Kind: kind,
		Path: path,
		Seq:  seq,
	}
}

func TestDispatcherRoutesByKindAndPath(t *testing.T) {
	d := New()

	var created, updated []string
	require.NoError(t, d.OnCreate("onCreate", "results/{p}/{g}/{u}", func(ctx context.Context, inv Invocation) error {
		created = append(created, inv.Path)
		return nil
	}))
	require.NoError(t, d.OnUpdate("onUpdate", "projects/{p}/resultCount", func(ctx context.Context, inv Invocation) error {
		updated = append(updated, inv.Path)
		return nil
	}))

	d.Notify(event(store.KindCreate, "results/P1/G1/U1", 1))
	d.Notify(event(store.KindUpdate, "results/P1/G1/U1", 2)) // wrong kind
	d.Notify(event(store.KindUpdate, "projects/P1/resultCount", 3))
	d.Notify(event(store.KindCreate, "projects/P1/resultCount", 4)) // wrong kind
	d.Notify(event(store.KindCreate, "unrelated/path", 5))

	require.NoError(t, d.Drain(context.Background()))
	assert.Equal(t, []string{"results/P1/G1/U1"}, created)
	assert.Equal(t, []string{"projects/P1/resultCount"}, updated)
}

func TestDispatcherParamsAndRouteName(t *testing.T) {
	d := New()

	var got Invocation
	require.NoError(t, d.OnWrite("completion", "groupsUsers/{projectId}/{groupId}/{userId}", func(ctx context.Context, inv Invocation) error {
		got = inv
		return nil
	}))

	d.Notify(event(store.KindCreate, "groupsUsers/P1/G1/U1", 1))
	require.NoError(t, d.Drain(context.Background()))

	assert.Equal(t, "completion", got.Route)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, "P1", got.Params["projectId"])
	assert.Equal(t, "G1", got.Params["groupId"])
	assert.Equal(t, "U1", got.Params["userId"])
}

func TestDispatcherRetriesThenDrops(t *testing.T) {
	d := New(WithMaxAttempts(3))

	var attempts []int
	require.NoError(t, d.OnCreate("flaky", "results/{p}/{g}/{u}", func(ctx context.Context, inv Invocation) error {
		attempts = append(attempts, inv.Attempt)
		return errors.New("boom")
	}))

	d.Notify(event(store.KindCreate, "results/P1/G1/U1", 1))
	require.NoError(t, d.Drain(context.Background()))

	assert.Equal(t, []int{1, 2, 3}, attempts, "three attempts, then the event is dropped")
	assert.Equal(t, 0, d.QueueLen())
}

func TestDispatcherRetrySucceedsMidway(t *testing.T) {
	d := New(WithMaxAttempts(3))

	calls := 0
	require.NoError(t, d.OnCreate("second-try", "results/{p}/{g}/{u}", func(ctx context.Context, inv Invocation) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	}))

	d.Notify(event(store.KindCreate, "results/P1/G1/U1", 1))
	require.NoError(t, d.Drain(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestDispatcherDrainFollowsCascade(t *testing.T) {
	d := New()

	var order []string
	require.NoError(t, d.OnCreate("first", "a/{x}", func(ctx context.Context, inv Invocation) error {
		order = append(order, "first")
		// A handler write triggers the next stage.
		d.Notify(event(store.KindCreate, "b/1", 2))
		return nil
	}))
	require.NoError(t, d.OnCreate("second", "b/{x}", func(ctx context.Context, inv Invocation) error {
		order = append(order, "second")
		return nil
	}))

	d.Notify(event(store.KindCreate, "a/1", 1))
	require.NoError(t, d.Drain(context.Background()))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestDispatcherSubtreeRoute(t *testing.T) {
	d := New()

	var ids []string
	require.NoError(t, d.OnWriteUnder("mirror", "userGroups/{userGroupId}", func(ctx context.Context, inv Invocation) error {
		ids = append(ids, inv.Params["userGroupId"])
		return nil
	}))

	d.Notify(event(store.KindCreate, "userGroups/UG1", 1))
	d.Notify(event(store.KindUpdate, "userGroups/UG1/users/U2", 2))
	d.Notify(event(store.KindCreate, "users/U2", 3))

	require.NoError(t, d.Drain(context.Background()))
	assert.Equal(t, []string{"UG1", "UG1"}, ids)
}

func TestDispatcherHandlerTimeout(t *testing.T) {
	d := New(WithMaxAttempts(1), WithHandlerTimeout(10*time.Millisecond))

	var sawDeadline bool
	require.NoError(t, d.OnCreate("slow", "a/{x}", func(ctx context.Context, inv Invocation) error {
		select {
		case <-ctx.Done():
			sawDeadline = true
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}))

	d.Notify(event(store.KindCreate, "a/1", 1))
	require.NoError(t, d.Drain(context.Background()))
	assert.True(t, sawDeadline)
}

func TestDispatcherDuplicateRouteName(t *testing.T) {
	d := New()
	h := func(ctx context.Context, inv Invocation) error { return nil }
	require.NoError(t, d.OnCreate("dup", "a/{x}", h))
	assert.Error(t, d.OnUpdate("dup", "b/{x}", h))
}

func TestDispatcherRunProcessesConcurrently(t *testing.T) {
	d := New(WithWorkers(4))

	var mu sync.Mutex
	seen := make(map[string]bool)
	delivered := make(chan struct{}, 8)
	require.NoError(t, d.OnCreate("collect", "results/{p}/{g}/{u}", func(ctx context.Context, inv Invocation) error {
		mu.Lock()
		seen[inv.Path] = true
		mu.Unlock()
		delivered <- struct{}{}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	paths := []string{
		"results/P1/G1/U1",
		"results/P1/G1/U2",
		"results/P1/G2/U1",
		"results/P2/G1/U1",
	}
	for i, p := range paths {
		d.Notify(event(store.KindCreate, p, int64(i+1)))
	}

	for range paths {
		select {
		case <-delivered:
		case <-time.After(5 * time.Second):
			t.Fatal("delivery timed out")
		}
	}

	cancel()
	assert.ErrorIs(t, <-runDone, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, len(paths))
}

func TestQueueFIFO(t *testing.T) {
	q := newDeliveryQueue()
	r := &route{name: "r"}

	for i := 1; i <= 3; i++ {
		assert.True(t, q.enqueue(invocation{route: r, event: event(store.KindCreate, "a/b", int64(i)), attempt: 1}))
	}
	assert.Equal(t, 3, q.length())

	for i := 1; i <= 3; i++ {
		inv, ok := q.tryDequeue()
		require.True(t, ok)
		assert.Equal(t, int64(i), inv.event.Seq)
	}
	_, ok := q.tryDequeue()
	assert.False(t, ok)
}

func TestQueueClosedRejectsEnqueue(t *testing.T) {
	q := newDeliveryQueue()
	q.close()
	assert.False(t, q.enqueue(invocation{attempt: 1}))
}
