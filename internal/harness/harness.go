// Package harness runs conformance scenarios against the real pipeline:
// a fresh in-memory tree, the trigger dispatcher in drain mode, and the
// full worker set. Scenarios are YAML files; final trees are compared
// against golden files in canonical JSON.
package harness

import (
	"context"
	"fmt"
	"reflect"

	"github.com/mapswipe/mapswipe-workers/internal/dispatch"
	"github.com/mapswipe/mapswipe-workers/internal/store"
	"github.com/mapswipe/mapswipe-workers/internal/workers"
)

// topLevel lists the tree collections captured in a snapshot.
var topLevel = []string{
	"projects",
	"groups",
	"groupsUsers",
	"results",
	"users",
	"userGroups",
	"userGroupMembershipLogs",
	"updates",
}

// Result holds the outcome of a scenario run.
type Result struct {
	// Tree is the final state of every top-level collection that exists.
	Tree map[string]any

	// Failures lists assertion violations. Empty means the scenario
	// passed.
	Failures []string
}

// Run executes a scenario against a fresh in-memory store. Setup writes
// land before the dispatcher is attached; every step is then applied and
// the queue drained to completion, so cascades settle deterministically
// between steps.
func Run(ctx context.Context, sc *Scenario) (*Result, error) {
	st := store.New(store.NewMemory(),
		store.WithIDGenerator(store.NewSeqIDs("ev")),
	)

	for i, step := range sc.Setup {
		if err := apply(ctx, st, step); err != nil {
			return nil, fmt.Errorf("scenario %s setup %d: %w", sc.Name, i, err)
		}
	}

	workerOpts := []workers.Option{
		workers.WithBlocklist(workers.NewStaticBlocklist(sc.Blocklist)),
	}
	if sc.MinSecondsPerTask != nil {
		workerOpts = append(workerOpts, workers.WithMinSecondsPerTask(*sc.MinSecondsPerTask))
	}

	d := dispatch.New()
	set := workers.NewSet(st, workerOpts...)
	if err := set.Register(d); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}
	st.SetObserver(d)

	for i, step := range sc.Steps {
		if err := apply(ctx, st, step); err != nil {
			return nil, fmt.Errorf("scenario %s step %d: %w", sc.Name, i, err)
		}
		if err := d.Drain(ctx); err != nil {
			return nil, fmt.Errorf("scenario %s step %d: drain: %w", sc.Name, i, err)
		}
	}

	res := &Result{Tree: make(map[string]any)}
	for _, coll := range topLevel {
		v, err := st.Read(ctx, coll)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: snapshot %s: %w", sc.Name, coll, err)
		}
		if v != nil {
			res.Tree[coll] = v
		}
	}

	for _, a := range sc.Assertions {
		got, err := st.Read(ctx, a.Path)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: assert %s: %w", sc.Name, a.Path, err)
		}
		if a.Absent {
			if got != nil {
				res.Failures = append(res.Failures, fmt.Sprintf("%s: expected absent, got %v", a.Path, got))
			}
			continue
		}
		want, err := store.Normalize(a.Equals)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: assert %s: %w", sc.Name, a.Path, err)
		}
		if !reflect.DeepEqual(got, want) {
			res.Failures = append(res.Failures, fmt.Sprintf("%s: expected %v, got %v", a.Path, want, got))
		}
	}

	return res, nil
}

func apply(ctx context.Context, st *store.Store, step WriteStep) error {
	switch {
	case step.Set != "":
		return st.Set(ctx, step.Set, step.Value)
	case step.Update != "":
		return st.Update(ctx, step.Update, step.Fields)
	case step.Delete != "":
		return st.Delete(ctx, step.Delete)
	default:
		return fmt.Errorf("empty write step")
	}
}
