package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/mapswipe/mapswipe-workers/internal/store"
)

// RunWithGolden executes a scenario and compares the final tree against
// a golden file at testdata/golden/{scenario.Name}.golden, serialized as
// canonical JSON so key order never flaps.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, ctx context.Context, sc *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(ctx, sc)
	if err != nil {
		return nil, err
	}

	treeJSON, err := store.MarshalCanonical(result.Tree)
	if err != nil {
		return nil, err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, sc.Name, treeJSON)

	return result, nil
}
