package workers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapswipe/mapswipe-workers/internal/dispatch"
	"github.com/mapswipe/mapswipe-workers/internal/store"
)

// pipeline wires a fresh in-memory store to a dispatcher with the full
// handler set. Seed writes go through seed() before the observer is
// attached so they fire nothing.
type pipeline struct {
	st  *store.Store
	d   *dispatch.Dispatcher
	set *Set
}

func newPipeline(t *testing.T, opts ...Option) *pipeline {
	t.Helper()
	st := store.New(store.NewMemory(), store.WithIDGenerator(store.NewSeqIDs("ev")))
	set := NewSet(st, opts...)
	d := dispatch.New()
	require.NoError(t, set.Register(d))
	return &pipeline{st: st, d: d, set: set}
}

func (p *pipeline) seed(t *testing.T, path string, value any) {
	t.Helper()
	require.NoError(t, p.st.Set(context.Background(), path, value))
}

// arm attaches the dispatcher; call after seeding.
func (p *pipeline) arm() {
	p.st.SetObserver(p.d)
}

func (p *pipeline) write(t *testing.T, path string, value any) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.st.Set(ctx, path, value))
	require.NoError(t, p.d.Drain(ctx))
}

func (p *pipeline) read(t *testing.T, path string) any {
	t.Helper()
	v, err := p.st.Read(context.Background(), path)
	require.NoError(t, err)
	return v
}

func seedProjectAndGroup(t *testing.T, p *pipeline) {
	p.seed(t, "projects/P1", map[string]any{
		"verificationNumber": 3,
		"requiredResults":    10,
		"resultCount":        0,
		"progress":           0,
	})
	p.seed(t, "groups/P1/G1", map[string]any{
		"numberOfTasks": 2,
		"finishedCount": 0,
		"requiredCount": 3,
		"progress":      0,
	})
}

func validResult() map[string]any {
	return map[string]any{
		"results":   map[string]any{"t1": "building", "t2": "maybe"},
		"startTime": 1000,
		"endTime":   1200,
	}
}

func TestIngestCreditsFirstCompletion(t *testing.T) {
	p := newPipeline(t)
	seedProjectAndGroup(t, p)
	p.arm()

	p.write(t, "results/P1/G1/U1", validResult())

	assert.Equal(t, true, p.read(t, "groupsUsers/P1/G1/U1"))
	assert.Equal(t, int64(2), p.read(t, "users/U1/taskContributionCount"))
	assert.Equal(t, int64(1), p.read(t, "users/U1/groupContributionCount"))
	assert.Equal(t, int64(1), p.read(t, "users/U1/projectContributionCount"))
	assert.Equal(t, true, p.read(t, "users/U1/contributions/P1/G1"))
	assert.Equal(t, int64(2), p.read(t, "users/U1/contributions/P1/taskContributionCount"))

	// Cascade: completion counts, then project accounting.
	assert.Equal(t, int64(1), p.read(t, "groups/P1/G1/finishedCount"))
	assert.Equal(t, int64(2), p.read(t, "groups/P1/G1/requiredCount"))
	assert.Equal(t, int64(33), p.read(t, "groups/P1/G1/progress"))
	assert.Equal(t, int64(2), p.read(t, "projects/P1/resultCount"))
	assert.Equal(t, int64(20), p.read(t, "projects/P1/progress"))
}

func TestIngestIdempotent(t *testing.T) {
	p := newPipeline(t)
	seedProjectAndGroup(t, p)
	p.arm()

	p.write(t, "results/P1/G1/U1", validResult())

	// Re-delivery of the same create event must be absorbed by the
	// membership guard.
	inv := dispatch.Invocation{
		Event: store.Event{
			ID:    "redelivered",
			Kind:  store.KindCreate,
			Path:  "results/P1/G1/U1",
			After: store.DeepCopy(p.read(t, "results/P1/G1/U1")),
		},
		Params: map[string]string{"projectId": "P1", "groupId": "G1", "userId": "U1"},
	}
	require.NoError(t, p.set.IngestResult(context.Background(), inv))
	require.NoError(t, p.d.Drain(context.Background()))

	assert.Equal(t, int64(2), p.read(t, "users/U1/taskContributionCount"), "no double credit")
	assert.Equal(t, int64(1), p.read(t, "groups/P1/G1/finishedCount"))
	assert.Equal(t, int64(2), p.read(t, "projects/P1/resultCount"))
}

func TestIngestMalformedNoWrites(t *testing.T) {
	p := newPipeline(t)
	seedProjectAndGroup(t, p)
	p.arm()

	for name, rec := range map[string]map[string]any{
		"missing results":   {"startTime": 1000, "endTime": 1200},
		"empty results":     {"results": map[string]any{}, "startTime": 1000, "endTime": 1200},
		"missing startTime": {"results": map[string]any{"t1": "x"}, "endTime": 1200},
		"missing endTime":   {"results": map[string]any{"t1": "x"}, "startTime": 1000},
	} {
		p.write(t, "results/P1/G1/U1", rec)
		assert.Nil(t, p.read(t, "groupsUsers/P1/G1"), name)
		assert.Nil(t, p.read(t, "users/U1"), name)
		p.write(t, "results/P1/G1/U1", nil)
	}
	assert.Equal(t, int64(0), p.read(t, "projects/P1/resultCount"))
}

func TestIngestTooFastDiscarded(t *testing.T) {
	p := newPipeline(t)
	seedProjectAndGroup(t, p)
	p.arm()

	rec := validResult()
	rec["endTime"] = 1000 // zero seconds for two tasks
	p.write(t, "results/P1/G1/U1", rec)

	assert.Nil(t, p.read(t, "results/P1/G1/U1"), "abusive result is deleted")
	assert.Nil(t, p.read(t, "groupsUsers/P1/G1"))
	assert.Equal(t, int64(0), p.read(t, "projects/P1/resultCount"))
}

func TestIngestBlocklistedDiscarded(t *testing.T) {
	p := newPipeline(t, WithBlocklist(NewStaticBlocklist([]string{"U1"})))
	seedProjectAndGroup(t, p)
	p.arm()

	p.write(t, "results/P1/G1/U1", validResult())

	assert.Nil(t, p.read(t, "results/P1/G1/U1"))
	assert.Nil(t, p.read(t, "users/U1"))
}

func TestIngestAcceptsRFC3339Timestamps(t *testing.T) {
	p := newPipeline(t)
	seedProjectAndGroup(t, p)
	p.arm()

	p.write(t, "results/P1/G1/U1", map[string]any{
		"results":   map[string]any{"t1": "building", "t2": "maybe"},
		"startTime": "2026-03-01T12:00:00Z",
		"endTime":   "2026-03-01T12:03:20Z",
	})

	assert.Equal(t, true, p.read(t, "groupsUsers/P1/G1/U1"))
	assert.Equal(t, int64(2), p.read(t, "users/U1/taskContributionCount"))
}

func TestIngestProjectContributionCountOncePerProject(t *testing.T) {
	p := newPipeline(t)
	seedProjectAndGroup(t, p)
	p.seed(t, "groups/P1/G2", map[string]any{
		"numberOfTasks": 2,
		"finishedCount": 0,
		"requiredCount": 3,
		"progress":      0,
	})
	p.arm()

	p.write(t, "results/P1/G1/U1", validResult())
	p.write(t, "results/P1/G2/U1", validResult())

	assert.Equal(t, int64(1), p.read(t, "users/U1/projectContributionCount"),
		"second group in the same project does not re-count the project")
	assert.Equal(t, int64(2), p.read(t, "users/U1/groupContributionCount"))
	assert.Equal(t, int64(4), p.read(t, "users/U1/taskContributionCount"))
}

func TestIngestTagsResultWithUserGroups(t *testing.T) {
	p := newPipeline(t)
	seedProjectAndGroup(t, p)
	p.seed(t, "users/U1/userGroups", map[string]any{"UG1": true})
	p.arm()

	p.write(t, "results/P1/G1/U1", validResult())

	assert.Equal(t, map[string]any{"UG1": true}, p.read(t, "results/P1/G1/U1/userGroups"))
}

func TestCompletionGroupLevelVerificationOverride(t *testing.T) {
	p := newPipeline(t)
	seedProjectAndGroup(t, p)
	p.seed(t, "groups/P1/G1/verificationNumber", 5)
	p.arm()

	p.write(t, "results/P1/G1/U1", validResult())

	assert.Equal(t, int64(1), p.read(t, "groups/P1/G1/finishedCount"))
	assert.Equal(t, int64(4), p.read(t, "groups/P1/G1/requiredCount"), "group override wins over project default")
}

func TestCompletionNoVerificationNumberNoWrite(t *testing.T) {
	p := newPipeline(t)
	p.seed(t, "groups/P1/G1", map[string]any{"numberOfTasks": 2})
	p.arm()

	p.write(t, "groupsUsers/P1/G1/U1", true)

	assert.Nil(t, p.read(t, "groups/P1/G1/finishedCount"))
	assert.Nil(t, p.read(t, "groups/P1/G1/requiredCount"))
}

func TestGroupFinishes(t *testing.T) {
	p := newPipeline(t)
	seedProjectAndGroup(t, p)
	p.arm()

	rec := validResult()
	for _, u := range []string{"U1", "U2", "U3"} {
		p.write(t, "results/P1/G1/"+u, store.DeepCopy(rec))
	}

	assert.Equal(t, int64(3), p.read(t, "groups/P1/G1/finishedCount"))
	assert.Equal(t, int64(0), p.read(t, "groups/P1/G1/requiredCount"))
	assert.Equal(t, int64(100), p.read(t, "groups/P1/G1/progress"))
	assert.Equal(t, int64(6), p.read(t, "projects/P1/resultCount"))
	assert.Equal(t, int64(60), p.read(t, "projects/P1/progress"))
}

func TestOverRedundantCompletionNotRecounted(t *testing.T) {
	p := newPipeline(t)
	seedProjectAndGroup(t, p)
	p.arm()

	rec := validResult()
	for _, u := range []string{"U1", "U2", "U3", "U4"} {
		p.write(t, "results/P1/G1/"+u, store.DeepCopy(rec))
	}

	assert.Equal(t, int64(4), p.read(t, "groups/P1/G1/finishedCount"))
	assert.Equal(t, int64(-1), p.read(t, "groups/P1/G1/requiredCount"))
	assert.Equal(t, int64(6), p.read(t, "projects/P1/resultCount"),
		"negative requiredCount takes neither accounting branch")
	assert.Equal(t, int64(100), p.read(t, "groups/P1/G1/progress"),
		"group progress holds its last in-range value")
}

func TestProjectCounterIncreaseBranch(t *testing.T) {
	p := newPipeline(t)
	seedProjectAndGroup(t, p)
	p.arm()

	// Raising requiredCount (verification number raised) grows the
	// demanded total, not the completed count.
	p.write(t, "groups/P1/G1/requiredCount", 5)

	assert.Equal(t, int64(0), p.read(t, "projects/P1/resultCount"))
	assert.Equal(t, int64(12), p.read(t, "projects/P1/requiredResults"))
	assert.Equal(t, int64(0), p.read(t, "projects/P1/progress"))
}

func TestCalcGroupProgressZeroTotalIsComplete(t *testing.T) {
	p := newPipeline(t)
	p.seed(t, "groups/P1/G1", map[string]any{
		"numberOfTasks": 2,
		"finishedCount": 0,
		"requiredCount": 1,
	})
	p.seed(t, "projects/P1", map[string]any{"verificationNumber": 3, "requiredResults": 10})
	p.arm()

	// A group demanding nothing reads as complete.
	p.write(t, "groups/P1/G1/requiredCount", 0)

	assert.Equal(t, int64(100), p.read(t, "groups/P1/G1/progress"))
}

func TestProjectProgressSkippedWithoutRequiredResults(t *testing.T) {
	p := newPipeline(t)
	p.seed(t, "projects/P1", map[string]any{"resultCount": 0})
	p.arm()

	p.write(t, "projects/P1/resultCount", 4)

	assert.Nil(t, p.read(t, "projects/P1/progress"),
		"undefined percentage is not written")
}

func TestProjectProgressFloorDivision(t *testing.T) {
	p := newPipeline(t)
	p.seed(t, "projects/P1", map[string]any{"resultCount": 0, "requiredResults": 30})
	p.arm()

	p.write(t, "projects/P1/resultCount", 10)

	assert.Equal(t, int64(33), p.read(t, "projects/P1/progress"))
}

func TestDecProjectProgressRecomputes(t *testing.T) {
	p := newPipeline(t)
	p.seed(t, "projects/P1", map[string]any{"resultCount": 6, "requiredResults": 10})
	p.arm()

	p.write(t, "projects/P1/requiredResults", 12)

	assert.Equal(t, int64(50), p.read(t, "projects/P1/progress"))
}

func TestMirrorFlagsUserGroupWrites(t *testing.T) {
	p := newPipeline(t)
	p.arm()

	p.write(t, "userGroups/UG1", map[string]any{"name": "Team", "nameKey": "team"})
	assert.Equal(t, true, p.read(t, "updates/userGroups/UG1"))

	// Field-level writes inside the record flag it too.
	require.NoError(t, p.st.Update(context.Background(), "userGroups/UG2", map[string]any{"name": "Other"}))
	require.NoError(t, p.d.Drain(context.Background()))
	assert.Equal(t, true, p.read(t, "updates/userGroups/UG2"))
}

func TestMirrorFlagsMembershipLogWrites(t *testing.T) {
	p := newPipeline(t)
	p.arm()

	p.write(t, "userGroupMembershipLogs/M1", map[string]any{
		"userGroupId": "UG1",
		"userId":      "U1",
		"action":      "join",
	})
	assert.Equal(t, true, p.read(t, "updates/userGroupMembershipLogs/M1"))
}
