package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mapswipe/mapswipe-workers/internal/dispatch"
	"github.com/mapswipe/mapswipe-workers/internal/store"
)

// IngestResult processes a newly created result record at
// results/{projectId}/{groupId}/{userId}.
//
// Pipeline: shape validation, blocklist, mapping-speed screen, then the
// membership idempotence guard. Only a first-time completion of the group
// is credited. The membership entry is written BEFORE the counter
// increments so that a crash between the two leaves the guard
// authoritative: a redelivered event is absorbed instead of
// double-counting (the original system wrote these the other way around
// and accepted the double-count risk).
//
// Anomalies (malformed upload, abusive speed, duplicate) degrade to
// "no-op, logged": the client already got its write acknowledged, and
// there is no human surface to report to.
func (s *Set) IngestResult(ctx context.Context, inv dispatch.Invocation) error {
	projectID := inv.Params["projectId"]
	groupID := inv.Params["groupId"]
	userID := inv.Params["userId"]

	rec, ok := store.AsMap(inv.After)
	if !ok {
		s.malformed(inv, "result is not a record")
		return nil
	}
	answers, ok := store.AsMap(rec["results"])
	if !ok || len(answers) == 0 {
		s.malformed(inv, "missing or empty results")
		return nil
	}
	startTime, ok := asTimestamp(rec["startTime"])
	if !ok {
		s.malformed(inv, "missing startTime")
		return nil
	}
	endTime, ok := asTimestamp(rec["endTime"])
	if !ok {
		s.malformed(inv, "missing endTime")
		return nil
	}
	numberOfTasks := int64(len(answers))

	if s.blocklist.IsBlocked(userID) {
		return s.discard(ctx, inv, "blocklist", projectID, groupID, userID)
	}
	mappingSpeed := (endTime - startTime) / float64(numberOfTasks)
	if mappingSpeed < s.minSecondsPerTask {
		slog.Info("result below plausible mapping speed",
			"path", inv.Path,
			"seconds_per_task", mappingSpeed,
			"floor", s.minSecondsPerTask,
		)
		return s.discard(ctx, inv, "too_fast", projectID, groupID, userID)
	}

	// Idempotence guard: an existing membership entry means this user has
	// already been credited for this group (duplicate trigger, replay, or
	// resubmission).
	member, err := s.store.Read(ctx, membershipPath(projectID, groupID, userID))
	if err != nil {
		return err
	}
	if member != nil {
		if s.metrics != nil {
			s.metrics.Duplicate.Inc()
		}
		slog.Debug("duplicate result absorbed",
			"path", inv.Path,
			"event_id", inv.ID,
		)
		return nil
	}

	// First group in this project? Checked before any write so the
	// projectContributionCount increment is decided on pre-credit state.
	contrib, err := s.store.Read(ctx, contributionPath(userID, projectID))
	if err != nil {
		return err
	}
	firstInProject := contrib == nil

	// Membership first: once this commits, replays are absorbed above and
	// a dispatcher error below must NOT requeue the event.
	if err := s.store.Set(ctx, membershipPath(projectID, groupID, userID), true); err != nil {
		return err
	}

	s.credit(ctx, creditRequest{
		projectID:      projectID,
		groupID:        groupID,
		userID:         userID,
		numberOfTasks:  numberOfTasks,
		firstInProject: firstInProject,
	})
	if s.metrics != nil {
		s.metrics.Accepted.Inc()
	}
	return nil
}

type creditRequest struct {
	projectID      string
	groupID        string
	userID         string
	numberOfTasks  int64
	firstInProject bool
}

// credit fans out the independent counter updates concurrently. The
// sub-writes are individually idempotent-or-transactional but there is no
// all-or-nothing guarantee across them: a failed sub-write is logged and
// left inconsistent (the store has no cross-path transactions). Nothing is
// rolled back and no error is returned, because the membership entry is
// already committed and a redelivery would be absorbed by the guard.
func (s *Set) credit(ctx context.Context, req creditRequest) {
	ops := []struct {
		name string
		run  func(context.Context) error
	}{
		{"contribution flag", func(ctx context.Context) error {
			return s.store.Set(ctx, store.Join(contributionPath(req.userID, req.projectID), req.groupID), true)
		}},
		{"taskContributionCount", func(ctx context.Context) error {
			return s.store.Transaction(ctx, userField(req.userID, "taskContributionCount"), increment(req.numberOfTasks))
		}},
		{"groupContributionCount", func(ctx context.Context) error {
			return s.store.Transaction(ctx, userField(req.userID, "groupContributionCount"), increment(1))
		}},
		{"project taskContributionCount", func(ctx context.Context) error {
			return s.store.Transaction(ctx, store.Join(contributionPath(req.userID, req.projectID), "taskContributionCount"), increment(req.numberOfTasks))
		}},
		{"userGroups tag", func(ctx context.Context) error {
			return s.tagResultUserGroups(ctx, req)
		}},
	}
	if req.firstInProject {
		ops = append(ops, struct {
			name string
			run  func(context.Context) error
		}{"projectContributionCount", func(ctx context.Context) error {
			return s.store.Transaction(ctx, userField(req.userID, "projectContributionCount"), increment(1))
		}})
	}

	var wg sync.WaitGroup
	for _, op := range ops {
		wg.Add(1)
		go func(name string, run func(context.Context) error) {
			defer wg.Done()
			if err := run(ctx); err != nil {
				slog.Error("credit sub-write failed",
					"op", name,
					"project", req.projectID,
					"group", req.groupID,
					"user", req.userID,
					"error", err,
				)
			}
		}(op.name, op.run)
	}
	wg.Wait()
}

// tagResultUserGroups copies the user's organizational groups onto the
// result record, denormalized for downstream reporting.
func (s *Set) tagResultUserGroups(ctx context.Context, req creditRequest) error {
	groups, err := s.store.Read(ctx, userField(req.userID, "userGroups"))
	if err != nil {
		return err
	}
	if groups == nil {
		return nil
	}
	return s.store.Set(ctx, store.Join(resultPath(req.projectID, req.groupID, req.userID), "userGroups"), groups)
}

// discard deletes a result that failed the anti-abuse screen. The
// submitting client is not notified; its original write was already
// acknowledged by the store.
func (s *Set) discard(ctx context.Context, inv dispatch.Invocation, reason, projectID, groupID, userID string) error {
	if err := s.store.Delete(ctx, resultPath(projectID, groupID, userID)); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.Flagged.WithLabelValues(reason).Inc()
	}
	slog.Info("result discarded",
		"reason", reason,
		"project", projectID,
		"group", groupID,
		"user", userID,
		"event_id", inv.ID,
	)
	return nil
}

func (s *Set) malformed(inv dispatch.Invocation, detail string) {
	if s.metrics != nil {
		s.metrics.Malformed.Inc()
	}
	slog.Debug("malformed result upload ignored",
		"path", inv.Path,
		"detail", detail,
	)
}

// increment returns a transaction function adding by to a numeric node.
// An absent node counts from zero.
func increment(by int64) func(cur any) (any, error) {
	return func(cur any) (any, error) {
		n, _ := store.AsInt(cur)
		return n + by, nil
	}
}

// asTimestamp accepts the two encodings clients upload: epoch seconds
// (number) or RFC 3339 text. Returns seconds.
func asTimestamp(v any) (float64, bool) {
	if f, ok := store.AsFloat(v); ok {
		return f, true
	}
	if s, ok := store.AsString(v); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return float64(t.UnixMilli()) / 1000.0, true
		}
	}
	return 0, false
}
