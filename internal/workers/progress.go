package workers

import (
	"context"
	"log/slog"

	"github.com/mapswipe/mapswipe-workers/internal/dispatch"
	"github.com/mapswipe/mapswipe-workers/internal/store"
)

// PropagateRequiredCount feeds a group's requiredCount transition into the
// project-level task accounting.
//
// The two branches accumulate DIFFERENT project fields:
//
//   - requiredCount decreased (still >= 0): the group moved closer to
//     completion, so the group's numberOfTasks is added to the project's
//     resultCount (completed task-units).
//   - requiredCount increased (still >= 0): the demanded redundancy grew
//     (verification number raised), so numberOfTasks is added to
//     requiredResults (total demanded task-units).
//
// Transitions into negative territory take neither branch: over-redundant
// completions beyond the verification number are deliberately not added to
// resultCount again. Production trees predating this port may contain
// resultCount values inflated by the old unguarded behavior; those are
// left as they are.
func (s *Set) PropagateRequiredCount(ctx context.Context, inv dispatch.Invocation) error {
	projectID := inv.Params["projectId"]
	groupID := inv.Params["groupId"]

	after, ok := store.AsInt(inv.After)
	if !ok {
		// Field removed; nothing to propagate.
		return nil
	}
	before, _ := store.AsInt(inv.Before)

	var target string
	switch {
	case after < before && after >= 0:
		target = "resultCount"
	case after > before && after >= 0:
		target = "requiredResults"
	default:
		slog.Info("will not recalculate",
			"project", projectID,
			"group", groupID,
			"before", before,
			"after", after,
		)
		return nil
	}

	tasks, err := s.store.Read(ctx, groupField(projectID, groupID, "numberOfTasks"))
	if err != nil {
		return err
	}
	numberOfTasks, ok := store.AsInt(tasks)
	if !ok {
		slog.Warn("group has no numberOfTasks, project counts not updated",
			"project", projectID,
			"group", groupID,
		)
		return nil
	}

	return s.store.Transaction(ctx, projectField(projectID, target), increment(numberOfTasks))
}

// CalcGroupProgress recomputes the group-level display percentage from the
// same requiredCount transition, independently of PropagateRequiredCount.
//
// progress = floor(finishedCount / (finishedCount + requiredCount) * 100).
// When both terms are zero the group demands nothing, which reads as
// complete: 100. A negative requiredCount leaves the last in-range value
// standing (the group is already past its target).
func (s *Set) CalcGroupProgress(ctx context.Context, inv dispatch.Invocation) error {
	projectID := inv.Params["projectId"]
	groupID := inv.Params["groupId"]

	required, ok := store.AsInt(inv.After)
	if !ok {
		return nil
	}
	if required < 0 {
		slog.Debug("group past verification target, progress unchanged",
			"project", projectID,
			"group", groupID,
			"requiredCount", required,
		)
		return nil
	}

	v, err := s.store.Read(ctx, groupField(projectID, groupID, "finishedCount"))
	if err != nil {
		return err
	}
	finished, _ := store.AsInt(v)

	var progress int64
	if finished+required == 0 {
		progress = 100
	} else {
		progress = finished * 100 / (finished + required)
	}
	return s.store.Set(ctx, groupField(projectID, groupID, "progress"), progress)
}

// RecalcProjectProgressFromResults recomputes a project's progress after a
// resultCount change, reading requiredResults fresh.
func (s *Set) RecalcProjectProgressFromResults(ctx context.Context, inv dispatch.Invocation) error {
	projectID := inv.Params["projectId"]
	resultCount, ok := store.AsInt(inv.After)
	if !ok {
		return nil
	}
	return s.recalcProjectProgress(ctx, projectID, resultCount, -1)
}

// RecalcProjectProgressFromRequired recomputes a project's progress after
// a requiredResults change, reading resultCount fresh.
//
// Together with RecalcProjectProgressFromResults, the same derived field
// is rewritten from the same two source fields by two independent
// triggers. Readers may observe a transiently stale percentage between
// the two firings; both converge on
// floor(resultCount / requiredResults * 100).
func (s *Set) RecalcProjectProgressFromRequired(ctx context.Context, inv dispatch.Invocation) error {
	projectID := inv.Params["projectId"]
	requiredResults, ok := store.AsInt(inv.After)
	if !ok {
		return nil
	}
	return s.recalcProjectProgress(ctx, projectID, -1, requiredResults)
}

// recalcProjectProgress reads whichever source field the trigger did not
// deliver (marked -1) and writes the derived percentage. A non-positive
// requiredResults makes the percentage undefined; the write is skipped
// and the staleness logged rather than persisting a division artifact.
func (s *Set) recalcProjectProgress(ctx context.Context, projectID string, resultCount, requiredResults int64) error {
	if resultCount < 0 {
		v, err := s.store.Read(ctx, projectField(projectID, "resultCount"))
		if err != nil {
			return err
		}
		resultCount, _ = store.AsInt(v)
	}
	if requiredResults < 0 {
		v, err := s.store.Read(ctx, projectField(projectID, "requiredResults"))
		if err != nil {
			return err
		}
		var ok bool
		requiredResults, ok = store.AsInt(v)
		if !ok {
			requiredResults = 0
		}
	}
	if requiredResults <= 0 {
		slog.Info("project has no requiredResults, progress not recalculated",
			"project", projectID,
			"resultCount", resultCount,
		)
		return nil
	}
	return s.store.Set(ctx, projectField(projectID, "progress"), resultCount*100/requiredResults)
}
