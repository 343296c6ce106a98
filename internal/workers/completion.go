package workers

import (
	"context"
	"log/slog"

	"github.com/mapswipe/mapswipe-workers/internal/dispatch"
	"github.com/mapswipe/mapswipe-workers/internal/store"
)

// UpdateGroupCounts re-derives a group's finishedCount and requiredCount
// after any write to its membership set.
//
// Both values are recomputed from a fresh read of the current membership
// cardinality, never incremented, so concurrent triggers for the same
// group converge on the latest state regardless of delivery order:
// last writer wins, and every writer computed from the full set.
//
// requiredCount = effectiveVerificationNumber - finishedCount and is NOT
// clamped at zero. More completions than the verification number demands
// drive it negative, and the downstream projectCounter branches on the
// sign, so clamping here would change project accounting.
func (s *Set) UpdateGroupCounts(ctx context.Context, inv dispatch.Invocation) error {
	projectID := inv.Params["projectId"]
	groupID := inv.Params["groupId"]

	verification, ok, err := s.effectiveVerificationNumber(ctx, projectID, groupID)
	if err != nil {
		return err
	}
	if !ok {
		slog.Warn("no verification number for group, counts not updated",
			"project", projectID,
			"group", groupID,
		)
		return nil
	}

	members, err := s.store.Read(ctx, membershipSetPath(projectID, groupID))
	if err != nil {
		return err
	}
	finished := int64(store.ChildCount(members))

	return s.store.Update(ctx, groupPath(projectID, groupID), map[string]any{
		"finishedCount": finished,
		"requiredCount": verification - finished,
	})
}

// effectiveVerificationNumber resolves the redundancy target: the
// group-level override when present, otherwise the project-level default.
func (s *Set) effectiveVerificationNumber(ctx context.Context, projectID, groupID string) (int64, bool, error) {
	v, err := s.store.Read(ctx, groupField(projectID, groupID, "verificationNumber"))
	if err != nil {
		return 0, false, err
	}
	if n, ok := store.AsInt(v); ok {
		return n, true, nil
	}
	v, err = s.store.Read(ctx, projectField(projectID, "verificationNumber"))
	if err != nil {
		return 0, false, err
	}
	if n, ok := store.AsInt(v); ok {
		return n, true, nil
	}
	return 0, false, nil
}
