package workers

import (
	"context"

	"github.com/mapswipe/mapswipe-workers/internal/dispatch"
	"github.com/mapswipe/mapswipe-workers/internal/store"
)

// MarkUserGroupDirty flags an organizational user group for re-export by
// the external relational mirror. The flag is write-only from this side:
// the synchronizer clears it after a successful export.
func (s *Set) MarkUserGroupDirty(ctx context.Context, inv dispatch.Invocation) error {
	id := inv.Params["userGroupId"]
	return s.store.Set(ctx, store.Join(userGroupDirtyPrefix, id), true)
}

// MarkMembershipLogDirty flags a membership-log record for re-export.
func (s *Set) MarkMembershipLogDirty(ctx context.Context, inv dispatch.Invocation) error {
	id := inv.Params["membershipId"]
	return s.store.Set(ctx, store.Join(membershipLogDirtyPrefix, id), true)
}
