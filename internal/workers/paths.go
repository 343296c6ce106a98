package workers

import "github.com/mapswipe/mapswipe-workers/internal/store"

// Trigger patterns. These paths are the store's external interface and
// must not change: dashboards and the relational mirror read them.
const (
	resultPattern            = "results/{projectId}/{groupId}/{userId}"
	membershipPattern        = "groupsUsers/{projectId}/{groupId}/{userId}"
	requiredCountPattern     = "groups/{projectId}/{groupId}/requiredCount"
	resultCountPattern       = "projects/{projectId}/resultCount"
	requiredResultsPattern   = "projects/{projectId}/requiredResults"
	userGroupPattern         = "userGroups/{userGroupId}"
	membershipLogPattern     = "userGroupMembershipLogs/{membershipId}"
	userGroupDirtyPrefix     = "updates/userGroups"
	membershipLogDirtyPrefix = "updates/userGroupMembershipLogs"
)

func resultPath(projectID, groupID, userID string) string {
	return store.Join("results", projectID, groupID, userID)
}

func membershipPath(projectID, groupID, userID string) string {
	return store.Join("groupsUsers", projectID, groupID, userID)
}

func membershipSetPath(projectID, groupID string) string {
	return store.Join("groupsUsers", projectID, groupID)
}

func groupPath(projectID, groupID string) string {
	return store.Join("groups", projectID, groupID)
}

func groupField(projectID, groupID, field string) string {
	return store.Join("groups", projectID, groupID, field)
}

func projectField(projectID, field string) string {
	return store.Join("projects", projectID, field)
}

func userField(userID, field string) string {
	return store.Join("users", userID, field)
}

func contributionPath(userID, projectID string) string {
	return store.Join("users", userID, "contributions", projectID)
}
