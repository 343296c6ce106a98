package workers

// Blocklist answers whether a user identity is barred from contributing.
// Results from blocked users are deleted on sight, before the speed
// screen. The lookup is injected so operators can swap the static
// config-file list for an external service without touching the handler.
type Blocklist interface {
	IsBlocked(userID string) bool
}

// StaticBlocklist is the config-file backed Blocklist.
type StaticBlocklist map[string]struct{}

// NewStaticBlocklist builds a blocklist from a list of user IDs.
func NewStaticBlocklist(userIDs []string) StaticBlocklist {
	bl := make(StaticBlocklist, len(userIDs))
	for _, id := range userIDs {
		bl[id] = struct{}{}
	}
	return bl
}

// IsBlocked reports whether userID is on the list.
func (bl StaticBlocklist) IsBlocked(userID string) bool {
	_, ok := bl[userID]
	return ok
}
