package usergroups

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapswipe/mapswipe-workers/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st := store.New(store.NewMemory())
	n := 0
	svc := NewService(st,
		WithNow(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }),
		WithNewID(func() string { n++; return fmt.Sprintf("id-%d", n) }),
	)
	return svc, st
}

func TestNameKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Map Team", "map team"},
		{"  Map Team  ", "map team"},
		{"MAP TEAM", "map team"},
		{"Café Mappers", "café mappers"},
		{"Cafe\u0301 Mappers", "café mappers"}, // decomposed accent folds the same
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, NameKey(tc.in), "NameKey(%q)", tc.in)
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	id, err := svc.Create(ctx, "Map Team", "we map", "U1")
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)

	rec, err := st.Read(ctx, store.Join("userGroups", id))
	require.NoError(t, err)
	m, ok := store.AsMap(rec)
	require.True(t, ok)
	assert.Equal(t, "Map Team", m["name"])
	assert.Equal(t, "map team", m["nameKey"])
	assert.Equal(t, "U1", m["createdBy"])
	assert.Equal(t, "2026-03-01T12:00:00Z", m["createdAt"])
}

func TestCreateRejectsTakenName(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Create(ctx, "Map Team", "", "U1")
	require.NoError(t, err)

	_, err = svc.Create(ctx, "  MAP TEAM ", "", "U2")
	assert.ErrorIs(t, err, ErrNameTaken, "names folding to the same key collide")
}

func TestCreateRejectsEmptyName(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), "   ", "", "U1")
	assert.Error(t, err)
}

func TestArchiveUnarchive(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	id, err := svc.Create(ctx, "Map Team", "", "U1")
	require.NoError(t, err)
	require.NoError(t, svc.AddMember(ctx, id, "U2"))

	require.NoError(t, svc.Archive(ctx, id, "U9"))
	v, err := st.Read(ctx, store.Join("userGroups", id, "archivedBy"))
	require.NoError(t, err)
	assert.Equal(t, "U9", v)

	// Archiving leaves the members set untouched.
	v, err = st.Read(ctx, store.Join("userGroups", id, "users", "U2"))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	require.NoError(t, svc.Unarchive(ctx, id))
	v, err = st.Read(ctx, store.Join("userGroups", id, "archivedBy"))
	require.NoError(t, err)
	assert.Nil(t, v)
	v, err = st.Read(ctx, store.Join("userGroups", id, "archivedAt"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestArchiveMissingGroup(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Archive(context.Background(), "nope", "U1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddRemoveMember(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	id, err := svc.Create(ctx, "Map Team", "", "U1")
	require.NoError(t, err)

	require.NoError(t, svc.AddMember(ctx, id, "U2"))

	v, err := st.Read(ctx, store.Join("userGroups", id, "users", "U2"))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	// The user carries a reverse tag for result denormalization.
	v, err = st.Read(ctx, store.Join("users", "U2", "userGroups", id))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	// Membership log: id-2 was the AddMember log record.
	logRec, err := st.Read(ctx, "userGroupMembershipLogs/id-2")
	require.NoError(t, err)
	m, ok := store.AsMap(logRec)
	require.True(t, ok)
	assert.Equal(t, id, m["userGroupId"])
	assert.Equal(t, "U2", m["userId"])
	assert.Equal(t, "join", m["action"])

	require.NoError(t, svc.RemoveMember(ctx, id, "U2"))

	v, err = st.Read(ctx, store.Join("userGroups", id, "users", "U2"))
	require.NoError(t, err)
	assert.Nil(t, v)
	v, err = st.Read(ctx, store.Join("users", "U2", "userGroups", id))
	require.NoError(t, err)
	assert.Nil(t, v)

	leaveRec, err := st.Read(ctx, "userGroupMembershipLogs/id-3")
	require.NoError(t, err)
	m, ok = store.AsMap(leaveRec)
	require.True(t, ok)
	assert.Equal(t, "leave", m["action"])
}
