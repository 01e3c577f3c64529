package distribution

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/store"
	"github.com/mailharbor/mailharbor/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.InitSchema(context.Background(), ""))
	return NewService(s), s
}

func seedAccount(t *testing.T, s *store.Store, group, email string) int64 {
	t.Helper()
	now := types.UTCNow()
	id, err := s.CreateAccount(context.Background(), &types.Account{
		GroupID: group, Email: email, Status: types.AccountStatusNotLoggedIn,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	return id
}

func TestAssignIgnoresDuplicates(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	projectID, err := svc.CreateProject(ctx, "proj")
	require.NoError(t, err)
	userID, err := svc.CreateUser(ctx, "worker", "pw", "")
	require.NoError(t, err)

	a1 := seedAccount(t, s, "g1", "a1@example.com")
	a2 := seedAccount(t, s, "g1", "a2@example.com")

	n, err := svc.Assign(ctx, projectID, userID, []int64{a1, a2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Repeating the assignment adds nothing.
	n, err = svc.Assign(ctx, projectID, userID, []int64{a1, a2})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnassign(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	projectID, err := svc.CreateProject(ctx, "proj")
	require.NoError(t, err)
	userID, err := svc.CreateUser(ctx, "worker", "pw", "")
	require.NoError(t, err)
	a1 := seedAccount(t, s, "g1", "a1@example.com")

	_, err = svc.Assign(ctx, projectID, userID, []int64{a1})
	require.NoError(t, err)

	removed, err := svc.Unassign(ctx, projectID, []int64{a1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestStats(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	projectID, err := svc.CreateProject(ctx, "proj")
	require.NoError(t, err)
	userID, err := svc.CreateUser(ctx, "worker", "pw", "")
	require.NoError(t, err)

	a1 := seedAccount(t, s, "g1", "a1@example.com")
	seedAccount(t, s, "g2", "a2@example.com")
	seedAccount(t, s, "g3", "a3@example.com")

	_, err = svc.Assign(ctx, projectID, userID, []int64{a1})
	require.NoError(t, err)

	stats, err := svc.Stats(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalAssigned)
	assert.Equal(t, int64(2), stats.Available)
	assert.Equal(t, int64(1), stats.PerUser["worker"])
}

func TestAssignedAccountConditions(t *testing.T) {
	admin := &types.User{ID: 1, Role: types.RoleAdmin}
	plain := &types.User{ID: 2, Role: "user"}

	conds, params := store.AssignedAccountConditions(admin, 0)
	assert.Empty(t, conds, "admins without a project see everything")
	assert.Empty(t, params)

	conds, params = store.AssignedAccountConditions(admin, 5)
	require.Len(t, conds, 1)
	assert.Equal(t, []any{int64(5)}, params)

	conds, params = store.AssignedAccountConditions(plain, 0)
	require.Len(t, conds, 1)
	assert.Equal(t, []any{int64(2)}, params)

	conds, params = store.AssignedAccountConditions(plain, 5)
	require.Len(t, conds, 1)
	assert.Equal(t, []any{int64(2), int64(5)}, params)
}

func TestCreateProjectDuplicateName(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateProject(ctx, "proj")
	require.NoError(t, err)
	_, err = svc.CreateProject(ctx, "proj")
	assert.Error(t, err, "project names are unique")
}
