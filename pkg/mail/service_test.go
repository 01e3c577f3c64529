package mail

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

func seedMessage(t *testing.T, s *store.Store, group, uid, flags string) int64 {
	t.Helper()
	now := types.UTCNow()
	require.NoError(t, s.FlushWriteOps(context.Background(), []*types.MailMessage{{
		GroupID: group, MsgUID: uid, Subject: "subject " + uid,
		ReceivedAt: "2026-03-01T10:00:00Z", Flags: flags,
		CreatedAt: now, UpdatedAt: now,
	}}, nil, nil, nil))

	res, err := s.SearchMessages(context.Background(),
		[]string{"group_id = ?", "msg_uid = ?"}, []any{group, uid},
		&types.MailSearchRequest{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	return res.Items[0].ID
}

func TestBatchUpdateFlags(t *testing.T) {
	tests := []struct {
		name     string
		initial  string
		action   string
		flag     string
		expected string
		changed  int
	}{
		{"add read to unread", "UNREAD", FlagActionAdd, "Read", "Read", 1},
		{"add flagged to read", "Read", FlagActionAdd, "Flagged", "Flagged;Read", 1},
		{"add existing is noop", "Read", FlagActionAdd, "Read", "Read", 0},
		{"remove read", "Flagged;Read", FlagActionRemove, "Read", "Flagged", 1},
		{"remove last flag yields unread", "Read", FlagActionRemove, "Read", "UNREAD", 1},
		{"remove absent is noop", "Read", FlagActionRemove, "Flagged", "Read", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, s := newTestService(t)
			id := seedMessage(t, s, "g1", "u1", tt.initial)

			updated, err := svc.BatchUpdateFlags(context.Background(), "g1", []int64{id}, tt.action, tt.flag)
			require.NoError(t, err)
			assert.Equal(t, tt.changed, updated)

			msg, err := s.GetMessage(context.Background(), "g1", id)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, msg.Flags)
		})
	}
}

func TestBatchUpdateFlagsInvalidAction(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.BatchUpdateFlags(context.Background(), "g1", []int64{1}, "toggle", "Read")
	assert.Error(t, err)
}

func TestBatchUpdateFlagsScopedToGroup(t *testing.T) {
	svc, s := newTestService(t)
	id := seedMessage(t, s, "g1", "u1", "UNREAD")

	// Asking through the wrong group touches nothing.
	updated, err := svc.BatchUpdateFlags(context.Background(), "g2", []int64{id}, FlagActionAdd, "Read")
	require.NoError(t, err)
	assert.Zero(t, updated)
}

func TestDeleteScopedToGroup(t *testing.T) {
	svc, s := newTestService(t)
	id := seedMessage(t, s, "g1", "u1", "UNREAD")

	ok, err := svc.Delete(context.Background(), "g2", id)
	require.NoError(t, err)
	assert.False(t, ok, "cross-group deletion is refused")

	ok, err = svc.Delete(context.Background(), "g1", id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBatchDelete(t *testing.T) {
	svc, s := newTestService(t)
	id1 := seedMessage(t, s, "g1", "u1", "UNREAD")
	id2 := seedMessage(t, s, "g1", "u2", "UNREAD")
	other := seedMessage(t, s, "g2", "u3", "UNREAD")

	n, err := svc.BatchDelete(context.Background(), "g1", []int64{id1, id2, other})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestGetDetail(t *testing.T) {
	svc, s := newTestService(t)
	id := seedMessage(t, s, "g1", "u1", "UNREAD")

	detail, err := svc.GetDetail(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, detail)
	assert.Nil(t, detail.Body, "body is lazy until a download")

	require.NoError(t, svc.UpdateBody(context.Background(), &types.MailBody{
		MessageID: id, BodyHTML: "<p>hello</p>",
	}))

	detail, err = svc.GetDetail(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, detail.Body)
	assert.Equal(t, "<p>hello</p>", detail.Body.BodyHTML)
}

func TestGetDetailMissing(t *testing.T) {
	svc, _ := newTestService(t)
	detail, err := svc.GetDetail(context.Background(), 9999)
	require.NoError(t, err)
	assert.Nil(t, detail)
}

func setupPermissions(t *testing.T, s *store.Store) (adminUser, plainUser *types.User, accountID int64) {
	t.Helper()
	ctx := context.Background()

	adminID, err := s.CreateUser(ctx, "root", "pw", types.RoleAdmin)
	require.NoError(t, err)
	userID, err := s.CreateUser(ctx, "worker", "pw", "user")
	require.NoError(t, err)

	now := types.UTCNow()
	accountID, err = s.CreateAccount(ctx, &types.Account{
		GroupID: "g1", Email: "a@example.com", Status: types.AccountStatusSuccess,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	admin, err := s.GetUser(ctx, adminID)
	require.NoError(t, err)
	plain, err := s.GetUser(ctx, userID)
	require.NoError(t, err)
	return admin, plain, accountID
}

func TestSearchGroupPermission(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	admin, plain, accountID := setupPermissions(t, s)
	seedMessage(t, s, "g1", "u1", "UNREAD")

	// Admin sees the group without assignments.
	res, err := svc.SearchGroup(ctx, "g1", &types.MailSearchRequest{}, admin)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Total)

	// Unassigned user sees nothing.
	res, err = svc.SearchGroup(ctx, "g1", &types.MailSearchRequest{}, plain)
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Total)
	assert.Empty(t, res.Items)

	// Assignment into the group opens it up.
	projectID, err := s.CreateProject(ctx, "proj")
	require.NoError(t, err)
	_, err = s.AssignAccounts(ctx, projectID, plain.ID, []int64{accountID})
	require.NoError(t, err)

	res, err = svc.SearchGroup(ctx, "g1", &types.MailSearchRequest{}, plain)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Total)
}

func TestJoinFlagSetDeterministic(t *testing.T) {
	set := map[string]bool{"Read": true, "Flagged": true}
	assert.Equal(t, "Flagged;Read", joinFlagSet(set))
	assert.Equal(t, "UNREAD", joinFlagSet(map[string]bool{}))
}
