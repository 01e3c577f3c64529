package store

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.InitSchema(context.Background(), ""))
	return s
}

func TestAcquireRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h, err := s.Acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.False(t, h.ephemeral)
	s.Release(h)
}

func TestAcquireExhaustedCreatesEphemeral(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), 1)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()

	// Hold the only pooled handle; the next acquire must not block forever.
	held, err := s.Acquire(ctx)
	require.NoError(t, err)
	defer s.Release(held)

	extra, err := s.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, extra.ephemeral)
	s.Release(extra)
}

func TestRollbackIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h, err := s.Acquire(ctx)
	require.NoError(t, err)
	defer s.Release(h)

	tx, err := h.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, tx.Rollback())
	// A second rollback on an already rolled back transaction is a no-op.
	require.NoError(t, tx.Rollback())
}

func TestRollbackAfterCommitIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h, err := s.Acquire(ctx)
	require.NoError(t, err)
	defer s.Release(h)

	tx, err := h.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback())
}

func TestInitSchemaIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitSchema(context.Background(), ""))
}

func TestTokenRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.GetToken(ctx, "group-1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, s.SaveToken(ctx, &types.TokenRecord{
		GroupID:      "group-1",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ATExpiresAt:  1000,
		UpdatedAt:    types.UTCNow(),
	}))

	rec, err = s.GetToken(ctx, "group-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "at-1", rec.AccessToken)
	assert.Equal(t, "rt-1", rec.RefreshToken)
}

func TestTokenRefreshNeverNull(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveToken(ctx, &types.TokenRecord{
		GroupID:      "group-1",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		UpdatedAt:    types.UTCNow(),
	}))

	// An update with an empty refresh token keeps the previous one.
	require.NoError(t, s.SaveToken(ctx, &types.TokenRecord{
		GroupID:      "group-1",
		AccessToken:  "at-2",
		RefreshToken: "",
		UpdatedAt:    types.UTCNow(),
	}))

	rec, err := s.GetToken(ctx, "group-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "at-2", rec.AccessToken)
	assert.Equal(t, "rt-1", rec.RefreshToken, "refresh token must never be overwritten with empty")
}

func TestDeleteToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveToken(ctx, &types.TokenRecord{
		GroupID: "group-1", AccessToken: "at", RefreshToken: "rt", UpdatedAt: types.UTCNow(),
	}))
	require.NoError(t, s.DeleteToken(ctx, "group-1"))

	rec, err := s.GetToken(ctx, "group-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUpsertFoldersKeepsSyncState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	folders := []*types.MailFolder{
		{FolderID: "f1", GroupID: "g1", DisplayName: "Inbox", TotalCount: 10, UpdatedAt: types.UTCNow()},
	}
	require.NoError(t, s.UpsertFolders(ctx, folders))

	link := "https://provider/delta?token=abc"
	require.NoError(t, s.UpdateFolderSyncState(ctx, "f1", FolderSyncState{
		LastSyncAt:  "2026-01-01T00:00:00Z",
		SyncedDelta: 5,
		DeltaLink:   &link,
	}))

	// Re-discovery updates counts but must not clobber cursors.
	folders[0].TotalCount = 12
	folders[0].DisplayName = "Inbox Renamed"
	require.NoError(t, s.UpsertFolders(ctx, folders))

	f, err := s.GetFolder(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, int64(12), f.TotalCount)
	assert.Equal(t, "Inbox Renamed", f.DisplayName)
	assert.Equal(t, link, f.DeltaLink)
	assert.Equal(t, "2026-01-01T00:00:00Z", f.LastSyncAt)
	assert.Equal(t, int64(5), f.SyncedCount)
}

func TestUpdateFolderSyncStateWithoutDelta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	link := "old-delta"
	require.NoError(t, s.UpsertFolders(ctx, []*types.MailFolder{
		{FolderID: "f1", GroupID: "g1", DisplayName: "Inbox", UpdatedAt: types.UTCNow()},
	}))
	require.NoError(t, s.UpdateFolderSyncState(ctx, "f1", FolderSyncState{
		LastSyncAt: "2026-01-01T00:00:00Z", DeltaLink: &link,
	}))

	// A round with no earned deltaLink leaves the stored cursor untouched.
	require.NoError(t, s.UpdateFolderSyncState(ctx, "f1", FolderSyncState{
		LastSyncAt: "2026-01-02T00:00:00Z", SyncedDelta: 3,
	}))

	f, err := s.GetFolder(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "old-delta", f.DeltaLink)
	assert.Equal(t, "2026-01-02T00:00:00Z", f.LastSyncAt)
}

func TestStaleFolderGroups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertFolders(ctx, []*types.MailFolder{
		{FolderID: "f1", GroupID: "g-stale", DisplayName: "Inbox", UpdatedAt: types.UTCNow()},
		{FolderID: "f2", GroupID: "g-fresh", DisplayName: "Inbox", UpdatedAt: types.UTCNow()},
		{FolderID: "f3", GroupID: "g-never", DisplayName: "Inbox", UpdatedAt: types.UTCNow()},
	}))
	require.NoError(t, s.UpdateFolderSyncState(ctx, "f1", FolderSyncState{LastSyncAt: "2020-01-01T00:00:00Z"}))
	require.NoError(t, s.UpdateFolderSyncState(ctx, "f2", FolderSyncState{LastSyncAt: types.UTCNow()}))

	groups, err := s.StaleFolderGroups(ctx, types.UTCDaysAgo(85))
	require.NoError(t, err)
	assert.Equal(t, []string{"g-stale"}, groups, "never-synced folders are not stale, fresh ones either")
}
