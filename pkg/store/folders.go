package store

import (
	"context"
	"fmt"

	"github.com/mailharbor/mailharbor/pkg/types"
)

// ListFolders returns all folder rows for a group.
func (s *Store) ListFolders(ctx context.Context, groupID string) ([]*types.MailFolder, error) {
	var folders []*types.MailFolder
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.SelectContext(ctx, &folders,
			`SELECT folder_id, group_id, display_name, well_known_name, parent_folder_id,
			        total_count, unread_count, delta_link, last_sync_at, synced_count, updated_at
			 FROM mail_folders WHERE group_id = ? ORDER BY display_name`, groupID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list folders for group %s: %w", groupID, err)
	}
	return folders, nil
}

// GetFolder returns one folder row or nil.
func (s *Store) GetFolder(ctx context.Context, folderID string) (*types.MailFolder, error) {
	folders, err := s.selectFolders(ctx,
		`SELECT folder_id, group_id, display_name, well_known_name, parent_folder_id,
		        total_count, unread_count, delta_link, last_sync_at, synced_count, updated_at
		 FROM mail_folders WHERE folder_id = ?`, folderID)
	if err != nil {
		return nil, err
	}
	if len(folders) == 0 {
		return nil, nil
	}
	return folders[0], nil
}

func (s *Store) selectFolders(ctx context.Context, query string, args ...any) ([]*types.MailFolder, error) {
	var folders []*types.MailFolder
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.SelectContext(ctx, &folders, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	return folders, nil
}

// UpsertFolders writes discovered folder rows in one transaction, keyed by
// folder_id. Sync state columns (delta_link, last_sync_at, synced_count) are
// not touched here.
func (s *Store) UpsertFolders(ctx context.Context, folders []*types.MailFolder) error {
	if len(folders) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *Tx) error {
		for _, f := range folders {
			_, err := tx.tx.ExecContext(ctx, `
				INSERT INTO mail_folders (folder_id, group_id, display_name, well_known_name,
				                          parent_folder_id, total_count, unread_count, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(folder_id) DO UPDATE SET
					display_name     = excluded.display_name,
					parent_folder_id = excluded.parent_folder_id,
					total_count      = excluded.total_count,
					unread_count     = excluded.unread_count,
					updated_at       = excluded.updated_at`,
				f.FolderID, f.GroupID, f.DisplayName, f.WellKnownName,
				f.ParentFolderID, f.TotalCount, f.UnreadCount, f.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to upsert folder %s: %w", f.FolderID, err)
			}
		}
		return nil
	})
}

// FolderSyncState is the per-folder cursor update applied after a successful
// sync round.
type FolderSyncState struct {
	LastSyncAt  string
	SyncedDelta int64
	// DeltaLink replaces the stored cursor only when non-nil; a round that
	// did not earn a new deltaLink leaves the old one untouched.
	DeltaLink *string
}

// UpdateFolderSyncState advances a folder's cursor. Called only after every
// page of the round was pushed to the write queue.
func (s *Store) UpdateFolderSyncState(ctx context.Context, folderID string, st FolderSyncState) error {
	return s.withTx(ctx, func(tx *Tx) error {
		var err error
		if st.DeltaLink != nil {
			_, err = tx.tx.ExecContext(ctx, `
				UPDATE mail_folders
				SET last_sync_at = ?, synced_count = synced_count + ?, delta_link = ?, updated_at = ?
				WHERE folder_id = ?`,
				st.LastSyncAt, st.SyncedDelta, *st.DeltaLink, types.UTCNow(), folderID)
		} else {
			_, err = tx.tx.ExecContext(ctx, `
				UPDATE mail_folders
				SET last_sync_at = ?, synced_count = synced_count + ?, updated_at = ?
				WHERE folder_id = ?`,
				st.LastSyncAt, st.SyncedDelta, types.UTCNow(), folderID)
		}
		if err != nil {
			return fmt.Errorf("failed to update folder sync state for %s: %w", folderID, err)
		}
		return nil
	})
}

// ClearFolderDeltaLink drops an expired delta cursor so the next auto sync
// falls back to a time-window strategy.
func (s *Store) ClearFolderDeltaLink(ctx context.Context, folderID string) error {
	return s.withHandle(ctx, func(h *Handle) error {
		if _, err := h.db.ExecContext(ctx,
			`UPDATE mail_folders SET delta_link = '', updated_at = ? WHERE folder_id = ?`,
			types.UTCNow(), folderID); err != nil {
			return fmt.Errorf("failed to clear delta link for %s: %w", folderID, err)
		}
		return nil
	})
}

// StaleFolderGroups returns group ids owning folders whose last sync is older
// than the cutoff. Used by the maintenance watchdog.
func (s *Store) StaleFolderGroups(ctx context.Context, cutoff string) ([]string, error) {
	var groups []string
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.SelectContext(ctx, &groups,
			`SELECT DISTINCT group_id FROM mail_folders
			 WHERE last_sync_at != '' AND last_sync_at < ?`, cutoff)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query stale folders: %w", err)
	}
	return groups, nil
}
