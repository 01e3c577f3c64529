package sync

import (
	"context"

	"github.com/mailharbor/mailharbor/pkg/graph"
	"github.com/mailharbor/mailharbor/pkg/types"
)

// SyncFolders discovers the full folder tree for a group and upserts the
// rows by folder_id. The walk is breadth-first over a worklist: the root
// listing seeds the queue and every folder with children appends its own.
// Hidden folders are excluded; a child listing that fails is logged and
// skipped so the rest of the tree still lands.
func (e *Engine) SyncFolders(ctx context.Context, groupID string) (int, error) {
	client := e.clientFor(groupID)

	rootPage, err := client.ListMailFolders(ctx, folderListTop)
	if err != nil {
		return 0, err
	}
	if len(rootPage.Value) == 0 {
		return 0, nil
	}

	worklist := append([]graph.Folder{}, rootPage.Value...)
	for i := 0; i < len(worklist); i++ {
		current := worklist[i]
		if current.ChildFolderCount == 0 || current.ID == "" {
			continue
		}
		childPage, err := client.ListChildFolders(ctx, current.ID, folderListTop)
		if err != nil {
			e.logger.Warn().Err(err).
				Str("group_id", groupID).
				Str("folder_id", current.ID).
				Msg("Failed to list child folders")
			continue
		}
		worklist = append(worklist, childPage.Value...)
	}

	now := types.UTCNow()
	rows := make([]*types.MailFolder, 0, len(worklist))
	seen := make(map[string]bool, len(worklist))
	for _, f := range worklist {
		if f.ID == "" || f.IsHidden || seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		rows = append(rows, &types.MailFolder{
			FolderID:       f.ID,
			GroupID:        groupID,
			DisplayName:    f.DisplayName,
			WellKnownName:  f.WellKnownName,
			ParentFolderID: f.ParentFolderID,
			TotalCount:     f.TotalItemCount,
			UnreadCount:    f.UnreadItemCount,
			UpdatedAt:      now,
		})
	}

	if err := e.store.UpsertFolders(ctx, rows); err != nil {
		return 0, err
	}

	e.logger.Info().
		Str("group_id", groupID).
		Int("folders", len(rows)).
		Msg("Folder tree synchronized")
	return len(rows), nil
}
