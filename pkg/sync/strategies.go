package sync

import (
	"context"
	"errors"

	"github.com/mailharbor/mailharbor/pkg/graph"
	"github.com/mailharbor/mailharbor/pkg/store"
	"github.com/mailharbor/mailharbor/pkg/types"
)

// syncFolderPages is the shared paginated fetch-and-buffer loop behind the
// full, recent and incremental strategies. Folder state advances only after
// every page of the round was pushed to the write queue. When probeDelta is
// set a fresh deltaLink is requested at the end so the next auto round can
// use change tracking.
func (e *Engine) syncFolderPages(ctx context.Context, client *graph.Client, groupID string, folder *types.MailFolder, filter, roundStart string, probeDelta bool) (*folderResult, error) {
	res := &folderResult{}
	strategy := StrategyIncremental
	if probeDelta {
		strategy = StrategyRecent
	}
	if filter == "" {
		strategy = StrategyFull
	}

	skipToken := ""
	for batch := 0; batch < maxBatchesPerFolder; batch++ {
		if err := ctx.Err(); err != nil {
			return nil, types.ErrCancelled
		}

		page, err := e.listPage(ctx, client, graph.ListMessagesOptions{
			FolderID:  folder.FolderID,
			Top:       pageSize,
			Select:    listSelect,
			Filter:    filter,
			OrderBy:   "receivedDateTime desc",
			SkipToken: skipToken,
		}, strategy)
		if err != nil {
			return nil, err
		}

		if len(page.Value) == 0 {
			break
		}

		buffered, err := e.bufferMessages(ctx, groupID, page.Value)
		if err != nil {
			return nil, err
		}
		res.synced += buffered
		res.fetched += len(page.Value)

		if page.NextLink == "" {
			break
		}
		skipToken = graph.ExtractSkipToken(page.NextLink)
		if skipToken == "" {
			// Defensive: a nextLink without a cursor would loop forever.
			break
		}
	}

	state := store.FolderSyncState{
		LastSyncAt:  roundStart,
		SyncedDelta: int64(res.synced),
	}

	if probeDelta {
		// Probe a change-tracking cursor for the next round. Some folders
		// reject delta; that just leaves the folder on time-window sync.
		if link, err := e.probeDeltaLink(ctx, client, folder.FolderID); err == nil && link != "" {
			state.DeltaLink = &link
		}
	}

	if err := e.store.UpdateFolderSyncState(ctx, folder.FolderID, state); err != nil {
		return nil, err
	}
	return res, nil
}

// probeDeltaLink walks a fresh delta sequence to its terminal deltaLink
// without buffering the returned messages; the round that just completed
// already covered them.
func (e *Engine) probeDeltaLink(ctx context.Context, client *graph.Client, folderID string) (string, error) {
	page, err := e.deltaPage(ctx, client, "", folderID)
	if err != nil {
		return "", err
	}
	for page.DeltaLink == "" {
		if page.NextLink == "" {
			return "", nil
		}
		page, err = e.deltaPage(ctx, client, page.NextLink, folderID)
		if err != nil {
			return "", err
		}
	}
	return page.DeltaLink, nil
}

// syncFolderDelta walks the change chain from the stored cursor until the
// provider hands back a new deltaLink. The new cursor is saved only after
// the whole chain was consumed and buffered, so a crash mid-chain replays
// from the old cursor (idempotent upserts absorb the overlap).
func (e *Engine) syncFolderDelta(ctx context.Context, client *graph.Client, groupID string, folder *types.MailFolder, roundStart string) (*folderResult, error) {
	if folder.DeltaLink == "" {
		return nil, errors.New("folder has no delta link")
	}

	res := &folderResult{}
	link := folder.DeltaLink
	newDeltaLink := ""

	for link != "" {
		if err := ctx.Err(); err != nil {
			return nil, types.ErrCancelled
		}

		page, err := e.deltaPage(ctx, client, link, folder.FolderID)
		if err != nil {
			if errors.Is(err, graph.ErrDeltaExpired) {
				// The cursor aged out. Drop it and resync the window; the
				// next auto round earns a fresh cursor.
				e.logger.Warn().
					Str("folder_id", folder.FolderID).
					Msg("Delta link expired, falling back to recent window")
				if clearErr := e.store.ClearFolderDeltaLink(ctx, folder.FolderID); clearErr != nil {
					return nil, clearErr
				}
				filter := "receivedDateTime gt " + types.UTCDaysAgo(e.recentDays)
				return e.syncFolderPages(ctx, client, groupID, folder, filter, roundStart, true)
			}
			return nil, err
		}

		buffered, err := e.bufferMessages(ctx, groupID, page.Value)
		if err != nil {
			return nil, err
		}
		res.synced += buffered
		res.fetched += len(page.Value)

		if page.DeltaLink != "" {
			newDeltaLink = page.DeltaLink
			break
		}
		link = page.NextLink
	}

	if newDeltaLink != "" {
		state := store.FolderSyncState{
			LastSyncAt:  roundStart,
			SyncedDelta: int64(res.synced),
			DeltaLink:   &newDeltaLink,
		}
		if err := e.store.UpdateFolderSyncState(ctx, folder.FolderID, state); err != nil {
			return nil, err
		}
	}

	return res, nil
}
