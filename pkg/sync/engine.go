package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/mailharbor/mailharbor/pkg/graph"
	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/metrics"
	"github.com/mailharbor/mailharbor/pkg/queue"
	"github.com/mailharbor/mailharbor/pkg/store"
	"github.com/mailharbor/mailharbor/pkg/types"
)

// Sync strategies.
const (
	StrategyAuto        = "auto"
	StrategyFull        = "full"
	StrategyDelta       = "delta"
	StrategyIncremental = "incremental"
	StrategyRecent      = "recent"
	StrategyCheck       = "check"
)

const (
	// pageSize is the provider's page size for message listings.
	pageSize = 50

	// maxBatchesPerFolder bounds the pagination loop per folder.
	maxBatchesPerFolder = 50

	// folderListTop is the page size for folder discovery.
	folderListTop = 100

	// maxPageRetries bounds transient-error retries inside the page loop.
	maxPageRetries = 3
)

// listSelect is the field set requested for message listings.
var listSelect = []string{
	"id", "subject", "from", "toRecipients", "ccRecipients",
	"receivedDateTime", "sentDateTime", "isRead", "hasAttachments",
	"bodyPreview", "internetMessageId", "parentFolderId",
}

// ProgressFunc receives human-readable progress updates for one group.
type ProgressFunc func(groupID, message string)

// ClientFunc returns a provider client bound to the group's token.
type ClientFunc func(groupID string) *graph.Client

// Engine synchronizes one group per invocation: folder discovery, per-folder
// strategy selection, paginated fetch, and emit to the write queue.
type Engine struct {
	store      *store.Store
	broker     *queue.Broker
	clientFor  ClientFunc
	recentDays int
	logger     zerolog.Logger
}

// NewEngine builds a sync engine.
func NewEngine(st *store.Store, broker *queue.Broker, clientFor ClientFunc, recentDays int) *Engine {
	if recentDays <= 0 {
		recentDays = 30
	}
	return &Engine{
		store:      st,
		broker:     broker,
		clientFor:  clientFor,
		recentDays: recentDays,
		logger:     log.WithComponent("sync"),
	}
}

// Result summarizes one sync round.
type Result struct {
	Success bool     `json:"success"`
	Synced  int      `json:"synced"`
	Fetched int      `json:"fetched"`
	Errors  []string `json:"errors,omitempty"`
	Message string   `json:"message"`
}

// SyncGroup runs one sync round for a group. Per-folder errors are collected
// and peers continue; Result.Success is false when any folder failed. An
// error is returned only when setup fails or the round is cancelled.
func (e *Engine) SyncGroup(ctx context.Context, groupID, strategy string, progress ProgressFunc) (*Result, error) {
	folders, err := e.store.ListFolders(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(folders) == 0 {
		return nil, fmt.Errorf("no local folders for group %s, run folder discovery first", groupID)
	}

	client := e.clientFor(groupID)
	roundStart := types.UTCNow()
	report := func(msg string) {
		if progress != nil {
			progress(groupID, msg)
		}
	}

	report(fmt.Sprintf("sync started (strategy: %s)", strategy))

	result := &Result{}
	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return nil, types.ErrCancelled
		}

		report("syncing folder: " + folder.DisplayName)

		res, err := e.syncFolder(ctx, client, groupID, folder, strategy, roundStart)
		if err != nil {
			if errors.Is(err, types.ErrCancelled) || errors.Is(err, context.Canceled) {
				return nil, types.ErrCancelled
			}
			result.Errors = append(result.Errors,
				fmt.Sprintf("folder %s: %v", folder.DisplayName, err))
			continue
		}
		result.Synced += res.synced
		result.Fetched += res.fetched
	}

	result.Success = len(result.Errors) == 0
	result.Message = fmt.Sprintf("sync complete, %d messages buffered", result.Synced)
	if len(result.Errors) > 0 {
		result.Message += fmt.Sprintf(" (%d folder errors)", len(result.Errors))
	}
	report(result.Message)

	if result.Success {
		metrics.SyncRounds.WithLabelValues("success").Inc()
	} else {
		metrics.SyncRounds.WithLabelValues("partial").Inc()
	}

	e.logger.Info().
		Str("group_id", groupID).
		Str("strategy", strategy).
		Int("synced", result.Synced).
		Int("fetched", result.Fetched).
		Int("errors", len(result.Errors)).
		Msg("Sync round finished")

	return result, nil
}

// folderResult is the per-folder tally.
type folderResult struct {
	synced  int
	fetched int
}

// syncFolder dispatches one folder to the strategy implementation. Under
// auto, a stored delta link wins, then an incremental time window, then the
// recent window.
func (e *Engine) syncFolder(ctx context.Context, client *graph.Client, groupID string, folder *types.MailFolder, strategy, roundStart string) (*folderResult, error) {
	switch strategy {
	case StrategyFull:
		return e.syncFolderPages(ctx, client, groupID, folder, "", roundStart, true)
	case StrategyRecent:
		filter := fmt.Sprintf("receivedDateTime gt %s", types.UTCDaysAgo(e.recentDays))
		return e.syncFolderPages(ctx, client, groupID, folder, filter, roundStart, true)
	case StrategyIncremental:
		if folder.LastSyncAt == "" {
			filter := fmt.Sprintf("receivedDateTime gt %s", types.UTCDaysAgo(e.recentDays))
			return e.syncFolderPages(ctx, client, groupID, folder, filter, roundStart, true)
		}
		filter := fmt.Sprintf("receivedDateTime gt %s", folder.LastSyncAt)
		return e.syncFolderPages(ctx, client, groupID, folder, filter, roundStart, false)
	case StrategyDelta:
		return e.syncFolderDelta(ctx, client, groupID, folder, roundStart)
	case StrategyCheck:
		return e.checkFolder(ctx, client, folder)
	case StrategyAuto, "":
		if folder.DeltaLink != "" {
			return e.syncFolderDelta(ctx, client, groupID, folder, roundStart)
		}
		if folder.LastSyncAt != "" {
			filter := fmt.Sprintf("receivedDateTime gt %s", folder.LastSyncAt)
			return e.syncFolderPages(ctx, client, groupID, folder, filter, roundStart, false)
		}
		filter := fmt.Sprintf("receivedDateTime gt %s", types.UTCDaysAgo(e.recentDays))
		return e.syncFolderPages(ctx, client, groupID, folder, filter, roundStart, true)
	default:
		return nil, fmt.Errorf("unknown sync strategy %q", strategy)
	}
}

// checkFolder is the watchdog liveness probe: one page, nothing persisted.
func (e *Engine) checkFolder(ctx context.Context, client *graph.Client, folder *types.MailFolder) (*folderResult, error) {
	page, err := e.listPage(ctx, client, graph.ListMessagesOptions{
		FolderID: folder.FolderID,
		Top:      1,
		Select:   []string{"id"},
	}, StrategyCheck)
	if err != nil {
		return nil, err
	}
	return &folderResult{fetched: len(page.Value)}, nil
}

// listPage fetches one listing page, retrying transient transport errors with
// jittered exponential backoff. Provider and auth errors are permanent here:
// token trouble must surface to the worker, not burn retries.
func (e *Engine) listPage(ctx context.Context, client *graph.Client, opts graph.ListMessagesOptions, strategy string) (*graph.MessagePage, error) {
	var page *graph.MessagePage
	op := func() error {
		var err error
		page, err = client.ListMessages(ctx, opts)
		if err != nil {
			if permanentSyncError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxPageRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}

	metrics.SyncPagesFetched.WithLabelValues(strategy).Inc()
	return page, nil
}

// deltaPage fetches one delta page with the same retry policy.
func (e *Engine) deltaPage(ctx context.Context, client *graph.Client, deltaLink, folderID string) (*graph.MessagePage, error) {
	var page *graph.MessagePage
	op := func() error {
		var err error
		page, err = client.Delta(ctx, deltaLink, folderID)
		if err != nil {
			if permanentSyncError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxPageRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}

	metrics.SyncPagesFetched.WithLabelValues(StrategyDelta).Inc()
	return page, nil
}

// permanentSyncError reports errors the pagination loop must not retry.
func permanentSyncError(err error) bool {
	return errors.Is(err, types.ErrAuthRequired) ||
		errors.Is(err, types.ErrAuthTransient) ||
		errors.Is(err, types.ErrRateLimited) ||
		errors.Is(err, types.ErrProvider) ||
		errors.Is(err, context.Canceled)
}

// bufferMessages normalizes a page of messages and pushes them to the write
// queue in one pipeline. Returns the number buffered. Messages that fail to
// normalize are skipped so one malformed record never sinks the page.
func (e *Engine) bufferMessages(ctx context.Context, groupID string, msgs []graph.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	ops := make([]queue.WriteOp, 0, len(msgs))
	for i := range msgs {
		if msgs[i].Removed != nil {
			continue // delta tombstone
		}
		record := normalizeMessage(groupID, &msgs[i])
		if record.MsgUID == "" {
			e.logger.Warn().Str("group_id", groupID).Msg("Skipping message without id")
			continue
		}
		ops = append(ops, queue.NewMessageOp(record))
	}
	if len(ops) == 0 {
		return 0, nil
	}

	encoded, err := queue.EncodeOps(ops)
	if err != nil {
		return 0, err
	}
	if err := e.broker.LPush(ctx, queue.WriteQueueKey, encoded...); err != nil {
		return 0, err
	}

	metrics.SyncMessagesBuffered.Add(float64(len(ops)))
	return len(ops), nil
}

// normalizeMessage maps a provider message onto the local schema.
func normalizeMessage(groupID string, m *graph.Message) *types.MailMessage {
	var flags []string
	if m.IsRead {
		flags = append(flags, types.FlagRead)
	}
	if m.Flag != nil && m.Flag.FlagStatus == "flagged" {
		flags = append(flags, types.FlagFlagged)
	}
	flagsStr := types.FlagsUnread
	if len(flags) > 0 {
		flagsStr = joinFlags(flags)
	}

	var fromAddr, fromName string
	if m.From != nil {
		fromAddr = m.From.EmailAddress.Address
		fromName = m.From.EmailAddress.Name
	}

	toJoined := ""
	for _, r := range m.ToRecipients {
		if r.EmailAddress.Address == "" {
			continue
		}
		if toJoined != "" {
			toJoined += ","
		}
		toJoined += r.EmailAddress.Address
	}

	hasAttachments := 0
	if m.HasAttachments {
		hasAttachments = 1
	}

	now := types.UTCNow()
	return &types.MailMessage{
		GroupID:        groupID,
		MsgUID:         m.ID,
		MsgID:          m.InternetMessageID,
		Subject:        m.Subject,
		FromAddr:       fromAddr,
		FromName:       fromName,
		ToJoined:       toJoined,
		Snippet:        m.BodyPreview,
		FolderID:       m.ParentFolderID,
		SentAt:         m.SentDateTime,
		ReceivedAt:     m.ReceivedDateTime,
		SizeBytes:      m.Size,
		HasAttachments: hasAttachments,
		Flags:          flagsStr,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func joinFlags(flags []string) string {
	out := flags[0]
	for _, f := range flags[1:] {
		out += ";" + f
	}
	return out
}
