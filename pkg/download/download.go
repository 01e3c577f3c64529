package download

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mailharbor/mailharbor/pkg/graph"
	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/metrics"
	"github.com/mailharbor/mailharbor/pkg/queue"
	"github.com/mailharbor/mailharbor/pkg/store"
	"github.com/mailharbor/mailharbor/pkg/types"
)

// defaultFanOut bounds concurrent body fetches per batch.
const defaultFanOut = 10

// TokenFunc resolves a valid access token for a group.
type TokenFunc func(ctx context.Context, groupID string) (string, error)

// ClientFunc builds a provider client around a fixed bearer token.
type ClientFunc func(token string) *graph.Client

// Downloader is the composite batch-download worker: it resolves metadata,
// reuses one token per group, fans out body fetches, and buffers results
// through the write queue.
type Downloader struct {
	store     *store.Store
	broker    *queue.Broker
	token     TokenFunc
	clientFor ClientFunc
	fanOut    int
	logger    zerolog.Logger
}

// New builds a downloader. fanOut <= 0 selects the default.
func New(st *store.Store, broker *queue.Broker, token TokenFunc, clientFor ClientFunc, fanOut int) *Downloader {
	if fanOut <= 0 {
		fanOut = defaultFanOut
	}
	return &Downloader{
		store:     st,
		broker:    broker,
		token:     token,
		clientFor: clientFor,
		fanOut:    fanOut,
		logger:    log.WithComponent("download"),
	}
}

// Result aggregates one batch download. Partial failure never aborts peers;
// every requested id lands in exactly one bucket.
type Result struct {
	Requested      int                `json:"requested"`
	Skipped        int                `json:"skipped"`
	Downloaded     int                `json:"downloaded"`
	AuthErrors     map[string][]int64 `json:"auth_errors,omitempty"`
	DownloadErrors []string           `json:"download_errors,omitempty"`
}

// ProgressFunc receives completion counts as downloads finish.
type ProgressFunc func(done, total int)

// Run downloads bodies and attachment metadata for the given message ids.
func (d *Downloader) Run(ctx context.Context, messageIDs []int64, progress ProgressFunc) (*Result, error) {
	result := &Result{
		Requested:  len(messageIDs),
		AuthErrors: make(map[string][]int64),
	}
	if len(messageIDs) == 0 {
		return result, nil
	}

	// Resolve metadata and drop ids whose body already exists.
	candidates, err := d.store.DownloadCandidates(ctx, messageIDs)
	if err != nil {
		return nil, err
	}
	result.Skipped = result.Requested - len(candidates)
	if len(candidates) == 0 {
		if progress != nil {
			progress(result.Requested, result.Requested)
		}
		return result, nil
	}

	// One token per group, reused across all of that group's downloads.
	byGroup := make(map[string][]store.DownloadCandidate)
	for _, c := range candidates {
		byGroup[c.GroupID] = append(byGroup[c.GroupID], c)
	}

	tokens := make(map[string]string, len(byGroup))
	for groupID, groupCands := range byGroup {
		tok, err := d.token(ctx, groupID)
		if err != nil {
			ids := make([]int64, 0, len(groupCands))
			for _, c := range groupCands {
				ids = append(ids, c.MessageID)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			result.AuthErrors[groupID] = ids
			metrics.DownloadsTotal.WithLabelValues("auth_error").Add(float64(len(ids)))
			d.logger.Warn().Err(err).Str("group_id", groupID).
				Int("messages", len(ids)).Msg("Token unavailable, skipping group")
			continue
		}
		tokens[groupID] = tok
	}

	var (
		mu    sync.Mutex
		done  int
		total = len(candidates)
	)
	report := func() {
		if progress != nil {
			progress(done, total)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.fanOut)

	for _, cand := range candidates {
		tok, ok := tokens[cand.GroupID]
		if !ok {
			mu.Lock()
			done++
			report()
			mu.Unlock()
			continue
		}

		cand := cand
		g.Go(func() error {
			err := d.downloadOne(gctx, d.clientFor(tok), cand)

			mu.Lock()
			defer mu.Unlock()
			done++
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				result.DownloadErrors = append(result.DownloadErrors,
					fmt.Sprintf("message %d: %v", cand.MessageID, err))
				metrics.DownloadsTotal.WithLabelValues("error").Inc()
			} else {
				result.Downloaded++
				metrics.DownloadsTotal.WithLabelValues("success").Inc()
			}
			report()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, types.ErrCancelled
	}

	sort.Strings(result.DownloadErrors)
	d.logger.Info().
		Int("requested", result.Requested).
		Int("downloaded", result.Downloaded).
		Int("skipped", result.Skipped).
		Int("auth_error_groups", len(result.AuthErrors)).
		Int("download_errors", len(result.DownloadErrors)).
		Msg("Batch download finished")

	return result, nil
}

// downloadOne fetches one full message and buffers its body and attachment
// metadata rows.
func (d *Downloader) downloadOne(ctx context.Context, client *graph.Client, cand store.DownloadCandidate) error {
	msg, err := client.GetMessage(ctx, cand.MsgUID)
	if err != nil {
		return err
	}

	headers := make([]string, 0, len(msg.InternetMessageHeaders))
	for _, h := range msg.InternetMessageHeaders {
		headers = append(headers, h.Name+": "+h.Value)
	}

	bodyPlain := ""
	bodyHTML := ""
	if strings.EqualFold(msg.Body.ContentType, "text") {
		bodyPlain = msg.Body.Content
	} else {
		bodyHTML = msg.Body.Content
	}

	ops := []queue.WriteOp{
		queue.NewBodyOp(&types.MailBody{
			MessageID: cand.MessageID,
			Headers:   strings.Join(headers, "\n"),
			BodyPlain: bodyPlain,
			BodyHTML:  bodyHTML,
		}),
	}
	for _, att := range msg.Attachments {
		isInline := 0
		if att.IsInline {
			isInline = 1
		}
		ops = append(ops, queue.NewAttachmentOp(&types.MailAttachment{
			MessageID:      cand.MessageID,
			AttachmentID:   att.ID,
			Filename:       att.Name,
			ContentType:    att.ContentType,
			Size:           att.Size,
			IsInline:       isInline,
			ContentID:      att.ContentID,
			DownloadStatus: "metadata",
		}))
	}

	encoded, err := queue.EncodeOps(ops)
	if err != nil {
		return err
	}
	return d.broker.LPush(ctx, queue.WriteQueueKey, encoded...)
}
