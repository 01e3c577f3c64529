package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/metrics"
	"github.com/mailharbor/mailharbor/pkg/queue"
	"github.com/mailharbor/mailharbor/pkg/store"
	"github.com/mailharbor/mailharbor/pkg/types"
)

// WriterConfig tunes the write-behind daemon.
type WriterConfig struct {
	// BatchSize triggers a flush when the buffer reaches this many items.
	BatchSize int

	// FlushInterval triggers a flush when this long has passed since the
	// last flush and the buffer holds items. An empty buffer never flushes.
	FlushInterval time.Duration

	// MaxFlushRetries bounds consecutive failed commits before the batch
	// moves to the dead-letter list.
	MaxFlushRetries int

	// IdleSleep is the pause when the queue is empty.
	IdleSleep time.Duration
}

// Writer is the long-lived daemon draining the write queue into the store in
// ordered batches. Delivery is at-least-once: a batch either commits whole or
// returns to the queue whole.
type Writer struct {
	cfg    WriterConfig
	store  *store.Store
	broker *queue.Broker
	logger zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWriter builds the writer daemon.
func NewWriter(cfg WriterConfig, st *store.Store, broker *queue.Broker) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.MaxFlushRetries <= 0 {
		cfg.MaxFlushRetries = 5
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 100 * time.Millisecond
	}
	return &Writer{
		cfg:    cfg,
		store:  st,
		broker: broker,
		logger: log.WithComponent("writer"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the drain loop on its own goroutine.
func (w *Writer) Start() {
	go w.run()
	w.logger.Info().
		Int("batch_size", w.cfg.BatchSize).
		Dur("flush_interval", w.cfg.FlushInterval).
		Msg("Writer daemon started")
}

// Stop flushes the buffer and stops the loop.
func (w *Writer) Stop() {
	close(w.stopCh)
	<-w.doneCh
	w.logger.Info().Msg("Writer daemon stopped")
}

func (w *Writer) run() {
	defer close(w.doneCh)

	ctx := context.Background()
	var pending []string
	lastFlush := time.Now()
	failStreak := 0

	for {
		select {
		case <-w.stopCh:
			if len(pending) > 0 {
				w.flushWithRecovery(ctx, pending, &failStreak)
			}
			return
		default:
		}

		raw, ok, err := w.broker.RPop(ctx, queue.WriteQueueKey)
		if err != nil {
			w.logger.Error().Err(err).Msg("Queue pop failed, cooling down")
			w.sleep(5 * time.Second)
			continue
		}

		if ok {
			pending = append(pending, raw)
		} else {
			w.sleep(w.cfg.IdleSleep)
		}

		batchFull := len(pending) >= w.cfg.BatchSize
		timedOut := len(pending) > 0 && time.Since(lastFlush) >= w.cfg.FlushInterval

		if batchFull || timedOut {
			w.flushWithRecovery(ctx, pending, &failStreak)
			pending = nil
			lastFlush = time.Now()
		}
	}
}

// flushWithRecovery commits one batch. On failure the whole batch returns to
// the head of the write queue in its original order and the loop backs off;
// once the failure streak reaches the bound the batch moves to the failed
// list for human attention instead.
func (w *Writer) flushWithRecovery(ctx context.Context, batch []string, failStreak *int) {
	if len(batch) == 0 {
		return
	}

	timer := metrics.NewTimer()
	flushed, err := w.flush(ctx, batch)
	if err == nil {
		*failStreak = 0
		timer.ObserveDuration(metrics.WriterFlushDuration)
		metrics.WriterFlushSize.Observe(float64(flushed))
		w.logger.Info().
			Int("records", flushed).
			Dur("elapsed", timer.Duration()).
			Msg("Flushed batch")
		return
	}

	*failStreak++
	w.logger.Error().Err(err).
		Int("items", len(batch)).
		Int("fail_streak", *failStreak).
		Msg("Flush failed")

	if *failStreak >= w.cfg.MaxFlushRetries {
		if dlErr := w.broker.LPush(ctx, queue.WriteFailedKey, batch...); dlErr != nil {
			w.logger.Error().Err(dlErr).
				Int("items", len(batch)).
				Msg("Dead-letter push failed, requeueing batch instead")
			w.requeue(ctx, batch)
			return
		}
		metrics.WriterDeadLetters.Add(float64(len(batch)))
		w.logger.Warn().
			Int("items", len(batch)).
			Msg("Batch moved to failed list after repeated flush failures")
		*failStreak = 0
		return
	}

	w.requeue(ctx, batch)
	w.sleep(time.Duration(*failStreak) * time.Second)
}

// requeue pushes a failed batch back onto the head of the write queue so
// order is preserved.
func (w *Writer) requeue(ctx context.Context, batch []string) {
	if err := w.broker.LPush(ctx, queue.WriteQueueKey, batch...); err != nil {
		w.logger.Error().Err(err).
			Int("items", len(batch)).
			Msg("Requeue failed, batch will replay from producer on next sync")
		return
	}
	metrics.WriterRequeues.Inc()
}

// flush parses the batch, groups rows by table and commits everything in one
// transaction with a single bulk statement per table. Malformed items are
// discarded with a log; they would never parse on any retry.
func (w *Writer) flush(ctx context.Context, batch []string) (int, error) {
	var (
		messages    []*types.MailMessage
		bodies      []*types.MailBody
		attachments []*types.MailAttachment
		folders     []*types.MailFolder
	)

	for _, raw := range batch {
		var op queue.WriteOp
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			w.logger.Error().Err(err).Msg("Discarding malformed queue item")
			continue
		}
		switch op.Table {
		case queue.TableMessage:
			messages = append(messages, op.Message)
		case queue.TableBody:
			bodies = append(bodies, op.Body)
		case queue.TableAttachment:
			attachments = append(attachments, op.Attachment)
		case queue.TableFolder:
			folders = append(folders, op.Folder)
		}
	}

	total := len(messages) + len(bodies) + len(attachments) + len(folders)
	if total == 0 {
		return 0, nil
	}

	if err := w.store.FlushWriteOps(ctx, messages, bodies, attachments, folders); err != nil {
		return 0, err
	}
	return total, nil
}

func (w *Writer) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-w.stopCh:
	}
}
