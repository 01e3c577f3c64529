package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task runtime metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailharbor_tasks_total",
			Help: "Total number of tasks by type and terminal state",
		},
		[]string{"type", "state"},
	)

	TasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailharbor_tasks_active",
			Help: "Number of tasks currently pending or running",
		},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailharbor_task_duration_seconds",
			Help:    "Task execution duration in seconds by type",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"type"},
	)

	TasksDeduplicated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailharbor_tasks_deduplicated_total",
			Help: "Total number of submissions answered with an existing task id",
		},
	)

	TasksThrottled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailharbor_tasks_throttled_total",
			Help: "Total number of slot acquisitions deferred by the per-user cap",
		},
	)

	// Sync engine metrics
	SyncPagesFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailharbor_sync_pages_total",
			Help: "Total number of provider pages fetched by strategy",
		},
		[]string{"strategy"},
	)

	SyncMessagesBuffered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailharbor_sync_messages_buffered_total",
			Help: "Total number of normalized messages pushed to the write queue",
		},
	)

	SyncRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailharbor_sync_rounds_total",
			Help: "Total number of per-group sync rounds by outcome",
		},
		[]string{"outcome"},
	)

	// Writer daemon metrics
	WriterFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailharbor_writer_flush_duration_seconds",
			Help:    "Write-behind flush duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WriterFlushSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailharbor_writer_flush_size",
			Help:    "Records per write-behind flush",
			Buckets: []float64{1, 10, 50, 100, 250, 500},
		},
	)

	WriterRequeues = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailharbor_writer_requeues_total",
			Help: "Total number of batches requeued after a failed commit",
		},
	)

	WriterDeadLetters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailharbor_writer_dead_letters_total",
			Help: "Total number of items moved to the failed list",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailharbor_write_queue_depth",
			Help: "Current length of the write queue",
		},
	)

	// Token metrics
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailharbor_token_refreshes_total",
			Help: "Total number of token refresh attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Download metrics
	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailharbor_downloads_total",
			Help: "Total number of body downloads by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksActive)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(TasksDeduplicated)
	prometheus.MustRegister(TasksThrottled)
	prometheus.MustRegister(SyncPagesFetched)
	prometheus.MustRegister(SyncMessagesBuffered)
	prometheus.MustRegister(SyncRounds)
	prometheus.MustRegister(WriterFlushDuration)
	prometheus.MustRegister(WriterFlushSize)
	prometheus.MustRegister(WriterRequeues)
	prometheus.MustRegister(WriterDeadLetters)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(TokenRefreshes)
	prometheus.MustRegister(DownloadsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
