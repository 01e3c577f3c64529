package runtime

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mailharbor/mailharbor/pkg/events"
	"github.com/mailharbor/mailharbor/pkg/graph"
	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/metrics"
	"github.com/mailharbor/mailharbor/pkg/queue"
	"github.com/mailharbor/mailharbor/pkg/store"
	"github.com/mailharbor/mailharbor/pkg/types"
)

// Config holds runtime settings.
type Config struct {
	// Workers is the size of the fixed worker pool.
	Workers int

	// AdminCap and UserCap are the per-user concurrency budgets by role.
	AdminCap int64
	UserCap  int64

	// SlotRetryBase is the backoff base while a pending task waits for a
	// concurrency slot.
	SlotRetryBase time.Duration
}

// Payload carries the per-type task input.
type Payload struct {
	// Strategy selects the sync strategy for sync tasks.
	Strategy string `json:"strategy,omitempty"`

	// MessageIDs is the input set for download tasks.
	MessageIDs []int64 `json:"message_ids,omitempty"`

	// AutoSync chains a sync after a successful login.
	AutoSync bool `json:"auto_sync,omitempty"`

	// Send is the outgoing message for send tasks.
	Send *graph.SendMailRequest `json:"send,omitempty"`
}

// Task is one unit of work. Key is the logical identity used for dedup,
// typically {type}_{group}.
type Task struct {
	ID      string
	Key     string
	Type    string
	UserID  int64
	Role    string
	GroupID string
	Payload Payload

	cancel    context.CancelFunc
	cancelled bool
}

// Dispatcher executes one task body. The runtime owns state transitions;
// the dispatcher only does the work and reports progress.
type Dispatcher interface {
	Execute(ctx context.Context, task *Task, progress func(message string)) (result string, err error)
}

// Runtime is the worker pool: task-key deduplication, per-user concurrency
// caps, status reporting, and cooperative cancellation.
type Runtime struct {
	cfg    Config
	store  *store.Store
	broker *queue.Broker
	disp   Dispatcher
	events *events.Broker
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]*Task // task_key -> task while pending or running

	taskCh chan *Task
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a runtime. Start must be called before submissions execute.
func New(cfg Config, st *store.Store, broker *queue.Broker, disp Dispatcher, ev *events.Broker) *Runtime {
	if cfg.Workers <= 0 {
		cfg.Workers = 50
	}
	if cfg.AdminCap <= 0 {
		cfg.AdminCap = 30
	}
	if cfg.UserCap <= 0 {
		cfg.UserCap = 10
	}
	if cfg.SlotRetryBase <= 0 {
		cfg.SlotRetryBase = 500 * time.Millisecond
	}
	return &Runtime{
		cfg:    cfg,
		store:  st,
		broker: broker,
		disp:   disp,
		events: ev,
		logger: log.WithComponent("runtime"),
		active: make(map[string]*Task),
		taskCh: make(chan *Task, 4096),
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker pool.
func (r *Runtime) Start() {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.workerLoop()
	}
	r.logger.Info().Int("workers", r.cfg.Workers).Msg("Runtime started")
}

// Stop drains the pool. In-flight tasks observe cancellation through their
// contexts and exit at the next status write.
func (r *Runtime) Stop() {
	close(r.stopCh)

	r.mu.Lock()
	for _, task := range r.active {
		if task.cancel != nil {
			task.cancel()
		}
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info().Msg("Runtime stopped")
}

// SubmitRequest describes a submission.
type SubmitRequest struct {
	Type    string
	UserID  int64
	Role    string
	GroupID string
	Payload Payload
}

// TaskKey builds the logical identity for deduplication.
func TaskKey(taskType, groupID string) string {
	return taskType + "_" + groupID
}

// Submit enqueues a task. A submission whose task key is already active
// returns the existing task's id without scheduling new work.
func (r *Runtime) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	key := TaskKey(req.Type, req.GroupID)

	r.mu.Lock()
	if existing, ok := r.active[key]; ok {
		r.mu.Unlock()
		metrics.TasksDeduplicated.Inc()
		r.logger.Debug().Str("task_key", key).Str("task_id", existing.ID).
			Msg("Submission deduplicated to existing task")
		return existing.ID, nil
	}

	task := &Task{
		ID:      uuid.New().String(),
		Key:     key,
		Type:    req.Type,
		UserID:  req.UserID,
		Role:    req.Role,
		GroupID: req.GroupID,
		Payload: req.Payload,
	}
	r.active[key] = task
	r.mu.Unlock()

	if err := r.putStatus(ctx, task, types.TaskPending, "queued"); err != nil {
		r.mu.Lock()
		delete(r.active, key)
		r.mu.Unlock()
		return "", err
	}

	select {
	case r.taskCh <- task:
	default:
		r.mu.Lock()
		delete(r.active, key)
		r.mu.Unlock()
		r.setTerminal(ctx, task, types.TaskFailure, "submission queue full")
		return "", fmt.Errorf("submission queue full")
	}

	metrics.TasksActive.Inc()
	r.publish(events.EventTaskSubmitted, task, "")
	r.logger.Info().Str("task_id", task.ID).Str("task_key", key).Msg("Task submitted")
	return task.ID, nil
}

// Cancel marks the active task for a (user, group, type) triple cancelled and
// interrupts its worker. Cancellation is terminal: no later worker output can
// overwrite it.
func (r *Runtime) Cancel(ctx context.Context, userID int64, taskType, groupID string) bool {
	key := TaskKey(taskType, groupID)

	r.mu.Lock()
	task, ok := r.active[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	task.cancelled = true
	if task.cancel != nil {
		task.cancel()
	}
	r.mu.Unlock()

	r.setTerminal(ctx, task, types.TaskCancelled, "cancelled by user")
	r.publish(events.EventTaskCancelled, task, "")
	r.logger.Info().Str("task_key", key).Msg("Task cancelled")
	return true
}

// StatusList returns the recorded statuses of one task type for a user; the
// contract the admin surface polls.
func (r *Runtime) StatusList(ctx context.Context, userID int64, taskType string) ([]*types.TaskStatus, error) {
	return r.broker.ListStatuses(ctx, userID, taskType)
}

// userCap returns the concurrency budget for a role.
func (r *Runtime) userCap(role string) int64 {
	if role == types.RoleAdmin {
		return r.cfg.AdminCap
	}
	return r.cfg.UserCap
}

func (r *Runtime) workerLoop() {
	defer r.wg.Done()
	for {
		select {
		case task := <-r.taskCh:
			r.runTask(task)
		case <-r.stopCh:
			return
		}
	}
}

// runTask gates on the per-user semaphore, then executes the task end to end.
func (r *Runtime) runTask(task *Task) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.mu.Lock()
	if task.cancelled {
		r.mu.Unlock()
		r.finish(task)
		return
	}
	task.cancel = cancel
	r.mu.Unlock()

	if !r.acquireSlot(ctx, task) {
		r.finish(task)
		return
	}
	defer r.broker.ReleaseSlot(context.Background(), task.UserID)

	timer := metrics.NewTimer()
	r.putStatus(ctx, task, types.TaskRunning, "running")
	r.publish(events.EventTaskStarted, task, "")

	progress := func(message string) {
		if !r.isCancelled(task) {
			r.putStatus(ctx, task, types.TaskRunning, message)
		}
	}

	result, err := r.disp.Execute(ctx, task, progress)
	timer.ObserveDurationVec(metrics.TaskDuration, task.Type)

	switch {
	case r.isCancelled(task):
		// Cancellation already recorded; nothing may overwrite it.
		metrics.TasksTotal.WithLabelValues(task.Type, string(types.TaskCancelled)).Inc()
	case err != nil:
		r.setTerminal(ctx, task, types.TaskFailure, err.Error())
		r.publish(events.EventTaskFailed, task, err.Error())
		r.logger.Error().Err(err).Str("task_id", task.ID).Str("type", task.Type).
			Msg("Task failed")
	default:
		r.setTerminal(ctx, task, types.TaskSuccess, result)
		r.publish(events.EventTaskCompleted, task, result)
	}

	r.finish(task)
}

// acquireSlot waits for a per-user concurrency slot, yielding with jittered
// backoff while the task stays pending. Returns false when the task was
// cancelled or the runtime stopped while waiting.
func (r *Runtime) acquireSlot(ctx context.Context, task *Task) bool {
	limit := r.userCap(task.Role)
	delay := r.cfg.SlotRetryBase

	for {
		if r.isCancelled(task) {
			return false
		}

		ok, err := r.broker.AcquireSlot(ctx, task.UserID, limit)
		if err != nil {
			r.setTerminal(ctx, task, types.TaskFailure, err.Error())
			return false
		}
		if ok {
			return true
		}

		metrics.TasksThrottled.Inc()
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return false
		case <-r.stopCh:
			return false
		}
		if delay < 8*time.Second {
			delay *= 2
		}
	}
}

func (r *Runtime) isCancelled(task *Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return task.cancelled
}

// finish releases the task key so the next submission schedules fresh work.
func (r *Runtime) finish(task *Task) {
	r.mu.Lock()
	if current, ok := r.active[task.Key]; ok && current.ID == task.ID {
		delete(r.active, task.Key)
	}
	r.mu.Unlock()
	metrics.TasksActive.Dec()
}

// putStatus writes the task's status record; last write wins per key.
func (r *Runtime) putStatus(ctx context.Context, task *Task, state types.TaskState, message string) error {
	return r.broker.PutStatus(ctx, &types.TaskStatus{
		TaskID:    task.ID,
		TaskKey:   task.Key,
		TaskType:  task.Type,
		UserID:    task.UserID,
		GroupID:   task.GroupID,
		State:     state,
		Message:   message,
		UpdatedAt: types.UTCNow(),
	})
}

// setTerminal records a terminal state and the per-type counter.
func (r *Runtime) setTerminal(ctx context.Context, task *Task, state types.TaskState, message string) {
	if err := r.putStatus(ctx, task, state, message); err != nil {
		r.logger.Error().Err(err).Str("task_id", task.ID).
			Msg("Failed to record terminal status")
	}
	metrics.TasksTotal.WithLabelValues(task.Type, string(state)).Inc()
}

func (r *Runtime) publish(eventType events.EventType, task *Task, message string) {
	if r.events == nil {
		return
	}
	r.events.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    eventType,
		GroupID: task.GroupID,
		TaskID:  task.ID,
		Message: message,
	})
}
