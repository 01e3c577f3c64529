package runtime

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/queue"
	"github.com/mailharbor/mailharbor/pkg/store"
	"github.com/mailharbor/mailharbor/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.InitSchema(context.Background(), ""))
	return s
}

func newTestBroker(t *testing.T) *queue.Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	b := queue.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { b.Close() })
	return b
}

// stubDispatcher lets tests control task execution.
type stubDispatcher struct {
	mu      sync.Mutex
	block   chan struct{} // non-nil: Execute waits here or on ctx
	err     error
	started chan string // receives task ids as they begin
}

func (d *stubDispatcher) Execute(ctx context.Context, task *Task, progress func(string)) (string, error) {
	if d.started != nil {
		d.started <- task.ID
	}
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return "", types.ErrCancelled
		}
	}
	d.mu.Lock()
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "done", nil
}

func newTestRuntime(t *testing.T, cfg Config, disp Dispatcher) (*Runtime, *queue.Broker) {
	t.Helper()
	broker := newTestBroker(t)
	rt := New(cfg, newTestStore(t), broker, disp, nil)
	rt.Start()
	t.Cleanup(rt.Stop)
	return rt, broker
}

func submitSync(t *testing.T, rt *Runtime, userID int64, role, group string) string {
	t.Helper()
	id, err := rt.Submit(context.Background(), SubmitRequest{
		Type:    types.TaskTypeSync,
		UserID:  userID,
		Role:    role,
		GroupID: group,
		Payload: Payload{Strategy: "auto"},
	})
	require.NoError(t, err)
	return id
}

func waitForState(t *testing.T, b *queue.Broker, userID int64, taskType, group string, state types.TaskState) *types.TaskStatus {
	t.Helper()
	var st *types.TaskStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = b.GetStatus(context.Background(), userID, taskType, group)
		return err == nil && st != nil && st.State == state
	}, 5*time.Second, 10*time.Millisecond, "expected state %s", state)
	return st
}

func TestSubmitDeduplicates(t *testing.T) {
	disp := &stubDispatcher{block: make(chan struct{})}
	rt, broker := newTestRuntime(t, Config{Workers: 2}, disp)
	defer close(disp.block)

	first := submitSync(t, rt, 1, "user", "g1")
	waitForState(t, broker, 1, types.TaskTypeSync, "g1", types.TaskRunning)

	// Same key while active: the existing task id comes back.
	second := submitSync(t, rt, 1, "user", "g1")
	assert.Equal(t, first, second)

	// A different group is a different key.
	other := submitSync(t, rt, 1, "user", "g2")
	assert.NotEqual(t, first, other)
}

func TestTaskLifecycleSuccess(t *testing.T) {
	disp := &stubDispatcher{}
	rt, broker := newTestRuntime(t, Config{Workers: 1}, disp)

	id := submitSync(t, rt, 1, "user", "g1")

	st := waitForState(t, broker, 1, types.TaskTypeSync, "g1", types.TaskSuccess)
	assert.Equal(t, id, st.TaskID)
	assert.Equal(t, "done", st.Message)

	// The key frees on completion: a new submission schedules fresh work.
	require.Eventually(t, func() bool {
		next := submitSync(t, rt, 1, "user", "g1")
		return next != id
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTaskFailureRecordsMessage(t *testing.T) {
	disp := &stubDispatcher{err: errors.New("provider exploded")}
	rt, broker := newTestRuntime(t, Config{Workers: 1}, disp)

	submitSync(t, rt, 1, "user", "g1")

	st := waitForState(t, broker, 1, types.TaskTypeSync, "g1", types.TaskFailure)
	assert.Contains(t, st.Message, "provider exploded")
}

func TestCancelTerminality(t *testing.T) {
	disp := &stubDispatcher{block: make(chan struct{})}
	rt, broker := newTestRuntime(t, Config{Workers: 1}, disp)

	submitSync(t, rt, 1, "user", "g1")
	waitForState(t, broker, 1, types.TaskTypeSync, "g1", types.TaskRunning)

	require.True(t, rt.Cancel(context.Background(), 1, types.TaskTypeSync, "g1"))
	waitForState(t, broker, 1, types.TaskTypeSync, "g1", types.TaskCancelled)

	// The interrupted worker returns, but its output must not overwrite the
	// cancelled state.
	time.Sleep(200 * time.Millisecond)
	st, err := broker.GetStatus(context.Background(), 1, types.TaskTypeSync, "g1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, types.TaskCancelled, st.State)
}

func TestCancelUnknownTask(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{Workers: 1}, &stubDispatcher{})
	assert.False(t, rt.Cancel(context.Background(), 1, types.TaskTypeSync, "missing"))
}

func TestPerUserConcurrencyCap(t *testing.T) {
	disp := &stubDispatcher{block: make(chan struct{}), started: make(chan string, 16)}
	rt, broker := newTestRuntime(t, Config{
		Workers:       4,
		UserCap:       2,
		SlotRetryBase: 20 * time.Millisecond,
	}, disp)

	// Two tasks occupy the user's whole budget.
	submitSync(t, rt, 1, "user", "g1")
	submitSync(t, rt, 1, "user", "g2")
	<-disp.started
	<-disp.started

	// The third is accepted and recorded pending, but must not start.
	submitSync(t, rt, 1, "user", "g3")
	select {
	case id := <-disp.started:
		t.Fatalf("task %s started beyond the user cap", id)
	case <-time.After(300 * time.Millisecond):
	}
	st, err := broker.GetStatus(context.Background(), 1, types.TaskTypeSync, "g3")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, types.TaskPending, st.State)

	// Another user is unaffected by the saturated budget.
	submitSync(t, rt, 2, "user", "g9")
	select {
	case <-disp.started:
	case <-time.After(2 * time.Second):
		t.Fatal("other user's task did not start")
	}

	// Releasing the pool lets the queued task through.
	close(disp.block)
	waitForState(t, broker, 1, types.TaskTypeSync, "g3", types.TaskSuccess)
}

func TestStatusList(t *testing.T) {
	disp := &stubDispatcher{}
	rt, broker := newTestRuntime(t, Config{Workers: 2}, disp)

	submitSync(t, rt, 1, "user", "g1")
	submitSync(t, rt, 1, "user", "g2")
	waitForState(t, broker, 1, types.TaskTypeSync, "g1", types.TaskSuccess)
	waitForState(t, broker, 1, types.TaskTypeSync, "g2", types.TaskSuccess)

	statuses, err := rt.StatusList(context.Background(), 1, types.TaskTypeSync)
	require.NoError(t, err)
	assert.Len(t, statuses, 2)
}

func TestTaskKey(t *testing.T) {
	assert.Equal(t, "sync_g1", TaskKey(types.TaskTypeSync, "g1"))
	assert.Equal(t, "login_g2", TaskKey(types.TaskTypeLogin, "g2"))
}
