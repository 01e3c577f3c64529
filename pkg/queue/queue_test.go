package queue

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewFromClient(client)
	t.Cleanup(func() { b.Close() })
	return b, mr
}

func TestListFIFO(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.LPush(ctx, "list", "first", "second", "third"))

	// RPop drains in push order.
	for _, expected := range []string{"first", "second", "third"} {
		val, ok, err := b.RPop(ctx, "list")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, expected, val)
	}

	_, ok, err := b.RPop(ctx, "list")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequeueToHeadPreservesOrder(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.LPush(ctx, "list", "a", "b", "c"))

	// Pop a batch, requeue it to the head, pop again: relative order holds.
	var batch []string
	for i := 0; i < 2; i++ {
		val, ok, err := b.RPop(ctx, "list")
		require.NoError(t, err)
		require.True(t, ok)
		batch = append(batch, val)
	}
	require.Equal(t, []string{"a", "b"}, batch)

	require.NoError(t, b.LPush(ctx, "list", batch...))

	val, _, err := b.RPop(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, "c", val, "items already queued drain first")
	val, _, err = b.RPop(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, "a", val)
	val, _, err = b.RPop(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, "b", val)
}

func TestKV(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.SetEx(ctx, "key", "value", time.Minute))

	val, ok, err := b.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value", val)

	mr.FastForward(2 * time.Minute)

	_, ok, err = b.Get(ctx, "key")
	require.NoError(t, err)
	assert.False(t, ok, "key expires with its TTL")
}

func TestStatusTTLByState(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	running := &types.TaskStatus{
		TaskID: "t1", TaskType: types.TaskTypeSync, UserID: 1, GroupID: "g1",
		State: types.TaskRunning, UpdatedAt: types.UTCNow(),
	}
	require.NoError(t, b.PutStatus(ctx, running))

	terminal := &types.TaskStatus{
		TaskID: "t2", TaskType: types.TaskTypeSync, UserID: 1, GroupID: "g2",
		State: types.TaskSuccess, UpdatedAt: types.UTCNow(),
	}
	require.NoError(t, b.PutStatus(ctx, terminal))

	// Terminal records expire quickly so the UI observes completion then
	// forgets; in-flight records survive a worker restart window.
	mr.FastForward(2 * time.Minute)

	st, err := b.GetStatus(ctx, 1, types.TaskTypeSync, "g1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, types.TaskRunning, st.State)

	st, err = b.GetStatus(ctx, 1, types.TaskTypeSync, "g2")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestListStatuses(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	for _, g := range []string{"g1", "g2", "g3"} {
		require.NoError(t, b.PutStatus(ctx, &types.TaskStatus{
			TaskID: "t-" + g, TaskType: types.TaskTypeSync, UserID: 7, GroupID: g,
			State: types.TaskRunning, UpdatedAt: types.UTCNow(),
		}))
	}
	// Another user and another type must not leak in.
	require.NoError(t, b.PutStatus(ctx, &types.TaskStatus{
		TaskID: "other-user", TaskType: types.TaskTypeSync, UserID: 8, GroupID: "g1",
		State: types.TaskRunning, UpdatedAt: types.UTCNow(),
	}))
	require.NoError(t, b.PutStatus(ctx, &types.TaskStatus{
		TaskID: "other-type", TaskType: types.TaskTypeLogin, UserID: 7, GroupID: "g1",
		State: types.TaskRunning, UpdatedAt: types.UTCNow(),
	}))

	statuses, err := b.ListStatuses(ctx, 7, types.TaskTypeSync)
	require.NoError(t, err)
	assert.Len(t, statuses, 3)
	for _, st := range statuses {
		assert.EqualValues(t, 7, st.UserID)
		assert.Equal(t, types.TaskTypeSync, st.TaskType)
	}
}

func TestAcquireSlotCap(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := b.AcquireSlot(ctx, 1, 3)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := b.AcquireSlot(ctx, 1, 3)
	require.NoError(t, err)
	assert.False(t, ok, "acquisition beyond the cap is refused")

	// Another user's budget is independent.
	ok, err = b.AcquireSlot(ctx, 2, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	// Releasing frees a slot.
	require.NoError(t, b.ReleaseSlot(ctx, 1))
	ok, err = b.AcquireSlot(ctx, 1, 3)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDecrClampsAtZero(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.ReleaseSlot(ctx, 1))
	require.NoError(t, b.ReleaseSlot(ctx, 1))

	n, err := b.SlotCount(ctx, 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(0))

	ok, err := b.AcquireSlot(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, ok, "a drained counter must not block future acquisitions")
}
