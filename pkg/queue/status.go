package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mailharbor/mailharbor/pkg/types"
)

// PutStatus writes a task status record under its key with the TTL matching
// its state. Updates for the same key are last-write-wins.
func (b *Broker) PutStatus(ctx context.Context, st *types.TaskStatus) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode task status: %w", err)
	}

	ttl := ActiveStatusTTL
	if st.State.Terminal() {
		ttl = TerminalStatusTTL
	}

	key := StatusKey(st.UserID, st.TaskType, st.GroupID)
	return b.SetEx(ctx, key, string(raw), ttl)
}

// GetStatus reads the status record for a (user, type, group) triple, or nil
// when none is recorded (or it expired).
func (b *Broker) GetStatus(ctx context.Context, userID int64, taskType, groupID string) (*types.TaskStatus, error) {
	raw, ok, err := b.Get(ctx, StatusKey(userID, taskType, groupID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var st types.TaskStatus
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("failed to decode task status: %w", err)
	}
	return &st, nil
}

// ListStatuses scans all status records of one task type for a user. This is
// the contract the admin surface polls.
func (b *Broker) ListStatuses(ctx context.Context, userID int64, taskType string) ([]*types.TaskStatus, error) {
	keys, err := b.Keys(ctx, StatusPattern(userID, taskType))
	if err != nil {
		return nil, err
	}

	statuses := make([]*types.TaskStatus, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := b.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // expired between scan and read
		}
		var st types.TaskStatus
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			b.logger.Warn().Str("key", key).Msg("Discarding undecodable status record")
			continue
		}
		statuses = append(statuses, &st)
	}
	return statuses, nil
}

// AcquireSlot tries to take one unit of a user's concurrency budget. When the
// cap is exceeded the increment is rolled back and false is returned.
func (b *Broker) AcquireSlot(ctx context.Context, userID int64, cap int64) (bool, error) {
	n, err := b.Incr(ctx, ConcurrencyKey(userID))
	if err != nil {
		return false, err
	}
	if n > cap {
		if _, err := b.Decr(ctx, ConcurrencyKey(userID)); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ReleaseSlot returns one unit of a user's concurrency budget.
func (b *Broker) ReleaseSlot(ctx context.Context, userID int64) error {
	_, err := b.Decr(ctx, ConcurrencyKey(userID))
	return err
}

// SlotCount reports the current semaphore value for a user.
func (b *Broker) SlotCount(ctx context.Context, userID int64) (int64, error) {
	raw, ok, err := b.Get(ctx, ConcurrencyKey(userID))
	if err != nil || !ok {
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, nil
	}
	return n, nil
}
