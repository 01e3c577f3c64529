package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/types"
)

// Broker key layout.
const (
	WriteQueueKey  = "mh:write:queue"
	WriteFailedKey = "mh:write:failed"

	statusKeyPrefix   = "mh:status:"
	concurrencyPrefix = "mh:concurrency:user:"
	concurrencyKeyTTL = time.Hour
)

// Status key TTLs. Non-terminal states live long enough to survive worker
// restarts; terminal states linger just long enough for the UI to observe
// completion.
const (
	ActiveStatusTTL   = time.Hour
	TerminalStatusTTL = 60 * time.Second
)

// StatusKey builds the status key for a (user, task type, group) triple.
func StatusKey(userID int64, taskType, groupID string) string {
	return fmt.Sprintf("%suser:%d:type:%s:group:%s", statusKeyPrefix, userID, taskType, groupID)
}

// StatusPattern builds the scan pattern for a user's tasks of one type.
func StatusPattern(userID int64, taskType string) string {
	return fmt.Sprintf("%suser:%d:type:%s:group:*", statusKeyPrefix, userID, taskType)
}

// ConcurrencyKey builds the per-user semaphore counter key.
func ConcurrencyKey(userID int64) string {
	return fmt.Sprintf("%s%d", concurrencyPrefix, userID)
}

// Broker is a thin wrapper over the shared broker giving the rest of the
// system FIFO lists, key/value with TTL, and atomic counters.
type Broker struct {
	client *redis.Client
	logger zerolog.Logger
}

// New connects to the broker at the given URL.
func New(redisURL string) (*Broker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse broker URL: %w", err)
	}
	return &Broker{
		client: redis.NewClient(opts),
		logger: log.WithComponent("queue"),
	}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(client *redis.Client) *Broker {
	return &Broker{client: client, logger: log.WithComponent("queue")}
}

// Ping verifies broker connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrQueueUnavailable, err)
	}
	return nil
}

// Close releases the underlying client.
func (b *Broker) Close() error {
	return b.client.Close()
}

// LPush pushes items onto the head of a list in one pipeline round trip.
func (b *Broker) LPush(ctx context.Context, list string, items ...string) error {
	if len(items) == 0 {
		return nil
	}
	pipe := b.client.Pipeline()
	for _, item := range items {
		pipe.LPush(ctx, list, item)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: lpush %s: %v", types.ErrQueueUnavailable, list, err)
	}
	return nil
}

// RPush appends items to the tail of a list, one RPUSH per item in one
// pipeline. The writer requeues failed batches with LPush, not RPush.
func (b *Broker) RPush(ctx context.Context, list string, items ...string) error {
	if len(items) == 0 {
		return nil
	}
	pipe := b.client.Pipeline()
	for _, item := range items {
		pipe.RPush(ctx, list, item)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: rpush %s: %v", types.ErrQueueUnavailable, list, err)
	}
	return nil
}

// RPop pops one item from the tail of a list. Returns ("", false, nil) when
// the list is empty.
func (b *Broker) RPop(ctx context.Context, list string) (string, bool, error) {
	val, err := b.client.RPop(ctx, list).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: rpop %s: %v", types.ErrQueueUnavailable, list, err)
	}
	return val, true, nil
}

// LLen returns the length of a list.
func (b *Broker) LLen(ctx context.Context, list string) (int64, error) {
	n, err := b.client.LLen(ctx, list).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: llen %s: %v", types.ErrQueueUnavailable, list, err)
	}
	return n, nil
}

// SetEx stores a value with a TTL.
func (b *Broker) SetEx(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: setex %s: %v", types.ErrQueueUnavailable, key, err)
	}
	return nil
}

// Get reads a value. Returns ("", false, nil) when the key is absent.
func (b *Broker) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get %s: %v", types.ErrQueueUnavailable, key, err)
	}
	return val, true, nil
}

// Del removes keys.
func (b *Broker) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", types.ErrQueueUnavailable, err)
	}
	return nil
}

// Keys scans for keys matching the pattern.
func (b *Broker) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", types.ErrQueueUnavailable, pattern, err)
	}
	return keys, nil
}

// Incr atomically increments a counter, refreshing its TTL so abandoned
// counters self-heal.
func (b *Broker) Incr(ctx context.Context, key string) (int64, error) {
	pipe := b.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, concurrencyKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: incr %s: %v", types.ErrQueueUnavailable, key, err)
	}
	return incr.Val(), nil
}

// Decr atomically decrements a counter, clamping at zero.
func (b *Broker) Decr(ctx context.Context, key string) (int64, error) {
	n, err := b.client.Decr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: decr %s: %v", types.ErrQueueUnavailable, key, err)
	}
	if n < 0 {
		b.client.Set(ctx, key, 0, concurrencyKeyTTL)
		n = 0
	}
	return n, nil
}
