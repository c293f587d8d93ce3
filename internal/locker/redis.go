package locker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"habitquest/api/internal/util"
)

const (
	lockTTL       = 90 * time.Second
	acquireRetry  = 150 * time.Millisecond
	lockKeyPrefix = "verifylock:"
)

// delIfOwner releases the lock only when the stored token matches, so a lock
// that expired and was re-acquired elsewhere is never deleted by the old
// holder.
const delIfOwner = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Redis serializes attempts across API instances with SET NX leases.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to Redis and verifies the connection before returning.
func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Redis{client: client, prefix: lockKeyPrefix}, nil
}

// NewRedisWithClient creates a locker from an existing Redis client.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: lockKeyPrefix}
}

func (r *Redis) key(habitID string) string {
	return r.prefix + habitID
}

func (r *Redis) Acquire(ctx context.Context, habitID string) (Unlock, error) {
	key := r.key(habitID)
	token := util.NewID("lk")

	for {
		ok, err := r.client.SetNX(ctx, key, token, lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire habit lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(acquireRetry):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Best effort; the TTL reclaims the lock if this fails.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			r.client.Eval(ctx, delIfOwner, []string{key}, token)
		})
	}, nil
}

// Ping checks if Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
