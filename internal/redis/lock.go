package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockPrefix = "relay:lock:"

// DefaultLockTTL bounds how long a crashed holder can block a key. It must
// exceed the longest dispatch timeout.
const DefaultLockTTL = 2 * time.Minute

var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker hands out keyed locks shared by every process on the same Redis.
type Locker struct {
	client *Client
	ttl    time.Duration
	poll   time.Duration
}

// NewLocker creates a locker; ttl <= 0 uses DefaultLockTTL.
func NewLocker(client *Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Locker{client: client, ttl: ttl, poll: 25 * time.Millisecond}
}

// LockKey returns the Redis key guarding a logical lock key.
func LockKey(key string) string {
	return lockPrefix + key
}

// Lock blocks until key is acquired or ctx is done. The returned func
// releases the lock only while this holder still owns it.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	rkey := LockKey(key)

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.rdb.SetNX(ctx, rkey, token, l.ttl).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, rkey, token) })
	}, nil
}

func (l *Locker) release(key, rkey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client.rdb, []string{rkey}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		l.client.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
	}
}
