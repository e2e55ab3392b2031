package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LockPollInterval is how often Lock retries a held lock.
const LockPollInterval = 50 * time.Millisecond

// ErrLockLost is returned by an unlock whose lease expired and was taken by
// another holder.
var ErrLockLost = errors.New("lock lease lost")

// Lock takes a named mutex shared by every worker on the queue's redis. It
// polls until the lock is free or ctx ends. The lease expires after ttl so a
// crashed holder cannot wedge other workers.
func (q *RedisQueue) Lock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	key := q.prefix + "lock:" + name
	token := uuid.NewString()
	for {
		ok, err := q.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", name, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w", name, ctx.Err())
		case <-time.After(LockPollInterval):
		}
	}
	return func(ctx context.Context) error {
		n, err := unlockScript.Run(ctx, q.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("unlock %s: %w", name, err)
		}
		if n == 0 {
			return fmt.Errorf("unlock %s: %w", name, ErrLockLost)
		}
		return nil
	}, nil
}

// unlockScript deletes the lock only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
