package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const userLockKeyPrefix = "billing:lock:user:"

// ErrLockNotAcquired is returned when the context ends before the lock frees up.
var ErrLockNotAcquired = errors.New("user lock not acquired")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// UserLocker serializes billing mutations per user across processes with a
// token-guarded SET NX PX lock.
type UserLocker struct {
	client    *redis.Client
	ttl       time.Duration
	pollEvery time.Duration
}

// NewUserLocker creates a locker. ttl bounds how long a crashed holder can
// block other writers.
func NewUserLocker(client *redis.Client, ttl time.Duration) *UserLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &UserLocker{client: client, ttl: ttl, pollEvery: 50 * time.Millisecond}
}

// Lock blocks until the user's lock is held or ctx ends.
func (l *UserLocker) Lock(ctx context.Context, userID uint) (func(), error) {
	key := fmt.Sprintf("%s%d", userLockKeyPrefix, userID)
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire user lock %d: %w", userID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: user %d: %v", ErrLockNotAcquired, userID, ctx.Err())
		case <-time.After(l.pollEvery):
		}
	}

	return func() {
		// Release on a fresh context so a canceled request still frees the lock.
		if err := releaseScript.Run(context.Background(), l.client, []string{key}, token).Err(); err != nil {
			log.Errorf("[Cache] Failed to release lock for user %d: %v", userID, err)
		}
	}, nil
}
