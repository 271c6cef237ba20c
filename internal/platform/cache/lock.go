package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotObtained is returned when another holder owns the lock.
var ErrLockNotObtained = errors.New("platform/cache: lock held elsewhere")

// Locker serialises work across processes with a Redis lock.
type Locker struct {
	client    *redislock.Client
	namespace string
}

// NewLocker builds a Locker on client. Keys are prefixed with namespace.
func NewLocker(client *redis.Client, namespace string) *Locker {
	return &Locker{client: redislock.New(client), namespace: namespace}
}

// WithLock runs fn while holding key. The lock is not retried.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l == nil || l.client == nil {
		return fn(ctx)
	}
	lock, err := l.client.Obtain(ctx, l.namespace+":lock:"+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return fmt.Errorf("%w: %s", ErrLockNotObtained, key)
	}
	if err != nil {
		return fmt.Errorf("platform/cache: obtain lock %s: %w", key, err)
	}
	defer func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}
