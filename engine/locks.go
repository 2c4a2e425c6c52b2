package engine

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Locker provides non-blocking advisory locks. A worker that fails to
// acquire a key yields; another worker owns it.
type Locker interface {
	// TryLock returns a release func and true on acquisition, or nil and
	// false if the lock is held elsewhere.
	TryLock(ctx context.Context, key string) (func(), bool, error)
}

// LocalLocker serialises within one process. It is the default when
// Redis is not configured (single worker deployments and tests).
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	release := func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}
	return release, true, nil
}

// RedisLocker coordinates multiple worker processes with SET NX PX,
// the same storage pattern the rate limiter uses.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, "lock:"+key, token, l.ttl).Result()
	if err != nil {
		return nil, false, Wrap(KindTransientDB, err, "acquiring lock %s", key)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// Release only our own token; an expired lock may have been
		// re-acquired by another worker.
		script := redis.NewScript(`
			if redis.call("get", KEYS[1]) == ARGV[1] then
				return redis.call("del", KEYS[1])
			end
			return 0`)
		_ = script.Run(context.Background(), l.client, []string{"lock:" + key}, token).Err()
	}
	return release, true, nil
}
