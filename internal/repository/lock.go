package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autoposter/internal/clock"

	"github.com/redis/go-redis/v9"
)

func userLockKey(userID string) string {
	return fmt.Sprintf("lock:user:%s", userID)
}

// acquireScript takes the lease when free, or extends it when the caller already holds it.
var acquireScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
if current then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisUserLock is a per-user lease stored as lock:user:<id> = holder with a PX expiry.
type RedisUserLock struct {
	client *redis.Client
}

func NewRedisUserLock(client *redis.Client) *RedisUserLock {
	return &RedisUserLock{client: client}
}

func (l *RedisUserLock) Acquire(ctx context.Context, userID, holder string, ttl time.Duration) (bool, error) {
	if err := checkLockArgs(userID, holder, ttl); err != nil {
		return false, err
	}
	n, err := acquireScript.Run(ctx, l.client, []string{userLockKey(userID)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to acquire user lock: %w", err)
	}
	return n == 1, nil
}

func (l *RedisUserLock) Renew(ctx context.Context, userID, holder string, ttl time.Duration) (bool, error) {
	if err := checkLockArgs(userID, holder, ttl); err != nil {
		return false, err
	}
	n, err := renewScript.Run(ctx, l.client, []string{userLockKey(userID)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew user lock: %w", err)
	}
	return n == 1, nil
}

// Release deletes the lease only if holder still owns it.
func (l *RedisUserLock) Release(ctx context.Context, userID, holder string) error {
	if err := releaseScript.Run(ctx, l.client, []string{userLockKey(userID)}, holder).Err(); err != nil {
		return fmt.Errorf("failed to release user lock: %w", err)
	}
	return nil
}

// Holder returns the current holder, or "" when the lock is free.
func (l *RedisUserLock) Holder(ctx context.Context, userID string) (string, error) {
	v, err := l.client.Get(ctx, userLockKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read user lock: %w", err)
	}
	return v, nil
}

type lease struct {
	holder    string
	expiresAt time.Time
}

// MemoryUserLock is the single-process version of the user lease.
type MemoryUserLock struct {
	mu     sync.Mutex
	leases map[string]lease
	clock  clock.Clock
}

func NewMemoryUserLock(c clock.Clock) *MemoryUserLock {
	return &MemoryUserLock{leases: make(map[string]lease), clock: clock.OrReal(c)}
}

func (l *MemoryUserLock) Acquire(_ context.Context, userID, holder string, ttl time.Duration) (bool, error) {
	if err := checkLockArgs(userID, holder, ttl); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if cur, ok := l.leases[userID]; ok && cur.holder != holder && now.Before(cur.expiresAt) {
		return false, nil
	}
	l.leases[userID] = lease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemoryUserLock) Renew(_ context.Context, userID, holder string, ttl time.Duration) (bool, error) {
	if err := checkLockArgs(userID, holder, ttl); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	cur, ok := l.leases[userID]
	if !ok || cur.holder != holder || !now.Before(cur.expiresAt) {
		return false, nil
	}
	l.leases[userID] = lease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemoryUserLock) Release(_ context.Context, userID, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[userID]; ok && cur.holder == holder {
		delete(l.leases, userID)
	}
	return nil
}

func checkLockArgs(userID, holder string, ttl time.Duration) error {
	if userID == "" || holder == "" {
		return errors.New("user lock requires user id and holder")
	}
	if ttl < time.Millisecond {
		return fmt.Errorf("user lock ttl %s is too short", ttl)
	}
	return nil
}
