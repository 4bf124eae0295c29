package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autoposter/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisPrepQueueStore shares preparation queues across service replicas. The busy
// lease is prep:busy:<user> = holder with a PX expiry the drainer keeps renewing,
// so a crashed replica blocks the user for at most busyTTL.
type RedisPrepQueueStore struct {
	client  *redis.Client
	busyTTL time.Duration
}

func NewRedisPrepQueueStore(client *redis.Client, busyTTL time.Duration) *RedisPrepQueueStore {
	if busyTTL <= 0 {
		busyTTL = models.DefaultPrepBusyTTL
	}
	return &RedisPrepQueueStore{client: client, busyTTL: busyTTL}
}

func (s *RedisPrepQueueStore) queueKey(userID string) string {
	return fmt.Sprintf("prep:queue:%s", userID)
}

func (s *RedisPrepQueueStore) busyKey(userID string) string {
	return fmt.Sprintf("prep:busy:%s", userID)
}

func (s *RedisPrepQueueStore) Push(ctx context.Context, userID string, item []byte) (int, error) {
	n, err := s.client.RPush(ctx, s.queueKey(userID), item).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to push prep item: %w", err)
	}
	return int(n), nil
}

func (s *RedisPrepQueueStore) Pop(ctx context.Context, userID string) ([]byte, error) {
	b, err := s.client.LPop(ctx, s.queueKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop prep item: %w", err)
	}
	return b, nil
}

func (s *RedisPrepQueueStore) Len(ctx context.Context, userID string) (int, error) {
	n, err := s.client.LLen(ctx, s.queueKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read prep queue length: %w", err)
	}
	return int(n), nil
}

func (s *RedisPrepQueueStore) TryMarkBusy(ctx context.Context, userID, holder string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.busyKey(userID), holder, s.busyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark prep busy: %w", err)
	}
	return ok, nil
}

// RenewBusy reports false once the lease has expired or moved to another holder.
func (s *RedisPrepQueueStore) RenewBusy(ctx context.Context, userID, holder string) (bool, error) {
	n, err := renewScript.Run(ctx, s.client, []string{s.busyKey(userID)}, holder, s.busyTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew prep busy: %w", err)
	}
	return n == 1, nil
}

func (s *RedisPrepQueueStore) ClearBusy(ctx context.Context, userID, holder string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.busyKey(userID)}, holder).Err(); err != nil {
		return fmt.Errorf("failed to clear prep busy: %w", err)
	}
	return nil
}
