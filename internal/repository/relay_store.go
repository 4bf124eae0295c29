package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"autoposter/internal/models"

	"github.com/redis/go-redis/v9"
)

const relayOrgsKey = "relay:orgs"

func relayKey(orgID string) string {
	return fmt.Sprintf("relay:org:%s", orgID)
}

// RedisRelayStore keeps one list of JSON events per organization plus a set of
// organizations with pending events, so the sweeper never needs KEYS.
type RedisRelayStore struct {
	client *redis.Client
}

func NewRedisRelayStore(client *redis.Client) *RedisRelayStore {
	return &RedisRelayStore{client: client}
}

func (s *RedisRelayStore) Append(ctx context.Context, orgID string, event models.RelayEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal relay event: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, relayKey(orgID), data)
		pipe.SAdd(ctx, relayOrgsKey, orgID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append relay event: %w", err)
	}
	return nil
}

func (s *RedisRelayStore) Drain(ctx context.Context, orgID string) ([]models.RelayEvent, error) {
	var lr *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lr = pipe.LRange(ctx, relayKey(orgID), 0, -1)
		pipe.Del(ctx, relayKey(orgID))
		pipe.SRem(ctx, relayOrgsKey, orgID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain relay events: %w", err)
	}

	raw := lr.Val()
	out := make([]models.RelayEvent, 0, len(raw))
	for _, item := range raw {
		var ev models.RelayEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Sweep trims the stale head of every organization list. Lists are appended in
// time order, so everything after the first fresh event is kept.
func (s *RedisRelayStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	orgs, err := s.client.SMembers(ctx, relayOrgsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list relay orgs: %w", err)
	}

	total := 0
	for _, org := range orgs {
		dropped, err := s.sweepOrg(ctx, org, cutoff)
		if errors.Is(err, redis.TxFailedErr) {
			// concurrent append or drain; the next sweep picks it up
			continue
		}
		if err != nil {
			return total, err
		}
		total += dropped
	}
	return total, nil
}

func (s *RedisRelayStore) sweepOrg(ctx context.Context, orgID string, cutoff time.Time) (int, error) {
	key := relayKey(orgID)
	dropped := 0
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}

		n := 0
		for _, item := range raw {
			var ev models.RelayEvent
			if err := json.Unmarshal([]byte(item), &ev); err == nil && !ev.EnqueuedAt.Before(cutoff) {
				break
			}
			n++
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			switch {
			case n == len(raw):
				pipe.Del(ctx, key)
				pipe.SRem(ctx, relayOrgsKey, orgID)
			case n > 0:
				pipe.LTrim(ctx, key, int64(n), -1)
			}
			return nil
		})
		if err == nil {
			dropped = n
		}
		return err
	}, key)
	return dropped, err
}
