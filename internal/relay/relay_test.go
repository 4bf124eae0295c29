package relay

import (
	"context"
	"testing"
	"time"

	"autoposter/internal/clock"
	"autoposter/internal/config"
	"autoposter/internal/models"
	"autoposter/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollDrainsThenSweepExpires(t *testing.T) {
	fc := clock.Fake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	r := New(repository.NewMemoryRelayStore(), config.RelayConfig{MaxAge: 10 * time.Minute}, fc, nil)
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, "org-x", models.EventStartPosting, map[string]string{"posting_id": "p1"}))

	events, err := r.Poll(ctx, "org-x")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventStartPosting, events[0].Type)
	assert.JSONEq(t, `{"posting_id":"p1"}`, string(events[0].Payload))

	events, err = r.Poll(ctx, "org-x")
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, r.Publish(ctx, "org-x", models.EventLaunchProfile, map[string]string{}))
	fc.Advance(11 * time.Minute)
	require.NoError(t, r.Publish(ctx, "org-x", models.EventLaunchProfile, map[string]string{"fresh": "yes"}))

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err = r.Poll(ctx, "org-x")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"fresh":"yes"}`, string(events[0].Payload))

	assert.Error(t, r.Publish(ctx, "", models.EventLaunchProfile, nil))
}

func TestSweeperRunsOnInterval(t *testing.T) {
	fc := clock.Fake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	store := repository.NewMemoryRelayStore()
	r := New(store, config.RelayConfig{MaxAge: time.Minute, SweepInterval: 30 * time.Second}, fc, nil)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, r.Publish(ctx, "org-x", models.EventStartPosting, map[string]string{}))
	r.StartSweeper(ctx)

	require.Eventually(t, func() bool { return fc.Pending() == 1 }, time.Second, 5*time.Millisecond)
	fc.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return fc.Pending() == 1 }, time.Second, 5*time.Millisecond)
	fc.Advance(40 * time.Second)

	require.Eventually(t, func() bool {
		events, _ := store.Drain(ctx, "org-x")
		return len(events) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	r.Wait()
}

func TestRelayOverRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	r := New(repository.NewRedisRelayStore(client), config.RelayConfig{}, nil, nil)
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, "org-x", models.EventStartPosting, map[string]string{"posting_id": "p1"}))
	require.NoError(t, r.Publish(ctx, "org-y", models.EventStartPosting, map[string]string{"posting_id": "p2"}))

	events, err := r.Poll(ctx, "org-x")
	require.NoError(t, err)
	assert.Len(t, events, 1)

	events, err = r.Poll(ctx, "org-x")
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = r.Poll(ctx, "org-y")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
