package repository

import (
	"context"
	"testing"
	"time"

	"autoposter/internal/clock"
	"autoposter/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryUserLock(t *testing.T) {
	fc := clock.Fake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	lock := NewMemoryUserLock(fc)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "u1", "job-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = lock.Acquire(ctx, "u1", "job-b", time.Minute)
	assert.False(t, ok, "second holder must wait")

	ok, _ = lock.Acquire(ctx, "u2", "job-b", time.Minute)
	assert.True(t, ok, "other users are independent")

	ok, _ = lock.Renew(ctx, "u1", "job-b", time.Minute)
	assert.False(t, ok)
	ok, _ = lock.Renew(ctx, "u1", "job-a", time.Minute)
	assert.True(t, ok)

	// release by a non-holder is a no-op
	require.NoError(t, lock.Release(ctx, "u1", "job-b"))
	ok, _ = lock.Acquire(ctx, "u1", "job-b", time.Minute)
	assert.False(t, ok)

	fc.Advance(61 * time.Second)
	ok, _ = lock.Acquire(ctx, "u1", "job-b", time.Minute)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, lock.Release(ctx, "u1", "job-b"))
	ok, _ = lock.Acquire(ctx, "u1", "job-c", time.Minute)
	assert.True(t, ok)

	_, err = lock.Acquire(ctx, "", "job-c", time.Minute)
	assert.Error(t, err)
}

func TestMemoryPrepQueueStore(t *testing.T) {
	s := NewMemoryPrepQueueStore()
	ctx := context.Background()

	item, err := s.Pop(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, item)

	n, _ := s.Push(ctx, "u1", []byte("a"))
	assert.Equal(t, 1, n)
	n, _ = s.Push(ctx, "u1", []byte("b"))
	assert.Equal(t, 2, n)

	item, _ = s.Pop(ctx, "u1")
	assert.Equal(t, []byte("a"), item)
	l, _ := s.Len(ctx, "u1")
	assert.Equal(t, 1, l)

	ok, _ := s.TryMarkBusy(ctx, "u1", "d1")
	assert.True(t, ok)
	ok, _ = s.TryMarkBusy(ctx, "u1", "d2")
	assert.False(t, ok)
	ok, _ = s.RenewBusy(ctx, "u1", "d2")
	assert.False(t, ok)
	ok, _ = s.RenewBusy(ctx, "u1", "d1")
	assert.True(t, ok)

	require.NoError(t, s.ClearBusy(ctx, "u1", "d2"))
	ok, _ = s.TryMarkBusy(ctx, "u1", "d2")
	assert.False(t, ok, "only the holder clears")
	require.NoError(t, s.ClearBusy(ctx, "u1", "d1"))
	ok, _ = s.TryMarkBusy(ctx, "u1", "d2")
	assert.True(t, ok)
}

func TestMemoryRelayStore(t *testing.T) {
	s := NewMemoryRelayStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Append(ctx, "org-1", models.RelayEvent{Type: "old", EnqueuedAt: now.Add(-11 * time.Minute)}))
	require.NoError(t, s.Append(ctx, "org-1", models.RelayEvent{Type: "new", EnqueuedAt: now}))
	require.NoError(t, s.Append(ctx, "org-2", models.RelayEvent{Type: "old", EnqueuedAt: now.Add(-20 * time.Minute)}))

	n, err := s.Sweep(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, _ := s.Drain(ctx, "org-1")
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Type)

	got, _ = s.Drain(ctx, "org-1")
	assert.Empty(t, got)
	got, _ = s.Drain(ctx, "org-2")
	assert.Empty(t, got)
}
