package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"autoposter/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockRelayStore struct {
	mock.Mock
}

func (m *mockRelayStore) Append(ctx context.Context, orgID string, event models.RelayEvent) error {
	args := m.Called(ctx, orgID, event)
	return args.Error(0)
}

func (m *mockRelayStore) Drain(ctx context.Context, orgID string) ([]models.RelayEvent, error) {
	args := m.Called(ctx, orgID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.RelayEvent), args.Error(1)
}

func (m *mockRelayStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

func TestFailoverRelayStore(t *testing.T) {
	primary := new(mockRelayStore)
	fallback := new(mockRelayStore)
	logger := zerolog.New(io.Discard)
	repo := NewFailoverRelayStore(primary, fallback, &logger)
	ctx := context.Background()
	ev := models.RelayEvent{Type: "posting-result", EnqueuedAt: time.Now()}

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary.On("Append", ctx, "org-1", ev).Return(nil).Once()

		assert.NoError(t, repo.Append(ctx, "org-1", ev))
		assert.False(t, repo.isDown.Load())
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		primary.On("Append", ctx, "org-2", ev).Return(errors.New("fail")).Once()
		fallback.On("Append", ctx, "org-2", ev).Return(nil).Once()

		assert.NoError(t, repo.Append(ctx, "org-2", ev))
		assert.True(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("DrainWhileDownUsesFallbackOnly", func(t *testing.T) {
		fallback.On("Drain", ctx, "org-2").Return([]models.RelayEvent{ev}, nil).Once()

		got, err := repo.Drain(ctx, "org-2")
		assert.NoError(t, err)
		assert.Equal(t, []models.RelayEvent{ev}, got)
		fallback.AssertExpectations(t)
		primary.AssertNotCalled(t, "Drain", ctx, "org-2")
	})

	t.Run("RecoveryAttempt", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck = time.Now().Add(-2 * time.Minute)

		primary.On("Append", ctx, "org-3", ev).Return(nil).Once()

		assert.NoError(t, repo.Append(ctx, "org-3", ev))
		assert.False(t, repo.isDown.Load())
		primary.AssertExpectations(t)
	})

	t.Run("RecoveryAttemptFail", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck = time.Now().Add(-2 * time.Minute)

		primary.On("Append", ctx, "org-33", ev).Return(errors.New("still fail")).Once()
		fallback.On("Append", ctx, "org-33", ev).Return(nil).Once()

		assert.NoError(t, repo.Append(ctx, "org-33", ev))
		assert.True(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("DrainMergesBoth", func(t *testing.T) {
		repo.isDown.Store(false)
		older := models.RelayEvent{Type: "prep-progress", EnqueuedAt: time.Now().Add(-time.Second)}
		fallback.On("Drain", ctx, "org-4").Return([]models.RelayEvent{older}, nil).Once()
		primary.On("Drain", ctx, "org-4").Return([]models.RelayEvent{ev}, nil).Once()

		got, err := repo.Drain(ctx, "org-4")
		assert.NoError(t, err)
		assert.Equal(t, []models.RelayEvent{older, ev}, got)
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("SweepFailover", func(t *testing.T) {
		repo.isDown.Store(false)
		cutoff := time.Now()
		fallback.On("Sweep", ctx, cutoff).Return(2, nil).Once()
		primary.On("Sweep", ctx, cutoff).Return(0, errors.New("fail")).Once()

		n, err := repo.Sweep(ctx, cutoff)
		assert.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.True(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})
}
