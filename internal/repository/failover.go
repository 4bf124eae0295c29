package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"autoposter/internal/domain"
	"autoposter/internal/models"

	"github.com/rs/zerolog"
)

// FailoverRelayStore writes to primary while it is healthy and to fallback
// while it is not. Drain and Sweep always cover both, so events stored during an
// outage still reach the poller.
type FailoverRelayStore struct {
	primary  domain.RelayStore
	fallback domain.RelayStore
	logger   *zerolog.Logger
	isDown   atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverRelayStore(primary, fallback domain.RelayStore, logger *zerolog.Logger) *FailoverRelayStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverRelayStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverRelayStore) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary relay store failed, falling back to memory")
	}
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
}

// usePrimary reports whether the primary should be tried. After a minute down
// one call is let through as a probe.
func (r *FailoverRelayStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastCheck) > time.Minute {
		r.lastCheck = time.Now()
		return true
	}
	return false
}

func (r *FailoverRelayStore) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary relay store recovered")
	}
}

func (r *FailoverRelayStore) Append(ctx context.Context, orgID string, event models.RelayEvent) error {
	if r.usePrimary() {
		err := r.primary.Append(ctx, orgID, event)
		if err == nil {
			r.markUp()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.Append(ctx, orgID, event)
}

func (r *FailoverRelayStore) Drain(ctx context.Context, orgID string) ([]models.RelayEvent, error) {
	out, err := r.fallback.Drain(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if r.usePrimary() {
		events, err := r.primary.Drain(ctx, orgID)
		if err != nil {
			r.markDown(err)
			return out, nil
		}
		r.markUp()
		out = append(out, events...)
	}
	return out, nil
}

func (r *FailoverRelayStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := r.fallback.Sweep(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if r.usePrimary() {
		m, err := r.primary.Sweep(ctx, cutoff)
		if err != nil {
			r.markDown(err)
			return n, nil
		}
		r.markUp()
		n += m
	}
	return n, nil
}
