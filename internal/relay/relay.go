// Package relay buffers events for clients that poll instead of holding a
// stream open.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"autoposter/internal/clock"
	"autoposter/internal/config"
	"autoposter/internal/domain"
	"autoposter/internal/logging"
	"autoposter/internal/metrics"
	"autoposter/internal/models"

	"github.com/rs/zerolog"
)

// Relay keeps a short-lived queue of events per organization.
type Relay struct {
	store  domain.RelayStore
	cfg    config.RelayConfig
	clock  clock.Clock
	logger zerolog.Logger
	wg     sync.WaitGroup
}

func New(store domain.RelayStore, cfg config.RelayConfig, c clock.Clock, logger *zerolog.Logger) *Relay {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = models.DefaultRelayMaxAge
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = models.DefaultRelaySweepInterval
	}
	return &Relay{
		store:  store,
		cfg:    cfg,
		clock:  clock.OrReal(c),
		logger: logging.Component(logger, "relay"),
	}
}

func (r *Relay) Publish(ctx context.Context, orgID, eventType string, payload any) error {
	if orgID == "" {
		return errors.New("relay publish requires an organization")
	}
	raw, ok := payload.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode relay payload: %w", err)
		}
		raw = data
	}
	event := models.RelayEvent{Type: eventType, Payload: raw, EnqueuedAt: r.clock.Now()}
	if err := r.store.Append(ctx, orgID, event); err != nil {
		return err
	}
	metrics.IncRelay("publish", 1)
	return nil
}

// Poll drains every pending event of the organization. A second poll right
// after returns nothing.
func (r *Relay) Poll(ctx context.Context, orgID string) ([]models.RelayEvent, error) {
	events, err := r.store.Drain(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []models.RelayEvent{}
	}
	metrics.IncRelay("poll", len(events))
	return events, nil
}

// Ack records that a polling client verified a posting. The posting is not touched.
func (r *Relay) Ack(_ context.Context, orgID, postingID string) {
	metrics.IncRelay("ack", 1)
	r.logger.Info().Str("organization_id", orgID).Str("posting_id", postingID).Msg("posting verified by client")
}

// Sweep drops events older than the configured max age.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	n, err := r.store.Sweep(ctx, r.clock.Now().Add(-r.cfg.MaxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.IncRelay("expired", n)
		r.logger.Debug().Int("dropped", n).Msg("expired relay events")
	}
	return n, nil
}

// StartSweeper sweeps every SweepInterval until ctx is canceled.
func (r *Relay) StartSweeper(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.clock.After(r.cfg.SweepInterval):
			}
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("relay sweep failed")
			}
		}
	}()
}

func (r *Relay) Wait() {
	r.wg.Wait()
}
