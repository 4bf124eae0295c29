package prep

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"autoposter/internal/clock"
	"autoposter/internal/domain"
	"autoposter/internal/logging"
	"autoposter/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Runner executes one queued request.
type Runner interface {
	Run(ctx context.Context, req Request) Summary
}

// Manager keeps one FIFO per user and drains it with at most one goroutine per
// user at a time. The drainer holds the user's busy lease and renews it every
// busyTTL/3 while requests run.
type Manager struct {
	store    domain.PrepQueueStore
	runner   Runner
	notifier domain.Dispatcher
	clock    clock.Clock
	busyTTL  time.Duration
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

func NewManager(store domain.PrepQueueStore, runner Runner, notifier domain.Dispatcher, c clock.Clock, busyTTL time.Duration, logger *zerolog.Logger) *Manager {
	if busyTTL <= 0 {
		busyTTL = models.DefaultPrepBusyTTL
	}
	return &Manager{
		store:    store,
		runner:   runner,
		notifier: notifier,
		clock:    clock.OrReal(c),
		busyTTL:  busyTTL,
		logger:   logging.Component(logger, "prep_manager"),
	}
}

// Enqueue validates and appends the request, then starts a drain if the user is idle.
// The drain outlives ctx.
func (m *Manager) Enqueue(ctx context.Context, req Request) (Ticket, error) {
	if err := req.Validate(); err != nil {
		return Ticket{}, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = m.clock.Now()
	}

	data, err := json.Marshal(req)
	if err != nil {
		return Ticket{}, fmt.Errorf("encode request: %w", err)
	}
	n, err := m.store.Push(ctx, req.UserID, data)
	if err != nil {
		return Ticket{}, err
	}

	m.logger.Info().
		Str("request_id", req.RequestID).
		Str("user_id", req.UserID).
		Str("kind", string(req.Kind)).
		Int("position", n).
		Msg("preparation request queued")

	m.kick(context.WithoutCancel(ctx), req.UserID)
	return Ticket{RequestID: req.RequestID, Position: n}, nil
}

func (m *Manager) kick(ctx context.Context, userID string) {
	holder := uuid.NewString()
	ok, err := m.store.TryMarkBusy(ctx, userID, holder)
	if err != nil {
		m.logger.Error().Err(err).Str("user_id", userID).Msg("failed to mark preparation busy")
		return
	}
	if !ok {
		return
	}
	m.wg.Add(1)
	go m.drain(ctx, userID, holder)
}

// drain runs queued requests until the queue is empty. After clearing the busy
// lease it looks again, so an Enqueue that saw the lease held just before it was
// cleared is not stranded. A drain that loses its lease stops popping after the
// request in hand and only continues if it wins the lease back.
func (m *Manager) drain(ctx context.Context, userID, holder string) {
	defer m.wg.Done()
	log := m.logger.With().Str("user_id", userID).Logger()

	var lost atomic.Bool
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go m.renewBusy(renewCtx, userID, holder, &lost, log)

	for {
		for {
			if lost.Load() {
				log.Warn().Msg("preparation busy lease lost")
				break
			}
			item, err := m.store.Pop(ctx, userID)
			if err != nil {
				log.Error().Err(err).Msg("failed to pop preparation request")
				break
			}
			if item == nil {
				break
			}
			m.runOne(ctx, userID, item, log)
		}

		if err := m.store.ClearBusy(ctx, userID, holder); err != nil {
			log.Error().Err(err).Msg("failed to clear preparation busy lease")
			return
		}

		n, err := m.store.Len(ctx, userID)
		if err != nil || n == 0 {
			return
		}
		ok, err := m.store.TryMarkBusy(ctx, userID, holder)
		if err != nil || !ok {
			return
		}
		lost.Store(false)
	}
}

func (m *Manager) renewBusy(ctx context.Context, userID, holder string, lost *atomic.Bool, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.busyTTL / 3):
		}
		ok, err := m.store.RenewBusy(ctx, userID, holder)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("failed to renew preparation busy lease")
			}
			continue
		}
		if !ok {
			lost.Store(true)
		}
	}
}

func (m *Manager) runOne(ctx context.Context, userID string, item []byte, log zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("preparation request panicked")
		}
	}()

	var req Request
	if err := json.Unmarshal(item, &req); err != nil {
		log.Error().Err(err).Msg("dropping undecodable preparation request")
		return
	}

	sum := m.runner.Run(ctx, req)
	if m.notifier != nil {
		if err := m.notifier.NotifyUser(ctx, userID, models.EventPrepComplete, sum); err != nil {
			log.Debug().Err(err).Msg("failed to push completion")
		}
	}
}

// Wait blocks until every running drain has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}
