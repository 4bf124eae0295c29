package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autoposter/internal/clock"
	"autoposter/internal/config"
	"autoposter/internal/database"
	"autoposter/internal/domain"
	"autoposter/internal/events"
	"autoposter/internal/logging"
	"autoposter/internal/metrics"
	"autoposter/internal/models"

	"github.com/rs/zerolog"
)

// TickResult counts what one scan did.
type TickResult struct {
	Due       int
	Skipped   int
	Started   int
	Launched  int
	Completed int
	Failed    int
	TimedOut  int
}

// Scheduler periodically dispatches scheduled postings whose time falls inside
// the scan window. It confirms asynchronously: postings with a profile stay
// processing until the completion bridge hears from the agent, postings without
// one are marked completed as soon as start-posting is sent. Postings left
// processing longer than ProcessingTimeout are moved to timeout on each tick.
type Scheduler struct {
	postings   domain.PostingStore
	vehicles   domain.VehicleStore
	dispatcher domain.Dispatcher
	presence   domain.Presence
	cfg        config.SchedulerConfig
	clock      clock.Clock
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

func New(
	postings domain.PostingStore,
	vehicles domain.VehicleStore,
	dispatcher domain.Dispatcher,
	presence domain.Presence,
	cfg config.SchedulerConfig,
	c clock.Clock,
	logger *zerolog.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = models.DefaultSchedulerInterval
	}
	if cfg.LaunchGrace < 0 {
		cfg.LaunchGrace = 0
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = models.DefaultJobTimeout + cfg.LaunchGrace + cfg.Interval
	}
	return &Scheduler{
		postings:   postings,
		vehicles:   vehicles,
		dispatcher: dispatcher,
		presence:   presence,
		cfg:        cfg,
		clock:      clock.OrReal(c),
		logger:     logging.Component(logger, "scheduler"),
	}
}

// Start runs a tick immediately and then every interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Dur("window_back", s.cfg.WindowBack).
		Dur("window_forward", s.cfg.WindowForward).
		Msg("scheduler started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			s.Tick(ctx)
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("scheduler stopped")
				return
			case <-s.clock.After(s.cfg.Interval):
			}
		}
	}()
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Window returns the inclusive scan bounds around now.
func (s *Scheduler) Window(now time.Time) (time.Time, time.Time) {
	return now.Add(-s.cfg.WindowBack), now.Add(s.cfg.WindowForward)
}

func (s *Scheduler) Tick(ctx context.Context) TickResult {
	var res TickResult
	if ctx.Err() != nil {
		return res
	}

	from, to := s.Window(s.clock.Now())
	due, err := s.postings.DuePostings(ctx, from, to)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load due postings")
		metrics.IncScheduler("error")
		return res
	}
	res.Due = len(due)

	for _, p := range due {
		outcome := s.dispatch(ctx, p)
		metrics.IncScheduler(outcome)
		switch outcome {
		case "skipped":
			res.Skipped++
		case "started":
			res.Started++
		case "launched":
			res.Launched++
		case "completed":
			res.Completed++
		default:
			res.Failed++
		}
	}

	res.TimedOut = s.expireStale(ctx)

	if res.Due > 0 || res.TimedOut > 0 {
		s.logger.Info().
			Int("due", res.Due).
			Int("started", res.Started).
			Int("launched", res.Launched).
			Int("completed", res.Completed).
			Int("failed", res.Failed).
			Int("skipped", res.Skipped).
			Int("timed_out", res.TimedOut).
			Msg("scheduler tick")
	}
	return res
}

// dispatch handles a single due posting and reports its outcome. Errors stay
// inside; one bad record never aborts the tick.
func (s *Scheduler) dispatch(ctx context.Context, p *models.Posting) string {
	log := s.logger.With().Str("posting_id", p.ID).Str("user_id", p.UserID).Logger()

	claimed, err := s.postings.ClaimPosting(ctx, p.ID, models.PostingScheduled, models.PostingProcessing)
	if err != nil {
		log.Error().Err(err).Msg("failed to claim posting")
		return "error"
	}
	if !claimed {
		return "skipped"
	}

	vehicle, err := s.vehicles.GetVehicle(ctx, p.VehicleID)
	if err != nil {
		reason := fmt.Sprintf("vehicle %s not found", p.VehicleID)
		if !errors.Is(err, database.ErrNotFound) {
			reason = "load vehicle: " + err.Error()
		}
		s.fail(ctx, p, reason, log)
		return "failed"
	}

	cmd := models.StartCommand{
		PostingID:      p.ID,
		UserID:         p.UserID,
		OrganizationID: p.OrganizationID,
		ProfileID:      p.ProfileID,
		Vehicle:        *vehicle,
		PreparedAssets: p.PreparedAssets,
		Title:          p.Title,
		Description:    p.Description,
	}

	if p.ProfileID == "" {
		if err := s.dispatcher.StartPosting(ctx, cmd); err != nil {
			s.fail(ctx, p, "start posting: "+err.Error(), log)
			return "failed"
		}
		patch := models.StatusPatch(models.PostingCompleted).WithCompletedAt(s.clock.Now())
		patch.LogMessage = "start-posting sent without profile"
		if _, err := s.postings.UpdatePosting(ctx, p.ID, patch); err != nil {
			log.Error().Err(err).Msg("failed to complete posting")
			return "error"
		}
		metrics.IncPostingFinished(string(models.PostingCompleted), "scheduler")
		return "completed"
	}

	if s.presence != nil && s.presence.AgentActive(p.UserID, p.ProfileID) {
		if err := s.dispatcher.StartPosting(ctx, cmd); err != nil {
			s.fail(ctx, p, "start posting: "+err.Error(), log)
			return "failed"
		}
		return "started"
	}

	err = s.dispatcher.LaunchProfile(ctx, models.LaunchCommand{
		UserID:         p.UserID,
		OrganizationID: p.OrganizationID,
		ProfileID:      p.ProfileID,
		PostingID:      p.ID,
	})
	if err != nil {
		s.fail(ctx, p, "launch profile: "+err.Error(), log)
		return "failed"
	}

	startCtx := context.WithoutCancel(ctx)
	s.clock.AfterFunc(s.cfg.LaunchGrace, func() {
		if err := s.dispatcher.StartPosting(startCtx, cmd); err != nil {
			s.fail(startCtx, p, "start posting: "+err.Error(), log)
		}
	})
	return "launched"
}

// expireStale times out postings that have been processing longer than
// ProcessingTimeout. The claim makes a result that lands concurrently win or
// lose cleanly.
func (s *Scheduler) expireStale(ctx context.Context) int {
	now := s.clock.Now()
	stale, err := s.postings.StaleProcessing(ctx, now.Add(-s.cfg.ProcessingTimeout), staleBatch)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load stale postings")
		return 0
	}

	expired := 0
	for _, p := range stale {
		log := s.logger.With().Str("posting_id", p.ID).Str("user_id", p.UserID).Logger()
		claimed, err := s.postings.ClaimPosting(ctx, p.ID, models.PostingProcessing, models.PostingTimeout)
		if err != nil {
			log.Error().Err(err).Msg("failed to time out posting")
			continue
		}
		if !claimed {
			continue
		}
		reason := fmt.Sprintf("no result within %s", s.cfg.ProcessingTimeout)
		patch := models.StatusPatch(models.PostingTimeout).WithError(reason).WithCompletedAt(now)
		if _, err := s.postings.UpdatePosting(ctx, p.ID, patch); err != nil {
			log.Error().Err(err).Msg("failed to record posting timeout")
		}
		metrics.IncPostingFinished(string(models.PostingTimeout), "scheduler")
		metrics.IncScheduler("timeout")
		expired++

		evt := events.PostingEventPayload{
			PostingID:      p.ID,
			JobID:          p.JobID,
			UserID:         p.UserID,
			OrganizationID: p.OrganizationID,
			VehicleID:      p.VehicleID,
			ProfileID:      p.ProfileID,
			Status:         string(models.PostingTimeout),
			Error:          reason,
			At:             now,
		}
		if err := s.dispatcher.NotifyUser(ctx, p.UserID, models.EventPostingResult, evt); err != nil {
			log.Debug().Err(err).Msg("failed to notify dashboard")
		}
		log.Warn().Str("reason", reason).Msg("posting timed out")
	}
	return expired
}

const staleBatch = 100

func (s *Scheduler) fail(ctx context.Context, p *models.Posting, reason string, log zerolog.Logger) {
	patch := models.StatusPatch(models.PostingFailed).WithError(reason).WithCompletedAt(s.clock.Now())
	if _, err := s.postings.UpdatePosting(ctx, p.ID, patch); err != nil {
		log.Error().Err(err).Msg("failed to mark posting failed")
		return
	}
	metrics.IncPostingFinished(string(models.PostingFailed), "scheduler")
	log.Warn().Str("reason", reason).Msg("posting failed")
}
