package worker

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
	"autoposter/internal/queue"

	"github.com/rs/zerolog"
)

// Processor runs one posting job end to end while holding the user's lease.
type Processor struct {
	postings   domain.PostingStore
	vehicles   domain.VehicleStore
	lock       domain.UserLock
	bus        domain.CompletionBus
	dispatcher domain.Dispatcher
	stealth    domain.StealthPipeline
	cfg        config.WorkerConfig
	clock      clock.Clock
	logger     zerolog.Logger
}

type ProcessorDeps struct {
	Postings   domain.PostingStore
	Vehicles   domain.VehicleStore
	Lock       domain.UserLock
	Bus        domain.CompletionBus
	Dispatcher domain.Dispatcher
	// Stealth is optional.
	Stealth domain.StealthPipeline
	Clock   clock.Clock
}

func NewProcessor(deps ProcessorDeps, cfg config.WorkerConfig, logger *zerolog.Logger) *Processor {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = models.DefaultJobTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = models.DefaultLockTTL
	}
	if cfg.LockRenewInterval <= 0 || cfg.LockRenewInterval >= cfg.LockTTL {
		cfg.LockRenewInterval = cfg.LockTTL / 3
	}
	if cfg.LaunchGrace < 0 {
		cfg.LaunchGrace = 0
	}
	return &Processor{
		postings:   deps.Postings,
		vehicles:   deps.Vehicles,
		lock:       deps.Lock,
		bus:        deps.Bus,
		dispatcher: deps.Dispatcher,
		stealth:    deps.Stealth,
		cfg:        cfg,
		clock:      clock.OrReal(deps.Clock),
		logger:     logging.Component(logger, "worker"),
	}
}

// Process returns nil when the job is done, a RetryableError when it should be
// retried and a TerminalError when the posting was finalized as a failure.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	log := p.logger.With().Str("job_id", job.ID).Str("posting_id", job.PostingID).Str("user_id", job.UserID).Logger()

	ok, err := p.lock.Acquire(ctx, job.UserID, job.ID, p.cfg.LockTTL)
	if err != nil {
		return NewRetryableError(fmt.Errorf("acquire user lock: %w", err))
	}
	if !ok {
		metrics.IncLockContention()
		log.Debug().Msg("user lock held, deferring job")
		return NewRetryableError(ErrLockHeld)
	}

	// one deadline covers the whole job, from the lease to the agent's result
	deadline := p.clock.After(p.cfg.JobTimeout)

	renewCtx, stopRenew := context.WithCancel(ctx)
	var once sync.Once
	release := func() {
		once.Do(func() {
			stopRenew()
			if err := p.lock.Release(context.WithoutCancel(ctx), job.UserID, job.ID); err != nil {
				log.Warn().Err(err).Msg("failed to release user lock")
			}
		})
	}
	defer release()
	go p.renewLoop(renewCtx, job, log)

	posting, err := p.postings.GetPosting(ctx, job.PostingID)
	if errors.Is(err, database.ErrNotFound) {
		return NewTerminalError(fmt.Errorf("%w: %s", ErrPostingNotFound, job.PostingID))
	}
	if err != nil {
		return NewRetryableError(fmt.Errorf("load posting: %w", err))
	}
	if posting.Status == models.PostingProcessing && posting.JobID == job.ID {
		return p.resume(ctx, posting, log)
	}
	if posting.Status != models.PostingQueued && posting.Status != models.PostingScheduled {
		log.Info().Str("status", string(posting.Status)).Msg("posting no longer dispatchable, dropping job")
		return nil
	}

	vehicle, err := p.vehicles.GetVehicle(ctx, posting.VehicleID)
	if errors.Is(err, database.ErrNotFound) {
		reason := fmt.Sprintf("vehicle %s not found", posting.VehicleID)
		p.finish(ctx, posting, models.PostingFailed, reason, "", log)
		return NewTerminalError(errors.New(reason))
	}
	if err != nil {
		return NewRetryableError(fmt.Errorf("load vehicle: %w", err))
	}

	completions, unsubscribe, err := p.bus.Subscribe(ctx, job.ID)
	if err != nil {
		return NewRetryableError(fmt.Errorf("subscribe to completion: %w", err))
	}
	defer unsubscribe()

	claimed, err := p.postings.ClaimPosting(ctx, posting.ID, posting.Status, models.PostingProcessing)
	if err != nil {
		return NewRetryableError(fmt.Errorf("claim posting: %w", err))
	}
	if !claimed {
		log.Info().Msg("posting claimed elsewhere, dropping job")
		return nil
	}

	jobID := job.ID
	posting, err = p.postings.UpdatePosting(ctx, posting.ID, models.PostingPatch{JobID: &jobID})
	if err != nil {
		p.finish(ctx, &models.Posting{ID: job.PostingID, UserID: job.UserID}, models.PostingFailed, "record job id: "+err.Error(), "", log)
		return NewTerminalError(err)
	}

	p.prepareStealth(ctx, posting, vehicle, log)

	if posting.ProfileID != "" {
		err := p.dispatcher.LaunchProfile(ctx, models.LaunchCommand{
			UserID:         posting.UserID,
			OrganizationID: posting.OrganizationID,
			ProfileID:      posting.ProfileID,
			PostingID:      posting.ID,
		})
		if err != nil {
			p.finish(ctx, posting, models.PostingFailed, "launch profile: "+err.Error(), "", log)
			return NewTerminalError(err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return p.expire(ctx, posting, log)
		case <-p.clock.After(p.cfg.LaunchGrace):
		}
	}

	err = p.dispatcher.StartPosting(ctx, models.StartCommand{
		PostingID:      posting.ID,
		JobID:          job.ID,
		UserID:         posting.UserID,
		OrganizationID: posting.OrganizationID,
		ProfileID:      posting.ProfileID,
		Vehicle:        *vehicle,
		PreparedAssets: posting.PreparedAssets,
		Title:          posting.Title,
		Description:    posting.Description,
	})
	if err != nil {
		p.finish(ctx, posting, models.PostingFailed, "start posting: "+err.Error(), "", log)
		return NewTerminalError(err)
	}

	return p.await(ctx, posting, completions, deadline, log)
}

// resume picks up a posting this job already started, after the previous run
// lost its lease (usually a worker shutdown). The command is not sent again;
// the job waits out what is left of JobTimeout from the posting's start.
func (p *Processor) resume(ctx context.Context, posting *models.Posting, log zerolog.Logger) error {
	completions, unsubscribe, err := p.bus.Subscribe(ctx, posting.JobID)
	if err != nil {
		return NewRetryableError(fmt.Errorf("subscribe to completion: %w", err))
	}
	defer unsubscribe()

	// a result may have been finalized by the bridge while nobody was subscribed
	current, err := p.postings.GetPosting(ctx, posting.ID)
	if err != nil {
		return NewRetryableError(fmt.Errorf("reload posting: %w", err))
	}
	if current.Status != models.PostingProcessing {
		log.Info().Str("status", string(current.Status)).Msg("resumed posting already finished")
		return nil
	}

	remaining := p.cfg.JobTimeout
	if current.StartedAt != nil {
		remaining -= p.clock.Now().Sub(*current.StartedAt)
	}
	if remaining < 0 {
		remaining = 0
	}
	log.Info().Dur("remaining", remaining).Msg("resuming in-flight posting")
	return p.await(ctx, current, completions, p.clock.After(remaining), log)
}

// await waits for the agent's result or the deadline.
func (p *Processor) await(ctx context.Context, posting *models.Posting, completions <-chan models.Completion, deadline <-chan time.Time, log zerolog.Logger) error {
	select {
	case c := <-completions:
		if !c.Success {
			reason := c.Error
			if reason == "" {
				reason = "agent reported failure"
			}
			p.finish(ctx, posting, models.PostingFailed, reason, "", log)
			return nil
		}
		entry := models.PostingHistoryEntry{
			PostingID:  posting.ID,
			ProfileID:  posting.ProfileID,
			ListingURL: c.ListingURL,
			PostedAt:   p.clock.Now(),
		}
		if err := p.vehicles.MarkVehiclePosted(ctx, posting.VehicleID, entry); err != nil {
			log.Error().Err(err).Msg("failed to mark vehicle posted")
		}
		p.finish(ctx, posting, models.PostingCompleted, "", c.ListingURL, log)
		return nil

	case <-deadline:
		return p.expire(ctx, posting, log)

	case <-ctx.Done():
		return ctx.Err()
	}
}

// expire moves a still-processing posting to timeout. If something else
// finished it first, the job simply ends.
func (p *Processor) expire(ctx context.Context, posting *models.Posting, log zerolog.Logger) error {
	claimed, err := p.postings.ClaimPosting(context.WithoutCancel(ctx), posting.ID, models.PostingProcessing, models.PostingTimeout)
	if err != nil {
		return NewRetryableError(fmt.Errorf("time out posting: %w", err))
	}
	if !claimed {
		log.Info().Msg("posting finished elsewhere before the deadline")
		return nil
	}
	reason := fmt.Sprintf("no result within %s", p.cfg.JobTimeout)
	p.finish(ctx, posting, models.PostingTimeout, reason, "", log)
	return NewTerminalError(ErrPostingTimeout)
}

func (p *Processor) renewLoop(ctx context.Context, job *queue.Job, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.cfg.LockRenewInterval):
		}
		ok, err := p.lock.Renew(ctx, job.UserID, job.ID, p.cfg.LockTTL)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("failed to renew user lock")
			}
			continue
		}
		if !ok {
			log.Warn().Msg("user lock lost while job in flight")
			return
		}
	}
}

// prepareStealth regenerates images before dispatch. Failures keep the original images.
func (p *Processor) prepareStealth(ctx context.Context, posting *models.Posting, vehicle *models.Vehicle, log zerolog.Logger) {
	if !posting.Options.StealthEnabled || p.stealth == nil {
		return
	}
	urls := posting.SelectedImages
	if len(urls) == 0 {
		urls = vehicle.Images
	}
	if len(urls) == 0 {
		return
	}

	batch, err := p.stealth.PrepareBatch(ctx, urls, models.StealthOptions{
		GPSLocation: vehicle.Location,
		Folder:      posting.ID,
	})
	if err != nil || batch == nil || len(batch.Images) == 0 {
		log.Warn().Err(err).Msg("stealth preparation failed, using original images")
		return
	}

	assets := &models.PreparedAssets{Images: batch.Images}
	updated, err := p.postings.UpdatePosting(ctx, posting.ID, models.PostingPatch{
		PreparedAssets: assets,
		LogMessage:     fmt.Sprintf("prepared %d stealth images", len(batch.Images)),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to store prepared assets")
		posting.PreparedAssets = assets
		return
	}
	*posting = *updated
}

func (p *Processor) finish(ctx context.Context, posting *models.Posting, status models.PostingStatus, reason, listingURL string, log zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	patch := models.StatusPatch(status).WithCompletedAt(p.clock.Now())
	if reason != "" {
		patch = patch.WithError(reason)
	}
	if listingURL != "" {
		patch.ListingURL = &listingURL
	}
	if _, err := p.postings.UpdatePosting(ctx, posting.ID, patch); err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("failed to finalize posting")
		return
	}
	metrics.IncPostingFinished(string(status), "worker")

	evt := events.PostingEventPayload{
		PostingID:      posting.ID,
		JobID:          posting.JobID,
		UserID:         posting.UserID,
		OrganizationID: posting.OrganizationID,
		VehicleID:      posting.VehicleID,
		ProfileID:      posting.ProfileID,
		Status:         string(status),
		Error:          reason,
		ListingURL:     listingURL,
		At:             p.clock.Now(),
	}
	if err := p.dispatcher.NotifyUser(ctx, posting.UserID, models.EventPostingResult, evt); err != nil {
		log.Debug().Err(err).Msg("failed to notify dashboard")
	}

	e := log.Info()
	if status != models.PostingCompleted {
		e = log.Warn().Str("reason", reason)
	}
	e.Str("status", string(status)).Msg("posting finished")
}

// Abandon fails a posting whose job is being dropped without a result.
func (p *Processor) Abandon(ctx context.Context, job *queue.Job, reason string) {
	log := p.logger.With().Str("job_id", job.ID).Str("posting_id", job.PostingID).Logger()
	posting, err := p.postings.GetPosting(ctx, job.PostingID)
	if err != nil {
		return
	}
	if posting.Status != models.PostingQueued && posting.Status != models.PostingScheduled {
		return
	}
	claimed, err := p.postings.ClaimPosting(ctx, posting.ID, posting.Status, models.PostingFailed)
	if err != nil || !claimed {
		return
	}
	p.finish(ctx, posting, models.PostingFailed, reason, "", log)
}
