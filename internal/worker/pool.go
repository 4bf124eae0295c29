package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autoposter/internal/clock"
	"autoposter/internal/config"
	"autoposter/internal/logging"
	"autoposter/internal/metrics"
	"autoposter/internal/queue"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// JobQueue is the lease queue the pool consumes.
type JobQueue interface {
	DequeueWithLease(ctx context.Context) (*queue.Job, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	Retry(ctx context.Context, job *queue.Job, delay time.Duration) error
	DeadLetter(ctx context.Context, job *queue.Job, reason string) error
	PromoteDue(ctx context.Context, limit int64) (int, error)
	RequeueExpired(ctx context.Context, limit int64) ([]string, error)
	Depth(ctx context.Context) (queue.Depth, error)
}

// JobProcessor runs a single job. Abandon fails the posting of a job that is dropped.
type JobProcessor interface {
	Process(ctx context.Context, job *queue.Job) error
	Abandon(ctx context.Context, job *queue.Job, reason string)
}

// Pool runs Concurrency loops dequeuing jobs plus one maintenance loop.
type Pool struct {
	queue     JobQueue
	processor JobProcessor
	cfg       config.WorkerConfig
	retry     RetryPolicy
	clock     clock.Clock
	logger    zerolog.Logger
	workerID  string
	wg        sync.WaitGroup
}

func NewPool(q JobQueue, processor JobProcessor, cfg config.WorkerConfig, c clock.Clock, logger *zerolog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxContentionRetries <= 0 {
		cfg.MaxContentionRetries = 50
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = cfg.JobTimeout + time.Minute
	}
	return &Pool{
		queue:     q,
		processor: processor,
		cfg:       cfg,
		retry: RetryPolicy{
			MaxRetries:    cfg.MaxAttempts,
			InitialDelay:  cfg.Retry.InitialDelay,
			MaxDelay:      cfg.Retry.MaxDelay,
			BackoffFactor: cfg.Retry.BackoffFactor,
		},
		clock:    clock.OrReal(c),
		logger:   logging.Component(logger, "worker_pool"),
		workerID: uuid.NewString()[:8],
	}
}

// Start spawns the loops. They stop when ctx is canceled; Wait blocks until they have.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info().
		Int("concurrency", p.cfg.Concurrency).
		Str("worker_id", p.workerID).
		Msg("Spawning worker pool")

	p.wg.Add(1)
	go p.maintenanceLoop(ctx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, workerNum int) {
	defer p.wg.Done()
	name := fmt.Sprintf("%s-%d", p.workerID, workerNum)
	log := p.logger.With().Str("worker_name", name).Logger()

	for {
		if ctx.Err() != nil {
			log.Debug().Msg("Worker goroutine stopping")
			return
		}

		job, err := p.queue.DequeueWithLease(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("dequeue failed")
		}
		if job == nil {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		p.handle(ctx, job, log)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-p.clock.After(d):
	}
}

// handle processes one job and settles it on the queue.
func (p *Pool) handle(ctx context.Context, job *queue.Job, log zerolog.Logger) {
	log = log.With().Str("job_id", job.ID).Str("posting_id", job.PostingID).Logger()

	leaseCtx, stopLease := context.WithCancel(ctx)
	go p.extendLease(leaseCtx, job.ID, log)
	err := p.processor.Process(ctx, job)
	stopLease()

	// settle even when shutting down; an unsettled lease is requeued after it expires
	settleCtx := context.WithoutCancel(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		log.Info().Msg("job interrupted by shutdown, lease left to expire")
		return
	}

	var (
		retryable *RetryableError
		terminal  *TerminalError
	)
	switch {
	case err == nil:
		if ackErr := p.queue.Ack(settleCtx, job.ID); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ack job")
		}

	case errors.As(err, &terminal):
		log.Warn().Err(err).Msg("job ended terminally")
		p.deadLetter(settleCtx, job, err.Error(), log)

	case errors.Is(err, ErrLockHeld):
		job.Contention++
		job.LastError = err.Error()
		if job.Contention > p.cfg.MaxContentionRetries {
			reason := fmt.Sprintf("user lock contention after %d retries", job.Contention-1)
			p.processor.Abandon(settleCtx, job, reason)
			p.deadLetter(settleCtx, job, reason, log)
			return
		}
		p.requeue(settleCtx, job, p.retry.JitteredDelay(job.Contention), log)

	default:
		if !errors.As(err, &retryable) {
			log.Warn().Err(err).Msg("unclassified job error, treating as retryable")
		}
		job.Attempts++
		job.LastError = err.Error()
		if job.Attempts >= p.retry.MaxRetries {
			reason := fmt.Sprintf("gave up after %d attempts: %s", job.Attempts, err)
			p.processor.Abandon(settleCtx, job, reason)
			p.deadLetter(settleCtx, job, reason, log)
			return
		}
		log.Warn().Err(err).Int("attempt", job.Attempts).Msg("job failed, retrying")
		p.requeue(settleCtx, job, p.retry.NextDelay(job.Attempts), log)
	}
}

func (p *Pool) requeue(ctx context.Context, job *queue.Job, delay time.Duration, log zerolog.Logger) {
	if err := p.queue.Retry(ctx, job, delay); err != nil {
		log.Error().Err(err).Msg("failed to schedule retry")
	}
}

func (p *Pool) deadLetter(ctx context.Context, job *queue.Job, reason string, log zerolog.Logger) {
	if err := p.queue.DeadLetter(ctx, job, reason); err != nil {
		log.Error().Err(err).Msg("failed to dead-letter job")
	}
}

// extendLease keeps the in-flight visibility deadline ahead of a long wait.
func (p *Pool) extendLease(ctx context.Context, jobID string, log zerolog.Logger) {
	interval := p.cfg.VisibilityTimeout / 2
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(interval):
		}
		if err := p.queue.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("failed to extend job lease")
		}
	}
}

func (p *Pool) maintenanceLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		p.maintain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.cfg.PollInterval):
		}
	}
}

func (p *Pool) maintain(ctx context.Context) {
	if _, err := p.queue.PromoteDue(ctx, 100); err != nil && ctx.Err() == nil {
		p.logger.Warn().Err(err).Msg("failed to promote delayed jobs")
	}
	reclaimed, err := p.queue.RequeueExpired(ctx, 100)
	if err != nil && ctx.Err() == nil {
		p.logger.Warn().Err(err).Msg("failed to requeue expired leases")
	}
	if len(reclaimed) > 0 {
		p.logger.Warn().Strs("job_ids", reclaimed).Msg("requeued jobs with expired leases")
	}
	if depth, err := p.queue.Depth(ctx); err == nil {
		metrics.SetQueueDepth(depth.Ready + depth.Delayed)
	}
}
