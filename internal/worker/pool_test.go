package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"autoposter/internal/config"
	"autoposter/internal/queue"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingQueue struct {
	mu      sync.Mutex
	ready   []*queue.Job
	acked   []string
	retried map[string]time.Duration
	dead    map[string]string
}

func newRecordingQueue(jobs ...*queue.Job) *recordingQueue {
	return &recordingQueue{ready: jobs, retried: map[string]time.Duration{}, dead: map[string]string{}}
}

func (q *recordingQueue) DequeueWithLease(context.Context) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return nil, nil
	}
	job := q.ready[0]
	q.ready = q.ready[1:]
	return job, nil
}

func (q *recordingQueue) ExtendLease(context.Context, string, time.Duration) error { return nil }

func (q *recordingQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, jobID)
	return nil
}

func (q *recordingQueue) Retry(_ context.Context, job *queue.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried[job.ID] = delay
	return nil
}

func (q *recordingQueue) DeadLetter(_ context.Context, job *queue.Job, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead[job.ID] = reason
	return nil
}

func (q *recordingQueue) PromoteDue(context.Context, int64) (int, error)          { return 0, nil }
func (q *recordingQueue) RequeueExpired(context.Context, int64) ([]string, error) { return nil, nil }
func (q *recordingQueue) Depth(context.Context) (queue.Depth, error)              { return queue.Depth{}, nil }

type scriptedProcessor struct {
	mu        sync.Mutex
	results   map[string]error
	abandoned map[string]string
}

func (p *scriptedProcessor) Process(_ context.Context, job *queue.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.results[job.ID]
}

func (p *scriptedProcessor) Abandon(_ context.Context, job *queue.Job, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abandoned[job.ID] = reason
}

func TestPoolSettlesOutcomes(t *testing.T) {
	q := newRecordingQueue()
	proc := &scriptedProcessor{
		results: map[string]error{
			"ok":        nil,
			"contended": NewRetryableError(ErrLockHeld),
			"exhausted": NewRetryableError(ErrLockHeld),
			"flaky":     NewRetryableError(errors.New("redis down")),
			"broken":    errors.New("boom"),
			"timeout":   NewTerminalError(ErrPostingTimeout),
		},
		abandoned: map[string]string{},
	}
	cfg := config.WorkerConfig{
		MaxAttempts:          3,
		MaxContentionRetries: 2,
		Retry:                config.RetryConfig{InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2},
	}
	logger := zerolog.Nop()
	pool := NewPool(q, proc, cfg, nil, &logger)
	log := zerolog.Nop()
	ctx := context.Background()

	pool.handle(ctx, &queue.Job{ID: "ok"}, log)
	pool.handle(ctx, &queue.Job{ID: "contended"}, log)
	pool.handle(ctx, &queue.Job{ID: "exhausted", Contention: 2}, log)
	pool.handle(ctx, &queue.Job{ID: "flaky"}, log)
	pool.handle(ctx, &queue.Job{ID: "broken", Attempts: 2}, log)
	pool.handle(ctx, &queue.Job{ID: "timeout"}, log)

	assert.Equal(t, []string{"ok"}, q.acked)

	require.Contains(t, q.retried, "contended")
	assert.GreaterOrEqual(t, q.retried["contended"], 500*time.Millisecond)
	assert.Less(t, q.retried["contended"], time.Second)
	assert.Equal(t, time.Second, q.retried["flaky"])

	assert.Contains(t, q.dead["exhausted"], "contention")
	assert.Contains(t, proc.abandoned, "exhausted")
	assert.Contains(t, q.dead["broken"], "gave up after 3 attempts")
	assert.Contains(t, proc.abandoned, "broken")
	assert.Contains(t, q.dead["timeout"], ErrPostingTimeout.Error())
	assert.NotContains(t, proc.abandoned, "timeout")
}

func TestPoolStartDrainsQueue(t *testing.T) {
	q := newRecordingQueue(&queue.Job{ID: "a"}, &queue.Job{ID: "b"}, &queue.Job{ID: "c"})
	proc := &scriptedProcessor{results: map[string]error{}, abandoned: map[string]string{}}
	pool := NewPool(q, proc, config.WorkerConfig{Concurrency: 2, PollInterval: 5 * time.Millisecond}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.acked) == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	pool.Wait()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, q.acked)
}

func TestPoolGivesUpAtMaxRetries(t *testing.T) {
	q := newRecordingQueue()
	proc := &scriptedProcessor{
		results:   map[string]error{"first": errors.New("boom"), "second": errors.New("boom")},
		abandoned: map[string]string{},
	}
	pool := NewPool(q, proc, config.WorkerConfig{MaxAttempts: 2}, nil, nil)
	require.Equal(t, 2, pool.retry.MaxRetries)

	pool.handle(context.Background(), &queue.Job{ID: "first"}, zerolog.Nop())
	pool.handle(context.Background(), &queue.Job{ID: "second", Attempts: 1}, zerolog.Nop())

	assert.Contains(t, q.retried, "first")
	assert.NotContains(t, q.dead, "first")
	assert.Contains(t, q.dead["second"], "gave up after 2 attempts")
	assert.Contains(t, proc.abandoned, "second")
}
