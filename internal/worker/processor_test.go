package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"autoposter/internal/config"
	"autoposter/internal/database"
	"autoposter/internal/events"
	"autoposter/internal/models"
	"autoposter/internal/queue"
	"autoposter/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	launches []models.LaunchCommand
	starts   []models.StartCommand
	notified []string
	onStart  func(cmd models.StartCommand)
	startErr error
}

func (d *fakeDispatcher) LaunchProfile(_ context.Context, cmd models.LaunchCommand) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches = append(d.launches, cmd)
	return nil
}

func (d *fakeDispatcher) StartPosting(_ context.Context, cmd models.StartCommand) error {
	d.mu.Lock()
	d.starts = append(d.starts, cmd)
	hook, err := d.onStart, d.startErr
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(cmd)
	}
	return nil
}

func (d *fakeDispatcher) NotifyUser(_ context.Context, userID, event string, _ any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notified = append(d.notified, userID+":"+event)
	return nil
}

func (d *fakeDispatcher) setOnStart(fn func(cmd models.StartCommand)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onStart = fn
}

type fakeStealth struct {
	err error
}

func (s *fakeStealth) PrepareBatch(_ context.Context, urls []string, _ models.StealthOptions) (*models.StealthBatch, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := &models.StealthBatch{}
	for i := range urls {
		out.Images = append(out.Images, models.PreparedImage{URL: urls[i] + "?stealth=1"})
	}
	return out, nil
}

type harness struct {
	db         *database.DB
	lock       *repository.MemoryUserLock
	bus        *events.LocalCompletionBus
	dispatcher *fakeDispatcher
	processor  *Processor
}

func newHarness(t *testing.T, cfg config.WorkerConfig) *harness {
	t.Helper()
	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "worker.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		db:         db,
		lock:       repository.NewMemoryUserLock(nil),
		bus:        events.NewLocalCompletionBus(nil),
		dispatcher: &fakeDispatcher{},
	}
	h.processor = NewProcessor(ProcessorDeps{
		Postings:   db,
		Vehicles:   db,
		Lock:       h.lock,
		Bus:        h.bus,
		Dispatcher: h.dispatcher,
		Stealth:    &fakeStealth{},
	}, cfg, nil)
	return h
}

func (h *harness) seed(t *testing.T, userID, profileID string, stealth bool) (*models.Posting, *models.Vehicle) {
	t.Helper()
	ctx := context.Background()
	v := &models.Vehicle{OrganizationID: "org-1", Year: 2019, Make: "Honda", Model: "Civic", Images: []string{"https://img/1.jpg"}}
	require.NoError(t, h.db.UpsertVehicle(ctx, v))
	p := &models.Posting{
		UserID:         userID,
		VehicleID:      v.ID,
		ProfileID:      profileID,
		OrganizationID: "org-1",
		Status:         models.PostingQueued,
		ScheduledTime:  time.Now(),
		Options:        models.PostingOptions{StealthEnabled: stealth},
	}
	require.NoError(t, h.db.CreatePosting(ctx, p))
	return p, v
}

func (h *harness) complete(success bool, listingURL string) func(cmd models.StartCommand) {
	return func(cmd models.StartCommand) {
		c := models.Completion{
			JobID:      cmd.JobID,
			PostingID:  cmd.PostingID,
			Success:    success,
			ListingURL: listingURL,
		}
		if !success {
			c.Error = "form rejected"
		}
		_, _ = h.bus.Publish(context.Background(), c)
	}
}

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		JobTimeout:  2 * time.Second,
		LaunchGrace: 10 * time.Millisecond,
		LockTTL:     5 * time.Second,
	}
}

func TestProcessSuccess(t *testing.T) {
	h := newHarness(t, testWorkerConfig())
	ctx := context.Background()
	p, v := h.seed(t, "u1", "profile-1", true)
	h.dispatcher.setOnStart(h.complete(true, "https://market/item/1"))

	job := &queue.Job{ID: "job-1", PostingID: p.ID, UserID: "u1"}
	require.NoError(t, h.processor.Process(ctx, job))

	got, err := h.db.GetPosting(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostingCompleted, got.Status)
	assert.Equal(t, "https://market/item/1", got.ListingURL)
	assert.Equal(t, "job-1", got.JobID)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	veh, err := h.db.GetVehicle(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VehiclePosted, veh.Status)
	require.Len(t, veh.PostingHistory, 1)
	assert.Equal(t, "profile-1", veh.PostingHistory[0].ProfileID)

	require.Len(t, h.dispatcher.launches, 1)
	require.Len(t, h.dispatcher.starts, 1)
	start := h.dispatcher.starts[0]
	require.NotNil(t, start.PreparedAssets)
	assert.Equal(t, []string{"https://img/1.jpg?stealth=1"}, start.PreparedAssets.URLs())
	assert.Contains(t, h.dispatcher.notified, "u1:"+models.EventPostingResult)

	ok, _ := h.lock.Acquire(ctx, "u1", "other", time.Minute)
	assert.True(t, ok, "lock released after completion")
}

func TestProcessAgentFailure(t *testing.T) {
	h := newHarness(t, testWorkerConfig())
	ctx := context.Background()
	p, v := h.seed(t, "u1", "", false)
	h.dispatcher.setOnStart(h.complete(false, ""))

	require.NoError(t, h.processor.Process(ctx, &queue.Job{ID: "job-1", PostingID: p.ID, UserID: "u1"}))

	got, _ := h.db.GetPosting(ctx, p.ID)
	assert.Equal(t, models.PostingFailed, got.Status)
	assert.Equal(t, "form rejected", got.Error)
	assert.Empty(t, h.dispatcher.launches, "no profile, no launch")

	veh, _ := h.db.GetVehicle(ctx, v.ID)
	assert.Equal(t, models.VehicleAvailable, veh.Status)
}

func TestProcessSameUserBlockedUntilRelease(t *testing.T) {
	h := newHarness(t, testWorkerConfig())
	ctx := context.Background()
	first, _ := h.seed(t, "u1", "profile-1", false)
	second, _ := h.seed(t, "u1", "profile-2", false)

	started := make(chan models.StartCommand, 1)
	h.dispatcher.setOnStart(func(cmd models.StartCommand) { started <- cmd })

	done := make(chan error, 1)
	go func() {
		done <- h.processor.Process(ctx, &queue.Job{ID: "job-1", PostingID: first.ID, UserID: "u1"})
	}()

	var cmd models.StartCommand
	select {
	case cmd = <-started:
	case <-time.After(time.Second):
		t.Fatal("first job never dispatched")
	}

	err := h.processor.Process(ctx, &queue.Job{ID: "job-2", PostingID: second.ID, UserID: "u1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockHeld)
	var retryable *RetryableError
	assert.True(t, errors.As(err, &retryable))

	got, _ := h.db.GetPosting(ctx, second.ID)
	assert.Equal(t, models.PostingQueued, got.Status, "blocked job must not touch its posting")

	h.dispatcher.setOnStart(h.complete(true, "https://market/item/2"))
	_, _ = h.bus.Publish(ctx, models.Completion{JobID: cmd.JobID, PostingID: cmd.PostingID, Success: true, ListingURL: "https://market/item/1"})
	require.NoError(t, <-done)

	require.NoError(t, h.processor.Process(ctx, &queue.Job{ID: "job-2", PostingID: second.ID, UserID: "u1"}))
	got, _ = h.db.GetPosting(ctx, second.ID)
	assert.Equal(t, models.PostingCompleted, got.Status)
}

func TestProcessTimeout(t *testing.T) {
	cfg := testWorkerConfig()
	cfg.JobTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	ctx := context.Background()
	p, v := h.seed(t, "u1", "profile-1", false)

	err := h.processor.Process(ctx, &queue.Job{ID: "job-1", PostingID: p.ID, UserID: "u1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPostingTimeout)
	var terminal *TerminalError
	assert.True(t, errors.As(err, &terminal))

	got, _ := h.db.GetPosting(ctx, p.ID)
	assert.Equal(t, models.PostingTimeout, got.Status)
	assert.Contains(t, got.Error, "no result within")

	veh, _ := h.db.GetVehicle(ctx, v.ID)
	assert.Equal(t, models.VehicleAvailable, veh.Status)
	assert.Empty(t, veh.PostingHistory)

	ok, _ := h.lock.Acquire(ctx, "u1", "job-2", time.Minute)
	assert.True(t, ok, "lock released after timeout")
}

func TestProcessMissingRecords(t *testing.T) {
	h := newHarness(t, testWorkerConfig())
	ctx := context.Background()

	err := h.processor.Process(ctx, &queue.Job{ID: "job-1", PostingID: "missing", UserID: "u1"})
	assert.ErrorIs(t, err, ErrPostingNotFound)

	p := &models.Posting{UserID: "u1", VehicleID: "gone", OrganizationID: "org-1", Status: models.PostingQueued, ScheduledTime: time.Now()}
	require.NoError(t, h.db.CreatePosting(ctx, p))

	err = h.processor.Process(ctx, &queue.Job{ID: "job-2", PostingID: p.ID, UserID: "u1"})
	var terminal *TerminalError
	require.True(t, errors.As(err, &terminal))

	got, _ := h.db.GetPosting(ctx, p.ID)
	assert.Equal(t, models.PostingFailed, got.Status)
	assert.Equal(t, "vehicle gone not found", got.Error)
	assert.Empty(t, h.dispatcher.starts)
}

func TestProcessSkipsClaimedPosting(t *testing.T) {
	h := newHarness(t, testWorkerConfig())
	ctx := context.Background()
	p, _ := h.seed(t, "u1", "", false)

	ok, err := h.db.ClaimPosting(ctx, p.ID, models.PostingQueued, models.PostingProcessing)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.processor.Process(ctx, &queue.Job{ID: "job-1", PostingID: p.ID, UserID: "u1"}))
	assert.Empty(t, h.dispatcher.starts)
}

func TestProcessTimeoutCoversLaunchGrace(t *testing.T) {
	cfg := testWorkerConfig()
	cfg.JobTimeout = 100 * time.Millisecond
	cfg.LaunchGrace = 5 * time.Second
	h := newHarness(t, cfg)
	ctx := context.Background()
	p, _ := h.seed(t, "u1", "profile-1", false)

	started := time.Now()
	err := h.processor.Process(ctx, &queue.Job{ID: "job-1", PostingID: p.ID, UserID: "u1"})
	assert.ErrorIs(t, err, ErrPostingTimeout)
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Empty(t, h.dispatcher.starts)

	got, _ := h.db.GetPosting(ctx, p.ID)
	assert.Equal(t, models.PostingTimeout, got.Status)
}

func TestProcessResumesAfterShutdown(t *testing.T) {
	h := newHarness(t, testWorkerConfig())
	p, v := h.seed(t, "u1", "", false)
	job := &queue.Job{ID: "job-1", PostingID: p.ID, UserID: "u1"}

	runCtx, cancel := context.WithCancel(context.Background())
	h.dispatcher.setOnStart(func(models.StartCommand) { cancel() })
	err := h.processor.Process(runCtx, job)
	require.ErrorIs(t, err, context.Canceled)

	ctx := context.Background()
	got, _ := h.db.GetPosting(ctx, p.ID)
	require.Equal(t, models.PostingProcessing, got.Status)
	require.Equal(t, "job-1", got.JobID)

	done := make(chan error, 1)
	go func() { done <- h.processor.Process(ctx, job) }()

	require.Eventually(t, func() bool {
		n, _ := h.bus.Publish(ctx, models.Completion{JobID: "job-1", PostingID: p.ID, Success: true, ListingURL: "https://market/item/9"})
		return n > 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, <-done)

	got, _ = h.db.GetPosting(ctx, p.ID)
	assert.Equal(t, models.PostingCompleted, got.Status)
	assert.Equal(t, "https://market/item/9", got.ListingURL)
	assert.Len(t, h.dispatcher.starts, 1, "start command not sent twice")

	veh, _ := h.db.GetVehicle(ctx, v.ID)
	assert.Len(t, veh.PostingHistory, 1)
}

func TestProcessResumeTimesOut(t *testing.T) {
	cfg := testWorkerConfig()
	cfg.JobTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	ctx := context.Background()
	p, _ := h.seed(t, "u1", "", false)

	ok, err := h.db.ClaimPosting(ctx, p.ID, models.PostingQueued, models.PostingProcessing)
	require.NoError(t, err)
	require.True(t, ok)
	jobID := "job-1"
	_, err = h.db.UpdatePosting(ctx, p.ID, models.PostingPatch{JobID: &jobID})
	require.NoError(t, err)

	err = h.processor.Process(ctx, &queue.Job{ID: jobID, PostingID: p.ID, UserID: "u1"})
	assert.ErrorIs(t, err, ErrPostingTimeout)
	assert.Empty(t, h.dispatcher.starts)

	got, _ := h.db.GetPosting(ctx, p.ID)
	assert.Equal(t, models.PostingTimeout, got.Status)
	assert.Contains(t, got.Error, "no result within")
}

func TestProcessResumeSkipsFinishedPosting(t *testing.T) {
	h := newHarness(t, testWorkerConfig())
	ctx := context.Background()
	p, _ := h.seed(t, "u1", "", false)

	ok, err := h.db.ClaimPosting(ctx, p.ID, models.PostingQueued, models.PostingProcessing)
	require.NoError(t, err)
	require.True(t, ok)
	jobID := "job-1"
	_, err = h.db.UpdatePosting(ctx, p.ID, models.PostingPatch{JobID: &jobID})
	require.NoError(t, err)
	ok, err = h.db.ClaimPosting(ctx, p.ID, models.PostingProcessing, models.PostingCompleted)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.processor.Process(ctx, &queue.Job{ID: jobID, PostingID: p.ID, UserID: "u1"}))
	got, _ := h.db.GetPosting(ctx, p.ID)
	assert.Equal(t, models.PostingCompleted, got.Status)
}

func TestAbandon(t *testing.T) {
	h := newHarness(t, testWorkerConfig())
	ctx := context.Background()
	p, _ := h.seed(t, "u1", "", false)

	h.processor.Abandon(ctx, &queue.Job{ID: "job-1", PostingID: p.ID, UserID: "u1"}, "gave up")

	got, _ := h.db.GetPosting(ctx, p.ID)
	assert.Equal(t, models.PostingFailed, got.Status)
	assert.Equal(t, "gave up", got.Error)
}
