package completion

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"autoposter/internal/clock"
	"autoposter/internal/database"
	"autoposter/internal/events"
	"autoposter/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*database.DB, *events.LocalCompletionBus, *Bridge, *models.Vehicle) {
	t.Helper()
	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "bridge.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	v := &models.Vehicle{OrganizationID: "o1", Year: 2018, Make: "Honda", Model: "Civic"}
	require.NoError(t, db.UpsertVehicle(context.Background(), v))

	bus := events.NewLocalCompletionBus(nil)
	return db, bus, NewBridge(db, db, bus, nil, clock.Fake(now), nil), v
}

func processingPosting(t *testing.T, db *database.DB, vehicleID, jobID string) *models.Posting {
	t.Helper()
	ctx := context.Background()
	p := &models.Posting{
		UserID: "u1", VehicleID: vehicleID, OrganizationID: "o1", ProfileID: "p1",
		Status: models.PostingScheduled, ScheduledTime: now,
	}
	require.NoError(t, db.CreatePosting(ctx, p))
	ok, err := db.ClaimPosting(ctx, p.ID, models.PostingScheduled, models.PostingProcessing)
	require.NoError(t, err)
	require.True(t, ok)
	if jobID != "" {
		_, err = db.UpdatePosting(ctx, p.ID, models.PostingPatch{JobID: &jobID})
		require.NoError(t, err)
	}
	return p
}

func TestReportHandsOffToWaitingWorker(t *testing.T) {
	db, bus, bridge, v := setup(t)
	ctx := context.Background()
	p := processingPosting(t, db, v.ID, "job-1")

	ch, cancel, err := bus.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, bridge.Report(ctx, models.Completion{PostingID: p.ID, Success: true, ListingURL: "https://m/1"}))

	select {
	case c := <-ch:
		assert.Equal(t, "job-1", c.JobID)
		assert.Equal(t, "https://m/1", c.ListingURL)
	default:
		t.Fatal("worker did not receive the completion")
	}

	got, err := db.GetPosting(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostingProcessing, got.Status, "the worker finalizes, not the bridge")
}

func TestReportFinalizesWithoutWorker(t *testing.T) {
	db, _, bridge, v := setup(t)
	ctx := context.Background()
	p := processingPosting(t, db, v.ID, "")

	require.NoError(t, bridge.Report(ctx, models.Completion{PostingID: p.ID, Success: true, ListingURL: "https://m/2"}))

	got, err := db.GetPosting(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostingCompleted, got.Status)
	assert.Equal(t, "https://m/2", got.ListingURL)
	require.NotNil(t, got.CompletedAt)

	vehicle, err := db.GetVehicle(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VehiclePosted, vehicle.Status)
	require.Len(t, vehicle.PostingHistory, 1)
	assert.Equal(t, "https://m/2", vehicle.PostingHistory[0].ListingURL)

	// a late duplicate leaves the posting alone
	require.NoError(t, bridge.Report(ctx, models.Completion{PostingID: p.ID, Success: false, Error: "late"}))
	got, _ = db.GetPosting(ctx, p.ID)
	assert.Equal(t, models.PostingCompleted, got.Status)
}

func TestReportFailureByJobID(t *testing.T) {
	db, _, bridge, v := setup(t)
	ctx := context.Background()
	p := processingPosting(t, db, v.ID, "job-9")

	// nobody subscribed to job-9
	require.NoError(t, bridge.Report(ctx, models.Completion{JobID: "job-9", Success: false, Error: "captcha"}))

	got, err := db.GetPosting(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostingFailed, got.Status)
	assert.Equal(t, "captcha", got.Error)

	vehicle, _ := db.GetVehicle(ctx, v.ID)
	assert.Empty(t, vehicle.PostingHistory)
}

func TestReportUnknownPosting(t *testing.T) {
	_, _, bridge, _ := setup(t)
	ctx := context.Background()

	err := bridge.Report(ctx, models.Completion{PostingID: "missing", Success: true})
	assert.True(t, errors.Is(err, ErrUnknownPosting))

	err = bridge.Report(ctx, models.Completion{Success: true})
	assert.True(t, errors.Is(err, ErrUnknownPosting))
}
