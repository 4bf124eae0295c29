// Package completion turns agent results into posting outcomes.
package completion

import (
	"context"
	"errors"
	"fmt"

	"autoposter/internal/clock"
	"autoposter/internal/database"
	"autoposter/internal/domain"
	"autoposter/internal/events"
	"autoposter/internal/logging"
	"autoposter/internal/metrics"
	"autoposter/internal/models"

	"github.com/rs/zerolog"
)

var ErrUnknownPosting = errors.New("unknown posting")

// Bridge hands a result to the worker waiting on its job id. When no worker
// is waiting the posting was started by the scheduler, and the bridge
// finalizes it itself.
type Bridge struct {
	postings domain.PostingStore
	vehicles domain.VehicleStore
	bus      domain.CompletionBus
	notifier domain.Dispatcher
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewBridge builds a bridge. notifier may be nil.
func NewBridge(
	postings domain.PostingStore,
	vehicles domain.VehicleStore,
	bus domain.CompletionBus,
	notifier domain.Dispatcher,
	c clock.Clock,
	logger *zerolog.Logger,
) *Bridge {
	return &Bridge{
		postings: postings,
		vehicles: vehicles,
		bus:      bus,
		notifier: notifier,
		clock:    clock.OrReal(c),
		logger:   logging.Component(logger, "completion"),
	}
}

func (b *Bridge) Report(ctx context.Context, c models.Completion) error {
	posting, err := b.resolve(ctx, c)
	if err != nil {
		return err
	}
	if c.PostingID == "" {
		c.PostingID = posting.ID
	}
	if c.JobID == "" {
		c.JobID = posting.JobID
	}
	if c.ReportedAt.IsZero() {
		c.ReportedAt = b.clock.Now()
	}
	log := b.logger.With().Str("posting_id", posting.ID).Str("job_id", c.JobID).Bool("success", c.Success).Logger()

	if c.JobID != "" {
		n, err := b.bus.Publish(ctx, c)
		if err != nil {
			log.Warn().Err(err).Msg("completion publish failed, finalizing directly")
		} else if n > 0 {
			log.Debug().Int("receivers", n).Msg("completion handed to worker")
			return nil
		}
	}

	return b.finalize(ctx, posting, c, log)
}

func (b *Bridge) resolve(ctx context.Context, c models.Completion) (*models.Posting, error) {
	var (
		posting *models.Posting
		err     error
	)
	switch {
	case c.PostingID != "":
		posting, err = b.postings.GetPosting(ctx, c.PostingID)
	case c.JobID != "":
		posting, err = b.postings.GetPostingByJobID(ctx, c.JobID)
	default:
		return nil, fmt.Errorf("%w: result has neither posting_id nor job_id", ErrUnknownPosting)
	}
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s%s", ErrUnknownPosting, c.PostingID, c.JobID)
	}
	return posting, err
}

func (b *Bridge) finalize(ctx context.Context, posting *models.Posting, c models.Completion, log zerolog.Logger) error {
	if posting.Status.Terminal() {
		log.Info().Str("status", string(posting.Status)).Msg("result for finished posting ignored")
		return nil
	}

	status := models.PostingCompleted
	patch := models.StatusPatch(status).WithCompletedAt(c.ReportedAt)
	if c.Success {
		if c.ListingURL != "" {
			patch.ListingURL = &c.ListingURL
		}
	} else {
		status = models.PostingFailed
		reason := c.Error
		if reason == "" {
			reason = "agent reported failure"
		}
		patch = models.StatusPatch(status).WithCompletedAt(c.ReportedAt).WithError(reason)
	}

	updated, err := b.postings.UpdatePosting(ctx, posting.ID, patch)
	if err != nil {
		return fmt.Errorf("finalize posting %s: %w", posting.ID, err)
	}
	metrics.IncPostingFinished(string(status), "bridge")

	if c.Success {
		entry := models.PostingHistoryEntry{
			PostingID:  posting.ID,
			ProfileID:  posting.ProfileID,
			ListingURL: c.ListingURL,
			PostedAt:   c.ReportedAt,
		}
		if err := b.vehicles.MarkVehiclePosted(ctx, posting.VehicleID, entry); err != nil {
			log.Error().Err(err).Msg("failed to mark vehicle posted")
		}
	}

	if b.notifier != nil {
		evt := events.PostingEventPayload{
			PostingID:      updated.ID,
			JobID:          updated.JobID,
			UserID:         updated.UserID,
			OrganizationID: updated.OrganizationID,
			VehicleID:      updated.VehicleID,
			ProfileID:      updated.ProfileID,
			Status:         string(updated.Status),
			Error:          updated.Error,
			ListingURL:     updated.ListingURL,
			At:             c.ReportedAt,
		}
		if err := b.notifier.NotifyUser(ctx, updated.UserID, models.EventPostingResult, evt); err != nil {
			log.Debug().Err(err).Msg("failed to notify dashboard")
		}
	}

	log.Info().Str("status", string(status)).Msg("posting finalized from agent result")
	return nil
}
