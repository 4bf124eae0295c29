package prep

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"autoposter/internal/clock"
	"autoposter/internal/config"
	"autoposter/internal/database"
	"autoposter/internal/domain"
	"autoposter/internal/logging"
	"autoposter/internal/metrics"
	"autoposter/internal/models"

	"github.com/rs/zerolog"
)

// Preparer turns one request into postings: asset preparation, copy, timing.
type Preparer struct {
	postings domain.PostingStore
	vehicles domain.VehicleStore
	stealth  domain.StealthPipeline
	copygen  domain.CopyGenerator
	notifier domain.Dispatcher
	cfg      config.PreparationConfig
	clock    clock.Clock
	logger   zerolog.Logger
}

type PreparerDeps struct {
	Postings domain.PostingStore
	Vehicles domain.VehicleStore
	// Stealth, Copy and Notifier are optional.
	Stealth  domain.StealthPipeline
	Copy     domain.CopyGenerator
	Notifier domain.Dispatcher
	Clock    clock.Clock
}

func NewPreparer(deps PreparerDeps, cfg config.PreparationConfig, logger *zerolog.Logger) *Preparer {
	if cfg.JitterMin <= 0 {
		cfg.JitterMin = models.DefaultJitterMin
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}
	if cfg.RandomizeMax < 0 {
		cfg.RandomizeMax = 0
	}
	return &Preparer{
		postings: deps.Postings,
		vehicles: deps.Vehicles,
		stealth:  deps.Stealth,
		copygen:  deps.Copy,
		notifier: deps.Notifier,
		cfg:      cfg,
		clock:    clock.OrReal(deps.Clock),
		logger:   logging.Component(logger, "prep"),
	}
}

// Run processes every vehicle/profile pair of the request. Per-pair failures
// are counted in the summary and never stop the request.
func (p *Preparer) Run(ctx context.Context, req Request) Summary {
	sum := Summary{RequestID: req.RequestID, Kind: req.Kind, UserID: req.UserID}
	log := p.logger.With().Str("request_id", req.RequestID).Str("user_id", req.UserID).Str("kind", string(req.Kind)).Logger()

	profiles := req.profiles()
	total := len(profiles) * len(req.VehicleIDs)
	done := 0

	for _, profileID := range profiles {
		anchor := p.clock.Now()
		if req.Kind == KindBatchSchedule {
			anchor = p.anchor(ctx, req.UserID, profileID, log)
		}

		for _, vehicleID := range req.VehicleIDs {
			if ctx.Err() != nil {
				sum.Errors = append(sum.Errors, ctx.Err().Error())
				return sum
			}

			var at time.Time
			if req.Kind == KindBatchSchedule {
				at = anchor.Add(p.gap(req))
			} else {
				at = p.clock.Now()
			}

			progress := Progress{
				RequestID: req.RequestID,
				Kind:      req.Kind,
				VehicleID: vehicleID,
				ProfileID: profileID,
				Total:     total,
			}

			posting, err := p.one(ctx, req, vehicleID, profileID, at)
			done++
			progress.Done = done
			switch {
			case errors.Is(err, errSkipped):
				sum.Skipped++
				progress.Outcome = "skipped"
				progress.Message = "active posting already exists"
				metrics.IncPostingSkipped("duplicate")
			case err != nil:
				sum.Failed++
				sum.Errors = append(sum.Errors, fmt.Sprintf("%s/%s: %v", vehicleID, profileID, err))
				progress.Outcome = "failed"
				progress.Message = err.Error()
				log.Warn().Err(err).Str("vehicle_id", vehicleID).Str("profile_id", profileID).Msg("preparation failed")
			default:
				sum.PostingIDs = append(sum.PostingIDs, posting.ID)
				progress.Outcome = "created"
				progress.PostingID = posting.ID
				metrics.IncPostingCreated(string(req.Kind))
				if req.Kind == KindBatchSchedule {
					anchor = posting.ScheduledTime
				}
			}
			p.notify(ctx, req.UserID, models.EventPrepProgress, progress)
		}
	}

	log.Info().
		Int("created", len(sum.PostingIDs)).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Msg("preparation finished")
	return sum
}

var errSkipped = errors.New("skipped")

// anchor is the latest future scheduled time for the user and profile, or now.
func (p *Preparer) anchor(ctx context.Context, userID, profileID string, log zerolog.Logger) time.Time {
	now := p.clock.Now()
	latest, err := p.postings.LatestScheduledPosting(ctx, userID, profileID)
	if err != nil {
		log.Warn().Err(err).Str("profile_id", profileID).Msg("failed to load timing anchor, using now")
		return now
	}
	if latest == nil || latest.ScheduledTime.Before(now) {
		return now
	}
	return latest.ScheduledTime
}

// gap is interval + jitter[min,max] (+ jitter[0,randomizeMax] when randomized).
func (p *Preparer) gap(req Request) time.Duration {
	d := time.Duration(req.IntervalMinutes)*time.Minute + between(p.cfg.JitterMin, p.cfg.JitterMax)
	if req.Randomize {
		d += between(0, p.cfg.RandomizeMax)
	}
	return d
}

func between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}

func (p *Preparer) one(ctx context.Context, req Request, vehicleID, profileID string, at time.Time) (*models.Posting, error) {
	existing, err := p.postings.FindActivePosting(ctx, req.UserID, vehicleID, profileID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errSkipped
	}

	vehicle, err := p.vehicles.GetVehicle(ctx, vehicleID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("vehicle %s not found", vehicleID)
	}
	if err != nil {
		return nil, err
	}

	orgID := req.OrganizationID
	if orgID == "" {
		orgID = vehicle.OrganizationID
	}

	selected := req.SelectedImages[vehicleID]
	posting := &models.Posting{
		UserID:         req.UserID,
		VehicleID:      vehicleID,
		OrganizationID: orgID,
		ProfileID:      profileID,
		Status:         models.PostingScheduled,
		ScheduledTime:  at,
		SelectedImages: selected,
		Options: models.PostingOptions{
			DelayMinutes:   req.IntervalMinutes,
			StealthEnabled: req.StealthEnabled,
		},
	}

	images := selected
	if len(images) == 0 {
		images = vehicle.Images
	}
	if req.StealthEnabled {
		posting.PreparedAssets = p.prepareAssets(ctx, req, images, vehicle)
	}

	if req.GenerateCopy {
		c := p.generateCopy(ctx, req, vehicle)
		posting.Title = c.Title
		posting.Description = c.Description
	}

	if err := p.postings.CreatePosting(ctx, posting); err != nil {
		if errors.Is(err, database.ErrDuplicateActive) {
			return nil, errSkipped
		}
		return nil, err
	}
	return posting, nil
}

// prepareAssets runs the stealth pipeline. Nil means the original images are used.
func (p *Preparer) prepareAssets(ctx context.Context, req Request, images []string, vehicle *models.Vehicle) *models.PreparedAssets {
	if p.stealth == nil || len(images) == 0 {
		return nil
	}
	opts := req.Stealth
	if opts.GPSLocation == "" {
		opts.GPSLocation = vehicle.Location
	}
	if opts.Folder == "" {
		opts.Folder = fmt.Sprintf("%s/%s", req.UserID, vehicle.ID)
	}
	batch, err := p.stealth.PrepareBatch(ctx, images, opts)
	if err != nil || batch == nil || len(batch.Images) == 0 {
		p.logger.Warn().Err(err).Str("vehicle_id", vehicle.ID).Msg("stealth pipeline failed, using original images")
		return nil
	}
	return &models.PreparedAssets{
		Images:   batch.Images,
		Metadata: map[string]string{"folder": opts.Folder},
	}
}

func (p *Preparer) generateCopy(ctx context.Context, req Request, vehicle *models.Vehicle) models.Copy {
	if p.copygen != nil {
		c, err := p.copygen.Generate(ctx, vehicle, req.Copy)
		if err == nil && c != nil && c.Description != "" {
			if c.Title == "" {
				c.Title = vehicle.Headline()
			}
			return *c
		}
		p.logger.Warn().Err(err).Str("vehicle_id", vehicle.ID).Msg("copy generation failed, using template")
	}
	return TemplateCopy(vehicle, req.Copy)
}

// TemplateCopy is the listing text used when no generated copy is available.
func TemplateCopy(v *models.Vehicle, req models.CopyRequest) models.Copy {
	var b strings.Builder
	b.WriteString(v.Headline())
	if v.Price > 0 {
		fmt.Fprintf(&b, " for $%.0f", v.Price)
	}
	b.WriteString(".")
	if v.Mileage > 0 {
		fmt.Fprintf(&b, " %d miles.", v.Mileage)
	}
	if v.Location != "" {
		fmt.Fprintf(&b, " Located in %s.", v.Location)
	}
	if d := strings.TrimSpace(v.Description); d != "" {
		b.WriteString("\n\n")
		b.WriteString(d)
	}
	if req.Contact != "" {
		b.WriteString("\n\nContact: ")
		b.WriteString(req.Contact)
	}
	return models.Copy{Title: v.Headline(), Description: b.String()}
}

func (p *Preparer) notify(ctx context.Context, userID, event string, payload any) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.NotifyUser(ctx, userID, event, payload); err != nil {
		p.logger.Debug().Err(err).Str("event", event).Msg("failed to push progress")
	}
}
