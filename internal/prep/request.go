package prep

import (
	"errors"
	"fmt"
	"time"

	"autoposter/internal/models"
)

type Kind string

const (
	KindBatchSchedule Kind = "batch-schedule"
	KindPostNow       Kind = "post-now"
)

// Request is one unit of work for a user's preparation queue.
type Request struct {
	RequestID      string   `json:"request_id"`
	Kind           Kind     `json:"kind"`
	UserID         string   `json:"user_id"`
	OrganizationID string   `json:"organization_id"`
	VehicleIDs     []string `json:"vehicle_ids"`
	// ProfileIDs empty means a single posting with no profile per vehicle.
	ProfileIDs      []string `json:"profile_ids,omitempty"`
	IntervalMinutes int      `json:"interval_minutes,omitempty"`
	Randomize       bool     `json:"randomize,omitempty"`
	StealthEnabled  bool     `json:"stealth_enabled,omitempty"`
	GenerateCopy    bool     `json:"generate_copy,omitempty"`
	// SelectedImages overrides a vehicle's images, keyed by vehicle id.
	SelectedImages map[string][]string   `json:"selected_images,omitempty"`
	Stealth        models.StealthOptions `json:"stealth,omitempty"`
	Copy           models.CopyRequest    `json:"copy,omitempty"`
	EnqueuedAt     time.Time             `json:"enqueued_at"`
}

// Validate checks the request shape. It does not touch any store.
func (r *Request) Validate() error {
	switch r.Kind {
	case KindBatchSchedule, KindPostNow:
	default:
		return fmt.Errorf("unknown request kind %q", r.Kind)
	}
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	if len(r.VehicleIDs) == 0 {
		return errors.New("at least one vehicle id is required")
	}
	for _, id := range r.VehicleIDs {
		if id == "" {
			return errors.New("vehicle ids must not be empty")
		}
	}
	if r.IntervalMinutes < 0 {
		return errors.New("interval_minutes must not be negative")
	}
	return nil
}

func (r *Request) profiles() []string {
	if len(r.ProfileIDs) == 0 {
		return []string{""}
	}
	return r.ProfileIDs
}

// Ticket acknowledges an accepted request.
type Ticket struct {
	RequestID string `json:"request_id"`
	// Position is the request's place in the user's queue, 1 when it runs next.
	Position int `json:"position"`
}

// Summary is what one request produced.
type Summary struct {
	RequestID  string   `json:"request_id"`
	Kind       Kind     `json:"kind"`
	UserID     string   `json:"user_id"`
	PostingIDs []string `json:"posting_ids"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

// Progress is pushed to the user's dashboards after each vehicle/profile pair.
type Progress struct {
	RequestID string `json:"request_id"`
	Kind      Kind   `json:"kind"`
	VehicleID string `json:"vehicle_id"`
	ProfileID string `json:"profile_id,omitempty"`
	PostingID string `json:"posting_id,omitempty"`
	Outcome   string `json:"outcome"`
	Message   string `json:"message,omitempty"`
	Done      int    `json:"done"`
	Total     int    `json:"total"`
}
