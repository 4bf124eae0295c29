package models

import "time"

// PostingStatus is the lifecycle state of a Posting.
type PostingStatus string

const (
	PostingQueued     PostingStatus = "queued"
	PostingScheduled  PostingStatus = "scheduled"
	PostingProcessing PostingStatus = "processing"
	PostingCompleted  PostingStatus = "completed"
	PostingFailed     PostingStatus = "failed"
	PostingTimeout    PostingStatus = "timeout"
)

// ActiveStatuses are the non-terminal states guarded by the one-active-posting rule.
var ActiveStatuses = []PostingStatus{PostingQueued, PostingScheduled, PostingProcessing}

// Terminal reports whether no further transition is expected.
func (s PostingStatus) Terminal() bool {
	switch s {
	case PostingCompleted, PostingFailed, PostingTimeout:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s PostingStatus) Valid() bool {
	switch s {
	case PostingQueued, PostingScheduled, PostingProcessing, PostingCompleted, PostingFailed, PostingTimeout:
		return true
	}
	return false
}

// Posting is one attempt to publish one vehicle to the marketplace through one browser profile.
type Posting struct {
	ID             string          `json:"id"`
	VehicleID      string          `json:"vehicle_id"`
	UserID         string          `json:"user_id"`
	OrganizationID string          `json:"organization_id"`
	ProfileID      string          `json:"profile_id,omitempty"` // empty means no profile
	Status         PostingStatus   `json:"status"`
	ScheduledTime  time.Time       `json:"scheduled_time"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Error          string          `json:"error,omitempty"`
	JobID          string          `json:"job_id,omitempty"`
	Options        PostingOptions  `json:"options"`
	PreparedAssets *PreparedAssets `json:"prepared_assets,omitempty"`
	Log            []LogEntry      `json:"log"`
	SelectedImages []string        `json:"selected_images,omitempty"`
	Title          string          `json:"title,omitempty"`
	Description    string          `json:"description,omitempty"`
	ListingURL     string          `json:"listing_url,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type PostingOptions struct {
	DelayMinutes   int  `json:"delay_minutes,omitempty"`
	StealthEnabled bool `json:"stealth_enabled,omitempty"`
}

// PreparedAssets holds the images produced by the stealth pipeline.
type PreparedAssets struct {
	Images   []PreparedImage   `json:"images"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type PreparedImage struct {
	URL      string            `json:"url"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// URLs returns the image URLs in order.
func (a *PreparedAssets) URLs() []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.Images))
	for _, img := range a.Images {
		if img.URL != "" {
			out = append(out, img.URL)
		}
	}
	return out
}

type LogEntry struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PostingPatch is a partial update. Nil fields are left untouched.
type PostingPatch struct {
	Status         *PostingStatus
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Error          *string
	JobID          *string
	PreparedAssets *PreparedAssets
	ListingURL     *string
	// LogMessage is appended in addition to the automatic status/error entries.
	LogMessage string
}

// StatusPatch is a shorthand for the common status-only transition.
func StatusPatch(status PostingStatus) PostingPatch {
	return PostingPatch{Status: &status}
}

// WithError sets the error message on the patch.
func (p PostingPatch) WithError(msg string) PostingPatch {
	p.Error = &msg
	return p
}

// WithCompletedAt stamps the completion time.
func (p PostingPatch) WithCompletedAt(t time.Time) PostingPatch {
	p.CompletedAt = &t
	return p
}
