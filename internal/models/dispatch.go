package models

import (
	"encoding/json"
	"time"
)

// Wire event names shared by the transport, the relay and the clients.
const (
	EventRegister      = "register"
	EventRegistered    = "registered"
	EventLaunchProfile = "launch-profile"
	EventStartPosting  = "start-posting"
	EventPostingResult = "posting-result"
	EventPrepProgress  = "prep-progress"
	EventPrepComplete  = "prep-complete"
	EventPing          = "ping"
	EventPong          = "pong"
	EventError         = "error"
)

// LaunchCommand asks a desktop controller to open a browser profile.
type LaunchCommand struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	ProfileID      string `json:"profile_id"`
	PostingID      string `json:"posting_id"`
}

// StartCommand asks an agent to fill and submit the listing form.
type StartCommand struct {
	PostingID      string          `json:"posting_id"`
	JobID          string          `json:"job_id,omitempty"`
	UserID         string          `json:"user_id"`
	OrganizationID string          `json:"organization_id"`
	ProfileID      string          `json:"profile_id,omitempty"`
	Vehicle        Vehicle         `json:"vehicle"`
	PreparedAssets *PreparedAssets `json:"prepared_assets,omitempty"`
	Title          string          `json:"title,omitempty"`
	Description    string          `json:"description,omitempty"`
}

// Completion is the outcome an agent reports for a posting.
type Completion struct {
	JobID      string    `json:"job_id,omitempty"`
	PostingID  string    `json:"posting_id"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	ListingURL string    `json:"listing_url,omitempty"`
	ReportedAt time.Time `json:"reported_at"`
}

// RelayEvent is an ephemeral notification kept for poll-based clients.
type RelayEvent struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// StealthOptions tune the image regeneration performed before posting.
type StealthOptions struct {
	GPSLocation string `json:"gps_location,omitempty"`
	Camera      string `json:"camera,omitempty"`
	Folder      string `json:"folder,omitempty"`
}

type StealthBatch struct {
	Images []PreparedImage `json:"images"`
}

// CopyRequest steers the generated listing text.
type CopyRequest struct {
	Instructions string `json:"instructions,omitempty"`
	Sentiment    string `json:"sentiment,omitempty"`
	Contact      string `json:"contact,omitempty"`
}

type Copy struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}
