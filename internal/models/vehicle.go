package models

import (
	"fmt"
	"time"
)

const (
	VehicleAvailable = "available"
	VehiclePosted    = "posted"
	VehicleSold      = "sold"
)

// Vehicle is the listing source. It is owned by the inventory side; this module
// only reads it and records posting history.
type Vehicle struct {
	ID             string                `json:"id"`
	OrganizationID string                `json:"organization_id"`
	Year           int                   `json:"year"`
	Make           string                `json:"make"`
	Model          string                `json:"model"`
	Trim           string                `json:"trim,omitempty"`
	Price          float64               `json:"price"`
	Mileage        int                   `json:"mileage"`
	Description    string                `json:"description,omitempty"`
	Location       string                `json:"location,omitempty"`
	Images         []string              `json:"images"`
	Status         string                `json:"status"`
	PostingHistory []PostingHistoryEntry `json:"posting_history"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

type PostingHistoryEntry struct {
	PostingID  string    `json:"posting_id"`
	ProfileID  string    `json:"profile_id,omitempty"`
	ListingURL string    `json:"listing_url,omitempty"`
	PostedAt   time.Time `json:"posted_at"`
}

// Headline is the default listing title.
func (v *Vehicle) Headline() string {
	title := fmt.Sprintf("%d %s %s", v.Year, v.Make, v.Model)
	if v.Trim != "" {
		title += " " + v.Trim
	}
	return title
}
