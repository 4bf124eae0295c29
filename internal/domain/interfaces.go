package domain

import (
	"context"
	"time"

	"autoposter/internal/models"
)

// PostingStore persists postings. Only the preparation pipeline creates them.
type PostingStore interface {
	CreatePosting(ctx context.Context, posting *models.Posting) error
	GetPosting(ctx context.Context, id string) (*models.Posting, error)
	GetPostingByJobID(ctx context.Context, jobID string) (*models.Posting, error)
	UpdatePosting(ctx context.Context, id string, patch models.PostingPatch) (*models.Posting, error)
	ClaimPosting(ctx context.Context, id string, from, to models.PostingStatus) (bool, error)
	FindActivePosting(ctx context.Context, userID, vehicleID, profileID string) (*models.Posting, error)
	LatestScheduledPosting(ctx context.Context, userID, profileID string) (*models.Posting, error)
	DuePostings(ctx context.Context, from, to time.Time) ([]*models.Posting, error)
	StaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*models.Posting, error)
	ListPostingsByUser(ctx context.Context, userID string, limit int) ([]*models.Posting, error)
	DeletePosting(ctx context.Context, id string) error
}

// VehicleStore is the narrow view of the inventory this module needs.
type VehicleStore interface {
	GetVehicle(ctx context.Context, id string) (*models.Vehicle, error)
	MarkVehiclePosted(ctx context.Context, vehicleID string, entry models.PostingHistoryEntry) error
}

// UserLock is a per-user lease. Holders are job ids; the lease expires on its own
// if the holder dies.
type UserLock interface {
	Acquire(ctx context.Context, userID, holder string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, userID, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, userID, holder string) error
}

// PrepQueueStore holds one FIFO and one busy lease per user. The lease is owned
// by a holder token; RenewBusy and ClearBusy are no-ops for anyone else.
type PrepQueueStore interface {
	Push(ctx context.Context, userID string, item []byte) (int, error)
	// Pop returns nil when the queue is empty.
	Pop(ctx context.Context, userID string) ([]byte, error)
	Len(ctx context.Context, userID string) (int, error)
	TryMarkBusy(ctx context.Context, userID, holder string) (bool, error)
	RenewBusy(ctx context.Context, userID, holder string) (bool, error)
	ClearBusy(ctx context.Context, userID, holder string) error
}

// RelayStore keeps ephemeral events per organization.
type RelayStore interface {
	Append(ctx context.Context, orgID string, event models.RelayEvent) error
	Drain(ctx context.Context, orgID string) ([]models.RelayEvent, error)
	// Sweep drops events enqueued before cutoff and returns how many were dropped.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// CompletionBus routes agent results to the worker waiting on a job id.
type CompletionBus interface {
	// Subscribe must be active when it returns. The cancel func releases it.
	Subscribe(ctx context.Context, jobID string) (<-chan models.Completion, func(), error)
	// Publish returns the number of receivers that got the completion.
	Publish(ctx context.Context, completion models.Completion) (int, error)
}

// Dispatcher delivers commands to client rooms.
type Dispatcher interface {
	LaunchProfile(ctx context.Context, cmd models.LaunchCommand) error
	StartPosting(ctx context.Context, cmd models.StartCommand) error
	NotifyUser(ctx context.Context, userID, event string, payload any) error
}

// Presence answers whether an agent is live for a profile.
type Presence interface {
	AgentActive(userID, profileID string) bool
}

// ResultSink accepts agent results from any transport.
type ResultSink interface {
	Report(ctx context.Context, completion models.Completion) error
}

// EventRelay appends ephemeral events for poll-based clients.
type EventRelay interface {
	Publish(ctx context.Context, orgID, eventType string, payload any) error
}

type StealthPipeline interface {
	PrepareBatch(ctx context.Context, urls []string, opts models.StealthOptions) (*models.StealthBatch, error)
}

type CopyGenerator interface {
	Generate(ctx context.Context, vehicle *models.Vehicle, req models.CopyRequest) (*models.Copy, error)
}
