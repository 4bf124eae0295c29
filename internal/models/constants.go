package models

import "time"

const (
	// DefaultJobTimeout bounds how long a worker waits for an agent result.
	DefaultJobTimeout = 3 * time.Minute

	// DefaultLaunchGrace is the pause between launching a profile and starting the post.
	DefaultLaunchGrace = 10 * time.Second

	DefaultSchedulerInterval = time.Minute
	DefaultWindowBack        = 2 * time.Minute
	DefaultWindowForward     = time.Minute

	DefaultJitterMin    = 2 * time.Minute
	DefaultJitterMax    = 5 * time.Minute
	DefaultRandomizeMax = time.Minute

	DefaultLockTTL = 5 * time.Minute

	DefaultPrepBusyTTL = 2 * time.Minute

	DefaultRelayMaxAge        = 10 * time.Minute
	DefaultRelaySweepInterval = time.Minute

	DefaultWorkerConcurrency = 5

	// MaxListPostings caps list endpoints.
	MaxListPostings = 500
)
