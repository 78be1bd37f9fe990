package domain

import "time"

type SyncStatus string

const (
	SyncStatusIdle     SyncStatus = "idle"
	SyncStatusSyncing  SyncStatus = "syncing"
	SyncStatusComplete SyncStatus = "complete"
	SyncStatusError    SyncStatus = "error"
)

// SyncState is the per-user sync bookkeeping row. LastActivityAt is the incremental
// cursor written on successful completion.
type SyncState struct {
	UserID              int64      `json:"user_id"`
	Status              SyncStatus `json:"status"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	ProcessedActivities int        `json:"processed_activities"`
	TotalActivities     int        `json:"total_activities"`
	LastActivityAt      *time.Time `json:"last_activity_at,omitempty"`
	Error               string     `json:"error,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// RateLimitState mirrors the provider's two-window quota as last reported.
type RateLimitState struct {
	ShortWindowUsage int        `json:"short_window_usage"`
	ShortWindowLimit int        `json:"short_window_limit"`
	LongWindowUsage  int        `json:"long_window_usage"`
	LongWindowLimit  int        `json:"long_window_limit"`
	LastUpdated      time.Time  `json:"last_updated"`
	IsPaused         bool       `json:"is_paused"`
	PauseUntil       *time.Time `json:"pause_until,omitempty"`
}
