package domain

import (
	"time"
)

type JobType string

const (
	JobTypeListPage      JobType = "list_page"
	JobTypeHydrateRecord JobType = "hydrate_record"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Lower values run first when several jobs are eligible at the same instant.
const (
	PriorityContinuation = 1
	PriorityHydrate      = 2
	PriorityRehydrate    = 3
)

const DefaultMaxAttempts = 3

// Payload is the variant part of a Job. Only ListPage and HydrateRecord implement it.
type Payload interface {
	JobType() JobType
}

// ListPage fetches one page of a user's activity index.
type ListPage struct {
	Page          int        `json:"page"`
	PerPage       int        `json:"per_page"`
	After         *time.Time `json:"after,omitempty"`
	MaxActivities int        `json:"max_activities"` // remaining budget, <= 0 means unbounded
}

func (ListPage) JobType() JobType { return JobTypeListPage }

// HydrateRecord fetches detail sub-resources for one stored record.
type HydrateRecord struct {
	RecordID        int64 `json:"record_id"`
	ExternalID      int64 `json:"external_id"`
	FetchStreamData bool  `json:"fetch_stream_data"`
	FetchLapData    bool  `json:"fetch_lap_data"`
}

func (HydrateRecord) JobType() JobType { return JobTypeHydrateRecord }

type Job struct {
	ID               string    `json:"id"`
	Type             JobType   `json:"type"`
	UserID           int64     `json:"user_id"`
	Priority         int       `json:"priority"`
	CreatedAt        time.Time `json:"created_at"`
	ScheduledAt      time.Time `json:"scheduled_at"`
	Attempts         int       `json:"attempts"`
	MaxAttempts      int       `json:"max_attempts"`
	RateLimitRetries int       `json:"rate_limit_retries"`
	Status           JobStatus `json:"status"`
	Error            string    `json:"error,omitempty"`
	Data             Payload   `json:"data"`
}

// NewListPageJob builds an unscheduled list-page job; the queue assigns identity on enqueue.
func NewListPageJob(userID int64, priority int, p ListPage) Job {
	return Job{Type: JobTypeListPage, UserID: userID, Priority: priority, Data: p}
}

func NewHydrateJob(userID int64, priority int, p HydrateRecord) Job {
	return Job{Type: JobTypeHydrateRecord, UserID: userID, Priority: priority, Data: p}
}
