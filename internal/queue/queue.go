// Package queue is the in-memory job orchestrator. It orders pending jobs by
// (scheduledAt, priority), runs at most Concurrency of them at once, expands list pages
// into hydrate jobs and drives each user's sync state in the persistence store.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"stridesync/internal/domain"
	"stridesync/internal/metrics"
)

// Store is the persistence contract the queue depends on.
type Store interface {
	GetRecordByExternalID(ctx context.Context, externalID, userID int64) (domain.Record, error)
	CreateRecord(ctx context.Context, r domain.Record) (domain.Record, error)
	UpdateRecord(ctx context.Context, recordID int64, patch domain.RecordPatch) error
	GetMostRecentRecordTimestamp(ctx context.Context, userID int64) (*time.Time, error)
	StartSync(ctx context.Context, userID int64) error
	UpdateSyncProgress(ctx context.Context, userID int64, processed, total int) error
	CompleteSyncSuccess(ctx context.Context, userID int64, cursor *time.Time) error
	CompleteSyncError(ctx context.Context, userID int64, message string) error
	GetSyncState(ctx context.Context, userID int64) (domain.SyncState, error)
}

// Provider is the external API surface used by job execution.
type Provider interface {
	ListActivities(ctx context.Context, userID int64, page, perPage int, after *time.Time) ([]domain.Activity, error)
	GetActivityStreams(ctx context.Context, userID, externalID int64) ([]byte, error)
	GetActivityLaps(ctx context.Context, userID, externalID int64) ([]byte, error)
}

// RateGate reports whether outbound calls are currently paused.
type RateGate interface {
	IsRateLimited() bool
}

type Options struct {
	Concurrency     int
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
	ProcessInterval time.Duration
	MaxAttempts     int
	HistoryLimit    int
	PerPage         int
}

func DefaultOptions() Options {
	return Options{
		Concurrency:     2,
		RetryDelay:      60 * time.Second,
		MaxRetryDelay:   300 * time.Second,
		ProcessInterval: time.Second,
		MaxAttempts:     domain.DefaultMaxAttempts,
		HistoryLimit:    500,
		PerPage:         50,
	}
}

// ErrSyncActive is returned by StartSync when the user already has a sync running.
var ErrSyncActive = errors.New("sync already running")

type Option func(*Queue)

// WithClock replaces time.Now (for testing).
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.timeNow = now }
}

type syncProgress struct {
	processed int
	total     int
	failed    bool
	opening   bool
}

type Queue struct {
	store    Store
	provider Provider
	gate     RateGate
	metrics  *metrics.Registry
	opts     Options
	timeNow  func() time.Time

	mu         sync.Mutex
	pending    []*domain.Job
	processing map[string]*domain.Job
	completed  []*domain.Job
	failed     []*domain.Job
	syncs      map[int64]*syncProgress

	cbMu      sync.RWMutex
	cbSeq     uint64
	callbacks map[int64]progressSub

	wg sync.WaitGroup
}

func New(store Store, provider Provider, gate RateGate, reg *metrics.Registry, opts Options, options ...Option) *Queue {
	def := DefaultOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = def.MaxRetryDelay
	}
	if opts.ProcessInterval <= 0 {
		opts.ProcessInterval = def.ProcessInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = def.HistoryLimit
	}
	if opts.PerPage <= 0 {
		opts.PerPage = def.PerPage
	}
	if reg == nil {
		reg = metrics.NewRegistry(nil)
	}

	q := &Queue{
		store:      store,
		provider:   provider,
		gate:       gate,
		metrics:    reg,
		opts:       opts,
		timeNow:    time.Now,
		processing: make(map[string]*domain.Job),
		syncs:      make(map[int64]*syncProgress),
		callbacks:  make(map[int64]progressSub),
	}
	for _, o := range options {
		o(q)
	}
	return q
}

// AddJob assigns identity and timestamps to job and enqueues it. A list-page job for a user
// without a running sync opens one in the store; otherwise it joins the running sync. Store
// failures are logged, never returned: execution problems surface through progress events
// and the sync state row.
func (q *Queue) AddJob(ctx context.Context, job domain.Job) domain.Job {
	j, _ := q.addJob(ctx, job, false)
	return j
}

// StartSync enqueues page one of an incremental sync seeded with the user's last cursor.
// It returns ErrSyncActive when a sync for the user is already running.
func (q *Queue) StartSync(ctx context.Context, userID int64, maxActivities int) (domain.Job, error) {
	if q.HasActiveSync(userID) {
		return domain.Job{}, errors.Wrapf(ErrSyncActive, "user %d", userID)
	}
	state, err := q.store.GetSyncState(ctx, userID)
	if err != nil {
		return domain.Job{}, err
	}
	page := domain.ListPage{
		Page:          1,
		PerPage:       q.opts.PerPage,
		After:         state.LastActivityAt,
		MaxActivities: maxActivities,
	}
	return q.addJob(ctx, domain.NewListPageJob(userID, domain.PriorityContinuation, page), true)
}

// addJob reserves the user's sync under the lock, opens it in the store unlocked, then
// enqueues. With exclusive set a running sync is an error instead of being joined.
func (q *Queue) addJob(ctx context.Context, job domain.Job, exclusive bool) (domain.Job, error) {
	typ := job.Type
	if job.Data != nil {
		typ = job.Data.JobType()
	}

	var opened *syncProgress
	if typ == domain.JobTypeListPage {
		q.mu.Lock()
		if q.activeLocked(job.UserID) {
			if exclusive {
				q.mu.Unlock()
				return domain.Job{}, errors.Wrapf(ErrSyncActive, "user %d", job.UserID)
			}
		} else {
			// no sync yet, or a failed one whose leftover jobs are still draining
			opened = &syncProgress{opening: true}
			q.syncs[job.UserID] = opened
		}
		q.mu.Unlock()
	}

	if opened != nil {
		if err := q.store.StartSync(ctx, job.UserID); err != nil {
			log.Error().Err(err).Int64("user_id", job.UserID).Msg("failed to open sync state")
		} else {
			log.Info().Int64("user_id", job.UserID).Msg("sync started")
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if opened != nil {
		opened.opening = false
	}
	return *q.enqueueLocked([]domain.Job{job}, q.timeNow())[0], nil
}

// activeLocked reports whether the user has a sync that new list pages may join.
func (q *Queue) activeLocked(userID int64) bool {
	sp, ok := q.syncs[userID]
	return ok && !sp.failed
}

// enqueueLocked prepares and inserts jobs sharing one creation instant, then re-sorts.
func (q *Queue) enqueueLocked(jobs []domain.Job, now time.Time) []*domain.Job {
	out := make([]*domain.Job, 0, len(jobs))
	for _, job := range jobs {
		j := job
		if j.Data != nil {
			j.Type = j.Data.JobType()
		}
		j.ID = "job_" + uuid.Must(uuid.NewV7()).String()
		j.CreatedAt = now
		if j.ScheduledAt.IsZero() {
			j.ScheduledAt = now
		}
		if j.MaxAttempts <= 0 {
			j.MaxAttempts = q.opts.MaxAttempts
		}
		j.Attempts = 0
		j.RateLimitRetries = 0
		j.Status = domain.JobStatusPending
		j.Error = ""
		q.pending = append(q.pending, &j)
		out = append(out, &j)
	}
	q.sortPendingLocked()
	return out
}

// sortPendingLocked orders by earliest eligible time, then priority. The sort is stable so
// equal keys keep insertion order.
func (q *Queue) sortPendingLocked() {
	sort.SliceStable(q.pending, func(a, b int) bool {
		ja, jb := q.pending[a], q.pending[b]
		if !ja.ScheduledAt.Equal(jb.ScheduledAt) {
			return ja.ScheduledAt.Before(jb.ScheduledAt)
		}
		return ja.Priority < jb.Priority
	})
}

// GetNextJob moves the first eligible pending job into the processing set. It returns
// false when the processing set is full, the rate limiter is paused, or nothing is due.
func (q *Queue) GetNextJob() (domain.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.processing) >= q.opts.Concurrency {
		return domain.Job{}, false
	}
	if q.gate != nil && q.gate.IsRateLimited() {
		return domain.Job{}, false
	}

	now := q.timeNow()
	for i, j := range q.pending {
		if j.Status != domain.JobStatusPending || j.ScheduledAt.After(now) {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		j.Status = domain.JobStatusProcessing
		j.Attempts++
		q.processing[j.ID] = j
		return *j, true
	}
	return domain.Job{}, false
}

// outstandingLocked counts pending and processing jobs for a user.
func (q *Queue) outstandingLocked(userID int64) int {
	n := 0
	for _, j := range q.pending {
		if j.UserID == userID {
			n++
		}
	}
	for _, j := range q.processing {
		if j.UserID == userID {
			n++
		}
	}
	return n
}

// claimFinishedLocked closes the user's sync when no jobs remain, returning it exactly once.
func (q *Queue) claimFinishedLocked(userID int64) *syncProgress {
	sp, ok := q.syncs[userID]
	if !ok || sp.opening || q.outstandingLocked(userID) > 0 {
		return nil
	}
	delete(q.syncs, userID)
	return sp
}

// recordPageProgress adds n listed records to the user's running totals.
func (q *Queue) recordPageProgress(userID int64, n int) (processed, total int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sp, ok := q.syncs[userID]
	if !ok {
		return n, n
	}
	sp.processed += n
	sp.total += n
	return sp.processed, sp.total
}

func appendTrimmed(list []*domain.Job, j *domain.Job, limit int) []*domain.Job {
	list = append(list, j)
	if len(list) > limit {
		list = append([]*domain.Job(nil), list[len(list)-limit:]...)
	}
	return list
}

type Stats struct {
	Pending     int  `json:"pending"`
	Processing  int  `json:"processing"`
	Completed   int  `json:"completed"`
	Failed      int  `json:"failed"`
	ActiveSyncs int  `json:"active_syncs"`
	Paused      bool `json:"paused"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	active := 0
	for userID := range q.syncs {
		if q.activeLocked(userID) {
			active++
		}
	}
	return Stats{
		Pending:     len(q.pending),
		Processing:  len(q.processing),
		Completed:   len(q.completed),
		Failed:      len(q.failed),
		ActiveSyncs: active,
		Paused:      q.gate != nil && q.gate.IsRateLimited(),
	}
}

// HasActiveSync reports whether the user has a running sync in this process. A sync whose
// list page failed is not running, even while its remaining jobs drain.
func (q *Queue) HasActiveSync(userID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeLocked(userID)
}

func (q *Queue) OutstandingJobs(userID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstandingLocked(userID)
}

func (q *Queue) PendingJobs() []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyJobs(q.pending)
}

func (q *Queue) CompletedJobs() []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyJobs(q.completed)
}

func (q *Queue) FailedJobs() []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyJobs(q.failed)
}

func copyJobs(jobs []*domain.Job) []domain.Job {
	out := make([]domain.Job, len(jobs))
	for i, j := range jobs {
		out[i] = *j
	}
	return out
}
