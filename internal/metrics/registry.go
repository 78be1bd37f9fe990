// Package metrics keeps process-wide sync counters and a short history of notable events.
// Counters are mirrored to Prometheus so the operator API can expose them on /metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"stridesync/internal/domain"
)

// DefaultEventCapacity bounds the recent-event ring buffer.
const DefaultEventCapacity = 50

type EventKind string

const (
	EventJobFailed       EventKind = "job_failed"
	EventRateLimitPause  EventKind = "rate_limit_pause"
	EventRateLimitResume EventKind = "rate_limit_resume"
	EventSyncCompleted   EventKind = "sync_completed"
	EventSyncFailed      EventKind = "sync_failed"
)

type Event struct {
	Time    time.Time      `json:"time"`
	Kind    EventKind      `json:"kind"`
	JobType domain.JobType `json:"job_type,omitempty"`
	UserID  int64          `json:"user_id,omitempty"`
	Message string         `json:"message,omitempty"`
}

type Snapshot struct {
	JobsProcessed   map[domain.JobType]int64 `json:"jobs_processed"`
	JobsFailed      map[domain.JobType]int64 `json:"jobs_failed"`
	RateLimitHits   int64                    `json:"rate_limit_hits"`
	LastPause       *time.Time               `json:"last_pause,omitempty"`
	LastResume      *time.Time               `json:"last_resume,omitempty"`
	LastFailure     *time.Time               `json:"last_failure,omitempty"`
	RecentEvents    []Event                  `json:"recent_events"`
	SnapshotTakenAt time.Time                `json:"snapshot_taken_at"`
}

type Registry struct {
	mu            sync.Mutex
	processed     map[domain.JobType]int64
	failed        map[domain.JobType]int64
	rateLimitHits int64
	lastPause     *time.Time
	lastResume    *time.Time
	lastFailure   *time.Time

	events []Event
	next   int
	full   bool

	now func() time.Time

	promProcessed *prometheus.CounterVec
	promFailed    *prometheus.CounterVec
	promPauses    prometheus.Counter
	promPaused    prometheus.Gauge
}

// NewRegistry creates a registry. Prometheus collectors are registered on reg; pass nil to skip registration.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		processed: make(map[domain.JobType]int64),
		failed:    make(map[domain.JobType]int64),
		events:    make([]Event, DefaultEventCapacity),
		now:       time.Now,
		promProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stridesync",
			Name:      "jobs_processed_total",
			Help:      "Jobs completed successfully, by job type",
		}, []string{"type"}),
		promFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stridesync",
			Name:      "jobs_failed_total",
			Help:      "Jobs that failed permanently, by job type",
		}, []string{"type"}),
		promPauses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stridesync",
			Name:      "rate_limit_pauses_total",
			Help:      "Times outbound provider calls were paused by the rate limiter",
		}),
		promPaused: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stridesync",
			Name:      "rate_limit_paused",
			Help:      "1 while outbound provider calls are paused",
		}),
	}
}

func (r *Registry) RecordJobProcessed(jt domain.JobType) {
	r.mu.Lock()
	r.processed[jt]++
	r.mu.Unlock()
	r.promProcessed.WithLabelValues(string(jt)).Inc()
}

func (r *Registry) RecordJobFailed(jt domain.JobType, userID int64, msg string) {
	r.mu.Lock()
	now := r.now()
	r.failed[jt]++
	r.lastFailure = &now
	r.push(Event{Time: now, Kind: EventJobFailed, JobType: jt, UserID: userID, Message: msg})
	r.mu.Unlock()
	r.promFailed.WithLabelValues(string(jt)).Inc()
}

func (r *Registry) RecordRateLimitPause(until time.Time, reason string) {
	r.mu.Lock()
	now := r.now()
	r.rateLimitHits++
	r.lastPause = &now
	r.push(Event{Time: now, Kind: EventRateLimitPause, Message: reason + " until " + until.UTC().Format(time.RFC3339)})
	r.mu.Unlock()
	r.promPauses.Inc()
	r.promPaused.Set(1)
}

func (r *Registry) RecordRateLimitResume() {
	r.mu.Lock()
	now := r.now()
	r.lastResume = &now
	r.push(Event{Time: now, Kind: EventRateLimitResume})
	r.mu.Unlock()
	r.promPaused.Set(0)
}

func (r *Registry) RecordSyncCompleted(userID int64) {
	r.mu.Lock()
	r.push(Event{Time: r.now(), Kind: EventSyncCompleted, UserID: userID})
	r.mu.Unlock()
}

func (r *Registry) RecordSyncFailed(userID int64, msg string) {
	r.mu.Lock()
	r.push(Event{Time: r.now(), Kind: EventSyncFailed, UserID: userID, Message: msg})
	r.mu.Unlock()
}

// push appends to the ring buffer. Caller holds r.mu.
func (r *Registry) push(e Event) {
	r.events[r.next] = e
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

// Snapshot returns a copy of all counters with recent events oldest first.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		JobsProcessed:   make(map[domain.JobType]int64, len(r.processed)),
		JobsFailed:      make(map[domain.JobType]int64, len(r.failed)),
		RateLimitHits:   r.rateLimitHits,
		LastPause:       copyTime(r.lastPause),
		LastResume:      copyTime(r.lastResume),
		LastFailure:     copyTime(r.lastFailure),
		RecentEvents:    make([]Event, 0, len(r.events)),
		SnapshotTakenAt: r.now(),
	}
	for k, v := range r.processed {
		s.JobsProcessed[k] = v
	}
	for k, v := range r.failed {
		s.JobsFailed[k] = v
	}
	if r.full {
		s.RecentEvents = append(s.RecentEvents, r.events[r.next:]...)
	}
	s.RecentEvents = append(s.RecentEvents, r.events[:r.next]...)
	return s
}

// Reset clears counters and history. Prometheus counters are monotonic and are not reset.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed = make(map[domain.JobType]int64)
	r.failed = make(map[domain.JobType]int64)
	r.rateLimitHits = 0
	r.lastPause, r.lastResume, r.lastFailure = nil, nil, nil
	r.events = make([]Event, len(r.events))
	r.next = 0
	r.full = false
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
