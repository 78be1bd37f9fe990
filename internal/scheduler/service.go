package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"stridesync/internal/domain"
	"stridesync/internal/queue"
)

// SyncStarter is the part of the job queue the scheduler drives.
// StartSync must fail with queue.ErrSyncActive for users whose sync is still running.
type SyncStarter interface {
	StartSync(ctx context.Context, userID int64, maxActivities int) (domain.Job, error)
}

// UserLister enumerates users with stored credentials.
type UserLister interface {
	ListUserIDs(ctx context.Context) ([]int64, error)
}

// Service periodically starts incremental syncs for every known user.
type Service struct {
	queue         SyncStarter
	users         UserLister
	cron          *cron.Cron
	schedule      string
	maxActivities int
}

func NewService(starter SyncStarter, users UserLister, schedule string, maxActivities int) *Service {
	return &Service{
		queue:         starter,
		users:         users,
		cron:          cron.New(),
		schedule:      schedule,
		maxActivities: maxActivities,
	}
}

// Start registers the sync schedule and blocks until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.EnqueueIncrementalSyncs(ctx) }); err != nil {
		return err
	}
	s.cron.Start()

	next, _ := NextRunTime(s.schedule, time.Now())
	log.Info().Str("schedule", s.schedule).Time("next_run", next).Msg("sync scheduler started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// EnqueueIncrementalSyncs starts a sync for each user that has none open. It returns the
// number of syncs started.
func (s *Service) EnqueueIncrementalSyncs(ctx context.Context) int {
	ids, err := s.users.ListUserIDs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list users for scheduled sync")
		return 0
	}

	started := 0
	for _, id := range ids {
		job, err := s.queue.StartSync(ctx, id, s.maxActivities)
		if errors.Is(err, queue.ErrSyncActive) {
			log.Debug().Int64("user_id", id).Msg("sync already running, skipping")
			continue
		}
		if err != nil {
			log.Error().Err(err).Int64("user_id", id).Msg("failed to start scheduled sync")
			continue
		}
		started++
		log.Info().Int64("user_id", id).Str("job_id", job.ID).Msg("scheduled sync enqueued")
	}
	return started
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
