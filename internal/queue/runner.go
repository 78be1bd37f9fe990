package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"stridesync/internal/domain"
	"stridesync/internal/provider"
)

// Run starts at most one job per tick until ctx is cancelled, then waits for in-flight jobs.
func (q *Queue) Run(ctx context.Context) {
	t := time.NewTicker(q.opts.ProcessInterval)
	defer t.Stop()

	log.Info().
		Int("concurrency", q.opts.Concurrency).
		Dur("interval", q.opts.ProcessInterval).
		Msg("job queue started")

	for {
		select {
		case <-ctx.Done():
			q.wg.Wait()
			log.Info().Msg("job queue stopped")
			return
		case <-t.C:
			job, ok := q.GetNextJob()
			if !ok {
				continue
			}
			q.wg.Add(1)
			go func(j domain.Job) {
				defer q.wg.Done()
				q.process(ctx, j)
			}(job)
		}
	}
}

func (q *Queue) process(ctx context.Context, job domain.Job) {
	start := q.timeNow()
	spawned, err := q.execute(ctx, job)
	if err != nil {
		q.handleFailure(ctx, job, err)
		return
	}
	q.handleSuccess(ctx, job, spawned)
	log.Debug().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Int64("user_id", job.UserID).
		Int("spawned", len(spawned)).
		Dur("took", q.timeNow().Sub(start)).
		Msg("job completed")
}

func (q *Queue) execute(ctx context.Context, job domain.Job) ([]domain.Job, error) {
	switch p := job.Data.(type) {
	case domain.ListPage:
		return q.executeListPage(ctx, job, p)
	case domain.HydrateRecord:
		return nil, q.executeHydrate(ctx, job, p)
	default:
		return nil, errors.Newf("unknown job payload %T", job.Data)
	}
}

func (q *Queue) handleSuccess(ctx context.Context, job domain.Job, spawned []domain.Job) {
	q.mu.Lock()
	j := q.takeProcessingLocked(job)
	j.Status = domain.JobStatusCompleted
	j.Error = ""
	q.completed = appendTrimmed(q.completed, j, q.opts.HistoryLimit)
	if len(spawned) > 0 {
		q.enqueueLocked(spawned, q.timeNow())
	}
	finished := q.claimFinishedLocked(job.UserID)
	q.mu.Unlock()

	q.metrics.RecordJobProcessed(job.Type)
	if finished != nil {
		q.finalize(ctx, job.UserID, finished)
	}
}

type failureOutcome int

const (
	outcomeRateLimited failureOutcome = iota
	outcomeRetry
	outcomeFailed
)

// handleFailure applies the retry policy: rate-limited jobs back off exponentially without
// consuming attempts, other failures retry linearly until MaxAttempts.
func (q *Queue) handleFailure(ctx context.Context, job domain.Job, cause error) {
	now := q.timeNow()
	msg := cause.Error()

	q.mu.Lock()
	j := q.takeProcessingLocked(job)
	j.Error = msg

	var (
		outcome  failureOutcome
		delay    time.Duration
		failSync bool
		finished *syncProgress
	)
	switch {
	case errors.Is(cause, provider.ErrRateLimited):
		outcome = outcomeRateLimited
		j.Attempts--
		j.RateLimitRetries++
		delay = rateLimitBackoff(q.opts.RetryDelay, q.opts.MaxRetryDelay, j.RateLimitRetries)
		q.requeueLocked(j, now.Add(delay))
	case j.Attempts < j.MaxAttempts:
		outcome = outcomeRetry
		delay = linearBackoff(q.opts.RetryDelay, j.Attempts)
		q.requeueLocked(j, now.Add(delay))
	default:
		outcome = outcomeFailed
		j.Status = domain.JobStatusFailed
		q.failed = appendTrimmed(q.failed, j, q.opts.HistoryLimit)
		if j.Type == domain.JobTypeListPage {
			if sp, ok := q.syncs[j.UserID]; ok && !sp.failed {
				sp.failed = true
				failSync = true
			}
		}
		finished = q.claimFinishedLocked(j.UserID)
	}
	attempts, maxAttempts := j.Attempts, j.MaxAttempts
	q.mu.Unlock()

	logger := log.With().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Int64("user_id", job.UserID).
		Int("attempts", attempts).
		Logger()

	switch outcome {
	case outcomeRateLimited:
		logger.Warn().Dur("retry_in", delay).Msg("job rate limited")
		q.notify(job.UserID, fmt.Sprintf("Rate limited, retrying in %ds", int(delay.Seconds())), map[string]any{
			"job_id":   job.ID,
			"job_type": job.Type,
			"retry_in": delay.Seconds(),
		})
	case outcomeRetry:
		logger.Warn().Err(cause).Dur("retry_in", delay).Msg("job failed, will retry")
		q.notify(job.UserID, fmt.Sprintf("Retrying %s job in %ds (attempt %d/%d)", job.Type, int(delay.Seconds()), attempts, maxAttempts), map[string]any{
			"job_id":   job.ID,
			"job_type": job.Type,
			"error":    msg,
		})
	case outcomeFailed:
		logger.Error().Err(cause).Msg("job failed permanently")
		q.metrics.RecordJobFailed(job.Type, job.UserID, msg)
		q.notify(job.UserID, fmt.Sprintf("%s job failed after %d attempts", job.Type, attempts), map[string]any{
			"job_id":   job.ID,
			"job_type": job.Type,
			"error":    msg,
		})
		if failSync {
			q.failSync(ctx, job.UserID, msg)
		}
	}

	if finished != nil {
		q.finalize(ctx, job.UserID, finished)
	}
}

// takeProcessingLocked removes job from the processing set, returning the queue's own copy.
func (q *Queue) takeProcessingLocked(job domain.Job) *domain.Job {
	j, ok := q.processing[job.ID]
	if !ok {
		j = &job
	}
	delete(q.processing, job.ID)
	return j
}

func (q *Queue) requeueLocked(j *domain.Job, at time.Time) {
	j.Status = domain.JobStatusPending
	j.ScheduledAt = at
	q.pending = append(q.pending, j)
	q.sortPendingLocked()
}

func (q *Queue) failSync(ctx context.Context, userID int64, msg string) {
	if err := q.store.CompleteSyncError(ctx, userID, msg); err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("failed to record sync error")
	}
	q.metrics.RecordSyncFailed(userID, msg)
	log.Error().Int64("user_id", userID).Str("error", msg).Msg("sync failed")
	q.notify(userID, "Sync failed: "+msg, map[string]any{"status": domain.SyncStatusError, "error": msg})
}

// finalize closes a sync whose last job finished. A sync already failed by its list page
// has been reported and is only dropped.
func (q *Queue) finalize(ctx context.Context, userID int64, sp *syncProgress) {
	if sp.failed {
		log.Debug().Int64("user_id", userID).Msg("remaining jobs drained after sync failure")
		return
	}

	cursor, err := q.store.GetMostRecentRecordTimestamp(ctx, userID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("failed to read sync cursor")
	}
	if err := q.store.CompleteSyncSuccess(ctx, userID, cursor); err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("failed to record sync completion")
	}
	q.metrics.RecordSyncCompleted(userID)

	data := map[string]any{
		"status":               domain.SyncStatusComplete,
		"processed_activities": sp.processed,
		"total_activities":     sp.total,
	}
	if cursor != nil {
		data["last_activity_at"] = cursor.UTC().Format(time.RFC3339)
	}
	log.Info().Int64("user_id", userID).Int("processed", sp.processed).Msg("sync completed")
	q.notify(userID, "Sync completed", data)
}
