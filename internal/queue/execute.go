package queue

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"stridesync/internal/domain"
	"stridesync/internal/provider"
	"stridesync/internal/store"
)

// executeListPage fetches one page, stores unseen records and returns the hydrate jobs and
// optional continuation it produces.
func (q *Queue) executeListPage(ctx context.Context, job domain.Job, p domain.ListPage) ([]domain.Job, error) {
	activities, err := q.provider.ListActivities(ctx, job.UserID, p.Page, p.PerPage, p.After)
	if err != nil {
		return nil, errors.Wrapf(err, "list page %d", p.Page)
	}
	q.notify(job.UserID, fmt.Sprintf("Fetched page %d with %d records", p.Page, len(activities)), map[string]any{
		"page":  p.Page,
		"count": len(activities),
	})

	handled := activities
	if p.MaxActivities > 0 && len(handled) > p.MaxActivities {
		handled = handled[:p.MaxActivities]
	}

	var spawned []domain.Job
	created, requeued := 0, 0
	for _, a := range handled {
		rec, err := q.store.GetRecordByExternalID(ctx, a.ID, job.UserID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			rec, err = q.store.CreateRecord(ctx, domain.NewRecord(job.UserID, a))
			if err != nil {
				return nil, err
			}
			created++
			spawned = append(spawned, domain.NewHydrateJob(job.UserID, domain.PriorityHydrate, domain.HydrateRecord{
				RecordID:        rec.ID,
				ExternalID:      rec.ExternalID,
				FetchStreamData: true,
				FetchLapData:    true,
			}))
		case err != nil:
			return nil, err
		case !rec.HasStreams() || !rec.HasLaps():
			requeued++
			spawned = append(spawned, domain.NewHydrateJob(job.UserID, domain.PriorityRehydrate, domain.HydrateRecord{
				RecordID:        rec.ID,
				ExternalID:      rec.ExternalID,
				FetchStreamData: !rec.HasStreams(),
				FetchLapData:    !rec.HasLaps(),
			}))
		}
	}

	processed, total := q.recordPageProgress(job.UserID, len(handled))
	if err := q.store.UpdateSyncProgress(ctx, job.UserID, processed, total); err != nil {
		log.Warn().Err(err).Int64("user_id", job.UserID).Msg("failed to update sync progress")
	}
	q.notify(job.UserID, fmt.Sprintf("Created %d new, requeued %d for missing data", created, requeued), map[string]any{
		"page":                 p.Page,
		"created":              created,
		"requeued":             requeued,
		"processed_activities": processed,
		"total_activities":     total,
	})

	remaining := 0
	if p.MaxActivities > 0 {
		remaining = p.MaxActivities - len(handled)
	}
	if len(activities) == p.PerPage && (p.MaxActivities <= 0 || remaining > 0) {
		next := p
		next.Page = p.Page + 1
		next.MaxActivities = remaining
		spawned = append(spawned, domain.NewListPageJob(job.UserID, domain.PriorityContinuation, next))
	}

	log.Info().
		Str("job_id", job.ID).
		Int64("user_id", job.UserID).
		Int("page", p.Page).
		Int("listed", len(activities)).
		Int("created", created).
		Int("requeued", requeued).
		Msg("list page processed")
	return spawned, nil
}

// executeHydrate fetches the requested sub-resources that are still missing. Unavailable
// resources store the sentinel. Successful writes are kept even when the other fetch fails,
// and the job is then retried as a whole.
func (q *Queue) executeHydrate(ctx context.Context, job domain.Job, p domain.HydrateRecord) error {
	rec, err := q.store.GetRecordByExternalID(ctx, p.ExternalID, job.UserID)
	if err != nil {
		return errors.Wrapf(err, "load record %d", p.RecordID)
	}

	var patch domain.RecordPatch
	var fetchErr error

	if p.FetchStreamData && !rec.HasStreams() {
		data, err := q.provider.GetActivityStreams(ctx, job.UserID, p.ExternalID)
		switch {
		case errors.Is(err, provider.ErrResourceUnavailable):
			patch.StreamsData = domain.UnavailableSentinel
		case err != nil:
			fetchErr = errors.Wrap(err, "fetch streams")
		default:
			patch.StreamsData = data
		}
	}

	if p.FetchLapData && !rec.HasLaps() && !errors.Is(fetchErr, provider.ErrRateLimited) {
		data, err := q.provider.GetActivityLaps(ctx, job.UserID, p.ExternalID)
		switch {
		case errors.Is(err, provider.ErrResourceUnavailable):
			patch.LapsData = domain.UnavailableSentinel
		case err != nil:
			lapsErr := errors.Wrap(err, "fetch laps")
			if fetchErr == nil || errors.Is(lapsErr, provider.ErrRateLimited) {
				fetchErr = lapsErr
			}
		default:
			patch.LapsData = data
		}
	}

	if !patch.IsEmpty() {
		if err := q.store.UpdateRecord(ctx, rec.ID, patch); err != nil {
			return errors.Wrapf(err, "update record %d", rec.ID)
		}
	}
	return fetchErr
}
