package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"stridesync/internal/domain"
)

// StartSync opens a new sync for the user, resetting counters but keeping the cursor.
func (s *SQLiteStore) StartSync(ctx context.Context, userID int64) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_state (user_id, status, started_at, completed_at, processed_activities, total_activities, error, updated_at)
VALUES (?, 'syncing', ?, NULL, 0, 0, '', ?)
ON CONFLICT(user_id) DO UPDATE SET
  status='syncing',
  started_at=excluded.started_at,
  completed_at=NULL,
  processed_activities=0,
  total_activities=0,
  error='',
  updated_at=excluded.updated_at`, userID, now, now)
	return errors.Wrapf(err, "start sync for user %d", userID)
}

func (s *SQLiteStore) UpdateSyncProgress(ctx context.Context, userID int64, processed, total int) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE sync_state SET processed_activities=?, total_activities=?, updated_at=? WHERE user_id=?`,
		processed, total, s.now(), userID)
	return errors.Wrapf(err, "update sync progress for user %d", userID)
}

// CompleteSyncSuccess marks the sync complete. A nil cursor keeps the previous one.
func (s *SQLiteStore) CompleteSyncSuccess(ctx context.Context, userID int64, cursor *time.Time) error {
	now := s.now()
	var c any
	if cursor != nil {
		c = cursor.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE sync_state
SET status='complete', completed_at=?, last_activity_at=COALESCE(?, last_activity_at), error='', updated_at=?
WHERE user_id=?`, now, c, now, userID)
	return errors.Wrapf(err, "complete sync for user %d", userID)
}

func (s *SQLiteStore) CompleteSyncError(ctx context.Context, userID int64, message string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
UPDATE sync_state SET status='error', completed_at=?, error=?, updated_at=? WHERE user_id=?`,
		now, message, now, userID)
	return errors.Wrapf(err, "fail sync for user %d", userID)
}

func (s *SQLiteStore) GetSyncState(ctx context.Context, userID int64) (domain.SyncState, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT user_id, status, started_at, completed_at, processed_activities, total_activities, last_activity_at, error, updated_at
FROM sync_state WHERE user_id=?`, userID)
	var st domain.SyncState
	var status string
	var started, completed, last sql.NullInt64
	var updated int64
	err := row.Scan(&st.UserID, &status, &started, &completed, &st.ProcessedActivities, &st.TotalActivities, &last, &st.Error, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SyncState{UserID: userID, Status: domain.SyncStatusIdle}, nil
	}
	if err != nil {
		return domain.SyncState{}, errors.Wrapf(err, "get sync state for user %d", userID)
	}
	st.Status = domain.SyncStatus(status)
	st.StartedAt = timeOrNil(started)
	st.CompletedAt = timeOrNil(completed)
	st.LastActivityAt = timeOrNil(last)
	st.UpdatedAt = time.Unix(updated, 0).UTC()
	return st, nil
}

// RecoverInterruptedSyncs fails syncs left in 'syncing' by a previous process. The queue is
// in-memory, so their jobs are gone and the rows would otherwise stay open forever.
func (s *SQLiteStore) RecoverInterruptedSyncs(ctx context.Context) (int, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
UPDATE sync_state SET status='error', completed_at=?, error='interrupted by restart', updated_at=?
WHERE status='syncing'`, now, now)
	if err != nil {
		return 0, errors.Wrap(err, "recover interrupted syncs")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
