package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stridesync/internal/domain"
	"stridesync/internal/queue"
)

type fakeQueue struct {
	mu      sync.Mutex
	active  map[int64]bool
	failFor map[int64]bool
	started []int64
	budgets []int
}

func (f *fakeQueue) StartSync(_ context.Context, userID int64, maxActivities int) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active[userID] {
		return domain.Job{}, errors.Wrapf(queue.ErrSyncActive, "user %d", userID)
	}
	if f.failFor[userID] {
		return domain.Job{}, errors.New("store unavailable")
	}
	f.started = append(f.started, userID)
	f.budgets = append(f.budgets, maxActivities)
	return domain.Job{ID: "job_test", UserID: userID}, nil
}

type fakeUsers struct {
	ids []int64
	err error
}

func (f fakeUsers) ListUserIDs(context.Context) ([]int64, error) { return f.ids, f.err }

func TestEnqueueIncrementalSyncsSkipsActiveUsers(t *testing.T) {
	q := &fakeQueue{active: map[int64]bool{2: true}, failFor: map[int64]bool{4: true}}
	s := NewService(q, fakeUsers{ids: []int64{1, 2, 3, 4}}, "@every 1h", 200)

	n := s.EnqueueIncrementalSyncs(context.Background())

	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 3}, q.started)
	assert.Equal(t, []int{200, 200}, q.budgets)
}

func TestEnqueueIncrementalSyncsListError(t *testing.T) {
	q := &fakeQueue{}
	s := NewService(q, fakeUsers{err: errors.New("db closed")}, "@every 1h", 0)

	assert.Zero(t, s.EnqueueIncrementalSyncs(context.Background()))
	assert.Empty(t, q.started)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := NewService(&fakeQueue{}, fakeUsers{}, "not a schedule", 0)
	assert.Error(t, s.Start(context.Background()))
}

func TestStartReturnsOnCancel(t *testing.T) {
	s := NewService(&fakeQueue{}, fakeUsers{}, "@every 1h", 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestCronHelpers(t *testing.T) {
	require.NoError(t, ValidateCronExpression("*/5 * * * *"))
	require.NoError(t, ValidateCronExpression("@every 6h"))
	assert.Error(t, ValidateCronExpression("61 * * * *"))

	from := time.Date(2024, 3, 1, 12, 2, 0, 0, time.UTC)
	next, err := NextRunTime("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC), next)
}
