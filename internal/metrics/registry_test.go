package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stridesync/internal/domain"
)

func fixedNow() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestCountersByJobType(t *testing.T) {
	r := NewRegistry(nil)
	r.now = fixedNow

	r.RecordJobProcessed(domain.JobTypeListPage)
	r.RecordJobProcessed(domain.JobTypeHydrateRecord)
	r.RecordJobProcessed(domain.JobTypeHydrateRecord)
	r.RecordJobFailed(domain.JobTypeHydrateRecord, 7, "boom")

	s := r.Snapshot()
	assert.Equal(t, int64(1), s.JobsProcessed[domain.JobTypeListPage])
	assert.Equal(t, int64(2), s.JobsProcessed[domain.JobTypeHydrateRecord])
	assert.Equal(t, int64(1), s.JobsFailed[domain.JobTypeHydrateRecord])
	require.NotNil(t, s.LastFailure)
	assert.Equal(t, fixedNow(), *s.LastFailure)

	require.Len(t, s.RecentEvents, 1)
	ev := s.RecentEvents[0]
	assert.Equal(t, EventJobFailed, ev.Kind)
	assert.Equal(t, int64(7), ev.UserID)
	assert.Equal(t, "boom", ev.Message)
}

func TestRecentEventsBoundedOldestFirst(t *testing.T) {
	r := NewRegistry(nil)

	for i := 0; i < DefaultEventCapacity+10; i++ {
		r.RecordSyncFailed(int64(i), fmt.Sprintf("err %d", i))
	}

	s := r.Snapshot()
	require.Len(t, s.RecentEvents, DefaultEventCapacity)
	assert.Equal(t, int64(10), s.RecentEvents[0].UserID)
	assert.Equal(t, int64(DefaultEventCapacity+9), s.RecentEvents[DefaultEventCapacity-1].UserID)
}

func TestRateLimitPauseAndResume(t *testing.T) {
	r := NewRegistry(nil)
	r.now = fixedNow

	r.RecordRateLimitPause(fixedNow().Add(time.Minute), "short window threshold reached")
	r.RecordRateLimitResume()

	s := r.Snapshot()
	assert.Equal(t, int64(1), s.RateLimitHits)
	require.NotNil(t, s.LastPause)
	require.NotNil(t, s.LastResume)
	require.Len(t, s.RecentEvents, 2)
	assert.Equal(t, EventRateLimitPause, s.RecentEvents[0].Kind)
	assert.Contains(t, s.RecentEvents[0].Message, "short window threshold reached")
	assert.Equal(t, EventRateLimitResume, s.RecentEvents[1].Kind)
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	r := NewRegistry(nil)
	r.RecordJobProcessed(domain.JobTypeListPage)

	s := r.Snapshot()
	s.JobsProcessed[domain.JobTypeListPage] = 100

	assert.Equal(t, int64(1), r.Snapshot().JobsProcessed[domain.JobTypeListPage])
}

func TestReset(t *testing.T) {
	r := NewRegistry(nil)
	r.RecordJobProcessed(domain.JobTypeListPage)
	r.RecordJobFailed(domain.JobTypeListPage, 1, "x")
	r.RecordRateLimitPause(time.Now(), "429")

	r.Reset()

	s := r.Snapshot()
	assert.Empty(t, s.JobsProcessed)
	assert.Empty(t, s.JobsFailed)
	assert.Zero(t, s.RateLimitHits)
	assert.Nil(t, s.LastPause)
	assert.Nil(t, s.LastFailure)
	assert.NotNil(t, s.RecentEvents)
	assert.Empty(t, s.RecentEvents)
}

func TestPrometheusExport(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.RecordJobProcessed(domain.JobTypeHydrateRecord)
	r.RecordJobProcessed(domain.JobTypeHydrateRecord)
	r.RecordJobFailed(domain.JobTypeListPage, 3, "gone")
	r.RecordRateLimitPause(time.Now().Add(time.Minute), "429")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.promProcessed.WithLabelValues(string(domain.JobTypeHydrateRecord))))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.promFailed.WithLabelValues(string(domain.JobTypeListPage))))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.promPauses))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.promPaused))

	r.RecordRateLimitResume()
	assert.Equal(t, 0.0, testutil.ToFloat64(r.promPaused))

	n, err := testutil.GatherAndCount(reg, "stridesync_jobs_processed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
