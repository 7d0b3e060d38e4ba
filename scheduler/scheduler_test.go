package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *recorder) resume(ctx context.Context, instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fired = append(r.fired, instanceID)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.fired)
}

// The mock clock runs timer callbacks on their own goroutines, so poll
// instead of asserting immediately after advancing the clock.
func requireCount(t *testing.T, rec *recorder, want int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return rec.count() == want
	}, time.Second, 10*time.Millisecond)
}

func newScheduler(t *testing.T) (*clock.Mock, *recorder, Scheduler) {
	t.Helper()

	mc := clock.NewMock()
	rec := &recorder{}
	s := New(mc, slog.New(slog.NewTextHandler(io.Discard, nil)), rec.resume)

	t.Cleanup(s.Close)

	return mc, rec, s
}

func Test_ScheduleResume_NeverFiresEarly(t *testing.T) {
	mc, rec, s := newScheduler(t)

	s.ScheduleResume("instance-1", mc.Now().Add(time.Minute))

	mc.Add(59 * time.Second)
	require.Equal(t, 0, rec.count())

	mc.Add(2 * time.Second)
	requireCount(t, rec, 1)
}

func Test_ScheduleResume_PastDeadlineFiresImmediately(t *testing.T) {
	mc, rec, s := newScheduler(t)

	s.ScheduleResume("instance-1", mc.Now().Add(-time.Minute))

	mc.Add(0)
	requireCount(t, rec, 1)
}

func Test_ScheduleResume_ReArmingReplacesTimer(t *testing.T) {
	mc, rec, s := newScheduler(t)

	s.ScheduleResume("instance-1", mc.Now().Add(time.Minute))
	s.ScheduleResume("instance-1", mc.Now().Add(2*time.Minute))

	mc.Add(time.Minute)
	require.Equal(t, 0, rec.count())

	mc.Add(time.Minute)
	requireCount(t, rec, 1)
}

func Test_ScheduleResume_IndependentInstances(t *testing.T) {
	mc, rec, s := newScheduler(t)

	s.ScheduleResume("instance-1", mc.Now().Add(time.Minute))
	s.ScheduleResume("instance-2", mc.Now().Add(2*time.Minute))

	mc.Add(time.Minute)
	requireCount(t, rec, 1)

	mc.Add(time.Minute)
	requireCount(t, rec, 2)
}

func Test_Close_StopsOutstandingTimers(t *testing.T) {
	mc, rec, s := newScheduler(t)

	s.ScheduleResume("instance-1", mc.Now().Add(time.Minute))
	s.Close()

	mc.Add(2 * time.Minute)
	require.Equal(t, 0, rec.count())

	// Scheduling after close is a no-op.
	s.ScheduleResume("instance-2", mc.Now().Add(time.Minute))
	mc.Add(2 * time.Minute)
	require.Equal(t, 0, rec.count())
}
