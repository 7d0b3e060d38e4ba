package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/reservehq/holdflow/backend"
	"github.com/reservehq/holdflow/backend/memory"
	"github.com/reservehq/holdflow/core"
	"github.com/reservehq/holdflow/reservation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const holdDuration = 15 * time.Minute

type fixture struct {
	clock   *clock.Mock
	backend backend.Backend
	service *Service
}

func setup(t *testing.T, opts ...backend.BackendOption) *fixture {
	t.Helper()

	mc := clock.NewMock()
	mc.Set(time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC))

	opts = append([]backend.BackendOption{
		backend.WithClock(mc),
		backend.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)

	b := memory.NewMemoryBackend(opts...)

	return newFixture(t, mc, b)
}

func newFixture(t *testing.T, mc *clock.Mock, b backend.Backend) *fixture {
	t.Helper()

	s, err := New(b, WithHoldDuration(holdDuration))
	require.NoError(t, err)

	t.Cleanup(s.Close)

	return &fixture{
		clock:   mc,
		backend: b,
		service: s,
	}
}

// Scenario A: confirm shortly after the hold is created; the scheduled
// finalization later must not demote the confirmation.
func Test_ConfirmWithinWindow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.service.StartHold(ctx, "A1", "user-1")
	require.NoError(t, err)

	r, err := f.service.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, reservation.StatusHeld, r.Status)
	require.True(t, r.ExpiresAt.Equal(f.clock.Now().Add(holdDuration)))

	f.clock.Add(5 * time.Second)

	confirmed, err := f.service.Confirm(ctx, id)
	require.NoError(t, err)
	require.Equal(t, reservation.StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)
	require.True(t, confirmed.ConfirmedAt.Equal(f.clock.Now()))

	// Hold window elapses, finalize runs. Confirmed stays confirmed.
	f.clock.Add(holdDuration)

	require.Eventually(t, func() bool {
		info, err := f.service.GetInstance(ctx, id)
		return err == nil && info.State == core.InstanceStateSucceeded
	}, time.Second, 10*time.Millisecond)

	r, err = f.service.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, reservation.StatusConfirmed, r.Status)
	require.Nil(t, r.ExpiredAt)
}

// Scenario B: no confirm; the hold expires when the wait elapses.
func Test_HoldExpiresWithoutConfirm(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.service.StartHold(ctx, "B2", "")
	require.NoError(t, err)

	info, err := f.service.GetInstance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, core.InstanceStateSuspended, info.State)

	f.clock.Add(holdDuration)

	require.Eventually(t, func() bool {
		info, err := f.service.GetInstance(ctx, id)
		return err == nil && info.State == core.InstanceStateSucceeded
	}, time.Second, 10*time.Millisecond)

	r, err := f.service.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, reservation.StatusExpired, r.Status)
	require.NotNil(t, r.ExpiredAt)
	require.Nil(t, r.ConfirmedAt)
}

// Scenario C: a confirm arriving after finalize already expired the hold.
func Test_ConfirmAfterFinalizeFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.service.StartHold(ctx, "C3", "")
	require.NoError(t, err)

	f.clock.Add(holdDuration + time.Second)

	require.Eventually(t, func() bool {
		info, err := f.service.GetInstance(ctx, id)
		return err == nil && info.State == core.InstanceStateSucceeded
	}, time.Second, 10*time.Millisecond)

	_, err = f.service.Confirm(ctx, id)
	require.ErrorIs(t, err, reservation.ErrAlreadyExpired)

	r, err := f.service.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, reservation.StatusExpired, r.Status)
}

// Scenario C, other ordering: the confirm races ahead of finalize. It must
// expire the reservation directly, never confirm it.
func Test_LateConfirmBeforeFinalizeExpires(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.service.StartHold(ctx, "C3", "")
	require.NoError(t, err)

	// Stop the scheduler so finalize never runs, then move past the
	// deadline.
	f.service.Close()
	f.clock.Add(holdDuration + time.Second)

	s2, err := New(f.backend, WithHoldDuration(holdDuration))
	require.NoError(t, err)
	defer s2.Close()

	r, err := s2.Confirm(ctx, id)
	require.NoError(t, err)
	require.Equal(t, reservation.StatusExpired, r.Status)
	require.Nil(t, r.ConfirmedAt)
	require.NotNil(t, r.ExpiredAt)
}

func Test_ConfirmUnknownReservation(t *testing.T) {
	f := setup(t)

	_, err := f.service.Confirm(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, backend.ErrReservationNotFound)
}

func Test_ConfirmIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.service.StartHold(ctx, "A1", "")
	require.NoError(t, err)

	first, err := f.service.Confirm(ctx, id)
	require.NoError(t, err)

	f.clock.Add(time.Minute)

	second, err := f.service.Confirm(ctx, id)
	require.NoError(t, err)
	require.Equal(t, reservation.StatusConfirmed, second.Status)
	require.True(t, second.ConfirmedAt.Equal(*first.ConfirmedAt))
}

// Restart: a new process over the same store re-arms the resume timer and
// the hold still expires on schedule.
func Test_RecoverSuspendedAfterRestart(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.service.StartHold(ctx, "B2", "")
	require.NoError(t, err)

	// Process stops; in-memory timers are gone.
	f.service.Close()

	s2, err := New(f.backend, WithHoldDuration(holdDuration))
	require.NoError(t, err)
	defer s2.Close()

	require.NoError(t, s2.RecoverSuspended(ctx))

	f.clock.Add(holdDuration)

	require.Eventually(t, func() bool {
		info, err := s2.GetInstance(ctx, id)
		return err == nil && info.State == core.InstanceStateSucceeded
	}, time.Second, 10*time.Millisecond)

	r, err := s2.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, reservation.StatusExpired, r.Status)
}

// Restart after the deadline already passed: recovery resumes immediately.
func Test_RecoverPastDueInstance(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.service.StartHold(ctx, "B2", "")
	require.NoError(t, err)

	f.service.Close()
	f.clock.Add(holdDuration + time.Hour)

	s2, err := New(f.backend, WithHoldDuration(holdDuration))
	require.NoError(t, err)
	defer s2.Close()

	require.NoError(t, s2.RecoverSuspended(ctx))

	// A zero-delay timer on the mock clock fires on the next tick.
	f.clock.Add(0)

	require.Eventually(t, func() bool {
		info, err := s2.GetInstance(ctx, id)
		return err == nil && info.State == core.InstanceStateSucceeded
	}, time.Second, 10*time.Millisecond)

	r, err := s2.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, reservation.StatusExpired, r.Status)
}

// conflictingBackend injects a single compare-and-set conflict on the first
// reservation update.
type conflictingBackend struct {
	backend.Backend
	conflicted bool
}

func (cb *conflictingBackend) PutReservation(ctx context.Context, r *reservation.Reservation, expectedVersion int64) error {
	if expectedVersion > 0 && !cb.conflicted {
		cb.conflicted = true
		return backend.ErrConcurrentModification
	}

	return cb.Backend.PutReservation(ctx, r, expectedVersion)
}

func Test_ConfirmRetriesOnConflict(t *testing.T) {
	mc := clock.NewMock()
	mc.Set(time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC))

	inner := memory.NewMemoryBackend(
		backend.WithClock(mc),
		backend.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	b := &conflictingBackend{Backend: inner}

	f := newFixture(t, mc, b)
	ctx := context.Background()

	id, err := f.service.StartHold(ctx, "A1", "")
	require.NoError(t, err)

	// First write conflicts, the retry re-reads and reapplies.
	confirmed, err := f.service.Confirm(ctx, id)
	require.NoError(t, err)
	require.Equal(t, reservation.StatusConfirmed, confirmed.Status)
	require.True(t, b.conflicted)
}

func Test_GetServesFromCacheUntilInvalidated(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.service.StartHold(ctx, "A1", "")
	require.NoError(t, err)

	first, err := f.service.Get(ctx, id)
	require.NoError(t, err)

	// An out-of-band write the cache has not seen.
	confirmed, err := reservation.Confirm(first, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.backend.PutReservation(ctx, confirmed, first.Version))

	cached, err := f.service.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, reservation.StatusHeld, cached.Status)

	// A local write invalidates.
	_, err = f.service.Confirm(ctx, id)
	require.NoError(t, err)

	fresh, err := f.service.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, reservation.StatusConfirmed, fresh.Status)
}
