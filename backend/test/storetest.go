package test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/reservehq/holdflow/backend"
	"github.com/reservehq/holdflow/backend/history"
	"github.com/reservehq/holdflow/core"
	"github.com/reservehq/holdflow/reservation"
)

// StoreTest runs the Backend conformance suite against the store returned
// by setup. Every store implementation has to pass it.
func StoreTest(t *testing.T, setup func() backend.Backend, teardown func(b backend.Backend)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, b backend.Backend)
	}{
		{
			name: "CreateInstance_DoesNotError",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				err := b.CreateInstance(ctx, newInstance())
				require.NoError(t, err)
			},
		},
		{
			name: "CreateInstance_SameInstanceIDErrors",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				instance := newInstance()

				require.NoError(t, b.CreateInstance(ctx, instance))

				err := b.CreateInstance(ctx, instance)
				require.ErrorIs(t, err, backend.ErrInstanceAlreadyExists)
			},
		},
		{
			name: "GetInstance_ReturnsNotFoundForUnknownID",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				_, err := b.GetInstance(ctx, uuid.NewString())
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)
			},
		},
		{
			name: "GetInstance_RoundTripsInstance",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				instance := newInstance()
				require.NoError(t, b.CreateInstance(ctx, instance))

				info, err := b.GetInstance(ctx, instance.InstanceID)
				require.NoError(t, err)
				require.Equal(t, instance.InstanceID, info.Instance.InstanceID)
				require.Equal(t, instance.WorkflowName, info.Instance.WorkflowName)
				require.Equal(t, instance.Input, info.Instance.Input)
				require.Equal(t, core.InstanceStateRunning, info.State)
			},
		},
		{
			name: "SetInstanceState_Transitions",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				instance := newInstance()
				require.NoError(t, b.CreateInstance(ctx, instance))

				require.NoError(t, b.SetInstanceState(ctx, instance.InstanceID, core.InstanceStateSuspended))

				info, err := b.GetInstance(ctx, instance.InstanceID)
				require.NoError(t, err)
				require.Equal(t, core.InstanceStateSuspended, info.State)
			},
		},
		{
			name: "AppendStepRecord_UnknownInstanceErrors",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				rec := history.NewStepRecord(0, "create-hold", []byte(`{}`), time.Now().UTC())
				err := b.AppendStepRecord(ctx, uuid.NewString(), rec)
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)
			},
		},
		{
			name: "AppendStepRecord_OccupiedIndexErrors",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				instance := newInstance()
				require.NoError(t, b.CreateInstance(ctx, instance))

				rec := history.NewStepRecord(0, "create-hold", []byte(`{}`), time.Now().UTC())
				require.NoError(t, b.AppendStepRecord(ctx, instance.InstanceID, rec))

				dup := history.NewStepRecord(0, "create-hold", []byte(`{}`), time.Now().UTC())
				err := b.AppendStepRecord(ctx, instance.InstanceID, dup)
				require.ErrorIs(t, err, backend.ErrSequenceOccupied)
			},
		},
		{
			name: "GetHistory_OrderedBySequenceIndex",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				instance := newInstance()
				require.NoError(t, b.CreateInstance(ctx, instance))

				deadline := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)

				require.NoError(t, b.AppendStepRecord(ctx, instance.InstanceID,
					history.NewWaitRecord(1, "hold-window", deadline)))
				require.NoError(t, b.AppendStepRecord(ctx, instance.InstanceID,
					history.NewStepRecord(0, "create-hold", []byte(`{"a":1}`), time.Now().UTC())))

				records, err := b.GetHistory(ctx, instance.InstanceID)
				require.NoError(t, err)
				require.Len(t, records, 2)

				require.Equal(t, int64(0), records[0].SequenceIndex)
				require.Equal(t, history.RecordKind_Step, records[0].Kind)
				require.Equal(t, "create-hold", records[0].Name)
				require.JSONEq(t, `{"a":1}`, string(records[0].Result))

				require.Equal(t, int64(1), records[1].SequenceIndex)
				require.Equal(t, history.RecordKind_Wait, records[1].Kind)
				require.True(t, records[1].Deadline.Equal(deadline))
				require.Nil(t, records[1].ResumedAt)
			},
		},
		{
			name: "MarkWaitResumed_StampsOnce",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				instance := newInstance()
				require.NoError(t, b.CreateInstance(ctx, instance))

				require.NoError(t, b.AppendStepRecord(ctx, instance.InstanceID,
					history.NewWaitRecord(0, "hold-window", time.Now().UTC())))

				resumedAt := time.Now().UTC().Truncate(time.Millisecond)
				require.NoError(t, b.MarkWaitResumed(ctx, instance.InstanceID, 0, resumedAt))

				// A second stamp is a no-op, not an error.
				require.NoError(t, b.MarkWaitResumed(ctx, instance.InstanceID, 0, resumedAt.Add(time.Hour)))

				records, err := b.GetHistory(ctx, instance.InstanceID)
				require.NoError(t, err)
				require.Len(t, records, 1)
				require.NotNil(t, records[0].ResumedAt)
				require.True(t, records[0].ResumedAt.Equal(resumedAt))
			},
		},
		{
			name: "MarkWaitResumed_NoWaitRecordErrors",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				instance := newInstance()
				require.NoError(t, b.CreateInstance(ctx, instance))

				err := b.MarkWaitResumed(ctx, instance.InstanceID, 0, time.Now().UTC())
				require.Error(t, err)
			},
		},
		{
			name: "ListSuspendedInstances_ReturnsParkedInstances",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				instance := newInstance()
				require.NoError(t, b.CreateInstance(ctx, instance))

				deadline := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
				require.NoError(t, b.AppendStepRecord(ctx, instance.InstanceID,
					history.NewWaitRecord(0, "hold-window", deadline)))
				require.NoError(t, b.SetInstanceState(ctx, instance.InstanceID, core.InstanceStateSuspended))

				suspended, err := b.ListSuspendedInstances(ctx)
				require.NoError(t, err)

				var found *backend.SuspendedInstance
				for _, si := range suspended {
					if si.InstanceID == instance.InstanceID {
						found = si
					}
				}

				require.NotNil(t, found)
				require.True(t, found.ResumeAt.Equal(deadline))
			},
		},
		{
			name: "ListSuspendedInstances_ExcludesResumed",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				instance := newInstance()
				require.NoError(t, b.CreateInstance(ctx, instance))

				require.NoError(t, b.AppendStepRecord(ctx, instance.InstanceID,
					history.NewWaitRecord(0, "hold-window", time.Now().UTC())))
				require.NoError(t, b.SetInstanceState(ctx, instance.InstanceID, core.InstanceStateSuspended))
				require.NoError(t, b.MarkWaitResumed(ctx, instance.InstanceID, 0, time.Now().UTC()))
				require.NoError(t, b.SetInstanceState(ctx, instance.InstanceID, core.InstanceStateRunning))

				suspended, err := b.ListSuspendedInstances(ctx)
				require.NoError(t, err)

				for _, si := range suspended {
					require.NotEqual(t, instance.InstanceID, si.InstanceID)
				}
			},
		},
		{
			name: "GetReservation_ReturnsNotFoundForUnknownID",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				_, err := b.GetReservation(ctx, uuid.NewString())
				require.ErrorIs(t, err, backend.ErrReservationNotFound)
			},
		},
		{
			name: "PutReservation_CreateAndRoundTrip",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				now := time.Now().UTC().Truncate(time.Millisecond)
				r := reservation.NewHold(uuid.NewString(), "A1", "user-1", now, 15*time.Minute)

				require.NoError(t, b.PutReservation(ctx, r, 0))

				got, err := b.GetReservation(ctx, r.ID)
				require.NoError(t, err)
				require.Equal(t, r.ID, got.ID)
				require.Equal(t, "A1", got.SeatID)
				require.Equal(t, "user-1", got.UserID)
				require.Equal(t, reservation.StatusHeld, got.Status)
				require.True(t, got.CreatedAt.Equal(now))
				require.True(t, got.ExpiresAt.Equal(now.Add(15*time.Minute)))
				require.Nil(t, got.ConfirmedAt)
				require.Nil(t, got.ExpiredAt)
				require.Equal(t, int64(1), got.Version)
			},
		},
		{
			name: "PutReservation_CreateTwiceConflicts",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				r := reservation.NewHold(uuid.NewString(), "A1", "", time.Now().UTC(), time.Minute)

				require.NoError(t, b.PutReservation(ctx, r, 0))

				err := b.PutReservation(ctx, r, 0)
				require.ErrorIs(t, err, backend.ErrConcurrentModification)
			},
		},
		{
			name: "PutReservation_VersionMismatchConflicts",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				r := reservation.NewHold(uuid.NewString(), "A1", "", time.Now().UTC(), time.Minute)
				require.NoError(t, b.PutReservation(ctx, r, 0))

				current, err := b.GetReservation(ctx, r.ID)
				require.NoError(t, err)

				confirmed, err := reservation.Confirm(current, time.Now().UTC())
				require.NoError(t, err)

				require.NoError(t, b.PutReservation(ctx, confirmed, current.Version))

				// The stale version loses.
				again, err := reservation.Finalize(current, time.Now().UTC())
				require.NoError(t, err)
				err = b.PutReservation(ctx, again, current.Version)
				require.ErrorIs(t, err, backend.ErrConcurrentModification)

				got, err := b.GetReservation(ctx, r.ID)
				require.NoError(t, err)
				require.Equal(t, reservation.StatusConfirmed, got.Status)
				require.Equal(t, int64(2), got.Version)
			},
		},
		{
			name: "PutReservation_UpdateUnknownReservationErrors",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				r := reservation.NewHold(uuid.NewString(), "A1", "", time.Now().UTC(), time.Minute)
				r.Version = 1

				err := b.PutReservation(ctx, r, 1)
				require.ErrorIs(t, err, backend.ErrReservationNotFound)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setup()
			ctx := context.Background()

			t.Cleanup(func() {
				if teardown != nil {
					teardown(b)
				} else {
					require.NoError(t, b.Close())
				}
			})

			tt.f(t, ctx, b)
		})
	}
}

func newInstance() *core.WorkflowInstance {
	return core.NewWorkflowInstance(
		uuid.NewString(),
		"reservation-hold",
		[]byte(`{"seat_id":"A1"}`),
		time.Now().UTC().Truncate(time.Millisecond),
	)
}
