package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/reservehq/holdflow/backend"
	"github.com/reservehq/holdflow/backend/history"
	"github.com/reservehq/holdflow/backend/memory"
	"github.com/reservehq/holdflow/core"
	"github.com/reservehq/holdflow/engine"
)

type fixture struct {
	clock  *clock.Mock
	b      backend.Backend
	engine *engine.Engine
}

func setup(t *testing.T, name string, wf engine.WorkflowFn) *fixture {
	t.Helper()

	mc := clock.NewMock()
	mc.Set(time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC))

	b := memory.NewMemoryBackend(
		backend.WithClock(mc),
		backend.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	registry := engine.NewRegistry()
	require.NoError(t, registry.RegisterWorkflow(name, wf))

	return &fixture{
		clock:  mc,
		b:      b,
		engine: engine.New(b, registry),
	}
}

func (f *fixture) start(t *testing.T, name string, input []byte) string {
	t.Helper()

	instanceID := uuid.NewString()
	err := f.b.CreateInstance(context.Background(),
		core.NewWorkflowInstance(instanceID, name, input, f.clock.Now()))
	require.NoError(t, err)

	return instanceID
}

func Test_Execute_StepsRunExactlyOnce(t *testing.T) {
	step1Calls := 0
	step2Calls := 0

	wf := func(run *engine.Run) error {
		v, err := engine.Step(run, "step1", func(ctx context.Context) (int, error) {
			step1Calls++
			return 42, nil
		})
		if err != nil {
			return err
		}

		if err := run.Wait("pause", time.Minute); err != nil {
			return err
		}

		_, err = engine.Step(run, "step2", func(ctx context.Context) (int, error) {
			step2Calls++
			return v * 2, nil
		})
		return err
	}

	f := setup(t, "wf", wf)
	id := f.start(t, "wf", nil)
	ctx := context.Background()

	result, err := f.engine.Execute(ctx, id)
	require.NoError(t, err)
	require.True(t, result.Suspended)
	require.True(t, result.ResumeAt.Equal(f.clock.Now().Add(time.Minute)))
	require.Equal(t, core.InstanceStateSuspended, result.State)

	f.clock.Add(time.Minute)

	result, err = f.engine.Execute(ctx, id)
	require.NoError(t, err)
	require.Equal(t, core.InstanceStateSucceeded, result.State)

	require.Equal(t, 1, step1Calls)
	require.Equal(t, 1, step2Calls)

	// Replaying a finished instance invokes nothing.
	for i := 0; i < 3; i++ {
		result, err = f.engine.Execute(ctx, id)
		require.NoError(t, err)
		require.Equal(t, core.InstanceStateSucceeded, result.State)
	}

	require.Equal(t, 1, step1Calls)
	require.Equal(t, 1, step2Calls)
}

func Test_Execute_ReplayReturnsStoredResults(t *testing.T) {
	invocations := 0

	wf := func(run *engine.Run) error {
		v, err := engine.Step(run, "compute", func(ctx context.Context) (int, error) {
			invocations++
			return invocations * 100, nil
		})
		if err != nil {
			return err
		}

		if v != 100 {
			return engine.Permanent(errors.New("replayed result diverged"))
		}

		if err := run.Wait("pause", time.Minute); err != nil {
			return err
		}

		return nil
	}

	f := setup(t, "wf", wf)
	id := f.start(t, "wf", nil)
	ctx := context.Background()

	_, err := f.engine.Execute(ctx, id)
	require.NoError(t, err)

	f.clock.Add(time.Minute)

	// If replay re-executed "compute", v would be 200 and the body would
	// fail; replay returns the stored 100 instead.
	result, err := f.engine.Execute(ctx, id)
	require.NoError(t, err)
	require.Equal(t, core.InstanceStateSucceeded, result.State)
}

func Test_Execute_WorkflowInput(t *testing.T) {
	type input struct {
		Seat string `json:"seat"`
	}

	var got string
	wf := func(run *engine.Run) error {
		in, err := engine.Input[input](run)
		if err != nil {
			return err
		}

		got = in.Seat
		return nil
	}

	f := setup(t, "wf", wf)
	id := f.start(t, "wf", []byte(`{"seat":"A1"}`))

	_, err := f.engine.Execute(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "A1", got)
}

func Test_Execute_UnknownInstance(t *testing.T) {
	f := setup(t, "wf", func(run *engine.Run) error { return nil })

	_, err := f.engine.Execute(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, backend.ErrInstanceNotFound)
}

func Test_Execute_TransientStepFailureRetries(t *testing.T) {
	attempts := 0

	wf := func(run *engine.Run) error {
		_, err := engine.Step(run, "flaky", func(ctx context.Context) (string, error) {
			attempts++
			if attempts == 1 {
				return "", errors.New("transient")
			}
			return "ok", nil
		})
		return err
	}

	f := setup(t, "wf", wf)
	id := f.start(t, "wf", nil)
	ctx := context.Background()

	result, err := f.engine.Execute(ctx, id)
	require.Error(t, err)

	var stepErr *engine.StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "flaky", stepErr.StepName)
	require.False(t, stepErr.Permanent)
	require.NotEmpty(t, stepErr.Stacktrace)
	require.Equal(t, core.InstanceStateRunning, result.State)

	// The failed step was not checkpointed; re-invocation retries it.
	result, err = f.engine.Execute(ctx, id)
	require.NoError(t, err)
	require.Equal(t, core.InstanceStateSucceeded, result.State)
	require.Equal(t, 2, attempts)
}

func Test_Execute_PermanentStepFailureFailsInstance(t *testing.T) {
	wf := func(run *engine.Run) error {
		_, err := engine.Step(run, "doomed", func(ctx context.Context) (string, error) {
			return "", engine.Permanent(errors.New("bad input"))
		})
		return err
	}

	f := setup(t, "wf", wf)
	id := f.start(t, "wf", nil)

	result, err := f.engine.Execute(context.Background(), id)
	require.Error(t, err)

	var stepErr *engine.StepError
	require.ErrorAs(t, err, &stepErr)
	require.True(t, stepErr.Permanent)
	require.Equal(t, core.InstanceStateFailed, result.State)
}

func Test_Execute_NonDeterministicReplayFails(t *testing.T) {
	invocation := 0

	wf := func(run *engine.Run) error {
		invocation++

		name := "step-a"
		if invocation > 1 {
			// A refactored body that renames a checkpointed step.
			name = "step-b"
		}

		_, err := engine.Step(run, name, func(ctx context.Context) (int, error) {
			return 1, nil
		})
		if err != nil {
			return err
		}

		return run.Wait("pause", time.Minute)
	}

	f := setup(t, "wf", wf)
	id := f.start(t, "wf", nil)
	ctx := context.Background()

	_, err := f.engine.Execute(ctx, id)
	require.NoError(t, err)

	f.clock.Add(time.Minute)

	result, err := f.engine.Execute(ctx, id)
	require.ErrorIs(t, err, engine.ErrNonDeterministic)
	require.Equal(t, core.InstanceStateFailed, result.State)
}

func Test_Wait_DoesNotReSuspendAfterDeadline(t *testing.T) {
	wf := func(run *engine.Run) error {
		return run.Wait("pause", time.Minute)
	}

	f := setup(t, "wf", wf)
	id := f.start(t, "wf", nil)
	ctx := context.Background()

	result, err := f.engine.Execute(ctx, id)
	require.NoError(t, err)
	require.True(t, result.Suspended)

	deadline := result.ResumeAt

	f.clock.Add(2 * time.Minute)

	result, err = f.engine.Execute(ctx, id)
	require.NoError(t, err)
	require.False(t, result.Suspended)
	require.Equal(t, core.InstanceStateSucceeded, result.State)

	records, err := f.b.GetHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, history.RecordKind_Wait, records[0].Kind)
	require.True(t, records[0].Deadline.Equal(deadline))
	require.NotNil(t, records[0].ResumedAt)
	require.False(t, records[0].ResumedAt.Before(records[0].Deadline))
}

func Test_Wait_ElapsedWaitShortCircuitsOnReplay(t *testing.T) {
	waitReturns := 0

	wf := func(run *engine.Run) error {
		if err := run.Wait("pause", time.Minute); err != nil {
			return err
		}
		waitReturns++

		if err := run.Wait("pause-2", time.Minute); err != nil {
			return err
		}

		return nil
	}

	f := setup(t, "wf", wf)
	id := f.start(t, "wf", nil)
	ctx := context.Background()

	_, err := f.engine.Execute(ctx, id)
	require.NoError(t, err)

	f.clock.Add(time.Minute)
	_, err = f.engine.Execute(ctx, id)
	require.NoError(t, err)

	f.clock.Add(time.Minute)
	result, err := f.engine.Execute(ctx, id)
	require.NoError(t, err)
	require.Equal(t, core.InstanceStateSucceeded, result.State)

	// The first wait replayed twice after elapsing; execution passed it
	// each time without re-suspending.
	require.Equal(t, 2, waitReturns)
}

// crashingBackend fails the first wait-record append, simulating a crash
// between a completed step and the wait being issued.
type crashingBackend struct {
	backend.Backend
	failedOnce bool
}

func (cb *crashingBackend) AppendStepRecord(ctx context.Context, instanceID string, record *history.StepRecord) error {
	if record.Kind == history.RecordKind_Wait && !cb.failedOnce {
		cb.failedOnce = true
		return errors.New("store unavailable")
	}

	return cb.Backend.AppendStepRecord(ctx, instanceID, record)
}

func Test_Execute_CrashBetweenStepAndWait(t *testing.T) {
	stepCalls := 0

	wf := func(run *engine.Run) error {
		_, err := engine.Step(run, "step1", func(ctx context.Context) (string, error) {
			stepCalls++
			return "held", nil
		})
		if err != nil {
			return err
		}

		return run.Wait("pause", time.Minute)
	}

	mc := clock.NewMock()
	mc.Set(time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC))

	inner := memory.NewMemoryBackend(
		backend.WithClock(mc),
		backend.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	b := &crashingBackend{Backend: inner}

	registry := engine.NewRegistry()
	require.NoError(t, registry.RegisterWorkflow("wf", wf))
	e := engine.New(b, registry)

	ctx := context.Background()
	id := uuid.NewString()
	require.NoError(t, b.CreateInstance(ctx, core.NewWorkflowInstance(id, "wf", nil, mc.Now())))

	// First invocation: step checkpoints, then the wait append fails. The
	// invocation aborts without any instance state change.
	_, err := e.Execute(ctx, id)
	require.Error(t, err)

	info, err := b.GetInstance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, core.InstanceStateRunning, info.State)

	// Restart: step1's work is not re-invoked, the wait is issued fresh.
	result, err := e.Execute(ctx, id)
	require.NoError(t, err)
	require.True(t, result.Suspended)
	require.Equal(t, 1, stepCalls)

	records, err := b.GetHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, history.RecordKind_Step, records[0].Kind)
	require.Equal(t, history.RecordKind_Wait, records[1].Kind)
}
