package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/reservehq/holdflow/backend"
	"github.com/reservehq/holdflow/backend/converter"
	"github.com/reservehq/holdflow/backend/history"
	"github.com/reservehq/holdflow/core"
	"github.com/reservehq/holdflow/internal/log"
)

// Run is the execution context for one invocation of a workflow instance.
// It assigns sequence indexes to Step and Wait calls in call order and
// short-circuits calls that are already checkpointed.
type Run struct {
	ctx context.Context

	instance *core.WorkflowInstance
	history  []*history.StepRecord

	// next sequence index to assign
	next int64

	backend backend.Backend
	clock   clock.Clock
	logger  *slog.Logger
	cv      converter.Converter

	// set when a new wait was issued during this invocation
	suspendedUntil *time.Time
}

func newRun(ctx context.Context, b backend.Backend, instance *core.WorkflowInstance, records []*history.StepRecord) *Run {
	options := b.Options()

	return &Run{
		ctx:      ctx,
		instance: instance,
		history:  records,
		backend:  b,
		clock:    options.Clock,
		logger: options.Logger.With(
			log.InstanceIDKey, instance.InstanceID,
			log.WorkflowNameKey, instance.WorkflowName,
		),
		cv: options.Converter,
	}
}

// Context returns the invocation's context. It is only valid for the
// duration of the current invocation.
func (r *Run) Context() context.Context {
	return r.ctx
}

// InstanceID returns the ID of the workflow instance being executed.
func (r *Run) InstanceID() string {
	return r.instance.InstanceID
}

// Logger returns a logger scoped to the workflow instance.
func (r *Run) Logger() *slog.Logger {
	return r.logger
}

// Now returns the current time from the engine's clock. Safe to use for
// timestamps recorded inside steps; not safe for control-flow decisions
// outside of a step.
func (r *Run) Now() time.Time {
	return r.clock.Now()
}

func (r *Run) nextIndex() int64 {
	idx := r.next
	r.next++
	return idx
}

func (r *Run) recordAt(seqIndex int64) *history.StepRecord {
	for _, rec := range r.history {
		if rec.SequenceIndex == seqIndex {
			return rec
		}
	}

	return nil
}

func (r *Run) checkRecord(rec *history.StepRecord, kind history.RecordKind, name string) error {
	if rec.Kind != kind || rec.Name != name {
		return fmt.Errorf(
			"history has %s %q at index %d, workflow body reached %s %q: %w",
			rec.Kind, rec.Name, rec.SequenceIndex, kind, name, ErrNonDeterministic)
	}

	return nil
}

// Input decodes the instance's persisted input into T.
func Input[T any](r *Run) (T, error) {
	var input T
	if err := r.cv.From(r.instance.Input, &input); err != nil {
		return input, fmt.Errorf("decoding workflow input: %w", err)
	}

	return input, nil
}

// Step executes work exactly once for the given name across all invocations
// of the instance. If a record for the call's sequence index already exists
// its stored result is returned and work is not invoked. On success the
// result is checkpointed before Step returns; on failure nothing is
// appended, so the next invocation retries the step.
func Step[T any](r *Run, name string, work func(ctx context.Context) (T, error)) (T, error) {
	var result T

	idx := r.nextIndex()

	if rec := r.recordAt(idx); rec != nil {
		if err := r.checkRecord(rec, history.RecordKind_Step, name); err != nil {
			return result, err
		}

		if err := r.cv.From(rec.Result, &result); err != nil {
			return result, fmt.Errorf("decoding result for step %q: %w", name, err)
		}

		return result, nil
	}

	result, err := work(r.ctx)
	if err != nil {
		return result, newStepError(name, idx, err)
	}

	data, err := r.cv.To(result)
	if err != nil {
		return result, fmt.Errorf("encoding result for step %q: %w", name, err)
	}

	rec := history.NewStepRecord(idx, name, data, r.clock.Now())
	if err := r.backend.AppendStepRecord(r.ctx, r.instance.InstanceID, rec); err != nil {
		return result, fmt.Errorf("appending record for step %q: %w", name, err)
	}

	r.logger.Debug("step completed", log.StepNameKey, name, log.SeqIndexKey, idx)

	return result, nil
}

// Wait suspends the instance for the given duration. On the first encounter
// it checkpoints a wait record, marks the instance suspended and returns
// ErrSuspended; the body must propagate that error. On a later invocation
// at or after the deadline it stamps the record resumed and returns nil, so
// execution continues past the call site. A wait that already resumed in a
// prior invocation returns nil immediately.
func (r *Run) Wait(name string, d time.Duration) error {
	idx := r.nextIndex()

	if rec := r.recordAt(idx); rec != nil {
		if err := r.checkRecord(rec, history.RecordKind_Wait, name); err != nil {
			return err
		}

		if rec.ResumedAt != nil {
			return nil
		}

		now := r.clock.Now()
		if now.Before(rec.Deadline) {
			// Invoked again before the deadline. The scheduler contract says
			// this should not happen; treat it as a no-op wait rather than
			// re-suspending.
			r.logger.Warn("resumed before wait deadline",
				log.StepNameKey, name,
				log.NowKey, now,
				log.AtKey, rec.Deadline,
			)
		}

		if err := r.backend.MarkWaitResumed(r.ctx, r.instance.InstanceID, idx, now); err != nil {
			return fmt.Errorf("marking wait %q resumed: %w", name, err)
		}

		if err := r.backend.SetInstanceState(r.ctx, r.instance.InstanceID, core.InstanceStateRunning); err != nil {
			return fmt.Errorf("resuming instance: %w", err)
		}

		return nil
	}

	now := r.clock.Now()
	deadline := now.Add(d)

	rec := history.NewWaitRecord(idx, name, deadline)
	if err := r.backend.AppendStepRecord(r.ctx, r.instance.InstanceID, rec); err != nil {
		return fmt.Errorf("appending record for wait %q: %w", name, err)
	}

	if err := r.backend.SetInstanceState(r.ctx, r.instance.InstanceID, core.InstanceStateSuspended); err != nil {
		return fmt.Errorf("suspending instance: %w", err)
	}

	r.suspendedUntil = &deadline

	r.logger.Debug("instance suspended",
		log.StepNameKey, name,
		log.NowKey, now,
		log.AtKey, deadline,
	)

	return ErrSuspended
}
