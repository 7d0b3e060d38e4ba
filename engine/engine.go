// Package engine implements a durable step engine: workflow bodies are
// re-executed from the top on every invocation and replayed against their
// checkpointed history, so completed steps run exactly once and waits
// suspend the instance without holding any compute.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reservehq/holdflow/backend"
	"github.com/reservehq/holdflow/core"
	"github.com/reservehq/holdflow/internal/log"
)

// InvocationResult describes the outcome of one invocation of an instance.
type InvocationResult struct {
	// State of the instance after the invocation
	State core.InstanceState

	// Suspended is true when this invocation issued a new wait. ResumeAt is
	// the time at which the host has to schedule the next invocation.
	Suspended bool
	ResumeAt  time.Time
}

type Engine struct {
	backend  backend.Backend
	registry *Registry
	tracer   trace.Tracer
}

func New(b backend.Backend, registry *Registry) *Engine {
	return &Engine{
		backend:  b,
		registry: registry,
		tracer:   b.Options().TracerProvider.Tracer(backend.TracerName),
	}
}

// Execute runs one invocation of the given instance: it replays the
// instance's history from the first sequence index, short-circuiting
// checkpointed calls, and executes the first not-yet-checkpointed step or
// wait.
//
// A transient step failure leaves the instance running; re-invoking retries
// the failed step from the last checkpoint. Store failures abort the
// invocation without any state change. Permanent step failures and
// non-deterministic replays mark the instance failed.
func (e *Engine) Execute(ctx context.Context, instanceID string) (*InvocationResult, error) {
	info, err := e.backend.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	instance := info.Instance

	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("ExecuteInstance: %s", instance.WorkflowName), trace.WithAttributes(
		attribute.String(log.InstanceIDKey, instanceID),
		attribute.String(log.WorkflowNameKey, instance.WorkflowName),
	))
	defer span.End()

	if info.State.Finished() {
		// Nothing left to do; a duplicate trigger is harmless.
		return &InvocationResult{State: info.State}, nil
	}

	workflow, err := e.registry.GetWorkflow(instance.WorkflowName)
	if err != nil {
		return nil, err
	}

	records, err := e.backend.GetHistory(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	run := newRun(ctx, e.backend, instance, records)

	wfErr := workflow(run)
	switch {
	case wfErr == nil:
		if err := e.backend.SetInstanceState(ctx, instanceID, core.InstanceStateSucceeded); err != nil {
			return nil, err
		}

		run.logger.Debug("instance succeeded")

		return &InvocationResult{State: core.InstanceStateSucceeded}, nil

	case errors.Is(wfErr, ErrSuspended):
		if run.suspendedUntil == nil {
			return nil, fmt.Errorf("workflow body returned ErrSuspended without an issued wait")
		}

		return &InvocationResult{
			State:     core.InstanceStateSuspended,
			Suspended: true,
			ResumeAt:  *run.suspendedUntil,
		}, nil

	case errors.Is(wfErr, ErrNonDeterministic):
		if err := e.backend.SetInstanceState(ctx, instanceID, core.InstanceStateFailed); err != nil {
			return nil, err
		}

		return &InvocationResult{State: core.InstanceStateFailed}, wfErr

	default:
		var stepErr *StepError
		if errors.As(wfErr, &stepErr) && !stepErr.Permanent {
			// Retryable: the failed step was not checkpointed, a later
			// invocation picks up from here.
			run.logger.Warn("step failed, instance eligible for retry",
				log.StepNameKey, stepErr.StepName,
				log.SeqIndexKey, stepErr.SequenceIndex,
			)

			return &InvocationResult{State: core.InstanceStateRunning}, wfErr
		}

		if stepErr != nil {
			if err := e.backend.SetInstanceState(ctx, instanceID, core.InstanceStateFailed); err != nil {
				return nil, err
			}

			return &InvocationResult{State: core.InstanceStateFailed}, wfErr
		}

		// Store or decode failure. Abort without touching instance state: an
		// uncommitted checkpoint must never be assumed committed.
		return nil, wfErr
	}
}
