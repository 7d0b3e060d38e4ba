package backend

import (
	"context"
	"errors"
	"time"

	"github.com/reservehq/holdflow/backend/history"
	"github.com/reservehq/holdflow/core"
	"github.com/reservehq/holdflow/reservation"
)

var (
	ErrInstanceNotFound      = errors.New("workflow instance not found")
	ErrInstanceAlreadyExists = errors.New("workflow instance already exists")

	// ErrSequenceOccupied is returned when a step record is appended at a
	// sequence index that already holds a record. Appends are first writer
	// wins; a second append at the same index indicates a replay bug or a
	// lost race between two invocations of the same instance.
	ErrSequenceOccupied = errors.New("sequence index already occupied")

	ErrReservationNotFound = errors.New("reservation not found")

	// ErrConcurrentModification is returned by PutReservation when the
	// record's version changed since it was read.
	ErrConcurrentModification = errors.New("reservation modified concurrently")
)

// InstanceInfo is a workflow instance together with its lifecycle state.
type InstanceInfo struct {
	Instance *core.WorkflowInstance
	State    core.InstanceState
}

// SuspendedInstance describes an instance parked in a wait, for re-arming
// resume timers after a process restart.
type SuspendedInstance struct {
	InstanceID string
	ResumeAt   time.Time
}

// Backend is the durable store for workflow histories and reservations.
//
// AppendStepRecord must be atomic and durable before it returns: a crash
// between a step executing and its record being appended must be
// indistinguishable from the step never having run.
type Backend interface {
	// CreateInstance creates a new workflow instance in the running state
	CreateInstance(ctx context.Context, instance *core.WorkflowInstance) error

	// GetInstance returns the instance and its current state
	GetInstance(ctx context.Context, instanceID string) (*InstanceInfo, error)

	// SetInstanceState transitions the instance's lifecycle state
	SetInstanceState(ctx context.Context, instanceID string, state core.InstanceState) error

	// AppendStepRecord appends a record to the instance history. It fails
	// with ErrSequenceOccupied if the record's sequence index is taken.
	AppendStepRecord(ctx context.Context, instanceID string, record *history.StepRecord) error

	// GetHistory returns the full history ordered by sequence index
	GetHistory(ctx context.Context, instanceID string) ([]*history.StepRecord, error)

	// MarkWaitResumed stamps ResumedAt on the wait record at the given
	// sequence index. This is the only permitted mutation of an appended
	// record.
	MarkWaitResumed(ctx context.Context, instanceID string, seqIndex int64, resumedAt time.Time) error

	// ListSuspendedInstances returns all instances currently parked in an
	// unresumed wait, with their resume deadlines
	ListSuspendedInstances(ctx context.Context) ([]*SuspendedInstance, error)

	// GetReservation returns the reservation with the given ID
	GetReservation(ctx context.Context, reservationID string) (*reservation.Reservation, error)

	// PutReservation writes the reservation if its stored version still
	// equals expectedVersion, incrementing the version on success. An
	// expectedVersion of zero creates the record and fails if it exists.
	// Version conflicts fail with ErrConcurrentModification.
	PutReservation(ctx context.Context, r *reservation.Reservation, expectedVersion int64) error

	// Options returns the configured options for the backend
	Options() *Options

	// Close closes any underlying resources
	Close() error
}
