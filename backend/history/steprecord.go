package history

import (
	"time"

	"github.com/google/uuid"

	"github.com/reservehq/holdflow/backend/payload"
)

type RecordKind uint

const (
	_ RecordKind = iota

	RecordKind_Step
	RecordKind_Wait
)

func (rk RecordKind) String() string {
	switch rk {
	case RecordKind_Step:
		return "Step"
	case RecordKind_Wait:
		return "Wait"
	default:
		return "Unknown"
	}
}

// StepRecord is one checkpointed unit of a workflow instance's history.
//
// Records are immutable once appended. The only exception is ResumedAt on a
// Wait record, which is set exactly once when the wait elapses, through
// Backend.MarkWaitResumed.
type StepRecord struct {
	// ID is a unique identifier for this record
	ID string `json:"id"`

	Kind RecordKind `json:"kind"`

	// SequenceIndex is the record's position in the instance history. It is
	// the replay key: a call site whose index already has a record is
	// short-circuited instead of executed again.
	SequenceIndex int64 `json:"sequence_index"`

	// Name is the stable identity of the step or wait. Replay verifies the
	// name at a given index matches the record, so refactoring a workflow
	// body cannot silently remap checkpoints.
	Name string `json:"name"`

	// Result is set for Step records only.
	Result payload.Payload `json:"result,omitempty"`

	// CompletedAt is set for Step records only.
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Deadline is set for Wait records only.
	Deadline time.Time `json:"deadline,omitempty"`

	// ResumedAt is nil until the wait has elapsed and execution resumed.
	ResumedAt *time.Time `json:"resumed_at,omitempty"`
}

func NewStepRecord(seqIndex int64, name string, result payload.Payload, completedAt time.Time) *StepRecord {
	return &StepRecord{
		ID:            uuid.NewString(),
		Kind:          RecordKind_Step,
		SequenceIndex: seqIndex,
		Name:          name,
		Result:        result,
		CompletedAt:   completedAt,
	}
}

func NewWaitRecord(seqIndex int64, name string, deadline time.Time) *StepRecord {
	return &StepRecord{
		ID:            uuid.NewString(),
		Kind:          RecordKind_Wait,
		SequenceIndex: seqIndex,
		Name:          name,
		Deadline:      deadline,
	}
}
