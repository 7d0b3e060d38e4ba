package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/reservehq/holdflow/backend"
	"github.com/reservehq/holdflow/backend/history"
	"github.com/reservehq/holdflow/core"
	"github.com/reservehq/holdflow/reservation"
)

// memoryBackend is the reference Backend implementation. All state lives in
// process memory; it is intended for tests and single-process demos.
type memoryBackend struct {
	mu sync.Mutex

	instances    map[string]*instanceData
	reservations map[string]*reservation.Reservation

	options backend.Options
}

type instanceData struct {
	instance *core.WorkflowInstance
	state    core.InstanceState
	records  map[int64]*history.StepRecord
}

var _ backend.Backend = (*memoryBackend)(nil)

func NewMemoryBackend(opts ...backend.BackendOption) backend.Backend {
	return &memoryBackend{
		instances:    map[string]*instanceData{},
		reservations: map[string]*reservation.Reservation{},
		options:      backend.ApplyOptions(opts...),
	}
}

func (mb *memoryBackend) CreateInstance(ctx context.Context, instance *core.WorkflowInstance) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if _, ok := mb.instances[instance.InstanceID]; ok {
		return backend.ErrInstanceAlreadyExists
	}

	mb.instances[instance.InstanceID] = &instanceData{
		instance: instance,
		state:    core.InstanceStateRunning,
		records:  map[int64]*history.StepRecord{},
	}

	return nil
}

func (mb *memoryBackend) GetInstance(ctx context.Context, instanceID string) (*backend.InstanceInfo, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	d, ok := mb.instances[instanceID]
	if !ok {
		return nil, backend.ErrInstanceNotFound
	}

	return &backend.InstanceInfo{
		Instance: d.instance,
		State:    d.state,
	}, nil
}

func (mb *memoryBackend) SetInstanceState(ctx context.Context, instanceID string, state core.InstanceState) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	d, ok := mb.instances[instanceID]
	if !ok {
		return backend.ErrInstanceNotFound
	}

	d.state = state

	return nil
}

func (mb *memoryBackend) AppendStepRecord(ctx context.Context, instanceID string, record *history.StepRecord) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	d, ok := mb.instances[instanceID]
	if !ok {
		return backend.ErrInstanceNotFound
	}

	if _, ok := d.records[record.SequenceIndex]; ok {
		return fmt.Errorf("appending record at index %d: %w", record.SequenceIndex, backend.ErrSequenceOccupied)
	}

	r := *record
	d.records[record.SequenceIndex] = &r

	return nil
}

func (mb *memoryBackend) GetHistory(ctx context.Context, instanceID string) ([]*history.StepRecord, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	d, ok := mb.instances[instanceID]
	if !ok {
		return nil, backend.ErrInstanceNotFound
	}

	records := make([]*history.StepRecord, 0, len(d.records))
	for _, r := range d.records {
		c := *r
		records = append(records, &c)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].SequenceIndex < records[j].SequenceIndex
	})

	return records, nil
}

func (mb *memoryBackend) MarkWaitResumed(ctx context.Context, instanceID string, seqIndex int64, resumedAt time.Time) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	d, ok := mb.instances[instanceID]
	if !ok {
		return backend.ErrInstanceNotFound
	}

	r, ok := d.records[seqIndex]
	if !ok || r.Kind != history.RecordKind_Wait {
		return fmt.Errorf("no wait record at index %d", seqIndex)
	}

	if r.ResumedAt == nil {
		t := resumedAt
		r.ResumedAt = &t
	}

	return nil
}

func (mb *memoryBackend) ListSuspendedInstances(ctx context.Context) ([]*backend.SuspendedInstance, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	var suspended []*backend.SuspendedInstance

	for id, d := range mb.instances {
		if d.state != core.InstanceStateSuspended {
			continue
		}

		for _, r := range d.records {
			if r.Kind == history.RecordKind_Wait && r.ResumedAt == nil {
				suspended = append(suspended, &backend.SuspendedInstance{
					InstanceID: id,
					ResumeAt:   r.Deadline,
				})
				break
			}
		}
	}

	return suspended, nil
}

func (mb *memoryBackend) GetReservation(ctx context.Context, reservationID string) (*reservation.Reservation, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	r, ok := mb.reservations[reservationID]
	if !ok {
		return nil, backend.ErrReservationNotFound
	}

	c := *r

	return &c, nil
}

func (mb *memoryBackend) PutReservation(ctx context.Context, r *reservation.Reservation, expectedVersion int64) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	existing, ok := mb.reservations[r.ID]

	if expectedVersion == 0 {
		if ok {
			return backend.ErrConcurrentModification
		}
	} else {
		if !ok {
			return backend.ErrReservationNotFound
		}

		if existing.Version != expectedVersion {
			return backend.ErrConcurrentModification
		}
	}

	c := *r
	c.Version = expectedVersion + 1
	mb.reservations[r.ID] = &c

	return nil
}

func (mb *memoryBackend) Options() *backend.Options {
	return &mb.options
}

func (mb *memoryBackend) Close() error {
	return nil
}
