package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reservehq/holdflow/backend"
	"github.com/reservehq/holdflow/backend/history"
	"github.com/reservehq/holdflow/core"
	"github.com/reservehq/holdflow/reservation"
)

type redisBackend struct {
	rdb     redis.UniversalClient
	options backend.Options
}

var _ backend.Backend = (*redisBackend)(nil)

func NewRedisBackend(client redis.UniversalClient, opts ...backend.BackendOption) backend.Backend {
	return &redisBackend{
		rdb:     client,
		options: backend.ApplyOptions(opts...),
	}
}

func (rb *redisBackend) Options() *backend.Options {
	return &rb.options
}

func (rb *redisBackend) Close() error {
	return rb.rdb.Close()
}

func instanceKey(instanceID string) string {
	return "holdflow:instance:" + instanceID
}

func historyKey(instanceID string) string {
	return "holdflow:history:" + instanceID
}

func reservationKey(reservationID string) string {
	return "holdflow:reservation:" + reservationID
}

// resumeKey is a zset of unresumed wait deadlines, member
// "<instanceID>:<seqIndex>", score deadline in unix nanos.
const resumeKey = "holdflow:resume"

type instanceState struct {
	Instance *core.WorkflowInstance `json:"instance"`
	State    core.InstanceState     `json:"state"`
}

func (rb *redisBackend) CreateInstance(ctx context.Context, instance *core.WorkflowInstance) error {
	data, err := rb.options.Converter.To(&instanceState{
		Instance: instance,
		State:    core.InstanceStateRunning,
	})
	if err != nil {
		return fmt.Errorf("encoding instance: %w", err)
	}

	created, err := rb.rdb.SetNX(ctx, instanceKey(instance.InstanceID), []byte(data), 0).Result()
	if err != nil {
		return fmt.Errorf("creating instance: %w", err)
	}

	if !created {
		return backend.ErrInstanceAlreadyExists
	}

	return nil
}

func (rb *redisBackend) getInstanceState(ctx context.Context, instanceID string) (*instanceState, error) {
	data, err := rb.rdb.Get(ctx, instanceKey(instanceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, backend.ErrInstanceNotFound
		}

		return nil, fmt.Errorf("reading instance: %w", err)
	}

	var is instanceState
	if err := rb.options.Converter.From(data, &is); err != nil {
		return nil, fmt.Errorf("decoding instance: %w", err)
	}

	return &is, nil
}

func (rb *redisBackend) GetInstance(ctx context.Context, instanceID string) (*backend.InstanceInfo, error) {
	is, err := rb.getInstanceState(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	return &backend.InstanceInfo{
		Instance: is.Instance,
		State:    is.State,
	}, nil
}

func (rb *redisBackend) SetInstanceState(ctx context.Context, instanceID string, state core.InstanceState) error {
	is, err := rb.getInstanceState(ctx, instanceID)
	if err != nil {
		return err
	}

	is.State = state

	data, err := rb.options.Converter.To(is)
	if err != nil {
		return fmt.Errorf("encoding instance: %w", err)
	}

	return rb.rdb.Set(ctx, instanceKey(instanceID), []byte(data), 0).Err()
}

func (rb *redisBackend) AppendStepRecord(ctx context.Context, instanceID string, record *history.StepRecord) error {
	if _, err := rb.getInstanceState(ctx, instanceID); err != nil {
		return err
	}

	data, err := rb.options.Converter.To(record)
	if err != nil {
		return fmt.Errorf("encoding step record: %w", err)
	}

	field := strconv.FormatInt(record.SequenceIndex, 10)

	appended, err := rb.rdb.HSetNX(ctx, historyKey(instanceID), field, []byte(data)).Result()
	if err != nil {
		return fmt.Errorf("appending step record: %w", err)
	}

	if !appended {
		return fmt.Errorf("appending record at index %d: %w", record.SequenceIndex, backend.ErrSequenceOccupied)
	}

	if record.Kind == history.RecordKind_Wait && record.ResumedAt == nil {
		member := fmt.Sprintf("%s:%d", instanceID, record.SequenceIndex)
		if err := rb.rdb.ZAdd(ctx, resumeKey, redis.Z{
			Score:  float64(record.Deadline.UnixNano()),
			Member: member,
		}).Err(); err != nil {
			return fmt.Errorf("tracking wait deadline: %w", err)
		}
	}

	return nil
}

func (rb *redisBackend) GetHistory(ctx context.Context, instanceID string) ([]*history.StepRecord, error) {
	if _, err := rb.getInstanceState(ctx, instanceID); err != nil {
		return nil, err
	}

	fields, err := rb.rdb.HGetAll(ctx, historyKey(instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}

	records := make([]*history.StepRecord, 0, len(fields))
	for _, data := range fields {
		var rec history.StepRecord
		if err := rb.options.Converter.From([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decoding step record: %w", err)
		}

		records = append(records, &rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].SequenceIndex < records[j].SequenceIndex
	})

	return records, nil
}

func (rb *redisBackend) MarkWaitResumed(ctx context.Context, instanceID string, seqIndex int64, resumedAt time.Time) error {
	field := strconv.FormatInt(seqIndex, 10)

	data, err := rb.rdb.HGet(ctx, historyKey(instanceID), field).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("no wait record at index %d", seqIndex)
		}

		return fmt.Errorf("reading wait record: %w", err)
	}

	var rec history.StepRecord
	if err := rb.options.Converter.From(data, &rec); err != nil {
		return fmt.Errorf("decoding wait record: %w", err)
	}

	if rec.Kind != history.RecordKind_Wait {
		return fmt.Errorf("no wait record at index %d", seqIndex)
	}

	if rec.ResumedAt == nil {
		rec.ResumedAt = &resumedAt

		updated, err := rb.options.Converter.To(&rec)
		if err != nil {
			return fmt.Errorf("encoding wait record: %w", err)
		}

		if err := rb.rdb.HSet(ctx, historyKey(instanceID), field, []byte(updated)).Err(); err != nil {
			return fmt.Errorf("updating wait record: %w", err)
		}
	}

	member := fmt.Sprintf("%s:%d", instanceID, seqIndex)

	return rb.rdb.ZRem(ctx, resumeKey, member).Err()
}

func (rb *redisBackend) ListSuspendedInstances(ctx context.Context) ([]*backend.SuspendedInstance, error) {
	entries, err := rb.rdb.ZRangeWithScores(ctx, resumeKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing wait deadlines: %w", err)
	}

	earliest := map[string]time.Time{}
	for _, entry := range entries {
		member, ok := entry.Member.(string)
		if !ok {
			continue
		}

		instanceID := member
		if idx := lastColon(member); idx >= 0 {
			instanceID = member[:idx]
		}

		at := time.Unix(0, int64(entry.Score)).UTC()
		if existing, ok := earliest[instanceID]; !ok || at.Before(existing) {
			earliest[instanceID] = at
		}
	}

	var suspended []*backend.SuspendedInstance
	for instanceID, at := range earliest {
		is, err := rb.getInstanceState(ctx, instanceID)
		if err != nil {
			if errors.Is(err, backend.ErrInstanceNotFound) {
				continue
			}

			return nil, err
		}

		if is.State != core.InstanceStateSuspended {
			continue
		}

		suspended = append(suspended, &backend.SuspendedInstance{
			InstanceID: instanceID,
			ResumeAt:   at,
		})
	}

	return suspended, nil
}

func (rb *redisBackend) GetReservation(ctx context.Context, reservationID string) (*reservation.Reservation, error) {
	data, err := rb.rdb.Get(ctx, reservationKey(reservationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, backend.ErrReservationNotFound
		}

		return nil, fmt.Errorf("reading reservation: %w", err)
	}

	var r reservation.Reservation
	if err := rb.options.Converter.From(data, &r); err != nil {
		return nil, fmt.Errorf("decoding reservation: %w", err)
	}

	return &r, nil
}

func (rb *redisBackend) PutReservation(ctx context.Context, r *reservation.Reservation, expectedVersion int64) error {
	key := reservationKey(r.ID)

	next := *r
	next.Version = expectedVersion + 1

	data, err := rb.options.Converter.To(&next)
	if err != nil {
		return fmt.Errorf("encoding reservation: %w", err)
	}

	if expectedVersion == 0 {
		created, err := rb.rdb.SetNX(ctx, key, []byte(data), 0).Result()
		if err != nil {
			return fmt.Errorf("creating reservation: %w", err)
		}

		if !created {
			return backend.ErrConcurrentModification
		}

		return nil
	}

	err = rb.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return backend.ErrReservationNotFound
			}

			return err
		}

		var stored reservation.Reservation
		if err := rb.options.Converter.From(current, &stored); err != nil {
			return fmt.Errorf("decoding reservation: %w", err)
		}

		if stored.Version != expectedVersion {
			return backend.ErrConcurrentModification
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, []byte(data), 0)
			return nil
		})

		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return backend.ErrConcurrentModification
	}

	return err
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}

	return -1
}
