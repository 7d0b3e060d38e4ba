// Package service wires the durable step engine, a backend and a resume
// scheduler into the reservation-hold facade exposed to hosting layers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reservehq/holdflow/backend"
	"github.com/reservehq/holdflow/core"
	"github.com/reservehq/holdflow/engine"
	"github.com/reservehq/holdflow/internal/log"
	"github.com/reservehq/holdflow/reservation"
	"github.com/reservehq/holdflow/scheduler"
)

// WorkflowName is the registered name of the reservation-hold workflow.
const WorkflowName = "reservation-hold"

type Options struct {
	// HoldDuration is how long a new hold stays reservable before it
	// expires.
	HoldDuration time.Duration

	// CASRetries bounds how often a conflicting reservation write is
	// retried before the conflict is surfaced.
	CASRetries uint64

	// CASRetryInterval is the initial backoff interval between retries.
	CASRetryInterval time.Duration

	// StatusCacheTTL bounds how long a reservation read may be served from
	// cache. Writes invalidate eagerly; the TTL only caps staleness for
	// writes this process did not see.
	StatusCacheTTL time.Duration
}

var DefaultOptions = Options{
	HoldDuration:     15 * time.Minute,
	CASRetries:       3,
	CASRetryInterval: 10 * time.Millisecond,
	StatusCacheTTL:   2 * time.Second,
}

type Option func(*Options)

func WithHoldDuration(d time.Duration) Option {
	return func(o *Options) {
		o.HoldDuration = d
	}
}

func WithCASRetries(n uint64) Option {
	return func(o *Options) {
		o.CASRetries = n
	}
}

func WithStatusCacheTTL(d time.Duration) Option {
	return func(o *Options) {
		o.StatusCacheTTL = d
	}
}

type Service struct {
	backend   backend.Backend
	engine    *engine.Engine
	scheduler scheduler.Scheduler

	clock  clock.Clock
	logger *slog.Logger
	tracer trace.Tracer

	cache *ttlcache.Cache[string, *reservation.Reservation]
	locks *instanceLocks

	options Options
}

func New(b backend.Backend, opts ...Option) (*Service, error) {
	options := DefaultOptions
	for _, opt := range opts {
		opt(&options)
	}

	bo := b.Options()

	s := &Service{
		backend: b,
		clock:   bo.Clock,
		logger:  bo.Logger,
		tracer:  bo.TracerProvider.Tracer(backend.TracerName),
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *reservation.Reservation](options.StatusCacheTTL),
		),
		locks:   newInstanceLocks(),
		options: options,
	}

	registry := engine.NewRegistry()
	if err := registry.RegisterWorkflow(WorkflowName, s.holdWorkflow); err != nil {
		return nil, err
	}

	s.engine = engine.New(b, registry)
	s.scheduler = scheduler.New(bo.Clock, bo.Logger, func(ctx context.Context, instanceID string) {
		if err := s.ResumeInvocation(ctx, instanceID); err != nil {
			s.logger.Error("resuming instance", log.InstanceIDKey, instanceID, "error", err)
		}
	})

	return s, nil
}

// StartHold starts a new reservation-hold workflow instance and returns its
// instance ID, which doubles as the reservation ID.
func (s *Service) StartHold(ctx context.Context, seatID, userID string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "StartHold", trace.WithAttributes(
		attribute.String(log.SeatIDKey, seatID),
	))
	defer span.End()

	input, err := s.backend.Options().Converter.To(&holdInput{
		SeatID:  seatID,
		UserID:  userID,
		HoldFor: s.options.HoldDuration,
	})
	if err != nil {
		return "", fmt.Errorf("encoding hold input: %w", err)
	}

	instanceID := uuid.NewString()
	instance := core.NewWorkflowInstance(instanceID, WorkflowName, input, s.clock.Now())

	if err := s.backend.CreateInstance(ctx, instance); err != nil {
		return "", fmt.Errorf("creating workflow instance: %w", err)
	}

	s.logger.Debug("created hold instance",
		log.InstanceIDKey, instanceID,
		log.SeatIDKey, seatID,
	)

	if err := s.ResumeInvocation(ctx, instanceID); err != nil {
		return "", err
	}

	return instanceID, nil
}

// Confirm confirms a held reservation. A confirm arriving after the hold
// window expires the reservation instead; a reservation that already
// expired fails with reservation.ErrAlreadyExpired.
func (s *Service) Confirm(ctx context.Context, reservationID string) (*reservation.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "ConfirmReservation", trace.WithAttributes(
		attribute.String(log.ReservationIDKey, reservationID),
	))
	defer span.End()

	return s.transition(ctx, reservationID, reservation.Confirm)
}

// Get returns the reservation with the given ID. Reads may be served from a
// short-lived cache that every local write invalidates.
func (s *Service) Get(ctx context.Context, reservationID string) (*reservation.Reservation, error) {
	if item := s.cache.Get(reservationID); item != nil {
		return item.Value(), nil
	}

	r, err := s.backend.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	s.cache.Set(reservationID, r, ttlcache.DefaultTTL)

	return r, nil
}

// GetInstance returns the workflow instance state for the given ID.
func (s *Service) GetInstance(ctx context.Context, instanceID string) (*backend.InstanceInfo, error) {
	return s.backend.GetInstance(ctx, instanceID)
}

// ResumeInvocation re-enters the workflow engine for the given instance. It
// is called by the scheduler's timer callback and on the start trigger.
// Invocations of the same instance are serialized.
func (s *Service) ResumeInvocation(ctx context.Context, instanceID string) error {
	unlock := s.locks.lock(instanceID)
	defer unlock()

	result, err := s.engine.Execute(ctx, instanceID)
	if err != nil {
		return err
	}

	if result.Suspended {
		s.scheduler.ScheduleResume(instanceID, result.ResumeAt)
	}

	return nil
}

// RecoverSuspended re-arms resume timers for every instance that was parked
// in a wait when the previous process stopped. Call once on startup.
// Past-due instances resume immediately.
func (s *Service) RecoverSuspended(ctx context.Context) error {
	suspended, err := s.backend.ListSuspendedInstances(ctx)
	if err != nil {
		return fmt.Errorf("listing suspended instances: %w", err)
	}

	for _, si := range suspended {
		s.logger.Debug("recovering suspended instance",
			log.InstanceIDKey, si.InstanceID,
			log.AtKey, si.ResumeAt,
		)
		s.scheduler.ScheduleResume(si.InstanceID, si.ResumeAt)
	}

	return nil
}

func (s *Service) Close() {
	s.scheduler.Close()
	s.cache.DeleteAll()
}

// transition applies a state-machine transition to the stored reservation
// with a compare-and-set write. Conflicting writes are retried under a
// bounded backoff; both transitions are idempotent for terminal states, so
// a single retry normally resolves a race.
func (s *Service) transition(
	ctx context.Context,
	reservationID string,
	apply func(*reservation.Reservation, time.Time) (*reservation.Reservation, error),
) (*reservation.Reservation, error) {
	var result *reservation.Reservation

	op := func() error {
		current, err := s.backend.GetReservation(ctx, reservationID)
		if err != nil {
			return backoff.Permanent(err)
		}

		next, err := apply(current, s.clock.Now())
		if err != nil {
			return backoff.Permanent(err)
		}

		if next == current {
			// Idempotent no-op, nothing to write.
			result = current
			return nil
		}

		if err := s.backend.PutReservation(ctx, next, current.Version); err != nil {
			if errors.Is(err, backend.ErrConcurrentModification) {
				return err
			}
			return backoff.Permanent(err)
		}

		next.Version = current.Version + 1
		result = next

		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.options.CASRetryInterval

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, s.options.CASRetries), ctx))

	s.cache.Delete(reservationID)

	if err != nil {
		if errors.Is(err, backend.ErrConcurrentModification) {
			return nil, fmt.Errorf("reservation %s: retries exhausted: %w", reservationID, err)
		}
		return nil, err
	}

	s.logger.Debug("reservation transition applied",
		log.ReservationIDKey, reservationID,
		log.StatusKey, string(result.Status),
	)

	return result, nil
}
