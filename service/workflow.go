package service

import (
	"context"
	"time"

	"github.com/reservehq/holdflow/engine"
	"github.com/reservehq/holdflow/reservation"
)

type holdInput struct {
	SeatID  string        `json:"seat_id"`
	UserID  string        `json:"user_id,omitempty"`
	HoldFor time.Duration `json:"hold_for"`
}

// holdWorkflow is the reservation-hold workflow body: create the hold,
// suspend across the hold window, then finalize. Replayed from the top on
// every invocation; both steps run exactly once per instance.
func (s *Service) holdWorkflow(run *engine.Run) error {
	input, err := engine.Input[holdInput](run)
	if err != nil {
		return err
	}

	held, err := engine.Step(run, "create-hold", func(ctx context.Context) (*reservation.Reservation, error) {
		r := reservation.NewHold(run.InstanceID(), input.SeatID, input.UserID, run.Now(), input.HoldFor)

		if err := s.backend.PutReservation(ctx, r, 0); err != nil {
			return nil, err
		}

		s.cache.Delete(r.ID)

		return r, nil
	})
	if err != nil {
		return err
	}

	if err := run.Wait("hold-window", held.ExpiresAt.Sub(held.CreatedAt)); err != nil {
		return err
	}

	// The confirm path may have won the race already; Finalize never
	// overrides a confirmation.
	_, err = engine.Step(run, "finalize", func(ctx context.Context) (*reservation.Reservation, error) {
		return s.transition(ctx, run.InstanceID(), reservation.Finalize)
	})

	return err
}
