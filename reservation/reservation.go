package reservation

import (
	"errors"
	"fmt"
	"time"
)

var ErrAlreadyExpired = errors.New("reservation already expired")

type Status string

const (
	StatusHeld      Status = "held"
	StatusConfirmed Status = "confirmed"
	StatusExpired   Status = "expired"
)

// Reservation is the shared record mutated by both the workflow's finalize
// step and the out-of-band confirm operation. All writes go through the
// transition functions in this package and are persisted with a
// compare-and-set on Version.
type Reservation struct {
	ID     string `json:"id"`
	SeatID string `json:"seat_id"`
	UserID string `json:"user_id,omitempty"`

	Status Status `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	ExpiredAt   *time.Time `json:"expired_at,omitempty"`

	// Version is the optimistic concurrency token. It is incremented by the
	// store on every successful write, never by callers.
	Version int64 `json:"version"`
}

// Terminal reports whether no further transition can change the status.
func (r *Reservation) Terminal() bool {
	return r.Status == StatusConfirmed || r.Status == StatusExpired
}

// NewHold creates a reservation in the held state.
func NewHold(id, seatID, userID string, now time.Time, holdFor time.Duration) *Reservation {
	return &Reservation{
		ID:        id,
		SeatID:    seatID,
		UserID:    userID,
		Status:    StatusHeld,
		CreatedAt: now,
		ExpiresAt: now.Add(holdFor),
	}
}

// Confirm applies the confirm transition and returns the updated copy.
//
// A confirm arriving after the hold expired does not confirm: if the record
// is still held but past its deadline the reservation expires instead. A
// reservation that already expired fails with ErrAlreadyExpired. Confirming
// an already confirmed reservation is a no-op.
func Confirm(current *Reservation, now time.Time) (*Reservation, error) {
	switch current.Status {
	case StatusConfirmed:
		return current, nil

	case StatusExpired:
		return nil, ErrAlreadyExpired

	case StatusHeld:
		r := *current
		if now.After(current.ExpiresAt) {
			r.Status = StatusExpired
			r.ExpiredAt = &now
		} else {
			r.Status = StatusConfirmed
			r.ConfirmedAt = &now
		}
		return &r, nil

	default:
		return nil, fmt.Errorf("invalid reservation status %q", current.Status)
	}
}

// Finalize applies the end-of-hold transition and returns the updated copy.
// It expires a reservation that is still held and never overrides a
// confirmation. Finalizing a terminal reservation is a no-op.
func Finalize(current *Reservation, now time.Time) (*Reservation, error) {
	switch current.Status {
	case StatusConfirmed, StatusExpired:
		return current, nil

	case StatusHeld:
		r := *current
		r.Status = StatusExpired
		r.ExpiredAt = &now
		return &r, nil

	default:
		return nil, fmt.Errorf("invalid reservation status %q", current.Status)
	}
}
