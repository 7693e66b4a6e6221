package domain

import (
	"context"
	"errors"
	"time"
)

// CTFState is the singleton competition clock row.
type CTFState struct {
	Active                 bool
	EndsAt                 *time.Time
	PausedRemainingSeconds *int64
	StartedByUserID        *int64
	StartedAt              *time.Time
}

var ErrInvalidDuration = errors.New("invalid duration_seconds")

// IsOpen reports whether regular participants may use the platform at now.
func (s *CTFState) IsOpen(now time.Time) bool {
	return s.Active && (s.EndsAt == nil || !s.EndsAt.Before(now))
}

type CTFStatus struct {
	Active                 bool       `json:"active"`
	EndsAt                 *time.Time `json:"ends_at"`
	RemainingSeconds       *int64     `json:"remaining_seconds"`
	PausedRemainingSeconds *int64     `json:"paused_remaining_seconds"`
	StartedBy              *int64     `json:"started_by"`
	StartedAt              *time.Time `json:"started_at"`
}

type CTFStartResult struct {
	Message          string     `json:"message"`
	EndsAt           *time.Time `json:"ends_at"`
	RemainingSeconds *int64     `json:"remaining_seconds"`
}

type CTFStopResult struct {
	Message          string `json:"message"`
	RemainingSeconds *int64 `json:"remaining_seconds"`
}

type CTFStateRepository interface {
	Get(ctx context.Context) (*CTFState, error)
	// ExpireIfDue flips an active state whose ends_at is not after now to
	// inactive with a zero snapshot. It reports whether this call did the flip.
	ExpireIfDue(ctx context.Context, now time.Time) (bool, error)
	// Activate is a no-op returning false when the state is already active.
	Activate(ctx context.Context, endsAt time.Time, startedBy *int64, startedAt time.Time) (bool, error)
	// Pause is a no-op returning false when the state is not active.
	Pause(ctx context.Context, remainingSeconds int64) (bool, error)
}
