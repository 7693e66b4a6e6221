package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/kavos113/quickctf/ctf-server/domain"
)

type CTFClockUsecase struct {
	repo      domain.CTFStateRepository
	publisher domain.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewCTFClockUsecase(repo domain.CTFStateRepository, publisher domain.EventPublisher, logger *slog.Logger) *CTFClockUsecase {
	return &CTFClockUsecase{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Status reports the clock and ends the CTF lazily once ends_at has passed.
// Only the process whose update flips the row announces the end.
func (u *CTFClockUsecase) Status(ctx context.Context) (*domain.CTFStatus, error) {
	now := u.now().UTC()

	ended, err := u.repo.ExpireIfDue(ctx, now)
	if err != nil {
		return nil, err
	}
	if ended {
		u.publish(ctx, "ended")
	}

	state, err := u.repo.Get(ctx)
	if err != nil {
		return nil, err
	}

	status := &domain.CTFStatus{
		Active:    state.Active,
		StartedBy: state.StartedByUserID,
		StartedAt: state.StartedAt,
	}
	if state.Active {
		status.EndsAt = state.EndsAt
		status.PausedRemainingSeconds = state.PausedRemainingSeconds
		if state.EndsAt != nil {
			remaining := secondsLeft(*state.EndsAt, now)
			status.RemainingSeconds = &remaining
		}
		return status, nil
	}

	if state.PausedRemainingSeconds != nil {
		paused := max(0, *state.PausedRemainingSeconds)
		status.RemainingSeconds = &paused
		status.PausedRemainingSeconds = &paused
	}
	return status, nil
}

// Start resumes a paused clock or starts a fresh one lasting duration.
// Starting a running clock changes nothing.
func (u *CTFClockUsecase) Start(ctx context.Context, adminID int64, duration time.Duration) (*domain.CTFStartResult, error) {
	now := u.now().UTC()

	state, err := u.repo.Get(ctx)
	if err != nil {
		return nil, err
	}
	if state.Active {
		return u.alreadyRunning(state, now), nil
	}

	message := "CTF started"
	startedAt := now
	if state.PausedRemainingSeconds != nil && *state.PausedRemainingSeconds > 0 {
		message = "CTF resumed"
		duration = time.Duration(*state.PausedRemainingSeconds) * time.Second
		if state.StartedAt != nil {
			startedAt = *state.StartedAt
		}
	} else if duration < time.Second {
		return nil, domain.ErrInvalidDuration
	}

	endsAt := now.Add(duration)
	activated, err := u.repo.Activate(ctx, endsAt, &adminID, startedAt)
	if err != nil {
		return nil, err
	}
	if !activated {
		// lost the race against another admin
		state, err := u.repo.Get(ctx)
		if err != nil {
			return nil, err
		}
		return u.alreadyRunning(state, now), nil
	}

	u.logger.Info("ctf clock started",
		slog.String("message", message),
		slog.Int64("admin_id", adminID),
		slog.Time("ends_at", endsAt),
	)
	u.publish(ctx, "start")

	remaining := int64(duration / time.Second)
	return &domain.CTFStartResult{
		Message:          message,
		EndsAt:           &endsAt,
		RemainingSeconds: &remaining,
	}, nil
}

// Stop pauses the clock and keeps the remaining time for a later Start.
func (u *CTFClockUsecase) Stop(ctx context.Context) (*domain.CTFStopResult, error) {
	now := u.now().UTC()

	state, err := u.repo.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !state.Active {
		return &domain.CTFStopResult{Message: "CTF already paused", RemainingSeconds: state.PausedRemainingSeconds}, nil
	}

	var remaining int64
	if state.EndsAt != nil {
		remaining = secondsLeft(*state.EndsAt, now)
	}

	paused, err := u.repo.Pause(ctx, remaining)
	if err != nil {
		return nil, err
	}
	if !paused {
		state, err := u.repo.Get(ctx)
		if err != nil {
			return nil, err
		}
		return &domain.CTFStopResult{Message: "CTF already paused", RemainingSeconds: state.PausedRemainingSeconds}, nil
	}

	u.logger.Info("ctf clock paused", slog.Int64("remaining_seconds", remaining))
	u.publish(ctx, "stop")

	return &domain.CTFStopResult{Message: "CTF paused", RemainingSeconds: &remaining}, nil
}

// State returns the stored clock and whether regular participants may
// currently use the platform. It never writes.
func (u *CTFClockUsecase) State(ctx context.Context) (*domain.CTFState, bool, error) {
	state, err := u.repo.Get(ctx)
	if err != nil {
		return nil, false, err
	}
	return state, state.IsOpen(u.now().UTC()), nil
}

func (u *CTFClockUsecase) alreadyRunning(state *domain.CTFState, now time.Time) *domain.CTFStartResult {
	result := &domain.CTFStartResult{
		Message: "CTF already running",
		EndsAt:  state.EndsAt,
	}
	if state.EndsAt != nil {
		remaining := secondsLeft(*state.EndsAt, now)
		result.RemainingSeconds = &remaining
	}
	return result
}

func (u *CTFClockUsecase) publish(ctx context.Context, action string) {
	if err := u.publisher.Publish(ctx, domain.EventCTFChanged, map[string]string{"action": action}); err != nil {
		u.logger.Warn("failed to publish ctf event",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

func secondsLeft(endsAt, now time.Time) int64 {
	return max(0, int64(endsAt.Sub(now)/time.Second))
}

func (u *CTFClockUsecase) IsOpen(ctx context.Context) (bool, error) {
	_, open, err := u.State(ctx)
	return open, err
}
