package domain

import (
	"context"
	"errors"
	"time"
)

type Session struct {
	SessionID string
	UserID    int64
	TeamID    *int64
	Token     string
	IsAdmin   bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrNoTeam          = errors.New("user is not a member of any team")
)

func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// Team returns the caller's team id or ErrNoTeam.
func (s *Session) Team() (int64, error) {
	if s.TeamID == nil {
		return 0, ErrNoTeam
	}
	return *s.TeamID, nil
}

type SessionRepository interface {
	FindByToken(ctx context.Context, token string) (*Session, error)
	Delete(ctx context.Context, token string) error
}
