package usecase

import (
	"context"

	"github.com/kavos113/quickctf/ctf-server/domain"
)

type AuthUsecase struct {
	sessionRepo domain.SessionRepository
}

func NewAuthUsecase(sessionRepo domain.SessionRepository) *AuthUsecase {
	return &AuthUsecase{
		sessionRepo: sessionRepo,
	}
}

// Authenticate resolves a bearer token to its session. Expired sessions are
// removed on sight.
func (u *AuthUsecase) Authenticate(ctx context.Context, token string) (*domain.Session, error) {
	if token == "" {
		return nil, domain.ErrSessionNotFound
	}

	session, err := u.sessionRepo.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if session.IsExpired() {
		u.sessionRepo.Delete(ctx, token)
		return nil, domain.ErrSessionExpired
	}

	return session, nil
}
