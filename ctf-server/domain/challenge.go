package domain

import (
	"context"
	"errors"
)

// Challenge is the slice of the catalog entry needed to deploy an instance.
type Challenge struct {
	ChallengeID int64
	Name        string
	Image       string
	Port        int32
	Protocol    Protocol
	Deployable  bool
}

var ErrChallengeNotFound = errors.New("challenge not found")

type ChallengeRepository interface {
	FindByID(ctx context.Context, challengeID int64) (*Challenge, error)
}
