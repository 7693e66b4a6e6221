package domain

import (
	"context"
	"errors"
	"time"
)

// Channel is the namespace an access token lives in.
type Channel string

const (
	ChannelHTTP Channel = "http"
	ChannelTCP  Channel = "tcp"
)

var (
	ErrTokenNotFound     = errors.New("access token not found")
	ErrHandshakeRejected = errors.New("handshake rejected")
)

type TokenMapping struct {
	TeamID      int64 `json:"team_id"`
	ChallengeID int64 `json:"challenge_id"`
}

type AccessToken struct {
	Token      string
	Channel    Channel
	ExpiresIn  time.Duration
	TCPHost    string
	TCPPort    int32
	Passphrase string
}

// TCPTarget is returned to the TCP gateway once a handshake succeeds.
type TCPTarget struct {
	TeamID      int64
	ChallengeID int64
	Connection  string
}

type AccessTokenStore interface {
	NewToken() (string, error)
	NewPassphrase() (string, error)
	SetMapping(ctx context.Context, token string, teamID, challengeID int64, ttl time.Duration, channel Channel) error
	GetMapping(ctx context.Context, token string, channel Channel) (*TokenMapping, error)
	SetHandshake(ctx context.Context, token, passphrase string, ttl time.Duration) error
	GetHandshake(ctx context.Context, token string) (string, error)
}
