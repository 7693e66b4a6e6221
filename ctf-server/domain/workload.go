package domain

import (
	"context"
	"time"
)

type SpawnRequest struct {
	TeamID      int64
	ChallengeID int64
	Image       string
	Port        int32
	TTL         time.Duration
	Protocol    Protocol
}

// Workload describes how to reach a freshly spawned instance.
type Workload struct {
	Protocol   Protocol
	Connection string
	TCPHost    string
	TCPPort    int32
	Passphrase string
}

// Orchestrator creates and destroys the container plus network endpoint pair
// backing an instance. Names are derived from (team, challenge) only.
type Orchestrator interface {
	SpawnInstance(ctx context.Context, req SpawnRequest) (*Workload, error)
	TerminateInstance(ctx context.Context, teamID, challengeID int64) error
	PodName(teamID, challengeID int64) string
	InternalAddress(teamID, challengeID int64, port int32) string
}
