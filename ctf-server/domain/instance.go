package domain

import (
	"context"
	"errors"
	"time"
)

// Instance is the ledger record for one team's running copy of a challenge.
// The JSON layout is shared by every server process reading the ledger.
type Instance struct {
	TeamID      int64          `json:"team_id"`
	ChallengeID int64          `json:"challenge_id"`
	Status      InstanceStatus `json:"status"`
	Connection  *string        `json:"connection"`
	Protocol    Protocol       `json:"protocol,omitempty"`
	TCPHost     string         `json:"tcp_host,omitempty"`
	TCPPort     int32          `json:"tcp_port,omitempty"`
	Passphrase  string         `json:"passphrase,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

type InstanceStatus string

const (
	InstanceStatusStarting InstanceStatus = "starting"
	InstanceStatusRunning  InstanceStatus = "running"
)

type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolTCP  Protocol = "tcp"
)

var (
	ErrInstanceNotFound       = errors.New("instance not found")
	ErrInstanceNotRunning     = errors.New("instance is not running")
	ErrCapacityExhausted      = errors.New("no instance capacity available")
	ErrExtendNotAllowed       = errors.New("instance cannot be extended yet")
	ErrProvisionFailed        = errors.New("failed to provision instance")
	ErrOperationFailed        = errors.New("failed to operate instance")
	ErrWorkloadConflict       = errors.New("workload already exists")
	ErrChallengeNotDeployable = errors.New("challenge is not deployable")
)

// RemainingSeconds never goes below zero.
func (i *Instance) RemainingSeconds(now time.Time) int64 {
	left := int64(i.ExpiresAt.Sub(now) / time.Second)
	if left < 0 {
		return 0
	}
	return left
}

func (i *Instance) IsRunning() bool {
	return i.Status == InstanceStatusRunning && i.Connection != nil
}

// InstanceUpdate carries the connection details written once a workload is up.
type InstanceUpdate struct {
	Connection string
	Protocol   Protocol
	TCPHost    string
	TCPPort    int32
	Passphrase string
}

// InstanceStore is the per-(team, challenge) lifecycle ledger.
type InstanceStore interface {
	ClaimOrGet(ctx context.Context, teamID, challengeID int64, ttl time.Duration) (bool, *Instance, error)
	Get(ctx context.Context, teamID, challengeID int64) (*Instance, error)
	Set(ctx context.Context, teamID, challengeID int64, update InstanceUpdate, ttl time.Duration) (*Instance, error)
	ForceSet(ctx context.Context, instance *Instance, ttl time.Duration) error
	Delete(ctx context.Context, teamID, challengeID int64) error
	UpdateExpiry(ctx context.Context, teamID, challengeID int64, ttl time.Duration) (*Instance, error)
}

// SlotAcquisition is the outcome of InstanceLimiter.TryAcquire.
type SlotAcquisition int

const (
	SlotDenied SlotAcquisition = iota
	// SlotReserved means this call created the slot.
	SlotReserved
	// SlotHeld means the slot already existed and its expiry was refreshed.
	SlotHeld
)

func (a SlotAcquisition) Granted() bool {
	return a == SlotReserved || a == SlotHeld
}

// InstanceLimiter caps the number of concurrently active instances platform-wide.
type InstanceLimiter interface {
	TryAcquire(ctx context.Context, teamID, challengeID int64, ttl time.Duration, limit int) (SlotAcquisition, error)
	Release(ctx context.Context, teamID, challengeID int64) error
	Extend(ctx context.Context, teamID, challengeID int64, ttl time.Duration) (bool, error)
	ActiveCount(ctx context.Context) (int64, error)
}

// FlagStore keeps the per-spawn secret injected into a workload.
type FlagStore interface {
	SetFlag(ctx context.Context, teamID, challengeID int64, flag string, ttl time.Duration) error
	GetFlag(ctx context.Context, teamID, challengeID int64) (string, error)
	DeleteFlag(ctx context.Context, teamID, challengeID int64) error
}
