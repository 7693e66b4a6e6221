package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kavos113/quickctf/ctf-server/domain"
)

// RedisInstanceStore keeps one JSON record per (team, challenge). Every write
// sets the key TTL to expires_at - now, so a lapsed lease deletes itself.
type RedisInstanceStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisInstanceStore(client *redis.Client) *RedisInstanceStore {
	return &RedisInstanceStore{
		client: client,
		now:    time.Now,
	}
}

func (s *RedisInstanceStore) ClaimOrGet(ctx context.Context, teamID, challengeID int64, ttl time.Duration) (bool, *domain.Instance, error) {
	now := s.now().UTC()
	placeholder := &domain.Instance{
		TeamID:      teamID,
		ChallengeID: challengeID,
		Status:      domain.InstanceStatusStarting,
		StartedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	data, err := json.Marshal(placeholder)
	if err != nil {
		return false, nil, fmt.Errorf("failed to marshal instance: %w", err)
	}

	ok, err := s.client.SetNX(ctx, instanceKey(teamID, challengeID), data, ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("failed to claim instance: %w", err)
	}
	if ok {
		return true, placeholder, nil
	}

	existing, err := s.Get(ctx, teamID, challengeID)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		// the holder expired or was deleted between SETNX and GET
		return false, placeholder, nil
	}
	return false, existing, nil
}

func (s *RedisInstanceStore) Get(ctx context.Context, teamID, challengeID int64) (*domain.Instance, error) {
	raw, err := s.client.Get(ctx, instanceKey(teamID, challengeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	var instance domain.Instance
	if err := json.Unmarshal(raw, &instance); err != nil {
		// a record nobody can read is as good as absent
		return nil, nil
	}
	return &instance, nil
}

func (s *RedisInstanceStore) Set(ctx context.Context, teamID, challengeID int64, update domain.InstanceUpdate, ttl time.Duration) (*domain.Instance, error) {
	existing, err := s.Get(ctx, teamID, challengeID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	connection := update.Connection
	existing.Connection = &connection
	existing.Status = domain.InstanceStatusRunning
	if update.Protocol != "" {
		existing.Protocol = update.Protocol
	}
	if update.TCPHost != "" {
		existing.TCPHost = update.TCPHost
	}
	if update.TCPPort != 0 {
		existing.TCPPort = update.TCPPort
	}
	if update.Passphrase != "" {
		existing.Passphrase = update.Passphrase
	}
	existing.ExpiresAt = s.now().UTC().Add(ttl)

	if err := s.write(ctx, existing, ttl); err != nil {
		return nil, err
	}
	return existing, nil
}

func (s *RedisInstanceStore) ForceSet(ctx context.Context, instance *domain.Instance, ttl time.Duration) error {
	return s.write(ctx, instance, ttl)
}

func (s *RedisInstanceStore) Delete(ctx context.Context, teamID, challengeID int64) error {
	if err := s.client.Del(ctx, instanceKey(teamID, challengeID)).Err(); err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	return nil
}

func (s *RedisInstanceStore) UpdateExpiry(ctx context.Context, teamID, challengeID int64, ttl time.Duration) (*domain.Instance, error) {
	existing, err := s.Get(ctx, teamID, challengeID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	existing.ExpiresAt = s.now().UTC().Add(ttl)
	if err := s.write(ctx, existing, ttl); err != nil {
		return nil, err
	}
	return existing, nil
}

func (s *RedisInstanceStore) write(ctx context.Context, instance *domain.Instance, ttl time.Duration) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	if err := s.client.Set(ctx, instanceKey(instance.TeamID, instance.ChallengeID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}
