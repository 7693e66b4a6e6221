package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFlagStore holds the flag injected into each team's workload so a
// submission can be checked without asking the workload.
type RedisFlagStore struct {
	client *redis.Client
}

func NewRedisFlagStore(client *redis.Client) *RedisFlagStore {
	return &RedisFlagStore{client: client}
}

func (s *RedisFlagStore) SetFlag(ctx context.Context, teamID, challengeID int64, flag string, ttl time.Duration) error {
	if err := s.client.Set(ctx, flagKey(teamID, challengeID), flag, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save flag: %w", err)
	}
	return nil
}

func (s *RedisFlagStore) GetFlag(ctx context.Context, teamID, challengeID int64) (string, error) {
	flag, err := s.client.Get(ctx, flagKey(teamID, challengeID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get flag: %w", err)
	}
	return flag, nil
}

func (s *RedisFlagStore) DeleteFlag(ctx context.Context, teamID, challengeID int64) error {
	if err := s.client.Del(ctx, flagKey(teamID, challengeID)).Err(); err != nil {
		return fmt.Errorf("failed to delete flag: %w", err)
	}
	return nil
}
