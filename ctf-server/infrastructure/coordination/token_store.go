package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kavos113/quickctf/ctf-server/domain"
	"github.com/kavos113/quickctf/lib/secret"
)

const (
	tokenBytes       = 18
	passphraseLength = 16
)

// RedisTokenStore maps opaque access tokens to (team, challenge). http and tcp
// tokens live under separate prefixes and never resolve across them.
type RedisTokenStore struct {
	client *redis.Client
}

func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

func (s *RedisTokenStore) NewToken() (string, error) {
	return secret.Token(tokenBytes)
}

func (s *RedisTokenStore) NewPassphrase() (string, error) {
	return secret.Passphrase(passphraseLength)
}

func (s *RedisTokenStore) SetMapping(ctx context.Context, token string, teamID, challengeID int64, ttl time.Duration, channel domain.Channel) error {
	data, err := json.Marshal(domain.TokenMapping{TeamID: teamID, ChallengeID: challengeID})
	if err != nil {
		return fmt.Errorf("failed to marshal token mapping: %w", err)
	}

	key, err := tokenKey(token, channel)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save token mapping: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) GetMapping(ctx context.Context, token string, channel domain.Channel) (*domain.TokenMapping, error) {
	key, err := tokenKey(token, channel)
	if err != nil {
		return nil, err
	}

	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token mapping: %w", err)
	}

	var mapping domain.TokenMapping
	if err := json.Unmarshal(raw, &mapping); err != nil {
		return nil, nil
	}
	return &mapping, nil
}

func (s *RedisTokenStore) SetHandshake(ctx context.Context, token, passphrase string, ttl time.Duration) error {
	if err := s.client.Set(ctx, handshakeKey(token), passphrase, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save handshake: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) GetHandshake(ctx context.Context, token string) (string, error) {
	passphrase, err := s.client.Get(ctx, handshakeKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get handshake: %w", err)
	}
	return passphrase, nil
}

func tokenKey(token string, channel domain.Channel) (string, error) {
	switch channel {
	case domain.ChannelHTTP:
		return httpTokenKey(token), nil
	case domain.ChannelTCP:
		return tcpTokenKey(token), nil
	default:
		return "", fmt.Errorf("unknown token channel %q", channel)
	}
}
