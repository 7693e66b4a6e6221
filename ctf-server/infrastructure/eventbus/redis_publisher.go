package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Channel is the pub/sub channel shared by all server processes.
const Channel = "ctf:sse"

type envelope struct {
	Event  string `json:"event"`
	Data   any    `json:"data"`
	Origin string `json:"origin,omitempty"`
}

type RedisPublisher struct {
	client *redis.Client
	origin string
}

// NewRedisPublisher stamps every message with origin, the publishing
// process's worker id.
func NewRedisPublisher(client *redis.Client, origin string) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		origin: origin,
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, event string, data any) error {
	payload, err := json.Marshal(envelope{Event: event, Data: data, Origin: p.origin})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, Channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
