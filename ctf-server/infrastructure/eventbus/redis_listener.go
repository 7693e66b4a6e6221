package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kavos113/quickctf/lib/metrics"
)

const (
	defaultEvent      = "ctf_changed"
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 10 * time.Second
)

// RedisListener forwards every message on Channel into the local Bus.
type RedisListener struct {
	client     *redis.Client
	bus        *Bus
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewRedisListener(client *redis.Client, bus *Bus, logger *slog.Logger) *RedisListener {
	return &RedisListener{
		client:     client,
		bus:        bus,
		logger:     logger,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
}

// Run blocks until ctx is cancelled, resubscribing with exponential backoff
// whenever the subscription breaks.
func (l *RedisListener) Run(ctx context.Context) {
	backoff := l.minBackoff

	for {
		subscribed, err := l.listen(ctx)
		if ctx.Err() != nil {
			l.logger.Info("event listener stopped")
			return
		}
		if subscribed {
			backoff = l.minBackoff
		}

		metrics.RecordListenerReconnect()
		l.logger.Warn("event listener disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			l.logger.Info("event listener stopped")
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func (l *RedisListener) listen(ctx context.Context) (bool, error) {
	pubsub := l.client.Subscribe(ctx, Channel)
	defer pubsub.Close()

	// ReceiveMessage ignores cancellation once it is blocked on the socket
	stop := context.AfterFunc(ctx, func() { _ = pubsub.Close() })
	defer stop()

	if _, err := pubsub.Receive(ctx); err != nil {
		return false, fmt.Errorf("failed to subscribe: %w", err)
	}
	l.logger.Info("event listener subscribed", slog.String("channel", Channel))

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return true, err
		}

		var payload Message
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
			l.logger.Warn("dropping malformed event", slog.String("payload", msg.Payload))
			continue
		}
		if payload.Event == "" {
			payload.Event = defaultEvent
		}
		l.bus.Broadcast(payload)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
