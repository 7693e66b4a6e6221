// Package eventbus fans state-change notifications out to every event-stream
// client. Each process keeps a local Bus of bounded client queues; a single
// RedisListener per process bridges the shared pub/sub channel into it.
package eventbus

import (
	"encoding/json"
	"sync"

	"github.com/kavos113/quickctf/lib/metrics"
)

const DefaultQueueSize = 100

type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type Bus struct {
	mu          sync.Mutex
	subscribers map[chan Message]struct{}
	queueSize   int
}

func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subscribers: make(map[chan Message]struct{}),
		queueSize:   queueSize,
	}
}

func (b *Bus) Subscribe() chan Message {
	ch := make(chan Message, b.queueSize)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	metrics.SSESubscriberAdded()
	return ch
}

// Unsubscribe removes and closes ch. Calling it twice is harmless.
func (b *Bus) Unsubscribe(ch chan Message) {
	b.mu.Lock()
	_, ok := b.subscribers[ch]
	if ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()

	if ok {
		metrics.SSESubscriberRemoved()
	}
}

// Broadcast never blocks: a client whose queue is full misses the message.
func (b *Bus) Broadcast(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
			metrics.RecordSSEDropped()
		}
	}
}

func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
