package domain

import "context"

const EventCTFChanged = "ctf_changed"

// EventPublisher fans a notification out to every server process.
type EventPublisher interface {
	Publish(ctx context.Context, event string, data any) error
}
