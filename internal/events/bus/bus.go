// Package bus carries wake notifications between the job queue, the
// dispatcher, and the project event poller. Notifications are advisory:
// durable state lives in the store, so a dropped message only costs latency
// until the next poll tick.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a bus notification. Data carries a small identifying payload; it
// is never the source of truth for the referenced entity.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent builds an Event with a fresh ID and the current time.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler receives a delivered event. Returned errors are logged by the
// bus implementation and never propagate to the publisher.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// EventBus is implemented by the in-process bus and the NATS bus.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
}
