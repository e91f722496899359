package bus

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/discobot/discobot/internal/common/logger"
)

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("event bus is closed")

// MemoryEventBus is the in-process bus used when no NATS URL is configured.
// Subjects match exactly; handlers run inline on the publishing goroutine.
// All production handlers are non-blocking channel sends, so inline delivery
// keeps ordering deterministic without a dispatch goroutine per subscriber.
type MemoryEventBus struct {
	mu     sync.Mutex
	closed bool
	nextID uint64
	subs   map[string]map[uint64]EventHandler
	logger *logger.Logger
}

// NewMemoryEventBus creates an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[string]map[uint64]EventHandler),
		logger: log.WithFields(zap.String("component", "bus.memory")),
	}
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	id      uint64
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if handlers, ok := s.bus.subs[s.subject]; ok {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.bus.subs, s.subject)
		}
	}
	return nil
}

// Subscribe registers a handler for one exact subject.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[uint64]EventHandler)
	}
	b.nextID++
	id := b.nextID
	b.subs[subject][id] = handler
	return &memorySubscription{bus: b, subject: subject, id: id}, nil
}

// Publish delivers the event to every current subscriber of the subject.
// Handler errors are logged and do not fail the publish.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	handlers := make([]EventHandler, 0, len(b.subs[subject]))
	for _, h := range b.subs[subject] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			b.logger.Warn("event handler failed",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Close drops all subscriptions. Subsequent Publish and Subscribe calls
// return ErrBusClosed.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[uint64]EventHandler)
}
