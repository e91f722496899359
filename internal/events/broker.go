package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/discobot/discobot/internal/common/logger"
	"github.com/discobot/discobot/internal/events/bus"
	"github.com/discobot/discobot/internal/metrics"
	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/store"
)

// DefaultSubscriberBuffer is the per-subscriber channel depth when the
// configuration does not set one.
const DefaultSubscriberBuffer = 128

// Broker distributes persisted project events to in-process subscribers.
// Publish writes through the store so the database sequence stays the single
// source of ordering; delivery to subscribers happens when the poller reads
// the rows back. A subscriber that falls behind loses its oldest buffered
// events rather than blocking delivery to everyone else.
type Broker struct {
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger
	buffer int

	mu     sync.Mutex
	nextID int64
	subs   map[string]map[int64]chan *model.ProjectEvent
}

// NewBroker creates a Broker. buffer <= 0 selects DefaultSubscriberBuffer.
func NewBroker(st *store.Store, eventBus bus.EventBus, buffer int, log *logger.Logger) *Broker {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broker{
		store:  st,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "events")),
		buffer: buffer,
		subs:   make(map[string]map[int64]chan *model.ProjectEvent),
	}
}

// Publish persists a project event and nudges the poller. The event is
// durable once this returns; subscribers observe it after the store assigns
// its sequence number.
func (b *Broker) Publish(ctx context.Context, projectID, eventType string, data any) (*model.ProjectEvent, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	ev := &model.ProjectEvent{
		ProjectID: projectID,
		Type:      eventType,
		Data:      payload,
	}
	if err := b.store.CreateProjectEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("persist %s event: %w", eventType, err)
	}
	notify := bus.NewEvent(SubjectProjectEvent, "events", map[string]interface{}{
		"seq":        ev.Seq,
		"project_id": projectID,
	})
	if err := b.bus.Publish(ctx, SubjectProjectEvent, notify); err != nil {
		b.logger.WithError(err).Warn("failed to publish event notification")
	}
	metrics.EventsPublished.WithLabelValues(eventType).Inc()
	return ev, nil
}

// Subscribe registers a live subscriber for one project's events. The
// returned cancel function must be called when the consumer goes away; the
// channel is closed by cancel.
func (b *Broker) Subscribe(projectID string) (<-chan *model.ProjectEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan *model.ProjectEvent, b.buffer)
	if b.subs[projectID] == nil {
		b.subs[projectID] = make(map[int64]chan *model.ProjectEvent)
	}
	b.subs[projectID][id] = ch
	metrics.EventSubscribers.Inc()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if chans, ok := b.subs[projectID]; ok {
			if c, ok := chans[id]; ok {
				delete(chans, id)
				close(c)
				metrics.EventSubscribers.Dec()
			}
			if len(chans) == 0 {
				delete(b.subs, projectID)
			}
		}
	}
	return ch, cancel
}

// dispatch delivers one event to the project's live subscribers. Called by
// the poller in ascending seq order.
func (b *Broker) dispatch(ev *model.ProjectEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[ev.ProjectID] {
		for {
			select {
			case ch <- ev:
			default:
				// Full buffer: shed the oldest event and retry.
				select {
				case <-ch:
					metrics.EventsDropped.Inc()
				default:
				}
				continue
			}
			break
		}
	}
}

// SubscriberCount reports live subscribers for a project. Used by metrics.
func (b *Broker) SubscriberCount(projectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[projectID])
}

// Poller tails the project event log and feeds the broker. One poller runs
// per process; it starts at the current head so only events persisted after
// startup are delivered live, with older history served by replay queries.
type Poller struct {
	store    *store.Store
	broker   *Broker
	bus      bus.EventBus
	interval time.Duration
	logger   *logger.Logger

	lastSeq int64
}

// NewPoller creates a Poller. interval <= 0 selects 250ms.
func NewPoller(st *store.Store, broker *Broker, eventBus bus.EventBus, interval time.Duration, log *logger.Logger) *Poller {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Poller{
		store:    st,
		broker:   broker,
		bus:      eventBus,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "events.poller")),
	}
}

// Run tails the event log until ctx is cancelled. Bus notifications trigger
// an immediate poll; the ticker bounds delivery latency when a notification
// is lost or the bus is remote.
func (p *Poller) Run(ctx context.Context) error {
	head, err := p.store.MaxEventSeq(ctx)
	if err != nil {
		return fmt.Errorf("read event head: %w", err)
	}
	p.lastSeq = head

	wake := make(chan struct{}, 1)
	sub, err := p.bus.Subscribe(SubjectProjectEvent, func(ctx context.Context, ev *bus.Event) error {
		select {
		case wake <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe event notifications: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
		if err := p.poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.WithError(err).Warn("event poll failed")
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	for {
		events, err := p.store.ListEventsAfterSeq(ctx, p.lastSeq, 100)
		if err != nil {
			return err
		}
		for _, ev := range events {
			p.broker.dispatch(ev)
			p.lastSeq = ev.Seq
		}
		if len(events) < 100 {
			return nil
		}
	}
}
