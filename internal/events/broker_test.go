package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/discobot/discobot/internal/common/logger"
	"github.com/discobot/discobot/internal/db"
	"github.com/discobot/discobot/internal/events/bus"
	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/store"
)

func newTestBroker(t *testing.T) (*store.Store, *Broker, *Poller) {
	t.Helper()
	pool, err := db.Open(":memory:", 0, 0)
	require.NoError(t, err)
	st, err := store.New(pool, "test-salt", logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	memBus := bus.NewMemoryEventBus(logger.Default())
	broker := NewBroker(st, memBus, 0, logger.Default())
	poller := NewPoller(st, broker, memBus, 10*time.Millisecond, logger.Default())
	return st, broker, poller
}

func createBrokerProject(t *testing.T, st *store.Store) *model.Project {
	t.Helper()
	p := &model.Project{Slug: "proj-" + model.NewID(), Name: "Events"}
	require.NoError(t, st.CreateProject(context.Background(), p))
	return p
}

func TestBrokerDeliversInSeqOrder(t *testing.T) {
	st, broker, poller := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = poller.Run(ctx) }()

	p := createBrokerProject(t, st)
	ch, unsub := broker.Subscribe(p.ID)
	defer unsub()

	var published []int64
	for i := 0; i < 5; i++ {
		ev, err := broker.Publish(ctx, p.ID, model.EventSessionUpdated, map[string]int{"i": i})
		require.NoError(t, err)
		published = append(published, ev.Seq)
	}

	for i := 0; i < 5; i++ {
		select {
		case got := <-ch:
			require.Equal(t, published[i], got.Seq)
			require.Equal(t, model.EventSessionUpdated, got.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBrokerScopesByProject(t *testing.T) {
	st, broker, poller := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = poller.Run(ctx) }()

	p1 := createBrokerProject(t, st)
	p2 := createBrokerProject(t, st)

	ch1, unsub1 := broker.Subscribe(p1.ID)
	defer unsub1()

	_, err := broker.Publish(ctx, p2.ID, model.EventWorkspaceUpdated, nil)
	require.NoError(t, err)
	ev, err := broker.Publish(ctx, p1.ID, model.EventSessionUpdated, nil)
	require.NoError(t, err)

	select {
	case got := <-ch1:
		require.Equal(t, ev.Seq, got.Seq)
		require.Equal(t, p1.ID, got.ProjectID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case got := <-ch1:
		t.Fatalf("unexpected cross-project event %d", got.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerDropsOldestWhenSlow(t *testing.T) {
	st, _, _ := newTestBroker(t)
	memBus := bus.NewMemoryEventBus(logger.Default())
	broker := NewBroker(st, memBus, 2, logger.Default())

	p := createBrokerProject(t, st)
	ch, unsub := broker.Subscribe(p.ID)
	defer unsub()

	for i := int64(1); i <= 4; i++ {
		broker.dispatch(&model.ProjectEvent{Seq: i, ProjectID: p.ID, Type: model.EventSessionUpdated})
	}

	// Buffer of two keeps only the newest pair.
	require.Equal(t, int64(3), (<-ch).Seq)
	require.Equal(t, int64(4), (<-ch).Seq)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected buffered event %d", ev.Seq)
	default:
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	st, broker, _ := newTestBroker(t)
	p := createBrokerProject(t, st)

	ch, unsub := broker.Subscribe(p.ID)
	require.Equal(t, 1, broker.SubscriberCount(p.ID))
	unsub()
	require.Equal(t, 0, broker.SubscriberCount(p.ID))

	_, open := <-ch
	require.False(t, open)

	// Second cancel is a no-op.
	unsub()
}
