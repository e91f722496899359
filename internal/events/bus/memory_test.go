package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/discobot/discobot/internal/common/logger"
)

func TestPublishDeliversToSubjectSubscribers(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var got *Event
	_, err := b.Subscribe("jobs.enqueued", func(ctx context.Context, ev *Event) error {
		got = ev
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("jobs.enqueued", "jobqueue", map[string]any{
		"job_id": "01JABCDEF",
		"type":   "container.create",
	})
	require.NoError(t, b.Publish(context.Background(), "jobs.enqueued", ev))

	require.NotNil(t, got)
	require.Equal(t, ev.ID, got.ID)
	require.Equal(t, "01JABCDEF", got.Data["job_id"])
	require.Equal(t, "container.create", got.Data["type"])
	require.False(t, got.Timestamp.IsZero())
}

func TestSubjectsDeliverIndependently(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var jobWakes, eventWakes int
	_, err := b.Subscribe("jobs.enqueued", func(ctx context.Context, ev *Event) error {
		jobWakes++
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("project.event", func(ctx context.Context, ev *Event) error {
		eventWakes++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "jobs.enqueued", NewEvent("jobs.enqueued", "jobqueue", nil)))
	require.NoError(t, b.Publish(context.Background(), "project.event", NewEvent("project.event", "events", map[string]any{"seq": int64(7)})))
	require.NoError(t, b.Publish(context.Background(), "project.event", NewEvent("project.event", "events", map[string]any{"seq": int64(8)})))

	require.Equal(t, 1, jobWakes)
	require.Equal(t, 2, eventWakes)
}

func TestEachSubscriberReceivesEveryEvent(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var count atomic.Int64
	for i := 0; i < 3; i++ {
		_, err := b.Subscribe("jobs.enqueued", func(ctx context.Context, ev *Event) error {
			count.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(context.Background(), "jobs.enqueued", NewEvent("jobs.enqueued", "jobqueue", nil)))
	require.Equal(t, int64(3), count.Load())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var wakes int
	sub, err := b.Subscribe("jobs.enqueued", func(ctx context.Context, ev *Event) error {
		wakes++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "jobs.enqueued", NewEvent("jobs.enqueued", "jobqueue", nil)))
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(context.Background(), "jobs.enqueued", NewEvent("jobs.enqueued", "jobqueue", nil)))

	require.Equal(t, 1, wakes)
}

func TestHandlerErrorDoesNotFailPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var after int
	_, err := b.Subscribe("project.event", func(ctx context.Context, ev *Event) error {
		return errors.New("poll failed")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("project.event", func(ctx context.Context, ev *Event) error {
		after++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "project.event", NewEvent("project.event", "events", nil)))
	require.Equal(t, 1, after)
}

func TestClosedBusRejectsPublishAndSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())

	_, err := b.Subscribe("jobs.enqueued", func(ctx context.Context, ev *Event) error { return nil })
	require.NoError(t, err)

	b.Close()

	err = b.Publish(context.Background(), "jobs.enqueued", NewEvent("jobs.enqueued", "jobqueue", nil))
	require.ErrorIs(t, err, ErrBusClosed)

	_, err = b.Subscribe("jobs.enqueued", func(ctx context.Context, ev *Event) error { return nil })
	require.ErrorIs(t, err, ErrBusClosed)
}

func TestConcurrentPublishIsSafe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var count atomic.Int64
	_, err := b.Subscribe("jobs.enqueued", func(ctx context.Context, ev *Event) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = b.Publish(context.Background(), "jobs.enqueued", NewEvent("jobs.enqueued", "jobqueue", nil))
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(200), count.Load())
}
