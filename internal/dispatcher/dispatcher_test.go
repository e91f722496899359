package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/discobot/discobot/internal/common/logger"
	"github.com/discobot/discobot/internal/db"
	"github.com/discobot/discobot/internal/events/bus"
	"github.com/discobot/discobot/internal/jobqueue"
	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/store"
)

// fastConfig keeps test latency low: leadership and job pickup settle within
// tens of milliseconds.
func fastConfig(serverID string) Config {
	return Config{
		ServerID:          serverID,
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  200 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
	}
}

type countingExecutor struct {
	jobType model.JobType
	calls   atomic.Int64
	err     error
}

func (e *countingExecutor) Type() model.JobType { return e.jobType }

func (e *countingExecutor) Execute(ctx context.Context, job *model.Job) error {
	e.calls.Add(1)
	return e.err
}

func newDispatcherEnv(t *testing.T, cfg Config) (*store.Store, *Service, *jobqueue.Queue) {
	t.Helper()
	pool, err := db.Open(":memory:", 0, 0)
	require.NoError(t, err)
	st, err := store.New(pool, "test-salt", logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	memBus := bus.NewMemoryEventBus(logger.Default())
	queue := jobqueue.New(st, memBus, logger.Default())
	svc := New(st, memBus, cfg, logger.Default())
	return st, svc, queue
}

func TestDispatcherRunsJobToCompletion(t *testing.T) {
	st, svc, queue := newDispatcherEnv(t, fastConfig("test-1"))
	exec := &countingExecutor{jobType: model.JobSessionInit}
	svc.RegisterExecutor(exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	job, err := queue.EnqueueTyped(ctx, model.JobSessionInit, map[string]string{"sessionId": "s1"}, "session", "s1", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := st.GetJob(ctx, job.ID)
		return err == nil && got.Status == model.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), exec.calls.Load())
}

func TestDispatcherRetriesFailedJob(t *testing.T) {
	st, svc, queue := newDispatcherEnv(t, fastConfig("test-2"))
	exec := &countingExecutor{jobType: model.JobSessionInit, err: errors.New("boom")}
	svc.RegisterExecutor(exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	job, err := queue.EnqueueTyped(ctx, model.JobSessionInit, map[string]string{"sessionId": "s1"}, "session", "s1", 0)
	require.NoError(t, err)

	// First failure requeues with backoff rather than going terminal.
	require.Eventually(t, func() bool {
		got, err := st.GetJob(ctx, job.ID)
		if err != nil {
			return false
		}
		return got.Attempts >= 1 && got.Status == model.JobPending
	}, 5*time.Second, 10*time.Millisecond)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	require.Contains(t, *got.Error, "boom")
	require.True(t, got.ScheduledAt.After(time.Now().UTC().Add(10*time.Second)),
		"retry must be scheduled with backoff")
}

type blockingExecutor struct {
	jobType model.JobType
	started chan string
	release chan struct{}
}

func (e *blockingExecutor) Type() model.JobType { return e.jobType }

func (e *blockingExecutor) Execute(ctx context.Context, job *model.Job) error {
	e.started <- job.ID
	select {
	case <-e.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestDispatcherDeferralKeepsRetryBudget(t *testing.T) {
	cfg := fastConfig("defer-1")
	cfg.CreateConcurrency = 1
	st, svc, queue := newDispatcherEnv(t, cfg)

	exec := &blockingExecutor{
		jobType: model.JobContainerCreate,
		started: make(chan string, 2),
		release: make(chan struct{}),
	}
	svc.RegisterExecutor(exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	first, err := queue.EnqueueTyped(ctx, model.JobContainerCreate, map[string]string{"sessionId": "a"}, "session", "a", 0)
	require.NoError(t, err)
	second, err := queue.EnqueueTyped(ctx, model.JobContainerCreate, map[string]string{"sessionId": "b"}, "session", "b", 0)
	require.NoError(t, err)

	var runningID string
	select {
	case runningID = <-exec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("no job started executing")
	}
	waitingID := second.ID
	if runningID == second.ID {
		waitingID = first.ID
	}

	// The second job is claimed but the create semaphore is full, so it must
	// park as pending with its retry budget intact, not fail toward
	// max_attempts.
	require.Eventually(t, func() bool {
		got, err := st.GetJob(ctx, waitingID)
		return err == nil && got.Status == model.JobPending && got.Attempts == 0
	}, 5*time.Second, 10*time.Millisecond, "deferred job must keep zero attempts")

	close(exec.release)

	for _, id := range []string{first.ID, second.ID} {
		require.Eventually(t, func() bool {
			got, err := st.GetJob(ctx, id)
			return err == nil && got.Status == model.JobCompleted
		}, 5*time.Second, 10*time.Millisecond)
		got, err := st.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, 1, got.Attempts, "exactly one execution per job")
	}
}

func TestDispatcherIgnoresUnregisteredTypes(t *testing.T) {
	st, svc, queue := newDispatcherEnv(t, fastConfig("test-3"))
	exec := &countingExecutor{jobType: model.JobSessionInit}
	svc.RegisterExecutor(exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	job, err := queue.EnqueueTyped(ctx, model.JobSessionCommit, map[string]string{"sessionId": "s1"}, "session", "s1", 0)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobPending, got.Status)
}

func TestDispatcherAcquiresAndReleasesLeadership(t *testing.T) {
	st, svc, _ := newDispatcherEnv(t, fastConfig("leader-1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.Start(ctx))

	require.Eventually(t, svc.IsLeader, 5*time.Second, 10*time.Millisecond)

	// A second instance cannot take the lease while the first heartbeats.
	acquired, err := st.TryAcquireLeadership(ctx, "leader-2", 200*time.Millisecond)
	require.NoError(t, err)
	require.False(t, acquired)

	svc.Stop()

	acquired, err = st.TryAcquireLeadership(ctx, "leader-2", 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired, "lease must be free after Stop releases it")
}
