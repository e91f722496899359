// Package dispatcher runs the async job machinery: a leadership loop over
// the store's singleton lease, and on the leader a claim-and-execute work
// loop with bounded per-type concurrency. Followers idle until the lease
// frees up.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/discobot/discobot/internal/common/logger"
	"github.com/discobot/discobot/internal/events/bus"
	"github.com/discobot/discobot/internal/jobqueue"
	"github.com/discobot/discobot/internal/metrics"
	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/store"
)

// Executor handles one job type. Execute must be idempotent; a crashed
// worker's job is requeued and runs again.
type Executor interface {
	Type() model.JobType
	Execute(ctx context.Context, job *model.Job) error
}

// Config tunes the dispatcher loops.
type Config struct {
	ServerID           string
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	PollInterval       time.Duration
	WorkerPool         int64
	CreateConcurrency  int64
	DestroyConcurrency int64
	StaleAfter         time.Duration
	// CompletedRetention bounds how long terminal jobs stay queryable.
	CompletedRetention time.Duration
	// EventRetention bounds the project event log.
	EventRetention time.Duration
}

// DefaultConfig fills unset fields with production values.
func (c Config) withDefaults() Config {
	if c.ServerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "discobot"
		}
		c.ServerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.WorkerPool <= 0 {
		c.WorkerPool = 8
	}
	if c.CreateConcurrency <= 0 {
		c.CreateConcurrency = 4
	}
	if c.DestroyConcurrency <= 0 {
		c.DestroyConcurrency = 2
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = 24 * time.Hour
	}
	if c.EventRetention <= 0 {
		c.EventRetention = 72 * time.Hour
	}
	return c
}

// Service is the per-process dispatcher instance.
type Service struct {
	store  *store.Store
	bus    bus.EventBus
	cfg    Config
	logger *logger.Logger

	mu        sync.RWMutex
	executors map[model.JobType]Executor
	isLeader  bool

	// workers bounds total concurrent jobs; the per-type semaphores
	// additionally cap container churn.
	workers    *semaphore.Weighted
	createSem  *semaphore.Weighted
	destroySem *semaphore.Weighted

	cron    *cron.Cron
	wake    chan struct{}
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a dispatcher Service.
func New(st *store.Store, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		store:      st,
		bus:        eventBus,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "dispatcher"), zap.String("server_id", cfg.ServerID)),
		executors:  make(map[model.JobType]Executor),
		workers:    semaphore.NewWeighted(cfg.WorkerPool),
		createSem:  semaphore.NewWeighted(cfg.CreateConcurrency),
		destroySem: semaphore.NewWeighted(cfg.DestroyConcurrency),
		wake:       make(chan struct{}, 1),
	}
}

// RegisterExecutor adds a handler for one job type. Must be called before
// Start.
func (s *Service) RegisterExecutor(exec Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[exec.Type()] = exec
}

// IsLeader reports whether this instance currently holds the lease.
func (s *Service) IsLeader() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isLeader
}

// ServerID returns this instance's lease identity.
func (s *Service) ServerID() string { return s.cfg.ServerID }

// Start launches the leadership and work loops plus the maintenance cron.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	// Bus notifications collapse claim latency below the poll interval.
	sub, err := s.bus.Subscribe(jobqueue.SubjectEnqueued, func(ctx context.Context, ev *bus.Event) error {
		s.Notify()
		return nil
	})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe job notifications: %w", err)
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@every 1m", func() { s.sweepStaleJobs(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule stale sweep: %w", err)
	}
	if _, err := s.cron.AddFunc("@every 10m", func() { s.collectGarbage(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule gc: %w", err)
	}
	s.cron.Start()

	go func() {
		defer close(s.stopped)
		defer func() { _ = sub.Unsubscribe() }()
		s.run(runCtx)
	}()
	return nil
}

// Notify wakes the work loop immediately.
func (s *Service) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop halts the loops and releases the lease when held.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		cronCtx := s.cron.Stop()
		<-cronCtx.Done()
	}
	if s.stopped != nil {
		<-s.stopped
	}

	if s.IsLeader() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.ReleaseLeadership(ctx, s.cfg.ServerID); err != nil {
			s.logger.WithError(err).Warn("failed to release leadership")
		}
	}
}

func (s *Service) run(ctx context.Context) {
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	s.heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			s.heartbeat(ctx)
		case <-poll.C:
			s.drainQueue(ctx)
		case <-s.wake:
			s.drainQueue(ctx)
		}
	}
}

func (s *Service) heartbeat(ctx context.Context) {
	leader, err := s.store.TryAcquireLeadership(ctx, s.cfg.ServerID, s.cfg.HeartbeatTimeout)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.WithError(err).Warn("leadership heartbeat failed")
		}
		return
	}

	s.mu.Lock()
	was := s.isLeader
	s.isLeader = leader
	s.mu.Unlock()

	if leader {
		metrics.DispatcherLeader.Set(1)
	} else {
		metrics.DispatcherLeader.Set(0)
	}
	if leader && !was {
		s.logger.Info("acquired dispatcher leadership")
		// Jobs orphaned by the previous leader become claimable again.
		s.sweepStaleJobs(ctx)
		s.Notify()
	}
	if !leader && was {
		s.logger.Warn("lost dispatcher leadership")
	}
}

// drainQueue claims and dispatches runnable jobs until the queue is empty
// or the worker pool is saturated. Followers do nothing.
func (s *Service) drainQueue(ctx context.Context) {
	if !s.IsLeader() {
		return
	}

	types := s.registeredTypes()
	if len(types) == 0 {
		return
	}

	for {
		if !s.workers.TryAcquire(1) {
			return
		}
		job, err := s.store.ClaimJobOfTypes(ctx, types, s.cfg.ServerID)
		if err != nil {
			s.workers.Release(1)
			if ctx.Err() == nil {
				s.logger.WithError(err).Error("job claim failed")
			}
			return
		}
		if job == nil {
			s.workers.Release(1)
			return
		}

		typeSem := s.typeSemaphore(job.Type)
		if typeSem != nil && !typeSem.TryAcquire(1) {
			// Type is saturated; put the job back for a later tick.
			s.workers.Release(1)
			s.requeue(ctx, job)
			return
		}

		go func(job *model.Job) {
			defer s.workers.Release(1)
			if typeSem != nil {
				defer typeSem.Release(1)
			}
			s.execute(ctx, job)
			s.Notify()
		}(job)
	}
}

func (s *Service) registeredTypes() []model.JobType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]model.JobType, 0, len(s.executors))
	for t := range s.executors {
		types = append(types, t)
	}
	return types
}

func (s *Service) typeSemaphore(t model.JobType) *semaphore.Weighted {
	switch t {
	case model.JobContainerCreate:
		return s.createSem
	case model.JobContainerDestroy:
		return s.destroySem
	default:
		return nil
	}
}

// deferDelay spaces out re-claims of a job parked behind a full type
// semaphore.
const deferDelay = 250 * time.Millisecond

// requeue returns a claimed-but-undispatchable job to pending. Deferral is
// not a failure: the claim's attempt increment is rolled back so capacity
// waits never eat into the retry budget.
func (s *Service) requeue(ctx context.Context, job *model.Job) {
	if err := s.store.DeferJob(ctx, job.ID, deferDelay); err != nil {
		s.logger.WithError(err).Warn("failed to requeue deferred job", zap.String("job_id", job.ID))
	}
}

func (s *Service) execute(ctx context.Context, job *model.Job) {
	s.mu.RLock()
	exec := s.executors[job.Type]
	s.mu.RUnlock()
	if exec == nil {
		s.logger.Error("no executor for claimed job", zap.String("type", string(job.Type)))
		_ = s.store.FailJob(ctx, job.ID, fmt.Errorf("no executor for type %s", job.Type))
		return
	}

	log := s.logger.WithFields(
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("attempt", job.Attempts))
	log.Info("executing job")

	start := time.Now()
	if err := exec.Execute(ctx, job); err != nil {
		metrics.JobsExecuted.WithLabelValues(string(job.Type), "failed").Inc()
		metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())
		log.WithError(err).Warn("job failed", zap.Duration("elapsed", time.Since(start)))
		if ferr := s.store.FailJob(ctx, job.ID, err); ferr != nil {
			log.WithError(ferr).Error("failed to record job failure")
		}
		return
	}
	metrics.JobsExecuted.WithLabelValues(string(job.Type), "completed").Inc()
	metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())
	if err := s.store.CompleteJob(ctx, job.ID); err != nil {
		log.WithError(err).Error("failed to mark job completed")
		return
	}
	log.Info("job completed", zap.Duration("elapsed", time.Since(start)))
}

// sweepStaleJobs requeues jobs whose workers stopped reporting. Leader only.
func (s *Service) sweepStaleJobs(ctx context.Context) {
	if !s.IsLeader() {
		return
	}
	n, err := s.store.CleanupStaleJobs(ctx, s.cfg.StaleAfter)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.WithError(err).Warn("stale job sweep failed")
		}
		return
	}
	if n > 0 {
		s.logger.Warn("requeued stale jobs", zap.Int64("count", n))
		s.Notify()
	}
}

// collectGarbage trims terminal jobs, old events and expired login
// sessions. Leader only.
func (s *Service) collectGarbage(ctx context.Context) {
	if !s.IsLeader() {
		return
	}
	if n, err := s.store.DeleteCompletedJobs(ctx, s.cfg.CompletedRetention); err != nil {
		s.logger.WithError(err).Warn("job gc failed")
	} else if n > 0 {
		s.logger.Debug("deleted terminal jobs", zap.Int64("count", n))
	}
	if n, err := s.store.DeleteEventsOlderThan(ctx, s.cfg.EventRetention); err != nil {
		s.logger.WithError(err).Warn("event gc failed")
	} else if n > 0 {
		s.logger.Debug("deleted old events", zap.Int64("count", n))
	}
	if n, err := s.store.DeleteExpiredUserSessions(ctx); err != nil {
		s.logger.WithError(err).Warn("session gc failed")
	} else if n > 0 {
		s.logger.Debug("deleted expired login sessions", zap.Int64("count", n))
	}
}
