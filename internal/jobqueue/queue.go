// Package jobqueue enqueues async work for the dispatcher. Jobs persist in
// the store; a bus notification nudges the dispatcher so new work does not
// wait for the next poll tick.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/discobot/discobot/internal/common/logger"
	"github.com/discobot/discobot/internal/events/bus"
	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/store"
)

// SubjectEnqueued is published after every successful enqueue. The payload
// carries the job ID and type; the dispatcher only uses it as a wake signal.
const SubjectEnqueued = "jobs.enqueued"

// Queue persists jobs and wakes the dispatcher.
type Queue struct {
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger
}

// New creates a Queue.
func New(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Queue {
	return &Queue{store: st, bus: eventBus, logger: log.WithFields(zap.String("component", "jobqueue"))}
}

// Enqueue persists the job and publishes a wake notification. The job is
// durable once this returns; a lost notification only delays pickup until the
// dispatcher's next poll.
func (q *Queue) Enqueue(ctx context.Context, job *model.Job) error {
	if err := q.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Type, err)
	}
	ev := bus.NewEvent(SubjectEnqueued, "jobqueue", map[string]interface{}{
		"job_id": job.ID,
		"type":   string(job.Type),
	})
	if err := q.bus.Publish(ctx, SubjectEnqueued, ev); err != nil {
		q.logger.WithError(err).Warn("failed to publish enqueue notification")
	}
	return nil
}

// EnqueueTyped marshals payload and enqueues a job of the given type keyed to
// a resource. Jobs sharing a resource key run one at a time; higher priority
// claims first.
func (q *Queue) EnqueueTyped(ctx context.Context, jobType model.JobType, payload any, resourceType, resourceID string, priority int) (*model.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", jobType, err)
	}
	job := &model.Job{
		Type:     jobType,
		Payload:  data,
		Priority: priority,
	}
	if resourceType != "" && resourceID != "" {
		job.ResourceType = &resourceType
		job.ResourceID = &resourceID
	}
	if err := q.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}
