// Package jobs adapts the session service's lifecycle operations to the
// dispatcher's executor contract. Each executor decodes its payload, calls
// the service, and reports the outcome; retries and backoff belong to the
// dispatcher.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/discobot/discobot/internal/dispatcher"
	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/session"
)

// RegisterAll wires every job type's executor into the dispatcher.
func RegisterAll(d *dispatcher.Service, svc *session.Service) {
	d.RegisterExecutor(&sessionInitExecutor{svc: svc})
	d.RegisterExecutor(&workspaceInitExecutor{svc: svc})
	d.RegisterExecutor(&containerCreateExecutor{svc: svc})
	d.RegisterExecutor(&containerDestroyExecutor{svc: svc})
	d.RegisterExecutor(&sessionCommitExecutor{svc: svc})
}

func decode[T any](job *model.Job) (T, error) {
	var payload T
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", job.Type, err)
	}
	return payload, nil
}

// finalAttempt reports whether the job has no retries left after this run.
// Attempts is incremented when the job is claimed.
func finalAttempt(job *model.Job) bool {
	return job.Attempts >= job.MaxAttempts
}

type sessionInitExecutor struct {
	svc *session.Service
}

func (e *sessionInitExecutor) Type() model.JobType { return model.JobSessionInit }

func (e *sessionInitExecutor) Execute(ctx context.Context, job *model.Job) error {
	payload, err := decode[session.InitPayload](job)
	if err != nil {
		return err
	}
	return e.svc.Initialize(ctx, payload, finalAttempt(job))
}

type workspaceInitExecutor struct {
	svc *session.Service
}

func (e *workspaceInitExecutor) Type() model.JobType { return model.JobWorkspaceInit }

func (e *workspaceInitExecutor) Execute(ctx context.Context, job *model.Job) error {
	payload, err := decode[session.WorkspacePayload](job)
	if err != nil {
		return err
	}
	return e.svc.InitializeWorkspace(ctx, payload)
}

type containerCreateExecutor struct {
	svc *session.Service
}

func (e *containerCreateExecutor) Type() model.JobType { return model.JobContainerCreate }

func (e *containerCreateExecutor) Execute(ctx context.Context, job *model.Job) error {
	payload, err := decode[session.SandboxPayload](job)
	if err != nil {
		return err
	}
	return e.svc.ProvisionSandbox(ctx, payload.SessionID)
}

type containerDestroyExecutor struct {
	svc *session.Service
}

func (e *containerDestroyExecutor) Type() model.JobType { return model.JobContainerDestroy }

func (e *containerDestroyExecutor) Execute(ctx context.Context, job *model.Job) error {
	payload, err := decode[session.SandboxPayload](job)
	if err != nil {
		return err
	}
	return e.svc.TeardownSandbox(ctx, payload.SessionID, payload.DeleteSession)
}

type sessionCommitExecutor struct {
	svc *session.Service
}

func (e *sessionCommitExecutor) Type() model.JobType { return model.JobSessionCommit }

func (e *sessionCommitExecutor) Execute(ctx context.Context, job *model.Job) error {
	payload, err := decode[session.CommitPayload](job)
	if err != nil {
		return err
	}
	return e.svc.Commit(ctx, payload)
}
