// Package session owns the session lifecycle: creation, the state machine
// driven by dispatcher jobs, and the commit flow that archives a session.
// Sandbox provisioning and agent startup happen here; the job executors in
// internal/jobs are thin adapters over this service.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/discobot/discobot/internal/agentapi"
	"github.com/discobot/discobot/internal/common/logger"
	"github.com/discobot/discobot/internal/events"
	"github.com/discobot/discobot/internal/jobqueue"
	"github.com/discobot/discobot/internal/metrics"
	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/sandbox"
	"github.com/discobot/discobot/internal/store"
)

// Job priorities. Workspace preparation outranks session init so a deferred
// session job finds its workspace ready on the next attempt.
const (
	PriorityNormal    = 0
	PriorityWorkspace = 10
)

// ErrWorkspaceNotReady defers a session_init attempt until the workspace
// finishes preparing. The dispatcher's retry backoff provides the wait.
var ErrWorkspaceNotReady = errors.New("workspace not ready")

// CompletionGate reserves a session's completion slot so the commit chat and
// user chat turns never run against the agent concurrently.
type CompletionGate interface {
	Claim(sessionID string) (release func(), err error)
}

// Config tunes sandbox provisioning and workspace preparation.
type Config struct {
	Image         string
	StartTimeout  time.Duration
	CommitTimeout time.Duration
	// WorkspaceBase is the directory git workspaces are cloned into.
	WorkspaceBase string
}

// Service composes the store, sandbox provider, job queue and event broker
// into the session lifecycle.
type Service struct {
	store    *store.Store
	provider sandbox.Provider
	queue    *jobqueue.Queue
	broker   *events.Broker
	gate     CompletionGate
	cfg      Config
	logger   *logger.Logger

	// wsMus serializes clone and fetch operations per workspace directory.
	wsMus sync.Map
}

// NewService creates a session Service.
func NewService(st *store.Store, provider sandbox.Provider, queue *jobqueue.Queue, broker *events.Broker, gate CompletionGate, cfg Config, log *logger.Logger) *Service {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 60 * time.Second
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 120 * time.Second
	}
	return &Service{
		store:    st,
		provider: provider,
		queue:    queue,
		broker:   broker,
		gate:     gate,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "session")),
	}
}

// Provider exposes the sandbox backend for surfaces that stream through it
// directly (terminal attach, service proxy).
func (s *Service) Provider() sandbox.Provider { return s.provider }

// InitPayload is the payload of session_init jobs.
type InitPayload struct {
	SessionID   string  `json:"sessionId"`
	WorkspaceID string  `json:"workspaceId"`
	AgentID     *string `json:"agentId,omitempty"`
}

// SandboxPayload is the payload of container_create and container_destroy
// jobs.
type SandboxPayload struct {
	SessionID string `json:"sessionId"`
	// DeleteSession removes the session row after the sandbox is gone.
	DeleteSession bool `json:"deleteSession,omitempty"`
}

// WorkspacePayload is the payload of workspace_init jobs.
type WorkspacePayload struct {
	WorkspaceID string `json:"workspaceId"`
}

// CommitPayload is the payload of session_commit jobs.
type CommitPayload struct {
	SessionID  string `json:"sessionId"`
	BaseCommit string `json:"baseCommit,omitempty"`
}

// Create persists a new session and enqueues its init job.
func (s *Service) Create(ctx context.Context, projectID, workspaceID string, agentID *string, name string) (*model.Session, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if ws.ProjectID != projectID {
		return nil, store.ErrNotFound
	}
	if agentID != nil {
		agent, err := s.store.GetAgent(ctx, *agentID)
		if err != nil {
			return nil, err
		}
		if agent.ProjectID != projectID {
			return nil, store.ErrNotFound
		}
	}

	if name == "" {
		name = fmt.Sprintf("%s session", ws.Name)
	}
	sess := &model.Session{
		ID:           model.NewID(),
		ProjectID:    projectID,
		WorkspaceID:  workspaceID,
		AgentID:      agentID,
		Name:         name,
		Status:       model.SessionInitializing,
		CommitStatus: model.CommitNone,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	s.emitSession(ctx, sess)

	payload := InitPayload{SessionID: sess.ID, WorkspaceID: workspaceID, AgentID: agentID}
	if _, err := s.queue.EnqueueTyped(ctx, model.JobSessionInit, payload, "session", sess.ID, PriorityNormal); err != nil {
		return nil, fmt.Errorf("enqueue session init: %w", err)
	}
	s.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("workspace_id", workspaceID))
	return sess, nil
}

// Delete tears a session down: the row is removed once the sandbox destroy
// job has run. Idempotent for already-deleted sessions.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	payload := SandboxPayload{SessionID: sess.ID, DeleteSession: true}
	if _, err := s.queue.EnqueueTyped(ctx, model.JobContainerDestroy, payload, "session", sess.ID, PriorityNormal); err != nil {
		return fmt.Errorf("enqueue sandbox destroy: %w", err)
	}
	return nil
}

// RequestCommit marks the session's commit pending and enqueues the commit
// job. Only running sessions can commit.
func (s *Service) RequestCommit(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != model.SessionRunning {
		return fmt.Errorf("%w: session is %s", store.ErrConflict, sess.Status)
	}
	if sess.CommitStatus == model.CommitPending {
		return nil
	}

	var base string
	if ws, err := s.store.GetWorkspace(ctx, sess.WorkspaceID); err == nil && ws.Commit != nil {
		base = *ws.Commit
	}

	sess.CommitStatus = model.CommitPending
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	s.emitSession(ctx, sess)

	payload := CommitPayload{SessionID: sess.ID, BaseCommit: base}
	if _, err := s.queue.EnqueueTyped(ctx, model.JobSessionCommit, payload, "session", sess.ID, PriorityNormal); err != nil {
		return fmt.Errorf("enqueue session commit: %w", err)
	}
	return nil
}

// EnsureRunning relaunches a session's sandbox when the backend reports it
// gone or stopped while the session itself still counts as running. The
// actual work happens on a container_create job so per-type limits apply.
func (s *Service) EnsureRunning(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != model.SessionRunning {
		return fmt.Errorf("%w: session is %s", sandbox.ErrNotRunning, sess.Status)
	}
	inst, err := s.provider.Get(ctx, sessionID)
	if err == nil && inst.Status == sandbox.StatusRunning {
		return nil
	}
	if err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		return err
	}
	payload := SandboxPayload{SessionID: sessionID}
	if _, err := s.queue.EnqueueTyped(ctx, model.JobContainerCreate, payload, "session", sessionID, PriorityNormal); err != nil {
		return fmt.Errorf("enqueue sandbox create: %w", err)
	}
	return sandbox.ErrNotRunning
}

// Initialize drives the session state machine for one session_init attempt.
// finalAttempt marks the last retry; only then does a failure park the
// session in the terminal error state.
func (s *Service) Initialize(ctx context.Context, payload InitPayload, finalAttempt bool) error {
	sess, err := s.store.GetSession(ctx, payload.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if sess.Status.IsTerminal() {
		return nil
	}

	ws, err := s.store.GetWorkspace(ctx, sess.WorkspaceID)
	if err != nil {
		return s.failSession(ctx, sess, fmt.Errorf("load workspace: %w", err), finalAttempt)
	}
	switch ws.Status {
	case model.WorkspaceReady:
	case model.WorkspaceError:
		msg := "workspace failed to prepare"
		if ws.ErrorMessage != nil {
			msg = *ws.ErrorMessage
		}
		return s.failSession(ctx, sess, errors.New(msg), finalAttempt)
	default:
		// Kick workspace preparation ahead of us and retry later.
		wsPayload := WorkspacePayload{WorkspaceID: ws.ID}
		if _, err := s.queue.EnqueueTyped(ctx, model.JobWorkspaceInit, wsPayload, "workspace", ws.ID, PriorityWorkspace); err != nil {
			return err
		}
		if sess.Status != model.SessionCloning {
			s.transition(ctx, sess, model.SessionCloning, nil)
		}
		return ErrWorkspaceNotReady
	}

	s.transition(ctx, sess, model.SessionCreatingSandbox, nil)
	if err := s.provisionSandbox(ctx, sess, ws); err != nil {
		return s.failSession(ctx, sess, fmt.Errorf("provision sandbox: %w", err), finalAttempt)
	}

	s.transition(ctx, sess, model.SessionStartingAgent, nil)
	if err := s.startAgent(ctx, sess); err != nil {
		return s.failSession(ctx, sess, fmt.Errorf("start agent: %w", err), finalAttempt)
	}

	s.transition(ctx, sess, model.SessionRunning, nil)
	s.logger.Info("session running", zap.String("session_id", sess.ID))
	return nil
}

// ProvisionSandbox ensures a session's sandbox exists and is running. Used
// by the container_create executor to relaunch sandboxes that died under a
// running session.
func (s *Service) ProvisionSandbox(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if sess.Status.IsTerminal() {
		return nil
	}
	ws, err := s.store.GetWorkspace(ctx, sess.WorkspaceID)
	if err != nil {
		return err
	}
	if err := s.provisionSandbox(ctx, sess, ws); err != nil {
		return err
	}
	return s.startAgent(ctx, sess)
}

// TeardownSandbox stops and destroys a session's sandbox, optionally
// deleting the session row afterwards. Idempotent.
func (s *Service) TeardownSandbox(ctx context.Context, sessionID string, deleteSession bool) error {
	if err := s.provider.Stop(ctx, sessionID, 10*time.Second); err != nil &&
		!errors.Is(err, sandbox.ErrNotFound) && !errors.Is(err, sandbox.ErrNotRunning) {
		s.logger.WithError(err).Warn("sandbox stop failed, destroying anyway",
			zap.String("session_id", sessionID))
	}
	if err := s.provider.Destroy(ctx, sessionID); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		metrics.SandboxOps.WithLabelValues("destroy", "error").Inc()
		return fmt.Errorf("destroy sandbox: %w", err)
	}
	metrics.SandboxOps.WithLabelValues("destroy", "ok").Inc()
	if !deleteSession {
		return nil
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if _, err := s.broker.Publish(ctx, sess.ProjectID, model.EventSessionUpdated, map[string]any{
		"sessionId": sessionID,
		"deleted":   true,
	}); err != nil {
		s.logger.WithError(err).Warn("failed to publish session delete event",
			zap.String("session_id", sessionID))
	}
	return nil
}

// Commit runs the archive-and-close flow: tell the agent to commit, wait
// for its terminal chunk, then close the session and tear the sandbox down.
func (s *Service) Commit(ctx context.Context, payload CommitPayload) error {
	sess, err := s.store.GetSession(ctx, payload.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if sess.Status == model.SessionClosed {
		return nil
	}
	if sess.Status != model.SessionRunning {
		return fmt.Errorf("cannot commit session in state %s", sess.Status)
	}

	// The commit chat holds the session's completion slot so it cannot
	// interleave with a user completion; a busy slot fails the attempt and
	// the job's retry backoff provides the wait.
	release, err := s.gate.Claim(sess.ID)
	if err != nil {
		return fmt.Errorf("commit chat: %w", err)
	}
	defer release()

	commitCtx, cancel := context.WithTimeout(ctx, s.cfg.CommitTimeout)
	defer cancel()

	client := agentapi.New(s.provider, sess.ID)
	text := "/discobot-commit"
	if payload.BaseCommit != "" {
		text += " " + payload.BaseCommit
	}
	if err := runChatToCompletion(commitCtx, client, text); err != nil {
		return fmt.Errorf("commit chat: %w", err)
	}

	sess.CommitStatus = model.CommitCompleted
	sess.Status = model.SessionClosed
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	s.emitSession(ctx, sess)

	teardown := SandboxPayload{SessionID: sess.ID}
	if _, err := s.queue.EnqueueTyped(ctx, model.JobContainerDestroy, teardown, "session", sess.ID, PriorityNormal); err != nil {
		s.logger.WithError(err).Warn("failed to enqueue post-commit teardown",
			zap.String("session_id", sess.ID))
	}
	s.logger.Info("session committed and closed", zap.String("session_id", sess.ID))
	return nil
}

func (s *Service) provisionSandbox(ctx context.Context, sess *model.Session, ws *model.Workspace) error {
	opts := sandbox.CreateOptions{
		Image:           s.cfg.Image,
		WorkspaceSource: ws.Path,
		DataVolume:      "discobot-data-" + sess.ID,
		Env: map[string]string{
			"DISCOBOT_SESSION_ID": sess.ID,
			"DISCOBOT_PROJECT_ID": sess.ProjectID,
		},
	}
	if _, err := s.provider.Create(ctx, sess.ID, opts); err != nil && !errors.Is(err, sandbox.ErrAlreadyExists) {
		metrics.SandboxOps.WithLabelValues("create", "error").Inc()
		return err
	}
	metrics.SandboxOps.WithLabelValues("create", "ok").Inc()
	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()
	if err := s.provider.Start(startCtx, sess.ID); err != nil {
		metrics.SandboxOps.WithLabelValues("start", "error").Inc()
		return err
	}
	metrics.SandboxOps.WithLabelValues("start", "ok").Inc()
	return nil
}

func (s *Service) startAgent(ctx context.Context, sess *model.Session) error {
	agent, err := s.resolveAgent(ctx, sess)
	if err != nil {
		return err
	}

	req := agentapi.StartAgentRequest{AgentType: "default"}
	if agent != nil {
		req.AgentType = agent.AgentType
		if agent.SystemPrompt != nil {
			req.SystemPrompt = *agent.SystemPrompt
		}
		req.MCPServers = agent.MCPServers
	}
	env, err := s.credentialEnv(ctx, sess.ProjectID)
	if err != nil {
		return err
	}
	req.Env = env

	client := agentapi.New(s.provider, sess.ID)
	if err := client.StartAgent(ctx, req); err != nil {
		return err
	}

	deadline := time.Now().Add(s.cfg.StartTimeout)
	for {
		if err := client.Health(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return sandbox.ErrStartTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Service) resolveAgent(ctx context.Context, sess *model.Session) (*model.Agent, error) {
	if sess.AgentID != nil {
		return s.store.GetAgent(ctx, *sess.AgentID)
	}
	agent, err := s.store.GetDefaultAgent(ctx, sess.ProjectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return agent, nil
}

// credentialEnv maps the project's decrypted credentials to the environment
// variables the in-sandbox agent expects. Values never reach the logs.
func (s *Service) credentialEnv(ctx context.Context, projectID string) (map[string]string, error) {
	creds, err := s.store.ListCredentialsByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(creds))
	for _, cred := range creds {
		name := strings.ToUpper(strings.ReplaceAll(cred.Provider, "-", "_"))
		switch cred.AuthType {
		case model.AuthTypeOAuth:
			env[name+"_OAUTH_TOKEN"] = cred.Secret
		default:
			env[name+"_API_KEY"] = cred.Secret
		}
	}
	return env, nil
}

// failSession records the failure. Transitional status is preserved on
// non-final attempts so the retry resumes the machine instead of hitting the
// terminal-state guard.
func (s *Service) failSession(ctx context.Context, sess *model.Session, cause error, finalAttempt bool) error {
	s.logger.WithError(cause).Warn("session init step failed",
		zap.String("session_id", sess.ID),
		zap.String("status", string(sess.Status)),
		zap.Bool("final", finalAttempt))
	if finalAttempt {
		msg := cause.Error()
		s.transition(ctx, sess, model.SessionError, &msg)
	}
	return cause
}

func (s *Service) transition(ctx context.Context, sess *model.Session, status model.SessionStatus, errorMessage *string) {
	if err := s.store.UpdateSessionStatus(ctx, sess.ID, status, errorMessage); err != nil {
		s.logger.WithError(err).Error("failed to update session status",
			zap.String("session_id", sess.ID),
			zap.String("status", string(status)))
		return
	}
	sess.Status = status
	sess.ErrorMessage = errorMessage
	s.emitSession(ctx, sess)
}

func (s *Service) emitSession(ctx context.Context, sess *model.Session) {
	data := map[string]any{
		"sessionId":    sess.ID,
		"workspaceId":  sess.WorkspaceID,
		"status":       string(sess.Status),
		"commitStatus": string(sess.CommitStatus),
	}
	if sess.ErrorMessage != nil {
		data["errorMessage"] = *sess.ErrorMessage
	}
	if _, err := s.broker.Publish(ctx, sess.ProjectID, model.EventSessionUpdated, data); err != nil {
		s.logger.WithError(err).Warn("failed to publish session event",
			zap.String("session_id", sess.ID))
	}
}
