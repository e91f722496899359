package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/store"
)

// WorkspaceBase is where git workspaces are materialized when no base path
// is configured.
const defaultWorkspaceBase = "data/workspaces"

// workspaceMu returns (or lazily creates) the mutex serializing clone and
// fetch operations on one workspace directory.
func (s *Service) workspaceMu(path string) *sync.Mutex {
	mu, _ := s.wsMus.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// InitializeWorkspace drives a workspace to ready. For git sources the
// workspace path starts out holding the clone URL; after a successful clone
// it points at the local working tree. Local sources are verified in place.
// Idempotent: a ready workspace returns immediately.
func (s *Service) InitializeWorkspace(ctx context.Context, payload WorkspacePayload) error {
	ws, err := s.store.GetWorkspace(ctx, payload.WorkspaceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if ws.Status == model.WorkspaceReady {
		return nil
	}

	switch ws.SourceType {
	case model.WorkspaceSourceGit:
		err = s.prepareGitWorkspace(ctx, ws)
	default:
		err = s.prepareLocalWorkspace(ctx, ws)
	}
	if err != nil {
		msg := err.Error()
		ws.Status = model.WorkspaceError
		ws.ErrorMessage = &msg
		if uerr := s.store.UpdateWorkspace(ctx, ws); uerr != nil {
			s.logger.WithError(uerr).Error("failed to record workspace error",
				zap.String("workspace_id", ws.ID))
		}
		s.emitWorkspace(ctx, ws)
		return err
	}

	ws.Status = model.WorkspaceReady
	ws.ErrorMessage = nil
	if err := s.store.UpdateWorkspace(ctx, ws); err != nil {
		return err
	}
	s.emitWorkspace(ctx, ws)
	s.logger.Info("workspace ready",
		zap.String("workspace_id", ws.ID),
		zap.String("path", ws.Path))
	return nil
}

func (s *Service) prepareLocalWorkspace(ctx context.Context, ws *model.Workspace) error {
	info, err := os.Stat(ws.Path)
	if err != nil {
		return fmt.Errorf("workspace path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace path %s is not a directory", ws.Path)
	}
	if sha := s.headCommit(ctx, ws.Path); sha != "" {
		ws.Commit = &sha
	}
	return nil
}

// prepareGitWorkspace clones ws.Path (a git URL at this point) into the
// managed workspace directory and rewrites ws.Path to the local tree.
func (s *Service) prepareGitWorkspace(ctx context.Context, ws *model.Workspace) error {
	base := s.cfg.WorkspaceBase
	if base == "" {
		base = defaultWorkspaceBase
	}
	target := filepath.Join(base, ws.ID)

	mu := s.workspaceMu(target)
	mu.Lock()
	defer mu.Unlock()

	cloneURL := ws.Path
	if gitDir, err := os.Stat(filepath.Join(target, ".git")); err == nil && gitDir.IsDir() {
		// A previous attempt already cloned; fetch is best effort.
		cmd := exec.CommandContext(ctx, "git", "-C", target, "fetch", "--all", "--prune")
		if out, err := cmd.CombinedOutput(); err != nil {
			s.logger.Warn("git fetch failed",
				zap.String("workspace_id", ws.ID),
				zap.String("output", string(out)),
				zap.Error(err))
		}
	} else {
		ws.Status = model.WorkspaceCloning
		if err := s.store.UpdateWorkspace(ctx, ws); err != nil {
			return err
		}
		s.emitWorkspace(ctx, ws)

		if err := os.MkdirAll(base, 0o755); err != nil {
			return fmt.Errorf("create workspace base: %w", err)
		}
		cmd := exec.CommandContext(ctx, "git", "clone", cloneURL, target)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git clone failed: %s: %w", strings.TrimSpace(string(out)), err)
		}
	}

	ws.Path = target
	if sha := s.headCommit(ctx, target); sha != "" {
		ws.Commit = &sha
	}
	return nil
}

func (s *Service) headCommit(ctx context.Context, dir string) string {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// CreateWorkspace persists a workspace and enqueues its init job.
func (s *Service) CreateWorkspace(ctx context.Context, projectID, name, path string, sourceType model.WorkspaceSourceType) (*model.Workspace, error) {
	ws := &model.Workspace{
		ID:         model.NewID(),
		ProjectID:  projectID,
		Name:       name,
		Path:       path,
		SourceType: sourceType,
		Status:     model.WorkspaceInitializing,
	}
	if err := s.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	s.emitWorkspace(ctx, ws)

	payload := WorkspacePayload{WorkspaceID: ws.ID}
	if _, err := s.queue.EnqueueTyped(ctx, model.JobWorkspaceInit, payload, "workspace", ws.ID, PriorityWorkspace); err != nil {
		return nil, fmt.Errorf("enqueue workspace init: %w", err)
	}
	return ws, nil
}

// DeleteWorkspace tears down a workspace. A workspace with live sessions is
// protected: deletion is refused unless cascade is set, in which case session
// sandboxes are destroyed first so the cascade never leaves containers
// orphaned. When deleteFiles is set the managed git clone is removed from
// disk.
func (s *Service) DeleteWorkspace(ctx context.Context, workspaceID string, cascade, deleteFiles bool) error {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	sessions, err := s.store.ListSessionsByWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if !cascade {
		for _, sess := range sessions {
			if !sess.Status.IsTerminal() {
				return fmt.Errorf("%w: workspace %s has live sessions", store.ErrConflict, workspaceID)
			}
		}
	}
	for _, sess := range sessions {
		payload := SandboxPayload{SessionID: sess.ID}
		if _, err := s.queue.EnqueueTyped(ctx, model.JobContainerDestroy, payload, "session", sess.ID, PriorityNormal); err != nil {
			return fmt.Errorf("enqueue sandbox destroy: %w", err)
		}
	}
	if err := s.store.DeleteWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	if deleteFiles && ws.SourceType == model.WorkspaceSourceGit {
		base := s.cfg.WorkspaceBase
		if base == "" {
			base = defaultWorkspaceBase
		}
		managed := filepath.Join(base, ws.ID)
		if ws.Path == managed {
			if err := os.RemoveAll(managed); err != nil {
				s.logger.WithError(err).Warn("failed to remove workspace files",
					zap.String("workspace_id", ws.ID))
			}
		}
	}
	if _, err := s.broker.Publish(ctx, ws.ProjectID, model.EventWorkspaceUpdated, map[string]any{
		"workspaceId": ws.ID,
		"deleted":     true,
	}); err != nil {
		s.logger.WithError(err).Warn("failed to publish workspace delete event",
			zap.String("workspace_id", ws.ID))
	}
	return nil
}

func (s *Service) emitWorkspace(ctx context.Context, ws *model.Workspace) {
	data := map[string]any{
		"workspaceId": ws.ID,
		"status":      string(ws.Status),
	}
	if ws.ErrorMessage != nil {
		data["errorMessage"] = *ws.ErrorMessage
	}
	if _, err := s.broker.Publish(ctx, ws.ProjectID, model.EventWorkspaceUpdated, data); err != nil {
		s.logger.WithError(err).Warn("failed to publish workspace event",
			zap.String("workspace_id", ws.ID))
	}
}
