package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/discobot/discobot/internal/model"
)

// CreateWorkspace inserts a workspace in its initial status.
func (s *Store) CreateWorkspace(ctx context.Context, ws *model.Workspace) error {
	if ws.ID == "" {
		ws.ID = model.NewID()
	}
	if ws.Status == "" {
		ws.Status = model.WorkspaceInitializing
	}
	now := time.Now().UTC()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = now
	}
	ws.UpdatedAt = now
	_, err := s.w().ExecContext(ctx, s.w().Rebind(`
		INSERT INTO workspaces (id, project_id, name, path, source_type, status, commit_sha, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), ws.ID, ws.ProjectID, ws.Name, ws.Path, ws.SourceType, ws.Status,
		ws.Commit, ws.ErrorMessage, ws.CreatedAt, ws.UpdatedAt)
	return mapConstraintErr(err)
}

// GetWorkspace returns a workspace by ID.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	return s.scanWorkspace(s.r().QueryRowxContext(ctx, s.r().Rebind(`
		SELECT id, project_id, name, path, source_type, status, commit_sha, error_message, created_at, updated_at
		FROM workspaces WHERE id = ?
	`), id))
}

// ListWorkspacesByProject returns a project's workspaces ordered by creation.
func (s *Store) ListWorkspacesByProject(ctx context.Context, projectID string) ([]*model.Workspace, error) {
	rows, err := s.r().QueryxContext(ctx, s.r().Rebind(`
		SELECT id, project_id, name, path, source_type, status, commit_sha, error_message, created_at, updated_at
		FROM workspaces WHERE project_id = ? ORDER BY created_at
	`), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workspaces []*model.Workspace
	for rows.Next() {
		ws, err := s.scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

// UpdateWorkspace persists mutable workspace fields.
func (s *Store) UpdateWorkspace(ctx context.Context, ws *model.Workspace) error {
	ws.UpdatedAt = time.Now().UTC()
	res, err := s.w().ExecContext(ctx, s.w().Rebind(`
		UPDATE workspaces
		SET name = ?, path = ?, source_type = ?, status = ?, commit_sha = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`), ws.Name, ws.Path, ws.SourceType, ws.Status, ws.Commit, ws.ErrorMessage, ws.UpdatedAt, ws.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWorkspace removes a workspace and, in the same transaction, all its
// sessions with their messages and terminal history.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		stmts := []string{
			`DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE workspace_id = ?)`,
			`DELETE FROM terminal_history WHERE session_id IN (SELECT id FROM sessions WHERE workspace_id = ?)`,
			`DELETE FROM sessions WHERE workspace_id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, tx.Rebind(stmt), id); err != nil {
				return fmt.Errorf("delete workspace children: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM workspaces WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete workspace: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) scanWorkspace(row rowScanner) (*model.Workspace, error) {
	ws := &model.Workspace{}
	err := row.Scan(&ws.ID, &ws.ProjectID, &ws.Name, &ws.Path, &ws.SourceType,
		&ws.Status, &ws.Commit, &ws.ErrorMessage, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan workspace: %w", err)
	}
	return ws, nil
}
