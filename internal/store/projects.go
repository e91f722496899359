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

// CreateProject inserts a project. Slugs are unique; duplicates return
// ErrConflict.
func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	if p.ID == "" {
		p.ID = model.NewID()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.w().ExecContext(ctx, s.w().Rebind(`
		INSERT INTO projects (id, slug, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`), p.ID, p.Slug, p.Name, p.CreatedAt, p.UpdatedAt)
	return mapConstraintErr(err)
}

// GetProject returns a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	return s.scanProject(s.r().QueryRowxContext(ctx, s.r().Rebind(`
		SELECT id, slug, name, created_at, updated_at FROM projects WHERE id = ?
	`), id))
}

// GetProjectBySlug returns a project by slug.
func (s *Store) GetProjectBySlug(ctx context.Context, slug string) (*model.Project, error) {
	return s.scanProject(s.r().QueryRowxContext(ctx, s.r().Rebind(`
		SELECT id, slug, name, created_at, updated_at FROM projects WHERE slug = ?
	`), slug))
}

// ListProjectsForUser returns the projects the user is a member of.
func (s *Store) ListProjectsForUser(ctx context.Context, userID string) ([]*model.Project, error) {
	rows, err := s.r().QueryxContext(ctx, s.r().Rebind(`
		SELECT p.id, p.slug, p.name, p.created_at, p.updated_at
		FROM projects p
		JOIN project_members m ON m.project_id = p.id
		WHERE m.user_id = ?
		ORDER BY p.created_at
	`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		p, err := s.scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// DeleteProject removes the project and everything scoped to it in one
// transaction: messages, terminal history, sessions, workspaces, agent MCP
// servers, agents, invitations, credentials, members, then the project row.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		stmts := []string{
			`DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE project_id = ?)`,
			`DELETE FROM terminal_history WHERE session_id IN (SELECT id FROM sessions WHERE project_id = ?)`,
			`DELETE FROM sessions WHERE project_id = ?`,
			`DELETE FROM workspaces WHERE project_id = ?`,
			`DELETE FROM agent_mcp_servers WHERE agent_id IN (SELECT id FROM agents WHERE project_id = ?)`,
			`DELETE FROM agents WHERE project_id = ?`,
			`DELETE FROM project_invitations WHERE project_id = ?`,
			`DELETE FROM credentials WHERE project_id = ?`,
			`DELETE FROM project_members WHERE project_id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, tx.Rebind(stmt), id); err != nil {
				return fmt.Errorf("delete project children: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM projects WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) scanProject(row rowScanner) (*model.Project, error) {
	p := &model.Project{}
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan project: %w", err)
	}
	return p, nil
}

// AddProjectMember grants a user membership in a project.
func (s *Store) AddProjectMember(ctx context.Context, m *model.ProjectMember) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.w().ExecContext(ctx, s.w().Rebind(`
		INSERT INTO project_members (project_id, user_id, role, created_at)
		VALUES (?, ?, ?, ?)
	`), m.ProjectID, m.UserID, m.Role, m.CreatedAt)
	return mapConstraintErr(err)
}

// GetProjectMember returns the membership row for (project, user), or
// ErrNotFound. Authorization checks route through here.
func (s *Store) GetProjectMember(ctx context.Context, projectID, userID string) (*model.ProjectMember, error) {
	m := &model.ProjectMember{}
	err := s.r().QueryRowxContext(ctx, s.r().Rebind(`
		SELECT project_id, user_id, role, created_at
		FROM project_members WHERE project_id = ? AND user_id = ?
	`), projectID, userID).Scan(&m.ProjectID, &m.UserID, &m.Role, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan project member: %w", err)
	}
	return m, nil
}

// ListProjectMembers returns all members of a project.
func (s *Store) ListProjectMembers(ctx context.Context, projectID string) ([]*model.ProjectMember, error) {
	rows, err := s.r().QueryxContext(ctx, s.r().Rebind(`
		SELECT project_id, user_id, role, created_at
		FROM project_members WHERE project_id = ? ORDER BY created_at
	`), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []*model.ProjectMember
	for rows.Next() {
		m := &model.ProjectMember{}
		if err := rows.Scan(&m.ProjectID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// RemoveProjectMember revokes a user's membership.
func (s *Store) RemoveProjectMember(ctx context.Context, projectID, userID string) error {
	res, err := s.w().ExecContext(ctx, s.w().Rebind(`
		DELETE FROM project_members WHERE project_id = ? AND user_id = ?
	`), projectID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateInvitation stores a pending membership offer. The caller hashes the
// invitation token.
func (s *Store) CreateInvitation(ctx context.Context, inv *model.ProjectInvitation) error {
	if inv.ID == "" {
		inv.ID = model.NewID()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	_, err := s.w().ExecContext(ctx, s.w().Rebind(`
		INSERT INTO project_invitations (id, project_id, email, role, token_hash, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), inv.ID, inv.ProjectID, inv.Email, inv.Role, inv.TokenHash, inv.ExpiresAt, inv.CreatedAt)
	return mapConstraintErr(err)
}

// ListInvitations returns pending invitations for a project.
func (s *Store) ListInvitations(ctx context.Context, projectID string) ([]*model.ProjectInvitation, error) {
	rows, err := s.r().QueryxContext(ctx, s.r().Rebind(`
		SELECT id, project_id, email, role, token_hash, expires_at, created_at
		FROM project_invitations WHERE project_id = ? ORDER BY created_at
	`), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invs []*model.ProjectInvitation
	for rows.Next() {
		inv := &model.ProjectInvitation{}
		if err := rows.Scan(&inv.ID, &inv.ProjectID, &inv.Email, &inv.Role,
			&inv.TokenHash, &inv.ExpiresAt, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// DeleteInvitation removes a pending invitation.
func (s *Store) DeleteInvitation(ctx context.Context, projectID, invitationID string) error {
	res, err := s.w().ExecContext(ctx, s.w().Rebind(`
		DELETE FROM project_invitations WHERE id = ? AND project_id = ?
	`), invitationID, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AcceptInvitation redeems an invitation token for the given user: the
// membership is created and the invitation deleted in one transaction.
func (s *Store) AcceptInvitation(ctx context.Context, tokenHash, userID string) (*model.ProjectMember, error) {
	var member *model.ProjectMember
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		inv := &model.ProjectInvitation{}
		err := tx.QueryRowxContext(ctx, tx.Rebind(`
			SELECT id, project_id, email, role, expires_at
			FROM project_invitations WHERE token_hash = ?
		`), tokenHash).Scan(&inv.ID, &inv.ProjectID, &inv.Email, &inv.Role, &inv.ExpiresAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("scan invitation: %w", err)
		}
		if time.Now().After(inv.ExpiresAt) {
			return ErrNotFound
		}
		member = &model.ProjectMember{
			ProjectID: inv.ProjectID,
			UserID:    userID,
			Role:      inv.Role,
			CreatedAt: time.Now().UTC(),
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO project_members (project_id, user_id, role, created_at)
			VALUES (?, ?, ?, ?)
		`), member.ProjectID, member.UserID, member.Role, member.CreatedAt); err != nil {
			return mapConstraintErr(err)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM project_invitations WHERE id = ?
		`), inv.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}
