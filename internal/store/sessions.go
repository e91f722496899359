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

const sessionColumns = `id, project_id, workspace_id, agent_id, name, description, status, error_message, commit_status, created_at, updated_at`

// CreateSession inserts a session in its initial status.
func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	if sess.ID == "" {
		sess.ID = model.NewID()
	}
	if sess.Status == "" {
		sess.Status = model.SessionInitializing
	}
	if sess.CommitStatus == "" {
		sess.CommitStatus = model.CommitNone
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	_, err := s.w().ExecContext(ctx, s.w().Rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), sess.ID, sess.ProjectID, sess.WorkspaceID, sess.AgentID, sess.Name,
		sess.Description, sess.Status, sess.ErrorMessage, sess.CommitStatus,
		sess.CreatedAt, sess.UpdatedAt)
	return mapConstraintErr(err)
}

// GetSession returns a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return s.scanSession(s.r().QueryRowxContext(ctx, s.r().Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?
	`), id))
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	WorkspaceID   string
	IncludeClosed bool
}

// ListSessions returns a project's sessions, optionally filtered by
// workspace. Closed sessions are excluded unless requested.
func (s *Store) ListSessions(ctx context.Context, projectID string, filter SessionFilter) ([]*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE project_id = ?`
	args := []any{projectID}
	if filter.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, filter.WorkspaceID)
	}
	if !filter.IncludeClosed {
		query += ` AND status != ?`
		args = append(args, model.SessionClosed)
	}
	query += ` ORDER BY created_at`

	rows, err := s.r().QueryxContext(ctx, s.r().Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListSessionsByWorkspace returns every session of a workspace regardless of
// status. Used by workspace deletion checks.
func (s *Store) ListSessionsByWorkspace(ctx context.Context, workspaceID string) ([]*model.Session, error) {
	rows, err := s.r().QueryxContext(ctx, s.r().Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE workspace_id = ? ORDER BY created_at
	`), workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession persists mutable session fields.
func (s *Store) UpdateSession(ctx context.Context, sess *model.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	res, err := s.w().ExecContext(ctx, s.w().Rebind(`
		UPDATE sessions
		SET name = ?, description = ?, status = ?, error_message = ?, commit_status = ?, updated_at = ?
		WHERE id = ?
	`), sess.Name, sess.Description, sess.Status, sess.ErrorMessage,
		sess.CommitStatus, sess.UpdatedAt, sess.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionStatus sets only status and error message.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus, errorMessage *string) error {
	res, err := s.w().ExecContext(ctx, s.w().Rebind(`
		UPDATE sessions SET status = ?, error_message = ?, updated_at = ? WHERE id = ?
	`), status, errorMessage, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session with its messages and terminal history.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM messages WHERE session_id = ?`,
			`DELETE FROM terminal_history WHERE session_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, tx.Rebind(stmt), id); err != nil {
				return fmt.Errorf("delete session children: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) scanSession(row rowScanner) (*model.Session, error) {
	sess := &model.Session{}
	err := row.Scan(&sess.ID, &sess.ProjectID, &sess.WorkspaceID, &sess.AgentID,
		&sess.Name, &sess.Description, &sess.Status, &sess.ErrorMessage,
		&sess.CommitStatus, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

// CreateMessage appends a message to a session. Messages are immutable once
// written.
func (s *Store) CreateMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = model.NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	parts := string(msg.Parts)
	if parts == "" {
		parts = "[]"
	}
	_, err := s.w().ExecContext(ctx, s.w().Rebind(`
		INSERT INTO messages (id, session_id, role, parts, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), msg.ID, msg.SessionID, msg.Role, parts, msg.CreatedAt)
	return mapConstraintErr(err)
}

// ListMessagesBySession returns a session's messages in write order.
func (s *Store) ListMessagesBySession(ctx context.Context, sessionID string) ([]*model.Message, error) {
	rows, err := s.r().QueryxContext(ctx, s.r().Rebind(`
		SELECT id, session_id, role, parts, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at, id
	`), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		msg := &model.Message{}
		var parts string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &parts, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Parts = []byte(parts)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// AppendTerminalEvent records one terminal history entry for a session.
func (s *Store) AppendTerminalEvent(ctx context.Context, ev *model.TerminalEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.w().ExecContext(ctx, s.w().Rebind(`
		INSERT INTO terminal_history (session_id, kind, data, created_at)
		VALUES (?, ?, ?, ?)
	`), ev.SessionID, ev.Kind, ev.Data, ev.CreatedAt)
	return err
}

// ListTerminalEvents returns a session's terminal history in append order.
func (s *Store) ListTerminalEvents(ctx context.Context, sessionID string) ([]*model.TerminalEvent, error) {
	rows, err := s.r().QueryxContext(ctx, s.r().Rebind(`
		SELECT id, session_id, kind, data, created_at
		FROM terminal_history WHERE session_id = ? ORDER BY id
	`), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.TerminalEvent
	for rows.Next() {
		ev := &model.TerminalEvent{}
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Kind, &ev.Data, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan terminal event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
