package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/discobot/discobot/internal/model"
)

// CreateUser inserts a new user. The (provider, provider_id) pair is unique;
// a duplicate insert returns ErrConflict.
func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	if user.ID == "" {
		user.ID = model.NewID()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.w().ExecContext(ctx, s.w().Rebind(`
		INSERT INTO users (id, provider, provider_id, email, name, avatar_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), user.ID, user.Provider, user.ProviderID, user.Email, user.Name, user.AvatarURL, user.CreatedAt)
	if err != nil {
		return mapConstraintErr(err)
	}
	return nil
}

// GetUser returns a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.scanUser(s.r().QueryRowxContext(ctx, s.r().Rebind(`
		SELECT id, provider, provider_id, email, name, avatar_url, created_at
		FROM users WHERE id = ?
	`), id))
}

// GetUserByProvider returns a user by its identity provider pair.
func (s *Store) GetUserByProvider(ctx context.Context, provider, providerID string) (*model.User, error) {
	return s.scanUser(s.r().QueryRowxContext(ctx, s.r().Rebind(`
		SELECT id, provider, provider_id, email, name, avatar_url, created_at
		FROM users WHERE provider = ? AND provider_id = ?
	`), provider, providerID))
}

// EnsureAnonymousUser creates the reserved anonymous user if missing and
// returns it. Used in no-auth mode.
func (s *Store) EnsureAnonymousUser(ctx context.Context) (*model.User, error) {
	user, err := s.GetUser(ctx, model.AnonymousUserID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	user = &model.User{
		ID:         model.AnonymousUserID,
		Provider:   "anonymous",
		ProviderID: "anonymous",
		Name:       "Anonymous",
	}
	if err := s.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrConflict) {
			return s.GetUser(ctx, model.AnonymousUserID)
		}
		return nil, err
	}
	return user, nil
}

// DefaultProjectSlug names the project every no-auth deployment starts with.
const DefaultProjectSlug = "default"

// EnsureDefaultProject creates the anonymous user's default project if
// missing and returns it. Called once at startup in no-auth mode.
func (s *Store) EnsureDefaultProject(ctx context.Context) (*model.Project, error) {
	user, err := s.EnsureAnonymousUser(ctx)
	if err != nil {
		return nil, err
	}
	project, err := s.GetProjectBySlug(ctx, DefaultProjectSlug)
	if err == nil {
		return project, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	project = &model.Project{Slug: DefaultProjectSlug, Name: "Default Project"}
	if err := s.CreateProject(ctx, project); err != nil {
		if errors.Is(err, ErrConflict) {
			return s.GetProjectBySlug(ctx, DefaultProjectSlug)
		}
		return nil, err
	}
	member := &model.ProjectMember{
		ProjectID: project.ID,
		UserID:    user.ID,
		Role:      model.RoleOwner,
	}
	if err := s.AddProjectMember(ctx, member); err != nil && !errors.Is(err, ErrConflict) {
		return nil, err
	}
	return project, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanUser(row rowScanner) (*model.User, error) {
	user := &model.User{}
	err := row.Scan(&user.ID, &user.Provider, &user.ProviderID, &user.Email,
		&user.Name, &user.AvatarURL, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return user, nil
}

// CreateUserSession stores a login session. The caller hashes the token.
func (s *Store) CreateUserSession(ctx context.Context, sess *model.UserSession) error {
	if sess.ID == "" {
		sess.ID = model.NewID()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.w().ExecContext(ctx, s.w().Rebind(`
		INSERT INTO user_sessions (id, user_id, token_hash, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), sess.ID, sess.UserID, sess.TokenHash, sess.ExpiresAt, sess.CreatedAt)
	return err
}

// GetUserSessionByTokenHash resolves an unexpired session by its token hash.
func (s *Store) GetUserSessionByTokenHash(ctx context.Context, tokenHash string) (*model.UserSession, error) {
	sess := &model.UserSession{}
	err := s.r().QueryRowxContext(ctx, s.r().Rebind(`
		SELECT id, user_id, token_hash, expires_at, created_at
		FROM user_sessions WHERE token_hash = ?
	`), tokenHash).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user session: %w", err)
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, ErrNotFound
	}
	return sess, nil
}

// DeleteUserSession removes a login session by token hash (logout).
func (s *Store) DeleteUserSession(ctx context.Context, tokenHash string) error {
	_, err := s.w().ExecContext(ctx, s.w().Rebind(`
		DELETE FROM user_sessions WHERE token_hash = ?
	`), tokenHash)
	return err
}

// DeleteExpiredUserSessions garbage-collects expired login sessions.
func (s *Store) DeleteExpiredUserSessions(ctx context.Context) (int64, error) {
	res, err := s.w().ExecContext(ctx, s.w().Rebind(`
		DELETE FROM user_sessions WHERE expires_at < ?
	`), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SetUserPreference upserts one key/value preference for a user.
func (s *Store) SetUserPreference(ctx context.Context, userID, key, value string) error {
	now := time.Now().UTC()
	res, err := s.w().ExecContext(ctx, s.w().Rebind(`
		UPDATE user_preferences SET pref_value = ?, updated_at = ?
		WHERE user_id = ? AND pref_key = ?
	`), value, now, userID, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.w().ExecContext(ctx, s.w().Rebind(`
		INSERT INTO user_preferences (user_id, pref_key, pref_value, updated_at)
		VALUES (?, ?, ?, ?)
	`), userID, key, value, now)
	return mapConstraintErr(err)
}

// ListUserPreferences returns all preferences for a user.
func (s *Store) ListUserPreferences(ctx context.Context, userID string) ([]*model.UserPreference, error) {
	rows, err := s.r().QueryxContext(ctx, s.r().Rebind(`
		SELECT user_id, pref_key, pref_value, updated_at
		FROM user_preferences WHERE user_id = ? ORDER BY pref_key
	`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prefs []*model.UserPreference
	for rows.Next() {
		p := &model.UserPreference{}
		if err := rows.Scan(&p.UserID, &p.Key, &p.Value, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}
