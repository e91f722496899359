package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/discobot/discobot/internal/model"
)

// CreateCredential stores a project-scoped secret. The secret is encrypted
// before it touches the database; (project, provider) is unique.
func (s *Store) CreateCredential(ctx context.Context, cred *model.Credential) error {
	if cred.ID == "" {
		cred.ID = model.NewID()
	}
	now := time.Now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now
	encrypted, err := s.cipher.EncryptString(cred.Secret)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	_, err = s.w().ExecContext(ctx, s.w().Rebind(`
		INSERT INTO credentials (id, project_id, provider, auth_type, secret, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), cred.ID, cred.ProjectID, cred.Provider, cred.AuthType, encrypted, cred.CreatedAt, cred.UpdatedAt)
	return mapConstraintErr(err)
}

// GetCredential returns the decrypted credential for (project, provider).
func (s *Store) GetCredential(ctx context.Context, projectID, provider string) (*model.Credential, error) {
	cred := &model.Credential{}
	var encrypted string
	err := s.r().QueryRowxContext(ctx, s.r().Rebind(`
		SELECT id, project_id, provider, auth_type, secret, created_at, updated_at
		FROM credentials WHERE project_id = ? AND provider = ?
	`), projectID, provider).Scan(&cred.ID, &cred.ProjectID, &cred.Provider,
		&cred.AuthType, &encrypted, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	cred.Secret, err = s.cipher.DecryptString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}
	return cred, nil
}

// ListCredentialsByProject returns a project's credentials with decrypted
// secrets. API responses never serialize the secret field.
func (s *Store) ListCredentialsByProject(ctx context.Context, projectID string) ([]*model.Credential, error) {
	rows, err := s.r().QueryxContext(ctx, s.r().Rebind(`
		SELECT id, project_id, provider, auth_type, secret, created_at, updated_at
		FROM credentials WHERE project_id = ? ORDER BY provider
	`), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*model.Credential
	for rows.Next() {
		cred := &model.Credential{}
		var encrypted string
		if err := rows.Scan(&cred.ID, &cred.ProjectID, &cred.Provider,
			&cred.AuthType, &encrypted, &cred.CreatedAt, &cred.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		cred.Secret, err = s.cipher.DecryptString(encrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// DeleteCredential removes a credential by ID within a project.
func (s *Store) DeleteCredential(ctx context.Context, projectID, credentialID string) error {
	res, err := s.w().ExecContext(ctx, s.w().Rebind(`
		DELETE FROM credentials WHERE id = ? AND project_id = ?
	`), credentialID, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
