// Package store is the transactional persistence layer of the control plane.
// It speaks both PostgreSQL and embedded SQLite through the db package; every
// cross-process synchronization point (job claims, leader lease, event
// sequence) flows through it.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/discobot/discobot/internal/common/logger"
	"github.com/discobot/discobot/internal/db"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert or update violates a
	// uniqueness constraint.
	ErrConflict = errors.New("conflict")
)

// Store provides persistence for all control-plane entities.
type Store struct {
	pool   *db.Pool
	cipher *Cipher
	salt   string
	logger *logger.Logger
}

// New creates a Store over the given pool, initializes the schema, and
// derives the credential encryption key from salt.
func New(pool *db.Pool, salt string, log *logger.Logger) (*Store, error) {
	s := &Store{
		pool:   pool,
		cipher: NewCipher(salt),
		salt:   salt,
		logger: log,
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pools.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) w() *sqlx.DB { return s.pool.Writer() }
func (s *Store) r() *sqlx.DB { return s.pool.Reader() }

// inTx runs fn inside a write transaction, committing on nil error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.w().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// mapConstraintErr converts driver-specific uniqueness violations into
// ErrConflict so callers can branch with errors.Is.
func mapConstraintErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value") { // postgres
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	}
	return err
}

// HashToken returns the salted SHA-256 hex digest used to store session and
// invitation tokens. The plain token never touches the database.
func (s *Store) HashToken(token string) string {
	sum := sha256.Sum256([]byte(s.salt + token))
	return hex.EncodeToString(sum[:])
}
