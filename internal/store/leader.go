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

// TryAcquireLeadership attempts to take or renew the singleton dispatcher
// lease, in one transaction. Returns true when serverID is the leader after
// the call.
//
// Rules: no row -> insert ours; our row -> renew heartbeat; someone else's
// row -> take over only when their heartbeat is older than timeout.
func (s *Store) TryAcquireLeadership(ctx context.Context, serverID string, timeout time.Duration) (bool, error) {
	var isLeader bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		var current model.DispatcherLeader
		err := tx.QueryRowxContext(ctx, `
			SELECT server_id, heartbeat_at, acquired_at FROM dispatcher_leader WHERE singleton = 1
		`).Scan(&current.ServerID, &current.HeartbeatAt, &current.AcquiredAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO dispatcher_leader (singleton, server_id, heartbeat_at, acquired_at)
				VALUES (1, ?, ?, ?)
			`), serverID, now, now)
			if err != nil {
				// A concurrent insert won the race.
				if errors.Is(mapConstraintErr(err), ErrConflict) {
					return nil
				}
				return fmt.Errorf("insert leader: %w", err)
			}
			isLeader = true
			return nil
		case err != nil:
			return fmt.Errorf("read leader: %w", err)
		}

		if current.ServerID == serverID {
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE dispatcher_leader SET heartbeat_at = ? WHERE singleton = 1
			`), now)
			if err != nil {
				return fmt.Errorf("renew lease: %w", err)
			}
			isLeader = true
			return nil
		}

		if current.HeartbeatAt.Before(now.Add(-timeout)) {
			res, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE dispatcher_leader SET server_id = ?, heartbeat_at = ?, acquired_at = ?
				WHERE singleton = 1 AND server_id = ?
			`), serverID, now, now, current.ServerID)
			if err != nil {
				return fmt.Errorf("take over lease: %w", err)
			}
			n, _ := res.RowsAffected()
			isLeader = n == 1
			return nil
		}
		return nil
	})
	return isLeader, err
}

// ReleaseLeadership deletes the lease when held by serverID so a successor
// wins immediately on graceful shutdown.
func (s *Store) ReleaseLeadership(ctx context.Context, serverID string) error {
	_, err := s.w().ExecContext(ctx, s.w().Rebind(`
		DELETE FROM dispatcher_leader WHERE singleton = 1 AND server_id = ?
	`), serverID)
	return err
}

// GetLeader returns the current lease row, or ErrNotFound.
func (s *Store) GetLeader(ctx context.Context) (*model.DispatcherLeader, error) {
	leader := &model.DispatcherLeader{}
	err := s.r().QueryRowxContext(ctx, `
		SELECT server_id, heartbeat_at, acquired_at FROM dispatcher_leader WHERE singleton = 1
	`).Scan(&leader.ServerID, &leader.HeartbeatAt, &leader.AcquiredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan leader: %w", err)
	}
	return leader, nil
}
