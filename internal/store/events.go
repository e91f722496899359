package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/discobot/discobot/internal/db/dialect"
	"github.com/discobot/discobot/internal/model"
)

// CreateProjectEvent appends one row to the project event log. The database
// assigns seq; it is strictly increasing across all events, though rolled
// back inserts may leave gaps.
func (s *Store) CreateProjectEvent(ctx context.Context, ev *model.ProjectEvent) error {
	if ev.ID == "" {
		ev.ID = model.NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	data := string(ev.Data)
	if data == "" {
		data = "{}"
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		seq, err := dialect.InsertReturning(ctx, tx, "seq", `
			INSERT INTO project_events (id, project_id, type, data, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, ev.ID, ev.ProjectID, ev.Type, data, ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert project event: %w", err)
		}
		ev.Seq = seq
		return nil
	})
}

// ListEventsAfterSeq returns up to limit events with seq greater than
// afterSeq, across all projects, in seq order. The broker's poller feeds
// from here.
func (s *Store) ListEventsAfterSeq(ctx context.Context, afterSeq int64, limit int) ([]*model.ProjectEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.r().QueryxContext(ctx, s.r().Rebind(`
		SELECT seq, id, project_id, type, data, created_at
		FROM project_events WHERE seq > ? ORDER BY seq LIMIT ?
	`), afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListProjectEventsAfterSeq returns a single project's events with seq
// greater than afterSeq, in seq order. Used for client replay.
func (s *Store) ListProjectEventsAfterSeq(ctx context.Context, projectID string, afterSeq int64, limit int) ([]*model.ProjectEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.r().QueryxContext(ctx, s.r().Rebind(`
		SELECT seq, id, project_id, type, data, created_at
		FROM project_events WHERE project_id = ? AND seq > ? ORDER BY seq LIMIT ?
	`), projectID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListProjectEventsSince returns a project's events created at or after the
// given instant, in seq order.
func (s *Store) ListProjectEventsSince(ctx context.Context, projectID string, since time.Time, limit int) ([]*model.ProjectEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.r().QueryxContext(ctx, s.r().Rebind(`
		SELECT seq, id, project_id, type, data, created_at
		FROM project_events WHERE project_id = ? AND created_at >= ? ORDER BY seq LIMIT ?
	`), projectID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetProjectEvent returns one event by its opaque ID. Resolves ?afterId=
// resume points into sequence numbers.
func (s *Store) GetProjectEvent(ctx context.Context, id string) (*model.ProjectEvent, error) {
	ev := &model.ProjectEvent{}
	var data string
	err := s.r().QueryRowxContext(ctx, s.r().Rebind(`
		SELECT seq, id, project_id, type, data, created_at
		FROM project_events WHERE id = ?
	`), id).Scan(&ev.Seq, &ev.ID, &ev.ProjectID, &ev.Type, &data, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan project event: %w", err)
	}
	ev.Data = []byte(data)
	return ev, nil
}

// MaxEventSeq returns the highest assigned seq, or 0 when the log is empty.
func (s *Store) MaxEventSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.r().QueryRowxContext(ctx, `SELECT MAX(seq) FROM project_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max event seq: %w", err)
	}
	return seq.Int64, nil
}

// DeleteEventsOlderThan garbage-collects event rows by age. Sequence numbers
// are never reused.
func (s *Store) DeleteEventsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	res, err := s.w().ExecContext(ctx, s.w().Rebind(`
		DELETE FROM project_events WHERE created_at < ?
	`), cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanEvents(rows *sqlx.Rows) ([]*model.ProjectEvent, error) {
	var events []*model.ProjectEvent
	for rows.Next() {
		ev := &model.ProjectEvent{}
		var data string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.ProjectID, &ev.Type, &data, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project event: %w", err)
		}
		ev.Data = []byte(data)
		events = append(events, ev)
	}
	return events, rows.Err()
}
