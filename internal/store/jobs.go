package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/discobot/discobot/internal/common/stringutil"
	"github.com/discobot/discobot/internal/model"
)

const jobColumns = `id, type, payload, status, priority, attempts, max_attempts, error, worker_id, resource_type, resource_id, scheduled_at, started_at, completed_at, created_at`

// retryBackoffUnit is multiplied by the attempt count to schedule a retry.
const retryBackoffUnit = 30 * time.Second

// CreateJob inserts a pending job.
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = model.NewID()
	}
	if job.Status == "" {
		job.Status = model.JobPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	payload := string(job.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.w().ExecContext(ctx, s.w().Rebind(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), job.ID, job.Type, payload, job.Status, job.Priority, job.Attempts,
		job.MaxAttempts, job.Error, job.WorkerID, job.ResourceType, job.ResourceID,
		job.ScheduledAt, job.StartedAt, job.CompletedAt, job.CreatedAt)
	return mapConstraintErr(err)
}

// GetJob returns a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return s.scanJob(s.r().QueryRowxContext(ctx, s.r().Rebind(`
		SELECT `+jobColumns+` FROM jobs WHERE id = ?
	`), id))
}

// ClaimJobOfTypes atomically claims the next runnable pending job whose type
// is in types. Candidates are scanned in (priority DESC, scheduled_at ASC,
// created_at ASC) order; a candidate with a resource key is skipped while
// another job with the same key is running. Returns nil when nothing is
// runnable.
func (s *Store) ClaimJobOfTypes(ctx context.Context, types []model.JobType, workerID string) (*model.Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	var claimed *model.Job
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In(`
			SELECT `+jobColumns+` FROM jobs
			WHERE status = 'pending' AND type IN (?) AND scheduled_at <= ?
			ORDER BY priority DESC, scheduled_at ASC, created_at ASC
			LIMIT 10
		`, types, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("build claim query: %w", err)
		}
		rows, err := tx.QueryxContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return fmt.Errorf("select candidates: %w", err)
		}
		var candidates []*model.Job
		for rows.Next() {
			job, err := s.scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, job)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, job := range candidates {
			if job.ResourceType != nil && job.ResourceID != nil {
				var running int
				err := tx.QueryRowxContext(ctx, tx.Rebind(`
					SELECT COUNT(*) FROM jobs
					WHERE status = 'running' AND resource_type = ? AND resource_id = ? AND id != ?
				`), *job.ResourceType, *job.ResourceID, job.ID).Scan(&running)
				if err != nil {
					return fmt.Errorf("count running: %w", err)
				}
				if running > 0 {
					continue
				}
			}
			now := time.Now().UTC()
			res, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE jobs SET status = 'running', worker_id = ?, started_at = ?, attempts = attempts + 1
				WHERE id = ? AND status = 'pending'
			`), workerID, now, job.ID)
			if err != nil {
				return fmt.Errorf("claim job: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			job.Status = model.JobRunning
			job.WorkerID = &workerID
			job.StartedAt = &now
			job.Attempts++
			claimed = job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteJob marks a running job as completed.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.w().ExecContext(ctx, s.w().Rebind(`
		UPDATE jobs SET status = 'completed', completed_at = ?, error = NULL WHERE id = ?
	`), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failure. While attempts remain it requeues the job with
// a linear backoff of attempts x 30s; otherwise the job goes terminal.
func (s *Store) FailJob(ctx context.Context, id string, jobErr error) error {
	errMsg := ""
	if jobErr != nil {
		// Provider errors can embed whole command transcripts; keep the
		// stored message bounded.
		errMsg = stringutil.TruncateStringWithEllipsis(jobErr.Error(), 2000)
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		job, err := s.scanJob(tx.QueryRowxContext(ctx, tx.Rebind(`
			SELECT `+jobColumns+` FROM jobs WHERE id = ?
		`), id))
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if job.Attempts < job.MaxAttempts {
			backoff := time.Duration(job.Attempts) * retryBackoffUnit
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE jobs SET status = 'pending', error = ?, worker_id = NULL, started_at = NULL, scheduled_at = ?
				WHERE id = ?
			`), errMsg, now.Add(backoff), id)
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE jobs SET status = 'failed', error = ?, completed_at = ? WHERE id = ?
		`), errMsg, now, id)
		return err
	})
}

// DeferJob returns a claimed job to pending without counting the claim as an
// execution: the claim-time attempt increment is rolled back and the job is
// rescheduled after delay. Attempts track executions, so a job deferred for
// capacity reasons keeps its full retry budget.
func (s *Store) DeferJob(ctx context.Context, id string, delay time.Duration) error {
	res, err := s.w().ExecContext(ctx, s.w().Rebind(`
		UPDATE jobs
		SET status = 'pending', worker_id = NULL, started_at = NULL,
		    attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END,
		    scheduled_at = ?
		WHERE id = ? AND status = 'running'
	`), time.Now().UTC().Add(delay), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CleanupStaleJobs requeues running jobs whose workers stopped heartbeating:
// anything started before now - staleAfter goes back to pending.
func (s *Store) CleanupStaleJobs(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	res, err := s.w().ExecContext(ctx, s.w().Rebind(`
		UPDATE jobs SET status = 'pending', worker_id = NULL, started_at = NULL
		WHERE status = 'running' AND started_at < ?
	`), cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListActiveJobs returns pending and running jobs, newest first. Feeds the
// system-status startup task list.
func (s *Store) ListActiveJobs(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.r().QueryxContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('pending', 'running')
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteCompletedJobs garbage-collects terminal jobs older than the cutoff.
func (s *Store) DeleteCompletedJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.w().ExecContext(ctx, s.w().Rebind(`
		DELETE FROM jobs WHERE status IN ('completed', 'failed') AND completed_at < ?
	`), cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) scanJob(row rowScanner) (*model.Job, error) {
	job := &model.Job{}
	var payload string
	err := row.Scan(&job.ID, &job.Type, &payload, &job.Status, &job.Priority,
		&job.Attempts, &job.MaxAttempts, &job.Error, &job.WorkerID,
		&job.ResourceType, &job.ResourceID, &job.ScheduledAt, &job.StartedAt,
		&job.CompletedAt, &job.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Payload = []byte(payload)
	return job, nil
}
