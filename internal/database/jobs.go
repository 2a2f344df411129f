package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tradewire/internal/models"
)

// EnqueueJob inserts a new delivery job in queued state.
func (d *Database) EnqueueJob(ctx context.Context, job *models.DeliveryJob) error {
	query := `
		INSERT INTO delivery_jobs (id, kind, payload, attempt, status, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := d.db.ExecContext(ctx, query,
		job.ID, job.Kind, string(job.Payload), job.Attempt, job.Status,
		job.NextRunAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// ClaimJob atomically claims the next due job of the given kind, moving it to
// processing and bumping the attempt counter. Returns nil when nothing is due.
func (d *Database) ClaimJob(ctx context.Context, kind models.JobKind) (*models.DeliveryJob, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM delivery_jobs
		WHERE kind = ? AND status IN ('queued', 'retrying') AND next_run_at <= ?
		ORDER BY next_run_at
		LIMIT 1
	`, kind, now).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select due job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET status = 'processing', attempt = attempt + 1, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'retrying')
	`, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Another worker won the claim between select and update.
		return nil, nil
	}

	job, err := getJobTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return job, nil
}

// GetJob returns a job by ID, or nil when it does not exist.
func (d *Database) GetJob(ctx context.Context, id string) (*models.DeliveryJob, error) {
	return getJob(ctx, d.db, id)
}

// CompleteJob marks a processing job as completed.
func (d *Database) CompleteJob(ctx context.Context, id string) error {
	query := `UPDATE delivery_jobs SET status = 'completed', last_error = NULL, updated_at = ? WHERE id = ?`
	if _, err := d.db.ExecContext(ctx, query, time.Now(), id); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// RetryJob schedules a failed job for another attempt after the backoff delay.
func (d *Database) RetryJob(ctx context.Context, id string, nextRunAt time.Time, lastError string) error {
	query := `UPDATE delivery_jobs SET status = 'retrying', next_run_at = ?, last_error = ?, updated_at = ? WHERE id = ?`
	if _, err := d.db.ExecContext(ctx, query, nextRunAt, lastError, time.Now(), id); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return nil
}

// DeadLetterJob parks a job that exhausted its attempts. Dead jobs are kept
// for inspection, never silently dropped.
func (d *Database) DeadLetterJob(ctx context.Context, id string, lastError string) error {
	query := `UPDATE delivery_jobs SET status = 'dead', last_error = ?, updated_at = ? WHERE id = ?`
	if _, err := d.db.ExecContext(ctx, query, lastError, time.Now(), id); err != nil {
		return fmt.Errorf("failed to dead-letter job: %w", err)
	}
	return nil
}

// QueueDepth counts jobs that still have work pending (queued, retrying or
// in-flight).
func (d *Database) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	query := `SELECT COUNT(*) FROM delivery_jobs WHERE status IN ('queued', 'retrying', 'processing')`
	if err := d.db.QueryRowContext(ctx, query).Scan(&depth); err != nil {
		return 0, fmt.Errorf("failed to count queue depth: %w", err)
	}
	return depth, nil
}

// JobStatusCounts returns the number of jobs per status.
func (d *Database) JobStatusCounts(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM delivery_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count job statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status models.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListDeadLetters returns dead-lettered jobs, oldest first.
func (d *Database) ListDeadLetters(ctx context.Context, limit int) ([]*models.DeliveryJob, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, kind, payload, attempt, status, next_run_at, last_error, created_at, updated_at
		FROM delivery_jobs
		WHERE status = 'dead'
		ORDER BY updated_at
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*models.DeliveryJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ClearDeadLetters removes all dead-lettered jobs and reports how many.
func (d *Database) ClearDeadLetters(ctx context.Context) (int, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM delivery_jobs WHERE status = 'dead'`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear dead letters: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.DeliveryJob, error) {
	var job models.DeliveryJob
	var payload string
	err := row.Scan(&job.ID, &job.Kind, &payload, &job.Attempt, &job.Status,
		&job.NextRunAt, &job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	job.Payload = []byte(payload)
	return &job, nil
}

const jobColumns = `id, kind, payload, attempt, status, next_run_at, last_error, created_at, updated_at`

func getJob(ctx context.Context, db *sql.DB, id string) (*models.DeliveryJob, error) {
	row := db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM delivery_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func getJobTx(ctx context.Context, tx *sql.Tx, id string) (*models.DeliveryJob, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM delivery_jobs WHERE id = ?`, id)
	return scanJob(row)
}
