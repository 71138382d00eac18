package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `id, report_id, report_version, type, params, idempotency_key, status, attempt_count, max_attempts,
	next_attempt_at, result_asset_id, error, snapshot, actor_id, created_at, updated_at, started_at, finished_at`

// InsertJob stores a queued job. A second active job with the same
// idempotency key yields ErrDuplicateActiveJob.
func (s *PostgresStore) InsertJob(ctx context.Context, job Job) error {
	params := job.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	snapshot := job.Snapshot
	if len(snapshot) == 0 {
		snapshot = json.RawMessage(`{}`)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	nextAttempt := job.NextAttemptAt
	if nextAttempt.IsZero() {
		nextAttempt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, report_id, report_version, type, params, idempotency_key, status, attempt_count, max_attempts, next_attempt_at, snapshot, actor_id)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, 'queued', 0, $7, $8, $9::json, $10)
	`, job.ID, job.ReportID, job.ReportVersion, job.Type, string(params), job.IdempotencyKey, maxAttempts, nextAttempt, string(snapshot), job.ActorID)
	if isUniqueViolation(err, "jobs_active_idempotency_key") {
		return ErrDuplicateActiveJob
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, jobID))
}

// GetActiveJobByKey returns the queued or running job holding key.
func (s *PostgresStore) GetActiveJobByKey(ctx context.Context, key string) (Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE idempotency_key=$1 AND status IN ('queued', 'running')
	`, key))
}

func (s *PostgresStore) ListJobs(ctx context.Context, reportID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE report_id=$1
		ORDER BY created_at DESC
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	items := make([]Job, 0)
	for rows.Next() {
		item, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return items, nil
}

// ClaimJob moves the oldest due queued job to running and returns it. Rows
// locked by another worker are skipped. sql.ErrNoRows means nothing is due.
func (s *PostgresStore) ClaimJob(ctx context.Context, now time.Time) (Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status='running', attempt_count=attempt_count+1, started_at=$1, updated_at=$1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status='queued' AND next_attempt_at <= $1
			ORDER BY next_attempt_at ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, err
		}
		return Job{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// CompleteJob records the asset and marks the job succeeded in one transaction.
func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, asset Asset) (Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO assets (id, job_id, report_id, file_type, locator, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, asset.ID, jobID, asset.ReportID, asset.FileType, asset.Locator, asset.SizeBytes); err != nil {
		return Job{}, fmt.Errorf("insert asset: %w", err)
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `
		UPDATE jobs
		SET status='succeeded', result_asset_id=$2, error=NULL, finished_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='running'
		RETURNING `+jobColumns, jobID, asset.ID))
	if err != nil {
		return Job{}, fmt.Errorf("complete job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, fmt.Errorf("commit tx: %w", err)
	}
	return job, nil
}

// RetryJob puts a running job back in the queue until nextAttemptAt.
func (s *PostgresStore) RetryJob(ctx context.Context, jobID string, nextAttemptAt time.Time, message string) (Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status='queued', next_attempt_at=$2, error=$3, updated_at=NOW()
		WHERE id=$1 AND status='running'
		RETURNING `+jobColumns, jobID, nextAttemptAt, message))
	if err != nil {
		return Job{}, fmt.Errorf("retry job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID, message string) (Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status='failed', error=$2, finished_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='running'
		RETURNING `+jobColumns, jobID, message))
	if err != nil {
		return Job{}, fmt.Errorf("fail job: %w", err)
	}
	return job, nil
}

// CancelJob withdraws a queued job. Jobs in any other state are reported with
// a JobStateError.
func (s *PostgresStore) CancelJob(ctx context.Context, jobID string) (Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status='cancelled', finished_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='queued'
		RETURNING `+jobColumns, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.GetJob(ctx, jobID)
		if getErr != nil {
			return Job{}, getErr
		}
		return Job{}, &JobStateError{Status: current.Status}
	}
	if err != nil {
		return Job{}, fmt.Errorf("cancel job: %w", err)
	}
	return job, nil
}

// ReleaseJob returns a running job to the queue without spending the
// attempt it claimed. Used when a worker stops mid-run.
func (s *PostgresStore) ReleaseJob(ctx context.Context, jobID string) (Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status='queued', attempt_count=GREATEST(attempt_count-1, 0), next_attempt_at=NOW(), started_at=NULL, updated_at=NOW()
		WHERE id=$1 AND status='running'
		RETURNING `+jobColumns, jobID))
	if err != nil {
		return Job{}, fmt.Errorf("release job: %w", err)
	}
	return job, nil
}

// RequeueStaleJobs handles running jobs whose worker disappeared. Jobs with
// attempts left go back to the queue; jobs that were on their last attempt
// fail with message. Every affected job is returned.
func (s *PostgresStore) RequeueStaleJobs(ctx context.Context, startedBefore time.Time, message string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempt_count >= max_attempts THEN 'failed' ELSE 'queued' END,
			error = CASE WHEN attempt_count >= max_attempts THEN $2 ELSE error END,
			finished_at = CASE WHEN attempt_count >= max_attempts THEN NOW() ELSE finished_at END,
			next_attempt_at = NOW(),
			updated_at = NOW()
		WHERE status='running' AND started_at < $1
		RETURNING `+jobColumns, startedBefore, message)
	if err != nil {
		return nil, fmt.Errorf("requeue stale jobs: %w", err)
	}
	defer rows.Close()

	items := make([]Job, 0)
	for rows.Next() {
		item, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale jobs: %w", err)
	}
	return items, nil
}

func scanJob(row rowScanner) (Job, error) {
	var (
		item       Job
		params     []byte
		snapshot   []byte
		assetID    sql.NullString
		message    sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(
		&item.ID,
		&item.ReportID,
		&item.ReportVersion,
		&item.Type,
		&params,
		&item.IdempotencyKey,
		&item.Status,
		&item.AttemptCount,
		&item.MaxAttempts,
		&item.NextAttemptAt,
		&assetID,
		&message,
		&snapshot,
		&item.ActorID,
		&item.CreatedAt,
		&item.UpdatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return Job{}, err
	}
	item.Params = json.RawMessage(params)
	item.Snapshot = json.RawMessage(snapshot)
	if assetID.Valid {
		item.ResultAssetID = &assetID.String
	}
	if message.Valid {
		item.Error = &message.String
	}
	if startedAt.Valid {
		item.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		item.FinishedAt = &finishedAt.Time
	}
	return item, nil
}

// Assets

const assetColumns = `id, job_id, report_id, file_type, locator, size_bytes, created_at`

func (s *PostgresStore) GetAsset(ctx context.Context, assetID string) (Asset, error) {
	var item Asset
	err := s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id=$1`, assetID).
		Scan(&item.ID, &item.JobID, &item.ReportID, &item.FileType, &item.Locator, &item.SizeBytes, &item.CreatedAt)
	if err != nil {
		return Asset{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context, reportID string) ([]Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assetColumns+`
		FROM assets
		WHERE report_id=$1
		ORDER BY created_at DESC
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	items := make([]Asset, 0)
	for rows.Next() {
		var item Asset
		if err := rows.Scan(&item.ID, &item.JobID, &item.ReportID, &item.FileType, &item.Locator, &item.SizeBytes, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}
	return items, nil
}
