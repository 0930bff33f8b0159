package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tsukimori/mangahive/internal/scrape"
)

const jobColumns = `id, job_type, status, execution_id, series_id, chapter_id,
	input_data, result_data, total_items, processed_items,
	started_at, completed_at, retry_count, max_retries,
	error_message, error_traceback, created_at`

// NewJob carries the caller-supplied fields of a job about to be created.
type NewJob struct {
	Type       scrape.JobType
	SeriesID   *int64
	ChapterID  *int64
	InputData  map[string]any
	MaxRetries int
}

// JobFilter narrows ListJobs. Zero values mean no constraint.
type JobFilter struct {
	Status   scrape.JobStatus
	Type     scrape.JobType
	SeriesID *int64
	Limit    int
	Offset   int
}

// CreateJob persists a pending job and returns it with its assigned ID.
func (s *Store) CreateJob(ctx context.Context, n NewJob) (scrape.Job, error) {
	input, err := marshalJSON(n.InputData)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("encode job input: %w", err)
	}
	maxRetries := n.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO jobs (job_type, status, series_id, chapter_id, input_data, max_retries)
		VALUES ($1, 'pending', $2, $3, $4, $5)
		RETURNING `+jobColumns,
		string(n.Type), n.SeriesID, n.ChapterID, input, maxRetries)
	job, err := scanJob(row)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by primary key.
func (s *Store) GetJob(ctx context.Context, id int64) (scrape.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Job{}, ErrNotFound
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status and type.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]scrape.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += fmt.Sprintf(" AND job_type = $%d", len(args))
	}
	if filter.SeriesID != nil {
		args = append(args, *filter.SeriesID)
		query += fmt.Sprintf(" AND series_id = $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []scrape.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// StampJobExecution records the queue execution handle assigned at enqueue
// time, so the job can be revoked before a worker picks it up.
func (s *Store) StampJobExecution(ctx context.Context, id int64, executionID string) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE jobs SET execution_id = $2 WHERE id = $1`, id, executionID); err != nil {
		return fmt.Errorf("stamp job execution: %w", err)
	}
	return nil
}

// ClaimJob transitions a pending or retry job to running and stamps the
// execution handle. The bool reports whether this caller won the claim.
func (s *Store) ClaimJob(ctx context.Context, id int64, executionID string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = 'running', execution_id = $2, started_at = $3
		WHERE id = $1 AND status IN ('pending', 'retry')`,
		id, executionID, at)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteJob marks a running job completed with its result payload.
func (s *Store) CompleteJob(ctx context.Context, id int64, result map[string]any, processed int, at time.Time) error {
	payload, err := marshalJSON(result)
	if err != nil {
		return fmt.Errorf("encode job result: %w", err)
	}
	if _, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = 'completed', result_data = $2,
			processed_items = $3, completed_at = $4, error_message = '', error_traceback = ''
		WHERE id = $1`, id, payload, processed, at); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// FailJob marks a job permanently failed.
func (s *Store) FailJob(ctx context.Context, id int64, message, traceback string, at time.Time) error {
	if _, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = 'failed', error_message = $2, error_traceback = $3, completed_at = $4
		WHERE id = $1`, id, message, traceback, at); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// ScheduleJobRetry bumps the retry counter and parks the job in retry state
// until it is re-enqueued.
func (s *Store) ScheduleJobRetry(ctx context.Context, id int64, message string) error {
	if _, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = 'retry', retry_count = retry_count + 1, error_message = $2
		WHERE id = $1`, id, message); err != nil {
		return fmt.Errorf("schedule job retry: %w", err)
	}
	return nil
}

// CancelJob cancels a job that has not reached a terminal state. The bool
// reports whether the transition happened.
func (s *Store) CancelJob(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = 'cancelled', completed_at = $2
		WHERE id = $1 AND status IN ('pending', 'running', 'retry')`, id, at)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResetJobForRetry rewinds a failed job to pending for an operator-requested
// re-run. Only error and timing fields are cleared; retry_count keeps its
// accumulated value.
func (s *Store) ResetJobForRetry(ctx context.Context, id int64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = 'pending', execution_id = '',
			started_at = NULL, completed_at = NULL, error_message = '', error_traceback = ''
		WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return false, fmt.Errorf("reset job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateJobProgress records incremental progress on a running job.
func (s *Store) UpdateJobProgress(ctx context.Context, id int64, processed, total int) error {
	if _, err := s.db.Exec(ctx, `
		UPDATE jobs SET processed_items = $2, total_items = $3 WHERE id = $1`,
		id, processed, total); err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// PurgeTerminalJobsBefore deletes completed, failed and cancelled jobs that
// finished before the cutoff. Returns the number of rows removed.
func (s *Store) PurgeTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (scrape.Job, error) {
	var (
		job       scrape.Job
		jobType   string
		status    string
		inputRaw  []byte
		resultRaw []byte
	)
	err := row.Scan(
		&job.ID, &jobType, &status, &job.ExecutionID, &job.SeriesID, &job.ChapterID,
		&inputRaw, &resultRaw, &job.TotalItems, &job.ProcessedItems,
		&job.StartedAt, &job.CompletedAt, &job.RetryCount, &job.MaxRetries,
		&job.ErrorMessage, &job.ErrorTraceback, &job.CreatedAt,
	)
	if err != nil {
		return scrape.Job{}, err
	}
	job.Type = scrape.JobType(jobType)
	job.Status = scrape.JobStatus(status)
	if job.InputData, err = unmarshalJSON(inputRaw); err != nil {
		return scrape.Job{}, fmt.Errorf("decode job input: %w", err)
	}
	if job.ResultData, err = unmarshalJSON(resultRaw); err != nil {
		return scrape.Job{}, fmt.Errorf("decode job result: %w", err)
	}
	return job, nil
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalJSON(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
