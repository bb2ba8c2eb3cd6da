package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/KingPyrox/Legal-Lens/internal/models"
)

// Operator-action errors surfaced directly to API callers.
var (
	ErrJobNotFound      = errors.New("job not found")
	ErrAnalysisNotFound = errors.New("analysis not found")
	ErrInvalidState     = errors.New("invalid job state for operation")
)

// Store wraps pgxpool for Postgres persistence. It is the system of record
// for job lifecycle, spend events, and analysis status.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies connectivity; mains retry this with backoff at startup.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	QueueName   string
	Payload     map[string]any
	Priority    int
	MaxAttempts int
	BackoffBase time.Duration
	DelayUntil  *time.Time
	OrgID       string
}

// CreateJob inserts a job row in waiting (or delayed) state and returns it.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	state := models.StateWaiting
	if p.DelayUntil != nil && p.DelayUntil.After(now) {
		state = models.StateDelayed
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, queue_name, payload, priority, state, attempt, max_attempts, backoff_base_ms, delay_until, org_id, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10)
	`, id, p.QueueName, payloadJSON, p.Priority, state, p.MaxAttempts, p.BackoffBase.Milliseconds(), p.DelayUntil, emptyToNil(p.OrgID), now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          id,
		QueueName:   p.QueueName,
		Payload:     p.Payload,
		Priority:    p.Priority,
		State:       state,
		Attempt:     0,
		MaxAttempts: p.MaxAttempts,
		BackoffBase: p.BackoffBase,
		DelayUntil:  p.DelayUntil,
		OrgID:       p.OrgID,
		CreatedAt:   now,
	}, nil
}

const jobColumns = `id, queue_name, payload, priority, state, attempt, max_attempts, backoff_base_ms, delay_until, org_id, last_error, created_at, processed_at, finished_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var backoffMs int64
	var delayUntil, processedAt, finishedAt pgtype.Timestamptz
	var orgID, lastErr pgtype.Text

	err := row.Scan(&job.ID, &job.QueueName, &payloadJSON, &job.Priority, &job.State,
		&job.Attempt, &job.MaxAttempts, &backoffMs, &delayUntil, &orgID, &lastErr,
		&job.CreatedAt, &processedAt, &finishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.BackoffBase = time.Duration(backoffMs) * time.Millisecond
	job.DelayUntil = tsPtr(delayUntil)
	job.ProcessedAt = tsPtr(processedAt)
	job.FinishedAt = tsPtr(finishedAt)
	if orgID.Valid {
		job.OrgID = orgID.String
	}
	job.LastError = textPtr(lastErr)
	return job, nil
}

// GetJob fetches a job by queue and id.
func (s *Store) GetJob(ctx context.Context, queueName, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE queue_name = $1 AND id = $2
	`, queueName, id)
	return scanJob(row)
}

// ListJobsByState enumerates jobs of one queue in a given state, newest first.
func (s *Store) ListJobsByState(ctx context.Context, queueName, state string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE queue_name = $1 AND state = $2
		ORDER BY created_at DESC
	`, queueName, state)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkActive transitions a claimed job to active and stamps processed_at.
// The claim is only durable once this write lands.
func (s *Store) MarkActive(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, processed_at = NOW() WHERE id = $1
	`, id, models.StateActive)
	return err
}

// MarkCompleted finalizes a successful job.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, finished_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.StateCompleted)
	return err
}

// MarkDelayed records a retry: attempt count, the computed backoff deadline,
// and the failure message.
func (s *Store) MarkDelayed(ctx context.Context, id string, attempt int, delayUntil time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, attempt = $3, delay_until = $4, last_error = $5 WHERE id = $1
	`, id, models.StateDelayed, attempt, delayUntil, lastErr)
	return err
}

// MarkWaiting returns a job to the waiting state (delayed promotion or
// lease/recovery requeue).
func (s *Store) MarkWaiting(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, delay_until = NULL WHERE id = $1
	`, id, models.StateWaiting)
	return err
}

// MarkFailed finalizes a job that exhausted its retry budget or hit a
// permanent error.
func (s *Store) MarkFailed(ctx context.Context, id string, attempt int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, attempt = $3, finished_at = NOW(), last_error = $4 WHERE id = $1
	`, id, models.StateFailed, attempt, lastErr)
	return err
}

// RetryJob resets a failed job to waiting. Only failed jobs qualify; any
// other state returns ErrInvalidState and leaves the row untouched. With
// fullReset the attempt counter starts over.
func (s *Store) RetryJob(ctx context.Context, queueName, id string, fullReset bool) (models.Job, error) {
	job, err := s.GetJob(ctx, queueName, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.State != models.StateFailed {
		return models.Job{}, fmt.Errorf("retry %s job: %w", job.State, ErrInvalidState)
	}
	attempt := job.Attempt
	if fullReset {
		attempt = 0
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, attempt = $3, delay_until = NULL, finished_at = NULL WHERE id = $1 AND state = $4
	`, id, models.StateWaiting, attempt, models.StateFailed)
	if err != nil {
		return models.Job{}, err
	}
	job.State = models.StateWaiting
	job.Attempt = attempt
	job.DelayUntil = nil
	job.FinishedAt = nil
	return job, nil
}

// DeleteJob removes a job that is not currently active.
func (s *Store) DeleteJob(ctx context.Context, queueName, id string) error {
	job, err := s.GetJob(ctx, queueName, id)
	if err != nil {
		return err
	}
	if job.State == models.StateActive {
		return fmt.Errorf("remove active job: %w", ErrInvalidState)
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	return err
}

// QueueStats counts jobs of one queue per lifecycle state. Delayed jobs are
// reported as waiting; they are just not yet eligible.
func (s *Store) QueueStats(ctx context.Context, queueName string) (models.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state, COUNT(*) FROM jobs WHERE queue_name = $1 GROUP BY state
	`, queueName)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return models.QueueStats{}, err
		}
		switch state {
		case models.StateWaiting, models.StateDelayed:
			stats.Waiting += n
		case models.StateActive:
			stats.Active += n
		case models.StateCompleted:
			stats.Completed += n
		case models.StateFailed:
			stats.Failed += n
		}
	}
	return stats, rows.Err()
}

// StaleActiveJobs returns jobs stuck in active with no completion past the
// staleness threshold. The recovery pass requeues them on worker startup.
func (s *Store) StaleActiveJobs(ctx context.Context, olderThan time.Duration) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = $1 AND processed_at < NOW() - ($2 * INTERVAL '1 millisecond')
	`, models.StateActive, olderThan.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("stale active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}
