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

	"launchforge/internal/models"
)

const jobColumns = `id, project_id, job_type, agent_key, payload, status, priority, attempts, max_attempts,
	run_after, locked_at, locked_by, last_error, idempotency_key, created_at, updated_at, completed_at`

// Store wraps pgxpool for Postgres persistence. It is the single shared
// mutable resource; all cross-worker coordination goes through ClaimBatch
// and ReclaimStale.
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

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	ProjectID      string
	Type           string
	AgentKey       string
	Payload        map[string]any
	Priority       string
	IdempotencyKey string
	RunAfter       time.Time
	MaxAttempts    int
}

// EnqueueJob inserts a job row. If an idempotency key is supplied and a job
// carrying it has not terminally failed, the existing job is returned instead
// of inserting a duplicate. The boolean reports whether an existing job was
// reused.
func (s *Store) EnqueueJob(ctx context.Context, p EnqueueParams) (models.Job, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Priority == "" {
		p.Priority = models.PriorityDefault
	}
	if p.ProjectID == "" {
		p.ProjectID = models.SystemProjectID
	}
	if p.RunAfter.IsZero() {
		p.RunAfter = time.Now().UTC()
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	// Short-circuit before inserting if the key is already live.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, project_id, job_type, agent_key, payload, status, priority, attempts, max_attempts, run_after, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11, $11)
		ON CONFLICT (idempotency_key) WHERE status <> 'failed' DO NOTHING
	`, id, p.ProjectID, p.Type, p.AgentKey, payloadJSON, models.StatusQueued, p.Priority, p.MaxAttempts, p.RunAfter, emptyToNil(p.IdempotencyKey), now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Someone else claimed the key between our check and the insert.
		existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
		if err != nil {
			return models.Job{}, false, err
		}
		if !found {
			return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
		}
		return existing, true, nil
	}

	return models.Job{
		ID:             id,
		ProjectID:      p.ProjectID,
		Type:           p.Type,
		AgentKey:       p.AgentKey,
		Payload:        p.Payload,
		Status:         models.StatusQueued,
		Priority:       p.Priority,
		Attempts:       0,
		MaxAttempts:    p.MaxAttempts,
		RunAfter:       p.RunAfter,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

// FindByIdempotencyKey returns the job carrying the key, ignoring jobs that
// terminally failed (a failed job does not block re-submission).
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE idempotency_key = $1 AND status <> $2
		ORDER BY created_at DESC
		LIMIT 1
	`, key, models.StatusFailed)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job not found: %w", err)
	}
	if err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// ClaimBatch atomically selects up to limit eligible queued jobs, marks them
// running and locked by workerID, and returns the claimed rows. The inner
// SELECT takes row locks with SKIP LOCKED so concurrent callers can never
// receive the same row; this is the concurrency-safety boundary for the whole
// system and must never be split into a client-side select-then-update.
func (s *Store) ClaimBatch(ctx context.Context, workerID string, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = $1, locked_by = $2, locked_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $3 AND run_after <= NOW()
			ORDER BY CASE WHEN priority = $4 THEN 0 ELSE 1 END, run_after, created_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		models.StatusRunning, workerID, models.StatusQueued, models.PriorityRealtime, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate claimed jobs: %w", rows.Err())
	}
	return jobs, nil
}

// ReclaimStale recovers running jobs whose lock is older than olderThan: jobs
// with attempts remaining are requeued with a short delay (an abandoned claim
// counts as a failed attempt), exhausted ones are finalized failed. Both
// statements run in one transaction; the operation is idempotent and safe to
// run concurrently with ClaimBatch and with itself.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Time, retryDelay time.Duration) (int, int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	diag := fmt.Sprintf("reclaimed: lock expired at %s", time.Now().UTC().Format(time.RFC3339))

	requeued, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $1, attempts = attempts + 1, locked_at = NULL, locked_by = NULL,
			run_after = NOW() + make_interval(secs => $2), last_error = concat_ws(E'\n', nullif(last_error, ''), $3::text), updated_at = NOW()
		WHERE status = $4 AND locked_at < $5 AND attempts + 1 < max_attempts
	`, models.StatusQueued, retryDelay.Seconds(), diag, models.StatusRunning, olderThan)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stale jobs: %w", err)
	}

	failed, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $1, attempts = attempts + 1, locked_at = NULL, locked_by = NULL,
			completed_at = NOW(), last_error = concat_ws(E'\n', nullif(last_error, ''), $2::text), updated_at = NOW()
		WHERE status = $3 AND locked_at < $4 AND attempts + 1 >= max_attempts
	`, models.StatusFailed, diag, models.StatusRunning, olderThan)
	if err != nil {
		return 0, 0, fmt.Errorf("fail stale jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return int(requeued.RowsAffected()), int(failed.RowsAffected()), nil
}

// ReclaimStaleFallback is the client-side two-step variant used when the
// transactional routine errors. It selects candidates not locked by the
// calling worker, then updates each row guarded on the observed locked_at, so
// a row claimed in between is left alone. The window between select and
// update is an accepted trade-off.
func (s *Store) ReclaimStaleFallback(ctx context.Context, olderThan time.Time, selfWorkerID string, retryDelay time.Duration) (int, int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, locked_at, attempts, max_attempts FROM jobs
		WHERE status = $1 AND locked_at < $2 AND (locked_by IS NULL OR locked_by <> $3)
	`, models.StatusRunning, olderThan, selfWorkerID)
	if err != nil {
		return 0, 0, fmt.Errorf("select stale jobs: %w", err)
	}

	type candidate struct {
		id        string
		lockedAt  time.Time
		attempts  int
		maxTries  int
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.lockedAt, &c.attempts, &c.maxTries); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan stale job: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if rows.Err() != nil {
		return 0, 0, fmt.Errorf("iterate stale jobs: %w", rows.Err())
	}

	diag := fmt.Sprintf("reclaimed (fallback): lock expired at %s", time.Now().UTC().Format(time.RFC3339))
	var requeued, failed int
	for _, c := range candidates {
		if c.attempts+1 < c.maxTries {
			tag, err := s.pool.Exec(ctx, `
				UPDATE jobs
				SET status = $1, attempts = attempts + 1, locked_at = NULL, locked_by = NULL,
					run_after = NOW() + make_interval(secs => $2), last_error = concat_ws(E'\n', nullif(last_error, ''), $3::text), updated_at = NOW()
				WHERE id = $4 AND status = $5 AND locked_at = $6
			`, models.StatusQueued, retryDelay.Seconds(), diag, c.id, models.StatusRunning, c.lockedAt)
			if err != nil {
				return requeued, failed, fmt.Errorf("requeue stale job %s: %w", c.id, err)
			}
			requeued += int(tag.RowsAffected())
			continue
		}
		tag, err := s.pool.Exec(ctx, `
			UPDATE jobs
			SET status = $1, attempts = attempts + 1, locked_at = NULL, locked_by = NULL,
				completed_at = NOW(), last_error = concat_ws(E'\n', nullif(last_error, ''), $2::text), updated_at = NOW()
			WHERE id = $3 AND status = $4 AND locked_at = $5
		`, models.StatusFailed, diag, c.id, models.StatusRunning, c.lockedAt)
		if err != nil {
			return requeued, failed, fmt.Errorf("fail stale job %s: %w", c.id, err)
		}
		failed += int(tag.RowsAffected())
	}
	return requeued, failed, nil
}

// MarkCompleted finalizes a job as completed and clears its lock.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, locked_at = NULL, locked_by = NULL, last_error = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusCompleted)
	return err
}

// RequeueForRetry returns a failed job to the queue with its new attempt
// count, a backoff delay, and the error from the attempt.
func (s *Store) RequeueForRetry(ctx context.Context, id string, attempts int, runAfter time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, run_after = $4, last_error = $5, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusQueued, attempts, runAfter, lastErr)
	return err
}

// MarkFailed finalizes a job as failed. attempts is written as-is so callers
// decide whether the failure consumed an attempt (unknown job types do not).
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, last_error = $4, locked_at = NULL, locked_by = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, attempts, lastErr)
	return err
}

// MarkCanceled cancels a job that has not been claimed yet. It reports whether
// a row was actually canceled; running and terminal jobs are left alone.
func (s *Store) MarkCanceled(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusCanceled, models.StatusQueued)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// QueuedDepth returns the number of jobs eligible for claiming right now.
func (s *Store) QueuedDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1 AND run_after <= NOW()
	`, models.StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var lockedAt pgtype.Timestamptz
	var completedAt pgtype.Timestamptz
	var lockedBy, lastErr, idem pgtype.Text

	if err := row.Scan(
		&job.ID, &job.ProjectID, &job.Type, &job.AgentKey, &payloadJSON, &job.Status, &job.Priority,
		&job.Attempts, &job.MaxAttempts, &job.RunAfter, &lockedAt, &lockedBy, &lastErr, &idem,
		&job.CreatedAt, &job.UpdatedAt, &completedAt,
	); err != nil {
		return models.Job{}, err
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.LockedAt = timePtr(lockedAt)
	job.CompletedAt = timePtr(completedAt)
	job.LockedBy = textPtr(lockedBy)
	job.LastError = textPtr(lastErr)
	job.IdempotencyKey = textPtr(idem)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
