package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"importq/internal/models"
	"importq/internal/state"
	"importq/internal/store"
)

const jobColumns = `
        job_id,
        batch_id,
        session_id,
        url,
        batch_position,
        status,
        attempt,
        requested_limit,
        locked_by,
        lock_expires_at,
        last_heartbeat_at,
        created_at,
        started_at,
        updated_at,
        completed_at,
        stage_beacon,
        upstream_calls_made,
        candidates_found,
        early_exit_triggered,
        last_error,
        result_summary`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{
		db: db,
	}
}

func (r *PostgresJobStore) Get(ctx context.Context, jobID string) (*models.JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM importq_schema.jobs WHERE job_id = $1`

	job, err := r.mapRowToJob(r.db.QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *PostgresJobStore) ListByBatch(ctx context.Context, batchID string) ([]*models.JobRecord, error) {
	query := `SELECT ` + jobColumns + `
        FROM importq_schema.jobs
        WHERE batch_id = $1
        ORDER BY batch_position ASC`

	rows, err := r.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.collectJobs(rows)
}

func (r *PostgresJobStore) ListActive(ctx context.Context) ([]*models.JobRecord, error) {
	query := `SELECT ` + jobColumns + `
        FROM importq_schema.jobs
        WHERE status IN ('queued', 'running')
        ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.collectJobs(rows)
}

func (r *PostgresJobStore) Upsert(ctx context.Context, job *models.JobRecord) (*models.JobRecord, error) {
	lastError, err := marshalNullable(job.LastError)
	if err != nil {
		return nil, err
	}
	summary, err := marshalNullable(job.ResultSummary)
	if err != nil {
		return nil, err
	}

	query := `
        INSERT INTO importq_schema.jobs (
            job_id,
            batch_id,
            session_id,
            url,
            batch_position,
            status,
            attempt,
            requested_limit,
            locked_by,
            lock_expires_at,
            last_heartbeat_at,
            started_at,
            completed_at,
            stage_beacon,
            upstream_calls_made,
            candidates_found,
            early_exit_triggered,
            last_error,
            result_summary,
            created_at,
            updated_at
        )
        VALUES ($1, $2, $3, $4, $5, COALESCE(NULLIF($6, ''), 'queued'), $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, now(), now())
        ON CONFLICT (job_id) DO UPDATE SET
            batch_id             = COALESCE(NULLIF(EXCLUDED.batch_id, ''), jobs.batch_id),
            session_id           = COALESCE(NULLIF(EXCLUDED.session_id, ''), jobs.session_id),
            url                  = COALESCE(NULLIF(EXCLUDED.url, ''), jobs.url),
            batch_position       = CASE WHEN EXCLUDED.batch_position <> 0 THEN EXCLUDED.batch_position ELSE jobs.batch_position END,
            status               = COALESCE(NULLIF($6, ''), jobs.status),
            attempt              = GREATEST(EXCLUDED.attempt, jobs.attempt),
            requested_limit      = CASE WHEN EXCLUDED.requested_limit <> 0 THEN EXCLUDED.requested_limit ELSE jobs.requested_limit END,
            locked_by            = COALESCE(NULLIF(EXCLUDED.locked_by, ''), jobs.locked_by),
            lock_expires_at      = COALESCE(EXCLUDED.lock_expires_at, jobs.lock_expires_at),
            last_heartbeat_at    = COALESCE(EXCLUDED.last_heartbeat_at, jobs.last_heartbeat_at),
            started_at           = COALESCE(EXCLUDED.started_at, jobs.started_at),
            completed_at         = COALESCE(EXCLUDED.completed_at, jobs.completed_at),
            stage_beacon         = COALESCE(NULLIF(EXCLUDED.stage_beacon, ''), jobs.stage_beacon),
            upstream_calls_made  = CASE WHEN EXCLUDED.upstream_calls_made <> 0 THEN EXCLUDED.upstream_calls_made ELSE jobs.upstream_calls_made END,
            candidates_found     = CASE WHEN EXCLUDED.candidates_found <> 0 THEN EXCLUDED.candidates_found ELSE jobs.candidates_found END,
            early_exit_triggered = jobs.early_exit_triggered OR EXCLUDED.early_exit_triggered,
            last_error           = COALESCE(EXCLUDED.last_error, jobs.last_error),
            result_summary       = COALESCE(EXCLUDED.result_summary, jobs.result_summary),
            updated_at           = now()
        RETURNING ` + jobColumns

	saved, err := r.mapRowToJob(r.db.QueryRowContext(ctx, query,
		job.JobID,
		job.BatchID,
		job.SessionID,
		job.URL,
		job.Position,
		string(job.Status),
		job.Attempt,
		job.RequestedLimit,
		job.LockedBy,
		job.LockExpiresAt,
		job.LastHeartbeatAt,
		job.StartedAt,
		job.CompletedAt,
		job.StageBeacon,
		job.UpstreamCallsMade,
		job.CandidatesFound,
		job.EarlyExitTriggered,
		lastError,
		summary,
	))
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (r *PostgresJobStore) UpdateStatus(ctx context.Context, p store.UpdateStatusParams) (*models.JobRecord, error) {
	lastError, err := marshalNullable(p.Error)
	if err != nil {
		return nil, err
	}
	summary, err := marshalNullable(p.ResultSummary)
	if err != nil {
		return nil, err
	}

	query := `
        UPDATE importq_schema.jobs
        SET status         = COALESCE(NULLIF($2, ''), status),
            started_at     = CASE WHEN $2 = 'running' THEN COALESCE(started_at, now()) ELSE started_at END,
            completed_at   = CASE WHEN $2 IN ('complete', 'error') THEN COALESCE(completed_at, now()) ELSE completed_at END,
            session_id     = COALESCE(NULLIF($3, ''), session_id),
            last_error     = COALESCE($4, last_error),
            result_summary = COALESCE($5, result_summary),
            updated_at     = now()
        WHERE job_id = $1 AND status NOT IN ('complete', 'error')
        RETURNING ` + jobColumns

	job, err := r.mapRowToJob(r.db.QueryRowContext(ctx, query,
		p.JobID, string(p.Status), p.SessionID, lastError, summary))
	if err == sql.ErrNoRows {
		return r.requireExisting(ctx, p.JobID)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *PostgresJobStore) CreateBatchJobs(ctx context.Context, batchID string, jobs []*models.JobRecord) (*store.BatchCreateResult, error) {
	result := &store.BatchCreateResult{}
	for _, job := range jobs {
		rec := job.Clone()
		rec.BatchID = batchID
		if rec.Status == "" {
			rec.Status = state.StatusQueued
		}
		if _, err := r.Upsert(ctx, rec); err != nil {
			result.Results = append(result.Results, store.JobCreateResult{JobID: job.JobID, Err: err})
			result.FailedCount++
			continue
		}
		result.Results = append(result.Results, store.JobCreateResult{JobID: job.JobID, OK: true})
		result.CreatedCount++
	}
	return result, nil
}

// Claim is a compare and swap on (status, lock). The conditional UPDATE is
// the only arbiter; whichever execution's statement matches the row wins and
// every other claimant sees zero rows.
func (r *PostgresJobStore) Claim(ctx context.Context, jobID, workerID string, lease time.Duration) (*store.ClaimResult, error) {
	query := `
        UPDATE importq_schema.jobs
        SET status            = 'running',
            attempt           = attempt + 1,
            locked_by         = $2,
            lock_expires_at   = now() + make_interval(secs => $3),
            last_heartbeat_at = now(),
            started_at        = COALESCE(started_at, now()),
            updated_at        = now()
        WHERE job_id = $1
          AND status = 'queued'
          AND (locked_by = '' OR locked_by = $2 OR lock_expires_at IS NULL OR lock_expires_at <= now())
        RETURNING ` + jobColumns

	job, err := r.mapRowToJob(r.db.QueryRowContext(ctx, query, jobID, workerID, lease.Seconds()))
	if err == sql.ErrNoRows {
		existing, err := r.requireExisting(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return &store.ClaimResult{Claimed: false, Job: existing}, nil
	}
	if err != nil {
		return nil, err
	}
	return &store.ClaimResult{Claimed: true, Job: job}, nil
}

func (r *PostgresJobStore) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration, patch store.ProgressPatch) error {
	query := `
        UPDATE importq_schema.jobs
        SET last_heartbeat_at    = now(),
            lock_expires_at      = now() + make_interval(secs => $3),
            attempt              = COALESCE($4, attempt),
            stage_beacon         = COALESCE(NULLIF($5, ''), stage_beacon),
            upstream_calls_made  = COALESCE($6, upstream_calls_made),
            candidates_found     = COALESCE($7, candidates_found),
            early_exit_triggered = COALESCE($8, early_exit_triggered),
            updated_at           = now()
        WHERE job_id = $1
          AND locked_by = $2
          AND status NOT IN ('complete', 'error')
    `

	res, err := r.db.ExecContext(ctx, query,
		jobID,
		workerID,
		lease.Seconds(),
		patch.Attempt,
		patch.StageBeacon,
		patch.UpstreamCallsMade,
		patch.CandidatesFound,
		patch.EarlyExitTriggered,
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Lost lock or finished job; the beat is simply dropped.
		if _, err := r.requireExisting(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresJobStore) MarkComplete(ctx context.Context, jobID string, summary *models.ResultSummary, beacon string) (*models.JobRecord, error) {
	payload, err := marshalNullable(summary)
	if err != nil {
		return nil, err
	}
	return r.finish(ctx, jobID, state.StatusComplete, nil, payload, beacon)
}

func (r *PostgresJobStore) MarkError(ctx context.Context, jobID string, jobErr *models.JobError, beacon string) (*models.JobRecord, error) {
	payload, err := marshalNullable(jobErr)
	if err != nil {
		return nil, err
	}
	return r.finish(ctx, jobID, state.StatusError, payload, nil, beacon)
}

func (r *PostgresJobStore) finish(ctx context.Context, jobID string, status state.JobStatus, lastError, summary any, beacon string) (*models.JobRecord, error) {
	query := `
        UPDATE importq_schema.jobs
        SET status          = $2,
            completed_at    = COALESCE(completed_at, now()),
            locked_by       = '',
            lock_expires_at = NULL,
            stage_beacon    = COALESCE(NULLIF($3, ''), stage_beacon),
            last_error      = CASE WHEN $2 = 'complete' THEN NULL ELSE COALESCE($4, last_error) END,
            result_summary  = COALESCE($5, result_summary),
            updated_at      = now()
        WHERE job_id = $1 AND status NOT IN ('complete', 'error')
        RETURNING ` + jobColumns

	job, err := r.mapRowToJob(r.db.QueryRowContext(ctx, query, jobID, string(status), beacon, lastError, summary))
	if err == sql.ErrNoRows {
		return r.requireExisting(ctx, jobID)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *PostgresJobStore) Close() error {
	return r.db.Close()
}

// requireExisting re-reads a row after a zero-row conditional write, mapping
// a true miss to store.ErrNotFound.
func (r *PostgresJobStore) requireExisting(ctx context.Context, jobID string) (*models.JobRecord, error) {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, store.ErrNotFound
	}
	return job, nil
}

func (r *PostgresJobStore) collectJobs(rows *sql.Rows) ([]*models.JobRecord, error) {
	var jobs []*models.JobRecord
	for rows.Next() {
		job, err := r.mapRowToJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresJobStore) mapRowToJob(row rowScanner) (*models.JobRecord, error) {
	var (
		job           models.JobRecord
		lockExpires   sql.NullTime
		lastHeartbeat sql.NullTime
		startedAt     sql.NullTime
		completedAt   sql.NullTime
		lastError     []byte
		summary       []byte
	)

	if err := row.Scan(
		&job.JobID,
		&job.BatchID,
		&job.SessionID,
		&job.URL,
		&job.Position,
		&job.Status,
		&job.Attempt,
		&job.RequestedLimit,
		&job.LockedBy,
		&lockExpires,
		&lastHeartbeat,
		&job.CreatedAt,
		&startedAt,
		&job.UpdatedAt,
		&completedAt,
		&job.StageBeacon,
		&job.UpstreamCallsMade,
		&job.CandidatesFound,
		&job.EarlyExitTriggered,
		&lastError,
		&summary,
	); err != nil {
		return nil, err
	}

	if lockExpires.Valid {
		job.LockExpiresAt = &lockExpires.Time
	}
	if lastHeartbeat.Valid {
		job.LastHeartbeatAt = &lastHeartbeat.Time
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if len(lastError) > 0 {
		job.LastError = &models.JobError{}
		if err := json.Unmarshal(lastError, job.LastError); err != nil {
			return nil, err
		}
	}
	if len(summary) > 0 {
		job.ResultSummary = &models.ResultSummary{}
		if err := json.Unmarshal(summary, job.ResultSummary); err != nil {
			return nil, err
		}
	}

	job.Storage = "postgres"
	return &job, nil
}

func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case *models.JobError:
		if t == nil {
			return nil, nil
		}
	case *models.ResultSummary:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
