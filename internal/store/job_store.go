package store

import (
	"context"
	"errors"
	"time"

	"importq/internal/models"
	"importq/internal/state"
)

// ErrNotFound is returned by write operations targeting a job that does not
// exist. Reads never return it; Get reports a miss as a nil record.
var ErrNotFound = errors.New("job not found")

// UpdateStatusParams patches a job's status plus the optional fields that
// travel with a status change.
type UpdateStatusParams struct {
	JobID         string
	Status        state.JobStatus
	SessionID     string
	Error         *models.JobError
	ResultSummary *models.ResultSummary
}

// ProgressPatch carries incremental progress written alongside a heartbeat.
// Nil fields are left untouched.
type ProgressPatch struct {
	Attempt            *int
	StageBeacon        string
	UpstreamCallsMade  *int
	CandidatesFound    *int
	EarlyExitTriggered *bool
}

// ClaimResult reports the outcome of a claim attempt. Claimed false with a
// non-nil Job means another execution holds the slot or the job is no longer
// queued.
type ClaimResult struct {
	Claimed bool
	Job     *models.JobRecord
}

// JobCreateResult is the per-job outcome of a batch create. Jobs are
// independent units of work; one failure never rolls back its siblings.
type JobCreateResult struct {
	JobID string
	OK    bool
	Err   error
}

type BatchCreateResult struct {
	Results      []JobCreateResult
	CreatedCount int
	FailedCount  int
}

// JobStore is durable CRUD over job records. Two implementations exist: the
// Postgres store and the bounded in-memory fallback, composed durable-first
// by FallbackJobStore.
type JobStore interface {
	// Get returns nil with no error when the job does not exist.
	Get(ctx context.Context, jobID string) (*models.JobRecord, error)

	// ListByBatch returns the batch's jobs ordered by position ascending.
	ListByBatch(ctx context.Context, batchID string) ([]*models.JobRecord, error)

	// ListActive returns all queued or running jobs, for reconciliation sweeps.
	ListActive(ctx context.Context) ([]*models.JobRecord, error)

	// Upsert merge-writes a record: zero-valued fields on the incoming record
	// preserve what is already stored, created_at is set once, updated_at is
	// always refreshed.
	Upsert(ctx context.Context, job *models.JobRecord) (*models.JobRecord, error)

	// UpdateStatus patches status and bookkeeping timestamps. Terminal
	// records are returned unchanged.
	UpdateStatus(ctx context.Context, p UpdateStatusParams) (*models.JobRecord, error)

	// CreateBatchJobs inserts one queued record per job.
	CreateBatchJobs(ctx context.Context, batchID string, jobs []*models.JobRecord) (*BatchCreateResult, error)

	// Claim atomically takes the execution slot of a queued job: compare and
	// swap on status plus lock expiry, incrementing attempt on success.
	Claim(ctx context.Context, jobID, workerID string, lease time.Duration) (*ClaimResult, error)

	// Heartbeat refreshes the lease and applies a progress patch. It only
	// applies while workerID still holds the lock.
	Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration, patch ProgressPatch) error

	// MarkComplete and MarkError finish a job and clear its lock. Both are
	// no-ops on already-terminal records.
	MarkComplete(ctx context.Context, jobID string, summary *models.ResultSummary, beacon string) (*models.JobRecord, error)
	MarkError(ctx context.Context, jobID string, jobErr *models.JobError, beacon string) (*models.JobRecord, error)

	Close() error
}

// mergeRecord folds next onto prev. Fields are only ever written forward, so
// a zero value on the incoming record means "leave as is". created_at is
// preserved once set.
func mergeRecord(prev, next *models.JobRecord, now time.Time) *models.JobRecord {
	if prev == nil {
		out := next.Clone()
		if out.CreatedAt.IsZero() {
			out.CreatedAt = now
		}
		out.UpdatedAt = now
		return out
	}

	out := prev.Clone()

	if next.BatchID != "" {
		out.BatchID = next.BatchID
	}
	if next.SessionID != "" {
		out.SessionID = next.SessionID
	}
	if next.URL != "" {
		out.URL = next.URL
	}
	if next.Position != 0 {
		out.Position = next.Position
	}
	if next.Status != "" {
		out.Status = next.Status
	}
	if next.Attempt > out.Attempt {
		out.Attempt = next.Attempt
	}
	if next.RequestedLimit != 0 {
		out.RequestedLimit = next.RequestedLimit
	}
	if next.LockedBy != "" {
		out.LockedBy = next.LockedBy
	}
	if next.LockExpiresAt != nil {
		out.LockExpiresAt = next.LockExpiresAt
	}
	if next.LastHeartbeatAt != nil {
		out.LastHeartbeatAt = next.LastHeartbeatAt
	}
	if next.StartedAt != nil {
		out.StartedAt = next.StartedAt
	}
	if next.CompletedAt != nil {
		out.CompletedAt = next.CompletedAt
	}
	if next.StageBeacon != "" {
		out.StageBeacon = next.StageBeacon
	}
	if next.UpstreamCallsMade != 0 {
		out.UpstreamCallsMade = next.UpstreamCallsMade
	}
	if next.CandidatesFound != 0 {
		out.CandidatesFound = next.CandidatesFound
	}
	if next.EarlyExitTriggered {
		out.EarlyExitTriggered = true
	}
	if next.LastError != nil {
		out.LastError = next.LastError
	}
	if next.ResultSummary != nil {
		out.ResultSummary = next.ResultSummary
	}

	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = now
	return out
}

// applyStatusPatch implements the shared UpdateStatus semantics: started_at
// is set once on the transition into running, completed_at on the transition
// into a terminal status.
func applyStatusPatch(job *models.JobRecord, p UpdateStatusParams, now time.Time) {
	if p.Status != "" {
		job.Status = p.Status
	}
	if p.Status == state.StatusRunning && job.StartedAt == nil {
		t := now
		job.StartedAt = &t
	}
	if p.Status.Terminal() && job.CompletedAt == nil {
		t := now
		job.CompletedAt = &t
	}
	if p.SessionID != "" {
		job.SessionID = p.SessionID
	}
	if p.Error != nil {
		job.LastError = p.Error
	}
	if p.ResultSummary != nil {
		job.ResultSummary = p.ResultSummary
	}
	job.UpdatedAt = now
}

func applyProgressPatch(job *models.JobRecord, patch ProgressPatch) {
	if patch.Attempt != nil {
		job.Attempt = *patch.Attempt
	}
	if patch.StageBeacon != "" {
		job.StageBeacon = patch.StageBeacon
	}
	if patch.UpstreamCallsMade != nil {
		job.UpstreamCallsMade = *patch.UpstreamCallsMade
	}
	if patch.CandidatesFound != nil {
		job.CandidatesFound = *patch.CandidatesFound
	}
	if patch.EarlyExitTriggered != nil {
		job.EarlyExitTriggered = *patch.EarlyExitTriggered
	}
}
