package status

import (
	"context"
	"fmt"
	"log"
	"time"

	"importq/custom_errors"
	"importq/internal/constants"
	"importq/internal/models"
	"importq/internal/state"
	"importq/internal/store"
	"importq/internal/worker"
)

// WorkerRunner is the slice of the worker the driver needs to push a job
// forward inline.
type WorkerRunner interface {
	Run(ctx context.Context, jobID string) (*worker.RunResult, error)
}

// Progress is the runtime block reported on every status response.
type Progress struct {
	ElapsedMS          int64 `json:"elapsed_ms"`
	RemainingBudgetMS  int64 `json:"remaining_budget_ms"`
	UpstreamCallsMade  int   `json:"upstream_calls_made"`
	CandidatesFound    int   `json:"companies_candidates_found"`
	EarlyExitTriggered bool  `json:"early_exit_triggered"`
}

// Response is the rendered view of one job for status callers.
type Response struct {
	OK                bool                  `json:"ok"`
	JobID             string                `json:"job_id"`
	BatchID           string                `json:"batch_id,omitempty"`
	SessionID         string                `json:"session_id,omitempty"`
	URL               string                `json:"url,omitempty"`
	Position          int                   `json:"position"`
	Status            state.JobStatus       `json:"status"`
	State             string                `json:"state"`
	StageBeacon       string                `json:"stage_beacon,omitempty"`
	Progress          Progress              `json:"progress"`
	Error             *models.JobError      `json:"error,omitempty"`
	ResultSummary     *models.ResultSummary `json:"result_summary,omitempty"`
	QueuedAt          time.Time             `json:"queued_at"`
	StartedAt         *time.Time            `json:"started_at,omitempty"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
	Storage           string                `json:"storage,omitempty"`
	StageBeaconValues map[string]any        `json:"stage_beacon_values,omitempty"`
}

// Driver answers status queries and reconciles jobs that outlived their
// worker: stale heartbeats and hard runtime overruns become terminal errors
// on read instead of waiting for a sweep.
type Driver struct {
	store       store.JobStore
	runner      WorkerRunner
	staleAfter  time.Duration
	hardTimeout time.Duration
	clock       func() time.Time
}

func NewDriver(s store.JobStore, runner WorkerRunner, staleAfter, hardTimeout time.Duration) *Driver {
	return &Driver{
		store:       s,
		runner:      runner,
		staleAfter:  staleAfter,
		hardTimeout: hardTimeout,
		clock:       time.Now,
	}
}

// Inspect renders a job without mutating it.
func (d *Driver) Inspect(ctx context.Context, jobID string) (*Response, error) {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, custom_errors.NewNotFound(fmt.Sprintf("Job %s not found", jobID))
	}
	return d.render(job, nil), nil
}

// Reconcile applies the staleness and timeout rules to one job and returns
// the possibly-updated record plus the reconciliation steps taken. For
// running jobs the heartbeat check wins over the runtime ceiling: a job that
// tripped both is reported as abandoned, not timed out.
func (d *Driver) Reconcile(ctx context.Context, job *models.JobRecord) (*models.JobRecord, map[string]any) {
	steps := map[string]any{}
	if job == nil || job.Status.Terminal() {
		return job, steps
	}

	now := d.clock()

	if job.Status == state.StatusRunning {
		if hb := job.HeartbeatAt(); !hb.IsZero() && now.Sub(hb) > d.staleAfter {
			staleness := now.Sub(hb)
			updated, err := d.store.MarkError(ctx, job.JobID, &models.JobError{
				Code:    constants.ErrCodeStalledWorker,
				Message: "Worker heartbeat stale",
				Details: map[string]any{
					"heartbeat_stale_ms": staleness.Milliseconds(),
				},
			}, constants.StageSearchStarted)
			if err != nil {
				log.Printf("[status] marking job %s stalled: %v", job.JobID, err)
				return job, steps
			}
			steps["status_marked_stalled"] = now.UTC().Format(time.RFC3339)
			steps["status_marked_stalled_heartbeat_age_ms"] = staleness.Milliseconds()
			return updated, steps
		}
	}

	if elapsed := job.Elapsed(now); elapsed > d.hardTimeout {
		details := map[string]any{
			"elapsed_ms":      elapsed.Milliseconds(),
			"hard_timeout_ms": d.hardTimeout.Milliseconds(),
		}
		if job.Status == state.StatusQueued {
			details["note"] = "Job remained queued beyond hard timeout"
		}
		updated, err := d.store.MarkError(ctx, job.JobID, &models.JobError{
			Code:    constants.ErrCodePrimaryTimeout,
			Message: "Job exceeded maximum runtime",
			Details: details,
		}, constants.StageTimeout)
		if err != nil {
			log.Printf("[status] marking job %s timed out: %v", job.JobID, err)
			return job, steps
		}
		steps["status_marked_timeout"] = now.UTC().Format(time.RFC3339)
		steps["status_marked_timeout_elapsed_ms"] = elapsed.Milliseconds()
		return updated, steps
	}

	return job, steps
}

// DriveIfDue reconciles the job and, when it is still active, pushes it
// forward through the worker before rendering the final view. Callers get a
// status answer and the job makes progress in the same request.
func (d *Driver) DriveIfDue(ctx context.Context, jobID string) (*Response, error) {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, custom_errors.NewNotFound(fmt.Sprintf("Job %s not found", jobID))
	}

	job, steps := d.Reconcile(ctx, job)

	if !job.Status.Terminal() && d.runner != nil {
		if _, err := d.runner.Run(ctx, jobID); err != nil {
			log.Printf("[status] inline run for job %s: %v", jobID, err)
		}
		steps["status_drive_attempted"] = d.clock().UTC().Format(time.RFC3339)

		if after, err := d.store.Get(ctx, jobID); err == nil && after != nil {
			job = after
		}
	}

	return d.render(job, steps), nil
}

func (d *Driver) render(job *models.JobRecord, steps map[string]any) *Response {
	now := d.clock()
	elapsed := job.Elapsed(now)
	remaining := d.hardTimeout - elapsed
	if remaining < 0 {
		remaining = 0
	}
	if job.Status.Terminal() {
		remaining = 0
		if job.CompletedAt != nil {
			elapsed = job.Elapsed(*job.CompletedAt)
		}
	}

	resp := &Response{
		OK:          job.Status != state.StatusError,
		JobID:       job.JobID,
		BatchID:     job.BatchID,
		SessionID:   job.SessionID,
		URL:         job.URL,
		Position:    job.Position,
		Status:      job.Status,
		State:       job.Status.ClientState(),
		StageBeacon: job.StageBeacon,
		Progress: Progress{
			ElapsedMS:          elapsed.Milliseconds(),
			RemainingBudgetMS:  remaining.Milliseconds(),
			UpstreamCallsMade:  job.UpstreamCallsMade,
			CandidatesFound:    job.CandidatesFound,
			EarlyExitTriggered: job.EarlyExitTriggered,
		},
		Error:         job.LastError,
		ResultSummary: job.ResultSummary,
		QueuedAt:      job.CreatedAt,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
		Storage:       job.Storage,
	}
	if len(steps) > 0 {
		resp.StageBeaconValues = steps
	}
	return resp
}
