package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"importq/internal/config"
	"importq/internal/constants"
	"importq/internal/models"
	"importq/internal/search"
	"importq/internal/state"
	"importq/internal/store"
)

// candidateCap bounds how many parsed candidates one run will persist.
const candidateCap = 200

// RunResult is the worker's synchronous account of one job execution.
type RunResult struct {
	JobID           string
	Claimed         bool
	AlreadyFinished bool
	Status          state.JobStatus
	StageBeacon     string
	Err             *models.JobError
	ResultSummary   *models.ResultSummary
}

// Worker executes one import job end to end: claim, upstream search with
// bounded retries, heartbeats along the way, then a terminal write.
type Worker struct {
	store    store.JobStore
	provider search.Provider
	cfg      *config.Config
	workerID string

	clock func() time.Time
	sleep func(time.Duration)
}

func New(s store.JobStore, provider search.Provider, cfg *config.Config, workerID string) *Worker {
	return &Worker{
		store:    s,
		provider: provider,
		cfg:      cfg,
		workerID: workerID,
		clock:    time.Now,
		sleep:    time.Sleep,
	}
}

// Run drives jobID to a terminal state or hands it back untouched when
// another execution holds the claim. Already-finished jobs are a no-op.
func (w *Worker) Run(ctx context.Context, jobID string) (*RunResult, error) {
	job, err := w.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, store.ErrNotFound
	}

	if job.Status.Terminal() {
		return &RunResult{
			JobID:           jobID,
			AlreadyFinished: true,
			Status:          job.Status,
			StageBeacon:     job.StageBeacon,
			Err:             job.LastError,
			ResultSummary:   job.ResultSummary,
		}, nil
	}

	claim, err := w.store.Claim(ctx, jobID, w.workerID, w.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if !claim.Claimed {
		return &RunResult{
			JobID:       jobID,
			Claimed:     false,
			Status:      claim.Job.Status,
			StageBeacon: claim.Job.StageBeacon,
			Err:         claim.Job.LastError,
		}, nil
	}

	log.Printf("[worker] %s claimed job %s (attempt %d)", w.workerID, jobID, claim.Job.Attempt)
	return w.run(ctx, claim.Job)
}

func (w *Worker) run(ctx context.Context, job *models.JobRecord) (*RunResult, error) {
	startedAt := w.clock()
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}

	upstreamCalls := job.UpstreamCallsMade
	candidatesFound := job.CandidatesFound
	earlyExit := job.EarlyExitTriggered
	singleCompany := job.RequestedLimit == 1

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		elapsed := w.clock().Sub(startedAt)
		remaining := w.cfg.HardTimeout - elapsed

		if remaining <= 0 {
			return w.fail(ctx, job, &models.JobError{
				Code:    constants.ErrCodePrimaryTimeout,
				Message: "Job exceeded maximum runtime",
				Details: map[string]any{
					"elapsed_ms":      elapsed.Milliseconds(),
					"hard_timeout_ms": w.cfg.HardTimeout.Milliseconds(),
				},
			}, constants.StageTimeout)
		}

		if elapsed > w.cfg.NoCandidates && candidatesFound == 0 {
			return w.fail(ctx, job, &models.JobError{
				Code:    constants.ErrCodeNoCandidates,
				Message: "Search produced no candidates within progress threshold",
				Details: map[string]any{
					"elapsed_ms":          elapsed.Milliseconds(),
					"upstream_calls_made": upstreamCalls,
				},
			}, constants.StageExpandingCandidates)
		}

		beacon := constants.StageSearchStarted
		if attempt > 1 {
			beacon = constants.StageExpandingCandidates
		}

		upstreamCalls++
		w.heartbeat(ctx, job.JobID, store.ProgressPatch{
			Attempt:            &attempt,
			StageBeacon:        beacon,
			UpstreamCallsMade:  &upstreamCalls,
			CandidatesFound:    &candidatesFound,
			EarlyExitTriggered: &earlyExit,
		})

		result, err := w.search(ctx, job, remaining)
		if err == nil {
			w.heartbeat(ctx, job.JobID, store.ProgressPatch{StageBeacon: constants.StageCandidateFound})

			if len(result.Candidates) > candidateCap {
				result.Candidates = result.Candidates[:candidateCap]
			}
			candidatesFound = len(result.Candidates)
			w.heartbeat(ctx, job.JobID, store.ProgressPatch{CandidatesFound: &candidatesFound})

			summary := &models.ResultSummary{
				SavedCount: result.SavedCount,
				CompanyIDs: result.CompanyIDs,
				SessionID:  result.SessionID,
				HTTPStatus: result.UpstreamStatus,
			}
			if summary.SessionID == "" {
				summary.SessionID = job.SessionID
			}

			beacon := constants.StageComplete
			if singleCompany && candidatesFound > 0 {
				beacon = constants.StageEarlyExit
				earlyExit = true
				w.heartbeat(ctx, job.JobID, store.ProgressPatch{EarlyExitTriggered: &earlyExit})
			}

			finished, err := w.store.MarkComplete(ctx, job.JobID, summary, beacon)
			if err != nil {
				return nil, err
			}
			log.Printf("[worker] job %s complete (%d candidates, %d upstream calls)", job.JobID, candidatesFound, upstreamCalls)
			return &RunResult{
				JobID:         job.JobID,
				Claimed:       true,
				Status:        finished.Status,
				StageBeacon:   finished.StageBeacon,
				ResultSummary: finished.ResultSummary,
			}, nil
		}

		jobErr := jobErrorFrom(err)
		transient := isTransient(err)
		elapsed = w.clock().Sub(startedAt)
		remaining = w.cfg.HardTimeout - elapsed
		willRetry := attempt < w.cfg.MaxAttempts && transient && remaining > 0

		if !willRetry {
			return w.fail(ctx, job, jobErr, constants.StageExpandingCandidates)
		}

		// Record the failure on the record but keep the job running.
		if _, err := w.store.Upsert(ctx, &models.JobRecord{
			JobID:     job.JobID,
			LastError: jobErr,
		}); err != nil {
			log.Printf("[worker] recording retryable error for job %s: %v", job.JobID, err)
		}

		wait := bo.NextBackOff()
		if wait > remaining {
			wait = remaining
		}
		if wait > 0 {
			w.sleep(wait)
		}
	}

	return w.fail(ctx, job, &models.JobError{
		Code:    constants.ErrCodeUpstreamError,
		Message: "Worker exhausted attempts without a terminal outcome",
	}, constants.StageExpandingCandidates)
}

func (w *Worker) search(ctx context.Context, job *models.JobRecord, remaining time.Duration) (*search.Result, error) {
	perCall := w.cfg.StageBudget
	if perCall > remaining {
		perCall = remaining
	}
	if perCall > w.cfg.UpstreamCap {
		perCall = w.cfg.UpstreamCap
	}
	if perCall < time.Second {
		perCall = time.Second
	}

	callCtx, cancel := context.WithTimeout(ctx, perCall)
	defer cancel()

	return w.provider.Search(callCtx, search.Request{
		URL:     job.URL,
		Limit:   job.RequestedLimit,
		BatchID: job.BatchID,
		JobID:   job.JobID,
	})
}

func (w *Worker) fail(ctx context.Context, job *models.JobRecord, jobErr *models.JobError, beacon string) (*RunResult, error) {
	finished, err := w.store.MarkError(ctx, job.JobID, jobErr, beacon)
	if err != nil {
		return nil, err
	}
	log.Printf("[worker] job %s failed: %s", job.JobID, jobErr.Code)
	return &RunResult{
		JobID:       job.JobID,
		Claimed:     true,
		Status:      finished.Status,
		StageBeacon: finished.StageBeacon,
		Err:         finished.LastError,
	}, nil
}

func (w *Worker) heartbeat(ctx context.Context, jobID string, patch store.ProgressPatch) {
	if err := w.store.Heartbeat(ctx, jobID, w.workerID, w.cfg.LeaseTTL, patch); err != nil {
		log.Printf("[worker] heartbeat for job %s: %v", jobID, err)
	}
}

func jobErrorFrom(err error) *models.JobError {
	var ue *search.UpstreamError
	if errors.As(err, &ue) {
		je := &models.JobError{Code: ue.Code, Message: ue.Message}
		if ue.HTTPStatus > 0 {
			je.Details = map[string]any{"upstream_status": ue.HTTPStatus}
		}
		return je
	}
	return &models.JobError{
		Code:    constants.ErrCodeUpstreamError,
		Message: fmt.Sprintf("upstream call failed: %v", err),
	}
}

// isTransient decides whether an attempt is worth repeating. Failures with no
// upstream classification default to retryable.
func isTransient(err error) bool {
	var ue *search.UpstreamError
	if errors.As(err, &ue) {
		return ue.Transient
	}
	return true
}
