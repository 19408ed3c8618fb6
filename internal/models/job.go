package models

import (
	"time"

	"importq/internal/state"
)

// JobError is the structured failure cause persisted on a job record.
type JobError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ResultSummary captures what a completed enrichment run produced.
type ResultSummary struct {
	SavedCount int      `json:"saved_count"`
	CompanyIDs []string `json:"company_ids,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	HTTPStatus int      `json:"http_status,omitempty"`
}

// JobRecord is the durable state of one unit of import work. It is owned by
// the job store and mutated only by the worker and the status driver.
type JobRecord struct {
	JobID     string          `json:"job_id"`
	BatchID   string          `json:"batch_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	URL       string          `json:"url"`
	Position  int             `json:"position"`
	Status    state.JobStatus `json:"status"`
	Attempt   int             `json:"attempt"`

	// RequestedLimit mirrors the caller's candidate limit; a limit of one
	// enables the early-exit path in the worker.
	RequestedLimit int `json:"requested_limit,omitempty"`

	LockedBy        string     `json:"locked_by,omitempty"`
	LockExpiresAt   *time.Time `json:"lock_expires_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	StageBeacon        string `json:"stage_beacon,omitempty"`
	UpstreamCallsMade  int    `json:"upstream_calls_made"`
	CandidatesFound    int    `json:"companies_candidates_found"`
	EarlyExitTriggered bool   `json:"early_exit_triggered"`

	LastError     *JobError      `json:"last_error,omitempty"`
	ResultSummary *ResultSummary `json:"result_summary,omitempty"`

	// Storage names the backend that served this record, for observability.
	Storage string `json:"storage,omitempty"`
}

// Clone returns a deep enough copy for callers to mutate without aliasing
// store-owned state.
func (j *JobRecord) Clone() *JobRecord {
	if j == nil {
		return nil
	}
	out := *j
	if j.LockExpiresAt != nil {
		t := *j.LockExpiresAt
		out.LockExpiresAt = &t
	}
	if j.LastHeartbeatAt != nil {
		t := *j.LastHeartbeatAt
		out.LastHeartbeatAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.LastError != nil {
		e := *j.LastError
		if j.LastError.Details != nil {
			e.Details = make(map[string]any, len(j.LastError.Details))
			for k, v := range j.LastError.Details {
				e.Details[k] = v
			}
		}
		out.LastError = &e
	}
	if j.ResultSummary != nil {
		s := *j.ResultSummary
		s.CompanyIDs = append([]string(nil), j.ResultSummary.CompanyIDs...)
		out.ResultSummary = &s
	}
	return &out
}

// Elapsed is the job's runtime measured from started_at, or from created_at
// while the job is still queued.
func (j *JobRecord) Elapsed(now time.Time) time.Duration {
	start := j.CreatedAt
	if j.StartedAt != nil && !j.StartedAt.IsZero() {
		start = *j.StartedAt
	}
	if start.IsZero() {
		return 0
	}
	d := now.Sub(start)
	if d < 0 {
		return 0
	}
	return d
}

// HeartbeatAt returns the best available liveness timestamp: the explicit
// heartbeat, falling back to updated_at, then started_at.
func (j *JobRecord) HeartbeatAt() time.Time {
	if j.LastHeartbeatAt != nil && !j.LastHeartbeatAt.IsZero() {
		return *j.LastHeartbeatAt
	}
	if !j.UpdatedAt.IsZero() {
		return j.UpdatedAt
	}
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	return time.Time{}
}

// Locked reports whether another execution holds an unexpired claim.
func (j *JobRecord) Locked(now time.Time) bool {
	return j.LockedBy != "" && j.LockExpiresAt != nil && j.LockExpiresAt.After(now)
}

// Envelope is the transient queue message carrying one job dispatch.
type Envelope struct {
	JobID       string    `json:"job_id"`
	URL         string    `json:"url"`
	Position    int       `json:"position"`
	BatchID     string    `json:"batch_id"`
	RequestedBy string    `json:"requested_by"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}
