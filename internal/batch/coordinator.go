package batch

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"importq/custom_errors"
	"importq/internal/models"
	"importq/internal/queue"
	"importq/internal/state"
	"importq/internal/store"
)

// JobDispatcher is the slice of the queue dispatcher the coordinator needs.
type JobDispatcher interface {
	Enqueue(env models.Envelope, delay time.Duration) (*queue.EnqueueResult, error)
}

// Coordinator fans one batch request out into per-URL jobs: validate and
// normalize the URLs, persist one record each, then dispatch them onto the
// queue.
type Coordinator struct {
	store        store.JobStore
	dispatcher   JobDispatcher
	maxBatchURLs int
	clock        func() time.Time
}

func NewCoordinator(s store.JobStore, dispatcher JobDispatcher, maxBatchURLs int) *Coordinator {
	if maxBatchURLs < 1 {
		maxBatchURLs = 50
	}
	return &Coordinator{
		store:        s,
		dispatcher:   dispatcher,
		maxBatchURLs: maxBatchURLs,
		clock:        time.Now,
	}
}

type EnqueueRequest struct {
	URLs        []string
	RequestedBy string
}

type InvalidURL struct {
	Raw      string `json:"raw"`
	Position int    `json:"position"`
	Error    string `json:"error"`
}

type JobView struct {
	JobID    string          `json:"job_id"`
	URL      string          `json:"url"`
	Position int             `json:"position"`
	Status   state.JobStatus `json:"status"`
	Queued   bool            `json:"queued"`
}

type Summary struct {
	Total       int `json:"total"`
	Queued      int `json:"queued"`
	QueueFailed int `json:"queue_failed"`
	InvalidURLs int `json:"invalid_urls"`
}

type EnqueueResult struct {
	BatchID     string       `json:"batch_id"`
	Jobs        []JobView    `json:"jobs"`
	Summary     Summary      `json:"summary"`
	InvalidURLs []InvalidURL `json:"invalid_urls,omitempty"`
	EnqueuedAt  time.Time    `json:"enqueued_at"`
}

// EnqueueBatch validates, persists and dispatches one batch of URLs. Jobs
// whose dispatch fails stay queued; the reconciliation sweep eventually
// times them out if nothing ever picks them up.
func (c *Coordinator) EnqueueBatch(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if len(req.URLs) == 0 {
		return nil, custom_errors.NewEmptyURLs()
	}
	if len(req.URLs) > c.maxBatchURLs {
		return nil, custom_errors.NewTooManyURLs(c.maxBatchURLs, len(req.URLs))
	}

	valid, invalid := normalizeAll(req.URLs)
	if len(valid) == 0 {
		return nil, custom_errors.NewNoValidURLs()
	}

	batchID := uuid.NewString()
	requestedBy := strings.TrimSpace(req.RequestedBy)
	if requestedBy == "" {
		requestedBy = "admin_ui"
	}
	enqueuedAt := c.clock().UTC()

	records := make([]*models.JobRecord, 0, len(valid))
	for i, u := range valid {
		records = append(records, &models.JobRecord{
			JobID:    uuid.NewString(),
			URL:      u,
			Position: i,
			Status:   state.StatusQueued,
		})
	}

	created, err := c.store.CreateBatchJobs(ctx, batchID, records)
	if err != nil {
		return nil, err
	}
	if created.CreatedCount == 0 {
		return nil, fmt.Errorf("creating batch %s: no job records were stored", batchID)
	}

	queuedOK := make(map[string]bool, len(records))
	queueFailed := 0
	for _, rec := range records {
		_, err := c.dispatcher.Enqueue(models.Envelope{
			JobID:       rec.JobID,
			URL:         rec.URL,
			Position:    rec.Position,
			BatchID:     batchID,
			RequestedBy: requestedBy,
			EnqueuedAt:  enqueuedAt,
		}, 0)
		if err != nil {
			log.Printf("[batch] dispatch failed for job %s in batch %s: %v", rec.JobID, batchID, err)
			queueFailed++
			continue
		}
		queuedOK[rec.JobID] = true
	}

	stored, err := c.store.ListByBatch(ctx, batchID)
	if err != nil || len(stored) == 0 {
		stored = records
	}

	jobs := make([]JobView, 0, len(stored))
	for _, j := range stored {
		jobs = append(jobs, JobView{
			JobID:    j.JobID,
			URL:      j.URL,
			Position: j.Position,
			Status:   j.Status,
			Queued:   queuedOK[j.JobID],
		})
	}

	return &EnqueueResult{
		BatchID: batchID,
		Jobs:    jobs,
		Summary: Summary{
			Total:       len(records),
			Queued:      len(queuedOK),
			QueueFailed: queueFailed,
			InvalidURLs: len(invalid),
		},
		InvalidURLs: invalid,
		EnqueuedAt:  enqueuedAt,
	}, nil
}

type BatchStatus struct {
	BatchID    string         `json:"batch_id"`
	BatchState string         `json:"batch_status"`
	Jobs       []BatchJobView `json:"jobs"`
	Summary    BatchSummary   `json:"summary"`
}

type BatchJobView struct {
	JobID         string                `json:"job_id"`
	URL           string                `json:"url"`
	Position      int                   `json:"position"`
	Status        state.JobStatus       `json:"status"`
	SessionID     string                `json:"session_id,omitempty"`
	Error         *models.JobError      `json:"error,omitempty"`
	ResultSummary *models.ResultSummary `json:"result_summary,omitempty"`
	QueuedAt      time.Time             `json:"queued_at"`
	StartedAt     *time.Time            `json:"started_at,omitempty"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
}

type BatchSummary struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Status aggregates a batch's jobs into one rollup.
func (c *Coordinator) Status(ctx context.Context, batchID string) (*BatchStatus, error) {
	jobs, err := c.store.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, custom_errors.NewNotFound(fmt.Sprintf("No jobs found for batch %s", batchID))
	}

	summary := BatchSummary{Total: len(jobs)}
	views := make([]BatchJobView, 0, len(jobs))
	for _, j := range jobs {
		switch j.Status {
		case state.StatusQueued:
			summary.Queued++
		case state.StatusRunning:
			summary.Running++
		case state.StatusComplete:
			summary.Completed++
		case state.StatusError:
			summary.Failed++
		}
		views = append(views, BatchJobView{
			JobID:         j.JobID,
			URL:           j.URL,
			Position:      j.Position,
			Status:        j.Status,
			SessionID:     j.SessionID,
			Error:         j.LastError,
			ResultSummary: j.ResultSummary,
			QueuedAt:      j.CreatedAt,
			StartedAt:     j.StartedAt,
			CompletedAt:   j.CompletedAt,
		})
	}

	return &BatchStatus{
		BatchID:    batchID,
		BatchState: batchState(summary),
		Jobs:       views,
		Summary:    summary,
	}, nil
}

func batchState(s BatchSummary) string {
	if s.Running > 0 {
		return "running"
	}
	if s.Queued == 0 && s.Running == 0 {
		if s.Failed > 0 && s.Completed == 0 {
			return "failed"
		}
		return "completed"
	}
	return "queued"
}

func normalizeAll(raws []string) ([]string, []InvalidURL) {
	var valid []string
	var invalid []InvalidURL
	seen := make(map[string]bool)

	for i, raw := range raws {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		normalized, err := NormalizeURL(trimmed)
		if err != nil {
			invalid = append(invalid, InvalidURL{Raw: trimmed, Position: i, Error: "invalid_url"})
			continue
		}
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		valid = append(valid, normalized)
	}
	return valid, invalid
}

// NormalizeURL canonicalizes a user-supplied URL: https is assumed when no
// scheme is given, the host is lowercased with any port dropped, an empty
// path becomes "/", and the query string is preserved.
func NormalizeURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty url")
	}

	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("missing host")
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	out := scheme + "://" + host + path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out, nil
}
