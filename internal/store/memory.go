package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"importq/internal/models"
	"importq/internal/state"
)

const DefaultMemoryCapacity = 500

// MemoryJobStore is the bounded in-process fallback used when Postgres is
// unreachable. Records are evicted oldest-insertion-first once the store is
// full. It never fails; the tradeoff is volatility across restarts.
type MemoryJobStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.JobRecord
	order    []string
	capacity int
	clock    func() time.Time
}

func NewMemoryJobStore(capacity int) *MemoryJobStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryJobStore{
		jobs:     make(map[string]*models.JobRecord),
		capacity: capacity,
		clock:    time.Now,
	}
}

func (m *MemoryJobStore) Get(_ context.Context, jobID string) (*models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return m.tagged(job), nil
}

func (m *MemoryJobStore) ListByBatch(_ context.Context, batchID string) ([]*models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.JobRecord
	for _, id := range m.order {
		job := m.jobs[id]
		if job.BatchID == batchID {
			out = append(out, m.tagged(job))
		}
	}
	sortByPosition(out)
	return out, nil
}

func (m *MemoryJobStore) ListActive(_ context.Context) ([]*models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.JobRecord
	for _, id := range m.order {
		job := m.jobs[id]
		if !job.Status.Terminal() {
			out = append(out, m.tagged(job))
		}
	}
	return out, nil
}

func (m *MemoryJobStore) Upsert(_ context.Context, job *models.JobRecord) (*models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	merged := mergeRecord(m.jobs[job.JobID], job, now)
	m.put(merged)
	return m.tagged(merged), nil
}

func (m *MemoryJobStore) UpdateStatus(_ context.Context, p UpdateStatusParams) (*models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[p.JobID]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status.Terminal() {
		return m.tagged(job), nil
	}
	next := job.Clone()
	applyStatusPatch(next, p, m.clock())
	m.jobs[p.JobID] = next
	return m.tagged(next), nil
}

func (m *MemoryJobStore) CreateBatchJobs(ctx context.Context, batchID string, jobs []*models.JobRecord) (*BatchCreateResult, error) {
	result := &BatchCreateResult{}
	for _, job := range jobs {
		rec := job.Clone()
		rec.BatchID = batchID
		if rec.Status == "" {
			rec.Status = state.StatusQueued
		}
		if _, err := m.Upsert(ctx, rec); err != nil {
			result.Results = append(result.Results, JobCreateResult{JobID: job.JobID, Err: err})
			result.FailedCount++
			continue
		}
		result.Results = append(result.Results, JobCreateResult{JobID: job.JobID, OK: true})
		result.CreatedCount++
	}
	return result, nil
}

func (m *MemoryJobStore) Claim(_ context.Context, jobID, workerID string, lease time.Duration) (*ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.clock()
	if job.Status != state.StatusQueued {
		return &ClaimResult{Claimed: false, Job: m.tagged(job)}, nil
	}
	if job.LockedBy != "" && job.LockedBy != workerID && job.Locked(now) {
		return &ClaimResult{Claimed: false, Job: m.tagged(job)}, nil
	}

	next := job.Clone()
	next.Status = state.StatusRunning
	next.Attempt++
	next.LockedBy = workerID
	expires := now.Add(lease)
	next.LockExpiresAt = &expires
	hb := now
	next.LastHeartbeatAt = &hb
	if next.StartedAt == nil {
		t := now
		next.StartedAt = &t
	}
	next.UpdatedAt = now
	m.jobs[jobID] = next
	return &ClaimResult{Claimed: true, Job: m.tagged(next)}, nil
}

func (m *MemoryJobStore) Heartbeat(_ context.Context, jobID, workerID string, lease time.Duration, patch ProgressPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() || job.LockedBy != workerID {
		return nil
	}
	now := m.clock()
	next := job.Clone()
	hb := now
	next.LastHeartbeatAt = &hb
	expires := now.Add(lease)
	next.LockExpiresAt = &expires
	applyProgressPatch(next, patch)
	next.UpdatedAt = now
	m.jobs[jobID] = next
	return nil
}

func (m *MemoryJobStore) MarkComplete(_ context.Context, jobID string, summary *models.ResultSummary, beacon string) (*models.JobRecord, error) {
	return m.finish(jobID, state.StatusComplete, nil, summary, beacon)
}

func (m *MemoryJobStore) MarkError(_ context.Context, jobID string, jobErr *models.JobError, beacon string) (*models.JobRecord, error) {
	return m.finish(jobID, state.StatusError, jobErr, nil, beacon)
}

func (m *MemoryJobStore) finish(jobID string, status state.JobStatus, jobErr *models.JobError, summary *models.ResultSummary, beacon string) (*models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status.Terminal() {
		return m.tagged(job), nil
	}
	now := m.clock()
	next := job.Clone()
	next.Status = status
	next.LockedBy = ""
	next.LockExpiresAt = nil
	t := now
	next.CompletedAt = &t
	if beacon != "" {
		next.StageBeacon = beacon
	}
	if jobErr != nil {
		next.LastError = jobErr
	}
	if status == state.StatusComplete {
		next.LastError = nil
	}
	if summary != nil {
		next.ResultSummary = summary
	}
	next.UpdatedAt = now
	m.jobs[jobID] = next
	return m.tagged(next), nil
}

func (m *MemoryJobStore) Close() error { return nil }

// Len reports the number of retained records, for tests and diagnostics.
func (m *MemoryJobStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// put inserts or replaces a record, evicting the oldest insertion when the
// store would exceed capacity. Caller must hold the mutex.
func (m *MemoryJobStore) put(job *models.JobRecord) {
	if _, exists := m.jobs[job.JobID]; !exists {
		for len(m.order) >= m.capacity {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.jobs, oldest)
		}
		m.order = append(m.order, job.JobID)
	}
	m.jobs[job.JobID] = job
}

func (m *MemoryJobStore) tagged(job *models.JobRecord) *models.JobRecord {
	out := job.Clone()
	out.Storage = "memory"
	return out
}

func sortByPosition(jobs []*models.JobRecord) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].Position < jobs[j].Position
	})
}
