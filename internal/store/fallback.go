package store

import (
	"context"
	"log"
	"time"

	"importq/internal/models"
)

// FallbackJobStore composes the durable store with the in-memory one.
// Every operation tries durable first and degrades to memory on failure, so
// job tracking keeps working through a database outage. Degraded writes land
// only in memory; nothing is replayed into Postgres once it recovers.
type FallbackJobStore struct {
	durable JobStore
	memory  *MemoryJobStore
}

// NewFallbackJobStore wires the composite. durable may be nil, which pins
// every operation to memory (the database was never configured or reachable).
func NewFallbackJobStore(durable JobStore, memory *MemoryJobStore) *FallbackJobStore {
	if memory == nil {
		memory = NewMemoryJobStore(DefaultMemoryCapacity)
	}
	return &FallbackJobStore{durable: durable, memory: memory}
}

func (f *FallbackJobStore) Get(ctx context.Context, jobID string) (*models.JobRecord, error) {
	if f.durable != nil {
		job, err := f.durable.Get(ctx, jobID)
		if err == nil && job != nil {
			return job, nil
		}
		if err != nil {
			log.Printf("[store] durable get failed for job %s, falling back to memory: %v", jobID, err)
		}
	}
	return f.memory.Get(ctx, jobID)
}

func (f *FallbackJobStore) ListByBatch(ctx context.Context, batchID string) ([]*models.JobRecord, error) {
	if f.durable != nil {
		jobs, err := f.durable.ListByBatch(ctx, batchID)
		if err == nil && len(jobs) > 0 {
			return jobs, nil
		}
		if err != nil {
			log.Printf("[store] durable list failed for batch %s, falling back to memory: %v", batchID, err)
		}
	}
	return f.memory.ListByBatch(ctx, batchID)
}

func (f *FallbackJobStore) ListActive(ctx context.Context) ([]*models.JobRecord, error) {
	if f.durable != nil {
		jobs, err := f.durable.ListActive(ctx)
		if err == nil {
			return jobs, nil
		}
		log.Printf("[store] durable active scan failed, falling back to memory: %v", err)
	}
	return f.memory.ListActive(ctx)
}

func (f *FallbackJobStore) Upsert(ctx context.Context, job *models.JobRecord) (*models.JobRecord, error) {
	if f.durable != nil {
		saved, err := f.durable.Upsert(ctx, job)
		if err == nil {
			return saved, nil
		}
		log.Printf("[store] durable upsert failed for job %s, falling back to memory: %v", job.JobID, err)
	}
	return f.memory.Upsert(ctx, job)
}

func (f *FallbackJobStore) UpdateStatus(ctx context.Context, p UpdateStatusParams) (*models.JobRecord, error) {
	if f.durable != nil {
		job, err := f.durable.UpdateStatus(ctx, p)
		if err == nil {
			return job, nil
		}
		if err == ErrNotFound {
			// The record may only exist in memory from an earlier outage.
			return f.memory.UpdateStatus(ctx, p)
		}
		log.Printf("[store] durable status update failed for job %s, falling back to memory: %v", p.JobID, err)
	}
	return f.memory.UpdateStatus(ctx, p)
}

func (f *FallbackJobStore) CreateBatchJobs(ctx context.Context, batchID string, jobs []*models.JobRecord) (*BatchCreateResult, error) {
	if f.durable != nil {
		result, err := f.durable.CreateBatchJobs(ctx, batchID, jobs)
		if err == nil && result.FailedCount == 0 {
			return result, nil
		}
		if err != nil {
			log.Printf("[store] durable batch create failed for %s, falling back to memory: %v", batchID, err)
			return f.memory.CreateBatchJobs(ctx, batchID, jobs)
		}
		// Retry only the failed rows against memory so the batch stays whole.
		retry := make([]*models.JobRecord, 0, result.FailedCount)
		byID := make(map[string]*models.JobRecord, len(jobs))
		for _, j := range jobs {
			byID[j.JobID] = j
		}
		for _, r := range result.Results {
			if !r.OK {
				if j, ok := byID[r.JobID]; ok {
					retry = append(retry, j)
				}
			}
		}
		memResult, _ := f.memory.CreateBatchJobs(ctx, batchID, retry)
		merged := &BatchCreateResult{CreatedCount: result.CreatedCount, FailedCount: 0}
		memByID := make(map[string]JobCreateResult, len(memResult.Results))
		for _, r := range memResult.Results {
			memByID[r.JobID] = r
		}
		for _, r := range result.Results {
			if r.OK {
				merged.Results = append(merged.Results, r)
				continue
			}
			mr, ok := memByID[r.JobID]
			if ok && mr.OK {
				merged.Results = append(merged.Results, mr)
				merged.CreatedCount++
			} else {
				merged.Results = append(merged.Results, r)
				merged.FailedCount++
			}
		}
		return merged, nil
	}
	return f.memory.CreateBatchJobs(ctx, batchID, jobs)
}

func (f *FallbackJobStore) Claim(ctx context.Context, jobID, workerID string, lease time.Duration) (*ClaimResult, error) {
	if f.durable != nil {
		result, err := f.durable.Claim(ctx, jobID, workerID, lease)
		if err == nil {
			return result, nil
		}
		if err != ErrNotFound {
			log.Printf("[store] durable claim failed for job %s, falling back to memory: %v", jobID, err)
		}
	}
	return f.memory.Claim(ctx, jobID, workerID, lease)
}

func (f *FallbackJobStore) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration, patch ProgressPatch) error {
	if f.durable != nil {
		err := f.durable.Heartbeat(ctx, jobID, workerID, lease, patch)
		if err == nil {
			return nil
		}
		if err != ErrNotFound {
			log.Printf("[store] durable heartbeat failed for job %s, falling back to memory: %v", jobID, err)
		}
	}
	return f.memory.Heartbeat(ctx, jobID, workerID, lease, patch)
}

func (f *FallbackJobStore) MarkComplete(ctx context.Context, jobID string, summary *models.ResultSummary, beacon string) (*models.JobRecord, error) {
	if f.durable != nil {
		job, err := f.durable.MarkComplete(ctx, jobID, summary, beacon)
		if err == nil {
			return job, nil
		}
		if err != ErrNotFound {
			log.Printf("[store] durable completion failed for job %s, falling back to memory: %v", jobID, err)
		}
	}
	return f.memory.MarkComplete(ctx, jobID, summary, beacon)
}

func (f *FallbackJobStore) MarkError(ctx context.Context, jobID string, jobErr *models.JobError, beacon string) (*models.JobRecord, error) {
	if f.durable != nil {
		job, err := f.durable.MarkError(ctx, jobID, jobErr, beacon)
		if err == nil {
			return job, nil
		}
		if err != ErrNotFound {
			log.Printf("[store] durable error write failed for job %s, falling back to memory: %v", jobID, err)
		}
	}
	return f.memory.MarkError(ctx, jobID, jobErr, beacon)
}

func (f *FallbackJobStore) Close() error {
	if f.durable != nil {
		return f.durable.Close()
	}
	return nil
}
