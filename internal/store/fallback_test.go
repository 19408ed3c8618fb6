package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"importq/internal/models"
	"importq/internal/state"
)

// stubDurableStore lets each test script the durable side's behavior.
type stubDurableStore struct {
	getFn        func(ctx context.Context, jobID string) (*models.JobRecord, error)
	listBatchFn  func(ctx context.Context, batchID string) ([]*models.JobRecord, error)
	listActiveFn func(ctx context.Context) ([]*models.JobRecord, error)
	upsertFn     func(ctx context.Context, job *models.JobRecord) (*models.JobRecord, error)
	updateFn     func(ctx context.Context, p UpdateStatusParams) (*models.JobRecord, error)
	createFn     func(ctx context.Context, batchID string, jobs []*models.JobRecord) (*BatchCreateResult, error)
	claimFn      func(ctx context.Context, jobID, workerID string, lease time.Duration) (*ClaimResult, error)
	heartbeatFn  func(ctx context.Context, jobID, workerID string, lease time.Duration, patch ProgressPatch) error
	completeFn   func(ctx context.Context, jobID string, summary *models.ResultSummary, beacon string) (*models.JobRecord, error)
	errorFn      func(ctx context.Context, jobID string, jobErr *models.JobError, beacon string) (*models.JobRecord, error)
}

var errDown = errors.New("connection refused")

func (s *stubDurableStore) Get(ctx context.Context, jobID string) (*models.JobRecord, error) {
	if s.getFn != nil {
		return s.getFn(ctx, jobID)
	}
	return nil, errDown
}

func (s *stubDurableStore) ListByBatch(ctx context.Context, batchID string) ([]*models.JobRecord, error) {
	if s.listBatchFn != nil {
		return s.listBatchFn(ctx, batchID)
	}
	return nil, errDown
}

func (s *stubDurableStore) ListActive(ctx context.Context) ([]*models.JobRecord, error) {
	if s.listActiveFn != nil {
		return s.listActiveFn(ctx)
	}
	return nil, errDown
}

func (s *stubDurableStore) Upsert(ctx context.Context, job *models.JobRecord) (*models.JobRecord, error) {
	if s.upsertFn != nil {
		return s.upsertFn(ctx, job)
	}
	return nil, errDown
}

func (s *stubDurableStore) UpdateStatus(ctx context.Context, p UpdateStatusParams) (*models.JobRecord, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, p)
	}
	return nil, errDown
}

func (s *stubDurableStore) CreateBatchJobs(ctx context.Context, batchID string, jobs []*models.JobRecord) (*BatchCreateResult, error) {
	if s.createFn != nil {
		return s.createFn(ctx, batchID, jobs)
	}
	return nil, errDown
}

func (s *stubDurableStore) Claim(ctx context.Context, jobID, workerID string, lease time.Duration) (*ClaimResult, error) {
	if s.claimFn != nil {
		return s.claimFn(ctx, jobID, workerID, lease)
	}
	return nil, errDown
}

func (s *stubDurableStore) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration, patch ProgressPatch) error {
	if s.heartbeatFn != nil {
		return s.heartbeatFn(ctx, jobID, workerID, lease, patch)
	}
	return errDown
}

func (s *stubDurableStore) MarkComplete(ctx context.Context, jobID string, summary *models.ResultSummary, beacon string) (*models.JobRecord, error) {
	if s.completeFn != nil {
		return s.completeFn(ctx, jobID, summary, beacon)
	}
	return nil, errDown
}

func (s *stubDurableStore) MarkError(ctx context.Context, jobID string, jobErr *models.JobError, beacon string) (*models.JobRecord, error) {
	if s.errorFn != nil {
		return s.errorFn(ctx, jobID, jobErr, beacon)
	}
	return nil, errDown
}

func (s *stubDurableStore) Close() error { return nil }

func TestFallback_PrefersDurable(t *testing.T) {
	durable := &stubDurableStore{
		getFn: func(_ context.Context, jobID string) (*models.JobRecord, error) {
			return &models.JobRecord{JobID: jobID, Storage: "postgres"}, nil
		},
	}
	f := NewFallbackJobStore(durable, NewMemoryJobStore(10))

	job, err := f.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "postgres", job.Storage)
}

func TestFallback_GetFallsBackOnDurableError(t *testing.T) {
	mem := NewMemoryJobStore(10)
	mem.Upsert(context.Background(), &models.JobRecord{JobID: "job-1", URL: "https://a.com"})
	f := NewFallbackJobStore(&stubDurableStore{}, mem)

	job, err := f.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "memory", job.Storage)
}

func TestFallback_GetFallsBackOnDurableMiss(t *testing.T) {
	mem := NewMemoryJobStore(10)
	mem.Upsert(context.Background(), &models.JobRecord{JobID: "job-1", URL: "https://a.com"})
	durable := &stubDurableStore{
		getFn: func(context.Context, string) (*models.JobRecord, error) { return nil, nil },
	}
	f := NewFallbackJobStore(durable, mem)

	job, err := f.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "memory", job.Storage)
}

func TestFallback_NilDurableUsesMemory(t *testing.T) {
	f := NewFallbackJobStore(nil, NewMemoryJobStore(10))

	saved, err := f.Upsert(context.Background(), &models.JobRecord{JobID: "job-1", URL: "https://a.com"})
	require.NoError(t, err)
	assert.Equal(t, "memory", saved.Storage)
}

func TestFallback_UpsertDegradesToMemory(t *testing.T) {
	mem := NewMemoryJobStore(10)
	f := NewFallbackJobStore(&stubDurableStore{}, mem)

	saved, err := f.Upsert(context.Background(), &models.JobRecord{JobID: "job-1", URL: "https://a.com"})
	require.NoError(t, err)
	assert.Equal(t, "memory", saved.Storage)
	assert.Equal(t, 1, mem.Len())
}

func TestFallback_ListByBatchFallsBackWhenDurableEmpty(t *testing.T) {
	mem := NewMemoryJobStore(10)
	mem.Upsert(context.Background(), &models.JobRecord{JobID: "j1", BatchID: "b"})
	durable := &stubDurableStore{
		listBatchFn: func(context.Context, string) ([]*models.JobRecord, error) { return nil, nil },
	}
	f := NewFallbackJobStore(durable, mem)

	jobs, err := f.ListByBatch(context.Background(), "b")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "memory", jobs[0].Storage)
}

func TestFallback_UpdateStatusNotFoundInDurableTriesMemory(t *testing.T) {
	mem := NewMemoryJobStore(10)
	mem.Upsert(context.Background(), &models.JobRecord{JobID: "job-1", Status: state.StatusQueued})
	durable := &stubDurableStore{
		updateFn: func(context.Context, UpdateStatusParams) (*models.JobRecord, error) { return nil, ErrNotFound },
	}
	f := NewFallbackJobStore(durable, mem)

	job, err := f.UpdateStatus(context.Background(), UpdateStatusParams{JobID: "job-1", Status: state.StatusRunning})
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, job.Status)
}

func TestFallback_CreateBatchJobsRetriesFailedRowsInMemory(t *testing.T) {
	mem := NewMemoryJobStore(10)
	durable := &stubDurableStore{
		createFn: func(_ context.Context, _ string, jobs []*models.JobRecord) (*BatchCreateResult, error) {
			return &BatchCreateResult{
				Results: []JobCreateResult{
					{JobID: "j1", OK: true},
					{JobID: "j2", Err: errDown},
				},
				CreatedCount: 1,
				FailedCount:  1,
			}, nil
		},
	}
	f := NewFallbackJobStore(durable, mem)

	result, err := f.CreateBatchJobs(context.Background(), "b", []*models.JobRecord{
		{JobID: "j1", URL: "https://a.com"},
		{JobID: "j2", URL: "https://b.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.CreatedCount)
	assert.Equal(t, 0, result.FailedCount)

	rescued, _ := mem.Get(context.Background(), "j2")
	require.NotNil(t, rescued)
	assert.Equal(t, "b", rescued.BatchID)
}

func TestFallback_ClaimDegradesToMemory(t *testing.T) {
	mem := NewMemoryJobStore(10)
	mem.Upsert(context.Background(), &models.JobRecord{JobID: "job-1", Status: state.StatusQueued})
	f := NewFallbackJobStore(&stubDurableStore{}, mem)

	result, err := f.Claim(context.Background(), "job-1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, result.Claimed)
}

func TestFallback_MarkErrorDegradesToMemory(t *testing.T) {
	mem := NewMemoryJobStore(10)
	mem.Upsert(context.Background(), &models.JobRecord{JobID: "job-1", Status: state.StatusRunning})
	f := NewFallbackJobStore(&stubDurableStore{}, mem)

	job, err := f.MarkError(context.Background(), "job-1", &models.JobError{Code: "stalled_worker"}, "")
	require.NoError(t, err)
	assert.Equal(t, state.StatusError, job.Status)
	assert.Equal(t, "stalled_worker", job.LastError.Code)
}
