package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"importq/custom_errors"
	"importq/internal/models"
	"importq/internal/queue"
	"importq/internal/state"
	"importq/internal/store"
)

type stubDispatcher struct {
	envelopes []models.Envelope
	failFor   map[string]bool
	failAll   bool
}

func (d *stubDispatcher) Enqueue(env models.Envelope, _ time.Duration) (*queue.EnqueueResult, error) {
	if d.failAll || d.failFor[env.URL] {
		return nil, custom_errors.NewQueueUnavailable("broker down")
	}
	d.envelopes = append(d.envelopes, env)
	return &queue.EnqueueResult{MessageID: "m-" + env.JobID, Queue: "q"}, nil
}

func newTestCoordinator(maxURLs int) (*Coordinator, *store.MemoryJobStore, *stubDispatcher) {
	s := store.NewMemoryJobStore(100)
	d := &stubDispatcher{failFor: map[string]bool{}}
	return NewCoordinator(s, d, maxURLs), s, d
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "bare domain gets https and root path", in: "example.com", want: "https://example.com/"},
		{name: "host lowercased", in: "https://Example.COM/About", want: "https://example.com/About"},
		{name: "query preserved", in: "https://example.com/search?q=acme", want: "https://example.com/search?q=acme"},
		{name: "port dropped", in: "https://example.com:8443/x", want: "https://example.com/x"},
		{name: "http kept", in: "http://example.com", want: "http://example.com/"},
		{name: "whitespace trimmed", in: "  example.com  ", want: "https://example.com/"},
		{name: "ftp rejected", in: "ftp://example.com", wantErr: true},
		{name: "empty rejected", in: "   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoordinator_EnqueueBatch(t *testing.T) {
	c, s, d := newTestCoordinator(50)

	result, err := c.EnqueueBatch(context.Background(), EnqueueRequest{
		URLs: []string{"https://acme.com", "globex.com"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, result.BatchID)
	assert.Equal(t, 2, result.Summary.Total)
	assert.Equal(t, 2, result.Summary.Queued)
	assert.Equal(t, 0, result.Summary.QueueFailed)
	require.Len(t, result.Jobs, 2)
	assert.Equal(t, 0, result.Jobs[0].Position)
	assert.Equal(t, 1, result.Jobs[1].Position)

	require.Len(t, d.envelopes, 2)
	assert.Equal(t, result.BatchID, d.envelopes[0].BatchID)
	assert.Equal(t, "admin_ui", d.envelopes[0].RequestedBy)

	stored, err := s.ListByBatch(context.Background(), result.BatchID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, state.StatusQueued, stored[0].Status)
}

func TestCoordinator_EnqueueBatchDeduplicates(t *testing.T) {
	c, _, d := newTestCoordinator(50)

	result, err := c.EnqueueBatch(context.Background(), EnqueueRequest{
		URLs: []string{"https://acme.com", "ACME.com", "https://Acme.com/"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Summary.Total, "host case and trailing slash variants collapse")
	assert.Len(t, d.envelopes, 1)
	assert.Equal(t, "https://acme.com/", d.envelopes[0].URL)
}

func TestCoordinator_EnqueueBatchRejectsOversize(t *testing.T) {
	c, _, _ := newTestCoordinator(50)

	urls := make([]string, 51)
	for i := range urls {
		urls[i] = "https://example.com/" + string(rune('a'+i%26))
	}

	_, err := c.EnqueueBatch(context.Background(), EnqueueRequest{URLs: urls})
	require.Error(t, err)
	re, ok := custom_errors.AsRequestError(err)
	require.True(t, ok)
	assert.Equal(t, "too_many_urls", re.Code)
	assert.Equal(t, 51, re.Details["received"])
}

func TestCoordinator_EnqueueBatchRejectsEmpty(t *testing.T) {
	c, _, _ := newTestCoordinator(50)

	_, err := c.EnqueueBatch(context.Background(), EnqueueRequest{})
	require.Error(t, err)
	re, _ := custom_errors.AsRequestError(err)
	assert.Equal(t, "empty_urls", re.Code)
}

func TestCoordinator_EnqueueBatchAllInvalid(t *testing.T) {
	c, _, _ := newTestCoordinator(50)

	_, err := c.EnqueueBatch(context.Background(), EnqueueRequest{URLs: []string{"ftp://x.com", "   "}})
	require.Error(t, err)
	re, _ := custom_errors.AsRequestError(err)
	assert.Equal(t, "no_valid_urls", re.Code)
}

func TestCoordinator_EnqueueBatchReportsInvalidAlongsideValid(t *testing.T) {
	c, _, _ := newTestCoordinator(50)

	result, err := c.EnqueueBatch(context.Background(), EnqueueRequest{
		URLs: []string{"https://acme.com", "ftp://bad.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Summary.Total)
	assert.Equal(t, 1, result.Summary.InvalidURLs)
	require.Len(t, result.InvalidURLs, 1)
	assert.Equal(t, "ftp://bad.com", result.InvalidURLs[0].Raw)
	assert.Equal(t, 1, result.InvalidURLs[0].Position)
}

func TestCoordinator_DispatchFailureLeavesJobQueued(t *testing.T) {
	c, s, d := newTestCoordinator(50)
	d.failFor["https://globex.com/"] = true

	result, err := c.EnqueueBatch(context.Background(), EnqueueRequest{
		URLs: []string{"https://acme.com", "globex.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Summary.Queued)
	assert.Equal(t, 1, result.Summary.QueueFailed)

	stored, _ := s.ListByBatch(context.Background(), result.BatchID)
	require.Len(t, stored, 2, "records persist even when dispatch fails")
	for _, j := range stored {
		assert.Equal(t, state.StatusQueued, j.Status)
	}
}

func TestCoordinator_Status(t *testing.T) {
	c, s, _ := newTestCoordinator(50)
	ctx := context.Background()

	seed := func(id string, pos int, st state.JobStatus) {
		_, err := s.Upsert(ctx, &models.JobRecord{JobID: id, BatchID: "b", Position: pos, Status: st, URL: "https://x.com"})
		require.NoError(t, err)
	}
	seed("j1", 0, state.StatusComplete)
	seed("j2", 1, state.StatusRunning)
	seed("j3", 2, state.StatusError)

	status, err := c.Status(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "running", status.BatchState)
	assert.Equal(t, BatchSummary{Total: 3, Running: 1, Completed: 1, Failed: 1}, status.Summary)
	require.Len(t, status.Jobs, 3)
	assert.Equal(t, "j1", status.Jobs[0].JobID)
}

func TestCoordinator_StatusRollup(t *testing.T) {
	tests := []struct {
		name     string
		statuses []state.JobStatus
		want     string
	}{
		{name: "any running wins", statuses: []state.JobStatus{state.StatusRunning, state.StatusError}, want: "running"},
		{name: "all done with successes", statuses: []state.JobStatus{state.StatusComplete, state.StatusError}, want: "completed"},
		{name: "all failed", statuses: []state.JobStatus{state.StatusError, state.StatusError}, want: "failed"},
		{name: "still queued", statuses: []state.JobStatus{state.StatusQueued, state.StatusComplete}, want: "queued"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, s, _ := newTestCoordinator(50)
			ctx := context.Background()
			for i, st := range tt.statuses {
				_, err := s.Upsert(ctx, &models.JobRecord{
					JobID:   tt.name + string(rune('a'+i)),
					BatchID: "b",
					Status:  st,
					URL:     "https://x.com",
				})
				require.NoError(t, err)
			}

			status, err := c.Status(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, tt.want, status.BatchState)
		})
	}
}

func TestCoordinator_StatusUnknownBatch(t *testing.T) {
	c, _, _ := newTestCoordinator(50)

	_, err := c.Status(context.Background(), "nope")
	require.Error(t, err)
	re, ok := custom_errors.AsRequestError(err)
	require.True(t, ok)
	assert.Equal(t, "not_found", re.Code)
}

func TestCoordinator_StoreFailurePropagates(t *testing.T) {
	s := store.NewMemoryJobStore(100)
	d := &stubDispatcher{failAll: true}
	c := NewCoordinator(s, d, 50)

	result, err := c.EnqueueBatch(context.Background(), EnqueueRequest{URLs: []string{"acme.com"}})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Summary.Queued)
	assert.Equal(t, 1, result.Summary.QueueFailed)
}
