package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"importq/internal/models"
	"importq/internal/state"
	"importq/internal/store"
)

type channelBroker struct {
	msgs chan []byte
}

func (b *channelBroker) Publish(string, []byte, time.Duration) error { return nil }

func (b *channelBroker) Consume(context.Context, string) (<-chan []byte, error) {
	return b.msgs, nil
}

func (b *channelBroker) Close() error { return nil }

func envelopeBytes(t *testing.T, env models.Envelope) []byte {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func TestConsumer_RunsDispatchedJobs(t *testing.T) {
	s := store.NewMemoryJobStore(10)
	p := &scriptedProvider{responses: []providerResponse{{result: okResult()}}}
	w, _ := newTestWorker(s, p, testConfig())

	seedJob(t, s, &models.JobRecord{JobID: "job-1", URL: "https://acme.com", BatchID: "b"})
	seedJob(t, s, &models.JobRecord{JobID: "job-2", URL: "https://globex.com", BatchID: "b"})

	broker := &channelBroker{msgs: make(chan []byte, 4)}
	broker.msgs <- envelopeBytes(t, models.Envelope{JobID: "job-1", URL: "https://acme.com", BatchID: "b"})
	broker.msgs <- envelopeBytes(t, models.Envelope{JobID: "job-2", URL: "https://globex.com", BatchID: "b"})
	close(broker.msgs)

	c := NewConsumer(broker, w, "import-primary-jobs", 2)
	require.NoError(t, c.Start(context.Background()))

	for _, id := range []string{"job-1", "job-2"} {
		job, err := s.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, state.StatusComplete, job.Status, id)
	}
}

func TestConsumer_SkipsMalformedEnvelopes(t *testing.T) {
	s := store.NewMemoryJobStore(10)
	p := &scriptedProvider{responses: []providerResponse{{result: okResult()}}}
	w, _ := newTestWorker(s, p, testConfig())

	seedJob(t, s, &models.JobRecord{JobID: "job-1", URL: "https://acme.com"})

	broker := &channelBroker{msgs: make(chan []byte, 4)}
	broker.msgs <- []byte("{not json")
	broker.msgs <- envelopeBytes(t, models.Envelope{URL: "https://no-id.com", BatchID: "b"})
	broker.msgs <- envelopeBytes(t, models.Envelope{JobID: "job-1", URL: "https://acme.com", BatchID: "b"})
	close(broker.msgs)

	c := NewConsumer(broker, w, "import-primary-jobs", 1)
	require.NoError(t, c.Start(context.Background()))

	job, err := s.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusComplete, job.Status)
	assert.Equal(t, 1, p.callCount())
}

func TestConsumer_StopsOnContextCancel(t *testing.T) {
	s := store.NewMemoryJobStore(10)
	p := &scriptedProvider{responses: []providerResponse{{result: okResult()}}}
	w, _ := newTestWorker(s, p, testConfig())

	broker := &channelBroker{msgs: make(chan []byte)}
	c := NewConsumer(broker, w, "import-primary-jobs", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}
