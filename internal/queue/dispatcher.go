package queue

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"importq/custom_errors"
	"importq/internal/models"
)

// Dispatcher validates and publishes job envelopes. The broker connection is
// established lazily on first use so a broker outage at startup does not take
// the API down with it.
type Dispatcher struct {
	queueName string
	factory   func() (MessageBroker, error)

	mu     sync.Mutex
	broker MessageBroker
}

type EnqueueResult struct {
	MessageID string        `json:"message_id"`
	Queue     string        `json:"queue"`
	Delay     time.Duration `json:"-"`
}

func NewDispatcher(queueName string, factory func() (MessageBroker, error)) *Dispatcher {
	return &Dispatcher{
		queueName: queueName,
		factory:   factory,
	}
}

// Enqueue publishes one dispatch envelope, optionally held back by delay.
// Field validation happens before any broker work so a malformed envelope
// never costs a connection attempt.
func (d *Dispatcher) Enqueue(env models.Envelope, delay time.Duration) (*EnqueueResult, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}

	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	broker, err := d.getBroker()
	if err != nil {
		return nil, custom_errors.NewQueueUnavailable(fmt.Sprintf("message broker unreachable: %v", err))
	}

	if err := broker.Publish(d.queueName, body, delay); err != nil {
		return nil, custom_errors.NewQueueUnavailable(fmt.Sprintf("publish failed: %v", err))
	}

	result := &EnqueueResult{
		MessageID: uuid.NewString(),
		Queue:     d.queueName,
		Delay:     delay,
	}
	log.Printf("[queue] enqueued job %s on %s (delay=%s)", env.JobID, d.queueName, delay)
	return result, nil
}

func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.broker != nil {
		return d.broker.Close()
	}
	return nil
}

// getBroker connects on first use and retries on the next call after a
// failed attempt, so a broker outage at startup heals itself.
func (d *Dispatcher) getBroker() (MessageBroker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.broker != nil {
		return d.broker, nil
	}
	broker, err := d.factory()
	if err != nil {
		return nil, err
	}
	d.broker = broker
	return broker, nil
}

func validateEnvelope(env models.Envelope) error {
	if env.JobID == "" {
		return &custom_errors.RequestError{Code: "missing_job_id", Message: "jobId is required", HTTPStatus: 400}
	}
	if env.URL == "" {
		return &custom_errors.RequestError{Code: "missing_url", Message: "url is required", HTTPStatus: 400}
	}
	if env.BatchID == "" {
		return &custom_errors.RequestError{Code: "missing_batch_id", Message: "batchId is required", HTTPStatus: 400}
	}
	return nil
}
