package worker

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"golang.org/x/sync/semaphore"

	"importq/internal/models"
	"importq/internal/queue"
)

// Consumer drains dispatch envelopes from the message queue and hands each
// one to the worker, bounded by a concurrency semaphore.
type Consumer struct {
	broker    queue.MessageBroker
	worker    *Worker
	queueName string
	workers   int64
}

func NewConsumer(broker queue.MessageBroker, w *Worker, queueName string, workers int) *Consumer {
	if workers < 1 {
		workers = 1
	}
	return &Consumer{
		broker:    broker,
		worker:    w,
		queueName: queueName,
		workers:   int64(workers),
	}
}

// Start consumes until ctx is cancelled, then waits for in-flight runs to
// finish before returning.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.broker.Consume(ctx, c.queueName)
	if err != nil {
		return err
	}

	sem := semaphore.NewWeighted(c.workers)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case body, ok := <-msgs:
			if !ok {
				wg.Wait()
				return nil
			}

			var env models.Envelope
			if err := json.Unmarshal(body, &env); err != nil {
				log.Printf("[consumer] dropping malformed envelope: %v", err)
				continue
			}
			if env.JobID == "" {
				log.Printf("[consumer] dropping envelope without job id")
				continue
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return err
			}
			wg.Add(1)

			go func(env models.Envelope) {
				defer sem.Release(1)
				defer wg.Done()

				result, err := c.worker.Run(ctx, env.JobID)
				if err != nil {
					log.Printf("[consumer] job %s run failed: %v", env.JobID, err)
					return
				}
				if !result.Claimed && !result.AlreadyFinished {
					log.Printf("[consumer] job %s already held by another worker", env.JobID)
				}
			}(env)
		}
	}
}
