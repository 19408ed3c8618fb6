package queue

import (
	"context"
	"time"
)

type MessageBroker interface {
	Publish(queue string, message []byte, delay time.Duration) error
	Consume(ctx context.Context, queue string) (<-chan []byte, error)
	Close() error
}
