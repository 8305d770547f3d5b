package broker

import (
	"context"

	"pixl/pkg/models"
)

// Verdict tells the consumer what to do with a delivery after handling.
type Verdict int

const (
	// Ack removes the message from the queue.
	Ack Verdict = iota
	// Requeue nacks the message back onto the same queue.
	Requeue
	// RouteSecondary republishes the message onto the secondary queue with
	// its priority preserved, then acks the original.
	RouteSecondary
	// DeadLetter republishes onto the dead-letter queue, then acks.
	DeadLetter
)

type HandlerFunc func(ctx context.Context, req models.ExtractRequest) Verdict

type Producer interface {
	Publish(ctx context.Context, queue string, req models.ExtractRequest) error
	Close() error
}

type Consumer interface {
	// Consume delivers messages from queue to handler until ctx is
	// cancelled. At most prefetch messages are un-acked at any moment.
	Consume(ctx context.Context, queue string, handler HandlerFunc) error
	Close() error
}

// Inspector reports queue depths for the CLI and metrics.
type Inspector interface {
	MessageCount(queue string) (int, error)
}
