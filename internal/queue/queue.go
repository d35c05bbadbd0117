package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Dequeue once the queue is shut down.
var ErrClosed = errors.New("queue closed")

// Delivery is one at-least-once delivery of a job reference. Every delivery
// must be settled with exactly one Ack or Nack; unsettled deliveries are
// eventually redelivered (broker redelivery or lease expiry).
type Delivery struct {
	JobID       string
	Tag         uint64
	Redelivered bool
}

// Queue is the durable channel carrying job references from the submitter
// to the worker pool. Delivery is at-least-once: consumers must tolerate
// seeing the same job id more than once.
type Queue interface {
	// Enqueue makes the job id claimable immediately.
	Enqueue(ctx context.Context, jobID string) error

	// EnqueueDelayed makes the job id claimable after at least delay. Used
	// by the retry controller for backoff.
	EnqueueDelayed(ctx context.Context, jobID string, delay time.Duration) error

	// Dequeue blocks until a delivery is available, ctx is done, or the
	// queue is closed.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Ack settles a delivery after a terminal outcome (or a dropped claim).
	Ack(d *Delivery) error

	// Nack settles a delivery and schedules redelivery after at least
	// delay. A zero delay requeues immediately.
	Nack(d *Delivery, delay time.Duration) error

	Close() error
}
