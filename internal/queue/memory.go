package queue

import (
	"context"
	"sync"
	"time"
)

// DefaultLeaseTimeout bounds how long a dequeued job may stay unsettled
// before it is considered abandoned and redelivered.
const DefaultLeaseTimeout = 30 * time.Second

type lease struct {
	jobID string
	timer *time.Timer
}

type readyItem struct {
	jobID       string
	redelivered bool
}

// MemoryQueue is an in-process Queue with at-least-once semantics. Each
// dequeue opens a lease; a lease that is neither acked nor nacked before the
// lease timeout is returned to the ready list, mirroring broker visibility
// timeouts. It backs tests and single-node local runs.
type MemoryQueue struct {
	leaseTimeout time.Duration

	mu       sync.Mutex
	ready    []readyItem
	inflight map[uint64]*lease
	nextTag  uint64
	closed   bool

	signal chan struct{}
}

// NewMemory creates a MemoryQueue with the given lease timeout.
// A non-positive timeout falls back to DefaultLeaseTimeout.
func NewMemory(leaseTimeout time.Duration) *MemoryQueue {
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}
	return &MemoryQueue{
		leaseTimeout: leaseTimeout,
		inflight:     make(map[uint64]*lease),
		signal:       make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobID string) error {
	q.push(jobID, false)
	return nil
}

func (q *MemoryQueue) EnqueueDelayed(_ context.Context, jobID string, delay time.Duration) error {
	if delay <= 0 {
		q.push(jobID, false)
		return nil
	}
	time.AfterFunc(delay, func() {
		q.push(jobID, false)
	})
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}

		if len(q.ready) > 0 {
			item := q.ready[0]
			q.ready = q.ready[1:]

			q.nextTag++
			tag := q.nextTag

			l := &lease{jobID: item.jobID}
			l.timer = time.AfterFunc(q.leaseTimeout, func() {
				q.expireLease(tag)
			})
			q.inflight[tag] = l

			q.mu.Unlock()
			return &Delivery{JobID: item.jobID, Tag: tag, Redelivered: item.redelivered}, nil
		}
		q.mu.Unlock()

		// The signal channel is a single token, so a burst of pushes can wake
		// fewer waiters than items. The periodic recheck covers the rest.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (q *MemoryQueue) Ack(d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if l, ok := q.inflight[d.Tag]; ok {
		l.timer.Stop()
		delete(q.inflight, d.Tag)
	}
	return nil
}

func (q *MemoryQueue) Nack(d *Delivery, delay time.Duration) error {
	q.mu.Lock()
	l, ok := q.inflight[d.Tag]
	if ok {
		l.timer.Stop()
		delete(q.inflight, d.Tag)
	}
	q.mu.Unlock()

	if !ok {
		return nil
	}

	// Immediate requeue is a broker redelivery of the same message; a
	// delayed requeue publishes a fresh copy, like the AMQP wait queue.
	if delay <= 0 {
		q.push(d.JobID, true)
		return nil
	}
	return q.EnqueueDelayed(context.Background(), d.JobID, delay)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	for tag, l := range q.inflight {
		l.timer.Stop()
		delete(q.inflight, tag)
	}
	close(q.signal)
	return nil
}

// Depth returns the number of immediately claimable jobs.
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

func (q *MemoryQueue) push(jobID string, redelivered bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.ready = append(q.ready, readyItem{jobID: jobID, redelivered: redelivered})
	select {
	case q.signal <- struct{}{}:
	default:
	}
	q.mu.Unlock()
}

// expireLease returns an abandoned delivery to the ready list, flagged as
// redelivered so consumers can tell a crashed holder from a fresh dispatch.
func (q *MemoryQueue) expireLease(tag uint64) {
	q.mu.Lock()
	l, ok := q.inflight[tag]
	if ok {
		delete(q.inflight, tag)
	}
	q.mu.Unlock()

	if ok {
		q.push(l.jobID, true)
	}
}
