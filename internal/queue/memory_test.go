package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dequeueWithin(t *testing.T, q *MemoryQueue, timeout time.Duration) *Delivery {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return d
}

func TestMemoryQueue_EnqueueDequeueAck(t *testing.T) {
	q := NewMemory(time.Second)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), "img_0001"))
	require.NoError(t, q.Enqueue(context.Background(), "img_0002"))

	d1 := dequeueWithin(t, q, time.Second)
	d2 := dequeueWithin(t, q, time.Second)

	// FIFO, distinct tags.
	assert.Equal(t, "img_0001", d1.JobID)
	assert.Equal(t, "img_0002", d2.JobID)
	assert.NotEqual(t, d1.Tag, d2.Tag)

	require.NoError(t, q.Ack(d1))
	require.NoError(t, q.Ack(d2))

	assert.Equal(t, 0, q.Depth())
}

func TestMemoryQueue_DequeueBlocksUntilPush(t *testing.T) {
	q := NewMemory(time.Second)
	defer q.Close()

	done := make(chan *Delivery, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d, err := q.Dequeue(ctx)
		if err == nil {
			done <- d
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), "img_late"))

	select {
	case d := <-done:
		assert.Equal(t, "img_late", d.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not observe the push")
	}
}

func TestMemoryQueue_DequeueContextCanceled(t *testing.T) {
	q := NewMemory(time.Second)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueue_NackImmediateRedelivery(t *testing.T) {
	q := NewMemory(time.Second)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), "img_retry"))

	d := dequeueWithin(t, q, time.Second)
	assert.False(t, d.Redelivered)
	require.NoError(t, q.Nack(d, 0))

	again := dequeueWithin(t, q, time.Second)
	assert.Equal(t, "img_retry", again.JobID)
	assert.NotEqual(t, d.Tag, again.Tag)
	assert.True(t, again.Redelivered)
	require.NoError(t, q.Ack(again))
}

func TestMemoryQueue_NackDelayedRedelivery(t *testing.T) {
	q := NewMemory(time.Second)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), "img_delayed"))

	d := dequeueWithin(t, q, time.Second)

	start := time.Now()
	require.NoError(t, q.Nack(d, 80*time.Millisecond))

	// Not claimable before the delay elapses.
	assert.Equal(t, 0, q.Depth())

	again := dequeueWithin(t, q, 2*time.Second)
	assert.Equal(t, "img_delayed", again.JobID)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	// A delayed requeue is a fresh publish, not a broker redelivery.
	assert.False(t, again.Redelivered)
	require.NoError(t, q.Ack(again))
}

func TestMemoryQueue_EnqueueDelayed(t *testing.T) {
	q := NewMemory(time.Second)
	defer q.Close()

	require.NoError(t, q.EnqueueDelayed(context.Background(), "img_parked", 60*time.Millisecond))
	assert.Equal(t, 0, q.Depth())

	d := dequeueWithin(t, q, 2*time.Second)
	assert.Equal(t, "img_parked", d.JobID)
	require.NoError(t, q.Ack(d))
}

func TestMemoryQueue_LeaseExpiryRequeues(t *testing.T) {
	q := NewMemory(50 * time.Millisecond)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), "img_abandoned"))

	d := dequeueWithin(t, q, time.Second)
	require.Equal(t, "img_abandoned", d.JobID)

	// Never settle the delivery; the lease timer must return it.
	again := dequeueWithin(t, q, 2*time.Second)
	assert.Equal(t, "img_abandoned", again.JobID)
	assert.NotEqual(t, d.Tag, again.Tag)
	assert.True(t, again.Redelivered)

	// Acking the expired lease is a no-op, not an error.
	require.NoError(t, q.Ack(d))
	require.NoError(t, q.Ack(again))
}

func TestMemoryQueue_Close(t *testing.T) {
	q := NewMemory(time.Second)

	require.NoError(t, q.Enqueue(context.Background(), "img_x"))
	require.NoError(t, q.Close())
	require.NoError(t, q.Close()) // idempotent

	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	// Pushes after close are dropped silently.
	require.NoError(t, q.Enqueue(context.Background(), "img_y"))
}
