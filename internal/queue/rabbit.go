package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pipelinekit/image-pipeline/shared/rabbitmq"
)

// jobMessage is the wire format carried on the queue.
type jobMessage struct {
	JobID string `json:"job_id"`
}

// RabbitQueue implements Queue on RabbitMQ. Redelivery of unacked messages
// (worker crash mid-job) is the broker's responsibility; retry backoff rides
// the client's TTL wait queue.
type RabbitQueue struct {
	client        *rabbitmq.Client
	logger        *slog.Logger
	consumerTag   string
	prefetchCount int

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

// NewRabbit wraps an established RabbitMQ client.
func NewRabbit(client *rabbitmq.Client, logger *slog.Logger, consumerTag string, prefetchCount int) *RabbitQueue {
	return &RabbitQueue{
		client:        client,
		logger:        logger,
		consumerTag:   consumerTag,
		prefetchCount: prefetchCount,
	}
}

func (q *RabbitQueue) Enqueue(ctx context.Context, jobID string) error {
	body, err := json.Marshal(jobMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}
	return q.client.PublishWithRetry(ctx, body, "application/json")
}

func (q *RabbitQueue) EnqueueDelayed(ctx context.Context, jobID string, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, jobID)
	}
	body, err := json.Marshal(jobMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}
	return q.client.PublishDelayed(ctx, body, "application/json", delay)
}

func (q *RabbitQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	deliveries, err := q.consumeChannel()
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case delivery, ok := <-deliveries:
			if !ok {
				return nil, ErrClosed
			}

			var msg jobMessage
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				q.logger.Error("Failed to parse job message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// Malformed messages will never parse; drop without requeue.
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					q.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			return &Delivery{
				JobID:       msg.JobID,
				Tag:         delivery.DeliveryTag,
				Redelivered: delivery.Redelivered,
			}, nil
		}
	}
}

func (q *RabbitQueue) Ack(d *Delivery) error {
	channel := q.client.GetChannel()
	if channel == nil {
		return fmt.Errorf("rabbitmq channel is nil")
	}
	if err := channel.Ack(d.Tag, false); err != nil {
		return fmt.Errorf("failed to ack delivery: %w", err)
	}
	return nil
}

func (q *RabbitQueue) Nack(d *Delivery, delay time.Duration) error {
	channel := q.client.GetChannel()
	if channel == nil {
		return fmt.Errorf("rabbitmq channel is nil")
	}

	if delay <= 0 {
		if err := channel.Nack(d.Tag, false, true); err != nil {
			return fmt.Errorf("failed to nack delivery: %w", err)
		}
		return nil
	}

	// Park a fresh copy with a TTL, then settle the original. The job only
	// becomes claimable again once the wait queue dead-letters it back.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := q.EnqueueDelayed(ctx, d.JobID, delay); err != nil {
		// Leave the original unacked so the broker redelivers it.
		return fmt.Errorf("failed to schedule delayed redelivery: %w", err)
	}

	if err := channel.Ack(d.Tag, false); err != nil {
		return fmt.Errorf("failed to ack delivery after delayed requeue: %w", err)
	}

	return nil
}

func (q *RabbitQueue) Close() error {
	return q.client.Close()
}

func (q *RabbitQueue) consumeChannel() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deliveries == nil {
		deliveries, err := q.client.Consume(q.consumerTag, q.prefetchCount)
		if err != nil {
			return nil, fmt.Errorf("failed to start consuming: %w", err)
		}
		q.deliveries = deliveries
	}

	return q.deliveries, nil
}
