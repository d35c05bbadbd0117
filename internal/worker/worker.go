package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pipelinekit/image-pipeline/internal/pipeline"
	"github.com/pipelinekit/image-pipeline/internal/queue"
	"github.com/pipelinekit/image-pipeline/internal/store"
)

// Config holds worker configuration.
type Config struct {
	Logger      *slog.Logger
	Store       store.JobStore
	Queue       queue.Queue
	Pipeline    *pipeline.Pipeline
	Retry       RetryPolicy
	Concurrency int
	WorkerID    string
}

// Worker runs a pool of pull loops against the work queue. Workers share no
// in-process state; coordination happens only through the store's
// CompareAndTransition primitive and the queue's delivery semantics.
type Worker struct {
	logger      *slog.Logger
	store       store.JobStore
	queue       queue.Queue
	pipeline    *pipeline.Pipeline
	retry       RetryPolicy
	concurrency int
	workerID    string

	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewWorker creates a new worker instance.
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:      cfg.Logger,
		store:       cfg.Store,
		queue:       cfg.Queue,
		pipeline:    cfg.Pipeline,
		retry:       cfg.Retry,
		concurrency: cfg.Concurrency,
		workerID:    cfg.WorkerID,
		stopChan:    make(chan struct{}),
	}
}

// Start spawns the worker pool and blocks until ctx is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
		slog.Int("max_retries", w.retry.MaxRetries),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop waits for all in-flight jobs to settle.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// workerLoop is the pull loop of one pool goroutine. Stage errors never
// escape processJob; an error returned here is a store or queue connectivity
// failure, which kills the loop so the deployment layer can restart us.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	log := w.logger.With(slog.String("worker_name", workerName))
	log.Info("Worker goroutine started")

	for {
		select {
		case <-w.stopChan:
			log.Info("Worker goroutine stopping - stopChan closed")
			return
		case <-ctx.Done():
			log.Info("Worker goroutine stopping - context canceled")
			return
		default:
		}

		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				log.Info("Worker goroutine stopping - queue drained")
				return
			}
			log.Error("Dequeue failed, worker exiting",
				slog.String("error", err.Error()),
			)
			return
		}

		log.Info("Worker received job",
			slog.String("image_id", d.JobID),
			slog.Uint64("tag", d.Tag),
			slog.Bool("redelivered", d.Redelivered),
		)

		out, err := w.processJob(ctx, d)
		if err != nil {
			// Store connectivity failure: leave the delivery for redelivery
			// and die so the deployment layer restarts the process.
			log.Error("Job processing hit infrastructure failure, worker exiting",
				slog.String("image_id", d.JobID),
				slog.String("error", err.Error()),
			)
			if nackErr := w.queue.Nack(d, 0); nackErr != nil {
				log.Error("Failed to NACK delivery",
					slog.String("error", nackErr.Error()),
				)
			}
			return
		}

		if out.requeue {
			if nackErr := w.queue.Nack(d, out.delay); nackErr != nil {
				log.Error("Failed to NACK delivery for retry",
					slog.String("image_id", d.JobID),
					slog.String("error", nackErr.Error()),
				)
			} else {
				log.Info("Job requeued for retry",
					slog.String("image_id", d.JobID),
					slog.Duration("delay", out.delay),
				)
			}
			continue
		}

		if ackErr := w.queue.Ack(d); ackErr != nil {
			log.Error("Failed to ACK delivery",
				slog.String("image_id", d.JobID),
				slog.String("error", ackErr.Error()),
			)
		}
	}
}
