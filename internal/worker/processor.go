package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pipelinekit/image-pipeline/internal/domain"
	"github.com/pipelinekit/image-pipeline/internal/queue"
	"github.com/pipelinekit/image-pipeline/internal/store"
)

// settlement tells the pull loop how to settle the delivery.
type settlement struct {
	requeue bool
	delay   time.Duration
}

var ack = settlement{}

// processJob drives one delivery through the state machine:
//
//	claim (pending -> processing, attempt_count+1)
//	  or, on redelivery of an abandoned claim, reclaim (processing -> processing)
//	run pipeline
//	success: processing -> success with results
//	permanent failure or retry bound: processing -> failed
//	transient failure below the bound: processing -> pending + delayed requeue
//
// Stage errors are translated into store mutations here and never propagate.
// A returned error means the store itself is unreachable.
func (w *Worker) processJob(ctx context.Context, d *queue.Delivery) (settlement, error) {
	log := w.logger.With(slog.String("image_id", d.JobID))

	job, err := w.store.CompareAndTransition(ctx, d.JobID, domain.StatusPending, domain.StatusProcessing, store.Patch{
		IncrementAttempt: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrConflict):
			job, err = w.reclaimAbandoned(ctx, d)
			if err != nil {
				return ack, err
			}
			if job == nil {
				return ack, nil
			}
		case errors.Is(err, domain.ErrNotFound):
			log.Warn("Delivery references unknown job, dropping")
			return ack, nil
		default:
			return ack, fmt.Errorf("failed to claim job: %w", err)
		}
	}

	log.Info("Job claimed",
		slog.Int("attempt", job.AttemptCount),
	)

	result, procErr := w.pipeline.Process(ctx, job)
	if procErr == nil {
		now := time.Now().UTC()
		_, err := w.store.CompareAndTransition(ctx, job.ID, domain.StatusProcessing, domain.StatusSuccess, store.Patch{
			Metadata:      &result.Metadata,
			ThumbnailRefs: result.ThumbnailRefs,
			ClearError:    true,
			ProcessedAt:   &now,
		})
		if err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
				log.Warn("Lost claim before finalizing success, dropping")
				return ack, nil
			}
			return ack, fmt.Errorf("failed to finalize success: %w", err)
		}

		log.Info("Job completed successfully",
			slog.Int("attempt", job.AttemptCount),
		)
		return ack, nil
	}

	if domain.IsPermanent(procErr) {
		log.Warn("Permanent failure, finalizing",
			slog.String("error", procErr.Error()),
		)
		return ack, w.finalizeFailed(ctx, job.ID, procErr.Error())
	}

	return w.onTransientFailure(ctx, job, procErr)
}

// reclaimAbandoned handles a claim conflict. On a first delivery the
// conflict is a benign race with another worker and the message is dropped
// (nil, nil). On a redelivery, a record still in processing means the prior
// holder died mid-stage and the broker returned its unacked message: that
// record would otherwise be stranded in processing forever, so the claim is
// taken over and attempt_count bumped. Terminal records are dropped either
// way.
func (w *Worker) reclaimAbandoned(ctx context.Context, d *queue.Delivery) (*domain.ImageJob, error) {
	log := w.logger.With(slog.String("image_id", d.JobID))

	if !d.Redelivered {
		log.Warn("Claim lost, dropping delivery")
		return nil, nil
	}

	current, err := w.store.Get(ctx, d.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn("Redelivered job no longer exists, dropping")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to inspect conflicting job: %w", err)
	}

	if current.Status != domain.StatusProcessing {
		log.Warn("Redelivered job already settled, dropping",
			slog.String("status", string(current.Status)),
		)
		return nil, nil
	}

	job, err := w.store.CompareAndTransition(ctx, d.JobID, domain.StatusProcessing, domain.StatusProcessing, store.Patch{
		IncrementAttempt: true,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			log.Warn("Job settled while reclaiming, dropping")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to reclaim abandoned job: %w", err)
	}

	log.Info("Reclaimed job abandoned by a dead worker",
		slog.Int("attempt", job.AttemptCount),
	)
	return job, nil
}

// onTransientFailure is the retry controller. At or past the bound the job
// is finalized failed; below it the job is released back to pending and the
// delivery nacked with exponential backoff. The job stays invisible to other
// workers until the delay elapses because redelivery is the queue's job, not
// the store's.
func (w *Worker) onTransientFailure(ctx context.Context, job *domain.ImageJob, stageErr error) (settlement, error) {
	log := w.logger.With(slog.String("image_id", job.ID))

	if w.retry.Exhausted(job.AttemptCount) {
		log.Warn("Retry bound exhausted, finalizing as failed",
			slog.Int("attempt", job.AttemptCount),
			slog.Int("max_retries", w.retry.MaxRetries),
			slog.String("error", stageErr.Error()),
		)
		msg := fmt.Sprintf("%s (after %d attempts)", stageErr.Error(), job.AttemptCount)
		return ack, w.finalizeFailed(ctx, job.ID, msg)
	}

	_, err := w.store.CompareAndTransition(ctx, job.ID, domain.StatusProcessing, domain.StatusPending, store.Patch{
		Error: fmt.Sprintf("retrying: %s", stageErr.Error()),
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			log.Warn("Lost claim before releasing for retry, dropping")
			return ack, nil
		}
		return ack, fmt.Errorf("failed to release job for retry: %w", err)
	}

	delay := w.retry.Backoff(job.AttemptCount)
	log.Info("Transient failure, scheduling retry",
		slog.Int("attempt", job.AttemptCount),
		slog.Duration("backoff", delay),
		slog.String("error", stageErr.Error()),
	)

	return settlement{requeue: true, delay: delay}, nil
}

func (w *Worker) finalizeFailed(ctx context.Context, id, errMsg string) error {
	now := time.Now().UTC()
	_, err := w.store.CompareAndTransition(ctx, id, domain.StatusProcessing, domain.StatusFailed, store.Patch{
		Error:       errMsg,
		ProcessedAt: &now,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			w.logger.Warn("Lost claim before finalizing failure, dropping",
				slog.String("image_id", id),
			)
			return nil
		}
		return fmt.Errorf("failed to finalize failure: %w", err)
	}
	return nil
}
