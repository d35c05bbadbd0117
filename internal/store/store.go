package store

import (
	"context"
	"time"

	"github.com/pipelinekit/image-pipeline/internal/domain"
)

// Patch carries the fields merged into a record during a status transition.
// Zero-valued fields are left untouched.
type Patch struct {
	// IncrementAttempt bumps attempt_count by one, used on dispatch claims.
	IncrementAttempt bool

	Metadata      *domain.Metadata
	ThumbnailRefs domain.ThumbnailRefs

	// Error sets the last-failure description; ClearError removes it and
	// takes precedence. Error is cleared on a successful retry.
	Error      string
	ClearError bool

	ProcessedAt *time.Time
}

// Cursor identifies a position in the creation-ordered job listing.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Filter narrows List results.
type Filter struct {
	Status   domain.Status
	PageSize int
	Cursor   *Cursor
}

// JobStore is the durable record store for image jobs.
//
// CompareAndTransition is the sole mutation primitive after creation: it
// atomically moves a job from expected to next and merges the patch, or
// returns domain.ErrConflict if the job is not in the expected status. This
// gives single-writer-at-a-time semantics per job without a global lock.
type JobStore interface {
	Create(ctx context.Context, job *domain.ImageJob) error
	Get(ctx context.Context, id string) (*domain.ImageJob, error)
	CompareAndTransition(ctx context.Context, id string, expected, next domain.Status, patch Patch) (*domain.ImageJob, error)

	// ListTerminal returns all success/failed records in creation order.
	// Each call issues a fresh query.
	ListTerminal(ctx context.Context) ([]domain.ImageJob, error)

	// List returns up to PageSize+1 records (newest first) so callers can
	// detect whether another page exists.
	List(ctx context.Context, filter Filter) ([]domain.ImageJob, error)

	Delete(ctx context.Context, id string) error
}
