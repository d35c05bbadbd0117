package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/pipelinekit/image-pipeline/internal/domain"
	"github.com/pipelinekit/image-pipeline/shared/postgresql"
)

const jobColumns = `image_id, original_name, size_bytes, stored_path, status,
	attempt_count, metadata, thumbnail_refs, error_message,
	created_at, processed_at, updated_at`

// PostgresStore implements JobStore on PostgreSQL. Status transitions use
// optimistic concurrency: UPDATE ... WHERE status = expected, so the losing
// side of a claim race sees zero rows and gets domain.ErrConflict.
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres creates a PostgresStore on an established client.
func NewPostgres(pg *postgresql.Client, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     pg.GetDB(),
		logger: logger,
	}
}

func (s *PostgresStore) Create(ctx context.Context, job *domain.ImageJob) error {
	query := `
		INSERT INTO image_jobs (
			image_id, original_name, size_bytes, stored_path,
			status, attempt_count, metadata, thumbnail_refs, error_message,
			created_at, processed_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12
		)
	`

	var errMsg sql.NullString
	if job.Error != "" {
		errMsg = sql.NullString{String: job.Error, Valid: true}
	}

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.OriginalName,
		job.SizeBytes,
		job.StoredPath,
		job.Status,
		job.AttemptCount,
		job.Metadata,
		job.ThumbnailRefs,
		errMsg,
		job.CreatedAt,
		job.ProcessedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateID, job.ID)
		}
		return fmt.Errorf("failed to create image job: %w", err)
	}

	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.ImageJob, error) {
	query := `SELECT ` + jobColumns + ` FROM image_jobs WHERE image_id = $1`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get image job: %w", err)
	}

	return row.toJob(), nil
}

func (s *PostgresStore) CompareAndTransition(ctx context.Context, id string, expected, next domain.Status, patch Patch) (*domain.ImageJob, error) {
	set := []string{"status = $1", "updated_at = NOW()"}
	args := []interface{}{next}
	argIdx := 2

	if patch.IncrementAttempt {
		set = append(set, "attempt_count = attempt_count + 1")
	}
	if patch.Metadata != nil {
		set = append(set, fmt.Sprintf("metadata = $%d", argIdx))
		args = append(args, patch.Metadata)
		argIdx++
	}
	if patch.ThumbnailRefs != nil {
		set = append(set, fmt.Sprintf("thumbnail_refs = $%d", argIdx))
		args = append(args, patch.ThumbnailRefs)
		argIdx++
	}
	if patch.ClearError {
		set = append(set, "error_message = NULL")
	} else if patch.Error != "" {
		set = append(set, fmt.Sprintf("error_message = $%d", argIdx))
		args = append(args, patch.Error)
		argIdx++
	}
	if patch.ProcessedAt != nil {
		set = append(set, fmt.Sprintf("processed_at = $%d", argIdx))
		args = append(args, patch.ProcessedAt)
		argIdx++
	}

	query := fmt.Sprintf(
		`UPDATE image_jobs SET %s WHERE image_id = $%d AND status = $%d RETURNING %s`,
		strings.Join(set, ", "), argIdx, argIdx+1, jobColumns,
	)
	args = append(args, id, expected)

	var row jobRow
	err := s.db.QueryRowxContext(ctx, query, args...).StructScan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Distinguish a missing record from a lost race.
			if _, getErr := s.Get(ctx, id); errors.Is(getErr, domain.ErrNotFound) {
				return nil, domain.ErrNotFound
			}
			s.logger.Warn("Transition rejected - job not in expected status",
				slog.String("image_id", id),
				slog.String("expected", string(expected)),
				slog.String("next", string(next)),
			)
			return nil, domain.ErrConflict
		}
		return nil, fmt.Errorf("failed to transition image job: %w", err)
	}

	s.logger.Debug("Image job transitioned",
		slog.String("image_id", id),
		slog.String("from", string(expected)),
		slog.String("to", string(next)),
	)

	return row.toJob(), nil
}

func (s *PostgresStore) ListTerminal(ctx context.Context) ([]domain.ImageJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM image_jobs
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC, image_id ASC
	`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, domain.StatusSuccess, domain.StatusFailed); err != nil {
		return nil, fmt.Errorf("failed to list terminal jobs: %w", err)
	}

	return rowsToJobs(rows), nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]domain.ImageJob, error) {
	query := `SELECT ` + jobColumns + ` FROM image_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, image_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	// Newest first; fetch one extra row to signal another page exists.
	query += " ORDER BY created_at DESC, image_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list image jobs: %w", err)
	}

	return rowsToJobs(rows), nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM image_jobs WHERE image_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete image job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// jobRow mirrors ImageJob with nullable columns for scanning.
type jobRow struct {
	ID            string               `db:"image_id"`
	OriginalName  string               `db:"original_name"`
	SizeBytes     int64                `db:"size_bytes"`
	StoredPath    string               `db:"stored_path"`
	Status        domain.Status        `db:"status"`
	AttemptCount  int                  `db:"attempt_count"`
	Metadata      *domain.Metadata     `db:"metadata"`
	ThumbnailRefs domain.ThumbnailRefs `db:"thumbnail_refs"`
	Error         sql.NullString       `db:"error_message"`
	CreatedAt     sql.NullTime         `db:"created_at"`
	ProcessedAt   sql.NullTime         `db:"processed_at"`
	UpdatedAt     sql.NullTime         `db:"updated_at"`
}

func (r *jobRow) toJob() *domain.ImageJob {
	job := &domain.ImageJob{
		ID:            r.ID,
		OriginalName:  r.OriginalName,
		SizeBytes:     r.SizeBytes,
		StoredPath:    r.StoredPath,
		Status:        r.Status,
		AttemptCount:  r.AttemptCount,
		Metadata:      r.Metadata,
		ThumbnailRefs: r.ThumbnailRefs,
	}
	if r.Error.Valid {
		job.Error = r.Error.String
	}
	if r.CreatedAt.Valid {
		job.CreatedAt = r.CreatedAt.Time
	}
	if r.ProcessedAt.Valid {
		t := r.ProcessedAt.Time
		job.ProcessedAt = &t
	}
	if r.UpdatedAt.Valid {
		job.UpdatedAt = r.UpdatedAt.Time
	}
	return job
}

func rowsToJobs(rows []jobRow) []domain.ImageJob {
	jobs := make([]domain.ImageJob, len(rows))
	for i := range rows {
		jobs[i] = *rows[i].toJob()
	}
	return jobs
}
