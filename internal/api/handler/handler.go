package handler

import (
	"log/slog"
	"time"

	"github.com/pipelinekit/image-pipeline/internal/api/dto"
	"github.com/pipelinekit/image-pipeline/internal/domain"
	"github.com/pipelinekit/image-pipeline/internal/queue"
	"github.com/pipelinekit/image-pipeline/internal/stats"
	"github.com/pipelinekit/image-pipeline/internal/store"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Store     store.JobStore
	Queue     queue.Queue
	Stats     *stats.Aggregator
	UploadDir string
}

// ImageHandler handles image-related HTTP requests
type ImageHandler struct {
	logger    *slog.Logger
	store     store.JobStore
	queue     queue.Queue
	stats     *stats.Aggregator
	uploadDir string
}

// NewImageHandler creates a new ImageHandler instance
func NewImageHandler(deps *Dependencies) *ImageHandler {
	return &ImageHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		queue:     deps.Queue,
		stats:     deps.Stats,
		uploadDir: deps.UploadDir,
	}
}

func toImageResponse(job *domain.ImageJob) dto.ImageResponse {
	resp := dto.ImageResponse{
		ImageID:      job.ID,
		OriginalName: job.OriginalName,
		Status:       string(job.Status),
		AttemptCount: job.AttemptCount,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
	}

	if job.ProcessedAt != nil {
		resp.ProcessedAt = job.ProcessedAt.Format(time.RFC3339)
	}

	// Results are exposed only once processing has fully succeeded.
	if job.Status == domain.StatusSuccess {
		if job.Metadata != nil {
			resp.Metadata = &dto.MetadataDTO{
				Width:     job.Metadata.Width,
				Height:    job.Metadata.Height,
				Format:    job.Metadata.Format,
				SizeBytes: job.Metadata.SizeBytes,
				Exif:      job.Metadata.Exif,
				Caption:   job.Metadata.Caption,
			}
		}

		thumbs := make(map[string]string, len(job.ThumbnailRefs))
		for label := range job.ThumbnailRefs {
			thumbs[label] = "/api/v1/images/" + job.ID + "/thumbnails/" + label
		}
		resp.Thumbnails = thumbs
	}

	return resp
}
