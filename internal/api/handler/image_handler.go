package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pipelinekit/image-pipeline/internal/api/dto"
	"github.com/pipelinekit/image-pipeline/internal/domain"
	"github.com/pipelinekit/image-pipeline/internal/store"
)

var allowedExtensions = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
}

// UploadImage handles POST /api/v1/images
// Stores the original file, creates a pending record and enqueues it.
func (h *ImageHandler) UploadImage(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
		return
	}

	ext := fileExtension(file.Filename)
	imageID := domain.NewImageID()

	if !allowedExtensions[ext] {
		// Rejected uploads are still recorded so failures show up in stats.
		h.recordRejectedUpload(c, imageID, file.Filename, file.Size,
			fmt.Sprintf("invalid file format: .%s (supported: jpg, jpeg, png)", ext))
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    fmt.Sprintf("invalid file format: .%s (supported: jpg, jpeg, png)", ext),
			"image_id": imageID,
		})
		return
	}

	storedPath := filepath.Join(h.uploadDir, imageID+"."+ext)
	if err := h.saveUpload(file, storedPath); err != nil {
		h.logger.Error("Failed to store uploaded file",
			slog.String("image_id", imageID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store uploaded file"})
		return
	}

	now := time.Now().UTC()
	job := &domain.ImageJob{
		ID:           imageID,
		OriginalName: file.Filename,
		SizeBytes:    file.Size,
		StoredPath:   storedPath,
		Status:       domain.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := h.store.Create(c.Request.Context(), job); err != nil {
		h.logger.Error("Failed to create image job",
			slog.String("image_id", imageID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create image job"})
		return
	}

	if err := h.queue.Enqueue(c.Request.Context(), imageID); err != nil {
		h.logger.Error("Failed to enqueue image job",
			slog.String("image_id", imageID),
			slog.String("error", err.Error()),
		)
		// Roll back the record and the stored file: a pending record with no
		// message on the queue would never be picked up.
		if delErr := h.store.Delete(c.Request.Context(), imageID); delErr != nil && !errors.Is(delErr, domain.ErrNotFound) {
			h.logger.Error("Failed to roll back image job record",
				slog.String("image_id", imageID),
				slog.String("error", delErr.Error()),
			)
		}
		if rmErr := os.Remove(storedPath); rmErr != nil && !os.IsNotExist(rmErr) {
			h.logger.Warn("Failed to remove stored file",
				slog.String("image_id", imageID),
				slog.String("error", rmErr.Error()),
			)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue image job"})
		return
	}

	h.logger.Info("Image accepted for processing",
		slog.String("image_id", imageID),
		slog.String("original_name", file.Filename),
		slog.Int64("size_bytes", file.Size),
	)

	c.JSON(http.StatusAccepted, dto.UploadResponse{
		Status:  "accepted",
		Message: "image uploaded and queued for processing",
		ImageID: imageID,
	})
}

// GetImage handles GET /api/v1/images/:image_id
func (h *ImageHandler) GetImage(c *gin.Context) {
	imageID := c.Param("image_id")

	job, err := h.store.Get(c.Request.Context(), imageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
			return
		}
		h.logger.Error("Failed to get image job",
			slog.String("image_id", imageID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get image"})
		return
	}

	c.JSON(http.StatusOK, toImageResponse(job))
}

// ListImages handles GET /api/v1/images with cursor pagination.
func (h *ImageHandler) ListImages(c *gin.Context) {
	var req dto.ListImagesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters"})
		return
	}

	if req.Status != "" && !domain.Status(req.Status).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status filter"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeImageCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return
	}

	jobs, err := h.store.List(c.Request.Context(), store.Filter{
		Status:   domain.Status(req.Status),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list image jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list images"})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	images := make([]dto.ImageResponse, len(jobs))
	for i := range jobs {
		images[i] = toImageResponse(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeImageCursor(&store.Cursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListImagesResponse{
		Images:     images,
		NextCursor: nextCursor,
	})
}

// DeleteImage handles DELETE /api/v1/images/:image_id
// Administrative removal of the record, the original file and thumbnails.
func (h *ImageHandler) DeleteImage(c *gin.Context) {
	imageID := c.Param("image_id")

	job, err := h.store.Get(c.Request.Context(), imageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get image"})
		return
	}

	if job.StoredPath != "" {
		if err := os.Remove(job.StoredPath); err != nil && !os.IsNotExist(err) {
			h.logger.Warn("Failed to remove original file",
				slog.String("image_id", imageID),
				slog.String("error", err.Error()),
			)
		}
	}
	for label, ref := range job.ThumbnailRefs {
		if err := os.Remove(ref); err != nil && !os.IsNotExist(err) {
			h.logger.Warn("Failed to remove thumbnail",
				slog.String("image_id", imageID),
				slog.String("label", label),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := h.store.Delete(c.Request.Context(), imageID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete image"})
		return
	}

	h.logger.Info("Image deleted", slog.String("image_id", imageID))
	c.Status(http.StatusNoContent)
}

// GetThumbnail handles GET /api/v1/images/:image_id/thumbnails/:size
func (h *ImageHandler) GetThumbnail(c *gin.Context) {
	imageID := c.Param("image_id")
	size := c.Param("size")

	if size != domain.ThumbnailSmall && size != domain.ThumbnailMedium {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thumbnail size, use 'small' or 'medium'"})
		return
	}

	job, err := h.store.Get(c.Request.Context(), imageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get image"})
		return
	}

	if job.Status != domain.StatusSuccess {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("thumbnails not available, image status: %s", job.Status),
		})
		return
	}

	ref, ok := job.ThumbnailRefs[size]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "thumbnail not found"})
		return
	}

	c.FileAttachment(ref, fmt.Sprintf("%s_%s.jpg", imageID, size))
}

// GetStats handles GET /api/v1/stats
func (h *ImageHandler) GetStats(c *gin.Context) {
	summary, err := h.stats.Compute(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to compute stats", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}

	c.JSON(http.StatusOK, dto.StatsResponse{
		Total:                summary.Total,
		Succeeded:            summary.Succeeded,
		Failed:               summary.Failed,
		SuccessRate:          fmt.Sprintf("%.2f%%", summary.SuccessRate),
		AvgProcessingSeconds: summary.AvgProcessingSeconds,
	})
}

// recordRejectedUpload persists a terminal failed record for an upload that
// never became a job.
func (h *ImageHandler) recordRejectedUpload(c *gin.Context, imageID, originalName string, size int64, reason string) {
	now := time.Now().UTC()
	job := &domain.ImageJob{
		ID:           imageID,
		OriginalName: originalName,
		SizeBytes:    size,
		Status:       domain.StatusFailed,
		Error:        reason,
		CreatedAt:    now,
		ProcessedAt:  &now,
		UpdatedAt:    now,
	}

	if err := h.store.Create(c.Request.Context(), job); err != nil {
		h.logger.Error("Failed to record rejected upload",
			slog.String("image_id", imageID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *ImageHandler) saveUpload(file *multipart.FileHeader, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create stored file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("write stored file: %w", err)
	}

	return nil
}

func fileExtension(filename string) string {
	if idx := strings.LastIndex(filename, "."); idx >= 0 {
		return strings.ToLower(filename[idx+1:])
	}
	return ""
}
