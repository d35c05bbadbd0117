package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipelinekit/image-pipeline/internal/api/dto"
	"github.com/pipelinekit/image-pipeline/internal/api/handler"
	"github.com/pipelinekit/image-pipeline/internal/api/router"
	"github.com/pipelinekit/image-pipeline/internal/domain"
	"github.com/pipelinekit/image-pipeline/internal/queue"
	"github.com/pipelinekit/image-pipeline/internal/stats"
	"github.com/pipelinekit/image-pipeline/internal/store"
)

type testEnv struct {
	router *gin.Engine
	store  *store.MemoryStore
	queue  *queue.MemoryQueue
	dir    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewMemory()
	q := queue.NewMemory(time.Second)
	t.Cleanup(func() { q.Close() })

	dir := t.TempDir()
	r := router.SetupRouter(&handler.Dependencies{
		Logger:    logger,
		Store:     s,
		Queue:     q,
		Stats:     stats.NewAggregator(s, logger),
		UploadDir: dir,
	})

	return &testEnv{router: r, store: s, queue: q, dir: dir}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func multipartUpload(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return body, mw.FormDataContentType()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

func TestUploadImage(t *testing.T) {
	t.Run("accepted upload is recorded and enqueued", func(t *testing.T) {
		env := newTestEnv(t)

		body, contentType := multipartUpload(t, "holiday.png", pngBytes(t))
		w := env.do(t, http.MethodPost, "/api/v1/images", body, contentType)

		require.Equal(t, http.StatusAccepted, w.Code)

		var resp dto.UploadResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "accepted", resp.Status)
		require.NotEmpty(t, resp.ImageID)

		job, err := env.store.Get(t.Context(), resp.ImageID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, job.Status)
		assert.Equal(t, "holiday.png", job.OriginalName)
		assert.FileExists(t, job.StoredPath)

		assert.Equal(t, 1, env.queue.Depth())
	})

	t.Run("unsupported extension gets a terminal failed record", func(t *testing.T) {
		env := newTestEnv(t)

		body, contentType := multipartUpload(t, "document.pdf", []byte("%PDF-1.4"))
		w := env.do(t, http.MethodPost, "/api/v1/images", body, contentType)

		require.Equal(t, http.StatusUnprocessableEntity, w.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotEmpty(t, resp["image_id"])

		job, err := env.store.Get(t.Context(), resp["image_id"])
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, job.Status)
		assert.Contains(t, job.Error, "invalid file format")
		require.NotNil(t, job.ProcessedAt)

		// Rejected uploads never reach the queue.
		assert.Equal(t, 0, env.queue.Depth())
	})

	t.Run("missing file field", func(t *testing.T) {
		env := newTestEnv(t)

		w := env.do(t, http.MethodPost, "/api/v1/images", nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("enqueue failure rolls back the record and the file", func(t *testing.T) {
		gin.SetMode(gin.TestMode)
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		s := store.NewMemory()
		q := queue.NewMemory(time.Second)
		t.Cleanup(func() { q.Close() })

		dir := t.TempDir()
		r := router.SetupRouter(&handler.Dependencies{
			Logger:    logger,
			Store:     s,
			Queue:     &brokenQueue{MemoryQueue: q},
			Stats:     stats.NewAggregator(s, logger),
			UploadDir: dir,
		})

		body, contentType := multipartUpload(t, "holiday.png", pngBytes(t))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/images", body)
		req.Header.Set("Content-Type", contentType)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		require.Equal(t, http.StatusInternalServerError, w.Code)

		// No stranded pending record and no orphaned file.
		jobs, err := s.List(t.Context(), store.Filter{PageSize: 10})
		require.NoError(t, err)
		assert.Empty(t, jobs)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

// brokenQueue simulates a broker outage on publish.
type brokenQueue struct {
	*queue.MemoryQueue
}

func (q *brokenQueue) Enqueue(context.Context, string) error {
	return errors.New("broker unavailable")
}

func TestGetImage(t *testing.T) {
	env := newTestEnv(t)

	t.Run("unknown id", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/images/img_missing", nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("pending job hides results", func(t *testing.T) {
		now := time.Now().UTC()
		require.NoError(t, env.store.Create(t.Context(), &domain.ImageJob{
			ID:           "img_pending1",
			OriginalName: "a.png",
			Status:       domain.StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}))

		w := env.do(t, http.MethodGet, "/api/v1/images/img_pending1", nil, "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp dto.ImageResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "pending", resp.Status)
		assert.Nil(t, resp.Metadata)
		assert.Empty(t, resp.Thumbnails)
	})

	t.Run("successful job exposes metadata and thumbnail links", func(t *testing.T) {
		now := time.Now().UTC()
		processed := now.Add(3 * time.Second)
		require.NoError(t, env.store.Create(t.Context(), &domain.ImageJob{
			ID:           "img_done1",
			OriginalName: "b.png",
			Status:       domain.StatusSuccess,
			AttemptCount: 1,
			Metadata: &domain.Metadata{
				Width: 640, Height: 480, Format: "png", Caption: "a test image",
			},
			ThumbnailRefs: domain.ThumbnailRefs{
				domain.ThumbnailSmall:  "/thumbs/img_done1_small.jpg",
				domain.ThumbnailMedium: "/thumbs/img_done1_medium.jpg",
			},
			CreatedAt:   now,
			ProcessedAt: &processed,
			UpdatedAt:   processed,
		}))

		w := env.do(t, http.MethodGet, "/api/v1/images/img_done1", nil, "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp dto.ImageResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "success", resp.Status)
		require.NotNil(t, resp.Metadata)
		assert.Equal(t, "a test image", resp.Metadata.Caption)

		// Storage paths are not leaked; clients get API routes.
		assert.Equal(t, "/api/v1/images/img_done1/thumbnails/small", resp.Thumbnails["small"])
		assert.Equal(t, "/api/v1/images/img_done1/thumbnails/medium", resp.Thumbnails["medium"])
	})
}

func TestListImages(t *testing.T) {
	env := newTestEnv(t)

	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"img_l1", "img_l2", "img_l3"} {
		created := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, env.store.Create(t.Context(), &domain.ImageJob{
			ID:        id,
			Status:    domain.StatusPending,
			CreatedAt: created,
			UpdatedAt: created,
		}))
	}

	t.Run("first page newest first", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/images?page_size=2", nil, "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp dto.ListImagesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Images, 2)
		assert.Equal(t, "img_l3", resp.Images[0].ImageID)
		assert.Equal(t, "img_l2", resp.Images[1].ImageID)
		require.NotEmpty(t, resp.NextCursor)

		// Follow the cursor to the last page. Decode into a fresh value:
		// next_cursor is omitted from the final page, and Unmarshal leaves
		// absent fields untouched in a reused struct.
		w = env.do(t, http.MethodGet, "/api/v1/images?page_size=2&cursor="+url.QueryEscape(resp.NextCursor), nil, "")
		require.Equal(t, http.StatusOK, w.Code)

		var lastPage dto.ListImagesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lastPage))
		require.Len(t, lastPage.Images, 1)
		assert.Equal(t, "img_l1", lastPage.Images[0].ImageID)
		assert.Empty(t, lastPage.NextCursor)
	})

	t.Run("invalid status filter", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/images?status=bogus", nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid cursor", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/images?cursor=%21%21%21", nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDeleteImage(t *testing.T) {
	env := newTestEnv(t)

	stored := filepath.Join(env.dir, "img_del1.png")
	require.NoError(t, os.WriteFile(stored, pngBytes(t), 0o644))
	thumb := filepath.Join(env.dir, "img_del1_small.jpg")
	require.NoError(t, os.WriteFile(thumb, []byte("jpeg"), 0o644))

	now := time.Now().UTC()
	require.NoError(t, env.store.Create(t.Context(), &domain.ImageJob{
		ID:            "img_del1",
		StoredPath:    stored,
		Status:        domain.StatusSuccess,
		ThumbnailRefs: domain.ThumbnailRefs{domain.ThumbnailSmall: thumb},
		CreatedAt:     now,
		UpdatedAt:     now,
	}))

	w := env.do(t, http.MethodDelete, "/api/v1/images/img_del1", nil, "")
	require.Equal(t, http.StatusNoContent, w.Code)

	assert.NoFileExists(t, stored)
	assert.NoFileExists(t, thumb)

	w = env.do(t, http.MethodDelete, "/api/v1/images/img_del1", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetThumbnail(t *testing.T) {
	env := newTestEnv(t)

	thumb := filepath.Join(env.dir, "img_t1_small.jpg")
	require.NoError(t, os.WriteFile(thumb, []byte("jpeg-bytes"), 0o644))

	now := time.Now().UTC()
	require.NoError(t, env.store.Create(t.Context(), &domain.ImageJob{
		ID:            "img_t1",
		Status:        domain.StatusSuccess,
		ThumbnailRefs: domain.ThumbnailRefs{domain.ThumbnailSmall: thumb},
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
	require.NoError(t, env.store.Create(t.Context(), &domain.ImageJob{
		ID:        "img_t2",
		Status:    domain.StatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}))

	t.Run("serves the derivative", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/images/img_t1/thumbnails/small", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "jpeg-bytes", w.Body.String())
	})

	t.Run("invalid size label", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/images/img_t1/thumbnails/huge", nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("label never generated", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/images/img_t1/thumbnails/medium", nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("not available before success", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/images/img_t2/thumbnails/small", nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestGetStats(t *testing.T) {
	env := newTestEnv(t)

	created := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	seed := func(id string, status domain.Status, latency time.Duration) {
		processed := created.Add(latency)
		require.NoError(t, env.store.Create(t.Context(), &domain.ImageJob{
			ID:          id,
			Status:      status,
			CreatedAt:   created,
			ProcessedAt: &processed,
			UpdatedAt:   processed,
		}))
	}
	seed("img_s1", domain.StatusSuccess, 2*time.Second)
	seed("img_s2", domain.StatusSuccess, 4*time.Second)
	seed("img_s3", domain.StatusFailed, time.Hour)

	w := env.do(t, http.MethodGet, "/api/v1/stats", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, "66.67%", resp.SuccessRate)
	assert.InDelta(t, 3.0, resp.AvgProcessingSeconds, 0.001)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}
