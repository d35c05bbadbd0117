package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipelinekit/image-pipeline/internal/captioner"
	"github.com/pipelinekit/image-pipeline/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeImage(t *testing.T, name string, width, height int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	switch filepath.Ext(name) {
	case ".png":
		require.NoError(t, png.Encode(f, img))
	default:
		require.NoError(t, jpeg.Encode(f, img, &jpeg.Options{Quality: 90}))
	}
	return path
}

func testJob(path string) *domain.ImageJob {
	return &domain.ImageJob{
		ID:         domain.NewImageID(),
		StoredPath: path,
		Status:     domain.StatusProcessing,
	}
}

func TestPipeline_Process(t *testing.T) {
	logger := discardLogger()
	thumbDir := t.TempDir()

	thumbnailer := NewFileThumbnailer(thumbDir, 85, logger)
	cap := captioner.Func(func(_ context.Context, _ io.Reader) (string, error) {
		return "a plain dark rectangle", nil
	})
	p := New(Config{CaptionTimeout: 5 * time.Second}, thumbnailer, cap, logger)

	tests := []struct {
		name       string
		file       string
		width      int
		height     int
		wantFormat string
	}{
		{name: "png upload", file: "photo.png", width: 640, height: 480, wantFormat: "png"},
		{name: "jpeg upload", file: "photo.jpg", width: 800, height: 600, wantFormat: "jpeg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := testJob(writeImage(t, tt.file, tt.width, tt.height))

			result, err := p.Process(context.Background(), job)
			require.NoError(t, err)

			assert.Equal(t, tt.width, result.Metadata.Width)
			assert.Equal(t, tt.height, result.Metadata.Height)
			assert.Equal(t, tt.wantFormat, result.Metadata.Format)
			assert.Positive(t, result.Metadata.SizeBytes)
			assert.Equal(t, "a plain dark rectangle", result.Metadata.Caption)

			// Both derivatives exist on disk.
			require.Len(t, result.ThumbnailRefs, 2)
			for label, ref := range result.ThumbnailRefs {
				info, statErr := os.Stat(ref)
				require.NoError(t, statErr, "thumbnail %s missing", label)
				assert.Positive(t, info.Size())
			}
		})
	}
}

func TestPipeline_Process_CorruptFileIsPermanent(t *testing.T) {
	logger := discardLogger()
	p := New(Config{}, NewFileThumbnailer(t.TempDir(), 85, logger), captioner.Func(
		func(_ context.Context, _ io.Reader) (string, error) { return "unused", nil },
	), logger)

	path := filepath.Join(t.TempDir(), "corrupt.jpg")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a jpeg"), 0o644))

	_, err := p.Process(context.Background(), testJob(path))
	require.Error(t, err)

	assert.True(t, domain.IsPermanent(err))
	var de *domain.DecodeError
	assert.ErrorAs(t, err, &de)
}

func TestPipeline_Process_MissingFileIsTransient(t *testing.T) {
	logger := discardLogger()
	p := New(Config{}, NewFileThumbnailer(t.TempDir(), 85, logger), captioner.Func(
		func(_ context.Context, _ io.Reader) (string, error) { return "unused", nil },
	), logger)

	_, err := p.Process(context.Background(), testJob(filepath.Join(t.TempDir(), "gone.jpg")))
	require.Error(t, err)

	assert.False(t, domain.IsPermanent(err))
	var se *domain.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.StageDecode, se.Stage)
}

func TestPipeline_Process_ThumbnailFailureIsTransient(t *testing.T) {
	logger := discardLogger()

	failing := thumbnailerFunc(func(_ context.Context, _ image.Image, _ string) (domain.ThumbnailRefs, error) {
		return nil, fmt.Errorf("volume unavailable")
	})
	p := New(Config{}, failing, captioner.Func(
		func(_ context.Context, _ io.Reader) (string, error) { return "unused", nil },
	), logger)

	_, err := p.Process(context.Background(), testJob(writeImage(t, "ok.png", 32, 32)))
	require.Error(t, err)

	assert.False(t, domain.IsPermanent(err))
	var se *domain.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.StageThumbnail, se.Stage)
}

func TestPipeline_Process_CaptionTimeout(t *testing.T) {
	logger := discardLogger()

	stuck := captioner.Func(func(ctx context.Context, _ io.Reader) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	p := New(Config{CaptionTimeout: 20 * time.Millisecond},
		NewFileThumbnailer(t.TempDir(), 85, logger), stuck, logger)

	_, err := p.Process(context.Background(), testJob(writeImage(t, "ok.png", 32, 32)))
	require.Error(t, err)

	assert.False(t, domain.IsPermanent(err))
	var se *domain.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.StageCaption, se.Stage)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// thumbnailerFunc adapts a function to the Thumbnailer interface.
type thumbnailerFunc func(ctx context.Context, img image.Image, imageID string) (domain.ThumbnailRefs, error)

func (f thumbnailerFunc) Generate(ctx context.Context, img image.Image, imageID string) (domain.ThumbnailRefs, error) {
	return f(ctx, img, imageID)
}

func TestFileThumbnailer_Generate(t *testing.T) {
	logger := discardLogger()
	dir := filepath.Join(t.TempDir(), "thumbs") // not pre-created

	thumbnailer := NewFileThumbnailer(dir, 85, logger)

	img := image.NewRGBA(image.Rect(0, 0, 600, 400))
	refs, err := thumbnailer.Generate(context.Background(), img, "img_deadbeef")
	require.NoError(t, err)

	require.Len(t, refs, 2)
	assert.Equal(t, filepath.Join(dir, "img_deadbeef_small.jpg"), refs[domain.ThumbnailSmall])
	assert.Equal(t, filepath.Join(dir, "img_deadbeef_medium.jpg"), refs[domain.ThumbnailMedium])

	for label, size := range DefaultThumbnailSizes {
		f, err := os.Open(refs[label])
		require.NoError(t, err)
		decoded, _, err := image.Decode(f)
		f.Close()
		require.NoError(t, err)

		// Thumbnails are square crops at the configured dimension.
		assert.Equal(t, size, decoded.Bounds().Dx(), "label %s", label)
		assert.Equal(t, size, decoded.Bounds().Dy(), "label %s", label)
	}
}

func TestExtractEXIF_NoDataIsNotAnError(t *testing.T) {
	logger := discardLogger()

	tags := extractEXIF(writeImage(t, "plain.png", 16, 16), logger)
	assert.Nil(t, tags)

	tags = extractEXIF(filepath.Join(t.TempDir(), "missing.jpg"), logger)
	assert.Nil(t, tags)
}
