package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/pipelinekit/image-pipeline/internal/domain"
)

// DefaultThumbnailSizes maps size labels to square pixel dimensions.
var DefaultThumbnailSizes = map[string]int{
	domain.ThumbnailSmall:  150,
	domain.ThumbnailMedium: 300,
}

// FileThumbnailer writes JPEG thumbnails next to each other under Dir and
// returns their paths as storage references.
type FileThumbnailer struct {
	Dir     string
	Quality int
	Sizes   map[string]int
	Logger  *slog.Logger
}

// NewFileThumbnailer creates a FileThumbnailer with the default sizes.
func NewFileThumbnailer(dir string, quality int, logger *slog.Logger) *FileThumbnailer {
	if quality <= 0 {
		quality = 85
	}
	return &FileThumbnailer{
		Dir:     dir,
		Quality: quality,
		Sizes:   DefaultThumbnailSizes,
		Logger:  logger,
	}
}

func (t *FileThumbnailer) Generate(ctx context.Context, img image.Image, imageID string) (domain.ThumbnailRefs, error) {
	if err := os.MkdirAll(t.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create thumbnails dir: %w", err)
	}

	refs := make(domain.ThumbnailRefs, len(t.Sizes))
	for label, size := range t.Sizes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		thumb := imaging.Thumbnail(img, size, size, imaging.Lanczos)
		path := filepath.Join(t.Dir, fmt.Sprintf("%s_%s.jpg", imageID, label))

		if err := imaging.Save(thumb, path, imaging.JPEGQuality(t.Quality)); err != nil {
			return nil, fmt.Errorf("save %s thumbnail: %w", label, err)
		}

		refs[label] = path
		t.Logger.Debug("Generated thumbnail",
			slog.String("image_id", imageID),
			slog.String("label", label),
			slog.Int("size", size),
			slog.String("path", path),
		)
	}

	return refs, nil
}
