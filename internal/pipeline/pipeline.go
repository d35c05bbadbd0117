package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/pipelinekit/image-pipeline/internal/captioner"
	"github.com/pipelinekit/image-pipeline/internal/domain"
)

// Result accumulates the outputs of a full pipeline run. It is applied to
// the record in a single transition once every stage has succeeded.
type Result struct {
	Metadata      domain.Metadata
	ThumbnailRefs domain.ThumbnailRefs
}

// Thumbnailer produces the size-labelled derivatives for a decoded image.
type Thumbnailer interface {
	Generate(ctx context.Context, img image.Image, imageID string) (domain.ThumbnailRefs, error)
}

// Config holds pipeline tuning.
type Config struct {
	// CaptionTimeout bounds the external captioning call so one stuck
	// inference cannot starve a worker.
	CaptionTimeout time.Duration
}

// Pipeline runs the ordered stage sequence for one job:
// decode, thumbnail, metadata, caption.
//
// Decode failures are permanent (domain.DecodeError): malformed input will
// not self-correct. Every other stage failure is transient
// (domain.StageError) and subject to the retry policy.
type Pipeline struct {
	thumbnailer    Thumbnailer
	captioner      captioner.Captioner
	captionTimeout time.Duration
	logger         *slog.Logger
}

// New assembles a pipeline.
func New(cfg Config, thumbnailer Thumbnailer, cap captioner.Captioner, logger *slog.Logger) *Pipeline {
	timeout := cfg.CaptionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Pipeline{
		thumbnailer:    thumbnailer,
		captioner:      cap,
		captionTimeout: timeout,
		logger:         logger,
	}
}

// Process runs all stages for the given job. It mutates only the returned
// accumulator; the caller owns the store transition.
func (p *Pipeline) Process(ctx context.Context, job *domain.ImageJob) (*Result, error) {
	log := p.logger.With(slog.String("image_id", job.ID))

	// Stage 1: decode. An unreadable file is transient (disk contention),
	// an unparsable image is permanent.
	f, err := os.Open(job.StoredPath)
	if err != nil {
		return nil, domain.NewStageError(domain.StageDecode, fmt.Errorf("open stored file: %w", err))
	}

	img, format, err := image.Decode(f)
	f.Close()
	if err != nil {
		return nil, &domain.DecodeError{Err: err}
	}

	log.Debug("Decoded image",
		slog.String("format", format),
		slog.Int("width", img.Bounds().Dx()),
		slog.Int("height", img.Bounds().Dy()),
	)

	// Stage 2: thumbnails.
	refs, err := p.thumbnailer.Generate(ctx, img, job.ID)
	if err != nil {
		return nil, domain.NewStageError(domain.StageThumbnail, err)
	}

	// Stage 3: metadata. EXIF is best effort and never fails the job.
	sizeBytes := job.SizeBytes
	if sizeBytes == 0 {
		if info, statErr := os.Stat(job.StoredPath); statErr == nil {
			sizeBytes = info.Size()
		}
	}

	meta := domain.Metadata{
		Width:     img.Bounds().Dx(),
		Height:    img.Bounds().Dy(),
		Format:    format,
		SizeBytes: sizeBytes,
	}

	if exifTags := extractEXIF(job.StoredPath, log); len(exifTags) > 0 {
		meta.Exif = exifTags
	}

	// Stage 4: caption, under a bounded timeout.
	caption, err := p.generateCaption(ctx, job.StoredPath)
	if err != nil {
		return nil, domain.NewStageError(domain.StageCaption, err)
	}
	meta.Caption = caption

	log.Info("Pipeline completed",
		slog.String("format", format),
		slog.Int("thumbnails", len(refs)),
		slog.String("caption", caption),
	)

	return &Result{
		Metadata:      meta,
		ThumbnailRefs: refs,
	}, nil
}

func (p *Pipeline) generateCaption(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open stored file: %w", err)
	}
	defer f.Close()

	captionCtx, cancel := context.WithTimeout(ctx, p.captionTimeout)
	defer cancel()

	caption, err := p.captioner.Caption(captionCtx, f)
	if err != nil {
		return "", fmt.Errorf("caption generation: %w", err)
	}

	return caption, nil
}
