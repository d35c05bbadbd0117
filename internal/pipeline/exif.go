package pipeline

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

// extractEXIF reads EXIF tags from the stored file. Most PNGs and many JPEGs
// carry none, so every failure path returns nil instead of an error.
func extractEXIF(path string, logger *slog.Logger) map[string]string {
	f, err := os.Open(path)
	if err != nil {
		logger.Debug("EXIF extraction skipped", slog.String("error", err.Error()))
		return nil
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		logger.Debug("No EXIF data found", slog.String("error", err.Error()))
		return nil
	}

	w := &exifWalker{tags: make(map[string]string)}
	if err := x.Walk(w); err != nil {
		logger.Debug("EXIF walk failed", slog.String("error", err.Error()))
		return nil
	}

	if lat, long, err := x.LatLong(); err == nil {
		w.tags["GPSLatitude"] = fmt.Sprintf("%f", lat)
		w.tags["GPSLongitude"] = fmt.Sprintf("%f", long)
	}

	return w.tags
}

type exifWalker struct {
	tags map[string]string
}

func (w *exifWalker) Walk(name exif.FieldName, tag *tiff.Tag) error {
	w.tags[string(name)] = tag.String()
	return nil
}
