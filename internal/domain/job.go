package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Thumbnail size labels produced by the pipeline.
const (
	ThumbnailSmall  = "small"
	ThumbnailMedium = "medium"
)

// Metadata holds the results of the metadata, EXIF and caption stages.
// It is fully populated only when the owning job reaches StatusSuccess.
type Metadata struct {
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Format    string            `json:"format"`
	SizeBytes int64             `json:"size_bytes"`
	Exif      map[string]string `json:"exif,omitempty"`
	Caption   string            `json:"caption,omitempty"`
}

// Value implements driver.Valuer so Metadata is stored as JSONB.
func (m Metadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("metadata: cannot scan %T", src)
	}
	return json.Unmarshal(b, m)
}

// ThumbnailRefs maps a size label ("small", "medium") to a storage reference.
type ThumbnailRefs map[string]string

func (t ThumbnailRefs) Value() (driver.Value, error) {
	if t == nil {
		return json.Marshal(ThumbnailRefs{})
	}
	return json.Marshal(t)
}

func (t *ThumbnailRefs) Scan(src interface{}) error {
	if src == nil {
		*t = ThumbnailRefs{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("thumbnail refs: cannot scan %T", src)
	}
	return json.Unmarshal(b, t)
}

// ImageJob is the processing record for one uploaded image.
//
// ID, OriginalName, SizeBytes, StoredPath and CreatedAt are set at creation
// and immutable afterwards. Everything else is mutated exclusively through
// the store's CompareAndTransition primitive by the worker holding the claim.
type ImageJob struct {
	ID            string        `db:"image_id" json:"image_id"`
	OriginalName  string        `db:"original_name" json:"original_name"`
	SizeBytes     int64         `db:"size_bytes" json:"size_bytes"`
	StoredPath    string        `db:"stored_path" json:"stored_path"`
	Status        Status        `db:"status" json:"status"`
	AttemptCount  int           `db:"attempt_count" json:"attempt_count"`
	Metadata      *Metadata     `db:"metadata" json:"metadata,omitempty"`
	ThumbnailRefs ThumbnailRefs `db:"thumbnail_refs" json:"thumbnail_refs,omitempty"`
	Error         string        `db:"error_message" json:"error,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	ProcessedAt   *time.Time    `db:"processed_at" json:"processed_at,omitempty"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// ProcessingSeconds returns the submission-to-terminal latency, or 0 if the
// job has not reached a terminal state.
func (j *ImageJob) ProcessingSeconds() float64 {
	if j.ProcessedAt == nil {
		return 0
	}
	return j.ProcessedAt.Sub(j.CreatedAt).Seconds()
}

// NewImageID generates a record id like "img_a1b2c3d4".
func NewImageID() string {
	return "img_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
