package dto

// UploadResponse acknowledges an accepted upload.
type UploadResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	ImageID string `json:"image_id"`
}

// MetadataDTO mirrors domain.Metadata for responses.
type MetadataDTO struct {
	Width     int               `json:"width,omitempty"`
	Height    int               `json:"height,omitempty"`
	Format    string            `json:"format,omitempty"`
	SizeBytes int64             `json:"size_bytes,omitempty"`
	Exif      map[string]string `json:"exif,omitempty"`
	Caption   string            `json:"caption,omitempty"`
}

// ImageResponse is the lookup representation of a job record.
type ImageResponse struct {
	ImageID       string            `json:"image_id"`
	OriginalName  string            `json:"original_name"`
	Status        string            `json:"status"`
	AttemptCount  int               `json:"attempt_count"`
	Metadata      *MetadataDTO      `json:"metadata,omitempty"`
	Thumbnails    map[string]string `json:"thumbnails,omitempty"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     string            `json:"created_at"`
	ProcessedAt   string            `json:"processed_at,omitempty"`
}

// ListImagesRequest carries list query parameters.
type ListImagesRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// ListImagesResponse pages through job records.
type ListImagesResponse struct {
	Images     []ImageResponse `json:"images"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// StatsResponse reports aggregate processing statistics.
type StatsResponse struct {
	Total                int     `json:"total"`
	Succeeded            int     `json:"succeeded"`
	Failed               int     `json:"failed"`
	SuccessRate          string  `json:"success_rate"`
	AvgProcessingSeconds float64 `json:"average_processing_time_seconds"`
}
