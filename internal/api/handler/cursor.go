package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/pipelinekit/image-pipeline/internal/store"
)

// DecodeImageCursor parses an opaque list cursor. An empty string means
// start from the newest record.
func DecodeImageCursor(cursorStr string) (*store.Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(string(decoded), "|")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	if _, err := fmt.Sscanf(parts[0], "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &store.Cursor{
		CreatedAt: time.Unix(0, createdAt),
		ID:        parts[1],
	}, nil
}

// EncodeImageCursor renders a cursor as an opaque token.
func EncodeImageCursor(cursor *store.Cursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.ID)
	return base64.StdEncoding.EncodeToString([]byte(cs))
}
