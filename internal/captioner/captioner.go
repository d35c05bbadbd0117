// Package captioner calls the external image captioning model. The model is
// opaque to the pipeline: one function from image bytes to a sentence, which
// may fail or run slowly.
package captioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Captioner generates a descriptive caption for an image.
type Captioner interface {
	Caption(ctx context.Context, image io.Reader) (string, error)
}

// Func adapts a plain function to the Captioner interface.
type Func func(ctx context.Context, image io.Reader) (string, error)

func (f Func) Caption(ctx context.Context, image io.Reader) (string, error) {
	return f(ctx, image)
}

// HTTPClient posts the raw image to an inference endpoint and expects a
// JSON body of the form {"caption": "..."}.
type HTTPClient struct {
	endpoint string
	http     *http.Client
}

// NewHTTPClient creates a captioning client. The request timeout is a hard
// upper bound; callers usually pass a tighter per-call context deadline.
func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Caption(ctx context.Context, image io.Reader) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, image)
	if err != nil {
		return "", fmt.Errorf("build caption request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("caption request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("caption endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out struct {
		Caption string `json:"caption"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode caption response: %w", err)
	}
	if out.Caption == "" {
		return "", fmt.Errorf("caption endpoint returned an empty caption")
	}

	return out.Caption, nil
}
