// Package stats aggregates processing outcomes over the job record store.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/pipelinekit/image-pipeline/internal/domain"
	"github.com/pipelinekit/image-pipeline/internal/store"
)

// Summary is the aggregate over all terminal jobs.
type Summary struct {
	Total                int     `json:"total"`
	Succeeded            int     `json:"succeeded"`
	Failed               int     `json:"failed"`
	SuccessRate          float64 `json:"success_rate"`
	AvgProcessingSeconds float64 `json:"avg_processing_seconds"`
}

// Aggregator computes statistics on demand from the store.
type Aggregator struct {
	store  store.JobStore
	logger *slog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(s store.JobStore, logger *slog.Logger) *Aggregator {
	return &Aggregator{store: s, logger: logger}
}

// Compute reads all terminal records and aggregates them. Failed jobs count
// toward the failure rate but are excluded from the latency average. An
// empty store yields a zeroed summary, not an error.
func (a *Aggregator) Compute(ctx context.Context) (*Summary, error) {
	jobs, err := a.store.ListTerminal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminal jobs: %w", err)
	}

	summary := &Summary{Total: len(jobs)}

	var totalSeconds float64
	for i := range jobs {
		switch jobs[i].Status {
		case domain.StatusSuccess:
			summary.Succeeded++
			totalSeconds += jobs[i].ProcessingSeconds()
		case domain.StatusFailed:
			summary.Failed++
		}
	}

	if summary.Succeeded > 0 {
		summary.AvgProcessingSeconds = round2(totalSeconds / float64(summary.Succeeded))
	}
	if summary.Total > 0 {
		summary.SuccessRate = round2(float64(summary.Succeeded) / float64(summary.Total) * 100)
	}

	a.logger.Debug("Computed processing stats",
		slog.Int("total", summary.Total),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
		slog.Float64("avg_processing_seconds", summary.AvgProcessingSeconds),
	)

	return summary, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
