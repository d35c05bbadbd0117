package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pipelinekit/image-pipeline/internal/domain"
)

// MemoryStore is an in-process JobStore with the same transition semantics
// as the Postgres implementation. It backs tests and single-node local runs.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.ImageJob
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*domain.ImageJob),
	}
}

func (s *MemoryStore) Create(_ context.Context, job *domain.ImageJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return domain.ErrDuplicateID
	}

	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.ImageJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) CompareAndTransition(_ context.Context, id string, expected, next domain.Status, patch Patch) (*domain.ImageJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if job.Status != expected {
		return nil, domain.ErrConflict
	}

	job.Status = next
	job.UpdatedAt = time.Now().UTC()
	if patch.IncrementAttempt {
		job.AttemptCount++
	}
	if patch.Metadata != nil {
		m := *patch.Metadata
		job.Metadata = &m
	}
	if patch.ThumbnailRefs != nil {
		job.ThumbnailRefs = cloneRefs(patch.ThumbnailRefs)
	}
	if patch.ClearError {
		job.Error = ""
	} else if patch.Error != "" {
		job.Error = patch.Error
	}
	if patch.ProcessedAt != nil {
		t := *patch.ProcessedAt
		job.ProcessedAt = &t
	}

	return cloneJob(job), nil
}

func (s *MemoryStore) ListTerminal(_ context.Context) ([]domain.ImageJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []domain.ImageJob
	for _, job := range s.jobs {
		if job.Status.Terminal() {
			jobs = append(jobs, *cloneJob(job))
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	return jobs, nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]domain.ImageJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []domain.ImageJob
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Cursor != nil {
			if job.CreatedAt.After(filter.Cursor.CreatedAt) {
				continue
			}
			if job.CreatedAt.Equal(filter.Cursor.CreatedAt) && job.ID >= filter.Cursor.ID {
				continue
			}
		}
		jobs = append(jobs, *cloneJob(job))
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if filter.PageSize > 0 && len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}

	return jobs, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func cloneJob(job *domain.ImageJob) *domain.ImageJob {
	c := *job
	if job.Metadata != nil {
		m := *job.Metadata
		if job.Metadata.Exif != nil {
			m.Exif = make(map[string]string, len(job.Metadata.Exif))
			for k, v := range job.Metadata.Exif {
				m.Exif[k] = v
			}
		}
		c.Metadata = &m
	}
	c.ThumbnailRefs = cloneRefs(job.ThumbnailRefs)
	if job.ProcessedAt != nil {
		t := *job.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

func cloneRefs(refs domain.ThumbnailRefs) domain.ThumbnailRefs {
	if refs == nil {
		return nil
	}
	c := make(domain.ThumbnailRefs, len(refs))
	for k, v := range refs {
		c[k] = v
	}
	return c
}
