package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory ItemStore with the same atomicity guarantees as
// the Postgres implementation.
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	items map[string][]*WorkItem
}

func newMemStore() *memStore {
	return &memStore{
		jobs:  make(map[string]*Job),
		items: make(map[string][]*WorkItem),
	}
}

func (s *memStore) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) CreateItems(ctx context.Context, jobID string, payloads []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return 0, ErrJobNotFound
	}
	for i, payload := range payloads {
		s.items[jobID] = append(s.items[jobID], &WorkItem{
			ID:       uuid.New().String(),
			JobID:    jobID,
			Position: i + 1,
			Payload:  payload,
			Status:   ItemPending,
		})
	}
	job.TotalItems += len(payloads)
	return len(payloads), nil
}

func (s *memStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *memStore) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = status
	job.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) TransitionJobStatus(ctx context.Context, jobID string, from, to JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}
	if job.Status != from {
		return false, nil
	}
	job.Status = to
	job.UpdatedAt = time.Now()
	return true, nil
}

func (s *memStore) SetJobCounts(ctx context.Context, jobID string, processed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.ProcessedCount = processed
	job.FailedCount = failed
	return nil
}

func (s *memStore) SyncJobCounts(ctx context.Context, jobID string) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != JobProcessing {
		return nil, false, nil
	}
	var completed, failed int
	for _, item := range s.items[jobID] {
		switch item.Status {
		case ItemCompleted:
			completed++
		case ItemFailed:
			failed++
		}
	}
	job.ProcessedCount = completed
	job.FailedCount = failed
	cp := *job
	return &cp, true, nil
}

func (s *memStore) BumpGeneration(ctx context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return 0, ErrJobNotFound
	}
	job.Generation++
	return job.Generation, nil
}

func (s *memStore) UpdateItemStatus(ctx context.Context, itemID string, status ItemStatus, result, errMsg string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, items := range s.items {
		for _, item := range items {
			if item.ID == itemID {
				item.Status = status
				item.Result = result
				item.Error = errMsg
				item.RetryCount = retryCount
				return nil
			}
		}
	}
	return fmt.Errorf("item %s not found", itemID)
}

func (s *memStore) ResetAllItems(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items[jobID] {
		item.Status = ItemPending
		item.Result = ""
		item.Error = ""
		item.RetryCount = 0
	}
	return nil
}

func (s *memStore) ResetFailedItems(ctx context.Context, jobID string, itemIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		wanted[id] = true
	}
	count := 0
	for _, item := range s.items[jobID] {
		if item.Status != ItemFailed {
			continue
		}
		if len(itemIDs) > 0 && !wanted[item.ID] {
			continue
		}
		item.Status = ItemPending
		item.Error = ""
		item.RetryCount = 0
		count++
	}
	return count, nil
}

func (s *memStore) ListItems(ctx context.Context, jobID string) ([]WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]WorkItem, 0, len(s.items[jobID]))
	for _, item := range s.items[jobID] {
		items = append(items, *item)
	}
	return items, nil
}

func (s *memStore) ListItemsPaged(ctx context.Context, jobID string, offset, limit int) ([]WorkItem, error) {
	all, _ := s.ListItems(ctx, jobID)
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *memStore) ListItemsByStatus(ctx context.Context, jobID string, statuses ...ItemStatus) ([]WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[ItemStatus]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}
	var items []WorkItem
	for _, item := range s.items[jobID] {
		if wanted[item.Status] {
			items = append(items, *item)
		}
	}
	return items, nil
}

func (s *memStore) GetProgress(ctx context.Context, jobID string) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prog Progress
	for _, item := range s.items[jobID] {
		prog.Total++
		switch item.Status {
		case ItemCompleted:
			prog.Processed++
		case ItemFailed:
			prog.Failed++
		default:
			prog.Pending++
		}
	}
	return prog, nil
}

func (s *memStore) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, jobID)
	delete(s.items, jobID)
	return nil
}

// countItems tallies item statuses for assertions.
func (s *memStore) countItems(jobID string) map[ItemStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[ItemStatus]int)
	for _, item := range s.items[jobID] {
		counts[item.Status]++
	}
	return counts
}

var _ ItemStore = (*memStore)(nil)
