package store

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/util"
)

// Compile-time check that InMemoryStore implements JobRepo.
var _ JobRepo = (*InMemoryStore)(nil)

const defaultMaxAttempts = 3

func (s *InMemoryStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && j.Status != JobStatusDone && j.Status != JobStatusCanceled {
				slog.Debug("InMemoryStore.EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", j.ID)
				return j.ID, nil
			}
		}
	}
	now := time.Now()
	j := &Job{
		ID:          util.GenerateRandomID("job_", 32),
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: defaultMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].RunAt.Before(due[b].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Job, 0, len(due))
	for _, j := range due {
		locked := now
		j.Status = JobStatusRunning
		j.LockedAt = &locked
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	return s.updateJob(id, func(j *Job) { j.Status = JobStatusDone })
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	return s.updateJob(id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.LockedAt = nil
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
			return
		}
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	})
}

func (s *InMemoryStore) CancelJob(id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	out := *j
	return &out, nil
}

func (s *InMemoryStore) CancelJobsByDedupePrefix(prefix string) (int, error) {
	if prefix == "" {
		return 0, fmt.Errorf("dedupe prefix must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if (j.Status == JobStatusQueued || j.Status == JobStatusFailed) && strings.HasPrefix(j.DedupeKey, prefix) {
			j.Status = JobStatusCanceled
			j.LockedAt = nil
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) updateJob(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	fn(j)
	j.UpdatedAt = time.Now()
	return nil
}
