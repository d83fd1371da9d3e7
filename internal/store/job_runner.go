package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultJobPollInterval   = 10 * time.Second
	DefaultStaleJobThreshold = 5 * time.Minute
	defaultClaimLimit        = 10
	maxRetryBackoff          = 30 * time.Minute
)

// JobHandler executes one job. It receives the job's payload JSON.
type JobHandler func(ctx context.Context, payload string) error

// JobRunnerOption configures a JobRunner.
type JobRunnerOption func(*JobRunner)

// WithStaleThreshold sets how long a job may stay running before it is requeued.
func WithStaleThreshold(d time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		if d > 0 {
			r.staleThreshold = d
		}
	}
}

// WithClaimLimit sets how many due jobs are claimed per poll.
func WithClaimLimit(n int) JobRunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.claimLimit = n
		}
	}
}

// JobRunner claims due jobs (scheduled follow-ups) and dispatches them by kind.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
}

// NewJobRunner creates a JobRunner polling repo every pollInterval.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...JobRunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = DefaultJobPollInterval
	}
	r := &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: DefaultStaleJobThreshold,
		claimLimit:     defaultClaimLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// StaleThreshold reports how long a job may run before RecoverStaleJobs requeues it.
func (r *JobRunner) StaleThreshold() time.Duration {
	return r.staleThreshold
}

// RecoverStaleJobs requeues jobs left running by a crashed process. It runs at startup
// and periodically from the maintenance scheduler.
func (r *JobRunner) RecoverStaleJobs() error {
	staleBefore := time.Now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(staleBefore)
	if err != nil {
		return fmt.Errorf("requeue stale jobs: %w", err)
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled. A job in flight when ctx ends finishes first.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval, "claimLimit", r.claimLimit)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *JobRunner) poll(ctx context.Context) {
	now := time.Now()
	jobs, err := r.repo.ClaimDueJobs(now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.poll: claim failed", "error", err)
		return
	}

	for _, job := range jobs {
		r.mu.RLock()
		handler, ok := r.handlers[job.Kind]
		r.mu.RUnlock()

		if !ok {
			slog.Warn("JobRunner.poll: no handler for job kind", "kind", job.Kind, "id", job.ID)
			if err := r.repo.FailJob(job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
				slog.Error("JobRunner.poll: fail job error", "id", job.ID, "error", err)
			}
			continue
		}

		slog.Debug("JobRunner.poll: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
		if err := runJob(ctx, handler, job); err != nil {
			slog.Error("JobRunner.poll: job execution failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)
			if err := r.repo.FailJob(job.ID, err.Error(), now.Add(retryBackoff(job.Attempt))); err != nil {
				slog.Error("JobRunner.poll: fail job error", "id", job.ID, "error", err)
			}
			continue
		}
		if err := r.repo.CompleteJob(job.ID); err != nil {
			slog.Error("JobRunner.poll: complete job error", "id", job.ID, "error", err)
		}
		slog.Debug("JobRunner.poll: job completed", "id", job.ID, "kind", job.Kind)
	}
}

// runJob calls handler and turns a panic into an error so one bad job cannot stop the loop.
func runJob(ctx context.Context, handler JobHandler, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, rec)
		}
	}()
	return handler(ctx, job.PayloadJSON)
}

// retryBackoff doubles from 30s per attempt, capped at maxRetryBackoff.
func retryBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 10 {
		return maxRetryBackoff
	}
	return min(time.Duration(30*(1<<attempt))*time.Second, maxRetryBackoff)
}
