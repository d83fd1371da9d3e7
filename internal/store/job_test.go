package store

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "leadpipe_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// --- Job repo tests ---

func TestSQLiteStore_JobRepo_EnqueueAndGet(t *testing.T) {
	s := newTestSQLiteStore(t)

	runAt := time.Now().Add(time.Hour)
	id, err := s.EnqueueJob("followup", runAt, `{"key":"value"}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if id == "" {
		t.Fatal("EnqueueJob returned empty ID")
	}

	job, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job == nil {
		t.Fatal("GetJob returned nil")
	}
	if job.Kind != "followup" {
		t.Errorf("Expected kind 'followup', got %q", job.Kind)
	}
	if job.Status != JobStatusQueued {
		t.Errorf("Expected status 'queued', got %q", job.Status)
	}
	if job.PayloadJSON != `{"key":"value"}` {
		t.Errorf("Expected payload, got %q", job.PayloadJSON)
	}
}

func TestSQLiteStore_JobRepo_DedupeKey(t *testing.T) {
	s := newTestSQLiteStore(t)

	runAt := time.Now().Add(time.Hour)
	id1, err := s.EnqueueJob("followup", runAt, `{}`, "followup:c1:0")
	if err != nil {
		t.Fatalf("EnqueueJob 1 failed: %v", err)
	}

	// Same dedupe key should return existing ID
	id2, err := s.EnqueueJob("followup", runAt, `{}`, "followup:c1:0")
	if err != nil {
		t.Fatalf("EnqueueJob 2 failed: %v", err)
	}
	if id2 != id1 {
		t.Errorf("Expected dedupe to return same ID %q, got %q", id1, id2)
	}

	// Different dedupe key should create new job
	id3, err := s.EnqueueJob("followup", runAt, `{}`, "followup:c1:1")
	if err != nil {
		t.Fatalf("EnqueueJob 3 failed: %v", err)
	}
	if id3 == id1 {
		t.Error("Expected different ID for different dedupe key")
	}
}

func TestSQLiteStore_JobRepo_DedupeKeyAfterComplete(t *testing.T) {
	s := newTestSQLiteStore(t)

	runAt := time.Now().Add(time.Hour)
	id1, err := s.EnqueueJob("followup", runAt, `{}`, "followup:c2:0")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	// Complete the job
	if err := s.CompleteJob(id1); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	// Same dedupe key should now create a new job (since old one is done)
	id2, err := s.EnqueueJob("followup", runAt, `{}`, "followup:c2:0")
	if err != nil {
		t.Fatalf("EnqueueJob 2 failed: %v", err)
	}
	if id2 == id1 {
		t.Error("Expected new ID after completing old job with same dedupe key")
	}
}

func TestSQLiteStore_JobRepo_ClaimDueJobs(t *testing.T) {
	s := newTestSQLiteStore(t)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	_, err := s.EnqueueJob("followup", past, `{"when":"past"}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob past failed: %v", err)
	}
	_, err = s.EnqueueJob("followup_later", future, `{"when":"future"}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob future failed: %v", err)
	}

	now := time.Now()
	jobs, err := s.ClaimDueJobs(now, 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}

	if len(jobs) != 1 {
		t.Fatalf("Expected 1 due job, got %d", len(jobs))
	}
	if jobs[0].Kind != "followup" {
		t.Errorf("Expected kind 'followup', got %q", jobs[0].Kind)
	}
	if jobs[0].Status != JobStatusRunning {
		t.Errorf("Expected status 'running', got %q", jobs[0].Status)
	}
}

func TestSQLiteStore_JobRepo_FailAndRetry(t *testing.T) {
	s := newTestSQLiteStore(t)

	past := time.Now().Add(-time.Minute)
	id, err := s.EnqueueJob("followup", past, `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	// Claim it
	jobs, err := s.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(jobs))
	}

	// Fail it (attempt 1 of 3)
	nextRun := time.Now().Add(time.Minute)
	if err := s.FailJob(id, "transient error", nextRun); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}

	job, _ := s.GetJob(id)
	if job.Status != JobStatusQueued {
		t.Errorf("Expected status 'queued' after first failure, got %q", job.Status)
	}
	if job.Attempt != 1 {
		t.Errorf("Expected attempt 1, got %d", job.Attempt)
	}
	if job.LastError != "transient error" {
		t.Errorf("Expected error message, got %q", job.LastError)
	}
}

func TestSQLiteStore_JobRepo_FailMaxAttempts(t *testing.T) {
	s := newTestSQLiteStore(t)

	past := time.Now().Add(-time.Minute)
	id, err := s.EnqueueJob("followup", past, `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	nextRun := time.Now().Add(time.Minute)
	for i := 0; i < 3; i++ {
		// Claim
		s.ClaimDueJobs(time.Now(), 10)
		// Fail
		if err := s.FailJob(id, "persistent error", nextRun); err != nil {
			t.Fatalf("FailJob iteration %d failed: %v", i, err)
		}
	}

	job, _ := s.GetJob(id)
	if job.Status != JobStatusFailed {
		t.Errorf("Expected status 'failed' after max attempts, got %q", job.Status)
	}
	if job.Attempt != 3 {
		t.Errorf("Expected attempt 3, got %d", job.Attempt)
	}
}

func TestSQLiteStore_JobRepo_CancelJob(t *testing.T) {
	s := newTestSQLiteStore(t)

	id, err := s.EnqueueJob("followup", time.Now().Add(time.Hour), `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	if err := s.CancelJob(id); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	job, _ := s.GetJob(id)
	if job.Status != JobStatusCanceled {
		t.Errorf("Expected status 'canceled', got %q", job.Status)
	}
}

func TestSQLiteStore_JobRepo_RequeueStale(t *testing.T) {
	s := newTestSQLiteStore(t)

	past := time.Now().Add(-time.Hour)
	_, err := s.EnqueueJob("followup", past, `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	// Claim it (marks as running)
	jobs, err := s.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(jobs))
	}

	// Requeue stale jobs (locked more than 1 minute ago)
	staleBefore := time.Now().Add(time.Minute) // Everything is stale
	n, err := s.RequeueStaleRunningJobs(staleBefore)
	if err != nil {
		t.Fatalf("RequeueStaleRunningJobs failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 requeued, got %d", n)
	}

	// Verify it's back to queued
	job, _ := s.GetJob(jobs[0].ID)
	if job.Status != JobStatusQueued {
		t.Errorf("Expected status 'queued' after requeue, got %q", job.Status)
	}
}

// --- JobRunner tests ---

func TestJobRunner_Basic(t *testing.T) {
	s := newTestSQLiteStore(t)

	runner := NewJobRunner(s, 50*time.Millisecond)

	var executed int32
	runner.RegisterHandler("followup", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executed, 1)
		return nil
	})

	// Enqueue a job due immediately
	past := time.Now().Add(-time.Second)
	_, err := s.EnqueueJob("followup", past, `{"test":true}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go runner.Run(ctx)
	<-ctx.Done()

	if atomic.LoadInt32(&executed) != 1 {
		t.Errorf("Expected 1 execution, got %d", atomic.LoadInt32(&executed))
	}
}

func TestJobRunner_PanickingHandlerIsRetried(t *testing.T) {
	s := NewInMemoryStore()
	runner := NewJobRunner(s, time.Hour)
	runner.RegisterHandler("followup", func(ctx context.Context, payload string) error {
		panic("boom")
	})

	id, err := s.EnqueueJob("followup", time.Now().Add(-time.Second), `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	runner.poll(context.Background())

	job, _ := s.GetJob(id)
	if job.Status != JobStatusQueued || job.Attempt != 1 {
		t.Errorf("expected requeued job on attempt 1, got status=%q attempt=%d", job.Status, job.Attempt)
	}
	if job.LastError == "" || !job.RunAt.After(time.Now()) {
		t.Errorf("expected error recorded and retry in the future, got %+v", job)
	}
}

func TestJobRunner_UnknownKind(t *testing.T) {
	s := NewInMemoryStore()
	runner := NewJobRunner(s, time.Hour)
	id, _ := s.EnqueueJob("mystery", time.Now().Add(-time.Second), `{}`, "")

	runner.poll(context.Background())

	job, _ := s.GetJob(id)
	if job.Attempt != 1 || job.LastError == "" {
		t.Errorf("expected failed attempt for unknown kind, got %+v", job)
	}
}

func TestJobRunner_Options(t *testing.T) {
	runner := NewJobRunner(NewInMemoryStore(), 0, WithStaleThreshold(time.Minute), WithClaimLimit(3))
	if runner.pollInterval != DefaultJobPollInterval {
		t.Errorf("expected default poll interval, got %v", runner.pollInterval)
	}
	if runner.StaleThreshold() != time.Minute || runner.claimLimit != 3 {
		t.Errorf("options not applied: stale=%v limit=%d", runner.StaleThreshold(), runner.claimLimit)
	}
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{3, 4 * time.Minute},
		{7, maxRetryBackoff},
		{40, maxRetryBackoff},
	}
	for _, tt := range tests {
		if got := retryBackoff(tt.attempt); got != tt.want {
			t.Errorf("retryBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSQLiteStore_JobRepo_CancelJobsByDedupePrefix(t *testing.T) {
	s := newTestSQLiteStore(t)
	testCancelJobsByDedupePrefix(t, s)
}

func TestInMemoryStore_JobRepo_CancelJobsByDedupePrefix(t *testing.T) {
	testCancelJobsByDedupePrefix(t, NewInMemoryStore())
}

func testCancelJobsByDedupePrefix(t *testing.T, repo JobRepo) {
	t.Helper()
	runAt := time.Now().Add(time.Hour)
	// Underscores in conversation IDs must not behave as wildcards.
	a0, _ := repo.EnqueueJob("followup", runAt, `{}`, "followup:c_1:0")
	a1, _ := repo.EnqueueJob("followup", runAt, `{}`, "followup:c_1:1")
	other, _ := repo.EnqueueJob("followup", runAt, `{}`, "followup:cx1:0")
	done, _ := repo.EnqueueJob("followup", runAt, `{}`, "followup:c_1:2")
	if err := repo.CompleteJob(done); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	n, err := repo.CancelJobsByDedupePrefix("followup:c_1:")
	if err != nil {
		t.Fatalf("CancelJobsByDedupePrefix failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 canceled jobs, got %d", n)
	}
	for id, want := range map[string]JobStatus{a0: JobStatusCanceled, a1: JobStatusCanceled, other: JobStatusQueued, done: JobStatusDone} {
		job, err := repo.GetJob(id)
		if err != nil || job == nil {
			t.Fatalf("GetJob(%s) failed: %v", id, err)
		}
		if job.Status != want {
			t.Errorf("Job %s (%s): expected status %q, got %q", id, job.DedupeKey, want, job.Status)
		}
	}

	// A canceled key can be scheduled again.
	again, err := repo.EnqueueJob("followup", runAt, `{}`, "followup:c_1:0")
	if err != nil {
		t.Fatalf("EnqueueJob after cancel failed: %v", err)
	}
	if again == a0 {
		t.Error("Expected a new job after cancel, got the canceled one")
	}

	if _, err := repo.CancelJobsByDedupePrefix(""); err == nil {
		t.Error("Expected error for empty prefix")
	}
}

func TestInMemoryStore_JobRepo_ClaimAndFail(t *testing.T) {
	s := NewInMemoryStore()
	now := time.Now()
	id, _ := s.EnqueueJob("k", now.Add(-time.Minute), `{}`, "")
	_, _ = s.EnqueueJob("k", now.Add(time.Hour), `{}`, "")

	jobs, err := s.ClaimDueJobs(now, 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id || jobs[0].Status != JobStatusRunning {
		t.Fatalf("Expected one running job %s, got %+v", id, jobs)
	}
	for i := 0; i < defaultMaxAttempts; i++ {
		if err := s.FailJob(id, "boom", now); err != nil {
			t.Fatalf("FailJob failed: %v", err)
		}
	}
	job, _ := s.GetJob(id)
	if job.Status != JobStatusFailed || job.Attempt != defaultMaxAttempts {
		t.Errorf("Expected failed after %d attempts, got %s/%d", defaultMaxAttempts, job.Status, job.Attempt)
	}
}
