package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"launchforge/internal/models"
)

// newTestStore connects to the database named by TEST_POSTGRES_DSN and resets
// it. Tests in this file are skipped when the variable is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE jobs, job_events`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestEnqueueJobIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, reused, err := s.EnqueueJob(ctx, EnqueueParams{Type: "dev.simulate", IdempotencyKey: "op-1"})
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if reused {
		t.Fatal("first enqueue must insert, not reuse")
	}

	second, reused, err := s.EnqueueJob(ctx, EnqueueParams{Type: "dev.simulate", IdempotencyKey: "op-1"})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if !reused || second.ID != first.ID {
		t.Fatalf("expected dedup onto %s, got reused=%v id=%s", first.ID, reused, second.ID)
	}

	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE idempotency_key = $1`, "op-1").Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one row for the key, got %d", n)
	}

	// A terminally failed job releases the key for resubmission.
	if err := s.MarkFailed(ctx, first.ID, 3, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	third, reused, err := s.EnqueueJob(ctx, EnqueueParams{Type: "dev.simulate", IdempotencyKey: "op-1"})
	if err != nil {
		t.Fatalf("enqueue after failure: %v", err)
	}
	if reused || third.ID == first.ID {
		t.Fatalf("failed job must not block resubmission, got reused=%v id=%s", reused, third.ID)
	}
}

func TestEnqueueJobConcurrentSameKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const submitters = 16
	ids := make(chan string, submitters)
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, _, err := s.EnqueueJob(ctx, EnqueueParams{Type: "dev.simulate", IdempotencyKey: "op-race"})
			if err != nil {
				t.Errorf("concurrent enqueue: %v", err)
				return
			}
			ids <- job.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("concurrent submitters disagree on the job: %d distinct ids", len(seen))
	}
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE idempotency_key = $1`, "op-race").Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one row for the key, got %d", n)
	}
}

func TestClaimBatchNoDoubleClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const total = 40
	for i := 0; i < total; i++ {
		if _, _, err := s.EnqueueJob(ctx, EnqueueParams{Type: "dev.simulate"}); err != nil {
			t.Fatalf("enqueue job %d: %v", i, err)
		}
	}

	const claimers = 8
	claimed := make(chan string, total*2)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			workerID := fmt.Sprintf("w%d", n)
			for {
				jobs, err := s.ClaimBatch(ctx, workerID, 5)
				if err != nil {
					t.Errorf("%s: claim batch: %v", workerID, err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				for _, j := range jobs {
					if j.Status != models.StatusRunning {
						t.Errorf("claimed job %s returned with status %s", j.ID, j.Status)
					}
					claimed <- j.ID
				}
			}
		}(i)
	}
	wg.Wait()
	close(claimed)

	seen := make(map[string]int)
	for id := range claimed {
		seen[id]++
	}
	if len(seen) != total {
		t.Fatalf("claimed %d distinct jobs, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n > 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestReclaimStaleRequeuesAbandonedJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, _, err := s.EnqueueJob(ctx, EnqueueParams{Type: "dev.simulate", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimBatch(ctx, "dead-worker", 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.pool.Exec(ctx, `UPDATE jobs SET locked_at = NOW() - INTERVAL '1 hour' WHERE id = $1`, job.ID); err != nil {
		t.Fatalf("backdate lock: %v", err)
	}

	requeued, failed, err := s.ReclaimStale(ctx, time.Now().Add(-time.Minute), 5*time.Second)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if requeued != 1 || failed != 0 {
		t.Fatalf("expected 1 requeued / 0 failed, got %d / %d", requeued, failed)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusQueued {
		t.Fatalf("expected queued, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("abandoned claim must consume an attempt, got %d", got.Attempts)
	}
	if got.LockedAt != nil || got.LockedBy != nil {
		t.Fatal("lock fields not cleared")
	}
	if got.LastError == nil || *got.LastError == "" {
		t.Fatal("expected reclaim diagnostic in last_error")
	}
}
