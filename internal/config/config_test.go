package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.PoolSize < 1 {
		t.Fatalf("pool size must be at least 1, got %d", cfg.PoolSize)
	}
	if cfg.WorkerID == "" {
		t.Fatal("worker id must never be empty")
	}
	if cfg.HeavyPoolSize > cfg.PoolSize {
		t.Fatalf("heavy pool %d exceeds pool %d", cfg.HeavyPoolSize, cfg.PoolSize)
	}
}

func TestLoadClampsFloors(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "1ms")
	t.Setenv("JOB_TIMEOUT", "10ms")
	t.Setenv("RECLAIM_INTERVAL", "1ms")
	t.Setenv("POOL_SIZE", "0")
	t.Setenv("CLAIM_BATCH_SIZE", "-5")
	t.Setenv("MAX_ATTEMPTS", "0")

	cfg := Load()
	if cfg.PollInterval != MinPollInterval {
		t.Fatalf("poll interval not clamped: %s", cfg.PollInterval)
	}
	if cfg.JobTimeout != MinJobTimeout {
		t.Fatalf("job timeout not clamped: %s", cfg.JobTimeout)
	}
	if cfg.ReclaimInterval != MinReclaimInterval {
		t.Fatalf("reclaim interval not clamped: %s", cfg.ReclaimInterval)
	}
	if cfg.PoolSize != 1 {
		t.Fatalf("pool size not clamped: %d", cfg.PoolSize)
	}
	if cfg.ClaimBatchSize != 1 {
		t.Fatalf("claim batch size not clamped: %d", cfg.ClaimBatchSize)
	}
	if cfg.MaxAttempts != 1 {
		t.Fatalf("max attempts not clamped: %d", cfg.MaxAttempts)
	}
}

func TestLoadClampsHeavyPoolToPool(t *testing.T) {
	t.Setenv("POOL_SIZE", "2")
	t.Setenv("HEAVY_POOL_SIZE", "8")
	cfg := Load()
	if cfg.HeavyPoolSize != 2 {
		t.Fatalf("heavy pool not clamped to pool size: %d", cfg.HeavyPoolSize)
	}
}

func TestStaleAfter(t *testing.T) {
	cfg := Config{JobTimeout: 5 * time.Minute, StaleMargin: 2 * time.Minute}
	if got := cfg.StaleAfter(); got != 7*time.Minute {
		t.Fatalf("expected 7m, got %s", got)
	}
}

func TestIsHeavy(t *testing.T) {
	cfg := Config{HeavyJobTypes: []string{"packet.generate", "browser.check"}}
	if !cfg.IsHeavy("browser.check") {
		t.Fatal("expected browser.check to be heavy")
	}
	if cfg.IsHeavy("email.send") {
		t.Fatal("email.send should not be heavy")
	}
}
