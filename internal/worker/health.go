package worker

import (
	"fmt"

	"github.com/prometheus/procfs"

	"launchforge/internal/config"
)

// HealthGuard bounds the blast radius of slow resource leaks in a long-lived
// worker: past any ceiling it raises a fatal condition so the process exits
// cleanly and gets restarted by its supervisor. It is only touched from the
// run-loop goroutine, between batches, so it needs no locking.
type HealthGuard struct {
	maxRSS        int64
	maxJobs       int
	maxPollErrors int
	sampleRSS     func() (int64, error)

	jobsProcessed int
	pollErrors    int
}

func NewHealthGuard(cfg config.Config) *HealthGuard {
	return &HealthGuard{
		maxRSS:        cfg.MaxRSSBytes,
		maxJobs:       cfg.MaxJobsPerProcess,
		maxPollErrors: cfg.MaxPollErrors,
		sampleRSS:     processRSS,
	}
}

// JobsDrained records a successfully drained claim batch.
func (g *HealthGuard) JobsDrained(n int) { g.jobsProcessed += n }

// PollErrored counts a failed claim-batch call; PollSucceeded resets the run.
func (g *HealthGuard) PollErrored()   { g.pollErrors++ }
func (g *HealthGuard) PollSucceeded() { g.pollErrors = 0 }

// Check samples process memory and compares all counters against their
// ceilings. A nil return means the process may keep going.
func (g *HealthGuard) Check() *FatalError {
	if g.pollErrors >= g.maxPollErrors {
		return &FatalError{Reason: ReasonPollErrors, Err: fmt.Errorf("%d consecutive claim errors", g.pollErrors)}
	}
	if g.maxRSS > 0 && g.sampleRSS != nil {
		if rss, err := g.sampleRSS(); err == nil && rss > g.maxRSS {
			return &FatalError{Reason: ReasonMemoryCeiling, Err: fmt.Errorf("rss %d bytes exceeds ceiling %d", rss, g.maxRSS)}
		}
	}
	if g.jobsProcessed >= g.maxJobs {
		return &FatalError{Reason: ReasonJobBudget, Err: fmt.Errorf("processed %d jobs, ceiling %d", g.jobsProcessed, g.maxJobs)}
	}
	return nil
}

// processRSS samples this process's resident memory from /proc.
func processRSS() (int64, error) {
	p, err := procfs.Self()
	if err != nil {
		return 0, err
	}
	stat, err := p.Stat()
	if err != nil {
		return 0, err
	}
	return int64(stat.ResidentMemory()), nil
}
