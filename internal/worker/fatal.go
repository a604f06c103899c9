package worker

import "fmt"

// Fatal condition reasons.
const (
	ReasonJobTimeout    = "job_timeout"
	ReasonMemoryCeiling = "memory_ceiling"
	ReasonJobBudget     = "job_budget"
	ReasonPollErrors    = "poll_errors"
)

// FatalError is a process-level failure. The run loop never suppresses one:
// it propagates out of Run so the process exits non-zero and the external
// supervisor restarts it. Per-job handler errors are never FatalErrors.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal worker condition (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("fatal worker condition (%s)", e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Err }
