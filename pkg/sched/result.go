package sched

import (
	"fmt"
	"time"
)

// Outcome is the terminal classification of one run of a job.
type Outcome int

const (
	// OutcomeSuccess means the run finished; every intention attached to
	// the job is archived with OK status.
	OutcomeSuccess Outcome = iota

	// OutcomeRetry is a soft failure: the token ran out mid-run. The
	// token's reset was advanced, the intentions keep their job, and the
	// job is released so NextJob can offer it again once the token clears.
	OutcomeRetry

	// OutcomeFatal is a hard failure: the intentions are archived with
	// error status.
	OutcomeFatal
)

// String returns the outcome label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// RunResult is the explicit tri-state result of running a job. It
// replaces exception-driven control flow: the worker dispatches on the
// outcome to decide between archive-ok, requeue, and archive-error.
type RunResult struct {
	Outcome Outcome

	// RetryAfter is how long until the exhausted token resets. Only set
	// for OutcomeRetry.
	RetryAfter time.Duration

	// Err is the failure cause. Only set for OutcomeFatal.
	Err error
}

// Success returns a successful run result.
func Success() RunResult {
	return RunResult{Outcome: OutcomeSuccess}
}

// RetryAfter returns a soft-failure result with the given backoff.
func RetryAfter(d time.Duration) RunResult {
	return RunResult{Outcome: OutcomeRetry, RetryAfter: d}
}

// Fatal returns a hard-failure result.
func Fatal(err error) RunResult {
	return RunResult{Outcome: OutcomeFatal, Err: err}
}
