// Package jobs orchestrates scrape work: it turns queued tasks into site
// scrapes, image downloads and update checks, and manages the job lifecycle
// in the store.
package jobs

import "time"

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeRetry
	outcomeFailed
)

// Outcome is the explicit result of executing one job. Execution units
// return it instead of signaling retries through error types, so the worker
// loop owns every state transition.
type Outcome struct {
	kind       outcomeKind
	result     map[string]any
	processed  int
	retryAfter time.Duration
	err        error
}

// Completed builds a success outcome with the job's result payload.
func Completed(result map[string]any, processed int) Outcome {
	return Outcome{kind: outcomeCompleted, result: result, processed: processed}
}

// RetryIn builds a transient-failure outcome. The worker re-enqueues the job
// after the delay if retry budget remains.
func RetryIn(delay time.Duration, err error) Outcome {
	return Outcome{kind: outcomeRetry, retryAfter: delay, err: err}
}

// Failed builds a permanent-failure outcome.
func Failed(err error) Outcome {
	return Outcome{kind: outcomeFailed, err: err}
}

// Err returns the error carried by retry and failure outcomes.
func (o Outcome) Err() error { return o.err }
