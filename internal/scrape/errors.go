package scrape

import (
	"errors"
	"fmt"
)

// ErrChallengeDetected signals an anti-bot interstitial was returned instead
// of real content. It is recovered via the browser fallback and never
// surfaces past the fetch engine.
var ErrChallengeDetected = errors.New("challenge page detected")

// ErrAdapterNotFound means no site adapter is registered for a hostname.
// Rejected immediately, never retried.
var ErrAdapterNotFound = errors.New("no site adapter registered for host")

// ErrStoreUnavailable wraps shared-store failures. Callers must propagate it
// rather than proceed without rate limiting or persistence.
var ErrStoreUnavailable = errors.New("shared store unavailable")

// FetchError is terminal for a single fetch attempt after the engine's
// strategy budget is exhausted. The calling unit of work applies its own
// retry budget on top.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StoreError marks err as a shared-store failure.
func StoreError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
