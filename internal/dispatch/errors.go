package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrUpstreamTimeout       = errors.New("dispatch: upstream timed out")
	ErrUpstreamOverloaded    = errors.New("dispatch: upstream overloaded")
	ErrUpstreamRejected      = errors.New("dispatch: upstream rejected the request")
	ErrAllFallbacksExhausted = errors.New("dispatch: all fallbacks exhausted")
	ErrUnknownTier           = errors.New("dispatch: no policy for tier")
)

// RouterError is the terminal error of a failed dispatch. Err is the uniform
// class surfaced to callers; Cause is the last upstream error seen.
type RouterError struct {
	Err      error
	Cause    error
	Tier     string
	Model    string
	Attempts int
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("dispatch: tier=%s model=%s attempts=%d: %v: %v",
		e.Tier, e.Model, e.Attempts, e.Err, e.Cause)
}

func (e *RouterError) Unwrap() []error {
	return []error{e.Err, e.Cause}
}

// IsRejected reports whether err is a non-retryable upstream refusal.
func IsRejected(err error) bool {
	return errors.Is(err, ErrUpstreamRejected)
}

// IsUnavailable reports whether err means no model could serve the request.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrAllFallbacksExhausted) ||
		errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrUpstreamOverloaded)
}
