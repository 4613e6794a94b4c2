package sources

import (
	"fmt"
	"time"
)

// TimeoutError marks an upstream call that exceeded its deadline.
// Retryable; counts toward the circuit-breaker failure tally.
type TimeoutError struct {
	Source  string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("source %s timed out after %s", e.Source, e.Elapsed)
}

// APIError marks a non-2xx upstream response. 5xx is retryable, other
// statuses are permanent.
type APIError struct {
	Source string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("source %s returned HTTP %d: %.200s", e.Source, e.Status, e.Body)
}

// Retryable reports whether the status is a transient server-side failure.
func (e *APIError) Retryable() bool { return e.Status >= 500 }

// RateLimitError marks an upstream 429. RetryAfter is zero when the
// upstream did not send a Retry-After header.
type RateLimitError struct {
	Source     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("source %s rate limited (retry after %s)", e.Source, e.RetryAfter)
}

// AuthError marks a 401/403. Never retried.
type AuthError struct {
	Source string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("source %s rejected credentials (HTTP %d)", e.Source, e.Status)
}

// ParseError marks a record field the adapter could not normalize.
// Never retried; the offending record is skipped.
type ParseError struct {
	Source string
	Field  string
	Value  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("source %s: cannot parse field %q value %q", e.Source, e.Field, e.Value)
}
