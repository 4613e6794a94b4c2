// Package reporting centralizes error emission. Every failure is logged
// exactly once, at the level its class deserves: expected operational
// failures (sources down, quotas, timeouts) are warnings, everything else
// is an error. Callers wrap and return; only the outermost handler reports.
package reporting

import (
	"context"
	"errors"
	"log/slog"

	"github.com/licitahub/radar/pkg/sources"
)

// Class labels an error for logging and metrics.
type Class string

// Error classes.
const (
	ClassExpected   Class = "expected"
	ClassUnexpected Class = "unexpected"
)

// Classify decides whether an error is an expected operational failure.
// Context cancellation, the adapter taxonomy's retryable members, and rate
// limits are part of normal operation against flaky public portals.
func Classify(err error) Class {
	if err == nil {
		return ClassExpected
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassExpected
	}

	var timeoutErr *sources.TimeoutError
	var rateErr *sources.RateLimitError
	var apiErr *sources.APIError
	switch {
	case errors.As(err, &timeoutErr), errors.As(err, &rateErr):
		return ClassExpected
	case errors.As(err, &apiErr):
		if apiErr.Retryable() {
			return ClassExpected
		}
	}
	return ClassUnexpected
}

// Report emits the error once at the classified level. args are extra slog
// attributes.
func Report(err error, msg string, args ...any) Class {
	class := Classify(err)
	args = append(args, "error", err)
	if class == ClassExpected {
		slog.Warn(msg, args...)
	} else {
		slog.Error(msg, args...)
	}
	return class
}
