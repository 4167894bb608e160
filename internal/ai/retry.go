package ai

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/nordiq/reportflow/pkg/schema"
)

// RetryPolicy bounds the retry loop around a generation call.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy is what the client uses unless configured otherwise.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
	}
}

// IsRetryableError classifies whether a generation error is worth retrying.
// Timeouts and network failures are; cancellation and typed errors with
// non-retryable codes are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Cancellation means the caller is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var perr *schema.PipelineError
	if errors.As(err, &perr) {
		return perr.IsRetryable()
	}

	var aerr *APIError
	if errors.As(err, &aerr) {
		return aerr.Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Backoff computes the delay before retry attempt n (1-based). Rate limit
// responses back off harder than other failures.
func (p RetryPolicy) Backoff(attempt int, rateLimited bool) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 2 * time.Second
	}

	factor := time.Duration(1)
	mult := time.Duration(2)
	if rateLimited {
		mult = 3
	}
	for i := 1; i < attempt; i++ {
		factor *= mult
	}
	if rateLimited {
		factor *= mult
	}

	delay := base * factor
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// waitBackoff sleeps for the delay or returns early on cancellation.
func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
