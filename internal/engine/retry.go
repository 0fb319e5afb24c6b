package engine

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/rendis/replaykit/internal/expressions"
	"github.com/rendis/replaykit/internal/metrics"
	"github.com/rendis/replaykit/pkg/schema"
)

// IsRetryableError classifies whether a failed attempt may succeed later.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded and
// plain application errors. Not retryable: context.Canceled and DurableErrors
// whose code is permanent.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// The host is shutting down or the instance was terminated.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var de *schema.DurableError
	if errors.As(err, &de) {
		return de.IsRetryable()
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
		"temporary failure",
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

	// Let the policy limit attempts.
	return true
}

// WaitForBackoff waits delay on clock, or returns early with CANCELLED when
// ctx is done.
func WaitForBackoff(ctx context.Context, clock Clock, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	<-clock.Until(ctx, clock.Now().Add(delay))
	if err := ctx.Err(); err != nil {
		return schema.NewError(schema.ErrCodeCancelled, "retry backoff cancelled").WithCause(err)
	}
	return nil
}

// retrier runs attempts of one call under a retry policy.
type retrier struct {
	clock      Clock
	predicates *expressions.RetryPredicates
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// run calls attempt until it succeeds, the failure is not retryable, the
// policy's Handle predicate declines it, or the policy is exhausted. The last
// failure is returned with the attempt count in its details.
func (r *retrier) run(ctx context.Context, name string, policy *schema.RetryPolicy, attempt func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	start := r.clock.Now()
	for n := 1; ; n++ {
		data, err := attempt(ctx)
		if err == nil {
			r.metrics.ActivityAttempt(name, metrics.OutcomeCompleted)
			return data, nil
		}
		if policy == nil || !r.shouldRetry(ctx, name, policy, err, n, r.clock.Now().Sub(start)) {
			r.metrics.ActivityAttempt(name, metrics.OutcomeFailed)
			return nil, annotateAttempts(err, n)
		}
		r.metrics.ActivityAttempt(name, metrics.OutcomeRetried)

		delay := policy.NextDelay(n)
		r.logger.Debug("retrying call",
			slog.String("name", name), slog.Int("attempt", n),
			slog.Duration("delay", delay), slog.String("error", err.Error()))
		if werr := WaitForBackoff(ctx, r.clock, delay); werr != nil {
			return nil, werr
		}
	}
}

func (r *retrier) shouldRetry(ctx context.Context, name string, policy *schema.RetryPolicy, err error, attempt int, elapsed time.Duration) bool {
	if ctx.Err() != nil || !IsRetryableError(err) || !policy.ShouldRetry(attempt, elapsed) {
		return false
	}
	ok, perr := r.predicates.ShouldHandle(ctx, policy, err, attempt)
	if perr != nil {
		r.logger.Warn("retry predicate failed; not retrying",
			slog.String("name", name), slog.String("error", perr.Error()))
		return false
	}
	return ok
}

func annotateAttempts(err error, attempts int) error {
	var de *schema.DurableError
	if !errors.As(err, &de) || attempts <= 1 {
		return err
	}
	details := make(map[string]any, len(de.Details)+1)
	for k, v := range de.Details {
		details[k] = v
	}
	details["attempts"] = attempts
	out := *de
	out.Details = details
	return &out
}
