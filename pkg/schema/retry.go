package schema

import (
	"fmt"
	"math"
	"time"
)

// RetryPolicy configures retries of an activity or sub-orchestration call.
type RetryPolicy struct {
	MaxAttempts        int           `json:"maxAttempts"`
	FirstRetryInterval time.Duration `json:"firstRetryInterval"`
	BackoffCoefficient float64       `json:"backoffCoefficient,omitempty"` // default 1
	MaxRetryInterval   time.Duration `json:"maxRetryInterval,omitempty"`
	RetryTimeout       time.Duration `json:"retryTimeout,omitempty"`
	// Handle is an optional predicate deciding whether a failure is retried.
	// It sees `code` and `message`; HandleLanguage selects "cel" (default) or "expr".
	Handle         string `json:"handle,omitempty"`
	HandleLanguage string `json:"handleLanguage,omitempty"`
}

// Validate checks the policy. Every interval must fit in a single durable timer,
// so maxTimer bounds FirstRetryInterval and MaxRetryInterval (0 disables the bound).
func (p *RetryPolicy) Validate(maxTimer time.Duration) error {
	r := &ValidationResult{}
	if p.MaxAttempts < 1 {
		r.AddError("maxAttempts", ErrCodeValidation, "maxAttempts must be at least 1")
	}
	if p.FirstRetryInterval <= 0 {
		r.AddError("firstRetryInterval", ErrCodeValidation, "firstRetryInterval must be positive")
	}
	if p.BackoffCoefficient != 0 && p.BackoffCoefficient < 1 {
		r.AddError("backoffCoefficient", ErrCodeValidation, "backoffCoefficient must be >= 1")
	}
	if p.MaxRetryInterval < 0 || p.RetryTimeout < 0 {
		r.AddError("maxRetryInterval", ErrCodeValidation, "intervals must not be negative")
	}
	if maxTimer > 0 {
		if p.FirstRetryInterval > maxTimer {
			r.AddError("firstRetryInterval", ErrCodeValidation,
				fmt.Sprintf("firstRetryInterval %s exceeds the maximum timer duration %s", p.FirstRetryInterval, maxTimer))
		}
		if p.MaxRetryInterval > maxTimer {
			r.AddError("maxRetryInterval", ErrCodeValidation,
				fmt.Sprintf("maxRetryInterval %s exceeds the maximum timer duration %s", p.MaxRetryInterval, maxTimer))
		}
	}
	switch p.HandleLanguage {
	case "", "cel", "expr":
	default:
		r.AddError("handleLanguage", ErrCodeValidation, fmt.Sprintf("unknown handle language %q", p.HandleLanguage))
	}
	return r.ToError()
}

// NextDelay returns the wait before retry number attempt (1-based).
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	coef := p.BackoffCoefficient
	if coef < 1 {
		coef = 1
	}
	d := float64(p.FirstRetryInterval) * math.Pow(coef, float64(attempt-1))
	if p.MaxRetryInterval > 0 && d > float64(p.MaxRetryInterval) {
		return p.MaxRetryInterval
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ShouldRetry reports whether another attempt is allowed after attempt failures,
// given the time elapsed since the first attempt.
func (p *RetryPolicy) ShouldRetry(attempt int, elapsed time.Duration) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if p.RetryTimeout > 0 && elapsed+p.NextDelay(attempt) > p.RetryTimeout {
		return false
	}
	return true
}
