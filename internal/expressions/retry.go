package expressions

import (
	"context"
	"errors"

	"github.com/rendis/replaykit/pkg/schema"
)

// RetryPredicates evaluates the Handle predicate of a retry policy against
// one failed attempt.
type RetryPredicates struct {
	cel  *CELEngine
	expr *ExprEngine
}

// NewRetryPredicates builds the CEL and expr engines used for Handle predicates.
func NewRetryPredicates() (*RetryPredicates, error) {
	c, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &RetryPredicates{cel: c, expr: NewExprEngine()}, nil
}

// Compile checks that the policy's predicate is well formed.
func (p *RetryPredicates) Compile(policy *schema.RetryPolicy) error {
	if policy == nil || policy.Handle == "" {
		return nil
	}
	if policy.HandleLanguage == "expr" {
		return p.expr.Compile(policy.Handle)
	}
	return p.cel.Compile(policy.Handle)
}

// ShouldHandle reports whether the failure of attempt (1-based) is retried
// under policy. A policy without a predicate handles every failure. A
// predicate that does not yield a bool fails with VALIDATION_ERROR.
func (p *RetryPredicates) ShouldHandle(ctx context.Context, policy *schema.RetryPolicy, failure error, attempt int) (bool, error) {
	if policy == nil || policy.Handle == "" {
		return true, nil
	}

	var engine Engine = p.cel
	if policy.HandleLanguage == "expr" {
		engine = p.expr
	}

	out, err := engine.Evaluate(ctx, policy.Handle, FailureData(failure, attempt))
	if err != nil {
		return false, err
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"retry predicate %q returned %T, want bool", policy.Handle, out).
			WithDetails(map[string]any{"expression": policy.Handle})
	}
	return ok, nil
}

// FailureData exposes a failure to a predicate as code, message, target,
// attempt and details. Plain errors are reported as TASK_FAILED.
func FailureData(failure error, attempt int) map[string]any {
	data := map[string]any{
		"code":    schema.ErrCodeTaskFailed,
		"message": "",
		"target":  "",
		"attempt": attempt,
		"details": map[string]any{},
	}
	if failure == nil {
		return data
	}
	data["message"] = failure.Error()
	var de *schema.DurableError
	if errors.As(failure, &de) {
		data["code"] = de.Code
		data["message"] = de.Message
		data["target"] = de.Target
		if de.Details != nil {
			data["details"] = de.Details
		}
	}
	return data
}
