package expressions

import "context"

// Engine evaluates expressions against a data map.
// CEL and Expr decide retry predicates; GoJQ queries entity and instance state.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
