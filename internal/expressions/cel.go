package expressions

import (
	"context"

	"github.com/google/cel-go/cel"

	"github.com/rendis/replaykit/pkg/schema"
)

// CELEngine evaluates retry predicates written in CEL against one failed
// attempt.
type CELEngine struct {
	env      *cel.Env
	programs compiled[cel.Program]
}

// failureVariables are the variables a retry predicate sees.
var failureVariables = []string{"code", "message", "target", "attempt", "details"}

// NewCELEngine declares code, message and target as strings, attempt as a
// 1-based int and details as map(string, dyn).
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("code", cel.StringType),
		cel.Variable("message", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("attempt", cel.IntType),
		cel.Variable("details", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "create CEL environment: %v", err).WithCause(err)
	}
	return &CELEngine{env: env}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression over data. Missing variables take their zero value.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, exprError("CEL", "evaluation", expression, err)
	}
	return out.Value(), nil
}

// Compile checks an expression without evaluating it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, emptyExpression("CEL")
	}
	return e.programs.get(expression, func(src string) (cel.Program, error) {
		ast, issues := e.env.Compile(src)
		if issues != nil && issues.Err() != nil {
			return nil, exprError("CEL", "compile", src, issues.Err())
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return nil, exprError("CEL", "program", src, err)
		}
		return prg, nil
	})
}

// buildActivation fills missing variables with zero values so CEL never
// reports an unbound variable.
func buildActivation(data map[string]any) map[string]any {
	activation := map[string]any{
		"code":    "",
		"message": "",
		"target":  "",
		"attempt": int64(0),
		"details": map[string]any{},
	}
	for _, key := range failureVariables {
		v, ok := data[key]
		if !ok || v == nil {
			continue
		}
		if key == "attempt" {
			if n, ok := v.(int); ok {
				v = int64(n)
			}
		}
		activation[key] = v
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
