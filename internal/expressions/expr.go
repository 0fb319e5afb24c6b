package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates retry predicates written in expr. They see the same
// variables as the CEL ones and may use nil coalescing (??) and the string
// operators contains, startsWith and matches.
type ExprEngine struct {
	programs compiled[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with the keys of data as top-level variables.
// Unknown variables read as nil.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	prg, err := e.program(expression, data)
	if err != nil {
		return nil, err
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, exprError("expr", "evaluation", expression, err)
	}
	return out, nil
}

// Compile checks an expression without evaluating it.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.program(expression, map[string]any{})
	return err
}

func (e *ExprEngine) program(expression string, env map[string]any) (*vm.Program, error) {
	if expression == "" {
		return nil, emptyExpression("expr")
	}
	return e.programs.get(expression, func(src string) (*vm.Program, error) {
		prg, err := expr.Compile(src, expr.Env(env), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, exprError("expr", "compile", src, err)
		}
		return prg, nil
	})
}

var _ Engine = (*ExprEngine)(nil)
