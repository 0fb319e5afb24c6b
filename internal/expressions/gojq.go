package expressions

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"

	"github.com/rendis/replaykit/pkg/schema"
)

// GoJQEngine runs jq queries over instance and entity snapshots. Queries
// cannot read the process environment.
type GoJQEngine struct {
	codes compiled[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs expression with data as its input. No output yields nil, one
// output is returned as is and several are returned as []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	outs, err := e.EvaluateAll(ctx, expression, data)
	if err != nil || len(outs) == 0 {
		return nil, err
	}
	if len(outs) == 1 {
		return outs[0], nil
	}
	return outs, nil
}

// EvaluateAll returns every output of expression over data.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	var input any = map[string]any{}
	if data != nil {
		input = toJQValue(data)
	}
	return e.run(ctx, expression, input)
}

// QueryJSON returns every output of expression over a JSON document.
func (e *GoJQEngine) QueryJSON(ctx context.Context, expression string, doc []byte) ([]any, error) {
	var input any
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &input); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq input is not JSON: %v", err).WithCause(err)
		}
	}
	return e.run(ctx, expression, input)
}

func (e *GoJQEngine) run(ctx context.Context, expression string, input any) ([]any, error) {
	code, err := e.code(expression)
	if err != nil {
		return nil, err
	}
	var outs []any
	iter := code.RunWithContext(ctx, input)
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if err, isErr := v.(error); isErr {
			return nil, exprError("jq", "evaluation", expression, err)
		}
		outs = append(outs, v)
	}
	return outs, nil
}

func (e *GoJQEngine) code(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, emptyExpression("jq")
	}
	return e.codes.get(expression, func(src string) (*gojq.Code, error) {
		q, err := gojq.Parse(src)
		if err != nil {
			return nil, exprError("jq", "parse", src, err)
		}
		code, err := gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, exprError("jq", "compile", src, err)
		}
		return code, nil
	})
}

// toJQValue rewrites Go values into the shapes gojq accepts: embedded raw
// JSON is decoded and sized numeric types become float64.
func toJQValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJQValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJQValue(item)
		}
		return out
	case json.RawMessage:
		var decoded any
		if json.Unmarshal(val, &decoded) != nil {
			return string(val)
		}
		return decoded
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
