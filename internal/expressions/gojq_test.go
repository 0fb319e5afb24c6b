package expressions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/replaykit/pkg/schema"
)

func TestGoJQ_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()
	data := map[string]any{
		"status": "running",
		"history": []any{
			map[string]any{"type": "task_scheduled", "name": "charge"},
			map[string]any{"type": "task_completed", "task_id": int64(1)},
		},
		"input": json.RawMessage(`{"amount":12}`),
	}

	out, err := e.Evaluate(ctx, ".status", data)
	require.NoError(t, err)
	assert.Equal(t, "running", out)

	out, err = e.Evaluate(ctx, ".input.amount", data)
	require.NoError(t, err)
	assert.Equal(t, float64(12), out)

	out, err = e.Evaluate(ctx, ".history[].type", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"task_scheduled", "task_completed"}, out)

	out, err = e.Evaluate(ctx, ".history[1].task_id", data)
	require.NoError(t, err)
	assert.Equal(t, float64(1), out)

	out, err = e.Evaluate(ctx, "empty", data)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_EvaluateAllAlwaysReturnsSlice(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.EvaluateAll(context.Background(), ".a", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, []any{1}, out)
}

func TestGoJQ_QueryJSON(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	out, err := e.QueryJSON(ctx, ".entityState.count", []byte(`{"entityExists":true,"entityState":{"count":5}}`))
	require.NoError(t, err)
	assert.Equal(t, []any{float64(5)}, out)

	out, err = e.QueryJSON(ctx, ". + 1", []byte(`41`))
	require.NoError(t, err)
	assert.Equal(t, []any{float64(42)}, out)

	_, err = e.QueryJSON(ctx, ".", []byte(`{broken`))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, ".[", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, `error("nope")`, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	out, err := e.Evaluate(ctx, `$ENV | length`, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out, "environment is sandboxed")
}
