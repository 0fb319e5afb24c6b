package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/replaykit/internal/entity"
	"github.com/rendis/replaykit/internal/orchestration"
	"github.com/rendis/replaykit/pkg/schema"
)

func TestRegistry_AddAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddActivity("Echo", func(_ context.Context, in []byte) ([]byte, error) { return in, nil }))
	require.NoError(t, r.AddOrchestrator("Flow", func(orchestration.Context) (any, error) { return nil, nil }))
	require.NoError(t, r.AddEntity("Counter", func(entity.Context) error { return nil }))

	fn, err := r.Activity("Echo")
	require.NoError(t, err)
	out, err := fn(context.Background(), []byte(`1`))
	require.NoError(t, err)
	assert.Equal(t, `1`, string(out))

	_, err = r.Orchestrator("Flow")
	assert.NoError(t, err)

	// Entity names are case-insensitive.
	_, err = r.Entity("COUNTER")
	assert.NoError(t, err)

	acts, orchs, ents := r.Names()
	assert.Equal(t, []string{"Echo"}, acts)
	assert.Equal(t, []string{"Flow"}, orchs)
	assert.Equal(t, []string{"counter"}, ents)
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry()
	noop := func(_ context.Context, in []byte) ([]byte, error) { return in, nil }
	require.NoError(t, r.AddActivity("a", noop))

	assert.True(t, schema.HasCode(r.AddActivity("a", noop), schema.ErrCodeConflict))
	assert.True(t, schema.HasCode(r.AddActivity("", noop), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(r.AddActivity("b", nil), schema.ErrCodeValidation))

	_, err := r.Activity("missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	_, err = r.Entity("missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}
