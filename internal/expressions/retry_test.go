package expressions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/replaykit/pkg/schema"
)

func policy(handle, lang string) *schema.RetryPolicy {
	return &schema.RetryPolicy{MaxAttempts: 3, FirstRetryInterval: time.Second, Handle: handle, HandleLanguage: lang}
}

func TestShouldHandle(t *testing.T) {
	p, err := NewRetryPredicates()
	require.NoError(t, err)
	ctx := context.Background()
	transport := schema.NewError(schema.ErrCodeHTTPTransport, "connection refused")
	notFound := schema.NewError(schema.ErrCodeNotFound, "no such order")

	tests := []struct {
		name    string
		policy  *schema.RetryPolicy
		failure error
		attempt int
		want    bool
	}{
		{"nil policy", nil, notFound, 1, true},
		{"no predicate", policy("", ""), notFound, 1, true},
		{"cel match", policy(`code == "HTTP_TRANSPORT_ERROR"`, "cel"), transport, 1, true},
		{"cel default language", policy(`code == "HTTP_TRANSPORT_ERROR"`, ""), notFound, 1, false},
		{"cel attempt", policy(`attempt < 2`, "cel"), transport, 2, false},
		{"expr match", policy(`code != "NOT_FOUND"`, "expr"), transport, 1, true},
		{"expr reject", policy(`code != "NOT_FOUND"`, "expr"), notFound, 1, false},
		{"plain error", policy(`code == "TASK_FAILED" && message == "disk full"`, "cel"), errors.New("disk full"), 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.ShouldHandle(ctx, tt.policy, tt.failure, tt.attempt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShouldHandle_NonBoolResult(t *testing.T) {
	p, err := NewRetryPredicates()
	require.NoError(t, err)

	_, err = p.ShouldHandle(context.Background(), policy(`attempt + 1`, "cel"), errors.New("x"), 1)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = p.ShouldHandle(context.Background(), policy(`"yes"`, "expr"), errors.New("x"), 1)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestRetryPredicates_Compile(t *testing.T) {
	p, err := NewRetryPredicates()
	require.NoError(t, err)

	assert.NoError(t, p.Compile(nil))
	assert.NoError(t, p.Compile(policy(`attempt < 3`, "cel")))
	assert.NoError(t, p.Compile(policy(`attempt < 3`, "expr")))
	assert.True(t, schema.HasCode(p.Compile(policy(`attempt <`, "cel")), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(p.Compile(policy(`attempt <`, "expr")), schema.ErrCodeValidation))
}

func TestFailureData(t *testing.T) {
	de := schema.NewError(schema.ErrCodeEntityOperation, "overdrawn").
		WithTarget("@account@a").
		WithDetails(map[string]any{"balance": -5})
	data := FailureData(de, 4)
	assert.Equal(t, schema.ErrCodeEntityOperation, data["code"])
	assert.Equal(t, "overdrawn", data["message"])
	assert.Equal(t, "@account@a", data["target"])
	assert.Equal(t, 4, data["attempt"])
	assert.Equal(t, -5, data["details"].(map[string]any)["balance"])

	wrapped := FailureData(errors.Join(errors.New("ctx"), de), 1)
	assert.Equal(t, schema.ErrCodeEntityOperation, wrapped["code"])
}
