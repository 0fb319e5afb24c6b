package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Validate(t *testing.T) {
	maxTimer := 6 * 24 * time.Hour

	valid := &RetryPolicy{MaxAttempts: 3, FirstRetryInterval: time.Second, BackoffCoefficient: 2}
	require.NoError(t, valid.Validate(maxTimer))

	tests := []struct {
		name   string
		policy RetryPolicy
	}{
		{"zero attempts", RetryPolicy{FirstRetryInterval: time.Second}},
		{"no interval", RetryPolicy{MaxAttempts: 1}},
		{"small coefficient", RetryPolicy{MaxAttempts: 1, FirstRetryInterval: time.Second, BackoffCoefficient: 0.5}},
		{"first interval too long", RetryPolicy{MaxAttempts: 1, FirstRetryInterval: 7 * 24 * time.Hour}},
		{"max interval too long", RetryPolicy{MaxAttempts: 1, FirstRetryInterval: time.Second, MaxRetryInterval: 7 * 24 * time.Hour}},
		{"unknown language", RetryPolicy{MaxAttempts: 1, FirstRetryInterval: time.Second, HandleLanguage: "lua"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate(maxTimer)
			require.Error(t, err)
			assert.True(t, HasCode(err, ErrCodeValidation))
		})
	}

	long := &RetryPolicy{MaxAttempts: 1, FirstRetryInterval: 7 * 24 * time.Hour}
	assert.NoError(t, long.Validate(0), "zero disables the timer bound")
}

func TestRetryPolicy_NextDelay(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 5, FirstRetryInterval: time.Second, BackoffCoefficient: 2, MaxRetryInterval: 5 * time.Second}
	assert.Equal(t, time.Second, p.NextDelay(1))
	assert.Equal(t, 2*time.Second, p.NextDelay(2))
	assert.Equal(t, 4*time.Second, p.NextDelay(3))
	assert.Equal(t, 5*time.Second, p.NextDelay(4))

	flat := &RetryPolicy{MaxAttempts: 2, FirstRetryInterval: time.Second}
	assert.Equal(t, time.Second, flat.NextDelay(3))
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 3, FirstRetryInterval: time.Second, RetryTimeout: 10 * time.Second}
	assert.True(t, p.ShouldRetry(1, 0))
	assert.False(t, p.ShouldRetry(3, 0))
	assert.False(t, p.ShouldRetry(1, 9500*time.Millisecond))
}

func TestDurableHTTPRequest_Validate(t *testing.T) {
	assert.NoError(t, (&DurableHTTPRequest{Method: "GET", URI: "https://example.com/x"}).Validate())
	assert.Error(t, (&DurableHTTPRequest{URI: "https://example.com"}).Validate())
	assert.Error(t, (&DurableHTTPRequest{Method: "GET", URI: "/relative"}).Validate())

	resp := &DurableHTTPResponse{Headers: map[string]string{"location": "https://example.com/status"}}
	loc, ok := resp.Header("Location")
	assert.True(t, ok)
	assert.Equal(t, "https://example.com/status", loc)
}
