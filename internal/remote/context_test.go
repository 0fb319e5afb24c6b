package remote

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/replaykit/internal/validation"
	"github.com/rendis/replaykit/pkg/schema"
)

func newCodec(t *testing.T) *Codec {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	return NewCodec(v)
}

func sampleHistory() []*schema.HistoryEvent {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []*schema.HistoryEvent{
		{Sequence: 1, InstanceID: "order-1", Type: schema.HistoryExecutionStarted, Payload: json.RawMessage(`{"sku":"a"}`), Timestamp: ts},
		{Sequence: 2, InstanceID: "order-1", Type: schema.HistoryTaskScheduled, Name: "reserve", TaskID: 1, Timestamp: ts},
		{Sequence: 3, InstanceID: "order-1", Type: schema.HistoryTaskFailed, TaskID: 1,
			Error: schema.NewError(schema.ErrCodeTaskFailed, "out of stock"), Timestamp: ts},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	c := newCodec(t)
	rc := New("order-1", "parent-1", json.RawMessage(`{"sku":"a"}`), sampleHistory())
	assert.True(t, rc.IsReplaying)

	fireAt := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, rc.AddActions(
		Action{ActionType: ActionCallActivity, Name: "refund", Input: json.RawMessage(`1`)},
		Action{ActionType: ActionCreateTimer, FireAt: &fireAt},
	))
	require.NoError(t, rc.AddActions(Action{ActionType: ActionLockEntities, Entities: []string{"@account@a", "@account@b"}}))
	require.NoError(t, rc.SetCustomStatus(map[string]string{"stage": "refunding"}))

	data, err := c.Encode(rc)
	require.NoError(t, err)

	got, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "order-1", got.InstanceID)
	assert.Equal(t, "parent-1", got.ParentInstanceID)
	require.Len(t, got.History, 3)
	assert.Equal(t, "out of stock", got.History[2].Error.Message)
	require.Len(t, got.Actions, 2)
	assert.Equal(t, 3, got.ActionCount())
	assert.True(t, fireAt.Equal(*got.Actions[0][1].FireAt))
	assert.JSONEq(t, `{"stage":"refunding"}`, string(got.CustomStatus))
	assert.False(t, got.IsDone)
}

func TestCodec_EncodeEmptyHistory(t *testing.T) {
	c := newCodec(t)
	data, err := c.Encode(&Context{InstanceID: "fresh"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"history":[]`)
}

func TestCodec_DecodeRejectsInvalidPayloads(t *testing.T) {
	c := newCodec(t)

	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"missing history", `{"instanceId":"a"}`},
		{"unknown field", `{"instanceId":"a","history":[],"extra":1}`},
		{"unknown action", `{"instanceId":"a","history":[],"actions":[[{"actionType":"launchRocket"}]]}`},
		{"activity without name", `{"instanceId":"a","history":[],"actions":[[{"actionType":"callActivity"}]]}`},
		{"bad entity id", `{"instanceId":"a","history":[],"actions":[[{"actionType":"signalEntity","entity":"counter","operation":"add"}]]}`},
		{"output and error", `{"instanceId":"a","history":[],"isDone":true,"output":1,"error":"boom"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode([]byte(tt.doc))
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "got %v", err)
		})
	}
}

func TestAction_Validate(t *testing.T) {
	at := time.Now()
	valid := []Action{
		{ActionType: ActionCallSubOrchestrator, Name: "child"},
		{ActionType: ActionWaitForExternalEvent, Name: "approval"},
		{ActionType: ActionCallEntity, Entity: "@counter@a", Operation: "get"},
		{ActionType: ActionCreateTimer, FireAt: &at},
		{ActionType: ActionReleaseLocks},
		{ActionType: ActionContinueAsNew, Input: json.RawMessage(`{}`)},
		{ActionType: ActionCallHTTP, HTTPRequest: &schema.DurableHTTPRequest{Method: "GET", URI: "https://example.com"}},
		{ActionType: ActionCallActivity, Name: "a", Retry: &schema.RetryPolicy{MaxAttempts: 2, FirstRetryInterval: time.Second}},
	}
	for _, a := range valid {
		assert.NoError(t, a.Validate(), a.ActionType)
	}

	invalid := []Action{
		{ActionType: ActionCreateTimer},
		{ActionType: ActionCallEntity, Entity: "@counter@a"},
		{ActionType: ActionLockEntities},
		{ActionType: ActionCallHTTP, HTTPRequest: &schema.DurableHTTPRequest{Method: "GET", URI: "relative"}},
		{ActionType: ActionCallActivity, Name: "a", Retry: &schema.RetryPolicy{}},
	}
	for _, a := range invalid {
		assert.True(t, schema.HasCode(a.Validate(), schema.ErrCodeValidation), a.ActionType)
	}
}

func TestContext_Completion(t *testing.T) {
	rc := New("i", "", nil, nil)
	assert.False(t, rc.IsReplaying)
	assert.NoError(t, rc.AddActions())
	assert.Empty(t, rc.Actions)

	require.NoError(t, rc.SetOutput(map[string]int{"total": 3}))
	assert.True(t, rc.IsDone)
	assert.NoError(t, rc.Err())
	assert.True(t, schema.HasCode(rc.AddActions(Action{ActionType: ActionReleaseLocks}), schema.ErrCodeValidation))

	rc = New("j", "", nil, nil)
	rc.SetError(errors.New("payment declined"))
	assert.True(t, rc.IsDone)
	assert.Nil(t, rc.Output)
	err := rc.Err()
	assert.True(t, schema.HasCode(err, schema.ErrCodeTaskFailed))
	assert.Contains(t, err.Error(), "payment declined")
}
