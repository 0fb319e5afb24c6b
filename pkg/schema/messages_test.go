package schema

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityID_StringAndParse(t *testing.T) {
	id := NewEntityID("Counter", "Key@1")
	assert.Equal(t, "@counter@Key@1", id.String())

	parsed, err := ParseEntityID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	for _, bad := range []string{"", "@", "counter@x", "@@x", "plain"} {
		_, err := ParseEntityID(bad)
		assert.Error(t, err, bad)
	}
	assert.True(t, IsEntityInstance("@a@b"))
	assert.False(t, IsEntityInstance("orchestration-1"))
}

func TestEntityID_Compare(t *testing.T) {
	a := EntityID{Name: "Account", Key: "2"}
	b := EntityID{Name: "account", Key: "10"}
	c := EntityID{Name: "ledger", Key: "1"}

	assert.Equal(t, 1, a.Compare(b), "keys compare ordinally")
	assert.Equal(t, -1, b.Compare(c))
	assert.Equal(t, 0, a.Compare(EntityID{Name: "ACCOUNT", Key: "2"}))
}

func TestSortEntityIDs_CanonicalOrder(t *testing.T) {
	in := []EntityID{
		{Name: "b", Key: "1"},
		{Name: "A", Key: "2"},
		{Name: "a", Key: "1"},
		{Name: "b", Key: "1"},
		{Name: "a", Key: "2"},
	}
	want := []EntityID{
		{Name: "a", Key: "1"},
		{Name: "a", Key: "2"},
		{Name: "b", Key: "1"},
	}
	assert.Equal(t, want, SortEntityIDs(in))

	// every permutation yields the same sequence
	perms := [][]int{{0, 1, 2, 3, 4}, {4, 3, 2, 1, 0}, {2, 0, 4, 1, 3}, {1, 4, 0, 3, 2}}
	for _, p := range perms {
		shuffled := make([]EntityID, len(p))
		for i, j := range p {
			shuffled[i] = in[j]
		}
		assert.Equal(t, want, SortEntityIDs(shuffled))
	}
	assert.Equal(t, "b", in[0].Name, "input is not modified")
}

func TestRequestMessage_JSONFieldNames(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := &RequestMessage{
		ID:                uuid.MustParse("6f1c0a52-9a0b-4c1b-8e55-1a2b3c4d5e6f"),
		ParentInstanceID:  "orch-1",
		ParentExecutionID: "exec-1",
		Operation:         "add",
		Input:             json.RawMessage(`5`),
		ScheduledTime:     &at,
		LockSet:           []EntityID{{Name: "a", Key: "1"}},
		Position:          1,
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, k := range []string{"id", "parentInstanceId", "parentExecutionId", "operation", "input", "isSignal", "scheduledTime", "lockSet", "position"} {
		assert.Contains(t, fields, k)
	}
	assert.NotContains(t, fields, "timestamp", "unlabeled messages carry no sorter fields")
	assert.True(t, msg.IsLockRequest())

	clone := msg.Clone()
	clone.LockSet[0].Key = "changed"
	assert.Equal(t, "1", msg.LockSet[0].Key)
}

func TestResponseMessage_Err(t *testing.T) {
	ok := &ResponseMessage{Result: json.RawMessage(`1`)}
	assert.NoError(t, ok.Err())

	failed := FailureResponse(NewError(ErrCodeEntityState, "cannot serialize"))
	assert.True(t, failed.IsException)
	assert.Equal(t, ErrCodeEntityState, failed.ErrorCode)
	assert.True(t, HasCode(failed.Err(), ErrCodeEntityState))

	plain := FailureResponse(errors.New("boom"))
	assert.Equal(t, ErrCodeEntityOperation, plain.ErrorCode)
	assert.Equal(t, "boom", plain.ErrorMessage)
}

func TestEventNames(t *testing.T) {
	at := time.Date(2026, 5, 6, 7, 8, 9, 123, time.FixedZone("x", 3600))
	name := ScheduledEventName(at)
	assert.Equal(t, "op@2026-05-06T06:08:09.000000123Z", name)

	got, ok := ParseOperationEventName(name)
	require.True(t, ok)
	require.NotNil(t, got)
	assert.True(t, got.Equal(at))

	got, ok = ParseOperationEventName(EventOperation)
	assert.True(t, ok)
	assert.Nil(t, got)

	_, ok = ParseOperationEventName(EventRelease)
	assert.False(t, ok)
	_, ok = ParseOperationEventName("op@yesterday")
	assert.False(t, ok)
}
