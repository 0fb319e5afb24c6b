package schema

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LockAcquiredResult is the payload of the response that completes a lock request.
const LockAcquiredResult = `"Lock Acquisition Completed"`

// InstanceIdentity identifies one durable run. ExecutionID changes on continue-as-new.
type InstanceIdentity struct {
	InstanceID  string `json:"instanceId"`
	ExecutionID string `json:"executionId"`
}

// EntityID addresses one entity instance. Names are case-insensitive; keys are not.
type EntityID struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// NewEntityID returns an EntityID with a normalized (lower-case) name.
func NewEntityID(name, key string) EntityID {
	return EntityID{Name: strings.ToLower(name), Key: key}
}

// String returns the instance id form "@name@key".
func (id EntityID) String() string {
	return "@" + strings.ToLower(id.Name) + "@" + id.Key
}

// Compare orders entity ids by (lower-cased name, key) using ordinal comparison.
func (id EntityID) Compare(other EntityID) int {
	if c := cmp.Compare(strings.ToLower(id.Name), strings.ToLower(other.Name)); c != 0 {
		return c
	}
	return cmp.Compare(id.Key, other.Key)
}

// ParseEntityID is the inverse of EntityID.String.
func ParseEntityID(instanceID string) (EntityID, error) {
	if len(instanceID) < 2 || instanceID[0] != '@' {
		return EntityID{}, NewErrorf(ErrCodeValidation, "%q is not an entity instance id", instanceID)
	}
	name, key, ok := strings.Cut(instanceID[1:], "@")
	if !ok || name == "" {
		return EntityID{}, NewErrorf(ErrCodeValidation, "%q is not an entity instance id", instanceID)
	}
	return EntityID{Name: name, Key: key}, nil
}

// IsEntityInstance reports whether an instance id uses the entity form.
func IsEntityInstance(instanceID string) bool {
	_, err := ParseEntityID(instanceID)
	return err == nil
}

// SortEntityIDs returns a sorted, duplicate-free copy of ids.
// Every lock request uses this order, which rules out circular waits.
func SortEntityIDs(ids []EntityID) []EntityID {
	out := make([]EntityID, 0, len(ids))
	for _, id := range ids {
		out = append(out, NewEntityID(id.Name, id.Key))
	}
	slices.SortFunc(out, EntityID.Compare)
	return slices.CompactFunc(out, func(a, b EntityID) bool { return a.Compare(b) == 0 })
}

// RequestMessage is an operation call, a one-way signal or, when LockSet is set,
// a lock request travelling along a chain of entities.
type RequestMessage struct {
	ID                uuid.UUID       `json:"id"`
	ParentInstanceID  string          `json:"parentInstanceId,omitempty"`
	ParentExecutionID string          `json:"parentExecutionId,omitempty"`
	Operation         string          `json:"operation,omitempty"`
	Input             json.RawMessage `json:"input,omitempty"`
	IsSignal          bool            `json:"isSignal"`
	ScheduledTime     *time.Time      `json:"scheduledTime,omitempty"`
	LockSet           []EntityID      `json:"lockSet,omitempty"`
	Position          int             `json:"position,omitempty"`

	// Sorter labels.
	Timestamp   time.Time `json:"timestamp,omitzero"`
	Predecessor time.Time `json:"predecessor,omitzero"`
}

// IsLockRequest reports whether the message belongs to the lock protocol.
func (m *RequestMessage) IsLockRequest() bool {
	return len(m.LockSet) > 0
}

// Clone returns a copy that shares no slices with m.
func (m *RequestMessage) Clone() *RequestMessage {
	c := *m
	c.Input = slices.Clone(m.Input)
	c.LockSet = slices.Clone(m.LockSet)
	if m.ScheduledTime != nil {
		t := *m.ScheduledTime
		c.ScheduledTime = &t
	}
	return &c
}

func (m *RequestMessage) String() string {
	switch {
	case m.IsLockRequest():
		return fmt.Sprintf("lock request %s from %s (%d/%d)", m.ID, m.ParentInstanceID, m.Position+1, len(m.LockSet))
	case m.IsSignal:
		return fmt.Sprintf("signal %q %s from %s", m.Operation, m.ID, m.ParentInstanceID)
	default:
		return fmt.Sprintf("call %q %s from %s", m.Operation, m.ID, m.ParentInstanceID)
	}
}

// ResponseMessage carries the outcome of one entity operation back to its caller.
type ResponseMessage struct {
	Result       json.RawMessage `json:"result,omitempty"`
	IsException  bool            `json:"isException"`
	ErrorCode    string          `json:"errorCode,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// FailureResponse builds an exception response from err.
func FailureResponse(err error) *ResponseMessage {
	code := CodeOf(err)
	if code == "" {
		code = ErrCodeEntityOperation
	}
	msg := err.Error()
	if de, ok := err.(*DurableError); ok {
		msg = de.Message
	}
	return &ResponseMessage{IsException: true, ErrorCode: code, ErrorMessage: msg}
}

// Err converts an exception response back into an error, nil otherwise.
func (r *ResponseMessage) Err() error {
	if !r.IsException {
		return nil
	}
	code := r.ErrorCode
	if code == "" {
		code = ErrCodeEntityOperation
	}
	return NewError(code, r.ErrorMessage)
}

// ReleaseMessage asks an entity to drop the lock held by ParentInstanceID.
type ReleaseMessage struct {
	ParentInstanceID string `json:"parentInstanceId"`
	LockRequestID    string `json:"lockRequestId"`
}
