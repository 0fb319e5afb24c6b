// Package orchestration is the deterministic API orchestration code runs
// against. Each call is turned into replay-stable engine actions: action
// budgeting, name-based GUIDs, call dispatch to activities,
// sub-orchestrations and entities, external event correlation, chunked
// timers and the multi-entity lock protocol.
//
// A Runtime drives one episode. Orchestration code runs on a single
// goroutine; awaiting a task blocks that goroutine until the engine resolves
// the task, which on replay happens immediately from recorded history.
package orchestration

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/replaykit/pkg/schema"
)

// Orchestrator is orchestration code. The returned value is serialized as the
// orchestration output.
type Orchestrator func(ctx Context) (any, error)

// Context is the capability surface handed to orchestration code. It must
// only be used from the goroutine running the orchestrator, and only while
// it runs; other uses fail with DETERMINISM_VIOLATION.
type Context interface {
	InstanceID() string
	ExecutionID() string
	ParentInstanceID() string
	Name() string
	GetInput(out any) error

	// CurrentTime is the replay-stable clock.
	CurrentTime() time.Time
	IsReplaying() bool
	// NewGUID returns a GUID that is identical on every replay.
	NewGUID() (uuid.UUID, error)

	CallActivity(name string, input any, opts ...CallOption) Task
	CallSubOrchestrator(name string, input any, opts ...CallOption) Task
	// StartNewOrchestration starts an orchestration without awaiting it and
	// returns its instance id.
	StartNewOrchestration(name string, input any, opts ...CallOption) (string, error)
	CreateTimer(fireAt time.Time) Task
	// WaitForExternalEvent waits for the named event. A positive timeout
	// fails the wait with TIMEOUT_ERROR once it elapses.
	WaitForExternalEvent(name string, timeout time.Duration) Task
	// WaitForExternalEventOrDefault resolves to def when the timeout elapses.
	WaitForExternalEventOrDefault(name string, timeout time.Duration, def any) Task

	CallEntity(id schema.EntityID, operation string, input any) Task
	SignalEntity(id schema.EntityID, operation string, input any) error
	SignalEntityAt(id schema.EntityID, at time.Time, operation string, input any) error
	// LockEntities acquires the locks of every entity in ids and blocks until
	// all are held. When the acknowledgement fails, the returned section is
	// non-nil alongside the error and must still be released.
	LockEntities(ids ...schema.EntityID) (*CriticalSection, error)
	// IsLocked reports whether a critical section is active and the entities
	// it holds.
	IsLocked() (bool, []schema.EntityID)

	CallHTTP(req schema.DurableHTTPRequest) Task

	SetCustomStatus(v any) error
	// ContinueAsNew restarts the orchestration with input once the current
	// orchestrator returns. With preserveUnprocessedEvents, buffered external
	// events are carried over to the new generation.
	ContinueAsNew(input any, preserveUnprocessedEvents bool) error

	// Logger drops records while the orchestration is replaying.
	Logger() *slog.Logger
}

// CallOption configures a call.
type CallOption func(*callOptions)

type callOptions struct {
	retry      *schema.RetryPolicy
	instanceID string
	version    string
	tags       map[string]string
}

// WithRetry retries a failed activity or sub-orchestration per policy.
func WithRetry(policy schema.RetryPolicy) CallOption {
	return func(o *callOptions) { o.retry = &policy }
}

// WithInstanceID sets the instance id of a sub-orchestration.
func WithInstanceID(id string) CallOption {
	return func(o *callOptions) { o.instanceID = id }
}

// WithVersion sets the version of the called function.
func WithVersion(v string) CallOption {
	return func(o *callOptions) { o.version = v }
}

// WithTags attaches tags to a sub-orchestration.
func WithTags(tags map[string]string) CallOption {
	return func(o *callOptions) { o.tags = tags }
}

// Outcome is the result of one Run.
type Outcome struct {
	Output       json.RawMessage
	Err          error
	CustomStatus json.RawMessage
	// ContinueAsNew is set when the orchestration asked to restart.
	ContinueAsNew *ContinuationRequest
	Actions       int
}

// ContinuationRequest carries the input of the next generation.
type ContinuationRequest struct {
	Input     json.RawMessage
	CarryOver []RaisedEvent
}
