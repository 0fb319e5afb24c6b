package orchestration

import (
	"context"
	"time"

	"github.com/rendis/replaykit/pkg/schema"
)

// EngineTask is a unit of work scheduled on the replay engine.
type EngineTask interface {
	// Done is closed once the task has a result.
	Done() <-chan struct{}
	// Result returns the serialized output or the failure. Valid after Done.
	Result() ([]byte, error)
}

// TaskOptions configures ScheduleTask.
type TaskOptions struct {
	Retry *schema.RetryPolicy
}

// SubOrchestrationOptions configures CreateSubOrchestration.
type SubOrchestrationOptions struct {
	Retry *schema.RetryPolicy
	// FireAndForget starts the instance without linking its completion to the
	// caller; the returned task completes as soon as the start is recorded.
	FireAndForget bool
	Tags          map[string]string
}

// Engine is the replay engine as seen by one orchestration run. Everything it
// returns must be replay-stable: on replay it serves recorded results in the
// order the actions are scheduled.
type Engine interface {
	ScheduleTask(ctx context.Context, name, version string, input []byte, opts TaskOptions) EngineTask
	CreateSubOrchestration(ctx context.Context, name, version, instanceID string, input []byte, opts SubOrchestrationOptions) EngineTask
	// CreateTimer fires at fireAt. Cancelling ctx cancels the timer and the
	// task fails with CANCELLED.
	CreateTimer(ctx context.Context, fireAt time.Time) EngineTask
	SendEvent(ctx context.Context, instanceID, eventName string, payload []byte) error
	CurrentTime() time.Time
	IsReplaying() bool
}

// RaisedEvent is an external event delivered to an orchestration.
type RaisedEvent struct {
	Name    string `json:"name"`
	Payload []byte `json:"payload,omitempty"`
}

// EventReplayer is implemented by engines that redeliver recorded external
// events on replay. RaiseEvent returns the step at which an event was
// accepted; on replay the runtime asks for the events of each step as it
// reaches it, so waiters race the same way they did live.
type EventReplayer interface {
	EventsAt(step int64) []RaisedEvent
}
