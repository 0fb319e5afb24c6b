package schema

import (
	"encoding/json"
	"strings"
	"time"
)

// Event names used on the wire between orchestrations and entities.
const (
	// EventOperation carries a RequestMessage to an entity.
	EventOperation = "op"
	// EventRelease carries a ReleaseMessage to an entity.
	EventRelease = "release"
)

// ScheduledEventName is the event name for a request delivered no earlier than at.
func ScheduledEventName(at time.Time) string {
	return EventOperation + "@" + at.UTC().Format(time.RFC3339Nano)
}

// ResponseEventName is the event name a caller listens on for the response to requestID.
func ResponseEventName(requestID string) string {
	return requestID
}

// ParseOperationEventName reports whether name is a request event and, for
// scheduled requests, returns the delivery time.
func ParseOperationEventName(name string) (scheduled *time.Time, ok bool) {
	if name == EventOperation {
		return nil, true
	}
	rest, found := strings.CutPrefix(name, EventOperation+"@")
	if !found {
		return nil, false
	}
	t, err := time.Parse(time.RFC3339Nano, rest)
	if err != nil {
		return nil, false
	}
	return &t, true
}

// History event types recorded by the host.
const (
	HistoryExecutionStarted      = "execution_started"
	HistoryExecutionCompleted    = "execution_completed"
	HistoryExecutionFailed       = "execution_failed"
	HistoryContinuedAsNew        = "continued_as_new"
	HistoryExecutionTerminated   = "execution_terminated"
	HistoryTaskScheduled         = "task_scheduled"
	HistoryTaskCompleted         = "task_completed"
	HistoryTaskFailed            = "task_failed"
	HistorySubOrchestrationStart = "sub_orchestration_created"
	HistorySubOrchestrationDone  = "sub_orchestration_completed"
	HistorySubOrchestrationError = "sub_orchestration_failed"
	HistoryTimerCreated          = "timer_created"
	HistoryTimerFired            = "timer_fired"
	HistoryTimerCancelled        = "timer_cancelled"
	HistoryEventSent             = "event_sent"
	HistoryEventRaised           = "event_raised"
	HistoryTimeObserved          = "time_observed"
	HistoryCustomStatus          = "custom_status_set"
)

// HistoryEvent is one immutable entry in an instance's history. TaskID links a
// completion to the action that scheduled it; Step positions raised events
// relative to the orchestration's event-table operations.
type HistoryEvent struct {
	Sequence   int64           `json:"sequence"`
	InstanceID string          `json:"instance_id"`
	Type       string          `json:"type"`
	Name       string          `json:"name,omitempty"`
	TaskID     int64           `json:"task_id,omitempty"`
	Step       int64           `json:"step,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      *DurableError   `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// InstanceStatus is the lifecycle state of an orchestration instance.
type InstanceStatus string

const (
	StatusPending        InstanceStatus = "pending"
	StatusRunning        InstanceStatus = "running"
	StatusCompleted      InstanceStatus = "completed"
	StatusFailed         InstanceStatus = "failed"
	StatusContinuedAsNew InstanceStatus = "continued_as_new"
	StatusTerminated     InstanceStatus = "terminated"
)

// IsTerminal reports whether no further transitions are possible.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}
