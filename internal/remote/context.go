// Package remote carries orchestration state across a process boundary for
// out-of-process execution. The host sends a Context with the history; the
// remote worker replies with the same Context plus the actions it requests.
package remote

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/replaykit/pkg/schema"
)

// ActionType names an action requested by a remote orchestrator.
type ActionType string

const (
	ActionCallActivity         ActionType = "callActivity"
	ActionCallSubOrchestrator  ActionType = "callSubOrchestrator"
	ActionCreateTimer          ActionType = "createTimer"
	ActionWaitForExternalEvent ActionType = "waitForExternalEvent"
	ActionCallEntity           ActionType = "callEntity"
	ActionSignalEntity         ActionType = "signalEntity"
	ActionLockEntities         ActionType = "lockEntities"
	ActionReleaseLocks         ActionType = "releaseLocks"
	ActionStartOrchestration   ActionType = "startOrchestration"
	ActionCallHTTP             ActionType = "callHttp"
	ActionContinueAsNew        ActionType = "continueAsNew"
)

// Action is one request from a remote orchestrator. Which fields are set
// depends on ActionType.
type Action struct {
	ActionType  ActionType                 `json:"actionType"`
	Name        string                     `json:"name,omitempty"`
	InstanceID  string                     `json:"instanceId,omitempty"`
	Input       json.RawMessage            `json:"input,omitempty"`
	FireAt      *time.Time                 `json:"fireAt,omitempty"`
	Entity      string                     `json:"entity,omitempty"`
	Operation   string                     `json:"operation,omitempty"`
	Entities    []string                   `json:"entities,omitempty"`
	Retry       *schema.RetryPolicy        `json:"retry,omitempty"`
	HTTPRequest *schema.DurableHTTPRequest `json:"httpRequest,omitempty"`
}

// Validate checks that the fields required by the action type are present.
func (a *Action) Validate() error {
	missing := func(field string) error {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s action requires %s", a.ActionType, field)
	}
	switch a.ActionType {
	case ActionCallActivity, ActionCallSubOrchestrator, ActionWaitForExternalEvent, ActionStartOrchestration:
		if a.Name == "" {
			return missing("name")
		}
	case ActionCreateTimer:
		if a.FireAt == nil {
			return missing("fireAt")
		}
	case ActionCallEntity, ActionSignalEntity:
		if a.Entity == "" {
			return missing("entity")
		}
		if _, err := schema.ParseEntityID(a.Entity); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s action: %v", a.ActionType, err).WithCause(err)
		}
		if a.Operation == "" {
			return missing("operation")
		}
	case ActionLockEntities:
		if len(a.Entities) == 0 {
			return missing("entities")
		}
		for _, e := range a.Entities {
			if _, err := schema.ParseEntityID(e); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "lockEntities action: %v", err).WithCause(err)
			}
		}
	case ActionCallHTTP:
		if a.HTTPRequest == nil {
			return missing("httpRequest")
		}
		return a.HTTPRequest.Validate()
	case ActionReleaseLocks, ActionContinueAsNew:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown action type %q", a.ActionType)
	}
	if a.Retry != nil {
		if err := a.Retry.Validate(0); err != nil {
			return err
		}
	}
	return nil
}

// Context is the state exchanged with a remote orchestrator.
type Context struct {
	InstanceID       string                 `json:"instanceId"`
	ParentInstanceID string                 `json:"parentInstanceId,omitempty"`
	IsReplaying      bool                   `json:"isReplaying"`
	Input            json.RawMessage        `json:"input,omitempty"`
	History          []*schema.HistoryEvent `json:"history"`

	// Filled in by the remote side.
	Actions      [][]Action      `json:"actions,omitempty"`
	CustomStatus json.RawMessage `json:"customStatus,omitempty"`
	IsDone       bool            `json:"isDone"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// New returns a Context for one episode of instanceID.
func New(instanceID, parentInstanceID string, input json.RawMessage, history []*schema.HistoryEvent) *Context {
	if history == nil {
		history = []*schema.HistoryEvent{}
	}
	return &Context{
		InstanceID:       instanceID,
		ParentInstanceID: parentInstanceID,
		IsReplaying:      len(history) > 0,
		Input:            input,
		History:          history,
	}
}

// AddActions appends one batch of actions requested in the same episode step.
func (c *Context) AddActions(actions ...Action) error {
	if c.IsDone {
		return schema.NewError(schema.ErrCodeValidation, "remote context is already done")
	}
	if len(actions) == 0 {
		return nil
	}
	for i := range actions {
		if err := actions[i].Validate(); err != nil {
			return err
		}
	}
	c.Actions = append(c.Actions, actions)
	return nil
}

// ActionCount returns the number of actions across every batch.
func (c *Context) ActionCount() int {
	n := 0
	for _, batch := range c.Actions {
		n += len(batch)
	}
	return n
}

// SetCustomStatus records the orchestration's custom status.
func (c *Context) SetCustomStatus(v any) error {
	raw, err := marshal(v)
	if err != nil {
		return err
	}
	c.CustomStatus = raw
	return nil
}

// SetOutput completes the episode with an output.
func (c *Context) SetOutput(v any) error {
	raw, err := marshal(v)
	if err != nil {
		return err
	}
	c.Output = raw
	c.Error = ""
	c.IsDone = true
	return nil
}

// SetError completes the episode with a failure.
func (c *Context) SetError(err error) {
	c.Output = nil
	c.Error = err.Error()
	c.IsDone = true
}

// Err returns the recorded failure, nil when none.
func (c *Context) Err() error {
	if c.Error == "" {
		return nil
	}
	return schema.NewError(schema.ErrCodeTaskFailed, c.Error).WithTarget(c.InstanceID)
}

func marshal(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("marshal remote value: %v", err)).WithCause(err)
	}
	return data, nil
}
