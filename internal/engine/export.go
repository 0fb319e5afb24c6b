package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/replaykit/internal/remote"
	"github.com/rendis/replaykit/internal/store"
	"github.com/rendis/replaykit/pkg/schema"
)

// Export renders the current generation of an instance as a remote context:
// its history, the actions recorded in it and, when finished, its outcome.
func (h *Host) Export(ctx context.Context, instanceID string) (*remote.Context, error) {
	rec, err := h.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	history, err := store.LoadHistory(ctx, h.store, instanceID)
	if err != nil {
		return nil, err
	}

	input := rec.Input
	if len(history) > 0 && history[0].Type == schema.HistoryExecutionStarted {
		input = history[0].Payload
	}
	rc := remote.New(rec.InstanceID, rec.ParentInstanceID, input, history)
	rc.CustomStatus = rec.CustomStatus

	for _, ev := range history {
		action, ok := exportAction(ev)
		if !ok {
			continue
		}
		if err := rc.AddActions(action); err != nil {
			return nil, err
		}
	}

	switch rec.Status {
	case schema.StatusCompleted:
		if err := rc.SetOutput(rec.Output); err != nil {
			return nil, err
		}
	case schema.StatusFailed, schema.StatusTerminated:
		if rec.Error != nil {
			rc.SetError(rec.Error)
		} else {
			rc.SetError(schema.NewErrorf(schema.ErrCodeTaskFailed, "instance %s", rec.Status))
		}
	}
	return rc, nil
}

func exportAction(ev *schema.HistoryEvent) (remote.Action, bool) {
	switch ev.Type {
	case schema.HistoryTaskScheduled:
		if ev.Name == schema.HTTPActivityName {
			var req schema.DurableHTTPRequest
			if err := json.Unmarshal(ev.Payload, &req); err == nil {
				return remote.Action{ActionType: remote.ActionCallHTTP, HTTPRequest: &req}, true
			}
		}
		return remote.Action{ActionType: remote.ActionCallActivity, Name: ev.Name, Input: ev.Payload}, true

	case schema.HistorySubOrchestrationStart:
		var sub subOrchestrationRecord
		_ = json.Unmarshal(ev.Payload, &sub)
		typ := remote.ActionCallSubOrchestrator
		if sub.FireAndForget {
			typ = remote.ActionStartOrchestration
		}
		return remote.Action{ActionType: typ, Name: ev.Name, InstanceID: sub.InstanceID}, true

	case schema.HistoryTimerCreated:
		var at time.Time
		if err := json.Unmarshal(ev.Payload, &at); err != nil {
			return remote.Action{}, false
		}
		return remote.Action{ActionType: remote.ActionCreateTimer, FireAt: &at}, true

	case schema.HistoryEventSent:
		if !schema.IsEntityInstance(ev.Name) {
			return remote.Action{}, false
		}
		var sent sentEvent
		if err := json.Unmarshal(ev.Payload, &sent); err != nil {
			return remote.Action{}, false
		}
		if _, ok := schema.ParseOperationEventName(sent.Event); !ok {
			if sent.Event == schema.EventRelease {
				return remote.Action{ActionType: remote.ActionReleaseLocks, Entity: ev.Name}, true
			}
			return remote.Action{}, false
		}
		var msg schema.RequestMessage
		if err := json.Unmarshal(sent.Payload, &msg); err != nil {
			return remote.Action{}, false
		}
		if msg.IsLockRequest() {
			if msg.Position > 0 {
				return remote.Action{}, false
			}
			entities := make([]string, 0, len(msg.LockSet))
			for _, id := range msg.LockSet {
				entities = append(entities, id.String())
			}
			return remote.Action{ActionType: remote.ActionLockEntities, Entities: entities}, true
		}
		typ := remote.ActionCallEntity
		if msg.IsSignal {
			typ = remote.ActionSignalEntity
		}
		return remote.Action{ActionType: typ, Entity: ev.Name, Operation: msg.Operation, Input: msg.Input}, true
	}
	return remote.Action{}, false
}
