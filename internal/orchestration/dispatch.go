package orchestration

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rendis/replaykit/internal/durable"
	"github.com/rendis/replaykit/pkg/schema"
)

// call is one durable call. kind selects the target; oneWay calls are not
// awaited (signals and fire-and-forget starts).
type call struct {
	kind      schema.FunctionType
	name      string
	entity    schema.EntityID
	operation string
	input     any
	oneWay    bool
	at        *time.Time
	opts      callOptions
}

// dispatch validates c against the lock rules, charges the action budget and
// schedules it. Rejected calls consume no budget.
func (r *Runtime) dispatch(c call) (Task, error) {
	input, err := marshalInput(c.input)
	if err != nil {
		return nil, err
	}

	switch c.kind {
	case schema.FunctionActivity:
		if strings.TrimSpace(c.name) == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "activity name is required")
		}
		if err := r.validateRetry(c.opts.retry); err != nil {
			return nil, err
		}
		if err := r.reserveAction("activity"); err != nil {
			return nil, err
		}
		inner := r.engine.ScheduleTask(r.ctx, c.name, c.opts.version, input, TaskOptions{Retry: c.opts.retry})
		return &callTask{r: r, inner: inner, kind: c.kind, name: c.name}, nil

	case schema.FunctionOrchestrator:
		if strings.TrimSpace(c.name) == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "orchestrator name is required")
		}
		instanceID := c.opts.instanceID
		if instanceID == r.InstanceID() || (r.parent != "" && instanceID == r.parent) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"a sub-orchestration cannot reuse the instance id %q of the calling or parent orchestration", instanceID)
		}
		if !c.oneWay && r.locks.active() {
			return nil, schema.NewErrorf(schema.ErrCodeLockingRules,
				"cannot call sub-orchestration %q while holding entity locks", c.name).WithTarget(r.InstanceID())
		}
		if err := r.validateRetry(c.opts.retry); err != nil {
			return nil, err
		}
		if err := r.reserveAction("sub-orchestration"); err != nil {
			return nil, err
		}
		if instanceID == "" {
			instanceID = r.newGUID().String()
		}
		inner := r.engine.CreateSubOrchestration(r.ctx, c.name, c.opts.version, instanceID, input, SubOrchestrationOptions{
			Retry:         c.opts.retry,
			FireAndForget: c.oneWay,
			Tags:          c.opts.tags,
		})
		if c.oneWay {
			data, _ := json.Marshal(instanceID)
			return doneTask{data: data}, nil
		}
		return &callTask{r: r, inner: inner, kind: c.kind, name: c.name}, nil

	case schema.FunctionEntity:
		return r.dispatchEntity(c, input)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown function type %d", int(c.kind))
	}
}

func (r *Runtime) dispatchEntity(c call, input json.RawMessage) (Task, error) {
	if c.entity.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "entity name is required")
	}
	target := c.entity.String()
	inSection := r.locks.active()
	switch {
	case c.oneWay && inSection && r.locks.contains(c.entity):
		return nil, schema.NewErrorf(schema.ErrCodeLockingRules,
			"cannot signal %s while holding its lock; call it instead", target).WithTarget(r.InstanceID())
	case !c.oneWay && inSection && !r.locks.contains(c.entity):
		return nil, schema.NewErrorf(schema.ErrCodeLockingRules,
			"cannot call %s from a critical section that does not hold its lock", target).WithTarget(r.InstanceID())
	case !c.oneWay && inSection && r.locks.busy[target]:
		return nil, schema.NewErrorf(schema.ErrCodeLockingRules,
			"cannot call %s while a previous call to it is pending", target).WithTarget(r.InstanceID())
	}

	kind := "entity call"
	if c.oneWay {
		kind = "entity signal"
	}
	if err := r.reserveAction(kind); err != nil {
		return nil, err
	}

	msg := &schema.RequestMessage{
		ID:                r.newGUID(),
		ParentInstanceID:  r.InstanceID(),
		ParentExecutionID: r.ExecutionID(),
		Operation:         c.operation,
		Input:             input,
		IsSignal:          c.oneWay,
		ScheduledTime:     c.at,
	}
	eventName := schema.EventOperation
	if c.at != nil {
		eventName = schema.ScheduledEventName(*c.at)
	} else {
		r.sorter.Label(msg, target, r.CurrentTime())
	}
	outKind := durable.KindCall
	if c.oneWay {
		outKind = durable.KindSignal
	}
	r.outbox.Append(&durable.OutboxMessage{Kind: outKind, Target: target, EventName: eventName, Request: msg})
	if c.oneWay {
		return doneTask{}, nil
	}

	section := r.locks.requestID
	if inSection {
		r.locks.busy[target] = true
	}
	w := r.events.register(schema.ResponseEventName(msg.ID.String()))
	return &eventTask{r: r, w: w, onResolve: func(payload []byte) ([]byte, error) {
		if inSection && r.locks.requestID == section {
			delete(r.locks.busy, target)
		}
		var resp schema.ResponseMessage
		if err := json.Unmarshal(payload, &resp); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "malformed response from %s: %v", target, err).WithCause(err)
		}
		if err := resp.Err(); err != nil {
			if de, ok := err.(*schema.DurableError); ok {
				return nil, de.WithTarget(target)
			}
			return nil, err
		}
		return resp.Result, nil
	}}, nil
}

func (r *Runtime) validateRetry(p *schema.RetryPolicy) error {
	if p == nil {
		return nil
	}
	return p.Validate(r.cfg.MaxTimerDuration)
}

func applyOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (r *Runtime) CallActivity(name string, input any, opts ...CallOption) Task {
	exit, err := r.Guard().Enter("CallActivity")
	if err != nil {
		return failedTask{err}
	}
	defer exit()
	t, err := r.dispatch(call{kind: schema.FunctionActivity, name: name, input: input, opts: applyOptions(opts)})
	if err != nil {
		return failedTask{err}
	}
	return t
}

func (r *Runtime) CallSubOrchestrator(name string, input any, opts ...CallOption) Task {
	exit, err := r.Guard().Enter("CallSubOrchestrator")
	if err != nil {
		return failedTask{err}
	}
	defer exit()
	t, err := r.dispatch(call{kind: schema.FunctionOrchestrator, name: name, input: input, opts: applyOptions(opts)})
	if err != nil {
		return failedTask{err}
	}
	return t
}

func (r *Runtime) StartNewOrchestration(name string, input any, opts ...CallOption) (string, error) {
	exit, err := r.Guard().Enter("StartNewOrchestration")
	if err != nil {
		return "", err
	}
	defer exit()
	t, err := r.dispatch(call{kind: schema.FunctionOrchestrator, name: name, input: input, oneWay: true, opts: applyOptions(opts)})
	if err != nil {
		return "", err
	}
	var id string
	if err := t.Await(&id); err != nil {
		return "", err
	}
	return id, nil
}

func (r *Runtime) CallEntity(id schema.EntityID, operation string, input any) Task {
	exit, err := r.Guard().Enter("CallEntity")
	if err != nil {
		return failedTask{err}
	}
	defer exit()
	t, err := r.dispatch(call{kind: schema.FunctionEntity, entity: id, operation: operation, input: input})
	if err != nil {
		return failedTask{err}
	}
	return t
}

func (r *Runtime) SignalEntity(id schema.EntityID, operation string, input any) error {
	exit, err := r.Guard().Enter("SignalEntity")
	if err != nil {
		return err
	}
	defer exit()
	_, err = r.dispatch(call{kind: schema.FunctionEntity, entity: id, operation: operation, input: input, oneWay: true})
	return err
}

func (r *Runtime) SignalEntityAt(id schema.EntityID, at time.Time, operation string, input any) error {
	exit, err := r.Guard().Enter("SignalEntityAt")
	if err != nil {
		return err
	}
	defer exit()
	at = at.UTC()
	_, err = r.dispatch(call{kind: schema.FunctionEntity, entity: id, operation: operation, input: input, oneWay: true, at: &at})
	return err
}
