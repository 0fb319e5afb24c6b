package entity

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/replaykit/internal/durable"
	"github.com/rendis/replaykit/internal/logging"
	"github.com/rendis/replaykit/pkg/schema"
)

// enter admits a Context call: while an operation is running, and not
// overlapping another call.
func (b *batch) enter(op string) (func(), error) {
	if !b.Guard().Active() || b.op == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidAccess, "%s called outside of an entity operation", op).
			WithTarget(b.InstanceID())
	}
	return b.Guard().Enter(op)
}

func (b *batch) EntityID() schema.EntityID { return b.id }

func (b *batch) OperationName() string {
	if b.op == nil {
		return ""
	}
	return b.op.Operation
}

func (b *batch) Input() json.RawMessage {
	if b.op == nil {
		return nil
	}
	return b.op.Input
}

func (b *batch) GetInput(out any) error {
	exit, err := b.enter("GetInput")
	if err != nil {
		return err
	}
	defer exit()
	if len(b.op.Input) == 0 {
		return nil
	}
	if err := json.Unmarshal(b.op.Input, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "operation %q: cannot decode input: %v", b.op.Operation, err).
			WithCause(err)
	}
	return nil
}

func (b *batch) HasState() bool {
	switch b.access {
	case schema.Accessed:
		return true
	case schema.Deleted:
		return false
	default:
		return b.checkpointExists
	}
}

func (b *batch) GetState(out any) error {
	exit, err := b.enter("GetState")
	if err != nil {
		return err
	}
	defer exit()

	var data []byte
	switch {
	case b.access == schema.Accessed:
		if data, err = json.Marshal(b.current); err != nil {
			return b.stateError("serialize", err)
		}
	case b.access == schema.NotAccessed && b.checkpointExists:
		data = b.checkpoint
	default:
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return b.stateError("deserialize", err)
	}
	return nil
}

func (b *batch) loadState(empty func() any, initial func() (any, error), isType func(any) bool) (any, error) {
	exit, err := b.enter("State")
	if err != nil {
		return nil, err
	}
	defer exit()

	if b.access == schema.Accessed && isType(b.current) {
		return b.current, nil
	}

	var v any
	switch {
	case b.access == schema.Accessed:
		// Set through SetState with a different type: convert through JSON.
		data, err := json.Marshal(b.current)
		if err != nil {
			return nil, b.stateError("serialize", err)
		}
		v = empty()
		if err := json.Unmarshal(data, v); err != nil {
			return nil, b.stateError("deserialize", err)
		}
	case b.access == schema.Deleted || !b.checkpointExists:
		if v, err = initial(); err != nil {
			return nil, err
		}
	default:
		v = empty()
		if err := json.Unmarshal(b.checkpoint, v); err != nil {
			return nil, b.stateError("deserialize", err)
		}
	}
	b.current = v
	b.access = schema.Accessed
	return v, nil
}

func (b *batch) SetState(v any) error {
	exit, err := b.enter("SetState")
	if err != nil {
		return err
	}
	defer exit()
	b.current = v
	b.access = schema.Accessed
	return nil
}

func (b *batch) DeleteState() error {
	exit, err := b.enter("DeleteState")
	if err != nil {
		return err
	}
	defer exit()
	b.current = nil
	b.access = schema.Deleted
	return nil
}

func (b *batch) SignalEntity(target schema.EntityID, operation string, input any) error {
	return b.signal("SignalEntity", target, nil, operation, input)
}

func (b *batch) SignalEntityAt(target schema.EntityID, at time.Time, operation string, input any) error {
	at = at.UTC()
	return b.signal("SignalEntityAt", target, &at, operation, input)
}

func (b *batch) signal(api string, target schema.EntityID, at *time.Time, operation string, input any) error {
	exit, err := b.enter(api)
	if err != nil {
		return err
	}
	defer exit()

	data, err := marshalInput(input)
	if err != nil {
		return err
	}
	msg := &schema.RequestMessage{
		ID:               b.p.cfg.NewID(),
		ParentInstanceID: b.InstanceID(),
		Operation:        operation,
		Input:            data,
		IsSignal:         true,
		ScheduledTime:    at,
	}
	eventName := schema.EventOperation
	if at != nil {
		eventName = schema.ScheduledEventName(*at)
	} else {
		b.sorter.Label(msg, target.String(), b.now)
	}
	b.outbox.Append(&durable.OutboxMessage{
		Kind:      durable.KindSignal,
		Target:    target.String(),
		EventName: eventName,
		Request:   msg,
	})
	return nil
}

func (b *batch) StartNewOrchestration(name string, input any, instanceID string) (string, error) {
	exit, err := b.enter("StartNewOrchestration")
	if err != nil {
		return "", err
	}
	defer exit()

	data, err := marshalInput(input)
	if err != nil {
		return "", err
	}
	if instanceID == "" {
		instanceID = b.p.cfg.NewID().String()
	}
	b.outbox.Append(&durable.OutboxMessage{
		Kind:   durable.KindFireAndForget,
		Target: instanceID,
		Start:  &durable.StartRequest{Name: name, InstanceID: instanceID, Input: data},
	})
	return instanceID, nil
}

func (b *batch) Return(v any) error {
	exit, err := b.enter("Return")
	if err != nil {
		return err
	}
	defer exit()
	data, err := json.Marshal(v)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeEntityOperation, "operation %q: cannot serialize result: %v", b.op.Operation, err).
			WithCause(err)
	}
	b.result = data
	return nil
}

func (b *batch) BatchSize() int     { return b.size }
func (b *batch) BatchPosition() int { return b.position - 1 }

func (b *batch) Logger() *slog.Logger {
	if b.op == nil {
		return b.logger
	}
	return logging.LogWith(logging.WithOperation(b.ctx, b.op.Operation), b.p.logger)
}

func (b *batch) stateError(verb string, err error) error {
	return schema.NewErrorf(schema.ErrCodeEntityState, "cannot %s state of %s: %v", verb, b.id, err).
		WithTarget(b.InstanceID()).WithCause(err)
}

func marshalInput(input any) (json.RawMessage, error) {
	if input == nil {
		return nil, nil
	}
	if raw, ok := input.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "cannot serialize input: %v", err).WithCause(err)
	}
	return data, nil
}
