package entity

import (
	"strings"

	"github.com/rendis/replaykit/internal/validation"
	"github.com/rendis/replaykit/pkg/schema"
)

// DeleteOperation is handled by every Dispatcher unless overridden.
const DeleteOperation = "delete"

// Operation is a typed entity operation over the working copy of the state.
type Operation[T any] func(ctx Context, state *T) error

// Dispatcher routes operations by name to typed handlers. Names are matched
// case-insensitively.
type Dispatcher[T any] struct {
	init      func() T
	ops       map[string]Operation[T]
	schemas   map[string][]byte
	validator validation.Validator
}

// NewDispatcher creates a Dispatcher whose state starts as init() (or the
// zero value when init is nil).
func NewDispatcher[T any](init func() T) *Dispatcher[T] {
	return &Dispatcher[T]{
		init:    init,
		ops:     make(map[string]Operation[T]),
		schemas: make(map[string][]byte),
	}
}

// On registers op under name.
func (d *Dispatcher[T]) On(name string, op Operation[T]) *Dispatcher[T] {
	d.ops[strings.ToLower(name)] = op
	return d
}

// WithInputSchema validates the input of operation name against a JSON Schema
// before the handler runs.
func (d *Dispatcher[T]) WithInputSchema(name string, inputSchema []byte, v validation.Validator) *Dispatcher[T] {
	d.schemas[strings.ToLower(name)] = inputSchema
	d.validator = v
	return d
}

// Handle is the Handler for the dispatcher's entity.
func (d *Dispatcher[T]) Handle(ctx Context) error {
	name := strings.ToLower(ctx.OperationName())
	op, ok := d.ops[name]
	if !ok {
		if name == DeleteOperation {
			return ctx.DeleteState()
		}
		return schema.NewErrorf(schema.ErrCodeEntityOperation, "entity %s has no operation %q",
			ctx.EntityID().Name, ctx.OperationName()).WithTarget(ctx.EntityID().String())
	}
	if s, ok := d.schemas[name]; ok && d.validator != nil {
		if err := d.validator.ValidateInput(ctx.Input(), s); err != nil {
			return err
		}
	}
	state, err := State(ctx, d.init)
	if err != nil {
		return err
	}
	return op(ctx, state)
}

// Handler returns d.Handle as a Handler.
func (d *Dispatcher[T]) Handler() Handler {
	return d.Handle
}
