package entity

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/replaykit/pkg/schema"
)

// Handler runs one entity operation.
type Handler func(ctx Context) error

// Context is the capability surface handed to entity operation code. Every
// method is valid only while the operation runs; calls outside it fail with
// INVALID_ACCESS, and a call that overlaps another one in flight, as from a
// second goroutine, fails with DETERMINISM_VIOLATION. Sequential calls are
// not attributed to a goroutine.
type Context interface {
	EntityID() schema.EntityID
	OperationName() string
	// Input returns the raw serialized operation input.
	Input() json.RawMessage
	GetInput(out any) error

	HasState() bool
	// GetState decodes the current state into out without materializing a
	// working copy. It leaves out untouched when no state exists.
	GetState(out any) error
	SetState(v any) error
	DeleteState() error

	SignalEntity(target schema.EntityID, operation string, input any) error
	SignalEntityAt(target schema.EntityID, at time.Time, operation string, input any) error
	// StartNewOrchestration schedules a fire-and-forget start once the batch
	// commits. An empty instanceID gets a generated one, which is returned.
	StartNewOrchestration(name string, input any, instanceID string) (string, error)
	Return(v any) error

	BatchSize() int
	BatchPosition() int
	Logger() *slog.Logger

	loadState(empty func() any, initial func() (any, error), isType func(any) bool) (any, error)
}

// State returns the working copy of the entity state, materializing it on
// first access: from the last checkpoint when the entity exists, from init
// otherwise (or after DeleteState). Mutations through the pointer are
// committed when the operation succeeds.
func State[T any](ctx Context, init func() T) (*T, error) {
	v, err := ctx.loadState(
		func() any { return new(T) },
		func() (v any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = schema.NewErrorf(schema.ErrCodeEntityState, "state initializer panicked: %v", r)
				}
			}()
			p := new(T)
			if init != nil {
				*p = init()
			}
			return p, nil
		},
		func(v any) bool { _, ok := v.(*T); return ok },
	)
	if err != nil {
		return nil, err
	}
	return v.(*T), nil
}
