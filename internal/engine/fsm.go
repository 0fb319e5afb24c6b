package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/replaykit/internal/store"
	"github.com/rendis/replaykit/pkg/schema"
)

// TransitionHook is called before or after an instance enters a status.
type TransitionHook func(ctx context.Context, instanceID string, from, to schema.InstanceStatus) error

// StatusWriter persists instance status changes. Satisfied by store.Store.
type StatusWriter interface {
	UpdateInstance(ctx context.Context, instanceID string, update store.InstanceUpdate) error
}

// ValidInstanceTransitions lists the statuses reachable from each status.
// A continued-as-new instance runs again under a new execution id.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.StatusPending: {schema.StatusRunning, schema.StatusTerminated},
	schema.StatusRunning: {
		schema.StatusCompleted, schema.StatusFailed,
		schema.StatusContinuedAsNew, schema.StatusTerminated,
	},
	schema.StatusContinuedAsNew: {schema.StatusRunning, schema.StatusTerminated},
}

// InstanceFSM validates and persists instance lifecycle transitions.
type InstanceFSM struct {
	mu     sync.Mutex
	writer StatusWriter
	before map[schema.InstanceStatus][]TransitionHook
	after  map[schema.InstanceStatus][]TransitionHook
}

// NewInstanceFSM creates an FSM persisting through writer.
func NewInstanceFSM(writer StatusWriter) *InstanceFSM {
	return &InstanceFSM{
		writer: writer,
		before: make(map[schema.InstanceStatus][]TransitionHook),
		after:  make(map[schema.InstanceStatus][]TransitionHook),
	}
}

// OnBefore registers a hook run before an instance enters to. A hook error
// aborts the transition.
func (f *InstanceFSM) OnBefore(to schema.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before[to] = append(f.before[to], hook)
}

// OnAfter registers a hook run after an instance entered to.
func (f *InstanceFSM) OnAfter(to schema.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after[to] = append(f.after[to], hook)
}

// Transition moves instanceID from one status to another, persisting update
// with it. Invalid transitions fail with INVALID_TRANSITION and persist
// nothing.
func (f *InstanceFSM) Transition(ctx context.Context, instanceID string, from, to schema.InstanceStatus, update store.InstanceUpdate) error {
	if !IsValidInstanceTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", from, to).
			WithDetails(map[string]any{"instance_id": instanceID, "from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	before := slices.Clone(f.before[to])
	after := slices.Clone(f.after[to])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, instanceID, from, to); err != nil {
			return err
		}
	}

	update.Status = &to
	if err := f.writer.UpdateInstance(ctx, instanceID, update); err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeStore, "persist instance status: %s", err.Error()).WithCause(err)
	}

	for _, hook := range after {
		if err := hook(ctx, instanceID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidInstanceTransition reports whether from -> to is allowed.
func IsValidInstanceTransition(from, to schema.InstanceStatus) bool {
	return slices.Contains(ValidInstanceTransitions[from], to)
}
