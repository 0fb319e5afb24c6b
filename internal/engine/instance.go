package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/replaykit/internal/logging"
	"github.com/rendis/replaykit/internal/metrics"
	"github.com/rendis/replaykit/internal/orchestration"
	"github.com/rendis/replaykit/internal/store"
	"github.com/rendis/replaykit/pkg/schema"
)

// instance is a live orchestration instance. It runs one generation after
// another until the orchestrator stops continuing as new.
type instance struct {
	h      *Host
	id     string
	name   string
	parent string
	fn     orchestration.Orchestrator
	done   chan struct{}

	// raiseMu orders event delivery with its history record, so replay
	// redelivers same-step events in the same order.
	raiseMu sync.Mutex
	rt      *orchestration.Runtime
	engine  *instanceEngine
	pending []orchestration.RaisedEvent

	mu         sync.Mutex
	cancel     context.CancelFunc
	finished   bool
	terminated *string
}

func newInstance(h *Host, rec *store.Instance, fn orchestration.Orchestrator) *instance {
	return &instance{
		h:      h,
		id:     rec.InstanceID,
		name:   rec.Name,
		parent: rec.ParentInstanceID,
		fn:     fn,
		done:   make(chan struct{}),
	}
}

func (inst *instance) run(hostCtx context.Context, executionID string, input json.RawMessage) {
	defer close(inst.done)
	defer inst.h.forget(inst)

	from := schema.StatusPending
	var carry []orchestration.RaisedEvent
	for {
		next, ok := inst.runGeneration(hostCtx, from, executionID, input, carry)
		if !ok {
			return
		}
		from = schema.StatusContinuedAsNew
		executionID = uuid.NewString()
		input = next.Input
		carry = next.CarryOver
	}
}

// runGeneration runs one episode from execution_started to its terminal
// record. It returns the continuation when the orchestrator continued as new.
func (inst *instance) runGeneration(hostCtx context.Context, from schema.InstanceStatus, executionID string, input json.RawMessage, carry []orchestration.RaisedEvent) (*orchestration.ContinuationRequest, bool) {
	h := inst.h
	identity := schema.InstanceIdentity{InstanceID: inst.id, ExecutionID: executionID}
	logCtx := logging.WithIDs(hostCtx, inst.id, executionID, inst.name)
	logger := logging.LogWith(logCtx, h.logger)

	runCtx, cancel := context.WithCancel(hostCtx)
	defer cancel()
	inst.mu.Lock()
	if inst.terminated != nil {
		inst.mu.Unlock()
		inst.finishTerminated(from, *inst.terminated)
		return nil, false
	}
	inst.cancel = cancel
	inst.mu.Unlock()

	update := store.InstanceUpdate{}
	if from == schema.StatusContinuedAsNew {
		update.ExecutionID = &executionID
		update.Input = input
	}
	if err := h.fsm.Transition(runCtx, inst.id, from, schema.StatusRunning, update); err != nil {
		logger.Error("cannot start episode", slog.String("error", err.Error()))
		return nil, false
	}

	started := h.clock.Now()
	ie := newInstanceEngine(inst, identity, started)
	if err := ie.record(&schema.HistoryEvent{Type: schema.HistoryExecutionStarted, Name: inst.name, Payload: input, Timestamp: started}); err != nil {
		inst.finish(runCtx, schema.StatusRunning, &orchestration.Outcome{Err: err}, nil)
		return nil, false
	}

	cfg := h.cfg.Orchestration
	cfg.ReorderWindow = h.cfg.ReorderWindow
	rt := orchestration.NewRuntime(ie, orchestration.Instance{
		Identity:         identity,
		ParentInstanceID: inst.parent,
		Name:             inst.name,
		Input:            input,
	}, inst.fn, cfg)

	inst.raiseMu.Lock()
	inst.rt, inst.engine = rt, ie
	queued := append(carry, inst.pending...)
	inst.pending = nil
	for _, ev := range queued {
		if err := inst.deliverLocked(ev.Name, ev.Payload); err != nil {
			logger.Warn("cannot record queued event", slog.String("event", ev.Name), slog.String("error", err.Error()))
		}
	}
	inst.raiseMu.Unlock()

	spanCtx, episodeDone := h.metrics.StartEpisode(runCtx, inst.id, executionID, inst.name)
	out := rt.Run(spanCtx)

	inst.raiseMu.Lock()
	inst.rt, inst.engine = nil, nil
	inst.raiseMu.Unlock()

	// Stop what the episode left running, and let every completion be
	// recorded before the terminal record.
	cancel()
	ie.close()

	inst.mu.Lock()
	reason := inst.terminated
	if reason == nil && (out.Err != nil || out.ContinueAsNew == nil) {
		inst.finished = true
	}
	inst.mu.Unlock()
	if reason == nil && hostCtx.Err() != nil {
		episodeDone(metrics.OutcomeFailed, out.Actions, hostCtx.Err())
		logger.Warn("episode interrupted by host shutdown; instance left running")
		return nil, false
	}
	if reason != nil {
		episodeDone(metrics.OutcomeTerminated, out.Actions, nil)
		inst.finishTerminated(schema.StatusRunning, *reason)
		return nil, false
	}

	switch {
	case out.Err != nil:
		episodeDone(metrics.OutcomeFailed, out.Actions, out.Err)
	case out.ContinueAsNew != nil:
		episodeDone(metrics.OutcomeContinuedAsNew, out.Actions, nil)
	default:
		episodeDone(metrics.OutcomeCompleted, out.Actions, nil)
	}
	inst.finish(context.WithoutCancel(runCtx), schema.StatusRunning, out, logger)
	if out.Err == nil && out.ContinueAsNew != nil {
		return out.ContinueAsNew, true
	}
	return nil, false
}

// finish records the outcome of an episode and moves the instance to its
// next status.
func (inst *instance) finish(ctx context.Context, from schema.InstanceStatus, out *orchestration.Outcome, logger *slog.Logger) {
	h := inst.h
	if logger == nil {
		logger = h.logger
	}
	now := h.clock.Now()
	ev := &schema.HistoryEvent{InstanceID: inst.id, Timestamp: now}
	update := store.InstanceUpdate{CustomStatus: out.CustomStatus}
	var to schema.InstanceStatus

	switch {
	case out.Err != nil:
		to = schema.StatusFailed
		derr := asDurable(out.Err)
		ev.Type, ev.Error = schema.HistoryExecutionFailed, derr
		update.Error, update.CompletedAt = derr, &now
		logger.Info("orchestration failed", slog.String("code", derr.Code), slog.String("error", derr.Message))
	case out.ContinueAsNew != nil:
		to = schema.StatusContinuedAsNew
		ev.Type, ev.Payload = schema.HistoryContinuedAsNew, out.ContinueAsNew.Input
		logger.Debug("orchestration continued as new", slog.Int("carried_events", len(out.ContinueAsNew.CarryOver)))
	default:
		to = schema.StatusCompleted
		ev.Type, ev.Payload = schema.HistoryExecutionCompleted, out.Output
		update.Output, update.CompletedAt = out.Output, &now
		logger.Debug("orchestration completed", slog.Int("actions", out.Actions))
	}

	if err := h.store.AppendHistory(ctx, ev); err != nil {
		logger.Error("cannot record episode outcome", slog.String("error", err.Error()))
	}
	if to == schema.StatusContinuedAsNew {
		if err := h.store.PurgeHistory(ctx, inst.id); err != nil {
			logger.Error("cannot purge history", slog.String("error", err.Error()))
		}
	}
	if err := h.fsm.Transition(ctx, inst.id, from, to, update); err != nil {
		logger.Error("cannot record instance status", slog.String("error", err.Error()))
	}
}

func (inst *instance) finishTerminated(from schema.InstanceStatus, reason string) {
	h := inst.h
	ctx := context.WithoutCancel(h.ctx)
	now := h.clock.Now()
	if err := h.store.AppendHistory(ctx, &schema.HistoryEvent{
		InstanceID: inst.id,
		Type:       schema.HistoryExecutionTerminated,
		Payload:    mustMarshal(reason),
		Timestamp:  now,
	}); err != nil {
		h.logger.Error("cannot record termination", slog.String("instance_id", inst.id), slog.String("error", err.Error()))
	}
	if err := h.fsm.Transition(ctx, inst.id, from, schema.StatusTerminated, store.InstanceUpdate{
		Error:       schema.NewError(schema.ErrCodeCancelled, terminationMessage(reason)),
		CompletedAt: &now,
	}); err != nil {
		h.logger.Error("cannot record termination", slog.String("instance_id", inst.id), slog.String("error", err.Error()))
	}
}

// raise delivers an event to the running generation, or holds it for the
// next one.
func (inst *instance) raise(_ context.Context, eventName string, payload []byte) error {
	inst.raiseMu.Lock()
	defer inst.raiseMu.Unlock()
	if inst.rt == nil {
		inst.pending = append(inst.pending, orchestration.RaisedEvent{Name: eventName, Payload: payload})
		return nil
	}
	return inst.deliverLocked(eventName, payload)
}

func (inst *instance) deliverLocked(eventName string, payload []byte) error {
	step := inst.rt.RaiseEvent(eventName, payload)
	return inst.engine.record(&schema.HistoryEvent{
		Type:    schema.HistoryEventRaised,
		Name:    eventName,
		Step:    step,
		Payload: payload,
	})
}

// terminate marks the instance terminated and cancels its episode. It
// reports false when the instance already finished.
func (inst *instance) terminate(reason string) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.finished {
		return false
	}
	if inst.terminated == nil {
		inst.terminated = &reason
	}
	if inst.cancel != nil {
		inst.cancel()
	}
	return true
}

func (inst *instance) customStatus() json.RawMessage {
	inst.raiseMu.Lock()
	defer inst.raiseMu.Unlock()
	if inst.rt == nil {
		return nil
	}
	return inst.rt.CustomStatus()
}

func asDurable(err error) *schema.DurableError {
	var de *schema.DurableError
	if errors.As(err, &de) {
		return de
	}
	return schema.NewError(schema.ErrCodeTaskFailed, err.Error()).WithCause(err)
}
