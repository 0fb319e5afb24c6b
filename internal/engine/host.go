// Package engine is the in-process host: it implements the replay-engine
// contract for orchestrations, runs entity batches one at a time per entity,
// records history in a store and replays it to check determinism.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/replaykit/internal/entity"
	"github.com/rendis/replaykit/internal/expressions"
	"github.com/rendis/replaykit/internal/logging"
	"github.com/rendis/replaykit/internal/metrics"
	"github.com/rendis/replaykit/internal/store"
	"github.com/rendis/replaykit/pkg/schema"
)

// Host runs registered orchestrations and entities in this process.
type Host struct {
	registry *Registry
	store    store.Store
	clock    Clock
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics

	entityLogger *slog.Logger

	pool     *WorkerPool
	breakers *CircuitBreakerRegistry
	retry    *retrier
	fsm      *InstanceFSM
	http     Activity

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	instances  map[string]*instance
	mailboxes  map[string]*mailbox
	processors map[string]*entity.Processor
}

// New creates a host for the functions in registry.
func New(registry *Registry, opts ...Option) (*Host, error) {
	h := &Host{
		registry:   registry,
		cfg:        DefaultConfig(),
		instances:  make(map[string]*instance),
		mailboxes:  make(map[string]*mailbox),
		processors: make(map[string]*entity.Processor),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.store == nil {
		h.store = store.NewMemoryStore()
	}
	if h.clock == nil {
		h.clock = RealClock{}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if err := h.cfg.Orchestration.Validate(); err != nil {
		return nil, err
	}
	if h.cfg.Orchestration.Logger == nil {
		h.cfg.Orchestration.Logger = h.logger
	}
	h.entityLogger = h.logger
	h.logger = h.logger.With(slog.String("component", "host"))
	if h.cfg.ReplayTimeout <= 0 {
		h.cfg.ReplayTimeout = DefaultReplayTimeout
	}

	predicates, err := expressions.NewRetryPredicates()
	if err != nil {
		return nil, err
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.pool = NewWorkerPool(h.cfg.Workers)
	h.breakers = NewCircuitBreakerRegistry(h.cfg.CircuitBreaker, h.clock.Now)
	h.retry = &retrier{clock: h.clock, predicates: predicates, metrics: h.metrics, logger: h.logger}
	h.fsm = NewInstanceFSM(h.store)
	h.http = httpActivity(h.cfg.HTTP)
	return h, nil
}

// Store returns the host's persistence backend.
func (h *Host) Store() store.Store { return h.store }

// Clock returns the host clock.
func (h *Host) Clock() Clock { return h.clock }

// Close cancels running instances and waits for every host goroutine.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
	h.pool.Shutdown()
	return nil
}

// goTracked runs fn on a goroutine Close waits for. It reports false when
// the host is closed.
func (h *Host) goTracked(fn func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
	return true
}

// StartOrchestration creates instance instanceID of the named orchestrator
// and runs it in the background. An empty instanceID gets a random one.
func (h *Host) StartOrchestration(ctx context.Context, name, instanceID string, input any) (string, error) {
	raw, err := marshalPayload(input)
	if err != nil {
		return "", err
	}
	return h.start(ctx, startRequest{name: name, instanceID: instanceID, input: raw})
}

type startRequest struct {
	name       string
	instanceID string
	parent     string
	input      json.RawMessage
}

func (h *Host) start(ctx context.Context, req startRequest) (string, error) {
	fn, err := h.registry.Orchestrator(req.name)
	if err != nil {
		return "", err
	}
	if req.instanceID == "" {
		req.instanceID = uuid.NewString()
	}
	if schema.IsEntityInstance(req.instanceID) {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "instance id %q is reserved for entities", req.instanceID)
	}

	rec := &store.Instance{
		InstanceID:       req.instanceID,
		ExecutionID:      uuid.NewString(),
		Name:             req.name,
		ParentInstanceID: req.parent,
		Status:           schema.StatusPending,
		Input:            req.input,
		CreatedAt:        h.clock.Now(),
	}
	if err := h.store.CreateInstance(ctx, rec); err != nil {
		return "", err
	}

	inst := newInstance(h, rec, fn)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", schema.NewError(schema.ErrCodeCancelled, "host is closed")
	}
	h.instances[rec.InstanceID] = inst
	h.wg.Add(1)
	h.mu.Unlock()

	logging.LogWith(logging.WithIDs(ctx, rec.InstanceID, rec.ExecutionID, rec.Name), h.logger).
		Debug("orchestration started", slog.String("parent", req.parent))
	go func() {
		defer h.wg.Done()
		inst.run(h.ctx, rec.ExecutionID, req.input)
	}()
	return rec.InstanceID, nil
}

func (h *Host) live(instanceID string) *instance {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.instances[instanceID]
}

func (h *Host) forget(inst *instance) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.instances[inst.id] == inst {
		delete(h.instances, inst.id)
	}
}

// RaiseEvent delivers an external event to a running orchestration. Events
// for an instance between generations are held for the next one; events for
// a finished instance are dropped.
func (h *Host) RaiseEvent(ctx context.Context, instanceID, eventName string, payload any) error {
	if schema.IsEntityInstance(instanceID) {
		return schema.NewErrorf(schema.ErrCodeValidation, "%q is an entity; use SignalEntity", instanceID)
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return h.raise(ctx, instanceID, eventName, raw)
}

func (h *Host) raise(ctx context.Context, instanceID, eventName string, payload []byte) error {
	if inst := h.live(instanceID); inst != nil {
		return inst.raise(ctx, eventName, payload)
	}
	rec, err := h.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	h.logger.Debug("dropping event for an instance that is not running",
		slog.String("instance_id", instanceID), slog.String("event", eventName), slog.String("status", string(rec.Status)))
	return nil
}

// deliver routes a message sent by an orchestration or an entity.
func (h *Host) deliver(ctx context.Context, target, eventName string, payload []byte) error {
	if !schema.IsEntityInstance(target) {
		err := h.raise(ctx, target, eventName, payload)
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			h.logger.Warn("dropping event for unknown instance",
				slog.String("instance_id", target), slog.String("event", eventName))
			return nil
		}
		return err
	}

	id, err := schema.ParseEntityID(target)
	if err != nil {
		return err
	}
	ev := entity.Event{Name: eventName, Payload: payload}
	if at, ok := schema.ParseOperationEventName(eventName); ok && at != nil && at.After(h.clock.Now()) {
		h.goTracked(func() {
			<-h.clock.Until(h.ctx, *at)
			if h.ctx.Err() == nil {
				h.enqueue(id, ev)
			}
		})
		return nil
	}
	h.enqueue(id, ev)
	return nil
}

// SignalEntity sends a one-way operation to an entity from outside any
// orchestration.
func (h *Host) SignalEntity(ctx context.Context, id schema.EntityID, operation string, input any) error {
	if operation == "" {
		return schema.NewError(schema.ErrCodeValidation, "signal requires an operation name")
	}
	raw, err := marshalPayload(input)
	if err != nil {
		return err
	}
	msg := schema.RequestMessage{ID: uuid.New(), Operation: operation, Input: raw, IsSignal: true}
	payload, err := json.Marshal(&msg)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "cannot serialize signal: %v", err).WithCause(err)
	}
	return h.deliver(ctx, schema.NewEntityID(id.Name, id.Key).String(), schema.EventOperation, payload)
}

// ReadEntityState decodes the persisted state of id into out. It reports
// false when the entity does not exist.
func (h *Host) ReadEntityState(ctx context.Context, id schema.EntityID, out any) (bool, error) {
	st, err := h.store.GetEntity(ctx, schema.NewEntityID(id.Name, id.Key).String())
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !st.EntityExists {
		return false, nil
	}
	if out != nil && len(st.EntityState) > 0 {
		if err := json.Unmarshal(st.EntityState, out); err != nil {
			return true, schema.NewErrorf(schema.ErrCodeEntityState, "cannot decode state of %s: %v", id, err).WithCause(err)
		}
	}
	return true, nil
}

// WaitForCompletion blocks until the instance reaches a terminal status or
// ctx is done, and returns its record.
func (h *Host) WaitForCompletion(ctx context.Context, instanceID string) (*store.Instance, error) {
	if inst := h.live(instanceID); inst != nil {
		select {
		case <-inst.done:
		case <-ctx.Done():
			return nil, schema.NewErrorf(schema.ErrCodeCancelled, "waiting for %s: %v", instanceID, ctx.Err()).WithCause(ctx.Err())
		}
	}
	return h.store.GetInstance(ctx, instanceID)
}

// GetInstance returns the stored record of an instance. The custom status of
// a running instance is read from its current episode.
func (h *Host) GetInstance(ctx context.Context, instanceID string) (*store.Instance, error) {
	rec, err := h.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst := h.live(instanceID); inst != nil {
		if cs := inst.customStatus(); cs != nil {
			rec.CustomStatus = cs
		}
	}
	return rec, nil
}

// Terminate stops an instance. A running episode is cancelled; pending
// awaits fail with CANCELLED and the instance ends as terminated. Finished
// instances fail with INVALID_TRANSITION.
func (h *Host) Terminate(ctx context.Context, instanceID, reason string) error {
	if inst := h.live(instanceID); inst != nil && inst.terminate(reason) {
		select {
		case <-inst.done:
			return nil
		case <-ctx.Done():
			return schema.NewError(schema.ErrCodeCancelled, "terminate interrupted").WithCause(ctx.Err())
		}
	}

	rec, err := h.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	now := h.clock.Now()
	if err := h.fsm.Transition(ctx, instanceID, rec.Status, schema.StatusTerminated, store.InstanceUpdate{
		Error:       schema.NewError(schema.ErrCodeCancelled, terminationMessage(reason)),
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	return h.store.AppendHistory(ctx, &schema.HistoryEvent{
		InstanceID: instanceID,
		Type:       schema.HistoryExecutionTerminated,
		Payload:    mustMarshal(reason),
		Timestamp:  now,
	})
}

func terminationMessage(reason string) string {
	if reason == "" {
		return "terminated"
	}
	return "terminated: " + reason
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, schema.NewError(schema.ErrCodeValidation, "payload is not valid JSON")
		}
		return p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "cannot serialize payload: %v", err).WithCause(err)
	}
	return data, nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
