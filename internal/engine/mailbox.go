package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/rendis/replaykit/internal/entity"
	"github.com/rendis/replaykit/internal/validation"
	"github.com/rendis/replaykit/pkg/schema"
)

// mailbox queues the events of one entity. At most one batch runs per
// entity; events that arrive meanwhile form the next batch.
type mailbox struct {
	id schema.EntityID

	mu      sync.Mutex
	queue   []entity.Event
	running bool
}

func (h *Host) enqueue(id schema.EntityID, ev entity.Event) {
	key := id.String()
	h.mu.Lock()
	mb, ok := h.mailboxes[key]
	if !ok {
		mb = &mailbox{id: id}
		h.mailboxes[key] = mb
	}
	h.mu.Unlock()

	mb.mu.Lock()
	mb.queue = append(mb.queue, ev)
	if mb.running {
		mb.mu.Unlock()
		return
	}
	mb.running = true
	mb.mu.Unlock()

	if !h.goTracked(func() { h.drain(mb) }) {
		mb.mu.Lock()
		mb.running = false
		mb.mu.Unlock()
		h.logger.Warn("host closed; entity events left queued", slog.String("entity_id", key))
	}
}

func (h *Host) drain(mb *mailbox) {
	for {
		mb.mu.Lock()
		events := mb.queue
		mb.queue = nil
		if len(events) == 0 || h.ctx.Err() != nil {
			mb.running = false
			mb.mu.Unlock()
			return
		}
		mb.mu.Unlock()
		h.runBatch(h.ctx, mb.id, events)
	}
}

// runBatch executes one batch against the stored entity state and persists
// the resulting checkpoint.
func (h *Host) runBatch(ctx context.Context, id schema.EntityID, events []entity.Event) {
	logger := h.logger.With(slog.String("entity_id", id.String()))
	proc, err := h.processor(id.Name)
	if err != nil {
		logger.Warn("no entity registered", slog.Int("events", len(events)))
		h.rejectUnknownEntity(ctx, id, events, err)
		return
	}

	state, err := h.store.GetEntity(ctx, id.String())
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		state, err = &schema.SchedulerState{}, nil
	}
	if err != nil {
		logger.Error("cannot load entity", slog.String("error", err.Error()))
		return
	}
	lockedBefore := state.LockedBy

	spanCtx, batchDone := h.metrics.StartBatch(ctx, id.String(), id.Name, len(events))
	res, err := proc.ExecuteBatch(spanCtx, id, state, events, h.clock.Now())
	if err != nil {
		batchDone(0, err)
		logger.Error("entity batch failed; events dropped", slog.Int("events", len(events)), slog.String("error", err.Error()))
		return
	}
	batchDone(len(res.Results), res.ApplicationError)
	if res.ApplicationError != nil {
		logger.Debug("entity operations failed", slog.String("error", res.ApplicationError.Error()))
	}

	if err := h.store.PutEntity(context.WithoutCancel(ctx), id.String(), res.State); err != nil {
		logger.Error("cannot checkpoint entity", slog.String("error", err.Error()))
		return
	}
	switch lockedAfter := res.State.LockedBy; {
	case lockedBefore == "" && lockedAfter != "":
		h.metrics.LockTaken()
	case lockedBefore != "" && lockedAfter == "":
		h.metrics.LockReleased()
	}
}

func (h *Host) processor(name string) (*entity.Processor, error) {
	handler, err := h.registry.Entity(name)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.processors[name]; ok {
		return p, nil
	}
	p := entity.NewProcessor(handler, entitySender{h: h}, entity.Config{
		ReorderWindow: h.cfg.ReorderWindow,
		Submit:        h.pool.Submitter(h.ctx, h.logger),
		Logger:        h.entityLogger,
	})
	h.processors[name] = p
	return p, nil
}

// rejectUnknownEntity answers every call in events with a failure.
func (h *Host) rejectUnknownEntity(ctx context.Context, id schema.EntityID, events []entity.Event, cause error) {
	for _, ev := range events {
		if _, ok := schema.ParseOperationEventName(ev.Name); !ok {
			continue
		}
		var msg schema.RequestMessage
		if err := json.Unmarshal(ev.Payload, &msg); err != nil || msg.IsSignal || msg.ParentInstanceID == "" {
			continue
		}
		resp, err := json.Marshal(schema.FailureResponse(
			schema.NewErrorf(schema.ErrCodeNotFound, "entity %s is not registered", id.Name).WithTarget(id.String()).WithCause(cause)))
		if err != nil {
			continue
		}
		if err := h.deliver(ctx, msg.ParentInstanceID, schema.ResponseEventName(msg.ID.String()), resp); err != nil {
			h.logger.Warn("cannot answer call to unknown entity", slog.String("entity_id", id.String()), slog.String("error", err.Error()))
		}
	}
}

// entitySender routes entity outbox messages back into the host.
type entitySender struct {
	h *Host
}

func (s entitySender) SendEvent(ctx context.Context, instanceID, eventName string, payload []byte) error {
	return s.h.deliver(ctx, instanceID, eventName, payload)
}

func (s entitySender) StartOrchestration(ctx context.Context, name, instanceID string, input []byte) error {
	_, err := s.h.start(ctx, startRequest{name: name, instanceID: instanceID, input: input})
	return err
}

// LockHolders returns, per locked entity, the orchestration holding it.
func (h *Host) LockHolders(ctx context.Context, name string) (map[string]string, error) {
	ids, err := h.store.ListEntities(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, id := range ids {
		st, err := h.store.GetEntity(ctx, id)
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if st.LockedBy != "" {
			out[id] = st.LockedBy
		}
	}
	return out, nil
}

// CheckLocks builds the wait-for graph of entity locks and reports cycles:
// a queued lock request waits on the lock request holding the entity.
func (h *Host) CheckLocks(ctx context.Context) (*schema.ValidationResult, error) {
	ids, err := h.store.ListEntities(ctx, "")
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	states := make([]*schema.SchedulerState, 0, len(ids))
	for _, id := range ids {
		st, err := h.store.GetEntity(ctx, id)
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return validation.CheckWaitGraph(validation.LockWaits(states)), nil
}
