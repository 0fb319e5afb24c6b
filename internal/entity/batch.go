package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/rendis/replaykit/internal/durable"
	"github.com/rendis/replaykit/internal/logging"
	"github.com/rendis/replaykit/internal/sorter"
	"github.com/rendis/replaykit/pkg/schema"
)

// Event is one incoming message for an entity: a request ("op" or
// "op@<time>") or a lock release ("release").
type Event struct {
	Name    string
	Payload []byte
}

// OperationResult records the outcome of one executed operation.
type OperationResult struct {
	RequestID uuid.UUID
	Operation string
	Caller    string
	IsSignal  bool
	Response  *schema.ResponseMessage
	Err       error
}

// BatchResult is the outcome of ExecuteBatch. State is the new snapshot to persist.
type BatchResult struct {
	State   *schema.SchedulerState
	Results []OperationResult
	// ApplicationError aggregates every failed operation, and the writeback
	// failure if there was one.
	ApplicationError error
	// WritebackError is set when the state could not be serialized; State then
	// holds the pre-batch entity state.
	WritebackError error
	Sent           int
	Suppressed     int
}

// Processor runs operation batches for one kind of entity.
type Processor struct {
	handler Handler
	sender  Sender
	cfg     Config
	logger  *slog.Logger
}

// NewProcessor creates a Processor that runs handler and flushes through sender.
func NewProcessor(handler Handler, sender Sender, cfg Config) *Processor {
	cfg = cfg.withDefaults()
	return &Processor{
		handler: handler,
		sender:  sender,
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("component", "entity")),
	}
}

// batch is the per-ExecuteBatch working set; it also implements Context.
type batch struct {
	*durable.Context

	p      *Processor
	ctx    context.Context
	id     schema.EntityID
	now    time.Time
	state  *schema.SchedulerState
	sorter *sorter.Sorter
	outbox durable.Outbox
	logger *slog.Logger

	// working copy tracking
	access           schema.StateAccess
	current          any
	checkpointExists bool
	checkpoint       json.RawMessage
	preBatchExists   bool
	preBatchState    json.RawMessage
	preBatchSent     map[string]time.Time

	// current operation
	op       *schema.RequestMessage
	result   json.RawMessage
	size     int
	position int

	results      []OperationResult
	appErrs      error
	internalErr  error
	writebackErr error
}

// ExecuteBatch processes events against the entity id whose persisted snapshot
// is state, and flushes the resulting outbox. Failed operations are captured
// in the result; a non-nil error is an internal failure, and the caller must
// not persist anything from this batch.
func (p *Processor) ExecuteBatch(ctx context.Context, id schema.EntityID, state *schema.SchedulerState, events []Event, now time.Time) (*BatchResult, error) {
	b := p.newBatch(ctx, id, state, now)
	if err := b.Guard().Begin(); err != nil {
		return nil, err
	}
	defer b.Guard().End()

	for _, m := range b.sorter.ReleaseExpired(now) {
		b.enqueue(m)
	}
	b.drain()
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			b.captureInternal(schema.NewError(schema.ErrCodeCancelled, "entity batch cancelled").WithCause(err))
			break
		}
		b.receive(ev)
		b.drain()
	}
	if b.internalErr != nil {
		return nil, b.internalErr
	}

	res := b.finish()
	if b.internalErr != nil {
		return nil, b.internalErr
	}
	_ = b.RunDeferred(context.WithoutCancel(ctx), p.cfg.Submit, func(err error) {
		b.logger.Error("fire-and-forget start failed", slog.String("error", err.Error()))
	})
	return res, nil
}

func (p *Processor) newBatch(ctx context.Context, id schema.EntityID, state *schema.SchedulerState, now time.Time) *batch {
	st := cloneState(state)
	identity := schema.InstanceIdentity{InstanceID: id.String()}
	ctx = logging.WithFunction(logging.WithInstanceID(ctx, identity.InstanceID), id.Name)
	b := &batch{
		Context:          durable.NewContext(identity, id.Name, nil),
		p:                p,
		ctx:              ctx,
		id:               id,
		now:              now.UTC(),
		state:            st,
		sorter:           sorter.New(&st.Sorter, p.cfg.ReorderWindow),
		logger:           logging.LogWith(ctx, p.logger),
		checkpointExists: st.EntityExists,
		checkpoint:       st.EntityState,
		preBatchExists:   st.EntityExists,
		preBatchState:    st.EntityState,
		preBatchSent:     maps.Clone(st.Sorter.LastSentToInstance),
	}
	for _, m := range st.Queue {
		if !m.IsLockRequest() {
			b.size++
		}
	}
	return b
}

// receive decodes one event and queues the requests it makes deliverable.
func (b *batch) receive(ev Event) {
	if ev.Name == schema.EventRelease {
		var rel schema.ReleaseMessage
		if err := json.Unmarshal(ev.Payload, &rel); err != nil {
			b.logger.Warn("dropping malformed release message", slog.String("error", err.Error()))
			return
		}
		b.release(&rel)
		return
	}

	scheduled, ok := schema.ParseOperationEventName(ev.Name)
	if !ok {
		b.logger.Warn("dropping event with unknown name", slog.String("event", ev.Name))
		return
	}
	var msg schema.RequestMessage
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		b.logger.Warn("dropping malformed request message", slog.String("error", err.Error()))
		return
	}
	if scheduled != nil {
		b.enqueue(&msg)
		return
	}
	for _, m := range b.sorter.Receive(&msg, b.now) {
		b.enqueue(m)
	}
}

func (b *batch) enqueue(m *schema.RequestMessage) {
	if !m.IsLockRequest() {
		b.size++
	}
	b.state.Queue = append(b.state.Queue, m)
}

func (b *batch) release(rel *schema.ReleaseMessage) {
	if b.state.LockedBy == "" || b.state.LockedBy != rel.ParentInstanceID ||
		(rel.LockRequestID != "" && rel.LockRequestID != b.state.LockRequestID) {
		b.logger.Debug("ignoring release for a lock not held",
			slog.String("from", rel.ParentInstanceID), slog.String("locked_by", b.state.LockedBy))
		return
	}
	b.logger.Debug("lock released", slog.String("holder", rel.ParentInstanceID))
	b.state.LockedBy = ""
	b.state.LockRequestID = ""
}

// drain runs queued messages until none is runnable. While locked, only the
// lock holder's messages run; everything else keeps its queue position.
func (b *batch) drain() {
	for b.internalErr == nil {
		i := slices.IndexFunc(b.state.Queue, func(m *schema.RequestMessage) bool {
			return b.state.LockedBy == "" || m.ParentInstanceID == b.state.LockedBy
		})
		if i < 0 {
			return
		}
		m := b.state.Queue[i]
		b.state.Queue = slices.Delete(b.state.Queue, i, i+1)
		if m.IsLockRequest() {
			b.acquire(m)
		} else {
			b.runOperation(m)
		}
	}
}

// acquire takes this entity's lock for the requester and passes the request
// on: to the next entity in the lock set, or back to the requester when this
// entity is the last one.
func (b *batch) acquire(m *schema.RequestMessage) {
	if m.Position < 0 || m.Position >= len(m.LockSet) || m.LockSet[m.Position].Compare(b.id) != 0 {
		b.logger.Warn("dropping misrouted lock request", slog.String("request", m.String()))
		return
	}
	b.state.LockedBy = m.ParentInstanceID
	b.state.LockRequestID = m.ID.String()
	b.logger.Debug("lock acquired", slog.String("holder", m.ParentInstanceID), slog.Int("position", m.Position))

	if m.Position < len(m.LockSet)-1 {
		fwd := m.Clone()
		fwd.Position++
		// The chain is sequential, so forwarded requests need no sorter labels.
		fwd.Timestamp, fwd.Predecessor = time.Time{}, time.Time{}
		b.outbox.Append(&durable.OutboxMessage{
			Kind:      durable.KindLock,
			Target:    fwd.LockSet[fwd.Position].String(),
			EventName: schema.EventOperation,
			Request:   fwd,
		})
		return
	}
	b.outbox.Append(&durable.OutboxMessage{
		Kind:      durable.KindLock,
		Target:    m.ParentInstanceID,
		EventName: schema.ResponseEventName(m.ID.String()),
		Response:  &schema.ResponseMessage{Result: json.RawMessage(schema.LockAcquiredResult)},
	})
}

// runOperation executes one request with per-operation rollback: a failure
// discards the working copy and every outbox message the operation enqueued.
// Success commits the working copy to the in-memory checkpoint.
func (b *batch) runOperation(m *schema.RequestMessage) {
	b.position++
	b.op = m
	b.result = nil
	mark := b.outbox.Mark()
	sent := maps.Clone(b.state.Sorter.LastSentToInstance)

	err := b.invoke(m)
	if err == nil {
		if werr := b.commit(); werr != nil {
			b.writebackFailed(werr)
		}
	}

	var resp *schema.ResponseMessage
	if err != nil {
		b.rollback(mark, sent)
		if schema.HasCode(err, schema.ErrCodeEntityInternal) {
			b.captureInternal(err)
		} else {
			b.appErrs = multierr.Append(b.appErrs, fmt.Errorf("operation %q (%s): %w", m.Operation, m.ID, err))
		}
		resp = schema.FailureResponse(err)
		b.logger.Debug("operation failed", slog.String("operation", m.Operation), slog.String("error", err.Error()))
	} else {
		resp = &schema.ResponseMessage{Result: b.result}
	}

	if !m.IsSignal {
		b.outbox.Append(&durable.OutboxMessage{
			Kind:      durable.KindResult,
			Target:    m.ParentInstanceID,
			EventName: schema.ResponseEventName(m.ID.String()),
			Response:  resp,
		})
	}
	b.results = append(b.results, OperationResult{
		RequestID: m.ID,
		Operation: m.Operation,
		Caller:    m.ParentInstanceID,
		IsSignal:  m.IsSignal,
		Response:  resp,
		Err:       err,
	})
	b.op = nil
}

func (b *batch) invoke(m *schema.RequestMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeEntityOperation, "operation %q panicked: %v", m.Operation, r).
				WithTarget(b.InstanceID())
		}
	}()
	return b.p.handler(b)
}

// commit serializes the working copy into the checkpoint.
func (b *batch) commit() error {
	switch b.access {
	case schema.Accessed:
		data, err := json.Marshal(b.current)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeEntityState, "cannot serialize state of %s: %v", b.id, err).
				WithTarget(b.InstanceID()).WithCause(err)
		}
		b.checkpoint = data
		b.checkpointExists = true
	case schema.Deleted:
		b.checkpoint = nil
		b.checkpointExists = false
		b.access = schema.NotAccessed
	}
	return nil
}

func (b *batch) rollback(mark int, sent map[string]time.Time) {
	b.access = schema.NotAccessed
	b.current = nil
	b.outbox.Truncate(mark)
	b.state.Sorter.LastSentToInstance = sent
}

// writebackFailed records the first serialization failure. The batch keeps
// running so lock traffic and error results still flow, but its state and
// non-error outcomes are discarded at flush.
func (b *batch) writebackFailed(err error) {
	b.access = schema.NotAccessed
	b.current = nil
	b.appErrs = multierr.Append(b.appErrs, err)
	if b.writebackErr == nil {
		b.writebackErr = err
		b.logger.Error("entity state writeback failed", slog.String("error", err.Error()))
	}
}

func (b *batch) captureInternal(err error) {
	if b.internalErr == nil {
		b.internalErr = err
	}
}

// finish writes the checkpoint back into the snapshot and flushes the outbox.
func (b *batch) finish() *BatchResult {
	if b.writebackErr != nil {
		b.state.EntityExists = b.preBatchExists
		b.state.EntityState = b.preBatchState
		b.state.Sorter.LastSentToInstance = b.preBatchSent
	} else {
		b.state.EntityExists = b.checkpointExists
		b.state.EntityState = b.checkpoint
	}
	if !b.state.EntityExists {
		b.state.EntityState = nil
	}

	res := &BatchResult{
		State:            b.state,
		ApplicationError: b.appErrs,
		WritebackError:   b.writebackErr,
	}
	res.Sent, res.Suppressed = b.flush()

	if b.writebackErr != nil {
		failure := schema.FailureResponse(b.writebackErr)
		for i := range b.results {
			if b.results[i].Err == nil {
				b.results[i].Response = failure
				b.results[i].Err = b.writebackErr
			}
		}
	}
	res.Results = b.results
	return res
}

func cloneState(s *schema.SchedulerState) *schema.SchedulerState {
	if s == nil {
		return &schema.SchedulerState{}
	}
	c := *s
	c.EntityState = slices.Clone(s.EntityState)
	c.Queue = make([]*schema.RequestMessage, len(s.Queue))
	for i, m := range s.Queue {
		c.Queue[i] = m.Clone()
	}
	c.Sorter.LastSentToInstance = maps.Clone(s.Sorter.LastSentToInstance)
	if s.Sorter.ReceivedFromInstance != nil {
		c.Sorter.ReceivedFromInstance = make(map[string]*schema.ReceiveBuffer, len(s.Sorter.ReceivedFromInstance))
		for src, buf := range s.Sorter.ReceivedFromInstance {
			nb := &schema.ReceiveBuffer{Last: buf.Last}
			for _, m := range buf.Buffered {
				nb.Buffered = append(nb.Buffered, m.Clone())
			}
			c.Sorter.ReceivedFromInstance[src] = nb
		}
	}
	return &c
}
