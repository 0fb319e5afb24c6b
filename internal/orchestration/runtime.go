package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/replaykit/internal/durable"
	"github.com/rendis/replaykit/internal/logging"
	"github.com/rendis/replaykit/internal/sorter"
	"github.com/rendis/replaykit/pkg/schema"
)

// guidNamespace seeds name-based GUIDs; changing it changes every GUID ever
// generated, which breaks replay of existing histories.
var guidNamespace = uuid.MustParse("9e952958-5e33-4daf-827f-2fa12937b875")

const guidTimeLayout = "2006-01-02T15:04:05.0000000Z"

// Instance describes the orchestration instance a Runtime runs.
type Instance struct {
	Identity         schema.InstanceIdentity
	ParentInstanceID string
	Name             string
	Input            json.RawMessage
	History          []*schema.HistoryEvent
	// CarryOver holds events preserved by the previous generation's
	// ContinueAsNew; they are buffered before the orchestrator starts.
	CarryOver []RaisedEvent
}

// Runtime runs one episode of an orchestrator against an Engine. It
// implements Context.
type Runtime struct {
	*durable.Context

	engine Engine
	fn     Orchestrator
	cfg    Config
	parent string
	input  json.RawMessage
	carry  []RaisedEvent

	ctx    context.Context
	logger *slog.Logger

	outbox      durable.Outbox
	sorterState schema.SorterState
	sorter      *sorter.Sorter

	actions   int
	budgetErr error
	guids     int

	locks  lockState
	events *eventTable

	statusMu     sync.Mutex
	customStatus json.RawMessage

	continuation *continuation
}

type continuation struct {
	input    json.RawMessage
	preserve bool
}

// NewRuntime prepares a run of fn for inst.
func NewRuntime(engine Engine, inst Instance, fn Orchestrator, cfg Config) *Runtime {
	cfg = cfg.withDefaults()
	r := &Runtime{
		Context: durable.NewContext(inst.Identity, inst.Name, inst.History),
		engine:  engine,
		fn:      fn,
		cfg:     cfg,
		parent:  inst.ParentInstanceID,
		input:   inst.Input,
		carry:   inst.CarryOver,
		ctx:     context.Background(),
	}
	r.sorter = sorter.New(&r.sorterState, cfg.ReorderWindow)
	r.events = newEventTable(engine)
	r.logger = cfg.Logger.With(slog.String("component", "orchestration"),
		slog.String("instance_id", inst.Identity.InstanceID), slog.String("function", inst.Name))
	return r
}

// Run executes the orchestrator until it returns, then releases any held
// locks and flushes the outbox. Cancelling ctx aborts pending awaits with
// CANCELLED.
func (r *Runtime) Run(ctx context.Context) *Outcome {
	r.ctx = logging.WithIDs(ctx, r.InstanceID(), r.ExecutionID(), r.Name())
	if err := r.Guard().Begin(); err != nil {
		return &Outcome{Err: err}
	}
	r.events.start(r.carry)

	output, err := r.invoke()
	if r.budgetErr != nil {
		err = r.budgetErr
	}

	out := &Outcome{}
	if err == nil && r.continuation == nil && output != nil {
		if out.Output, err = json.Marshal(output); err != nil {
			err = schema.NewErrorf(schema.ErrCodeValidation, "cannot serialize output of %s: %v", r.Name(), err).WithCause(err)
		}
	}
	if err == nil && r.continuation != nil {
		out.ContinueAsNew = &ContinuationRequest{Input: r.continuation.input}
		if r.continuation.preserve {
			out.ContinueAsNew.CarryOver = r.events.drainBuffered()
		}
	}

	if r.locks.active() {
		r.logger.Debug("releasing locks held at completion", slog.Int("count", len(r.locks.set)))
		r.releaseLocks()
	}
	if ferr := r.flush(); ferr != nil && err == nil {
		err = ferr
	}
	r.Guard().End()

	if derr := r.RunDeferred(context.WithoutCancel(r.ctx), nil, nil); derr != nil {
		r.logger.Warn("deferred task failed", slog.String("error", derr.Error()))
	}

	out.Err = err
	out.CustomStatus = r.CustomStatus()
	out.Actions = r.actions
	return out
}

func (r *Runtime) invoke() (output any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = schema.NewErrorf(schema.ErrCodeTaskFailed, "orchestrator %s panicked: %v", r.Name(), rec).
				WithTarget(r.InstanceID())
		}
	}()
	return r.fn(r)
}

// RaiseEvent delivers an external event to the orchestration and returns the
// step at which it was accepted. It is safe to call from any goroutine.
func (r *Runtime) RaiseEvent(name string, payload []byte) int64 {
	return r.events.raise(name, payload)
}

// CustomStatus returns the last status set by the orchestration.
func (r *Runtime) CustomStatus() json.RawMessage {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return r.customStatus
}

// Actions returns the number of actions scheduled so far.
func (r *Runtime) Actions() int {
	return r.actions
}

func (r *Runtime) ParentInstanceID() string { return r.parent }

func (r *Runtime) CurrentTime() time.Time { return r.engine.CurrentTime().UTC() }

func (r *Runtime) IsReplaying() bool { return r.engine.IsReplaying() }

func (r *Runtime) Logger() *slog.Logger {
	return logging.ReplaySafe(r.logger, r.engine.IsReplaying)
}

func (r *Runtime) GetInput(out any) error {
	exit, err := r.Guard().Enter("GetInput")
	if err != nil {
		return err
	}
	defer exit()
	if len(r.input) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.input, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "cannot decode input of %s: %v", r.Name(), err).WithCause(err)
	}
	return nil
}

func (r *Runtime) NewGUID() (uuid.UUID, error) {
	exit, err := r.Guard().Enter("NewGUID")
	if err != nil {
		return uuid.Nil, err
	}
	defer exit()
	return r.newGUID(), nil
}

// newGUID derives a GUID from the instance id, the replay-stable clock and a
// per-run counter.
func (r *Runtime) newGUID() uuid.UUID {
	name := fmt.Sprintf("%s_%s_%d", r.InstanceID(), r.CurrentTime().Format(guidTimeLayout), r.guids)
	r.guids++
	return uuid.NewSHA1(guidNamespace, []byte(name))
}

func (r *Runtime) SetCustomStatus(v any) error {
	exit, err := r.Guard().Enter("SetCustomStatus")
	if err != nil {
		return err
	}
	defer exit()
	data, err := marshalInput(v)
	if err != nil {
		return err
	}
	r.statusMu.Lock()
	r.customStatus = data
	r.statusMu.Unlock()
	return nil
}

func (r *Runtime) ContinueAsNew(input any, preserveUnprocessedEvents bool) error {
	exit, err := r.Guard().Enter("ContinueAsNew")
	if err != nil {
		return err
	}
	defer exit()
	data, err := marshalInput(input)
	if err != nil {
		return err
	}
	r.continuation = &continuation{input: data, preserve: preserveUnprocessedEvents}
	return nil
}

// reserveAction charges one action against the budget. Exceeding it is fatal
// for the episode: every later reservation fails with the same error.
func (r *Runtime) reserveAction(kind string) error {
	if r.budgetErr != nil {
		return r.budgetErr
	}
	if r.actions >= r.cfg.MaxActions {
		r.budgetErr = schema.NewErrorf(schema.ErrCodeBudgetExceeded,
			"orchestration scheduled more than %d actions; the last was a %s", r.cfg.MaxActions, kind).
			WithTarget(r.InstanceID())
		r.logger.Error("action budget exceeded", slog.Int("max_actions", r.cfg.MaxActions))
		return r.budgetErr
	}
	r.actions++
	return nil
}

// flush sends the buffered entity messages in enqueue order.
func (r *Runtime) flush() error {
	for _, m := range r.outbox.Drain() {
		payload, err := m.Payload()
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "cannot encode %s message to %s: %v", m.Kind, m.Target, err).WithCause(err)
		}
		if err := r.engine.SendEvent(r.ctx, m.Target, m.EventName, payload); err != nil {
			return schema.NewErrorf(schema.ErrCodeTaskFailed, "send %s message to %s failed", m.Kind, m.Target).
				WithTarget(m.Target).WithCause(err)
		}
	}
	return nil
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

var _ Context = (*Runtime)(nil)
