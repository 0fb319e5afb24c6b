package orchestration

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rendis/replaykit/pkg/schema"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeTask struct {
	once sync.Once
	done chan struct{}
	data []byte
	err  error
}

func newFakeTask() *fakeTask {
	return &fakeTask{done: make(chan struct{})}
}

func (t *fakeTask) complete(data []byte, err error) {
	t.once.Do(func() {
		t.data, t.err = data, err
		close(t.done)
	})
}

func (t *fakeTask) Done() <-chan struct{}   { return t.done }
func (t *fakeTask) Result() ([]byte, error) { return t.data, t.err }

type scheduledTask struct {
	Name       string
	InstanceID string
	Input      []byte
	Opts       any
}

type sentMessage struct {
	Target  string
	Name    string
	Payload []byte
}

type timerRecord struct {
	FireAt    time.Time
	Duration  time.Duration
	Cancelled bool
}

// fakeEngine completes activities through activityFn, fires timers at once
// by advancing its clock (unless holdTimers), and hands sent messages to
// onSend.
type fakeEngine struct {
	mu         sync.Mutex
	now        time.Time
	replaying  bool
	holdTimers bool

	activityFn func(name string, input []byte) ([]byte, error)
	onSend     func(m sentMessage)

	activities []scheduledTask
	subs       []scheduledTask
	timers     []*timerRecord
	held       []*fakeTask
	sent       []sentMessage
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{now: t0}
}

func (e *fakeEngine) ScheduleTask(_ context.Context, name, _ string, input []byte, opts TaskOptions) EngineTask {
	e.mu.Lock()
	e.activities = append(e.activities, scheduledTask{Name: name, Input: input, Opts: opts})
	fn := e.activityFn
	e.mu.Unlock()

	t := newFakeTask()
	if fn != nil {
		t.complete(fn(name, input))
	} else {
		t.complete(nil, nil)
	}
	return t
}

func (e *fakeEngine) CreateSubOrchestration(_ context.Context, name, _ string, instanceID string, input []byte, opts SubOrchestrationOptions) EngineTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, scheduledTask{Name: name, InstanceID: instanceID, Input: input, Opts: opts})
	t := newFakeTask()
	t.complete(json.Marshal(map[string]string{"child": instanceID}))
	return t
}

func (e *fakeEngine) CreateTimer(ctx context.Context, fireAt time.Time) EngineTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := &timerRecord{FireAt: fireAt, Duration: fireAt.Sub(e.now)}
	e.timers = append(e.timers, rec)
	t := newFakeTask()
	if e.holdTimers {
		e.held = append(e.held, t)
		go func() {
			select {
			case <-ctx.Done():
				e.mu.Lock()
				rec.Cancelled = true
				e.mu.Unlock()
				t.complete(nil, schema.NewError(schema.ErrCodeCancelled, "timer cancelled"))
			case <-t.done:
			}
		}()
		return t
	}
	if fireAt.After(e.now) {
		e.now = fireAt
	}
	t.complete(nil, nil)
	return t
}

func (e *fakeEngine) SendEvent(_ context.Context, instanceID, eventName string, payload []byte) error {
	m := sentMessage{Target: instanceID, Name: eventName, Payload: payload}
	e.mu.Lock()
	e.sent = append(e.sent, m)
	onSend := e.onSend
	e.mu.Unlock()
	if onSend != nil {
		onSend(m)
	}
	return nil
}

func (e *fakeEngine) CurrentTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *fakeEngine) IsReplaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replaying
}

func (e *fakeEngine) fireHeldTimers() {
	e.mu.Lock()
	held := e.held
	e.held = nil
	e.mu.Unlock()
	for _, t := range held {
		t.complete(nil, nil)
	}
}

func (e *fakeEngine) messages() []sentMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sentMessage(nil), e.sent...)
}

func (e *fakeEngine) timerRecords() []timerRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]timerRecord, len(e.timers))
	for i, t := range e.timers {
		out[i] = *t
	}
	return out
}

// entityResponder answers lock requests and entity calls the way an entity
// would, raising the response on rt.
func entityResponder(rt func() *Runtime, handle func(req *schema.RequestMessage) *schema.ResponseMessage) func(sentMessage) {
	return func(m sentMessage) {
		if m.Name != schema.EventOperation {
			return
		}
		var req schema.RequestMessage
		if err := json.Unmarshal(m.Payload, &req); err != nil || req.IsSignal {
			return
		}
		var resp *schema.ResponseMessage
		if req.IsLockRequest() {
			resp = &schema.ResponseMessage{Result: json.RawMessage(schema.LockAcquiredResult)}
		} else {
			resp = handle(&req)
		}
		payload, _ := json.Marshal(resp)
		rt().RaiseEvent(schema.ResponseEventName(req.ID.String()), payload)
	}
}

func testConfig() Config {
	return Config{
		MaxActions:        100,
		MaxTimerDuration:  6 * 24 * time.Hour,
		LongTimerInterval: 3 * 24 * time.Hour,
		HTTPPollInterval:  30 * time.Second,
	}
}

func newTestRuntime(e Engine, fn Orchestrator, cfg Config) *Runtime {
	return NewRuntime(e, Instance{
		Identity: schema.InstanceIdentity{InstanceID: "orch-1", ExecutionID: "exec-1"},
		Name:     "TestOrchestration",
	}, fn, cfg)
}
