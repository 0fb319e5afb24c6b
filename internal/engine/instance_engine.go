package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/replaykit/internal/logging"
	"github.com/rendis/replaykit/internal/orchestration"
	"github.com/rendis/replaykit/pkg/schema"
)

// hostTask is an EngineTask completed by a host goroutine. Reading its result
// moves the episode clock to the completion time.
type hostTask struct {
	once    sync.Once
	done    chan struct{}
	data    []byte
	err     error
	at      time.Time
	observe func(time.Time)
}

func newHostTask(observe func(time.Time)) *hostTask {
	return &hostTask{done: make(chan struct{}), observe: observe}
}

func (t *hostTask) complete(data []byte, err error, at time.Time) {
	t.once.Do(func() {
		t.data, t.err, t.at = data, err, at
		close(t.done)
	})
}

func (t *hostTask) Done() <-chan struct{} { return t.done }

func (t *hostTask) Result() ([]byte, error) {
	if t.observe != nil && !t.at.IsZero() {
		t.observe(t.at)
	}
	return t.data, t.err
}

// episodeClock is the orchestration's notion of now: the start of the
// episode, then the completion time of the latest result it read.
type episodeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *episodeClock) observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

func (c *episodeClock) current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// sentEvent is the history payload of event_sent.
type sentEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// subOrchestrationRecord is the history payload of sub_orchestration_created.
type subOrchestrationRecord struct {
	InstanceID    string `json:"instanceId"`
	FireAndForget bool   `json:"fireAndForget,omitempty"`
}

// instanceEngine implements orchestration.Engine for one live episode. Every
// action and completion is appended to the instance history, keyed by a task
// id assigned in scheduling order.
type instanceEngine struct {
	h        *Host
	inst     *instance
	identity schema.InstanceIdentity
	clock    episodeClock
	logger   *slog.Logger

	mu     sync.Mutex
	nextID int64
	closed bool
	wg     sync.WaitGroup
}

func newInstanceEngine(inst *instance, identity schema.InstanceIdentity, started time.Time) *instanceEngine {
	return &instanceEngine{
		h:        inst.h,
		inst:     inst,
		identity: identity,
		clock:    episodeClock{now: started},
		logger:   inst.h.logger.With(slog.String("instance_id", identity.InstanceID)),
	}
}

func (e *instanceEngine) taskID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	return e.nextID
}

// record appends ev to the instance history. Records after close are dropped.
func (e *instanceEngine) record(ev *schema.HistoryEvent) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil
	}
	ev.InstanceID = e.identity.InstanceID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.h.clock.Now()
	}
	return e.h.store.AppendHistory(context.WithoutCancel(e.h.ctx), ev)
}

func (e *instanceEngine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// close waits for every task goroutine and then stops recording.
func (e *instanceEngine) close() {
	e.wg.Wait()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *instanceEngine) newTask() *hostTask { return newHostTask(e.clock.observe) }

// finishTask records the completion of task id and completes the task with
// exactly what was recorded, so live and replayed episodes see the same
// values.
func (e *instanceEngine) finishTask(task *hostTask, id int64, okType, failType string, data []byte, err error) {
	at := e.h.clock.Now()
	ev := &schema.HistoryEvent{TaskID: id, Timestamp: at}
	if err != nil {
		rerr := recordedError(err)
		ev.Type, ev.Error = failType, rerr
		err = rerr
		data = nil
	} else {
		ev.Type, ev.Payload = okType, data
	}
	if rerr := e.record(ev); rerr != nil {
		e.logger.Error("cannot record task completion", slog.Int64("task_id", id), slog.String("error", rerr.Error()))
	}
	task.complete(data, err, at)
}

func (e *instanceEngine) ScheduleTask(ctx context.Context, name, _ string, input []byte, opts orchestration.TaskOptions) orchestration.EngineTask {
	id := e.taskID()
	task := e.newTask()
	if err := e.record(&schema.HistoryEvent{Type: schema.HistoryTaskScheduled, Name: name, TaskID: id, Payload: input}); err != nil {
		task.complete(nil, err, e.h.clock.Now())
		return task
	}
	fn, err := e.h.activity(name)
	if err != nil {
		e.finishTask(task, id, schema.HistoryTaskCompleted, schema.HistoryTaskFailed, nil, err)
		return task
	}
	e.spawn(func() {
		data, err := e.h.retry.run(ctx, name, opts.Retry, func(ctx context.Context) ([]byte, error) {
			return e.h.runActivity(ctx, name, fn, input)
		})
		e.finishTask(task, id, schema.HistoryTaskCompleted, schema.HistoryTaskFailed, data, err)
	})
	return task
}

func (e *instanceEngine) CreateSubOrchestration(ctx context.Context, name, _ string, instanceID string, input []byte, opts orchestration.SubOrchestrationOptions) orchestration.EngineTask {
	id := e.taskID()
	task := e.newTask()
	if err := e.record(&schema.HistoryEvent{
		Type:    schema.HistorySubOrchestrationStart,
		Name:    name,
		TaskID:  id,
		Payload: mustMarshal(subOrchestrationRecord{InstanceID: instanceID, FireAndForget: opts.FireAndForget}),
	}); err != nil {
		task.complete(nil, err, e.h.clock.Now())
		return task
	}

	if opts.FireAndForget {
		if _, err := e.h.start(context.WithoutCancel(ctx), startRequest{name: name, instanceID: instanceID, input: input}); err != nil {
			e.logger.Warn("fire-and-forget start failed", slog.String("function", name), slog.String("error", err.Error()))
		}
		task.complete(nil, nil, time.Time{})
		return task
	}

	e.spawn(func() {
		attempt := 0
		data, err := e.h.retry.run(ctx, name, opts.Retry, func(ctx context.Context) ([]byte, error) {
			attempt++
			child := instanceID
			if attempt > 1 {
				child = fmt.Sprintf("%s#%d", instanceID, attempt)
			}
			return e.h.runChild(ctx, name, child, e.identity.InstanceID, input)
		})
		e.finishTask(task, id, schema.HistorySubOrchestrationDone, schema.HistorySubOrchestrationError, data, err)
	})
	return task
}

func (e *instanceEngine) CreateTimer(ctx context.Context, fireAt time.Time) orchestration.EngineTask {
	id := e.taskID()
	task := e.newTask()
	fireAt = fireAt.UTC()
	if err := e.record(&schema.HistoryEvent{Type: schema.HistoryTimerCreated, TaskID: id, Payload: mustMarshal(fireAt)}); err != nil {
		task.complete(nil, err, e.h.clock.Now())
		return task
	}
	e.spawn(func() {
		<-e.h.clock.Until(ctx, fireAt)
		if now := e.h.clock.Now(); now.Before(fireAt) {
			err := schema.NewError(schema.ErrCodeCancelled, "timer cancelled")
			if rerr := e.record(&schema.HistoryEvent{Type: schema.HistoryTimerCancelled, TaskID: id, Error: err, Timestamp: now}); rerr != nil {
				e.logger.Error("cannot record timer", slog.String("error", rerr.Error()))
			}
			task.complete(nil, err, now)
			return
		}
		if rerr := e.record(&schema.HistoryEvent{Type: schema.HistoryTimerFired, TaskID: id, Timestamp: fireAt}); rerr != nil {
			e.logger.Error("cannot record timer", slog.String("error", rerr.Error()))
		}
		task.complete(nil, nil, fireAt)
	})
	return task
}

func (e *instanceEngine) SendEvent(ctx context.Context, instanceID, eventName string, payload []byte) error {
	id := e.taskID()
	if err := e.record(&schema.HistoryEvent{
		Type:    schema.HistoryEventSent,
		Name:    instanceID,
		TaskID:  id,
		Payload: mustMarshal(sentEvent{Event: eventName, Payload: payload}),
	}); err != nil {
		return err
	}
	return e.h.deliver(ctx, instanceID, eventName, payload)
}

func (e *instanceEngine) CurrentTime() time.Time { return e.clock.current() }

func (e *instanceEngine) IsReplaying() bool { return false }

func (h *Host) activity(name string) (Activity, error) {
	if name == schema.HTTPActivityName {
		return h.http, nil
	}
	return h.registry.Activity(name)
}

// runActivity makes one attempt of an activity on the worker pool, guarded
// by the activity's circuit breaker.
func (h *Host) runActivity(ctx context.Context, name string, fn Activity, input []byte) ([]byte, error) {
	if err := h.breakers.AllowRequest(name); err != nil {
		h.metrics.CircuitRejected(name)
		return nil, err
	}
	data, err := h.pool.Call(ctx, func(ctx context.Context) ([]byte, error) {
		return fn(logging.WithFunction(ctx, name), input)
	})
	switch {
	case err == nil:
		h.breakers.RecordSuccess(name)
	case ctx.Err() != nil:
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "activity %q cancelled", name).WithCause(ctx.Err())
	default:
		if h.breakers.RecordFailure(name) == CircuitOpen {
			h.logger.Warn("circuit opened", slog.String("activity", name))
		}
	}
	return data, err
}

// runChild starts a linked sub-orchestration and waits for its outcome.
func (h *Host) runChild(ctx context.Context, name, instanceID, parent string, input []byte) ([]byte, error) {
	if _, err := h.start(ctx, startRequest{name: name, instanceID: instanceID, parent: parent, input: input}); err != nil {
		return nil, err
	}
	rec, err := h.WaitForCompletion(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case schema.StatusCompleted:
		return rec.Output, nil
	case schema.StatusFailed:
		if rec.Error != nil {
			return nil, rec.Error
		}
		return nil, schema.NewErrorf(schema.ErrCodeTaskFailed, "sub-orchestration %s failed", instanceID)
	case schema.StatusTerminated:
		return nil, schema.NewErrorf(schema.ErrCodeTaskFailed, "sub-orchestration %s was terminated", instanceID).WithTarget(name)
	default:
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "sub-orchestration wait cancelled").WithCause(ctx.Err())
		}
		return nil, schema.NewErrorf(schema.ErrCodeTaskFailed, "sub-orchestration %s stopped in status %s", instanceID, rec.Status)
	}
}

// recordedError is err as it reads back from history: a DurableError
// without cause whose details went through JSON.
func recordedError(err error) *schema.DurableError {
	de := asDurable(err)
	data, merr := json.Marshal(de)
	if merr != nil {
		return &schema.DurableError{Code: de.Code, Message: de.Message, Target: de.Target}
	}
	var out schema.DurableError
	if uerr := json.Unmarshal(data, &out); uerr != nil {
		return &schema.DurableError{Code: de.Code, Message: de.Message, Target: de.Target}
	}
	return &out
}

var _ orchestration.Engine = (*instanceEngine)(nil)
