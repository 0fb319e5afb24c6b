package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/rendis/replaykit/internal/logging"
	"github.com/rendis/replaykit/internal/orchestration"
	"github.com/rendis/replaykit/internal/store"
	"github.com/rendis/replaykit/pkg/schema"
)

// ReplayedAction is one action as scheduled by an orchestration.
type ReplayedAction struct {
	TaskID int64  `json:"task_id"`
	Type   string `json:"type"`
	Name   string `json:"name,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// ReplayReport is the result of re-running an instance's current generation
// against its recorded history.
type ReplayReport struct {
	InstanceID string               `json:"instance_id"`
	Output     json.RawMessage      `json:"output,omitempty"`
	Err        *schema.DurableError `json:"error,omitempty"`
	Actions    []ReplayedAction     `json:"actions"`
	// Frontier is set when the history ends before the orchestration does;
	// only the recorded prefix was checked.
	Frontier bool   `json:"frontier"`
	Diff     string `json:"diff,omitempty"`
}

// Replay re-runs the current generation of an instance from its history with
// no side effects. It fails with DETERMINISM_VIOLATION when the orchestrator
// schedules different actions or reaches a different outcome than recorded.
func (h *Host) Replay(ctx context.Context, instanceID string) (*ReplayReport, error) {
	rec, err := h.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	fn, err := h.registry.Orchestrator(rec.Name)
	if err != nil {
		return nil, err
	}
	history, err := store.LoadHistory(ctx, h.store, instanceID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 || history[0].Type != schema.HistoryExecutionStarted {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "history of %s has no execution_started record", instanceID)
	}

	runCtx, cancel := context.WithTimeout(ctx, h.cfg.ReplayTimeout)
	defer cancel()

	started := history[0]
	re := newReplayEngine(history, cancel)
	cfg := h.cfg.Orchestration
	cfg.ReorderWindow = h.cfg.ReorderWindow
	cfg.Logger = logging.ReplaySafe(cfg.Logger, re.IsReplaying)
	rt := orchestration.NewRuntime(re, orchestration.Instance{
		Identity:         rec.Identity(),
		ParentInstanceID: rec.ParentInstanceID,
		Name:             rec.Name,
		Input:            started.Payload,
		History:          history,
	}, fn, cfg)

	out := rt.Run(runCtx)
	re.wait()

	report := &ReplayReport{InstanceID: instanceID, Output: out.Output, Actions: re.replayed()}
	if out.Err != nil {
		report.Err = recordedError(out.Err)
	}

	re.mu.Lock()
	report.Frontier = re.frontier
	divergences := append([]string(nil), re.divergences...)
	re.mu.Unlock()

	if !report.Frontier && re.open() && runCtx.Err() != nil && ctx.Err() == nil {
		report.Frontier = true
	}

	recorded := re.recordedActions()
	replayed := report.Actions
	if report.Frontier && len(replayed) > len(recorded) {
		replayed = replayed[:len(recorded)]
	}
	if report.Frontier && len(recorded) > len(replayed) {
		recorded = recorded[:len(replayed)]
	}
	report.Diff = cmp.Diff(recorded, replayed, cmpopts.EquateEmpty())

	if !report.Frontier {
		if d := re.compareOutcome(out); d != "" {
			divergences = append(divergences, d)
		}
	}
	if report.Diff != "" || len(divergences) > 0 {
		if report.Diff == "" {
			report.Diff = divergences[0]
		}
		derr := schema.NewErrorf(schema.ErrCodeDeterminism, "replay of %s diverged from its history", instanceID).
			WithTarget(instanceID)
		if len(divergences) > 0 {
			derr = derr.WithDetails(map[string]any{"divergences": divergences})
		}
		return report, derr
	}
	return report, nil
}

// replayEngine serves recorded results in task id order. IsReplaying is
// always true.
type replayEngine struct {
	clock     episodeClock
	cancelRun context.CancelFunc

	scheduled map[int64]*schema.HistoryEvent
	completed map[int64]*schema.HistoryEvent
	events    map[int64][]orchestration.RaisedEvent
	maxTaskID int64
	outcome   *schema.HistoryEvent

	mu          sync.Mutex
	nextID      int64
	actions     []ReplayedAction
	divergences []string
	frontier    bool
	delivered   int
	consumed    int
	unfinished  int
	wg          sync.WaitGroup
}

func newReplayEngine(history []*schema.HistoryEvent, cancelRun context.CancelFunc) *replayEngine {
	e := &replayEngine{
		clock:     episodeClock{now: history[0].Timestamp},
		cancelRun: cancelRun,
		scheduled: make(map[int64]*schema.HistoryEvent),
		completed: make(map[int64]*schema.HistoryEvent),
		events:    make(map[int64][]orchestration.RaisedEvent),
	}
	for _, ev := range history {
		switch ev.Type {
		case schema.HistoryTaskScheduled, schema.HistorySubOrchestrationStart, schema.HistoryTimerCreated, schema.HistoryEventSent:
			e.scheduled[ev.TaskID] = ev
			if ev.TaskID > e.maxTaskID {
				e.maxTaskID = ev.TaskID
			}
		case schema.HistoryTaskCompleted, schema.HistoryTaskFailed,
			schema.HistorySubOrchestrationDone, schema.HistorySubOrchestrationError,
			schema.HistoryTimerFired, schema.HistoryTimerCancelled:
			e.completed[ev.TaskID] = ev
		case schema.HistoryEventRaised:
			e.events[ev.Step] = append(e.events[ev.Step], orchestration.RaisedEvent{Name: ev.Name, Payload: ev.Payload})
		case schema.HistoryExecutionCompleted, schema.HistoryExecutionFailed,
			schema.HistoryContinuedAsNew, schema.HistoryExecutionTerminated:
			e.outcome = ev
		}
	}
	return e
}

// open reports whether the history may still grow: the episode has no
// outcome or was cut short by termination.
func (e *replayEngine) open() bool {
	return e.outcome == nil || e.outcome.Type == schema.HistoryExecutionTerminated
}

func (e *replayEngine) observe(t time.Time) {
	e.clock.observe(t)
	e.mu.Lock()
	e.consumed++
	e.settleLocked()
	e.mu.Unlock()
}

// settleLocked stops an open replay once every recorded action was
// scheduled, every recorded result was read, and something recorded is
// still in flight: the orchestrator is blocked where the history ends.
func (e *replayEngine) settleLocked() {
	if !e.open() || e.frontier {
		return
	}
	if e.nextID >= e.maxTaskID && e.consumed >= e.delivered && e.unfinished > 0 {
		e.frontier = true
		e.cancelRun()
	}
}

func (e *replayEngine) reachFrontierLocked() {
	if !e.frontier {
		e.frontier = true
		e.cancelRun()
	}
}

func (e *replayEngine) divergeLocked(format string, args ...any) *hostTask {
	msg := fmt.Sprintf(format, args...)
	e.divergences = append(e.divergences, msg)
	task := newHostTask(nil)
	task.complete(nil, schema.NewError(schema.ErrCodeDeterminism, msg), time.Time{})
	return task
}

// next assigns the task id of an action and checks it against the record.
// A nil record with a nil task means the action is past the end of an open
// history.
func (e *replayEngine) next(action ReplayedAction) (*schema.HistoryEvent, *hostTask) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	action.TaskID = e.nextID
	e.actions = append(e.actions, action)

	rec, ok := e.scheduled[action.TaskID]
	if !ok {
		if e.open() {
			e.reachFrontierLocked()
			return nil, nil
		}
		return nil, e.divergeLocked("action %d (%s %s) is not in the history", action.TaskID, action.Type, action.Name)
	}
	if got := recordedAction(rec); got != action {
		return nil, e.divergeLocked("action %d: history has %s %q %s, orchestration scheduled %s %q %s",
			action.TaskID, got.Type, got.Name, got.Detail, action.Type, action.Name, action.Detail)
	}
	return rec, nil
}

// serve completes task from the recorded completion of id. Timer
// cancellations are served when ctx is cancelled, as they happened live.
func (e *replayEngine) serve(ctx context.Context, id int64) orchestration.EngineTask {
	task := newHostTask(e.observe)
	e.mu.Lock()
	defer e.mu.Unlock()
	done, ok := e.completed[id]
	if !ok {
		if e.open() {
			e.unfinished++
			e.settleLocked()
			return task
		}
		e.divergences = append(e.divergences, fmt.Sprintf("action %d has no recorded result", id))
		task.complete(nil, schema.NewErrorf(schema.ErrCodeDeterminism, "action %d has no recorded result", id), time.Time{})
		return task
	}

	var err error
	if done.Error != nil {
		err = done.Error
	}
	if done.Type == schema.HistoryTimerCancelled {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			<-ctx.Done()
			e.mu.Lock()
			e.delivered++
			e.mu.Unlock()
			task.complete(nil, err, done.Timestamp)
		}()
		return task
	}
	e.delivered++
	task.complete(done.Payload, err, done.Timestamp)
	e.settleLocked()
	return task
}

func (e *replayEngine) ScheduleTask(ctx context.Context, name, _ string, input []byte, _ orchestration.TaskOptions) orchestration.EngineTask {
	rec, failed := e.next(ReplayedAction{Type: schema.HistoryTaskScheduled, Name: name})
	if failed != nil {
		return failed
	}
	if rec == nil {
		return newHostTask(nil)
	}
	if !bytes.Equal(compactJSON(rec.Payload), compactJSON(input)) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.divergeLocked("action %d: activity %q input differs from history", rec.TaskID, name)
	}
	return e.serve(ctx, rec.TaskID)
}

func (e *replayEngine) CreateSubOrchestration(ctx context.Context, name, _ string, instanceID string, _ []byte, opts orchestration.SubOrchestrationOptions) orchestration.EngineTask {
	rec, failed := e.next(ReplayedAction{
		Type:   schema.HistorySubOrchestrationStart,
		Name:   name,
		Detail: subOrchestrationDetail(subOrchestrationRecord{InstanceID: instanceID, FireAndForget: opts.FireAndForget}),
	})
	if failed != nil {
		return failed
	}
	if rec == nil {
		return newHostTask(nil)
	}
	if opts.FireAndForget {
		task := newHostTask(nil)
		task.complete(nil, nil, time.Time{})
		return task
	}
	return e.serve(ctx, rec.TaskID)
}

func (e *replayEngine) CreateTimer(ctx context.Context, fireAt time.Time) orchestration.EngineTask {
	rec, failed := e.next(ReplayedAction{Type: schema.HistoryTimerCreated, Detail: fireAt.UTC().Format(time.RFC3339Nano)})
	if failed != nil {
		return failed
	}
	if rec == nil {
		return newHostTask(nil)
	}
	return e.serve(ctx, rec.TaskID)
}

func (e *replayEngine) SendEvent(_ context.Context, instanceID, eventName string, _ []byte) error {
	_, failed := e.next(ReplayedAction{Type: schema.HistoryEventSent, Name: instanceID, Detail: eventName})
	if failed != nil {
		_, err := failed.Result()
		return err
	}
	return nil
}

func (e *replayEngine) CurrentTime() time.Time { return e.clock.current() }

func (e *replayEngine) IsReplaying() bool { return true }

// EventsAt returns the external events recorded at step.
func (e *replayEngine) EventsAt(step int64) []orchestration.RaisedEvent {
	return e.events[step]
}

func (e *replayEngine) wait() { e.wg.Wait() }

func (e *replayEngine) replayed() []ReplayedAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ReplayedAction(nil), e.actions...)
}

func (e *replayEngine) recordedActions() []ReplayedAction {
	ids := make([]int64, 0, len(e.scheduled))
	for id := range e.scheduled {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]ReplayedAction, 0, len(ids))
	for _, id := range ids {
		out = append(out, recordedAction(e.scheduled[id]))
	}
	return out
}

// compareOutcome checks the replayed outcome against the terminal record.
func (e *replayEngine) compareOutcome(out *orchestration.Outcome) string {
	if e.outcome == nil {
		return ""
	}
	switch e.outcome.Type {
	case schema.HistoryExecutionCompleted:
		if out.Err != nil {
			return fmt.Sprintf("history completed, replay failed with %s", schema.CodeOf(out.Err))
		}
		if out.ContinueAsNew != nil {
			return "history completed, replay continued as new"
		}
		if !bytes.Equal(compactJSON(e.outcome.Payload), compactJSON(out.Output)) {
			return fmt.Sprintf("output differs: history %s, replay %s", e.outcome.Payload, out.Output)
		}
	case schema.HistoryExecutionFailed:
		if out.Err == nil {
			return "history failed, replay succeeded"
		}
		if want, got := e.outcome.Error.Code, schema.CodeOf(out.Err); want != got {
			return fmt.Sprintf("failure code differs: history %s, replay %s", want, got)
		}
	case schema.HistoryContinuedAsNew:
		if out.Err != nil || out.ContinueAsNew == nil {
			return "history continued as new, replay did not"
		}
		if !bytes.Equal(compactJSON(e.outcome.Payload), compactJSON(out.ContinueAsNew.Input)) {
			return "continue-as-new input differs from history"
		}
	}
	return ""
}

func recordedAction(ev *schema.HistoryEvent) ReplayedAction {
	a := ReplayedAction{TaskID: ev.TaskID, Type: ev.Type, Name: ev.Name}
	switch ev.Type {
	case schema.HistorySubOrchestrationStart:
		var rec subOrchestrationRecord
		_ = json.Unmarshal(ev.Payload, &rec)
		a.Detail = subOrchestrationDetail(rec)
	case schema.HistoryTimerCreated:
		var at time.Time
		if err := json.Unmarshal(ev.Payload, &at); err == nil {
			a.Detail = at.UTC().Format(time.RFC3339Nano)
		}
	case schema.HistoryEventSent:
		var sent sentEvent
		_ = json.Unmarshal(ev.Payload, &sent)
		a.Detail = sent.Event
	}
	return a
}

func subOrchestrationDetail(rec subOrchestrationRecord) string {
	if rec.FireAndForget {
		return rec.InstanceID + " (fire-and-forget)"
	}
	return rec.InstanceID
}

func compactJSON(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return data
	}
	return buf.Bytes()
}

var _ orchestration.EventReplayer = (*replayEngine)(nil)
