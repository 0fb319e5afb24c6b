package orchestration

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rendis/replaykit/pkg/schema"
)

type waiter struct {
	name    string
	ch      chan struct{}
	payload []byte
	done    bool
}

type bufferedEvent struct {
	seq     int64
	payload []byte
}

// eventTable correlates external events with waiters. Waiters for one name
// form a deque: new waiters are pushed at the back and an arriving event
// resolves the back one, so the most recent wait wins. Events that arrive
// with no waiter are buffered FIFO per name.
//
// step counts the operations that change which waiter an event would reach
// (registrations and timeout decisions). Live runs report the step of each
// raised event; replays inject recorded events when the same step is reached.
type eventTable struct {
	mu       sync.Mutex
	replayer EventReplayer
	waiters  map[string][]*waiter
	buffered map[string][]bufferedEvent
	seq      int64
	step     int64
}

func newEventTable(engine Engine) *eventTable {
	replayer, _ := engine.(EventReplayer)
	return &eventTable{
		replayer: replayer,
		waiters:  make(map[string][]*waiter),
		buffered: make(map[string][]bufferedEvent),
	}
}

func eventKey(name string) string {
	return strings.ToLower(name)
}

// start buffers carried-over events and injects events recorded before the
// first operation.
func (t *eventTable) start(carry []RaisedEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ev := range carry {
		t.deliverLocked(ev.Name, ev.Payload)
	}
	t.injectLocked()
}

func (t *eventTable) raise(name string, payload []byte) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliverLocked(name, payload)
	return t.step
}

func (t *eventTable) deliverLocked(name string, payload []byte) {
	key := eventKey(name)
	if ws := t.waiters[key]; len(ws) > 0 {
		w := ws[len(ws)-1]
		t.waiters[key] = ws[:len(ws)-1]
		w.payload, w.done = payload, true
		close(w.ch)
		return
	}
	t.seq++
	t.buffered[key] = append(t.buffered[key], bufferedEvent{seq: t.seq, payload: payload})
}

func (t *eventTable) injectLocked() {
	if t.replayer == nil {
		return
	}
	for _, ev := range t.replayer.EventsAt(t.step) {
		t.deliverLocked(ev.Name, ev.Payload)
	}
}

// register adds a waiter for name, resolving it at once from the buffer when
// an event is already there.
func (t *eventTable) register(name string) *waiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := eventKey(name)
	w := &waiter{name: name, ch: make(chan struct{})}
	if buf := t.buffered[key]; len(buf) > 0 {
		w.payload, w.done = buf[0].payload, true
		close(w.ch)
		if len(buf) == 1 {
			delete(t.buffered, key)
		} else {
			t.buffered[key] = buf[1:]
		}
	} else {
		t.waiters[key] = append(t.waiters[key], w)
	}
	t.step++
	t.injectLocked()
	return w
}

// decide settles a wait whose timeout raced the event: the event wins if it
// was delivered, otherwise the waiter is withdrawn.
func (t *eventTable) decide(w *waiter) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	delivered := w.done
	if !delivered {
		key := eventKey(w.name)
		t.waiters[key] = slices.DeleteFunc(t.waiters[key], func(o *waiter) bool { return o == w })
		if len(t.waiters[key]) == 0 {
			delete(t.waiters, key)
		}
	}
	t.step++
	t.injectLocked()
	return delivered
}

// drainBuffered returns the unconsumed events in arrival order.
func (t *eventTable) drainBuffered() []RaisedEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	type item struct {
		name string
		ev   bufferedEvent
	}
	var all []item
	for name, buf := range t.buffered {
		for _, ev := range buf {
			all = append(all, item{name: name, ev: ev})
		}
	}
	slices.SortFunc(all, func(a, b item) int { return int(a.ev.seq - b.ev.seq) })
	out := make([]RaisedEvent, len(all))
	for i, it := range all {
		out[i] = RaisedEvent{Name: it.name, Payload: it.ev.payload}
	}
	clear(t.buffered)
	return out
}

func (t *eventTable) pendingWaiters(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters[eventKey(name)])
}

func (t *eventTable) bufferedCount(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffered[eventKey(name)])
}

// eventTask awaits one waiter, optionally racing a timer.
type eventTask struct {
	r       *Runtime
	w       *waiter
	timer   *durableTimer
	cancel  context.CancelFunc
	def     []byte
	withDef bool
	// onResolve post-processes the payload, for entity responses.
	onResolve func([]byte) ([]byte, error)
	res       result
}

func (t *eventTask) Await(out any) error {
	exit, err := t.r.Guard().Enter("Await")
	if err != nil {
		return err
	}
	defer exit()
	if !t.res.done {
		t.res.set(t.wait())
	}
	return t.res.decode(out)
}

func (t *eventTask) wait() ([]byte, error) {
	if err := t.r.flush(); err != nil {
		return nil, err
	}
	cancelled := func() error {
		return schema.NewErrorf(schema.ErrCodeCancelled, "orchestration cancelled while waiting for %q", t.w.name).
			WithCause(t.r.ctx.Err())
	}

	if t.timer == nil {
		select {
		case <-t.w.ch:
			return t.resolve()
		case <-t.r.ctx.Done():
			return nil, cancelled()
		}
	}

	for {
		select {
		case <-t.w.ch:
		case <-t.timer.Done():
			if finished, err := t.timer.advance(); !finished {
				continue
			} else if err != nil && !schema.HasCode(err, schema.ErrCodeCancelled) {
				t.cancel()
				return nil, err
			}
		case <-t.r.ctx.Done():
			return nil, cancelled()
		}
		break
	}

	if t.r.events.decide(t.w) {
		t.cancel()
		return t.resolve()
	}
	t.cancel()
	if t.withDef {
		return t.def, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeTimeout, "timed out waiting for external event %q", t.w.name).
		WithTarget(t.r.InstanceID())
}

func (t *eventTask) resolve() ([]byte, error) {
	if t.onResolve != nil {
		return t.onResolve(t.w.payload)
	}
	return t.w.payload, nil
}

// waitFor registers a waiter and, for a positive timeout, arms the racing
// timer under a cancellable context.
func (r *Runtime) waitFor(name string, timeout time.Duration) (*eventTask, error) {
	if strings.TrimSpace(name) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event name is required")
	}
	if timeout < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "negative timeout %s", timeout)
	}
	t := &eventTask{r: r}
	if timeout > 0 {
		tctx, cancel := context.WithCancel(r.ctx)
		timer, err := r.startTimer(tctx, r.CurrentTime().Add(timeout))
		if err != nil {
			cancel()
			return nil, err
		}
		t.timer, t.cancel = timer, cancel
	}
	t.w = r.events.register(name)
	return t, nil
}

func (r *Runtime) WaitForExternalEvent(name string, timeout time.Duration) Task {
	exit, err := r.Guard().Enter("WaitForExternalEvent")
	if err != nil {
		return failedTask{err}
	}
	defer exit()
	t, err := r.waitFor(name, timeout)
	if err != nil {
		return failedTask{err}
	}
	return t
}

func (r *Runtime) WaitForExternalEventOrDefault(name string, timeout time.Duration, def any) Task {
	exit, err := r.Guard().Enter("WaitForExternalEventOrDefault")
	if err != nil {
		return failedTask{err}
	}
	defer exit()
	data, err := marshalInput(def)
	if err != nil {
		return failedTask{err}
	}
	t, err := r.waitFor(name, timeout)
	if err != nil {
		return failedTask{err}
	}
	t.def, t.withDef = data, true
	return t
}
