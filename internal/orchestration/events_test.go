package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/replaykit/pkg/schema"
)

func TestWaitForExternalEvent_BufferedEventResolvesImmediately(t *testing.T) {
	var rt *Runtime
	var before, after int
	rt = newTestRuntime(newFakeEngine(), func(ctx Context) (any, error) {
		before = rt.events.bufferedCount("Approval")
		var approved bool
		err := ctx.WaitForExternalEvent("Approval", 0).Await(&approved)
		after = rt.events.bufferedCount("Approval")
		return approved, err
	}, testConfig())
	rt.RaiseEvent("Approval", []byte(`true`))

	out := rt.Run(context.Background())
	require.NoError(t, out.Err)
	assert.JSONEq(t, "true", string(out.Output))
	assert.Equal(t, 1, before)
	assert.Zero(t, after)
}

func TestWaitForExternalEvent_BufferIsFIFO(t *testing.T) {
	rt := newTestRuntime(newFakeEngine(), func(ctx Context) (any, error) {
		var got []int
		for range 3 {
			var v int
			if err := ctx.WaitForExternalEvent("n", 0).Await(&v); err != nil {
				return nil, err
			}
			got = append(got, v)
		}
		return got, nil
	}, testConfig())
	rt.RaiseEvent("n", []byte(`1`))
	rt.RaiseEvent("N", []byte(`2`))
	rt.RaiseEvent("n", []byte(`3`))

	out := rt.Run(context.Background())
	require.NoError(t, out.Err)
	assert.JSONEq(t, "[1,2,3]", string(out.Output))
}

func TestWaitForExternalEvent_LatestWaiterWins(t *testing.T) {
	registered := make(chan struct{})
	var first, second string
	rt := newTestRuntime(newFakeEngine(), func(ctx Context) (any, error) {
		older := ctx.WaitForExternalEvent("signal", 0)
		newer := ctx.WaitForExternalEvent("signal", 0)
		close(registered)
		if err := newer.Await(&second); err != nil {
			return nil, err
		}
		return nil, older.Await(&first)
	}, testConfig())

	done := make(chan *Outcome)
	go func() { done <- rt.Run(context.Background()) }()
	<-registered
	assert.Equal(t, 2, rt.events.pendingWaiters("signal"))
	rt.RaiseEvent("signal", []byte(`"a"`))
	rt.RaiseEvent("signal", []byte(`"b"`))

	require.NoError(t, (<-done).Err)
	assert.Equal(t, "a", second, "the most recent waiter is resolved first")
	assert.Equal(t, "b", first)
}

func TestWaitForExternalEvent_Timeout(t *testing.T) {
	var rt *Runtime
	var pending int
	rt = newTestRuntime(newFakeEngine(), func(ctx Context) (any, error) {
		err := ctx.WaitForExternalEvent("late", time.Hour).Await(nil)
		pending = rt.events.pendingWaiters("late")
		return nil, err
	}, testConfig())

	out := rt.Run(context.Background())
	assert.True(t, schema.HasCode(out.Err, schema.ErrCodeTimeout))
	assert.Zero(t, pending, "the abandoned waiter is withdrawn")
	assert.Equal(t, 1, out.Actions)

	// A late event no longer has a waiter and is buffered.
	rt.RaiseEvent("late", []byte(`1`))
	assert.Equal(t, 1, rt.events.bufferedCount("late"))
}

func TestWaitForExternalEventOrDefault(t *testing.T) {
	rt := newTestRuntime(newFakeEngine(), func(ctx Context) (any, error) {
		var v string
		err := ctx.WaitForExternalEventOrDefault("answer", time.Minute, "fallback").Await(&v)
		return v, err
	}, testConfig())
	out := rt.Run(context.Background())
	require.NoError(t, out.Err)
	assert.JSONEq(t, `"fallback"`, string(out.Output))
}

func TestWaitForExternalEvent_EventBeatsTimer(t *testing.T) {
	e := newFakeEngine()
	e.holdTimers = true
	rt := newTestRuntime(e, func(ctx Context) (any, error) {
		var v int
		err := ctx.WaitForExternalEvent("fast", time.Hour).Await(&v)
		return v, err
	}, testConfig())
	rt.RaiseEvent("fast", []byte(`9`))

	out := rt.Run(context.Background())
	require.NoError(t, out.Err)
	assert.JSONEq(t, "9", string(out.Output))
	assert.Eventually(t, func() bool {
		recs := e.timerRecords()
		return len(recs) == 1 && recs[0].Cancelled
	}, time.Second, time.Millisecond, "the racing timer is cancelled")
}

func TestWaitForExternalEvent_HeldTimerFires(t *testing.T) {
	e := newFakeEngine()
	e.holdTimers = true
	registered := make(chan struct{})
	rt := newTestRuntime(e, func(ctx Context) (any, error) {
		task := ctx.WaitForExternalEvent("never", time.Hour)
		close(registered)
		return nil, task.Await(nil)
	}, testConfig())

	done := make(chan *Outcome)
	go func() { done <- rt.Run(context.Background()) }()
	<-registered
	e.fireHeldTimers()
	out := <-done
	assert.True(t, schema.HasCode(out.Err, schema.ErrCodeTimeout))
}

func TestWaitForExternalEvent_PayloadTypeMismatch(t *testing.T) {
	rt := newTestRuntime(newFakeEngine(), func(ctx Context) (any, error) {
		var n int
		return nil, ctx.WaitForExternalEvent("typed", 0).Await(&n)
	}, testConfig())
	rt.RaiseEvent("typed", []byte(`"not a number"`))
	out := rt.Run(context.Background())
	assert.True(t, schema.HasCode(out.Err, schema.ErrCodeValidation))
}

func TestWaitForExternalEvent_Validation(t *testing.T) {
	rt := newTestRuntime(newFakeEngine(), func(ctx Context) (any, error) {
		return nil, ctx.WaitForExternalEvent(" ", 0).Await(nil)
	}, testConfig())
	assert.True(t, schema.HasCode(rt.Run(context.Background()).Err, schema.ErrCodeValidation))
}

type replayingEngine struct {
	*fakeEngine
	recorded map[int64][]RaisedEvent
	asked    []int64
}

func (e *replayingEngine) EventsAt(step int64) []RaisedEvent {
	e.asked = append(e.asked, step)
	return e.recorded[step]
}

func TestEventReplayer_InjectsRecordedEventsAtTheirStep(t *testing.T) {
	fe := newFakeEngine()
	fe.holdTimers = true
	fe.replaying = true
	e := &replayingEngine{fakeEngine: fe, recorded: map[int64][]RaisedEvent{
		0: {{Name: "early", Payload: []byte(`"buffered"`)}},
		2: {{Name: "race", Payload: []byte(`"won"`)}},
	}}

	var early, race string
	rt := newTestRuntime(e, func(ctx Context) (any, error) {
		if err := ctx.WaitForExternalEvent("early", 0).Await(&early); err != nil {
			return nil, err
		}
		return nil, ctx.WaitForExternalEvent("race", time.Hour).Await(&race)
	}, testConfig())

	out := rt.Run(context.Background())
	require.NoError(t, out.Err)
	assert.Equal(t, "buffered", early)
	assert.Equal(t, "won", race)
	assert.Equal(t, []int64{0, 1, 2, 3}, e.asked)
}

func TestRaiseEvent_ReportsStep(t *testing.T) {
	registered := make(chan struct{})
	rt := newTestRuntime(newFakeEngine(), func(ctx Context) (any, error) {
		a := ctx.WaitForExternalEvent("a", 0)
		close(registered)
		return nil, a.Await(nil)
	}, testConfig())
	assert.Equal(t, int64(0), rt.RaiseEvent("early", nil))

	done := make(chan *Outcome)
	go func() { done <- rt.Run(context.Background()) }()
	<-registered
	assert.Equal(t, int64(1), rt.RaiseEvent("a", nil))
	require.NoError(t, (<-done).Err)
}
