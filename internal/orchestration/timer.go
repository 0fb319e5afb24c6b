package orchestration

import (
	"context"
	"time"

	"github.com/rendis/replaykit/pkg/schema"
)

// durableTimer is a timer that may span several engine timers. When the
// target is further away than MaxTimerDuration it is armed in chunks of
// LongTimerInterval, each re-armed from the previous chunk's fire time until
// the target is reached. Every chunk is one action.
type durableTimer struct {
	r       *Runtime
	ctx     context.Context
	target  time.Time
	current EngineTask
	fireAt  time.Time
	chunks  int
}

func (r *Runtime) startTimer(ctx context.Context, target time.Time) (*durableTimer, error) {
	t := &durableTimer{r: r, ctx: ctx, target: target.UTC()}
	if err := t.arm(r.CurrentTime()); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *durableTimer) arm(from time.Time) error {
	if err := t.r.reserveAction("timer"); err != nil {
		return err
	}
	t.fireAt = t.target
	if t.target.Sub(from) > t.r.cfg.MaxTimerDuration {
		t.fireAt = from.Add(t.r.cfg.LongTimerInterval)
	}
	t.current = t.r.engine.CreateTimer(t.ctx, t.fireAt)
	t.chunks++
	return nil
}

// Done is closed when the current chunk fires.
func (t *durableTimer) Done() <-chan struct{} {
	return t.current.Done()
}

// advance is called once the current chunk is done. It reports whether the
// whole timer has elapsed, arming the next chunk otherwise.
func (t *durableTimer) advance() (bool, error) {
	if _, err := t.current.Result(); err != nil {
		return true, err
	}
	if !t.fireAt.Before(t.target) {
		return true, nil
	}
	if err := t.arm(t.fireAt); err != nil {
		return true, err
	}
	return false, nil
}

// wait flushes the outbox and blocks until the timer has elapsed.
func (t *durableTimer) wait() error {
	if err := t.r.flush(); err != nil {
		return err
	}
	for {
		select {
		case <-t.Done():
		case <-t.r.ctx.Done():
			return schema.NewError(schema.ErrCodeCancelled, "orchestration cancelled while awaiting a timer").
				WithCause(t.r.ctx.Err())
		}
		finished, err := t.advance()
		if finished {
			return err
		}
	}
}

func (r *Runtime) CreateTimer(fireAt time.Time) Task {
	exit, err := r.Guard().Enter("CreateTimer")
	if err != nil {
		return failedTask{err}
	}
	defer exit()

	t, err := r.startTimer(r.ctx, fireAt)
	if err != nil {
		return failedTask{err}
	}
	return &lazyTask{r: r, run: func() ([]byte, error) {
		return nil, t.wait()
	}}
}
