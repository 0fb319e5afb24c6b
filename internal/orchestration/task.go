package orchestration

import (
	"encoding/json"
	"errors"

	"github.com/rendis/replaykit/pkg/schema"
)

// Task is the pending result of a durable call. Schedule several tasks and
// await each to fan out.
type Task interface {
	// Await blocks until the task completes and decodes its result into out,
	// which may be nil. Awaiting again returns the same outcome.
	Await(out any) error
}

// failedTask is returned for calls rejected before anything was scheduled.
type failedTask struct {
	err error
}

func (t failedTask) Await(any) error { return t.err }

// doneTask is already resolved.
type doneTask struct {
	data []byte
}

func (t doneTask) Await(out any) error { return decode(t.data, out) }

// result memoizes a resolved task.
type result struct {
	done bool
	data []byte
	err  error
}

func (res *result) set(data []byte, err error) {
	res.done, res.data, res.err = true, data, err
}

func (res *result) decode(out any) error {
	if res.err != nil {
		return res.err
	}
	return decode(res.data, out)
}

// callTask wraps an activity or sub-orchestration scheduled on the engine.
type callTask struct {
	r     *Runtime
	inner EngineTask
	kind  schema.FunctionType
	name  string
	res   result
}

func (t *callTask) Await(out any) error {
	exit, err := t.r.Guard().Enter("Await")
	if err != nil {
		return err
	}
	defer exit()
	if !t.res.done {
		data, err := t.r.await(t.inner)
		t.res.set(data, normalizeFailure(t.kind, t.name, err))
	}
	return t.res.decode(out)
}

// lazyTask runs a multi-step action, such as a chunked timer or a polled
// HTTP call, on the orchestrator goroutine when first awaited.
type lazyTask struct {
	r   *Runtime
	run func() ([]byte, error)
	res result
}

func (t *lazyTask) Await(out any) error {
	exit, err := t.r.Guard().Enter("Await")
	if err != nil {
		return err
	}
	defer exit()
	if !t.res.done {
		t.res.set(t.run())
	}
	return t.res.decode(out)
}

// await flushes the outbox and blocks until inner completes.
func (r *Runtime) await(inner EngineTask) ([]byte, error) {
	if err := r.flush(); err != nil {
		return nil, err
	}
	select {
	case <-inner.Done():
		return inner.Result()
	case <-r.ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "orchestration cancelled while awaiting").
			WithTarget(r.InstanceID()).WithCause(r.ctx.Err())
	}
}

// normalizeFailure wraps a downstream failure into TASK_FAILED carrying the
// target and its type. Timeout and transport failures of the built-in HTTP
// activity pass through as they are.
func normalizeFailure(kind schema.FunctionType, name string, err error) error {
	if err == nil {
		return nil
	}
	code := schema.CodeOf(err)
	switch code {
	case schema.ErrCodeCancelled, schema.ErrCodeBudgetExceeded, schema.ErrCodeDeterminism:
		return err
	case schema.ErrCodeTimeout, schema.ErrCodeHTTPTransport:
		if name == schema.HTTPActivityName {
			return err
		}
	}
	msg := err.Error()
	var de *schema.DurableError
	if errors.As(err, &de) {
		msg = de.Message
	}
	return schema.NewErrorf(schema.ErrCodeTaskFailed, "%s %q failed: %s", kind, name, msg).
		WithTarget(name).
		WithDetails(map[string]any{"type": kind.String(), "cause_code": code}).
		WithCause(err)
}

func decode(data []byte, out any) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "cannot decode result into %T: %v", out, err).WithCause(err)
	}
	return nil
}
