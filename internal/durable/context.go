// Package durable holds the state shared by orchestration and entity contexts:
// instance identity, received history, deferred post-completion tasks, the
// episode guard and the outbox.
package durable

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"github.com/rendis/replaykit/pkg/schema"
)

// DeferredTask runs after the episode or batch that registered it has completed.
type DeferredTask func(ctx context.Context) error

// Submitter runs fn asynchronously. The host passes its worker pool.
type Submitter func(fn func())

// Context is the common base of orchestration and entity contexts.
type Context struct {
	identity schema.InstanceIdentity
	name     string
	history  []*schema.HistoryEvent
	guard    Guard

	mu       sync.Mutex
	deferred []DeferredTask
}

// NewContext creates a common context for one run of the named function.
func NewContext(identity schema.InstanceIdentity, name string, history []*schema.HistoryEvent) *Context {
	return &Context{identity: identity, name: name, history: history}
}

func (c *Context) InstanceID() string  { return c.identity.InstanceID }
func (c *Context) ExecutionID() string { return c.identity.ExecutionID }
func (c *Context) Name() string        { return c.name }

// Identity returns the instance identity.
func (c *Context) Identity() schema.InstanceIdentity { return c.identity }

// History returns the history received for this episode.
func (c *Context) History() []*schema.HistoryEvent { return c.history }

// Guard returns the episode guard.
func (c *Context) Guard() *Guard { return &c.guard }

// Defer registers a task to run once the episode has completed.
func (c *Context) Defer(task DeferredTask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deferred = append(c.deferred, task)
}

// PendingDeferred returns the number of registered, not yet run, tasks.
func (c *Context) PendingDeferred() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deferred)
}

// RunDeferred drains the deferred list. With a nil submit the tasks run inline
// and their errors are combined; otherwise each task is handed to submit and
// errors go to onError.
func (c *Context) RunDeferred(ctx context.Context, submit Submitter, onError func(error)) error {
	c.mu.Lock()
	tasks := c.deferred
	c.deferred = nil
	c.mu.Unlock()

	if submit == nil {
		var errs error
		for _, t := range tasks {
			errs = multierr.Append(errs, t(ctx))
		}
		return errs
	}
	for _, t := range tasks {
		submit(func() {
			if err := t(ctx); err != nil && onError != nil {
				onError(err)
			}
		})
	}
	return nil
}
