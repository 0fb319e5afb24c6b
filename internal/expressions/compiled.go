package expressions

import (
	"sync"

	"github.com/rendis/replaykit/pkg/schema"
)

// compiled memoizes the compiled form of each expression source. It is safe
// for concurrent use; a source is compiled at most once unless compilation
// fails.
type compiled[T any] struct {
	mu    sync.RWMutex
	progs map[string]T
}

func (c *compiled[T]) get(src string, build func(string) (T, error)) (T, error) {
	c.mu.RLock()
	p, ok := c.progs[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.progs[src]; ok {
		return p, nil
	}
	p, err := build(src)
	if err != nil {
		return p, err
	}
	if c.progs == nil {
		c.progs = make(map[string]T)
	}
	c.progs[src] = p
	return p, nil
}

func (c *compiled[T]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}

// exprError reports a failure of lang at stage (parse, compile, evaluation)
// as a VALIDATION_ERROR carrying the offending source.
func exprError(lang, stage, src string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s %s failed for %q: %v", lang, stage, src, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": src, "language": lang})
}

func emptyExpression(lang string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", lang)
}
