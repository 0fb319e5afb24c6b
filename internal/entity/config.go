package entity

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/replaykit/internal/durable"
)

// DefaultReorderWindow bounds how long the sorter holds out-of-order messages.
const DefaultReorderWindow = 30 * time.Minute

// Config tunes a Processor.
type Config struct {
	// ReorderWindow is the message sorter window. Zero disables sorting.
	ReorderWindow time.Duration
	// Submit runs fire-and-forget starts after the batch flushes.
	// Nil starts a goroutine per start.
	Submit durable.Submitter
	// NewID generates request ids for outgoing signals. Defaults to uuid.New.
	NewID  func() uuid.UUID
	Logger *slog.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{ReorderWindow: DefaultReorderWindow}
}

func (c Config) withDefaults() Config {
	if c.Submit == nil {
		c.Submit = func(fn func()) { go fn() }
	}
	if c.NewID == nil {
		c.NewID = uuid.New
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Sender delivers flushed outbox messages.
type Sender interface {
	SendEvent(ctx context.Context, instanceID, eventName string, payload []byte) error
	StartOrchestration(ctx context.Context, name, instanceID string, input []byte) error
}
