package engine

import (
	"log/slog"
	"time"

	"github.com/rendis/replaykit/internal/entity"
	"github.com/rendis/replaykit/internal/metrics"
	"github.com/rendis/replaykit/internal/orchestration"
	"github.com/rendis/replaykit/internal/store"
)

// DefaultReplayTimeout bounds one Replay call.
const DefaultReplayTimeout = 30 * time.Second

// Config tunes a Host.
type Config struct {
	Orchestration  orchestration.Config
	ReorderWindow  time.Duration
	Workers        int
	CircuitBreaker CircuitBreakerConfig
	HTTP           HTTPConfig
	ReplayTimeout  time.Duration
}

// DefaultConfig returns the host defaults.
func DefaultConfig() Config {
	return Config{
		Orchestration:  orchestration.DefaultConfig(),
		ReorderWindow:  entity.DefaultReorderWindow,
		Workers:        16,
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		ReplayTimeout:  DefaultReplayTimeout,
	}
}

// Option configures a Host.
type Option func(*Host)

// WithStore sets the persistence backend. Defaults to a MemoryStore.
func WithStore(s store.Store) Option {
	return func(h *Host) { h.store = s }
}

// WithClock sets the host clock. Defaults to RealClock.
func WithClock(c Clock) Option {
	return func(h *Host) { h.clock = c }
}

// WithLogger sets the host logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// WithMetrics records host activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(h *Host) { h.cfg = cfg }
}
