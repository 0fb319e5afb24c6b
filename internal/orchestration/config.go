package orchestration

import (
	"log/slog"
	"time"

	"github.com/rendis/replaykit/internal/entity"
	"github.com/rendis/replaykit/pkg/schema"
)

// Defaults for Config.
const (
	DefaultMaxActions        = 100000
	DefaultMaxTimerDuration  = 6 * 24 * time.Hour
	DefaultLongTimerInterval = 3 * 24 * time.Hour
	DefaultHTTPPollInterval  = 30 * time.Second
)

// Config bounds one orchestration run.
type Config struct {
	// MaxActions is the action budget of one episode.
	MaxActions int
	// MaxTimerDuration is the longest single timer the engine's storage accepts.
	MaxTimerDuration time.Duration
	// LongTimerInterval is the chunk length used for timers longer than
	// MaxTimerDuration. It must not exceed MaxTimerDuration.
	LongTimerInterval time.Duration
	// HTTPPollInterval is the polling delay of CallHTTP when a 202 response
	// carries no Retry-After header.
	HTTPPollInterval time.Duration
	// ReorderWindow labels entity-bound messages for the receiving sorter.
	ReorderWindow time.Duration
	Logger        *slog.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxActions:        DefaultMaxActions,
		MaxTimerDuration:  DefaultMaxTimerDuration,
		LongTimerInterval: DefaultLongTimerInterval,
		HTTPPollInterval:  DefaultHTTPPollInterval,
		ReorderWindow:     entity.DefaultReorderWindow,
	}
}

// Validate checks the timer bounds.
func (c Config) Validate() error {
	r := &schema.ValidationResult{}
	if c.MaxActions <= 0 {
		r.AddError("maxActions", schema.ErrCodeValidation, "maxActions must be positive")
	}
	if c.MaxTimerDuration <= 0 || c.LongTimerInterval <= 0 {
		r.AddError("maxTimerDuration", schema.ErrCodeValidation, "timer durations must be positive")
	} else if c.LongTimerInterval > c.MaxTimerDuration {
		r.AddError("longTimerInterval", schema.ErrCodeValidation, "longTimerInterval must not exceed maxTimerDuration")
	}
	return r.ToError()
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxActions <= 0 {
		c.MaxActions = d.MaxActions
	}
	if c.MaxTimerDuration <= 0 {
		c.MaxTimerDuration = d.MaxTimerDuration
	}
	if c.LongTimerInterval <= 0 {
		c.LongTimerInterval = min(d.LongTimerInterval, c.MaxTimerDuration)
	}
	if c.HTTPPollInterval <= 0 {
		c.HTTPPollInterval = d.HTTPPollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
