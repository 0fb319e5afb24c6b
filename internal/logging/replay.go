package logging

import (
	"context"
	"log/slog"
)

// ReplaySafeHandler drops records while the owning orchestration is replaying,
// so each log line is emitted once per run rather than once per replay.
type ReplaySafeHandler struct {
	inner     slog.Handler
	replaying func() bool
}

// NewReplaySafeHandler wraps inner; replaying is consulted for every record.
func NewReplaySafeHandler(inner slog.Handler, replaying func() bool) *ReplaySafeHandler {
	return &ReplaySafeHandler{inner: inner, replaying: replaying}
}

// ReplaySafe returns a logger that writes through logger's handler only when
// replaying reports false.
func ReplaySafe(logger *slog.Logger, replaying func() bool) *slog.Logger {
	return slog.New(NewReplaySafeHandler(logger.Handler(), replaying))
}

func (h *ReplaySafeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.replaying() {
		return false
	}
	return h.inner.Enabled(ctx, level)
}

func (h *ReplaySafeHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.replaying() {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *ReplaySafeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ReplaySafeHandler{inner: h.inner.WithAttrs(attrs), replaying: h.replaying}
}

func (h *ReplaySafeHandler) WithGroup(name string) slog.Handler {
	return &ReplaySafeHandler{inner: h.inner.WithGroup(name), replaying: h.replaying}
}
