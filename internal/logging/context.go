package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	instanceIDKey ctxKey = iota
	executionIDKey
	functionKey
	operationKey
)

// WithInstanceID returns a context with the instance ID set.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithFunction returns a context with the orchestrator, activity or entity name set.
func WithFunction(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, functionKey, name)
}

// WithOperation returns a context with the entity operation name set.
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey, op)
}

// InstanceID extracts the instance ID from the context, or "" if absent.
func InstanceID(ctx context.Context) string {
	v, _ := ctx.Value(instanceIDKey).(string)
	return v
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// Function extracts the function name from the context, or "" if absent.
func Function(ctx context.Context) string {
	v, _ := ctx.Value(functionKey).(string)
	return v
}

// Operation extracts the entity operation from the context, or "" if absent.
func Operation(ctx context.Context) string {
	v, _ := ctx.Value(operationKey).(string)
	return v
}

// WithIDs sets the instance, execution and function correlation values at once.
func WithIDs(ctx context.Context, instanceID, executionID, function string) context.Context {
	ctx = WithInstanceID(ctx, instanceID)
	ctx = WithExecutionID(ctx, executionID)
	ctx = WithFunction(ctx, function)
	return ctx
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := InstanceID(ctx); v != "" {
		attrs = append(attrs, slog.String("instance_id", v))
	}
	if v := ExecutionID(ctx); v != "" {
		attrs = append(attrs, slog.String("execution_id", v))
	}
	if v := Function(ctx); v != "" {
		attrs = append(attrs, slog.String("function", v))
	}
	if v := Operation(ctx); v != "" {
		attrs = append(attrs, slog.String("operation", v))
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
