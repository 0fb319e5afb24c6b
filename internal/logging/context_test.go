package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", InstanceID(ctx))
	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", Function(ctx))
	assert.Equal(t, "", Operation(ctx))

	ctx = WithIDs(ctx, "orch-1", "exec-1", "Checkout")
	ctx = WithOperation(ctx, "add")

	assert.Equal(t, "orch-1", InstanceID(ctx))
	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "Checkout", Function(ctx))
	assert.Equal(t, "add", Operation(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithIDs(context.Background(), "orch-abc", "exec-x", "Checkout")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "instance_id=orch-abc")
	assert.Contains(t, output, "execution_id=exec-x")
	assert.Contains(t, output, "function=Checkout")
	assert.NotContains(t, output, "operation=")
	assert.Contains(t, output, "test message")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogWith(context.Background(), logger).Info("no context")

	output := buf.String()
	assert.NotContains(t, output, "instance_id")
	assert.Contains(t, output, "no context")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithOperation(WithInstanceID(context.Background(), "@counter@a"), "add")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"instance_id":"@counter@a"`)
	assert.Contains(t, output, `"operation":"add"`)
	assert.NotContains(t, output, "execution_id")
}

func TestCorrelationHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "host")}).WithGroup("entity"))

	ctx := WithInstanceID(context.Background(), "orch-grp")
	logger.InfoContext(ctx, "grouped", "key", "val")

	output := buf.String()
	assert.Contains(t, output, "orch-grp")
	assert.Contains(t, output, `"component":"host"`)
	assert.Contains(t, output, "grouped")
}

func TestReplaySafe(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	replaying := true
	logger := ReplaySafe(base, func() bool { return replaying }).With("component", "orchestration")

	logger.Info("during replay")
	assert.Empty(t, buf.String())

	replaying = false
	logger.Info("live")
	assert.Contains(t, buf.String(), "live")
	assert.Contains(t, buf.String(), "component=orchestration")
	assert.NotContains(t, buf.String(), "during replay")
}
