package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type testMetrics struct {
	*Metrics
	reg      *prometheus.Registry
	exporter *tracetest.InMemoryExporter
}

func newTestMetrics(t *testing.T) *testMetrics {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	reg := prometheus.NewRegistry()
	return &testMetrics{Metrics: New(reg, tp), reg: reg, exporter: exporter}
}

// value returns the sample of the named family whose labels include all of
// labels, or 0 when there is none.
func (tm *testMetrics) value(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := tm.reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			have := map[string]string{}
			for _, lp := range m.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if have[k] != v {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func TestEpisode_RecordsCountersAndSpan(t *testing.T) {
	m := newTestMetrics(t)

	_, done := m.StartEpisode(context.Background(), "order-1", "exec-1", "ProcessOrder")
	done(OutcomeCompleted, 4, nil)

	assert.Equal(t, 1.0, m.value(t, "replaykit_episodes_total",
		map[string]string{"function": "ProcessOrder", "outcome": OutcomeCompleted}))
	assert.Equal(t, 4.0, m.value(t, "replaykit_actions_total", map[string]string{"function": "ProcessOrder"}))

	spans := m.exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "orchestration.episode", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
}

func TestBatch_FailureMarksSpan(t *testing.T) {
	m := newTestMetrics(t)

	_, done := m.StartBatch(context.Background(), "@counter@a", "counter", 3)
	done(2, errors.New("checkpoint failed"))

	assert.Equal(t, 1.0, m.value(t, "replaykit_entity_batches_total",
		map[string]string{"entity": "counter", "outcome": OutcomeFailed}))
	assert.Equal(t, 2.0, m.value(t, "replaykit_entity_operations_total", map[string]string{"entity": "counter"}))

	spans := m.exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "checkpoint failed", spans[0].Status.Description)
}

func TestLocksAndAttempts(t *testing.T) {
	m := newTestMetrics(t)

	m.LockTaken()
	m.LockTaken()
	m.LockReleased()
	assert.Equal(t, 1.0, m.value(t, "replaykit_entity_locks_held", nil))

	m.ActivityAttempt("charge", OutcomeRetried)
	m.ActivityAttempt("charge", OutcomeCompleted)
	m.CircuitRejected("charge")
	assert.Equal(t, 1.0, m.value(t, "replaykit_activity_attempts_total",
		map[string]string{"activity": "charge", "outcome": OutcomeRetried}))
	assert.Equal(t, 1.0, m.value(t, "replaykit_circuit_open_total", map[string]string{"activity": "charge"}))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx, done := m.StartEpisode(context.Background(), "i", "e", "f")
	assert.NotNil(t, ctx)
	done(OutcomeFailed, 0, errors.New("x"))
	_, bdone := m.StartBatch(context.Background(), "@a@b", "a", 1)
	bdone(0, nil)
	m.ActivityAttempt("a", OutcomeCompleted)
	m.LockTaken()
	m.LockReleased()
	m.CircuitRejected("a")
}
