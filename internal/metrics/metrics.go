// Package metrics records host activity as Prometheus collectors and
// OpenTelemetry spans.
//
// Metrics exposed (all namespaced with "replaykit_"):
//
//   - episodes_total (counter): orchestration episodes by function and outcome.
//   - episode_duration_seconds (histogram): wall time of one episode.
//   - actions_total (counter): actions scheduled by orchestrations, by function.
//   - activity_attempts_total (counter): activity attempts by activity and outcome.
//   - entity_batches_total (counter): entity batches by entity name and outcome.
//   - entity_operations_total (counter): operations executed inside batches.
//   - entity_locks_held (gauge): entities currently locked by an orchestration.
//   - circuit_open_total (counter): activity calls rejected by an open circuit.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const namespace = "replaykit"

// Outcome labels.
const (
	OutcomeCompleted      = "completed"
	OutcomeFailed         = "failed"
	OutcomeContinuedAsNew = "continued_as_new"
	OutcomeTerminated     = "terminated"
	OutcomeRetried        = "retried"
)

// Metrics holds the host collectors and the tracer used for spans.
type Metrics struct {
	episodes        *prometheus.CounterVec
	episodeDuration *prometheus.HistogramVec
	actions         *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	batches         *prometheus.CounterVec
	operations      *prometheus.CounterVec
	locksHeld       prometheus.Gauge
	circuitOpen     *prometheus.CounterVec

	tracer trace.Tracer
}

// New registers the host collectors with registry and takes spans from tp.
// A nil registry uses prometheus.DefaultRegisterer; a nil tp disables spans.
func New(registry prometheus.Registerer, tp trace.TracerProvider) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	factory := promauto.With(registry)

	return &Metrics{
		episodes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodes_total",
			Help:      "Orchestration episodes run, by function and outcome",
		}, []string{"function", "outcome"}),
		episodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "episode_duration_seconds",
			Help:      "Wall time of one orchestration episode",
			Buckets:   []float64{.001, .01, .1, .5, 1, 5, 30, 120},
		}, []string{"function"}),
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Actions scheduled by orchestrations",
		}, []string{"function"}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_attempts_total",
			Help:      "Activity attempts, by activity and outcome",
		}, []string{"activity", "outcome"}),
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_batches_total",
			Help:      "Entity batches processed, by entity name and outcome",
		}, []string{"entity", "outcome"}),
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_operations_total",
			Help:      "Entity operations executed inside batches",
		}, []string{"entity"}),
		locksHeld: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entity_locks_held",
			Help:      "Entities currently locked by an orchestration",
		}),
		circuitOpen: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_open_total",
			Help:      "Activity calls rejected because the circuit was open",
		}, []string{"activity"}),
		tracer: tp.Tracer("github.com/rendis/replaykit"),
	}
}

// EpisodeDone is returned by StartEpisode and ends the episode span.
type EpisodeDone func(outcome string, actions int, err error)

// StartEpisode opens a span for one run of an orchestration.
func (m *Metrics) StartEpisode(ctx context.Context, instanceID, executionID, function string) (context.Context, EpisodeDone) {
	if m == nil {
		return ctx, func(string, int, error) {}
	}
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "orchestration.episode",
		trace.WithAttributes(
			attribute.String("replaykit.instance_id", instanceID),
			attribute.String("replaykit.execution_id", executionID),
			attribute.String("replaykit.function", function),
		))
	return ctx, func(outcome string, actions int, err error) {
		m.episodes.WithLabelValues(function, outcome).Inc()
		m.episodeDuration.WithLabelValues(function).Observe(time.Since(start).Seconds())
		m.actions.WithLabelValues(function).Add(float64(actions))
		span.SetAttributes(
			attribute.String("replaykit.outcome", outcome),
			attribute.Int("replaykit.actions", actions),
		)
		endSpan(span, err)
	}
}

// BatchDone is returned by StartBatch and ends the batch span.
type BatchDone func(operations int, err error)

// StartBatch opens a span for one entity batch.
func (m *Metrics) StartBatch(ctx context.Context, entityID, entityName string, events int) (context.Context, BatchDone) {
	if m == nil {
		return ctx, func(int, error) {}
	}
	ctx, span := m.tracer.Start(ctx, "entity.batch",
		trace.WithAttributes(
			attribute.String("replaykit.entity_id", entityID),
			attribute.Int("replaykit.events", events),
		))
	return ctx, func(operations int, err error) {
		outcome := OutcomeCompleted
		if err != nil {
			outcome = OutcomeFailed
		}
		m.batches.WithLabelValues(entityName, outcome).Inc()
		m.operations.WithLabelValues(entityName).Add(float64(operations))
		span.SetAttributes(attribute.Int("replaykit.operations", operations))
		endSpan(span, err)
	}
}

// ActivityAttempt counts one activity attempt.
func (m *Metrics) ActivityAttempt(activity, outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(activity, outcome).Inc()
}

// CircuitRejected counts a call rejected by an open circuit.
func (m *Metrics) CircuitRejected(activity string) {
	if m == nil {
		return
	}
	m.circuitOpen.WithLabelValues(activity).Inc()
}

// LockTaken and LockReleased track entities held by orchestrations.
func (m *Metrics) LockTaken() {
	if m == nil {
		return
	}
	m.locksHeld.Inc()
}

func (m *Metrics) LockReleased() {
	if m == nil {
		return
	}
	m.locksHeld.Dec()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
