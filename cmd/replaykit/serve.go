package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/replaykit/internal/engine"
	"github.com/rendis/replaykit/internal/metrics"
	"github.com/rendis/replaykit/internal/scheduler"
)

// ServeCmd runs the host until interrupted.
type ServeCmd struct {
	NoMetrics bool `help:"Do not serve /metrics."`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	rt, err := g.load(ctx)
	if err != nil {
		return err
	}
	cfg, logger := rt.cfg, rt.logger

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	reg, err := builtinRegistry()
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	host, err := engine.New(reg,
		engine.WithStore(st),
		engine.WithLogger(logger),
		engine.WithConfig(cfg.hostConfig()),
		engine.WithMetrics(metrics.New(promReg, tp)),
	)
	if err != nil {
		return err
	}
	defer host.Close()

	sched := scheduler.New(st, host, logger, scheduler.WithTickInterval(cfg.TickInterval))
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed job recovery failed", slog.String("error", err.Error()))
	}

	activities, orchestrators, entities := reg.Names()
	logger.Info("replaykit serving",
		slog.String("store", cfg.Store),
		slog.Any("activities", activities),
		slog.Any("orchestrators", orchestrators),
		slog.Any("entities", entities),
	)

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return sched.Run(gctx) })
	if !c.NoMetrics && cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(promReg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		eg.Go(func() error {
			logger.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	err = eg.Wait()
	logger.Info("replaykit stopped")
	return err
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
