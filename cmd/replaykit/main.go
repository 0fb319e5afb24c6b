package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/rendis/replaykit/internal/logging"
)

// Globals are the flags shared by every command.
type Globals struct {
	Config string `help:"Settings file (JSON or YAML). Defaults to ~/.replaykit/settings.json." type:"path" env:"REPLAYKIT_CONFIG"`
}

// CLI is the replaykit command tree.
type CLI struct {
	Globals

	Serve    ServeCmd    `cmd:"" help:"Run the host, the cron scheduler and the metrics endpoint."`
	Run      RunCmd      `cmd:"" help:"Run one orchestration to completion."`
	Inspect  InspectCmd  `cmd:"" help:"Inspect stored instances and entities."`
	Schedule ScheduleCmd `cmd:"" help:"Manage cron-triggered orchestration starts."`
	Version  VersionCmd  `cmd:"" help:"Print the version."`
}

// runtime is what commands receive after configuration is loaded.
type runtime struct {
	ctx    context.Context
	cfg    Config
	logger *slog.Logger
}

func (g *Globals) load(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig(g.Config)
	if err != nil {
		return nil, err
	}
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(logging.NewCorrelationHandler(handler))
	slog.SetDefault(logger)
	return &runtime{ctx: ctx, cfg: cfg, logger: logger}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("replaykit"),
		kong.Description("Durable orchestrations and entities with deterministic replay."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Bind(&cli.Globals),
	)
	err := kctx.Run()
	stop()
	kctx.FatalIfErrorf(err)
}
