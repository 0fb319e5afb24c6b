package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rendis/replaykit/internal/engine"
	"github.com/rendis/replaykit/internal/scheduler"
	"github.com/rendis/replaykit/internal/store"
	"github.com/rendis/replaykit/pkg/schema"
)

// ScheduleCmd manages scheduled jobs.
type ScheduleCmd struct {
	Add     ScheduleAddCmd     `cmd:"" help:"Schedule an orchestration on a cron expression."`
	List    ScheduleListCmd    `cmd:"" help:"List scheduled jobs."`
	Enable  ScheduleEnableCmd  `cmd:"" help:"Enable a scheduled job."`
	Disable ScheduleDisableCmd `cmd:"" help:"Disable a scheduled job."`
	Remove  ScheduleRemoveCmd  `cmd:"" help:"Delete a scheduled job."`
}

// ScheduleAddCmd creates a job.
type ScheduleAddCmd struct {
	Orchestration string `arg:"" help:"Orchestration to start."`
	Cron          string `arg:"" help:"Five-field cron expression or descriptor such as @hourly."`
	Input         string `help:"JSON input for each run."`
}

func (c *ScheduleAddCmd) Run(ctx context.Context, g *Globals) error {
	return withHost(ctx, g, func(rt *runtime, h *engine.Host) error {
		if err := checkOrchestration(c.Orchestration); err != nil {
			return err
		}
		var input []byte
		if c.Input != "" {
			if !json.Valid([]byte(c.Input)) {
				return schema.NewError(schema.ErrCodeValidation, "--input is not valid JSON")
			}
			input = []byte(c.Input)
		}
		job, err := scheduler.New(h.Store(), h, rt.logger).AddJob(ctx, c.Orchestration, c.Cron, input)
		if err != nil {
			return err
		}
		fmt.Printf("%s next run %s\n", job.ID, job.NextRunAt.Format(time.RFC3339))
		return nil
	})
}

func checkOrchestration(name string) error {
	reg, err := builtinRegistry()
	if err != nil {
		return err
	}
	_, err = reg.Orchestrator(name)
	return err
}

// ScheduleListCmd prints the jobs in a table.
type ScheduleListCmd struct{}

func (c *ScheduleListCmd) Run(ctx context.Context, g *Globals) error {
	return withHost(ctx, g, func(_ *runtime, h *engine.Host) error {
		jobs, err := h.Store().ListScheduledJobs(ctx, store.ScheduledJobFilter{})
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tORCHESTRATION\tCRON\tENABLED\tNEXT RUN\tLAST STATUS\tLAST INSTANCE")
		for _, j := range jobs {
			next := "-"
			if j.NextRunAt != nil {
				next = j.NextRunAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
				j.ID, j.OrchestrationName, j.CronExpression, j.Enabled, next, j.LastRunStatus, j.LastInstanceID)
		}
		return tw.Flush()
	})
}

// ScheduleEnableCmd enables a job.
type ScheduleEnableCmd struct {
	ID string `arg:"" help:"Job id."`
}

func (c *ScheduleEnableCmd) Run(ctx context.Context, g *Globals) error {
	return setJobEnabled(ctx, g, c.ID, true)
}

// ScheduleDisableCmd disables a job.
type ScheduleDisableCmd struct {
	ID string `arg:"" help:"Job id."`
}

func (c *ScheduleDisableCmd) Run(ctx context.Context, g *Globals) error {
	return setJobEnabled(ctx, g, c.ID, false)
}

func setJobEnabled(ctx context.Context, g *Globals, id string, enabled bool) error {
	return withHost(ctx, g, func(_ *runtime, h *engine.Host) error {
		return h.Store().UpdateScheduledJob(ctx, id, store.ScheduledJobUpdate{Enabled: &enabled})
	})
}

// ScheduleRemoveCmd deletes a job.
type ScheduleRemoveCmd struct {
	ID string `arg:"" help:"Job id."`
}

func (c *ScheduleRemoveCmd) Run(ctx context.Context, g *Globals) error {
	return withHost(ctx, g, func(_ *runtime, h *engine.Host) error {
		return h.Store().DeleteScheduledJob(ctx, c.ID)
	})
}
