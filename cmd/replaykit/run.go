package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rendis/replaykit/internal/engine"
	"github.com/rendis/replaykit/pkg/schema"
)

// RunCmd starts one orchestration in a local host and waits for it.
type RunCmd struct {
	QueryFlag
	Orchestration string        `arg:"" help:"Orchestration to start."`
	Input         string        `help:"JSON input."`
	ID            string        `help:"Instance id. Random when empty."`
	Timeout       time.Duration `help:"How long to wait for completion." default:"5m"`
}

func (c *RunCmd) Run(ctx context.Context, g *Globals) error {
	var input json.RawMessage
	if c.Input != "" {
		if !json.Valid([]byte(c.Input)) {
			return schema.NewError(schema.ErrCodeValidation, "--input is not valid JSON")
		}
		input = json.RawMessage(c.Input)
	}
	return withHost(ctx, g, func(rt *runtime, h *engine.Host) error {
		id, err := h.StartOrchestration(ctx, c.Orchestration, c.ID, input)
		if err != nil {
			return err
		}
		rt.logger.Info("orchestration started", "instance_id", id)

		waitCtx, cancel := context.WithTimeout(ctx, c.Timeout)
		defer cancel()
		rec, err := h.WaitForCompletion(waitCtx, id)
		if err != nil {
			return err
		}
		doc, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := c.print(ctx, os.Stdout, doc); err != nil {
			return err
		}
		if rec.Error != nil {
			return rec.Error
		}
		return nil
	})
}
