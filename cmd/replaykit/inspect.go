package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rendis/replaykit/internal/engine"
	"github.com/rendis/replaykit/internal/expressions"
	"github.com/rendis/replaykit/internal/remote"
	"github.com/rendis/replaykit/internal/store"
	"github.com/rendis/replaykit/internal/validation"
	"github.com/rendis/replaykit/pkg/schema"
)

// InspectCmd groups the read-only commands.
type InspectCmd struct {
	List     InspectListCmd     `cmd:"" help:"List instances."`
	Instance InspectInstanceCmd `cmd:"" help:"Show an instance as a remote context."`
	Replay   InspectReplayCmd   `cmd:"" help:"Replay an instance against its history."`
	Entity   InspectEntityCmd   `cmd:"" help:"Show the checkpoint of an entity."`
	Locks    InspectLocksCmd    `cmd:"" help:"Show entity lock holders and check for lock cycles."`
}

// QueryFlag filters command output through a jq expression.
type QueryFlag struct {
	Query string `short:"q" help:"jq expression applied to the output."`
}

func (q QueryFlag) print(ctx context.Context, w io.Writer, doc []byte) error {
	if q.Query == "" {
		return writeIndented(w, doc)
	}
	results, err := expressions.NewGoJQEngine().QueryJSON(ctx, q.Query, doc)
	if err != nil {
		return err
	}
	for _, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := writeIndented(w, data); err != nil {
			return err
		}
	}
	return nil
}

func writeIndented(w io.Writer, doc []byte) error {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		_, err = fmt.Fprintln(w, string(doc))
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withHost opens the store and a host over it for the duration of fn.
func withHost(ctx context.Context, g *Globals, fn func(rt *runtime, h *engine.Host) error) error {
	rt, err := g.load(ctx)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, rt.cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	reg, err := builtinRegistry()
	if err != nil {
		return err
	}
	h, err := engine.New(reg, engine.WithStore(st), engine.WithLogger(rt.logger), engine.WithConfig(rt.cfg.hostConfig()))
	if err != nil {
		return err
	}
	defer h.Close()
	return fn(rt, h)
}

// InspectListCmd lists stored instances.
type InspectListCmd struct {
	QueryFlag
	Status string `help:"Only instances in this status." enum:",pending,running,completed,failed,continued_as_new,terminated" default:""`
	Name   string `help:"Only instances of this orchestration."`
	Limit  int    `help:"Maximum number of instances." default:"50"`
}

func (c *InspectListCmd) Run(ctx context.Context, g *Globals) error {
	return withHost(ctx, g, func(_ *runtime, h *engine.Host) error {
		filter := store.InstanceFilter{Name: c.Name, Limit: c.Limit}
		if c.Status != "" {
			st := schema.InstanceStatus(c.Status)
			filter.Status = &st
		}
		list, err := h.Store().ListInstances(ctx, filter)
		if err != nil {
			return err
		}
		doc, err := json.Marshal(list)
		if err != nil {
			return err
		}
		return c.print(ctx, os.Stdout, doc)
	})
}

// InspectInstanceCmd prints an instance as a validated remote context.
type InspectInstanceCmd struct {
	QueryFlag
	ID string `arg:"" help:"Instance id."`
}

func (c *InspectInstanceCmd) Run(ctx context.Context, g *Globals) error {
	return withHost(ctx, g, func(_ *runtime, h *engine.Host) error {
		rc, err := h.Export(ctx, c.ID)
		if err != nil {
			return err
		}
		v, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return err
		}
		doc, err := remote.NewCodec(v).Encode(rc)
		if err != nil {
			return err
		}
		return c.print(ctx, os.Stdout, doc)
	})
}

// InspectReplayCmd replays an instance and prints the report. Divergence
// makes the command fail after printing.
type InspectReplayCmd struct {
	QueryFlag
	ID string `arg:"" help:"Instance id."`
}

func (c *InspectReplayCmd) Run(ctx context.Context, g *Globals) error {
	return withHost(ctx, g, func(_ *runtime, h *engine.Host) error {
		report, rerr := h.Replay(ctx, c.ID)
		if report == nil {
			return rerr
		}
		doc, err := json.Marshal(report)
		if err != nil {
			return err
		}
		if err := c.print(ctx, os.Stdout, doc); err != nil {
			return err
		}
		return rerr
	})
}

// InspectEntityCmd prints the stored checkpoint of an entity.
type InspectEntityCmd struct {
	QueryFlag
	ID string `arg:"" help:"Entity instance id, @name@key."`
}

func (c *InspectEntityCmd) Run(ctx context.Context, g *Globals) error {
	id, err := schema.ParseEntityID(c.ID)
	if err != nil {
		return err
	}
	return withHost(ctx, g, func(_ *runtime, h *engine.Host) error {
		st, err := h.Store().GetEntity(ctx, id.String())
		if err != nil {
			return err
		}
		doc, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return c.print(ctx, os.Stdout, doc)
	})
}

// InspectLocksCmd prints lock holders and the lock wait-graph check.
type InspectLocksCmd struct {
	QueryFlag
	Entity string `help:"Only entities with this name."`
}

func (c *InspectLocksCmd) Run(ctx context.Context, g *Globals) error {
	return withHost(ctx, g, func(_ *runtime, h *engine.Host) error {
		holders, err := h.LockHolders(ctx, c.Entity)
		if err != nil {
			return err
		}
		check, err := h.CheckLocks(ctx)
		if err != nil {
			return err
		}
		doc, err := json.Marshal(map[string]any{"holders": holders, "check": check})
		if err != nil {
			return err
		}
		return c.print(ctx, os.Stdout, doc)
	})
}
