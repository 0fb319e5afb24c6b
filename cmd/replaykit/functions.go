package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rendis/replaykit/internal/engine"
	"github.com/rendis/replaykit/internal/entity"
	"github.com/rendis/replaykit/internal/orchestration"
	"github.com/rendis/replaykit/internal/validation"
	"github.com/rendis/replaykit/pkg/schema"
)

// Built-in function names served by the replaykit binary.
const (
	fnSayHello    = "SayHello"
	fnHelloCities = "HelloCities"
	fnMonitor     = "Monitor"
	fnCounter     = "Counter"
)

var counterAmountSchema = []byte(`{"type":"integer"}`)

// builtinRegistry returns the functions the binary hosts.
func builtinRegistry() (*engine.Registry, error) {
	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	reg := engine.NewRegistry()
	if err := reg.AddActivity(fnSayHello, sayHello); err != nil {
		return nil, err
	}
	if err := reg.AddOrchestrator(fnHelloCities, helloCities); err != nil {
		return nil, err
	}
	if err := reg.AddOrchestrator(fnMonitor, monitor); err != nil {
		return nil, err
	}
	if err := reg.AddEntity(fnCounter, counter(v)); err != nil {
		return nil, err
	}
	return reg, nil
}

func sayHello(_ context.Context, input []byte) ([]byte, error) {
	var name string
	if err := json.Unmarshal(input, &name); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "SayHello wants a string: %v", err)
	}
	return json.Marshal(fmt.Sprintf("Hello %s!", name))
}

// helloCities greets a fixed list of cities in sequence.
func helloCities(ctx orchestration.Context) (any, error) {
	var out []string
	for _, city := range []string{"Tokyo", "Seattle", "London"} {
		var greeting string
		if err := ctx.CallActivity(fnSayHello, city).Await(&greeting); err != nil {
			return nil, err
		}
		out = append(out, greeting)
	}
	return out, nil
}

// monitorInput configures one Monitor generation.
type monitorInput struct {
	URL       string        `json:"url"`
	Interval  time.Duration `json:"interval"`
	Remaining int           `json:"remaining"`
}

// monitor polls a URL until it answers 200 or the checks run out. Each
// check is a new generation so history stays short.
func monitor(ctx orchestration.Context) (any, error) {
	var in monitorInput
	if err := ctx.GetInput(&in); err != nil {
		return nil, err
	}
	if in.URL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "monitor requires a url")
	}
	if in.Interval <= 0 {
		in.Interval = time.Minute
	}

	var resp schema.DurableHTTPResponse
	if err := ctx.CallHTTP(schema.DurableHTTPRequest{Method: http.MethodGet, URI: in.URL}).Await(&resp); err != nil {
		ctx.Logger().Warn("monitor check failed", "url", in.URL, "error", err.Error())
	} else if resp.StatusCode == http.StatusOK {
		return map[string]any{"url": in.URL, "healthy": true}, nil
	}
	if in.Remaining <= 1 {
		return map[string]any{"url": in.URL, "healthy": false}, nil
	}
	if err := ctx.SetCustomStatus(map[string]any{"lastStatus": resp.StatusCode, "remaining": in.Remaining - 1}); err != nil {
		return nil, err
	}
	if err := ctx.CreateTimer(ctx.CurrentTime().Add(in.Interval)).Await(nil); err != nil {
		return nil, err
	}
	in.Remaining--
	return nil, ctx.ContinueAsNew(in, false)
}

// counter is an integer entity: add, reset, get and the built-in delete.
func counter(v validation.Validator) entity.Handler {
	return entity.NewDispatcher(func() int { return 0 }).
		On("add", func(ctx entity.Context, n *int) error {
			var amount int
			if err := ctx.GetInput(&amount); err != nil {
				return err
			}
			*n += amount
			return nil
		}).
		WithInputSchema("add", counterAmountSchema, v).
		On("reset", func(_ entity.Context, n *int) error {
			*n = 0
			return nil
		}).
		On("get", func(ctx entity.Context, n *int) error {
			return ctx.Return(*n)
		}).
		Handler()
}
