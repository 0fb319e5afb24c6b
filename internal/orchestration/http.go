package orchestration

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/replaykit/pkg/schema"
)

// CallHTTP runs req through the built-in HTTP activity. With the asynchronous
// pattern enabled, a 202 Accepted response carrying a Location header is
// polled on durable timers until another status arrives or req.Timeout
// elapses.
func (r *Runtime) CallHTTP(req schema.DurableHTTPRequest) Task {
	exit, err := r.Guard().Enter("CallHTTP")
	if err != nil {
		return failedTask{err}
	}
	defer exit()

	if err := req.Validate(); err != nil {
		return failedTask{err}
	}
	start := r.CurrentTime()
	first, err := r.scheduleHTTP(req)
	if err != nil {
		return failedTask{err}
	}
	return &lazyTask{r: r, run: func() ([]byte, error) {
		return r.pollHTTP(req, start, first)
	}}
}

func (r *Runtime) scheduleHTTP(req schema.DurableHTTPRequest) (EngineTask, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "cannot serialize http request: %v", err).WithCause(err)
	}
	if err := r.reserveAction("http request"); err != nil {
		return nil, err
	}
	return r.engine.ScheduleTask(r.ctx, schema.HTTPActivityName, "", input, TaskOptions{}), nil
}

func (r *Runtime) pollHTTP(req schema.DurableHTTPRequest, start time.Time, task EngineTask) ([]byte, error) {
	for {
		data, err := r.await(task)
		if err != nil {
			return nil, normalizeFailure(schema.FunctionActivity, schema.HTTPActivityName, err)
		}
		if !req.AsynchronousPatternEnabled {
			return data, nil
		}
		var resp schema.DurableHTTPResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "malformed http activity response: %v", err).WithCause(err)
		}
		location, ok := resp.Header("Location")
		if resp.StatusCode != http.StatusAccepted || !ok || location == "" {
			return data, nil
		}

		next := r.CurrentTime().Add(r.retryAfter(&resp))
		if req.Timeout > 0 && next.Sub(start) > req.Timeout {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "http request to %s did not complete within %s", req.URI, req.Timeout).
				WithTarget(schema.HTTPActivityName)
		}
		timer, err := r.startTimer(r.ctx, next)
		if err != nil {
			return nil, err
		}
		if err := timer.wait(); err != nil {
			return nil, err
		}

		poll := schema.DurableHTTPRequest{
			Method:                     http.MethodGet,
			URI:                        location,
			Headers:                    req.Headers,
			AsynchronousPatternEnabled: true,
		}
		if task, err = r.scheduleHTTP(poll); err != nil {
			return nil, err
		}
	}
}

// retryAfter reads a delay-seconds Retry-After header, falling back to the
// configured poll interval.
func (r *Runtime) retryAfter(resp *schema.DurableHTTPResponse) time.Duration {
	if v, ok := resp.Header("Retry-After"); ok {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return r.cfg.HTTPPollInterval
}
