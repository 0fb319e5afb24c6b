package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/replaykit/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 << 20
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPConfig tunes the built-in HTTP activity.
type HTTPConfig struct {
	Client          *http.Client
	MaxResponseBody int64
	// DefaultTimeout bounds one request when the call sets no timeout.
	DefaultTimeout time.Duration
}

// httpActivity performs one DurableHTTPRequest. It never follows the
// asynchronous pattern itself; a 202 is returned to the orchestration, which
// polls on durable timers.
func httpActivity(cfg HTTPConfig) Activity {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}

	return func(ctx context.Context, input []byte) ([]byte, error) {
		var req schema.DurableHTTPRequest
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "http activity: malformed request: %v", err).WithCause(err)
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}

		timeout := cfg.DefaultTimeout
		if req.Timeout > 0 && req.Timeout < timeout {
			timeout = req.Timeout
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var body io.Reader
		if req.Content != "" {
			body = strings.NewReader(req.Content)
		}
		httpReq, err := http.NewRequestWithContext(reqCtx, strings.ToUpper(req.Method), req.URI, body)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "http activity: cannot build request: %v", err).WithCause(err)
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := cfg.Client.Do(httpReq)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeHTTPTransport, "http activity: %s %s failed: %v", req.Method, req.URI, err).
				WithCause(err).
				WithTarget(schema.HTTPActivityName)
		}
		defer resp.Body.Close()

		content, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBody))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeHTTPTransport, "http activity: reading response body: %v", err).
				WithCause(err).
				WithTarget(schema.HTTPActivityName)
		}

		headers := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}
		return json.Marshal(schema.DurableHTTPResponse{
			StatusCode: resp.StatusCode,
			Headers:    headers,
			Content:    string(content),
		})
	}
}
