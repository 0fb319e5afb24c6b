package schema

import (
	"net/url"
	"strings"
	"time"
)

// HTTPActivityName is the built-in activity that performs durable HTTP calls.
const HTTPActivityName = "BuiltIn::HttpActivity"

// DurableHTTPRequest describes an HTTP call made through the built-in activity.
type DurableHTTPRequest struct {
	Method  string            `json:"method"`
	URI     string            `json:"uri"`
	Headers map[string]string `json:"headers,omitempty"`
	Content string            `json:"content,omitempty"`
	// AsynchronousPatternEnabled follows 202 Accepted + Location responses by
	// polling on durable timers until a final status arrives.
	AsynchronousPatternEnabled bool          `json:"asynchronousPatternEnabled,omitempty"`
	Timeout                    time.Duration `json:"timeout,omitempty"`
}

// Validate checks that the request can be sent.
func (r *DurableHTTPRequest) Validate() error {
	if strings.TrimSpace(r.Method) == "" {
		return NewError(ErrCodeValidation, "http request: method is required")
	}
	u, err := url.Parse(r.URI)
	if err != nil || !u.IsAbs() {
		return NewErrorf(ErrCodeValidation, "http request: %q is not an absolute URI", r.URI)
	}
	if r.Timeout < 0 {
		return NewError(ErrCodeValidation, "http request: timeout must not be negative")
	}
	return nil
}

// DurableHTTPResponse is the result of the built-in HTTP activity.
type DurableHTTPResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Content    string            `json:"content,omitempty"`
}

// Header looks up a response header case-insensitively.
func (r *DurableHTTPResponse) Header(name string) (string, bool) {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
