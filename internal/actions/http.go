package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wonderhq/wonder/pkg/coordinator"
	"github.com/wonderhq/wonder/pkg/errors"
	"github.com/wonderhq/wonder/pkg/httpclient"
	"github.com/wonderhq/wonder/pkg/workflow"
)

var _ coordinator.ActionExecutor = (*HTTP)(nil)

const maxHTTPResponseSize = 10 * 1024 * 1024

// HTTP performs a single HTTP request. Transport-level retries and backoff
// live in the shared client; the step retry policy governs retries above
// that.
//
// Implementation keys:
//
//	url      request URL, required
//	method   defaults to POST
//	headers  map of header name to value
//	body     request body, JSON-encoded; defaults to the action input
//	         for methods that carry a body
//
// The output is {"status": n, "body": decoded} where body is parsed JSON
// when the response is JSON and a string otherwise.
type HTTP struct {
	client *http.Client
}

// NewHTTP returns an HTTP executor with the default shared client.
func NewHTTP() *HTTP {
	cfg := httpclient.DefaultConfig()
	// One attempt per Run; the step retry policy owns retries.
	cfg.RetryAttempts = 0
	client, err := httpclient.New(cfg)
	if err != nil {
		// DefaultConfig always validates.
		panic(fmt.Sprintf("actions: http client config: %v", err))
	}
	return &HTTP{client: client}
}

// Run implements coordinator.ActionExecutor.
func (h *HTTP) Run(ctx context.Context, action *workflow.Action, input map[string]any) (map[string]any, error) {
	impl := action.Implementation
	url, _ := impl["url"].(string)
	if url == "" {
		return nil, &errors.ActionError{ActionRef: action.Ref, Reason: "http action requires a url"}
	}
	method, _ := impl["method"].(string)
	if method == "" {
		method = http.MethodPost
	}
	method = strings.ToUpper(method)

	var body io.Reader
	payload, hasBody := impl["body"]
	if !hasBody && method != http.MethodGet && method != http.MethodHead {
		payload, hasBody = any(input), input != nil
	}
	if hasBody {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, &errors.ActionError{ActionRef: action.Ref, Reason: "failed to encode request body", Cause: err}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &errors.ActionError{ActionRef: action.Ref, Reason: "invalid request", Cause: err}
	}
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := impl["headers"].(map[string]any); ok {
		for name, value := range headers {
			req.Header.Set(name, fmt.Sprint(value))
		}
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errors.ActionError{ActionRef: action.Ref, Reason: "request failed", Transient: httpclient.RetryableError(err), Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseSize))
	if err != nil {
		return nil, &errors.ActionError{ActionRef: action.Ref, Reason: "failed to read response", Transient: true, Cause: err}
	}

	if resp.StatusCode >= 400 {
		return nil, &errors.ActionError{
			ActionRef: action.Ref,
			Reason:    fmt.Sprintf("http %d from %s", resp.StatusCode, method),
			Transient: httpclient.RetryableStatus(resp.StatusCode),
		}
	}

	return map[string]any{
		"status":     resp.StatusCode,
		"body":       decodeResponse(resp.Header.Get("Content-Type"), raw),
		"durationMs": time.Since(start).Milliseconds(),
	}, nil
}

func decodeResponse(contentType string, raw []byte) any {
	if strings.Contains(contentType, "application/json") && len(raw) > 0 {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			return decoded
		}
	}
	return string(raw)
}
