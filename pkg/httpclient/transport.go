package httpclient

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// loggingTransport stamps outgoing requests with the User-Agent and the
// trace ID, and logs each round trip with a redacted URL.
type loggingTransport struct {
	next      http.RoundTripper
	userAgent string
}

func newLoggingTransport(next http.RoundTripper, userAgent string) *loggingTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &loggingTransport{next: next, userAgent: userAgent}
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if sc := trace.SpanContextFromContext(req.Context()); sc.HasTraceID() {
		req.Header.Set("X-Trace-ID", sc.TraceID().String())
	}

	resp, err := t.next.RoundTrip(req)
	elapsed := time.Since(start).Milliseconds()
	logURL := redactURL(req.URL)

	if err != nil {
		slog.Warn("http request failed",
			"method", req.Method,
			"url", logURL,
			"duration_ms", elapsed,
			"error", err.Error(),
		)
		return nil, err
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	slog.Log(req.Context(), level, "http request",
		"method", req.Method,
		"url", logURL,
		"status", resp.StatusCode,
		"duration_ms", elapsed,
	)
	return resp, nil
}
