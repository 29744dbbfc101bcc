package httpclient

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RetryableStatus reports whether a response status is worth retrying.
// Server errors, 408 and 429 qualify; other client errors do not.
// The HTTP action uses the same classification to mark failures transient.
func RetryableStatus(code int) bool {
	if code >= 500 && code < 600 {
		return true
	}
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// RetryableError reports whether a transport error is worth retrying.
// Context cancellation never is. Timeouts and the usual connect-level
// failures are.
func RetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != err {
		return RetryableError(urlErr.Err)
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network unreachable",
		"eof",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// retryTransport re-issues failed requests with exponential backoff.
// Only idempotent methods are retried unless the config opts in.
type retryTransport struct {
	next     http.RoundTripper
	attempts int
	backoff  time.Duration
	cap      time.Duration
	retryAll bool
}

func newRetryTransport(next http.RoundTripper, cfg Config) *retryTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &retryTransport{
		next:     next,
		attempts: cfg.RetryAttempts + 1,
		backoff:  cfg.RetryBackoff,
		cap:      cfg.MaxBackoff,
		retryAll: cfg.AllowNonIdempotentRetry,
	}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.retryAll && !idempotent(req.Method) {
		return t.next.RoundTrip(req)
	}

	var lastResp *http.Response
	var lastErr error
	for attempt := 0; attempt < t.attempts; attempt++ {
		if attempt > 0 {
			delay := t.delay(attempt)
			// A Retry-After shorter than our backoff wins.
			if after := retryAfter(lastResp); after > 0 && after < delay {
				delay = after
			}
			select {
			case <-time.After(delay):
			case <-req.Context().Done():
				return nil, req.Context().Err()
			}
		}

		resp, err := t.next.RoundTrip(req)
		if err != nil {
			if !RetryableError(err) {
				return nil, err
			}
			lastResp, lastErr = nil, err
			continue
		}
		if !RetryableStatus(resp.StatusCode) {
			return resp, nil
		}
		// Keep headers for Retry-After but drop the body.
		resp.Body.Close()
		lastResp, lastErr = resp, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return lastResp, nil
}

func idempotent(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// delay grows the backoff exponentially with up to 20% jitter, capped.
func (t *retryTransport) delay(attempt int) time.Duration {
	d := float64(t.backoff) * math.Pow(2, float64(attempt-1))
	if d > float64(t.cap) {
		d = float64(t.cap)
	}
	return time.Duration(d + rand.Float64()*d*0.2)
}

// retryAfter reads the Retry-After header, accepting both the seconds and
// the HTTP-date forms. Missing or unparseable values yield zero.
func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
