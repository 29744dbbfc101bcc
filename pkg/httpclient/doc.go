// Package httpclient builds the HTTP clients the coordinator uses for
// outbound calls, so every caller shares the same timeout, retry, and
// logging behavior.
//
// A client from New retries 5xx, 408, and 429 responses and connect-level
// failures with exponential backoff and jitter, honoring Retry-After when
// it is shorter. Only GET, HEAD, and OPTIONS are retried unless the config
// opts in for the rest. Requests are logged through log/slog with
// secret-looking query parameters redacted, and the active trace ID is
// propagated via the X-Trace-ID header.
//
// The HTTP action executor runs with RetryAttempts set to zero and relies
// on RetryableStatus for its transient classification; the step retry
// policy owns retries there.
package httpclient
