package httpclient

import (
	"fmt"
	"time"

	"github.com/wonderhq/wonder/pkg/errors"
)

// Config controls the timeout, retry, and identification behavior of a
// client built by New.
type Config struct {
	// Timeout bounds the whole request, retries included.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first attempt.
	// Zero disables the retry layer entirely.
	RetryAttempts int

	// RetryBackoff is the delay before the first retry.
	RetryBackoff time.Duration

	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration

	// UserAgent is sent on every request that does not set its own.
	UserAgent string

	// AllowNonIdempotentRetry also retries POST, PUT, PATCH, and DELETE.
	// Callers enabling this are expected to send idempotency keys.
	AllowNonIdempotentRetry bool
}

// DefaultConfig returns the settings the coordinator ships with.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  100 * time.Millisecond,
		MaxBackoff:    30 * time.Second,
		UserAgent:     "wonder-http-client/1.0",
	}
}

// Validate reports the first invalid field as a ValidationError.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return &errors.ValidationError{
			Field:   "timeout",
			Message: fmt.Sprintf("must be > 0, got %v", c.Timeout),
		}
	}
	if c.RetryAttempts < 0 {
		return &errors.ValidationError{
			Field:   "retryAttempts",
			Message: fmt.Sprintf("must be >= 0, got %d", c.RetryAttempts),
		}
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return &errors.ValidationError{
				Field:   "retryBackoff",
				Message: fmt.Sprintf("must be > 0 when retries are enabled, got %v", c.RetryBackoff),
			}
		}
		if c.MaxBackoff < c.RetryBackoff {
			return &errors.ValidationError{
				Field:      "maxBackoff",
				Message:    fmt.Sprintf("%v is below retryBackoff %v", c.MaxBackoff, c.RetryBackoff),
				Suggestion: "raise maxBackoff to at least the initial backoff",
			}
		}
	}
	if c.UserAgent == "" {
		return &errors.ValidationError{
			Field:   "userAgent",
			Message: "must be non-empty",
		}
	}
	return nil
}
