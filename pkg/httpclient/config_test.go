package httpclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wondererrors "github.com/wonderhq/wonder/pkg/errors"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.False(t, cfg.AllowNonIdempotentRetry)
}

func TestConfigValidateRejectsBadFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, "timeout"},
		{"negative retries", func(c *Config) { c.RetryAttempts = -1 }, "retryAttempts"},
		{"zero backoff with retries", func(c *Config) { c.RetryBackoff = 0 }, "retryBackoff"},
		{"cap below initial backoff", func(c *Config) { c.MaxBackoff = time.Millisecond }, "maxBackoff"},
		{"empty user agent", func(c *Config) { c.UserAgent = "" }, "userAgent"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var verr *wondererrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestConfigValidateSkipsBackoffWhenRetriesDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryAttempts = 0
	cfg.RetryBackoff = 0
	cfg.MaxBackoff = 0
	assert.NoError(t, cfg.Validate())
}
