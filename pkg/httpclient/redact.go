package httpclient

import (
	"net/url"
	"strings"
)

// secretFragments are matched case-insensitively against query parameter
// names; any hit gets its value replaced before the URL reaches a log line.
var secretFragments = []string{
	"key",
	"token",
	"password",
	"secret",
	"auth",
	"credential",
}

// redactURL returns u with the values of secret-looking query parameters
// replaced, safe to log.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	for name := range q {
		if secretParam(name) {
			q.Set(name, "[REDACTED]")
		}
	}
	clean := *u
	clean.RawQuery = q.Encode()
	return clean.String()
}

func secretParam(name string) bool {
	lower := strings.ToLower(name)
	for _, fragment := range secretFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
