package redact

import (
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

func init() {
	enabled.Store(true)
}

var (
	bearerRe        = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`)
	secretQueryKeys = []string{"subscription-key", "authorization", "token", "api_key", "access_token"}
)

// SetEnabled toggles secret redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Secret masks a credential, keeping the last four characters.
func Secret(in string) string {
	if !enabled.Load() || in == "" {
		return in
	}
	if len(in) <= 4 {
		return "****"
	}
	return "****" + in[len(in)-4:]
}

// Text masks bearer tokens embedded in free text.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	return bearerRe.ReplaceAllString(in, "${1}[REDACTED]")
}

// URL masks credential-bearing query parameters.
func URL(raw string) string {
	if !enabled.Load() || raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Text(raw)
	}
	q := u.Query()
	changed := false
	for key := range q {
		for _, secret := range secretQueryKeys {
			if strings.EqualFold(key, secret) {
				q.Set(key, "[REDACTED]")
				changed = true
			}
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
