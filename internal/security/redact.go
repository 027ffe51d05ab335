// Package security keeps credentials out of logs and unsafe targets out of the crawler.
package security

import (
	"net/url"
	"strings"
)

const redacted = "[REDACTED]"

// secretParams are query parameter name fragments whose values are masked.
var secretParams = []string{
	"password", "passwd", "pwd", "secret", "token", "key",
	"auth", "credential", "session", "sid", "signature",
}

// RedactURL masks userinfo and secret-looking query values in rawURL.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}
	if u.User != nil {
		u.User = url.User(redacted)
	}
	if u.RawQuery != "" {
		q := u.Query()
		for name := range q {
			if isSecretParam(name) {
				q[name] = []string{redacted}
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func isSecretParam(name string) bool {
	lower := strings.ToLower(name)
	for _, frag := range secretParams {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// RedactProxyURL masks the password of a proxy URL, keeping the username so
// sticky sessions stay distinguishable in logs. Scheme-less
// "user:pass@host:port" forms are accepted.
func RedactProxyURL(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}
	raw := proxyURL
	bare := !strings.Contains(raw, "://")
	if bare {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "[invalid-proxy-url]"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redacted)
		}
	}
	out := u.String()
	if bare {
		out = strings.TrimPrefix(out, "http://")
	}
	return out
}
