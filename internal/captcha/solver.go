// Package captcha provides external CAPTCHA solver integration.
package captcha

import (
	"strings"
	"time"

	"github.com/Rorqualx/grubcrawl/internal/types"
)

// Task types understood by the solver service.
const (
	TaskTurnstileProxyless = "AntiTurnstileTaskProxyLess"
	TaskManagedChallenge   = "AntiCloudflareTask"
)

// TurnstileRequest describes a site-key based Turnstile task.
type TurnstileRequest struct {
	SiteKey string
	PageURL string
	Action  string // optional widget action
	CData   string // optional widget cData
	Timeout time.Duration
}

// TurnstileSolution holds a solved Turnstile token.
type TurnstileSolution struct {
	Token     string
	UserAgent string
	SolveTime time.Duration
}

// ManagedRequest describes a full-page challenge task routed through a proxy.
type ManagedRequest struct {
	WebsiteURL string
	Proxy      string // host:port:user:pass, see FormatProxy
	Timeout    time.Duration
}

// ManagedSolution holds the clearance cookies and the user agent they are bound to.
type ManagedSolution struct {
	Cookies   map[string]string
	UserAgent string
	SolveTime time.Duration
}

// FormatProxy converts a proxy configuration to the solver's
// host:port:user:pass form. The managed task authenticates by proxy
// identity, so a proxy without credentials cannot be formatted.
func FormatProxy(p types.ProxyConfig) (string, bool) {
	if p.Server == "" || p.Username == "" || p.Password == "" {
		return "", false
	}
	server := p.Server
	if i := strings.Index(server, "://"); i >= 0 {
		server = server[i+3:]
	}
	server = strings.TrimRight(server, "/")
	if server == "" {
		return "", false
	}
	return server + ":" + p.Username + ":" + p.Password, true
}
