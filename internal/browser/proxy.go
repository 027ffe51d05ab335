package browser

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/grubcrawl/internal/config"
	"github.com/Rorqualx/grubcrawl/internal/security"
	"github.com/Rorqualx/grubcrawl/internal/types"
)

// sessionMarker separates a residential proxy username from its sticky session id.
const sessionMarker = "-session-"

// ParseProxy converts a proxy URL into a ProxyConfig. Credentials embedded
// in raw win over the fallback username and password. A missing scheme
// means http.
func ParseProxy(raw, username, password string) (*types.ProxyConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL %q: %w", security.RedactProxyURL(raw), err)
	}
	switch u.Scheme {
	case "http", "https", "socks4", "socks5":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return nil, fmt.Errorf("proxy URL %q must include host and port", security.RedactProxyURL(raw))
	}

	p := &types.ProxyConfig{
		Server:   u.Scheme + "://" + u.Host,
		Username: username,
		Password: password,
	}
	if u.User != nil {
		p.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			p.Password = pw
		}
	}
	return p, nil
}

// ProxyRotator hands out the proxy for each browser launch. With several
// endpoints it rotates round-robin; with sticky sessions it also appends a
// fresh session id to the username so the provider assigns a new exit IP.
type ProxyRotator struct {
	mu        sync.Mutex
	endpoints []*types.ProxyConfig
	sticky    bool
	next      int
	sessionID func() string
}

// NewProxyRotator builds a rotator from the configured endpoints. Invalid
// endpoints are logged and skipped.
func NewProxyRotator(cfg *config.Config) *ProxyRotator {
	r := &ProxyRotator{sticky: cfg.ProxyStickySessions, sessionID: randomSessionID}
	for _, raw := range cfg.ProxyEndpoints() {
		p, err := ParseProxy(raw, cfg.ProxyUsername, cfg.ProxyPassword)
		if err != nil {
			log.Warn().Err(err).Msg("Skipping proxy endpoint")
			continue
		}
		r.endpoints = append(r.endpoints, p)
	}
	return r
}

// Len returns the number of usable endpoints.
func (r *ProxyRotator) Len() int {
	return len(r.endpoints)
}

// Next returns the proxy for the next launch, or nil for a direct connection.
// The returned value is a copy owned by the caller.
func (r *ProxyRotator) Next() *types.ProxyConfig {
	if r == nil || len(r.endpoints) == 0 {
		return nil
	}
	r.mu.Lock()
	base := *r.endpoints[r.next%len(r.endpoints)]
	r.next++
	r.mu.Unlock()

	if r.sticky && base.Username != "" {
		if i := strings.Index(base.Username, sessionMarker); i >= 0 {
			base.Username = base.Username[:i]
		}
		base.Username += sessionMarker + r.sessionID()
	}
	return &base
}

func randomSessionID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}

// proxyURL renders p for logging, with the password masked.
func proxyURL(p *types.ProxyConfig) string {
	if p == nil || p.Server == "" {
		return "direct"
	}
	u, err := url.Parse(p.Server)
	if err != nil {
		return "[invalid-proxy-url]"
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return security.RedactProxyURL(u.String())
}
