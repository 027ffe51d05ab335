// Package cookies caches anti-bot clearance cookies per domain and proxy
// identity so that later crawls can skip a solved challenge.
package cookies

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"github.com/Rorqualx/grubcrawl/internal/metrics"
	"github.com/Rorqualx/grubcrawl/internal/types"
)

// DefaultTTL is how long a stored cookie or pinned user agent stays usable.
const DefaultTTL = 1500 * time.Second

// clearanceNames are the only cookies worth persisting.
var clearanceNames = map[string]bool{
	"__cf_bm":      true,
	"cf_clearance": true,
	"__cflb":       true,
}

// StoredCookie is a cached cookie with its own expiry policy.
type StoredCookie struct {
	Name     string        `json:"name"`
	Value    string        `json:"value"`
	Domain   string        `json:"domain"`
	Path     string        `json:"path"`
	StoredAt time.Time     `json:"storedAt"`
	TTL      time.Duration `json:"ttl"`
}

// IsExpired reports whether the cookie is older than its TTL at now.
func (c StoredCookie) IsExpired(now time.Time) bool {
	return now.Sub(c.StoredAt) > c.TTL
}

// PinnedUA is a solver user agent and when it was stored.
type PinnedUA struct {
	UserAgent string    `json:"userAgent"`
	StoredAt  time.Time `json:"storedAt"`
}

// Snapshot is the serializable content of a Store.
type Snapshot struct {
	Cookies map[string][]StoredCookie `json:"cookies"`
	Agents  map[string]PinnedUA       `json:"agents"`
}

// Store is an in-memory cookie and user agent cache. It holds no browser
// reference; callers pass the context to read from or write to.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	cookies map[string][]StoredCookie // "domain|proxy" -> cookies
	agents  map[string]PinnedUA       // domain -> solver user agent

	now func() time.Time
}

// NewStore creates an empty store. A non-positive ttl selects DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:     ttl,
		cookies: make(map[string][]StoredCookie),
		agents:  make(map[string]PinnedUA),
		now:     time.Now,
	}
}

// Key builds the bucket key for domain and proxy identity.
func Key(domain, proxyID string) string {
	if proxyID == "" {
		proxyID = "direct"
	}
	return domain + "|" + proxyID
}

// DomainOf returns the registrable domain of rawURL, falling back to the
// host without "www." for hosts the suffix list cannot place.
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ""
	}
	if net.ParseIP(host) != nil {
		return host
	}
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	return strings.TrimPrefix(host, "www.")
}

// SaveFromContext replaces the bucket for domain|proxyID with the
// clearance cookies currently held by bc.
func (s *Store) SaveFromContext(ctx context.Context, bc types.BrowserContext, domain, proxyID string) error {
	all, err := bc.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("read context cookies: %w", err)
	}

	now := s.now()
	kept := make([]StoredCookie, 0, len(clearanceNames))
	for _, c := range all {
		if !clearanceNames[c.Name] {
			continue
		}
		d := c.Domain
		if d == "" {
			d = domain
		}
		p := c.Path
		if p == "" {
			p = "/"
		}
		kept = append(kept, StoredCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   d,
			Path:     p,
			StoredAt: now,
			TTL:      s.ttl,
		})
	}

	key := Key(domain, proxyID)
	s.mu.Lock()
	s.cookies[key] = kept
	n := len(s.cookies)
	s.mu.Unlock()

	metrics.UpdateCookieStore(n)
	log.Debug().Str("key", key).Int("count", len(kept)).Msg("Stored clearance cookies")
	return nil
}

// LoadIntoContext installs the non-expired cookies of domain|proxyID into
// bc and returns how many were applied.
func (s *Store) LoadIntoContext(ctx context.Context, bc types.BrowserContext, domain, proxyID string) (int, error) {
	key := Key(domain, proxyID)
	now := s.now()

	s.mu.Lock()
	var valid []types.Cookie
	for _, c := range s.cookies[key] {
		if c.IsExpired(now) {
			continue
		}
		valid = append(valid, types.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   true,
			HTTPOnly: true,
		})
	}
	s.mu.Unlock()

	if len(valid) == 0 {
		return 0, nil
	}
	if err := bc.SetCookies(ctx, valid); err != nil {
		return 0, fmt.Errorf("install cookies: %w", err)
	}
	return len(valid), nil
}

// SaveCapsolverUA pins the user agent a domain's clearance cookie is bound to.
func (s *Store) SaveCapsolverUA(domain, userAgent string) {
	if domain == "" || userAgent == "" {
		return
	}
	s.mu.Lock()
	s.agents[domain] = PinnedUA{UserAgent: userAgent, StoredAt: s.now()}
	s.mu.Unlock()

	log.Info().Str("domain", domain).Str("user_agent", truncate(userAgent, 60)).Msg("Pinned solver user agent")
}

// CapsolverUA returns the pinned user agent for domain if it is younger
// than maxAge. Stale entries are removed.
func (s *Store) CapsolverUA(domain string, maxAge time.Duration) (string, bool) {
	if maxAge <= 0 {
		maxAge = s.ttl
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.agents[domain]
	if !ok {
		return "", false
	}
	if s.now().Sub(entry.StoredAt) > maxAge {
		delete(s.agents, domain)
		return "", false
	}
	return entry.UserAgent, true
}

// ClearExpired drops expired cookies, empty buckets and stale user agents.
// It returns the number of cookies removed.
func (s *Store) ClearExpired() int {
	now := s.now()
	removed := 0

	s.mu.Lock()
	for key, bucket := range s.cookies {
		live := bucket[:0]
		for _, c := range bucket {
			if c.IsExpired(now) {
				removed++
				continue
			}
			live = append(live, c)
		}
		if len(live) == 0 {
			delete(s.cookies, key)
			continue
		}
		s.cookies[key] = live
	}
	for domain, entry := range s.agents {
		if now.Sub(entry.StoredAt) > s.ttl {
			delete(s.agents, domain)
		}
	}
	n := len(s.cookies)
	s.mu.Unlock()

	metrics.UpdateCookieStore(n)
	return removed
}

// Len returns the number of cookie buckets.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cookies)
}

// Snapshot returns a deep copy of the store content.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Cookies: make(map[string][]StoredCookie, len(s.cookies)),
		Agents:  make(map[string]PinnedUA, len(s.agents)),
	}
	for k, v := range s.cookies {
		snap.Cookies[k] = append([]StoredCookie(nil), v...)
	}
	for k, v := range s.agents {
		snap.Agents[k] = v
	}
	return snap
}

// Restore replaces the store content with snap. Expired entries are
// dropped on the next ClearExpired.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	s.cookies = make(map[string][]StoredCookie, len(snap.Cookies))
	for k, v := range snap.Cookies {
		s.cookies[k] = append([]StoredCookie(nil), v...)
	}
	s.agents = make(map[string]PinnedUA, len(snap.Agents))
	for k, v := range snap.Agents {
		s.agents[k] = v
	}
	n := len(s.cookies)
	s.mu.Unlock()

	metrics.UpdateCookieStore(n)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
