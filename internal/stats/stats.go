// Package stats keeps bounded per-domain crawl and challenge outcome counters.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// MaxDomains bounds memory; the least recently seen domains are evicted first.
	MaxDomains        = 10000
	evictionBatchSize = 100
)

// MethodStats counts attempts of one resolution method.
type MethodStats struct {
	Attempts  int64 `json:"attempts"`
	Successes int64 `json:"successes"`
}

// SuccessRate returns Successes/Attempts, or 0 with no attempts.
func (m MethodStats) SuccessRate() float64 {
	if m.Attempts == 0 {
		return 0
	}
	return float64(m.Successes) / float64(m.Attempts)
}

// DomainStats is a point-in-time copy of one domain's counters.
type DomainStats struct {
	Crawls       int64                  `json:"crawls"`
	Failures     int64                  `json:"failures"`
	Blocked      int64                  `json:"blocked"`
	AvgLatencyMs int64                  `json:"avgLatencyMs"`
	ErrorRate    float64                `json:"errorRate"`
	Methods      map[string]MethodStats `json:"methods,omitempty"`
	// BestMethod is the resolution method with the highest success rate,
	// ties broken by attempt count. Empty until some method succeeded.
	BestMethod string    `json:"bestMethod,omitempty"`
	LastAccess time.Time `json:"lastAccess"`

	totalLatencyMs int64
}

// Manager tracks statistics for all domains. It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	domains map[string]*DomainStats
	now     func() time.Time
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		domains: make(map[string]*DomainStats),
		now:     time.Now,
	}
}

// entryLocked returns the counters for domain, creating them if needed.
// m.mu must be held.
func (m *Manager) entryLocked(domain string) *DomainStats {
	s, ok := m.domains[domain]
	if !ok {
		if len(m.domains) >= MaxDomains {
			m.evictOldestLocked(evictionBatchSize)
		}
		s = &DomainStats{Methods: make(map[string]MethodStats)}
		m.domains[domain] = s
	}
	s.LastAccess = m.now()
	return s
}

func (m *Manager) evictOldestLocked(n int) {
	names := make([]string, 0, len(m.domains))
	for d := range m.domains {
		names = append(names, d)
	}
	sort.Slice(names, func(i, j int) bool {
		return m.domains[names[i]].LastAccess.Before(m.domains[names[j]].LastAccess)
	})
	for i := 0; i < n && i < len(names); i++ {
		delete(m.domains, names[i])
	}
}

// RecordCrawl counts one crawl of domain. failed means no page was obtained;
// blocked means a page was obtained but classified as a block.
func (m *Manager) RecordCrawl(domain string, latency time.Duration, failed, blocked bool) {
	if domain == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.entryLocked(domain)
	s.Crawls++
	if failed {
		s.Failures++
	}
	if blocked {
		s.Blocked++
	}
	s.totalLatencyMs += latency.Milliseconds()
	s.AvgLatencyMs = s.totalLatencyMs / s.Crawls
	s.ErrorRate = float64(s.Failures) / float64(s.Crawls)
}

// RecordChallenge counts one challenge outcome by the method that ended it.
func (m *Manager) RecordChallenge(domain, method string, resolved bool) {
	if domain == "" || method == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.entryLocked(domain)
	ms := s.Methods[method]
	ms.Attempts++
	if resolved {
		ms.Successes++
	}
	s.Methods[method] = ms
}

// All returns a copy of every domain's counters.
func (m *Manager) All() map[string]DomainStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]DomainStats, len(m.domains))
	for d, s := range m.domains {
		out[d] = s.copy()
	}
	return out
}

// Len returns the number of tracked domains.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.domains)
}

// CleanupStale drops domains not seen within maxAge and returns how many.
func (m *Manager) CleanupStale(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for d, s := range m.domains {
		if s.LastAccess.Before(cutoff) {
			delete(m.domains, d)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Int("remaining", len(m.domains)).Msg("Cleaned up stale domain stats")
	}
	return removed
}

func (s *DomainStats) copy() DomainStats {
	out := *s
	out.Methods = make(map[string]MethodStats, len(s.Methods))
	for k, v := range s.Methods {
		out.Methods[k] = v
	}
	out.BestMethod = bestMethod(s.Methods)
	return out
}

func bestMethod(methods map[string]MethodStats) string {
	best, bestStats := "", MethodStats{}
	for name, ms := range methods {
		if ms.Successes == 0 {
			continue
		}
		r, br := ms.SuccessRate(), bestStats.SuccessRate()
		if best == "" || r > br || (r == br && ms.Attempts > bestStats.Attempts) || (r == br && ms.Attempts == bestStats.Attempts && name < best) {
			best, bestStats = name, ms
		}
	}
	return best
}
