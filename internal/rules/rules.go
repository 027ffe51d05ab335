// Package rules provides the challenge detection and outcome classification
// tables. The tables are plain data evaluated by generic matchers so each
// heuristic can be audited and overridden without touching the state machines.
package rules

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Rorqualx/grubcrawl/internal/types"
)

//go:embed rules.yaml
var defaultRulesFS embed.FS

// SelectorRule maps a DOM selector to a challenge type name.
type SelectorRule struct {
	Selector string `yaml:"selector"`
	Type     string `yaml:"type"`
}

// Pattern is one (pattern, verdict) row of an ordered rule table.
type Pattern struct {
	Pattern string `yaml:"pattern"`
	Verdict string `yaml:"verdict"`
}

// Rules contains every table the detector and classifier consult.
type Rules struct {
	ChallengeTitles     []string       `yaml:"challenge_titles"`
	ChallengeSelectors  []SelectorRule `yaml:"challenge_selectors"`
	ResolvedSelectors   []string       `yaml:"resolved_selectors"`
	ContentSignals      []string       `yaml:"content_signals"`
	VerificationPhrase  string         `yaml:"verification_phrase"`
	ChallengeFrame      string         `yaml:"challenge_frame"`
	ClickSelectors      []string       `yaml:"click_selectors"`
	SiteKeySelectors    []string       `yaml:"sitekey_selectors"`
	BlockKeywords       []Pattern      `yaml:"block_keywords"`
	CaptchaKeywords     []string       `yaml:"captcha_keywords"`
	ChallengeSignatures []string       `yaml:"challenge_signatures"`
	ErrorPageSignatures []string       `yaml:"error_page_signatures"`
	ProxyFaults         []string       `yaml:"proxy_faults"`
	TimeoutFaults       []string       `yaml:"timeout_faults"`
}

var (
	instance *Rules
	once     sync.Once
)

// Default returns the embedded rule tables.
func Default() *Rules {
	once.Do(func() {
		data, err := defaultRulesFS.ReadFile("rules.yaml")
		if err == nil {
			instance, err = Parse(data)
		}
		if err != nil {
			// The embedded file is part of the binary; this only trips on a broken build.
			panic(fmt.Sprintf("rules: embedded rules.yaml is invalid: %v", err))
		}
		log.Debug().
			Int("titles", len(instance.ChallengeTitles)).
			Int("selectors", len(instance.ChallengeSelectors)).
			Int("block_keywords", len(instance.BlockKeywords)).
			Msg("Rules loaded")
	})
	return instance
}

// Parse decodes and validates a rules document.
func Parse(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	r.normalize()
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks that the rules carry at least one usable signal.
func (r *Rules) Validate() error {
	if len(r.ChallengeTitles) == 0 && len(r.ChallengeSelectors) == 0 && len(r.BlockKeywords) == 0 {
		return types.ErrRulesEmpty
	}
	for _, s := range r.ChallengeSelectors {
		if s.Selector == "" {
			return fmt.Errorf("challenge selector with empty selector (type %q)", s.Type)
		}
	}
	return nil
}

// normalize lowercases text patterns so matchers can compare against lowercased input.
func (r *Rules) normalize() {
	lowerAll(r.ChallengeTitles)
	lowerAll(r.ContentSignals)
	lowerAll(r.CaptchaKeywords)
	lowerAll(r.ChallengeSignatures)
	lowerAll(r.ErrorPageSignatures)
	lowerAll(r.ProxyFaults)
	lowerAll(r.TimeoutFaults)
	r.VerificationPhrase = strings.ToLower(r.VerificationPhrase)
	for i := range r.BlockKeywords {
		r.BlockKeywords[i].Pattern = strings.ToLower(r.BlockKeywords[i].Pattern)
	}
}

func lowerAll(s []string) {
	for i := range s {
		s[i] = strings.ToLower(s[i])
	}
}

// FirstMatch returns the first row whose pattern occurs in text.
// text must already be lowercased.
func FirstMatch(rows []Pattern, text string) (Pattern, bool) {
	for _, row := range rows {
		if row.Pattern != "" && strings.Contains(text, row.Pattern) {
			return row, true
		}
	}
	return Pattern{}, false
}

// Matches returns every pattern that occurs in text, in table order.
// text must already be lowercased.
func Matches(patterns []string, text string) []string {
	var found []string
	for _, p := range patterns {
		if p != "" && strings.Contains(text, p) {
			found = append(found, p)
		}
	}
	return found
}

// ContainsAny reports whether any pattern occurs in text.
func ContainsAny(patterns []string, text string) (string, bool) {
	for _, p := range patterns {
		if p != "" && strings.Contains(text, p) {
			return p, true
		}
	}
	return "", false
}

// merge returns a copy of external with empty tables filled from base.
func merge(base, external *Rules) *Rules {
	m := *external
	if len(m.ChallengeTitles) == 0 {
		m.ChallengeTitles = base.ChallengeTitles
	}
	if len(m.ChallengeSelectors) == 0 {
		m.ChallengeSelectors = base.ChallengeSelectors
	}
	if len(m.ResolvedSelectors) == 0 {
		m.ResolvedSelectors = base.ResolvedSelectors
	}
	if len(m.ContentSignals) == 0 {
		m.ContentSignals = base.ContentSignals
	}
	if m.VerificationPhrase == "" {
		m.VerificationPhrase = base.VerificationPhrase
	}
	if m.ChallengeFrame == "" {
		m.ChallengeFrame = base.ChallengeFrame
	}
	if len(m.ClickSelectors) == 0 {
		m.ClickSelectors = base.ClickSelectors
	}
	if len(m.SiteKeySelectors) == 0 {
		m.SiteKeySelectors = base.SiteKeySelectors
	}
	if len(m.BlockKeywords) == 0 {
		m.BlockKeywords = base.BlockKeywords
	}
	if len(m.CaptchaKeywords) == 0 {
		m.CaptchaKeywords = base.CaptchaKeywords
	}
	if len(m.ChallengeSignatures) == 0 {
		m.ChallengeSignatures = base.ChallengeSignatures
	}
	if len(m.ErrorPageSignatures) == 0 {
		m.ErrorPageSignatures = base.ErrorPageSignatures
	}
	if len(m.ProxyFaults) == 0 {
		m.ProxyFaults = base.ProxyFaults
	}
	if len(m.TimeoutFaults) == 0 {
		m.TimeoutFaults = base.TimeoutFaults
	}
	return &m
}
