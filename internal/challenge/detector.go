package challenge

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/grubcrawl/internal/rules"
	"github.com/Rorqualx/grubcrawl/internal/types"
)

// Detection thresholds.
const (
	// ContentHeuristicMaxLen is the document size at or above which the
	// keyword heuristic is skipped. Interstitials stay well under it even
	// with their embedded verification script.
	ContentHeuristicMaxLen = 50000

	// contentHeuristicMinSignals is the number of distinct keywords needed.
	contentHeuristicMinSignals = 2

	confidenceVisible   = 0.95
	confidenceInvisible = 0.7
	confidenceContent   = 0.8
	confidenceTitle     = 0.9
)

// Detector classifies challenge presence on a live page.
// It never fails: a query error only means that signal is absent.
type Detector struct {
	rules rules.Provider
}

// NewDetector creates a Detector backed by the given rule tables.
func NewDetector(p rules.Provider) *Detector {
	if p == nil {
		p = rules.Static{}
	}
	return &Detector{rules: p}
}

// Detect inspects page and reports the most specific challenge signal found.
func (d *Detector) Detect(ctx context.Context, page types.Page) Detection {
	rl := d.rules.Get()

	// Title is read first but only used as a last resort: DOM selectors are
	// more specific and must be able to override the type.
	var titleMatch string
	if title, err := page.Title(ctx); err == nil {
		if p, ok := rules.ContainsAny(rl.ChallengeTitles, strings.ToLower(title)); ok {
			titleMatch = p
		}
	} else {
		log.Debug().Err(err).Msg("Challenge detection: title unavailable")
	}

	for _, sr := range rl.ChallengeSelectors {
		found, visible, err := page.Element(ctx, sr.Selector)
		if err != nil {
			log.Debug().Err(err).Str("selector", sr.Selector).Msg("Challenge detection: selector query failed")
			continue
		}
		if !found {
			continue
		}
		confidence := confidenceInvisible
		if visible {
			confidence = confidenceVisible
		}
		return Detection{
			Detected:      true,
			Type:          ParseType(sr.Type),
			Confidence:    confidence,
			MatchedSignal: sr.Selector,
		}
	}

	if html, err := page.HTML(ctx); err == nil {
		if det, ok := contentHeuristic(rl, html); ok {
			return det
		}
	} else {
		log.Debug().Err(err).Msg("Challenge detection: content unavailable")
	}

	if titleMatch != "" {
		return Detection{
			Detected:      true,
			Type:          TypeManaged,
			Confidence:    confidenceTitle,
			MatchedSignal: "title:" + titleMatch,
		}
	}

	return Detection{Type: TypeNone}
}

// contentHeuristic counts provider keywords in a small document.
func contentHeuristic(rl *rules.Rules, html string) (Detection, bool) {
	if utf8.RuneCountInString(html) >= ContentHeuristicMaxLen {
		return Detection{}, false
	}
	found := rules.Matches(rl.ContentSignals, strings.ToLower(html))
	if len(found) < contentHeuristicMinSignals {
		return Detection{}, false
	}
	if len(found) > 3 {
		found = found[:3]
	}
	return Detection{
		Detected:      true,
		Type:          TypeManaged,
		Confidence:    confidenceContent,
		MatchedSignal: "content_heuristic:" + strings.Join(found, ","),
	}, true
}

// resolutionMarker reports the first resolution marker element present on page.
func (d *Detector) resolutionMarker(ctx context.Context, page types.Page) (string, bool) {
	for _, sel := range d.rules.Get().ResolvedSelectors {
		found, _, err := page.Element(ctx, sel)
		if err == nil && found {
			return sel, true
		}
	}
	return "", false
}
