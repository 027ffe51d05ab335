package classify

import (
	"strings"
	"unicode/utf8"

	"github.com/Rorqualx/grubcrawl/internal/rules"
)

// Quality labels a crawl's extracted content.
type Quality string

// Content quality labels.
const (
	QualityBlocked    Quality = "blocked"
	QualityEmpty      Quality = "empty"
	QualityMinimal    Quality = "minimal"
	QualitySufficient Quality = "sufficient"
)

// Quality thresholds.
const (
	// ChallengeBody is the body size below which an HTTP 200 carrying
	// several challenge signatures is a disguised interstitial.
	ChallengeBody = 500
	// MinChallengeSignatures is how many signatures that takes.
	MinChallengeSignatures = 2

	emptyHTML      = 50
	emptyWords     = 5
	minimalWords   = 100
	errorPageLimit = 2000
)

// ClassifyContentQuality labels content using the embedded rule tables.
func ClassifyContentQuality(htmlLen, wordCount int, blocked bool, status int, content string) Quality {
	return defaultClassifier.ClassifyContentQuality(htmlLen, wordCount, blocked, status, content)
}

// ClassifyContentQuality labels a crawl outcome. content is the extracted
// text and may be empty, in which case htmlLen stands in for its size.
func (c *Classifier) ClassifyContentQuality(htmlLen, wordCount int, blocked bool, status int, content string) Quality {
	if blocked {
		return QualityBlocked
	}

	body := htmlLen
	if content != "" {
		body = utf8.RuneCountInString(content)
	}
	if (status == 403 || status == 503) && body < ThinBody {
		return QualityBlocked
	}

	rl := c.rules.Get()
	lower := strings.ToLower(content)

	if status == 200 && body < ChallengeBody {
		if len(rules.Matches(rl.ChallengeSignatures, lower)) >= MinChallengeSignatures {
			return QualityBlocked
		}
	}

	if htmlLen < emptyHTML || wordCount < emptyWords {
		return QualityEmpty
	}
	if wordCount < minimalWords {
		return QualityMinimal
	}
	if body < errorPageLimit {
		if _, ok := rules.ContainsAny(rl.ErrorPageSignatures, lower); ok {
			return QualityMinimal
		}
	}
	return QualitySufficient
}
