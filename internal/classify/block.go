// Package classify separates genuine blocks and challenges from legitimate
// thin pages and scores the quality of extracted content.
package classify

import (
	"strings"
	"unicode/utf8"

	"github.com/Rorqualx/grubcrawl/internal/rules"
)

// Size thresholds, in characters.
const (
	// SubstantialHTML marks a document large enough to be real content,
	// unless its extracted text is almost empty.
	SubstantialHTML = 5000
	// SoftBlockContent is the content size above which a 403 is a soft block.
	SoftBlockContent = 2000
	// ShortMarkdown is the extracted text size below which a small page is
	// scanned for block keywords.
	ShortMarkdown = 500
	// ThinBody is the body size below which a 403/503 is a challenge.
	ThinBody = 200
	// EmptyMarkdown is the extracted text size that counts as nothing.
	EmptyMarkdown = 100
)

// Block reasons that are not rule verdicts.
const (
	ReasonHTTP403 = "http_403"
)

// BlockSignals is the verdict of DetectBlockSignals.
type BlockSignals struct {
	Blocked         bool   `json:"blocked"`
	Reason          string `json:"reason,omitempty"`
	CaptchaDetected bool   `json:"captchaDetected"`
}

// Classifier evaluates crawl outcomes against the rule tables.
type Classifier struct {
	rules rules.Provider
}

// New creates a Classifier. A nil provider uses the embedded tables.
func New(p rules.Provider) *Classifier {
	if p == nil {
		p = rules.Static{}
	}
	return &Classifier{rules: p}
}

var defaultClassifier = New(nil)

// DetectBlockSignals classifies a page using the embedded rule tables.
func DetectBlockSignals(html, markdown string, status int) BlockSignals {
	return defaultClassifier.DetectBlockSignals(html, markdown, status)
}

// Match returns the verdict of the first row whose pattern occurs in text.
func Match(rows []rules.Pattern, text string) (string, bool) {
	row, ok := rules.FirstMatch(rows, strings.ToLower(text))
	if !ok {
		return "", false
	}
	return row.Verdict, true
}

// DetectBlockSignals decides whether a fetched page is a block. markdown is
// the extracted text and may be empty; status 0 means unknown.
//
// Keyword matches alone are not trusted on substantial pages: real pages
// routinely carry provider script references in their boilerplate.
func (c *Classifier) DetectBlockSignals(html, markdown string, status int) BlockSignals {
	htmlLen := utf8.RuneCountInString(html)
	textLen := utf8.RuneCountInString(markdown)
	contentLen := htmlLen
	if markdown != "" {
		contentLen = textLen
	}

	if status == 403 {
		if contentLen > SoftBlockContent {
			return BlockSignals{}
		}
		if contentLen < EmptyMarkdown {
			return BlockSignals{Blocked: true, Reason: ReasonHTTP403}
		}
	}

	substantial := htmlLen > SubstantialHTML
	heavyNoText := substantial && textLen < EmptyMarkdown

	if substantial && !heavyNoText {
		return BlockSignals{}
	}
	if !substantial && textLen >= ShortMarkdown {
		return BlockSignals{}
	}
	return c.scan(html + "\n" + markdown)
}

func (c *Classifier) scan(text string) BlockSignals {
	rl := c.rules.Get()
	lower := strings.ToLower(text)

	row, ok := rules.FirstMatch(rl.BlockKeywords, lower)
	if !ok {
		return BlockSignals{}
	}
	_, captcha := rules.ContainsAny(rl.CaptchaKeywords, lower)
	return BlockSignals{Blocked: true, Reason: row.Verdict, CaptchaDetected: captcha}
}
