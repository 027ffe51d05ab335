package challenge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Rorqualx/grubcrawl/internal/browser/browsertest"
)

const turnstileFrame = `iframe[src*="challenges.cloudflare.com"]`

func TestDetect(t *testing.T) {
	tests := []struct {
		name           string
		page           *browsertest.Page
		wantDetected   bool
		wantType       Type
		wantConfidence float64
		wantSignal     string
	}{
		{
			name:     "ordinary page",
			page:     &browsertest.Page{PageTitle: "Example Domain", Content: "<html><body>hello</body></html>"},
			wantType: TypeNone,
		},
		{
			name: "visible turnstile iframe",
			page: &browsertest.Page{Elements: map[string]browsertest.Element{
				turnstileFrame: {Visible: true},
			}},
			wantDetected:   true,
			wantType:       TypeTurnstile,
			wantConfidence: 0.95,
			wantSignal:     turnstileFrame,
		},
		{
			name: "invisible widget",
			page: &browsertest.Page{Elements: map[string]browsertest.Element{
				".cf-turnstile": {},
			}},
			wantDetected:   true,
			wantType:       TypeTurnstile,
			wantConfidence: 0.7,
			wantSignal:     ".cf-turnstile",
		},
		{
			name: "first selector in order wins",
			page: &browsertest.Page{Elements: map[string]browsertest.Element{
				"#cf-challenge-running": {Visible: true},
				"#challenge-running":    {Visible: true},
			}},
			wantDetected:   true,
			wantType:       TypeJavaScript,
			wantConfidence: 0.95,
			wantSignal:     "#challenge-running",
		},
		{
			name: "selector overrides title",
			page: &browsertest.Page{
				PageTitle: "Just a moment...",
				Elements: map[string]browsertest.Element{
					".cf-browser-verification": {Visible: true},
				},
			},
			wantDetected:   true,
			wantType:       TypeBrowserCheck,
			wantConfidence: 0.95,
			wantSignal:     ".cf-browser-verification",
		},
		{
			name:           "content heuristic",
			page:           &browsertest.Page{Content: "<p>Performance & security by Cloudflare</p><p>Ray ID: 8a1b</p>"},
			wantDetected:   true,
			wantType:       TypeManaged,
			wantConfidence: 0.8,
			wantSignal:     "content_heuristic:cloudflare,ray id,performance & security by",
		},
		{
			name: "document size counts characters",
			page: &browsertest.Page{
				Content: "<p>Performance & security by Cloudflare</p><p>Ray ID: 8a1b</p><p>" + strings.Repeat("я", ContentHeuristicMaxLen/2) + "</p>",
			},
			wantDetected:   true,
			wantType:       TypeManaged,
			wantConfidence: 0.8,
			wantSignal:     "content_heuristic:cloudflare,ray id,performance & security by",
		},
		{
			name:     "single content signal is not enough",
			page:     &browsertest.Page{Content: "<p>Served by cloudflare</p>"},
			wantType: TypeNone,
		},
		{
			name: "large documents skip the heuristic",
			page: &browsertest.Page{
				Content: "cloudflare ray id challenge-platform " + strings.Repeat("x", ContentHeuristicMaxLen),
			},
			wantType: TypeNone,
		},
		{
			name:           "title fallback",
			page:           &browsertest.Page{PageTitle: "Um momento…"},
			wantDetected:   true,
			wantType:       TypeManaged,
			wantConfidence: 0.9,
			wantSignal:     "title:um momento",
		},
		{
			name:     "broken page detects nothing",
			page:     &browsertest.Page{PageTitle: "Just a moment...", QueryErr: errors.New("target closed")},
			wantType: TypeNone,
		},
	}

	d := NewDetector(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Detect(context.Background(), tt.page)
			if got.Detected != tt.wantDetected {
				t.Fatalf("Detected = %v, want %v (%+v)", got.Detected, tt.wantDetected, got)
			}
			if got.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", got.Type, tt.wantType)
			}
			if got.Confidence != tt.wantConfidence {
				t.Errorf("Confidence = %v, want %v", got.Confidence, tt.wantConfidence)
			}
			if got.MatchedSignal != tt.wantSignal {
				t.Errorf("MatchedSignal = %q, want %q", got.MatchedSignal, tt.wantSignal)
			}
		})
	}
}

func TestResolutionMarker(t *testing.T) {
	d := NewDetector(nil)
	page := &browsertest.Page{Elements: map[string]browsertest.Element{
		`#challenge-stage[style*="display: none"]`: {},
	}}

	sel, ok := d.resolutionMarker(context.Background(), page)
	if !ok {
		t.Fatal("expected a resolution marker")
	}
	if sel != `#challenge-stage[style*="display: none"]` {
		t.Errorf("marker = %q", sel)
	}

	if _, ok := d.resolutionMarker(context.Background(), &browsertest.Page{}); ok {
		t.Error("expected no marker on an empty page")
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in   string
		want Type
	}{
		{"turnstile", TypeTurnstile},
		{"managed", TypeManaged},
		{"browser_check", TypeBrowserCheck},
		{"js_challenge", TypeJavaScript},
		{"something_else", TypeJavaScript},
	}
	for _, tt := range tests {
		if got := ParseType(tt.in); got != tt.want {
			t.Errorf("ParseType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
