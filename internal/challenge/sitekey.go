package challenge

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/grubcrawl/internal/rules"
	"github.com/Rorqualx/grubcrawl/internal/types"
)

var (
	scriptSiteKeyPattern = regexp.MustCompile(`/turnstile/v0/(?:g|i)/([0-9A-Za-z_-]+)/api\.js`)
	dataSiteKeyPattern   = regexp.MustCompile(`data-sitekey=["']([^"']+)`)
)

// siteKeyJS looks for an already-rendered widget, then the challenge options global.
const siteKeyJS = `() => {
	if (window.turnstile) {
		const el = document.querySelector('[data-sitekey]');
		if (el && el.getAttribute('data-sitekey')) return el.getAttribute('data-sitekey');
	}
	if (window._cf_chl_opt && window._cf_chl_opt.cK) return String(window._cf_chl_opt.cK);
	return '';
}`

// scriptSourcesJS returns every script src on the page, newline separated.
const scriptSourcesJS = `() => Array.from(document.querySelectorAll('script[src]')).map(s => s.src).join('\n')`

var siteKeyAttributes = []string{"data-sitekey", "data-turnstile-sitekey"}

// ExtractSiteKey searches page for a Turnstile site key. The first hit wins;
// an empty string means every method missed.
func ExtractSiteKey(ctx context.Context, page types.Page, rl *rules.Rules) string {
	// 1. Widget attributes
	for _, sel := range rl.SiteKeySelectors {
		for _, attr := range siteKeyAttributes {
			if v, ok, err := page.Attribute(ctx, sel, attr); err == nil && ok && v != "" {
				log.Debug().Str("method", "attribute").Str("selector", sel).Msg("Site key found")
				return v
			}
		}
	}

	// 2. Challenge iframe src
	for _, sel := range rl.SiteKeySelectors {
		if src, ok, err := page.Attribute(ctx, sel, "src"); err == nil && ok {
			if key := siteKeyFromURL(src); key != "" {
				log.Debug().Str("method", "iframe_src").Msg("Site key found")
				return key
			}
		}
	}

	// 3. In-page script
	if v, err := page.Eval(ctx, siteKeyJS); err == nil && v != "" {
		log.Debug().Str("method", "script").Msg("Site key found")
		return v
	}

	// 4. Solver script tag path
	if srcs, err := page.Eval(ctx, scriptSourcesJS); err == nil {
		if m := scriptSiteKeyPattern.FindStringSubmatch(srcs); m != nil {
			log.Debug().Str("method", "script_src").Msg("Site key found")
			return m[1]
		}
	}

	// 5. Raw page source
	html, err := page.HTML(ctx)
	if err != nil {
		return ""
	}
	if m := scriptSiteKeyPattern.FindStringSubmatch(html); m != nil {
		log.Debug().Str("method", "html_script_path").Msg("Site key found")
		return m[1]
	}
	if m := dataSiteKeyPattern.FindStringSubmatch(html); m != nil {
		log.Debug().Str("method", "html_data_attribute").Msg("Site key found")
		return m[1]
	}
	return ""
}

// siteKeyFromURL returns the sitekey query parameter of raw, or "".
func siteKeyFromURL(raw string) string {
	if !strings.Contains(raw, "sitekey=") {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if key := u.Query().Get("sitekey"); key != "" {
		return key
	}
	// Some widgets carry their parameters in the fragment.
	if frag, err := url.ParseQuery(u.Fragment); err == nil {
		return frag.Get("sitekey")
	}
	return ""
}

// injectTokenJS populates every response field, calls the widget's declared
// callback, and submits the challenge form. Input and change events are
// dispatched on each populated field.
const injectTokenJS = `(token) => {
	let touched = 0;
	const fill = (el) => {
		if (!('value' in el)) return;
		el.value = token;
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
		touched++;
	};
	document.querySelectorAll('input[name="cf-turnstile-response"]').forEach(fill);
	document.querySelectorAll('[name*="turnstile"]').forEach(fill);
	const widget = document.querySelector('.cf-turnstile, [data-turnstile-sitekey]');
	if (widget) {
		const cb = widget.getAttribute('data-callback');
		if (cb && typeof window[cb] === 'function') {
			try { window[cb](token); touched++; } catch (e) {}
		}
	}
	const form = document.querySelector('form[action*="challenge"]');
	if (form) {
		try { form.submit(); touched++; } catch (e) {}
	}
	return String(touched);
}`

// InjectToken writes a solved Turnstile token into page. It reports whether
// any field, callback or form was reached.
func InjectToken(ctx context.Context, page types.Page, token string) bool {
	out, err := page.Eval(ctx, injectTokenJS, token)
	if err != nil {
		log.Warn().Err(err).Msg("Token injection script failed")
		return false
	}
	return out != "" && out != "0"
}
