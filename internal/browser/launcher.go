// Package browser runs the crawl pipeline on top of a real Chrome: it
// implements the browser capability interfaces with rod, launches browsers
// behind rotating proxies and keeps them healthy across crawls.
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/grubcrawl/internal/config"
	"github.com/Rorqualx/grubcrawl/internal/types"
)

// Launcher starts Chrome processes with anti-detection flags.
type Launcher struct {
	cfg *config.Config
}

var _ types.Launcher = (*Launcher)(nil)

// NewLauncher creates a Launcher.
func NewLauncher(cfg *config.Config) *Launcher {
	return &Launcher{cfg: cfg}
}

// Launch starts a browser routed through proxy (nil means direct). Proxy
// credentials are not passed to Chrome; pages answer auth challenges themselves.
func (l *Launcher) Launch(ctx context.Context, proxy *types.ProxyConfig) (types.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Debug().Str("proxy", proxyURL(proxy)).Bool("headless", l.cfg.Headless).Msg("Launching browser")

	ln := l.configure(proxy)
	controlURL, err := ln.Launch()
	if err != nil {
		return nil, types.NewEngineError("launch", fmt.Errorf("%w: %w", types.ErrBrowserLaunch, err))
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		ln.Kill()
		ln.Cleanup()
		return nil, types.NewEngineError("connect", fmt.Errorf("%w: %w", types.ErrBrowserLaunch, err))
	}
	if l.cfg.IgnoreCertErrors {
		log.Warn().Msg("Certificate validation disabled - MITM attacks possible")
		if err := b.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("Failed to set IgnoreCertErrors")
		}
	}

	log.Info().Str("proxy", proxyURL(proxy)).Msg("Browser launched")
	return &rodBrowser{browser: b, launcher: ln, proxy: proxy}, nil
}

// configure builds a single-use launcher. Launchers cannot be reused.
func (l *Launcher) configure(proxy *types.ProxyConfig) *launcher.Launcher {
	ln := launcher.New()
	if l.cfg.BrowserPath != "" {
		ln = ln.Bin(l.cfg.BrowserPath)
	}

	// rod defaults to headless; headed mode under Xvfb is harder to fingerprint.
	if l.cfg.Headless {
		ln = ln.Set("headless", "new")
	} else {
		ln = ln.Headless(false)
	}

	ln = ln.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if proxy != nil && proxy.Server != "" {
		ln = ln.Set("proxy-server", proxy.Server)
	}
	ln = ln.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	ln = ln.Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation").
		Set("disable-features", strings.Join([]string{
			"Translate", "TranslateUI", "BlinkGenPropertyTrees", "WebRtcHideLocalIpsWithMdns",
		}, ",")).
		Set("enable-features", "NetworkService,NetworkServiceInProcess")

	// Software WebGL keeps the GPU fingerprint populated on hosts without a GPU.
	ln = ln.Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("enable-webgl")

	if l.cfg.IgnoreCertErrors {
		ln = ln.Set("ignore-certificate-errors")
	}

	ln = ln.Set("accept-lang", acceptLanguage).
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-search-engine-choice-screen").
		Set("window-size", "1920,1080")

	ln = ln.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("js-flags", "--max-old-space-size=256").
		Set("disable-renderer-backgrounding").
		Set("disable-gpu-sandbox")

	// Do not use --disable-gpu on ARM: it breaks SwiftShader WebGL.
	if runtime.GOARCH == "arm64" || runtime.GOARCH == "arm" {
		ln = ln.Set("disable-gpu-compositing")
	}
	return ln
}
