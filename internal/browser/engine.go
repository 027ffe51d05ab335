package browser

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/grubcrawl/internal/challenge"
	"github.com/Rorqualx/grubcrawl/internal/classify"
	"github.com/Rorqualx/grubcrawl/internal/config"
	"github.com/Rorqualx/grubcrawl/internal/cookies"
	"github.com/Rorqualx/grubcrawl/internal/metrics"
	"github.com/Rorqualx/grubcrawl/internal/rules"
	"github.com/Rorqualx/grubcrawl/internal/security"
	"github.com/Rorqualx/grubcrawl/internal/stats"
	"github.com/Rorqualx/grubcrawl/internal/types"
	"github.com/Rorqualx/grubcrawl/pkg/version"
)

const (
	browserCloseTimeout = 10 * time.Second
	statsMaxAge         = 24 * time.Hour
)

// CrawlOptions tunes a single crawl.
type CrawlOptions struct {
	// Timeout bounds the whole crawl, challenge resolution included.
	Timeout time.Duration
	// UserAgent is used when no solver user agent is pinned for the domain.
	UserAgent      string
	Wait           types.WaitCondition
	Screenshot     bool
	BlockResources bool
	// AllowPrivate permits loopback and private network targets.
	AllowPrivate bool
}

// CrawlResult is everything a crawl learned about one URL.
type CrawlResult struct {
	URL        string                `json:"url"`
	FinalURL   string                `json:"finalUrl"`
	StatusCode int                   `json:"statusCode"`
	Title      string                `json:"title"`
	HTML       string                `json:"html"`
	Chars      int                   `json:"chars"`
	Words      int                   `json:"words"`
	Challenge  challenge.Result      `json:"challenge"`
	Block      classify.BlockSignals `json:"block"`
	Quality    classify.Quality      `json:"quality"`
	UserAgent  string                `json:"userAgent"`
	Proxy      string                `json:"proxy"`
	Attempts   int                   `json:"attempts"`
	Screenshot []byte                `json:"screenshot,omitempty"`
	DurationMs int64                 `json:"durationMs"`
}

// Deps are the collaborators an Engine uses. Nil fields get defaults,
// except Launcher which is required.
type Deps struct {
	Launcher   types.Launcher
	Rules      rules.Provider
	Store      *cookies.Store
	Resolver   *challenge.Resolver
	Classifier *classify.Classifier
	Stats      *stats.Manager
	Proxies    *ProxyRotator
}

// Engine owns one browser and keeps it usable across crawls. It restarts
// the browser on proxy faults and on repeated timeouts, rotating to the
// next proxy each time.
type Engine struct {
	cfg        *config.Config
	launcher   types.Launcher
	rules      rules.Provider
	store      *cookies.Store
	resolver   *challenge.Resolver
	classifier *classify.Classifier
	stats      *stats.Manager
	proxies    *ProxyRotator

	// lifeMu serializes launches and restarts.
	lifeMu     sync.Mutex
	browser    types.Browser
	proxy      *types.ProxyConfig
	generation int
	closed     bool

	failMu                   sync.Mutex
	consecutiveFailures      int
	maxFailuresBeforeRestart int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates an Engine. The browser is launched lazily by Start or
// the first crawl. A positive COOKIE_SWEEP_INTERVAL starts a background
// sweep that runs until Close.
func NewEngine(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Launcher == nil {
		return nil, types.NewEngineError("init", errors.New("launcher is required"))
	}
	if deps.Rules == nil {
		deps.Rules = rules.Static{}
	}
	if deps.Store == nil {
		deps.Store = cookies.NewStore(cfg.CookieTTL)
	}
	if deps.Resolver == nil {
		deps.Resolver = challenge.NewResolver(deps.Rules, nil, deps.Store)
	}
	if deps.Classifier == nil {
		deps.Classifier = classify.New(deps.Rules)
	}
	if deps.Stats == nil {
		deps.Stats = stats.NewManager()
	}
	if deps.Proxies == nil {
		deps.Proxies = NewProxyRotator(cfg)
	}

	threshold := cfg.ProxyRestartAfterFailures
	if threshold < 1 {
		threshold = 1
	}
	e := &Engine{
		cfg:                      cfg,
		launcher:                 deps.Launcher,
		rules:                    deps.Rules,
		store:                    deps.Store,
		resolver:                 deps.Resolver,
		classifier:               deps.Classifier,
		stats:                    deps.Stats,
		proxies:                  deps.Proxies,
		maxFailuresBeforeRestart: threshold,
		stopCh:                   make(chan struct{}),
	}

	if cfg.CookieSweepInterval > 0 {
		e.wg.Add(1)
		go e.sweepLoop(cfg.CookieSweepInterval)
	}

	log.Info().
		Int("proxies", e.proxies.Len()).
		Int("restart_after", threshold).
		Int("navigation_retries", cfg.NavigationRetries).
		Msg("Browser engine initialized")
	return e, nil
}

// Store returns the engine's cookie store.
func (e *Engine) Store() *cookies.Store { return e.store }

// Stats returns the per-domain outcome statistics.
func (e *Engine) Stats() *stats.Manager { return e.stats }

// Start launches the browser and checks the exit IP when enabled.
func (e *Engine) Start(ctx context.Context) error {
	if _, _, _, err := e.ensureBrowser(ctx); err != nil {
		return err
	}
	return nil
}

// ConsecutiveFailures returns the current navigation failure counter.
func (e *Engine) ConsecutiveFailures() int {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	return e.consecutiveFailures
}

// Proxy returns the proxy the running browser uses, or nil for direct.
func (e *Engine) Proxy() *types.ProxyConfig {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	return e.proxy
}

// ensureBrowser returns the running browser, launching one if there is
// none or the old one lost its connection.
func (e *Engine) ensureBrowser(ctx context.Context) (types.Browser, *types.ProxyConfig, int, error) {
	e.lifeMu.Lock()
	if e.closed {
		e.lifeMu.Unlock()
		return nil, nil, 0, types.ErrEngineClosed
	}
	if e.browser != nil && e.browser.Connected() {
		b, p, gen := e.browser, e.proxy, e.generation
		e.lifeMu.Unlock()
		return b, p, gen, nil
	}
	if e.browser != nil {
		log.Warn().Msg("Browser disconnected, relaunching")
		metrics.RecordRestart("disconnected")
	}
	if err := e.relaunchLocked(ctx); err != nil {
		e.lifeMu.Unlock()
		return nil, nil, 0, err
	}
	b, p, gen := e.browser, e.proxy, e.generation
	e.lifeMu.Unlock()

	if e.cfg.IPCheckEnabled {
		e.CheckExitIP(context.WithoutCancel(ctx))
	}
	return b, p, gen, nil
}

// relaunchLocked replaces the browser with a fresh one behind the next
// proxy. lifeMu must be held.
func (e *Engine) relaunchLocked(ctx context.Context) error {
	if e.browser != nil {
		e.closeBrowserWithTimeout(e.browser, browserCloseTimeout)
		e.browser = nil
	}
	proxy := e.proxies.Next()
	b, err := e.launcher.Launch(ctx, proxy)
	if err != nil {
		log.Error().Err(err).Str("proxy", proxyURL(proxy)).Msg("Failed to launch browser")
		return err
	}
	e.browser, e.proxy = b, proxy
	e.generation++
	e.resetFailures()
	return nil
}

// Restart closes the browser, launches a new one behind the next proxy
// and checks the exit IP when enabled.
func (e *Engine) Restart(ctx context.Context, reason string) error {
	e.lifeMu.Lock()
	if e.closed {
		e.lifeMu.Unlock()
		return types.ErrEngineClosed
	}
	err := e.restartLocked(ctx, reason)
	e.lifeMu.Unlock()
	if err != nil {
		return err
	}
	if e.cfg.IPCheckEnabled {
		e.CheckExitIP(ctx)
	}
	return nil
}

func (e *Engine) restartLocked(ctx context.Context, reason string) error {
	log.Warn().Str("reason", reason).Str("old_proxy", proxyURL(e.proxy)).Msg("Restarting browser")
	metrics.RecordRestart(reason)
	if err := e.relaunchLocked(ctx); err != nil {
		return types.NewEngineError("restart", err)
	}
	log.Info().Str("proxy", proxyURL(e.proxy)).Int("generation", e.generation).Msg("Browser restarted")
	return nil
}

// restartIfCurrent restarts only if no other crawl already replaced the
// browser generation gen, so concurrent failures cause one restart.
func (e *Engine) restartIfCurrent(ctx context.Context, gen int, reason string) {
	e.lifeMu.Lock()
	if e.closed || e.generation != gen {
		e.lifeMu.Unlock()
		log.Debug().Int("generation", gen).Msg("Browser already replaced, skipping restart")
		return
	}
	err := e.restartLocked(ctx, reason)
	e.lifeMu.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("Browser restart failed")
		return
	}
	if e.cfg.IPCheckEnabled {
		e.CheckExitIP(ctx)
	}
}

// closeBrowserWithTimeout closes b without letting a hung CDP connection
// block the caller forever.
func (e *Engine) closeBrowserWithTimeout(b types.Browser, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing browser")
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		log.Warn().Dur("timeout", timeout).Msg("Browser close timed out")
		return false
	}
}

func (e *Engine) resetFailures() {
	e.failMu.Lock()
	e.consecutiveFailures = 0
	e.failMu.Unlock()
}

// recordFailure bumps the counter and reports whether the browser must
// be restarted for this kind of failure.
func (e *Engine) recordFailure(kind types.NavigationKind) bool {
	e.failMu.Lock()
	e.consecutiveFailures++
	n := e.consecutiveFailures
	e.failMu.Unlock()

	metrics.RecordNavigationFailure(string(kind), n)
	switch kind {
	case types.NavigationProxy:
		return true
	case types.NavigationTimeout:
		return n >= e.maxFailuresBeforeRestart
	default:
		return false
	}
}

// classifyNavigationError maps a browser error to a failure kind using
// the fault signatures from the rule tables.
func (e *Engine) classifyNavigationError(err error) types.NavigationKind {
	rl := e.rules.Get()
	msg := strings.ToLower(err.Error())
	if _, ok := rules.ContainsAny(rl.ProxyFaults, msg); ok {
		return types.NavigationProxy
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, types.ErrNavigationTimeout) {
		return types.NavigationTimeout
	}
	if _, ok := rules.ContainsAny(rl.TimeoutFaults, msg); ok {
		return types.NavigationTimeout
	}
	return types.NavigationOther
}

// navigate loads rawURL, retrying up to NavigationRetries attempts in
// total. A restart ends the attempts because page belonged to the old
// browser.
func (e *Engine) navigate(ctx context.Context, page types.Page, rawURL string, wait types.WaitCondition, gen int) (*types.Response, int, error) {
	attempts := e.cfg.NavigationRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := page.Navigate(ctx, rawURL, wait, e.cfg.NavigationTimeout)
		if err == nil {
			e.resetFailures()
			metrics.RecordNavigationSuccess()
			return resp, attempt, nil
		}

		kind := e.classifyNavigationError(err)
		lastErr = types.NewNavigationError(kind, rawURL, attempt, err)
		restart := e.recordFailure(kind)
		log.Warn().
			Err(err).
			Str("url", security.RedactURL(rawURL)).
			Str("kind", string(kind)).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Int("consecutive_failures", e.ConsecutiveFailures()).
			Msg("Navigation failed")

		if restart {
			// The crawl's own context may be spent; the restart must not be.
			e.restartIfCurrent(context.WithoutCancel(ctx), gen, string(kind))
			return nil, attempt, lastErr
		}
		if ctx.Err() != nil {
			return nil, attempt, lastErr
		}
	}
	return nil, attempts, lastErr
}

// Crawl loads rawURL in a fresh isolated context, resolves any challenge
// in front of it and classifies what came back.
func (e *Engine) Crawl(ctx context.Context, rawURL string, opts CrawlOptions) (*CrawlResult, error) {
	if err := security.ValidateCrawlURL(rawURL, opts.AllowPrivate); err != nil {
		return nil, err
	}
	if opts.Wait == "" {
		opts.Wait = types.WaitDOMContentLoaded
	}

	start := time.Now()
	res, err := e.timedCrawl(ctx, rawURL, opts)
	elapsed := time.Since(start)
	domain := cookies.DomainOf(rawURL)

	if err != nil {
		metrics.RecordCrawl("error", elapsed)
		e.stats.RecordCrawl(domain, elapsed, true, false)
		return nil, err
	}

	res.DurationMs = elapsed.Milliseconds()
	outcome := "ok"
	if res.Block.Blocked {
		outcome = "blocked"
	}
	metrics.RecordCrawl(outcome, elapsed)
	metrics.RecordQuality(string(res.Quality))
	e.stats.RecordCrawl(domain, elapsed, false, res.Block.Blocked)

	log.Info().
		Str("url", security.RedactURL(rawURL)).
		Int("status", res.StatusCode).
		Str("challenge", string(res.Challenge.Type)).
		Str("method", string(res.Challenge.Method)).
		Str("quality", string(res.Quality)).
		Dur("duration", elapsed).
		Msg("Crawl finished")
	return res, nil
}

func (e *Engine) challengeOptions(proxy *types.ProxyConfig) challenge.Options {
	return challenge.Options{
		AutoWait:      e.cfg.ChallengeAutoWait,
		PollInterval:  e.cfg.ChallengePollInterval,
		SolverTimeout: e.cfg.CaptchaSolverTimeout,
		Proxy:         proxy,
	}
}

// DefaultTimeout is a per-URL time box that fits every navigation attempt
// plus a challenge that runs through all resolver stages.
func (e *Engine) DefaultTimeout() time.Duration {
	attempts := max(e.cfg.NavigationRetries, 1)
	return time.Duration(attempts)*e.cfg.NavigationTimeout + e.challengeOptions(nil).Budget()
}

// timedCrawl brings the browser up before opts.Timeout starts counting,
// so a lazy launch and its exit IP check are not charged to the URL.
func (e *Engine) timedCrawl(ctx context.Context, rawURL string, opts CrawlOptions) (*CrawlResult, error) {
	if err := e.Start(ctx); err != nil {
		return nil, err
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	return e.crawl(ctx, rawURL, opts)
}

func (e *Engine) crawl(ctx context.Context, rawURL string, opts CrawlOptions) (*CrawlResult, error) {
	b, proxy, gen, err := e.ensureBrowser(ctx)
	if err != nil {
		return nil, err
	}

	uaDomain := challenge.CookieDomain(rawURL)
	bucket := cookies.DomainOf(rawURL)
	proxyID := proxy.Identity()

	ua := opts.UserAgent
	if ua == "" {
		ua = version.UserAgent
	}
	if pinned, ok := e.store.CapsolverUA(uaDomain, 0); ok {
		log.Debug().Str("domain", uaDomain).Msg("Using pinned solver user agent")
		ua = pinned
	}

	bc, err := b.NewContext(ctx, types.ContextOptions{UserAgent: ua, BlockResources: opts.BlockResources})
	if err != nil {
		return nil, types.NewEngineError("new context", err)
	}
	defer closeQuietly(bc, "context")

	if n, err := e.store.LoadIntoContext(ctx, bc, bucket, proxyID); err != nil {
		log.Warn().Err(err).Str("domain", bucket).Msg("Failed to load stored cookies")
	} else if n > 0 {
		log.Debug().Int("count", n).Str("domain", bucket).Msg("Loaded stored clearance cookies")
	}

	page, err := bc.NewPage(ctx)
	if err != nil {
		return nil, types.NewEngineError("new page", err)
	}

	resp, attempts, err := e.navigate(ctx, page, rawURL, opts.Wait, gen)
	if err != nil {
		return nil, err
	}

	chal := e.resolver.Resolve(ctx, page, rawURL, e.challengeOptions(proxy))

	active, activeCtx := page, bc
	if rep := chal.Replacement; rep != nil {
		defer closeQuietly(rep.Context, "replacement context")
		active, activeCtx = rep.Page, rep.Context
		ua = rep.Context.UserAgent()
	}

	// After a challenge the status of the first response no longer
	// describes the page being read.
	classifyStatus := resp.Status
	if chal.Type != challenge.TypeNone {
		e.stats.RecordChallenge(bucket, string(chal.Method), chal.Resolved)
		if chal.Resolved {
			classifyStatus = 0
			if err := e.store.SaveFromContext(ctx, activeCtx, bucket, proxyID); err != nil {
				log.Warn().Err(err).Str("domain", bucket).Msg("Failed to save clearance cookies")
			}
		}
	}

	html, err := active.HTML(ctx)
	if err != nil {
		return nil, types.NewEngineError("read content", err)
	}
	title, err := active.Title(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to read page title")
	}

	text := classify.VisibleText(html)
	chars, words := classify.CountText(text)
	block := e.classifier.DetectBlockSignals(html, text, classifyStatus)

	res := &CrawlResult{
		URL:        rawURL,
		FinalURL:   active.URL(),
		StatusCode: resp.Status,
		Title:      title,
		HTML:       html,
		Chars:      chars,
		Words:      words,
		Challenge:  chal,
		Block:      block,
		Quality:    e.classifier.ClassifyContentQuality(utf8.RuneCountInString(html), words, block.Blocked, classifyStatus, text),
		UserAgent:  ua,
		Proxy:      proxyURL(proxy),
		Attempts:   attempts,
	}
	if res.FinalURL == "" {
		res.FinalURL = resp.URL
	}

	if opts.Screenshot || e.cfg.Screenshot {
		shot, err := active.Screenshot(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to capture screenshot")
		} else {
			res.Screenshot = shot
		}
	}
	return res, nil
}

// sweepLoop drops expired cookies and stale domain statistics.
func (e *Engine) sweepLoop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			log.Debug().Msg("Cookie sweep stopping")
			return
		case <-ticker.C:
			removed := e.store.ClearExpired()
			pruned := e.stats.CleanupStale(statsMaxAge)
			metrics.UpdateCookieStore(e.store.Len())
			if removed > 0 || pruned > 0 {
				log.Debug().Int("cookies", removed).Int("domains", pruned).Msg("Swept expired entries")
			}
		}
	}
}

// Close stops the sweep and shuts the browser down. It is safe to call
// more than once.
func (e *Engine) Close() error {
	e.lifeMu.Lock()
	if e.closed {
		e.lifeMu.Unlock()
		return nil
	}
	e.closed = true
	b := e.browser
	e.browser = nil
	e.lifeMu.Unlock()

	log.Info().Msg("Closing browser engine")
	e.stopOnce.Do(func() { close(e.stopCh) })

	eg := new(errgroup.Group)
	eg.Go(func() error {
		e.wg.Wait()
		return nil
	})
	if b != nil {
		eg.Go(func() error {
			if !e.closeBrowserWithTimeout(b, browserCloseTimeout) {
				return types.NewEngineError("close", errors.New("timed out"))
			}
			return nil
		})
	}
	err := eg.Wait()
	log.Info().Msg("Browser engine closed")
	return err
}

type closer interface {
	Close() error
}

func closeQuietly(c closer, what string) {
	if err := c.Close(); err != nil {
		log.Debug().Err(err).Str("what", what).Msg("Close failed")
	}
}
