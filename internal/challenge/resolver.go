package challenge

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/grubcrawl/internal/captcha"
	"github.com/Rorqualx/grubcrawl/internal/metrics"
	"github.com/Rorqualx/grubcrawl/internal/rules"
	"github.com/Rorqualx/grubcrawl/internal/types"
)

// Resolver defaults and fixed stage delays.
const (
	DefaultAutoWait      = 15 * time.Second
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultSolverTimeout = 60 * time.Second

	verificationGrace  = 5 * time.Second
	settleDelay        = 2 * time.Second
	clickSettleDelay   = 3 * time.Second
	reloadNavTimeout   = 20 * time.Second
	errNotResolved     = "Challenge not resolved"
	errSolverNoKey     = "CAPSOLVER_API_KEY not configured"
	errManagedNoProxy  = "AntiCloudflareTask requires proxy config"
	errManagedFailed   = "CapSolver AntiCloudflareTask failed"
	errManagedStill    = "Cookies injected but challenge still present"
	errSiteKeyMissing  = "Could not extract Turnstile sitekey"
	errTokenMissing    = "CapSolver failed to return token"
	errTokenStill      = "Token injected but challenge still present"
	errResolverAborted = "challenge resolution cancelled"
)

// Solver is the external solver used by the last two stages.
type Solver interface {
	IsConfigured() bool
	SolveTurnstile(ctx context.Context, req captcha.TurnstileRequest) (*captcha.TurnstileSolution, error)
	SolveManaged(ctx context.Context, req captcha.ManagedRequest) (*captcha.ManagedSolution, error)
}

// UAStore remembers which user agent a domain's clearance cookie is bound to.
type UAStore interface {
	SaveCapsolverUA(domain, userAgent string)
}

// Options tunes a single Resolve call. Zero values select the defaults.
type Options struct {
	AutoWait      time.Duration
	PollInterval  time.Duration
	SolverTimeout time.Duration
	// Proxy enables the managed-task stage. It must carry credentials.
	Proxy *types.ProxyConfig
}

func (o Options) withDefaults() Options {
	if o.AutoWait <= 0 {
		o.AutoWait = DefaultAutoWait
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.SolverTimeout <= 0 {
		o.SolverTimeout = DefaultSolverTimeout
	}
	return o
}

// Budget is the longest Resolve can run with these options when every
// stage goes to its limit.
func (o Options) Budget() time.Duration {
	o = o.withDefaults()
	auto := o.AutoWait + verificationGrace + reloadNavTimeout + settleDelay
	managed := o.SolverTimeout + 2*(reloadNavTimeout+settleDelay)
	token := o.SolverTimeout + settleDelay
	return auto + clickSettleDelay + managed + token
}

// Resolver drives a detected challenge through auto-wait, click and
// external solver stages, strictly in sequence.
type Resolver struct {
	detector *Detector
	rules    rules.Provider
	solver   Solver
	uaStore  UAStore

	// sleep waits for d or until ctx is done, reporting whether the full
	// duration elapsed. now is the stage clock. Both are replaced in tests.
	sleep func(ctx context.Context, d time.Duration) bool
	now   func() time.Time
}

// NewResolver creates a Resolver. solver and uaStore may be nil.
func NewResolver(p rules.Provider, solver Solver, uaStore UAStore) *Resolver {
	if p == nil {
		p = rules.Static{}
	}
	return &Resolver{
		detector: NewDetector(p),
		rules:    p,
		solver:   solver,
		uaStore:  uaStore,
		sleep:    sleepWithContext,
		now:      time.Now,
	}
}

func (r *Resolver) since(start time.Time) time.Duration {
	return r.now().Sub(start)
}

// sleepWithContext sleeps for the specified duration or until context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Resolve runs the pipeline against page. It never returns an error:
// failures are reported through Result.Error.
func (r *Resolver) Resolve(ctx context.Context, page types.Page, siteURL string, opts Options) (res Result) {
	opts = opts.withDefaults()

	initial := r.detector.Detect(ctx, page)
	if !initial.Detected {
		return Result{Resolved: true, Type: TypeNone, Method: MethodNone}
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("url", siteURL).
				Msg("Panic recovered during challenge resolution")
			if res.Replacement != nil {
				res.Replacement.close()
			}
			res = Result{
				Resolved: false,
				Type:     initial.Type,
				Method:   MethodNone,
				WaitedMs: res.WaitedMs,
				Error:    fmt.Sprint(rec),
			}
		}
		metrics.RecordChallenge(string(res.Type), string(res.Method), res.Resolved)
	}()

	log.Info().
		Str("type", string(initial.Type)).
		Float64("confidence", initial.Confidence).
		Str("signal", initial.MatchedSignal).
		Str("url", siteURL).
		Msg("Challenge detected")

	// Stage A
	auto := r.autoWait(ctx, page, siteURL, initial, opts)
	if auto.Resolved {
		log.Info().Int64("waited_ms", auto.WaitedMs).Msg("Challenge auto-resolved")
		return auto
	}
	autoErr := auto.Error
	if autoErr == "" {
		autoErr = errNotResolved
	}
	failed := func(t Type) Result {
		return Result{Type: t, Method: MethodNone, WaitedMs: auto.WaitedMs, Error: autoErr}
	}
	if ctx.Err() != nil {
		return failed(initial.Type)
	}

	// Stage B
	effective := initial.Type
	if current := r.detector.Detect(ctx, page); current.Detected {
		effective = current.Type
	}
	log.Info().
		Str("effective_type", string(effective)).
		Str("initial_type", string(initial.Type)).
		Msg("Auto-resolve failed, re-detected challenge type")
	if !effective.SolverEligible() {
		log.Warn().Str("type", string(effective)).Msg("Challenge type not eligible for further resolution")
		return failed(effective)
	}

	// Stage C
	clickStart := r.now()
	if r.clickWidget(ctx, page) {
		if !r.sleep(ctx, clickSettleDelay) {
			return failed(effective)
		}
		if !r.detector.Detect(ctx, page).Detected {
			waited := auto.WaitedMs + r.since(clickStart).Milliseconds()
			log.Info().Int64("waited_ms", waited).Msg("Challenge resolved via widget click")
			return Result{Resolved: true, Type: effective, Method: MethodClick, WaitedMs: waited}
		}
		log.Info().Msg("Click dispatched but challenge still present")
	}

	if r.solver == nil || !r.solver.IsConfigured() {
		log.Warn().Msg(errSolverNoKey + ", external solver stages disabled")
		return failed(effective)
	}

	// Stage D
	if effective == TypeManaged && opts.Proxy != nil {
		managed := r.solveManaged(ctx, page, siteURL, opts)
		if managed.Resolved {
			managed.WaitedMs += auto.WaitedMs
			return managed
		}
		log.Warn().Str("error", managed.Error).Msg("Managed-task solve failed")
	}

	// Stage E
	token := r.solveTurnstile(ctx, page, siteURL, opts)
	if token.Resolved {
		token.WaitedMs += auto.WaitedMs
		return token
	}
	log.Warn().Str("error", token.Error).Msg("Site-key solve failed")

	return failed(effective)
}

// autoWait polls until the challenge clears itself or opts.AutoWait of
// stage time has passed. Navigation and DOM queries count toward the bound.
func (r *Resolver) autoWait(ctx context.Context, page types.Page, siteURL string, initial Detection, opts Options) Result {
	start := r.now()
	resolved := func() Result {
		return Result{Resolved: true, Type: initial.Type, Method: MethodAutoResolve, WaitedMs: r.since(start).Milliseconds()}
	}
	aborted := func() Result {
		return Result{Type: initial.Type, Method: MethodNone, WaitedMs: r.since(start).Milliseconds(), Error: errResolverAborted}
	}
	verificationSeen := false
	rl := r.rules.Get()

	for r.since(start) < opts.AutoWait {
		if !r.sleep(ctx, opts.PollInterval) {
			return aborted()
		}

		if sel, ok := r.detector.resolutionMarker(ctx, page); ok {
			log.Info().Str("selector", sel).Dur("elapsed", r.since(start)).Msg("Challenge resolution marker present")
			return resolved()
		}
		if !r.detector.Detect(ctx, page).Detected {
			return resolved()
		}

		if verificationSeen {
			continue
		}
		body, err := page.BodyText(ctx)
		if err != nil || !strings.Contains(strings.ToLower(body), rl.VerificationPhrase) {
			continue
		}
		verificationSeen = true
		log.Info().Msg("Verification successful, waiting for redirect")

		if !r.sleep(ctx, verificationGrace) {
			return aborted()
		}
		if !r.detector.Detect(ctx, page).Detected {
			return resolved()
		}

		target := siteURL
		if target == "" {
			target = page.URL()
		}
		log.Info().Str("url", target).Msg("Redirect did not happen, reloading with clearance cookie")
		if _, err := page.Navigate(ctx, target, types.WaitDOMContentLoaded, reloadNavTimeout); err != nil {
			log.Debug().Err(err).Msg("Reload after verification failed")
			continue
		}
		if !r.sleep(ctx, settleDelay) {
			return aborted()
		}

		if title, err := page.Title(ctx); err == nil && title != "" {
			if _, still := rules.ContainsAny(rl.ChallengeTitles, strings.ToLower(title)); !still {
				log.Info().Str("title", title).Msg("Challenge resolved by reload after verification")
				return resolved()
			}
		}
		if !r.detector.Detect(ctx, page).Detected {
			return resolved()
		}
	}

	return Result{
		Type:     initial.Type,
		Method:   MethodNone,
		WaitedMs: r.since(start).Milliseconds(),
		Error:    fmt.Sprintf("Challenge auto-resolve timeout after %dms", opts.AutoWait.Milliseconds()),
	}
}

// clickWidget clicks the first clickable element inside the challenge iframe.
func (r *Resolver) clickWidget(ctx context.Context, page types.Page) bool {
	rl := r.rules.Get()
	for _, sel := range rl.ClickSelectors {
		clicked, err := page.ClickInFrame(ctx, rl.ChallengeFrame, sel)
		if err != nil {
			log.Debug().Err(err).Str("selector", sel).Msg("Widget click failed")
			continue
		}
		if clicked {
			log.Info().Str("selector", sel).Msg("Clicked challenge widget")
			return true
		}
	}
	log.Debug().Msg("No clickable element found in challenge frame")
	return false
}

// solveManaged runs the proxy-bound managed task and verifies the returned
// cookies, preferring a fresh context that carries the solver's user agent.
func (r *Resolver) solveManaged(ctx context.Context, page types.Page, siteURL string, opts Options) Result {
	start := r.now()
	fail := func(msg string) Result {
		return Result{Type: TypeManaged, Method: MethodCapSolverManaged, WaitedMs: r.since(start).Milliseconds(), Error: msg}
	}

	proxy, ok := captcha.FormatProxy(*opts.Proxy)
	if !ok {
		log.Warn().Msg("No proxy credentials for managed-task solve")
		return Result{Type: TypeManaged, Method: MethodNone, Error: errManagedNoProxy}
	}

	sol, err := r.solver.SolveManaged(ctx, captcha.ManagedRequest{
		WebsiteURL: siteURL,
		Proxy:      proxy,
		Timeout:    opts.SolverTimeout,
	})
	if err != nil || sol == nil {
		log.Debug().Err(err).Msg("Managed-task solver returned nothing")
		return fail(errManagedFailed)
	}

	domain := CookieDomain(siteURL)
	jar := clearanceCookies(sol.Cookies, domain)
	if bctx := page.BrowserContext(); bctx != nil && len(jar) > 0 {
		if err := bctx.SetCookies(ctx, jar); err != nil {
			log.Debug().Err(err).Msg("Cookie injection into current context failed")
		} else {
			log.Info().Int("count", len(jar)).Msg("Injected managed-task cookies")
		}
	}

	if sol.UserAgent != "" && len(jar) > 0 {
		if rep, ok := r.tryPinnedContext(ctx, page, siteURL, sol.UserAgent, jar); ok {
			if r.uaStore != nil {
				r.uaStore.SaveCapsolverUA(domain, sol.UserAgent)
			}
			elapsed := r.since(start)
			log.Info().Dur("elapsed", elapsed).Msg("Challenge resolved via user-agent matched context")
			return Result{
				Resolved:    true,
				Type:        TypeManaged,
				Method:      MethodCapSolverManaged,
				WaitedMs:    elapsed.Milliseconds(),
				Replacement: rep,
			}
		}
	}

	// Fall back to the original page with the cookies already installed.
	if _, err := page.Navigate(ctx, siteURL, types.WaitDOMContentLoaded, reloadNavTimeout); err != nil {
		log.Debug().Err(err).Msg("Navigation after cookie injection failed")
	}
	if !r.sleep(ctx, settleDelay) {
		return fail(errResolverAborted)
	}

	if !r.detector.Detect(ctx, page).Detected {
		return Result{Resolved: true, Type: TypeManaged, Method: MethodCapSolverManaged, WaitedMs: r.since(start).Milliseconds()}
	}
	return fail(errManagedStill)
}

// tryPinnedContext opens a context with userAgent, installs jar and loads
// siteURL in it. On failure the context is closed.
func (r *Resolver) tryPinnedContext(ctx context.Context, page types.Page, siteURL, userAgent string, jar []types.Cookie) (*ReplacementSession, bool) {
	bctx := page.BrowserContext()
	if bctx == nil || bctx.Browser() == nil {
		return nil, false
	}

	newCtx, err := bctx.Browser().NewContext(ctx, types.ContextOptions{UserAgent: userAgent})
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create user-agent matched context")
		return nil, false
	}
	discard := func() {
		if err := newCtx.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close user-agent matched context")
		}
	}

	if err := newCtx.SetCookies(ctx, jar); err != nil {
		log.Debug().Err(err).Msg("Cookie injection into matched context failed")
		discard()
		return nil, false
	}
	newPage, err := newCtx.NewPage(ctx)
	if err != nil {
		discard()
		return nil, false
	}
	if _, err := newPage.Navigate(ctx, siteURL, types.WaitDOMContentLoaded, reloadNavTimeout); err != nil {
		log.Debug().Err(err).Msg("User-agent matched navigation failed")
		discard()
		return nil, false
	}
	if !r.sleep(ctx, settleDelay) {
		discard()
		return nil, false
	}

	if r.detector.Detect(ctx, newPage).Detected {
		title, _ := newPage.Title(ctx)
		log.Info().Str("title", title).Msg("User-agent matched context still challenged")
		discard()
		return nil, false
	}
	return &ReplacementSession{Context: newCtx, Page: newPage}, true
}

// solveTurnstile runs the site-key task and injects the token into page.
func (r *Resolver) solveTurnstile(ctx context.Context, page types.Page, siteURL string, opts Options) Result {
	start := r.now()
	siteKey := ExtractSiteKey(ctx, page, r.rules.Get())
	if siteKey == "" {
		return Result{Type: TypeTurnstile, Method: MethodNone, Error: errSiteKeyMissing}
	}

	sol, err := r.solver.SolveTurnstile(ctx, captcha.TurnstileRequest{
		SiteKey: siteKey,
		PageURL: siteURL,
		Timeout: opts.SolverTimeout,
	})
	if err != nil || sol == nil || sol.Token == "" {
		log.Debug().Err(err).Msg("Site-key solver returned nothing")
		return Result{Type: TypeTurnstile, Method: MethodCapSolver, WaitedMs: r.since(start).Milliseconds(), Error: errTokenMissing}
	}
	log.Debug().Dur("solve_time", sol.SolveTime).Msg("Site-key solver returned a token")

	InjectToken(ctx, page, sol.Token)
	if !r.sleep(ctx, settleDelay) {
		return Result{Type: TypeTurnstile, Method: MethodCapSolver, WaitedMs: r.since(start).Milliseconds(), Error: errResolverAborted}
	}
	elapsed := r.since(start)

	if !r.detector.Detect(ctx, page).Detected {
		return Result{Resolved: true, Type: TypeTurnstile, Method: MethodCapSolver, WaitedMs: elapsed.Milliseconds()}
	}
	return Result{Type: TypeTurnstile, Method: MethodCapSolver, WaitedMs: elapsed.Milliseconds(), Error: errTokenStill}
}

// CookieDomain returns the host of rawURL without a leading "www.".
// Clearance cookies are scoped to "." plus this value.
func CookieDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// clearanceCookies builds the cookie set installed after a managed-task solve.
func clearanceCookies(values map[string]string, domain string) []types.Cookie {
	if domain == "" {
		return nil
	}
	jar := make([]types.Cookie, 0, len(values))
	for name, value := range values {
		jar = append(jar, types.Cookie{
			Name:     name,
			Value:    value,
			Domain:   "." + domain,
			Path:     "/",
			Secure:   true,
			HTTPOnly: true,
			SameSite: "None",
		})
	}
	return jar
}

func (s *ReplacementSession) close() {
	if s.Page != nil {
		_ = s.Page.Close()
	}
	if s.Context != nil {
		_ = s.Context.Close()
	}
}
