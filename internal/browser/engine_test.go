package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Rorqualx/grubcrawl/internal/browser/browsertest"
	"github.com/Rorqualx/grubcrawl/internal/challenge"
	"github.com/Rorqualx/grubcrawl/internal/classify"
	"github.com/Rorqualx/grubcrawl/internal/config"
	"github.com/Rorqualx/grubcrawl/internal/cookies"
	"github.com/Rorqualx/grubcrawl/internal/metrics"
	"github.com/Rorqualx/grubcrawl/internal/types"
)

const menuHTML = `<html><head><title>Daily Menu</title></head><body>
<h1>Daily Menu</h1>
<p>Fresh pasta with tomato and basil, roasted vegetables, grilled fish of the day,
lemon tart and a rotating selection of local cheeses served with bread.</p>
<script>var tracking = "ignored";</script>
</body></html>`

func testConfig() *config.Config {
	return &config.Config{
		NavigationRetries:         2,
		ProxyRestartAfterFailures: 2,
		NavigationTimeout:         time.Second,
		ChallengeAutoWait:         2 * time.Second,
		ChallengePollInterval:     10 * time.Millisecond,
		CookieTTL:                 time.Hour,
		BatchConcurrency:          2,
	}
}

func menuPage() *browsertest.Page {
	return &browsertest.Page{PageTitle: "Daily Menu", Content: menuHTML, Body: "Daily Menu"}
}

// newTestEngine builds an engine whose browsers open pages made by page.
func newTestEngine(t *testing.T, cfg *config.Config, page func() *browsertest.Page) (*Engine, *browsertest.Launcher) {
	t.Helper()
	if page == nil {
		page = menuPage
	}
	ln := &browsertest.Launcher{Configure: func(b *browsertest.Browser) {
		b.PageFactory = func(*browsertest.Context) *browsertest.Page { return page() }
	}}
	e, err := NewEngine(cfg, Deps{Launcher: ln})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, ln
}

// failingPage fails navigation with the errors in order, then succeeds.
func failingPage(calls *atomic.Int32, errs ...error) func() *browsertest.Page {
	return func() *browsertest.Page {
		p := menuPage()
		p.OnNavigate = func(_ *browsertest.Page, url string) (*types.Response, error) {
			n := int(calls.Add(1)) - 1
			if n < len(errs) && errs[n] != nil {
				return nil, errs[n]
			}
			return &types.Response{Status: 200, URL: url}, nil
		}
		return p
	}
}

func TestNewEngine_RequiresLauncher(t *testing.T) {
	if _, err := NewEngine(testConfig(), Deps{}); err == nil {
		t.Fatal("NewEngine() without launcher succeeded")
	}
}

func TestCrawl_Success(t *testing.T) {
	e, ln := newTestEngine(t, testConfig(), nil)

	res, err := e.Crawl(context.Background(), "https://www.example.com/menu", CrawlOptions{})
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}

	if res.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", res.StatusCode)
	}
	if res.Title != "Daily Menu" {
		t.Errorf("Title = %q", res.Title)
	}
	if res.FinalURL != "https://www.example.com/menu" {
		t.Errorf("FinalURL = %q", res.FinalURL)
	}
	if res.Words < 20 || res.Chars < 100 {
		t.Errorf("text stats = %d chars / %d words, want the paragraph counted", res.Chars, res.Words)
	}
	if strings.Contains(classify.VisibleText(res.HTML), "tracking") {
		t.Error("script content leaked into visible text")
	}
	if res.Block.Blocked {
		t.Errorf("Block = %+v, want not blocked", res.Block)
	}
	if res.Challenge.Type != challenge.TypeNone || !res.Challenge.Resolved {
		t.Errorf("Challenge = %+v, want resolved none", res.Challenge)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if res.Proxy != "direct" {
		t.Errorf("Proxy = %q, want direct", res.Proxy)
	}
	if res.Screenshot != nil {
		t.Error("screenshot captured without being requested")
	}

	b := ln.Last()
	if n := b.OpenContexts(); n != 0 {
		t.Errorf("open contexts = %d, want 0", n)
	}
	if got := e.Stats().All()["example.com"].Crawls; got != 1 {
		t.Errorf("recorded crawls = %d, want 1", got)
	}
}

func TestCrawl_InvalidURL(t *testing.T) {
	e, ln := newTestEngine(t, testConfig(), nil)

	for _, raw := range []string{"ftp://example.com/", "https://127.0.0.1/", "not a url", "http://metadata.google.internal/"} {
		t.Run(raw, func(t *testing.T) {
			if _, err := e.Crawl(context.Background(), raw, CrawlOptions{}); !errors.Is(err, types.ErrInvalidURL) {
				t.Errorf("Crawl() error = %v, want ErrInvalidURL", err)
			}
		})
	}
	if n := len(ln.Launches()); n != 0 {
		t.Errorf("launches = %d, want none for rejected URLs", n)
	}
}

func TestCrawl_ScreenshotAndUserAgent(t *testing.T) {
	e, ln := newTestEngine(t, testConfig(), func() *browsertest.Page {
		p := menuPage()
		p.Shot = []byte{0x89, 'P', 'N', 'G'}
		return p
	})

	res, err := e.Crawl(context.Background(), "https://example.com/", CrawlOptions{Screenshot: true, UserAgent: "TestAgent/1.0"})
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if len(res.Screenshot) != 4 {
		t.Errorf("Screenshot = %v", res.Screenshot)
	}
	if res.UserAgent != "TestAgent/1.0" {
		t.Errorf("UserAgent = %q", res.UserAgent)
	}
	if ua := ln.Last().Contexts()[0].UserAgent(); ua != "TestAgent/1.0" {
		t.Errorf("context user agent = %q", ua)
	}
}

func TestCrawl_UsesPinnedUserAgent(t *testing.T) {
	e, ln := newTestEngine(t, testConfig(), nil)
	e.Store().SaveCapsolverUA("example.com", "SolverAgent/2.0")

	res, err := e.Crawl(context.Background(), "https://www.example.com/", CrawlOptions{UserAgent: "TestAgent/1.0"})
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if res.UserAgent != "SolverAgent/2.0" {
		t.Errorf("UserAgent = %q, want the pinned agent", res.UserAgent)
	}
	if ua := ln.Last().Contexts()[0].UserAgent(); ua != "SolverAgent/2.0" {
		t.Errorf("context user agent = %q", ua)
	}
}

func TestCrawl_LoadsStoredCookies(t *testing.T) {
	e, ln := newTestEngine(t, testConfig(), nil)

	seed := browsertest.NewBrowser().NewContextFor(types.ContextOptions{})
	_ = seed.SetCookies(context.Background(), []types.Cookie{{Name: "cf_clearance", Value: "abc", Domain: ".example.com", Path: "/"}})
	if err := e.Store().SaveFromContext(context.Background(), seed, "example.com", "direct"); err != nil {
		t.Fatalf("SaveFromContext() error = %v", err)
	}

	if _, err := e.Crawl(context.Background(), "https://shop.example.com/", CrawlOptions{}); err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	c, ok := ln.Last().Contexts()[0].Cookie("cf_clearance")
	if !ok || c.Value != "abc" {
		t.Errorf("crawl context cookie = %+v, %v; want stored clearance", c, ok)
	}
}

func TestCrawl_ResolvedChallengeSavesCookies(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), func() *browsertest.Page {
		p := &browsertest.Page{}
		p.OnNavigate = func(p *browsertest.Page, url string) (*types.Response, error) {
			p.Challenged("#challenge-running", true)
			_ = p.Context().SetCookies(context.Background(), []types.Cookie{
				{Name: "cf_clearance", Value: "fresh", Domain: ".example.com", Path: "/"},
				{Name: "session", Value: "x", Domain: ".example.com", Path: "/"},
			})
			time.AfterFunc(30*time.Millisecond, func() {
				p.Update(func(p *browsertest.Page) {
					p.Elements = nil
					p.PageTitle = "Daily Menu"
					p.Content = menuHTML
				})
			})
			return &types.Response{Status: 403, URL: url}, nil
		}
		return p
	})

	res, err := e.Crawl(context.Background(), "https://www.example.com/", CrawlOptions{})
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if !res.Challenge.Resolved || res.Challenge.Method != challenge.MethodAutoResolve {
		t.Fatalf("Challenge = %+v, want auto-resolved", res.Challenge)
	}
	if res.StatusCode != 403 {
		t.Errorf("StatusCode = %d, want the first response status", res.StatusCode)
	}
	if res.Block.Blocked {
		t.Errorf("resolved page classified as blocked: %+v", res.Block)
	}

	stored := e.Store().Snapshot().Cookies[cookies.Key("example.com", "direct")]
	if len(stored) != 1 || stored[0].Name != "cf_clearance" {
		t.Errorf("stored cookies = %+v, want only cf_clearance", stored)
	}
	ms := e.Stats().All()["example.com"].Methods[string(challenge.MethodAutoResolve)]
	if ms.Successes != 1 {
		t.Errorf("auto_resolve successes = %d, want 1", ms.Successes)
	}
}

func TestCrawl_RetriesTransientTimeout(t *testing.T) {
	var calls atomic.Int32
	e, ln := newTestEngine(t, testConfig(), failingPage(&calls, fmt.Errorf("navigate: %w", context.DeadlineExceeded)))

	res, err := e.Crawl(context.Background(), "https://example.com/", CrawlOptions{})
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	if n := len(ln.Launches()); n != 1 {
		t.Errorf("launches = %d, want 1", n)
	}
	if n := e.ConsecutiveFailures(); n != 0 {
		t.Errorf("ConsecutiveFailures() = %d, want reset after success", n)
	}
}

func TestCrawl_RestartPolicy(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		threshold    int
		wantIs       error
		wantLaunches int
		wantCalls    int32
		wantCounter  int
	}{
		{
			name:         "proxy fault restarts immediately",
			err:          errors.New("net::ERR_PROXY_CONNECTION_FAILED at https://example.com/"),
			threshold:    5,
			wantIs:       types.ErrProxyFault,
			wantLaunches: 2,
			wantCalls:    1,
			wantCounter:  0,
		},
		{
			name:         "firefox proxy signature",
			err:          errors.New("NS_ERROR_PROXY_CONNECTION_REFUSED"),
			threshold:    5,
			wantIs:       types.ErrProxyFault,
			wantLaunches: 2,
			wantCalls:    1,
			wantCounter:  0,
		},
		{
			name:         "timeouts restart at threshold",
			err:          errors.New("Timeout 30000ms exceeded"),
			threshold:    2,
			wantIs:       types.ErrNavigationTimeout,
			wantLaunches: 2,
			wantCalls:    2,
			wantCounter:  0,
		},
		{
			name:         "timeouts below threshold",
			err:          fmt.Errorf("wait: %w", context.DeadlineExceeded),
			threshold:    3,
			wantIs:       types.ErrNavigationTimeout,
			wantLaunches: 1,
			wantCalls:    2,
			wantCounter:  2,
		},
		{
			name:         "other errors never restart",
			err:          errors.New("net::ERR_NAME_NOT_RESOLVED"),
			threshold:    1,
			wantIs:       types.ErrNavigationFailed,
			wantLaunches: 1,
			wantCalls:    2,
			wantCounter:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.ProxyRestartAfterFailures = tt.threshold
			cfg.ProxyURLs = []string{"http://p1.example:8080", "http://p2.example:8080"}

			var calls atomic.Int32
			e, ln := newTestEngine(t, cfg, failingPage(&calls, tt.err, tt.err, tt.err))

			_, err := e.Crawl(context.Background(), "https://example.com/", CrawlOptions{})
			if !errors.Is(err, tt.wantIs) {
				t.Fatalf("Crawl() error = %v, want %v", err, tt.wantIs)
			}
			if err.Error() != tt.err.Error() {
				t.Errorf("error message = %q, want the browser's own %q", err.Error(), tt.err.Error())
			}
			var navErr *types.NavigationError
			if !errors.As(err, &navErr) || navErr.URL != "https://example.com/" {
				t.Errorf("error = %#v, want *types.NavigationError for the URL", err)
			}

			launches := ln.Launches()
			if len(launches) != tt.wantLaunches {
				t.Fatalf("launches = %d, want %d", len(launches), tt.wantLaunches)
			}
			if launches[0].Server != "http://p1.example:8080" {
				t.Errorf("first proxy = %q", launches[0].Server)
			}
			if tt.wantLaunches == 2 {
				if launches[1].Server != "http://p2.example:8080" {
					t.Errorf("restart proxy = %q, want rotation to p2", launches[1].Server)
				}
				if !ln.Browsers()[0].Closed() {
					t.Error("old browser was not closed on restart")
				}
				if e.Proxy().Server != "http://p2.example:8080" {
					t.Errorf("engine proxy = %q", e.Proxy().Server)
				}
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("navigation attempts = %d, want %d", got, tt.wantCalls)
			}
			if got := e.ConsecutiveFailures(); got != tt.wantCounter {
				t.Errorf("ConsecutiveFailures() = %d, want %d", got, tt.wantCounter)
			}
		})
	}
}

func TestCrawl_RelaunchesDisconnectedBrowser(t *testing.T) {
	e, ln := newTestEngine(t, testConfig(), nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ln.Last().Disconnect()

	if _, err := e.Crawl(context.Background(), "https://example.com/", CrawlOptions{}); err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if n := len(ln.Launches()); n != 2 {
		t.Errorf("launches = %d, want relaunch after disconnect", n)
	}
}

func TestCrawl_LaunchFailure(t *testing.T) {
	ln := &browsertest.Launcher{Err: types.NewEngineError("launch", types.ErrBrowserLaunch)}
	e, err := NewEngine(testConfig(), Deps{Launcher: ln})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	defer e.Close()

	if _, err := e.Crawl(context.Background(), "https://example.com/", CrawlOptions{}); !errors.Is(err, types.ErrBrowserLaunch) {
		t.Errorf("Crawl() error = %v, want ErrBrowserLaunch", err)
	}
}

func TestCrawl_Timeout(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), func() *browsertest.Page {
		p := menuPage()
		p.OnNavigate = func(_ *browsertest.Page, _ string) (*types.Response, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, context.DeadlineExceeded
		}
		return p
	})

	start := time.Now()
	_, err := e.Crawl(context.Background(), "https://example.com/", CrawlOptions{Timeout: 20 * time.Millisecond})
	if !errors.Is(err, types.ErrNavigationTimeout) {
		t.Errorf("Crawl() error = %v, want ErrNavigationTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Crawl() took %v past its timeout", elapsed)
	}
}

func TestRestart(t *testing.T) {
	cfg := testConfig()
	cfg.ProxyURLs = []string{"http://p1.example:8080", "http://p2.example:8080"}
	e, ln := newTestEngine(t, cfg, nil)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := e.Restart(context.Background(), "manual"); err != nil {
			t.Fatalf("Restart() error = %v", err)
		}
	}

	var servers []string
	for _, p := range ln.Launches() {
		servers = append(servers, p.Server)
	}
	want := "http://p1.example:8080 http://p2.example:8080 http://p1.example:8080"
	if got := strings.Join(servers, " "); got != want {
		t.Errorf("launch proxies = %q, want %q", got, want)
	}
	for i, b := range ln.Browsers()[:2] {
		if !b.Closed() {
			t.Errorf("browser %d still open after restart", i)
		}
	}
}

func TestDefaultTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.NavigationTimeout = 30 * time.Second
	cfg.ChallengeAutoWait = 15 * time.Second
	cfg.CaptchaSolverTimeout = 60 * time.Second
	e, _ := newTestEngine(t, cfg, nil)

	got := e.DefaultTimeout()
	need := 2*cfg.NavigationTimeout + cfg.ChallengeAutoWait + cfg.CaptchaSolverTimeout
	if got <= need {
		t.Errorf("DefaultTimeout() = %v, want more than navigation, auto wait and a solver poll (%v)", got, need)
	}

	cfg.CaptchaSolverTimeout = 120 * time.Second
	if grown := e.DefaultTimeout(); grown <= got {
		t.Errorf("DefaultTimeout() = %v after raising the solver timeout, want more than %v", grown, got)
	}
}

func TestNavigationSuccessMetric(t *testing.T) {
	cfg := testConfig()
	cfg.ProxyURLs = []string{"http://p1.example:8080", "http://p2.example:8080"}
	e, _ := newTestEngine(t, cfg, nil)

	before := testutil.ToFloat64(metrics.NavigationSuccesses)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Restart(context.Background(), "manual"); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if got := testutil.ToFloat64(metrics.NavigationSuccesses); got != before {
		t.Errorf("successes after launch and restart = %v, want %v", got, before)
	}

	if _, err := e.Crawl(context.Background(), "https://example.com/", CrawlOptions{}); err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if got := testutil.ToFloat64(metrics.NavigationSuccesses); got != before+1 {
		t.Errorf("successes after crawl = %v, want %v", got, before+1)
	}
}

func TestClose(t *testing.T) {
	e, ln := newTestEngine(t, testConfig(), nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if !ln.Last().Closed() {
		t.Error("browser not closed")
	}
	if _, err := e.Crawl(context.Background(), "https://example.com/", CrawlOptions{}); !errors.Is(err, types.ErrEngineClosed) {
		t.Errorf("Crawl() after Close error = %v, want ErrEngineClosed", err)
	}
	if err := e.Restart(context.Background(), "manual"); !errors.Is(err, types.ErrEngineClosed) {
		t.Errorf("Restart() after Close error = %v, want ErrEngineClosed", err)
	}
}

func TestSweepLoop(t *testing.T) {
	cfg := testConfig()
	cfg.CookieSweepInterval = 10 * time.Millisecond

	store := cookies.NewStore(time.Millisecond)
	seed := browsertest.NewBrowser().NewContextFor(types.ContextOptions{})
	_ = seed.SetCookies(context.Background(), []types.Cookie{{Name: "cf_clearance", Value: "old", Domain: ".example.com"}})
	if err := store.SaveFromContext(context.Background(), seed, "example.com", "direct"); err != nil {
		t.Fatalf("SaveFromContext() error = %v", err)
	}

	e, err := NewEngine(cfg, Deps{Launcher: &browsertest.Launcher{}, Store: store})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	defer e.Close()

	deadline := time.Now().Add(2 * time.Second)
	for store.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expired cookies were never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClassifyNavigationError(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), nil)
	tests := []struct {
		err  error
		want types.NavigationKind
	}{
		{errors.New("net::ERR_TUNNEL_CONNECTION_FAILED"), types.NavigationProxy},
		{errors.New("NS_ERROR_PROXY_BAD_GATEWAY"), types.NavigationProxy},
		{errors.New("navigation timed out"), types.NavigationTimeout},
		{context.DeadlineExceeded, types.NavigationTimeout},
		{types.ErrNavigationTimeout, types.NavigationTimeout},
		{errors.New("net::ERR_CONNECTION_RESET"), types.NavigationOther},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := e.classifyNavigationError(tt.err); got != tt.want {
				t.Errorf("classifyNavigationError(%q) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
