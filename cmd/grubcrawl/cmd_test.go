package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rorqualx/grubcrawl/internal/browser"
	"github.com/Rorqualx/grubcrawl/internal/browser/browsertest"
	"github.com/Rorqualx/grubcrawl/internal/captcha"
	"github.com/Rorqualx/grubcrawl/internal/classify"
	"github.com/Rorqualx/grubcrawl/internal/config"
	"github.com/Rorqualx/grubcrawl/internal/cookies"
)

func runRoot(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestClassifyCommand(t *testing.T) {
	article := "<html><body><article>" + strings.Repeat("Slow cooked beans with smoked paprika and garlic. ", 60) + "</article></body></html>"
	blocked := `<html><head><title>Just a moment...</title></head><body>Checking your browser. Cloudflare Ray ID</body></html>`

	tests := []struct {
		name        string
		args        []string
		stdin       string
		file        string
		wantBlocked bool
		wantQuality classify.Quality
	}{
		{name: "article from stdin", args: []string{"classify", "--status", "200"}, stdin: article, wantQuality: classify.QualitySufficient},
		{name: "interstitial from file", args: []string{"classify", "--status", "403"}, file: blocked, wantBlocked: true, wantQuality: classify.QualityBlocked},
		{name: "empty input", args: []string{"classify", "-"}, stdin: "", wantQuality: classify.QualityEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := tt.args
			if tt.file != "" {
				path := filepath.Join(t.TempDir(), "page.html")
				if err := os.WriteFile(path, []byte(tt.file), 0o600); err != nil {
					t.Fatal(err)
				}
				args = append(args, path)
			}
			out, err := runRoot(t, tt.stdin, args...)
			if err != nil {
				t.Fatalf("classify error = %v", err)
			}
			var got classifyOutput
			if err := json.Unmarshal([]byte(out), &got); err != nil {
				t.Fatalf("output is not JSON: %v\n%s", err, out)
			}
			if got.Block.Blocked != tt.wantBlocked {
				t.Errorf("Blocked = %v, want %v (%+v)", got.Block.Blocked, tt.wantBlocked, got.Block)
			}
			if got.Quality != tt.wantQuality {
				t.Errorf("Quality = %q, want %q", got.Quality, tt.wantQuality)
			}
		})
	}
}

func TestClassifyCommand_MissingFile(t *testing.T) {
	if _, err := runRoot(t, "", "classify", filepath.Join(t.TempDir(), "missing.html")); err == nil {
		t.Error("classify of a missing file succeeded")
	}
}

func TestCrawlCommand_RequiresURL(t *testing.T) {
	if _, err := runRoot(t, "", "crawl"); err == nil {
		t.Error("crawl without arguments succeeded")
	}
}

func TestRunCrawl_Stats(t *testing.T) {
	cfg := &config.Config{
		NavigationRetries:     1,
		NavigationTimeout:     time.Second,
		ChallengeAutoWait:     time.Second,
		ChallengePollInterval: 10 * time.Millisecond,
		CookieTTL:             time.Hour,
	}
	ln := &browsertest.Launcher{Configure: func(b *browsertest.Browser) {
		b.PageFactory = func(*browsertest.Context) *browsertest.Page {
			return &browsertest.Page{PageTitle: "Soup", Content: "<html><body><p>Lentil soup</p></body></html>"}
		}
	}}
	engine, err := browser.NewEngine(cfg, browser.Deps{Launcher: ln})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	defer engine.Close()

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())

	if err := runCrawl(cmd, engine, []string{"https://www.example.com/soup"}, crawlFlags{withStats: true}); err != nil {
		t.Fatalf("runCrawl() error = %v", err)
	}

	var got struct {
		Results browser.CrawlResult `json:"results"`
		Domains map[string]struct {
			Crawls int64 `json:"crawls"`
		} `json:"domains"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if got.Results.Title != "Soup" {
		t.Errorf("Title = %q", got.Results.Title)
	}
	if got.Results.HTML != "" {
		t.Error("HTML included without --html")
	}
	if got.Domains["example.com"].Crawls != 1 {
		t.Errorf("domains = %+v, want one crawl of example.com", got.Domains)
	}
}

func TestLogSolverBalance(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		want   float64
		wantOK bool
	}{
		{name: "balance reported", body: `{"errorId":0,"balance":12.5}`, want: 12.5, wantOK: true},
		{name: "invalid key", body: `{"errorId":1,"errorCode":"ERROR_KEY_DENIED_ACCESS","errorDescription":"denied"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/getBalance" {
					http.NotFound(w, r)
					return
				}
				hits.Add(1)
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			s := captcha.NewCapSolver(captcha.CapSolverConfig{APIKey: "CAP-test", BaseURL: srv.URL})
			got, ok := logSolverBalance(context.Background(), s)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("logSolverBalance() = (%v, %v), want (%v, %v)", got, ok, tt.want, tt.wantOK)
			}
			if n := hits.Load(); n != 1 {
				t.Errorf("balance requests = %d, want 1", n)
			}
		})
	}
}

func TestCookieFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")

	fresh := cookies.NewStore(time.Hour)
	if err := loadCookieFile(path, fresh); err != nil {
		t.Fatalf("loadCookieFile() on a missing file error = %v", err)
	}

	first := cookies.NewStore(time.Hour)
	first.SaveCapsolverUA("shop.example.com", "Solver UA")
	if err := saveCookieFile(path, first); err != nil {
		t.Fatalf("saveCookieFile() error = %v", err)
	}

	next := cookies.NewStore(time.Hour)
	if err := loadCookieFile(path, next); err != nil {
		t.Fatalf("loadCookieFile() error = %v", err)
	}
	if ua, ok := next.CapsolverUA("shop.example.com", 0); !ok || ua != "Solver UA" {
		t.Errorf("restored UA = %q, %v; want Solver UA", ua, ok)
	}

	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := loadCookieFile(path, cookies.NewStore(time.Hour)); err == nil {
		t.Error("loadCookieFile() accepted a corrupt file")
	}
}

func TestSetupLogging(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		t.Run(level, func(t *testing.T) {
			setupLogging(level)
		})
	}
}
