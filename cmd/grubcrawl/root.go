package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Rorqualx/grubcrawl/internal/browser"
	"github.com/Rorqualx/grubcrawl/internal/captcha"
	"github.com/Rorqualx/grubcrawl/internal/challenge"
	"github.com/Rorqualx/grubcrawl/internal/config"
	"github.com/Rorqualx/grubcrawl/internal/cookies"
	"github.com/Rorqualx/grubcrawl/internal/metrics"
	"github.com/Rorqualx/grubcrawl/internal/rules"
	"github.com/Rorqualx/grubcrawl/pkg/version"
)

const balanceCheckTimeout = 10 * time.Second

// app holds what the subcommands share. Heavy pieces are opened on demand.
type app struct {
	cfg        *config.Config
	logLevel   string
	cookieFile string

	rules   *rules.Manager
	store   *cookies.Store
	engine  *browser.Engine
	metrics *http.Server
	stopCh  chan struct{}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "grubcrawl",
		Short:         "Fetch pages through a stealth browser that clears anti-bot challenges",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.cfg = config.Load()
			if a.logLevel != "" {
				a.cfg.LogLevel = a.logLevel
			}
			if a.cookieFile != "" {
				a.cfg.CookieFile = a.cookieFile
			}
			setupLogging(a.cfg.LogLevel)
			a.cfg.Validate()
		},
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	root.PersistentFlags().StringVar(&a.cookieFile, "cookie-file", "", "Keep clearance cookies and pinned user agents in this file between runs; overrides COOKIE_FILE")

	root.AddCommand(newCrawlCmd(a), newCheckIPCmd(a), newClassifyCmd(a))
	return root
}

// setupLogging configures zerolog based on the log level. Logs go to
// stderr so stdout carries only results.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// openEngine wires rules, solver, cookie store and launcher into an engine.
func (a *app) openEngine(ctx context.Context) error {
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting grubcrawl")

	a.stopCh = make(chan struct{})
	if a.cfg.MetricsEnabled {
		a.startMetrics()
	}

	rm, err := rules.NewManager(a.cfg.RulesPath, a.cfg.RulesHotReload)
	if err != nil {
		return err
	}
	a.rules = rm

	var solver challenge.Solver
	if a.cfg.HasCapSolver() {
		cs := captcha.NewCapSolver(captcha.CapSolverConfig{
			APIKey:  a.cfg.CapSolverAPIKey,
			BaseURL: a.cfg.CapSolverBaseURL,
			Timeout: a.cfg.CaptchaSolverTimeout,
		})
		logSolverBalance(ctx, cs)
		solver = cs
	}
	store := cookies.NewStore(a.cfg.CookieTTL)
	if a.cfg.CookieFile != "" {
		if err := loadCookieFile(a.cfg.CookieFile, store); err != nil {
			return err
		}
	}
	a.store = store

	a.engine, err = browser.NewEngine(a.cfg, browser.Deps{
		Launcher: browser.NewLauncher(a.cfg),
		Rules:    rm,
		Store:    store,
		Resolver: challenge.NewResolver(rm, solver, store),
	})
	return err
}

// loadCookieFile restores a store snapshot written by an earlier run.
// A missing file is not an error.
func loadCookieFile(path string, store *cookies.Store) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cookie file: %w", err)
	}
	var snap cookies.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse cookie file %s: %w", path, err)
	}
	store.Restore(snap)
	dropped := store.ClearExpired()
	log.Info().Str("path", path).Int("entries", store.Len()).Int("expired", dropped).Msg("Cookie store restored")
	return nil
}

func saveCookieFile(path string, store *cookies.Store) error {
	store.ClearExpired()
	data, err := json.MarshalIndent(store.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode cookie store: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write cookie file: %w", err)
	}
	return nil
}

type balanceChecker interface {
	Balance(ctx context.Context) (float64, error)
}

// logSolverBalance reports the solver account balance once. A failed
// check is only logged.
func logSolverBalance(ctx context.Context, s balanceChecker) (float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, balanceCheckTimeout)
	defer cancel()
	balance, err := s.Balance(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("CapSolver balance check failed")
		return 0, false
	}
	log.Info().Float64("balance", balance).Msg("CapSolver account balance")
	return balance, true
}

func (a *app) startMetrics() {
	metrics.SetBuildInfo(version.Full(), version.GoVersion())
	go metrics.StartRuntimeCollector(10*time.Second, a.stopCh)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	a.metrics = &http.Server{
		Addr:         a.cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", a.cfg.MetricsAddr).Msg("Prometheus metrics server started")
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

func (a *app) close() {
	if a.stopCh != nil {
		close(a.stopCh)
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metrics.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
		cancel()
	}
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			log.Error().Err(err).Msg("Engine close error")
		}
	}
	if a.store != nil && a.cfg.CookieFile != "" {
		if err := saveCookieFile(a.cfg.CookieFile, a.store); err != nil {
			log.Error().Err(err).Str("path", a.cfg.CookieFile).Msg("Failed to save cookie file")
		}
	}
	if a.rules != nil {
		if st := a.rules.Stats(); st.ReloadCount > 0 || st.LastErrorStr != "" {
			log.Info().
				Int64("reloads", st.ReloadCount).
				Str("last_error", st.LastErrorStr).
				Msg("Rules reload summary")
		}
		if err := a.rules.Close(); err != nil {
			log.Error().Err(err).Msg("Rules manager close error")
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
