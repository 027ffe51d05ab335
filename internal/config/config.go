// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration bounds to prevent resource exhaustion.
const (
	maxBatchConcurrency      = 32
	maxRestartThreshold      = 50
	maxNavigationRetries     = 5
	maxNavigationTimeout     = 5 * time.Minute
	minSolverTimeout         = 30 * time.Second
	maxSolverTimeout         = 300 * time.Second
	minPollInterval          = 100 * time.Millisecond
	maxAutoWait              = 2 * time.Minute
	defaultCookieTTL         = 1500 * time.Second
	defaultChallengeAutoWait = 15 * time.Second
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Browser settings
	Headless         bool
	BrowserPath      string
	IgnoreCertErrors bool
	Screenshot       bool

	// Proxy settings. ProxyURLs rotates on every restart; ProxyURL is the
	// single-endpoint form and is appended to the rotation when set.
	ProxyURL            string
	ProxyURLs           []string
	ProxyUsername       string
	ProxyPassword       string
	ProxyStickySessions bool

	// External solver
	CapSolverAPIKey      string
	CapSolverBaseURL     string
	CaptchaSolverTimeout time.Duration

	// Challenge pipeline
	ChallengeAutoWait     time.Duration
	ChallengePollInterval time.Duration

	// Reliability engine
	ProxyRestartAfterFailures int
	NavigationRetries         int
	NavigationTimeout         time.Duration
	IPCheckEnabled            bool
	IPCheckURL                string
	BatchConcurrency          int

	// Cookie store
	CookieTTL           time.Duration
	CookieSweepInterval time.Duration
	// CookieFile persists the store between runs when set.
	CookieFile string

	// Rules
	RulesPath      string
	RulesHotReload bool

	// Metrics
	MetricsEnabled bool
	MetricsAddr    string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		Headless:         getEnvBool("HEADLESS", true),
		BrowserPath:      getEnvString("BROWSER_PATH", ""),
		IgnoreCertErrors: getEnvBool("IGNORE_CERT_ERRORS", false),
		Screenshot:       getEnvBool("SCREENSHOT", false),

		ProxyURL:            getEnvString("PROXY_URL", ""),
		ProxyURLs:           getEnvStringSlice("PROXY_URLS", nil),
		ProxyUsername:       getEnvString("PROXY_USERNAME", ""),
		ProxyPassword:       getEnvString("PROXY_PASSWORD", ""),
		ProxyStickySessions: getEnvBool("PROXY_STICKY_SESSIONS", false),

		CapSolverAPIKey:      getEnvString("CAPSOLVER_API_KEY", ""),
		CapSolverBaseURL:     getEnvString("CAPSOLVER_BASE_URL", ""),
		CaptchaSolverTimeout: getEnvDuration("CAPTCHA_SOLVER_TIMEOUT", 60*time.Second),

		ChallengeAutoWait:     getEnvDuration("CHALLENGE_AUTO_WAIT", defaultChallengeAutoWait),
		ChallengePollInterval: getEnvDuration("CHALLENGE_POLL_INTERVAL", 500*time.Millisecond),

		ProxyRestartAfterFailures: getEnvInt("PROXY_RESTART_AFTER_FAILURES", 3),
		NavigationRetries:         getEnvInt("NAVIGATION_RETRIES", 2),
		NavigationTimeout:         getEnvDuration("NAVIGATION_TIMEOUT", 30*time.Second),
		IPCheckEnabled:            getEnvBool("IP_CHECK_ENABLED", true),
		IPCheckURL:                getEnvString("IP_CHECK_URL", "https://httpbin.org/ip"),
		BatchConcurrency:          getEnvInt("BATCH_CONCURRENCY", 3),

		CookieTTL:           getEnvDuration("COOKIE_TTL", defaultCookieTTL),
		CookieSweepInterval: getEnvDuration("COOKIE_SWEEP_INTERVAL", 5*time.Minute),
		CookieFile:          getEnvString("COOKIE_FILE", ""),

		RulesPath:      getEnvString("RULES_PATH", ""),
		RulesHotReload: getEnvBool("RULES_HOT_RELOAD", false),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", false),
		MetricsAddr:    getEnvString("METRICS_ADDR", "127.0.0.1:9464"),

		LogLevel: getEnvString("LOG_LEVEL", "info"),
	}
}

// HasProxy returns true if at least one proxy endpoint is configured.
func (c *Config) HasProxy() bool {
	return c.ProxyURL != "" || len(c.ProxyURLs) > 0
}

// HasCapSolver returns true if the external solver can be used.
func (c *Config) HasCapSolver() bool {
	return c.CapSolverAPIKey != ""
}

// ProxyEndpoints returns the proxy rotation list with ProxyURL appended
// when it is not already part of ProxyURLs.
func (c *Config) ProxyEndpoints() []string {
	out := make([]string, 0, len(c.ProxyURLs)+1)
	seen := make(map[string]bool, len(c.ProxyURLs)+1)
	for _, u := range append(append([]string{}, c.ProxyURLs...), c.ProxyURL) {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().
			Str("path", c.BrowserPath).
			Msg("BrowserPath contains path traversal sequence (..), ignoring")
		c.BrowserPath = ""
	}

	if c.ProxyRestartAfterFailures < 1 {
		log.Warn().Int("threshold", c.ProxyRestartAfterFailures).Msg("Invalid restart threshold, using default 3")
		c.ProxyRestartAfterFailures = 3
	} else if c.ProxyRestartAfterFailures > maxRestartThreshold {
		log.Warn().
			Int("threshold", c.ProxyRestartAfterFailures).
			Int("max", maxRestartThreshold).
			Msg("Restart threshold too large, capping to maximum")
		c.ProxyRestartAfterFailures = maxRestartThreshold
	}

	if c.NavigationRetries < 1 {
		log.Warn().Int("retries", c.NavigationRetries).Msg("NAVIGATION_RETRIES too low, using 1")
		c.NavigationRetries = 1
	} else if c.NavigationRetries > maxNavigationRetries {
		log.Warn().Int("retries", c.NavigationRetries).Msg("NAVIGATION_RETRIES too high, capping")
		c.NavigationRetries = maxNavigationRetries
	}

	if c.NavigationTimeout < time.Second {
		log.Warn().Dur("timeout", c.NavigationTimeout).Msg("Navigation timeout too short, using 30s")
		c.NavigationTimeout = 30 * time.Second
	} else if c.NavigationTimeout > maxNavigationTimeout {
		log.Warn().
			Dur("timeout", c.NavigationTimeout).
			Dur("max", maxNavigationTimeout).
			Msg("Navigation timeout too high, capping to maximum")
		c.NavigationTimeout = maxNavigationTimeout
	}

	if c.BatchConcurrency < 1 {
		log.Warn().Int("concurrency", c.BatchConcurrency).Msg("Invalid batch concurrency, using 1")
		c.BatchConcurrency = 1
	} else if c.BatchConcurrency > maxBatchConcurrency {
		log.Warn().
			Int("concurrency", c.BatchConcurrency).
			Int("max", maxBatchConcurrency).
			Msg("Batch concurrency too large, capping to maximum")
		c.BatchConcurrency = maxBatchConcurrency
	}

	if c.CookieTTL < time.Minute {
		log.Warn().Dur("ttl", c.CookieTTL).Msg("COOKIE_TTL too short, using 1500s")
		c.CookieTTL = defaultCookieTTL
	}

	if c.IPCheckEnabled && !strings.HasPrefix(c.IPCheckURL, "http://") && !strings.HasPrefix(c.IPCheckURL, "https://") {
		log.Warn().Str("url", c.IPCheckURL).Msg("IP_CHECK_URL is not an http(s) URL, disabling exit IP check")
		c.IPCheckEnabled = false
	}

	c.validateChallengeConfig()
	c.validateProxyConfig()
}

// validateChallengeConfig validates the challenge pipeline and solver timings.
func (c *Config) validateChallengeConfig() {
	if c.ChallengePollInterval < minPollInterval {
		log.Warn().
			Dur("interval", c.ChallengePollInterval).
			Dur("min", minPollInterval).
			Msg("CHALLENGE_POLL_INTERVAL too short, using minimum")
		c.ChallengePollInterval = minPollInterval
	}
	if c.ChallengeAutoWait < c.ChallengePollInterval {
		log.Warn().Dur("auto_wait", c.ChallengeAutoWait).Msg("CHALLENGE_AUTO_WAIT shorter than poll interval, using 15s")
		c.ChallengeAutoWait = defaultChallengeAutoWait
	} else if c.ChallengeAutoWait > maxAutoWait {
		log.Warn().
			Dur("auto_wait", c.ChallengeAutoWait).
			Dur("max", maxAutoWait).
			Msg("CHALLENGE_AUTO_WAIT too long, using maximum")
		c.ChallengeAutoWait = maxAutoWait
	}

	if c.CaptchaSolverTimeout < minSolverTimeout {
		log.Warn().
			Dur("timeout", c.CaptchaSolverTimeout).
			Dur("min", minSolverTimeout).
			Msg("CAPTCHA_SOLVER_TIMEOUT too short, using minimum")
		c.CaptchaSolverTimeout = minSolverTimeout
	} else if c.CaptchaSolverTimeout > maxSolverTimeout {
		log.Warn().
			Dur("timeout", c.CaptchaSolverTimeout).
			Dur("max", maxSolverTimeout).
			Msg("CAPTCHA_SOLVER_TIMEOUT too long, using maximum")
		c.CaptchaSolverTimeout = maxSolverTimeout
	}

	if !c.HasCapSolver() {
		log.Warn().Msg("CAPSOLVER_API_KEY not configured, external solver fallback disabled")
	}
}

// validateProxyConfig warns about proxy settings that disable the managed solver task.
func (c *Config) validateProxyConfig() {
	if !c.HasProxy() {
		return
	}
	if c.ProxyUsername == "" || c.ProxyPassword == "" {
		log.Warn().Msg("Proxy configured without PROXY_USERNAME/PROXY_PASSWORD, managed challenge solving is unavailable")
	}
	if c.ProxyStickySessions && c.ProxyUsername == "" {
		log.Warn().Msg("PROXY_STICKY_SESSIONS requires PROXY_USERNAME, disabling")
		c.ProxyStickySessions = false
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
