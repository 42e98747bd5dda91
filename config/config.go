package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultUserAgent is a desktop Chrome user agent. Headless Chrome otherwise
// announces itself as HeadlessChrome, which X treats as a bot.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36"

// Config holds all application configuration.
type Config struct {
	Files    FilesConfig
	Auth     AuthConfig
	Browser  BrowserConfig
	Scraper  ScraperConfig
	Pipeline PipelineConfig
	Notify   NotifyConfig
	Log      LogConfig
}

// FilesConfig holds the input and output CSV paths.
type FilesConfig struct {
	Input  string // default: "links.csv"
	Output string // default: "output.csv"
	Failed string // default: "failed.csv"

	// History is an optional SQLite database that accumulates metrics
	// snapshots across runs. Empty disables it.
	History string
}

// AuthConfig holds the account credentials and session reuse settings.
type AuthConfig struct {
	Email    string
	Username string
	Password string

	// StatePath is a cookie state file reused across runs. Empty disables it.
	StatePath string

	// Cookie is a raw Cookie header ("a=1; b=2") imported before login.
	Cookie string

	// CookieFile is a file containing a raw Cookie header.
	CookieFile string

	// LoginTimeout bounds the single login attempt.
	LoginTimeout time.Duration // default: 90s
}

// BrowserConfig controls the Rod browser instance.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// Proxy is the proxy URL for all browser traffic.
	Proxy string

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// UserAgent is sent by every tab. Empty keeps Chrome's own.
	UserAgent string // default: DefaultUserAgent

	// MaxMemoryMB retires tabs while the browser process tree uses more
	// resident memory than this. 0 disables the check.
	MaxMemoryMB int // default: 2048
}

// ScraperConfig controls per-post fetching.
type ScraperConfig struct {
	// FetchTimeout is the hard deadline for a single post fetch.
	FetchTimeout time.Duration // default: 30s

	// BlockedResourceTypes lists resource types to block.
	// default: ["Image", "Font", "Media"]
	BlockedResourceTypes []string

	// BlockTrackers blocks well-known analytics and ad domains.
	BlockTrackers bool // default: true
}

// PipelineConfig controls the record processor.
type PipelineConfig struct {
	// Workers is the number of concurrent fetches (tabs). Capped at MaxWorkers.
	Workers int // default: 1

	// MinInterval is the minimum spacing between fetch starts across workers.
	MinInterval time.Duration // default: 1s
}

// MaxWorkers caps concurrency against the platform's rate limits.
const MaxWorkers = 4

// NotifyConfig controls the optional run.completed webhook.
type NotifyConfig struct {
	URL    string
	Secret string
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "text"
}

// Load reads configuration from environment variables with sane defaults.
// The TW_* names are accepted for compatibility with existing setups.
func Load() *Config {
	return &Config{
		Files: FilesConfig{
			Input:   envOr("POSTPULSE_INPUT", "links.csv"),
			Output:  envOr("POSTPULSE_OUTPUT", "output.csv"),
			Failed:  envOr("POSTPULSE_FAILED", "failed.csv"),
			History: os.Getenv("POSTPULSE_HISTORY"),
		},
		Auth: AuthConfig{
			Email:        firstEnv("POSTPULSE_EMAIL", "TW_EMAIL"),
			Username:     firstEnv("POSTPULSE_USERNAME", "TW_USERNAME", "TWITTER_USERNAME"),
			Password:     firstEnv("POSTPULSE_PASSWORD", "TW_PASSWORD", "TWITTER_PASSWORD"),
			StatePath:    firstEnv("POSTPULSE_STATE", "TW_STATE"),
			Cookie:       firstEnv("POSTPULSE_COOKIE", "TW_COOKIE"),
			CookieFile:   firstEnv("POSTPULSE_COOKIE_FILE", "TW_COOKIE_FILE"),
			LoginTimeout: envDurationOr("POSTPULSE_LOGIN_TIMEOUT", 90*time.Second),
		},
		Browser: BrowserConfig{
			Headless:    envBoolOr("POSTPULSE_HEADLESS", true),
			Proxy:       os.Getenv("POSTPULSE_PROXY"),
			NoSandbox:   envBoolOr("POSTPULSE_NO_SANDBOX", false),
			BrowserBin:  os.Getenv("POSTPULSE_BROWSER_BIN"),
			UserAgent:   envOr("POSTPULSE_USER_AGENT", DefaultUserAgent),
			MaxMemoryMB: envIntOr("POSTPULSE_BROWSER_MAX_MEMORY_MB", 2048),
		},
		Scraper: ScraperConfig{
			FetchTimeout: envDurationOr("POSTPULSE_FETCH_TIMEOUT", 30*time.Second),
			BlockedResourceTypes: envSliceOr("POSTPULSE_BLOCKED_RESOURCES", []string{
				"Image", "Font", "Media",
			}),
			BlockTrackers: envBoolOr("POSTPULSE_BLOCK_TRACKERS", true),
		},
		Pipeline: PipelineConfig{
			Workers:     envIntOr("POSTPULSE_WORKERS", 1),
			MinInterval: envDurationOr("POSTPULSE_MIN_INTERVAL", time.Second),
		},
		Notify: NotifyConfig{
			URL:    os.Getenv("POSTPULSE_NOTIFY_URL"),
			Secret: os.Getenv("POSTPULSE_NOTIFY_SECRET"),
		},
		Log: LogConfig{
			Level:  envOr("POSTPULSE_LOG_LEVEL", "info"),
			Format: envOr("POSTPULSE_LOG_FORMAT", "text"),
		},
	}
}

// Normalize clamps values that would otherwise make the run misbehave.
func (c *Config) Normalize() {
	if c.Pipeline.Workers < 1 {
		c.Pipeline.Workers = 1
	}
	if c.Pipeline.Workers > MaxWorkers {
		c.Pipeline.Workers = MaxWorkers
	}
	if c.Pipeline.MinInterval < 0 {
		c.Pipeline.MinInterval = 0
	}
	if c.Scraper.FetchTimeout <= 0 {
		c.Scraper.FetchTimeout = 30 * time.Second
	}
	if c.Auth.LoginTimeout <= 0 {
		c.Auth.LoginTimeout = 90 * time.Second
	}
	if c.Browser.MaxMemoryMB < 0 {
		c.Browser.MaxMemoryMB = 0
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// firstEnv returns the first non-empty value among keys.
func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
