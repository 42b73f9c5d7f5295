// Package config builds the immutable run configuration from defaults,
// JSON5 files, command-line overrides, and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

// DefaultBaseURL is the public timetable page.
const DefaultBaseURL = "https://irsafam.org/ielts/timetable"

// Config is the full run configuration. Build it once and pass it (or a
// section of it) by value into constructors.
type Config struct {
	Monitoring   Monitoring   `json:"monitoring"`
	Scraper      Scraper      `json:"scraper"`
	Notification Notification `json:"notification"`
	State        State        `json:"state"`
	History      History      `json:"history"`
	Server       Server       `json:"server"`
	Telegram     Telegram     `json:"-"`
}

// Monitoring selects what to poll and how often.
type Monitoring struct {
	Cities          []string `json:"cities"`
	ExamModels      []string `json:"exam_models"`
	Months          []string `json:"months"` // month numbers ("11") or YYYY-MM
	CheckFrequency  int      `json:"check_frequency"`
	ShowUnavailable bool     `json:"show_unavailable"`
}

// CheckInterval returns the continuous-mode wait between cycles.
func (m Monitoring) CheckInterval() time.Duration {
	return time.Duration(m.CheckFrequency) * time.Second
}

// Scraper controls the fetch layer.
type Scraper struct {
	BaseURL        string  `json:"base_url"`
	UserAgent      string  `json:"user_agent"`
	RequestDelay   float64 `json:"request_delay"`   // seconds between page fetches
	RequestTimeout int     `json:"request_timeout"` // seconds
	MaxRetries     int     `json:"max_retries"`
	RetryDelay     float64 `json:"retry_delay"` // seconds, base backoff
	NoSSLVerify    bool    `json:"no_ssl_verify"`
	SamplePath     string  `json:"sample_path"` // serve every query from this file instead of the network
}

// Delay returns the pause between consecutive fetches.
func (s Scraper) Delay() time.Duration {
	return time.Duration(s.RequestDelay * float64(time.Second))
}

// Timeout returns the per-request HTTP timeout.
func (s Scraper) Timeout() time.Duration {
	return time.Duration(s.RequestTimeout) * time.Second
}

// Backoff returns the base retry delay.
func (s Scraper) Backoff() time.Duration {
	return time.Duration(s.RetryDelay * float64(time.Second))
}

// Notification controls dispatch. Zero limits mean no throttling.
type Notification struct {
	Disabled    bool `json:"disabled"`
	MinInterval int  `json:"min_interval"` // seconds between sends
	MaxPerHour  int  `json:"max_per_hour"`
}

// State locates the notification state document.
type State struct {
	Path   string `json:"path"`
	Bucket string `json:"bucket"`
	Object string `json:"object"`
}

// History locates the optional delivery log database.
type History struct {
	Path string `json:"path"`
}

// Server configures the optional status endpoint.
type Server struct {
	Listen string `json:"listen"`
}

// Telegram holds chat credentials. These only come from the environment.
type Telegram struct {
	Token   string
	ChatID  string
	APIBase string
	Mock    bool
}

// Configured reports whether credentials are present.
func (t Telegram) Configured() bool {
	return t.Token != "" && t.ChatID != ""
}

// Default returns a fresh baseline configuration.
func Default() Config {
	return Config{
		Monitoring: Monitoring{
			Cities:         []string{"tehran", "isfahan"},
			ExamModels:     []string{"cdielts", "pdielts"},
			CheckFrequency: 3600,
		},
		Scraper: Scraper{
			BaseURL:        DefaultBaseURL,
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			RequestDelay:   2,
			RequestTimeout: 30,
			MaxRetries:     3,
			RetryDelay:     2,
		},
		State: State{
			Path:   "notification_state.json",
			Object: "notification_state.json",
		},
	}
}

// Load reads name and its "<base>.local.<ext>" sibling over the defaults.
// Missing files are not an error; the defaults are used.
func Load(name string, logger *slog.Logger) (Config, error) {
	cfg := Default()
	if name == "" {
		return cfg, nil
	}

	found := false
	for _, path := range []string{name, localName(name)} {
		var fileCfg Config
		ok, err := readFile(path, &fileCfg)
		if err != nil {
			return Config{}, err
		}
		if !ok {
			continue
		}
		if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
			return Config{}, fmt.Errorf("merge %s: %w", path, err)
		}
		logger.Info("Configuration file loaded", "path", path)
		found = true
	}

	if !found {
		logger.Warn("Config file not found, using default settings", "path", name)
	}
	return cfg, nil
}

func readFile(path string, out *Config) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read config: %w", err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json5.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// localName turns "dir/config.json5" into "dir/config.local.json5".
func localName(name string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + ".local" + ext
}

// Override returns a copy of c with every non-zero field of o applied.
func (c Config) Override(o Config) (Config, error) {
	if err := mergo.Merge(&c, o, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("apply overrides: %w", err)
	}
	return c, nil
}

// WithEnv returns a copy of c with credentials and storage settings read
// from the environment.
func (c Config) WithEnv(getenv func(string) string) Config {
	c.Telegram = Telegram{
		Token:   getenv("TELEGRAM_BOT_TOKEN"),
		ChatID:  getenv("TELEGRAM_CHAT_ID"),
		APIBase: getenv("TELEGRAM_API_BASE"),
		Mock:    getenv("TELEGRAM_MOCK") == "1" || getenv("TELEGRAM_MOCK") == "true",
	}
	if bucket := getenv("STATE_BUCKET"); bucket != "" {
		c.State.Bucket = bucket
	}
	if path := getenv("STATE_FILE"); path != "" {
		c.State.Path = path
	}
	return c
}
