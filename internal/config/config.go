// Package config loads and validates the YAML application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file omits a value.
const (
	DefaultCheckIntervalSeconds  = 300
	DefaultRequestTimeoutSeconds = 30
	DefaultMaxRetries            = 3
	DefaultDatabasePath          = "data/rss_watcher.db"
	DefaultMaxMediaBytes         = 2 << 30 // 2 GiB
)

// Config is the root application configuration.
type Config struct {
	Telegram *TelegramConfig `yaml:"telegram"`
	SimpleX  *SimpleXConfig  `yaml:"simplex"`
	Defaults DefaultsConfig  `yaml:"defaults"`
	Storage  StorageConfig   `yaml:"storage"`
	Feeds    []Feed          `yaml:"feeds"`
}

// Telegram message parse modes.
const (
	ParseModeHTML       = "HTML"
	ParseModeMarkdownV2 = "MarkdownV2"
)

// TelegramConfig configures the Telegram notification backend.
type TelegramConfig struct {
	BotToken              string `yaml:"bot_token"`
	ChatID                string `yaml:"chat_id"`
	ParseMode             string `yaml:"parse_mode"`
	DisableWebPagePreview bool   `yaml:"disable_web_page_preview"`
}

// SimpleXConfig configures the SimpleX Chat notification backend.
// The simplex-chat CLI must be running externally with its WebSocket
// server enabled (simplex-chat -p <port>).
type SimpleXConfig struct {
	WebsocketURL          string `yaml:"websocket_url"`
	Contact               string `yaml:"contact"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout"`
	MessageTimeoutSeconds int    `yaml:"message_timeout"`
}

// ConnectTimeout returns the WebSocket dial timeout.
func (s *SimpleXConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSeconds) * time.Second
}

// MessageTimeout returns how long to wait for a command response.
func (s *SimpleXConfig) MessageTimeout() time.Duration {
	return time.Duration(s.MessageTimeoutSeconds) * time.Second
}

// DefaultsConfig holds settings shared by all feeds unless overridden.
// Intervals and timeouts are in seconds, cleanup_after_days in days.
type DefaultsConfig struct {
	CheckIntervalSeconds  int    `yaml:"check_interval"`
	RequestTimeoutSeconds int    `yaml:"request_timeout"`
	MaxRetries            int    `yaml:"max_retries"`
	Proxy                 string `yaml:"proxy"`
	MediaDir              string `yaml:"media_dir"`
	MediaAllEntries       bool   `yaml:"media_all_entries"`
	MaxMediaBytes         int64  `yaml:"max_media_bytes"`
	CleanupAfterDays      int    `yaml:"cleanup_after_days"`
	CleanupSchedule       string `yaml:"cleanup_schedule"`
}

// RequestTimeout returns the HTTP request timeout for feed fetches.
func (d *DefaultsConfig) RequestTimeout() time.Duration {
	return time.Duration(d.RequestTimeoutSeconds) * time.Second
}

// StorageConfig configures persistence.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// Feed configures a single RSS/Atom feed to watch.
//
// MediaDir and MediaAllEntries are pointers so that an absent key falls
// through to the defaults while an explicit empty string or false is an
// override in its own right.
type Feed struct {
	Name                 string            `yaml:"name"`
	URL                  string            `yaml:"url"`
	CheckIntervalSeconds int               `yaml:"check_interval"`
	Enabled              *bool             `yaml:"enabled"`
	Cookies              map[string]string `yaml:"cookies"`
	MediaDir             *string           `yaml:"media_dir"`
	MediaAllEntries      *bool             `yaml:"media_all_entries"`
	Filters              FeedFilters       `yaml:"filters"`
}

// FeedFilters combines the four independently configured rule groups.
type FeedFilters struct {
	Keywords   TermFilter  `yaml:"keywords"`
	Categories TermFilter  `yaml:"categories"`
	Authors    TermFilter  `yaml:"authors"`
	Regex      RegexFilter `yaml:"regex"`
}

// TermFilter is an include/exclude term list shared by the keyword,
// category, and author groups.
type TermFilter struct {
	Include       []string `yaml:"include"`
	Exclude       []string `yaml:"exclude"`
	CaseSensitive bool     `yaml:"case_sensitive"`
}

// Empty reports whether the group has no rules configured.
func (f TermFilter) Empty() bool {
	return len(f.Include) == 0 && len(f.Exclude) == 0
}

// RegexFilter holds optional title and content patterns.
type RegexFilter struct {
	Title   string `yaml:"title"`
	Content string `yaml:"content"`
}

// IsEnabled reports whether the feed should be watched. Feeds are
// enabled unless the config says otherwise.
func (f *Feed) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// Interval returns the feed's check interval, falling back to the default.
func (c *Config) Interval(f *Feed) time.Duration {
	secs := f.CheckIntervalSeconds
	if secs <= 0 {
		secs = c.Defaults.CheckIntervalSeconds
	}
	return time.Duration(secs) * time.Second
}

// MediaDir resolves the effective media directory for a feed. An empty
// result means media download is disabled. A feed-level empty string
// disables media for that feed even when a default directory is set.
func (c *Config) MediaDir(f *Feed) string {
	if f.MediaDir != nil {
		return *f.MediaDir
	}
	return c.Defaults.MediaDir
}

// MediaAllEntries resolves whether media is downloaded for every new
// entry rather than only rule-matching ones.
func (c *Config) MediaAllEntries(f *Feed) bool {
	if f.MediaAllEntries != nil {
		return *f.MediaAllEntries
	}
	return c.Defaults.MediaAllEntries
}

// Load reads, env-substitutes, parses, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	data = substituteEnv(data)

	cfg := &Config{
		Defaults: DefaultsConfig{
			CheckIntervalSeconds:  DefaultCheckIntervalSeconds,
			RequestTimeoutSeconds: DefaultRequestTimeoutSeconds,
			MaxRetries:            DefaultMaxRetries,
			MaxMediaBytes:         DefaultMaxMediaBytes,
		},
		Storage: StorageConfig{DatabasePath: DefaultDatabasePath},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Telegram == nil && c.SimpleX == nil {
		return fmt.Errorf("at least one notifier must be configured (telegram or simplex)")
	}
	if c.Telegram != nil {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required")
		}
		switch c.Telegram.ParseMode {
		case "":
			c.Telegram.ParseMode = ParseModeHTML
		case ParseModeHTML, ParseModeMarkdownV2:
		default:
			return fmt.Errorf("telegram.parse_mode must be %s or %s, got %q",
				ParseModeHTML, ParseModeMarkdownV2, c.Telegram.ParseMode)
		}
	}
	if c.SimpleX != nil {
		if c.SimpleX.Contact == "" {
			return fmt.Errorf("simplex.contact is required")
		}
		if c.SimpleX.WebsocketURL == "" {
			c.SimpleX.WebsocketURL = "ws://localhost:5225"
		}
		if c.SimpleX.ConnectTimeoutSeconds <= 0 {
			c.SimpleX.ConnectTimeoutSeconds = 10
		}
		if c.SimpleX.MessageTimeoutSeconds <= 0 {
			c.SimpleX.MessageTimeoutSeconds = 30
		}
	}

	if p := c.Defaults.Proxy; p != "" {
		u, err := url.Parse(p)
		if err != nil {
			return fmt.Errorf("defaults.proxy: invalid url %q", p)
		}
		switch u.Scheme {
		case "socks5", "http", "https":
		default:
			return fmt.Errorf("defaults.proxy: unsupported scheme %q", u.Scheme)
		}
	}

	if len(c.Feeds) == 0 {
		return fmt.Errorf("at least one feed must be configured")
	}
	names := make(map[string]bool, len(c.Feeds))
	for i := range c.Feeds {
		f := &c.Feeds[i]
		if f.Name == "" {
			return fmt.Errorf("feed %d: name is required", i)
		}
		if names[f.Name] {
			return fmt.Errorf("duplicate feed name %q", f.Name)
		}
		names[f.Name] = true

		u, err := url.Parse(f.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("feed %q: invalid url %q", f.Name, f.URL)
		}
	}
	return nil
}

// envPattern matches ${VAR} and ${VAR:-default}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteEnv expands ${VAR} and ${VAR:-default} references in the raw
// config bytes. Unset variables without a default are left verbatim.
func substituteEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		groups := envPattern.FindSubmatch(m)
		name := string(groups[1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		if len(groups[2]) > 0 {
			return groups[3]
		}
		return m
	})
}
