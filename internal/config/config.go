// Package config manages scenemerge server configuration.
// It handles loading, saving, and initializing the TOML config file and
// applying environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kilupskalvis/scenemerge/internal/crdt"
	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultConfigFile = "scenemerge.toml"
	DefaultListen     = "0.0.0.0:8740"
	DefaultDataDir    = "data"
	EnvPrefix         = "SCENEMERGE_"
)

// Token grants access to documents. Either the raw Token or its SHA256
// TokenHash must be set; prefer the hash in shared files.
type Token struct {
	ID          string   `toml:"id"`
	Token       string   `toml:"token,omitempty"`
	TokenHash   string   `toml:"token_hash,omitempty"`
	Description string   `toml:"description,omitempty"`
	Docs        []string `toml:"docs"`
	Permission  string   `toml:"permission"` // "ro" or "rw"
}

// Config represents the server configuration
type Config struct {
	Listen    string `toml:"listen"`
	DataDir   string `toml:"data_dir"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Roots             []string `toml:"roots"`
	PositionPolicy    string   `toml:"position_policy"`
	AdoptPlaceholders bool     `toml:"adopt_placeholders,omitempty"`
	ChangeBuffer      int      `toml:"change_buffer"`

	RedisAddr          string `toml:"redis_addr,omitempty"`
	RedisPassword      string `toml:"redis_password,omitempty"`
	RedisDB            int    `toml:"redis_db,omitempty"`
	RedisChannelPrefix string `toml:"redis_channel_prefix,omitempty"`

	WebhookURLs         []string `toml:"webhook_urls,omitempty"`
	WebhookSecret       string   `toml:"webhook_secret,omitempty"`
	WebhookAcceptedOnly bool     `toml:"webhook_accepted_only,omitempty"`

	RequestsPerMinute int   `toml:"requests_per_minute"`
	MaxRequestBody    int64 `toml:"max_request_body"`

	Tokens []Token `toml:"tokens,omitempty"`

	path string // file the config was loaded from
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Listen:            DefaultListen,
		DataDir:           DefaultDataDir,
		LogLevel:          "info",
		LogFormat:         "json",
		Roots:             []string{string(crdt.DefaultRoot)},
		PositionPolicy:    string(crdt.PositionArrival),
		ChangeBuffer:      256,
		RequestsPerMinute: 600,
		MaxRequestBody:    8 * 1024 * 1024,
	}
}

// Load reads the config at path over the defaults, then applies environment
// overrides. An empty path yields the defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		cfg.path = path
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SCENEMERGE_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	set := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	set("LISTEN", &c.Listen)
	set("DATA_DIR", &c.DataDir)
	set("LOG_LEVEL", &c.LogLevel)
	set("LOG_FORMAT", &c.LogFormat)
	set("POSITION_POLICY", &c.PositionPolicy)
	set("REDIS_ADDR", &c.RedisAddr)
	set("REDIS_PASSWORD", &c.RedisPassword)
	set("REDIS_CHANNEL_PREFIX", &c.RedisChannelPrefix)
	set("WEBHOOK_SECRET", &c.WebhookSecret)

	if v := getenv(EnvPrefix + "ROOTS"); v != "" {
		c.Roots = splitList(v)
	}
	if v := getenv(EnvPrefix + "WEBHOOK_URLS"); v != "" {
		c.WebhookURLs = splitList(v)
	}
	if v := getenv(EnvPrefix + "ADOPT_PLACEHOLDERS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sADOPT_PLACEHOLDERS: %w", EnvPrefix, err)
		}
		c.AdoptPlaceholders = b
	}
	if v := getenv(EnvPrefix + "REQUESTS_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREQUESTS_PER_MINUTE: %w", EnvPrefix, err)
		}
		c.RequestsPerMinute = n
	}
	return nil
}

// splitList splits a comma-separated value, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks field values that would otherwise fail at startup.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("log_format must be json or text, got %q", c.LogFormat)
	}
	if _, err := crdt.ParsePositionPolicy(c.PositionPolicy); err != nil {
		return err
	}
	if len(c.Roots) == 0 {
		return fmt.Errorf("at least one root node is required")
	}
	for _, raw := range c.WebhookURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook url %q must be an absolute http(s) URL", raw)
		}
	}

	seen := make(map[string]bool, len(c.Tokens))
	for i, t := range c.Tokens {
		if t.ID == "" {
			return fmt.Errorf("token %d: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("token %q: duplicate id", t.ID)
		}
		seen[t.ID] = true
		if t.Token == "" && t.TokenHash == "" {
			return fmt.Errorf("token %q: token or token_hash is required", t.ID)
		}
		if t.Permission != "ro" && t.Permission != "rw" {
			return fmt.Errorf("token %q: permission must be ro or rw, got %q", t.ID, t.Permission)
		}
		if len(t.Docs) == 0 {
			return fmt.Errorf("token %q: docs must list document ids or \"*\"", t.ID)
		}
	}
	return nil
}

// ParseLogLevel maps a level name to its slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (debug, info, warn, error)", s)
}

// Policy returns the configured position policy.
func (c *Config) Policy() crdt.PositionPolicy {
	p, _ := crdt.ParsePositionPolicy(c.PositionPolicy)
	return p
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

// SaveTo writes the configuration to path.
func (c *Config) SaveTo(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	c.path = path
	return nil
}

// Save writes the configuration back to the file it was loaded from.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}
	return c.SaveTo(c.path)
}

// Initialize writes a default configuration to path. It refuses to
// overwrite an existing file.
func Initialize(path string) (*Config, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("config file %s already exists", path)
	}

	cfg := Default()
	if err := cfg.SaveTo(path); err != nil {
		return nil, err
	}
	return cfg, nil
}
