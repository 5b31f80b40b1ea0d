package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/kilupskalvis/scenemerge/internal/crdt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, crdt.PositionArrival, cfg.Policy())
	assert.Equal(t, []string{"root"}, cfg.Roots)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenemerge.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen = "127.0.0.1:9000"
data_dir = "/srv/scenemerge"
log_level = "debug"
log_format = "text"
roots = ["page-1", "page-2"]
position_policy = "lww"
redis_addr = "localhost:6379"

[[tokens]]
id = "editor"
token_hash = "abc123"
docs = ["*"]
permission = "rw"

[[tokens]]
id = "viewer"
token = "plain"
docs = ["design"]
permission = "ro"
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "/srv/scenemerge", cfg.DataDir)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, []string{"page-1", "page-2"}, cfg.Roots)
	assert.Equal(t, crdt.PositionLWW, cfg.Policy())
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 600, cfg.RequestsPerMinute, "unset fields keep their defaults")
	require.Len(t, cfg.Tokens, 2)
	assert.Equal(t, "abc123", cfg.Tokens[0].TokenHash)
	assert.Equal(t, []string{"design"}, cfg.Tokens[1].Docs)
	assert.Equal(t, path, cfg.Path())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("listen = "), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SCENEMERGE_LISTEN":              ":1234",
		"SCENEMERGE_LOG_LEVEL":           "warn",
		"SCENEMERGE_ROOTS":               " a, b ,,",
		"SCENEMERGE_REQUESTS_PER_MINUTE": "5",
		"SCENEMERGE_POSITION_POLICY":     "lww",
		"SCENEMERGE_WEBHOOK_URLS":        "http://a.example/hook, https://b.example/hook",
		"SCENEMERGE_ADOPT_PLACEHOLDERS":  "true",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, ":1234", cfg.Listen)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, []string{"a", "b"}, cfg.Roots)
	assert.Equal(t, 5, cfg.RequestsPerMinute)
	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Equal(t, []string{"http://a.example/hook", "https://b.example/hook"}, cfg.WebhookURLs)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, crdt.PositionLWW, cfg.Policy())
	assert.True(t, cfg.AdoptPlaceholders)
}

func TestApplyEnv_BadNumber(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) string {
		if k == "SCENEMERGE_REQUESTS_PER_MINUTE" {
			return "lots"
		}
		return ""
	})
	assert.Error(t, err)
}

func TestApplyEnv_BadBool(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) string {
		if k == "SCENEMERGE_ADOPT_PLACEHOLDERS" {
			return "sometimes"
		}
		return ""
	})
	assert.Error(t, err)
	assert.False(t, cfg.AdoptPlaceholders)
}

func TestLoad_EnvWithoutFile(t *testing.T) {
	t.Setenv("SCENEMERGE_DATA_DIR", "/tmp/sm")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sm", cfg.DataDir)
	assert.Empty(t, cfg.Path())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"bad policy", func(c *Config) { c.PositionPolicy = "random" }},
		{"no roots", func(c *Config) { c.Roots = nil }},
		{"relative webhook url", func(c *Config) { c.WebhookURLs = []string{"/hook"} }},
		{"webhook url scheme", func(c *Config) { c.WebhookURLs = []string{"ftp://host/hook"} }},
		{"token without id", func(c *Config) {
			c.Tokens = []Token{{Token: "x", Docs: []string{"*"}, Permission: "rw"}}
		}},
		{"token without secret", func(c *Config) {
			c.Tokens = []Token{{ID: "a", Docs: []string{"*"}, Permission: "rw"}}
		}},
		{"token bad permission", func(c *Config) {
			c.Tokens = []Token{{ID: "a", Token: "x", Docs: []string{"*"}, Permission: "admin"}}
		}},
		{"token without docs", func(c *Config) {
			c.Tokens = []Token{{ID: "a", Token: "x", Permission: "ro"}}
		}},
		{"duplicate token id", func(c *Config) {
			c.Tokens = []Token{
				{ID: "a", Token: "x", Docs: []string{"*"}, Permission: "ro"},
				{ID: "a", Token: "y", Docs: []string{"*"}, Permission: "rw"},
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	lvl, err := ParseLogLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLogLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)

	_, err = ParseLogLevel("trace")
	assert.Error(t, err)
}

func TestInitializeAndSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", DefaultConfigFile)

	cfg, err := Initialize(path)
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, err = Initialize(path)
	assert.Error(t, err, "refuses to overwrite")

	cfg.Listen = "127.0.0.1:7000"
	cfg.Tokens = []Token{{ID: "ci", TokenHash: "ff", Docs: []string{"*"}, Permission: "rw"}}
	require.NoError(t, cfg.Save())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", loaded.Listen)
	require.Len(t, loaded.Tokens, 1)
	assert.Equal(t, "ci", loaded.Tokens[0].ID)
}

func TestSave_NoPath(t *testing.T) {
	assert.Error(t, Default().Save())
}
