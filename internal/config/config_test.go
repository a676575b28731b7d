package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))
}

func TestLoadExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harvester.yaml")
	yaml := `
run:
  region: uk
  workers: 4
fetcher:
  base_delay: 2s
storage:
  type: sqlite
  sqlite_path: /tmp/harvest.db
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "uk", cfg.Run.Region)
	assert.Equal(t, 4, cfg.Run.Workers)
	assert.Equal(t, 2*time.Second, cfg.Fetcher.BaseDelay)
	assert.Equal(t, "sqlite", cfg.Storage.Type)

	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Fetcher.Retries)
	assert.Equal(t, 5, cfg.Proxy.BanThreshold)

	require.NoError(t, Validate(cfg))
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load("/nonexistent/harvester.yaml")
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown region", func(c *Config) { c.Run.Region = "br" }},
		{"too many workers", func(c *Config) { c.Run.Workers = 16 }},
		{"one worker", func(c *Config) { c.Run.Workers = 1 }},
		{"zero base delay", func(c *Config) { c.Fetcher.BaseDelay = 0 }},
		{"negative retries", func(c *Config) { c.Fetcher.Retries = -1 }},
		{"proxy without list", func(c *Config) { c.Proxy.Enabled = true; c.Proxy.ListFile = "" }},
		{"unknown storage", func(c *Config) { c.Storage.Type = "redis" }},
		{"sqlite without path", func(c *Config) { c.Storage.Type = "sqlite" }},
		{"mongo without uri", func(c *Config) { c.Storage.Type = "mongo" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"bad metrics port", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Port = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestMarketplaceHost(t *testing.T) {
	h, err := MarketplaceHost("jp")
	require.NoError(t, err)
	assert.Equal(t, "www.amazon.co.jp", h)

	_, err = MarketplaceHost("xx")
	assert.Error(t, err)
}
