package config

import (
	"fmt"

	"github.com/asinwatch/harvester/internal/types"
)

var knownRegions = map[string]bool{
	"us": true, "uk": true, "de": true, "fr": true, "jp": true, "ca": true,
}

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if !knownRegions[cfg.Run.Region] {
		return fmt.Errorf("run.region %q is not supported (valid: us, uk, de, fr, jp, ca)", cfg.Run.Region)
	}
	// The worker bound is deliberately narrow; anything wider defeats
	// the per-request pacing.
	if cfg.Run.Workers < 2 || cfg.Run.Workers > 4 {
		return fmt.Errorf("run.workers must be between 2 and 4, got %d", cfg.Run.Workers)
	}
	if cfg.Run.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("run.max_consecutive_failures must be >= 1, got %d", cfg.Run.MaxConsecutiveFailures)
	}

	if cfg.Fetcher.BaseDelay <= 0 {
		return fmt.Errorf("fetcher.base_delay must be > 0")
	}
	if cfg.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	if cfg.Fetcher.Retries < 0 {
		return fmt.Errorf("fetcher.retries must be >= 0, got %d", cfg.Fetcher.Retries)
	}
	if cfg.Fetcher.MaxBodySize <= 0 {
		return fmt.Errorf("fetcher.max_body_size must be > 0")
	}

	if cfg.Proxy.Enabled {
		if cfg.Proxy.ListFile == "" {
			return fmt.Errorf("proxy.list_file is required when proxy.enabled is true")
		}
		if cfg.Proxy.BanThreshold < 1 {
			return fmt.Errorf("proxy.ban_threshold must be >= 1, got %d", cfg.Proxy.BanThreshold)
		}
		if cfg.Proxy.CooldownBase <= 0 {
			return fmt.Errorf("proxy.cooldown_base must be > 0")
		}
		if cfg.Proxy.CooldownMax < cfg.Proxy.CooldownBase {
			return fmt.Errorf("proxy.cooldown_max must be >= proxy.cooldown_base")
		}
	}

	if cfg.Channels.WarehousePages < 1 {
		return fmt.Errorf("channels.warehouse_pages must be >= 1, got %d", cfg.Channels.WarehousePages)
	}

	switch cfg.Storage.Type {
	case "file":
		if cfg.Storage.OutputDir == "" {
			return fmt.Errorf("storage.output_dir is required for the file backend")
		}
	case "sqlite":
		if cfg.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	case "mongo":
		if cfg.Storage.MongoURI == "" {
			return fmt.Errorf("storage.mongo_uri is required for the mongo backend")
		}
		if cfg.Storage.MongoDatabase == "" {
			return fmt.Errorf("storage.mongo_database is required for the mongo backend")
		}
	default:
		return fmt.Errorf("storage.type %q is not supported (valid: file, sqlite, mongo)", cfg.Storage.Type)
	}
	if cfg.Storage.Mirror && cfg.Storage.OutputDir == "" {
		return fmt.Errorf("storage.output_dir is required when storage.mirror is true")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
		}
	}

	return nil
}

// MarketplaceHost maps a region code to its marketplace hostname.
func MarketplaceHost(region string) (string, error) {
	hosts := map[string]string{
		"us": "www.amazon.com",
		"uk": "www.amazon.co.uk",
		"de": "www.amazon.de",
		"fr": "www.amazon.fr",
		"jp": "www.amazon.co.jp",
		"ca": "www.amazon.ca",
	}
	h, ok := hosts[region]
	if !ok {
		return "", fmt.Errorf("%w: %q", types.ErrUnknownRegion, region)
	}
	return h, nil
}
