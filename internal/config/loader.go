package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file, environment, and CLI flags.
// Priority (highest to lowest): CLI flags > env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	// Set defaults from struct
	setDefaults(v, cfg)

	// Environment variable support
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search default locations
		v.SetConfigName("harvester")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".harvester"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is okay if not explicitly specified
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("run.region", cfg.Run.Region)
	v.SetDefault("run.workers", cfg.Run.Workers)
	v.SetDefault("run.max_consecutive_failures", cfg.Run.MaxConsecutiveFailures)

	v.SetDefault("fetcher.base_delay", cfg.Fetcher.BaseDelay)
	v.SetDefault("fetcher.timeout", cfg.Fetcher.Timeout)
	v.SetDefault("fetcher.retries", cfg.Fetcher.Retries)
	v.SetDefault("fetcher.retry_backoff", cfg.Fetcher.RetryBackoff)
	v.SetDefault("fetcher.max_body_size", cfg.Fetcher.MaxBodySize)
	v.SetDefault("fetcher.max_idle_conns", cfg.Fetcher.MaxIdleConns)
	v.SetDefault("fetcher.idle_conn_timeout", cfg.Fetcher.IdleConnTimeout)

	v.SetDefault("proxy.enabled", cfg.Proxy.Enabled)
	v.SetDefault("proxy.list_file", cfg.Proxy.ListFile)
	v.SetDefault("proxy.ban_threshold", cfg.Proxy.BanThreshold)
	v.SetDefault("proxy.cooldown_base", cfg.Proxy.CooldownBase)
	v.SetDefault("proxy.cooldown_max", cfg.Proxy.CooldownMax)
	v.SetDefault("proxy.allow_direct", cfg.Proxy.AllowDirect)

	v.SetDefault("channels.best_seller_categories", cfg.Channels.BestSellerCategories)
	v.SetDefault("channels.movers_categories", cfg.Channels.MoversCategories)
	v.SetDefault("channels.outlet_allow_list", cfg.Channels.OutletAllowList)
	v.SetDefault("channels.warehouse_pages", cfg.Channels.WarehousePages)

	v.SetDefault("rules.path", cfg.Rules.Path)

	v.SetDefault("storage.type", cfg.Storage.Type)
	v.SetDefault("storage.output_dir", cfg.Storage.OutputDir)
	v.SetDefault("storage.sqlite_path", cfg.Storage.SQLitePath)
	v.SetDefault("storage.mongo_uri", cfg.Storage.MongoURI)
	v.SetDefault("storage.mongo_database", cfg.Storage.MongoDatabase)
	v.SetDefault("storage.mirror", cfg.Storage.Mirror)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}
