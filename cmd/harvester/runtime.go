package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/asinwatch/harvester/internal/channel"
	"github.com/asinwatch/harvester/internal/config"
	"github.com/asinwatch/harvester/internal/fetcher"
	"github.com/asinwatch/harvester/internal/observability"
	"github.com/asinwatch/harvester/internal/orchestrator"
	"github.com/asinwatch/harvester/internal/proxy"
	"github.com/asinwatch/harvester/internal/rules"
	"github.com/asinwatch/harvester/internal/storage"
	"github.com/asinwatch/harvester/internal/types"
)

// runtime is the fully wired application: one of everything, shared by
// the run and schedule commands.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	metricSrv *observability.Server
	fetcher   fetcher.Fetcher
	store     storage.Backend
	runner    *orchestrator.Runner
	scheduler *orchestrator.Scheduler
}

func buildRuntime() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	metrics := observability.NewMetrics()

	var metricSrv *observability.Server
	if cfg.Metrics.Enabled {
		metricSrv = observability.NewServer(metrics, cfg.Metrics.Port, cfg.Metrics.Path, logger)
		metricSrv.Start()
	}

	pool, err := buildPool(cfg, logger)
	if err != nil {
		return nil, &configError{err}
	}

	ruleSet, err := buildRuleSet(cfg)
	if err != nil {
		return nil, &configError{err}
	}
	classifier := rules.NewClassifier(ruleSet, logger)

	store, err := storage.Open(&cfg.Storage, logger)
	if err != nil {
		return nil, &configError{fmt.Errorf("open storage: %w", err)}
	}

	f := fetcher.NewHTTPFetcher(&cfg.Fetcher, pool, metrics, logger)
	runner := orchestrator.NewRunner(f, classifier, store, cfg.Run, metrics, logger)
	scheduler := orchestrator.NewScheduler(runner, channel.All(&cfg.Channels), logger)

	logger.Info("runtime ready",
		"region", cfg.Run.Region,
		"storage", store.Name(),
		"proxies", pool.Size(),
		"rule_set", ruleSet.Version)

	return &runtime{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		metricSrv: metricSrv,
		fetcher:   f,
		store:     store,
		runner:    runner,
		scheduler: scheduler,
	}, nil
}

// buildPool loads the proxy list when enabled; otherwise an empty
// direct-only pool so the fetcher's acquire/report path stays uniform.
func buildPool(cfg *config.Config, logger *slog.Logger) (*proxy.Pool, error) {
	opts := &proxy.Options{
		BanThreshold: cfg.Proxy.BanThreshold,
		CooldownBase: cfg.Proxy.CooldownBase,
		CooldownMax:  cfg.Proxy.CooldownMax,
		AllowDirect:  cfg.Proxy.AllowDirect,
	}
	if !cfg.Proxy.Enabled {
		opts.AllowDirect = true
		return proxy.NewPool(nil, opts, logger), nil
	}
	endpoints, err := proxy.LoadFile(cfg.Proxy.ListFile)
	if err != nil {
		return nil, fmt.Errorf("load proxy list: %w", err)
	}
	if len(endpoints) == 0 && !opts.AllowDirect {
		return nil, fmt.Errorf("proxy list %s: no usable endpoints", cfg.Proxy.ListFile)
	}
	return proxy.NewPool(endpoints, opts, logger), nil
}

func buildRuleSet(cfg *config.Config) (*rules.RuleSet, error) {
	if cfg.Rules.Path == "" {
		return rules.Default(), nil
	}
	rs, err := rules.Load(cfg.Rules.Path)
	if err != nil {
		return nil, fmt.Errorf("load rule set: %w", err)
	}
	return rs, nil
}

// strategiesFor resolves channel names to strategies. No names means
// every channel.
func (rt *runtime) strategiesFor(names []string) ([]channel.Strategy, error) {
	if len(names) == 0 {
		return channel.All(&rt.cfg.Channels), nil
	}
	var out []channel.Strategy
	for _, name := range names {
		ch := types.Channel(strings.ToLower(name))
		if !ch.Valid() {
			return nil, fmt.Errorf("unknown channel %q (channels: %s)", name, channelNames())
		}
		strat, err := channel.ForChannel(ch, &rt.cfg.Channels)
		if err != nil {
			return nil, err
		}
		out = append(out, strat)
	}
	return out, nil
}

func channelNames() string {
	var names []string
	for _, ch := range types.AllChannels() {
		names = append(names, string(ch))
	}
	return strings.Join(names, ", ")
}

func (rt *runtime) Close() {
	if err := rt.fetcher.Close(); err != nil {
		rt.logger.Warn("fetcher close failed", "error", err)
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("storage close failed", "error", err)
	}
	if rt.metricSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.metricSrv.Shutdown(ctx); err != nil {
			rt.logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
}
