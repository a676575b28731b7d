package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/asinwatch/harvester/internal/channel"
	"github.com/asinwatch/harvester/internal/types"
)

// Scheduler runs each channel strategy on its own cadence: an
// immediate first pass, then a ticker per channel. Channels never wait
// on each other; a slow warehouse crawl does not delay the hourly
// movers pass.
type Scheduler struct {
	runner     *Runner
	strategies []channel.Strategy
	logger     *slog.Logger
}

func NewScheduler(runner *Runner, strategies []channel.Strategy, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:     runner,
		strategies: strategies,
		logger:     logger.With("component", "scheduler"),
	}
}

// Start blocks until the context is cancelled. Failed runs are logged
// and the channel stays on its cadence; the next tick gets a clean
// attempt.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, strat := range s.strategies {
		wg.Add(1)
		go func(strat channel.Strategy) {
			defer wg.Done()
			s.loop(ctx, strat)
		}(strat)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, strat channel.Strategy) {
	log := s.logger.With("channel", string(strat.Channel()), "cadence", strat.Cadence().String())
	log.Info("channel scheduled")

	s.runOnce(ctx, strat, log)

	ticker := time.NewTicker(strat.Cadence())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("channel schedule stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx, strat, log)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, strat channel.Strategy, log *slog.Logger) {
	run, err := s.runner.Run(ctx, strat, nil)
	switch {
	case errors.Is(err, types.ErrRunCancelled):
		// Shutdown; the loop exits on the next select.
	case err != nil:
		log.Error("scheduled run failed", "run_id", run.RunID, "cause", run.FailureCause, "error", err)
	default:
		log.Info("scheduled run finished", "run_id", run.RunID, "harvested", run.RecordsHarvested)
	}
}
