package storage

import (
	"context"
	"errors"
	"log/slog"

	"github.com/asinwatch/harvester/internal/types"
)

// MultiBackend fans every write out to all wrapped backends. A failing
// backend does not stop the others; errors are joined.
type MultiBackend struct {
	backends []Backend
	logger   *slog.Logger
}

// NewMultiBackend wraps the given backends.
func NewMultiBackend(backends []Backend, logger *slog.Logger) *MultiBackend {
	return &MultiBackend{
		backends: backends,
		logger:   logger.With("component", "multi_storage"),
	}
}

func (s *MultiBackend) Name() string { return "multi" }

func (s *MultiBackend) SaveRecords(ctx context.Context, run *types.ChannelRunResult, recs []*types.ClassifiedRecord, p Partition) error {
	var errs []error
	for _, b := range s.backends {
		if err := b.SaveRecords(ctx, run, recs, p); err != nil {
			s.logger.Error("backend write failed", "backend", b.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *MultiBackend) SaveRunSummary(ctx context.Context, run *types.ChannelRunResult) error {
	var errs []error
	for _, b := range s.backends {
		if err := b.SaveRunSummary(ctx, run); err != nil {
			s.logger.Error("backend write failed", "backend", b.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *MultiBackend) Close() error {
	var errs []error
	for _, b := range s.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
