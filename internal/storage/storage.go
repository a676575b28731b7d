package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/asinwatch/harvester/internal/config"
	"github.com/asinwatch/harvester/internal/types"
)

// Partition names a bucket of run output.
type Partition string

const (
	PartitionRaw    Partition = "raw"
	PartitionSafe   Partition = "safe"
	PartitionReview Partition = "review"
	PartitionBanned Partition = "banned"
)

// PartitionFor maps a verdict to its output partition.
func PartitionFor(v types.Verdict) Partition {
	switch v {
	case types.VerdictSafe:
		return PartitionSafe
	case types.VerdictNeedsReview:
		return PartitionReview
	case types.VerdictBanned:
		return PartitionBanned
	}
	return PartitionRaw
}

// Backend is the interface for all storage backends. Writes must be
// idempotent on (ASIN, capture timestamp): re-saving the same batch,
// e.g. after a partial failure, may not duplicate rows.
type Backend interface {
	// SaveRecords persists one partition of a run's classified records.
	SaveRecords(ctx context.Context, run *types.ChannelRunResult, recs []*types.ClassifiedRecord, p Partition) error

	// SaveRunSummary persists the run's final counters and state.
	SaveRunSummary(ctx context.Context, run *types.ChannelRunResult) error

	// Close flushes pending writes and releases resources.
	Close() error

	// Name returns the storage backend identifier.
	Name() string
}

// Open builds the backend selected by cfg. With Mirror set, a database
// backend is wrapped together with the file backend so reports stay
// readable on disk.
func Open(cfg *config.StorageConfig, logger *slog.Logger) (Backend, error) {
	var primary Backend
	var err error
	switch cfg.Type {
	case "file":
		primary, err = NewFileBackend(cfg.OutputDir, logger)
	case "sqlite":
		primary, err = NewSQLiteBackend(cfg.SQLitePath, logger)
	case "mongo":
		primary, err = NewMongoBackend(cfg.MongoURI, cfg.MongoDatabase, logger)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Mirror && cfg.Type != "file" {
		mirror, err := NewFileBackend(cfg.OutputDir, logger)
		if err != nil {
			primary.Close()
			return nil, err
		}
		return NewMultiBackend([]Backend{primary, mirror}, logger), nil
	}
	return primary, nil
}

// WithRetry runs op up to attempts times with a doubling delay between
// tries. Storage writes go through this so one transient failure does
// not lose a run's output.
func WithRetry(ctx context.Context, attempts int, delay time.Duration, op func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = op(); err == nil {
			return nil
		}
	}
	return err
}
