package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asinwatch/harvester/internal/channel"
	"github.com/asinwatch/harvester/internal/config"
	"github.com/asinwatch/harvester/internal/fetcher"
	"github.com/asinwatch/harvester/internal/observability"
	"github.com/asinwatch/harvester/internal/rules"
	"github.com/asinwatch/harvester/internal/storage"
	"github.com/asinwatch/harvester/internal/types"
)

const (
	minWorkers = 2
	maxWorkers = 4

	storageAttempts = 3
	storageBackoff  = 500 * time.Millisecond
)

// Runner drives one channel through its full lifecycle: plan the seed
// pages, crawl them with a bounded worker pool, classify every
// harvested record, and persist the partitioned results.
type Runner struct {
	fetcher    fetcher.Fetcher
	classifier *rules.Classifier
	store      storage.Backend
	cfg        config.RunConfig
	metrics    *observability.Metrics
	logger     *slog.Logger

	now func() time.Time
}

func NewRunner(f fetcher.Fetcher, c *rules.Classifier, store storage.Backend, cfg config.RunConfig, m *observability.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		fetcher:    f,
		classifier: c,
		store:      store,
		cfg:        cfg,
		metrics:    m,
		logger:     logger.With("component", "orchestrator"),
		now:        time.Now,
	}
}

// RuleSetVersion reports the classifier version stamped on every run.
func (r *Runner) RuleSetVersion() string { return r.classifier.Version() }

// Run executes one crawl of the given strategy. The returned result is
// always non-nil and always persisted on a best-effort basis, even for
// failed and cancelled runs. Individual page failures are logged on the
// result and never abort the run; only a streak of block or
// pool-exhaustion failures does.
func (r *Runner) Run(ctx context.Context, strat channel.Strategy, categories []string) (*types.ChannelRunResult, error) {
	run := types.NewRunResult(strat.Channel(), r.cfg.Region, r.now())
	run.RuleSetVersion = r.classifier.Version()
	log := r.logger.With("run_id", run.RunID, "channel", string(strat.Channel()))

	log.Info("run starting", "region", r.cfg.Region, "categories", categories)

	seeds, err := strat.Plan(r.cfg.Region, categories)
	if err != nil {
		run.State = types.RunStateFailed
		run.FailureCause = fmt.Sprintf("planning: %v", err)
		run.FinishedAt = r.now()
		r.persist(ctx, run, nil, log)
		return run, fmt.Errorf("plan %s: %w", strat.Channel(), err)
	}
	if len(seeds) == 0 {
		run.State = types.RunStateFailed
		run.FailureCause = "planning produced no pages"
		run.FinishedAt = r.now()
		r.persist(ctx, run, nil, log)
		return run, fmt.Errorf("plan %s: no pages to visit", strat.Channel())
	}

	run.State = types.RunStateFetching
	records, aborted := r.crawl(ctx, strat, run, seeds, log)

	if ctx.Err() != nil {
		run.State = types.RunStateCancelled
		run.FinishedAt = r.now()
		log.Warn("run cancelled", "pages", run.PagesVisited, "records", len(records))
		classified := r.classifier.ClassifyAll(records)
		countVerdicts(run, classified)
		r.persist(ctx, run, classified, log)
		return run, types.ErrRunCancelled
	}
	if aborted != "" {
		run.State = types.RunStateFailed
		run.FailureCause = aborted
		run.FinishedAt = r.now()
		log.Error("run aborted", "cause", aborted, "pages", run.PagesVisited)
		r.persist(ctx, run, nil, log)
		return run, fmt.Errorf("run %s: %s", run.RunID, aborted)
	}

	run.State = types.RunStateClassifying
	classified := r.classifier.ClassifyAll(records)
	countVerdicts(run, classified)
	for _, cr := range classified {
		r.metrics.IncVerdict(string(run.Channel), string(cr.Classification.Verdict))
	}

	run.State = types.RunStateReporting
	if err := r.persist(ctx, run, classified, log); err != nil {
		run.State = types.RunStateFailed
		run.FailureCause = fmt.Sprintf("storage: %v", err)
		run.FinishedAt = r.now()
		// One more attempt so the failure itself is on record.
		_ = storage.WithRetry(ctx, storageAttempts, storageBackoff, func() error {
			return r.store.SaveRunSummary(ctx, run)
		})
		return run, err
	}

	run.State = types.RunStateDone
	run.FinishedAt = r.now()
	if err := storage.WithRetry(ctx, storageAttempts, storageBackoff, func() error {
		return r.store.SaveRunSummary(ctx, run)
	}); err != nil {
		log.Error("final summary save failed", "error", err)
	}

	log.Info("run complete",
		"pages", run.PagesVisited,
		"harvested", run.RecordsHarvested,
		"safe", run.SafeCount,
		"review", run.ReviewCount,
		"banned", run.BannedCount,
		"errors", len(run.Errors),
		"duration", run.Duration().Round(time.Millisecond))
	return run, nil
}

// crawl runs the bounded worker pool over the page queue until the
// traversal drains, the context is cancelled, or the failure streak
// trips. It returns the harvested records and, when aborted, the cause.
func (r *Runner) crawl(ctx context.Context, strat channel.Strategy, run *types.ChannelRunResult, seeds []channel.PageRequest, log *slog.Logger) ([]*types.ProductRecord, string) {
	queue := newPageQueue()
	queue.Push(seeds...)

	crawlCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		records []*types.ProductRecord

		streak     atomic.Int64
		abortCause atomic.Value
	)

	workers := r.cfg.Workers
	if workers < minWorkers {
		workers = minWorkers
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wlog := log.With("worker", id)
			for {
				req, ok := queue.Pop(crawlCtx)
				if !ok {
					return
				}
				recs, next, fail := r.visit(crawlCtx, strat, run, req, wlog)

				if fail != nil {
					mu.Lock()
					run.AddError(fail.url, fail.kind, fail.err)
					mu.Unlock()
					r.metrics.IncPageError(string(run.Channel), string(fail.kind))

					if fail.kind == types.ErrorKindBlocked || fail.kind == types.ErrorKindPool {
						if n := streak.Add(1); n >= int64(r.cfg.MaxConsecutiveFailures) {
							abortCause.CompareAndSwap(nil, fmt.Sprintf("%d consecutive %s failures", n, fail.kind))
							queue.Done()
							cancel()
							return
						}
					}
				} else {
					streak.Store(0)
					mu.Lock()
					records = append(records, recs...)
					mu.Unlock()
					// Children must be queued before this page is
					// marked done or the traversal can drain early.
					queue.Push(next...)
				}
				queue.Done()
			}
		}(i)
	}
	wg.Wait()
	queue.Close()

	run.PagesVisited = queue.Visited()

	if cause, ok := abortCause.Load().(string); ok {
		return records, cause
	}
	return records, ""
}

// pageFailure is one failed page visit, headed for the run's error log.
type pageFailure struct {
	url  string
	kind types.ErrorKind
	err  error
}

// visit fetches, parses, and filters one page. All failures come back
// as a pageFailure; none of them are fatal to the caller.
func (r *Runner) visit(ctx context.Context, strat channel.Strategy, run *types.ChannelRunResult, req channel.PageRequest, log *slog.Logger) ([]*types.ProductRecord, []channel.PageRequest, *pageFailure) {
	page, err := r.fetcher.Fetch(ctx, req.URL, strat.Channel())
	if err != nil {
		return nil, nil, r.fetchFailure(req.URL, err, log)
	}

	res, err := strat.Parse(page, req)
	if err != nil {
		log.Warn("page parse failed", "url", req.URL, "error", err)
		return nil, nil, &pageFailure{url: req.URL, kind: types.ErrorKindParse, err: err}
	}

	kept := res.Records[:0]
	for _, rec := range res.Records {
		ok, reason := strat.Accepts(rec)
		if !ok {
			log.Debug("record filtered", "asin", rec.ASIN, "reason", reason)
			continue
		}
		kept = append(kept, rec)
		r.metrics.IncRecord(string(run.Channel))
	}
	log.Debug("page harvested", "url", req.URL, "records", len(kept), "next", len(res.Next))
	return kept, res.Next, nil
}

func (r *Runner) fetchFailure(url string, err error, log *slog.Logger) *pageFailure {
	kind := types.ErrorKindNetwork
	var fe *types.FetchError
	switch {
	case errors.As(err, &fe):
		kind = fe.ErrorKind()
	case errors.Is(err, types.ErrPoolExhausted):
		kind = types.ErrorKindPool
	case errors.Is(err, context.DeadlineExceeded):
		kind = types.ErrorKindTimeout
	}
	log.Warn("page fetch failed", "url", url, "kind", string(kind), "error", err)
	return &pageFailure{url: url, kind: kind, err: err}
}

// countVerdicts stamps the verdict counters onto the run. The harvested
// total and the three buckets move together, so the partition invariant
// cannot drift.
func countVerdicts(run *types.ChannelRunResult, classified []*types.ClassifiedRecord) {
	for _, cr := range classified {
		run.CountVerdict(cr.Classification.Verdict)
	}
}

// persist writes the raw batch, the per-verdict partitions, and the
// run summary, each behind a short retry loop.
func (r *Runner) persist(ctx context.Context, run *types.ChannelRunResult, classified []*types.ClassifiedRecord, log *slog.Logger) error {
	// Cancelled runs still flush partial results; use a detached
	// context so the writes outlive the crawl's cancellation.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
	}

	byPartition := map[storage.Partition][]*types.ClassifiedRecord{}
	for _, cr := range classified {
		p := storage.PartitionFor(cr.Classification.Verdict)
		byPartition[p] = append(byPartition[p], cr)
	}

	save := func(recs []*types.ClassifiedRecord, p storage.Partition) error {
		if len(recs) == 0 {
			return nil
		}
		return storage.WithRetry(ctx, storageAttempts, storageBackoff, func() error {
			return r.store.SaveRecords(ctx, run, recs, p)
		})
	}

	if err := save(classified, storage.PartitionRaw); err != nil {
		r.metrics.IncStorageFailure(r.store.Name())
		return &types.StorageError{Backend: r.store.Name(), Err: err}
	}
	for _, p := range []storage.Partition{storage.PartitionSafe, storage.PartitionReview, storage.PartitionBanned} {
		if err := save(byPartition[p], p); err != nil {
			r.metrics.IncStorageFailure(r.store.Name())
			return &types.StorageError{Backend: r.store.Name(), Err: err}
		}
	}

	if err := storage.WithRetry(ctx, storageAttempts, storageBackoff, func() error {
		return r.store.SaveRunSummary(ctx, run)
	}); err != nil {
		r.metrics.IncStorageFailure(r.store.Name())
		log.Error("run summary save failed", "error", err)
		return &types.StorageError{Backend: r.store.Name(), Err: err}
	}
	return nil
}
