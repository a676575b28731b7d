package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asinwatch/harvester/internal/channel"
	"github.com/asinwatch/harvester/internal/config"
	"github.com/asinwatch/harvester/internal/fetcher"
	"github.com/asinwatch/harvester/internal/rules"
	"github.com/asinwatch/harvester/internal/storage"
	"github.com/asinwatch/harvester/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// stubFetcher answers fetches from a programmable function.
type stubFetcher struct {
	mu      sync.Mutex
	calls   int
	fetchFn func(url string) (*fetcher.RawPage, error)
}

func (s *stubFetcher) Fetch(_ context.Context, url string, _ types.Channel) (*fetcher.RawPage, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.fetchFn(url)
}

func (s *stubFetcher) Close() error { return nil }

func (s *stubFetcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func page(url string) *fetcher.RawPage {
	return &fetcher.RawPage{URL: url, StatusCode: 200, Body: []byte("<html></html>"), FetchedAt: time.Now()}
}

// fakeStrategy is a scriptable channel strategy.
type fakeStrategy struct {
	ch      types.Channel
	seeds   []channel.PageRequest
	planErr error
	parseFn func(req channel.PageRequest) *channel.ParseResult
}

func (f *fakeStrategy) Channel() types.Channel { return f.ch }
func (f *fakeStrategy) Cadence() time.Duration { return time.Hour }
func (f *fakeStrategy) Plan(string, []string) ([]channel.PageRequest, error) {
	return f.seeds, f.planErr
}

func (f *fakeStrategy) Parse(_ *fetcher.RawPage, req channel.PageRequest) (*channel.ParseResult, error) {
	if f.parseFn == nil {
		return &channel.ParseResult{}, nil
	}
	return f.parseFn(req), nil
}

func (f *fakeStrategy) Accepts(rec *types.ProductRecord) (bool, string) {
	if rec.Rating > 0 && rec.Rating < 4.3 {
		return false, "rating below bar"
	}
	return true, ""
}

// memBackend records every save for assertions.
type memBackend struct {
	mu        sync.Mutex
	batches   map[storage.Partition][]*types.ClassifiedRecord
	summaries []types.ChannelRunResult
}

func newMemBackend() *memBackend {
	return &memBackend{batches: make(map[storage.Partition][]*types.ClassifiedRecord)}
}

func (m *memBackend) SaveRecords(_ context.Context, _ *types.ChannelRunResult, recs []*types.ClassifiedRecord, p storage.Partition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[p] = append([]*types.ClassifiedRecord{}, recs...)
	return nil
}

func (m *memBackend) SaveRunSummary(_ context.Context, run *types.ChannelRunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, *run)
	return nil
}

func (m *memBackend) Close() error { return nil }
func (m *memBackend) Name() string { return "mem" }

func record(asin, title string) *types.ProductRecord {
	return &types.ProductRecord{
		ASIN:       asin,
		Title:      title,
		Channel:    types.ChannelBestSellers,
		Region:     "us",
		Rating:     4.8,
		CapturedAt: time.Now(),
	}
}

func newTestRunner(f fetcher.Fetcher, store storage.Backend, maxFailures int) *Runner {
	cls := rules.NewClassifier(rules.Default(), testLogger)
	cfg := config.RunConfig{Region: "us", Workers: 2, MaxConsecutiveFailures: maxFailures}
	return NewRunner(f, cls, store, cfg, nil, testLogger)
}

func TestRunHappyPath(t *testing.T) {
	seedURL := "https://www.amazon.com/zgbs/electronics"
	childURL := seedURL + "?pg=2"

	strat := &fakeStrategy{
		ch:    types.ChannelBestSellers,
		seeds: []channel.PageRequest{{URL: seedURL, Category: "electronics", Page: 1}},
		parseFn: func(req channel.PageRequest) *channel.ParseResult {
			if req.Page == 1 {
				return &channel.ParseResult{
					Records: []*types.ProductRecord{
						record("B000000001", "USB-C charging cable"),
						record("B000000002", "Vitamin D3 supplement"),
						record("B000000003", "Lithium battery pack"),
					},
					Next: []channel.PageRequest{{URL: childURL, Category: "electronics", Page: 2}},
				}
			}
			return &channel.ParseResult{
				Records: []*types.ProductRecord{record("B000000004", "Stainless steel whisk")},
			}
		},
	}
	fet := &stubFetcher{fetchFn: func(url string) (*fetcher.RawPage, error) { return page(url), nil }}
	store := newMemBackend()

	run, err := newTestRunner(fet, store, 5).Run(context.Background(), strat, nil)
	require.NoError(t, err)

	assert.Equal(t, types.RunStateDone, run.State)
	assert.Equal(t, 2, run.PagesVisited)
	assert.Equal(t, 4, run.RecordsHarvested)
	assert.Equal(t, run.RecordsHarvested, run.SafeCount+run.ReviewCount+run.BannedCount,
		"every harvested record lands in exactly one verdict bucket")
	assert.Equal(t, 2, run.SafeCount)
	assert.Equal(t, 1, run.ReviewCount)
	assert.Equal(t, 1, run.BannedCount)
	assert.False(t, run.FinishedAt.IsZero())
	assert.Empty(t, run.Errors)

	assert.Len(t, store.batches[storage.PartitionRaw], 4)
	assert.Len(t, store.batches[storage.PartitionSafe], 2)
	assert.Len(t, store.batches[storage.PartitionReview], 1)
	assert.Len(t, store.batches[storage.PartitionBanned], 1)
	require.NotEmpty(t, store.summaries)
	assert.Equal(t, types.RunStateDone, store.summaries[len(store.summaries)-1].State)
}

func TestRunFilteredRecordsAreNotHarvested(t *testing.T) {
	strat := &fakeStrategy{
		ch:    types.ChannelBestSellers,
		seeds: []channel.PageRequest{{URL: "https://www.amazon.com/zgbs/electronics", Page: 1}},
		parseFn: func(channel.PageRequest) *channel.ParseResult {
			low := record("B000000009", "Budget phone mount")
			low.Rating = 3.1
			return &channel.ParseResult{Records: []*types.ProductRecord{
				record("B000000001", "USB-C charging cable"),
				low,
			}}
		},
	}
	fet := &stubFetcher{fetchFn: func(url string) (*fetcher.RawPage, error) { return page(url), nil }}
	store := newMemBackend()

	run, err := newTestRunner(fet, store, 5).Run(context.Background(), strat, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, run.RecordsHarvested)
	assert.Len(t, store.batches[storage.PartitionRaw], 1)
}

func TestRunPageErrorDoesNotAbort(t *testing.T) {
	good := "https://www.amazon.com/zgbs/electronics"
	bad := "https://www.amazon.com/zgbs/kitchen"

	strat := &fakeStrategy{
		ch: types.ChannelBestSellers,
		seeds: []channel.PageRequest{
			{URL: good, Category: "electronics", Page: 1},
			{URL: bad, Category: "kitchen", Page: 1},
		},
		parseFn: func(channel.PageRequest) *channel.ParseResult {
			return &channel.ParseResult{Records: []*types.ProductRecord{record("B000000001", "USB-C charging cable")}}
		},
	}
	fet := &stubFetcher{fetchFn: func(url string) (*fetcher.RawPage, error) {
		if url == bad {
			return nil, &types.FetchError{URL: url, Kind: types.FetchKindHTTP, StatusCode: 404, Err: assert.AnError}
		}
		return page(url), nil
	}}
	store := newMemBackend()

	run, err := newTestRunner(fet, store, 5).Run(context.Background(), strat, nil)
	require.NoError(t, err)

	assert.Equal(t, types.RunStateDone, run.State)
	assert.Equal(t, 1, run.RecordsHarvested)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, types.ErrorKindHTTP, run.Errors[0].Kind)
	assert.Equal(t, bad, run.Errors[0].URL)
}

func TestRunAbortsOnConsecutiveBlocks(t *testing.T) {
	var seeds []channel.PageRequest
	for _, c := range []string{"a", "b", "c", "d", "e"} {
		seeds = append(seeds, channel.PageRequest{URL: "https://www.amazon.com/zgbs/" + c, Category: c, Page: 1})
	}
	strat := &fakeStrategy{ch: types.ChannelBestSellers, seeds: seeds}
	fet := &stubFetcher{fetchFn: func(url string) (*fetcher.RawPage, error) {
		return nil, &types.FetchError{URL: url, Kind: types.FetchKindBlocked, StatusCode: 200, Err: assert.AnError}
	}}
	store := newMemBackend()

	run, err := newTestRunner(fet, store, 3).Run(context.Background(), strat, nil)
	require.Error(t, err)

	assert.Equal(t, types.RunStateFailed, run.State)
	assert.Contains(t, run.FailureCause, "blocked")
	assert.Equal(t, 0, run.RecordsHarvested)
	require.NotEmpty(t, store.summaries, "failed runs still persist their summary")
	assert.Equal(t, types.RunStateFailed, store.summaries[len(store.summaries)-1].State)
}

func TestRunAbortedRunCountsOnlyFetchedPages(t *testing.T) {
	var seeds []channel.PageRequest
	for _, c := range []string{"a", "b", "c", "d", "e"} {
		seeds = append(seeds, channel.PageRequest{URL: "https://www.amazon.com/zgbs/" + c, Category: c, Page: 1})
	}
	strat := &fakeStrategy{ch: types.ChannelBestSellers, seeds: seeds}
	fet := &stubFetcher{fetchFn: func(url string) (*fetcher.RawPage, error) {
		return nil, &types.FetchError{URL: url, Kind: types.FetchKindBlocked, StatusCode: 200, Err: assert.AnError}
	}}

	run, err := newTestRunner(fet, newMemBackend(), 1).Run(context.Background(), strat, nil)
	require.Error(t, err)
	assert.Equal(t, types.RunStateFailed, run.State)

	// Seeds that were never fetched must not be reported as visited.
	assert.Equal(t, fet.callCount(), run.PagesVisited)
	assert.Less(t, run.PagesVisited, len(seeds))
}

func TestRunAbortsOnPoolExhaustion(t *testing.T) {
	var seeds []channel.PageRequest
	for _, c := range []string{"a", "b", "c", "d"} {
		seeds = append(seeds, channel.PageRequest{URL: "https://www.amazon.com/zgbs/" + c, Category: c, Page: 1})
	}
	strat := &fakeStrategy{ch: types.ChannelBestSellers, seeds: seeds}
	fet := &stubFetcher{fetchFn: func(url string) (*fetcher.RawPage, error) {
		return nil, types.ErrPoolExhausted
	}}

	run, err := newTestRunner(fet, newMemBackend(), 2).Run(context.Background(), strat, nil)
	require.Error(t, err)
	assert.Equal(t, types.RunStateFailed, run.State)
	assert.Contains(t, run.FailureCause, "proxy_pool")
}

func TestRunBlockStreakResetsOnSuccess(t *testing.T) {
	// Two blocked pages out of four. Even if worker interleaving puts
	// both blocks back to back, the streak tops out at two and a
	// threshold of three must not trip.
	urls := map[string]bool{
		"https://www.amazon.com/zgbs/a": true,
		"https://www.amazon.com/zgbs/c": true,
	}
	var seeds []channel.PageRequest
	for _, c := range []string{"a", "b", "c", "d"} {
		seeds = append(seeds, channel.PageRequest{URL: "https://www.amazon.com/zgbs/" + c, Category: c, Page: 1})
	}
	strat := &fakeStrategy{ch: types.ChannelBestSellers, seeds: seeds}
	fet := &stubFetcher{fetchFn: func(url string) (*fetcher.RawPage, error) {
		if urls[url] {
			return nil, &types.FetchError{URL: url, Kind: types.FetchKindBlocked, StatusCode: 200, Err: assert.AnError}
		}
		return page(url), nil
	}}

	runner := newTestRunner(fet, newMemBackend(), 3)
	run, err := runner.Run(context.Background(), strat, nil)
	require.NoError(t, err)
	assert.Equal(t, types.RunStateDone, run.State)
	assert.Len(t, run.Errors, 2)
}

func TestRunCancellationPersistsPartialResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	strat := &fakeStrategy{
		ch: types.ChannelBestSellers,
		seeds: []channel.PageRequest{
			{URL: "https://www.amazon.com/zgbs/a", Category: "a", Page: 1},
			{URL: "https://www.amazon.com/zgbs/b", Category: "b", Page: 1},
		},
		parseFn: func(channel.PageRequest) *channel.ParseResult {
			return &channel.ParseResult{Records: []*types.ProductRecord{record("B000000001", "USB-C charging cable")}}
		},
	}
	var once sync.Once
	fet := &stubFetcher{fetchFn: func(url string) (*fetcher.RawPage, error) {
		defer once.Do(cancel)
		return page(url), nil
	}}
	store := newMemBackend()

	run, err := newTestRunner(fet, store, 5).Run(ctx, strat, nil)
	require.ErrorIs(t, err, types.ErrRunCancelled)

	assert.Equal(t, types.RunStateCancelled, run.State)
	assert.False(t, run.FinishedAt.IsZero())
	require.NotEmpty(t, store.summaries)
	assert.Equal(t, types.RunStateCancelled, store.summaries[len(store.summaries)-1].State)
	// Whatever was harvested before the cancel is on disk.
	assert.Equal(t, run.RecordsHarvested, len(store.batches[storage.PartitionRaw]))
}

func TestRunPlanFailure(t *testing.T) {
	strat := &fakeStrategy{ch: types.ChannelBestSellers, planErr: assert.AnError}
	run, err := newTestRunner(&stubFetcher{}, newMemBackend(), 5).Run(context.Background(), strat, nil)
	require.Error(t, err)
	assert.Equal(t, types.RunStateFailed, run.State)
	assert.Contains(t, run.FailureCause, "planning")
}

// End-to-end pass with the real best-sellers strategy: HTML in, verdict
// partitions out.
func TestRunBestSellersEndToEnd(t *testing.T) {
	item := func(asin, title, rating string) string {
		return `<div class="zg-item" data-asin="` + asin + `">
			<a href="/dp/` + asin + `"><span class="p13n-sc-truncated">` + title + `</span></a>
			<span class="p13n-sc-price">$19.99</span>
			<span class="a-icon-alt">` + rating + ` out of 5 stars</span>
		</div>`
	}
	body := `<html><body>
		<div id="wayfinding-breadcrumbs_feature_div"><a href="/zgbs/electronics/541966">Electronics</a></div>` +
		item("B000000001", "USB-C Hub", "4.7") +
		item("B000000002", "HDMI Cable", "4.5") +
		item("B000000003", "Vitamin D3 Supplement", "4.8") +
		item("B000000004", "Lithium Battery Pack", "4.6") +
		item("B000000005", "Phone Mount", "3.9") +
		item("B000000006", "Desk Lamp", "4.4") +
		item("B000000007", "Laser Pointer Toy", "4.9") +
		item("B000000008", "Ceramic Mug", "4.3") +
		item("B000000009", "Webcam Cover", "4.2") +
		item("B000000010", "Cable Ties", "4.5") +
		`</body></html>`

	strat := channel.NewBestSellers([]string{"electronics"})
	fet := &stubFetcher{fetchFn: func(url string) (*fetcher.RawPage, error) {
		p := page(url)
		p.Body = []byte(body)
		return p, nil
	}}
	store := newMemBackend()

	run, err := newTestRunner(fet, store, 5).Run(context.Background(), strat, nil)
	require.NoError(t, err)

	// 10 parsed, 2 below the 4.3 rating bar (3.9 and 4.2).
	assert.Equal(t, types.RunStateDone, run.State)
	assert.Equal(t, 8, run.RecordsHarvested)
	assert.Equal(t, run.RecordsHarvested, run.SafeCount+run.ReviewCount+run.BannedCount)
	// "supplement" and "laser pointer" are banned keywords; "lithium"
	// and "battery" are watch keywords.
	assert.Equal(t, 2, run.BannedCount)
	assert.Equal(t, 1, run.ReviewCount)
	assert.Equal(t, 5, run.SafeCount)
	assert.Len(t, store.batches[storage.PartitionBanned], 2)
}

func TestRunStampsRuleSetVersion(t *testing.T) {
	strat := &fakeStrategy{
		ch:    types.ChannelBestSellers,
		seeds: []channel.PageRequest{{URL: "https://www.amazon.com/zgbs/a", Page: 1}},
	}
	fet := &stubFetcher{fetchFn: func(url string) (*fetcher.RawPage, error) { return page(url), nil }}

	run, err := newTestRunner(fet, newMemBackend(), 5).Run(context.Background(), strat, nil)
	require.NoError(t, err)
	assert.Equal(t, rules.Default().Version, run.RuleSetVersion)
}
