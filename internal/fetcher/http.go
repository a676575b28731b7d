package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	xproxy "golang.org/x/net/proxy"

	"github.com/asinwatch/harvester/internal/config"
	"github.com/asinwatch/harvester/internal/observability"
	"github.com/asinwatch/harvester/internal/proxy"
	"github.com/asinwatch/harvester/internal/types"
)

// HTTPFetcher implements Fetcher using net/http with endpoint rotation.
// A separate client (with its own cookie jar) is kept per proxy
// endpoint so sessions don't bleed across exit IPs.
type HTTPFetcher struct {
	cfg     *config.FetcherConfig
	pool    *proxy.Pool
	metrics *observability.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
	rng     *rand.Rand

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewHTTPFetcher creates an HTTP fetcher backed by the given endpoint pool.
func NewHTTPFetcher(cfg *config.FetcherConfig, pool *proxy.Pool, metrics *observability.Metrics, logger *slog.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		cfg:     cfg,
		pool:    pool,
		metrics: metrics,
		logger:  logger.With("component", "http_fetcher"),
		clients: make(map[string]*http.Client),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   sleepCtx,
	}
}

// Fetch retrieves one listing page. Every attempt first waits the
// mandatory jittered delay, then goes out through a freshly acquired
// endpoint. Soft blocks are terminal for the attempt loop: the caller
// decides whether the run should continue.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, ch types.Channel) (*RawPage, error) {
	var lastErr error

	for attempt := 0; attempt <= f.cfg.Retries; attempt++ {
		if attempt > 0 {
			f.metrics.IncRetry()
			backoff := f.cfg.RetryBackoff << (attempt - 1)
			if err := f.sleep(ctx, backoff); err != nil {
				return nil, &types.FetchError{URL: rawURL, Kind: types.FetchKindTimeout, Err: err}
			}
		}
		if err := f.sleep(ctx, f.jitteredDelay()); err != nil {
			return nil, &types.FetchError{URL: rawURL, Kind: types.FetchKindTimeout, Err: err}
		}

		ep, err := f.pool.Acquire()
		if err != nil {
			// An exhausted pool can recover once a cooldown elapses, so
			// it gets the same backoff-and-retry as a failed request.
			// Once attempts run out it surfaces as-is, and the
			// orchestrator counts it against the abort limit.
			if attempt < f.cfg.Retries {
				f.logger.Debug("endpoint pool exhausted, backing off",
					"url", rawURL,
					"attempt", attempt+1,
				)
				lastErr = err
				continue
			}
			return nil, err
		}

		page, fetchErr := f.attempt(ctx, rawURL, ep)
		if fetchErr == nil {
			f.pool.Report(ep, proxy.OutcomeSuccess)
			f.metrics.ObserveFetch(string(ch), "success", page.Duration)
			f.publishPoolGauges()
			return page, nil
		}

		f.pool.Report(ep, poolOutcome(fetchErr))
		f.publishPoolGauges()
		lastErr = fetchErr

		var fe *types.FetchError
		if errors.As(fetchErr, &fe) {
			f.metrics.ObserveFetch(string(ch), string(fe.Kind), 0)
			if fe.Kind == types.FetchKindBlocked {
				f.metrics.IncSoftBlock(string(ch))
				f.logger.Warn("soft block detected", "url", rawURL, "via", ep.Host())
				return nil, fetchErr
			}
			if !fe.Retryable() {
				return nil, fetchErr
			}
		}

		f.logger.Debug("fetch attempt failed",
			"url", rawURL,
			"attempt", attempt+1,
			"via", ep.Host(),
			"error", fetchErr,
		)
	}

	return nil, &types.FetchError{
		URL:  rawURL,
		Kind: types.FetchKindExhausted,
		Err:  fmt.Errorf("%w after %d attempts: %w", types.ErrMaxRetries, f.cfg.Retries+1, lastErr),
	}
}

// attempt performs a single request through the given endpoint.
func (f *HTTPFetcher) attempt(ctx context.Context, rawURL string, ep *proxy.Endpoint) (*RawPage, error) {
	client, err := f.clientFor(ep)
	if err != nil {
		return nil, &types.FetchError{URL: rawURL, Kind: types.FetchKindNetwork, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &types.FetchError{URL: rawURL, Kind: types.FetchKindNetwork, Err: err}
	}

	f.mu.Lock()
	applyHeaders(req, f.rng)
	f.mu.Unlock()

	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)
	if err != nil {
		kind := types.FetchKindNetwork
		if isTimeout(err) {
			kind = types.FetchKindTimeout
		}
		return nil, &types.FetchError{URL: rawURL, Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &types.FetchError{
			URL:        rawURL,
			Kind:       types.FetchKindHTTP,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body)),
		}
	}

	var reader io.Reader = resp.Body
	if f.cfg.MaxBodySize > 0 {
		reader = io.LimitReader(reader, f.cfg.MaxBodySize)
	}
	reader, err = decompressReader(resp, reader)
	if err != nil {
		return nil, &types.FetchError{URL: rawURL, Kind: types.FetchKindNetwork, Err: err}
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &types.FetchError{URL: rawURL, Kind: types.FetchKindNetwork, Err: err}
	}

	if IsSoftBlock(body) {
		return nil, &types.FetchError{
			URL:        rawURL,
			Kind:       types.FetchKindBlocked,
			StatusCode: resp.StatusCode,
			Err:        errors.New("interstitial page served instead of listing content"),
		}
	}

	f.logger.Debug("fetch complete",
		"url", rawURL,
		"status", resp.StatusCode,
		"size", len(body),
		"via", ep.Host(),
		"duration", duration,
	)

	return &RawPage{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Body:       body,
		Via:        ep.Host(),
		FetchedAt:  start,
		Duration:   duration,
	}, nil
}

// Close releases idle connections on every cached client.
func (f *HTTPFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		c.CloseIdleConnections()
	}
	return nil
}

// clientFor returns the cached client for an endpoint, building it on
// first use. A nil endpoint maps to the direct-connection client.
func (f *HTTPFetcher) clientFor(ep *proxy.Endpoint) (*http.Client, error) {
	key := "direct"
	if ep != nil {
		key = ep.URL.String()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c, nil
	}

	transport, err := f.newTransport(ep)
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	c := &http.Client{
		Transport: transport,
		Jar:       jar,
		Timeout:   f.cfg.Timeout,
	}
	f.clients[key] = c
	return c, nil
}

func (f *HTTPFetcher) newTransport(ep *proxy.Endpoint) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        f.cfg.MaxIdleConns,
		MaxIdleConnsPerHost: f.cfg.MaxIdleConns / 2,
		IdleConnTimeout:     f.cfg.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: f.cfg.TLSInsecure,
		},
		DisableCompression: true, // We handle decompression ourselves (including brotli)
	}

	if ep == nil {
		return transport, nil
	}
	switch ep.URL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(ep.URL)
	case "socks5":
		var auth *xproxy.Auth
		if u := ep.URL.User; u != nil {
			pw, _ := u.Password()
			auth = &xproxy.Auth{User: u.Username(), Password: pw}
		}
		socks, err := xproxy.SOCKS5("tcp", ep.URL.Host, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer for %s: %w", ep.Host(), err)
		}
		cd, ok := socks.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", ep.Host())
		}
		transport.DialContext = cd.DialContext
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", ep.URL.Scheme)
	}
	return transport, nil
}

// jitteredDelay returns a delay uniform in [base, base*1.5].
func (f *HTTPFetcher) jitteredDelay() time.Duration {
	base := f.cfg.BaseDelay
	f.mu.Lock()
	defer f.mu.Unlock()
	return base + time.Duration(f.rng.Float64()*float64(base)/2)
}

func (f *HTTPFetcher) publishPoolGauges() {
	if f.metrics == nil {
		return
	}
	h, c, b := f.pool.Counts()
	f.metrics.SetProxyState("healthy", h)
	f.metrics.SetProxyState("cooling", c)
	f.metrics.SetProxyState("banned", b)
}

// poolOutcome maps a fetch failure to the pool's report vocabulary.
func poolOutcome(err error) proxy.Outcome {
	var fe *types.FetchError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case types.FetchKindBlocked:
			return proxy.OutcomeBlocked
		case types.FetchKindTimeout:
			return proxy.OutcomeTimeout
		case types.FetchKindHTTP:
			if fe.StatusCode == http.StatusTooManyRequests || fe.StatusCode == http.StatusForbidden {
				return proxy.OutcomeBlocked
			}
		}
	}
	return proxy.OutcomeError
}

// decompressReader wraps a reader with the appropriate decompressor.
// Handles gzip, deflate, and brotli (br) encodings.
func decompressReader(resp *http.Response, reader io.Reader) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}

// isTimeout checks whether a transport error was a timeout rather than
// a refusal or reset.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
