package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus collectors for the harvester. All methods
// are safe to call on a nil receiver so metrics can stay optional.
type Metrics struct {
	Registry *prometheus.Registry

	FetchesTotal    *prometheus.CounterVec
	FetchDuration   prometheus.Histogram
	SoftBlocksTotal *prometheus.CounterVec
	RetriesTotal    prometheus.Counter
	ProxyState      *prometheus.GaugeVec
	RecordsTotal    *prometheus.CounterVec
	VerdictsTotal   *prometheus.CounterVec
	StorageFailures *prometheus.CounterVec
	PageErrorsTotal *prometheus.CounterVec
}

// NewMetrics constructs and registers all collectors on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	fetches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_fetches_total",
			Help: "Total page fetches by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
	fetchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_fetch_duration_seconds",
			Help:    "Page fetch latency including the pacing delay.",
			Buckets: prometheus.DefBuckets,
		},
	)
	softBlocks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_soft_blocks_total",
			Help: "Soft-block (interstitial/captcha) pages by channel.",
		},
		[]string{"channel"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_fetch_retries_total",
			Help: "Total fetch retry attempts scheduled.",
		},
	)
	proxyState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvester_proxy_endpoints",
			Help: "Proxy endpoints by state (healthy, cooling, banned).",
		},
		[]string{"state"},
	)
	records := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_records_total",
			Help: "Listings harvested (accepted by a channel filter).",
		},
		[]string{"channel"},
	)
	verdicts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_verdicts_total",
			Help: "Classification verdicts by channel and verdict.",
		},
		[]string{"channel", "verdict"},
	)
	storageFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_storage_failures_total",
			Help: "Storage write failures by backend.",
		},
		[]string{"backend"},
	)
	pageErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_page_errors_total",
			Help: "Per-page errors by channel and kind.",
		},
		[]string{"channel", "kind"},
	)

	registry.MustRegister(fetches, fetchDuration, softBlocks, retries,
		proxyState, records, verdicts, storageFailures, pageErrors)

	return &Metrics{
		Registry:        registry,
		FetchesTotal:    fetches,
		FetchDuration:   fetchDuration,
		SoftBlocksTotal: softBlocks,
		RetriesTotal:    retries,
		ProxyState:      proxyState,
		RecordsTotal:    records,
		VerdictsTotal:   verdicts,
		StorageFailures: storageFailures,
		PageErrorsTotal: pageErrors,
	}
}

// ObserveFetch records one fetch outcome and its duration.
func (m *Metrics) ObserveFetch(channel, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(channel, outcome).Inc()
	m.FetchDuration.Observe(d.Seconds())
}

// IncSoftBlock increments the soft-block counter for a channel.
func (m *Metrics) IncSoftBlock(channel string) {
	if m == nil {
		return
	}
	m.SoftBlocksTotal.WithLabelValues(channel).Inc()
}

// IncRetry increments the retry counter.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// SetProxyState sets the endpoint count gauge for one pool state.
func (m *Metrics) SetProxyState(state string, n int) {
	if m == nil {
		return
	}
	m.ProxyState.WithLabelValues(state).Set(float64(n))
}

// IncRecord increments the harvested-record counter.
func (m *Metrics) IncRecord(channel string) {
	if m == nil {
		return
	}
	m.RecordsTotal.WithLabelValues(channel).Inc()
}

// IncVerdict increments the verdict counter.
func (m *Metrics) IncVerdict(channel, verdict string) {
	if m == nil {
		return
	}
	m.VerdictsTotal.WithLabelValues(channel, verdict).Inc()
}

// IncStorageFailure increments the storage failure counter.
func (m *Metrics) IncStorageFailure(backend string) {
	if m == nil {
		return
	}
	m.StorageFailures.WithLabelValues(backend).Inc()
}

// IncPageError increments the per-page error counter.
func (m *Metrics) IncPageError(channel, kind string) {
	if m == nil {
		return
	}
	m.PageErrorsTotal.WithLabelValues(channel, kind).Inc()
}

// Server exposes the registry over HTTP.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds an HTTP server serving the metrics registry at path.
func NewServer(m *Metrics, port int, path string, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With("component", "metrics"),
	}
}

// Start serves in a background goroutine until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics endpoint listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
