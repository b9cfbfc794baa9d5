package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Fetch attempt outcomes used as the "outcome" label.
const (
	OutcomeSuccess   = "success"
	OutcomeBlocked   = "blocked"
	OutcomeRetryable = "retryable"
	OutcomeTerminal  = "terminal"
)

// Metrics holds all Prometheus metrics for a crawl run. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	PagesCrawled  prometheus.Counter
	PagesFailed   prometheus.Counter
	FetchAttempts *prometheus.CounterVec
	FetchRetries  prometheus.Counter
	FetchDuration prometheus.Histogram
	FrontierSize  prometheus.Gauge
	CrawlDuration prometheus.Gauge
}

// NewMetrics registers the crawler metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PagesCrawled: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawler_pages_crawled_total",
			Help: "The total number of pages fetched and saved",
		}),
		PagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawler_pages_failed_total",
			Help: "The total number of pages that could not be fetched or saved",
		}),
		FetchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_attempts_total",
			Help: "HTTP fetch attempts by outcome",
		}, []string{"outcome"}), // success, blocked, retryable, terminal
		FetchRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawler_fetch_retries_total",
			Help: "The total number of fetch retries after a retryable failure",
		}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Duration of single HTTP fetch attempts",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		FrontierSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_frontier_size",
			Help: "Current number of URLs waiting in the frontier",
		}),
		CrawlDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_crawl_duration_seconds",
			Help: "Wall-clock duration of the last crawl run",
		}),
	}
}

// Registry exposes the registry the metrics were registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncPagesCrawled() {
	if m == nil {
		return
	}
	m.PagesCrawled.Inc()
}

func (m *Metrics) IncPagesFailed() {
	if m == nil {
		return
	}
	m.PagesFailed.Inc()
}

func (m *Metrics) ObserveFetchAttempt(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchAttempts.WithLabelValues(outcome).Inc()
	m.FetchDuration.Observe(d.Seconds())
}

func (m *Metrics) IncFetchRetries() {
	if m == nil {
		return
	}
	m.FetchRetries.Inc()
}

func (m *Metrics) SetFrontierSize(n int) {
	if m == nil {
		return
	}
	m.FrontierSize.Set(float64(n))
}

func (m *Metrics) SetCrawlDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.CrawlDuration.Set(d.Seconds())
}

// Push sends every metric to a Prometheus Pushgateway under job, grouped by
// run so concurrent runs do not overwrite each other.
func (m *Metrics) Push(ctx context.Context, gatewayURL, job, runID string) error {
	if m == nil {
		return nil
	}
	pusher := push.New(gatewayURL, job).Gatherer(m.registry)
	if runID != "" {
		pusher = pusher.Grouping("run_id", runID)
	}
	return pusher.PushContext(ctx)
}
