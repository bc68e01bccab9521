package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of Prometheus collectors exported by the router
// itself, distinct from the per-engine scrape in EngineStatsScraper.
// Grounded on the teacher's one-GaugeVec/CounterVec-per-dimension style
// rather than a single struct-locked counter block.
type Metrics struct {
	InFlight     *prometheus.GaugeVec
	RequestsQPS  *prometheus.GaugeVec
	TTFTSeconds  *prometheus.HistogramVec
	ITLSeconds   *prometheus.HistogramVec
	RoutedTotal  *prometheus.CounterVec
	ScrapeErrors prometheus.Counter
}

// NewMetrics constructs and registers the router's Prometheus
// collectors on reg. Pass prometheus.NewRegistry() in tests to avoid
// polluting the default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "router_engine_in_flight_requests",
			Help: "Number of in-flight requests per backend engine.",
		}, []string{"engine_url"}),
		RequestsQPS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "router_engine_qps",
			Help: "Requests per second over the trailing window per backend engine.",
		}, []string{"engine_url"}),
		TTFTSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_engine_ttft_seconds",
			Help:    "Time to first streamed token byte per backend engine.",
			Buckets: prometheus.DefBuckets,
		}, []string{"engine_url"}),
		ITLSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_engine_itl_seconds",
			Help:    "Inter-token latency per backend engine.",
			Buckets: prometheus.DefBuckets,
		}, []string{"engine_url"}),
		RoutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_requests_routed_total",
			Help: "Total requests routed, labeled by engine and outcome.",
		}, []string{"engine_url", "outcome"}),
		ScrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_engine_scrape_errors_total",
			Help: "Total failed /metrics scrapes against backend engines.",
		}),
	}

	reg.MustRegister(m.InFlight, m.RequestsQPS, m.TTFTSeconds, m.ITLSeconds, m.RoutedTotal, m.ScrapeErrors)
	return m
}
