package stats

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	ioprometheusclient "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
)

// DefaultScrapeInterval is the default period between engine metrics
// scrapes.
const DefaultScrapeInterval = 30 * time.Second

// EngineSnapshot is the parsed subset of an engine's /metrics response
// the router cares about for load-aware routing.
type EngineSnapshot struct {
	RunningRequests int
	WaitingRequests int
	KVCacheUsage    float64 // 0.0-1.0
}

// EngineLister supplies the set of engine URLs to scrape; normally backed
// by registry.Registry.List.
type EngineLister interface {
	List() []string
}

// EngineStatsScraper periodically polls each known engine's /metrics
// endpoint and parses the running/waiting queue depth and KV-cache
// utilization out of the Prometheus text exposition format, using the
// same expfmt-based parsing the teacher's metrics aggregator uses.
type EngineStatsScraper struct {
	lister   EngineLister
	client   *http.Client
	interval time.Duration
	logger   *zap.Logger

	runningMetric string
	waitingMetric string
	kvCacheMetric string

	metrics *Metrics // nil disables Prometheus export

	mu        sync.RWMutex
	snapshots map[string]EngineSnapshot
	healthy   bool

	stop chan struct{}
	done chan struct{}
}

// NewEngineStatsScraper constructs a scraper. It reads vLLM's exported
// gauge names; the names are set here and cannot be configured, so
// engines exposing differently named gauges are not read.
func NewEngineStatsScraper(lister EngineLister, client *http.Client, logger *zap.Logger) *EngineStatsScraper {
	if client == nil {
		client = http.DefaultClient
	}
	return &EngineStatsScraper{
		lister:        lister,
		client:        client,
		interval:      DefaultScrapeInterval,
		logger:        logger,
		runningMetric: "vllm:num_requests_running",
		waitingMetric: "vllm:num_requests_waiting",
		kvCacheMetric: "vllm:gpu_cache_usage_perc",
		snapshots:     make(map[string]EngineSnapshot),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// WithInterval overrides the default scrape interval.
func (s *EngineStatsScraper) WithInterval(d time.Duration) *EngineStatsScraper {
	s.interval = d
	return s
}

// WithMetrics attaches the router's Prometheus collectors so failed
// scrapes are exported on /metrics in addition to being logged.
func (s *EngineStatsScraper) WithMetrics(m *Metrics) *EngineStatsScraper {
	s.metrics = m
	return s
}

// Snapshot returns the last scraped values for url.
func (s *EngineStatsScraper) Snapshot(url string) (EngineSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[url]
	return snap, ok
}

// Healthy reports whether the last scrape cycle touched every known
// engine without total failure.
func (s *EngineStatsScraper) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// Run scrapes on a ticker until ctx is cancelled.
func (s *EngineStatsScraper) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (s *EngineStatsScraper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *EngineStatsScraper) tick(ctx context.Context) {
	urls := s.lister.List()
	if len(urls) == 0 {
		s.mu.Lock()
		s.healthy = true
		s.mu.Unlock()
		return
	}

	var errs error
	results := make(map[string]EngineSnapshot, len(urls))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			snap, err := s.scrapeOne(ctx, url)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, err)
				if s.metrics != nil {
					s.metrics.ScrapeErrors.Inc()
				}
				if s.logger != nil {
					s.logger.Warn("engine metrics scrape failed", zap.String("url", url), zap.Error(err))
				}
				return
			}
			results[url] = snap
		}(url)
	}
	wg.Wait()

	s.mu.Lock()
	for url, snap := range results {
		s.snapshots[url] = snap
	}
	// healthy iff at least one engine was successfully touched, or there
	// were no engines to begin with.
	s.healthy = len(results) > 0 || len(urls) == 0
	s.mu.Unlock()

	if errs != nil && s.logger != nil {
		s.logger.Debug("engine metrics scrape cycle completed with errors", zap.Error(errs))
	}
}

func (s *EngineStatsScraper) scrapeOne(ctx context.Context, url string) (EngineSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/metrics", nil)
	if err != nil {
		return EngineSnapshot{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return EngineSnapshot{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return EngineSnapshot{}, errStatusCode(resp.StatusCode)
	}

	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return EngineSnapshot{}, err
	}

	var out EngineSnapshot
	if mf, ok := mfs[s.runningMetric]; ok {
		out.RunningRequests = int(gaugeValue(mf))
	}
	if mf, ok := mfs[s.waitingMetric]; ok {
		out.WaitingRequests = int(gaugeValue(mf))
	}
	if mf, ok := mfs[s.kvCacheMetric]; ok {
		out.KVCacheUsage = gaugeValue(mf)
	}
	return out, nil
}

func gaugeValue(mf *ioprometheusclient.MetricFamily) float64 {
	if len(mf.Metric) == 0 {
		return 0
	}
	m := mf.Metric[0]
	switch {
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	default:
		return 0
	}
}

type errStatusCode int

func (e errStatusCode) Error() string {
	return "unexpected status code " + http.StatusText(int(e))
}

// KVUsageView adapts an EngineStatsScraper to router.EngineStatsSource,
// projecting only the KV-cache utilization dimension the KV-aware
// strategy's fallback path consults.
type KVUsageView struct {
	Scraper *EngineStatsScraper
}

// Snapshot implements router.EngineStatsSource.
func (v KVUsageView) Snapshot(url string) (float64, bool) {
	snap, ok := v.Scraper.Snapshot(url)
	if !ok {
		return 0, false
	}
	return snap.KVCacheUsage, true
}
