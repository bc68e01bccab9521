// Package dispatcher forwards a routed request to its chosen engine and
// pumps the (possibly streaming) response back to the caller, hooking
// time-to-first-token and inter-token latency into pkg/stats as bytes
// arrive.
package dispatcher

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sgl-project/router/pkg/discovery"
	"github.com/sgl-project/router/pkg/router"
	"github.com/sgl-project/router/pkg/routererrors"
	"github.com/sgl-project/router/pkg/stats"
)

// hopByHopHeaders are stripped before forwarding, per RFC 7230 §6.1; the
// teacher's proxy loops in cmd/qpext apply the same short list.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// Dispatcher owns a pooled http.Client per upstream engine and performs
// the actual proxy round trip. Enumerating engines (pkg/discovery) and
// pooling clients are kept separate (Open Question resolution, see
// SPEC_FULL.md §12.2): the Dispatcher is the only owner of *http.Client
// instances.
type Dispatcher struct {
	stats   *stats.Collector
	metrics *stats.Metrics // nil disables Prometheus export; Collector is always updated
	logger  *zap.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

// New returns a Dispatcher that records TTFT/ITL/in-flight into
// reqStats.
func New(reqStats *stats.Collector, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{stats: reqStats, logger: logger, clients: make(map[string]*http.Client)}
}

// WithMetrics attaches the router's Prometheus collectors so every
// dispatch is exported on /metrics in addition to being recorded in the
// in-memory Collector the Strategies read from.
func (d *Dispatcher) WithMetrics(m *stats.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

func (d *Dispatcher) clientFor(url string) *http.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[url]; ok {
		return c
	}
	c := &http.Client{Timeout: 0} // streaming: no overall deadline, caller's ctx governs
	d.clients[url] = c
	return c
}

// Dispatch proxies the inbound request to decision.URL and streams the
// upstream response into w, returning once the body is fully copied or
// ctx is cancelled (caller disconnect).
//
// path and body are the original request line and payload; header is
// the inbound header set, copied minus hop-by-hop fields.
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, decision router.Decision, method, path string, header http.Header, body io.Reader) error {
	d.stats.BeginRequest(decision.URL)
	if d.metrics != nil {
		d.metrics.InFlight.WithLabelValues(decision.URL).Inc()
	}
	defer func() {
		d.stats.EndRequest(decision.URL)
		if d.metrics != nil {
			d.metrics.InFlight.WithLabelValues(decision.URL).Dec()
		}
	}()

	req, err := http.NewRequestWithContext(ctx, method, decision.URL+path, body)
	if err != nil {
		d.recordOutcome(decision.URL, "error")
		return routererrors.Wrap(routererrors.KindUpstreamConnectFailed, err, "building upstream request")
	}
	copyForwardHeaders(req.Header, header)

	start := time.Now()
	resp, err := d.clientFor(decision.URL).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil // caller disconnected; nothing left to report
		}
		d.recordOutcome(decision.URL, "error")
		return routererrors.Wrap(routererrors.KindUpstreamConnectFailed, err, "dispatching to "+decision.URL)
	}
	defer func() { _ = resp.Body.Close() }()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	outcome := "success"
	if resp.StatusCode >= 500 {
		outcome = "upstream_error"
		d.logger.Warn("upstream returned server error", zap.String("url", decision.URL), zap.Int("status", resp.StatusCode))
	}
	d.recordOutcome(decision.URL, outcome)

	return d.pump(ctx, decision.URL, w, resp.Body, start)
}

func (d *Dispatcher) recordOutcome(url, outcome string) {
	if d.metrics != nil {
		d.metrics.RoutedTotal.WithLabelValues(url, outcome).Inc()
	}
}

// pump copies resp.Body into w one read at a time, flushing after every
// chunk so streaming (SSE) responses reach the caller incrementally, and
// recording TTFT on the first chunk and ITL on every subsequent one.
// Hand-rolled io.Copy loop rather than httputil.ReverseProxy, matching
// the teacher's explicit byte-pump style in cmd/qpext.
func (d *Dispatcher) pump(ctx context.Context, url string, w http.ResponseWriter, body io.Reader, start time.Time) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	last := start
	first := true

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			now := time.Now()
			if first {
				ttft := now.Sub(start)
				d.stats.RecordTTFT(url, ttft)
				if d.metrics != nil {
					d.metrics.TTFTSeconds.WithLabelValues(url).Observe(ttft.Seconds())
				}
				first = false
			} else {
				itl := now.Sub(last)
				d.stats.RecordITL(url, itl)
				if d.metrics != nil {
					d.metrics.ITLSeconds.WithLabelValues(url).Observe(itl.Seconds())
				}
			}
			last = now

			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return nil // caller disconnected mid-stream
			}
			if flusher != nil {
				flusher.Flush()
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return pkgerrors.Wrap(readErr, "reading upstream response body")
		}
	}
}

func copyForwardHeaders(dst, src http.Header) {
	for k, vs := range src {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vs := range src {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, key) {
			return true
		}
	}
	return false
}

// SleepController issues the sleep and wake_up operator calls against an
// engine and, when the active discovery backend supports it, mirrors the
// state into a "sleeping" label. It makes no is_sleeping call: the
// is_sleeping handler in pkg/httpapi answers from the sleep state held
// in the registry, without contacting the engine.
type SleepController struct {
	client  *http.Client
	labeler discovery.AddSleepLabeler // nil when the active discovery backend doesn't support labeling
	apiKey  string
}

// NewSleepController returns a SleepController. labeler may be nil (the
// static discovery backend has nowhere to persist a label).
func NewSleepController(client *http.Client, labeler discovery.AddSleepLabeler, apiKey string) *SleepController {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SleepController{client: client, labeler: labeler, apiKey: apiKey}
}

// Sleep calls POST {url}/sleep on the engine and, if supported, adds the
// sleep label for engineID.
func (s *SleepController) Sleep(ctx context.Context, engineID, url string) error {
	if err := s.post(ctx, url+"/sleep"); err != nil {
		return err
	}
	if s.labeler != nil {
		return s.labeler.AddSleepLabel(ctx, engineID)
	}
	return nil
}

// Wake calls POST {url}/wake_up and, if supported, removes the sleep
// label for engineID.
func (s *SleepController) Wake(ctx context.Context, engineID, url string) error {
	if err := s.post(ctx, url+"/wake_up"); err != nil {
		return err
	}
	if s.labeler != nil {
		return s.labeler.RemoveSleepLabel(ctx, engineID)
	}
	return nil
}

func (s *SleepController) post(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return routererrors.Wrap(routererrors.KindUpstreamConnectFailed, err, "building sleep-control request")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return routererrors.Wrap(routererrors.KindUpstreamConnectFailed, err, "calling "+url)
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return routererrors.New(routererrors.KindUpstreamError, "sleep-control call to "+url+" failed")
	}
	return nil
}
