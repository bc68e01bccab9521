package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/sgl-project/router/pkg/engine"
	"github.com/sgl-project/router/pkg/registry"
)

// DefaultHealthProbeInterval is the period between static-backend
// liveness probes.
const DefaultHealthProbeInterval = 60 * time.Second

// ModelType classifies which liveness probe body a static backend
// expects.
type ModelType string

const (
	ModelTypeChat       ModelType = "chat"
	ModelTypeCompletion ModelType = "completion"
	ModelTypeRerank     ModelType = "rerank"
	ModelTypeScore      ModelType = "score"
	ModelTypeEmbeddings ModelType = "embeddings"
)

// StaticBackend describes one (url, model) pair from --static-backends /
// --static-models / --static-model-types.
type StaticBackend struct {
	URL        string
	Model      string
	ModelLabel string
	ModelType  ModelType
}

// StaticConfig configures StaticDiscovery.
type StaticConfig struct {
	Backends      []StaticBackend
	Aliases       map[string]string // alias -> real model name
	HealthChecks  bool
	ProbeInterval time.Duration
	APIKey        string
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// StaticDiscovery computes one Engine per configured (url, model) pair
// at construction time and, optionally, periodically re-probes each for
// liveness.
//
// Enumerating engines and preparing pooled HTTP clients are kept
// separate operations (Open Question resolution, see SPEC_FULL.md
// §12.2): StaticDiscovery only ever builds Engine values; the
// Dispatcher owns its own lazily-constructed client pool keyed by URL.
type StaticDiscovery struct {
	cfg    StaticConfig
	client *http.Client

	mu       sync.Mutex
	ids      map[string]string // url+model -> engine id, remembered across probe flaps
	unhealth map[string]bool   // engine id -> currently hidden by probe failure

	stop chan struct{}
	done chan struct{}
}

// NewStaticDiscovery validates cfg and returns a StaticDiscovery ready
// to Run.
func NewStaticDiscovery(cfg StaticConfig) (*StaticDiscovery, error) {
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("static discovery: backend list must be non-empty")
	}
	if cfg.HealthChecks {
		for _, b := range cfg.Backends {
			switch b.ModelType {
			case ModelTypeChat, ModelTypeCompletion, ModelTypeRerank, ModelTypeScore, ModelTypeEmbeddings:
			default:
				return nil, fmt.Errorf("static discovery: model type %q for %s/%s is not one of chat, completion, rerank, score, embeddings", b.ModelType, b.URL, b.Model)
			}
		}
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultHealthProbeInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &StaticDiscovery{
		cfg:      cfg,
		client:   cfg.HTTPClient,
		ids:      make(map[string]string),
		unhealth: make(map[string]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

func (s *StaticDiscovery) engineKey(b StaticBackend) string { return b.URL + "|" + b.Model }

func (s *StaticDiscovery) idFor(b StaticBackend) string {
	key := s.engineKey(b)
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[key]
	if !ok {
		id = engine.NewRandomID()
		s.ids[key] = id
	}
	return id
}

// Run upserts one Engine per configured backend into reg, then — if
// health checks are enabled — runs a ticker-driven probe loop; either
// way it returns when ctx is cancelled or Close is called. Resolved as first-class goroutine with an explicit stop
// signal (Open Question resolution, see SPEC_FULL.md §12.1: an async
// ticker, not a blocking sleep).
func (s *StaticDiscovery) Run(ctx context.Context, reg *registry.Registry) error {
	for _, b := range s.cfg.Backends {
		reg.Upsert(s.buildEngine(b))
	}

	if !s.cfg.HealthChecks {
		select {
		case <-ctx.Done():
		case <-s.stop:
		}
		close(s.done)
		return nil
	}

	defer close(s.done)

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case <-ticker.C:
			s.probeAll(ctx, reg)
		}
	}
}

// Close stops the probe loop, if running, and waits for it to exit.
func (s *StaticDiscovery) Close() error {
	select {
	case <-s.stop:
		// already closed
	default:
		close(s.stop)
	}
	<-s.done
	return nil
}

// ResolveAlias rewrites model through the configured alias table.
func (s *StaticDiscovery) ResolveAlias(model string) string {
	if real, ok := s.cfg.Aliases[model]; ok {
		return real
	}
	return model
}

func (s *StaticDiscovery) buildEngine(b StaticBackend) engine.Engine {
	return engine.Engine{
		ID:         s.idFor(b),
		URL:        b.URL,
		ModelNames: []string{b.Model},
		ModelInfo: map[string]engine.ModelInfo{
			b.Model: {ID: b.Model, Object: "model", OwnedBy: "vllm", IsAdapter: false},
		},
		ModelLabel:     b.ModelLabel,
		AddedTimestamp: time.Now(),
		Sleep:          engine.SleepUnknown,
	}
}

func (s *StaticDiscovery) probeAll(ctx context.Context, reg *registry.Registry) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs error

	for _, b := range s.cfg.Backends {
		wg.Add(1)
		go func(b StaticBackend) {
			defer wg.Done()
			err := s.probeOne(ctx, b)

			id := s.idFor(b)
			mu.Lock()
			defer mu.Unlock()

			wasUnhealthy := s.unhealth[id]
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s (%s): %w", b.URL, b.Model, err))
				s.unhealth[id] = true
				if !wasUnhealthy {
					reg.Remove(id)
				}
				return
			}

			s.unhealth[id] = false
			if wasUnhealthy {
				reg.Upsert(s.buildEngine(b))
			}
		}(b)
	}
	wg.Wait()

	if errs != nil && s.cfg.Logger != nil {
		s.cfg.Logger.Debug("static backend health probe cycle completed with failures", zap.Error(errs))
	}
}

func (s *StaticDiscovery) probeOne(ctx context.Context, b StaticBackend) error {
	path, body := livenessRequest(b)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// livenessRequest builds the protocol-specific decoy request per §4.2:
// a 1-token completion for chat/completion engines, or the matching
// embeddings/rerank/score body otherwise.
func livenessRequest(b StaticBackend) (path string, body []byte) {
	switch b.ModelType {
	case ModelTypeEmbeddings:
		body, _ = json.Marshal(map[string]any{"model": b.Model, "input": "ping"})
		return "/v1/embeddings", body
	case ModelTypeRerank:
		body, _ = json.Marshal(map[string]any{"model": b.Model, "query": "ping", "documents": []string{"ping"}})
		return "/v1/rerank", body
	case ModelTypeScore:
		body, _ = json.Marshal(map[string]any{"model": b.Model, "text_1": "ping", "text_2": "ping"})
		return "/v1/score", body
	default: // chat, completion
		body, _ = json.Marshal(map[string]any{"model": b.Model, "prompt": "ping", "max_tokens": 1})
		return "/v1/completions", body
	}
}
