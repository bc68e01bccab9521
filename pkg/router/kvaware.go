package router

import (
	"context"

	"github.com/sgl-project/router/pkg/engine"
	"github.com/sgl-project/router/pkg/stats"
)

// KVIndexer estimates, for each candidate engine, how many leading
// tokens of the prompt are already resident in that engine's KV cache.
// The core ships no real indexer (spec Open Question: its interface
// contract is unspecified upstream); callers supply one out-of-band.
//
// Chosen synchronous to match every other Strategy operation.
type KVIndexer interface {
	Estimate(ctx context.Context, tokens []int64, engineURLs []string) (hitLen map[string]int, err error)
}

// NullKVIndexer always reports a zero-length match for every engine, so
// every candidate ties and ordinary in-flight/URL tie-breaking decides.
// Used when no real indexer is configured.
type NullKVIndexer struct{}

func (NullKVIndexer) Estimate(_ context.Context, _ []int64, engineURLs []string) (map[string]int, error) {
	out := make(map[string]int, len(engineURLs))
	for _, u := range engineURLs {
		out[u] = 0
	}
	return out, nil
}

// StaticKVIndexer returns a fixed, pre-seeded hit-length map; intended
// for tests.
type StaticKVIndexer struct {
	HitLen map[string]int
}

func (s StaticKVIndexer) Estimate(_ context.Context, _ []int64, engineURLs []string) (map[string]int, error) {
	out := make(map[string]int, len(engineURLs))
	for _, u := range engineURLs {
		out[u] = s.HitLen[u]
	}
	return out, nil
}

// KVAware delegates prefix estimation to a KVIndexer and routes to the
// engine with the longest estimated cache hit, breaking ties by
// in-flight count then URL.
type KVAware struct {
	indexer     KVIndexer
	statsSource EngineStatsSource // nil: indexer failure falls back to in-flight only
}

// NewKVAware returns a KV-cache-aware strategy backed by indexer. Pass
// NullKVIndexer{} when no real indexer is wired. statsSource, if
// non-nil, is consulted when the indexer errors, preferring the engine
// with the lowest scraped KV-cache usage over bare in-flight count.
func NewKVAware(indexer KVIndexer, statsSource EngineStatsSource) *KVAware {
	if indexer == nil {
		indexer = NullKVIndexer{}
	}
	return &KVAware{indexer: indexer, statsSource: statsSource}
}

func (k *KVAware) Name() string { return "kvaware" }

func (k *KVAware) Route(ctx context.Context, engines []engine.Engine, reqStats *stats.Collector, req Request) (Decision, error) {
	urls := make([]string, len(engines))
	for i, e := range engines {
		urls[i] = e.URL
	}

	hitLen, err := k.indexer.Estimate(ctx, req.Tokens, urls)
	if err != nil {
		chosen := k.loadFallback(engines, reqStats)
		return Decision{URL: chosen.URL, EngineID: chosen.ID}, nil
	}

	best := engines[0]
	bestHit := hitLen[best.URL]
	bestLoad := reqStats.InFlight(best.URL)

	for _, e := range engines[1:] {
		hit := hitLen[e.URL]
		load := reqStats.InFlight(e.URL)

		switch {
		case hit > bestHit:
			best, bestHit, bestLoad = e, hit, load
		case hit == bestHit && (load < bestLoad || (load == bestLoad && e.URL < best.URL)):
			best, bestHit, bestLoad = e, hit, load
		}
	}

	return Decision{URL: best.URL, EngineID: best.ID}, nil
}

// loadFallback picks an engine when the indexer can't estimate cache
// hits: lowest scraped KV-cache usage when statsSource is wired (an
// engine with no scrape yet loses ties to one that does), otherwise
// lowest in-flight count.
func (k *KVAware) loadFallback(engines []engine.Engine, reqStats *stats.Collector) engine.Engine {
	if k.statsSource == nil {
		return lowestInFlight(engines, reqStats)
	}

	best := engines[0]
	bestUsage, bestOK := k.statsSource.Snapshot(best.URL)

	for _, e := range engines[1:] {
		usage, ok := k.statsSource.Snapshot(e.URL)
		switch {
		case ok && !bestOK:
			best, bestUsage, bestOK = e, usage, ok
		case ok && bestOK && usage < bestUsage:
			best, bestUsage, bestOK = e, usage, ok
		case ok && bestOK && usage == bestUsage && e.URL < best.URL:
			best, bestUsage, bestOK = e, usage, ok
		}
	}
	return best
}
