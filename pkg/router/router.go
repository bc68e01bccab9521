// Package router implements the pluggable routing strategies: given a
// live engine snapshot, per-engine statistics, and a request's routing
// metadata, choose the backend URL(s) to dispatch to.
package router

import (
	"context"
	"sort"

	"github.com/sgl-project/router/pkg/engine"
	"github.com/sgl-project/router/pkg/routererrors"
	"github.com/sgl-project/router/pkg/stats"
)

// Request carries everything a Strategy needs to make a routing
// decision for one inbound call.
type Request struct {
	Model     string
	SessionID string // from the configured session header, if present
	Prompt    string // raw prompt text, for prefix-aware chunking
	Tokens    []int64
}

// Decision is the result of routing: one URL for every strategy except
// disaggregated prefill/decode, which populates both fields.
type Decision struct {
	URL       string
	DecodeURL string // only set by the disaggregated prefill/decode strategy
	EngineID  string
	DecodeID  string
	IsDisaggd bool
}

// EngineStatsSource exposes the scraped queue-depth/KV-cache view a
// strategy may consult (currently only the KV-aware strategy's fallback
// path and future strategies; kept as an interface so strategies never
// depend on the concrete scraper type).
type EngineStatsSource interface {
	Snapshot(url string) (kvUsage float64, ok bool)
}

// Strategy is the single operation every routing policy implements. It
// must be pure with respect to its inputs; any internal state (e.g. a
// round-robin cursor) is mutated atomically so concurrent calls never
// race.
type Strategy interface {
	Name() string
	Route(ctx context.Context, engines []engine.Engine, reqStats *stats.Collector, req Request) (Decision, error)
}

// FilterByModel returns the subset of engines serving model, sorted by
// URL for deterministic tie-breaking downstream. model has already had
// any alias resolved by the caller.
func FilterByModel(engines []engine.Engine, model string) []engine.Engine {
	out := make([]engine.Engine, 0, len(engines))
	for _, e := range engines {
		if e.ServesModel(model) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// RouteOrFail applies model filtering, then calls strategy.Route,
// translating an empty eligible set into the ModelNotAvailable error the
// HTTP surface expects.
func RouteOrFail(ctx context.Context, strategy Strategy, engines []engine.Engine, reqStats *stats.Collector, req Request) (Decision, error) {
	eligible := FilterByModel(engines, req.Model)
	if len(eligible) == 0 {
		return Decision{}, routererrors.ModelNotAvailable(req.Model)
	}
	return strategy.Route(ctx, eligible, reqStats, req)
}

// lowestInFlight picks the engine with the smallest in-flight count,
// breaking ties by URL. engines must be non-empty.
func lowestInFlight(engines []engine.Engine, reqStats *stats.Collector) engine.Engine {
	best := engines[0]
	bestLoad := reqStats.InFlight(best.URL)

	for _, e := range engines[1:] {
		load := reqStats.InFlight(e.URL)
		if load < bestLoad || (load == bestLoad && e.URL < best.URL) {
			best = e
			bestLoad = load
		}
	}
	return best
}
