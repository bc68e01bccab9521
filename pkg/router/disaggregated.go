package router

import (
	"context"

	"github.com/sgl-project/router/pkg/engine"
	"github.com/sgl-project/router/pkg/routererrors"
	"github.com/sgl-project/router/pkg/stats"
)

// Disaggregated partitions the eligible fleet by ModelLabel into a
// prefill pool and a decode pool (each driven by its own internal
// round-robin cursor) and returns one engine from each.
type Disaggregated struct {
	prefillLabels map[string]struct{}
	decodeLabels  map[string]struct{}

	prefillRR *RoundRobin
	decodeRR  *RoundRobin
}

// NewDisaggregated returns a disaggregated prefill/decode strategy
// classifying engines by the given label sets.
func NewDisaggregated(prefillLabels, decodeLabels []string) *Disaggregated {
	return &Disaggregated{
		prefillLabels: toSet(prefillLabels),
		decodeLabels:  toSet(decodeLabels),
		prefillRR:     NewRoundRobin(),
		decodeRR:      NewRoundRobin(),
	}
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func (d *Disaggregated) Name() string { return "disaggregated_prefill" }

func (d *Disaggregated) Route(ctx context.Context, engines []engine.Engine, reqStats *stats.Collector, req Request) (Decision, error) {
	var prefillPool, decodePool []engine.Engine
	for _, e := range engines {
		if _, ok := d.prefillLabels[e.ModelLabel]; ok {
			prefillPool = append(prefillPool, e)
		}
		if _, ok := d.decodeLabels[e.ModelLabel]; ok {
			decodePool = append(decodePool, e)
		}
	}

	if len(prefillPool) == 0 {
		return Decision{}, routererrors.NoEnginesAvailable("no prefill-labeled engine serves model " + req.Model)
	}
	if len(decodePool) == 0 {
		return Decision{}, routererrors.NoEnginesAvailable("no decode-labeled engine serves model " + req.Model)
	}

	prefill, err := d.prefillRR.Route(ctx, prefillPool, reqStats, req)
	if err != nil {
		return Decision{}, err
	}
	decode, err := d.decodeRR.Route(ctx, decodePool, reqStats, req)
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		URL:       prefill.URL,
		EngineID:  prefill.EngineID,
		DecodeURL: decode.URL,
		DecodeID:  decode.EngineID,
		IsDisaggd: true,
	}, nil
}
