package router

import (
	"context"

	"go.uber.org/atomic"

	"github.com/sgl-project/router/pkg/engine"
	"github.com/sgl-project/router/pkg/routererrors"
	"github.com/sgl-project/router/pkg/stats"
)

// RoundRobin holds a monotonically increasing cursor shared across
// concurrent selections. Route indexes engines in the order given and
// does not sort them; the choice is deterministic for a stable set
// because callers going through RouteOrFail pass a list that
// FilterByModel has sorted by URL.
type RoundRobin struct {
	cursor atomic.Uint64
}

// NewRoundRobin returns a fresh round-robin strategy with a zeroed
// cursor.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (r *RoundRobin) Name() string { return "roundrobin" }

func (r *RoundRobin) Route(_ context.Context, engines []engine.Engine, _ *stats.Collector, _ Request) (Decision, error) {
	if len(engines) == 0 {
		return Decision{}, routererrors.NoEnginesAvailable("round robin: empty candidate set")
	}

	idx := r.cursor.Inc() - 1
	chosen := engines[idx%uint64(len(engines))]
	return Decision{URL: chosen.URL, EngineID: chosen.ID}, nil
}
