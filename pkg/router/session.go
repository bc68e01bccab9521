package router

import (
	"context"

	"github.com/sgl-project/router/pkg/engine"
	"github.com/sgl-project/router/pkg/fingerprint"
	"github.com/sgl-project/router/pkg/stats"
)

// SessionAffinity routes all requests carrying the same session id to
// the same engine, as long as the eligible engine set is unchanged. It
// falls back to round-robin when the session header is absent.
type SessionAffinity struct {
	fallback *RoundRobin
}

// NewSessionAffinity returns a session-affinity strategy with its own
// independent round-robin fallback cursor.
func NewSessionAffinity() *SessionAffinity {
	return &SessionAffinity{fallback: NewRoundRobin()}
}

func (s *SessionAffinity) Name() string { return "session" }

func (s *SessionAffinity) Route(ctx context.Context, engines []engine.Engine, reqStats *stats.Collector, req Request) (Decision, error) {
	if req.SessionID == "" {
		return s.fallback.Route(ctx, engines, reqStats, req)
	}

	idx := fingerprint.HashString(req.SessionID) % uint64(len(engines))
	chosen := engines[idx]
	return Decision{URL: chosen.URL, EngineID: chosen.ID}, nil
}
