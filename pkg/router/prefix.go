package router

import (
	"context"
	"sync"

	"github.com/sgl-project/router/pkg/engine"
	"github.com/sgl-project/router/pkg/fingerprint"
	"github.com/sgl-project/router/pkg/stats"
)

// DefaultPrefixChunkSize is the default span of a prompt used as a
// cache-locality key, per the prefix chunk glossary entry.
const DefaultPrefixChunkSize = 128

type prefixNode struct {
	children map[string]*prefixNode
	engineID string // last engine to extend the trie through this node
}

func newPrefixNode() *prefixNode {
	return &prefixNode{children: make(map[string]*prefixNode)}
}

// PrefixAware routes a request to the engine with the longest matching
// prefix seen before, falling back to the lowest-in-flight engine (ties
// broken by URL) when no prefix match exists. On every routing decision
// it extends the chosen engine's path through the trie with the new
// prefix chunks.
type PrefixAware struct {
	chunkSize int

	mu   sync.Mutex
	root *prefixNode
}

// NewPrefixAware returns a prefix-aware strategy chunking prompts into
// spans of chunkSize runes (DefaultPrefixChunkSize if <= 0).
func NewPrefixAware(chunkSize int) *PrefixAware {
	if chunkSize <= 0 {
		chunkSize = DefaultPrefixChunkSize
	}
	return &PrefixAware{chunkSize: chunkSize, root: newPrefixNode()}
}

func (p *PrefixAware) Name() string { return "prefixaware" }

func (p *PrefixAware) Route(_ context.Context, engines []engine.Engine, reqStats *stats.Collector, req Request) (Decision, error) {
	byID := make(map[string]engine.Engine, len(engines))
	for _, e := range engines {
		byID[e.ID] = e
	}

	chunks := fingerprint.PrefixChunks(req.Prompt, p.chunkSize)

	p.mu.Lock()
	defer p.mu.Unlock()

	node := p.root
	var matchedEngineID string
	for _, chunk := range chunks {
		child, ok := node.children[chunk]
		if !ok {
			break
		}
		node = child
		if _, stillEligible := byID[node.engineID]; stillEligible {
			matchedEngineID = node.engineID
		} else {
			// the engine that previously owned this prefix is no longer
			// eligible (removed, or doesn't serve this model); stop
			// trusting the match past this point.
			matchedEngineID = ""
		}
	}

	var chosen engine.Engine
	if matchedEngineID != "" {
		chosen = byID[matchedEngineID]
	} else {
		chosen = lowestInFlight(engines, reqStats)
	}

	p.extend(chunks, chosen.ID)
	return Decision{URL: chosen.URL, EngineID: chosen.ID}, nil
}

// extend walks (creating as needed) the trie path for chunks, stamping
// every node along the way with engineID as the most recent owner.
func (p *PrefixAware) extend(chunks []string, engineID string) {
	node := p.root
	for _, chunk := range chunks {
		child, ok := node.children[chunk]
		if !ok {
			child = newPrefixNode()
			node.children[chunk] = child
		}
		child.engineID = engineID
		node = child
	}
}
