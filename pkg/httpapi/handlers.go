package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/sgl-project/router/pkg/engine"
	"github.com/sgl-project/router/pkg/router"
	"github.com/sgl-project/router/pkg/routererrors"
	"github.com/sgl-project/router/pkg/version"
)

// proxyBody is the subset of every body-passing request the router reads
// before forwarding the request unchanged.
type proxyBody struct {
	Model string `json:"model"`
}

func (s *Server) handleProxy(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "reading request body: "+err.Error())
		return
	}

	var parsed proxyBody
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Model == "" {
		writeError(c, http.StatusBadRequest, "invalid_request", "request body must be JSON with a non-empty \"model\" field")
		return
	}

	model := parsed.Model
	if s.AliasResolver != nil {
		model = s.AliasResolver.ResolveAlias(model)
	}

	strat := s.activeStrategy()
	if strat == nil {
		writeError(c, http.StatusServiceUnavailable, "no_engines_available", "router is not ready")
		return
	}

	engines := s.Registry.List()
	req := router.Request{
		Model:     model,
		SessionID: c.GetHeader(s.SessionHeader),
		Prompt:    extractPrompt(raw),
	}

	decision, err := router.RouteOrFail(c.Request.Context(), strat, engines, s.ReqStats, req)
	if err != nil {
		writeRouterError(c, err)
		return
	}

	if decision.IsDisaggd {
		err = s.Dispatcher.Dispatch(c.Request.Context(), c.Writer, router.Decision{URL: decision.DecodeURL, EngineID: decision.DecodeID}, c.Request.Method, c.Request.URL.Path, c.Request.Header, bytes.NewReader(raw))
	} else {
		err = s.Dispatcher.Dispatch(c.Request.Context(), c.Writer, decision, c.Request.Method, c.Request.URL.Path, c.Request.Header, bytes.NewReader(raw))
	}
	if err != nil {
		writeRouterError(c, err)
	}
}

// extractPrompt best-effort pulls a "prompt" or last chat "content"
// string out of the raw body for the prefix-aware strategy; returns ""
// when neither shape is present (every other strategy ignores it).
func extractPrompt(raw []byte) string {
	var generic struct {
		Prompt   string `json:"prompt"`
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return ""
	}
	if generic.Prompt != "" {
		return generic.Prompt
	}
	if len(generic.Messages) > 0 {
		return generic.Messages[len(generic.Messages)-1].Content
	}
	return ""
}

func writeRouterError(c *gin.Context, err error) {
	if rerr, ok := routererrors.As(err); ok {
		writeError(c, routererrors.HTTPStatus(rerr.Kind), string(rerr.Kind), rerr.Error())
		return
	}
	writeError(c, http.StatusInternalServerError, "internal_error", err.Error())
}

type sleepRequest struct {
	EngineID string `json:"engine_id"`
	URL      string `json:"url"`
}

func (s *Server) resolveSleepTarget(c *gin.Context) (engine.Engine, bool) {
	var body sleepRequest
	_ = c.ShouldBindJSON(&body)
	if body.EngineID == "" {
		body.EngineID = c.Query("engine_id")
	}
	if body.URL == "" {
		body.URL = c.Query("url")
	}

	for _, e := range s.Registry.List() {
		if body.EngineID != "" && e.ID == body.EngineID {
			return e, true
		}
		if body.URL != "" && e.URL == body.URL {
			return e, true
		}
	}
	return engine.Engine{}, false
}

func (s *Server) handleSleep(c *gin.Context) {
	e, ok := s.resolveSleepTarget(c)
	if !ok {
		writeError(c, http.StatusNotFound, "unknown_engine", "no engine matches the given engine_id/url")
		return
	}
	if err := s.SleepCtl.Sleep(c.Request.Context(), e.ID, e.URL); err != nil {
		writeRouterError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"engine_id": e.ID, "status": "sleeping"})
}

func (s *Server) handleWake(c *gin.Context) {
	e, ok := s.resolveSleepTarget(c)
	if !ok {
		writeError(c, http.StatusNotFound, "unknown_engine", "no engine matches the given engine_id/url")
		return
	}
	if err := s.SleepCtl.Wake(c.Request.Context(), e.ID, e.URL); err != nil {
		writeRouterError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"engine_id": e.ID, "status": "awake"})
}

func (s *Server) handleIsSleeping(c *gin.Context) {
	e, ok := s.resolveSleepTarget(c)
	if !ok {
		writeError(c, http.StatusNotFound, "unknown_engine", "no engine matches the given engine_id/url")
		return
	}
	c.JSON(http.StatusOK, gin.H{"engine_id": e.ID, "is_sleeping": e.Sleep == engine.Sleeping})
}

// modelCard is the deduplicated GET /v1/models entry.
type modelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
	Root    string `json:"root,omitempty"`
	Parent  string `json:"parent,omitempty"`
}

func (s *Server) handleModels(c *gin.Context) {
	seen := make(map[string]modelCard)
	for _, e := range s.Registry.List() {
		for id, info := range e.ModelInfo {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = modelCard{ID: info.ID, Object: info.Object, Created: info.Created, OwnedBy: info.OwnedBy, Root: info.Root, Parent: info.Parent}
		}
	}

	cards := make([]modelCard, 0, len(seen))
	for _, card := range seen {
		cards = append(cards, card)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].ID < cards[j].ID })

	c.JSON(http.StatusOK, gin.H{"object": "list", "data": cards})
}

func (s *Server) handleEngines(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"engines": s.Registry.List()})
}

func (s *Server) handleHealth(c *gin.Context) {
	registryOK := s.Registry.Health()
	scraperOK := s.ScraperHealthy == nil || s.ScraperHealthy()
	dynamicOK := s.DynamicConfig == nil || s.DynamicConfig()

	if registryOK && scraperOK && dynamicOK {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	c.JSON(http.StatusServiceUnavailable, gin.H{
		"status": "unavailable",
		"checks": gin.H{
			"registry":       registryOK,
			"stats_scraper":  scraperOK,
			"dynamic_config": dynamicOK,
		},
	})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"git_version": version.GitVersion, "git_commit": version.GitCommit})
}
