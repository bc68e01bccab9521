// Package httpapi exposes the router's public, OpenAI-compatible HTTP
// surface on top of gin-gonic/gin, wiring every inbound path to the
// Dispatcher, the Registry, or the sleep/wake control plane.
package httpapi

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sgl-project/router/pkg/dispatcher"
	"github.com/sgl-project/router/pkg/logging/ginlog"
	"github.com/sgl-project/router/pkg/registry"
	"github.com/sgl-project/router/pkg/router"
	"github.com/sgl-project/router/pkg/stats"
)

// AliasResolver rewrites an inbound model name through the active
// discovery backend's alias table.
type AliasResolver interface {
	ResolveAlias(model string) string
}

// HealthChecker reports a subsystem's health bit for GET /health.
type HealthChecker func() bool

// Server assembles the public HTTP surface. When a dynamic config reload
// is applied, pkg/app replaces the strategy (via SetStrategy) and
// reassigns SessionHeader and AliasResolver; the other fields are fixed
// for the server's lifetime.
type Server struct {
	Registry       *registry.Registry
	ReqStats       *stats.Collector
	Dispatcher     *dispatcher.Dispatcher
	SleepCtl       *dispatcher.SleepController
	AliasResolver  AliasResolver
	SessionHeader  string
	Logger         *zap.Logger
	DynamicConfig  HealthChecker // nil if no --dynamic-config-* flag was set
	ScraperHealthy HealthChecker
	MetricsHandler http.Handler // nil disables GET /metrics

	strategy atomic.Value // router.Strategy
}

// SetStrategy installs the active routing Strategy, safe to call
// concurrently with in-flight requests.
func (s *Server) SetStrategy(strat router.Strategy) {
	s.strategy.Store(&strat)
}

func (s *Server) activeStrategy() router.Strategy {
	v, _ := s.strategy.Load().(*router.Strategy)
	if v == nil {
		return nil
	}
	return *v
}

// NewEngine builds the gin.Engine with every route from the public
// surface wired, request-logged via pkg/logging/ginlog the way the
// teacher's HTTP servers are.
func (s *Server) NewEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery())
	if s.Logger != nil {
		e.Use(ginlog.RequestLogger(s.Logger))
	}

	bodyPassing := []string{
		"/v1/chat/completions", "/v1/completions", "/v1/embeddings",
		"/v1/rerank", "/rerank", "/v1/score", "/score",
		"/tokenize", "/detokenize",
	}
	for _, p := range bodyPassing {
		e.POST(p, s.handleProxy)
	}

	e.POST("/sleep", s.handleSleep)
	e.POST("/wake_up", s.handleWake)
	e.GET("/is_sleeping", s.handleIsSleeping)

	e.GET("/v1/models", s.handleModels)
	e.GET("/engines", s.handleEngines)
	e.GET("/health", s.handleHealth)
	e.GET("/version", s.handleVersion)

	if s.MetricsHandler != nil {
		e.GET("/metrics", gin.WrapH(s.MetricsHandler))
	}

	return e
}

func writeError(c *gin.Context, status int, kind, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"type":    kind,
			"message": message,
		},
	})
}
