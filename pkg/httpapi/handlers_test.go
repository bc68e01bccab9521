package httpapi_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/router/pkg/dispatcher"
	"github.com/sgl-project/router/pkg/engine"
	"github.com/sgl-project/router/pkg/httpapi"
	"github.com/sgl-project/router/pkg/registry"
	"github.com/sgl-project/router/pkg/router"
	"github.com/sgl-project/router/pkg/stats"
)

func newTestServer(t *testing.T, upstreamURL string) (*httpapi.Server, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	reg.Upsert(engine.Engine{ID: "e0", URL: upstreamURL, ModelNames: []string{"m"}, ModelInfo: map[string]engine.ModelInfo{"m": {ID: "m", Object: "model"}}})

	reqStats := stats.NewCollector()
	srv := &httpapi.Server{
		Registry:      reg,
		ReqStats:      reqStats,
		Dispatcher:    dispatcher.New(reqStats, nil),
		SleepCtl:      dispatcher.NewSleepController(nil, nil, ""),
		SessionHeader: "x-user-id",
	}
	srv.SetStrategy(router.NewRoundRobin())
	return srv, reg
}

func TestHandleProxy_RoutesAndForwards(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/completions", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, upstream.URL)
	e := srv.NewEngine()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"m","prompt":"hi"}`))
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestHandleProxy_UnknownModel(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused")
	e := srv.NewEngine()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"nope","prompt":"hi"}`))
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleProxy_MissingModelField(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused")
	e := srv.NewEngine()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"prompt":"hi"}`))
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleModels_Deduplicates(t *testing.T) {
	reg := registry.New()
	reg.Upsert(engine.Engine{ID: "e0", URL: "u0", ModelNames: []string{"m"}, ModelInfo: map[string]engine.ModelInfo{"m": {ID: "m", Object: "model"}}})
	reg.Upsert(engine.Engine{ID: "e1", URL: "u1", ModelNames: []string{"m"}, ModelInfo: map[string]engine.ModelInfo{"m": {ID: "m", Object: "model"}}})

	reqStats := stats.NewCollector()
	srv := &httpapi.Server{Registry: reg, ReqStats: reqStats, Dispatcher: dispatcher.New(reqStats, nil)}
	srv.SetStrategy(router.NewRoundRobin())
	e := srv.NewEngine()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, strings.Count(rec.Body.String(), `"id":"m"`))
}

func TestHandleHealth_ReflectsRegistryHealth(t *testing.T) {
	reg := registry.New()
	reqStats := stats.NewCollector()
	srv := &httpapi.Server{Registry: reg, ReqStats: reqStats, Dispatcher: dispatcher.New(reqStats, nil)}
	srv.SetStrategy(router.NewRoundRobin())
	e := srv.NewEngine()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	reg.Upsert(engine.Engine{ID: "e0", URL: "u0", ModelNames: []string{"m"}})
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleSleepWake_RoundTrip(t *testing.T) {
	var lastPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	reg := registry.New()
	reg.Upsert(engine.Engine{ID: "e0", URL: upstream.URL, ModelNames: []string{"m"}})

	reqStats := stats.NewCollector()
	srv := &httpapi.Server{
		Registry:   reg,
		ReqStats:   reqStats,
		Dispatcher: dispatcher.New(reqStats, nil),
		SleepCtl:   dispatcher.NewSleepController(upstream.Client(), nil, ""),
	}
	srv.SetStrategy(router.NewRoundRobin())
	e := srv.NewEngine()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sleep?engine_id=e0", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/sleep", lastPath)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/wake_up?engine_id=e0", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/wake_up", lastPath)
}

func TestHandleSleep_UnknownEngine(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused")
	e := srv.NewEngine()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sleep?engine_id=missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
