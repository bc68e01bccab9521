package discovery_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/router/pkg/discovery"
	"github.com/sgl-project/router/pkg/registry"
)

func TestStaticDiscovery_PopulatesRegistry(t *testing.T) {
	reg := registry.New()
	d, err := discovery.NewStaticDiscovery(discovery.StaticConfig{
		Backends: []discovery.StaticBackend{
			{URL: "http://u0", Model: "m"},
			{URL: "http://u1", Model: "m"},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx, reg) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	_ = d.Close()

	assert.Equal(t, 2, reg.Len())
	assert.True(t, reg.Health())
}

func TestStaticDiscovery_AliasResolution(t *testing.T) {
	d, err := discovery.NewStaticDiscovery(discovery.StaticConfig{
		Backends: []discovery.StaticBackend{{URL: "http://u0", Model: "llama-3"}},
		Aliases:  map[string]string{"llama": "llama-3"},
	})
	require.NoError(t, err)

	assert.Equal(t, "llama-3", d.ResolveAlias("llama"))
	assert.Equal(t, "unknown", d.ResolveAlias("unknown"))
}

func TestStaticDiscovery_RejectsEmptyBackends(t *testing.T) {
	_, err := discovery.NewStaticDiscovery(discovery.StaticConfig{})
	require.Error(t, err)
}

func TestStaticDiscovery_RejectsMissingModelTypeWhenHealthChecksEnabled(t *testing.T) {
	_, err := discovery.NewStaticDiscovery(discovery.StaticConfig{
		Backends:     []discovery.StaticBackend{{URL: "http://u0", Model: "m"}},
		HealthChecks: true,
	})
	require.Error(t, err)
}

func TestStaticDiscovery_ProbeRemovesAndReadmits(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := registry.New()
	d, err := discovery.NewStaticDiscovery(discovery.StaticConfig{
		Backends:      []discovery.StaticBackend{{URL: srv.URL, Model: "m", ModelType: discovery.ModelTypeCompletion}},
		HealthChecks:  true,
		ProbeInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx, reg) }()

	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)

	healthy = false
	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)

	healthy = true
	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)

	_ = d.Close()
}
