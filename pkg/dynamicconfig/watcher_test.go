package dynamicconfig_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/router/pkg/dynamicconfig"
	"github.com/sgl-project/router/pkg/routerconfig"
)

func baseConfig() routerconfig.RouterConfig {
	c := routerconfig.Default()
	c.StaticBackends = []string{"http://u0"}
	c.StaticModels = []string{"m"}
	return c
}

func TestWatcher_LoadInitial_AppliesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dynamic.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routing-logic: session\n"), 0o644))

	var applied routerconfig.RouterConfig
	w, err := dynamicconfig.New(path, false, func(cfg routerconfig.RouterConfig) error {
		applied = cfg
		return nil
	}, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.LoadInitial(baseConfig()))
	assert.Equal(t, routerconfig.RoutingSessionAffinity, applied.RoutingLogic)
	assert.True(t, w.Healthy())
}

func TestWatcher_Reload_OnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dynamic.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"routing-logic":"roundrobin"}`), 0o644))

	applied := make(chan routerconfig.RouterConfig, 4)
	w, err := dynamicconfig.New(path, true, func(cfg routerconfig.RouterConfig) error {
		applied <- cfg
		return nil
	}, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.LoadInitial(baseConfig()))
	<-applied // drain the value LoadInitial applied synchronously

	go w.Run(baseConfig)

	require.NoError(t, os.WriteFile(path, []byte(`{"routing-logic":"prefixaware"}`), 0o644))

	select {
	case cfg := <-applied:
		assert.Equal(t, routerconfig.RoutingPrefixAware, cfg.RoutingLogic)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcher_CumulativeReloadsMergeAgainstLiveConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dynamic.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"session-key":"x-tenant-id"}`), 0o644))

	applied := make(chan routerconfig.RouterConfig, 4)
	var live routerconfig.RouterConfig
	w, err := dynamicconfig.New(path, true, func(cfg routerconfig.RouterConfig) error {
		live = cfg
		applied <- cfg
		return nil
	}, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.LoadInitial(baseConfig()))
	initial := <-applied
	assert.Equal(t, "x-tenant-id", initial.SessionKey)
	assert.Equal(t, routerconfig.RoutingRoundRobin, initial.RoutingLogic)

	go w.Run(func() routerconfig.RouterConfig { return live })

	// This reload only sets routing-logic. If it merged against the
	// fixed startup base rather than the live config, the session-key
	// change above would be silently undone.
	require.NoError(t, os.WriteFile(path, []byte(`{"routing-logic":"prefixaware"}`), 0o644))

	select {
	case cfg := <-applied:
		assert.Equal(t, routerconfig.RoutingPrefixAware, cfg.RoutingLogic)
		assert.Equal(t, "x-tenant-id", cfg.SessionKey)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcher_RejectsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dynamic.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routing-logic: roundrobin\n"), 0o644))

	w, err := dynamicconfig.New(path, false, func(cfg routerconfig.RouterConfig) error { return nil }, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.LoadInitial(baseConfig()))
	assert.True(t, w.Healthy())

	go w.Run(baseConfig)

	require.NoError(t, os.WriteFile(path, []byte("routing-logic: not-a-real-strategy\n"), 0o644))
	require.Eventually(t, func() bool { return !w.Healthy() }, 5*time.Second, 50*time.Millisecond)
}
