package routerconfig_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/router/pkg/routerconfig"
)

func validStaticConfig() routerconfig.RouterConfig {
	c := routerconfig.Default()
	c.StaticBackends = []string{"http://u0", "http://u1"}
	c.StaticModels = []string{"m", "m"}
	return c
}

func TestValidate_AcceptsDefaultStaticConfig(t *testing.T) {
	require.NoError(t, validStaticConfig().Validate())
}

func TestValidate_RejectsUnknownRoutingLogic(t *testing.T) {
	c := validStaticConfig()
	c.RoutingLogic = "bogus"
	assert.Error(t, c.Validate())
}

func TestValidate_DisaggregatedRequiresBothLabelSets(t *testing.T) {
	c := validStaticConfig()
	c.RoutingLogic = routerconfig.RoutingDisaggregated
	assert.Error(t, c.Validate())

	c.PrefillModelLabels = []string{"prefill"}
	assert.Error(t, c.Validate())

	c.DecodeModelLabels = []string{"decode"}
	assert.NoError(t, c.Validate())
}

func TestValidate_StaticBackendsModelsLengthMismatch(t *testing.T) {
	c := validStaticConfig()
	c.StaticModels = []string{"m"}
	assert.Error(t, c.Validate())
}

func TestValidate_HealthChecksRequireModelTypes(t *testing.T) {
	c := validStaticConfig()
	c.StaticBackendHealthChecks = true
	assert.Error(t, c.Validate())

	c.StaticModelTypes = []string{"chat", "chat"}
	assert.NoError(t, c.Validate())
}

func TestValidate_K8sRequiresNamespace(t *testing.T) {
	c := routerconfig.Default()
	c.ServiceDiscovery = routerconfig.DiscoveryK8s
	assert.Error(t, c.Validate())

	c.K8sNamespace = "default"
	assert.NoError(t, c.Validate())
}

func TestValidate_K8sRejectsUnknownAddressingType(t *testing.T) {
	c := routerconfig.Default()
	c.ServiceDiscovery = routerconfig.DiscoveryK8s
	c.K8sNamespace = "default"
	c.K8sServiceDiscoveryType = "pod"
	assert.Error(t, c.Validate())

	c.K8sServiceDiscoveryType = routerconfig.K8sAddressingServiceName
	assert.NoError(t, c.Validate())
}

func TestValidate_RejectsBothDynamicConfigFormats(t *testing.T) {
	c := validStaticConfig()
	c.DynamicConfigYAML = "a.yaml"
	c.DynamicConfigJSON = "b.json"
	assert.Error(t, c.Validate())
}

func TestParseAliases_SkipsMalformedEntries(t *testing.T) {
	out := routerconfig.ParseAliases([]string{"llama=llama-3", "garbage"})
	assert.Equal(t, map[string]string{"llama": "llama-3"}, out)
}
