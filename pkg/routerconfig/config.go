// Package routerconfig defines the router's configuration surface:
// command-line flags bound through viper, the validated RouterConfig
// struct they populate, and the same struct's re-use by pkg/dynamicconfig
// for hot-reloadable fields.
package routerconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sgl-project/router/pkg/discovery"
)

// RoutingLogic enumerates the --routing-logic values.
type RoutingLogic string

const (
	RoutingRoundRobin     RoutingLogic = "roundrobin"
	RoutingSessionAffinity RoutingLogic = "session"
	RoutingPrefixAware     RoutingLogic = "prefixaware"
	RoutingKVAware         RoutingLogic = "kvaware"
	RoutingDisaggregated   RoutingLogic = "disaggregated_prefill"
)

// ServiceDiscoveryKind enumerates the --service-discovery values.
type ServiceDiscoveryKind string

const (
	DiscoveryStatic ServiceDiscoveryKind = "static"
	DiscoveryK8s    ServiceDiscoveryKind = "k8s"
)

// K8sAddressing enumerates the --k8s-service-discovery-type values,
// selecting which of the two Kubernetes Discovery implementations
// backs DiscoveryK8s.
type K8sAddressing string

const (
	K8sAddressingPodIP      K8sAddressing = "pod-ip"
	K8sAddressingServiceName K8sAddressing = "service-name"
)

// RouterConfig is every router setting, whether sourced from CLI flags
// at startup or re-read from a dynamic config file at runtime. Fields
// tagged `dynamic:"true"` may be changed by pkg/dynamicconfig without a
// process restart; every other field is fixed at startup.
type RouterConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	RoutingLogic RoutingLogic `mapstructure:"routing-logic" dynamic:"true"`
	SessionKey   string       `mapstructure:"session-key" dynamic:"true"`
	PrefixChunkSize int       `mapstructure:"prefix-chunk-size" dynamic:"true"`
	PrefillModelLabels []string `mapstructure:"prefill-model-labels" dynamic:"true"`
	DecodeModelLabels  []string `mapstructure:"decode-model-labels" dynamic:"true"`

	ServiceDiscovery ServiceDiscoveryKind `mapstructure:"service-discovery"`

	StaticBackends         []string `mapstructure:"static-backends" dynamic:"true"`
	StaticModels           []string `mapstructure:"static-models" dynamic:"true"`
	StaticModelTypes       []string `mapstructure:"static-model-types" dynamic:"true"`
	StaticAliases          []string `mapstructure:"static-aliases" dynamic:"true"` // "alias=real" pairs
	StaticBackendHealthChecks bool  `mapstructure:"static-backend-health-checks"`

	K8sNamespace            string        `mapstructure:"k8s-namespace"`
	K8sPort                 int           `mapstructure:"k8s-port"`
	K8sLabelSelector        string        `mapstructure:"k8s-label-selector"`
	K8sServiceDiscoveryType K8sAddressing `mapstructure:"k8s-service-discovery-type"`

	DynamicConfigYAML string `mapstructure:"dynamic-config-yaml"`
	DynamicConfigJSON string `mapstructure:"dynamic-config-json"`

	APIKeyEnvVar string `mapstructure:"api-key-env-var"`
}

// Default returns a RouterConfig populated with every flag's default
// value.
func Default() RouterConfig {
	return RouterConfig{
		Host:             "0.0.0.0",
		Port:             8080,
		RoutingLogic:     RoutingRoundRobin,
		SessionKey:       "x-user-id",
		PrefixChunkSize:  128,
		ServiceDiscovery:        DiscoveryStatic,
		K8sPort:                 8000,
		K8sServiceDiscoveryType: K8sAddressingPodIP,
		APIKeyEnvVar:            "VLLM_API_KEY",
	}
}

// BindFlags registers every router flag on cmd, following the
// rootCmd.PersistentFlags()/Flags() split used by cmd/model-controller.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	def := Default()

	cmd.Flags().String("host", def.Host, "address to bind the HTTP server to")
	cmd.Flags().Int("port", def.Port, "port to bind the HTTP server to")

	cmd.Flags().String("routing-logic", string(def.RoutingLogic), "routing strategy: roundrobin, session, prefixaware, kvaware, disaggregated_prefill")
	cmd.Flags().String("session-key", def.SessionKey, "request header used as the session affinity key")
	cmd.Flags().Int("prefix-chunk-size", def.PrefixChunkSize, "prefix-aware routing chunk size, in characters")
	cmd.Flags().StringSlice("prefill-model-labels", nil, "model_label values belonging to the prefill pool (disaggregated routing)")
	cmd.Flags().StringSlice("decode-model-labels", nil, "model_label values belonging to the decode pool (disaggregated routing)")

	cmd.Flags().String("service-discovery", string(def.ServiceDiscovery), "service discovery backend: static, k8s")

	cmd.Flags().StringSlice("static-backends", nil, "comma-separated static backend URLs")
	cmd.Flags().StringSlice("static-models", nil, "comma-separated model names, aligned positionally with static-backends")
	cmd.Flags().StringSlice("static-model-types", nil, "comma-separated model types (chat, completion, rerank, score, embeddings), aligned with static-backends")
	cmd.Flags().StringSlice("static-aliases", nil, "comma-separated alias=real pairs")
	cmd.Flags().Bool("static-backend-health-checks", false, "enable periodic liveness probing of static backends")

	cmd.Flags().String("k8s-namespace", "", "namespace to watch for engine Pods/Services")
	cmd.Flags().Int("k8s-port", def.K8sPort, "port engines listen on inside the cluster")
	cmd.Flags().String("k8s-label-selector", "", "label selector for engine Pods/Services")
	cmd.Flags().String("k8s-service-discovery-type", string(def.K8sServiceDiscoveryType), "k8s discovery addressing mode: pod-ip or service-name")

	cmd.Flags().String("dynamic-config-yaml", "", "path to a YAML file to hot-reload dynamic settings from")
	cmd.Flags().String("dynamic-config-json", "", "path to a JSON file to hot-reload dynamic settings from")

	cmd.Flags().String("api-key-env-var", def.APIKeyEnvVar, "environment variable holding the bearer token sent to engines")

	_ = v.BindPFlags(cmd.Flags())
}

// Load reads every bound flag out of v into a RouterConfig.
func Load(v *viper.Viper) RouterConfig {
	return RouterConfig{
		Host:                      v.GetString("host"),
		Port:                      v.GetInt("port"),
		RoutingLogic:              RoutingLogic(v.GetString("routing-logic")),
		SessionKey:                v.GetString("session-key"),
		PrefixChunkSize:           v.GetInt("prefix-chunk-size"),
		PrefillModelLabels:        v.GetStringSlice("prefill-model-labels"),
		DecodeModelLabels:         v.GetStringSlice("decode-model-labels"),
		ServiceDiscovery:          ServiceDiscoveryKind(v.GetString("service-discovery")),
		StaticBackends:            v.GetStringSlice("static-backends"),
		StaticModels:              v.GetStringSlice("static-models"),
		StaticModelTypes:          v.GetStringSlice("static-model-types"),
		StaticAliases:             v.GetStringSlice("static-aliases"),
		StaticBackendHealthChecks: v.GetBool("static-backend-health-checks"),
		K8sNamespace:              v.GetString("k8s-namespace"),
		K8sPort:                   v.GetInt("k8s-port"),
		K8sLabelSelector:          v.GetString("k8s-label-selector"),
		K8sServiceDiscoveryType:   K8sAddressing(v.GetString("k8s-service-discovery-type")),
		DynamicConfigYAML:         v.GetString("dynamic-config-yaml"),
		DynamicConfigJSON:         v.GetString("dynamic-config-json"),
		APIKeyEnvVar:              v.GetString("api-key-env-var"),
	}
}

// Validate enforces the startup validation rules: routing logic and
// service discovery must be recognized, static discovery needs
// backends/models of matching length, disaggregated routing needs both
// label sets non-empty, and k8s discovery needs a namespace. Returns a
// descriptive error mapped by cmd/router's main to exit code 2.
func (c RouterConfig) Validate() error {
	switch c.RoutingLogic {
	case RoutingRoundRobin, RoutingSessionAffinity, RoutingPrefixAware, RoutingKVAware, RoutingDisaggregated:
	default:
		return fmt.Errorf("routing-logic %q is not one of roundrobin, session, prefixaware, kvaware, disaggregated_prefill", c.RoutingLogic)
	}

	if c.RoutingLogic == RoutingDisaggregated {
		if len(c.PrefillModelLabels) == 0 || len(c.DecodeModelLabels) == 0 {
			return fmt.Errorf("routing-logic disaggregated_prefill requires both --prefill-model-labels and --decode-model-labels")
		}
	}

	if c.PrefixChunkSize <= 0 {
		return fmt.Errorf("prefix-chunk-size must be positive, got %d", c.PrefixChunkSize)
	}

	switch c.ServiceDiscovery {
	case DiscoveryStatic:
		if len(c.StaticBackends) == 0 {
			return fmt.Errorf("service-discovery static requires --static-backends")
		}
		if len(c.StaticModels) != len(c.StaticBackends) {
			return fmt.Errorf("--static-models must have the same length as --static-backends (%d vs %d)", len(c.StaticModels), len(c.StaticBackends))
		}
		if c.StaticBackendHealthChecks && len(c.StaticModelTypes) != len(c.StaticBackends) {
			return fmt.Errorf("--static-backend-health-checks requires --static-model-types with the same length as --static-backends")
		}
		for _, alias := range c.StaticAliases {
			if !strings.Contains(alias, "=") {
				return fmt.Errorf("--static-aliases entry %q must be of the form alias=real", alias)
			}
		}
	case DiscoveryK8s:
		if c.K8sNamespace == "" {
			return fmt.Errorf("service-discovery %q requires --k8s-namespace", c.ServiceDiscovery)
		}
		if c.K8sPort <= 0 {
			return fmt.Errorf("--k8s-port must be positive")
		}
		switch c.K8sServiceDiscoveryType {
		case K8sAddressingPodIP, K8sAddressingServiceName:
		default:
			return fmt.Errorf("k8s-service-discovery-type %q is not one of pod-ip, service-name", c.K8sServiceDiscoveryType)
		}
	default:
		return fmt.Errorf("service-discovery %q is not one of static, k8s", c.ServiceDiscovery)
	}

	if c.DynamicConfigYAML != "" && c.DynamicConfigJSON != "" {
		return fmt.Errorf("--dynamic-config-yaml and --dynamic-config-json are mutually exclusive")
	}

	return nil
}

// ParseAliases turns "alias=real" entries into a lookup map, skipping
// malformed entries (Validate rejects those before this is ever called
// at startup, but pkg/dynamicconfig re-validates independently on
// reload).
func ParseAliases(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out
}

// K8sConfigFrom projects the subset of RouterConfig needed to construct
// either Kubernetes discovery variant.
func K8sConfigFrom(c RouterConfig, apiKey string) discovery.K8sConfig {
	return discovery.K8sConfig{
		Namespace:     c.K8sNamespace,
		LabelSelector: c.K8sLabelSelector,
		Port:          c.K8sPort,
		APIKey:        apiKey,
		Aliases:       ParseAliases(c.StaticAliases),
	}
}

// DefaultStartupTimeout is a 10-second startup bound. Nothing in this
// repository reads it: cmd/router starts serving without waiting for a
// first discovery tick.
const DefaultStartupTimeout = 10 * time.Second
