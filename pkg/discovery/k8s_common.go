package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/sgl-project/router/pkg/engine"
)

// DefaultModelLabelKey is the Pod/Service metadata label read into
// Engine.ModelLabel.
const DefaultModelLabelKey = "model"

// DefaultSleepModeFlag is the container arg substring that indicates an
// engine was launched with sleep mode enabled.
const DefaultSleepModeFlag = "--enable-sleep-mode"

// DefaultWatchBackoff is the reconnect delay after a watch stream error.
const DefaultWatchBackoff = 500 * time.Millisecond

// K8sConfig holds the settings shared by the Pod-IP and Service-Name
// Kubernetes discovery variants.
type K8sConfig struct {
	Namespace     string
	LabelSelector string
	Port          int
	ModelLabelKey string
	SleepModeFlag string
	APIKey        string
	HTTPClient    *http.Client
	Logger        *zap.Logger
	Aliases       map[string]string
	KubeconfigPath string
}

func (c *K8sConfig) applyDefaults() {
	if c.ModelLabelKey == "" {
		c.ModelLabelKey = DefaultModelLabelKey
	}
	if c.SleepModeFlag == "" {
		c.SleepModeFlag = DefaultSleepModeFlag
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
}

// BuildKubeConfig returns the in-cluster config, falling back to
// kubeconfigPath (or $KUBECONFIG / ~/.kube/config) when not running
// inside a cluster.
func BuildKubeConfig(kubeconfigPath string) (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}

	if kubeconfigPath == "" {
		kubeconfigPath = os.Getenv("KUBECONFIG")
	}
	if kubeconfigPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving default kubeconfig path: %w", err)
		}
		kubeconfigPath = home + "/.kube/config"
	}

	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

// openAIModelsResponse mirrors the OpenAI GET /v1/models envelope.
type openAIModelsResponse struct {
	Object string `json:"object"`
	Data   []struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
		Root    string `json:"root"`
		Parent  string `json:"parent"`
	} `json:"data"`
}

// fetchModels calls GET {baseURL}/v1/models and converts the response
// into the router's ModelInfo map, marking entries with a non-empty
// Parent as adapters.
func fetchModels(ctx context.Context, client *http.Client, baseURL, apiKey string) ([]string, map[string]engine.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return nil, nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("GET /v1/models returned status %d", resp.StatusCode)
	}

	var parsed openAIModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, nil, fmt.Errorf("decoding /v1/models response: %w", err)
	}

	names := make([]string, 0, len(parsed.Data))
	info := make(map[string]engine.ModelInfo, len(parsed.Data))
	for _, m := range parsed.Data {
		names = append(names, m.ID)
		info[m.ID] = engine.ModelInfo{
			ID:        m.ID,
			Object:    orDefault(m.Object, "model"),
			Created:   m.Created,
			OwnedBy:   m.OwnedBy,
			Root:      m.Root,
			Parent:    m.Parent,
			IsAdapter: m.Parent != "",
		}
	}
	return names, info, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// containerArgsMentionSleepFlag inspects every container's Args/Command
// for the sleep-mode flag, avoiding a call to /is_sleeping against
// engines that were never launched with sleep mode enabled.
func containerArgsMentionSleepFlag(containers []corev1.Container, flag string) bool {
	for _, c := range containers {
		for _, a := range c.Args {
			if strings.Contains(a, flag) {
				return true
			}
		}
		for _, a := range c.Command {
			if strings.Contains(a, flag) {
				return true
			}
		}
	}
	return false
}

type isSleepingResponse struct {
	IsSleeping bool `json:"is_sleeping"`
}

// probeIsSleeping calls GET {baseURL}/is_sleeping. Any error (including
// non-2xx) is treated as "not sleeping" per the safe-default failure
// semantics in the specification.
func probeIsSleeping(ctx context.Context, client *http.Client, baseURL, apiKey string) engine.SleepState {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/is_sleeping", nil)
	if err != nil {
		return Awake()
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Awake()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Awake()
	}

	var parsed isSleepingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Awake()
	}
	if parsed.IsSleeping {
		return engine.Sleeping
	}
	return engine.Awake
}

// Awake is the safe default sleep state used whenever a probe fails.
func Awake() engine.SleepState { return engine.Awake }

// podReady reports whether every container status in pod is ready (the
// readiness rule for Pod-IP discovery).
func podReady(pod *corev1.Pod) bool {
	if len(pod.Status.ContainerStatuses) == 0 {
		return false
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if !cs.Ready {
			return false
		}
	}
	return pod.Status.PodIP != ""
}

// sleepLabelPatch is the JSON merge patch body used by AddSleepLabel /
// RemoveSleepLabel, mirroring the teacher's node-label patch style.
func sleepLabelPatch(value *string) []byte {
	labels := map[string]*string{"sleeping": value}
	body := map[string]any{"metadata": map[string]any{"labels": labels}}
	b, _ := json.Marshal(body)
	return b
}

// newClientset builds a typed Kubernetes clientset from cfg,
// returning a constructive error instead of panicking so callers at
// startup can map it to the documented exit code.
func newClientset(cfg *rest.Config) (*kubernetes.Clientset, error) {
	return kubernetes.NewForConfig(cfg)
}
