// Package engine defines the data model for a single inference backend
// tracked by the router: its reachable URL, the models it serves, and the
// discovery metadata used to classify and route to it.
package engine

import (
	"time"

	"github.com/google/uuid"
)

// SleepState is the tri-state sleep status of an engine. Only engines
// launched with a sleep-mode flag have a meaningful value other than
// SleepUnknown.
type SleepState int

const (
	SleepUnknown SleepState = iota
	Awake
	Sleeping
)

func (s SleepState) String() string {
	switch s {
	case Awake:
		return "awake"
	case Sleeping:
		return "sleeping"
	default:
		return "unknown"
	}
}

// ModelInfo is the read-only projection of a model served by an engine,
// matching the OpenAI `/v1/models` object shape.
type ModelInfo struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Created   int64  `json:"created"`
	OwnedBy   string `json:"owned_by"`
	Root      string `json:"root,omitempty"`
	Parent    string `json:"parent,omitempty"`
	IsAdapter bool   `json:"is_adapter"`
}

// Engine is one live backend inference server (a.k.a. EndpointInfo).
type Engine struct {
	ID             string               `json:"id"`
	URL            string               `json:"url"`
	ModelNames     []string             `json:"model_names"`
	ModelInfo      map[string]ModelInfo `json:"model_info"`
	ModelLabel     string               `json:"model_label,omitempty"`
	Labels         map[string]string    `json:"labels,omitempty"`
	AddedTimestamp time.Time            `json:"added_timestamp"`
	Sleep          SleepState           `json:"sleep"`
	UnhealthySince *time.Time           `json:"unhealthy_since,omitempty"`

	PodName     string `json:"pod_name,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	Namespace   string `json:"namespace,omitempty"`
}

// NewID derives a stable engine id from a name (used by Kubernetes
// discovery, where the pod/service name is already a stable key).
func NewID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(name)).String()
}

// NewRandomID returns a fresh engine id (used by static discovery, where
// there is no natural stable name to derive from).
func NewRandomID() string {
	return uuid.NewString()
}

// ServesModel reports whether this engine serves the given model id.
func (e Engine) ServesModel(model string) bool {
	for _, m := range e.ModelNames {
		if m == model {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy of e so that callers holding a
// Registry snapshot never observe mutation of slices/maps by another
// goroutine.
func (e Engine) Clone() Engine {
	c := e
	if e.ModelNames != nil {
		c.ModelNames = append([]string(nil), e.ModelNames...)
	}
	if e.ModelInfo != nil {
		c.ModelInfo = make(map[string]ModelInfo, len(e.ModelInfo))
		for k, v := range e.ModelInfo {
			c.ModelInfo[k] = v
		}
	}
	if e.Labels != nil {
		c.Labels = make(map[string]string, len(e.Labels))
		for k, v := range e.Labels {
			c.Labels[k] = v
		}
	}
	if e.UnhealthySince != nil {
		t := *e.UnhealthySince
		c.UnhealthySince = &t
	}
	return c
}
