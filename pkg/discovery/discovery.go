// Package discovery implements the dynamic inventory of backend engines:
// a static list or a Kubernetes Pod/Service watch, both writing into a
// shared registry.Registry.
package discovery

import (
	"context"

	"github.com/sgl-project/router/pkg/registry"
)

// Discovery is the capability every discovery backend implements.
// Replacing the teacher's inheritance-based ServiceDiscovery base class
// per the re-architecture note in the specification.
type Discovery interface {
	// Run populates and maintains reg until ctx is cancelled or Close is
	// called. Implementations must return once stopped.
	Run(ctx context.Context, reg *registry.Registry) error

	// Close stops any background watch/probe loop and releases
	// resources. Safe to call without Run having been started.
	Close() error

	// ResolveAlias rewrites an inbound model parameter through any
	// configured alias table; returns the input unchanged if no alias
	// applies.
	ResolveAlias(model string) string
}

// AddSleepLabeler is implemented by discovery backends that support
// mutating a subject's sleep label (currently only Kubernetes
// discovery); used by the /sleep and /wake_up handlers.
type AddSleepLabeler interface {
	AddSleepLabel(ctx context.Context, engineID string) error
	RemoveSleepLabel(ctx context.Context, engineID string) error
}
