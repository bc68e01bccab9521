package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/sgl-project/router/pkg/engine"
	"github.com/sgl-project/router/pkg/registry"
)

// K8sServiceNameDiscovery watches Services in a namespace and derives
// one Engine per Service that has at least one ready Endpoint address,
// addressed by the in-cluster DNS name http://{service}:{port}.
//
// It assumes each watched Service fronts exactly one engine Pod
// (documented, not enforced — Open Question resolution, see
// SPEC_FULL.md §12.3); when a Service fronts more than one Pod, readiness
// is still evaluated but requests fan out to a single DNS name and load
// balancing across the underlying Pods is left to kube-proxy/Endpoints,
// not to the router's own routing Strategy.
type K8sServiceNameDiscovery struct {
	cfg       K8sConfig
	clientset *kubernetes.Clientset

	mu  sync.Mutex
	reg *registry.Registry
	ids map[string]string // namespace/service -> engine id

	informer  cache.SharedIndexInformer
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewK8sServiceNameDiscovery validates cfg and builds a clientset from
// the ambient kube config.
func NewK8sServiceNameDiscovery(cfg K8sConfig) (*K8sServiceNameDiscovery, error) {
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("k8s service-name discovery: namespace must be set")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("k8s service-name discovery: port must be positive")
	}
	cfg.applyDefaults()

	restCfg, err := BuildKubeConfig(cfg.KubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("k8s service-name discovery: building kube config: %w", err)
	}
	clientset, err := newClientset(restCfg)
	if err != nil {
		return nil, fmt.Errorf("k8s service-name discovery: building clientset: %w", err)
	}

	return &K8sServiceNameDiscovery{
		cfg:       cfg,
		clientset: clientset,
		ids:       make(map[string]string),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Run starts the Service watch and blocks until ctx is cancelled or
// Close is called.
func (d *K8sServiceNameDiscovery) Run(ctx context.Context, reg *registry.Registry) error {
	d.mu.Lock()
	d.reg = reg
	d.mu.Unlock()

	svcs := d.clientset.CoreV1().Services(d.cfg.Namespace)
	lw := &cache.ListWatch{
		ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
			opts.LabelSelector = d.cfg.LabelSelector
			return svcs.List(ctx, opts)
		},
		WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
			opts.LabelSelector = d.cfg.LabelSelector
			return svcs.Watch(ctx, opts)
		},
	}

	d.informer = cache.NewSharedIndexInformer(lw, &corev1.Service{}, 0, cache.Indexers{})
	_, err := d.informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj any) { d.reconcile(ctx, obj) },
		UpdateFunc: func(_, obj any) { d.reconcile(ctx, obj) },
		DeleteFunc: func(obj any) { d.handleDelete(obj) },
	})
	if err != nil {
		close(d.doneCh)
		return fmt.Errorf("k8s service-name discovery: registering event handler: %w", err)
	}
	d.informer.SetWatchErrorHandler(func(_ *cache.Reflector, err error) {
		if d.cfg.Logger != nil {
			d.cfg.Logger.Warn("service watch error, reconnecting", zap.Error(err), zap.Duration("backoff", DefaultWatchBackoff))
		}
		time.Sleep(DefaultWatchBackoff)
	})

	go d.informer.Run(d.stopCh)
	if !cache.WaitForCacheSync(d.stopCh, d.informer.HasSynced) {
		close(d.doneCh)
		return fmt.Errorf("k8s service-name discovery: cache sync failed")
	}

	select {
	case <-ctx.Done():
	case <-d.stopCh:
	}
	close(d.doneCh)
	return nil
}

// Close stops the informer and waits for Run to return.
func (d *K8sServiceNameDiscovery) Close() error {
	d.closeOnce.Do(func() { close(d.stopCh) })
	<-d.doneCh
	return nil
}

// ResolveAlias rewrites model through the configured alias table.
func (d *K8sServiceNameDiscovery) ResolveAlias(model string) string {
	if real, ok := d.cfg.Aliases[model]; ok {
		return real
	}
	return model
}

func (d *K8sServiceNameDiscovery) key(svc *corev1.Service) string {
	return svc.Namespace + "/" + svc.Name
}

func (d *K8sServiceNameDiscovery) reconcile(ctx context.Context, obj any) {
	svc, ok := obj.(*corev1.Service)
	if !ok {
		return
	}

	ready, err := d.hasReadyEndpoint(ctx, svc)
	if err != nil {
		if d.cfg.Logger != nil {
			d.cfg.Logger.Debug("service-name discovery: endpoint check failed", zap.String("service", svc.Name), zap.Error(err))
		}
		return
	}
	if !ready {
		d.handleDelete(obj)
		return
	}

	baseURL := fmt.Sprintf("http://%s:%d", svc.Name, d.cfg.Port)
	names, info, err := fetchModels(ctx, d.cfg.HTTPClient, baseURL, d.cfg.APIKey)
	if err != nil {
		if d.cfg.Logger != nil {
			d.cfg.Logger.Debug("service-name discovery: /v1/models probe failed", zap.String("service", svc.Name), zap.Error(err))
		}
		return
	}

	sleep := engine.SleepUnknown
	if v, ok := svc.Labels["sleeping"]; ok && v == "true" {
		sleep = engine.Sleeping
	} else {
		sleep = probeIsSleeping(ctx, d.cfg.HTTPClient, baseURL, d.cfg.APIKey)
	}

	key := d.key(svc)
	d.mu.Lock()
	id, ok := d.ids[key]
	if !ok {
		id = engine.NewID(key)
		d.ids[key] = id
	}
	reg := d.reg
	d.mu.Unlock()

	if reg == nil {
		return
	}
	reg.Upsert(engine.Engine{
		ID:             id,
		URL:            baseURL,
		ModelNames:     names,
		ModelInfo:      info,
		ModelLabel:     svc.Labels[d.cfg.ModelLabelKey],
		Labels:         svc.Labels,
		AddedTimestamp: svc.CreationTimestamp.Time,
		Sleep:          sleep,
		ServiceName:    svc.Name,
		Namespace:      svc.Namespace,
	})
}

// hasReadyEndpoint reports whether svc has at least one ready backing
// address, per the Endpoints object kube-controller-manager maintains
// for it.
func (d *K8sServiceNameDiscovery) hasReadyEndpoint(ctx context.Context, svc *corev1.Service) (bool, error) {
	ep, err := d.clientset.CoreV1().Endpoints(svc.Namespace).Get(ctx, svc.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, subset := range ep.Subsets {
		if len(subset.Addresses) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (d *K8sServiceNameDiscovery) handleDelete(obj any) {
	svc, ok := obj.(*corev1.Service)
	if !ok {
		if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
			svc, ok = tombstone.Obj.(*corev1.Service)
			if !ok {
				return
			}
		} else {
			return
		}
	}

	key := d.key(svc)
	d.mu.Lock()
	id, ok := d.ids[key]
	delete(d.ids, key)
	reg := d.reg
	d.mu.Unlock()

	if ok && reg != nil {
		reg.Remove(id)
	}
}

// AddSleepLabel patches the "sleeping" label onto the Service backing
// engineID, implementing discovery.AddSleepLabeler.
func (d *K8sServiceNameDiscovery) AddSleepLabel(ctx context.Context, engineID string) error {
	return d.patchSleepLabel(ctx, engineID, strPtr("true"))
}

// RemoveSleepLabel clears the "sleeping" label.
func (d *K8sServiceNameDiscovery) RemoveSleepLabel(ctx context.Context, engineID string) error {
	return d.patchSleepLabel(ctx, engineID, nil)
}

func (d *K8sServiceNameDiscovery) patchSleepLabel(ctx context.Context, engineID string, value *string) error {
	svcName, ok := d.serviceNameFor(engineID)
	if !ok {
		return fmt.Errorf("k8s service-name discovery: unknown engine id %s", engineID)
	}
	patch := sleepLabelPatch(value)
	_, err := d.clientset.CoreV1().Services(d.cfg.Namespace).Patch(ctx, svcName, types.MergePatchType, patch, metav1.PatchOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (d *K8sServiceNameDiscovery) serviceNameFor(engineID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg := d.reg
	if reg == nil {
		return "", false
	}
	for _, e := range reg.List() {
		if e.ID == engineID {
			return e.ServiceName, true
		}
	}
	return "", false
}
