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

// K8sPodIPDiscovery watches Pods in a namespace (filtered by label
// selector) and derives one Engine per ready Pod, addressed directly by
// Pod IP. Grounded on the watch/reconnect loop in
// pkg/modelagent's informer usage and cmd/manager's controller-runtime
// wiring, rewritten against a bare client-go SharedIndexInformer since
// the router has no controller-runtime manager of its own.
type K8sPodIPDiscovery struct {
	cfg       K8sConfig
	clientset *kubernetes.Clientset

	mu   sync.Mutex
	reg  *registry.Registry
	ids  map[string]string // pod uid -> engine id

	informer cache.SharedIndexInformer
	stopCh   chan struct{}
	doneCh   chan struct{}
	closeOnce sync.Once
}

// NewK8sPodIPDiscovery validates cfg and builds a clientset from the
// ambient kube config.
func NewK8sPodIPDiscovery(cfg K8sConfig) (*K8sPodIPDiscovery, error) {
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("k8s pod-ip discovery: namespace must be set")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("k8s pod-ip discovery: port must be positive")
	}
	cfg.applyDefaults()

	restCfg, err := BuildKubeConfig(cfg.KubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("k8s pod-ip discovery: building kube config: %w", err)
	}
	clientset, err := newClientset(restCfg)
	if err != nil {
		return nil, fmt.Errorf("k8s pod-ip discovery: building clientset: %w", err)
	}

	return &K8sPodIPDiscovery{
		cfg:       cfg,
		clientset: clientset,
		ids:       make(map[string]string),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Run starts the Pod watch and blocks until ctx is cancelled or Close is
// called.
func (d *K8sPodIPDiscovery) Run(ctx context.Context, reg *registry.Registry) error {
	d.mu.Lock()
	d.reg = reg
	d.mu.Unlock()

	pods := d.clientset.CoreV1().Pods(d.cfg.Namespace)
	lw := &cache.ListWatch{
		ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
			opts.LabelSelector = d.cfg.LabelSelector
			return pods.List(ctx, opts)
		},
		WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
			opts.LabelSelector = d.cfg.LabelSelector
			return pods.Watch(ctx, opts)
		},
	}

	d.informer = cache.NewSharedIndexInformer(lw, &corev1.Pod{}, 0, cache.Indexers{})
	_, err := d.informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj any) { d.reconcile(ctx, obj) },
		UpdateFunc: func(_, obj any) { d.reconcile(ctx, obj) },
		DeleteFunc: func(obj any) { d.handleDelete(obj) },
	})
	if err != nil {
		close(d.doneCh)
		return fmt.Errorf("k8s pod-ip discovery: registering event handler: %w", err)
	}
	d.informer.SetWatchErrorHandler(func(_ *cache.Reflector, err error) {
		if d.cfg.Logger != nil {
			d.cfg.Logger.Warn("pod watch error, reconnecting", zap.Error(err), zap.Duration("backoff", DefaultWatchBackoff))
		}
		time.Sleep(DefaultWatchBackoff)
	})

	go d.informer.Run(d.stopCh)
	if !cache.WaitForCacheSync(d.stopCh, d.informer.HasSynced) {
		close(d.doneCh)
		return fmt.Errorf("k8s pod-ip discovery: cache sync failed")
	}

	select {
	case <-ctx.Done():
	case <-d.stopCh:
	}
	close(d.doneCh)
	return nil
}

// Close stops the informer and waits for Run to return.
func (d *K8sPodIPDiscovery) Close() error {
	d.closeOnce.Do(func() { close(d.stopCh) })
	<-d.doneCh
	return nil
}

// ResolveAlias rewrites model through the configured alias table.
func (d *K8sPodIPDiscovery) ResolveAlias(model string) string {
	if real, ok := d.cfg.Aliases[model]; ok {
		return real
	}
	return model
}

func (d *K8sPodIPDiscovery) reconcile(ctx context.Context, obj any) {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		return
	}
	if !podReady(pod) {
		d.handleDelete(obj)
		return
	}

	baseURL := fmt.Sprintf("http://%s:%d", pod.Status.PodIP, d.cfg.Port)
	names, info, err := fetchModels(ctx, d.cfg.HTTPClient, baseURL, d.cfg.APIKey)
	if err != nil {
		if d.cfg.Logger != nil {
			d.cfg.Logger.Debug("pod-ip discovery: /v1/models probe failed", zap.String("pod", pod.Name), zap.Error(err))
		}
		return
	}

	sleep := engine.SleepUnknown
	if containerArgsMentionSleepFlag(pod.Spec.Containers, d.cfg.SleepModeFlag) {
		sleep = probeIsSleeping(ctx, d.cfg.HTTPClient, baseURL, d.cfg.APIKey)
	}
	if v, ok := pod.Labels["sleeping"]; ok && v == "true" {
		sleep = engine.Sleeping
	}

	d.mu.Lock()
	id, ok := d.ids[string(pod.UID)]
	if !ok {
		id = engine.NewID(string(pod.UID))
		d.ids[string(pod.UID)] = id
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
		ModelLabel:     pod.Labels[d.cfg.ModelLabelKey],
		Labels:         pod.Labels,
		AddedTimestamp: pod.CreationTimestamp.Time,
		Sleep:          sleep,
		PodName:        pod.Name,
		Namespace:      pod.Namespace,
	})
}

func (d *K8sPodIPDiscovery) handleDelete(obj any) {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
			pod, ok = tombstone.Obj.(*corev1.Pod)
			if !ok {
				return
			}
		} else {
			return
		}
	}

	d.mu.Lock()
	id, ok := d.ids[string(pod.UID)]
	delete(d.ids, string(pod.UID))
	reg := d.reg
	d.mu.Unlock()

	if ok && reg != nil {
		reg.Remove(id)
	}
}

// AddSleepLabel patches the "sleeping" label onto the Pod backing
// engineID, implementing discovery.AddSleepLabeler.
func (d *K8sPodIPDiscovery) AddSleepLabel(ctx context.Context, engineID string) error {
	return d.patchSleepLabel(ctx, engineID, strPtr("true"))
}

// RemoveSleepLabel clears the "sleeping" label.
func (d *K8sPodIPDiscovery) RemoveSleepLabel(ctx context.Context, engineID string) error {
	return d.patchSleepLabel(ctx, engineID, nil)
}

func (d *K8sPodIPDiscovery) patchSleepLabel(ctx context.Context, engineID string, value *string) error {
	podName, ok := d.podNameFor(engineID)
	if !ok {
		return fmt.Errorf("k8s pod-ip discovery: unknown engine id %s", engineID)
	}
	patch := sleepLabelPatch(value)
	_, err := d.clientset.CoreV1().Pods(d.cfg.Namespace).Patch(ctx, podName, types.MergePatchType, patch, metav1.PatchOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (d *K8sPodIPDiscovery) podNameFor(engineID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg := d.reg
	if reg == nil {
		return "", false
	}
	for _, e := range reg.List() {
		if e.ID == engineID {
			return e.PodName, true
		}
	}
	return "", false
}

func strPtr(s string) *string { return &s }
