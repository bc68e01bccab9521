// Package dynamicconfig hot-reloads the subset of RouterConfig marked
// dynamic: on a file change, it re-validates the new content and, only
// if valid, swaps the active routing Strategy and related settings;
// an invalid file is logged and the previous configuration kept.
package dynamicconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/sgl-project/router/pkg/routerconfig"
)

// debounce absorbs the burst of events a ConfigMap remount produces
// (delete, create, chmod all fire within milliseconds of each other),
// mirroring the 1-second settle delay in the teacher's own file watcher.
const debounce = 1 * time.Second

// ApplyFunc installs a freshly validated RouterConfig. It is called with
// the watcher's internal state unlocked, so it may take as long as it
// needs (e.g. atomically swapping a Strategy and rebuilding discovery).
type ApplyFunc func(cfg routerconfig.RouterConfig) error

// BaseFunc returns the configuration each reload merges its file's
// dynamic fields onto. Passing the caller's live config (rather than a
// fixed startup snapshot) makes successive partial reloads cumulative:
// a file that only sets routing-logic doesn't undo a session-key change
// applied by an earlier reload.
type BaseFunc func() routerconfig.RouterConfig

// Watcher watches a single dynamic config file (YAML or JSON) for
// changes and applies validated updates via apply.
type Watcher struct {
	path   string
	isJSON bool
	apply  ApplyFunc
	logger *zap.Logger

	fsw *fsnotify.Watcher

	mu      sync.RWMutex
	healthy bool

	stop chan struct{}
	done chan struct{}
}

// New builds a Watcher over path (yaml or json, selected by isJSON).
// Each load merges the file onto a base config (the one passed to
// LoadInitial, or the one returned by the BaseFunc given to Run), so
// keys omitted from the file keep the base's value.
func New(path string, isJSON bool, apply ApplyFunc, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("dynamic config: creating fsnotify watcher: %w", err)
	}

	// ConfigMap mounts replace the file via symlink swap rather than an
	// in-place write, so the containing directory — not the file itself
	// — must be watched (same workaround as the teacher's serving agent).
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("dynamic config: watching %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{
		path:   path,
		isJSON: isJSON,
		apply:  apply,
		logger: logger,
		fsw:    fsw,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// LoadInitial reads and applies path once, synchronously, before Run
// starts watching for further changes. Call this at startup so the
// process never serves with a config that differs from the file on
// disk.
func (w *Watcher) LoadInitial(base routerconfig.RouterConfig) error {
	cfg, err := w.readAndMerge(base)
	if err != nil {
		return err
	}
	if err := w.apply(cfg); err != nil {
		return err
	}
	w.mu.Lock()
	w.healthy = true
	w.mu.Unlock()
	return nil
}

// Run watches for file changes until Close is called; reload failures
// are logged, leave the previously applied config in place and make
// Healthy() report false until a later reload succeeds. base is consulted fresh on every reload, so it should
// return the caller's current live config, not a fixed snapshot.
func (w *Watcher) Run(base BaseFunc) {
	defer close(w.done)

	var debounceTimer *time.Timer
	for {
		select {
		case <-w.stop:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, func() { w.reload(base()) })

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("dynamic config watch error", zap.Error(err))
		}
	}
}

// Close stops the watch loop and releases the underlying fsnotify
// watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
	return w.fsw.Close()
}

// Healthy reports whether the most recent reload attempt (including the
// initial load) succeeded.
func (w *Watcher) Healthy() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.healthy
}

func (w *Watcher) reload(base routerconfig.RouterConfig) {
	cfg, err := w.readAndMerge(base)
	if err != nil {
		w.logger.Error("dynamic config reload rejected, keeping previous configuration", zap.Error(err))
		w.mu.Lock()
		w.healthy = false
		w.mu.Unlock()
		return
	}

	if err := w.apply(cfg); err != nil {
		w.logger.Error("dynamic config apply failed, keeping previous configuration", zap.Error(err))
		w.mu.Lock()
		w.healthy = false
		w.mu.Unlock()
		return
	}

	w.logger.Info("dynamic config reloaded", zap.String("path", w.path))
	w.mu.Lock()
	w.healthy = true
	w.mu.Unlock()
}

// dynamicFields is the on-disk shape: every field RouterConfig tags
// `dynamic:"true"`. Kept as its own struct (rather than decoding
// straight into RouterConfig) so a reload file can omit any field
// without zeroing it out on the live config.
type dynamicFields struct {
	RoutingLogic       *string  `json:"routing-logic,omitempty"`
	SessionKey         *string  `json:"session-key,omitempty"`
	PrefixChunkSize    *int     `json:"prefix-chunk-size,omitempty"`
	PrefillModelLabels []string `json:"prefill-model-labels,omitempty"`
	DecodeModelLabels  []string `json:"decode-model-labels,omitempty"`
	StaticBackends     []string `json:"static-backends,omitempty"`
	StaticModels       []string `json:"static-models,omitempty"`
	StaticModelTypes   []string `json:"static-model-types,omitempty"`
	StaticAliases      []string `json:"static-aliases,omitempty"`
}

func (w *Watcher) readAndMerge(base routerconfig.RouterConfig) (routerconfig.RouterConfig, error) {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return routerconfig.RouterConfig{}, fmt.Errorf("reading %s: %w", w.path, err)
	}

	var fields dynamicFields
	var unmarshalErr error
	if w.isJSON {
		unmarshalErr = json.Unmarshal(raw, &fields)
	} else {
		unmarshalErr = yaml.Unmarshal(raw, &fields)
	}
	if unmarshalErr != nil {
		return routerconfig.RouterConfig{}, fmt.Errorf("parsing %s: %w", w.path, unmarshalErr)
	}

	merged := base
	if fields.RoutingLogic != nil {
		merged.RoutingLogic = routerconfig.RoutingLogic(*fields.RoutingLogic)
	}
	if fields.SessionKey != nil {
		merged.SessionKey = *fields.SessionKey
	}
	if fields.PrefixChunkSize != nil {
		merged.PrefixChunkSize = *fields.PrefixChunkSize
	}
	if fields.PrefillModelLabels != nil {
		merged.PrefillModelLabels = fields.PrefillModelLabels
	}
	if fields.DecodeModelLabels != nil {
		merged.DecodeModelLabels = fields.DecodeModelLabels
	}
	if fields.StaticBackends != nil {
		merged.StaticBackends = fields.StaticBackends
	}
	if fields.StaticModels != nil {
		merged.StaticModels = fields.StaticModels
	}
	if fields.StaticModelTypes != nil {
		merged.StaticModelTypes = fields.StaticModelTypes
	}
	if fields.StaticAliases != nil {
		merged.StaticAliases = fields.StaticAliases
	}

	if err := merged.Validate(); err != nil {
		return routerconfig.RouterConfig{}, err
	}
	return merged, nil
}
