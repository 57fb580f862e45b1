package api

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/samcharles93/pdc/internal/egnn"
	"github.com/samcharles93/pdc/internal/logger"
)

// ModelProvider resolves model names to loaded networks.
type ModelProvider interface {
	WithModel(ctx context.Context, name string, fn func(name string, net *egnn.Network) error) error
	ListModels() ([]string, error)
}

type ProviderConfig struct {
	// DefaultModelDir is used when a request names no model.
	DefaultModelDir string
	// ModelsPath holds one model directory per subdirectory.
	ModelsPath string
	// CacheSize bounds the number of networks kept in memory.
	CacheSize int
	Log       logger.Logger
}

const (
	envModelsDir     = "PDC_MODELS_DIR"
	defaultCacheSize = 4
)

// CachedModelProvider loads model directories on first use and keeps the
// most recently used networks in an LRU cache keyed by directory.
type CachedModelProvider struct {
	cfg   ProviderConfig
	log   logger.Logger
	mu    sync.Mutex
	cache *lru.Cache[string, *egnn.Network]

	// onChange is notified with the cache size after every change.
	onChange func(n int)
}

func NewCachedModelProvider(cfg ProviderConfig) (*CachedModelProvider, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	log := cfg.Log
	if log == nil {
		log = logger.Discard()
	}
	p := &CachedModelProvider{cfg: cfg, log: log}
	cache, err := lru.NewWithEvict[string, *egnn.Network](size, func(dir string, _ *egnn.Network) {
		p.log.Debug("model evicted", "dir", dir)
	})
	if err != nil {
		return nil, err
	}
	p.cache = cache
	return p, nil
}

// WithModel calls fn with the network for name. Networks are safe for
// concurrent forward passes so no per-model lock is held.
func (p *CachedModelProvider) WithModel(ctx context.Context, name string, fn func(name string, net *egnn.Network) error) error {
	dir, err := p.resolveModelDir(name)
	if err != nil {
		return err
	}
	net, err := p.getOrLoad(dir)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(modelName(dir), net)
}

func (p *CachedModelProvider) getOrLoad(dir string) (*egnn.Network, error) {
	p.mu.Lock()
	net, ok := p.cache.Get(dir)
	p.mu.Unlock()
	if ok {
		return net, nil
	}

	loaded, unused, err := egnn.Open(dir)
	if err != nil {
		return nil, err
	}
	if len(unused) > 0 {
		p.log.Warn("model has unused tensors", "dir", dir, "count", len(unused))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.cache.Get(dir); ok {
		return existing, nil
	}
	p.cache.Add(dir, loaded)
	p.log.Info("model loaded", "dir", dir, "params", loaded.Params().NumElements())
	p.notify()
	return loaded, nil
}

// Invalidate drops the cached network loaded from dir, if any.
func (p *CachedModelProvider) Invalidate(dir string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := p.cache.Remove(filepath.Clean(dir))
	if removed {
		p.notify()
	}
	return removed
}

// Cached returns the directories currently held, oldest first.
func (p *CachedModelProvider) Cached() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Keys()
}

// OnCacheChange registers fn to receive the number of cached networks
// whenever a network is loaded or dropped.
func (p *CachedModelProvider) OnCacheChange(fn func(n int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
	p.notify()
}

func (p *CachedModelProvider) notify() {
	if p.onChange != nil {
		p.onChange(p.cache.Len())
	}
}

// ListModels returns the names of the model directories under the models
// path, or the default model's name when no models path is set.
func (p *CachedModelProvider) ListModels() ([]string, error) {
	dir := p.modelsDir()
	if dir == "" {
		if p.cfg.DefaultModelDir == "" {
			return nil, nil
		}
		return []string{modelName(p.cfg.DefaultModelDir)}, nil
	}
	dirs, err := discoverModels(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(dirs))
	for _, d := range dirs {
		names = append(names, modelName(d))
	}
	return names, nil
}

func (p *CachedModelProvider) resolveModelDir(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name != "" {
		if looksLikePath(name) {
			dir := filepath.Clean(name)
			if !isModelDir(dir) {
				return "", fmt.Errorf("%w: %s", ErrModelNotFound, dir)
			}
			return dir, nil
		}
		if p.cfg.DefaultModelDir != "" && modelName(p.cfg.DefaultModelDir) == name {
			return filepath.Clean(p.cfg.DefaultModelDir), nil
		}
		modelsDir := p.modelsDir()
		if modelsDir == "" {
			return "", fmt.Errorf("%w: %q (no models path configured)", ErrModelNotFound, name)
		}
		dir := filepath.Join(modelsDir, name)
		if !isModelDir(dir) {
			return "", fmt.Errorf("%w: %q in %s", ErrModelNotFound, name, modelsDir)
		}
		return dir, nil
	}

	if p.cfg.DefaultModelDir != "" {
		return filepath.Clean(p.cfg.DefaultModelDir), nil
	}
	modelsDir := p.modelsDir()
	if modelsDir == "" {
		return "", newInvalidRequest("model is required")
	}
	models, err := discoverModels(modelsDir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 1:
		return models[0], nil
	case 0:
		return "", fmt.Errorf("%w: no models in %s", ErrModelNotFound, modelsDir)
	default:
		return "", newInvalidRequest(fmt.Sprintf("multiple models found in %s; specify model", modelsDir))
	}
}

func (p *CachedModelProvider) modelsDir() string {
	if strings.TrimSpace(p.cfg.ModelsPath) != "" {
		return strings.TrimSpace(p.cfg.ModelsPath)
	}
	return strings.TrimSpace(os.Getenv(envModelsDir))
}

// Watch invalidates cached networks whose directory changes on disk until
// ctx is done. It watches the models path and each model directory in it.
func (p *CachedModelProvider) Watch(ctx context.Context) error {
	root := p.modelsDir()
	var roots []string
	if root != "" {
		roots = append(roots, root)
	}
	if p.cfg.DefaultModelDir != "" {
		roots = append(roots, p.cfg.DefaultModelDir)
	}
	if len(roots) == 0 {
		return errors.New("watch: no model directories configured")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	for _, r := range roots {
		if err := addDirs(w, r); err != nil {
			return fmt.Errorf("watch %s: %w", r, err)
		}
	}
	p.log.Info("watching models", "dirs", roots)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			p.handleEvent(w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.log.Warn("model watcher error", "error", err)
		}
	}
}

func (p *CachedModelProvider) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
			if err := w.Add(ev.Name); err != nil {
				p.log.Warn("watch new directory", "dir", ev.Name, "error", err)
			}
		}
	}
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return
	}
	// A change to a model file invalidates its directory, a change to the
	// directory itself invalidates the directory.
	for _, dir := range []string{filepath.Dir(ev.Name), ev.Name} {
		if p.Invalidate(dir) {
			p.log.Info("model invalidated", "dir", dir, "op", ev.Op.String())
		}
	}
}

func addDirs(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.Add(path)
	})
}

func looksLikePath(v string) bool {
	return strings.ContainsRune(v, filepath.Separator) || strings.HasPrefix(v, ".")
}

func modelName(dir string) string {
	return filepath.Base(filepath.Clean(dir))
}

func isModelDir(dir string) bool {
	st, err := os.Stat(filepath.Join(dir, egnn.ConfigFile))
	return err == nil && !st.IsDir()
}

// discoverModels lists the subdirectories of dir holding a model config,
// sorted by name.
func discoverModels(dir string) ([]string, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	models := make([]string, 0, len(ents))
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		cand := filepath.Join(dir, e.Name())
		if isModelDir(cand) {
			models = append(models, cand)
		}
	}
	slices.Sort(models)
	return models, nil
}
