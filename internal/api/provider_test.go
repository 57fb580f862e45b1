package api

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/samcharles93/pdc/internal/egnn"
)

func TestCachedModelProviderListModelsFromDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestModel(t, filepath.Join(dir, "beta"))
	writeTestModel(t, filepath.Join(dir, "alpha"))
	mustWriteFile(t, filepath.Join(dir, "notes.txt"), "x")
	if err := os.Mkdir(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	provider := mustProvider(t, ProviderConfig{ModelsPath: dir})
	models, err := provider.ListModels()
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}

	want := []string{"alpha", "beta"}
	if !reflect.DeepEqual(models, want) {
		t.Fatalf("ListModels() = %v, want %v", models, want)
	}
}

func TestCachedModelProviderListModelsIncludesDefaultModel(t *testing.T) {
	t.Parallel()

	provider := mustProvider(t, ProviderConfig{DefaultModelDir: "/models/custom-model"})
	models, err := provider.ListModels()
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}

	want := []string{"custom-model"}
	if !reflect.DeepEqual(models, want) {
		t.Fatalf("ListModels() = %v, want %v", models, want)
	}
}

func TestCachedModelProviderResolvesModels(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestModel(t, filepath.Join(dir, "only"))
	provider := mustProvider(t, ProviderConfig{ModelsPath: dir})

	for _, name := range []string{"", "only", filepath.Join(dir, "only")} {
		var got string
		err := provider.WithModel(context.Background(), name, func(name string, _ *egnn.Network) error {
			got = name
			return nil
		})
		if err != nil {
			t.Fatalf("WithModel(%q) error = %v", name, err)
		}
		if got != "only" {
			t.Fatalf("WithModel(%q) resolved %q", name, got)
		}
	}
	if got := len(provider.Cached()); got != 1 {
		t.Fatalf("cached: got %d, want 1", got)
	}

	err := provider.WithModel(context.Background(), "other", func(string, *egnn.Network) error { return nil })
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("unknown model error = %v", err)
	}
}

func TestCachedModelProviderAmbiguousDefault(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestModel(t, filepath.Join(dir, "a"))
	writeTestModel(t, filepath.Join(dir, "b"))
	provider := mustProvider(t, ProviderConfig{ModelsPath: dir})

	err := provider.WithModel(context.Background(), "", func(string, *egnn.Network) error { return nil })
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("WithModel() error = %v, want invalid request", err)
	}
}

func TestCachedModelProviderEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"a", "b", "c"} {
		writeTestModel(t, filepath.Join(dir, name))
	}
	provider := mustProvider(t, ProviderConfig{ModelsPath: dir, CacheSize: 2})
	var sizes []int
	provider.OnCacheChange(func(n int) { sizes = append(sizes, n) })

	for _, name := range []string{"a", "b", "c"} {
		if err := provider.WithModel(context.Background(), name, func(string, *egnn.Network) error { return nil }); err != nil {
			t.Fatalf("WithModel(%q) error = %v", name, err)
		}
	}
	want := []string{filepath.Join(dir, "b"), filepath.Join(dir, "c")}
	if got := provider.Cached(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Cached() = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(sizes, []int{0, 1, 2, 2}) {
		t.Fatalf("cache sizes = %v", sizes)
	}
}

func TestCachedModelProviderHonoursCancellation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestModel(t, filepath.Join(dir, "m"))
	provider := mustProvider(t, ProviderConfig{ModelsPath: dir})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := provider.WithModel(ctx, "m", func(string, *egnn.Network) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("WithModel() error = %v called=%v", err, called)
	}
}

func TestCachedModelProviderWatchInvalidates(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	model := filepath.Join(dir, "m")
	writeTestModel(t, model)
	provider := mustProvider(t, ProviderConfig{ModelsPath: dir})
	if err := provider.WithModel(context.Background(), "m", func(string, *egnn.Network) error { return nil }); err != nil {
		t.Fatalf("WithModel() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- provider.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	}()

	// The watcher registers asynchronously; keep touching the model until
	// the change is seen.
	deadline := time.Now().Add(5 * time.Second)
	for len(provider.Cached()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("model was not invalidated")
		}
		writeTestModel(t, model)
		time.Sleep(20 * time.Millisecond)
	}
}

func mustProvider(t *testing.T, cfg ProviderConfig) *CachedModelProvider {
	t.Helper()
	p, err := NewCachedModelProvider(cfg)
	if err != nil {
		t.Fatalf("NewCachedModelProvider() error = %v", err)
	}
	return p
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
