package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeModelDir(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("depth: 1\ndim: 2\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestDiscoverModelsSorted(t *testing.T) {
	dir := t.TempDir()
	writeModelDir(t, filepath.Join(dir, "b"))
	writeModelDir(t, filepath.Join(dir, "a"))
	if err := os.Mkdir(filepath.Join(dir, "not-a-model"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	got, err := discoverModels(dir)
	if err != nil {
		t.Fatalf("discoverModels returned error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "a"),
		filepath.Join(dir, "b"),
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected model count: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected ordering at %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestResolveModelDir(t *testing.T) {
	t.Run("model flag bypasses env", func(t *testing.T) {
		t.Setenv(envModelsDir, "")
		got, err := resolveModelDir("/tmp/model/", "", bytes.NewBuffer(nil), io.Discard)
		if err != nil {
			t.Fatalf("resolveModelDir returned error: %v", err)
		}
		if got != filepath.Clean("/tmp/model") {
			t.Fatalf("unexpected model path: got %q", got)
		}
	})

	t.Run("no source is an error", func(t *testing.T) {
		t.Setenv(envModelsDir, "")
		if _, err := resolveModelDir("", "", bytes.NewBuffer(nil), io.Discard); err == nil {
			t.Fatalf("expected error without --model, --models-path or %s", envModelsDir)
		}
	})

	t.Run("single model selects automatically", func(t *testing.T) {
		dir := t.TempDir()
		only := filepath.Join(dir, "only")
		writeModelDir(t, only)
		t.Setenv(envModelsDir, dir)

		prevTTY := stdinIsTTY
		stdinIsTTY = func() bool { return false }
		defer func() { stdinIsTTY = prevTTY }()

		got, err := resolveModelDir("", "", bytes.NewBuffer(nil), io.Discard)
		if err != nil {
			t.Fatalf("resolveModelDir returned error: %v", err)
		}
		if got != only {
			t.Fatalf("unexpected model path: got %q want %q", got, only)
		}
	})

	t.Run("multiple models requires tty", func(t *testing.T) {
		dir := t.TempDir()
		writeModelDir(t, filepath.Join(dir, "a"))
		writeModelDir(t, filepath.Join(dir, "b"))
		t.Setenv(envModelsDir, dir)

		prevTTY := stdinIsTTY
		stdinIsTTY = func() bool { return false }
		defer func() { stdinIsTTY = prevTTY }()

		if _, err := resolveModelDir("", "", bytes.NewBuffer(nil), io.Discard); err == nil {
			t.Fatalf("expected error when multiple models and stdin is not a tty")
		}
	})

	t.Run("interactive selection chooses sorted index", func(t *testing.T) {
		dir := t.TempDir()
		b := filepath.Join(dir, "b")
		writeModelDir(t, b)
		writeModelDir(t, filepath.Join(dir, "a"))

		prevTTY := stdinIsTTY
		stdinIsTTY = func() bool { return true }
		defer func() { stdinIsTTY = prevTTY }()

		got, err := resolveModelDir("", dir, bytes.NewBufferString("x\n2\n"), io.Discard)
		if err != nil {
			t.Fatalf("resolveModelDir returned error: %v", err)
		}
		if got != b {
			t.Fatalf("unexpected model selection: got %q want %q", got, b)
		}
	})
}
