package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/loam/internal/lora"
)

func writeAdapterMarker(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, lora.ConfigFile), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveAdapterDir(t *testing.T) {
	t.Run("adapter directory passes through", func(t *testing.T) {
		dir := t.TempDir()
		writeAdapterMarker(t, dir)

		got, err := resolveAdapterDir(dir)
		if err != nil {
			t.Fatalf("resolveAdapterDir: %v", err)
		}
		if got != dir {
			t.Fatalf("got %q, want %q", got, dir)
		}
	})

	t.Run("output directory picks newest checkpoint", func(t *testing.T) {
		out := t.TempDir()
		writeAdapterMarker(t, filepath.Join(out, "checkpoint-2"))
		writeAdapterMarker(t, filepath.Join(out, "checkpoint-10"))

		got, err := resolveAdapterDir(out)
		if err != nil {
			t.Fatalf("resolveAdapterDir: %v", err)
		}
		want := filepath.Join(out, "checkpoint-10")
		if got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("checkpoints without adapter files are skipped", func(t *testing.T) {
		out := t.TempDir()
		writeAdapterMarker(t, filepath.Join(out, "checkpoint-3"))
		if err := os.MkdirAll(filepath.Join(out, "checkpoint-9"), 0o755); err != nil {
			t.Fatal(err)
		}

		got, err := resolveAdapterDir(out)
		if err != nil {
			t.Fatalf("resolveAdapterDir: %v", err)
		}
		want := filepath.Join(out, "checkpoint-3")
		if got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("empty directory is an error", func(t *testing.T) {
		if _, err := resolveAdapterDir(t.TempDir()); err == nil {
			t.Fatal("expected an error")
		}
	})
}
