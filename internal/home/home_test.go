package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("with explicit path", func(t *testing.T) {
		dir, err := New("/tmp/test-planforge")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if dir.Path() != "/tmp/test-planforge" {
			t.Errorf("expected path /tmp/test-planforge, got %s", dir.Path())
		}
	})

	t.Run("with empty path uses default", func(t *testing.T) {
		dir, err := New("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, DefaultDirName)
		if dir.Path() != expected {
			t.Errorf("expected path %s, got %s", expected, dir.Path())
		}
	})
}

func TestDir_Paths(t *testing.T) {
	dir, _ := New("/tmp/test-planforge")

	if got := dir.PostgresDataPath(); got != "/tmp/test-planforge/postgres" {
		t.Errorf("unexpected postgres data path: %s", got)
	}
	if got := dir.ConfigPath(); got != "/tmp/test-planforge/config.yaml" {
		t.Errorf("unexpected config path: %s", got)
	}
}

func TestDir_EnsureExists(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "planforge-home")

	dir, err := New(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dir.Exists() {
		t.Error("expected directory to not exist yet")
	}
	if err := dir.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists failed: %v", err)
	}
	if !dir.Exists() {
		t.Error("expected directory to exist")
	}

	info, err := os.Stat(dir.PostgresDataPath())
	if err != nil || !info.IsDir() {
		t.Error("expected postgres data directory")
	}

	if dir.ConfigExists() {
		t.Error("expected no config file yet")
	}
}
