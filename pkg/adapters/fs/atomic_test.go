package fs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aretw0/fragmenta/pkg/core"
)

func TestWriteFileAtomic(t *testing.T) {
	t.Run("Creates Bucket File", func(t *testing.T) {
		dir := t.TempDir()
		filename := filepath.Join(dir, "1714557600000000000.json")
		content := []byte(`{"id":"1714557600000000000"}`)

		if err := writeFileAtomic(filename, content, 0644); err != nil {
			t.Fatalf("writeFileAtomic failed: %v", err)
		}

		got, err := os.ReadFile(filename)
		if err != nil {
			t.Fatalf("Failed to read file: %v", err)
		}
		if string(got) != string(content) {
			t.Errorf("Expected %q, got %q", content, got)
		}
	})

	t.Run("Replaces Existing File", func(t *testing.T) {
		dir := t.TempDir()
		filename := filepath.Join(dir, "_root.json")

		if err := os.WriteFile(filename, []byte("old"), 0644); err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
		if err := writeFileAtomic(filename, []byte("new"), 0644); err != nil {
			t.Fatalf("writeFileAtomic failed: %v", err)
		}

		got, _ := os.ReadFile(filename)
		if string(got) != "new" {
			t.Errorf("Expected 'new', got %q", got)
		}
	})

	t.Run("Leaves No Temp Files Behind", func(t *testing.T) {
		dir := t.TempDir()
		for i := 0; i < 3; i++ {
			if err := writeFileAtomic(filepath.Join(dir, "b.yaml"), []byte("x"), 0644); err != nil {
				t.Fatalf("writeFileAtomic failed: %v", err)
			}
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), TempFilePrefix) {
				t.Errorf("temp file left behind: %s", e.Name())
			}
		}
		if len(entries) != 1 {
			t.Errorf("Expected 1 file, got %d", len(entries))
		}
	})

	t.Run("Fails if Directory Missing", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "buckets", "b.json")
		if err := writeFileAtomic(filename, []byte("fail"), 0644); err == nil {
			t.Error("Expected error when directory is missing, got nil")
		}
	})
}

func TestCreateFileAtomic(t *testing.T) {
	t.Run("Creates Once", func(t *testing.T) {
		dir := t.TempDir()
		filename := filepath.Join(dir, "meta.yaml")

		if err := createFileAtomic(filename, []byte("first"), 0644); err != nil {
			t.Fatalf("createFileAtomic failed: %v", err)
		}
		err := createFileAtomic(filename, []byte("second"), 0644)
		if !errors.Is(err, core.ErrDuplicate) {
			t.Fatalf("Expected ErrDuplicate, got %v", err)
		}

		got, _ := os.ReadFile(filename)
		if string(got) != "first" {
			t.Errorf("Expected 'first', got %q", got)
		}

		entries, _ := os.ReadDir(dir)
		if len(entries) != 1 {
			t.Errorf("Expected only meta.yaml, got %d entries", len(entries))
		}
	})

	t.Run("Fails if Directory Missing", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "s", "meta.yaml")
		err := createFileAtomic(filename, []byte("x"), 0644)
		if err == nil || errors.Is(err, core.ErrDuplicate) {
			t.Errorf("Expected a staging error, got %v", err)
		}
	})
}
