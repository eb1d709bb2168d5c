package fs

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCache_Load(t *testing.T) {
	t.Run("Starts Empty if File Missing", func(t *testing.T) {
		c := newCache(t.TempDir(), ".fragmenta")
		if err := c.Load(); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if c.Len() != 0 {
			t.Errorf("Expected empty index, got %d entries", c.Len())
		}
	})

	t.Run("Loads Valid Index", func(t *testing.T) {
		dir := t.TempDir()
		os.MkdirAll(filepath.Join(dir, ".fragmenta"), 0755)
		content := `{
			"version": 1,
			"entries": {
				"1714557600000.json": {
					"id": "1714557600000",
					"start": "2024-05-01T10:00:00Z",
					"lastModified": "2024-05-01T10:00:00Z"
				}
			}
		}`
		os.WriteFile(filepath.Join(dir, ".fragmenta", "index.json"), []byte(content), 0644)

		c := newCache(dir, ".fragmenta")
		if err := c.Load(); err != nil {
			t.Fatalf("Load failed: %v", err)
		}

		mtime := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		entry, ok := c.Get("1714557600000.json", mtime)
		if !ok {
			t.Fatal("Expected entry to be fresh")
		}
		if entry.Start == nil || !entry.Start.Equal(mtime) {
			t.Errorf("Unexpected start %v", entry.Start)
		}
	})

	t.Run("Resets on Corrupted Index", func(t *testing.T) {
		dir := t.TempDir()
		os.MkdirAll(filepath.Join(dir, ".fragmenta"), 0755)
		os.WriteFile(filepath.Join(dir, ".fragmenta", "index.json"), []byte("{ invalid"), 0644)

		c := newCache(dir, ".fragmenta")
		if err := c.Load(); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if c.Len() != 0 {
			t.Errorf("Expected empty index after corruption, got %d", c.Len())
		}
	})
}

func TestCache_SaveAndStaleness(t *testing.T) {
	dir := t.TempDir()
	c := newCache(dir, ".fragmenta")

	if err := c.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(c.Path); !os.IsNotExist(err) {
		t.Fatal("Clean index must not be written")
	}

	mtime := time.Now().UTC().Truncate(time.Second)
	start := mtime.Add(-time.Hour)
	c.Set("a.json", &indexEntry{ID: "a", Start: &start, LastModified: mtime})
	c.Set("b.json", &indexEntry{ID: "b", LastModified: mtime})

	if err := c.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded := newCache(dir, ".fragmenta")
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, ok := reloaded.Get("a.json", mtime); !ok {
		t.Error("Expected hit for unchanged mtime")
	}
	if _, ok := reloaded.Get("a.json", mtime.Add(time.Second)); ok {
		t.Error("Expected miss for changed mtime")
	}

	reloaded.Prune(map[string]bool{"a.json": true})
	if reloaded.Len() != 1 {
		t.Errorf("Expected 1 entry after prune, got %d", reloaded.Len())
	}
}
