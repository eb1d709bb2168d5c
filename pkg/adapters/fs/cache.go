package fs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// indexEntry is the cached start of one bucket file.
type indexEntry struct {
	ID           string     `json:"id"`
	Start        *time.Time `json:"start,omitempty"`
	LastModified time.Time  `json:"lastModified"`
}

// index is the persistent state of a stream's start index.
type index struct {
	Version int                    `json:"version"`
	Entries map[string]*indexEntry `json:"entries"` // keyed by bucket file name
	dirty   bool
	mu      sync.RWMutex
}

// cache maps bucket files to their starts so the most recent bucket can be
// found without decoding every file. Entries are trusted only while the
// file's mtime matches.
type cache struct {
	Path  string // <stream dir>/<system dir>/index.json
	index *index
}

func newCache(streamDir, systemDir string) *cache {
	return &cache{
		Path: filepath.Join(streamDir, systemDir, "index.json"),
		index: &index{
			Version: 1,
			Entries: make(map[string]*indexEntry),
		},
	}
}

// Load reads the index from disk. A missing or corrupted file yields an
// empty index; it is rebuilt from the bucket files.
func (c *cache) Load() error {
	c.index.mu.Lock()
	defer c.index.mu.Unlock()

	data, err := os.ReadFile(c.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}

	if err := json.Unmarshal(data, c.index); err != nil || c.index.Entries == nil {
		c.index.Entries = make(map[string]*indexEntry)
		return nil
	}

	c.index.dirty = false
	return nil
}

// Save persists the index if it changed since the last Load or Save.
func (c *cache) Save() error {
	c.index.mu.RLock()
	if !c.index.dirty {
		c.index.mu.RUnlock()
		return nil
	}
	data, err := json.MarshalIndent(c.index, "", "  ")
	c.index.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(c.Path), 0755); err != nil {
		return err
	}
	if err := writeFileAtomic(c.Path, data, 0644); err != nil {
		return err
	}

	c.index.mu.Lock()
	c.index.dirty = false
	c.index.mu.Unlock()
	return nil
}

// Get returns the entry for name if its recorded mtime matches.
func (c *cache) Get(name string, mtime time.Time) (*indexEntry, bool) {
	c.index.mu.RLock()
	defer c.index.mu.RUnlock()

	entry, ok := c.index.Entries[name]
	if !ok || !entry.LastModified.Equal(mtime) {
		return nil, false
	}
	return entry, true
}

func (c *cache) Set(name string, entry *indexEntry) {
	c.index.mu.Lock()
	defer c.index.mu.Unlock()

	c.index.Entries[name] = entry
	c.index.dirty = true
}

// Prune drops entries whose file is not in keep.
func (c *cache) Prune(keep map[string]bool) {
	c.index.mu.Lock()
	defer c.index.mu.Unlock()

	for name := range c.index.Entries {
		if !keep[name] {
			delete(c.index.Entries, name)
			c.index.dirty = true
		}
	}
}

func (c *cache) Len() int {
	c.index.mu.RLock()
	defer c.index.mu.RUnlock()
	return len(c.index.Entries)
}
