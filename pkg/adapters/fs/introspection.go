package fs

import (
	"time"

	"github.com/aretw0/introspection"
)

// RepositoryState exposes internal state for observability.
type RepositoryState struct {
	Path           string     `json:"path"`
	SystemDir      string     `json:"system_dir"`
	Format         string     `json:"format"`
	IndexedStreams int        `json:"indexed_streams"`
	IndexedBuckets int        `json:"indexed_buckets"`
	WatcherActive  bool       `json:"watcher_active"`
	LastSpool      *time.Time `json:"last_spool,omitempty"`
}

// State implements introspection.Introspectable.
func (r *Repository) State() any {
	r.mu.Lock()
	indexed := 0
	for _, c := range r.caches {
		indexed += c.Len()
	}
	streams := len(r.caches)
	r.mu.Unlock()

	r.stateMu.RLock()
	defer r.stateMu.RUnlock()

	var last *time.Time
	if r.lastSpool != nil {
		t := *r.lastSpool
		last = &t
	}

	return RepositoryState{
		Path:           r.Path,
		SystemDir:      r.config.SystemDir,
		Format:         r.ext,
		IndexedStreams: streams,
		IndexedBuckets: indexed,
		WatcherActive:  r.watcherActive,
		LastSpool:      last,
	}
}

// ComponentType implements introspection.Component.
func (r *Repository) ComponentType() string {
	return "fs"
}

var _ introspection.Introspectable = (*Repository)(nil)
var _ introspection.Component = (*Repository)(nil)

func (r *Repository) setWatcherActive(active bool) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.watcherActive = active
}

func (r *Repository) recordSpool() {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	now := time.Now()
	r.lastSpool = &now
}
