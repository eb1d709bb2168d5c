package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aretw0/fragmenta/pkg/core"
)

func (r *Repository) lockPath(streamID string) string {
	return filepath.Join(r.streamDir(streamID), r.config.SystemDir, "lock")
}

// Lock implements core.Locker with an O_EXCL lock file per stream, so
// several processes sharing the directory append one at a time.
//
// The file holds "<pid> <token> <time>". Only the owner of the token
// removes it on unlock.
func (r *Repository) Lock(ctx context.Context, streamID string) (func(), error) {
	path := r.lockPath(streamID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	token := uuid.NewString()

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d %s %s\n", os.Getpid(), token, time.Now().UTC().Format(time.RFC3339))
			f.Close()

			var once sync.Once
			return func() {
				once.Do(func() { r.release(path, token) })
			}, nil
		}

		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}

		if r.breakStale(path) {
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to acquire lock on stream %q: %w", streamID, ctx.Err())
		case <-time.After(r.config.LockPoll):
		}
	}
}

func lockToken(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// release removes the lock file if it still carries token. A lock broken
// as stale and taken by another owner is left alone.
func (r *Repository) release(path, token string) {
	if lockToken(path) != token {
		if r.config.Logger != nil {
			r.config.Logger.Warn("stream lock was taken over before release", "path", path)
		}
		return
	}
	os.Remove(path)
}

func (r *Repository) isStale(path string) bool {
	info, err := os.Stat(path)
	return err == nil && time.Since(info.ModTime()) >= r.config.StaleLock
}

// breakStale removes a lock file older than StaleLock. Breakers take a
// guard file first and look at the lock again under it, so a waiter that
// judged an older file stale cannot remove the one a new owner created.
func (r *Repository) breakStale(path string) bool {
	if r.config.StaleLock <= 0 || !r.isStale(path) {
		return false
	}

	guard := path + ".break"
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		// A breaker that died leaves its guard behind.
		if r.isStale(guard) {
			os.Remove(guard)
		}
		return false
	}
	g.Close()
	defer os.Remove(guard)

	if !r.isStale(path) {
		return false
	}
	if r.config.Logger != nil {
		r.config.Logger.Warn("breaking stale stream lock", "path", path, "owner", lockToken(path))
	}
	return os.Remove(path) == nil
}

var _ core.Locker = (*Repository)(nil)
