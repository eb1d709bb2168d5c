package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// BootstrapConfig describes a stream's one-time initialization.
type BootstrapConfig struct {
	Description string
	Start       time.Time // start of the first window; zero means now
}

// Bootstrap initializes the stream: root bucket, a first window linked from
// the root with a GTE relation at its start, then the stream metadata.
//
// It is idempotent. When the stream metadata already exists it returns
// (false, nil) without side effects. Use errors.Is(err, ErrAlreadyInitialized)
// on the result of MustBootstrap for the explicit form.
func (e *Engine) Bootstrap(ctx context.Context, bc BootstrapConfig) (bool, error) {
	unlock, err := e.locker.Lock(ctx, e.cfg.StreamID)
	if err != nil {
		return false, fmt.Errorf("failed to lock stream %q: %w", e.cfg.StreamID, err)
	}
	defer unlock()

	if _, err := e.meta.FindStreamMeta(ctx, e.cfg.StreamID); err == nil {
		e.logger().Debug("stream already initialized", "stream", e.cfg.StreamID)
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, NewStoreError("find stream meta", err)
	}

	if strings.TrimSpace(bc.Description) == "" {
		return false, configErr("stream %q has never been initialized and no description was given", e.cfg.StreamID)
	}

	start := bc.Start
	if start.IsZero() {
		start = time.Now()
	}
	first := Window{ID: BucketID(start), Start: Instant(start)}

	// The metadata is written last: it marks the stream initialized, so a
	// bootstrap interrupted before it is retried and completes the rest.
	root, err := e.buckets.FindBucket(ctx, e.cfg.StreamID, RootID)
	if errors.Is(err, ErrNotFound) {
		root = Bucket{ID: RootID, StreamID: e.cfg.StreamID, Leaf: false}
		if err := e.buckets.InsertBucket(ctx, root); err != nil {
			return false, NewStoreError("insert root bucket", err)
		}
	} else if err != nil {
		return false, NewStoreError("find root bucket", err)
	}

	if linked := firstLinked(root); linked != "" {
		e.logger().Warn("resuming interrupted bootstrap", "stream", e.cfg.StreamID, "window", linked)
		first.ID = linked
	} else {
		if _, err := e.buckets.FindBucket(ctx, e.cfg.StreamID, first.ID); errors.Is(err, ErrNotFound) {
			if err := e.CreateWindow(ctx, first); err != nil {
				return false, err
			}
		} else if err != nil {
			return false, NewStoreError("find first window", err)
		}
		if err := e.LinkFromRoot(ctx, first, RelationGTE); err != nil {
			return false, err
		}
	}

	meta := StreamMeta{
		StreamID:    e.cfg.StreamID,
		Description: bc.Description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.meta.InsertStreamMeta(ctx, meta); err != nil {
		return false, NewStoreError("insert stream meta", err)
	}

	e.logger().Info("stream initialized", "stream", e.cfg.StreamID, "window", first.ID)
	e.emit(ctx, Event{Type: EventBucketOpened, Bucket: first.ID})
	return true, nil
}

// MustBootstrap is Bootstrap with the "already initialized" outcome
// surfaced as ErrAlreadyInitialized.
func (e *Engine) MustBootstrap(ctx context.Context, bc BootstrapConfig) error {
	created, err := e.Bootstrap(ctx, bc)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("stream %q: %w", e.cfg.StreamID, ErrAlreadyInitialized)
	}
	return nil
}

// firstLinked returns the window a root already links with GTE, left by an
// interrupted bootstrap.
func firstLinked(root Bucket) string {
	for _, r := range root.Relations {
		if r.Type == RelationGTE {
			return r.Bucket
		}
	}
	return ""
}
