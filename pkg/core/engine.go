package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Engine fragments one stream into bounded buckets linked from the root.
// It is the sole writer of bucket and relation state; the stores own
// durability only.
type Engine struct {
	cfg       Config
	buckets   BucketStore
	members   MemberStore
	meta      MetaStore
	extractor TimestampExtractor
	locker    Locker

	mu        sync.RWMutex
	appended  int64
	splits    int64
	lastSplit *time.Time
}

// NewEngine creates an Engine over the given stores.
// The configuration is validated here; missing settings fail immediately.
// When stores.Locker is nil an in-process KeyedMutex guards Append.
func NewEngine(cfg Config, stores Stores, extractor TimestampExtractor) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if stores.Buckets == nil || stores.Members == nil || stores.Meta == nil {
		return nil, configErr("bucket, member and meta stores are required")
	}
	if extractor == nil {
		return nil, configErr("timestamp extractor is required")
	}

	locker := stores.Locker
	if locker == nil {
		locker = NewKeyedMutex()
	}

	return &Engine{
		cfg:       cfg,
		buckets:   stores.Buckets,
		members:   stores.Members,
		meta:      stores.Meta,
		extractor: extractor,
		locker:    locker,
	}, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) logger() *slog.Logger {
	if e.cfg.Logger != nil {
		return e.cfg.Logger
	}
	return discard
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// MostRecentBucket returns the bucket with the latest start.
func (e *Engine) MostRecentBucket(ctx context.Context) (Bucket, error) {
	b, err := e.buckets.FindMostRecentByStart(ctx, e.cfg.StreamID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Bucket{}, fmt.Errorf("no bucket in stream %q: %w", e.cfg.StreamID, ErrNotFound)
		}
		return Bucket{}, NewStoreError("find most recent bucket", err)
	}
	return b, nil
}

// Root returns the stream's root index.
func (e *Engine) Root(ctx context.Context) (Bucket, error) {
	return e.findBucket(ctx, RootID)
}

// Bucket returns the bucket with the given identifier.
func (e *Engine) Bucket(ctx context.Context, id string) (Bucket, error) {
	return e.findBucket(ctx, id)
}

func (e *Engine) findBucket(ctx context.Context, id string) (Bucket, error) {
	b, err := e.buckets.FindBucket(ctx, e.cfg.StreamID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Bucket{}, fmt.Errorf("bucket %q in stream %q: %w", id, e.cfg.StreamID, ErrNotFound)
		}
		return Bucket{}, NewStoreError("find bucket", err)
	}
	return b, nil
}

// Occupancy returns the current member count of a bucket.
func (e *Engine) Occupancy(ctx context.Context, bucketID string) (int, error) {
	b, err := e.findBucket(ctx, bucketID)
	if err != nil {
		return 0, err
	}
	n := b.Count
	if len(b.Members) > n {
		n = len(b.Members)
	}
	return n, nil
}

// CreateWindow creates a new leaf bucket with the window's bounds.
// It does not touch root relations.
func (e *Engine) CreateWindow(ctx context.Context, w Window) error {
	if w.ID == RootID {
		return fmt.Errorf("%w: the root identifier is reserved", ErrInvalidWindow)
	}
	b := Bucket{
		ID:       w.ID,
		StreamID: e.cfg.StreamID,
		Leaf:     true,
		Start:    cloneTime(w.Start),
		End:      cloneTime(w.End),
	}
	if err := e.buckets.InsertBucket(ctx, b); err != nil {
		return NewStoreError("insert bucket", err)
	}
	return nil
}

// UpdateWindow sets the window's non-nil bounds on the existing bucket.
func (e *Engine) UpdateWindow(ctx context.Context, w Window) error {
	if w.Start == nil && w.End == nil {
		return fmt.Errorf("%w: window %q has no bounds to set", ErrInvalidWindow, w.ID)
	}
	f := Fields{Start: cloneTime(w.Start), End: cloneTime(w.End)}
	if err := e.buckets.SetFields(ctx, e.cfg.StreamID, w.ID, f); err != nil {
		return NewStoreError("set bucket fields", err)
	}
	return nil
}

// LinkFromRoot appends one relation from the root to the window.
// A GTE relation takes the window's start as value, an LT relation its end.
func (e *Engine) LinkFromRoot(ctx context.Context, w Window, kind RelationType) error {
	var bound *time.Time
	switch kind {
	case RelationGTE:
		bound = w.Start
	case RelationLT:
		bound = w.End
	default:
		return fmt.Errorf("%w: unsupported relation type %q", ErrInvalidWindow, kind)
	}
	if bound == nil {
		return fmt.Errorf("%w: window %q has no bound for a %s relation", ErrInvalidWindow, w.ID, kind)
	}

	rel := Relation{
		Type:   kind,
		Path:   e.cfg.TimestampPath,
		Value:  FormatInstant(*bound),
		Bucket: w.ID,
	}
	if err := e.buckets.AppendRelations(ctx, e.cfg.StreamID, RootID, []Relation{rel}); err != nil {
		return NewStoreError("append root relation", err)
	}
	return nil
}

// Append adds a member to the current bucket, splitting it first when it
// is full.
//
// Workflow (inside the stream's critical section):
//  1. Find the most recent bucket and its occupancy.
//  2. Under capacity: store the payload and record the member ID.
//  3. Full: derive the split instant from the member, open a new bucket
//     linked from the root with GTE, close the current one and link it
//     with LT at the same instant, then place the member in the new bucket.
//
// Failures abort immediately. A split interrupted by a store failure is not
// rolled back.
func (e *Engine) Append(ctx context.Context, m Member) error {
	if m.ID == "" {
		return errors.New("member ID cannot be empty")
	}

	unlock, err := e.locker.Lock(ctx, e.cfg.StreamID)
	if err != nil {
		return fmt.Errorf("failed to lock stream %q: %w", e.cfg.StreamID, err)
	}
	defer unlock()

	cur, err := e.MostRecentBucket(ctx)
	if err != nil {
		return err
	}
	n, err := e.Occupancy(ctx, cur.ID)
	if err != nil {
		return err
	}

	if e.cfg.hasRoom(n) {
		return e.place(ctx, cur.ID, m)
	}
	return e.split(ctx, cur, m)
}

func (e *Engine) place(ctx context.Context, bucketID string, m Member) error {
	if err := e.members.InsertMembers(ctx, []Member{m}); err != nil {
		return NewStoreError("insert members", err)
	}
	if err := e.buckets.AppendMemberIDs(ctx, e.cfg.StreamID, bucketID, []string{m.ID}); err != nil {
		return NewStoreError("append member ids", err)
	}

	e.mu.Lock()
	e.appended++
	e.mu.Unlock()

	e.logger().Debug("member appended", "stream", e.cfg.StreamID, "bucket", bucketID, "member", m.ID)
	e.emit(ctx, Event{Type: EventMemberAppended, Bucket: bucketID, Member: m.ID})
	return nil
}

func (e *Engine) split(ctx context.Context, cur Bucket, m Member) error {
	// Everything up to the first write may fail without touching state.
	if e.cfg.TimestampPath == "" {
		return configErr("timestamp path is not set")
	}
	at, err := e.extractor.Extract(m.Payload, e.cfg.TimestampPath)
	if err != nil {
		if !errors.Is(err, ErrExtraction) {
			err = fmt.Errorf("%w: %v", ErrExtraction, err)
		}
		return fmt.Errorf("member %q: %w", m.ID, err)
	}
	boundary := Instant(at)
	if cur.Start != nil {
		switch {
		case boundary.Before(*cur.Start):
			return fmt.Errorf("%w: member %q at %s precedes bucket %q starting %s",
				ErrOutOfOrder, m.ID, FormatInstant(*boundary), cur.ID, FormatInstant(*cur.Start))
		case boundary.Equal(*cur.Start):
			return fmt.Errorf("%w: member %q at %s would split bucket %q at its own start",
				ErrBoundaryCollision, m.ID, FormatInstant(*boundary), cur.ID)
		}
	}

	next := Window{ID: BucketID(*boundary), Start: boundary}
	if err := e.CreateWindow(ctx, next); err != nil {
		return err
	}
	if err := e.LinkFromRoot(ctx, next, RelationGTE); err != nil {
		return err
	}

	closed := cur.Window()
	closed.End = boundary
	if err := e.UpdateWindow(ctx, closed); err != nil {
		return err
	}
	if err := e.LinkFromRoot(ctx, closed, RelationLT); err != nil {
		return err
	}

	e.mu.Lock()
	e.splits++
	e.lastSplit = cloneTime(boundary)
	e.mu.Unlock()

	e.logger().Info("bucket split",
		"stream", e.cfg.StreamID,
		"closed", cur.ID,
		"opened", next.ID,
		"boundary", FormatInstant(*boundary),
	)
	e.emit(ctx, Event{Type: EventBucketClosed, Bucket: cur.ID})
	e.emit(ctx, Event{Type: EventBucketOpened, Bucket: next.ID})

	if e.cfg.DropSplitTrigger {
		e.logger().Warn("split trigger dropped", "stream", e.cfg.StreamID, "member", m.ID)
		return nil
	}
	return e.place(ctx, next.ID, m)
}

// Publish appends members strictly in order. It stops at the first failure;
// members appended before it stay appended.
func (e *Engine) Publish(ctx context.Context, members []Member) error {
	for i, m := range members {
		if err := e.Append(ctx, m); err != nil {
			return fmt.Errorf("publish member %d (%s): %w", i, m.ID, err)
		}
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	if e.cfg.Events == nil {
		return
	}
	ev.StreamID = e.cfg.StreamID
	ev.Timestamp = time.Now().Unix()
	select {
	case e.cfg.Events <- ev:
	case <-ctx.Done():
	}
}
