package fs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/fragmenta/pkg/core"
)

const (
	// DefaultSystemDir holds the per-stream index and lock file.
	DefaultSystemDir = ".fragmenta"

	rootFileName = "_root"
	metaFileName = "meta.yaml"
	membersDir   = "members"
	bucketsDir   = "buckets"
)

// Repository implements the fragmenta stores on the local filesystem.
//
// Layout under Path:
//
//	<stream>/meta.yaml
//	<stream>/buckets/_root.<ext>
//	<stream>/buckets/<bucket id>.<ext>
//	<stream>/<system dir>/index.json
//	<stream>/<system dir>/lock
//	members/<member id>
type Repository struct {
	Path       string
	config     Config
	ext        string
	serializer Serializer

	mu     sync.Mutex // serializes read-modify-write cycles in this process
	caches map[string]*cache

	stateMu       sync.RWMutex
	watcherActive bool
	lastSpool     *time.Time
}

// Config holds the configuration for the filesystem repository.
type Config struct {
	Path      string
	Format    string // bucket file format: "json" (default) or "yaml"
	SystemDir string // e.g. ".fragmenta"
	MustExist bool
	Logger    *slog.Logger

	// LockPoll is the wait between attempts on a held stream lock.
	LockPoll time.Duration
	// StaleLock, when positive, breaks lock files older than this.
	StaleLock time.Duration
}

// NewRepository creates a filesystem-backed repository.
func NewRepository(config Config) (*Repository, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("%w: fs path is required", core.ErrConfiguration)
	}
	if config.SystemDir == "" {
		config.SystemDir = DefaultSystemDir
	}
	if config.LockPoll <= 0 {
		config.LockPoll = 10 * time.Millisecond
	}

	ext := normalizeExt(config.Format)
	serializer, ok := DefaultSerializers()[ext]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported bucket format %q", core.ErrConfiguration, config.Format)
	}

	return &Repository{
		Path:       config.Path,
		config:     config,
		ext:        ext,
		serializer: serializer,
		caches:     make(map[string]*cache),
	}, nil
}

// Initialize creates the repository directory, or checks it when MustExist is set.
func (r *Repository) Initialize(ctx context.Context) error {
	if r.config.MustExist {
		info, err := os.Stat(r.Path)
		if os.IsNotExist(err) {
			return fmt.Errorf("repository path does not exist: %s", r.Path)
		}
		if err != nil {
			return fmt.Errorf("failed to stat repository path: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("repository path is not a directory: %s", r.Path)
		}
		return nil
	}

	if err := os.MkdirAll(r.Path, 0755); err != nil {
		return fmt.Errorf("failed to create repository directory: %w", err)
	}
	return nil
}

// Stores returns the repository wired as every engine collaborator.
func (r *Repository) Stores() core.Stores {
	return core.Stores{Buckets: r, Members: r, Meta: r, Locker: r}
}

// escape turns an identifier into a single path segment.
func escape(id string) string {
	name := url.PathEscape(id)
	if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
		// Leading "_" is reserved for the root, leading "." for system files.
		name = fmt.Sprintf("%%%02X", name[0]) + name[1:]
	}
	return name
}

func (r *Repository) streamDir(streamID string) string {
	return filepath.Join(r.Path, escape(streamID))
}

func (r *Repository) bucketFile(id string) string {
	if id == core.RootID {
		return rootFileName + r.ext
	}
	return escape(id) + r.ext
}

func (r *Repository) bucketPath(streamID, id string) string {
	return filepath.Join(r.streamDir(streamID), bucketsDir, r.bucketFile(id))
}

func (r *Repository) memberPath(id string) string {
	return filepath.Join(r.Path, membersDir, escape(id))
}

func (r *Repository) metaPath(streamID string) string {
	return filepath.Join(r.streamDir(streamID), metaFileName)
}

func (r *Repository) cacheFor(streamID string) *cache {
	c, ok := r.caches[streamID]
	if !ok {
		c = newCache(r.streamDir(streamID), r.config.SystemDir)
		if err := c.Load(); err != nil && r.config.Logger != nil {
			r.config.Logger.Warn("failed to load start index", "stream", streamID, "error", err)
		}
		r.caches[streamID] = c
	}
	return c
}

func (r *Repository) readBucket(path string) (core.Bucket, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return core.Bucket{}, core.ErrNotFound
	}
	if err != nil {
		return core.Bucket{}, fmt.Errorf("failed to read bucket file: %w", err)
	}
	b, err := r.serializer.Decode(data)
	if err != nil {
		return core.Bucket{}, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return b, nil
}

// writeBucket persists b and refreshes its index entry. With create set
// it fails with core.ErrDuplicate when the file exists.
// Callers hold r.mu.
func (r *Repository) writeBucket(b core.Bucket, create bool) error {
	path := r.bucketPath(b.StreamID, b.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create buckets directory: %w", err)
	}

	data, err := r.serializer.Encode(b)
	if err != nil {
		return fmt.Errorf("failed to encode bucket %q: %w", b.ID, err)
	}
	write := writeFileAtomic
	if create {
		write = createFileAtomic
	}
	if err := write(path, data, 0644); err != nil {
		return err
	}

	if info, err := os.Stat(path); err == nil {
		r.cacheFor(b.StreamID).Set(filepath.Base(path), &indexEntry{
			ID:           b.ID,
			Start:        b.Start,
			LastModified: info.ModTime(),
		})
	}
	return nil
}

func (r *Repository) FindBucket(ctx context.Context, streamID, id string) (core.Bucket, error) {
	b, err := r.readBucket(r.bucketPath(streamID, id))
	return b, core.NewStoreError("find bucket", err)
}

func (r *Repository) InsertBucket(ctx context.Context, b core.Bucket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b = b.Clone()
	b.Count = len(b.Members)
	return core.NewStoreError("insert bucket", r.writeBucket(b, true))
}

func (r *Repository) update(op, streamID, id string, fn func(*core.Bucket)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.readBucket(r.bucketPath(streamID, id))
	if err != nil {
		return core.NewStoreError(op, err)
	}
	fn(&b)
	return core.NewStoreError(op, r.writeBucket(b, false))
}

func (r *Repository) AppendMemberIDs(ctx context.Context, streamID, id string, ids []string) error {
	return r.update("append members", streamID, id, func(b *core.Bucket) {
		b.Members = append(b.Members, ids...)
		b.Count += len(ids)
	})
}

func (r *Repository) AppendRelations(ctx context.Context, streamID, id string, rels []core.Relation) error {
	return r.update("append relations", streamID, id, func(b *core.Bucket) {
		b.Relations = append(b.Relations, rels...)
	})
}

func (r *Repository) SetFields(ctx context.Context, streamID, id string, f core.Fields) error {
	return r.update("set fields", streamID, id, func(b *core.Bucket) {
		if f.Start != nil {
			b.Start = core.Instant(*f.Start)
		}
		if f.End != nil {
			b.End = core.Instant(*f.End)
		}
	})
}

// FindMostRecentByStart scans the stream's bucket files, decoding only
// those whose index entry is missing or stale.
func (r *Repository) FindMostRecentByStart(ctx context.Context, streamID string) (core.Bucket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir := filepath.Join(r.streamDir(streamID), bucketsDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return core.Bucket{}, core.ErrNotFound
	}
	if err != nil {
		return core.Bucket{}, core.NewStoreError("scan buckets", err)
	}

	c := r.cacheFor(streamID)
	keep := make(map[string]bool, len(entries))
	var best *indexEntry

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return core.Bucket{}, err
		}
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != r.ext || strings.HasPrefix(name, TempFilePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed mid-scan
		}
		keep[name] = true

		entry, ok := c.Get(name, info.ModTime())
		if !ok {
			b, err := r.readBucket(filepath.Join(dir, name))
			if err != nil {
				return core.Bucket{}, core.NewStoreError("scan buckets", err)
			}
			entry = &indexEntry{ID: b.ID, Start: b.Start, LastModified: info.ModTime()}
			c.Set(name, entry)
		}

		if entry.Start == nil {
			continue
		}
		if best == nil || entry.Start.After(*best.Start) ||
			(entry.Start.Equal(*best.Start) && entry.ID > best.ID) {
			best = entry
		}
	}

	c.Prune(keep)
	if err := c.Save(); err != nil && r.config.Logger != nil {
		r.config.Logger.Warn("failed to save start index", "stream", streamID, "error", err)
	}

	if best == nil {
		return core.Bucket{}, core.ErrNotFound
	}
	b, err := r.readBucket(r.bucketPath(streamID, best.ID))
	return b, core.NewStoreError("find bucket", err)
}

// InsertMembers writes each payload as-is, replacing an earlier payload
// with the same identifier.
func (r *Repository) InsertMembers(ctx context.Context, members []core.Member) error {
	if len(members) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(r.Path, membersDir), 0755); err != nil {
		return core.NewStoreError("insert members", err)
	}
	for _, m := range members {
		if err := writeFileAtomic(r.memberPath(m.ID), m.Payload, 0644); err != nil {
			return core.NewStoreError("insert members", fmt.Errorf("member %q: %w", m.ID, err))
		}
	}
	return nil
}

// FindMember returns the stored payload of a member.
func (r *Repository) FindMember(ctx context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(r.memberPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, core.ErrNotFound
	}
	return data, core.NewStoreError("find member", err)
}

func (r *Repository) FindStreamMeta(ctx context.Context, streamID string) (core.StreamMeta, error) {
	data, err := os.ReadFile(r.metaPath(streamID))
	if errors.Is(err, os.ErrNotExist) {
		return core.StreamMeta{}, core.ErrNotFound
	}
	if err != nil {
		return core.StreamMeta{}, core.NewStoreError("find meta", err)
	}

	var meta core.StreamMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return core.StreamMeta{}, core.NewStoreError("find meta", fmt.Errorf("invalid yaml: %w", err))
	}
	return meta, nil
}

func (r *Repository) InsertStreamMeta(ctx context.Context, meta core.StreamMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.metaPath(meta.StreamID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return core.NewStoreError("insert meta", err)
	}

	data, err := yaml.Marshal(meta)
	if err != nil {
		return core.NewStoreError("insert meta", err)
	}
	return core.NewStoreError("insert meta", createFileAtomic(path, data, 0644))
}

var (
	_ core.BucketStore  = (*Repository)(nil)
	_ core.MemberStore  = (*Repository)(nil)
	_ core.MemberReader = (*Repository)(nil)
	_ core.MetaStore    = (*Repository)(nil)
)
