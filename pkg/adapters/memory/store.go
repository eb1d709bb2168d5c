// Package memory implements the fragmenta stores in process memory.
// It backs the tests and the "memory" adapter; nothing survives the process.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aretw0/introspection"

	"github.com/aretw0/fragmenta/pkg/core"
)

type bucketKey struct {
	stream string
	id     string
}

// Store implements core.BucketStore, core.MemberStore and core.MetaStore.
type Store struct {
	mu      sync.RWMutex
	buckets map[bucketKey]core.Bucket
	members map[string][]byte
	meta    map[string]core.StreamMeta
	locker  *core.KeyedMutex
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		buckets: make(map[bucketKey]core.Bucket),
		members: make(map[string][]byte),
		meta:    make(map[string]core.StreamMeta),
		locker:  core.NewKeyedMutex(),
	}
}

// Stores returns the Store wired as every collaborator, including the locker.
func (s *Store) Stores() core.Stores {
	return core.Stores{Buckets: s, Members: s, Meta: s, Locker: s.locker}
}

func (s *Store) FindBucket(ctx context.Context, streamID, id string) (core.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buckets[bucketKey{streamID, id}]
	if !ok {
		return core.Bucket{}, core.ErrNotFound
	}
	return b.Clone(), nil
}

func (s *Store) InsertBucket(ctx context.Context, b core.Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey{b.StreamID, b.ID}
	if _, ok := s.buckets[key]; ok {
		return core.ErrDuplicate
	}
	b = b.Clone()
	b.Count = len(b.Members)
	s.buckets[key] = b
	return nil
}

func (s *Store) AppendMemberIDs(ctx context.Context, streamID, id string, ids []string) error {
	return s.update(streamID, id, func(b *core.Bucket) {
		b.Members = append(b.Members, ids...)
		b.Count += len(ids)
	})
}

func (s *Store) AppendRelations(ctx context.Context, streamID, id string, rels []core.Relation) error {
	return s.update(streamID, id, func(b *core.Bucket) {
		b.Relations = append(b.Relations, rels...)
	})
}

func (s *Store) SetFields(ctx context.Context, streamID, id string, f core.Fields) error {
	return s.update(streamID, id, func(b *core.Bucket) {
		if f.Start != nil {
			v := *f.Start
			b.Start = &v
		}
		if f.End != nil {
			v := *f.End
			b.End = &v
		}
	})
}

func (s *Store) update(streamID, id string, fn func(b *core.Bucket)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey{streamID, id}
	b, ok := s.buckets[key]
	if !ok {
		return core.ErrNotFound
	}
	fn(&b)
	s.buckets[key] = b
	return nil
}

func (s *Store) FindMostRecentByStart(ctx context.Context, streamID string) (core.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *core.Bucket
	for key, b := range s.buckets {
		if key.stream != streamID || b.Start == nil {
			continue
		}
		if best == nil || newer(b, *best) {
			candidate := b
			best = &candidate
		}
	}
	if best == nil {
		return core.Bucket{}, core.ErrNotFound
	}
	return best.Clone(), nil
}

// newer orders by start, then by identifier.
func newer(a, b core.Bucket) bool {
	if !a.Start.Equal(*b.Start) {
		return a.Start.After(*b.Start)
	}
	return a.ID > b.ID
}

// Buckets returns every bucket of the stream sorted by start, root first.
func (s *Store) Buckets(streamID string) []core.Bucket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.Bucket
	for key, b := range s.buckets {
		if key.stream == streamID {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start == nil || out[j].Start == nil {
			return out[i].Start == nil && out[j].Start != nil
		}
		return newer(out[j], out[i])
	})
	return out
}

func (s *Store) InsertMembers(ctx context.Context, members []core.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range members {
		s.members[m.ID] = append([]byte(nil), m.Payload...)
	}
	return nil
}

// Member returns a copy of a stored payload.
func (s *Store) Member(id string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.members[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), p...), true
}

func (s *Store) FindMember(ctx context.Context, id string) ([]byte, error) {
	p, ok := s.Member(id)
	if !ok {
		return nil, core.ErrNotFound
	}
	return p, nil
}

func (s *Store) FindStreamMeta(ctx context.Context, streamID string) (core.StreamMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.meta[streamID]
	if !ok {
		return core.StreamMeta{}, core.ErrNotFound
	}
	return m, nil
}

func (s *Store) InsertStreamMeta(ctx context.Context, meta core.StreamMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.meta[meta.StreamID]; ok {
		return core.ErrDuplicate
	}
	s.meta[meta.StreamID] = meta
	return nil
}

// StoreState exposes internal state for observability.
type StoreState struct {
	Buckets int `json:"buckets"`
	Members int `json:"members"`
	Streams int `json:"streams"`
}

// State implements introspection.Introspectable.
func (s *Store) State() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StoreState{Buckets: len(s.buckets), Members: len(s.members), Streams: len(s.meta)}
}

// ComponentType implements introspection.Component.
func (s *Store) ComponentType() string {
	return "memory"
}

var (
	_ core.BucketStore             = (*Store)(nil)
	_ core.MemberStore             = (*Store)(nil)
	_ core.MemberReader            = (*Store)(nil)
	_ core.MetaStore               = (*Store)(nil)
	_ introspection.Introspectable = (*Store)(nil)
	_ introspection.Component      = (*Store)(nil)
)
