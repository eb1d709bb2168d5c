package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aretw0/introspection"
	"github.com/redis/go-redis/v9"

	"github.com/aretw0/fragmenta/pkg/core"
)

// keyspace renders the key layout. The stream is wrapped in a hash tag so
// every key of a stream lands on the same cluster slot.
//
//	<prefix>:{<stream>}:bucket:<id>            hash: id, leaf, start, end, count
//	<prefix>:{<stream>}:bucket:<id>:members    list of member ids
//	<prefix>:{<stream>}:bucket:<id>:relations  list of JSON relations
//	<prefix>:{<stream>}:starts                 zset of bucket ids scored by start (ms)
//	<prefix>:{<stream>}:meta                   hash: stream_id, description, created_at
//	<prefix>:{<stream>}:lock                   lock token
//	<prefix>:member:<id>                       raw payload
type keyspace struct {
	prefix string
}

func (k keyspace) stream(streamID string) string {
	return k.prefix + ":{" + streamID + "}"
}

func (k keyspace) bucket(streamID, id string) string {
	return k.stream(streamID) + ":bucket:" + id
}

func (k keyspace) members(streamID, id string) string {
	return k.bucket(streamID, id) + ":members"
}

func (k keyspace) relations(streamID, id string) string {
	return k.bucket(streamID, id) + ":relations"
}

func (k keyspace) starts(streamID string) string {
	return k.stream(streamID) + ":starts"
}

func (k keyspace) meta(streamID string) string {
	return k.stream(streamID) + ":meta"
}

func (k keyspace) lock(streamID string) string {
	return k.stream(streamID) + ":lock"
}

func (k keyspace) member(id string) string {
	return k.prefix + ":member:" + id
}

const (
	fieldID    = "id"
	fieldLeaf  = "leaf"
	fieldStart = "start"
	fieldEnd   = "end"
	fieldCount = "count"
)

// Bounds are stored as Unix nanoseconds.
func formatNanos(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseNanos(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	ns, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid instant %q: %w", s, err)
	}
	return core.Instant(time.Unix(0, ns)), nil
}

// bucketFields renders the scalar part of b as hash fields.
func bucketFields(b core.Bucket) map[string]any {
	leaf := "0"
	if b.Leaf {
		leaf = "1"
	}
	return map[string]any{
		fieldID:    b.ID,
		fieldLeaf:  leaf,
		fieldStart: formatNanos(b.Start),
		fieldEnd:   formatNanos(b.End),
		fieldCount: len(b.Members),
	}
}

// parseBucket rebuilds a bucket from its hash, member list and raw relations.
func parseBucket(streamID string, hash map[string]string, members, relations []string) (core.Bucket, error) {
	b := core.Bucket{
		ID:       hash[fieldID],
		StreamID: streamID,
		Leaf:     hash[fieldLeaf] == "1",
	}
	var err error
	if b.Start, err = parseNanos(hash[fieldStart]); err != nil {
		return core.Bucket{}, err
	}
	if b.End, err = parseNanos(hash[fieldEnd]); err != nil {
		return core.Bucket{}, err
	}
	if c := hash[fieldCount]; c != "" {
		if b.Count, err = strconv.Atoi(c); err != nil {
			return core.Bucket{}, fmt.Errorf("invalid count %q: %w", c, err)
		}
	}
	if len(members) > 0 {
		b.Members = members
	}
	for _, raw := range relations {
		var rel core.Relation
		if err := json.Unmarshal([]byte(raw), &rel); err != nil {
			return core.Bucket{}, fmt.Errorf("invalid relation: %w", err)
		}
		b.Relations = append(b.Relations, rel)
	}
	return b, nil
}

func (s *Store) FindBucket(ctx context.Context, streamID, id string) (core.Bucket, error) {
	var (
		hash *redis.MapStringStringCmd
		mems *redis.StringSliceCmd
		rels *redis.StringSliceCmd
	)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		hash = p.HGetAll(ctx, s.keys.bucket(streamID, id))
		mems = p.LRange(ctx, s.keys.members(streamID, id), 0, -1)
		rels = p.LRange(ctx, s.keys.relations(streamID, id), 0, -1)
		return nil
	})
	if err != nil {
		return core.Bucket{}, core.NewStoreError("find bucket", err)
	}
	if len(hash.Val()) == 0 {
		return core.Bucket{}, core.ErrNotFound
	}

	b, err := parseBucket(streamID, hash.Val(), mems.Val(), rels.Val())
	return b, core.NewStoreError("find bucket", err)
}

func (s *Store) InsertBucket(ctx context.Context, b core.Bucket) error {
	key := s.keys.bucket(b.StreamID, b.ID)
	created, err := s.client.HSetNX(ctx, key, fieldID, b.ID).Result()
	if err != nil {
		return core.NewStoreError("insert bucket", err)
	}
	if !created {
		return core.ErrDuplicate
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, bucketFields(b))
		if len(b.Members) > 0 {
			p.RPush(ctx, s.keys.members(b.StreamID, b.ID), toAny(b.Members)...)
		}
		if len(b.Relations) > 0 {
			raw, err := encodeRelations(b.Relations)
			if err != nil {
				return err
			}
			p.RPush(ctx, s.keys.relations(b.StreamID, b.ID), raw...)
		}
		if b.Start != nil {
			p.ZAdd(ctx, s.keys.starts(b.StreamID), redis.Z{Score: float64(b.Start.UnixMilli()), Member: b.ID})
		}
		return nil
	})
	return core.NewStoreError("insert bucket", err)
}

func (s *Store) exists(ctx context.Context, key string) error {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *Store) AppendMemberIDs(ctx context.Context, streamID, id string, ids []string) error {
	key := s.keys.bucket(streamID, id)
	if err := s.exists(ctx, key); err != nil {
		return core.NewStoreError("append members", err)
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, s.keys.members(streamID, id), toAny(ids)...)
		p.HIncrBy(ctx, key, fieldCount, int64(len(ids)))
		return nil
	})
	return core.NewStoreError("append members", err)
}

func (s *Store) AppendRelations(ctx context.Context, streamID, id string, rels []core.Relation) error {
	if err := s.exists(ctx, s.keys.bucket(streamID, id)); err != nil {
		return core.NewStoreError("append relations", err)
	}
	if len(rels) == 0 {
		return nil
	}
	raw, err := encodeRelations(rels)
	if err != nil {
		return core.NewStoreError("append relations", err)
	}
	return core.NewStoreError("append relations", s.client.RPush(ctx, s.keys.relations(streamID, id), raw...).Err())
}

func (s *Store) SetFields(ctx context.Context, streamID, id string, f core.Fields) error {
	key := s.keys.bucket(streamID, id)
	if err := s.exists(ctx, key); err != nil {
		return core.NewStoreError("set fields", err)
	}

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if f.Start != nil {
			p.HSet(ctx, key, fieldStart, formatNanos(f.Start))
			p.ZAdd(ctx, s.keys.starts(streamID), redis.Z{Score: float64(f.Start.UnixMilli()), Member: id})
		}
		if f.End != nil {
			p.HSet(ctx, key, fieldEnd, formatNanos(f.End))
		}
		return nil
	})
	return core.NewStoreError("set fields", err)
}

// FindMostRecentByStart reads the top of the starts index. Scores are Unix
// milliseconds, which a float64 holds exactly. Members sharing a score come
// back in descending lexical order, which gives the greatest identifier on
// ties; engine identifiers are nanosecond starts of equal width, so within
// a millisecond that is also the latest start.
func (s *Store) FindMostRecentByStart(ctx context.Context, streamID string) (core.Bucket, error) {
	top, err := s.client.ZRevRange(ctx, s.keys.starts(streamID), 0, 0).Result()
	if err != nil {
		return core.Bucket{}, core.NewStoreError("find most recent", err)
	}
	if len(top) == 0 {
		return core.Bucket{}, core.ErrNotFound
	}
	return s.FindBucket(ctx, streamID, top[0])
}

// InsertMembers stores each payload, replacing an earlier payload with the
// same identifier.
func (s *Store) InsertMembers(ctx context.Context, members []core.Member) error {
	if len(members) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, m := range members {
			p.Set(ctx, s.keys.member(m.ID), m.Payload, 0)
		}
		return nil
	})
	return core.NewStoreError("insert members", err)
}

// FindMember returns the stored payload of a member.
func (s *Store) FindMember(ctx context.Context, id string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.keys.member(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrNotFound
	}
	return data, core.NewStoreError("find member", err)
}

func (s *Store) FindStreamMeta(ctx context.Context, streamID string) (core.StreamMeta, error) {
	hash, err := s.client.HGetAll(ctx, s.keys.meta(streamID)).Result()
	if err != nil {
		return core.StreamMeta{}, core.NewStoreError("find meta", err)
	}
	if len(hash) == 0 {
		return core.StreamMeta{}, core.ErrNotFound
	}

	meta := core.StreamMeta{StreamID: hash["stream_id"], Description: hash["description"]}
	if raw := hash["created_at"]; raw != "" {
		if meta.CreatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return core.StreamMeta{}, core.NewStoreError("find meta", fmt.Errorf("invalid created_at: %w", err))
		}
	}
	return meta, nil
}

func (s *Store) InsertStreamMeta(ctx context.Context, meta core.StreamMeta) error {
	key := s.keys.meta(meta.StreamID)
	created, err := s.client.HSetNX(ctx, key, "stream_id", meta.StreamID).Result()
	if err != nil {
		return core.NewStoreError("insert meta", err)
	}
	if !created {
		return core.ErrDuplicate
	}
	err = s.client.HSet(ctx, key,
		"description", meta.Description,
		"created_at", meta.CreatedAt.UTC().Format(time.RFC3339Nano),
	).Err()
	return core.NewStoreError("insert meta", err)
}

func encodeRelations(rels []core.Relation) ([]any, error) {
	out := make([]any, 0, len(rels))
	for _, rel := range rels {
		raw, err := json.Marshal(rel)
		if err != nil {
			return nil, fmt.Errorf("failed to encode relation: %w", err)
		}
		out = append(out, string(raw))
	}
	return out, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// StoreState exposes internal state for observability.
type StoreState struct {
	Address  string `json:"address"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
	PoolHits uint32 `json:"pool_hits"`
	PoolSize uint32 `json:"pool_total_conns"`
}

// State implements introspection.Introspectable.
func (s *Store) State() any {
	stats := s.client.PoolStats()
	return StoreState{
		Address:  s.opts.Address,
		DB:       s.opts.DB,
		Prefix:   s.opts.Prefix,
		PoolHits: stats.Hits,
		PoolSize: stats.TotalConns,
	}
}

// ComponentType implements introspection.Component.
func (s *Store) ComponentType() string {
	return "redis"
}

var (
	_ core.BucketStore             = (*Store)(nil)
	_ core.MemberStore             = (*Store)(nil)
	_ core.MemberReader            = (*Store)(nil)
	_ core.MetaStore               = (*Store)(nil)
	_ introspection.Introspectable = (*Store)(nil)
	_ introspection.Component      = (*Store)(nil)
)
