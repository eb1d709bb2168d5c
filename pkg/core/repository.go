package core

import (
	"context"
	"time"
)

// BucketStore defines the contract for storing and retrieving buckets.
// Adhering to this interface keeps the engine independent of the
// underlying storage mechanism (memory, filesystem, Redis, DynamoDB).
// Buckets are keyed by (streamID, id).
type BucketStore interface {
	// FindBucket returns ErrNotFound when the bucket is absent.
	FindBucket(ctx context.Context, streamID, id string) (Bucket, error)

	// InsertBucket fails with ErrDuplicate if (StreamID, ID) already exists.
	InsertBucket(ctx context.Context, b Bucket) error

	// AppendMemberIDs appends ids to the bucket's member list and bumps its count.
	AppendMemberIDs(ctx context.Context, streamID, id string, ids []string) error

	// AppendRelations appends rels to the bucket's relation list.
	AppendRelations(ctx context.Context, streamID, id string, rels []Relation) error

	// SetFields overwrites the non-nil bounds in f.
	SetFields(ctx context.Context, streamID, id string, f Fields) error

	// FindMostRecentByStart returns the bucket with the greatest start,
	// ties broken by the greatest identifier. Buckets without a start are
	// ignored. Returns ErrNotFound when there is none.
	FindMostRecentByStart(ctx context.Context, streamID string) (Bucket, error)
}

// MemberStore persists raw member payloads keyed by member identifier.
type MemberStore interface {
	InsertMembers(ctx context.Context, members []Member) error
}

// MemberReader is implemented by member stores that can return a stored
// payload. FindMember returns ErrNotFound for an unknown identifier.
type MemberReader interface {
	FindMember(ctx context.Context, id string) ([]byte, error)
}

// MetaStore persists stream-level metadata.
type MetaStore interface {
	// FindStreamMeta returns ErrNotFound when the stream was never initialized.
	FindStreamMeta(ctx context.Context, streamID string) (StreamMeta, error)
	InsertStreamMeta(ctx context.Context, meta StreamMeta) error
}

// TimestampExtractor derives the ordering key of a member from its payload.
type TimestampExtractor interface {
	// Extract fails with ErrExtraction if path yields no value.
	Extract(payload []byte, path string) (time.Time, error)
}

// Locker provides the per-stream critical section around Append.
type Locker interface {
	// Lock blocks until the stream is owned or ctx is done.
	Lock(ctx context.Context, streamID string) (unlock func(), err error)
}

// Stores bundles the collaborators an adapter provides.
type Stores struct {
	Buckets BucketStore
	Members MemberStore
	Meta    MetaStore
	Locker  Locker // optional
}
