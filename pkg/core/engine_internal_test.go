package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal single-stream store; the adapters live in other
// packages that import core.
type fakeStore struct {
	buckets map[string]Bucket
	writes  int
}

func (f *fakeStore) FindBucket(ctx context.Context, streamID, id string) (Bucket, error) {
	b, ok := f.buckets[id]
	if !ok {
		return Bucket{}, ErrNotFound
	}
	return b.Clone(), nil
}

func (f *fakeStore) InsertBucket(ctx context.Context, b Bucket) error {
	f.writes++
	f.buckets[b.ID] = b.Clone()
	return nil
}

func (f *fakeStore) AppendMemberIDs(ctx context.Context, streamID, id string, ids []string) error {
	f.writes++
	b := f.buckets[id]
	b.Members = append(b.Members, ids...)
	b.Count += len(ids)
	f.buckets[id] = b
	return nil
}

func (f *fakeStore) AppendRelations(ctx context.Context, streamID, id string, rels []Relation) error {
	f.writes++
	return nil
}

func (f *fakeStore) SetFields(ctx context.Context, streamID, id string, fl Fields) error {
	f.writes++
	return nil
}

func (f *fakeStore) FindMostRecentByStart(ctx context.Context, streamID string) (Bucket, error) {
	for _, b := range f.buckets {
		if b.Start != nil {
			return b.Clone(), nil
		}
	}
	return Bucket{}, ErrNotFound
}

func (f *fakeStore) InsertMembers(ctx context.Context, members []Member) error {
	f.writes++
	return nil
}

func (f *fakeStore) FindStreamMeta(ctx context.Context, streamID string) (StreamMeta, error) {
	return StreamMeta{}, ErrNotFound
}

func (f *fakeStore) InsertStreamMeta(ctx context.Context, meta StreamMeta) error {
	return nil
}

type fixedExtractor struct {
	calls int
}

func (x *fixedExtractor) Extract(payload []byte, path string) (time.Time, error) {
	x.calls++
	return time.Now(), nil
}

func TestAppend_UnsetTimestampPathOnFullBucket(t *testing.T) {
	store := &fakeStore{buckets: map[string]Bucket{
		"1": {ID: "1", StreamID: "s", Leaf: true, Start: Instant(time.Unix(1, 0)), Members: []string{"a", "b"}, Count: 2},
	}}
	x := &fixedExtractor{}
	e := &Engine{
		cfg:       Config{StreamID: "s", PageSize: 2},
		buckets:   store,
		members:   store,
		meta:      store,
		extractor: x,
		locker:    NewKeyedMutex(),
	}

	err := e.Append(context.Background(), Member{ID: "c", Payload: []byte("{}")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Zero(t, store.writes, "no write may happen before the path check")
	assert.Zero(t, x.calls)
	assert.Equal(t, []string{"a", "b"}, store.buckets["1"].Members)
}

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()

	unlock, err := k.Lock(context.Background(), "s")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "s")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := k.Lock(context.Background(), "other")
	require.NoError(t, err)
	other()

	unlock()
	unlock() // second call is a no-op

	again, err := k.Lock(context.Background(), "s")
	require.NoError(t, err)
	again()
}

func TestConfig_HasRoom(t *testing.T) {
	assert.True(t, Config{PageSize: 0}.hasRoom(1_000_000))
	assert.True(t, Config{PageSize: 2}.hasRoom(1))
	assert.False(t, Config{PageSize: 2}.hasRoom(2))
}

func TestNewStoreError(t *testing.T) {
	assert.Nil(t, NewStoreError("op", nil))
	assert.Equal(t, ErrNotFound, NewStoreError("op", ErrNotFound))

	err := NewStoreError("insert", errors.New("disk full"))
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "insert", se.Op)
	assert.Equal(t, "store insert: disk full", err.Error())
	assert.Same(t, se, NewStoreError("again", err).(*StoreError))
}
