// Package coretest holds the behaviour every storage adapter must share.
package coretest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/fragmenta/pkg/core"
)

// Factory returns fresh, empty stores for one sub-test.
type Factory func(t *testing.T) core.Stores

// RunStoreSuite exercises the core.BucketStore, core.MemberStore and
// core.MetaStore contracts against stores built by newStores.
func RunStoreSuite(t *testing.T, newStores Factory) {
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { return core.Instant(t0.Add(d)) }

	t.Run("Find Missing Bucket", func(t *testing.T) {
		s := newStores(t)
		_, err := s.Buckets.FindBucket(ctx, "stream", "nope")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("Insert and Find Round Trip", func(t *testing.T) {
		s := newStores(t)
		b := core.Bucket{ID: "1714557600000", StreamID: "stream", Leaf: true, Start: at(0)}
		require.NoError(t, s.Buckets.InsertBucket(ctx, b))

		got, err := s.Buckets.FindBucket(ctx, "stream", b.ID)
		require.NoError(t, err)
		assert.Equal(t, b.ID, got.ID)
		assert.Equal(t, "stream", got.StreamID)
		assert.True(t, got.Leaf)
		require.NotNil(t, got.Start)
		assert.True(t, got.Start.Equal(*b.Start))
		assert.Nil(t, got.End)
		assert.Empty(t, got.Members)
		assert.Zero(t, got.Count)
	})

	t.Run("Insert Duplicate Fails", func(t *testing.T) {
		s := newStores(t)
		b := core.Bucket{ID: "a", StreamID: "stream", Leaf: true, Start: at(0)}
		require.NoError(t, s.Buckets.InsertBucket(ctx, b))
		assert.ErrorIs(t, s.Buckets.InsertBucket(ctx, b), core.ErrDuplicate)

		other := b
		other.StreamID = "other-stream"
		assert.NoError(t, s.Buckets.InsertBucket(ctx, other), "identifiers are scoped by stream")
	})

	t.Run("Root Bucket Uses Empty Identifier", func(t *testing.T) {
		s := newStores(t)
		require.NoError(t, s.Buckets.InsertBucket(ctx, core.Bucket{ID: core.RootID, StreamID: "stream"}))

		rels := []core.Relation{
			{Type: core.RelationGTE, Path: "p", Value: core.FormatInstant(t0), Bucket: "x"},
			{Type: core.RelationLT, Path: "p", Value: core.FormatInstant(t0.Add(time.Hour)), Bucket: "y"},
		}
		require.NoError(t, s.Buckets.AppendRelations(ctx, "stream", core.RootID, rels[:1]))
		require.NoError(t, s.Buckets.AppendRelations(ctx, "stream", core.RootID, rels[1:]))

		root, err := s.Buckets.FindBucket(ctx, "stream", core.RootID)
		require.NoError(t, err)
		assert.True(t, root.IsRoot())
		assert.False(t, root.Leaf)
		assert.Nil(t, root.Start)
		assert.Equal(t, rels, root.Relations)

		_, err = s.Buckets.FindMostRecentByStart(ctx, "stream")
		assert.ErrorIs(t, err, core.ErrNotFound, "the root has no start and is never the current bucket")
	})

	t.Run("Append Member IDs Keeps Order and Count", func(t *testing.T) {
		s := newStores(t)
		require.NoError(t, s.Buckets.InsertBucket(ctx, core.Bucket{ID: "b", StreamID: "stream", Leaf: true, Start: at(0)}))
		require.NoError(t, s.Buckets.AppendMemberIDs(ctx, "stream", "b", []string{"m1"}))
		require.NoError(t, s.Buckets.AppendMemberIDs(ctx, "stream", "b", []string{"m2", "m3"}))

		got, err := s.Buckets.FindBucket(ctx, "stream", "b")
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2", "m3"}, got.Members)
		assert.Equal(t, 3, got.Count)
	})

	t.Run("Updates On Missing Bucket Fail", func(t *testing.T) {
		s := newStores(t)
		assert.ErrorIs(t, s.Buckets.AppendMemberIDs(ctx, "stream", "nope", []string{"m"}), core.ErrNotFound)
		assert.ErrorIs(t, s.Buckets.AppendRelations(ctx, "stream", "nope", []core.Relation{{Type: core.RelationGTE}}), core.ErrNotFound)
		assert.ErrorIs(t, s.Buckets.SetFields(ctx, "stream", "nope", core.Fields{End: at(0)}), core.ErrNotFound)
	})

	t.Run("Set Fields Only Touches Given Bounds", func(t *testing.T) {
		s := newStores(t)
		require.NoError(t, s.Buckets.InsertBucket(ctx, core.Bucket{ID: "b", StreamID: "stream", Leaf: true, Start: at(0)}))
		require.NoError(t, s.Buckets.AppendMemberIDs(ctx, "stream", "b", []string{"m1"}))
		require.NoError(t, s.Buckets.SetFields(ctx, "stream", "b", core.Fields{End: at(time.Hour)}))

		got, err := s.Buckets.FindBucket(ctx, "stream", "b")
		require.NoError(t, err)
		assert.True(t, got.Start.Equal(*at(0)))
		require.NotNil(t, got.End)
		assert.True(t, got.End.Equal(*at(time.Hour)))
		assert.Equal(t, []string{"m1"}, got.Members)

		require.NoError(t, s.Buckets.SetFields(ctx, "stream", "b", core.Fields{Start: at(time.Minute)}))
		got, err = s.Buckets.FindBucket(ctx, "stream", "b")
		require.NoError(t, err)
		assert.True(t, got.Start.Equal(*at(time.Minute)))
		assert.True(t, got.End.Equal(*at(time.Hour)))
	})

	t.Run("Most Recent By Start", func(t *testing.T) {
		s := newStores(t)
		_, err := s.Buckets.FindMostRecentByStart(ctx, "stream")
		assert.ErrorIs(t, err, core.ErrNotFound)

		for _, b := range []core.Bucket{
			{ID: "early", StreamID: "stream", Leaf: true, Start: at(0)},
			{ID: "late", StreamID: "stream", Leaf: true, Start: at(2 * time.Hour)},
			{ID: "middle", StreamID: "stream", Leaf: true, Start: at(time.Hour)},
			{ID: "elsewhere", StreamID: "other", Leaf: true, Start: at(5 * time.Hour)},
		} {
			require.NoError(t, s.Buckets.InsertBucket(ctx, b))
		}

		got, err := s.Buckets.FindMostRecentByStart(ctx, "stream")
		require.NoError(t, err)
		assert.Equal(t, "late", got.ID)

		// Moving a start is visible to the lookup.
		require.NoError(t, s.Buckets.SetFields(ctx, "stream", "early", core.Fields{Start: at(3 * time.Hour)}))
		got, err = s.Buckets.FindMostRecentByStart(ctx, "stream")
		require.NoError(t, err)
		assert.Equal(t, "early", got.ID)
	})

	t.Run("Most Recent Tie Break Is Deterministic", func(t *testing.T) {
		s := newStores(t)
		require.NoError(t, s.Buckets.InsertBucket(ctx, core.Bucket{ID: "a", StreamID: "stream", Leaf: true, Start: at(0)}))
		require.NoError(t, s.Buckets.InsertBucket(ctx, core.Bucket{ID: "b", StreamID: "stream", Leaf: true, Start: at(0)}))

		first, err := s.Buckets.FindMostRecentByStart(ctx, "stream")
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			again, err := s.Buckets.FindMostRecentByStart(ctx, "stream")
			require.NoError(t, err)
			assert.Equal(t, first.ID, again.ID)
		}
		assert.Contains(t, []string{"a", "b"}, first.ID)
	})

	t.Run("Stream Meta", func(t *testing.T) {
		s := newStores(t)
		_, err := s.Meta.FindStreamMeta(ctx, "stream")
		assert.ErrorIs(t, err, core.ErrNotFound)

		meta := core.StreamMeta{StreamID: "stream", Description: "events", CreatedAt: t0}
		require.NoError(t, s.Meta.InsertStreamMeta(ctx, meta))

		got, err := s.Meta.FindStreamMeta(ctx, "stream")
		require.NoError(t, err)
		assert.Equal(t, "events", got.Description)
		assert.True(t, got.CreatedAt.Equal(t0))

		again := core.StreamMeta{StreamID: "stream", Description: "replaced", CreatedAt: t0.Add(time.Hour)}
		assert.ErrorIs(t, s.Meta.InsertStreamMeta(ctx, again), core.ErrDuplicate)
		got, err = s.Meta.FindStreamMeta(ctx, "stream")
		require.NoError(t, err)
		assert.Equal(t, "events", got.Description)
	})

	t.Run("Insert Members", func(t *testing.T) {
		s := newStores(t)
		require.NoError(t, s.Members.InsertMembers(ctx, []core.Member{
			{ID: "https://example.org/obs/1", Payload: []byte(`{"v":1}`)},
			{ID: "obs-2", Payload: []byte(`{"v":2}`)},
		}))
		require.NoError(t, s.Members.InsertMembers(ctx, nil))

		r, ok := s.Members.(core.MemberReader)
		if !ok {
			return
		}
		got, err := r.FindMember(ctx, "https://example.org/obs/1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":1}`, string(got))

		_, err = r.FindMember(ctx, "absent")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("Locker Serializes Per Stream", func(t *testing.T) {
		s := newStores(t)
		if s.Locker == nil {
			t.Skip("adapter provides no locker")
		}
		unlock, err := s.Locker.Lock(ctx, "stream")
		require.NoError(t, err)

		short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err = s.Locker.Lock(short, "stream")
		assert.Error(t, err, "second owner must wait")

		other, err := s.Locker.Lock(ctx, "other")
		require.NoError(t, err)
		other()

		unlock()
		again, err := s.Locker.Lock(ctx, "stream")
		require.NoError(t, err)
		again()
	})
}

// RunEngineScenario runs the bootstrap-then-split scenario end to end on
// the given stores, so adapters prove they carry a real stream.
func RunEngineScenario(t *testing.T, stores core.Stores, extractor core.TimestampExtractor) {
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	const path = "created"

	engine, err := core.NewEngine(core.Config{StreamID: "scenario", TimestampPath: path, PageSize: 2}, stores, extractor)
	require.NoError(t, err)

	created, err := engine.Bootstrap(ctx, core.BootstrapConfig{Description: "scenario", Start: t0})
	require.NoError(t, err)
	require.True(t, created)

	var members []core.Member
	for i := 1; i <= 3; i++ {
		ts := t0.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		members = append(members, core.Member{ID: "m" + string(rune('0'+i)), Payload: []byte(`{"created":"` + ts + `"}`)})
	}
	require.NoError(t, engine.Publish(ctx, members))

	t3 := t0.Add(3 * time.Minute)
	cur, err := engine.MostRecentBucket(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.BucketID(t3), cur.ID)
	assert.Equal(t, []string{"m3"}, cur.Members)

	first, err := engine.Bucket(ctx, core.BucketID(t0))
	require.NoError(t, err)
	require.NotNil(t, first.End)
	assert.True(t, first.End.Equal(t3))
	assert.Equal(t, []string{"m1", "m2"}, first.Members)

	root, err := engine.Root(ctx)
	require.NoError(t, err)
	require.Len(t, root.Relations, 3)
	assert.Equal(t, core.RelationGTE, root.Relations[1].Type)
	assert.Equal(t, core.RelationLT, root.Relations[2].Type)
	assert.Equal(t, root.Relations[1].Value, root.Relations[2].Value)
}
