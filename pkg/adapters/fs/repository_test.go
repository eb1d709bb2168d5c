package fs_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/fragmenta/pkg/adapters/fs"
	"github.com/aretw0/fragmenta/pkg/core"
	"github.com/aretw0/fragmenta/pkg/core/coretest"
	"github.com/aretw0/fragmenta/pkg/extract"
)

func setupRepo(t *testing.T, format string) *fs.Repository {
	t.Helper()
	repo, err := fs.NewRepository(fs.Config{Path: t.TempDir(), Format: format})
	require.NoError(t, err)
	require.NoError(t, repo.Initialize(context.Background()))
	return repo
}

func TestRepositoryContract(t *testing.T) {
	for _, format := range []string{"json", "yaml"} {
		t.Run(format, func(t *testing.T) {
			coretest.RunStoreSuite(t, func(t *testing.T) core.Stores {
				return setupRepo(t, format).Stores()
			})
		})
	}
}

func TestEngineScenario(t *testing.T) {
	coretest.RunEngineScenario(t, setupRepo(t, "json").Stores(), extract.New())
}

func TestNewRepository_Validation(t *testing.T) {
	_, err := fs.NewRepository(fs.Config{})
	assert.ErrorIs(t, err, core.ErrConfiguration)

	_, err = fs.NewRepository(fs.Config{Path: t.TempDir(), Format: "csv"})
	assert.ErrorIs(t, err, core.ErrConfiguration)

	missing := filepath.Join(t.TempDir(), "absent")
	repo, err := fs.NewRepository(fs.Config{Path: missing, MustExist: true})
	require.NoError(t, err)
	assert.Error(t, repo.Initialize(context.Background()))
}

func TestRepository_Layout(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t, "yaml")
	start := core.Instant(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))

	require.NoError(t, repo.InsertStreamMeta(ctx, core.StreamMeta{StreamID: "sensors", Description: "d", CreatedAt: *start}))
	require.NoError(t, repo.InsertBucket(ctx, core.Bucket{ID: core.RootID, StreamID: "sensors"}))
	require.NoError(t, repo.InsertBucket(ctx, core.Bucket{ID: core.BucketID(*start), StreamID: "sensors", Leaf: true, Start: start}))
	require.NoError(t, repo.InsertMembers(ctx, []core.Member{{ID: "https://example.org/obs/1", Payload: []byte(`{"v":1}`)}}))

	assert.FileExists(t, filepath.Join(repo.Path, "sensors", "meta.yaml"))
	assert.FileExists(t, filepath.Join(repo.Path, "sensors", "buckets", "_root.yaml"))
	assert.FileExists(t, filepath.Join(repo.Path, "sensors", "buckets", "1714557600000000000.yaml"))

	entries, err := os.ReadDir(filepath.Join(repo.Path, "members"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), "/")

	payload, err := repo.FindMember(ctx, "https://example.org/obs/1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(payload))

	_, err = repo.FindMember(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	raw, err := os.ReadFile(filepath.Join(repo.Path, "sensors", "buckets", "1714557600000000000.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "2024-05-01T10:00:00.000Z")
}

func TestRepository_ReservedIdentifiers(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t, "json")

	require.NoError(t, repo.InsertBucket(ctx, core.Bucket{ID: core.RootID, StreamID: "s"}))
	require.NoError(t, repo.InsertBucket(ctx, core.Bucket{ID: "_root", StreamID: "s", Leaf: true}))
	require.NoError(t, repo.InsertBucket(ctx, core.Bucket{ID: ".hidden", StreamID: "s", Leaf: true}))

	root, err := repo.FindBucket(ctx, "s", core.RootID)
	require.NoError(t, err)
	assert.False(t, root.Leaf)

	named, err := repo.FindBucket(ctx, "s", "_root")
	require.NoError(t, err)
	assert.True(t, named.Leaf)
}

func TestRepository_IndexSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	first, err := fs.NewRepository(fs.Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, first.InsertBucket(ctx, core.Bucket{ID: "a", StreamID: "s", Leaf: true, Start: core.Instant(t0)}))
	require.NoError(t, first.InsertBucket(ctx, core.Bucket{ID: "b", StreamID: "s", Leaf: true, Start: core.Instant(t0.Add(time.Hour))}))

	got, err := first.FindMostRecentByStart(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)
	assert.FileExists(t, filepath.Join(dir, "s", fs.DefaultSystemDir, "index.json"))

	second, err := fs.NewRepository(fs.Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, second.SetFields(ctx, "s", "a", core.Fields{Start: core.Instant(t0.Add(2 * time.Hour))}))

	got, err = second.FindMostRecentByStart(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)

	// A bucket file removed behind the repository's back drops out of the index.
	require.NoError(t, os.Remove(filepath.Join(dir, "s", "buckets", "a.json")))
	got, err = second.FindMostRecentByStart(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)

	state := second.State().(fs.RepositoryState)
	assert.Equal(t, 1, state.IndexedBuckets)
	assert.Equal(t, ".json", state.Format)
	assert.Equal(t, "fs", second.ComponentType())
}

func TestRepository_CorruptBucketFile(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t, "json")
	dir := filepath.Join(repo.Path, "s", "buckets")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644))

	_, err := repo.FindBucket(ctx, "s", "broken")
	var se *core.StoreError
	require.ErrorAs(t, err, &se)

	_, err = repo.FindMostRecentByStart(ctx, "s")
	assert.ErrorAs(t, err, &se)
}

func TestRepository_Lock(t *testing.T) {
	ctx := context.Background()

	t.Run("Lock File Is Removed Once", func(t *testing.T) {
		repo := setupRepo(t, "json")
		unlock, err := repo.Lock(ctx, "s")
		require.NoError(t, err)
		lockFile := filepath.Join(repo.Path, "s", fs.DefaultSystemDir, "lock")
		assert.FileExists(t, lockFile)

		unlock()
		assert.NoFileExists(t, lockFile)

		again, err := repo.Lock(ctx, "s")
		require.NoError(t, err)
		unlock() // stale unlock must not release the new owner
		assert.FileExists(t, lockFile)
		again()
	})

	t.Run("Shared Across Repositories", func(t *testing.T) {
		dir := t.TempDir()
		a, err := fs.NewRepository(fs.Config{Path: dir})
		require.NoError(t, err)
		b, err := fs.NewRepository(fs.Config{Path: dir})
		require.NoError(t, err)

		unlock, err := a.Lock(ctx, "s")
		require.NoError(t, err)
		defer unlock()

		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = b.Lock(short, "s")
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "stream \"s\""))
	})

	t.Run("Breaks Stale Lock", func(t *testing.T) {
		dir := t.TempDir()
		repo, err := fs.NewRepository(fs.Config{Path: dir, StaleLock: time.Minute})
		require.NoError(t, err)

		lockFile := filepath.Join(dir, "s", fs.DefaultSystemDir, "lock")
		require.NoError(t, os.MkdirAll(filepath.Dir(lockFile), 0755))
		require.NoError(t, os.WriteFile(lockFile, []byte("1 old"), 0644))
		old := time.Now().Add(-time.Hour)
		require.NoError(t, os.Chtimes(lockFile, old, old))

		short, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		unlock, err := repo.Lock(short, "s")
		require.NoError(t, err)
		unlock()
		assert.NoFileExists(t, lockFile+".break")
	})

	t.Run("Broken Owner Keeps Its Hands Off", func(t *testing.T) {
		dir := t.TempDir()
		a, err := fs.NewRepository(fs.Config{Path: dir, StaleLock: time.Minute})
		require.NoError(t, err)
		b, err := fs.NewRepository(fs.Config{Path: dir, StaleLock: time.Minute, LockPoll: time.Millisecond})
		require.NoError(t, err)

		unlockA, err := a.Lock(ctx, "s")
		require.NoError(t, err)
		lockFile := filepath.Join(dir, "s", fs.DefaultSystemDir, "lock")
		old := time.Now().Add(-time.Hour)
		require.NoError(t, os.Chtimes(lockFile, old, old))

		unlockB, err := b.Lock(ctx, "s")
		require.NoError(t, err)
		owner, err := os.ReadFile(lockFile)
		require.NoError(t, err)

		unlockA()
		got, err := os.ReadFile(lockFile)
		require.NoError(t, err, "the new owner's lock survives the old owner's unlock")
		assert.Equal(t, owner, got)

		unlockB()
		assert.NoFileExists(t, lockFile)
	})

	t.Run("Guard Serializes Breakers", func(t *testing.T) {
		dir := t.TempDir()
		repo, err := fs.NewRepository(fs.Config{Path: dir, StaleLock: time.Minute, LockPoll: time.Millisecond})
		require.NoError(t, err)

		lockFile := filepath.Join(dir, "s", fs.DefaultSystemDir, "lock")
		require.NoError(t, os.MkdirAll(filepath.Dir(lockFile), 0755))
		require.NoError(t, os.WriteFile(lockFile, []byte("1 old-token 2024-01-01T00:00:00Z"), 0644))
		old := time.Now().Add(-time.Hour)
		require.NoError(t, os.Chtimes(lockFile, old, old))

		// Another breaker is at work: the stale lock stays until its guard goes.
		require.NoError(t, os.WriteFile(lockFile+".break", nil, 0644))
		short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		_, err = repo.Lock(short, "s")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.FileExists(t, lockFile)

		// An abandoned guard is stale too and gets cleared.
		require.NoError(t, os.Chtimes(lockFile+".break", old, old))
		unlock, err := repo.Lock(ctx, "s")
		require.NoError(t, err)
		unlock()
	})
}
