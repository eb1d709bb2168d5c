package fs_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/fragmenta/pkg/adapters/fs"
	"github.com/aretw0/fragmenta/pkg/core"
)

type recordingPublisher struct {
	mu      sync.Mutex
	members []core.Member
	reject  string
}

func (p *recordingPublisher) Append(ctx context.Context, m core.Member) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject != "" && m.ID == p.reject {
		return errors.New("rejected")
	}
	p.members = append(p.members, m)
	return nil
}

func (p *recordingPublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for _, m := range p.members {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestSpoolWatcher(t *testing.T) {
	repo := setupRepo(t, "json")
	inbox := filepath.Join(repo.Path, "inbox")
	require.NoError(t, os.MkdirAll(inbox, 0755))

	// Waiting before start: drained by the initial sweep.
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "001.json"), []byte(`{"id":"early"}`), 0644))

	pub := &recordingPublisher{reject: "bad"}
	var reported []error
	var mu sync.Mutex
	w := repo.NewSpoolWatcher(pub, fs.SpoolConfig{
		Settle: 10 * time.Millisecond,
		ErrorHandler: func(err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(context.Background())

	require.Eventually(t, func() bool { return len(pub.ids()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.FileExists(t, filepath.Join(inbox, fs.ProcessedDir, "001.json"))

	require.NoError(t, os.WriteFile(filepath.Join(inbox, "002.json"), []byte(`{"id":"late"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "ignored.txt"), []byte(`{"id":"txt"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "003.json"), []byte(`{"id":"bad"}`), 0644))

	require.Eventually(t, func() bool {
		_, failed := w.Counts()
		return len(pub.ids()) == 2 && failed == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"early", "late"}, pub.ids())
	assert.FileExists(t, filepath.Join(inbox, fs.FailedDir, "003.json"))
	assert.FileExists(t, filepath.Join(inbox, "ignored.txt"))

	mu.Lock()
	assert.Len(t, reported, 1)
	mu.Unlock()

	state := repo.State().(fs.RepositoryState)
	assert.True(t, state.WatcherActive)
	assert.NotNil(t, state.LastSpool)
}

func TestSpoolWatcher_NestedDirectories(t *testing.T) {
	dir := t.TempDir()
	pub := &recordingPublisher{}
	w := fs.NewSpoolWatcher(pub, fs.SpoolConfig{Dir: dir, Pattern: "**/*.json", Settle: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(context.Background())

	sub := filepath.Join(dir, "2024", "05")
	require.NoError(t, os.MkdirAll(sub, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "a.json"), []byte(`{"id":"nested"}`), 0644))

	require.Eventually(t, func() bool { return len(pub.ids()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.FileExists(t, filepath.Join(dir, fs.ProcessedDir, "2024", "05", "a.json"))
}

func TestSpoolWatcher_Validation(t *testing.T) {
	ctx := context.Background()

	w := fs.NewSpoolWatcher(&recordingPublisher{}, fs.SpoolConfig{})
	assert.ErrorIs(t, w.Start(ctx), core.ErrConfiguration)

	w = fs.NewSpoolWatcher(&recordingPublisher{}, fs.SpoolConfig{Dir: t.TempDir(), Pattern: "[unclosed"})
	assert.ErrorIs(t, w.Start(ctx), core.ErrConfiguration)
}
