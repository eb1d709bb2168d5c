package redis_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/fragmenta/pkg/adapters/redis"
	"github.com/aretw0/fragmenta/pkg/core"
	"github.com/aretw0/fragmenta/pkg/core/coretest"
	"github.com/aretw0/fragmenta/pkg/extract"
)

// setupStore connects to FRAGMENTA_REDIS_ADDR under a fresh key prefix.
func setupStore(t *testing.T) *redis.Store {
	t.Helper()
	addr := os.Getenv("FRAGMENTA_REDIS_ADDR")
	if addr == "" {
		t.Skip("FRAGMENTA_REDIS_ADDR not set")
	}

	opts := redis.DefaultOptions()
	opts.Address = addr
	opts.Prefix = "fragmenta-test-" + uuid.NewString()
	s := redis.NewStore(opts)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Ping(context.Background()))
	return s
}

func TestStoreContract(t *testing.T) {
	coretest.RunStoreSuite(t, func(t *testing.T) core.Stores {
		return setupStore(t).Stores()
	})
}

func TestEngineScenario(t *testing.T) {
	coretest.RunEngineScenario(t, setupStore(t).Stores(), extract.New())
}

func TestStore_Member(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertMembers(ctx, []core.Member{{ID: "m1", Payload: []byte(`{"v":1}`)}}))
	got, err := s.FindMember(ctx, "m1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(got))

	_, err = s.FindMember(ctx, "absent")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestNewStoreWithURL(t *testing.T) {
	_, err := redis.NewStoreWithURL("http://not-redis", redis.Options{})
	assert.ErrorIs(t, err, core.ErrConfiguration)

	s, err := redis.NewStoreWithURL("redis://:secret@localhost:6380/2", redis.Options{})
	require.NoError(t, err)
	defer s.Close()

	state := s.State().(redis.StoreState)
	assert.Equal(t, "localhost:6380", state.Address)
	assert.Equal(t, 2, state.DB)
	assert.Equal(t, "fragmenta", state.Prefix)
	assert.Equal(t, "redis", s.ComponentType())
}
