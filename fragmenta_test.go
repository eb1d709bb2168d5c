package fragmenta_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/fragmenta"
	"github.com/aretw0/fragmenta/pkg/adapters/memory"
	"github.com/aretw0/fragmenta/pkg/core"
)

func TestVersion(t *testing.T) {
	assert.NotEmpty(t, strings.TrimSpace(fragmenta.Version))
}

func TestOpenPublisher(t *testing.T) {
	ctx := context.Background()
	stores := fragmenta.WithStores(memory.NewStore().Stores())

	pub, err := fragmenta.OpenPublisher[map[string]string](ctx, "", stores,
		fragmenta.WithStream("s"),
		fragmenta.WithTimestampPath("at"),
	)
	require.NoError(t, err)

	// Nothing to append to before bootstrap.
	_, err = pub.Append(ctx, fragmenta.Record[map[string]string]{Data: map[string]string{"at": "2024-05-01T10:00:00Z"}})
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = fragmenta.OpenPublisher[int](ctx, "", stores)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}
