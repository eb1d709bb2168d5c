package platform

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/fragmenta/pkg/core"
)

func writeStreamFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), StreamFileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadStreamFile(t *testing.T) {
	path := writeStreamFile(t, `
stream: sensors
description: Sensor readings
timestamp_path: observedAt
page_size: 100
fs:
  format: yaml
  stale_lock: 2m
spool:
  dir: inbox
  settle: 250ms
`)

	sf, err := LoadStreamFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sensors", sf.Stream)
	assert.Equal(t, "fs", sf.Adapter)
	assert.Equal(t, 100, sf.PageSize)
	assert.Equal(t, 2*time.Minute, sf.FS.StaleLock)
	assert.Equal(t, 250*time.Millisecond, sf.Spool.Settle)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data"), sf.Target())
	assert.Equal(t, filepath.Join(filepath.Dir(path), "inbox"), sf.SpoolDir())

	o := buildOptions(sf.Options())
	assert.Equal(t, "sensors", o.engine.StreamID)
	assert.Equal(t, "observedAt", o.engine.TimestampPath)
	assert.Equal(t, 100, o.engine.PageSize)
	assert.Equal(t, "yaml", o.config["format"])
	assert.Equal(t, 2*time.Minute, o.config["stale_lock"])
}

func TestLoadStreamFile_Adapters(t *testing.T) {
	t.Run("Redis", func(t *testing.T) {
		sf, err := LoadStreamFile(writeStreamFile(t, `
stream: s
timestamp_path: ts
adapter: redis
uri: redis://cache:6379/1
redis:
  prefix: tenant-a
`))
		require.NoError(t, err)
		assert.Equal(t, "redis://cache:6379/1", sf.Target())

		o := buildOptions(sf.Options())
		assert.Equal(t, "redis", o.adapter)
		assert.Equal(t, "tenant-a", o.redis.Prefix)
		assert.Equal(t, 30*time.Second, o.redis.LockTTL)
	})

	t.Run("DynamoDB", func(t *testing.T) {
		sf, err := LoadStreamFile(writeStreamFile(t, `
stream: s
timestamp_path: ts
adapter: dynamodb
uri: fragments
dynamodb:
  region: eu-west-1
  endpoint: http://localhost:8000
`))
		require.NoError(t, err)

		o := buildOptions(sf.Options())
		assert.Equal(t, "fragments", o.dynamo.Table)
		assert.Equal(t, "eu-west-1", o.dynamo.Region)
		assert.Equal(t, "http://localhost:8000", o.dynamo.Endpoint)
	})
}

func TestLoadStreamFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"Malformed", "stream: [unclosed"},
		{"Missing Stream", "timestamp_path: ts"},
		{"Missing Timestamp Path", "stream: s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadStreamFile(writeStreamFile(t, tt.body))
			assert.ErrorIs(t, err, core.ErrConfiguration)
		})
	}

	_, err := LoadStreamFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
