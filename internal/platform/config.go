package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/fragmenta/pkg/adapters/dynamodb"
	"github.com/aretw0/fragmenta/pkg/adapters/redis"
	"github.com/aretw0/fragmenta/pkg/core"
)

// StreamFile is the on-disk definition of a stream (fragmenta.yaml).
type StreamFile struct {
	Stream           string `yaml:"stream"`
	Description      string `yaml:"description,omitempty"`
	TimestampPath    string `yaml:"timestamp_path"`
	PageSize         int    `yaml:"page_size"`
	DropSplitTrigger bool   `yaml:"drop_split_trigger,omitempty"`

	Adapter string `yaml:"adapter,omitempty"`
	// URI is adapter-specific: a directory for fs, an address or redis://
	// URL for redis, a table name for dynamodb.
	URI string `yaml:"uri,omitempty"`

	FS       FSSection       `yaml:"fs,omitempty"`
	Redis    RedisSection    `yaml:"redis,omitempty"`
	DynamoDB DynamoDBSection `yaml:"dynamodb,omitempty"`
	Spool    SpoolSection    `yaml:"spool,omitempty"`

	dir string
}

type FSSection struct {
	Format    string        `yaml:"format,omitempty"`
	SystemDir string        `yaml:"system_dir,omitempty"`
	StaleLock time.Duration `yaml:"stale_lock,omitempty"`
}

type RedisSection struct {
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db,omitempty"`
	Prefix   string        `yaml:"prefix,omitempty"`
	LockTTL  time.Duration `yaml:"lock_ttl,omitempty"`
}

type DynamoDBSection struct {
	Region   string        `yaml:"region,omitempty"`
	Endpoint string        `yaml:"endpoint,omitempty"`
	LockTTL  time.Duration `yaml:"lock_ttl,omitempty"`
}

type SpoolSection struct {
	Dir     string        `yaml:"dir,omitempty"`
	Pattern string        `yaml:"pattern,omitempty"`
	Settle  time.Duration `yaml:"settle,omitempty"`
}

// LoadStreamFile reads and validates a stream file.
func LoadStreamFile(path string) (*StreamFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream file: %w", err)
	}

	var sf StreamFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("%w: invalid stream file %s: %v", core.ErrConfiguration, path, err)
	}
	if sf.Stream == "" {
		return nil, fmt.Errorf("%w: stream file %s: stream is required", core.ErrConfiguration, path)
	}
	if sf.TimestampPath == "" {
		return nil, fmt.Errorf("%w: stream file %s: timestamp_path is required", core.ErrConfiguration, path)
	}
	if sf.Adapter == "" {
		sf.Adapter = "fs"
	}
	sf.dir = filepath.Dir(path)
	return &sf, nil
}

// Dir is the directory the stream file was loaded from.
func (sf *StreamFile) Dir() string {
	return sf.dir
}

// Target returns the URI to open. A relative fs path is resolved against
// the stream file's directory; an empty one means "data" next to it.
func (sf *StreamFile) Target() string {
	if sf.Adapter != "fs" {
		return sf.URI
	}
	uri := sf.URI
	if uri == "" {
		uri = "data"
	}
	if !filepath.IsAbs(uri) && sf.dir != "" {
		uri = filepath.Join(sf.dir, uri)
	}
	return uri
}

// SpoolDir resolves the spool inbox the same way as Target.
func (sf *StreamFile) SpoolDir() string {
	dir := sf.Spool.Dir
	if dir == "" || filepath.IsAbs(dir) || sf.dir == "" {
		return dir
	}
	return filepath.Join(sf.dir, dir)
}

// Options converts the file into functional options.
func (sf *StreamFile) Options() []Option {
	opts := []Option{
		WithAdapter(sf.Adapter),
		WithStream(sf.Stream),
		WithTimestampPath(sf.TimestampPath),
		WithPageSize(sf.PageSize),
		WithDropSplitTrigger(sf.DropSplitTrigger),
	}

	if sf.FS.Format != "" {
		opts = append(opts, WithFormat(sf.FS.Format))
	}
	if sf.FS.SystemDir != "" {
		opts = append(opts, WithSystemDir(sf.FS.SystemDir))
	}
	if sf.FS.StaleLock > 0 {
		opts = append(opts, WithStaleLock(sf.FS.StaleLock))
	}

	switch sf.Adapter {
	case "redis":
		ro := redis.DefaultOptions()
		ro.Password = sf.Redis.Password
		ro.DB = sf.Redis.DB
		if sf.Redis.Prefix != "" {
			ro.Prefix = sf.Redis.Prefix
		}
		if sf.Redis.LockTTL > 0 {
			ro.LockTTL = sf.Redis.LockTTL
		}
		opts = append(opts, WithRedisOptions(ro))
	case "dynamodb":
		opts = append(opts, WithDynamoConfig(dynamodb.Config{
			Table:    sf.URI,
			Region:   sf.DynamoDB.Region,
			Endpoint: sf.DynamoDB.Endpoint,
			LockTTL:  sf.DynamoDB.LockTTL,
		}))
	}
	return opts
}
