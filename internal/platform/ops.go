package platform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aretw0/fragmenta/pkg/adapters/dynamodb"
	"github.com/aretw0/fragmenta/pkg/adapters/fs"
	"github.com/aretw0/fragmenta/pkg/adapters/memory"
	"github.com/aretw0/fragmenta/pkg/adapters/redis"
	"github.com/aretw0/fragmenta/pkg/core"
)

// Backend is an opened storage adapter.
type Backend struct {
	// Name is the adapter name, or "custom" for injected stores.
	Name   string
	Stores core.Stores
	// Adapter is the concrete adapter value (e.g. *fs.Repository), nil for
	// injected stores.
	Adapter any

	close func() error
}

// Close releases adapter connections.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// FindMember returns a stored member payload when the adapter can read
// members back.
func (b *Backend) FindMember(ctx context.Context, id string) ([]byte, error) {
	r, ok := b.Stores.Members.(core.MemberReader)
	if !ok {
		return nil, fmt.Errorf("adapter %s cannot read members back", b.Name)
	}
	return r.FindMember(ctx, id)
}

// Init opens the storage adapter selected by the options.
// The uri argument is adapter-specific: a directory for "fs", an address or
// redis:// URL for "redis", a table name for "dynamodb". It is ignored by
// "memory".
func Init(ctx context.Context, uri string, opts ...Option) (*Backend, error) {
	o := buildOptions(opts)

	if o.stores != nil {
		return &Backend{Name: "custom", Stores: *o.stores}, nil
	}

	switch o.adapter {
	case "memory":
		store := memory.NewStore()
		return &Backend{Name: "memory", Stores: store.Stores(), Adapter: store}, nil
	case "fs":
		return initFS(ctx, uri, o)
	case "redis":
		return initRedis(ctx, uri, o)
	case "dynamodb":
		return initDynamo(ctx, uri, o)
	default:
		return nil, fmt.Errorf("%w: unknown adapter: %s", core.ErrConfiguration, o.adapter)
	}
}

// initFS handles the initialization logic for the filesystem adapter.
func initFS(ctx context.Context, path string, o *options) (*Backend, error) {
	format, _ := o.config["format"].(string)
	systemDir, _ := o.config["system_dir"].(string)
	mustExist, _ := o.config["must_exist"].(bool)
	staleLock, _ := o.config["stale_lock"].(time.Duration)
	tempDir, _ := o.config["temp_dir"].(bool)

	devSafety := true
	if val, ok := o.config["dev_safety"].(bool); ok {
		devSafety = val
	}

	useTemp := tempDir || (devSafety && IsDevRun())
	resolved := ResolveDataPath(path, useTemp)
	if o.logger != nil && resolved != path && useTemp {
		o.logger.Warn("running in SAFE MODE (dev sandbox)", "original_path", path, "resolved_path", resolved)
	}

	repo, err := fs.NewRepository(fs.Config{
		Path:      resolved,
		Format:    format,
		SystemDir: systemDir,
		MustExist: mustExist,
		StaleLock: staleLock,
		Logger:    o.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := repo.Initialize(ctx); err != nil {
		return nil, err
	}
	return &Backend{Name: "fs", Stores: repo.Stores(), Adapter: repo}, nil
}

func initRedis(ctx context.Context, uri string, o *options) (*Backend, error) {
	ro := o.redis
	ro.Logger = o.logger

	var store *redis.Store
	switch {
	case strings.HasPrefix(uri, "redis://"), strings.HasPrefix(uri, "rediss://"):
		var err error
		if store, err = redis.NewStoreWithURL(uri, ro); err != nil {
			return nil, err
		}
	default:
		if uri != "" {
			ro.Address = uri
		}
		store = redis.NewStore(ro)
	}

	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return &Backend{Name: "redis", Stores: store.Stores(), Adapter: store, close: store.Close}, nil
}

func initDynamo(ctx context.Context, table string, o *options) (*Backend, error) {
	cfg := o.dynamo
	if table != "" {
		cfg.Table = table
	}
	cfg.Logger = o.logger

	store, err := dynamodb.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Backend{Name: "dynamodb", Stores: store.Stores(), Adapter: store}, nil
}
