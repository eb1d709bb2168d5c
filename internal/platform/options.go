package platform

import (
	"log/slog"
	"time"

	"github.com/aretw0/fragmenta/pkg/adapters/dynamodb"
	"github.com/aretw0/fragmenta/pkg/adapters/redis"
	"github.com/aretw0/fragmenta/pkg/core"
)

// options holds the internal configuration for a fragmenta stream.
type options struct {
	stores    *core.Stores
	extractor core.TimestampExtractor
	logger    *slog.Logger
	adapter   string
	engine    core.Config
	config    map[string]interface{}
	redis     redis.Options
	dynamo    dynamodb.Config
}

// Option defines a functional option for configuring fragmenta.
type Option func(*options)

// defaultOptions returns the default configuration.
func defaultOptions() *options {
	return &options{
		adapter: "fs",
		config:  make(map[string]interface{}),
		redis:   redis.DefaultOptions(),
	}
}

func buildOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	o.engine.Logger = o.logger
	return o
}

// WithAdapter selects the storage adapter by name: "fs" (default),
// "memory", "redis" or "dynamodb".
func WithAdapter(name string) Option {
	return func(o *options) {
		o.adapter = name
	}
}

// WithStores injects ready-made stores. The adapter setting is then ignored.
func WithStores(stores core.Stores) Option {
	return func(o *options) {
		o.stores = &stores
	}
}

// WithLogger sets the logger for the engine and the adapter.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithStream sets the identifier of the stream the engine fragments.
func WithStream(id string) Option {
	return func(o *options) {
		o.engine.StreamID = id
	}
}

// WithTimestampPath sets the payload field split boundaries are read from.
func WithTimestampPath(path string) Option {
	return func(o *options) {
		o.engine.TimestampPath = path
	}
}

// WithPageSize caps the members per bucket. Zero means unbounded.
func WithPageSize(n int) Option {
	return func(o *options) {
		o.engine.PageSize = n
	}
}

// WithEvents receives every bucket and member change. Use a buffered channel.
func WithEvents(ch chan<- core.Event) Option {
	return func(o *options) {
		o.engine.Events = ch
	}
}

// WithDropSplitTrigger stores nothing for the member that triggers a split.
func WithDropSplitTrigger(drop bool) Option {
	return func(o *options) {
		o.engine.DropSplitTrigger = drop
	}
}

// WithExtractor replaces the default payload timestamp extractor.
func WithExtractor(x core.TimestampExtractor) Option {
	return func(o *options) {
		o.extractor = x
	}
}

// WithFormat sets the fs bucket file format ("json" or "yaml").
func WithFormat(format string) Option {
	return func(o *options) {
		o.config["format"] = format
	}
}

// WithSystemDir sets the fs per-stream system directory (e.g. ".fragmenta").
func WithSystemDir(name string) Option {
	return func(o *options) {
		o.config["system_dir"] = name
	}
}

// WithMustExist requires the fs data directory to exist already.
func WithMustExist(must bool) Option {
	return func(o *options) {
		o.config["must_exist"] = must
	}
}

// WithStaleLock breaks fs stream locks older than d.
func WithStaleLock(d time.Duration) Option {
	return func(o *options) {
		o.config["stale_lock"] = d
	}
}

// WithForceTemp forces the fs data directory into a temporary directory.
func WithForceTemp(force bool) Option {
	return func(o *options) {
		o.config["temp_dir"] = force
	}
}

// WithDevSafety controls the sandbox applied to the fs data directory when
// running via `go run` or `go test`. Enabled by default.
//
// CAUTION: Only disable this if you are sure your code is safe.
func WithDevSafety(enabled bool) Option {
	return func(o *options) {
		o.config["dev_safety"] = enabled
	}
}

// WithRedisOptions configures the redis adapter. Zero fields keep their
// defaults; an address passed as URI takes precedence.
func WithRedisOptions(opts redis.Options) Option {
	return func(o *options) {
		o.redis = opts
	}
}

// WithDynamoConfig configures the dynamodb adapter. A table passed as URI
// takes precedence.
func WithDynamoConfig(cfg dynamodb.Config) Option {
	return func(o *options) {
		o.dynamo = cfg
	}
}
