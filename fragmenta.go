package fragmenta

import (
	"context"
	"log/slog"
	"time"

	"github.com/aretw0/fragmenta/internal/platform"
	"github.com/aretw0/fragmenta/pkg/adapters/dynamodb"
	"github.com/aretw0/fragmenta/pkg/adapters/redis"
	"github.com/aretw0/fragmenta/pkg/core"
)

// --- Types ---

// Backend is an opened storage adapter.
type Backend = platform.Backend

// StreamFile is the on-disk definition of a stream (fragmenta.yaml).
type StreamFile = platform.StreamFile

// StreamFileName is the stream definition looked up by FindRoot.
const StreamFileName = platform.StreamFileName

// --- Configuration ---

// Option defines a functional option for configuring fragmenta.
type Option = platform.Option

// WithAdapter selects the storage adapter by name: "fs" (default),
// "memory", "redis" or "dynamodb".
func WithAdapter(name string) Option {
	return platform.WithAdapter(name)
}

// WithStores injects ready-made stores, skipping adapter selection.
func WithStores(stores core.Stores) Option {
	return platform.WithStores(stores)
}

// WithLogger sets the logger for the engine and the adapter.
func WithLogger(logger *slog.Logger) Option {
	return platform.WithLogger(logger)
}

// WithStream sets the identifier of the stream to fragment.
func WithStream(id string) Option {
	return platform.WithStream(id)
}

// WithTimestampPath sets the payload field split boundaries are read from.
func WithTimestampPath(path string) Option {
	return platform.WithTimestampPath(path)
}

// WithPageSize caps the members per bucket. Zero means unbounded.
func WithPageSize(n int) Option {
	return platform.WithPageSize(n)
}

// WithEvents receives every bucket and member change.
func WithEvents(ch chan<- core.Event) Option {
	return platform.WithEvents(ch)
}

// WithDropSplitTrigger stores nothing for the member that triggers a split.
func WithDropSplitTrigger(drop bool) Option {
	return platform.WithDropSplitTrigger(drop)
}

// WithExtractor replaces the default payload timestamp extractor.
func WithExtractor(x core.TimestampExtractor) Option {
	return platform.WithExtractor(x)
}

// WithFormat sets the fs bucket file format ("json" or "yaml").
func WithFormat(format string) Option {
	return platform.WithFormat(format)
}

// WithSystemDir sets the fs per-stream system directory.
func WithSystemDir(name string) Option {
	return platform.WithSystemDir(name)
}

// WithMustExist requires the fs data directory to exist already.
func WithMustExist(must bool) Option {
	return platform.WithMustExist(must)
}

// WithStaleLock breaks fs stream locks older than d.
func WithStaleLock(d time.Duration) Option {
	return platform.WithStaleLock(d)
}

// WithForceTemp forces the fs data directory into a temporary directory.
func WithForceTemp(force bool) Option {
	return platform.WithForceTemp(force)
}

// WithDevSafety controls the sandbox applied under `go run` and `go test`.
func WithDevSafety(enabled bool) Option {
	return platform.WithDevSafety(enabled)
}

// WithRedisOptions configures the redis adapter.
func WithRedisOptions(opts redis.Options) Option {
	return platform.WithRedisOptions(opts)
}

// WithDynamoConfig configures the dynamodb adapter.
func WithDynamoConfig(cfg dynamodb.Config) Option {
	return platform.WithDynamoConfig(cfg)
}

// --- Factory ---

// Init opens the storage adapter selected by the options.
func Init(ctx context.Context, uri string, opts ...Option) (*Backend, error) {
	return platform.Init(ctx, uri, opts...)
}

// NewEngine builds the stream's engine on an opened backend.
func NewEngine(b *Backend, opts ...Option) (*core.Engine, error) {
	return platform.NewEngine(b, opts...)
}

// Open initializes the adapter and returns the stream's engine.
func Open(ctx context.Context, uri string, opts ...Option) (*core.Engine, error) {
	return platform.Open(ctx, uri, opts...)
}

// --- Stream files ---

// LoadStreamFile reads and validates a fragmenta.yaml file.
func LoadStreamFile(path string) (*StreamFile, error) {
	return platform.LoadStreamFile(path)
}

// FindRoot looks upwards from startDir for a directory holding fragmenta.yaml.
func FindRoot(startDir string) (string, error) {
	return platform.FindRoot(startDir)
}

// --- Safety & Utils ---

// ResolveDataPath determines the fs data directory based on safety rules.
func ResolveDataPath(userPath string, forceTemp bool) string {
	return platform.ResolveDataPath(userPath, forceTemp)
}

// IsDevRun checks if the current process is running via `go run` or `go test`.
func IsDevRun() bool {
	return platform.IsDevRun()
}
